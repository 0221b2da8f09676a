// Package sqlite persists coordinator metadata in a local SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/timskillet/replicated-filestore/internal/types"
)

// Store implements namespace.Store.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and runs schema migrations.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// One writer keeps transactions from tripping SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
CREATE TABLE IF NOT EXISTS directories (
    path TEXT PRIMARY KEY,
    parent_path TEXT NOT NULL,
    children TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    modified_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS files (
    path TEXT PRIMARY KEY,
    replication_factor INTEGER NOT NULL,
    chunk_ids TEXT NOT NULL,
    total_size INTEGER NOT NULL,
    missing_chunks TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    modified_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS chunks (
    chunk_id TEXT PRIMARY KEY,
    size INTEGER NOT NULL,
    checksum TEXT NOT NULL,
    locations TEXT NOT NULL,
    replication_factor INTEGER NOT NULL,
    state TEXT NOT NULL,
    file_path TEXT NOT NULL,
    created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_chunks_file_path ON chunks(file_path);
`
	_, err := s.db.Exec(schema)
	return err
}

func (s *Store) Load(ctx context.Context) (*types.Snapshot, error) {
	snap := &types.Snapshot{}

	rows, err := s.db.QueryContext(ctx, `SELECT path, parent_path, children, created_at, modified_at FROM directories`)
	if err != nil {
		return nil, fmt.Errorf("query directories: %w", err)
	}
	for rows.Next() {
		var d types.Directory
		var children string
		var created, modified int64
		if err := rows.Scan(&d.Path, &d.ParentPath, &children, &created, &modified); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan directory: %w", err)
		}
		var names []string
		if err := json.Unmarshal([]byte(children), &names); err != nil {
			rows.Close()
			return nil, fmt.Errorf("decode children of %s: %w", d.Path, err)
		}
		d.Children = make(map[string]bool, len(names))
		for _, n := range names {
			d.Children[n] = true
		}
		d.CreatedAt, d.ModifiedAt = time.Unix(0, created), time.Unix(0, modified)
		snap.Directories = append(snap.Directories, &d)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.db.QueryContext(ctx, `SELECT path, replication_factor, chunk_ids, total_size, missing_chunks, created_at, modified_at FROM files`)
	if err != nil {
		return nil, fmt.Errorf("query files: %w", err)
	}
	for rows.Next() {
		var f types.File
		var chunkIDs, missing string
		var created, modified int64
		if err := rows.Scan(&f.Path, &f.ReplicationFactor, &chunkIDs, &f.TotalSize, &missing, &created, &modified); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan file: %w", err)
		}
		if err := json.Unmarshal([]byte(chunkIDs), &f.ChunkIDs); err != nil {
			rows.Close()
			return nil, fmt.Errorf("decode chunk ids of %s: %w", f.Path, err)
		}
		if err := json.Unmarshal([]byte(missing), &f.MissingChunks); err != nil {
			rows.Close()
			return nil, fmt.Errorf("decode missing chunks of %s: %w", f.Path, err)
		}
		f.CreatedAt, f.ModifiedAt = time.Unix(0, created), time.Unix(0, modified)
		snap.Files = append(snap.Files, &f)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.db.QueryContext(ctx, `SELECT chunk_id, size, checksum, locations, replication_factor, state, file_path, created_at FROM chunks`)
	if err != nil {
		return nil, fmt.Errorf("query chunks: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var c types.Chunk
		var locations, state string
		var created int64
		if err := rows.Scan(&c.ChunkID, &c.SizeBytes, &c.Checksum, &locations, &c.ReplicationFactor, &state, &c.FilePath, &created); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		if err := json.Unmarshal([]byte(locations), &c.ReplicaLocations); err != nil {
			return nil, fmt.Errorf("decode locations of %s: %w", c.ChunkID, err)
		}
		c.State = types.ChunkState(state)
		c.CreatedAt = time.Unix(0, created)
		snap.Chunks = append(snap.Chunks, &c)
	}
	return snap, rows.Err()
}

// Apply writes the mutation in a single transaction.
func (s *Store) Apply(ctx context.Context, m types.Mutation) error {
	if m.Empty() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	for _, p := range m.DeleteFiles {
		if _, err := tx.ExecContext(ctx, `DELETE FROM files WHERE path = ?`, p); err != nil {
			return fmt.Errorf("delete file %s: %w", p, err)
		}
	}
	for _, id := range m.DeleteChunks {
		if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE chunk_id = ?`, id); err != nil {
			return fmt.Errorf("delete chunk %s: %w", id, err)
		}
	}
	for _, d := range m.PutDirectories {
		names := make([]string, 0, len(d.Children))
		for n := range d.Children {
			names = append(names, n)
		}
		children, _ := json.Marshal(names)
		_, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO directories (path, parent_path, children, created_at, modified_at) VALUES (?, ?, ?, ?, ?)`,
			d.Path, d.ParentPath, string(children), d.CreatedAt.UnixNano(), d.ModifiedAt.UnixNano())
		if err != nil {
			return fmt.Errorf("put directory %s: %w", d.Path, err)
		}
	}
	for _, f := range m.PutFiles {
		chunkIDs, _ := json.Marshal(nonNil(f.ChunkIDs))
		missing, _ := json.Marshal(nonNil(f.MissingChunks))
		_, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO files (path, replication_factor, chunk_ids, total_size, missing_chunks, created_at, modified_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			f.Path, f.ReplicationFactor, string(chunkIDs), f.TotalSize, string(missing), f.CreatedAt.UnixNano(), f.ModifiedAt.UnixNano())
		if err != nil {
			return fmt.Errorf("put file %s: %w", f.Path, err)
		}
	}
	for _, c := range m.PutChunks {
		locations, _ := json.Marshal(nonNil(c.ReplicaLocations))
		_, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO chunks (chunk_id, size, checksum, locations, replication_factor, state, file_path, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ChunkID, c.SizeBytes, c.Checksum, string(locations), c.ReplicationFactor, string(c.State), c.FilePath, c.CreatedAt.UnixNano())
		if err != nil {
			return fmt.Errorf("put chunk %s: %w", c.ChunkID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
