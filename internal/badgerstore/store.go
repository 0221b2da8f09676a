// Package badgerstore persists coordinator metadata in an embedded Badger key-value store.
package badgerstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dgraph-io/badger/v3"

	"github.com/timskillet/replicated-filestore/internal/types"
)

const (
	dirPrefix   = "dir/"
	filePrefix  = "file/"
	chunkPrefix = "chunk/"
)

// Store implements namespace.Store. Records are JSON values under typed key prefixes.
type Store struct {
	db *badger.DB
}

func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger at %s: %w", dir, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Load(ctx context.Context) (*types.Snapshot, error) {
	snap := &types.Snapshot{}
	err := s.db.View(func(txn *badger.Txn) error {
		if err := scan(txn, dirPrefix, func(v []byte) error {
			var d types.Directory
			if err := json.Unmarshal(v, &d); err != nil {
				return err
			}
			snap.Directories = append(snap.Directories, &d)
			return nil
		}); err != nil {
			return fmt.Errorf("load directories: %w", err)
		}
		if err := scan(txn, filePrefix, func(v []byte) error {
			var f types.File
			if err := json.Unmarshal(v, &f); err != nil {
				return err
			}
			snap.Files = append(snap.Files, &f)
			return nil
		}); err != nil {
			return fmt.Errorf("load files: %w", err)
		}
		if err := scan(txn, chunkPrefix, func(v []byte) error {
			var c types.Chunk
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}
			snap.Chunks = append(snap.Chunks, &c)
			return nil
		}); err != nil {
			return fmt.Errorf("load chunks: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// Apply writes the mutation in one Badger transaction.
func (s *Store) Apply(ctx context.Context, m types.Mutation) error {
	if m.Empty() {
		return nil
	}
	return s.db.Update(func(txn *badger.Txn) error {
		for _, p := range m.DeleteFiles {
			if err := txn.Delete([]byte(filePrefix + p)); err != nil {
				return fmt.Errorf("delete file %s: %w", p, err)
			}
		}
		for _, id := range m.DeleteChunks {
			if err := txn.Delete([]byte(chunkPrefix + id)); err != nil {
				return fmt.Errorf("delete chunk %s: %w", id, err)
			}
		}
		for _, d := range m.PutDirectories {
			if err := put(txn, dirPrefix+d.Path, d); err != nil {
				return err
			}
		}
		for _, f := range m.PutFiles {
			if err := put(txn, filePrefix+f.Path, f); err != nil {
				return err
			}
		}
		for _, c := range m.PutChunks {
			if err := put(txn, chunkPrefix+c.ChunkID, c); err != nil {
				return err
			}
		}
		return nil
	})
}

func put(txn *badger.Txn, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	if err := txn.Set([]byte(key), data); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func scan(txn *badger.Txn, prefix string, fn func([]byte) error) error {
	it := txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()
	p := []byte(prefix)
	for it.Seek(p); it.ValidForPrefix(p); it.Next() {
		v, err := it.Item().ValueCopy(nil)
		if err != nil {
			return err
		}
		if err := fn(v); err != nil {
			return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
		}
	}
	return nil
}
