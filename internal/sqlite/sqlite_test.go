package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/timskillet/replicated-filestore/internal/dfserr"
	"github.com/timskillet/replicated-filestore/internal/namespace"
	"github.com/timskillet/replicated-filestore/internal/types"
)

// setupTestDB creates a temporary SQLite database for testing.
func setupTestDB(t *testing.T) (*Store, string) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "meta", "test.db")
	s, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s, dbPath
}

func TestNamespaceSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	store, dbPath := setupTestDB(t)

	ns, err := namespace.New(ctx, store, zerolog.Nop())
	if err != nil {
		t.Fatalf("namespace.New: %v", err)
	}
	if _, err := ns.CreateDirectory(ctx, "/logs"); err != nil {
		t.Fatalf("CreateDirectory: %v", err)
	}
	if _, err := ns.CreateFile(ctx, "/logs/app.log", 3); err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	chunk := &types.Chunk{ChunkID: "c-1", ReplicaLocations: []string{"n1", "n2", "n3"}, ReplicationFactor: 3}
	if err := ns.RegisterChunk(ctx, chunk); err != nil {
		t.Fatalf("RegisterChunk: %v", err)
	}
	if _, err := ns.CompleteChunk(ctx, "c-1", "/logs/app.log", 42, "deadbeef"); err != nil {
		t.Fatalf("CompleteChunk: %v", err)
	}
	if _, err := ns.CreateFile(ctx, "/tmp.bin", 1); err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	if _, err := ns.DeleteFile(ctx, "/tmp.bin"); err != nil {
		t.Fatalf("DeleteFile: %v", err)
	}
	store.Close()

	reopened, err := Open(dbPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() { reopened.Close() })

	ns2, err := namespace.New(ctx, reopened, zerolog.Nop())
	if err != nil {
		t.Fatalf("namespace.New after restart: %v", err)
	}
	f, chunks, err := ns2.GetFileInfo("/logs/app.log")
	if err != nil {
		t.Fatalf("GetFileInfo: %v", err)
	}
	if f.TotalSize != 42 || f.ReplicationFactor != 3 {
		t.Errorf("file = %+v", f)
	}
	if len(chunks) != 1 || chunks[0].Checksum != "deadbeef" || len(chunks[0].ReplicaLocations) != 3 {
		t.Errorf("chunks = %+v", chunks)
	}
	if chunks[0].State != types.ChunkComplete {
		t.Errorf("state = %s", chunks[0].State)
	}
	if _, _, err := ns2.GetFileInfo("/tmp.bin"); !errors.Is(err, dfserr.ErrNotFound) {
		t.Errorf("deleted file came back: %v", err)
	}
	entries, err := ns2.ListDirectory("/")
	if err != nil {
		t.Fatalf("ListDirectory: %v", err)
	}
	if len(entries) != 1 || entries[0].Name != "logs" {
		t.Errorf("root entries = %+v", entries)
	}
}

func TestApplyEmptyMutation(t *testing.T) {
	store, _ := setupTestDB(t)
	t.Cleanup(func() { store.Close() })
	if err := store.Apply(context.Background(), types.Mutation{}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	snap, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(snap.Files)+len(snap.Directories)+len(snap.Chunks) != 0 {
		t.Fatalf("unexpected rows: %+v", snap)
	}
}
