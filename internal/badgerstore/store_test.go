package badgerstore

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"github.com/timskillet/replicated-filestore/internal/namespace"
	"github.com/timskillet/replicated-filestore/internal/types"
)

func TestNamespaceSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	store, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ns, err := namespace.New(ctx, store, zerolog.Nop())
	if err != nil {
		t.Fatalf("namespace.New: %v", err)
	}
	if _, err := ns.CreateDirectory(ctx, "/media"); err != nil {
		t.Fatalf("CreateDirectory: %v", err)
	}
	if _, err := ns.CreateFile(ctx, "/media/clip.mp4", 2); err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	if err := ns.RegisterChunk(ctx, &types.Chunk{ChunkID: "k1", ReplicaLocations: []string{"a", "b"}, ReplicationFactor: 2}); err != nil {
		t.Fatalf("RegisterChunk: %v", err)
	}
	if _, err := ns.CompleteChunk(ctx, "k1", "/media/clip.mp4", 7, "cafe"); err != nil {
		t.Fatalf("CompleteChunk: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() { reopened.Close() })

	ns2, err := namespace.New(ctx, reopened, zerolog.Nop())
	if err != nil {
		t.Fatalf("namespace.New after reopen: %v", err)
	}
	f, chunks, err := ns2.GetFileInfo("/media/clip.mp4")
	if err != nil {
		t.Fatalf("GetFileInfo: %v", err)
	}
	if f.TotalSize != 7 || len(chunks) != 1 || chunks[0].ChunkID != "k1" {
		t.Fatalf("file = %+v chunks = %+v", f, chunks)
	}
	entries, err := ns2.ListDirectory("/media")
	if err != nil {
		t.Fatalf("ListDirectory: %v", err)
	}
	if len(entries) != 1 || entries[0].Name != "clip.mp4" {
		t.Fatalf("entries = %+v", entries)
	}
}
