package namespace

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/timskillet/replicated-filestore/internal/dfserr"
	"github.com/timskillet/replicated-filestore/internal/types"
)

func setupNamespace(t *testing.T) (*Namespace, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	ns, err := New(context.Background(), store, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return ns, store
}

func allocate(t *testing.T, ns *Namespace, id string, nodes ...string) {
	t.Helper()
	err := ns.RegisterChunk(context.Background(), &types.Chunk{
		ChunkID:           id,
		ReplicaLocations:  nodes,
		ReplicationFactor: len(nodes),
	})
	if err != nil {
		t.Fatalf("RegisterChunk(%s): %v", id, err)
	}
}

func TestCreateDirectoryRules(t *testing.T) {
	ns, _ := setupNamespace(t)
	ctx := context.Background()

	if _, err := ns.CreateDirectory(ctx, "/data"); err != nil {
		t.Fatalf("CreateDirectory: %v", err)
	}
	if _, err := ns.CreateDirectory(ctx, "/data"); !errors.Is(err, dfserr.ErrConflict) {
		t.Fatalf("duplicate dir: err = %v, want conflict", err)
	}
	if _, err := ns.CreateDirectory(ctx, "/missing/child"); !errors.Is(err, dfserr.ErrNotFound) {
		t.Fatalf("orphan dir: err = %v, want not found", err)
	}
	if _, err := ns.CreateDirectory(ctx, "/"); !errors.Is(err, dfserr.ErrConflict) {
		t.Fatalf("root: err = %v, want conflict", err)
	}
}

func TestCreateFileConflictKeepsExistingRecord(t *testing.T) {
	ns, _ := setupNamespace(t)
	ctx := context.Background()

	if _, err := ns.CreateFile(ctx, "/a.bin", 3); err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	if _, err := ns.CreateFile(ctx, "/a.bin", 1); !errors.Is(err, dfserr.ErrConflict) {
		t.Fatalf("err = %v, want conflict", err)
	}
	f, _, err := ns.GetFileInfo("/a.bin")
	if err != nil {
		t.Fatalf("GetFileInfo: %v", err)
	}
	if f.ReplicationFactor != 3 {
		t.Fatalf("replication factor mutated to %d", f.ReplicationFactor)
	}
}

func TestCreateFileRequiresParent(t *testing.T) {
	ns, _ := setupNamespace(t)
	if _, err := ns.CreateFile(context.Background(), "/nope/a.bin", 3); !errors.Is(err, dfserr.ErrNotFound) {
		t.Fatalf("err = %v, want not found", err)
	}
}

func TestConcurrentCreateFileSingleWinner(t *testing.T) {
	ns, _ := setupNamespace(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins, conflicts := 0, 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ns.CreateFile(ctx, "/race.bin", 2)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, dfserr.ErrConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if wins != 1 || conflicts != 15 {
		t.Fatalf("wins = %d, conflicts = %d", wins, conflicts)
	}
}

func TestListDirectoryImmediateChildrenOnly(t *testing.T) {
	ns, _ := setupNamespace(t)
	ctx := context.Background()

	mustDir := func(p string) {
		if _, err := ns.CreateDirectory(ctx, p); err != nil {
			t.Fatalf("CreateDirectory(%s): %v", p, err)
		}
	}
	mustDir("/top")
	mustDir("/top/sub")
	mustDir("/top/sub/deeper")
	if _, err := ns.CreateFile(ctx, "/top/file.txt", 1); err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	if _, err := ns.CreateFile(ctx, "/top/sub/nested.txt", 1); err != nil {
		t.Fatalf("CreateFile: %v", err)
	}

	entries, err := ns.ListDirectory("/top")
	if err != nil {
		t.Fatalf("ListDirectory: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2: %+v", len(entries), entries)
	}
	if entries[0].Name != "file.txt" || entries[0].Type != types.EntryFile {
		t.Errorf("entries[0] = %+v", entries[0])
	}
	if entries[1].Name != "sub" || entries[1].Type != types.EntryDirectory {
		t.Errorf("entries[1] = %+v", entries[1])
	}

	if _, err := ns.ListDirectory("/absent"); !errors.Is(err, dfserr.ErrNotFound) {
		t.Errorf("absent dir: err = %v", err)
	}
}

func TestCompleteChunkIdempotent(t *testing.T) {
	ns, _ := setupNamespace(t)
	ctx := context.Background()

	if _, err := ns.CreateFile(ctx, "/f", 2); err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	allocate(t, ns, "c1", "n1", "n2")

	for i := 0; i < 2; i++ {
		if _, err := ns.CompleteChunk(ctx, "c1", "/f", 100, "abc"); err != nil {
			t.Fatalf("CompleteChunk #%d: %v", i+1, err)
		}
	}
	f, chunks, err := ns.GetFileInfo("/f")
	if err != nil {
		t.Fatalf("GetFileInfo: %v", err)
	}
	if len(f.ChunkIDs) != 1 || len(chunks) != 1 {
		t.Fatalf("chunk list = %v, want exactly one entry", f.ChunkIDs)
	}
	if f.TotalSize != 100 {
		t.Fatalf("total size = %d, want 100", f.TotalSize)
	}
	if chunks[0].State != types.ChunkComplete {
		t.Fatalf("state = %s", chunks[0].State)
	}

	if _, err := ns.CompleteChunk(ctx, "c1", "/f", 100, "different"); !errors.Is(err, dfserr.ErrConflict) {
		t.Fatalf("mismatched completion: err = %v, want conflict", err)
	}
}

func TestCompleteChunkTotalsAndOrder(t *testing.T) {
	ns, _ := setupNamespace(t)
	ctx := context.Background()

	if _, err := ns.CreateFile(ctx, "/f", 1); err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	sizes := map[string]int64{"c1": 64, "c2": 64, "c3": 22}
	for _, id := range []string{"c1", "c2", "c3"} {
		allocate(t, ns, id, "n1")
		if _, err := ns.CompleteChunk(ctx, id, "/f", sizes[id], "sum-"+id); err != nil {
			t.Fatalf("CompleteChunk(%s): %v", id, err)
		}
	}
	f, chunks, _ := ns.GetFileInfo("/f")
	var sum int64
	for i, c := range chunks {
		sum += c.SizeBytes
		if c.ChunkID != f.ChunkIDs[i] {
			t.Fatalf("chunk order mismatch at %d", i)
		}
	}
	if sum != f.TotalSize || f.TotalSize != 150 {
		t.Fatalf("sum = %d, total = %d", sum, f.TotalSize)
	}
}

func TestCompleteChunkUnknown(t *testing.T) {
	ns, _ := setupNamespace(t)
	ctx := context.Background()
	if _, err := ns.CreateFile(ctx, "/f", 1); err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	if _, err := ns.CompleteChunk(ctx, "ghost", "/f", 1, "x"); !errors.Is(err, dfserr.ErrNotFound) {
		t.Fatalf("err = %v, want not found", err)
	}
	allocate(t, ns, "c1", "n1")
	if _, err := ns.CompleteChunk(ctx, "c1", "/nofile", 1, "x"); !errors.Is(err, dfserr.ErrNotFound) {
		t.Fatalf("err = %v, want not found", err)
	}
}

func TestDeleteFile(t *testing.T) {
	ns, _ := setupNamespace(t)
	ctx := context.Background()

	if _, err := ns.CreateFile(ctx, "/gone", 1); err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	allocate(t, ns, "c1", "n1")
	if _, err := ns.CompleteChunk(ctx, "c1", "/gone", 5, "x"); err != nil {
		t.Fatalf("CompleteChunk: %v", err)
	}

	released, err := ns.DeleteFile(ctx, "/gone")
	if err != nil {
		t.Fatalf("DeleteFile: %v", err)
	}
	if len(released) != 1 || released[0].ChunkID != "c1" {
		t.Fatalf("released = %+v", released)
	}
	if _, _, err := ns.GetFileInfo("/gone"); !errors.Is(err, dfserr.ErrNotFound) {
		t.Fatalf("GetFileInfo after delete: err = %v", err)
	}
	if _, err := ns.Chunk("c1"); !errors.Is(err, dfserr.ErrNotFound) {
		t.Fatalf("chunk survived delete: %v", err)
	}
	if ids := ns.ChunksOnNode("n1"); len(ids) != 0 {
		t.Fatalf("node index still lists %v", ids)
	}
	entries, _ := ns.ListDirectory("/")
	if len(entries) != 0 {
		t.Fatalf("root still lists %+v", entries)
	}
	if _, err := ns.DeleteFile(ctx, "/gone"); !errors.Is(err, dfserr.ErrNotFound) {
		t.Fatalf("second delete: err = %v", err)
	}
}

func TestReplicaIndexAndDuplicates(t *testing.T) {
	ns, _ := setupNamespace(t)
	ctx := context.Background()

	err := ns.RegisterChunk(ctx, &types.Chunk{ChunkID: "dup", ReplicaLocations: []string{"n1", "n1"}})
	if !errors.Is(err, dfserr.ErrInvalidArgument) {
		t.Fatalf("duplicate locations: err = %v", err)
	}

	allocate(t, ns, "c1", "n1", "n2")
	if _, err := ns.SetReplicas(ctx, "c1", []string{"n2", "n3"}); err != nil {
		t.Fatalf("SetReplicas: %v", err)
	}
	if got := ns.ChunksOnNode("n1"); len(got) != 0 {
		t.Errorf("n1 still indexed: %v", got)
	}
	if got := ns.ChunksOnNode("n3"); len(got) != 1 {
		t.Errorf("n3 not indexed: %v", got)
	}
	c, err := ns.RemoveReplicas(ctx, "c1", []string{"n2"})
	if err != nil {
		t.Fatalf("RemoveReplicas: %v", err)
	}
	if len(c.ReplicaLocations) != 1 || c.ReplicaLocations[0] != "n3" {
		t.Fatalf("locations = %v", c.ReplicaLocations)
	}
}

func TestUpdateReplicasSeesCurrentList(t *testing.T) {
	ns, _ := setupNamespace(t)
	ctx := context.Background()
	allocate(t, ns, "c1", "n1", "n2", "n3")

	if _, err := ns.RemoveReplicas(ctx, "c1", []string{"n2"}); err != nil {
		t.Fatal(err)
	}
	var seen []string
	c, err := ns.UpdateReplicas(ctx, "c1", func(current []string) []string {
		seen = append([]string(nil), current...)
		return append(current, "n4")
	})
	if err != nil {
		t.Fatalf("UpdateReplicas: %v", err)
	}
	if len(seen) != 2 || seen[0] != "n1" || seen[1] != "n3" {
		t.Fatalf("fn saw %v", seen)
	}
	if len(c.ReplicaLocations) != 3 || c.HasReplica("n2") || !c.HasReplica("n4") {
		t.Fatalf("locations = %v", c.ReplicaLocations)
	}
	if got := ns.ChunksOnNode("n4"); len(got) != 1 {
		t.Fatalf("n4 not indexed: %v", got)
	}

	if _, err := ns.UpdateReplicas(ctx, "c1", func(current []string) []string { return append(current, "n1") }); !errors.Is(err, dfserr.ErrInvalidArgument) {
		t.Fatalf("duplicate: err = %v", err)
	}
	if _, err := ns.UpdateReplicas(ctx, "nope", func(c []string) []string { return c }); !errors.Is(err, dfserr.ErrNotFound) {
		t.Fatalf("missing chunk: err = %v", err)
	}
}

func TestSetMissing(t *testing.T) {
	ns, _ := setupNamespace(t)
	ctx := context.Background()

	if _, err := ns.CreateFile(ctx, "/f", 1); err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	allocate(t, ns, "c1", "n1")
	if _, err := ns.CompleteChunk(ctx, "c1", "/f", 1, "x"); err != nil {
		t.Fatalf("CompleteChunk: %v", err)
	}
	if err := ns.SetMissing(ctx, "c1", true); err != nil {
		t.Fatalf("SetMissing: %v", err)
	}
	if err := ns.SetMissing(ctx, "c1", true); err != nil {
		t.Fatalf("SetMissing twice: %v", err)
	}
	f, _, _ := ns.GetFileInfo("/f")
	if len(f.MissingChunks) != 1 {
		t.Fatalf("missing = %v", f.MissingChunks)
	}
	if err := ns.SetMissing(ctx, "c1", false); err != nil {
		t.Fatalf("clear: %v", err)
	}
	f, _, _ = ns.GetFileInfo("/f")
	if len(f.MissingChunks) != 0 {
		t.Fatalf("missing after clear = %v", f.MissingChunks)
	}
}

func TestReloadFromStore(t *testing.T) {
	ns, store := setupNamespace(t)
	ctx := context.Background()

	if _, err := ns.CreateDirectory(ctx, "/d"); err != nil {
		t.Fatalf("CreateDirectory: %v", err)
	}
	if _, err := ns.CreateFile(ctx, "/d/f", 2); err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	allocate(t, ns, "c1", "n1", "n2")
	if _, err := ns.CompleteChunk(ctx, "c1", "/d/f", 9, "x"); err != nil {
		t.Fatalf("CompleteChunk: %v", err)
	}

	reloaded, err := New(ctx, store, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f, chunks, err := reloaded.GetFileInfo("/d/f")
	if err != nil {
		t.Fatalf("GetFileInfo: %v", err)
	}
	if f.TotalSize != 9 || len(chunks) != 1 {
		t.Fatalf("reloaded file = %+v", f)
	}
	if got := reloaded.ChunksOnNode("n2"); len(got) != 1 {
		t.Fatalf("node index not rebuilt: %v", got)
	}
}

type failingStore struct {
	*MemoryStore
	fail bool
}

func (f *failingStore) Apply(ctx context.Context, m types.Mutation) error {
	if f.fail {
		return errors.New("disk full")
	}
	return f.MemoryStore.Apply(ctx, m)
}

func TestFailedWriteLeavesStateUnchanged(t *testing.T) {
	store := &failingStore{MemoryStore: NewMemoryStore()}
	ns, err := New(context.Background(), store, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	store.fail = true
	if _, err := ns.CreateFile(context.Background(), "/f", 1); err == nil {
		t.Fatal("expected persistence error")
	}
	if _, _, err := ns.GetFileInfo("/f"); !errors.Is(err, dfserr.ErrNotFound) {
		t.Fatalf("file became visible despite failed write: %v", err)
	}
}
