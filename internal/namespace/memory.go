package namespace

import (
	"context"
	"sync"

	"github.com/timskillet/replicated-filestore/internal/types"
)

// MemoryStore keeps metadata in process. It survives a Namespace being rebuilt on top of it,
// which makes it useful for tests and throwaway clusters, but not process restarts.
type MemoryStore struct {
	mu     sync.Mutex
	files  map[string]*types.File
	dirs   map[string]*types.Directory
	chunks map[string]*types.Chunk
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		files:  make(map[string]*types.File),
		dirs:   make(map[string]*types.Directory),
		chunks: make(map[string]*types.Chunk),
	}
}

func (s *MemoryStore) Load(ctx context.Context) (*types.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := &types.Snapshot{}
	for _, f := range s.files {
		snap.Files = append(snap.Files, f.Clone())
	}
	for _, d := range s.dirs {
		snap.Directories = append(snap.Directories, d.Clone())
	}
	for _, c := range s.chunks {
		snap.Chunks = append(snap.Chunks, c.Clone())
	}
	return snap, nil
}

func (s *MemoryStore) Apply(ctx context.Context, m types.Mutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range m.DeleteFiles {
		delete(s.files, p)
	}
	for _, id := range m.DeleteChunks {
		delete(s.chunks, id)
	}
	for _, f := range m.PutFiles {
		s.files[f.Path] = f.Clone()
	}
	for _, d := range m.PutDirectories {
		s.dirs[d.Path] = d.Clone()
	}
	for _, c := range m.PutChunks {
		s.chunks[c.ChunkID] = c.Clone()
	}
	return nil
}

func (s *MemoryStore) Close() error { return nil }
