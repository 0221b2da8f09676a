// Package namespace is the coordinator's source of truth for directories, files and chunk records.
//
// All mutations are serialized behind one lock and written through to a Store before they
// become visible in memory, so a failed write leaves the previous state intact.
package namespace

import (
	"context"
	"fmt"
	"path"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/timskillet/replicated-filestore/internal/dfserr"
	"github.com/timskillet/replicated-filestore/internal/types"
)

const Root = "/"

// Store persists namespace mutations. Apply must be atomic.
type Store interface {
	Load(ctx context.Context) (*types.Snapshot, error)
	Apply(ctx context.Context, m types.Mutation) error
	Close() error
}

type Namespace struct {
	mu     sync.RWMutex
	store  Store
	files  map[string]*types.File
	dirs   map[string]*types.Directory
	chunks map[string]*types.Chunk
	byNode map[string]map[string]struct{}
	now    func() time.Time
	log    zerolog.Logger
}

// New loads the persisted snapshot and makes sure the root directory exists.
func New(ctx context.Context, store Store, log zerolog.Logger) (*Namespace, error) {
	ns := &Namespace{
		store:  store,
		files:  make(map[string]*types.File),
		dirs:   make(map[string]*types.Directory),
		chunks: make(map[string]*types.Chunk),
		byNode: make(map[string]map[string]struct{}),
		now:    time.Now,
		log:    log.With().Str("component", "namespace").Logger(),
	}

	snap, err := store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load metadata: %w", err)
	}
	for _, d := range snap.Directories {
		if d.Children == nil {
			d.Children = make(map[string]bool)
		}
		ns.dirs[d.Path] = d
	}
	for _, f := range snap.Files {
		ns.files[f.Path] = f
	}
	for _, c := range snap.Chunks {
		ns.chunks[c.ChunkID] = c
		ns.indexChunk(c)
	}

	if _, ok := ns.dirs[Root]; !ok {
		now := ns.now()
		root := &types.Directory{Path: Root, Children: make(map[string]bool), CreatedAt: now, ModifiedAt: now}
		if err := store.Apply(ctx, types.Mutation{PutDirectories: []*types.Directory{root}}); err != nil {
			return nil, fmt.Errorf("failed to create root directory: %w", err)
		}
		ns.dirs[Root] = root
	}

	ns.log.Info().
		Int("files", len(ns.files)).
		Int("directories", len(ns.dirs)).
		Int("chunks", len(ns.chunks)).
		Msg("namespace loaded")
	return ns, nil
}

// CleanPath normalizes a namespace path. Paths are absolute and slash-separated.
func CleanPath(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return "", fmt.Errorf("%w: empty path", dfserr.ErrInvalidArgument)
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p), nil
}

func (ns *Namespace) CreateDirectory(ctx context.Context, p string) (*types.Directory, error) {
	p, err := CleanPath(p)
	if err != nil {
		return nil, err
	}

	ns.mu.Lock()
	defer ns.mu.Unlock()

	if p == Root || ns.exists(p) {
		return nil, fmt.Errorf("%w: %s already exists", dfserr.ErrConflict, p)
	}
	parent, err := ns.parentOf(p)
	if err != nil {
		return nil, err
	}

	now := ns.now()
	dir := &types.Directory{
		Path:       p,
		ParentPath: parent.Path,
		Children:   make(map[string]bool),
		CreatedAt:  now,
		ModifiedAt: now,
	}
	newParent := parent.Clone()
	newParent.Children[path.Base(p)] = true
	newParent.ModifiedAt = now

	if err := ns.store.Apply(ctx, types.Mutation{PutDirectories: []*types.Directory{dir, newParent}}); err != nil {
		return nil, fmt.Errorf("failed to persist directory: %w", err)
	}
	ns.dirs[p] = dir
	ns.dirs[newParent.Path] = newParent

	ns.log.Info().Str("path", p).Msg("created directory")
	return dir.Clone(), nil
}

// CreateFile reserves path before any bytes are transferred. The losing racer gets ErrConflict.
func (ns *Namespace) CreateFile(ctx context.Context, p string, replicationFactor int) (*types.File, error) {
	p, err := CleanPath(p)
	if err != nil {
		return nil, err
	}
	if replicationFactor < 1 {
		return nil, fmt.Errorf("%w: replication factor must be at least 1", dfserr.ErrInvalidArgument)
	}

	ns.mu.Lock()
	defer ns.mu.Unlock()

	if p == Root || ns.exists(p) {
		return nil, fmt.Errorf("%w: %s already exists", dfserr.ErrConflict, p)
	}
	parent, err := ns.parentOf(p)
	if err != nil {
		return nil, err
	}

	now := ns.now()
	file := &types.File{
		Path:              p,
		ReplicationFactor: replicationFactor,
		ChunkIDs:          []string{},
		CreatedAt:         now,
		ModifiedAt:        now,
	}
	newParent := parent.Clone()
	newParent.Children[path.Base(p)] = true
	newParent.ModifiedAt = now

	m := types.Mutation{PutFiles: []*types.File{file}, PutDirectories: []*types.Directory{newParent}}
	if err := ns.store.Apply(ctx, m); err != nil {
		return nil, fmt.Errorf("failed to persist file: %w", err)
	}
	ns.files[p] = file
	ns.dirs[newParent.Path] = newParent

	ns.log.Info().Str("path", p).Int("replication_factor", replicationFactor).Msg("created file")
	return file.Clone(), nil
}

// RegisterChunk records a freshly allocated chunk. Chunk ids are never reused.
func (ns *Namespace) RegisterChunk(ctx context.Context, c *types.Chunk) error {
	if err := validateLocations(c.ReplicaLocations); err != nil {
		return err
	}

	ns.mu.Lock()
	defer ns.mu.Unlock()

	if _, ok := ns.chunks[c.ChunkID]; ok {
		return fmt.Errorf("%w: chunk %s already allocated", dfserr.ErrConflict, c.ChunkID)
	}
	rec := c.Clone()
	rec.State = types.ChunkAllocated
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = ns.now()
	}
	if err := ns.store.Apply(ctx, types.Mutation{PutChunks: []*types.Chunk{rec}}); err != nil {
		return fmt.Errorf("failed to persist chunk: %w", err)
	}
	ns.chunks[rec.ChunkID] = rec
	ns.indexChunk(rec)
	return nil
}

// CompleteChunk commits an allocated chunk to the end of a file's chunk list.
// Repeating an identical completion is a no-op.
func (ns *Namespace) CompleteChunk(ctx context.Context, chunkID, filePath string, size int64, checksum string) (*types.File, error) {
	filePath, err := CleanPath(filePath)
	if err != nil {
		return nil, err
	}
	if size < 0 || checksum == "" {
		return nil, fmt.Errorf("%w: size and checksum are required", dfserr.ErrInvalidArgument)
	}

	ns.mu.Lock()
	defer ns.mu.Unlock()

	file, ok := ns.files[filePath]
	if !ok {
		return nil, fmt.Errorf("%w: file %s", dfserr.ErrNotFound, filePath)
	}
	chunk, ok := ns.chunks[chunkID]
	if !ok {
		return nil, fmt.Errorf("%w: chunk %s", dfserr.ErrNotFound, chunkID)
	}

	if chunk.State == types.ChunkComplete {
		if chunk.FilePath == filePath && chunk.SizeBytes == size && chunk.Checksum == checksum {
			return file.Clone(), nil
		}
		return nil, fmt.Errorf("%w: chunk %s already completed with different arguments", dfserr.ErrConflict, chunkID)
	}

	now := ns.now()
	newChunk := chunk.Clone()
	newChunk.State = types.ChunkComplete
	newChunk.SizeBytes = size
	newChunk.Checksum = checksum
	newChunk.FilePath = filePath

	newFile := file.Clone()
	newFile.ChunkIDs = append(newFile.ChunkIDs, chunkID)
	newFile.TotalSize += size
	newFile.ModifiedAt = now

	m := types.Mutation{PutFiles: []*types.File{newFile}, PutChunks: []*types.Chunk{newChunk}}
	if err := ns.store.Apply(ctx, m); err != nil {
		return nil, fmt.Errorf("failed to persist chunk completion: %w", err)
	}
	ns.files[filePath] = newFile
	ns.chunks[chunkID] = newChunk

	ns.log.Debug().Str("chunk_id", chunkID).Str("path", filePath).Int64("size", size).Msg("completed chunk")
	return newFile.Clone(), nil
}

// DeleteFile removes the file and its chunk records in one write and returns the released
// chunks so their bytes can be purged from agents.
func (ns *Namespace) DeleteFile(ctx context.Context, p string) ([]*types.Chunk, error) {
	p, err := CleanPath(p)
	if err != nil {
		return nil, err
	}

	ns.mu.Lock()
	defer ns.mu.Unlock()

	file, ok := ns.files[p]
	if !ok {
		return nil, fmt.Errorf("%w: file %s", dfserr.ErrNotFound, p)
	}

	var released []*types.Chunk
	for _, id := range file.ChunkIDs {
		if c, ok := ns.chunks[id]; ok {
			released = append(released, c.Clone())
		}
	}
	// Allocated but never completed chunks owned by nobody stay for the orphan sweep.

	m := types.Mutation{
		DeleteFiles:  []string{p},
		DeleteChunks: append([]string(nil), file.ChunkIDs...),
	}
	parent, hasParent := ns.dirs[path.Dir(p)]
	var newParent *types.Directory
	if hasParent {
		newParent = parent.Clone()
		delete(newParent.Children, path.Base(p))
		newParent.ModifiedAt = ns.now()
		m.PutDirectories = []*types.Directory{newParent}
	}

	if err := ns.store.Apply(ctx, m); err != nil {
		return nil, fmt.Errorf("failed to persist delete: %w", err)
	}
	delete(ns.files, p)
	for _, c := range released {
		ns.unindexChunk(c)
		delete(ns.chunks, c.ChunkID)
	}
	if newParent != nil {
		ns.dirs[newParent.Path] = newParent
	}

	ns.log.Info().Str("path", p).Int("chunks", len(released)).Msg("deleted file")
	return released, nil
}

// ListDirectory returns the immediate children of a directory, sorted by name.
func (ns *Namespace) ListDirectory(p string) ([]types.DirEntry, error) {
	p, err := CleanPath(p)
	if err != nil {
		return nil, err
	}

	ns.mu.RLock()
	defer ns.mu.RUnlock()

	dir, ok := ns.dirs[p]
	if !ok {
		if _, isFile := ns.files[p]; isFile {
			return nil, fmt.Errorf("%w: %s is a file", dfserr.ErrInvalidArgument, p)
		}
		return nil, fmt.Errorf("%w: directory %s", dfserr.ErrNotFound, p)
	}

	entries := make([]types.DirEntry, 0, len(dir.Children))
	for name := range dir.Children {
		child := path.Join(p, name)
		if f, ok := ns.files[child]; ok {
			entries = append(entries, types.DirEntry{
				Name: name, Path: child, Type: types.EntryFile, Size: f.TotalSize,
				CreatedAt: f.CreatedAt, ModifiedAt: f.ModifiedAt,
			})
		} else if d, ok := ns.dirs[child]; ok {
			entries = append(entries, types.DirEntry{
				Name: name, Path: child, Type: types.EntryDirectory,
				CreatedAt: d.CreatedAt, ModifiedAt: d.ModifiedAt,
			})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

// GetFileInfo returns the file record and its chunks in chunk-list order.
func (ns *Namespace) GetFileInfo(p string) (*types.File, []*types.Chunk, error) {
	p, err := CleanPath(p)
	if err != nil {
		return nil, nil, err
	}

	ns.mu.RLock()
	defer ns.mu.RUnlock()

	file, ok := ns.files[p]
	if !ok {
		return nil, nil, fmt.Errorf("%w: file %s", dfserr.ErrNotFound, p)
	}
	chunks := make([]*types.Chunk, 0, len(file.ChunkIDs))
	for _, id := range file.ChunkIDs {
		c, ok := ns.chunks[id]
		if !ok {
			return nil, nil, fmt.Errorf("chunk %s of %s has no record", id, p)
		}
		chunks = append(chunks, c.Clone())
	}
	return file.Clone(), chunks, nil
}

func (ns *Namespace) Chunk(chunkID string) (*types.Chunk, error) {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	c, ok := ns.chunks[chunkID]
	if !ok {
		return nil, fmt.Errorf("%w: chunk %s", dfserr.ErrNotFound, chunkID)
	}
	return c.Clone(), nil
}

// ChunksOnNode lists the chunks that name nodeID as a replica.
func (ns *Namespace) ChunksOnNode(nodeID string) []string {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	ids := make([]string, 0, len(ns.byNode[nodeID]))
	for id := range ns.byNode[nodeID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// CompleteChunks returns every committed chunk, for reconciliation.
func (ns *Namespace) CompleteChunks() []*types.Chunk {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	var out []*types.Chunk
	for _, c := range ns.chunks {
		if c.State == types.ChunkComplete {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChunkID < out[j].ChunkID })
	return out
}

// OrphanChunks returns allocated chunks never completed by any file and created before cutoff.
func (ns *Namespace) OrphanChunks(cutoff time.Time) []*types.Chunk {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	var out []*types.Chunk
	for _, c := range ns.chunks {
		if c.State == types.ChunkAllocated && c.FilePath == "" && c.CreatedAt.Before(cutoff) {
			out = append(out, c.Clone())
		}
	}
	return out
}

// SetReplicas replaces a chunk's replica list.
func (ns *Namespace) SetReplicas(ctx context.Context, chunkID string, locations []string) (*types.Chunk, error) {
	return ns.UpdateReplicas(ctx, chunkID, func([]string) []string { return locations })
}

// UpdateReplicas rewrites a chunk's replica list with fn, which sees the current list and runs
// under the namespace lock. Returning the list unchanged skips the write.
func (ns *Namespace) UpdateReplicas(ctx context.Context, chunkID string, fn func(current []string) []string) (*types.Chunk, error) {
	ns.mu.Lock()
	defer ns.mu.Unlock()

	c, ok := ns.chunks[chunkID]
	if !ok {
		return nil, fmt.Errorf("%w: chunk %s", dfserr.ErrNotFound, chunkID)
	}
	locations := fn(append([]string(nil), c.ReplicaLocations...))
	if slices.Equal(locations, c.ReplicaLocations) {
		return c.Clone(), nil
	}
	if err := validateLocations(locations); err != nil {
		return nil, err
	}

	updated := c.Clone()
	updated.ReplicaLocations = append([]string(nil), locations...)
	if err := ns.store.Apply(ctx, types.Mutation{PutChunks: []*types.Chunk{updated}}); err != nil {
		return nil, fmt.Errorf("failed to persist replicas: %w", err)
	}
	ns.unindexChunk(c)
	ns.chunks[chunkID] = updated
	ns.indexChunk(updated)
	return updated.Clone(), nil
}

// RemoveReplicas drops the given nodes from a chunk's replica list.
func (ns *Namespace) RemoveReplicas(ctx context.Context, chunkID string, nodeIDs []string) (*types.Chunk, error) {
	return ns.UpdateReplicas(ctx, chunkID, func(current []string) []string {
		return slices.DeleteFunc(current, func(id string) bool { return slices.Contains(nodeIDs, id) })
	})
}

// SetMissing flags or clears a chunk in its owning file's missing-data list.
func (ns *Namespace) SetMissing(ctx context.Context, chunkID string, missing bool) error {
	ns.mu.Lock()
	defer ns.mu.Unlock()

	c, ok := ns.chunks[chunkID]
	if !ok || c.FilePath == "" {
		return nil
	}
	file, ok := ns.files[c.FilePath]
	if !ok {
		return nil
	}

	idx := -1
	for i, id := range file.MissingChunks {
		if id == chunkID {
			idx = i
			break
		}
	}
	if missing == (idx >= 0) {
		return nil
	}

	updated := file.Clone()
	if missing {
		updated.MissingChunks = append(updated.MissingChunks, chunkID)
	} else {
		updated.MissingChunks = append(updated.MissingChunks[:idx], updated.MissingChunks[idx+1:]...)
	}
	if err := ns.store.Apply(ctx, types.Mutation{PutFiles: []*types.File{updated}}); err != nil {
		return fmt.Errorf("failed to persist missing flag: %w", err)
	}
	ns.files[file.Path] = updated
	return nil
}

// DeleteChunk drops an unowned chunk record.
func (ns *Namespace) DeleteChunk(ctx context.Context, chunkID string) error {
	ns.mu.Lock()
	defer ns.mu.Unlock()

	c, ok := ns.chunks[chunkID]
	if !ok {
		return nil
	}
	if c.FilePath != "" {
		return fmt.Errorf("%w: chunk %s is owned by %s", dfserr.ErrConflict, chunkID, c.FilePath)
	}
	if err := ns.store.Apply(ctx, types.Mutation{DeleteChunks: []string{chunkID}}); err != nil {
		return fmt.Errorf("failed to persist chunk delete: %w", err)
	}
	ns.unindexChunk(c)
	delete(ns.chunks, chunkID)
	return nil
}

// Counts returns the number of files and chunk records.
func (ns *Namespace) Counts() (files, chunks int) {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	return len(ns.files), len(ns.chunks)
}

func (ns *Namespace) exists(p string) bool {
	_, isFile := ns.files[p]
	_, isDir := ns.dirs[p]
	return isFile || isDir
}

func (ns *Namespace) parentOf(p string) (*types.Directory, error) {
	parentPath := path.Dir(p)
	parent, ok := ns.dirs[parentPath]
	if !ok {
		return nil, fmt.Errorf("%w: parent directory %s", dfserr.ErrNotFound, parentPath)
	}
	return parent, nil
}

func (ns *Namespace) indexChunk(c *types.Chunk) {
	for _, node := range c.ReplicaLocations {
		set, ok := ns.byNode[node]
		if !ok {
			set = make(map[string]struct{})
			ns.byNode[node] = set
		}
		set[c.ChunkID] = struct{}{}
	}
}

func (ns *Namespace) unindexChunk(c *types.Chunk) {
	for _, node := range c.ReplicaLocations {
		if set, ok := ns.byNode[node]; ok {
			delete(set, c.ChunkID)
			if len(set) == 0 {
				delete(ns.byNode, node)
			}
		}
	}
}

func validateLocations(locations []string) error {
	seen := make(map[string]bool, len(locations))
	for _, id := range locations {
		if seen[id] {
			return fmt.Errorf("%w: node %s listed twice", dfserr.ErrInvalidArgument, id)
		}
		seen[id] = true
	}
	return nil
}
