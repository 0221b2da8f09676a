package node

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/timskillet/replicated-filestore/internal/dfserr"
	"github.com/timskillet/replicated-filestore/internal/transport"
)

const (
	blobExt     = ".chunk"
	checksumExt = ".sha256"
)

// ChunkStore keeps one blob per chunk id plus a hex SHA-256 sidecar in a flat directory.
type ChunkStore struct {
	dir string
	mu  sync.Mutex
}

func OpenChunkStore(dir string) (*ChunkStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create chunk directory: %w", err)
	}
	return &ChunkStore{dir: dir}, nil
}

func (s *ChunkStore) Dir() string { return s.dir }

// ValidChunkID accepts only canonical UUIDs, which also keeps ids from escaping the directory.
func ValidChunkID(id string) error {
	u, err := uuid.Parse(id)
	if err != nil || u.String() != id {
		return fmt.Errorf("%w: chunk id %q is not a canonical UUID", dfserr.ErrInvalidArgument, id)
	}
	return nil
}

func (s *ChunkStore) paths(id string) (blob, sum string, err error) {
	if err := ValidChunkID(id); err != nil {
		return "", "", err
	}
	base := filepath.Join(s.dir, id)
	return base + blobExt, base + checksumExt, nil
}

// Put persists data under id. expected, when set, must match the payload. Writing the same
// bytes again is a no-op; different bytes for an existing id are rejected.
func (s *ChunkStore) Put(id string, data []byte, expected string) (string, error) {
	blob, sumPath, err := s.paths(id)
	if err != nil {
		return "", err
	}
	sum := transport.Checksum(data)
	if expected != "" && !strings.EqualFold(expected, sum) {
		return "", fmt.Errorf("%w: chunk %s: expected %s, got %s", dfserr.ErrChecksumMismatch, id, expected, sum)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, err := os.ReadFile(sumPath); err == nil {
		if strings.TrimSpace(string(existing)) == sum {
			return sum, nil
		}
		return "", fmt.Errorf("%w: chunk %s already stored with different bytes", dfserr.ErrChecksumMismatch, id)
	}

	if err := writeAtomic(blob, data); err != nil {
		return "", fmt.Errorf("failed to write chunk %s: %w", id, err)
	}
	// The sidecar lands last; a blob without one is treated as absent.
	if err := writeAtomic(sumPath, []byte(sum)); err != nil {
		os.Remove(blob)
		return "", fmt.Errorf("failed to write checksum for %s: %w", id, err)
	}
	return sum, nil
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Get returns the stored bytes and checksum, verifying the blob against its sidecar.
func (s *ChunkStore) Get(id string) ([]byte, string, error) {
	blob, sumPath, err := s.paths(id)
	if err != nil {
		return nil, "", err
	}
	want, err := os.ReadFile(sumPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, "", fmt.Errorf("%w: chunk %s", dfserr.ErrNotFound, id)
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to read checksum for %s: %w", id, err)
	}
	data, err := os.ReadFile(blob)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, "", fmt.Errorf("%w: chunk %s", dfserr.ErrNotFound, id)
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to read chunk %s: %w", id, err)
	}
	sum := strings.TrimSpace(string(want))
	if got := transport.Checksum(data); got != sum {
		return nil, "", fmt.Errorf("%w: chunk %s is corrupt on disk", dfserr.ErrChecksumMismatch, id)
	}
	return data, sum, nil
}

func (s *ChunkStore) Has(id string) bool {
	_, sumPath, err := s.paths(id)
	if err != nil {
		return false
	}
	_, err = os.Stat(sumPath)
	return err == nil
}

func (s *ChunkStore) Delete(id string) error {
	blob, sumPath, err := s.paths(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	err = os.Remove(sumPath)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: chunk %s", dfserr.ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("failed to delete chunk %s: %w", id, err)
	}
	if err := os.Remove(blob); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete chunk %s: %w", id, err)
	}
	return nil
}

// List returns stored chunk ids, sorted.
func (s *ChunkStore) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks: %w", err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, checksumExt) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, checksumExt))
	}
	sort.Strings(ids)
	return ids, nil
}

// Usage sums the sizes of this store's chunk blobs.
func (s *ChunkStore) Usage() (used int64, count int, err error) {
	ids, err := s.List()
	if err != nil {
		return 0, 0, err
	}
	for _, id := range ids {
		info, err := os.Stat(filepath.Join(s.dir, id+blobExt))
		if err != nil {
			continue
		}
		used += info.Size()
		count++
	}
	return used, count, nil
}
