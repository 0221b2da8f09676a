package dynamodb

import (
	"time"

	"github.com/timskillet/replicated-filestore/internal/types"
)

type ChunkMetadata struct {
	ChunkID           string   `dynamodbav:"chunk_id"`
	Size              int64    `dynamodbav:"size"`
	Checksum          string   `dynamodbav:"checksum"`
	Locations         []string `dynamodbav:"locations"`
	ReplicationFactor int      `dynamodbav:"replication_factor"`
	State             string   `dynamodbav:"state"`
	FilePath          string   `dynamodbav:"file_path"`
	CreatedAt         int64    `dynamodbav:"created_at"`
}

type FileMetadata struct {
	Path              string   `dynamodbav:"path"`
	ReplicationFactor int      `dynamodbav:"replication_factor"`
	ChunkIDs          []string `dynamodbav:"chunk_ids"`
	TotalSize         int64    `dynamodbav:"total_size"`
	MissingChunks     []string `dynamodbav:"missing_chunks"`
	CreatedAt         int64    `dynamodbav:"created_at"`
	ModifiedAt        int64    `dynamodbav:"modified_at"`
}

type DirectoryMetadata struct {
	Path       string   `dynamodbav:"path"`
	ParentPath string   `dynamodbav:"parent_path"`
	Children   []string `dynamodbav:"children"`
	CreatedAt  int64    `dynamodbav:"created_at"`
	ModifiedAt int64    `dynamodbav:"modified_at"`
}

func chunkToItem(c *types.Chunk) *ChunkMetadata {
	return &ChunkMetadata{
		ChunkID:           c.ChunkID,
		Size:              c.SizeBytes,
		Checksum:          c.Checksum,
		Locations:         orEmpty(c.ReplicaLocations),
		ReplicationFactor: c.ReplicationFactor,
		State:             string(c.State),
		FilePath:          c.FilePath,
		CreatedAt:         c.CreatedAt.UnixNano(),
	}
}

func (m *ChunkMetadata) toChunk() *types.Chunk {
	return &types.Chunk{
		ChunkID:           m.ChunkID,
		SizeBytes:         m.Size,
		Checksum:          m.Checksum,
		ReplicaLocations:  m.Locations,
		ReplicationFactor: m.ReplicationFactor,
		State:             types.ChunkState(m.State),
		FilePath:          m.FilePath,
		CreatedAt:         time.Unix(0, m.CreatedAt),
	}
}

func fileToItem(f *types.File) *FileMetadata {
	return &FileMetadata{
		Path:              f.Path,
		ReplicationFactor: f.ReplicationFactor,
		ChunkIDs:          orEmpty(f.ChunkIDs),
		TotalSize:         f.TotalSize,
		MissingChunks:     orEmpty(f.MissingChunks),
		CreatedAt:         f.CreatedAt.UnixNano(),
		ModifiedAt:        f.ModifiedAt.UnixNano(),
	}
}

func (m *FileMetadata) toFile() *types.File {
	return &types.File{
		Path:              m.Path,
		ReplicationFactor: m.ReplicationFactor,
		ChunkIDs:          orEmpty(m.ChunkIDs),
		TotalSize:         m.TotalSize,
		MissingChunks:     m.MissingChunks,
		CreatedAt:         time.Unix(0, m.CreatedAt),
		ModifiedAt:        time.Unix(0, m.ModifiedAt),
	}
}

func directoryToItem(d *types.Directory) *DirectoryMetadata {
	children := make([]string, 0, len(d.Children))
	for name := range d.Children {
		children = append(children, name)
	}
	return &DirectoryMetadata{
		Path:       d.Path,
		ParentPath: d.ParentPath,
		Children:   children,
		CreatedAt:  d.CreatedAt.UnixNano(),
		ModifiedAt: d.ModifiedAt.UnixNano(),
	}
}

func (m *DirectoryMetadata) toDirectory() *types.Directory {
	children := make(map[string]bool, len(m.Children))
	for _, name := range m.Children {
		children[name] = true
	}
	return &types.Directory{
		Path:       m.Path,
		ParentPath: m.ParentPath,
		Children:   children,
		CreatedAt:  time.Unix(0, m.CreatedAt),
		ModifiedAt: time.Unix(0, m.ModifiedAt),
	}
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
