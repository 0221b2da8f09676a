package client

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/timskillet/replicated-filestore/internal/dfserr"
	"github.com/timskillet/replicated-filestore/internal/transport"
	"github.com/timskillet/replicated-filestore/internal/types"
)

// Upload writes r to remote in fixed-size chunks. A failure after the file was reserved
// deletes the reservation before the error is returned.
func (c *Client) Upload(ctx context.Context, r io.Reader, remote string, replicationFactor int) (*types.File, error) {
	if replicationFactor == 0 {
		replicationFactor = c.rf
	}
	file, err := c.CreateFile(ctx, remote, replicationFactor)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", remote, err)
	}

	chunks, size, err := c.uploadChunks(ctx, r, file)
	if err != nil {
		// The caller's context may already be done; cleanup still gets a chance.
		if derr := c.DeleteFile(context.WithoutCancel(ctx), file.Path); derr != nil {
			c.log.Error().Err(derr).Str("path", file.Path).Msg("failed to clean up partial upload")
		}
		return nil, err
	}

	c.log.Info().Str("path", file.Path).Int("chunks", chunks).Int64("size", size).Msg("upload complete")
	file.TotalSize = size
	return file, nil
}

func (c *Client) uploadChunks(ctx context.Context, r io.Reader, file *types.File) (int, int64, error) {
	buffer := make([]byte, c.chunkSize)
	var index int
	var total int64

	for {
		n, err := io.ReadFull(r, buffer)
		if err == io.EOF {
			return index, total, nil
		}
		if err != nil && err != io.ErrUnexpectedEOF {
			return index, total, fmt.Errorf("failed to read chunk %d: %w", index, err)
		}

		data := buffer[:n]
		if err := c.uploadChunk(ctx, file, index, data); err != nil {
			return index, total, err
		}
		index++
		total += int64(n)

		if err == io.ErrUnexpectedEOF {
			return index, total, nil
		}
	}
}

func (c *Client) uploadChunk(ctx context.Context, file *types.File, index int, data []byte) error {
	size := int64(len(data))
	alloc, err := c.Allocate(ctx, size, file.ReplicationFactor)
	if err != nil {
		return fmt.Errorf("failed to allocate chunk %d: %w", index, err)
	}
	if len(alloc.Targets) == 0 {
		return fmt.Errorf("%w: allocation for chunk %d has no targets", dfserr.ErrTransferFailure, index)
	}
	if alloc.Degraded {
		c.log.Warn().
			Err(dfserr.ErrDegraded).
			Int("chunk_index", index).
			Int("replicas", len(alloc.Targets)).
			Msg("chunk placed on fewer nodes than requested")
	}

	checksum := transport.Checksum(data)
	at, err := c.putToAny(ctx, alloc, index, data, checksum)
	if err != nil {
		return err
	}
	primary := alloc.Targets[at]
	if at > 0 {
		failed := make([]string, 0, at)
		for _, t := range alloc.Targets[:at] {
			failed = append(failed, t.NodeID)
		}
		if err := c.ReportFailedTargets(ctx, alloc.ChunkID, failed); err != nil {
			c.log.Warn().Err(err).Str("chunk_id", alloc.ChunkID).Strs("failed", failed).Msg("failed to report unreachable targets")
		}
	}

	// Secondary pushes are the primary's job; losing them here is repaired later.
	if rest := alloc.Targets[at+1:]; len(rest) > 0 {
		req := types.ReplicateRequest{ChunkID: alloc.ChunkID, TargetNodes: rest}
		if _, err := c.transport.Replicate(ctx, primary, req); err != nil {
			c.log.Warn().Err(err).Str("chunk_id", alloc.ChunkID).Msg("failed to trigger replication")
		}
	}

	if err := c.CompleteChunk(ctx, alloc.ChunkID, file.Path, size, checksum); err != nil {
		return fmt.Errorf("failed to complete chunk %d: %w", index, err)
	}
	c.log.Debug().
		Int("chunk_index", index).
		Str("chunk_id", alloc.ChunkID).
		Str("primary", primary.NodeID).
		Str("checksum", checksum).
		Msg("chunk uploaded")
	return nil
}

// putToAny writes the chunk to the first allocated target that accepts it, retrying each
// target with backoff, and returns that target's index.
func (c *Client) putToAny(ctx context.Context, alloc *types.Allocation, index int, data []byte, checksum string) (int, error) {
	var lastErr error
	for i, target := range alloc.Targets {
		err := transport.Retry(ctx, c.uploadRetry, func(attempt int) error {
			if attempt > 0 {
				c.log.Info().Int("chunk_index", index).Str("target", target.NodeID).Int("attempt", attempt+1).Msg("retrying chunk upload")
			}
			return c.transport.PutChunk(ctx, target, alloc.ChunkID, data, checksum)
		})
		if err == nil {
			return i, nil
		}
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		c.log.Warn().Err(err).Int("chunk_index", index).Str("target", target.NodeID).Msg("chunk upload failed, trying next target")
		lastErr = err
	}
	return 0, fmt.Errorf("failed to upload chunk %d to any of %d targets: %w", index, len(alloc.Targets), lastErr)
}

// Download writes remote to w chunk by chunk, trying each replica in turn.
func (c *Client) Download(ctx context.Context, remote string, w io.Writer) (*types.FileInfo, error) {
	info, err := c.GetFileInfo(ctx, remote)
	if err != nil {
		return nil, err
	}
	if len(info.MissingChunks) > 0 {
		c.log.Warn().Str("path", info.Path).Strs("missing", info.MissingChunks).Msg("file has chunks with no live replica")
	}

	for i, chunk := range info.Chunks {
		data, from, err := c.transport.FetchVerified(ctx, chunk.Targets, chunk.ChunkID, chunk.Checksum)
		if err != nil {
			return nil, fmt.Errorf("chunk %d of %s: %w", i, info.Path, err)
		}
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("failed to write chunk %d: %w", i, err)
		}
		c.log.Debug().Int("chunk_index", i).Str("node_id", from.NodeID).Msg("chunk downloaded")
	}
	return info, nil
}

func (c *Client) UploadFile(ctx context.Context, local, remote string, replicationFactor int) (*types.File, error) {
	f, err := os.Open(local)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return c.Upload(ctx, f, remote, replicationFactor)
}

// DownloadFile leaves local untouched unless every chunk arrived.
func (c *Client) DownloadFile(ctx context.Context, remote, local string) (*types.FileInfo, error) {
	tmp, err := os.CreateTemp(filepath.Dir(local), "."+filepath.Base(local)+".*")
	if err != nil {
		return nil, err
	}
	defer os.Remove(tmp.Name())

	info, err := c.Download(ctx, remote, tmp)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, err
	}
	if err := os.Rename(tmp.Name(), local); err != nil {
		return nil, fmt.Errorf("failed to move download into place: %w", err)
	}
	return info, nil
}
