// Package transport is the HTTP chunk protocol spoken between clients, agents and the
// coordinator.
package transport

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/timskillet/replicated-filestore/internal/dfserr"
	"github.com/timskillet/replicated-filestore/internal/types"
)

// maxErrorBody bounds how much of an error response is read back into the error message.
const maxErrorBody = 4 << 10

// Checksum returns the hex SHA-256 of data.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

type Client struct {
	http *http.Client
	log  zerolog.Logger
}

func New(httpClient *http.Client, log zerolog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{http: httpClient, log: log}
}

func chunkURL(addr types.NodeAddress, chunkID string) string {
	return addr.BaseURL() + "/chunks/" + chunkID
}

// PutChunk stores data on addr. The agent recomputes the checksum and rejects a mismatch.
func (c *Client) PutChunk(ctx context.Context, addr types.NodeAddress, chunkID string, data []byte, checksum string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, chunkURL(addr, chunkID), bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set(types.ChecksumHeader, checksum)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: put chunk %s on %s: %v", dfserr.ErrTransferFailure, chunkID, addr.NodeID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return responseError(resp)
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

// GetChunk reads a chunk from addr without verifying it. See FetchVerified.
func (c *Client) GetChunk(ctx context.Context, addr types.NodeAddress, chunkID string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, chunkURL(addr, chunkID), nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("%w: get chunk %s from %s: %v", dfserr.ErrTransferFailure, chunkID, addr.NodeID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", responseError(resp)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("%w: read chunk %s from %s: %v", dfserr.ErrTransferFailure, chunkID, addr.NodeID, err)
	}
	return data, resp.Header.Get(types.ChecksumHeader), nil
}

// DeleteChunk removes a chunk from addr. A chunk that is already gone counts as deleted.
func (c *Client) DeleteChunk(ctx context.Context, addr types.NodeAddress, chunkID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, chunkURL(addr, chunkID), nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: delete chunk %s on %s: %v", dfserr.ErrTransferFailure, chunkID, addr.NodeID, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent, http.StatusNotFound:
		return nil
	default:
		return responseError(resp)
	}
}

// HasChunk asks addr whether it holds a chunk.
func (c *Client) HasChunk(ctx context.Context, addr types.NodeAddress, chunkID string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, chunkURL(addr, chunkID), nil)
	if err != nil {
		return false, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("%w: head chunk %s on %s: %v", dfserr.ErrTransferFailure, chunkID, addr.NodeID, err)
	}
	resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, dfserr.FromStatus(resp.StatusCode, "")
	}
}

// ListChunks returns the ids of every chunk stored on addr.
func (c *Client) ListChunks(ctx context.Context, addr types.NodeAddress) ([]string, error) {
	var out types.ChunkListResponse
	if err := c.DoJSON(ctx, http.MethodGet, addr.BaseURL()+"/chunks", nil, &out); err != nil {
		return nil, err
	}
	return out.Chunks, nil
}

// Replicate asks the agent at source to copy a chunk it holds to req.TargetNodes.
func (c *Client) Replicate(ctx context.Context, source types.NodeAddress, req types.ReplicateRequest) (*types.ReplicateResponse, error) {
	var out types.ReplicateResponse
	if err := c.DoJSON(ctx, http.MethodPost, source.BaseURL()+"/replicate", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// FetchVerified tries each target in order and returns the first copy whose SHA-256 matches
// checksum. A source that serves corrupt bytes is not asked again.
func (c *Client) FetchVerified(ctx context.Context, targets []types.NodeAddress, chunkID, checksum string) ([]byte, types.NodeAddress, error) {
	if len(targets) == 0 {
		return nil, types.NodeAddress{}, fmt.Errorf("%w: chunk %s has no replicas", dfserr.ErrTransferFailure, chunkID)
	}

	var errs []error
	for _, addr := range targets {
		if err := ctx.Err(); err != nil {
			return nil, types.NodeAddress{}, err
		}
		data, _, err := c.GetChunk(ctx, addr, chunkID)
		if err != nil {
			c.log.Warn().Err(err).Str("chunk_id", chunkID).Str("node_id", addr.NodeID).Msg("replica read failed, trying next")
			errs = append(errs, err)
			continue
		}
		if got := Checksum(data); got != checksum {
			err := fmt.Errorf("%w: chunk %s on %s: expected %s, got %s", dfserr.ErrChecksumMismatch, chunkID, addr.NodeID, checksum, got)
			c.log.Warn().Err(err).Str("chunk_id", chunkID).Str("node_id", addr.NodeID).Msg("corrupt replica, trying next")
			errs = append(errs, err)
			continue
		}
		return data, addr, nil
	}
	return nil, types.NodeAddress{}, fmt.Errorf("%w: no valid replica of chunk %s: %w", dfserr.ErrTransferFailure, chunkID, errors.Join(errs...))
}

// DoJSON sends in as a JSON body (when non-nil) and decodes a 2xx response into out (when
// non-nil). Non-2xx responses become taxonomy errors.
func (c *Client) DoJSON(ctx context.Context, method, url string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", dfserr.ErrUnavailable, method, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return responseError(resp)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", url, err)
	}
	return nil
}

// responseError turns a non-2xx response into a taxonomy error. JSON {"error": "..."} bodies
// are unwrapped, anything else is used as text.
func responseError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := string(raw)
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		msg = body.Error
	}
	return dfserr.FromStatus(resp.StatusCode, msg)
}
