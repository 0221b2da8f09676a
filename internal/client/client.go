// Package client talks to the coordinator and drives chunked uploads and downloads.
package client

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/timskillet/replicated-filestore/internal/transport"
	"github.com/timskillet/replicated-filestore/internal/types"
)

// DefaultChunkSize matches the coordinator's default CHUNK_SIZE.
const DefaultChunkSize = 64 << 20

const (
	defaultUploadAttempts = 3
	defaultUploadBackoff  = 1 * time.Second
)

type Options struct {
	ChunkSize         int64
	ReplicationFactor int // 0 lets the coordinator pick its default
	// UploadRetry bounds the writes of one chunk to one target before the next target is tried.
	UploadRetry       transport.Backoff
	HTTPClient        *http.Client
	Logger            zerolog.Logger
}

type Client struct {
	baseURL     string
	chunkSize   int64
	rf          int
	uploadRetry transport.Backoff
	transport   *transport.Client
	log         zerolog.Logger
}

func New(baseURL string, opts Options) *Client {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.UploadRetry.Attempts < 1 {
		opts.UploadRetry = transport.Backoff{Attempts: defaultUploadAttempts, Initial: defaultUploadBackoff}
	}
	log := opts.Logger.With().Str("component", "client").Logger()
	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		chunkSize:   opts.ChunkSize,
		rf:          opts.ReplicationFactor,
		uploadRetry: opts.UploadRetry,
		transport:   transport.New(opts.HTTPClient, log),
		log:         log,
	}
}

// pathURL escapes each segment of a namespace path under prefix.
func (c *Client) pathURL(prefix, p string) string {
	segs := strings.Split(strings.Trim(p, "/"), "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return c.baseURL + prefix + "/" + strings.Join(segs, "/")
}

func (c *Client) CreateFile(ctx context.Context, p string, replicationFactor int) (*types.File, error) {
	var f types.File
	req := types.CreateFileRequest{Path: p, ReplicationFactor: replicationFactor}
	if err := c.transport.DoJSON(ctx, http.MethodPost, c.baseURL+"/files", req, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

func (c *Client) GetFileInfo(ctx context.Context, p string) (*types.FileInfo, error) {
	var info types.FileInfo
	if err := c.transport.DoJSON(ctx, http.MethodGet, c.pathURL("/files", p), nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *Client) DeleteFile(ctx context.Context, p string) error {
	return c.transport.DoJSON(ctx, http.MethodDelete, c.pathURL("/files", p), nil, nil)
}

func (c *Client) CreateDirectory(ctx context.Context, p string) (*types.Directory, error) {
	var d types.Directory
	if err := c.transport.DoJSON(ctx, http.MethodPost, c.baseURL+"/directories", types.CreateDirectoryRequest{Path: p}, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (c *Client) ListDirectory(ctx context.Context, p string) ([]types.DirEntry, error) {
	u := c.baseURL + "/directories"
	if strings.Trim(p, "/") != "" {
		u = c.pathURL("/directories", p)
	}
	var resp types.ListDirectoryResponse
	if err := c.transport.DoJSON(ctx, http.MethodGet, u, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Contents, nil
}

func (c *Client) Allocate(ctx context.Context, size int64, replicationFactor int) (*types.Allocation, error) {
	var alloc types.Allocation
	req := types.AllocateRequest{Size: size, ReplicationFactor: replicationFactor}
	if err := c.transport.DoJSON(ctx, http.MethodPost, c.baseURL+"/chunks/allocate", req, &alloc); err != nil {
		return nil, err
	}
	return &alloc, nil
}

func (c *Client) CompleteChunk(ctx context.Context, chunkID, filePath string, size int64, checksum string) error {
	req := types.CompleteChunkRequest{FilePath: filePath, Size: size, Checksum: checksum}
	return c.transport.DoJSON(ctx, http.MethodPost, c.baseURL+"/chunks/"+url.PathEscape(chunkID)+"/complete", req, nil)
}

// ReportFailedTargets tells the coordinator that nodes never received a chunk.
func (c *Client) ReportFailedTargets(ctx context.Context, chunkID string, nodeIDs []string) error {
	req := types.ReplicaReport{NodeID: "client", FailedTargets: nodeIDs}
	return c.transport.DoJSON(ctx, http.MethodPost, c.baseURL+"/chunks/"+url.PathEscape(chunkID)+"/report", req, nil)
}

func (c *Client) Nodes(ctx context.Context) ([]types.DataNode, error) {
	var resp types.DataNodesResponse
	if err := c.transport.DoJSON(ctx, http.MethodGet, c.baseURL+"/datanodes", nil, &resp); err != nil {
		return nil, err
	}
	return resp.DataNodes, nil
}

func (c *Client) ClusterStats(ctx context.Context) (*types.ClusterStats, error) {
	var st types.ClusterStats
	if err := c.transport.DoJSON(ctx, http.MethodGet, c.baseURL+"/cluster/stats", nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}
