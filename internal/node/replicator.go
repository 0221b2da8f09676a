package node

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/timskillet/replicated-filestore/internal/dfserr"
	"github.com/timskillet/replicated-filestore/internal/transport"
	"github.com/timskillet/replicated-filestore/internal/types"
)

// ReportFunc tells the coordinator which targets never received a chunk.
type ReportFunc func(ctx context.Context, chunkID string, failed []string) error

// Replicator pushes locally stored chunks to peer agents.
type Replicator struct {
	nodeID  string
	store   *ChunkStore
	chunks  *transport.Client
	report  ReportFunc
	backoff transport.Backoff
	metrics *Metrics
	jobs    chan types.ReplicateRequest
	log     zerolog.Logger
}

const replicationQueueSize = 256

func NewReplicator(nodeID string, store *ChunkStore, chunks *transport.Client, report ReportFunc, backoff transport.Backoff, metrics *Metrics, log zerolog.Logger) *Replicator {
	return &Replicator{
		nodeID:  nodeID,
		store:   store,
		chunks:  chunks,
		report:  report,
		backoff: backoff,
		metrics: metrics,
		jobs:    make(chan types.ReplicateRequest, replicationQueueSize),
		log:     log,
	}
}

// Push copies a chunk to every target concurrently, retrying each with backoff, and returns
// one result per target. Targets naming this node are skipped.
func (r *Replicator) Push(ctx context.Context, req types.ReplicateRequest) []types.ReplicaResult {
	data, sum, err := r.store.Get(req.ChunkID)
	if err != nil {
		results := make([]types.ReplicaResult, 0, len(req.TargetNodes))
		for _, t := range req.TargetNodes {
			results = append(results, types.ReplicaResult{NodeID: t.NodeID, Error: err.Error()})
		}
		return results
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	results := make([]types.ReplicaResult, 0, len(req.TargetNodes))

	for _, target := range req.TargetNodes {
		if target.NodeID == r.nodeID {
			continue
		}
		wg.Add(1)
		go func(target types.NodeAddress) {
			defer wg.Done()
			start := time.Now()
			err := transport.Retry(ctx, r.backoff, func(attempt int) error {
				if attempt > 0 {
					r.log.Debug().Str("chunk_id", req.ChunkID).Str("target", target.NodeID).Int("attempt", attempt+1).Msg("retrying replica push")
				}
				return r.chunks.PutChunk(ctx, target, req.ChunkID, data, sum)
			})
			if r.metrics != nil {
				r.metrics.Observe("replicate", start, err)
			}

			res := types.ReplicaResult{NodeID: target.NodeID, OK: err == nil}
			if err != nil {
				res.Error = err.Error()
				r.log.Warn().Err(err).Str("chunk_id", req.ChunkID).Str("target", target.NodeID).Msg("replica push failed")
			} else {
				r.log.Debug().Str("chunk_id", req.ChunkID).Str("target", target.NodeID).Msg("replica pushed")
			}
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
		}(target)
	}
	wg.Wait()
	return results
}

// Enqueue schedules an asynchronous push.
func (r *Replicator) Enqueue(req types.ReplicateRequest) error {
	select {
	case r.jobs <- req:
		return nil
	default:
		return fmt.Errorf("%w: replication queue is full", dfserr.ErrUnavailable)
	}
}

// Run drains the queue until ctx is cancelled. Targets that still fail after retries are
// reported to the coordinator, which takes over through repair.
func (r *Replicator) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-r.jobs:
			var failed []string
			for _, res := range r.Push(ctx, req) {
				if !res.OK {
					failed = append(failed, res.NodeID)
				}
			}
			if len(failed) == 0 || r.report == nil || ctx.Err() != nil {
				continue
			}
			if err := r.report(ctx, req.ChunkID, failed); err != nil {
				r.log.Warn().Err(err).Str("chunk_id", req.ChunkID).Strs("failed", failed).Msg("failed to report replication failure")
			}
		}
	}
}
