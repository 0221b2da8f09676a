// Package placement chooses replica targets for new chunks and restores the replication
// factor of existing chunks when agents die.
package placement

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/timskillet/replicated-filestore/internal/dfserr"
	"github.com/timskillet/replicated-filestore/internal/events"
	"github.com/timskillet/replicated-filestore/internal/namespace"
	"github.com/timskillet/replicated-filestore/internal/transport"
	"github.com/timskillet/replicated-filestore/internal/types"
)

// Cluster is the liveness view placement needs.
type Cluster interface {
	AliveNodes() []types.DataNode
	IsAlive(nodeID string) bool
	Addresses(nodeIDs []string) []types.NodeAddress
}

// Replicator reaches agents on placement's behalf.
type Replicator interface {
	Replicate(ctx context.Context, source types.NodeAddress, req types.ReplicateRequest) (*types.ReplicateResponse, error)
	DeleteChunk(ctx context.Context, addr types.NodeAddress, chunkID string) error
	ListChunks(ctx context.Context, addr types.NodeAddress) ([]string, error)
}

type Publisher interface {
	Publish(ev events.Event)
}

type Options struct {
	Workers           int
	MaxAttempts       int
	Backoff           time.Duration
	ReconcileInterval time.Duration
	OrphanGrace       time.Duration
	QueueSize         int
	Now               func() time.Time
	Logger            zerolog.Logger
}

// purgeMaxAttempts bounds how many reconcile ticks keep retrying a chunk delete on a node.
const purgeMaxAttempts = 10

type purge struct {
	targets  []types.NodeAddress
	attempts int
}

// jobState tracks a chunk from Enqueue until its repair worker finishes.
type jobState int

const (
	jobQueued jobState = iota + 1
	jobRunning
	// jobRerun is a running job that was enqueued again and goes back on the queue when done.
	jobRerun
)

type Engine struct {
	ns      *namespace.Namespace
	cluster Cluster
	repl    Replicator
	pub     Publisher

	queue  chan string
	mu     sync.Mutex
	jobs   map[string]jobState
	purges map[string]*purge
	// strays maps node/chunk keys for files no chunk record claims to when they were first seen.
	strays map[string]time.Time

	opts Options
	now  func() time.Time
	log  zerolog.Logger
}

func NewEngine(ns *namespace.Namespace, cluster Cluster, repl Replicator, pub Publisher, opts Options) *Engine {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if opts.QueueSize < 1 {
		opts.QueueSize = 4096
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		ns:      ns,
		cluster: cluster,
		repl:    repl,
		pub:     pub,
		queue:   make(chan string, opts.QueueSize),
		jobs:    make(map[string]jobState),
		purges:  make(map[string]*purge),
		strays:  make(map[string]time.Time),
		opts:    opts,
		now:     opts.Now,
		log:     opts.Logger.With().Str("component", "placement").Logger(),
	}
}

// rank orders alive nodes by utilization, then node id, dropping excluded nodes and nodes
// known to lack room for size more bytes.
func rank(nodes []types.DataNode, exclude map[string]bool, size int64) []types.DataNode {
	out := make([]types.DataNode, 0, len(nodes))
	for _, n := range nodes {
		if exclude[n.NodeID] {
			continue
		}
		if n.CapacityBytes > 0 && n.CapacityBytes-n.UsedBytes < size {
			continue
		}
		out = append(out, n)
	}
	sort.SliceStable(out, func(i, j int) bool {
		ui, uj := out[i].Utilization(), out[j].Utilization()
		if ui != uj {
			return ui < uj
		}
		return out[i].NodeID < out[j].NodeID
	})
	return out
}

// Allocate picks up to replicationFactor distinct alive nodes for a new chunk and records the
// chunk as ALLOCATED. Fewer alive nodes than requested yields a degraded allocation.
func (e *Engine) Allocate(ctx context.Context, size int64, replicationFactor int) (*types.Allocation, error) {
	if replicationFactor < 1 {
		return nil, fmt.Errorf("%w: replication factor must be at least 1", dfserr.ErrInvalidArgument)
	}
	if size < 0 {
		return nil, fmt.Errorf("%w: negative chunk size", dfserr.ErrInvalidArgument)
	}

	candidates := rank(e.cluster.AliveNodes(), nil, size)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: cannot place a %d byte chunk", dfserr.ErrUnavailable, size)
	}
	if len(candidates) > replicationFactor {
		candidates = candidates[:replicationFactor]
	}

	alloc := &types.Allocation{
		ChunkID:   uuid.NewString(),
		Locations: make([]string, 0, len(candidates)),
		Targets:   make([]types.NodeAddress, 0, len(candidates)),
		Degraded:  len(candidates) < replicationFactor,
	}
	for _, n := range candidates {
		alloc.Locations = append(alloc.Locations, n.NodeID)
		alloc.Targets = append(alloc.Targets, n.Address())
	}

	chunk := &types.Chunk{
		ChunkID:           alloc.ChunkID,
		SizeBytes:         size,
		ReplicaLocations:  alloc.Locations,
		ReplicationFactor: replicationFactor,
	}
	if err := e.ns.RegisterChunk(ctx, chunk); err != nil {
		return nil, err
	}

	if alloc.Degraded {
		e.log.Warn().
			Err(dfserr.ErrDegraded).
			Str("chunk_id", alloc.ChunkID).
			Int("wanted", replicationFactor).
			Int("got", len(alloc.Locations)).
			Msg("allocated under-replicated chunk")
	} else {
		e.log.Debug().Str("chunk_id", alloc.ChunkID).Strs("locations", alloc.Locations).Msg("allocated chunk")
	}
	return alloc, nil
}

// Repair brings one committed chunk back to min(replication factor, alive nodes) live
// replicas. A chunk with no live replica is flagged missing on its file.
func (e *Engine) Repair(ctx context.Context, chunkID string) error {
	chunk, err := e.ns.Chunk(chunkID)
	if errors.Is(err, dfserr.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if chunk.State != types.ChunkComplete {
		return nil
	}

	alive := e.cluster.AliveNodes()
	var live, dead []string
	for _, id := range chunk.ReplicaLocations {
		if e.cluster.IsAlive(id) {
			live = append(live, id)
		} else {
			dead = append(dead, id)
		}
	}

	if len(live) == 0 {
		if err := e.ns.SetMissing(ctx, chunkID, true); err != nil {
			return err
		}
		e.log.Error().Str("chunk_id", chunkID).Str("path", chunk.FilePath).Strs("holders", chunk.ReplicaLocations).Msg("chunk has no live replica")
		e.publish(events.Event{Type: events.ChunkUnrecoverable, ChunkID: chunkID, Path: chunk.FilePath, Nodes: chunk.ReplicaLocations})
		return nil
	}
	if err := e.ns.SetMissing(ctx, chunkID, false); err != nil {
		return err
	}

	want := chunk.ReplicationFactor
	if want > len(alive) {
		want = len(alive)
	}
	aliveSet := make(map[string]bool, len(alive))
	for _, n := range alive {
		aliveSet[n.NodeID] = true
	}
	if len(live) >= want {
		if len(dead) > 0 && len(live) >= chunk.ReplicationFactor {
			_, err := e.ns.UpdateReplicas(ctx, chunkID, func(current []string) []string {
				current, _ = pruneDead(current, aliveSet, chunk.ReplicationFactor)
				return current
			})
			if errors.Is(err, dfserr.ErrNotFound) {
				return nil
			}
			return err
		}
		return nil
	}

	exclude := make(map[string]bool, len(chunk.ReplicaLocations))
	for _, id := range chunk.ReplicaLocations {
		exclude[id] = true
	}
	targets := rank(alive, exclude, chunk.SizeBytes)
	need := want - len(live)
	if len(targets) > need {
		targets = targets[:need]
	}
	if len(targets) == 0 {
		e.log.Warn().Str("chunk_id", chunkID).Int("live", len(live)).Msg("no node can take another replica")
		return nil
	}
	addrs := make([]types.NodeAddress, 0, len(targets))
	for _, n := range targets {
		addrs = append(addrs, n.Address())
	}

	landed, err := e.copyFromAny(ctx, chunkID, live, addrs)

	if len(landed) > 0 {
		// The list may have changed during the copy, so only the new replicas are merged in.
		var dropped []string
		_, serr := e.ns.UpdateReplicas(ctx, chunkID, func(current []string) []string {
			for _, id := range landed {
				if !slices.Contains(current, id) {
					current = append(current, id)
				}
			}
			current, dropped = pruneDead(current, aliveSet, chunk.ReplicationFactor)
			return current
		})
		if errors.Is(serr, dfserr.ErrNotFound) {
			e.log.Info().Str("chunk_id", chunkID).Msg("chunk deleted during repair")
			e.Purge(ctx, []*types.Chunk{{ChunkID: chunkID, ReplicaLocations: landed}})
			return nil
		}
		if serr != nil {
			return serr
		}
		e.log.Info().Str("chunk_id", chunkID).Strs("added", landed).Strs("dropped", dropped).Msg("chunk re-replicated")
		e.publish(events.Event{Type: events.ChunkRepaired, ChunkID: chunkID, Path: chunk.FilePath, Nodes: landed})
	}
	if err != nil {
		return err
	}
	if len(landed) < len(addrs) {
		return fmt.Errorf("%w: chunk %s reached %d of %d new replicas", dfserr.ErrTransferFailure, chunkID, len(landed), len(addrs))
	}
	return nil
}

// pruneDead drops holders outside alive once at least rf alive holders remain. Dead holders
// stay listed until the chunk is fully replicated elsewhere.
func pruneDead(locations []string, alive map[string]bool, rf int) (kept, dropped []string) {
	for _, id := range locations {
		if alive[id] {
			kept = append(kept, id)
		} else {
			dropped = append(dropped, id)
		}
	}
	if len(kept) < rf {
		return locations, nil
	}
	return kept, dropped
}

// copyFromAny asks each live holder in turn to push the chunk to targets and returns the node
// ids that confirmed a copy.
func (e *Engine) copyFromAny(ctx context.Context, chunkID string, sources []string, targets []types.NodeAddress) ([]string, error) {
	var lastErr error
	for _, src := range e.cluster.Addresses(sources) {
		resp, err := e.repl.Replicate(ctx, src, types.ReplicateRequest{ChunkID: chunkID, TargetNodes: targets, Sync: true})
		if err != nil {
			e.log.Warn().Err(err).Str("chunk_id", chunkID).Str("source", src.NodeID).Msg("replication source failed")
			lastErr = err
			continue
		}
		var landed []string
		for _, r := range resp.Results {
			if r.OK {
				landed = append(landed, r.NodeID)
			}
		}
		if len(landed) > 0 {
			return landed, nil
		}
		lastErr = fmt.Errorf("%w: %s copied chunk %s to no target", dfserr.ErrTransferFailure, src.NodeID, chunkID)
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("%w: no reachable source for chunk %s", dfserr.ErrTransferFailure, chunkID)
	}
	return nil, lastErr
}

func (e *Engine) publish(ev events.Event) {
	if e.pub != nil {
		e.pub.Publish(ev)
	}
}

// Enqueue schedules chunks for repair. Chunks already queued are skipped and chunks under
// repair run once more after the current pass. A full queue drops the request and leaves it to
// the next reconcile pass.
func (e *Engine) Enqueue(chunkIDs ...string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, id := range chunkIDs {
		switch e.jobs[id] {
		case jobQueued, jobRerun:
			continue
		case jobRunning:
			e.jobs[id] = jobRerun
			continue
		}
		select {
		case e.queue <- id:
			e.jobs[id] = jobQueued
		default:
			e.log.Warn().Str("chunk_id", id).Msg("repair queue full")
			return
		}
	}
}

// Queued reports how many chunks are waiting for or held by a repair worker.
func (e *Engine) Queued() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.jobs)
}

func (e *Engine) start(id string) {
	e.mu.Lock()
	e.jobs[id] = jobRunning
	e.mu.Unlock()
}

func (e *Engine) finish(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.jobs[id] != jobRerun {
		delete(e.jobs, id)
		return
	}
	select {
	case e.queue <- id:
		e.jobs[id] = jobQueued
	default:
		delete(e.jobs, id)
		e.log.Warn().Str("chunk_id", id).Msg("repair queue full")
	}
}

func (e *Engine) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-e.queue:
			e.start(id)
			backoff := transport.Backoff{Attempts: e.opts.MaxAttempts, Initial: e.opts.Backoff}
			err := transport.Retry(ctx, backoff, func(attempt int) error {
				if attempt > 0 {
					e.log.Debug().Str("chunk_id", id).Int("attempt", attempt+1).Msg("retrying repair")
				}
				return e.Repair(ctx, id)
			})
			if err != nil && ctx.Err() == nil {
				e.log.Error().Err(err).Str("chunk_id", id).Msg("repair failed")
			}
			e.finish(id)
		}
	}
}

// Run starts the repair workers and the reconcile loop and blocks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < e.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.worker(ctx)
		}()
	}

	if e.opts.ReconcileInterval > 0 {
		ticker := time.NewTicker(e.opts.ReconcileInterval)
		defer ticker.Stop()
	loop:
		for {
			select {
			case <-ctx.Done():
				break loop
			case <-ticker.C:
				e.Reconcile(ctx)
			}
		}
	} else {
		<-ctx.Done()
	}
	wg.Wait()
}

// UnderReplicated returns committed chunks whose live replica count is below
// min(replication factor, alive nodes). Chunks with no live replica are always included.
func (e *Engine) UnderReplicated() []string {
	aliveCount := len(e.cluster.AliveNodes())
	var out []string
	for _, c := range e.ns.CompleteChunks() {
		live := 0
		for _, id := range c.ReplicaLocations {
			if e.cluster.IsAlive(id) {
				live++
			}
		}
		want := c.ReplicationFactor
		if want > aliveCount {
			want = aliveCount
		}
		if live < want || live == 0 {
			out = append(out, c.ChunkID)
		}
	}
	return out
}

// Reconcile enqueues under-replicated chunks, reclaims orphaned allocations, retries pending
// replica deletions and removes chunk files that no record claims.
func (e *Engine) Reconcile(ctx context.Context) {
	if under := e.UnderReplicated(); len(under) > 0 {
		e.log.Info().Int("chunks", len(under)).Msg("reconcile found under-replicated chunks")
		e.Enqueue(under...)
	}

	if e.opts.OrphanGrace > 0 {
		for _, c := range e.ns.OrphanChunks(e.now().Add(-e.opts.OrphanGrace)) {
			if err := e.ns.DeleteChunk(ctx, c.ChunkID); err != nil {
				e.log.Warn().Err(err).Str("chunk_id", c.ChunkID).Msg("failed to drop orphaned chunk")
				continue
			}
			e.log.Info().Str("chunk_id", c.ChunkID).Msg("reclaimed orphaned chunk")
			e.Purge(ctx, []*types.Chunk{c})
		}
	}

	e.retryPurges(ctx)
	e.sweepInventory(ctx)
}

// sweepInventory lists every alive agent's chunks and deletes those with no chunk record once
// they have been seen for longer than the orphan grace period. Chunks with a pending purge are
// left to retryPurges.
func (e *Engine) sweepInventory(ctx context.Context) {
	now := e.now()
	e.mu.Lock()
	prev := e.strays
	purging := make(map[string]bool, len(e.purges))
	for id := range e.purges {
		purging[id] = true
	}
	e.mu.Unlock()

	seen := make(map[string]time.Time)
	for _, n := range e.cluster.AliveNodes() {
		addr := n.Address()
		ids, err := e.repl.ListChunks(ctx, addr)
		if err != nil {
			e.log.Debug().Err(err).Str("node_id", n.NodeID).Msg("chunk inventory failed")
			continue
		}
		for _, id := range ids {
			if purging[id] {
				continue
			}
			if _, err := e.ns.Chunk(id); !errors.Is(err, dfserr.ErrNotFound) {
				continue
			}
			key := n.NodeID + "/" + id
			first, ok := prev[key]
			if !ok {
				first = now
			}
			if now.Sub(first) < e.opts.OrphanGrace {
				seen[key] = first
				continue
			}
			if err := e.repl.DeleteChunk(ctx, addr, id); err != nil {
				e.log.Debug().Err(err).Str("chunk_id", id).Str("node_id", n.NodeID).Msg("stray chunk delete failed")
				seen[key] = first
				continue
			}
			e.log.Info().Str("chunk_id", id).Str("node_id", n.NodeID).Msg("deleted unreferenced chunk")
		}
	}

	e.mu.Lock()
	e.strays = seen
	e.mu.Unlock()
}

// Purge deletes released chunk bytes from their holders. Failed deletes are retried on later
// reconcile passes.
func (e *Engine) Purge(ctx context.Context, chunks []*types.Chunk) {
	for _, c := range chunks {
		failed := e.deleteFrom(ctx, c.ChunkID, e.cluster.Addresses(c.ReplicaLocations))
		if len(failed) == 0 {
			continue
		}
		e.mu.Lock()
		e.purges[c.ChunkID] = &purge{targets: failed}
		e.mu.Unlock()
	}
}

func (e *Engine) deleteFrom(ctx context.Context, chunkID string, addrs []types.NodeAddress) []types.NodeAddress {
	var failed []types.NodeAddress
	for _, addr := range addrs {
		if err := e.repl.DeleteChunk(ctx, addr, chunkID); err != nil {
			e.log.Debug().Err(err).Str("chunk_id", chunkID).Str("node_id", addr.NodeID).Msg("chunk delete failed")
			failed = append(failed, addr)
		}
	}
	return failed
}

func (e *Engine) retryPurges(ctx context.Context) {
	e.mu.Lock()
	work := make(map[string]*purge, len(e.purges))
	for id, p := range e.purges {
		work[id] = p
	}
	e.mu.Unlock()

	for id, p := range work {
		failed := e.deleteFrom(ctx, id, p.targets)
		e.mu.Lock()
		switch {
		case len(failed) == 0:
			delete(e.purges, id)
		case p.attempts+1 >= purgeMaxAttempts:
			delete(e.purges, id)
			e.log.Warn().Str("chunk_id", id).Int("nodes", len(failed)).Msg("giving up on chunk delete")
		default:
			p.targets = failed
			p.attempts++
		}
		e.mu.Unlock()
	}
}

// PendingPurges reports how many chunks still have undeleted replicas.
func (e *Engine) PendingPurges() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.purges)
}

// HandleReport drops replicas an agent failed to create and schedules the chunk for repair.
func (e *Engine) HandleReport(ctx context.Context, chunkID string, report types.ReplicaReport) (*types.Chunk, error) {
	chunk, err := e.ns.RemoveReplicas(ctx, chunkID, report.FailedTargets)
	if err != nil {
		return nil, err
	}
	e.log.Warn().Str("chunk_id", chunkID).Str("reporter", report.NodeID).Strs("failed", report.FailedTargets).Msg("replication failure reported")
	e.Enqueue(chunkID)
	return chunk, nil
}

// The engine listens to the liveness monitor.

func (e *Engine) NodeRegistered(context.Context, types.DataNode) {}

func (e *Engine) NodeAlive(_ context.Context, n types.DataNode) {
	e.Enqueue(e.ns.ChunksOnNode(n.NodeID)...)
}

func (e *Engine) NodeDied(_ context.Context, n types.DataNode, _ error) {
	chunks := e.ns.ChunksOnNode(n.NodeID)
	if len(chunks) > 0 {
		e.log.Info().Str("node_id", n.NodeID).Int("chunks", len(chunks)).Msg("scheduling repair for dead node")
	}
	e.Enqueue(chunks...)
}
