// Package liveness owns the coordinator's registry of storage agents.
//
// Per node: REGISTERING -> ALIVE <-> DEAD. Heartbeats move nodes to ALIVE; a background sweep
// moves silent nodes to DEAD exactly once per episode. Listeners are notified outside the
// registry lock, and a notification is dropped once a later transition of the same node has
// happened.
package liveness

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/timskillet/replicated-filestore/internal/dfserr"
	"github.com/timskillet/replicated-filestore/internal/types"
)

// Listener receives state transitions. Calls may perform network I/O.
type Listener interface {
	NodeRegistered(ctx context.Context, node types.DataNode)
	NodeAlive(ctx context.Context, node types.DataNode)
	NodeDied(ctx context.Context, node types.DataNode, cause error)
}

type Options struct {
	Timeout       time.Duration
	SweepInterval time.Duration
	Now           func() time.Time
	Logger        zerolog.Logger
}

type Monitor struct {
	mu        sync.RWMutex
	nodes     map[string]*types.DataNode
	// epochs counts each node's state transitions.
	epochs    map[string]uint64
	listeners []Listener

	timeout       time.Duration
	sweepInterval time.Duration
	now           func() time.Time
	log           zerolog.Logger
}

func NewMonitor(opts Options) *Monitor {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Monitor{
		nodes:         make(map[string]*types.DataNode),
		epochs:        make(map[string]uint64),
		timeout:       opts.Timeout,
		sweepInterval: opts.SweepInterval,
		now:           opts.Now,
		log:           opts.Logger.With().Str("component", "liveness").Logger(),
	}
}

// AddListener must be called before Run.
func (m *Monitor) AddListener(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// Register records an agent's address. A known node_id is the same entity re-entering the
// state machine, not a new node.
func (m *Monitor) Register(ctx context.Context, req types.RegisterRequest) (types.DataNode, error) {
	if req.NodeID == "" || req.Host == "" || req.APIPort <= 0 {
		return types.DataNode{}, fmt.Errorf("%w: node_id, host and api_port are required", dfserr.ErrInvalidArgument)
	}

	m.mu.Lock()
	node, known := m.nodes[req.NodeID]
	if !known {
		node = &types.DataNode{NodeID: req.NodeID}
		m.nodes[req.NodeID] = node
	}
	node.Host = req.Host
	node.RPCPort = req.RPCPort
	node.APIPort = req.APIPort
	if req.CapacityBytes > 0 {
		node.CapacityBytes = req.CapacityBytes
	}
	wasAlive := node.Alive
	node.State = types.NodeRegistering
	node.Alive = false
	node.LastHeartbeat = m.now()
	m.epochs[req.NodeID]++
	epoch := m.epochs[req.NodeID]
	snapshot := *node
	listeners := m.listeners
	m.mu.Unlock()

	m.log.Info().
		Str("node_id", req.NodeID).
		Str("addr", snapshot.Address().BaseURL()).
		Bool("known", known).
		Msg("datanode registered")

	// A live node re-registering has restarted; its replicas may be gone with the old process.
	if wasAlive {
		cause := fmt.Errorf("%w: node %s restarted", dfserr.ErrNodeTimeout, req.NodeID)
		for _, l := range listeners {
			if !m.current(req.NodeID, epoch) {
				break
			}
			l.NodeDied(ctx, snapshot, cause)
		}
	}
	for _, l := range listeners {
		if !m.current(req.NodeID, epoch) {
			break
		}
		l.NodeRegistered(ctx, snapshot)
	}
	return snapshot, nil
}

// Heartbeat updates utilization and moves the node to ALIVE.
func (m *Monitor) Heartbeat(ctx context.Context, hb types.HeartbeatRequest) (types.DataNode, error) {
	m.mu.Lock()
	node, ok := m.nodes[hb.NodeID]
	if !ok {
		m.mu.Unlock()
		return types.DataNode{}, fmt.Errorf("%w: datanode %s is not registered", dfserr.ErrNotFound, hb.NodeID)
	}
	node.LastHeartbeat = m.now()
	node.UsedBytes = hb.UsedBytes
	if hb.CapacityBytes > 0 {
		node.CapacityBytes = hb.CapacityBytes
	}
	node.ChunkCount = hb.ChunkCount
	revived := !node.Alive
	prev := node.State
	node.Alive = true
	node.State = types.NodeAlive
	if revived {
		m.epochs[hb.NodeID]++
	}
	epoch := m.epochs[hb.NodeID]
	snapshot := *node
	listeners := m.listeners
	m.mu.Unlock()

	if revived {
		m.log.Info().Str("node_id", hb.NodeID).Str("from", string(prev)).Msg("datanode alive")
		for _, l := range listeners {
			if !m.current(hb.NodeID, epoch) {
				break
			}
			l.NodeAlive(ctx, snapshot)
		}
	}
	return snapshot, nil
}

// Sweep marks every node silent for longer than the timeout as DEAD and returns them.
// Listeners run after the lock is released.
func (m *Monitor) Sweep(ctx context.Context) []types.DataNode {
	now := m.now()

	m.mu.Lock()
	var died []types.DataNode
	epochs := make(map[string]uint64)
	for _, node := range m.nodes {
		if node.State == types.NodeDead {
			continue
		}
		if now.Sub(node.LastHeartbeat) > m.timeout {
			node.State = types.NodeDead
			node.Alive = false
			m.epochs[node.NodeID]++
			epochs[node.NodeID] = m.epochs[node.NodeID]
			died = append(died, *node)
		}
	}
	listeners := m.listeners
	m.mu.Unlock()

	sort.Slice(died, func(i, j int) bool { return died[i].NodeID < died[j].NodeID })
	for _, node := range died {
		cause := fmt.Errorf("%w: node %s silent for %s", dfserr.ErrNodeTimeout, node.NodeID, now.Sub(node.LastHeartbeat).Round(time.Millisecond))
		m.log.Warn().Err(cause).Str("node_id", node.NodeID).Msg("datanode dead")
		for _, l := range listeners {
			if !m.current(node.NodeID, epochs[node.NodeID]) {
				m.log.Debug().Str("node_id", node.NodeID).Msg("datanode revived before death was delivered")
				break
			}
			l.NodeDied(ctx, node, cause)
		}
	}
	return died
}

// current reports whether nodeID has not changed state since epoch.
func (m *Monitor) current(nodeID string, epoch uint64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.epochs[nodeID] == epoch
}

// Run sweeps on SweepInterval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

func (m *Monitor) Node(nodeID string) (types.DataNode, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	node, ok := m.nodes[nodeID]
	if !ok {
		return types.DataNode{}, false
	}
	return *node, true
}

// IsAlive reports whether nodeID is currently ALIVE.
func (m *Monitor) IsAlive(nodeID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	node, ok := m.nodes[nodeID]
	return ok && node.Alive
}

// Nodes returns all known nodes sorted by id.
func (m *Monitor) Nodes() []types.DataNode {
	return m.collect(func(*types.DataNode) bool { return true })
}

// AliveNodes returns ALIVE nodes sorted by id.
func (m *Monitor) AliveNodes() []types.DataNode {
	return m.collect(func(n *types.DataNode) bool { return n.Alive })
}

func (m *Monitor) collect(keep func(*types.DataNode) bool) []types.DataNode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.DataNode, 0, len(m.nodes))
	for _, n := range m.nodes {
		if keep(n) {
			out = append(out, *n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// Addresses resolves node ids to addresses, skipping unknown ids.
func (m *Monitor) Addresses(nodeIDs []string) []types.NodeAddress {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.NodeAddress, 0, len(nodeIDs))
	for _, id := range nodeIDs {
		if n, ok := m.nodes[id]; ok {
			out = append(out, n.Address())
		}
	}
	return out
}
