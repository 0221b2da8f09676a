// Package node is the storage agent: it stores chunk blobs, pushes replicas to peers and
// heartbeats to the coordinator.
package node

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/timskillet/replicated-filestore/internal/config"
	"github.com/timskillet/replicated-filestore/internal/dfserr"
	"github.com/timskillet/replicated-filestore/internal/transport"
	"github.com/timskillet/replicated-filestore/internal/types"
)

type Server struct {
	cfg     *config.Config
	addr    types.NodeAddress
	store   *ChunkStore
	client  *transport.Client
	repl    *Replicator
	metrics *Metrics
	started time.Time
	log     zerolog.Logger

	mu       sync.Mutex
	capacity int64
}

func NewServer(cfg *config.Config, addr types.NodeAddress, log zerolog.Logger) (*Server, error) {
	store, err := OpenChunkStore(cfg.NodeDataDir)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:     cfg,
		addr:    addr,
		store:   store,
		client:  transport.New(&http.Client{Timeout: cfg.RequestTimeout}, log),
		metrics: NewMetrics(addr.NodeID),
		started: time.Now(),
		log:     log.With().Str("component", "datanode").Str("node_id", addr.NodeID).Logger(),
	}
	capacity, err := s.probeCapacity()
	if err != nil {
		return nil, err
	}
	s.capacity = capacity

	s.repl = NewReplicator(addr.NodeID, store, s.client, s.reportFailure, replicationBackoff(cfg), s.metrics, s.log)
	return s, nil
}

// replicationBackoff allows the first push plus REPLICATION_RETRIES retries per target.
func replicationBackoff(cfg *config.Config) transport.Backoff {
	return transport.Backoff{Attempts: cfg.ReplicationRetries + 1, Initial: cfg.RepairBackoff}
}

// probeCapacity prefers NODE_CAPACITY_BYTES and otherwise uses the size of the filesystem
// holding the data directory.
func (s *Server) probeCapacity() (int64, error) {
	if s.cfg.NodeCapacityBytes > 0 {
		return s.cfg.NodeCapacityBytes, nil
	}
	usage, err := disk.Usage(s.store.Dir())
	if err != nil {
		return 0, fmt.Errorf("failed to read disk usage for %s: %w", s.store.Dir(), err)
	}
	return int64(usage.Total), nil
}

func (s *Server) Address() types.NodeAddress { return s.addr }

func (s *Server) Store() *ChunkStore { return s.store }

// storage returns used bytes, capacity and chunk count, refreshing the metrics gauges.
func (s *Server) storage() (used, capacity int64, count int, err error) {
	used, count, err = s.store.Usage()
	if err != nil {
		return 0, 0, 0, err
	}
	s.mu.Lock()
	capacity = s.capacity
	s.mu.Unlock()
	s.metrics.SetStorage(used, capacity, count)
	return used, capacity, count, nil
}

func (s *Server) systemStats() *types.SystemStats {
	stats := &types.SystemStats{}
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		stats.CPUPercent = pct[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		stats.MemoryPercent = vm.UsedPercent
		stats.MemoryAvailable = vm.Available
	}
	return stats
}

// Register announces this agent's address to the coordinator.
func (s *Server) Register(ctx context.Context) error {
	_, capacity, _, err := s.storage()
	if err != nil {
		return err
	}
	req := types.RegisterRequest{
		NodeID:        s.addr.NodeID,
		Host:          s.addr.Host,
		RPCPort:       s.addr.RPCPort,
		APIPort:       s.addr.APIPort,
		CapacityBytes: capacity,
	}
	if err := s.client.DoJSON(ctx, http.MethodPost, s.cfg.NameNodeURL+"/datanodes/register", req, nil); err != nil {
		return fmt.Errorf("failed to register with namenode: %w", err)
	}
	s.log.Info().Str("namenode", s.cfg.NameNodeURL).Str("addr", s.addr.BaseURL()).Msg("registered")
	return nil
}

// SendHeartbeat reports utilization. A coordinator that no longer knows this node (it
// restarted) gets a fresh registration followed by the heartbeat.
func (s *Server) SendHeartbeat(ctx context.Context) error {
	used, capacity, count, err := s.storage()
	if err != nil {
		return err
	}
	hb := types.HeartbeatRequest{NodeID: s.addr.NodeID, UsedBytes: used, CapacityBytes: capacity, ChunkCount: count}
	url := s.cfg.NameNodeURL + "/heartbeat"

	err = s.client.DoJSON(ctx, http.MethodPost, url, hb, nil)
	if errors.Is(err, dfserr.ErrNotFound) {
		s.log.Info().Msg("namenode does not know this node, re-registering")
		if err := s.Register(ctx); err != nil {
			return err
		}
		err = s.client.DoJSON(ctx, http.MethodPost, url, hb, nil)
	}
	return err
}

// StartHeartbeat sends a heartbeat immediately and then every NodeHeartbeatInterval. A failed
// registration at startup is retried through the heartbeat path.
func (s *Server) StartHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.NodeHeartbeatInterval)
	defer ticker.Stop()

	if err := s.SendHeartbeat(ctx); err != nil {
		s.log.Warn().Err(err).Msg("failed to send initial heartbeat")
	}

	for {
		select {
		case <-ticker.C:
			if err := s.SendHeartbeat(ctx); err != nil {
				s.log.Warn().Err(err).Msg("failed to update heartbeat")
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) reportFailure(ctx context.Context, chunkID string, failed []string) error {
	report := types.ReplicaReport{NodeID: s.addr.NodeID, FailedTargets: failed}
	return s.client.DoJSON(ctx, http.MethodPost, s.cfg.NameNodeURL+"/chunks/"+chunkID+"/report", report, nil)
}

// Run starts background replication and heartbeats and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) {
	if err := s.Register(ctx); err != nil {
		s.log.Warn().Err(err).Msg("initial registration failed")
	}
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.repl.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		s.StartHeartbeat(ctx)
	}()
	wg.Wait()
}
