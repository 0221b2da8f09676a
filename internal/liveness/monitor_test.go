package liveness

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/timskillet/replicated-filestore/internal/dfserr"
	"github.com/timskillet/replicated-filestore/internal/types"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// recorder re-enters the monitor from every callback, which deadlocks if listeners run
// under the registry lock.
type recorder struct {
	m *Monitor

	mu         sync.Mutex
	registered []string
	alive      []string
	died       []string
	causes     []error
}

func (r *recorder) NodeRegistered(_ context.Context, n types.DataNode) {
	r.m.Nodes()
	r.mu.Lock()
	r.registered = append(r.registered, n.NodeID)
	r.mu.Unlock()
}

func (r *recorder) NodeAlive(_ context.Context, n types.DataNode) {
	r.m.AliveNodes()
	r.mu.Lock()
	r.alive = append(r.alive, n.NodeID)
	r.mu.Unlock()
}

func (r *recorder) NodeDied(_ context.Context, n types.DataNode, cause error) {
	r.m.IsAlive(n.NodeID)
	r.mu.Lock()
	r.died = append(r.died, n.NodeID)
	r.causes = append(r.causes, cause)
	r.mu.Unlock()
}

func setupMonitor(t *testing.T) (*Monitor, *fakeClock, *recorder) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	m := NewMonitor(Options{
		Timeout:       10 * time.Second,
		SweepInterval: time.Second,
		Now:           clock.Now,
		Logger:        zerolog.Nop(),
	})
	rec := &recorder{m: m}
	m.AddListener(rec)
	return m, clock, rec
}

func register(t *testing.T, m *Monitor, id string) {
	t.Helper()
	_, err := m.Register(context.Background(), types.RegisterRequest{NodeID: id, Host: "10.0.0.1", APIPort: 8081, CapacityBytes: 1000})
	if err != nil {
		t.Fatalf("Register(%s): %v", id, err)
	}
}

func heartbeat(t *testing.T, m *Monitor, id string) {
	t.Helper()
	if _, err := m.Heartbeat(context.Background(), types.HeartbeatRequest{NodeID: id, UsedBytes: 10}); err != nil {
		t.Fatalf("Heartbeat(%s): %v", id, err)
	}
}

func TestRegisterThenHeartbeatGoesAlive(t *testing.T) {
	m, _, rec := setupMonitor(t)
	register(t, m, "dn1")

	n, _ := m.Node("dn1")
	if n.State != types.NodeRegistering || n.Alive {
		t.Fatalf("after register: %+v", n)
	}
	if len(m.AliveNodes()) != 0 {
		t.Fatal("registering node must not be offered for placement")
	}

	heartbeat(t, m, "dn1")
	n, _ = m.Node("dn1")
	if n.State != types.NodeAlive || !n.Alive || n.UsedBytes != 10 || n.CapacityBytes != 1000 {
		t.Fatalf("after heartbeat: %+v", n)
	}
	if len(rec.registered) != 1 || len(rec.alive) != 1 {
		t.Fatalf("registered=%v alive=%v", rec.registered, rec.alive)
	}
}

func TestHeartbeatUnknownNode(t *testing.T) {
	m, _, _ := setupMonitor(t)
	_, err := m.Heartbeat(context.Background(), types.HeartbeatRequest{NodeID: "ghost"})
	if !errors.Is(err, dfserr.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestRegisterValidates(t *testing.T) {
	m, _, _ := setupMonitor(t)
	_, err := m.Register(context.Background(), types.RegisterRequest{NodeID: "dn1"})
	if !errors.Is(err, dfserr.ErrInvalidArgument) {
		t.Fatalf("err = %v, want ErrInvalidArgument", err)
	}
}

func TestSweepMarksDeadOncePerEpisode(t *testing.T) {
	m, clock, rec := setupMonitor(t)
	register(t, m, "dn1")
	register(t, m, "dn2")
	heartbeat(t, m, "dn1")
	heartbeat(t, m, "dn2")

	clock.Advance(6 * time.Second)
	heartbeat(t, m, "dn2")
	clock.Advance(5 * time.Second)

	died := m.Sweep(context.Background())
	if len(died) != 1 || died[0].NodeID != "dn1" {
		t.Fatalf("died = %+v", died)
	}
	if again := m.Sweep(context.Background()); len(again) != 0 {
		t.Fatalf("second sweep reported %+v", again)
	}
	if len(rec.died) != 1 || !errors.Is(rec.causes[0], dfserr.ErrNodeTimeout) {
		t.Fatalf("died=%v causes=%v", rec.died, rec.causes)
	}
	if m.IsAlive("dn1") || !m.IsAlive("dn2") {
		t.Fatal("wrong liveness after sweep")
	}
}

func TestSweepAtExactTimeoutKeepsNode(t *testing.T) {
	m, clock, _ := setupMonitor(t)
	register(t, m, "dn1")
	heartbeat(t, m, "dn1")
	clock.Advance(10 * time.Second)
	if died := m.Sweep(context.Background()); len(died) != 0 {
		t.Fatalf("node at exactly the timeout marked dead: %+v", died)
	}
}

func TestDeadNodeRevivesOnHeartbeat(t *testing.T) {
	m, clock, rec := setupMonitor(t)
	register(t, m, "dn1")
	heartbeat(t, m, "dn1")
	clock.Advance(11 * time.Second)
	m.Sweep(context.Background())

	heartbeat(t, m, "dn1")
	if !m.IsAlive("dn1") {
		t.Fatal("node did not revive")
	}
	if len(rec.alive) != 2 {
		t.Fatalf("alive notifications = %v, want 2", rec.alive)
	}

	// A new silence is a new episode.
	clock.Advance(11 * time.Second)
	if died := m.Sweep(context.Background()); len(died) != 1 {
		t.Fatalf("second episode died = %+v", died)
	}
}

// reviver heartbeats a node from inside its death notification, racing the sweep.
type reviver struct{ m *Monitor }

func (r reviver) NodeRegistered(context.Context, types.DataNode) {}
func (r reviver) NodeAlive(context.Context, types.DataNode) {}

func (r reviver) NodeDied(ctx context.Context, n types.DataNode, _ error) {
	r.m.Heartbeat(ctx, types.HeartbeatRequest{NodeID: n.NodeID})
}

func TestStaleDeathNotDeliveredAfterRevival(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	m := NewMonitor(Options{Timeout: 10 * time.Second, Now: clock.Now, Logger: zerolog.Nop()})
	rec := &recorder{m: m}
	m.AddListener(reviver{m: m})
	m.AddListener(rec)

	register(t, m, "dn1")
	heartbeat(t, m, "dn1")
	clock.Advance(11 * time.Second)
	if died := m.Sweep(context.Background()); len(died) != 1 {
		t.Fatalf("died = %+v", died)
	}

	if !m.IsAlive("dn1") {
		t.Fatal("node not revived")
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.died) != 0 {
		t.Fatalf("stale death delivered after revival: died=%v alive=%v", rec.died, rec.alive)
	}
	if len(rec.alive) != 2 {
		t.Fatalf("alive notifications = %v, want 2", rec.alive)
	}
}

func TestSilentRegisteringNodeDies(t *testing.T) {
	m, clock, _ := setupMonitor(t)
	register(t, m, "dn1")
	clock.Advance(11 * time.Second)
	if died := m.Sweep(context.Background()); len(died) != 1 {
		t.Fatalf("died = %+v", died)
	}
}

func TestReRegisterKeepsIdentity(t *testing.T) {
	m, _, rec := setupMonitor(t)
	register(t, m, "dn1")
	heartbeat(t, m, "dn1")

	_, err := m.Register(context.Background(), types.RegisterRequest{NodeID: "dn1", Host: "10.0.0.9", APIPort: 9000})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if got := len(m.Nodes()); got != 1 {
		t.Fatalf("nodes = %d, want 1", got)
	}
	n, _ := m.Node("dn1")
	if n.Host != "10.0.0.9" || n.APIPort != 9000 || n.CapacityBytes != 1000 {
		t.Fatalf("node = %+v", n)
	}
	if len(rec.died) != 1 {
		t.Fatalf("restart of a live node should notify death, got %v", rec.died)
	}
	addrs := m.Addresses([]string{"dn1", "missing"})
	if len(addrs) != 1 || addrs[0].BaseURL() != "http://10.0.0.9:9000" {
		t.Fatalf("addresses = %+v", addrs)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	m := NewMonitor(Options{Timeout: time.Second, SweepInterval: 5 * time.Millisecond, Logger: zerolog.Nop()})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
