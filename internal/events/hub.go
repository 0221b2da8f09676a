// Package events fans cluster events out to websocket subscribers on GET /events.
package events

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/timskillet/replicated-filestore/internal/types"
)

const (
	NodeRegistered     = "node_registered"
	NodeAlive          = "node_alive"
	NodeDead           = "node_dead"
	ChunkRepaired      = "chunk_repaired"
	ChunkUnrecoverable = "chunk_unrecoverable"
	FileCreated        = "file_created"
	FileDeleted        = "file_deleted"
)

type Event struct {
	Type    string    `json:"type"`
	Time    time.Time `json:"time"`
	NodeID  string    `json:"node_id,omitempty"`
	ChunkID string    `json:"chunk_id,omitempty"`
	Path    string    `json:"path,omitempty"`
	Nodes   []string  `json:"nodes,omitempty"`
	Detail  string    `json:"detail,omitempty"`
}

// subscriberBuffer is how many events a slow subscriber may fall behind before it is dropped.
const subscriberBuffer = 64

const writeWait = 5 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type Hub struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
	now  func() time.Time
	log  zerolog.Logger
}

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		subs: make(map[chan Event]struct{}),
		now:  time.Now,
		log:  log.With().Str("component", "events").Logger(),
	}
}

// Publish never blocks. Subscribers whose buffer is full are disconnected.
func (h *Hub) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = h.now()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
			delete(h.subs, ch)
			close(ch)
			h.log.Warn().Msg("dropping slow event subscriber")
		}
	}
}

// Subscribe returns a channel of future events and a function that releases it.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subs[ch]; ok {
			delete(h.subs, ch)
			close(ch)
		}
	}
}

// ServeWS upgrades the request and streams events as JSON text frames until the peer goes away.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	events, cancel := h.Subscribe()
	defer cancel()

	// Reader goroutine only exists to notice the peer closing.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					h.log.Debug().Err(err).Msg("websocket read error")
				}
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				h.log.Debug().Err(err).Msg("websocket write error")
				return
			}
		}
	}
}

// The hub listens to the liveness monitor directly.

func (h *Hub) NodeRegistered(_ context.Context, n types.DataNode) {
	h.Publish(Event{Type: NodeRegistered, NodeID: n.NodeID, Detail: n.Address().BaseURL()})
}

func (h *Hub) NodeAlive(_ context.Context, n types.DataNode) {
	h.Publish(Event{Type: NodeAlive, NodeID: n.NodeID})
}

func (h *Hub) NodeDied(_ context.Context, n types.DataNode, cause error) {
	ev := Event{Type: NodeDead, NodeID: n.NodeID}
	if cause != nil {
		ev.Detail = cause.Error()
	}
	h.Publish(ev)
}
