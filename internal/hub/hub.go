// Package hub fans controller output out to gateway clients. A Hub is the
// flexcan.Consumer of a running device: delivered frames are broadcast,
// link changes and activity are tracked for readiness and metrics.
package hub

import (
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-flexcan/internal/can"
	"github.com/kstaniek/go-flexcan/internal/flexcan"
	"github.com/kstaniek/go-flexcan/internal/logging"
	"github.com/kstaniek/go-flexcan/internal/metrics"
)

type BackpressurePolicy int

const (
	PolicyDrop BackpressurePolicy = iota
	PolicyKick
)

func (p BackpressurePolicy) String() string {
	if p == PolicyKick {
		return "kick"
	}
	return "drop"
}

type Client struct {
	Out       chan can.Frame
	Closed    chan struct{}
	closeOnce sync.Once
}

// NewClient returns a client with an outbound buffer of n frames.
func NewClient(n int) *Client {
	return &Client{Out: make(chan can.Frame, n), Closed: make(chan struct{})}
}

// Close signals the client is closed (idempotent).
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.Closed)
	})
}

type Hub struct {
	mu         sync.RWMutex
	clients    map[*Client]struct{}
	OutBufSize int
	Policy     BackpressurePolicy

	link     atomic.Bool
	linkDown atomic.Uint64
	activity [4]atomic.Uint64 // indexed by flexcan.LEDEvent
}

var (
	_ flexcan.Consumer         = (*Hub)(nil)
	_ flexcan.ActivityObserver = (*Hub)(nil)
)

// New creates a Hub with default settings.
func New() *Hub { return &Hub{clients: make(map[*Client]struct{}), OutBufSize: 512} }

// Add registers a client with the hub.
func (h *Hub) Add(c *Client) {
	h.mu.Lock()
	prev := len(h.clients)
	h.clients[c] = struct{}{}
	cur := len(h.clients)
	h.mu.Unlock()
	metrics.SetHubClients(cur)
	if prev == 0 && cur == 1 {
		logging.L().Info("clients_first_connected")
	}
}

// Remove unregisters a client and updates metrics; safe to call multiple times.
func (h *Hub) Remove(c *Client) {
	h.mu.Lock()
	_, existed := h.clients[c]
	if existed {
		delete(h.clients, c)
	}
	cur := len(h.clients)
	h.mu.Unlock()
	c.Close()
	metrics.SetHubClients(cur)
	if existed && cur == 0 {
		logging.L().Info("clients_last_disconnected")
	}
}

// DeliverFrame is called by the controller's delivery pass. It never blocks.
func (h *Hub) DeliverFrame(f can.Frame) {
	metrics.IncControllerRx(f.IsError())
	h.Broadcast(f)
}

// LinkDown records that the controller left the bus (bus-off or close).
func (h *Hub) LinkDown() {
	if h.link.Swap(false) {
		h.linkDown.Add(1)
		logging.L().Warn("link_down", "clients", h.Count())
	}
	metrics.SetLinkUp(false)
}

// LinkUp records that the controller is on the bus again.
func (h *Hub) LinkUp() {
	if !h.link.Swap(true) {
		logging.L().Info("link_up")
	}
	metrics.SetLinkUp(true)
}

// Link reports the last link notification.
func (h *Hub) Link() bool { return h.link.Load() }

// LinkDowns counts up-to-down transitions.
func (h *Hub) LinkDowns() uint64 { return h.linkDown.Load() }

func (h *Hub) LEDEvent(e flexcan.LEDEvent) {
	if int(e) >= 0 && int(e) < len(h.activity) {
		h.activity[e].Add(1)
	}
}

// Activity counts activity events of one kind.
func (h *Hub) Activity(e flexcan.LEDEvent) uint64 {
	if int(e) < 0 || int(e) >= len(h.activity) {
		return 0
	}
	return h.activity[e].Load()
}

// Broadcast sends a frame to all connected clients honoring the backpressure policy.
func (h *Hub) Broadcast(fr can.Frame) {
	clients := h.Snapshot()
	metrics.SetBroadcastFanout(len(clients))
	if len(clients) > 0 {
		max := 0
		sum := 0
		for _, c := range clients {
			l := len(c.Out)
			if l > max {
				max = l
			}
			sum += l
		}
		metrics.SetQueueDepth(max, sum/len(clients))
	}
	for _, c := range clients {
		select {
		case c.Out <- fr:
		default:
			if h.Policy == PolicyKick {
				metrics.IncHubKick()
				c.Close() // writer exits; the server removes the client
			} else {
				metrics.IncHubDrop()
			}
		}
	}
}

// Snapshot returns a slice copy of current clients (read-only use).
func (h *Hub) Snapshot() []*Client {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	return clients
}

// Count returns the number of active clients.
func (h *Hub) Count() int { h.mu.RLock(); n := len(h.clients); h.mu.RUnlock(); return n }
