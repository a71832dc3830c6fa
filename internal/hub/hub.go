// Package hub fans encoded telemetry messages out to feed clients.
package hub

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/kstaniek/gsusb-obd/internal/logging"
	"github.com/kstaniek/gsusb-obd/internal/metrics"
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

// ParsePolicy maps "drop" or "kick" to a policy.
func ParsePolicy(s string) (BackpressurePolicy, error) {
	switch strings.ToLower(s) {
	case "drop":
		return PolicyDrop, nil
	case "kick":
		return PolicyKick, nil
	}
	return PolicyDrop, fmt.Errorf("unknown hub policy %q", s)
}

// ErrHubFull is returned by Add when MaxClients is reached.
var ErrHubFull = errors.New("hub full")

// Client receives messages on Out until Closed is closed. Messages are
// shared between clients and must not be modified.
type Client struct {
	Out       chan []byte
	Closed    chan struct{}
	closeOnce sync.Once
}

// NewClient allocates a client with a buffer of n messages.
func NewClient(n int) *Client {
	if n <= 0 {
		n = 1
	}
	return &Client{Out: make(chan []byte, n), Closed: make(chan struct{})}
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
	MaxClients int // 0 = unlimited
}

// New creates a Hub with default settings.
func New() *Hub { return &Hub{clients: make(map[*Client]struct{})} }

// Add registers a client with the hub.
func (h *Hub) Add(c *Client) error {
	h.mu.Lock()
	if h.MaxClients > 0 && len(h.clients) >= h.MaxClients {
		h.mu.Unlock()
		metrics.IncHubReject()
		return ErrHubFull
	}
	prev := len(h.clients)
	h.clients[c] = struct{}{}
	cur := len(h.clients)
	h.mu.Unlock()
	metrics.SetHubClients(cur)
	if prev == 0 && cur == 1 {
		logging.L().Info("feed_first_client_connected")
	}
	return nil
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
		logging.L().Info("feed_last_client_disconnected")
	}
}

// Broadcast queues msg on every client honoring the backpressure policy and
// returns how many clients accepted it.
func (h *Hub) Broadcast(msg []byte) int {
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
	delivered := 0
	for _, c := range clients {
		select {
		case <-c.Closed:
			continue
		default:
		}
		select {
		case c.Out <- msg:
			delivered++
		default:
			if h.Policy == PolicyKick {
				metrics.IncHubKick()
				c.Close() // writer exits; the server removes the client
			} else {
				metrics.IncHubDrop()
			}
		}
	}
	return delivered
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
