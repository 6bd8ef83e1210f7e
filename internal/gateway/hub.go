package gateway

import (
	"errors"
	"sync"
	"sync/atomic"

	"ppe-monitor/internal/models"
	"ppe-monitor/internal/relay"

	"github.com/samber/lo"
)

// Wildcard subscribes a connection to every camera.
const Wildcard models.CameraID = "*"

var (
	ErrHubClosed        = errors.New("hub is closed")
	ErrConnectionExists = errors.New("connection id already registered")
)

// Subscription is the hub-side state of one live connection.
type Subscription struct {
	ID   string
	send chan []byte

	mu      sync.RWMutex
	cameras map[models.CameraID]struct{}
	all     bool
}

// Watch adds cameras to the subscription; Wildcard selects every camera.
func (s *Subscription) Watch(cameras ...models.CameraID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range cameras {
		if c == Wildcard {
			s.all = true
			continue
		}
		if c != "" {
			s.cameras[c] = struct{}{}
		}
	}
}

func (s *Subscription) Unwatch(cameras ...models.CameraID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range cameras {
		if c == Wildcard {
			s.all = false
			continue
		}
		delete(s.cameras, c)
	}
}

func (s *Subscription) Watching(camera models.CameraID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.all {
		return true
	}
	_, ok := s.cameras[camera]
	return ok
}

// Cameras lists the explicitly watched cameras.
func (s *Subscription) Cameras() []models.CameraID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return lo.Keys(s.cameras)
}

// Messages yields encoded events; it is closed when the subscription is removed.
func (s *Subscription) Messages() <-chan []byte {
	return s.send
}

// Hub holds the connections of this gateway process and filters broadcast
// events by camera. Broadcast never blocks: a connection whose buffer is full
// misses the event.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]*Subscription
	closed bool

	broadcasts atomic.Uint64
	sent       atomic.Uint64
	dropped    atomic.Uint64
}

// HubStats is a snapshot of hub counters. Sent and Dropped include
// connections that have since closed.
type HubStats struct {
	Connections int    `json:"connections"`
	Broadcasts  uint64 `json:"broadcasts"`
	Sent        uint64 `json:"sent"`
	Dropped     uint64 `json:"dropped"`
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]*Subscription)}
}

func (h *Hub) Register(id string, buffer int) (*Subscription, error) {
	if buffer < 1 {
		buffer = 1
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrHubClosed
	}
	if _, exists := h.subs[id]; exists {
		return nil, ErrConnectionExists
	}

	sub := &Subscription{
		ID:      id,
		send:    make(chan []byte, buffer),
		cameras: make(map[models.CameraID]struct{}),
	}
	h.subs[id] = sub
	return sub, nil
}

// Unregister removes a connection and closes its message channel.
func (h *Hub) Unregister(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if sub, ok := h.subs[id]; ok {
		delete(h.subs, id)
		close(sub.send)
	}
}

// Broadcast hands the event to every connection watching its camera and
// returns how many received it.
func (h *Hub) Broadcast(event models.ProcessedFrameEvent) (int, error) {
	payload, err := relay.Encode(event)
	if err != nil {
		return 0, err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.closed {
		return 0, ErrHubClosed
	}
	h.broadcasts.Add(1)

	delivered := 0
	for _, sub := range h.subs {
		if !sub.Watching(event.CameraID) {
			continue
		}
		select {
		case sub.send <- payload:
			h.sent.Add(1)
			delivered++
		default:
			h.dropped.Add(1)
		}
	}
	return delivered, nil
}

func (h *Hub) Stats() HubStats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return HubStats{
		Connections: len(h.subs),
		Broadcasts:  h.broadcasts.Load(),
		Sent:        h.sent.Load(),
		Dropped:     h.dropped.Load(),
	}
}

// Close removes every connection. Close is idempotent.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for id, sub := range h.subs {
		delete(h.subs, id)
		close(sub.send)
	}
}
