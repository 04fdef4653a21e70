// Package events fans request lifecycle events out to API stream clients and
// keeps the most recent ones for late subscribers.
package events

import (
	"encoding/json"
	"sync"
	"time"
)

// Lifecycle event types.
const (
	TypeAccepted  = "request.accepted"
	TypeRejected  = "request.rejected"
	TypeStarted   = "request.started"
	TypeProgress  = "request.progress"
	TypeCompleted = "request.completed"
	TypeFailed    = "request.failed"
	TypeCancelled = "request.cancelled"
	TypeExpired   = "request.expired"
)

type Event struct {
	ID   int64           `json:"id"`
	Type string          `json:"type"`
	SN   string          `json:"sn,omitempty"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data"`
}

// Hub is an in-memory pub/sub over a ring buffer. A nil Hub drops events.
type Hub struct {
	mu     sync.Mutex
	nextID int64
	ring  []Event
	start int
	size  int

	subs      map[int]chan Event
	nextSubID int
}

func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 256
	}
	return &Hub{
		ring: make([]Event, capacity),
		subs: make(map[int]chan Event),
	}
}

// Publish records an event for sn. Slow subscribers miss events rather than
// block the publisher.
func (h *Hub) Publish(eventType, sn string, data any) {
	if h == nil {
		return
	}
	payload := json.RawMessage("{}")
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			payload = b
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	// IDs are taken under the lock so the ring and every subscriber see them
	// in order.
	h.nextID++
	ev := Event{ID: h.nextID, Type: eventType, SN: sn, At: time.Now().UTC(), Data: payload}
	h.pushLocked(ev)
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe returns a channel of new events and a func that ends the
// subscription and closes the channel.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextSubID
	h.nextSubID++
	ch := make(chan Event, 64)
	h.subs[id] = ch

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if c, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(c)
		}
	}
}

// SnapshotSince returns buffered events with ID > lastID, oldest first.
func (h *Hub) SnapshotSince(lastID int64) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Event, 0, h.size)
	for i := 0; i < h.size; i++ {
		ev := h.ring[(h.start+i)%len(h.ring)]
		if ev.ID > lastID {
			out = append(out, ev)
		}
	}
	return out
}

func (h *Hub) pushLocked(ev Event) {
	if h.size < len(h.ring) {
		h.ring[(h.start+h.size)%len(h.ring)] = ev
		h.size++
		return
	}
	// full: overwrite oldest
	h.ring[h.start] = ev
	h.start = (h.start + 1) % len(h.ring)
}
