// Package events fans run progress out to any number of subscribers.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethpandaops/querybenchoor/pkg/model"
	"github.com/sirupsen/logrus"
)

// Type identifies the payload of an Event.
type Type string

const (
	// TypeRun carries a run status change.
	TypeRun Type = "run"
	// TypeRecord carries a finished execution.
	TypeRecord Type = "record"
	// TypeComparison is published once comparison results are stored.
	TypeComparison Type = "comparison"
)

// Event is a single progress notification.
type Event struct {
	Type   Type                   `json:"type"`
	RunID  uint                   `json:"run_id"`
	Time   time.Time              `json:"time"`
	Run    *model.TestRun         `json:"run,omitempty"`
	Record *model.ExecutionRecord `json:"record,omitempty"`
}

// Publisher accepts events.
type Publisher interface {
	Publish(ev Event)
}

// Hub broadcasts events to subscribers. Publishing never blocks: a
// subscriber whose buffer is full misses the event.
type Hub struct {
	log     logrus.FieldLogger
	mu      sync.Mutex
	subs    map[chan Event]struct{}
	closed  bool
	dropped atomic.Uint64
}

// Ensure interface compliance.
var _ Publisher = (*Hub)(nil)

// NewHub creates an empty hub.
func NewHub(log logrus.FieldLogger) *Hub {
	return &Hub{
		log:  log.WithField("component", "events"),
		subs: make(map[chan Event]struct{}, 8),
	}
}

// Subscribe registers a subscriber with the given buffer. The returned
// function unsubscribes and closes the channel; it is safe to call more
// than once.
func (h *Hub) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}

	ch := make(chan Event, buffer)

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		close(ch)

		return ch, func() {}
	}

	h.subs[ch] = struct{}{}

	var once sync.Once

	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()

			if _, ok := h.subs[ch]; ok {
				delete(h.subs, ch)
				close(ch)
			}
		})
	}
}

// Publish delivers ev to every subscriber with buffer space.
func (h *Hub) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
			h.dropped.Add(1)
		}
	}
}

// Close unsubscribes everyone. Later subscriptions receive a closed channel.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}

	h.closed = true

	for ch := range h.subs {
		delete(h.subs, ch)
		close(ch)
	}

	if dropped := h.dropped.Load(); dropped > 0 {
		h.log.WithField("dropped", dropped).Debug("Slow subscribers missed events")
	}
}

// Subscribers returns the number of active subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.subs)
}

// Dropped returns how many deliveries were skipped for full buffers.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}
