package events

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/snarg/diarize-engine/internal/jobs"
	"github.com/snarg/diarize-engine/internal/metrics"
)

// Event is one server-sent event.
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	JobID     string          `json:"job_id"`
	Timestamp string          `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// Filter selects events for a subscriber. Empty fields match everything.
type Filter struct {
	JobID string
}

func (f Filter) matches(e Event) bool {
	return f.JobID == "" || f.JobID == e.JobID
}

// Bus provides pub-sub event distribution for SSE subscribers.
// It maintains a ring buffer for replay on reconnect.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[uint64]subscriber
	nextID      uint64
	seq         atomic.Uint64

	ring     []Event
	ringSize int
	ringHead int
	ringMu   sync.RWMutex

	now func() time.Time
}

type subscriber struct {
	ch     chan Event
	filter Filter
}

// NewBus creates an event bus with the given ring buffer size.
func NewBus(ringSize int) *Bus {
	if ringSize <= 0 {
		ringSize = 1024
	}
	return &Bus{
		subscribers: make(map[uint64]subscriber),
		ring:        make([]Event, ringSize),
		ringSize:    ringSize,
		now:         time.Now,
	}
}

// Subscribe registers a new subscriber and returns a channel and cancel function.
func (b *Bus) Subscribe(filter Filter) (<-chan Event, func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	ch := make(chan Event, 64)
	b.subscribers[id] = subscriber{ch: ch, filter: filter}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subscribers, id)
			b.mu.Unlock()
		})
	}
	return ch, cancel
}

// SubscriberCount returns the number of connected subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// ReplaySince returns buffered events after lastEventID, oldest first, and
// whether lastEventID was still in the ring. An evicted id yields no events
// and false, so the caller knows the client missed changes.
func (b *Bus) ReplaySince(lastEventID string, filter Filter) ([]Event, bool) {
	b.ringMu.RLock()
	defer b.ringMu.RUnlock()

	var out []Event
	found := lastEventID == ""

	for i := 0; i < b.ringSize; i++ {
		idx := (b.ringHead + i) % b.ringSize
		e := b.ring[idx]
		if e.ID == "" {
			continue
		}
		if !found {
			if e.ID == lastEventID {
				found = true
			}
			continue
		}
		if filter.matches(e) {
			out = append(out, e)
		}
	}
	return out, found
}

// Publish sends an event to all matching subscribers and adds it to the ring buffer.
func (b *Bus) Publish(typ, jobID string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}

	now := b.now()
	seq := b.seq.Add(1)
	event := Event{
		ID:        fmt.Sprintf("%d-%d", now.UnixMilli(), seq),
		Type:      typ,
		JobID:     jobID,
		Timestamp: now.UTC().Format(time.RFC3339),
		Data:      data,
	}

	b.ringMu.Lock()
	b.ring[b.ringHead] = event
	b.ringHead = (b.ringHead + 1) % b.ringSize
	b.ringMu.Unlock()

	b.mu.RLock()
	for _, sub := range b.subscribers {
		if sub.filter.matches(event) {
			select {
			case sub.ch <- event:
			default:
				// Drop if subscriber is slow
			}
		}
	}
	b.mu.RUnlock()
	metrics.SSEEventsPublishedTotal.Inc()
}

// JobChanged publishes a job snapshot. It has the signature of
// jobs.ChangeFunc so it can be registered with Registry.OnChange.
func (b *Bus) JobChanged(j jobs.Job) {
	b.Publish("job_"+string(j.Status), j.ID, j)
}
