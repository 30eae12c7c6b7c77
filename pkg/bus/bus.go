// Package bus fans relay activity out to observers: the SSE endpoint
// and anything else that wants a live feed of exchanges, approvals, and
// scheduler fires.
package bus

import (
	"encoding/json"
	"sync"
	"time"
)

// Event types for the relay activity stream.
const (
	EventExchange  = "exchange"  // completed prompt/reply pair
	EventApproval  = "approval"  // sender approval lifecycle
	EventScheduler = "scheduler" // reminder or cron fire
	EventError     = "error"     // delivery or backend failure
)

// Event is one entry on the activity stream. Content is kept to
// metadata; message bodies never leave the daemon through the bus.
type Event struct {
	Type       string `json:"type"`
	Sender     string `json:"sender,omitempty"`
	Detail     string `json:"detail,omitempty"`
	CostMicros int64  `json:"cost_micros,omitempty"`
	TS         string `json:"ts"`
}

// MarshalEvent serializes an event to JSON, stamping it if needed.
func (e Event) MarshalEvent() []byte {
	if e.TS == "" {
		e.TS = time.Now().UTC().Format(time.RFC3339)
	}
	b, _ := json.Marshal(e)
	return b
}

type subscriber struct {
	ch   chan Event
	done chan struct{}
}

// Bus broadcasts events to all subscribers. Thread-safe; subscribers
// that fall behind miss events rather than blocking the daemon.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[*subscriber]struct{}

	recentMu  sync.RWMutex
	recent    []Event
	maxRecent int
}

// New creates an event bus keeping the last 200 events for new
// subscribers to hydrate from.
func New() *Bus {
	return &Bus{
		subscribers: make(map[*subscriber]struct{}),
		maxRecent:   200,
	}
}

// Publish sends an event to every subscriber without blocking.
func (b *Bus) Publish(e Event) {
	if e.TS == "" {
		e.TS = time.Now().UTC().Format(time.RFC3339)
	}

	b.recentMu.Lock()
	b.recent = append(b.recent, e)
	if len(b.recent) > b.maxRecent {
		b.recent = b.recent[len(b.recent)-b.maxRecent:]
	}
	b.recentMu.Unlock()

	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subscribers {
		select {
		case sub.ch <- e:
		default:
			// too slow, catches up via Recent
		}
	}
}

// Subscribe registers a new subscriber. The caller must Unsubscribe
// with the returned done channel.
func (b *Bus) Subscribe() (<-chan Event, chan struct{}) {
	sub := &subscriber{
		ch:   make(chan Event, 64),
		done: make(chan struct{}),
	}
	b.mu.Lock()
	b.subscribers[sub] = struct{}{}
	b.mu.Unlock()
	return sub.ch, sub.done
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(done chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subscribers {
		if sub.done == done {
			close(sub.ch)
			delete(b.subscribers, sub)
			return
		}
	}
}

// Recent returns up to n of the most recent events, oldest first.
func (b *Bus) Recent(n int) []Event {
	b.recentMu.RLock()
	defer b.recentMu.RUnlock()
	if n <= 0 || n > len(b.recent) {
		n = len(b.recent)
	}
	out := make([]Event, n)
	copy(out, b.recent[len(b.recent)-n:])
	return out
}

// SubscriberCount returns the number of live subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
