package events

import (
	"slices"
	"sync"
	"sync/atomic"

	"grimm.is/fwguard/internal/clock"
)

type subscription struct {
	ch    chan Event
	types []EventType // empty means every type
}

func (s *subscription) wants(t EventType) bool {
	return len(s.types) == 0 || slices.Contains(s.types, t)
}

// Hub fans events out to subscriber channels. A subscriber that is not
// keeping up loses events rather than stalling the publisher. Hub is a
// Sink, so the engine can report straight into it.
type Hub struct {
	mu   sync.RWMutex
	subs []*subscription

	published atomic.Uint64
	dropped   atomic.Uint64
}

func NewHub() *Hub {
	return &Hub{}
}

// Publish delivers e to every subscriber of its type, stamping it first
// if it carries no time.
func (h *Hub) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = clock.Now()
	}
	h.published.Add(1)

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.subs {
		if !s.wants(e.Type) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			h.dropped.Add(1)
		}
	}
}

// Subscribe registers a buffered channel for the given types, or for all
// events when none are given.
func (h *Hub) Subscribe(buffer int, types ...EventType) <-chan Event {
	if buffer <= 0 {
		buffer = 256
	}
	s := &subscription{ch: make(chan Event, buffer), types: types}

	h.mu.Lock()
	h.subs = append(h.subs, s)
	h.mu.Unlock()
	return s.ch
}

// Unsubscribe stops delivery to ch. The channel is left open.
func (h *Hub) Unsubscribe(ch <-chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subs = slices.DeleteFunc(h.subs, func(s *subscription) bool {
		return (<-chan Event)(s.ch) == ch
	})
}

// Stats returns how many events were published and how many deliveries
// were dropped on full subscriber buffers.
func (h *Hub) Stats() (published, dropped uint64) {
	return h.published.Load(), h.dropped.Load()
}

func (h *Hub) NotifyActivity(d ActivityData) {
	h.Publish(Event{Type: EventActivity, Source: "correlator", Data: d})
}

func (h *Hub) NotifyChange(d RuleChangeData) {
	h.Publish(Event{Type: EventRuleChange, Source: "guard", Data: d})
}

func (h *Hub) NotifyUpdate(d UpdateData) {
	h.Publish(Event{Type: EventUpdate, Source: "engine", Data: d})
}
