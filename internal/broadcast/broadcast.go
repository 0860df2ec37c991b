// Package broadcast is the in-process fan-out channel. Every mutating
// operation publishes exactly one typed event per committed change;
// observers register per entity and receive events synchronously, in
// commit order for any given entity. The hub owns no state beyond the
// subscriber registry; it only relays.
package broadcast

import (
	"log"
	"sync"
	"time"
)

type EventType string

// The closed set of event types. Payload shapes are part of the API
// contract and must stay stable for observers.
const (
	StageMoved     EventType = "stage.moved"
	TaskUpdated    EventType = "task.updated"
	TaskProgress   EventType = "task.progress"
	BriefUpdated   EventType = "brief.updated"
	BriefFrozen    EventType = "brief.frozen"
	SessionUpdated EventType = "session.updated"
)

// Event is the transient broadcast form of a committed mutation. It exists
// only for the duration of the Publish call.
type Event struct {
	Type       EventType      `json:"type"`
	ProjectID  string         `json:"project_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	Payload    map[string]any `json:"payload,omitempty"`
	TS         time.Time      `json:"ts"`
}

// Filter narrows the events an observer receives. Empty fields match
// everything; EntityID set means only events for that entity.
type Filter struct {
	ProjectID string
	EntityID  string
}

func (f Filter) match(evt Event) bool {
	if f.ProjectID != "" && f.ProjectID != evt.ProjectID {
		return false
	}
	if f.EntityID != "" && f.EntityID != evt.EntityID {
		return false
	}
	return true
}

type Handler func(Event)

// Hub fans events out to registered observers. Delivery is synchronous:
// every currently-registered observer is notified before Publish returns.
// A panicking observer is isolated and logged, never surfaced to the
// publisher.
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[Filter]Handler
	logf func(format string, args ...any)
}

func NewHub() *Hub {
	return &Hub{
		subs: make(map[string]map[Filter]Handler),
		logf: log.Printf,
	}
}

// Subscribe registers an observer for events matching the filter.
// Subscribing twice with the same observer id and filter has no
// additional effect.
func (h *Hub) Subscribe(observerID string, f Filter, fn Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	filters, ok := h.subs[observerID]
	if !ok {
		filters = make(map[Filter]Handler)
		h.subs[observerID] = filters
	}
	if _, exists := filters[f]; exists {
		return
	}
	filters[f] = fn
}

// Unsubscribe removes one filter registration. Unknown registrations are
// ignored.
func (h *Hub) Unsubscribe(observerID string, f Filter) {
	h.mu.Lock()
	defer h.mu.Unlock()
	filters, ok := h.subs[observerID]
	if !ok {
		return
	}
	delete(filters, f)
	if len(filters) == 0 {
		delete(h.subs, observerID)
	}
}

// UnsubscribeAll drops every registration for an observer. Used on
// observer teardown (e.g. a websocket disconnect).
func (h *Hub) UnsubscribeAll(observerID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, observerID)
}

// Publish delivers the event to all currently-registered matching
// observers before returning. No buffering, no retry, no persistence.
func (h *Hub) Publish(evt Event) {
	if evt.TS.IsZero() {
		evt.TS = time.Now().UTC()
	}
	h.mu.Lock()
	var handlers []Handler
	for _, filters := range h.subs {
		delivered := false
		for f, fn := range filters {
			// One delivery per observer even when several of its
			// filters match.
			if !delivered && f.match(evt) {
				handlers = append(handlers, fn)
				delivered = true
			}
		}
	}
	h.mu.Unlock()
	for _, fn := range handlers {
		h.deliver(fn, evt)
	}
}

func (h *Hub) deliver(fn Handler, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			h.logf("broadcast: observer panicked on %s: %v", evt.Type, r)
		}
	}()
	fn(evt)
}

// Observers returns the number of registered observers.
func (h *Hub) Observers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
