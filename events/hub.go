// Package events implements the internal typed publish-subscribe registry
// that replaces the source SDK's browser-style EventTarget (spec §9, "Event
// hub replacement"). Subscribers register a callback per event Kind; a
// separate "all" registry receives every event regardless of kind, mirroring
// the source's synthetic "all" fan-out.
package events

import "sync"

// Kind identifies an event type emitted by a Client or Pool.
type Kind string

// Event is the envelope delivered to subscribers. Data is kind-specific and
// documented alongside the emitting component.
type Event struct {
	Kind Kind
	Data any
}

// Handler receives one Event. Handlers must not block — slow handlers should
// hand off to their own goroutine.
type Handler func(Event)

// subscription is the opaque handle wrapped by the Subscription that On/OnAll
// return, used by Off later without requiring comparable Handler values.
type subscription struct {
	kind Kind
	id   uint64
}

// Hub is a concurrency-safe registry of per-kind and "all" subscribers. The
// zero value is not usable; construct with New.
type Hub struct {
	mu       sync.RWMutex
	nextID   uint64
	byKind   map[Kind]map[uint64]Handler
	all      map[uint64]Handler
}

// New creates an empty Hub.
func New() *Hub {
	return &Hub{
		byKind: make(map[Kind]map[uint64]Handler),
		all:    make(map[uint64]Handler),
	}
}

// Subscription is returned by On/OnAll and passed to Off to remove a handler.
type Subscription struct {
	sub subscription
}

// On registers handler for events of kind. Returns a Subscription usable with
// Off.
func (h *Hub) On(kind Kind, handler Handler) Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	id := h.nextID
	if h.byKind[kind] == nil {
		h.byKind[kind] = make(map[uint64]Handler)
	}
	h.byKind[kind][id] = handler
	return Subscription{sub: subscription{kind: kind, id: id}}
}

// OnAll registers handler for every event published on this Hub, regardless
// of kind, mirroring the source SDK's synthetic "all" event.
func (h *Hub) OnAll(handler Handler) Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	id := h.nextID
	h.all[id] = handler
	return Subscription{sub: subscription{kind: "", id: id}}
}

// Off removes a previously registered subscription. Safe to call twice; the
// second call is a no-op.
func (h *Hub) Off(s Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s.sub.kind == "" {
		delete(h.all, s.sub.id)
		return
	}
	if m, ok := h.byKind[s.sub.kind]; ok {
		delete(m, s.sub.id)
	}
}

// Emit delivers ev to every kind-matched subscriber and every "all"
// subscriber. Handlers are invoked synchronously on the calling goroutine;
// registration order is not guaranteed (map iteration). Emit may be called
// from several goroutines at once, so callers needing strict ordering must
// serialize their own Emit calls.
func (h *Hub) Emit(ev Event) {
	h.mu.RLock()
	kindHandlers := make([]Handler, 0, len(h.byKind[ev.Kind]))
	for _, fn := range h.byKind[ev.Kind] {
		kindHandlers = append(kindHandlers, fn)
	}
	allHandlers := make([]Handler, 0, len(h.all))
	for _, fn := range h.all {
		allHandlers = append(allHandlers, fn)
	}
	h.mu.RUnlock()

	for _, fn := range kindHandlers {
		fn(ev)
	}
	for _, fn := range allHandlers {
		fn(ev)
	}
}

// Clear removes every subscriber. Used by Destroy paths.
func (h *Hub) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.byKind = make(map[Kind]map[uint64]Handler)
	h.all = make(map[uint64]Handler)
}
