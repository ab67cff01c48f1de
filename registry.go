package flashbus

import (
	"fmt"
	"sync"

	"github.com/saylorsolutions/flashbus/internal/assert"
)

type slot struct {
	ref  handlerRef
	mode ThreadMode
}

// binding records where a handler is registered, so it can be unregistered without scanning every event type.
type binding struct {
	mode  ThreadMode
	types map[EventType]struct{}
}

// registry maps event types to weakly held handlers.
//
// Handler lists are copy-on-write: a stored []slot is never modified, so readers can iterate a snapshot without locking while writers replace it.
// Anything other than a snapshot read happens while holding mux.
type registry struct {
	mux      sync.Mutex
	entries  sync.Map // EventType -> []slot
	bindings map[any]*binding
	claims   map[any]*binding // Registrations in progress.
}

func newRegistry() *registry {
	return &registry{
		bindings: map[any]*binding{},
		claims:   map[any]*binding{},
	}
}

func (r *registry) snapshot(eventType EventType) []slot {
	val, ok := r.entries.Load(eventType)
	if !ok {
		return nil
	}
	return val.([]slot)
}

// claim reserves the registration of ref for eventType in mode, so that only one of several concurrent callers replays a sticky event.
// It returns false if ref is already registered or claimed for eventType, and an error if ref is bound or claimed in a different mode.
// A successful claim must be followed by release.
func (r *registry) claim(eventType EventType, ref handlerRef, mode ThreadMode) (bool, error) {
	if eventType == nil || ref == nil || ref.handler() == nil {
		return false, ErrInvalidArgument
	}
	key := ref.key()

	r.mux.Lock()
	defer r.mux.Unlock()
	if b, ok := r.bindings[key]; ok {
		if b.mode != mode {
			return false, conflict(b.mode, mode)
		}
		if _, registered := b.types[eventType]; registered {
			return false, nil
		}
	}
	c, ok := r.claims[key]
	if !ok {
		c = &binding{mode: mode, types: map[EventType]struct{}{}}
		r.claims[key] = c
	} else {
		if c.mode != mode {
			return false, conflict(c.mode, mode)
		}
		if _, claimed := c.types[eventType]; claimed {
			return false, nil
		}
	}
	c.types[eventType] = struct{}{}
	return true, nil
}

// release drops a claim made with claim.
func (r *registry) release(eventType EventType, key any) {
	r.mux.Lock()
	defer r.mux.Unlock()
	c, ok := r.claims[key]
	if !ok {
		return
	}
	delete(c.types, eventType)
	if len(c.types) == 0 {
		delete(r.claims, key)
	}
}

func conflict(bound, requested ThreadMode) error {
	return fmt.Errorf("%w: bound to %s, requested %s", ErrConflictingRegistration, bound, requested)
}

// register appends ref to the handler list for eventType.
// Registering the same handler again in the same mode does nothing and returns false.
func (r *registry) register(eventType EventType, ref handlerRef, mode ThreadMode) (bool, error) {
	if eventType == nil || ref == nil || ref.handler() == nil {
		return false, ErrInvalidArgument
	}
	key := ref.key()

	r.mux.Lock()
	defer r.mux.Unlock()
	b, bound := r.bindings[key]
	if bound && b.mode != mode {
		return false, conflict(b.mode, mode)
	}

	current := r.snapshot(eventType)
	next := make([]slot, 0, len(current)+1)
	var duplicate bool
	for _, s := range current {
		if s.ref.handler() == nil {
			r.forget(s.ref.key(), eventType)
			continue
		}
		if s.ref.key() == key {
			duplicate = true
		}
		next = append(next, s)
	}
	if !duplicate {
		next = append(next, slot{ref: ref, mode: mode})
		if !bound {
			b = &binding{mode: mode, types: map[EventType]struct{}{}}
			r.bindings[key] = b
		}
		b.types[eventType] = struct{}{}
	}
	r.replace(eventType, next)
	assert.TrueFunc("handler appears once per event type", func() bool {
		seen := map[any]bool{}
		for _, s := range next {
			if seen[s.ref.key()] {
				return false
			}
			seen[s.ref.key()] = true
		}
		return true
	})
	return !duplicate, nil
}

// unregister removes every slot of the handler identified by key.
// Unknown keys are ignored.
func (r *registry) unregister(key any) bool {
	if key == nil {
		return false
	}
	r.mux.Lock()
	defer r.mux.Unlock()
	b, ok := r.bindings[key]
	if !ok {
		return false
	}
	delete(r.bindings, key)
	for eventType := range b.types {
		r.rebuild(eventType, key)
	}
	return true
}

// purge drops collected handlers from the list for eventType.
func (r *registry) purge(eventType EventType) {
	r.mux.Lock()
	defer r.mux.Unlock()
	r.rebuild(eventType, nil)
}

// rebuild replaces the list for eventType with one that excludes dead references and the handler identified by drop.
// Must be called with mux held.
func (r *registry) rebuild(eventType EventType, drop any) {
	current := r.snapshot(eventType)
	if len(current) == 0 {
		return
	}
	next := make([]slot, 0, len(current))
	for _, s := range current {
		key := s.ref.key()
		if drop != nil && key == drop {
			continue
		}
		if s.ref.handler() == nil {
			r.forget(key, eventType)
			continue
		}
		next = append(next, s)
	}
	r.replace(eventType, next)
}

// replace stores the list for eventType, deleting the entry when it's empty so lookups for unused types stay cheap.
// Must be called with mux held.
func (r *registry) replace(eventType EventType, slots []slot) {
	if len(slots) == 0 {
		r.entries.Delete(eventType)
		return
	}
	r.entries.Store(eventType, slots)
}

// forget removes eventType from the binding for key, dropping the binding once it covers no types.
// Must be called with mux held.
func (r *registry) forget(key any, eventType EventType) {
	b, ok := r.bindings[key]
	if !ok {
		return
	}
	delete(b.types, eventType)
	if len(b.types) == 0 {
		delete(r.bindings, key)
	}
}

// visit calls fn for each live handler registered for eventType, in registration order.
// Dead references found along the way are purged after the walk.
func (r *registry) visit(eventType EventType, fn func(h Handler, mode ThreadMode)) int {
	var (
		dead      bool
		delivered int
	)
	for _, s := range r.snapshot(eventType) {
		h := s.ref.handler()
		if h == nil {
			dead = true
			continue
		}
		fn(h, s.mode)
		delivered++
	}
	if dead {
		r.purge(eventType)
	}
	return delivered
}

// lookup returns the live handlers for eventType in registration order.
func (r *registry) lookup(eventType EventType) []Handler {
	var handlers []Handler
	r.visit(eventType, func(h Handler, _ ThreadMode) {
		handlers = append(handlers, h)
	})
	return handlers
}

// isRegistered reports whether the handler identified by key is in the list for eventType.
func (r *registry) isRegistered(eventType EventType, key any) bool {
	for _, s := range r.snapshot(eventType) {
		if s.ref.key() == key {
			return s.ref.handler() != nil
		}
	}
	return false
}

// mode returns the execution context that the handler identified by key is bound to.
func (r *registry) mode(key any) (ThreadMode, bool) {
	r.mux.Lock()
	defer r.mux.Unlock()
	b, ok := r.bindings[key]
	if !ok {
		return 0, false
	}
	return b.mode, true
}

// types returns every event type that currently has a handler list.
func (r *registry) types() []EventType {
	var types []EventType
	r.entries.Range(func(key, _ any) bool {
		types = append(types, key.(EventType))
		return true
	})
	return types
}
