package flashbus

import (
	"reflect"
	"weak"
)

// Event is any value posted to the [EventBus].
// Events are matched to handlers by their exact dynamic type, so a *Foo is a different event than a Foo,
// and handlers registered for an interface type never receive anything.
//
// Events should be treated as read-only once posted, since the same value is shared by every handler.
type Event any

// EventType identifies the exact dynamic type of an [Event].
type EventType = reflect.Type

// TypeOf returns the [EventType] for events of type E.
func TypeOf[E any]() EventType {
	return reflect.TypeFor[E]()
}

// TypeOfEvent returns the [EventType] of evt, or nil if evt is nil.
func TypeOfEvent(evt Event) EventType {
	if evt == nil {
		return nil
	}
	return reflect.TypeOf(evt)
}

// Handler receives events that it has been registered for.
// OnEvent is called on the execution context the handler was registered with.
type Handler interface {
	OnEvent(evt Event)
}

// HandlerPtr constrains a pointer to H that implements [Handler].
// Handlers are registered by pointer so the bus can hold them weakly.
// H must have a non-zero size, since the pointer's address is the handler's identity.
type HandlerPtr[H any] interface {
	*H
	Handler
}

// Func adapts a function to the [Handler] interface for a single event type.
// Events that are not an E are ignored.
//
// The bus only holds a weak reference to a Func, so the caller must keep the pointer returned by [NewFunc] reachable for as long as it wants deliveries.
type Func[E any] struct {
	fn func(E)
}

// NewFunc creates a [Func] handler calling fn with each delivered E.
func NewFunc[E any](fn func(E)) *Func[E] {
	if fn == nil {
		panic("nil handler function")
	}
	return &Func[E]{fn: fn}
}

func (f *Func[E]) OnEvent(evt Event) {
	val, ok := evt.(E)
	if !ok {
		return
	}
	f.fn(val)
}

// handlerRef is a type-erased weak reference to a registered handler.
type handlerRef interface {
	// handler returns the referenced handler, or nil once it has been collected.
	handler() Handler
	// key identifies the handler. Keys made from the same pointer compare equal.
	key() any
}

type weakRef[H any, P HandlerPtr[H]] struct {
	ptr weak.Pointer[H]
}

// zeroSized reports whether values of H take no memory, in which case distinct pointers to them may be equal.
func zeroSized[H any]() bool {
	return reflect.TypeFor[H]().Size() == 0
}

func makeRef[H any, P HandlerPtr[H]](handler P) weakRef[H, P] {
	return weakRef[H, P]{ptr: weak.Make((*H)(handler))}
}

func (r weakRef[H, P]) handler() Handler {
	ptr := r.ptr.Value()
	if ptr == nil {
		return nil
	}
	return P(ptr)
}

func (r weakRef[H, P]) key() any {
	return r.ptr
}
