package flashbus

import (
	"context"
	"fmt"
	"reflect"
	"runtime"
	"sync"
	"sync/atomic"
	"weak"

	"go.uber.org/zap"
)

// ThreadMode selects the execution context a handler receives events on.
type ThreadMode int

const (
	Main       ThreadMode = iota // Main deliveries run on the main executor, which the application drives.
	Background                   // Background deliveries run on a goroutine owned by the bus.
)

func (m ThreadMode) String() string {
	switch m {
	case Main:
		return "main"
	case Background:
		return "background"
	default:
		return fmt.Sprintf("ThreadMode(%d)", int(m))
	}
}

func (m ThreadMode) valid() bool {
	return m == Main || m == Background
}

var (
	defaultBus *EventBus
	initOnce   sync.Once
)

// Default returns a process-wide [EventBus], creating it with default settings on first use.
// Its background goroutine lives for the rest of the process, and its main [Looper] must be driven by the application.
func Default() *EventBus {
	initOnce.Do(func() {
		defaultBus = MustNew()
	})
	return defaultBus
}

// EventBus delivers posted events to weakly held handlers on their chosen execution context.
//
// Handlers are held by weak reference, so a handler that's no longer referenced anywhere else stops receiving events once it's garbage collected.
// Calling [Unregister] is still the way to stop deliveries deterministically.
type EventBus struct {
	registry *registry
	pool     *deliveryPool
	guard    *consumerGuard
	logger   *zap.Logger
	queues   [2]*dispatchQueue
	sticky   sync.Map // EventType -> Event

	mainLooper     *Looper
	bgLooper       *Looper
	ownsBackground bool
	closed         atomic.Bool
}

// New creates an [EventBus].
// Unless replaced with [WithBackgroundExecutor], a background [Looper] is started and runs until [EventBus.Close].
func New(opts ...Option) (*EventBus, error) {
	conf := busConf{
		poolPrefill: DefaultPoolPrefill,
	}
	for _, opt := range opts {
		if err := opt(&conf); err != nil {
			return nil, err
		}
	}
	if conf.logger == nil {
		conf.logger = zap.NewNop()
	}
	logger := conf.logger.Named("flashbus")

	b := &EventBus{
		registry: newRegistry(),
		pool:     newDeliveryPool(conf.poolPrefill),
		guard:    &consumerGuard{logger: logger, onError: conf.errorHandler},
		logger:   logger,
	}
	if conf.main == nil {
		b.mainLooper = NewLooper("main")
		conf.main = b.mainLooper
	}
	if conf.background == nil {
		b.bgLooper = NewLooper("background").Start(context.Background())
		b.ownsBackground = true
		conf.background = b.bgLooper
	}
	b.queues[Main] = newDispatchQueue(Main, conf.main, b.pool, b.guard, logger)
	b.queues[Background] = newDispatchQueue(Background, conf.background, b.pool, b.guard, logger)
	return b, nil
}

// MustNew is like [New], but panics if an [Option] is invalid.
func MustNew(opts ...Option) *EventBus {
	b, err := New(opts...)
	if err != nil {
		panic(err)
	}
	return b
}

// MainLooper returns the [Looper] for [Main] deliveries, or nil if one was provided with [WithMainExecutor].
// The application must drive it with [Looper.Run], [Looper.Start], or [Looper.RunPending].
func (b *EventBus) MainLooper() *Looper {
	return b.mainLooper
}

// BackgroundLooper returns the [Looper] for [Background] deliveries, or nil if one was provided with [WithBackgroundExecutor].
func (b *EventBus) BackgroundLooper() *Looper {
	return b.bgLooper
}

// Register adds handler to the handlers for eventType, delivering on the execution context selected by mode.
//
// A nil eventType or handler is ignored, and registering the same handler for the same type again does nothing.
// A handler can only be bound to one execution context at a time, so registering it with a different mode
// while it's still registered returns [ErrConflictingRegistration]. An unknown mode returns [ErrInvalidMode].
//
// Handlers are identified by address, so H must not be zero-sized: every pointer to a zero-sized value may share one address.
// Registering a zero-sized handler type returns [ErrInvalidArgument].
// Handlers in package-level variables are accepted, but they're never collected.
//
// If a sticky event is stored for eventType, it's delivered to handler synchronously on the calling goroutine
// before handler is added to the live handlers, so that call never sees the same sticky event twice.
// When the same handler is registered for the same type from several goroutines at once, only one of them replays.
//
// The bus only holds handler weakly.
// This is a function rather than a method because the weak reference needs the handler's concrete type.
func Register[H any, P HandlerPtr[H]](b *EventBus, eventType EventType, mode ThreadMode, handler P) error {
	if eventType == nil || (*H)(handler) == nil {
		return nil
	}
	if !mode.valid() {
		return fmt.Errorf("%w: %d", ErrInvalidMode, int(mode))
	}
	if zeroSized[H]() {
		return fmt.Errorf("%w: zero-sized handler type %s", ErrInvalidArgument, reflect.TypeFor[H]())
	}
	err := b.register(eventType, mode, makeRef[H, P](handler))
	// The weak reference must not be cleared before registration completes.
	runtime.KeepAlive(handler)
	return err
}

func (b *EventBus) register(eventType EventType, mode ThreadMode, ref handlerRef) error {
	claimed, err := b.registry.claim(eventType, ref, mode)
	if err != nil {
		return err
	}
	if claimed {
		defer b.registry.release(eventType, ref.key())
		if sticky, ok := b.sticky.Load(eventType); ok {
			b.guard.call(sticky, ref.handler())
		}
	}
	added, err := b.registry.register(eventType, ref, mode)
	if err != nil {
		return err
	}
	if added {
		b.logger.Debug("Handler registered",
			zap.Stringer("event_type", eventType),
			zap.Stringer("mode", mode),
		)
	}
	return nil
}

// Unregister removes handler from every event type it's registered for.
// Unregistering a handler that isn't registered does nothing.
func Unregister[H any, P HandlerPtr[H]](b *EventBus, handler P) {
	ptr := (*H)(handler)
	if ptr == nil || zeroSized[H]() {
		return
	}
	if b.registry.unregister(weak.Make(ptr)) {
		b.logger.Debug("Handler unregistered", zap.String("handler", fmt.Sprintf("%T", handler)))
	}
}

// IsRegistered reports whether handler is currently registered for eventType.
func IsRegistered[H any, P HandlerPtr[H]](b *EventBus, eventType EventType, handler P) bool {
	ptr := (*H)(handler)
	if ptr == nil || eventType == nil || zeroSized[H]() {
		return false
	}
	return b.registry.isRegistered(eventType, weak.Make(ptr))
}

// BoundMode returns the execution context that handler is bound to, if it's registered.
func BoundMode[H any, P HandlerPtr[H]](b *EventBus, handler P) (ThreadMode, bool) {
	ptr := (*H)(handler)
	if ptr == nil || zeroSized[H]() {
		return 0, false
	}
	return b.registry.mode(weak.Make(ptr))
}

// Post delivers evt to every live handler registered for its exact type, each on its own execution context.
// Post returns once the deliveries are queued. A nil event, or an event without handlers, is ignored.
//
// Handlers on the same execution context receive events in registration order, and each handler receives events in the order they were posted from a single goroutine.
func (b *EventBus) Post(evt Event) {
	if evt == nil {
		return
	}
	if b.closed.Load() {
		b.logger.Debug("Event posted to closed bus", zap.Stringer("event_type", TypeOfEvent(evt)))
		return
	}
	b.registry.visit(TypeOfEvent(evt), func(h Handler, mode ThreadMode) {
		b.queues[mode].enqueue(evt, h)
	})
}

// PostSticky stores evt as the sticky event for its type, replacing any previous one, and then posts it.
// The bus keeps a strong reference to evt until [EventBus.RemoveSticky] is called for its type.
func (b *EventBus) PostSticky(evt Event) {
	if evt == nil {
		return
	}
	b.sticky.Store(TypeOfEvent(evt), evt)
	b.Post(evt)
}

// GetSticky returns the sticky event stored for eventType, or nil if there isn't one.
func (b *EventBus) GetSticky(eventType EventType) Event {
	if eventType == nil {
		return nil
	}
	evt, ok := b.sticky.Load(eventType)
	if !ok {
		return nil
	}
	return evt
}

// RemoveSticky removes the sticky event stored for eventType, if any.
func (b *EventBus) RemoveSticky(eventType EventType) {
	if eventType == nil {
		return
	}
	b.sticky.Delete(eventType)
}

// Sticky is a typed version of [EventBus.GetSticky].
func Sticky[E any](b *EventBus) (E, bool) {
	evt, ok := b.GetSticky(TypeOf[E]()).(E)
	return evt, ok
}

// Stats is a point-in-time view of an [EventBus].
type Stats struct {
	Pool              PoolStats
	MainPending       int // Deliveries queued for the main executor.
	BackgroundPending int // Deliveries queued for the background executor.
	EventTypes        int // Event types with at least one live handler.
	Handlers          int // Live registrations across every event type. Collected handlers are purged while counting.
}

// Stats returns counters useful for benchmarking and diagnostics.
func (b *EventBus) Stats() Stats {
	stats := Stats{
		Pool:              b.pool.stats(),
		MainPending:       b.queues[Main].pending(),
		BackgroundPending: b.queues[Background].pending(),
	}
	for _, eventType := range b.registry.types() {
		if live := len(b.registry.lookup(eventType)); live > 0 {
			stats.EventTypes++
			stats.Handlers += live
		}
	}
	return stats
}

// Close stops accepting posts and waits for the bus-owned background [Looper] to run what's already queued, or for ctx to be done.
// Executors provided with options are left running. The main [Looper] is driven by the application, so it's left to the application to stop it.
//
// This is safe to call multiple times.
func (b *EventBus) Close(ctx context.Context) error {
	if b.closed.CompareAndSwap(false, true) {
		b.logger.Debug("Closing event bus")
	}
	if !b.ownsBackground {
		return nil
	}
	return b.bgLooper.AwaitQuit(ctx)
}
