package flashbus

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/sync/errgroup"
)

const (
	testShutdownTimeout = time.Second
	testAwaitTimeout    = 2 * time.Second
	testPollInterval    = 5 * time.Millisecond
)

type testEvent struct {
	id int
}

type testEventWithData struct {
	data string
}

func TestDefault(t *testing.T) {
	bus := Default()
	require.NotNil(t, bus)
	assert.Same(t, bus, Default(), "Default should always return the same bus")
	assert.NotNil(t, bus.MainLooper())
	assert.NotNil(t, bus.BackgroundLooper())
}

func TestNew_InvalidOptions(t *testing.T) {
	_, err := New(PoolPrefill(-1))
	assert.Error(t, err)
	_, err = New(WithLogger(nil))
	assert.Error(t, err)
	_, err = New(WithMainExecutor(nil))
	assert.Error(t, err)
	_, err = New(WithBackgroundExecutor(nil))
	assert.Error(t, err)
	_, err = New(WithErrorHandler(nil))
	assert.Error(t, err)
	assert.Panics(t, func() {
		MustNew(PoolPrefill(-1))
	})
}

func TestRegister_NilArguments(t *testing.T) {
	bus := testBus(t)
	var nilHandler *recorder
	assert.NoError(t, Register(bus, nil, Main, new(recorder)))
	assert.NoError(t, Register(bus, TypeOf[testEvent](), Main, nilHandler))
	assert.Empty(t, bus.registry.types(), "Nothing should have been registered")

	assert.NotPanics(t, func() {
		Unregister(bus, nilHandler)
		bus.Post(nil)
		bus.PostSticky(nil)
		bus.RemoveSticky(nil)
	})
	assert.Nil(t, bus.GetSticky(nil))
	assert.False(t, IsRegistered(bus, nil, new(recorder)))
}

func TestRegister_InvalidMode(t *testing.T) {
	bus := testBus(t)
	err := Register(bus, TypeOf[testEvent](), ThreadMode(5), new(recorder))
	assert.ErrorIs(t, err, ErrInvalidMode)
}

func TestEventBus_Post(t *testing.T) {
	bus := testBus(t)
	handler := new(recorder)
	require.NoError(t, Register(bus, TypeOf[testEvent](), Main, handler))
	assert.True(t, IsRegistered(bus, TypeOf[testEvent](), handler))

	bus.Post(testEvent{id: 1})
	assert.Empty(t, handler.received(), "Main deliveries should wait for the main looper")
	bus.MainLooper().RunPending()
	assert.Equal(t, []Event{testEvent{id: 1}}, handler.received())
}

func TestEventBus_Post_DuplicateRegistration(t *testing.T) {
	bus := testBus(t)
	handler := new(recorder)
	require.NoError(t, Register(bus, TypeOf[testEvent](), Main, handler))
	require.NoError(t, Register(bus, TypeOf[testEvent](), Main, handler))

	bus.Post(testEvent{})
	bus.MainLooper().RunPending()
	assert.Len(t, handler.received(), 1, "Handler should only be registered once")
}

func TestRegister_ConflictingMode(t *testing.T) {
	bus := testBus(t)
	handler := new(recorder)
	require.NoError(t, Register(bus, TypeOf[testEvent](), Main, handler))

	err := Register(bus, TypeOf[testEvent](), Background, handler)
	assert.ErrorIs(t, err, ErrConflictingRegistration)
	err = Register(bus, TypeOf[testEventWithData](), Background, handler)
	assert.ErrorIs(t, err, ErrConflictingRegistration, "A handler is bound to one context for all event types")

	mode, ok := BoundMode(bus, handler)
	assert.True(t, ok)
	assert.Equal(t, Main, mode)

	Unregister(bus, handler)
	_, ok = BoundMode(bus, handler)
	assert.False(t, ok)
	assert.NoError(t, Register(bus, TypeOf[testEvent](), Background, handler), "Handler can move once unregistered")
}

func TestEventBus_Post_ExactType(t *testing.T) {
	bus := testBus(t)
	handler := new(recorder)
	dataHandler := new(recorder)
	require.NoError(t, Register(bus, TypeOf[testEvent](), Main, handler))
	require.NoError(t, Register(bus, TypeOf[testEventWithData](), Main, dataHandler))

	bus.Post(testEventWithData{data: "test"})
	bus.Post(&testEvent{id: 2})
	bus.MainLooper().RunPending()
	assert.Empty(t, handler.received(), "Neither a different type nor a pointer type should match")
	assert.Equal(t, []Event{testEventWithData{data: "test"}}, dataHandler.received())
}

func TestEventBus_Post_RegistrationOrder(t *testing.T) {
	bus := testBus(t)
	var (
		mux   sync.Mutex
		order []string
	)
	record := func(name string) *Func[testEvent] {
		return NewFunc(func(testEvent) {
			mux.Lock()
			defer mux.Unlock()
			order = append(order, name)
		})
	}
	first, second, third := record("first"), record("second"), record("third")
	for _, h := range []*Func[testEvent]{first, second, third} {
		require.NoError(t, Register(bus, TypeOf[testEvent](), Main, h))
	}
	bus.Post(testEvent{})
	bus.MainLooper().RunPending()
	assert.Equal(t, []string{"first", "second", "third"}, order)
	runtime.KeepAlive(first)
	runtime.KeepAlive(second)
	runtime.KeepAlive(third)
}

func TestEventBus_Post_GarbageCollectedHandler(t *testing.T) {
	bus := testBus(t)
	var count atomic.Int32
	registerTransient(t, bus, &count)
	require.Len(t, bus.registry.snapshot(TypeOf[testEvent]()), 1)

	require.Eventually(t, func() bool {
		runtime.GC()
		return len(bus.registry.lookup(TypeOf[testEvent]())) == 0
	}, testAwaitTimeout, testPollInterval, "Handler should be collected since nothing references it")

	bus.Post(testEvent{})
	bus.MainLooper().RunPending()
	assert.Equal(t, int32(0), count.Load())
	assert.Empty(t, bus.registry.snapshot(TypeOf[testEvent]()), "Dead slot should be purged")
	bus.registry.mux.Lock()
	defer bus.registry.mux.Unlock()
	assert.Empty(t, bus.registry.bindings, "Reverse index should be purged along with the slot")
}

func TestUnregister(t *testing.T) {
	bus := testBus(t)
	handler := new(recorder)
	require.NoError(t, Register(bus, TypeOf[testEvent](), Main, handler))
	require.NoError(t, Register(bus, TypeOf[testEventWithData](), Main, handler))
	Unregister(bus, handler)
	Unregister(bus, handler)
	Unregister(bus, new(recorder))

	bus.Post(testEvent{})
	bus.Post(testEventWithData{})
	bus.MainLooper().RunPending()
	assert.Empty(t, handler.received())
	assert.False(t, IsRegistered(bus, TypeOf[testEvent](), handler))
	assert.Empty(t, bus.registry.types(), "Empty handler lists should be removed")
}

func TestEventBus_Sticky(t *testing.T) {
	bus := testBus(t)
	assert.Nil(t, bus.GetSticky(TypeOf[testEvent]()))

	bus.PostSticky(testEvent{id: 1})
	assert.Equal(t, testEvent{id: 1}, bus.GetSticky(TypeOf[testEvent]()))
	bus.PostSticky(testEvent{id: 2})
	evt, ok := Sticky[testEvent](bus)
	assert.True(t, ok)
	assert.Equal(t, testEvent{id: 2}, evt, "Sticky event should be overwritten")

	bus.RemoveSticky(TypeOf[testEvent]())
	assert.Nil(t, bus.GetSticky(TypeOf[testEvent]()))
	_, ok = Sticky[testEvent](bus)
	assert.False(t, ok)
}

func TestEventBus_PostSticky_Registered(t *testing.T) {
	bus := testBus(t)
	handler := new(recorder)
	require.NoError(t, Register(bus, TypeOf[testEvent](), Main, handler))
	bus.PostSticky(testEvent{id: 3})
	bus.MainLooper().RunPending()
	assert.Equal(t, []Event{testEvent{id: 3}}, handler.received())
	assert.NotNil(t, bus.GetSticky(TypeOf[testEvent]()))
}

func TestRegister_StickyReplay(t *testing.T) {
	bus := testBus(t)
	bus.PostSticky(testEvent{id: 4})
	handler := new(recorder)
	require.NoError(t, Register(bus, TypeOf[testEvent](), Main, handler))
	assert.Equal(t, []Event{testEvent{id: 4}}, handler.received(), "Sticky event should be delivered synchronously")

	require.NoError(t, Register(bus, TypeOf[testEvent](), Main, handler))
	assert.Len(t, handler.received(), 1, "Duplicate registration should not replay")
	assert.Zero(t, bus.MainLooper().RunPending(), "Replay should not be queued")

	bus.Post(testEvent{id: 5})
	bus.MainLooper().RunPending()
	assert.Equal(t, []Event{testEvent{id: 4}, testEvent{id: 5}}, handler.received(), "Handler should still receive live events")
}

func TestRegister_StickyReplayPanics(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	bus := testBus(t, WithLogger(zap.New(core)))
	bus.PostSticky(testEvent{})
	handler := &panicker{}
	assert.NotPanics(t, func() {
		require.NoError(t, Register(bus, TypeOf[testEvent](), Main, handler))
	})
	assert.Equal(t, 1, logs.FilterMessage("Error dispatching event").Len())
	assert.True(t, IsRegistered(bus, TypeOf[testEvent](), handler), "Handler should be registered even if the replay panics")
}

func TestEventBus_Post_PanickingHandler(t *testing.T) {
	var (
		core, logs = observer.New(zap.ErrorLevel)
		reported   []*ConsumerError
	)
	bus := testBus(t, WithLogger(zap.New(core)), WithErrorHandler(func(err *ConsumerError) {
		reported = append(reported, err)
	}))
	bad := &panicker{err: errors.New("boom")}
	good := new(recorder)
	require.NoError(t, Register(bus, TypeOf[testEvent](), Main, bad))
	require.NoError(t, Register(bus, TypeOf[testEvent](), Main, good))

	assert.NotPanics(t, func() {
		bus.Post(testEvent{id: 1})
		bus.Post(testEvent{id: 2})
		bus.MainLooper().RunPending()
	})
	assert.Equal(t, []Event{testEvent{id: 1}, testEvent{id: 2}}, good.received(), "Panicking handler should not block others")
	assert.Equal(t, 2, logs.FilterMessage("Error dispatching event").Len())
	require.Len(t, reported, 2)
	assert.ErrorIs(t, reported[0], bad.err)
	assert.Equal(t, TypeOf[testEvent](), reported[0].EventType)
	assert.Same(t, bad, reported[0].Handler)
}

func TestEventBus_Post_Background(t *testing.T) {
	bus := testBus(t)
	var (
		inFlight   atomic.Int32
		overlapped atomic.Bool
		count      atomic.Int32
	)
	handler := NewFunc(func(testEvent) {
		if inFlight.Add(1) > 1 {
			overlapped.Store(true)
		}
		count.Add(1)
		inFlight.Add(-1)
	})
	other := NewFunc(func(testEvent) {
		if inFlight.Add(1) > 1 {
			overlapped.Store(true)
		}
		inFlight.Add(-1)
	})
	require.NoError(t, Register(bus, TypeOf[testEvent](), Background, handler))
	require.NoError(t, Register(bus, TypeOf[testEvent](), Background, other))

	for i := 0; i < 100; i++ {
		bus.Post(testEvent{id: i})
	}
	assert.Eventually(t, func() bool {
		return count.Load() == 100
	}, testAwaitTimeout, testPollInterval)
	assert.False(t, overlapped.Load(), "Background handlers should never run concurrently")
	assert.Zero(t, bus.MainLooper().RunPending(), "Nothing should be queued on main")
	runtime.KeepAlive(handler)
	runtime.KeepAlive(other)
}

func TestEventBus_Post_ConcurrentProducers(t *testing.T) {
	const (
		producers = 8
		perWorker = 5000
	)
	bus := testBus(t, WithLogger(zaptest.NewLogger(t)))
	seen := map[int]int{}
	handler := NewFunc(func(evt testEvent) {
		// Only ever called from the background goroutine.
		seen[evt.id]++
	})
	require.NoError(t, Register(bus, TypeOf[testEvent](), Background, handler))

	var group errgroup.Group
	for p := 0; p < producers; p++ {
		group.Go(func() error {
			for i := 0; i < perWorker; i++ {
				bus.Post(testEvent{id: p*perWorker + i})
			}
			return nil
		})
	}
	require.NoError(t, group.Wait())

	ctx, cancel := context.WithTimeout(context.Background(), testShutdownTimeout)
	defer cancel()
	require.NoError(t, bus.Close(ctx))
	assert.Len(t, seen, producers*perWorker, "Every event should be delivered")
	for id, n := range seen {
		if n != 1 {
			t.Errorf("Event %d was delivered %d times", id, n)
		}
	}
	runtime.KeepAlive(handler)
}

func TestEventBus_Post_Reentrant(t *testing.T) {
	bus := testBus(t)
	dataHandler := new(recorder)
	relay := NewFunc(func(evt testEvent) {
		bus.Post(testEventWithData{data: "relayed"})
	})
	require.NoError(t, Register(bus, TypeOf[testEvent](), Main, relay))
	require.NoError(t, Register(bus, TypeOf[testEventWithData](), Main, dataHandler))

	bus.Post(testEvent{})
	bus.MainLooper().RunPending()
	assert.Equal(t, []Event{testEventWithData{data: "relayed"}}, dataHandler.received(), "Events posted while draining should be delivered in the same pass")
	runtime.KeepAlive(relay)
}

func TestEventBus_Close(t *testing.T) {
	bus := MustNew()
	handler := new(recorder)
	require.NoError(t, Register(bus, TypeOf[testEvent](), Background, handler))
	bus.Post(testEvent{id: 1})

	ctx, cancel := context.WithTimeout(context.Background(), testShutdownTimeout)
	defer cancel()
	require.NoError(t, bus.Close(ctx))
	require.NoError(t, bus.Close(ctx), "Close should be safe to call again")
	assert.Equal(t, []Event{testEvent{id: 1}}, handler.received(), "Queued events should be delivered before Close returns")

	bus.Post(testEvent{id: 2})
	assert.Len(t, handler.received(), 1, "Posts after Close should be ignored")
}

func TestEventBus_CustomExecutors(t *testing.T) {
	var ran int
	inline := ExecutorFunc(func(task func()) error {
		ran++
		task()
		return nil
	})
	bus := testBus(t, WithMainExecutor(inline), WithBackgroundExecutor(inline))
	assert.Nil(t, bus.MainLooper())
	assert.Nil(t, bus.BackgroundLooper())

	mainHandler, bgHandler := new(recorder), new(recorder)
	require.NoError(t, Register(bus, TypeOf[testEvent](), Main, mainHandler))
	require.NoError(t, Register(bus, TypeOf[testEvent](), Background, bgHandler))
	bus.Post(testEvent{id: 1})
	assert.Len(t, mainHandler.received(), 1)
	assert.Len(t, bgHandler.received(), 1)
	assert.Equal(t, 2, ran, "One drain should be scheduled per context")
}

func TestEventBus_Stats(t *testing.T) {
	bus := testBus(t, PoolPrefill(10))
	handler := new(recorder)
	require.NoError(t, Register(bus, TypeOf[testEvent](), Main, handler))
	for i := 0; i < 5; i++ {
		bus.Post(testEvent{id: i})
	}
	stats := bus.Stats()
	assert.Equal(t, 5, stats.MainPending)
	assert.Equal(t, 0, stats.BackgroundPending)
	assert.Equal(t, 1, stats.EventTypes)
	assert.Equal(t, 1, stats.Handlers)
	assert.Equal(t, uint64(5), stats.Pool.Obtained)

	bus.MainLooper().RunPending()
	stats = bus.Stats()
	assert.Equal(t, 0, stats.MainPending)
	assert.Equal(t, uint64(5), stats.Pool.Recycled)
	runtime.KeepAlive(handler)
}

func TestEventBus_Stats_Handlers(t *testing.T) {
	bus := testBus(t)
	var count atomic.Int32
	handler, other := new(recorder), new(recorder)
	require.NoError(t, Register(bus, TypeOf[testEvent](), Main, handler))
	require.NoError(t, Register(bus, TypeOf[testEventWithData](), Main, handler))
	require.NoError(t, Register(bus, TypeOf[testEvent](), Background, other))
	registerTransient(t, bus, &count)

	require.Eventually(t, func() bool {
		runtime.GC()
		return bus.Stats().Handlers == 3
	}, testAwaitTimeout, testPollInterval, "Collected handlers should not be counted")
	assert.Equal(t, 2, bus.Stats().EventTypes)
	assert.Len(t, bus.registry.snapshot(TypeOf[testEvent]()), 2, "Counting should purge the collected handler")

	Unregister(bus, handler)
	stats := bus.Stats()
	assert.Equal(t, 1, stats.Handlers)
	assert.Equal(t, 1, stats.EventTypes)
	runtime.KeepAlive(handler)
	runtime.KeepAlive(other)
}

type zeroSizedHandler struct{}

func (zeroSizedHandler) OnEvent(Event) {}

var globalHandler recorder

func TestRegister_ZeroSizedHandler(t *testing.T) {
	bus := testBus(t)
	a, b := &zeroSizedHandler{}, &zeroSizedHandler{}
	err := Register(bus, TypeOf[testEvent](), Main, a)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.ErrorContains(t, err, "zero-sized")
	assert.ErrorIs(t, Register(bus, TypeOf[testEvent](), Background, b), ErrInvalidArgument)
	assert.False(t, IsRegistered(bus, TypeOf[testEvent](), a))
	_, bound := BoundMode(bus, b)
	assert.False(t, bound)
	assert.NotPanics(t, func() {
		Unregister(bus, a)
	})
	assert.Zero(t, bus.Stats().EventTypes)
}

func TestRegister_GlobalHandler(t *testing.T) {
	globalHandler.mux.Lock()
	globalHandler.events = nil
	globalHandler.mux.Unlock()
	bus := testBus(t)
	require.NoError(t, Register(bus, TypeOf[testEvent](), Main, &globalHandler))
	t.Cleanup(func() {
		Unregister(bus, &globalHandler)
	})
	assert.True(t, IsRegistered(bus, TypeOf[testEvent](), &globalHandler))
	mode, bound := BoundMode(bus, &globalHandler)
	assert.True(t, bound)
	assert.Equal(t, Main, mode)

	bus.Post(testEvent{id: 9})
	bus.MainLooper().RunPending()
	assert.Equal(t, []Event{testEvent{id: 9}}, globalHandler.received())
}

func TestRegister_NilBeforeMode(t *testing.T) {
	bus := testBus(t)
	var nilHandler *recorder
	assert.NoError(t, Register(bus, nil, ThreadMode(9), new(recorder)), "Missing event type should be ignored before the mode is checked")
	assert.NoError(t, Register(bus, TypeOf[testEvent](), ThreadMode(9), nilHandler), "Missing handler should be ignored before the mode is checked")
}

func TestRegister_ConcurrentStickyReplay(t *testing.T) {
	const registrants = 16
	bus := testBus(t)
	bus.PostSticky(testEvent{id: 7})
	bus.MainLooper().RunPending()
	handler := new(recorder)

	start := make(chan struct{})
	var group errgroup.Group
	for i := 0; i < registrants; i++ {
		group.Go(func() error {
			<-start
			return Register(bus, TypeOf[testEvent](), Main, handler)
		})
	}
	close(start)
	require.NoError(t, group.Wait())

	assert.Equal(t, []Event{testEvent{id: 7}}, handler.received(), "Sticky event should be replayed exactly once")
	assert.Len(t, bus.registry.snapshot(TypeOf[testEvent]()), 1)
	bus.registry.mux.Lock()
	assert.Empty(t, bus.registry.claims, "Claims should be released")
	bus.registry.mux.Unlock()
	runtime.KeepAlive(handler)
}

func TestThreadMode_String(t *testing.T) {
	assert.Equal(t, "main", Main.String())
	assert.Equal(t, "background", Background.String())
	assert.Equal(t, "ThreadMode(7)", ThreadMode(7).String())
}

var _ Handler = (*recorder)(nil)

type recorder struct {
	mux    sync.Mutex
	events []Event
}

func (r *recorder) OnEvent(evt Event) {
	r.mux.Lock()
	defer r.mux.Unlock()
	r.events = append(r.events, evt)
}

func (r *recorder) received() []Event {
	r.mux.Lock()
	defer r.mux.Unlock()
	if len(r.events) == 0 {
		return nil
	}
	return append([]Event(nil), r.events...)
}

type panicker struct {
	err error
}

func (p *panicker) OnEvent(Event) {
	if p.err != nil {
		panic(p.err)
	}
	panic("unexpected event")
}

type counter struct {
	count *atomic.Int32
	name  string
}

func (c *counter) OnEvent(Event) {
	c.count.Add(1)
}

// registerTransient registers a handler that nothing else references.
//
//go:noinline
func registerTransient(t *testing.T, bus *EventBus, count *atomic.Int32) {
	h := &counter{count: count, name: "transient"}
	require.NoError(t, Register(bus, TypeOf[testEvent](), Main, h))
}

func testBus(t *testing.T, opts ...Option) *EventBus {
	bus, err := New(opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), testShutdownTimeout)
		defer cancel()
		_ = bus.Close(ctx)
	})
	return bus
}
