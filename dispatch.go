package flashbus

import (
	"fmt"
	"sync/atomic"

	"github.com/saylorsolutions/flashbus/internal/assert"
	"github.com/saylorsolutions/flashbus/internal/queue"
	"go.uber.org/zap"
)

// consumerGuard invokes handlers, isolating the caller from handler panics.
type consumerGuard struct {
	logger  *zap.Logger
	onError func(*ConsumerError)
}

// call delivers evt to h, returning false if h panicked.
// The panic is logged and reported, never propagated.
func (g *consumerGuard) call(evt Event, h Handler) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			g.report(&ConsumerError{
				EventType: TypeOfEvent(evt),
				Handler:   h,
				Recovered: r,
			})
		}
	}()
	h.OnEvent(evt)
	return true
}

func (g *consumerGuard) report(err *ConsumerError) {
	g.logger.Error("Error dispatching event",
		zap.Stringer("event_type", err.EventType),
		zap.String("handler", fmt.Sprintf("%T", err.Handler)),
		zap.Any("panic", err.Recovered),
	)
	if g.onError != nil {
		g.onError(err)
	}
}

// dispatchQueue delivers queued units on one [Executor], in enqueue order.
//
// At most one drain task is scheduled or running at any time: producers claim the active flag with a compare-and-set, and only the winner schedules a drain.
// The drain clears the flag once the queue is empty and re-checks for units that arrived in between, so nothing is left stranded.
type dispatchQueue struct {
	mode     ThreadMode
	executor Executor
	pool     *deliveryPool
	guard    *consumerGuard
	logger   *zap.Logger
	units    *queue.Queue[*deliveryUnit]
	active   atomic.Bool

	drainTask   func()
	deliverTask func(*deliveryUnit)
}

func newDispatchQueue(mode ThreadMode, executor Executor, pool *deliveryPool, guard *consumerGuard, logger *zap.Logger) *dispatchQueue {
	q := &dispatchQueue{
		mode:     mode,
		executor: executor,
		pool:     pool,
		guard:    guard,
		logger:   logger,
		units:    queue.NewQueue[*deliveryUnit](),
	}
	// Cached so scheduling and draining don't allocate method values per event.
	q.drainTask = q.drain
	q.deliverTask = q.deliver
	return q
}

// enqueue queues one delivery of evt to handler and makes sure a drain is scheduled.
func (q *dispatchQueue) enqueue(evt Event, handler Handler) {
	q.units.Push(q.pool.obtain(evt, handler))
	q.schedule()
}

func (q *dispatchQueue) schedule() {
	if !q.active.CompareAndSwap(false, true) {
		// The in-flight drain will see the new unit before it releases the flag.
		return
	}
	if err := q.executor.Execute(q.drainTask); err != nil {
		q.logger.Warn("Unable to schedule event delivery, discarding queued events",
			zap.Stringer("mode", q.mode),
			zap.Error(err),
		)
		dropped := q.units.Drain(q.pool.recycle)
		q.active.Store(false)
		q.logger.Debug("Discarded undeliverable events",
			zap.Stringer("mode", q.mode),
			zap.Int("count", dropped),
		)
	}
}

// drain runs on the executor.
func (q *dispatchQueue) drain() {
	assert.True("drain holds the active flag", q.active.Load())
	for {
		q.units.Drain(q.deliverTask)
		q.active.Store(false)
		// A producer may have pushed after the queue was observed empty but before the flag was cleared.
		// Either it won the flag and scheduled its own drain, or we reclaim it here and keep going.
		if q.units.Len() == 0 || !q.active.CompareAndSwap(false, true) {
			return
		}
	}
}

func (q *dispatchQueue) deliver(unit *deliveryUnit) {
	q.guard.call(unit.event, unit.handler)
	q.pool.recycle(unit)
}

// pending returns the number of queued deliveries.
func (q *dispatchQueue) pending() int {
	return q.units.Len()
}
