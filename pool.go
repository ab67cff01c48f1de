package flashbus

import (
	"sync"
	"sync/atomic"
)

// DefaultPoolPrefill is the number of delivery units created up front by [New], unless overridden with [PoolPrefill].
var DefaultPoolPrefill = 1000

// deliveryUnit pairs an event with the handler it's being delivered to while it waits in a dispatch queue.
type deliveryUnit struct {
	event   Event
	handler Handler
}

// PoolStats is a point-in-time view of delivery unit reuse.
type PoolStats struct {
	Obtained  uint64 // Units handed out for a delivery.
	Allocated uint64 // Units created because no free unit was available, including prefill.
	Recycled  uint64 // Units returned after delivery.
}

// deliveryPool amortizes delivery unit allocation at high event rates.
//
// It's backed by a [sync.Pool], which has a lock-free per-P fast path and never blocks.
// The garbage collector trims idle units, so the retained footprint is bounded without a hard cap.
type deliveryPool struct {
	pool      sync.Pool
	obtained  atomic.Uint64
	allocated atomic.Uint64
	recycled  atomic.Uint64
}

func newDeliveryPool(prefill int) *deliveryPool {
	p := new(deliveryPool)
	p.pool.New = func() any {
		p.allocated.Add(1)
		return new(deliveryUnit)
	}
	for i := 0; i < prefill; i++ {
		p.allocated.Add(1)
		p.pool.Put(new(deliveryUnit))
	}
	return p
}

// obtain returns a unit populated with evt and handler.
func (p *deliveryPool) obtain(evt Event, handler Handler) *deliveryUnit {
	unit := p.pool.Get().(*deliveryUnit)
	unit.event = evt
	unit.handler = handler
	p.obtained.Add(1)
	return unit
}

// recycle clears unit so pooled units don't keep events or handlers reachable, and returns it to the pool.
func (p *deliveryPool) recycle(unit *deliveryUnit) {
	if unit == nil {
		return
	}
	unit.event = nil
	unit.handler = nil
	p.recycled.Add(1)
	p.pool.Put(unit)
}

func (p *deliveryPool) stats() PoolStats {
	return PoolStats{
		Obtained:  p.obtained.Load(),
		Allocated: p.allocated.Load(),
		Recycled:  p.recycled.Load(),
	}
}
