package queue

import "sync"

const minCapacity = 16

// Queue is a concurrency-safe, unbounded FIFO backed by a growable ring buffer.
// Push never blocks on capacity, it grows the ring instead.
type Queue[T any] struct {
	mux    sync.Mutex
	values []T
	head   int
	size   int
}

// NewQueue creates a [Queue] with an optional initial capacity.
func NewQueue[T any](initialBuffer ...int) *Queue[T] {
	capacity := minCapacity
	if len(initialBuffer) > 0 && initialBuffer[0] > capacity {
		capacity = initialBuffer[0]
	}
	return &Queue[T]{values: make([]T, capacity)}
}

// Len gets the number of queued values.
func (q *Queue[T]) Len() int {
	q.mux.Lock()
	defer q.mux.Unlock()
	return q.size
}

// Push appends val to the tail of the Queue.
func (q *Queue[T]) Push(val T) {
	q.mux.Lock()
	defer q.mux.Unlock()
	if q.values == nil {
		q.values = make([]T, minCapacity)
	}
	if q.size == len(q.values) {
		q.grow()
	}
	q.values[(q.head+q.size)%len(q.values)] = val
	q.size++
}

// Pop removes and returns the head of the Queue.
// False will be returned if the Queue is empty.
func (q *Queue[T]) Pop() (T, bool) {
	q.mux.Lock()
	defer q.mux.Unlock()
	var mt T
	if q.size == 0 {
		return mt, false
	}
	val := q.values[q.head]
	// Zero the slot so the ring doesn't pin popped values.
	q.values[q.head] = mt
	q.head = (q.head + 1) % len(q.values)
	q.size--
	return val, true
}

// Drain pops every queued value in order, passing each to fn.
// Values pushed while draining are included, so Drain returns only when the Queue was observed empty.
func (q *Queue[T]) Drain(fn func(T)) int {
	var n int
	for {
		val, ok := q.Pop()
		if !ok {
			return n
		}
		fn(val)
		n++
	}
}

func (q *Queue[T]) grow() {
	grown := make([]T, len(q.values)*2)
	for i := 0; i < q.size; i++ {
		grown[i] = q.values[(q.head+i)%len(q.values)]
	}
	q.values = grown
	q.head = 0
}
