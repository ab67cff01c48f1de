package flashbus

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/saylorsolutions/flashbus/internal/queue"
)

// Executor is a single-threaded execution context.
// Execute must run each task exactly once, in submission order relative to other tasks given to the same Executor, and never run two tasks at the same time.
// Execute should not block waiting for the task to run.
type Executor interface {
	Execute(task func()) error
}

// ExecutorFunc adapts a function to the [Executor] interface.
type ExecutorFunc func(task func()) error

func (f ExecutorFunc) Execute(task func()) error {
	return f(task)
}

// Looper is an [Executor] that queues tasks and runs them on whichever goroutine drives it.
//
// A Looper can be driven in three ways:
//   - [Looper.Run] blocks the calling goroutine, which becomes the looper's thread until the context is done or [Looper.Quit] is called.
//   - [Looper.Start] does the same on a new goroutine.
//   - [Looper.RunPending] runs whatever is queued right now and returns, which suits frame-based main loops and tests.
//
// Only one goroutine may drive a Looper at a time.
type Looper struct {
	name    string
	tasks   *queue.Queue[func()]
	wake    chan struct{}
	quit    chan struct{}
	doQuit  sync.Once
	done    chan struct{}
	doDone  sync.Once
	running atomic.Bool

	mux    sync.Mutex // Guards closed, so a task is never queued after the final drain.
	closed bool
}

// NewLooper creates an idle [Looper].
// The name is only used for logging.
func NewLooper(name string) *Looper {
	return &Looper{
		name:  name,
		tasks: queue.NewQueue[func()](),
		wake:  make(chan struct{}, 1),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// Name returns the name given to [NewLooper].
func (l *Looper) Name() string {
	return l.name
}

// Execute queues task to run on the looper's thread.
// It never blocks, and returns [ErrClosed] once [Looper.Quit] has been called.
func (l *Looper) Execute(task func()) error {
	if task == nil {
		return ErrInvalidArgument
	}
	l.mux.Lock()
	if l.closed {
		l.mux.Unlock()
		return ErrClosed
	}
	l.tasks.Push(task)
	l.mux.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
		// A wake-up is already pending.
	}
	return nil
}

// Pending returns the number of queued tasks.
func (l *Looper) Pending() int {
	return l.tasks.Len()
}

// RunPending runs queued tasks on the calling goroutine until the queue is empty, returning how many ran.
// Tasks queued by running tasks are included.
func (l *Looper) RunPending() int {
	if !l.running.CompareAndSwap(false, true) {
		panic("looper '" + l.name + "' is already being driven by another goroutine")
	}
	defer l.running.Store(false)
	return l.tasks.Drain(func(task func()) {
		task()
	})
}

// Run drives the [Looper] on the calling goroutine until ctx is done or [Looper.Quit] is called.
// Tasks queued before Quit are run before Run returns.
// A Looper can't be restarted once Run has returned.
func (l *Looper) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	defer func() {
		l.Quit()
		l.RunPending()
		l.doDone.Do(func() {
			close(l.done)
		})
	}()
	for {
		l.RunPending()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.quit:
			return nil
		case <-l.wake:
		}
	}
}

// Start drives the [Looper] on a new goroutine.
func (l *Looper) Start(ctx context.Context) *Looper {
	go func() {
		_ = l.Run(ctx)
	}()
	return l
}

// Quit stops accepting new tasks and signals [Looper.Run] to return after running what's already queued.
// This is safe to call multiple times from multiple goroutines.
func (l *Looper) Quit() {
	l.doQuit.Do(func() {
		l.mux.Lock()
		l.closed = true
		l.mux.Unlock()
		close(l.quit)
	})
}

// Done returns a channel that's closed once [Looper.Run] has returned.
func (l *Looper) Done() <-chan struct{} {
	return l.done
}

// AwaitQuit calls [Looper.Quit] and waits for the driving goroutine to finish, or for ctx to be done.
func (l *Looper) AwaitQuit(ctx context.Context) error {
	l.Quit()
	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
