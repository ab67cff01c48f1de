package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/saylorsolutions/flashbus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var errPending = errors.New("deliveries pending")

// benchmarkEvent carries the time it was posted, so the receiver can measure its lifetime.
type benchmarkEvent struct {
	seq    int
	posted time.Time
}

// latencyRecorder is the benchmark handler.
type latencyRecorder struct {
	mux       sync.Mutex
	fastest   time.Duration
	slowest   time.Duration
	delivered int
	last      time.Time
}

func newLatencyRecorder() *latencyRecorder {
	return &latencyRecorder{fastest: math.MaxInt64}
}

func (r *latencyRecorder) OnEvent(evt flashbus.Event) {
	now := time.Now()
	bench, ok := evt.(benchmarkEvent)
	if !ok {
		return
	}
	delta := now.Sub(bench.posted)
	r.mux.Lock()
	defer r.mux.Unlock()
	r.fastest = min(r.fastest, delta)
	r.slowest = max(r.slowest, delta)
	r.delivered++
	r.last = now
}

func (r *latencyRecorder) count() int {
	r.mux.Lock()
	defer r.mux.Unlock()
	return r.delivered
}

// result summarizes the deliveries recorded since start.
func (r *latencyRecorder) result(runID uuid.UUID, mode flashbus.ThreadMode, posted int, start time.Time, pool flashbus.PoolStats) *Result {
	r.mux.Lock()
	defer r.mux.Unlock()
	res := &Result{
		RunID:     runID,
		Name:      "flashbus",
		Mode:      mode,
		Posted:    posted,
		Delivered: r.delivered,
		Fastest:   r.fastest,
		Slowest:   r.slowest,
		Pool:      pool,
	}
	if r.delivered > 0 {
		res.Total = r.last.Sub(start)
	} else {
		res.Fastest = 0
	}
	return res
}

// Result is the outcome of a benchmark run.
type Result struct {
	RunID     uuid.UUID
	Name      string
	Mode      flashbus.ThreadMode
	Posted    int
	Delivered int
	Fastest   time.Duration
	Slowest   time.Duration
	Total     time.Duration // From the first post until the last delivery.
	Pool      flashbus.PoolStats
}

// Average returns the mean time per delivered event.
func (r *Result) Average() time.Duration {
	if r.Delivered == 0 {
		return 0
	}
	return r.Total / time.Duration(r.Delivered)
}

// Complete reports whether every posted event was delivered.
func (r *Result) Complete() bool {
	return r.Delivered >= r.Posted
}

// runBenchmark posts conf.Events events through a new bus, spread across conf.Producers goroutines,
// and waits until they're all delivered or conf.Timeout elapses.
// An incomplete run is returned along with the error.
func runBenchmark(ctx context.Context, conf *Config, logger *zap.Logger) (*Result, error) {
	mode, err := conf.ThreadMode()
	if err != nil {
		return nil, err
	}
	runID := uuid.New()
	logger = logger.With(zap.Stringer("run_id", runID))

	bus, err := flashbus.New(flashbus.WithLogger(logger), flashbus.PoolPrefill(min(conf.Events, flashbus.DefaultPoolPrefill)))
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if mode == flashbus.Main {
		bus.MainLooper().Start(ctx)
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), time.Second)
		defer closeCancel()
		if err := bus.Close(closeCtx); err != nil {
			logger.Warn("Event bus didn't close cleanly", zap.Error(err))
		}
		if mode == flashbus.Main {
			if err := bus.MainLooper().AwaitQuit(closeCtx); err != nil {
				logger.Warn("Main looper didn't stop cleanly", zap.Error(err))
			}
		}
	}()

	recorder := newLatencyRecorder()
	if err := flashbus.Register(bus, flashbus.TypeOf[benchmarkEvent](), mode, recorder); err != nil {
		return nil, err
	}
	defer flashbus.Unregister(bus, recorder)

	logger.Info("Starting benchmark",
		zap.Int("events", conf.Events),
		zap.Int("producers", conf.Producers),
		zap.Stringer("mode", mode),
	)
	start := time.Now()
	group, groupCtx := errgroup.WithContext(ctx)
	perProducer := conf.Events / conf.Producers
	for p := 0; p < conf.Producers; p++ {
		first := p * perProducer
		last := first + perProducer
		if p == conf.Producers-1 {
			last = conf.Events
		}
		group.Go(func() error {
			for seq := first; seq < last; seq++ {
				if seq%1024 == 0 {
					if err := groupCtx.Err(); err != nil {
						return err
					}
				}
				bus.Post(benchmarkEvent{seq: seq, posted: time.Now()})
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		res := recorder.result(runID, mode, conf.Events, start, bus.Stats().Pool)
		return res, fmt.Errorf("failed to post events, %d of %d delivered: %w", res.Delivered, res.Posted, err)
	}
	logger.Debug("All events posted", zap.Duration("elapsed", time.Since(start)))

	_, waitErr := backoff.Retry(ctx, func() (int, error) {
		if err := ctx.Err(); err != nil {
			return 0, backoff.Permanent(err)
		}
		delivered := recorder.count()
		if delivered < conf.Events {
			return delivered, errPending
		}
		return delivered, nil
	}, backoff.WithBackOff(newWaitBackOff()), backoff.WithMaxElapsedTime(conf.Timeout))

	result := recorder.result(runID, mode, conf.Events, start, bus.Stats().Pool)
	runtime.KeepAlive(recorder)

	if waitErr != nil {
		return result, fmt.Errorf("only %d of %d events delivered: %w", result.Delivered, result.Posted, waitErr)
	}
	logger.Info("Benchmark finished",
		zap.Int("delivered", result.Delivered),
		zap.Duration("total", result.Total),
	)
	return result, nil
}

func newWaitBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Millisecond
	b.MaxInterval = 250 * time.Millisecond
	return b
}
