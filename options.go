package flashbus

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

type busConf struct {
	logger       *zap.Logger
	main         Executor
	background   Executor
	poolPrefill  int
	errorHandler func(*ConsumerError)
}

// Option configures an [EventBus] created with [New].
type Option func(conf *busConf) error

// WithLogger sets the logger used to report handler panics and scheduling problems.
// The bus logs nothing by default.
func WithLogger(logger *zap.Logger) Option {
	return func(conf *busConf) error {
		if logger == nil {
			return errors.New("nil logger")
		}
		conf.logger = logger
		return nil
	}
}

// WithMainExecutor replaces the [Looper] used for [Main] deliveries.
// Use this to deliver on an existing main loop, like a UI thread's task queue.
func WithMainExecutor(executor Executor) Option {
	return func(conf *busConf) error {
		if executor == nil {
			return errors.New("nil main executor")
		}
		conf.main = executor
		return nil
	}
}

// WithBackgroundExecutor replaces the [Looper] that the bus starts for [Background] deliveries.
// The bus won't start or stop a provided executor.
func WithBackgroundExecutor(executor Executor) Option {
	return func(conf *busConf) error {
		if executor == nil {
			return errors.New("nil background executor")
		}
		conf.background = executor
		return nil
	}
}

// PoolPrefill sets how many delivery units are allocated up front.
func PoolPrefill(size int) Option {
	return func(conf *busConf) error {
		if size < 0 {
			return fmt.Errorf("invalid pool prefill size '%d'", size)
		}
		conf.poolPrefill = size
		return nil
	}
}

// WithErrorHandler sets a function that's called with each [ConsumerError].
// It runs on the goroutine that was delivering the event, so it should return quickly.
func WithErrorHandler(handler func(*ConsumerError)) Option {
	return func(conf *busConf) error {
		if handler == nil {
			return errors.New("nil error handler")
		}
		conf.errorHandler = handler
		return nil
	}
}
