package main

import (
	"context"
	"os"
	"os/signal"

	"go.uber.org/zap"
)

// interruptCtx returns a context that's cancelled on the first of signals, so a run can stop waiting and still report.
// A second signal exits immediately.
func interruptCtx(parent context.Context, logger *zap.Logger, signals ...os.Signal) (context.Context, context.CancelFunc) {
	if len(signals) == 0 {
		signals = []os.Signal{os.Interrupt}
	}
	ctx, cancel := context.WithCancel(parent)
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, signals...)
	go func() {
		defer signal.Stop(sigs)
		select {
		case sig := <-sigs:
			logger.Warn("Interrupted, stopping benchmark", zap.Stringer("signal", sig))
			cancel()
		case <-ctx.Done():
			return
		}
		select {
		case <-sigs:
			logger.Error("Interrupted again, exiting")
			_ = logger.Sync()
			os.Exit(1)
		case <-parent.Done():
		}
	}()
	return ctx, cancel
}
