// Flashbench posts a burst of events through a flashbus event bus and reports delivery latency.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"

	flag "github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/term"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	conf, err := loadConfig(args)
	if err != nil {
		return err
	}
	logger, err := conf.Logger()
	if err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	ctx, cancel := interruptCtx(context.Background(), logger, os.Interrupt, syscall.SIGTERM)
	defer cancel()
	res, runErr := runBenchmark(ctx, conf, logger)
	if res != nil {
		styled := !conf.NoColor && term.IsTerminal(int(os.Stdout.Fd()))
		if err := writeReport(os.Stdout, res, styled); err != nil {
			logger.Error("Failed to write report", zap.Error(err))
		}
	}
	return runErr
}
