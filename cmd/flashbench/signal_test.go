package main

import (
	"context"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestInterruptCtx(t *testing.T) {
	ctx, cancel := interruptCtx(context.Background(), zaptest.NewLogger(t), syscall.SIGUSR1)
	defer cancel()
	require.NoError(t, syscall.Kill(syscall.Getpid(), syscall.SIGUSR1))
	select {
	case <-ctx.Done():
		assert.ErrorIs(t, ctx.Err(), context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Context should be cancelled by the signal")
	}
}

func TestInterruptCtx_Cancel(t *testing.T) {
	ctx, cancel := interruptCtx(context.Background(), zaptest.NewLogger(t))
	cancel()
	<-ctx.Done()
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
}
