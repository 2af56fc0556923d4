// Package shutdown implements graceful shutdown: a single watcher that
// records T0 on SIGINT, exposes shutdown-starts/shutdown-ends contexts
// listeners race their work against, and force-exits the process once the
// grace period elapses. Kept as its own package so the two checkpoints can
// be shared; in this core cmd/edgen-infer waits on both, and the settings
// file watcher stops when ShutdownEnds is done.
package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/edgenai/edgen-infer/internal/log"
)

// Watcher tracks the shutdown sequence's two checkpoints.
type Watcher struct {
	grace time.Duration

	mu sync.Mutex
	t0 time.Time

	startCtx    context.Context
	startCancel context.CancelFunc

	endCtx    context.Context
	endCancel context.CancelFunc

	forceExit func(code int)
}

// New constructs a Watcher with the given grace period (defaulting to
// 30s, sourced from Settings.ShutdownGrace). It does not start listening
// until Start is called.
func New(grace time.Duration) *Watcher {
	if grace <= 0 {
		grace = 30 * time.Second
	}
	startCtx, startCancel := context.WithCancel(context.Background())
	endCtx, endCancel := context.WithCancel(context.Background())
	return &Watcher{
		grace:       grace,
		startCtx:    startCtx,
		startCancel: startCancel,
		endCtx:      endCtx,
		endCancel:   endCancel,
		forceExit:   func(code int) { os.Exit(code) },
	}
}

// ShutdownStarts returns a context that is done once T0 has occurred.
func (w *Watcher) ShutdownStarts() context.Context { return w.startCtx }

// ShutdownEnds returns a context that is done once T0+grace has elapsed.
func (w *Watcher) ShutdownEnds() context.Context { return w.endCtx }

// Start begins listening for SIGINT (and SIGTERM, the usual container
// equivalent) in a background goroutine. Calling Trigger directly (e.g.
// from a test, or an admin action) has the same effect as receiving the
// signal.
func (w *Watcher) Start(ctx context.Context) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case <-ctx.Done():
			signal.Stop(sigCh)
			return
		case <-sigCh:
			w.Trigger()
		}
	}()
}

// Trigger records T0 now (if not already recorded) and schedules the
// grace-period force-exit. Idempotent: a second call is a no-op.
func (w *Watcher) Trigger() {
	w.mu.Lock()
	if !w.t0.IsZero() {
		w.mu.Unlock()
		return
	}
	w.t0 = time.Now()
	w.mu.Unlock()

	logger := log.WithComponent("shutdown")
	logger.Warn().Dur("grace", w.grace).Msg("shutdown initiated")

	w.startCancel()

	go func() {
		timer := time.NewTimer(w.grace)
		defer timer.Stop()
		<-timer.C
		w.endCancel()
		logger.Error().Msg("grace period elapsed, forcing exit")
		w.forceExit(1)
	}()
}

// T0 returns the instant shutdown was triggered, or the zero Time if it
// hasn't been.
func (w *Watcher) T0() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.t0
}
