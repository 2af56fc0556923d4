// Package perishable implements a lazily-initialized, TTL-reaped,
// reference-pinned container for a single heavy value. It reuses the
// TTL-janitor idiom of a background goroutine on a ticker rather than
// inventing a new eviction mechanism, generalized with Go generics.
package perishable

import (
	"context"
	"sync"
	"time"

	"github.com/edgenai/edgen-infer/internal/log"
	"github.com/edgenai/edgen-infer/internal/metrics"
	"github.com/edgenai/edgen-infer/internal/signal"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// Cell is a lazily-initialized value that perishes after ttl of inactivity
// with no outstanding pins. T must be safe to share across goroutines once
// constructed; the cell itself guards all access.
type Cell[T any] struct {
	name string // used as the "cache" label on metrics.PerishableEvents

	mu           sync.RWMutex
	current      *T
	lastAccessed time.Time

	active signal.Signal // threshold-1 active signal pinning this cell

	ttl        time.Duration
	onPerishMu sync.Mutex
	onPerish   func()

	group singleflight.Group

	cancel context.CancelFunc
	done   chan struct{}

	logger zerolog.Logger
}

// New constructs a cell with no watcher; the cell never perishes until
// WithTTL is called or Kill is invoked explicitly.
func New[T any](name string) *Cell[T] {
	c := &Cell[T]{
		name:         name,
		lastAccessed: time.Now(),
		logger:       log.WithComponent("perishable." + name),
	}
	// The active signal's callbacks simply refresh last-accessed whenever a
	// pin is taken or dropped, an advisory, non-blocking role.
	c.active = signal.New(1, func() {
		c.mu.Lock()
		c.lastAccessed = time.Now()
		c.mu.Unlock()
	}, func() {
		c.mu.Lock()
		c.lastAccessed = time.Now()
		c.mu.Unlock()
	})
	return c
}

// WithTTL spawns a background watcher: it wakes at last_accessed+ttl (at
// once if that is already past and not yet checked, every 5s while a
// checked past-due timestamp stays unchanged), and if the cell is unpinned and the
// timestamp hasn't advanced since the last check, reaps the value and fires
// onPerish. Calling WithTTL more than once replaces the previous watcher.
func (c *Cell[T]) WithTTL(ctx context.Context, ttl time.Duration) *Cell[T] {
	if c.cancel != nil {
		c.cancel()
		<-c.done
	}

	watchCtx, cancel := context.WithCancel(ctx)
	c.ttl = ttl
	c.cancel = cancel
	c.done = make(chan struct{})

	go c.watch(watchCtx)
	return c
}

func (c *Cell[T]) watch(ctx context.Context) {
	defer close(c.done)

	const fallback = 5 * time.Second
	var checked time.Time
	for {
		c.mu.RLock()
		last := c.lastAccessed
		ttl := c.ttl
		c.mu.RUnlock()

		wait := time.Until(last.Add(ttl))
		if wait <= 0 {
			wait = 0
			if last.Equal(checked) {
				wait = fallback
			}
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		checked = last
		c.tryPerish(last)
	}
}

// tryPerish reaps the value if it is still unpinned and lastAccessed has not
// advanced since the watcher last observed it (i.e. nobody touched the cell
// in the meantime).
func (c *Cell[T]) tryPerish(observedLast time.Time) {
	// Read the pin count before taking c.mu: the active signal's callbacks
	// take c.mu while holding the signal's own lock, so the two locks must
	// never be taken in the opposite order here. A pin taken after this read
	// advances lastAccessed, which the check below still catches.
	pinned := c.active.Count() > 0
	c.mu.Lock()
	if pinned || c.current == nil || !c.lastAccessed.Equal(observedLast) {
		c.mu.Unlock()
		return
	}
	c.current = nil
	c.mu.Unlock()

	metrics.PerishableEvents.WithLabelValues(c.name, "perish").Inc()
	c.logger.Debug().Msg("perishable expired")
	c.firePerish()
}

// IsAlive reports whether the cell currently holds a value.
func (c *Cell[T]) IsAlive() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current != nil
}

// Kill forcibly drops the value (regardless of pins or TTL) and fires
// onPerish. Used by resource users asked to free memory under admission
// pressure and by cache resets on settings change.
func (c *Cell[T]) Kill() {
	c.mu.Lock()
	hadValue := c.current != nil
	c.current = nil
	c.mu.Unlock()

	if hadValue {
		metrics.PerishableEvents.WithLabelValues(c.name, "kill").Inc()
		c.firePerish()
	}
}

// SetOnPerish installs (or, with nil, clears) the perish callback.
func (c *Cell[T]) SetOnPerish(cb func()) {
	c.onPerishMu.Lock()
	c.onPerish = cb
	c.onPerishMu.Unlock()
}

func (c *Cell[T]) firePerish() {
	c.onPerishMu.Lock()
	cb := c.onPerish
	c.onPerishMu.Unlock()
	if cb != nil {
		cb()
	}
}

// Guard is a pinned handle to a cell's value. Holding a Guard keeps the
// cell's active signal above its threshold, which forbids reaping. Release
// must be called exactly once.
type Guard[T any] struct {
	value  *T
	active signal.Signal
}

// Value returns the pinned value.
func (g Guard[T]) Value() *T { return g.value }

// Release unpins the value. The underlying cell may perish once every
// outstanding guard has been released and ttl elapses with no further
// access.
func (g Guard[T]) Release() {
	g.active.Release()
}

// GetOrInit returns a pinned read-style guard to the cell's value,
// constructing it via ctor if absent. At most one concurrent constructor
// invocation runs per cell: readers racing on a miss are coalesced through
// singleflight. The cell's lock is not held while ctor runs; the write-lock
// is taken only to install the constructed value.
//
// Cancel-safety: if ctx is canceled before the value is installed, no state
// changes beyond the singleflight call already in-flight are observed by
// this call; a concurrent caller that started the construction still
// completes it and other waiters receive that result.
func (c *Cell[T]) GetOrInit(ctx context.Context, ctor func(context.Context) (T, error)) (Guard[T], error) {
	c.mu.Lock()
	if c.current != nil {
		v := c.current
		c.mu.Unlock()
		active := c.active.Acquire()
		metrics.PerishableEvents.WithLabelValues(c.name, "hit").Inc()
		return Guard[T]{value: v, active: active}, nil
	}
	c.mu.Unlock()

	metrics.PerishableEvents.WithLabelValues(c.name, "miss").Inc()

	type result struct {
		v T
	}
	r, err, _ := c.group.Do(c.name, func() (interface{}, error) {
		c.mu.RLock()
		already := c.current
		c.mu.RUnlock()
		if already != nil {
			return result{v: *already}, nil
		}

		v, err := ctor(ctx)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		c.current = &v
		c.lastAccessed = time.Now()
		c.mu.Unlock()

		return result{v: v}, nil
	})
	if err != nil {
		return Guard[T]{}, err
	}

	active := c.active.Acquire()

	c.mu.RLock()
	v := c.current
	c.mu.RUnlock()

	if v == nil {
		// The constructing goroutine's value already perished by the time we
		// got here (pathological TTL race); fall back to the value we
		// observed from singleflight so the caller still gets something
		// coherent.
		res := r.(result)
		vv := res.v
		v = &vv
	}

	return Guard[T]{value: v, active: active}, nil
}

// MustGetOrInit is GetOrInit for constructors that cannot fail.
func (c *Cell[T]) MustGetOrInit(ctx context.Context, ctor func(context.Context) T) Guard[T] {
	g, _ := c.GetOrInit(ctx, func(ctx context.Context) (T, error) {
		return ctor(ctx), nil
	})
	return g
}

// Stop tears down the background watcher, if any. Safe to call multiple
// times.
func (c *Cell[T]) Stop() {
	if c.cancel != nil {
		c.cancel()
		<-c.done
	}
}
