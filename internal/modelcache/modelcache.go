// Package modelcache implements a per-path map of perishable.Cell[Model],
// with a cleanup sweeper that prunes bookkeeping entries once their cell
// has already died, and a Reset that clears everything on a settings
// change. Generic over the loaded model type so one implementation serves
// the LLM, Whisper, and diffusion model caches alike.
package modelcache

import (
	"context"
	"sync"
	"time"

	"github.com/edgenai/edgen-infer/internal/log"
	"github.com/edgenai/edgen-infer/internal/perishable"
	"github.com/rs/zerolog"
)

// Cache is a map from model file path to a lazily-loaded, TTL-reaped Model.
type Cache[T any] struct {
	name string // "llm" | "whisper" | ... — used for metric/log labels
	ttl  time.Duration

	mu      sync.Mutex
	entries map[string]*perishable.Cell[T]

	logger zerolog.Logger

	cleanupCancel context.CancelFunc
	cleanupDone   chan struct{}
}

// New constructs a model cache whose entries perish after ttl of
// inactivity, and starts the bookkeeping sweeper on the given interval.
func New[T any](name string, ttl, cleanupInterval time.Duration) *Cache[T] {
	c := &Cache[T]{
		name:    name,
		ttl:     ttl,
		entries: make(map[string]*perishable.Cell[T]),
		logger:  log.WithComponent("modelcache." + name),
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cleanupCancel = cancel
	c.cleanupDone = make(chan struct{})
	go c.sweep(ctx, cleanupInterval)

	return c
}

// Get returns the cell for path, inserting an empty one if absent. Callers
// then call GetOrInit on the returned cell with a backend-specific loader.
func (c *Cache[T]) Get(path string) *perishable.Cell[T] {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cell, ok := c.entries[path]; ok {
		return cell
	}

	cell := perishable.New[T](c.name + ":" + path)
	cell.WithTTL(context.Background(), c.ttl)
	c.entries[path] = cell
	return cell
}

// Allocs implements request.ResourceUser: the number of cache entries
// currently holding a live value.
func (c *Cache[T]) Allocs() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, cell := range c.entries {
		if cell.IsAlive() {
			n++
		}
	}
	return n
}

// RequestMemory implements request.ResourceUser: kills live entries in map
// iteration order (no recency ordering is kept, so which entries go first
// is not defined) until enough is freed or every entry has been asked,
// reporting an optimistic estimate of bytes freed. The cache doesn't track
// per-entry byte sizes directly, so it reports one "unit" of memory freed
// per killed entry and lets the queue's retry loop re-sample real
// available bytes afterward.
func (c *Cache[T]) RequestMemory(atLeast uint64) uint64 {
	c.mu.Lock()
	cells := make([]*perishable.Cell[T], 0, len(c.entries))
	for _, cell := range c.entries {
		if cell.IsAlive() {
			cells = append(cells, cell)
		}
	}
	c.mu.Unlock()

	freed := uint64(0)
	for _, cell := range cells {
		if freed >= atLeast {
			break
		}
		cell.Kill()
		freed++
	}
	return freed
}

// Reset clears the entire map, used when Settings change. Entries whose
// cells are still alive are killed first so in-flight pins still observe
// a clean perish rather than a silently orphaned cell.
func (c *Cache[T]) Reset() {
	c.mu.Lock()
	old := c.entries
	c.entries = make(map[string]*perishable.Cell[T])
	c.mu.Unlock()

	for _, cell := range old {
		cell.Stop()
		cell.Kill()
	}
}

// sweep periodically drops map entries whose cell has already perished —
// pure bookkeeping, since the value itself is already gone.
func (c *Cache[T]) sweep(ctx context.Context, interval time.Duration) {
	defer close(c.cleanupDone)
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			for path, cell := range c.entries {
				if !cell.IsAlive() {
					delete(c.entries, path)
				}
			}
			c.mu.Unlock()
		}
	}
}

// Stop tears down the cleanup sweeper goroutine.
func (c *Cache[T]) Stop() {
	c.cleanupCancel()
	<-c.cleanupDone
}
