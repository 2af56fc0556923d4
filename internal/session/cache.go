package session

import (
	"context"
	"sync"
	"time"

	"github.com/edgenai/edgen-infer/internal/backend"
	"github.com/edgenai/edgen-infer/internal/log"
	"github.com/edgenai/edgen-infer/internal/metrics"
	"github.com/edgenai/edgen-infer/internal/perishable"
	"github.com/rs/zerolog"
)

// Session pairs a backend session with the SessionId reflecting exactly
// the bytes that have been fed into it so far.
type Session struct {
	Backend backend.LlmSession
	ID      *ID
}

type finishedMsg struct {
	key  Key
	cell *Cell
}

// Cell is the perishable container for one cached Session.
type Cell = perishable.Cell[*Session]

func newCell(name string) *Cell {
	return perishable.New[*Session](name)
}

// Cache is the per-model session cache: a map from SessionId to a
// perishable Session, fed by a finished channel that a single sweeper
// goroutine drains to perform map insertion — the same single-writer-owns-
// the-map shape used for admission bookkeeping elsewhere in this module.
type Cache struct {
	name string
	ttl  time.Duration

	mu      sync.Mutex
	entries map[Key]*Cell

	finishedCh chan finishedMsg

	logger zerolog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a session cache for one model, with entries perishing
// after ttl of inactivity (default 2min).
func New(name string, ttl time.Duration) *Cache {
	c := &Cache{
		name:       name,
		ttl:        ttl,
		entries:    make(map[Key]*Cell),
		finishedCh: make(chan finishedMsg, 64),
		logger:     log.WithComponent("session.cache." + name),
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.drainFinished(ctx)
	return c
}

// Lookup finds a cached session cell by its current id key — the hit path.
func (c *Cache) Lookup(k Key) (*Cell, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cell, ok := c.entries[k]
	return cell, ok
}

// NewCell allocates a fresh, empty perishable cell for a miss. The caller
// is responsible for populating it via GetOrInit and eventually Returning
// it so the sweeper can insert it under its final key (the key may not be
// known until the session has been advanced).
func (c *Cache) NewCell() *Cell {
	cell := newCell(c.name)
	cell.WithTTL(context.Background(), c.ttl)
	return cell
}

// Return sends (key, cell) through the finished channel for the sweeper to
// insert. Duplicate keys (two concurrent chats converging on the same
// prefix) resolve with the second insertion winning; the earlier session is
// dropped via its Perishable.
func (c *Cache) Return(k Key, cell *Cell) {
	select {
	case c.finishedCh <- finishedMsg{key: k, cell: cell}:
	default:
		// Channel full under extreme concurrency: insert synchronously
		// rather than drop the session outright.
		c.insert(k, cell)
	}
}

func (c *Cache) drainFinished(ctx context.Context) {
	defer close(c.done)
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-c.finishedCh:
			c.insert(msg.key, msg.cell)
		}
	}
}

func (c *Cache) insert(k Key, cell *Cell) {
	c.mu.Lock()
	old, existed := c.entries[k]
	c.entries[k] = cell
	c.mu.Unlock()

	if existed && old != cell {
		old.Stop()
		old.Kill()
		c.logger.Debug().Msg("duplicate session id, dropping earlier session")
	}
}

// Allocs implements request.ResourceUser.
func (c *Cache) Allocs() int {
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

// RequestMemory implements request.ResourceUser: evicts live sessions
// (least-recently-used first is approximated by map iteration order, since
// Go maps carry no ordering guarantee; the queue's retry loop re-samples
// real availability regardless, so an imperfect LRU approximation is safe).
func (c *Cache) RequestMemory(atLeast uint64) uint64 {
	c.mu.Lock()
	cells := make([]*Cell, 0, len(c.entries))
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

// Reset clears every cached session, used when settings change.
func (c *Cache) Reset() {
	c.mu.Lock()
	old := c.entries
	c.entries = make(map[Key]*Cell)
	c.mu.Unlock()

	for _, cell := range old {
		cell.Stop()
		cell.Kill()
	}
}

// Stop tears down the background drain goroutine.
func (c *Cache) Stop() {
	c.cancel()
	<-c.done
}

// RecordPrefixOutcome increments the session prefix match metric.
func RecordPrefixOutcome(outcome string) {
	metrics.PerishableEvents.WithLabelValues("session", outcome).Inc()
	metrics.SessionPrefixMatch.WithLabelValues(outcome).Inc()
}
