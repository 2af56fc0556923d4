// Package request implements the request manager and per-device admission
// queue: Passport/Ticket types, the single-consumer queue driver loop, and
// the policy-driven device picker. The queue driver loop generalizes a
// single-consumer dispatcher from a fixed-priority channel trio to a
// memory-admission FIFO.
package request

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edgenai/edgen-infer/internal/device"
	"github.com/edgenai/edgen-infer/internal/log"
	"github.com/edgenai/edgen-infer/internal/metrics"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Sentinel error kinds, surfaced upward.
var (
	ErrClosed        = errors.New("request: queue closed")
	ErrEnqueue       = errors.New("request: enqueue failed")
	ErrUnfulfillable = errors.New("request: no device has enough total memory")
	ErrNoSuchDevice  = errors.New("request: policy demands a device class that isn't installed")
)

// Class is the request size/urgency classification carried on a Passport.
type Class int

const (
	// ClassFree costs nothing and is never queued.
	ClassFree Class = iota
	// ClassRegular is an ordinary inference request.
	ClassRegular
	// ClassModel is a model-load request, given extra headroom since model
	// loading can transiently overshoot its steady-state footprint.
	ClassModel
)

// Headroom is the per-class over-reservation multiplier applied to a raw
// byte estimate before admission.
type Headroom struct {
	Model   float64
	Regular float64
}

// DefaultHeadroom returns the built-in defaults (1.10 / 1.05).
func DefaultHeadroom() Headroom {
	return Headroom{Model: 1.10, Regular: 1.05}
}

// Passport is a pre-admission description of a request, built by the
// orchestrator before enqueueing.
type Passport struct {
	Class  Class
	Bytes  uint64 // meaningless for ClassFree
	Device device.Device
}

// ticketContent distinguishes a real reservation from a free, unreserved
// ticket.
type ticketContent struct {
	isFree      bool
	reservedMem uint64
	queue       *Queue
}

// Ticket is an owned resource handle proving memory has been reserved for a
// request. The reservation is returned only by an explicit call to Release;
// nothing releases it when the Ticket is garbage collected.
type Ticket struct {
	mu       sync.Mutex
	content  *ticketContent
	consumed bool
	device   device.Device
	logger   zerolog.Logger
}

// Device returns the device this ticket was admitted on.
func (t *Ticket) Device() device.Device { return t.device }

// Consume marks the reservation as "work has started". It does not release
// the reservation; Release still must run afterwards. Calling Consume more
// than once is a no-op.
func (t *Ticket) Consume() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.consumed = true
}

// Release drops the ticket's reservation, decrementing the owning queue's
// transient memory counter and waking any waiter. It is safe to call
// multiple times; only the first call has effect. A reservation released
// without ever being Consumed is logged at warn level: Release itself is
// always safe to call, so the warning is purely diagnostic, not an error.
func (t *Ticket) Release() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.content == nil {
		return
	}
	c := t.content
	t.content = nil

	if !t.consumed {
		t.logger.Warn().Str("device", t.device.String()).Msg("ticket dropped without being consumed")
	}

	if c.isFree {
		return
	}
	c.queue.releaseReservation(c.reservedMem)
}

// Queue is the single-consumer admission queue for one device. A dedicated
// goroutine (the "driver") owns queue state and processes requests strictly
// FIFO; all other access happens through channel sends.
type Queue struct {
	device    device.Device
	reg       *device.Registry
	maxMemory uint64
	transient atomic.Uint64
	headroom  Headroom

	logger zerolog.Logger

	normalCh   chan normalMsg
	registerCh chan ResourceUser
	closeCh    chan struct{}
	closed     chan struct{}

	freeSignal chan struct{} // buffered 1, never closed; a select/default send coalesces pending wake-ups into one

	// evictLimiter paces repeated eviction requests to registered resource
	// users: every retry-loop iteration that still has a deficit would
	// otherwise re-ask every user, which is wasted work when eviction
	// candidates are already being reaped asynchronously by their own TTL
	// sweepers.
	evictLimiter *rate.Limiter

	mu    sync.Mutex
	users []ResourceUser
}

type normalMsg struct {
	required uint64
	done     chan struct{}
	abandon  chan struct{}
}

// ResourceUser is the eviction collaborator interface consumed by the queue
// and implemented by cache owners (model cache, session cache).
type ResourceUser interface {
	// Allocs returns the number of live allocations this user currently
	// holds, used to order eviction candidates by "most to gain from
	// evicting" (descending allocation count).
	Allocs() int
	// RequestMemory asks the user to free at least atLeast bytes (or as
	// much as it reasonably can) and returns the number of bytes it
	// actually freed. The user is never obligated to free anything.
	RequestMemory(atLeast uint64) uint64
}

// NewQueue constructs a queue for one device and starts its driver
// goroutine. maxMemory is the device's total memory as reported at startup.
func NewQueue(d device.Device, reg *device.Registry, maxMemory uint64, headroom Headroom) *Queue {
	q := &Queue{
		device:     d,
		reg:        reg,
		maxMemory:  maxMemory,
		headroom:   headroom,
		logger:     log.WithComponent("queue." + d.String()),
		normalCh:   make(chan normalMsg),
		registerCh: make(chan ResourceUser),
		closeCh:    make(chan struct{}),
		closed:       make(chan struct{}),
		freeSignal:   make(chan struct{}, 1),
		evictLimiter: rate.NewLimiter(rate.Every(200*time.Millisecond), 1),
	}
	go q.run()
	return q
}

// notifyFree wakes the driver loop; called by any Ticket release or by an
// explicit external free signal.
func (q *Queue) notifyFree() {
	select {
	case q.freeSignal <- struct{}{}:
	default:
	}
}

func (q *Queue) releaseReservation(amount uint64) {
	for {
		cur := q.transient.Load()
		next := cur - amount
		if cur < amount {
			next = 0
		}
		if q.transient.CompareAndSwap(cur, next) {
			break
		}
	}
	metrics.TransientMemoryBytes.WithLabelValues(q.device.String()).Set(float64(q.transient.Load()))
	q.notifyFree()
}

// RegisterUser adds a ResourceUser willing to be asked for evictions on
// this device.
func (q *Queue) RegisterUser(u ResourceUser) {
	select {
	case q.registerCh <- u:
	case <-q.closed:
	}
}

// Close terminates the queue's driver goroutine. Enqueue calls made after
// Close return ErrClosed.
func (q *Queue) Close() {
	select {
	case <-q.closed:
		return
	default:
	}
	close(q.closeCh)
	<-q.closed
}

// availableBytes re-samples the device's free memory minus what's already
// reserved by outstanding tickets — never cached across retries.
func (q *Queue) availableBytes() int64 {
	avail := q.reg.Available(q.device)
	return int64(avail) - int64(q.transient.Load())
}

// run is the queue's single-consumer driver loop, adapted from
// fixed-priority channel selection to a memory-fit retry loop.
func (q *Queue) run() {
	defer close(q.closed)

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-q.closeCh:
			return
		case u := <-q.registerCh:
			q.mu.Lock()
			q.users = append(q.users, u)
			q.mu.Unlock()
		case msg := <-q.normalCh:
			q.admit(msg, ticker)
		}
	}
}

// admit runs the retry loop for a single waiter until it fits, is abandoned,
// or the queue is closed.
func (q *Queue) admit(msg normalMsg, ticker *time.Ticker) {
	// Drain any stale free-notification pending from the previous admit.
	select {
	case <-q.freeSignal:
	default:
	}

	start := time.Now()
	metrics.QueueDepth.WithLabelValues(q.device.String()).Inc()
	defer metrics.QueueDepth.WithLabelValues(q.device.String()).Dec()

	for {
		select {
		case <-msg.abandon:
			return
		default:
		}

		available := q.availableBytes()
		if available >= 0 && uint64(available) >= msg.required {
			break
		}

		deficit := msg.required
		if available > 0 {
			deficit -= uint64(available)
		}
		q.tryEvict(deficit)

		select {
		case <-msg.abandon:
			return
		case <-q.freeSignal:
		case <-ticker.C:
		}
	}

	metrics.QueueWaitSeconds.WithLabelValues(q.device.String()).Observe(time.Since(start).Seconds())
	close(msg.done)
}

// tryEvict asks registered resource users, ordered by descending
// allocation count, to free memory until the deficit is covered or every
// user has been asked.
func (q *Queue) tryEvict(deficit uint64) {
	if deficit == 0 {
		return
	}
	if !q.evictLimiter.Allow() {
		return
	}
	q.mu.Lock()
	users := make([]ResourceUser, len(q.users))
	copy(users, q.users)
	q.mu.Unlock()

	sortByDescendingAllocs(users)

	freed := uint64(0)
	for _, u := range users {
		if freed >= deficit {
			break
		}
		freed += u.RequestMemory(deficit - freed)
	}
}

func sortByDescendingAllocs(users []ResourceUser) {
	for i := 1; i < len(users); i++ {
		for j := i; j > 0 && users[j].Allocs() > users[j-1].Allocs(); j-- {
			users[j], users[j-1] = users[j-1], users[j]
		}
	}
}

// Enqueue blocks until required bytes are available on this queue's device,
// then returns a Ticket reserving them. ctx cancellation abandons the wait;
// the queue's own goroutine notices the closed abandon channel and moves on
// to the next waiter.
func (q *Queue) Enqueue(ctx context.Context, required uint64) (*Ticket, error) {
	select {
	case <-q.closed:
		return nil, ErrClosed
	default:
	}

	done := make(chan struct{})
	abandon := make(chan struct{})
	msg := normalMsg{required: required, done: done, abandon: abandon}

	select {
	case q.normalCh <- msg:
	case <-q.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrEnqueue, ctx.Err())
	}

	select {
	case <-done:
	case <-ctx.Done():
		close(abandon)
		return nil, fmt.Errorf("%w: %v", ErrEnqueue, ctx.Err())
	case <-q.closed:
		return nil, ErrClosed
	}

	// transient memory increments after the signal, from the enqueue
	// side, not the driver.
	q.transient.Add(required)
	metrics.TransientMemoryBytes.WithLabelValues(q.device.String()).Set(float64(q.transient.Load()))

	return &Ticket{
		content: &ticketContent{reservedMem: required, queue: q},
		device:  q.device,
		logger:  q.logger,
	}, nil
}
