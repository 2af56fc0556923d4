// Package signal implements a clonable, reference-counted activity marker
// that fires a callback the moment the ref-count crosses a threshold in
// either direction. Perishable cells use it to know when they have gone
// from "nobody is using this" to "somebody is" and back.
package signal

import "sync"

// Signal is a clonable handle sharing one counter and one pair of
// threshold-crossing callbacks. The zero value is not usable; construct
// with New.
type Signal struct {
	state *state
}

type state struct {
	mu         sync.Mutex
	count      int
	threshold  int
	onActive   func()
	onInactive func()
}

// New constructs a Signal at threshold t (1 is the common case: the first
// clone activates, the last drop deactivates). onActive/onInactive may be
// nil. Callbacks run under the signal's internal lock and must not block:
// they exist to flip timestamps on perishable cells, not to do real work.
func New(t int, onActive, onInactive func()) Signal {
	if t <= 0 {
		t = 1
	}
	return Signal{state: &state{threshold: t, onActive: onActive, onInactive: onInactive}}
}

// Acquire clones the signal, incrementing its ref-count. If the
// pre-increment count equals threshold-1 (so the count reaches the
// threshold), onActive fires before the increment is applied. Returns a Signal whose Release must eventually be
// called exactly once.
func (s Signal) Acquire() Signal {
	s.state.mu.Lock()
	if s.state.count == s.state.threshold-1 {
		fire(s.state.onActive)
	}
	s.state.count++
	s.state.mu.Unlock()
	return Signal{state: s.state}
}

// Release decrements the ref-count. If the resulting count equals
// threshold-1 (i.e. it dropped back below the threshold), onInactive
// fires. Safe to call from a deferred cleanup; calling it more times than
// Acquire was called is a programmer error and is swallowed (count is
// floored at zero) rather than panicking, since signal failures must stay
// advisory.
func (s Signal) Release() {
	s.state.mu.Lock()
	if s.state.count > 0 {
		s.state.count--
	}
	if s.state.count == s.state.threshold-1 {
		fire(s.state.onInactive)
	}
	s.state.mu.Unlock()
}

// Count returns the current ref-count. Intended for tests and diagnostics.
func (s Signal) Count() int {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	return s.state.count
}

// fire invokes cb while swallowing panics, since callback failures must be
// advisory and never take down the holder of the lock.
func fire(cb func()) {
	if cb == nil {
		return
	}
	defer func() { _ = recover() }()
	cb()
}
