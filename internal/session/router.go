package session

import (
	"context"

	"github.com/edgenai/edgen-infer/internal/backend"
	"github.com/edgenai/edgen-infer/internal/perishable"
)

// Constructor builds a fresh backend session, used when routing misses the
// cache entirely.
type Constructor func(ctx context.Context) (backend.LlmSession, error)

// Routed is the result of routing one chat prompt to a session.
type Routed struct {
	Guard      perishable.Guard[*Session]
	Cell       *Cell
	Key        Key
	NewContext []byte
	Fresh      bool // true if no marker structure was found: routed fresh, with a warning
}

// Route implements the prefix-routing algorithm for chat prompts.
//
// On a cache hit, the returned session already has oldContext fed into it;
// only NewContext needs to be advanced. On a miss, the freshly-allocated
// session has nothing fed into it yet, so Route feeds oldContext itself
// during construction — otherwise the session's SessionId would claim to
// reflect oldContext's bytes without the backend ever having seen them,
// breaking the invariant that the hash always equals the bytes actually
// fed. NewContext is returned unfed in both cases, for the caller to
// advance. This is an explicit resolution of an implementation detail left
// open; see DESIGN.md.
func Route(ctx context.Context, cache *Cache, prompt string, ctor Constructor) (*Routed, error) {
	oldContext, newContext, fresh := Split(prompt)

	if fresh {
		cell := cache.NewCell()
		guard, err := cell.GetOrInit(ctx, func(ctx context.Context) (*Session, error) {
			backendSession, err := ctor(ctx)
			if err != nil {
				return nil, err
			}
			return &Session{Backend: backendSession, ID: NewID()}, nil
		})
		if err != nil {
			return nil, err
		}
		RecordPrefixOutcome("fresh_no_marker")
		return &Routed{Guard: guard, Cell: cell, NewContext: []byte(newContext), Fresh: true}, nil
	}

	id := NewID()
	id.Hash([]byte(oldContext))
	k := id.Key()

	cell, hit := cache.Lookup(k)
	if !hit {
		cell = cache.NewCell()
	}

	needsFullFeed := !hit
	guard, err := cell.GetOrInit(ctx, func(ctx context.Context) (*Session, error) {
		backendSession, err := ctor(ctx)
		if err != nil {
			return nil, err
		}
		s := &Session{Backend: backendSession, ID: NewID()}
		if needsFullFeed && oldContext != "" {
			if err := backendSession.Advance(ctx, []byte(oldContext)); err != nil {
				return nil, err
			}
			s.ID.Hash([]byte(oldContext))
		}
		return s, nil
	})
	if err != nil {
		return nil, err
	}

	if hit {
		RecordPrefixOutcome("hit")
	} else {
		RecordPrefixOutcome("miss")
	}

	return &Routed{Guard: guard, Cell: cell, Key: k, NewContext: []byte(newContext), Fresh: false}, nil
}

// RouteOneShot builds a session with no cache entry: used when prefix
// matching is disabled or semantically inapplicable. The returned Routed's
// Cell is a standalone, never-registered cell, so completion.Stream must
// treat it specially (see completion.New's nil sessionCache convention)
// rather than reporting it back to a Cache.
func RouteOneShot(ctx context.Context, prompt string, ctor Constructor) (*Routed, error) {
	cell := newCell("one-shot")
	guard, err := cell.GetOrInit(ctx, func(ctx context.Context) (*Session, error) {
		backendSession, err := ctor(ctx)
		if err != nil {
			return nil, err
		}
		return &Session{Backend: backendSession, ID: NewID()}, nil
	})
	if err != nil {
		return nil, err
	}
	return &Routed{Guard: guard, Cell: cell, NewContext: []byte(prompt), Fresh: true}, nil
}
