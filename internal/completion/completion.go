// Package completion implements a cancellable lazy sequence of backend
// tokens layered over one chat Session. The wrapper's only job is to
// guarantee cleanup runs exactly once no matter how the caller stops
// reading, the same shape as a session lifecycle wrapper around a raw
// backend pipe.
package completion

import (
	"context"
	"errors"
	"sync"

	"github.com/edgenai/edgen-infer/internal/backend"
	"github.com/edgenai/edgen-infer/internal/log"
	"github.com/edgenai/edgen-infer/internal/metrics"
	"github.com/edgenai/edgen-infer/internal/perishable"
	"github.com/edgenai/edgen-infer/internal/session"
	"github.com/rs/zerolog"
)

// ErrClosed is returned once the stream has been closed, whether by
// exhaustion, cancellation, or an explicit Close call.
var ErrClosed = errors.New("completion: stream closed")

// Chunk is one emitted unit of text, decoded from a single backend token.
type Chunk struct {
	Text string
	// EOS reports whether this was the backend's end-of-sequence token; no
	// further chunks follow one with EOS set.
	EOS bool
}

// Decoder turns a raw backend token into display text and names the
// backend's end-of-sequence token. Session state carries no vocabulary of
// its own, so the caller supplies this from the backend.LlmModel behind the
// model pin it already holds.
type Decoder interface {
	TokenToString(tok backend.TokenID) string
	EOS() backend.TokenID
}

// Stream is a cancellable lazy token sequence bound to one chat session.
// Construction receives everything needed to both generate and, on
// teardown, return the session to its cache and release both pins it was
// constructed with.
type Stream struct {
	modelName string
	dec       Decoder

	sessionGuard perishable.Guard[*session.Session]
	sessionCell  *session.Cell
	sessionCache *session.Cache

	modelGuard perishable.Guard[backend.LlmModel]

	it backend.TokenIterator

	logger zerolog.Logger

	mu     sync.Mutex
	closed bool
}

// New advances the routed session with its new context, extends its id, and
// starts backend generation, returning a Stream ready to be drained with
// Next.
func New(
	ctx context.Context,
	modelName string,
	dec Decoder,
	sessionCache *session.Cache,
	routed *session.Routed,
	modelGuard perishable.Guard[backend.LlmModel],
	sampler backend.SamplerConfig,
) (*Stream, error) {
	sess := *routed.Guard.Value()

	if len(routed.NewContext) > 0 {
		if err := sess.Backend.Advance(ctx, routed.NewContext); err != nil {
			routed.Guard.Release()
			modelGuard.Release()
			return nil, errors.Join(backend.ErrAdvance, err)
		}
		sess.ID.Hash(routed.NewContext)
	}

	it, err := sess.Backend.StartCompletion(ctx, sampler)
	if err != nil {
		routed.Guard.Release()
		modelGuard.Release()
		return nil, errors.Join(backend.ErrCompletion, err)
	}

	return &Stream{
		modelName:    modelName,
		dec:          dec,
		sessionGuard: routed.Guard,
		sessionCell:  routed.Cell,
		sessionCache: sessionCache,
		modelGuard:   modelGuard,
		it:           it,
		logger:       log.WithComponent("completion." + modelName),
	}, nil
}

// Next decodes and returns the next chunk, extending the session's id by
// the token's string form as it goes, the same way Advance extends it for
// fed context. The end-of-sequence token is returned as a Chunk with EOS
// set; after that, or once the iterator is exhausted, or the stream is
// closed, Next returns ErrClosed and the stream has already torn itself
// down — callers don't need to call Close in that case, only when
// abandoning the stream early.
func (s *Stream) Next(ctx context.Context) (Chunk, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Chunk{}, ErrClosed
	}
	s.mu.Unlock()

	tok, ok, err := s.it.Next(ctx)
	if err != nil {
		s.Close()
		return Chunk{}, errors.Join(backend.ErrCompletion, err)
	}
	if !ok {
		s.Close()
		return Chunk{}, ErrClosed
	}

	text := s.dec.TokenToString(tok)
	metrics.CompletionTokens.WithLabelValues(s.modelName).Inc()

	if tok == s.dec.EOS() {
		s.Close()
		return Chunk{Text: text, EOS: true}, nil
	}

	// The end-of-sequence token's piece is never fed to the backend as
	// further context, so it must not extend the session id either —
	// only bytes actually advanced into the session count toward the
	// hash (see session.Split / SessionId's doc comment).
	(*s.sessionGuard.Value()).ID.Hash([]byte(text))

	return Chunk{Text: text}, nil
}

// Close tears the stream down exactly once: aborts the backend iterator,
// returns the (possibly partial) session under its current id through the
// session cache's Return, and releases both pins the stream was constructed
// with. Safe to call multiple times; dropping a Stream without draining it
// to EOS is the ordinary cancellation path, not an error condition.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := s.it.Close()

	// A nil sessionCache marks a one-shot session: created, used, and
	// dropped within a single request. It is pinned and released like any
	// other session, just never reported back through the finished channel.
	if s.sessionCache != nil {
		finalKey := (*s.sessionGuard.Value()).ID.Key()
		s.sessionCache.Return(finalKey, s.sessionCell)
	}
	s.sessionGuard.Release()
	s.modelGuard.Release()

	s.logger.Debug().Msg("completion stream closed")
	return err
}
