package completion

import (
	"context"
	"errors"
	"strings"
)

// source is the minimal interface StopFilter wraps: either a *Stream or
// another StopFilter, so filters compose by taking ownership of the inner
// sequence.
type source interface {
	Next(ctx context.Context) (Chunk, error)
	Close() error
}

// StopFilter wraps a Stream (or another composed adapter) and suppresses
// output once any configured stop phrase appears, terminating the stream
// early. It buffers the tail of accumulated output, scanning for any
// configured stop phrase; if a stop phrase is emitted, it is suppressed
// and the stream terminates early.
type StopFilter struct {
	inner   source
	phrases []string

	tail    strings.Builder
	maxTail int

	stopped bool
}

// NewStopFilter wraps inner with stop-phrase detection. Chunks are held back
// until enough trailing text has accumulated to rule out a partial phrase
// match, then released minus whatever tail is still needed to detect a
// phrase split across chunk boundaries.
func NewStopFilter(inner source, phrases []string) *StopFilter {
	longest := 0
	for _, p := range phrases {
		if len(p) > longest {
			longest = len(p)
		}
	}
	return &StopFilter{inner: inner, phrases: phrases, maxTail: longest}
}

// Next returns the next chunk with any trailing stop phrase suppressed. Once
// a stop phrase is detected, Next reports ErrClosed on every subsequent call
// (the underlying Stream has already been closed).
func (f *StopFilter) Next(ctx context.Context) (Chunk, error) {
	if len(f.phrases) == 0 {
		return f.inner.Next(ctx)
	}
	if f.stopped {
		return Chunk{}, ErrClosed
	}

	chunk, err := f.inner.Next(ctx)
	if err != nil {
		// The inner sequence ended without an EOS chunk: release the
		// held-back tail before reporting the end.
		if errors.Is(err, ErrClosed) && f.tail.Len() > 0 {
			rest := f.tail.String()
			f.tail.Reset()
			return Chunk{Text: rest}, nil
		}
		return Chunk{}, err
	}

	f.tail.WriteString(chunk.Text)
	buffered := f.tail.String()

	for _, p := range f.phrases {
		if idx := strings.Index(buffered, p); idx >= 0 {
			f.stopped = true
			_ = f.inner.Close()
			return Chunk{Text: buffered[:idx], EOS: true}, nil
		}
	}

	if chunk.EOS {
		f.tail.Reset()
		return Chunk{Text: buffered, EOS: true}, nil
	}

	// Hold back the last maxTail bytes in case a phrase straddles this chunk
	// and the next one; release the rest now. When the whole accumulated
	// tail still fits within maxTail, nothing is released yet: f.tail
	// already holds buffered in full, so it carries forward untouched into
	// the next round instead of being discarded.
	if len(buffered) <= f.maxTail {
		return Chunk{Text: ""}, nil
	}

	release := buffered[:len(buffered)-f.maxTail]
	f.tail.Reset()
	f.tail.WriteString(buffered[len(buffered)-f.maxTail:])
	return Chunk{Text: release}, nil
}

// Close releases the wrapped stream's resources. Safe to call after Next has
// already reported a stop-phrase match (the inner stream is already closed
// in that case).
func (f *StopFilter) Close() error {
	return f.inner.Close()
}
