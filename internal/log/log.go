// Package log provides structured logging shared by every component of the
// inference core. It wraps zerolog with one global level, per-component
// tagging, and context-carried request IDs.
package log

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config controls the global logger installed by Configure.
type Config struct {
	Level   string // "debug", "info", "warn", "error"
	Service string
	Version string
	Pretty  bool // human-readable console writer instead of JSON
}

var (
	mu     sync.RWMutex
	global = zerolog.New(os.Stderr).With().Timestamp().Logger()
)

// Configure installs the process-wide base logger. Safe to call again later
// (e.g. after a settings reload changes the configured log level).
func Configure(cfg Config) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var w zerolog.ConsoleWriter
	var l zerolog.Logger
	if cfg.Pretty {
		w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
		l = zerolog.New(w)
	} else {
		l = zerolog.New(os.Stderr)
	}

	l = l.Level(level).With().Timestamp().Logger()
	if cfg.Service != "" {
		l = l.With().Str("service", cfg.Service).Logger()
	}
	if cfg.Version != "" {
		l = l.With().Str("version", cfg.Version).Logger()
	}

	mu.Lock()
	global = l
	mu.Unlock()
}

// Base returns the current process-wide logger.
func Base() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return global
}

// WithComponent returns a logger tagged with component=name. Every package in
// the core builds its own logger through this at construction time rather
// than reaching for Base ad hoc.
func WithComponent(name string) zerolog.Logger {
	return Base().With().Str("component", name).Logger()
}

type ctxKey string

const requestIDKey ctxKey = "request_id"

// ContextWithRequestID attaches a request id to ctx for downstream log
// enrichment.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestIDFromContext extracts the request id, if any, previously attached.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// WithContext enriches logger with any correlation fields found on ctx.
func WithContext(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	if rid := RequestIDFromContext(ctx); rid != "" {
		return logger.With().Str("request_id", rid).Logger()
	}
	return logger
}
