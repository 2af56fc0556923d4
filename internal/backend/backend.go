// Package backend declares the external inference-library collaborators
// the core depends on — LLM, Whisper, and diffusion backends — without
// implementing any real inference itself. Concrete bindings (a
// llama.cpp/whisper.cpp FFI layer, a diffusion binding, etc.) satisfy these
// interfaces; this package also ships a dependency-free Faker
// implementation used by this repo's own tests and by deployments that
// want to smoke-test the serving surface without a real model.
package backend

import (
	"context"
	"errors"
)

// Sentinel errors surfaced by backend operations.
var (
	ErrLoad            = errors.New("backend: model load failed")
	ErrSessionCreation = errors.New("backend: session creation failed")
	ErrAdvance         = errors.New("backend: advance failed")
	ErrCompletion      = errors.New("backend: completion failed")
)

// TokenID is an opaque backend vocabulary token.
type TokenID int32

// SamplerConfig carries the recognized sampling knobs for a completion
// request.
type SamplerConfig struct {
	Seed             uint64
	FrequencyPenalty float32
	Temperature      float32
	TopP             float32
	MaxTokens        int
}

// TokenIterator yields backend tokens one at a time. Next returns
// ok=false once the stream is exhausted (including on EOS).
type TokenIterator interface {
	Next(ctx context.Context) (tok TokenID, ok bool, err error)
	// Close aborts generation; the core treats "drop the iterator" and
	// "call Close" as the same cancellation signal.
	Close() error
}

// LlmSession is the backend-owned chat/completion session state.
type LlmSession interface {
	// Advance feeds context bytes into the session without generating.
	Advance(ctx context.Context, contextBytes []byte) error
	// StartCompletion begins generating tokens after the fed context.
	StartCompletion(ctx context.Context, sampler SamplerConfig) (TokenIterator, error)
}

// LlmModel is a loaded LLM backend model.
type LlmModel interface {
	CreateSession(ctx context.Context, params SamplerConfig) (LlmSession, error)
	Embeddings(ctx context.Context, inputs []string) ([][]float32, error)
	TokenToString(tok TokenID) string
	EOS() TokenID
	// MemoryFootprint estimates the steady-state bytes this model consumes
	// once loaded, used to build a request.Passport before enqueueing.
	MemoryFootprint() uint64
}

// LlmBackend loads LLM models from disk.
type LlmBackend interface {
	Load(ctx context.Context, path string, gpuLayers int) (LlmModel, error)
}

// WhisperSession is the backend-owned transcription session state.
type WhisperSession interface {
	Advance(ctx context.Context, pcmF32_16kHz []float32) error
	Text() string
}

// WhisperModel is a loaded Whisper backend model.
type WhisperModel interface {
	NewSession(ctx context.Context) (WhisperSession, error)
	MemoryFootprint() uint64
}

// WhisperBackend loads Whisper models from disk.
type WhisperBackend interface {
	Load(ctx context.Context, path string, gpuIndex int) (WhisperModel, error)
}

// DiffusionArgs carries the recognized image-generation parameters.
type DiffusionArgs struct {
	Prompt        string
	Steps         int
	Width, Height int
	Seed          uint64
}

// DiffusionBackend is a single-call image generator: no persistent session,
// no cache entry.
type DiffusionBackend interface {
	GenerateImage(ctx context.Context, modelFiles []string, args DiffusionArgs) ([][]byte, error)
	MemoryFootprint(modelFiles []string) uint64
}
