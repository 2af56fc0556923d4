package backend

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// FakerBackend is a canned, dependency-free LLM backend that echoes
// deterministic tokens. It requires no native library, no GPU, and no
// model download, and is the default backend behind the "Faker" model
// kind.
type FakerBackend struct{}

// NewFakerBackend constructs the always-available Faker LLM backend.
func NewFakerBackend() *FakerBackend { return &FakerBackend{} }

func (FakerBackend) Load(ctx context.Context, path string, gpuLayers int) (LlmModel, error) {
	return &fakerModel{path: path}, nil
}

type fakerModel struct {
	path string
}

func (m *fakerModel) CreateSession(ctx context.Context, params SamplerConfig) (LlmSession, error) {
	return &fakerSession{}, nil
}

func (m *fakerModel) Embeddings(ctx context.Context, inputs []string) ([][]float32, error) {
	out := make([][]float32, len(inputs))
	for i, s := range inputs {
		out[i] = []float32{float32(len(s)), 0, 0, 0}
	}
	return out, nil
}

func (m *fakerModel) TokenToString(tok TokenID) string {
	if int(tok) == 0 {
		return ""
	}
	return fmt.Sprintf("tok%d ", tok)
}

func (m *fakerModel) EOS() TokenID { return 0 }

func (m *fakerModel) MemoryFootprint() uint64 { return 64 << 20 }

type fakerSession struct {
	mu  sync.Mutex
	fed strings.Builder
}

func (s *fakerSession) Advance(ctx context.Context, contextBytes []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fed.Write(contextBytes)
	return nil
}

func (s *fakerSession) StartCompletion(ctx context.Context, sampler SamplerConfig) (TokenIterator, error) {
	max := sampler.MaxTokens
	if max <= 0 {
		max = 8
	}
	return &fakerIterator{remaining: max}, nil
}

// fakerIterator emits tok1..tokN deterministically, then reports exhaustion
// (ok=false); it never emits an end-of-sequence token.
type fakerIterator struct {
	mu        sync.Mutex
	next      TokenID
	remaining int
	closed    bool
}

func (it *fakerIterator) Next(ctx context.Context) (TokenID, bool, error) {
	it.mu.Lock()
	defer it.mu.Unlock()

	if it.closed || it.remaining <= 0 {
		return 0, false, nil
	}

	it.next++
	it.remaining--
	return it.next, true, nil
}

func (it *fakerIterator) Close() error {
	it.mu.Lock()
	it.closed = true
	it.mu.Unlock()
	return nil
}
