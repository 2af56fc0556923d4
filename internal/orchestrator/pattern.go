package orchestrator

import (
	"errors"
	"path"
	"strings"
)

// ModelKind is the backend family a resolved model reference dispatches to.
type ModelKind string

const (
	KindLLM        ModelKind = "llm"
	KindWhisper    ModelKind = "whisper"
	KindEmbeddings ModelKind = "embeddings"
	KindDiffusion  ModelKind = "diffusion"
	KindFaker      ModelKind = "faker"
)

// ErrNoKindMatch means no pattern table entry (restricted to the endpoint's
// allowed kinds) matched the resolved reference.
var ErrNoKindMatch = errors.New("orchestrator: model reference matches no known kind")

// PatternEntry is one row of the model-kind pattern table: a glob matched
// against "repo/name" (e.g. "TheBloke/*-GGUF/*.gguf"), in priority order.
type PatternEntry struct {
	Pattern string
	Kind    ModelKind
}

// DefaultPatternTable returns the ordered glob-to-kind table, seeded with
// the file-extension conventions the GGUF/GGML LLM ecosystem and
// whisper.cpp actually use, plus the always-available Faker entry last
// (lowest priority, so a real match always wins).
func DefaultPatternTable() []PatternEntry {
	return []PatternEntry{
		{Pattern: "*whisper*", Kind: KindWhisper},
		{Pattern: "*ggml*", Kind: KindWhisper},
		{Pattern: "*stable-diffusion*", Kind: KindDiffusion},
		{Pattern: "*sdxl*", Kind: KindDiffusion},
		{Pattern: "*.safetensors", Kind: KindDiffusion},
		{Pattern: "*embed*", Kind: KindEmbeddings},
		{Pattern: "*bge-*", Kind: KindEmbeddings},
		{Pattern: "*.gguf", Kind: KindLLM},
		{Pattern: "*.bin", Kind: KindLLM},
		{Pattern: "edgen/faker", Kind: KindFaker},
		{Pattern: "*faker*", Kind: KindFaker},
	}
}

// MatchKind matches ref against table, restricted to allowed, and returns
// the first (highest-priority) matching kind.
func MatchKind(ref ModelRef, table []PatternEntry, allowed []ModelKind) (ModelKind, error) {
	if ref.IsEmpty() {
		return "", ErrNoKindMatch
	}
	subject := strings.ToLower(ref.Repo + "/" + ref.Name)

	for _, entry := range table {
		if !kindAllowed(entry.Kind, allowed) {
			continue
		}
		if ok, _ := path.Match(strings.ToLower(entry.Pattern), subject); ok {
			return entry.Kind, nil
		}
		// Also match against the bare filename, since patterns like
		// "*.gguf" are meant to match regardless of repo prefix.
		if ok, _ := path.Match(strings.ToLower(entry.Pattern), strings.ToLower(ref.Name)); ok {
			return entry.Kind, nil
		}
	}
	return "", ErrNoKindMatch
}

func kindAllowed(k ModelKind, allowed []ModelKind) bool {
	for _, a := range allowed {
		if a == k {
			return true
		}
	}
	return false
}
