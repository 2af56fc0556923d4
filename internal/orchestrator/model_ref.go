package orchestrator

import (
	"errors"
	"strings"

	"github.com/edgenai/edgen-infer/internal/settings"
)

// ErrBadModelRef is returned for a model_id string that parses as none of
// the recognized forms.
var ErrBadModelRef = errors.New("orchestrator: unrecognized model reference")

// Quantization tags the on-disk variant to resolve. Parsing is silent on
// quantization by default; this is additive, defaulting to the plain form
// when absent from the request.
type Quantization string

const (
	QuantDefault Quantization = ""
	QuantF16     Quantization = "f16"
)

// ModelRef is the resolved (name, repo, directory) triple, plus an
// optional quantization tag.
type ModelRef struct {
	Name  string
	Repo  string
	Dir   string
	Quant Quantization
}

// ParseModelRef resolves a request's raw model_id string against the
// endpoint's configured default, supporting four forms:
// - "default" (or empty string): use the endpoint's configured default model.
// - "empty": no model at all — valid only for endpoints that tolerate it
// (the caller decides; ParseModelRef just returns the zero ModelRef).
// - "owner/repo/file": a fully qualified reference, owner/repo treated as
// Repo and file as Name.
// - a bare filename: Name only, Repo/Dir taken from the endpoint default.
func ParseModelRef(raw string, fallback settings.EndpointModel) (ModelRef, error) {
	raw = strings.TrimSpace(raw)
	quant := QuantDefault
	if idx := strings.LastIndex(raw, "@"); idx >= 0 {
		quant = Quantization(raw[idx+1:])
		raw = raw[:idx]
	}

	switch raw {
	case "", "default":
		return ModelRef{Name: fallback.Name, Repo: fallback.Repo, Dir: fallback.Dir, Quant: quant}, nil
	case "empty":
		return ModelRef{}, nil
	}

	parts := strings.Split(raw, "/")
	switch len(parts) {
	case 1:
		if parts[0] == "" {
			return ModelRef{}, ErrBadModelRef
		}
		return ModelRef{Name: parts[0], Repo: fallback.Repo, Dir: fallback.Dir, Quant: quant}, nil
	case 3:
		owner, repo, file := parts[0], parts[1], parts[2]
		if owner == "" || repo == "" || file == "" {
			return ModelRef{}, ErrBadModelRef
		}
		return ModelRef{Name: file, Repo: owner + "/" + repo, Dir: fallback.Dir, Quant: quant}, nil
	default:
		return ModelRef{}, ErrBadModelRef
	}
}

// IsEmpty reports whether the ref resolved to the "empty" form.
func (r ModelRef) IsEmpty() bool { return r.Name == "" && r.Repo == "" }

// String renders a stable cache key for this ref (model cache entries are
// keyed by resolved path rather than this string, but it's useful for logs).
func (r ModelRef) String() string {
	s := r.Repo + "/" + r.Name
	if r.Quant != QuantDefault {
		s += "@" + string(r.Quant)
	}
	return s
}
