package orchestrator

import (
	"context"
	"errors"
	"strings"

	"github.com/edgenai/edgen-infer/internal/backend"
	"github.com/edgenai/edgen-infer/internal/completion"
	"github.com/edgenai/edgen-infer/internal/session"
	"github.com/edgenai/edgen-infer/internal/status"
)

// CompletionArgs carries the recognized chat-completion parameters:
// prompt (or pre-rendered messages), seed, frequency_penalty, max_tokens,
// stop_phrases, temperature, top_p, and one_shot. The HTTP adapter is
// responsible for rendering `messages` into `Prompt` using the role
// markers of internal/session before calling here.
type CompletionArgs struct {
	Prompt           string
	Seed             uint64
	FrequencyPenalty float32
	Temperature      float32
	TopP             float32
	MaxTokens        int
	StopPhrases      []string
	// OneShot forces a fresh, uncached session regardless of prefix
	// routing — used when prefix matching is semantically inapplicable,
	// e.g. image-bearing prompts.
	OneShot bool
}

func (a CompletionArgs) sampler() backend.SamplerConfig {
	return backend.SamplerConfig{
		Seed:             a.Seed,
		FrequencyPenalty: a.FrequencyPenalty,
		Temperature:      a.Temperature,
		TopP:             a.TopP,
		MaxTokens:        a.MaxTokens,
	}
}

var chatAllowedKinds = []ModelKind{KindLLM, KindFaker}

func (o *Orchestrator) llmBackendFor(kind ModelKind) (backend.LlmBackend, error) {
	switch kind {
	case KindLLM, KindEmbeddings:
		// Embeddings models are served through the same LLM-family backend
		// (e.g. llama.cpp's embedding mode) rather than a dedicated backend
		// tag; there is no separate Embeddings backend in Backends.
		if o.backends.LLM == nil {
			return nil, ErrKindNotServed
		}
		return o.backends.LLM, nil
	case KindFaker:
		if o.backends.Faker == nil {
			return nil, ErrKindNotServed
		}
		return o.backends.Faker, nil
	default:
		return nil, ErrKindNotServed
	}
}

// streamHandle is the composed (possibly stop-filtered) token source a
// caller drains; it also owns releasing the admission Ticket once the
// underlying Stream tears down.
type streamHandle struct {
	inner interface {
		Next(ctx context.Context) (completion.Chunk, error)
		Close() error
	}
	ticketRelease func()
	closeOnce     bool
}

// Next returns the next chunk of generated text.
func (h *streamHandle) Next(ctx context.Context) (completion.Chunk, error) {
	return h.inner.Next(ctx)
}

// Close releases both the underlying stream and the admission ticket
// reserved for this request.
func (h *streamHandle) Close() error {
	err := h.inner.Close()
	if !h.closeOnce {
		h.closeOnce = true
		h.ticketRelease()
	}
	return err
}

// ChatCompletionStream resolves modelID, admits it, routes the prompt to a
// session via prefix matching, and returns a streamHandle yielding
// generated chunks.
func (o *Orchestrator) ChatCompletionStream(ctx context.Context, modelID string, args CompletionArgs) (*streamHandle, error) {
	cfg := o.settings.Get()
	o.status.BeginCompletion(status.EndpointChatCompletions, modelID)

	adm, err := o.resolveAndAdmit(ctx, status.EndpointChatCompletions, modelID, cfg.ChatCompletionsModel, chatAllowedKinds)
	if err != nil {
		o.status.EndCompletion(status.EndpointChatCompletions, err)
		return nil, err
	}

	be, err := o.llmBackendFor(adm.kind)
	if err != nil {
		adm.ticket.Release()
		o.status.EndCompletion(status.EndpointChatCompletions, err)
		return nil, err
	}

	modelCell := o.llmModels.Get(adm.path)
	modelGuard, err := modelCell.GetOrInit(ctx, func(ctx context.Context) (backend.LlmModel, error) {
		return be.Load(ctx, adm.path, 0)
	})
	if err != nil {
		adm.ticket.Release()
		o.status.EndCompletion(status.EndpointChatCompletions, err)
		return nil, errors.Join(backend.ErrLoad, err)
	}
	// Consume once admission has actually produced a resident model,
	// whether this call loaded it (miss) or found it already cached
	// (hit) — session creation and generation still allocate either way,
	// so the ticket must always be marked consumed here, not only inside
	// the miss-only loader above.
	adm.ticket.Consume()

	model := modelGuard.Value()
	sampler := args.sampler()

	ctor := func(ctx context.Context) (backend.LlmSession, error) {
		return (*model).CreateSession(ctx, sampler)
	}

	var routed *session.Routed
	var sessCache *session.Cache
	if args.OneShot {
		routed, err = session.RouteOneShot(ctx, args.Prompt, ctor)
	} else {
		sessCache = o.sessions.forPath(adm.path)
		routed, err = session.Route(ctx, sessCache, args.Prompt, ctor)
	}
	if err != nil {
		modelGuard.Release()
		adm.ticket.Release()
		o.status.EndCompletion(status.EndpointChatCompletions, err)
		return nil, errors.Join(backend.ErrSessionCreation, err)
	}

	stream, err := completion.New(ctx, modelID, *model, sessCache, routed, modelGuard, sampler)
	if err != nil {
		adm.ticket.Release()
		o.status.EndCompletion(status.EndpointChatCompletions, err)
		return nil, err
	}

	var src interface {
		Next(ctx context.Context) (completion.Chunk, error)
		Close() error
	} = stream
	if len(args.StopPhrases) > 0 {
		src = completion.NewStopFilter(stream, args.StopPhrases)
	}

	return &streamHandle{
		inner: src,
		ticketRelease: func() {
			adm.ticket.Release()
			o.status.EndCompletion(status.EndpointChatCompletions, nil)
		},
	}, nil
}

// ChatCompletion drains ChatCompletionStream to completion and returns the
// concatenated text, for callers that don't need token-by-token streaming
// (e.g. the non-streaming OpenAI chat completions shape).
func (o *Orchestrator) ChatCompletion(ctx context.Context, modelID string, args CompletionArgs) (string, error) {
	stream, err := o.ChatCompletionStream(ctx, modelID, args)
	if err != nil {
		return "", err
	}
	defer stream.Close()

	var out strings.Builder
	for {
		chunk, err := stream.Next(ctx)
		if errors.Is(err, completion.ErrClosed) {
			break
		}
		if err != nil {
			return out.String(), err
		}
		out.WriteString(chunk.Text)
		if chunk.EOS {
			break
		}
	}
	return out.String(), nil
}
