package orchestrator

import (
	"context"
	"errors"

	"github.com/edgenai/edgen-infer/internal/backend"
	"github.com/edgenai/edgen-infer/internal/status"
)

var embeddingsAllowedKinds = []ModelKind{KindEmbeddings, KindLLM, KindFaker}

// Embeddings resolves modelID, admits it, loads it via the LLM-family
// backend, and returns one embedding vector per input. Embeddings models
// are a single-call collaborator with no session state — load, call,
// release.
func (o *Orchestrator) Embeddings(ctx context.Context, modelID string, inputs []string) ([][]float32, error) {
	cfg := o.settings.Get()
	o.status.BeginCompletion(status.EndpointEmbeddings, modelID)
	var endErr error
	defer func() { o.status.EndCompletion(status.EndpointEmbeddings, endErr) }()

	adm, err := o.resolveAndAdmit(ctx, status.EndpointEmbeddings, modelID, cfg.Embeddings, embeddingsAllowedKinds)
	if err != nil {
		endErr = err
		return nil, err
	}
	defer adm.ticket.Release()

	be, err := o.llmBackendFor(adm.kind)
	if err != nil {
		endErr = err
		return nil, err
	}

	modelCell := o.llmModels.Get(adm.path)
	modelGuard, err := modelCell.GetOrInit(ctx, func(ctx context.Context) (backend.LlmModel, error) {
		return be.Load(ctx, adm.path, 0)
	})
	if err != nil {
		endErr = errors.Join(backend.ErrLoad, err)
		return nil, endErr
	}
	defer modelGuard.Release()
	// Consume unconditionally: a cache hit still runs Embeddings() below,
	// which allocates just as much as a fresh load from the ticket's
	// point of view.
	adm.ticket.Consume()

	vecs, err := (*modelGuard.Value()).Embeddings(ctx, inputs)
	if err != nil {
		endErr = err
		return nil, err
	}
	return vecs, nil
}
