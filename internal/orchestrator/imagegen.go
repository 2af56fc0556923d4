package orchestrator

import (
	"context"

	"github.com/edgenai/edgen-infer/internal/backend"
	"github.com/edgenai/edgen-infer/internal/status"
)

var imageAllowedKinds = []ModelKind{KindDiffusion}

// ImageGeneration resolves modelID, admits it, and invokes the diffusion
// backend's single-call generator. Diffusion models have no persistent
// session and no cache entry, so there's no model cache lookup here either
// — the backend itself owns any model-weight caching it wants to do across
// calls; the core only admits the memory and makes the one call.
func (o *Orchestrator) ImageGeneration(ctx context.Context, modelID string, args backend.DiffusionArgs) ([][]byte, error) {
	cfg := o.settings.Get()
	o.status.BeginCompletion(status.EndpointImageGeneration, modelID)
	var endErr error
	defer func() { o.status.EndCompletion(status.EndpointImageGeneration, endErr) }()

	adm, err := o.resolveAndAdmit(ctx, status.EndpointImageGeneration, modelID, cfg.ImageGeneration, imageAllowedKinds)
	if err != nil {
		endErr = err
		return nil, err
	}
	defer adm.ticket.Release()

	if o.backends.Diffusion == nil {
		endErr = ErrKindNotServed
		return nil, endErr
	}

	adm.ticket.Consume()
	pngs, err := o.backends.Diffusion.GenerateImage(ctx, []string{adm.path}, args)
	if err != nil {
		endErr = err
		return nil, err
	}
	return pngs, nil
}
