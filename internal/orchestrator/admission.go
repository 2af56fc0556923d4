package orchestrator

import (
	"context"

	"github.com/edgenai/edgen-infer/internal/device"
	"github.com/edgenai/edgen-infer/internal/request"
	"github.com/edgenai/edgen-infer/internal/settings"
	"github.com/edgenai/edgen-infer/internal/status"
)

// admitted bundles everything resolveAndAdmit produces: the matched kind,
// the resolved on-disk path, and a Ticket reserving memory for it.
type admitted struct {
	kind   ModelKind
	path   string
	ticket *request.Ticket
}

// resolveAndAdmit parses the model reference, matches its kind, resolves
// it to a path via the downloader (reporting progress through the status
// board), estimates its memory footprint, picks a device per the
// configured GpuPolicy, and enqueues a Passport to obtain a Ticket.
func (o *Orchestrator) resolveAndAdmit(ctx context.Context, ep status.Endpoint, rawModelID string, fallback settings.EndpointModel, allowed []ModelKind) (*admitted, error) {
	ref, err := ParseModelRef(rawModelID, fallback)
	if err != nil {
		return nil, err
	}
	if ref.IsEmpty() {
		return nil, ErrEmptyModel
	}

	kind, err := MatchKind(ref, o.patternTable, allowed)
	if err != nil {
		return nil, err
	}

	o.status.BeginDownload(ep, 0)
	path, err := o.download.Resolve(ctx, kind, ref, func(received, total int64) {
		o.status.ReportDownloadProgress(ep, received)
	})
	o.status.EndDownload(ep)
	if err != nil {
		return nil, err
	}

	estimate := downloadedFileSize(path)

	cfg := o.settings.Get()
	policy := request.GpuPolicy{
		AlwaysDevice: cfg.GpuPolicy.Kind == settings.PolicyAlwaysDevice,
		Overflow:     cfg.GpuPolicy.Overflow,
	}
	chosen, err := o.manager.PickDevice(policy, func(d device.Device) uint64 { return estimate })
	if err != nil {
		return nil, err
	}

	ticket, err := o.manager.Enqueue(ctx, request.Passport{Class: request.ClassModel, Bytes: estimate, Device: chosen})
	if err != nil {
		return nil, err
	}

	return &admitted{kind: kind, path: path, ticket: ticket}, nil
}
