package orchestrator

import (
	"context"
	"errors"

	"github.com/edgenai/edgen-infer/internal/backend"
	"github.com/edgenai/edgen-infer/internal/status"
	"github.com/google/uuid"
)

var transcriptionAllowedKinds = []ModelKind{KindWhisper}

// Transcription resolves modelID, admits it, loads it via the Whisper
// backend, and feeds the given PCM audio through a one-shot session,
// returning the decoded text alongside the uuid minted for that one-shot
// session (spec.md §6's upstream `transcription` adapter surfaces this as
// `Option<SessionUuid>`; since transcription sessions are never cached or
// looked up again, it exists purely for the caller's own correlation/
// logging, not for prefix routing). Transcription has no prefix-routing
// concept (audio isn't prompt text), so every call gets a fresh session.
func (o *Orchestrator) Transcription(ctx context.Context, modelID string, pcmF32_16kHz []float32) (string, uuid.UUID, error) {
	cfg := o.settings.Get()
	o.status.BeginCompletion(status.EndpointTranscriptions, modelID)
	var endErr error
	defer func() { o.status.EndCompletion(status.EndpointTranscriptions, endErr) }()

	adm, err := o.resolveAndAdmit(ctx, status.EndpointTranscriptions, modelID, cfg.AudioTranscriptions, transcriptionAllowedKinds)
	if err != nil {
		endErr = err
		return "", uuid.UUID{}, err
	}
	defer adm.ticket.Release()

	if o.backends.Whisper == nil {
		endErr = ErrKindNotServed
		return "", uuid.UUID{}, endErr
	}

	modelCell := o.whisperModels.Get(adm.path)
	modelGuard, err := modelCell.GetOrInit(ctx, func(ctx context.Context) (backend.WhisperModel, error) {
		return o.backends.Whisper.Load(ctx, adm.path, 0)
	})
	if err != nil {
		endErr = errors.Join(backend.ErrLoad, err)
		return "", uuid.UUID{}, endErr
	}
	defer modelGuard.Release()
	// Consume unconditionally: session creation and audio decoding below
	// allocate regardless of whether this call loaded the model or found
	// it already resident.
	adm.ticket.Consume()

	sess, err := (*modelGuard.Value()).NewSession(ctx)
	if err != nil {
		endErr = errors.Join(backend.ErrSessionCreation, err)
		return "", uuid.UUID{}, endErr
	}
	sessionID := uuid.New()

	if err := sess.Advance(ctx, pcmF32_16kHz); err != nil {
		endErr = errors.Join(backend.ErrAdvance, err)
		return "", sessionID, endErr
	}

	return sess.Text(), sessionID, nil
}
