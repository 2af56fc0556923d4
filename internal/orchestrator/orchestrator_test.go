package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgenai/edgen-infer/internal/backend"
	"github.com/edgenai/edgen-infer/internal/device"
	"github.com/edgenai/edgen-infer/internal/request"
	"github.com/edgenai/edgen-infer/internal/settings"
	"github.com/edgenai/edgen-infer/internal/status"
)

const fakerModelID = "edgen/faker/faker"

func newTestOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()

	dir := t.TempDir()
	store, err := settings.LoadOrCreate(dir, "settings")
	require.NoError(t, err)

	reg := device.NewRegistry(device.NewStaticMemory(1<<30, 1<<30))
	mgr := request.NewManager(reg, request.DefaultHeadroom())
	t.Cleanup(mgr.Close)

	board := status.New()
	backends := Backends{Faker: backend.NewFakerBackend()}
	downloader := FakerDownloader{Dir: dir}

	orch := New(store, reg, mgr, board, backends, downloader)
	t.Cleanup(orch.Close)

	for _, u := range orch.ModelCaches() {
		mgr.RegisterUserOnAll(u)
	}
	return orch
}

func TestOrchestrator_ChatCompletionDrainsFakerBackend(t *testing.T) {
	orch := newTestOrchestrator(t)

	out, err := orch.ChatCompletion(context.Background(), fakerModelID, CompletionArgs{
		Prompt:    "<|USER|>hello\n",
		MaxTokens: 3,
	})
	require.NoError(t, err)
	assert.Equal(t, "tok1 tok2 tok3 ", out)
}

func TestOrchestrator_ChatCompletionStreamClosesOnExhaustion(t *testing.T) {
	orch := newTestOrchestrator(t)

	stream, err := orch.ChatCompletionStream(context.Background(), fakerModelID, CompletionArgs{
		Prompt:    "<|USER|>hi\n",
		MaxTokens: 1,
		OneShot:   true,
	})
	require.NoError(t, err)
	defer stream.Close()

	chunk, err := stream.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok1 ", chunk.Text)

	_, err = stream.Next(context.Background())
	assert.Error(t, err, "the stream should report an error once the faker backend runs out of tokens")
}

func TestOrchestrator_ChatCompletionUnknownKindRejected(t *testing.T) {
	orch := newTestOrchestrator(t)

	_, err := orch.ChatCompletion(context.Background(), "owner/repo/model.unknownext", CompletionArgs{MaxTokens: 1})
	assert.ErrorIs(t, err, ErrNoKindMatch)
}

func TestOrchestrator_ChatCompletionEmptyModelRejected(t *testing.T) {
	orch := newTestOrchestrator(t)

	_, err := orch.ChatCompletion(context.Background(), "empty", CompletionArgs{MaxTokens: 1})
	assert.ErrorIs(t, err, ErrEmptyModel)
}

func TestOrchestrator_StopPhraseTruncatesOutput(t *testing.T) {
	orch := newTestOrchestrator(t)

	out, err := orch.ChatCompletion(context.Background(), fakerModelID, CompletionArgs{
		Prompt:      "<|USER|>hi\n",
		MaxTokens:   8,
		StopPhrases: []string{"tok3"},
	})
	require.NoError(t, err)
	assert.Equal(t, "tok1 tok2 ", out)
}

func TestOrchestrator_ResetClearsCaches(t *testing.T) {
	orch := newTestOrchestrator(t)

	_, err := orch.ChatCompletion(context.Background(), fakerModelID, CompletionArgs{MaxTokens: 1})
	require.NoError(t, err)

	var totalAllocs int
	for _, u := range orch.ModelCaches() {
		totalAllocs += u.Allocs()
	}
	require.Greater(t, totalAllocs, 0)

	orch.Reset(orch.settings.Get())

	totalAllocs = 0
	for _, u := range orch.ModelCaches() {
		totalAllocs += u.Allocs()
	}
	assert.Equal(t, 0, totalAllocs)
}
