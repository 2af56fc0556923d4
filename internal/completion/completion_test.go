package completion

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgenai/edgen-infer/internal/backend"
	"github.com/edgenai/edgen-infer/internal/perishable"
	"github.com/edgenai/edgen-infer/internal/session"
)

func newFakerStream(t *testing.T, maxTokens int) *Stream {
	t.Helper()

	model, err := backend.NewFakerBackend().Load(context.Background(), "faker", 0)
	require.NoError(t, err)

	modelCell := perishable.New[backend.LlmModel]("faker")
	t.Cleanup(modelCell.Stop)
	modelGuard, err := modelCell.GetOrInit(context.Background(), func(ctx context.Context) (backend.LlmModel, error) {
		return model, nil
	})
	require.NoError(t, err)

	routed, err := session.RouteOneShot(context.Background(), "hello", func(ctx context.Context) (backend.LlmSession, error) {
		return model.CreateSession(ctx, backend.SamplerConfig{})
	})
	require.NoError(t, err)

	stream, err := New(context.Background(), "faker", model, nil, routed, modelGuard, backend.SamplerConfig{MaxTokens: maxTokens})
	require.NoError(t, err)
	return stream
}

func TestStream_DrainsUntilExhausted(t *testing.T) {
	stream := newFakerStream(t, 2)

	var chunks []Chunk
	for {
		c, err := stream.Next(context.Background())
		if err != nil {
			require.ErrorIs(t, err, ErrClosed)
			break
		}
		chunks = append(chunks, c)
	}

	require.Len(t, chunks, 2)
	assert.Equal(t, "tok1 ", chunks[0].Text)
	assert.Equal(t, "tok2 ", chunks[1].Text)
	assert.False(t, chunks[0].EOS)
	assert.False(t, chunks[1].EOS, "the faker backend never emits its own EOS token, it just runs out of tokens")
}

func TestStream_CloseIsIdempotent(t *testing.T) {
	stream := newFakerStream(t, 1)

	require.NoError(t, stream.Close())
	require.NoError(t, stream.Close())

	_, err := stream.Next(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}
