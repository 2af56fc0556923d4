package session

import (
	"context"
	"testing"
	"time"

	"github.com/edgenai/edgen-infer/internal/backend"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoute_MissFeedsOldContextAndReturnsNewContext(t *testing.T) {
	c := New("route-miss", time.Minute)
	defer c.Stop()

	prompt := SystemMarker + "sys" + UserMarker + "hi" + AssistantMarker + "hello" +
		UserMarker + "continue" + AssistantMarker

	var constructed *fakeLlmSession
	ctor := func(ctx context.Context) (backend.LlmSession, error) {
		constructed = &fakeLlmSession{}
		return constructed, nil
	}

	routed, err := Route(context.Background(), c, prompt, ctor)
	require.NoError(t, err)
	defer routed.Guard.Release()

	require.NotNil(t, constructed)
	require.Len(t, constructed.advanced, 1, "a cache miss with non-empty oldContext must feed it during construction")
	assert.Equal(t, SystemMarker+"sys"+UserMarker+"hi"+AssistantMarker+"hello", string(constructed.advanced[0]))
	assert.Equal(t, UserMarker+"continue"+AssistantMarker, string(routed.NewContext))
}

func TestRoute_HitReusesSessionAndOnlyAdvancesNewContext(t *testing.T) {
	c := New("route-hit", time.Minute)
	defer c.Stop()

	prompt1 := SystemMarker + "sys" + UserMarker + "hi" + AssistantMarker + "hello" +
		UserMarker + "continue" + AssistantMarker

	ctor := func(ctx context.Context) (backend.LlmSession, error) {
		return &fakeLlmSession{}, nil
	}

	routed1, err := Route(context.Background(), c, prompt1, ctor)
	require.NoError(t, err)
	// Simulate completion.Stream: advance the session's id with the
	// remaining new context, then report the cell back under its final key,
	// exactly as internal/completion.Stream.Close does.
	(*routed1.Guard.Value()).ID.Hash(routed1.NewContext)
	finalKey := (*routed1.Guard.Value()).ID.Key()
	c.Return(finalKey, routed1.Cell)
	routed1.Guard.Release()

	require.Eventually(t, func() bool {
		_, ok := c.Lookup(finalKey)
		return ok
	}, time.Second, 5*time.Millisecond)

	// prompt2's old context (per Split) is exactly prompt1's full fed byte
	// sequence, so it must resolve to the same cached session.
	prompt2 := prompt1 + UserMarker + "again" + AssistantMarker

	calls := 0
	ctor2 := func(ctx context.Context) (backend.LlmSession, error) {
		calls++
		return &fakeLlmSession{}, nil
	}

	routed2, err := Route(context.Background(), c, prompt2, ctor2)
	require.NoError(t, err)
	defer routed2.Guard.Release()

	assert.Equal(t, 0, calls, "a cache hit must not construct a new backend session")
	assert.Equal(t, UserMarker+"again"+AssistantMarker, string(routed2.NewContext))
}

func TestRoute_MarkerlessPromptRoutesFresh(t *testing.T) {
	c := New("route-fresh", time.Minute)
	defer c.Stop()

	ctor := func(ctx context.Context) (backend.LlmSession, error) {
		return &fakeLlmSession{}, nil
	}

	routed, err := Route(context.Background(), c, "no markers here", ctor)
	require.NoError(t, err)
	defer routed.Guard.Release()

	assert.True(t, routed.Fresh)
	assert.Equal(t, "no markers here", string(routed.NewContext))
}

func TestRouteOneShot_NeverTouchesCache(t *testing.T) {
	ctor := func(ctx context.Context) (backend.LlmSession, error) {
		return &fakeLlmSession{}, nil
	}

	routed, err := RouteOneShot(context.Background(), "hello", ctor)
	require.NoError(t, err)
	defer routed.Guard.Release()

	assert.True(t, routed.Fresh)
	assert.Equal(t, "hello", string(routed.NewContext))
}
