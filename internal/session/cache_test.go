package session

import (
	"context"
	"testing"
	"time"

	"github.com/edgenai/edgen-infer/internal/backend"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLlmSession struct {
	advanced [][]byte
}

func (f *fakeLlmSession) Advance(ctx context.Context, contextBytes []byte) error {
	f.advanced = append(f.advanced, contextBytes)
	return nil
}

func (f *fakeLlmSession) StartCompletion(ctx context.Context, sampler backend.SamplerConfig) (backend.TokenIterator, error) {
	return nil, nil
}

func newFakeSession(ctx context.Context) (backend.LlmSession, error) {
	return &fakeLlmSession{}, nil
}

func TestCache_ReturnInsertsUnderKey(t *testing.T) {
	c := New("test", time.Minute)
	defer c.Stop()

	cell := c.NewCell()
	guard, err := cell.GetOrInit(context.Background(), func(ctx context.Context) (*Session, error) {
		s, err := newFakeSession(ctx)
		require.NoError(t, err)
		return &Session{Backend: s, ID: NewID()}, nil
	})
	require.NoError(t, err)
	defer guard.Release()

	k := (*guard.Value()).ID.Key()
	c.Return(k, cell)

	require.Eventually(t, func() bool {
		got, ok := c.Lookup(k)
		return ok && got == cell
	}, time.Second, 5*time.Millisecond)
}

func TestCache_DuplicateKeyInsertionKeepsLatest(t *testing.T) {
	c := New("dup", time.Minute)
	defer c.Stop()

	k := NewID().Key()

	first := c.NewCell()
	c.Return(k, first)
	require.Eventually(t, func() bool {
		got, ok := c.Lookup(k)
		return ok && got == first
	}, time.Second, 5*time.Millisecond)

	second := c.NewCell()
	c.Return(k, second)
	require.Eventually(t, func() bool {
		got, ok := c.Lookup(k)
		return ok && got == second
	}, time.Second, 5*time.Millisecond, "the later insertion under a duplicate key must win")
}

func TestCache_AllocsCountsLiveEntries(t *testing.T) {
	c := New("allocs", time.Minute)
	defer c.Stop()

	cell := c.NewCell()
	guard, err := cell.GetOrInit(context.Background(), func(ctx context.Context) (*Session, error) {
		return &Session{Backend: &fakeLlmSession{}, ID: NewID()}, nil
	})
	require.NoError(t, err)
	k := (*guard.Value()).ID.Key()
	c.Return(k, cell)

	require.Eventually(t, func() bool { return c.Allocs() == 1 }, time.Second, 5*time.Millisecond)
	guard.Release()
}

func TestCache_RequestMemoryEvictsLiveSessions(t *testing.T) {
	c := New("evict", time.Minute)
	defer c.Stop()

	cell := c.NewCell()
	guard, err := cell.GetOrInit(context.Background(), func(ctx context.Context) (*Session, error) {
		return &Session{Backend: &fakeLlmSession{}, ID: NewID()}, nil
	})
	require.NoError(t, err)
	guard.Release()
	k := (*guard.Value()).ID.Key()
	c.Return(k, cell)

	require.Eventually(t, func() bool { return c.Allocs() == 1 }, time.Second, 5*time.Millisecond)

	freed := c.RequestMemory(1)
	assert.GreaterOrEqual(t, freed, uint64(1))
	assert.False(t, cell.IsAlive())
}

func TestCache_ResetClearsAllEntries(t *testing.T) {
	c := New("reset", time.Minute)
	defer c.Stop()

	cell := c.NewCell()
	guard, err := cell.GetOrInit(context.Background(), func(ctx context.Context) (*Session, error) {
		return &Session{Backend: &fakeLlmSession{}, ID: NewID()}, nil
	})
	require.NoError(t, err)
	guard.Release()
	k := (*guard.Value()).ID.Key()
	c.Return(k, cell)

	require.Eventually(t, func() bool { return c.Allocs() == 1 }, time.Second, 5*time.Millisecond)

	c.Reset()
	_, ok := c.Lookup(k)
	assert.False(t, ok)
}
