package shutdown

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcher_TriggerCancelsStartImmediately(t *testing.T) {
	w := New(50 * time.Millisecond)
	w.forceExit = func(code int) {}

	assert.True(t, w.T0().IsZero())

	w.Trigger()

	select {
	case <-w.ShutdownStarts().Done():
	case <-time.After(time.Second):
		t.Fatal("ShutdownStarts should be done immediately after Trigger")
	}
	assert.False(t, w.T0().IsZero())
}

func TestWatcher_ShutdownEndsAfterGrace(t *testing.T) {
	w := New(20 * time.Millisecond)
	exited := make(chan int, 1)
	w.forceExit = func(code int) { exited <- code }

	w.Trigger()

	select {
	case <-w.ShutdownEnds().Done():
	case <-time.After(time.Second):
		t.Fatal("ShutdownEnds should be done once the grace period elapses")
	}

	select {
	case code := <-exited:
		assert.Equal(t, 1, code)
	case <-time.After(time.Second):
		t.Fatal("forceExit should run once the grace period elapses")
	}
}

func TestWatcher_TriggerIsIdempotent(t *testing.T) {
	w := New(time.Minute)
	w.forceExit = func(code int) {}

	w.Trigger()
	first := w.T0()

	w.Trigger()
	require.Equal(t, first, w.T0(), "a second Trigger must not reset T0")
}
