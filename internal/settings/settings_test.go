package settings

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestLoadOrCreate_WritesDefaultsWhenAbsent(t *testing.T) {
	dir := t.TempDir()
	store, err := LoadOrCreate(dir, "settings")
	require.NoError(t, err)

	assert.Equal(t, Default(), store.Get())
	assert.FileExists(t, filepath.Join(dir, "settings.yaml"))
}

func TestLoadOrCreate_ReadsExistingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.yaml")
	custom := Default()
	custom.BindAddress = "0.0.0.0:9000"
	data, err := yaml.Marshal(custom)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	store, err := LoadOrCreate(dir, "settings")
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9000", store.Get().BindAddress)
}

func TestStore_RoundTripInvariant(t *testing.T) {
	// Staging then applying a settings record and reading it back yields
	// the identical record.
	dir := t.TempDir()
	store, err := LoadOrCreate(dir, "settings")
	require.NoError(t, err)

	next := store.Stage()
	next.BindAddress = "127.0.0.1:4000"
	next.ThreadCount = 8
	next.Headroom = Headroom{Model: 1.2, Regular: 1.1}
	store.Restage(next)

	require.NoError(t, store.Apply())
	assert.Equal(t, next, store.Get())

	reloaded, err := LoadOrCreate(dir, "settings")
	require.NoError(t, err)
	assert.Equal(t, next, reloaded.Get())
}

func TestStore_ApplyFiresCallbacksInOrder(t *testing.T) {
	dir := t.TempDir()
	store, err := LoadOrCreate(dir, "settings")
	require.NoError(t, err)

	var order []int
	store.AddChangeCallback(func(Settings) { order = append(order, 1) })
	store.AddChangeCallback(func(Settings) { order = append(order, 2) })

	next := store.Stage()
	next.ThreadCount = 4
	store.Restage(next)
	require.NoError(t, store.Apply())

	assert.Equal(t, []int{1, 2}, order)
}

func TestChangeHandle_ReleaseDeregisters(t *testing.T) {
	dir := t.TempDir()
	store, err := LoadOrCreate(dir, "settings")
	require.NoError(t, err)

	fired := false
	handle := store.AddChangeCallback(func(Settings) { fired = true })
	handle.Release()

	next := store.Stage()
	next.ThreadCount = 1
	store.Restage(next)
	require.NoError(t, store.Apply())

	assert.False(t, fired, "a released callback must not fire")
}

func TestStore_HotReloadOnExternalFileEdit(t *testing.T) {
	dir := t.TempDir()
	store, err := LoadOrCreate(dir, "settings")
	require.NoError(t, err)

	stop := make(chan struct{})
	defer close(stop)
	require.NoError(t, store.StartWatcher(stop))

	reloaded := make(chan Settings, 1)
	store.AddChangeCallback(func(s Settings) {
		select {
		case reloaded <- s:
		default:
		}
	})

	edited := Default()
	edited.BindAddress = "10.0.0.5:1234"
	data, err := yaml.Marshal(edited)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "settings.yaml"), data, 0o644))

	select {
	case s := <-reloaded:
		assert.Equal(t, "10.0.0.5:1234", s.BindAddress)
	case <-time.After(5 * time.Second):
		t.Fatal("external file edit was never picked up by the watcher")
	}
}

func TestStore_ReloadFailureKeepsPreviousValues(t *testing.T) {
	dir := t.TempDir()
	store, err := LoadOrCreate(dir, "settings")
	require.NoError(t, err)
	before := store.Get()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "settings.yaml"), []byte("not: [valid yaml"), 0o644))
	store.reload()

	assert.Equal(t, before, store.Get(), "a parse failure during reload must keep prior committed settings")
}
