// Package settings implements a hot-reloadable settings store: a two-phase
// staged/committed record backed by a watched YAML file. The watcher
// watches the directory and filters to the basename, debouncing rapid
// writes; each reload triggered by an fsnotify event retries the read a
// few times to ride out editors that write the file in several steps. There
// is no polling: a change that produces no fsnotify event is not picked up.
package settings

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/edgenai/edgen-infer/internal/log"
	"github.com/edgenai/edgen-infer/internal/metrics"
	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// GpuPolicyKind selects the device-overflow family.
type GpuPolicyKind string

const (
	PolicyAlwaysCPU    GpuPolicyKind = "always_cpu"
	PolicyAlwaysDevice GpuPolicyKind = "always_device"
)

// GpuPolicy is Settings' device selection policy.
type GpuPolicy struct {
	Kind     GpuPolicyKind `yaml:"kind"`
	Overflow bool          `yaml:"overflow"`
}

// EndpointModel names the (name, repo, dir) triple for one endpoint's
// default model.
type EndpointModel struct {
	Name string `yaml:"name"`
	Repo string `yaml:"repo"`
	Dir  string `yaml:"dir"`
}

// Headroom exposes the per-class over-reservation multipliers as
// configuration rather than compile-time constants.
type Headroom struct {
	Model   float64 `yaml:"model_headroom"`
	Regular float64 `yaml:"regular_headroom"`
}

// Settings is the typed configuration record.
type Settings struct {
	BindAddress string `yaml:"bind_address"`

	ChatCompletionsModel EndpointModel `yaml:"chat_completions_model"`
	AudioTranscriptions  EndpointModel `yaml:"audio_transcriptions_model"`
	Embeddings           EndpointModel `yaml:"embeddings_model"`
	ImageGeneration      EndpointModel `yaml:"image_generation_model"`

	AutoThreadCount bool `yaml:"auto_thread_count"`
	ThreadCount     int  `yaml:"thread_count"`

	GpuPolicy GpuPolicy `yaml:"gpu_policy"`
	Headroom  Headroom  `yaml:"headroom"`

	InactiveLlmTTL        time.Duration `yaml:"inactive_llm_ttl"`
	InactiveWhisperTTL    time.Duration `yaml:"inactive_whisper_ttl"`
	InactiveSessionTTL    time.Duration `yaml:"inactive_llm_session_ttl"`
	ModelCacheSweepPeriod time.Duration `yaml:"model_cache_sweep_period"`

	RequestBodyLimitBytes uint64 `yaml:"request_body_limit_bytes"`

	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
}

// Default returns Settings populated with the stated defaults: model TTL
// 5min, whisper TTL 5min, session TTL 2min, headroom 1.10/1.05, shutdown
// grace 30s.
func Default() Settings {
	return Settings{
		BindAddress:           "127.0.0.1:33322",
		AutoThreadCount:       true,
		GpuPolicy:             GpuPolicy{Kind: PolicyAlwaysDevice, Overflow: true},
		Headroom:              Headroom{Model: 1.10, Regular: 1.05},
		InactiveLlmTTL:        5 * time.Minute,
		InactiveWhisperTTL:    5 * time.Minute,
		InactiveSessionTTL:    2 * time.Minute,
		ModelCacheSweepPeriod: 30 * time.Second,
		RequestBodyLimitBytes: 64 << 20,
		ShutdownGrace:         30 * time.Second,
	}
}

// ChangeHandle deregisters its associated callback when released.
type ChangeHandle struct {
	id    uuid.UUID
	store *Store
}

// Release deregisters the callback. Safe to call multiple times.
func (h ChangeHandle) Release() {
	h.store.removeCallback(h.id)
}

type callbackEntry struct {
	id uuid.UUID
	fn func(Settings)
}

// Store is the hot-reloadable settings holder.
type Store struct {
	path string

	mu        sync.RWMutex
	committed Settings
	staged    Settings

	cbMu      sync.Mutex
	callbacks []callbackEntry

	watcher *fsnotify.Watcher
	logger  zerolog.Logger
}

// LoadOrCreate reads dir/name.yaml, creating it with Default values if
// absent.
func LoadOrCreate(dir, name string) (*Store, error) {
	path := filepath.Join(dir, name+".yaml")
	s := &Store{path: path, logger: log.WithComponent("settings")}

	cfg, err := readWithRetry(path)
	if os.IsNotExist(err) {
		cfg = Default()
		if mkErr := os.MkdirAll(dir, 0o755); mkErr != nil {
			return nil, mkErr
		}
		if writeErr := atomicWriteYAML(path, cfg); writeErr != nil {
			return nil, writeErr
		}
	} else if err != nil {
		return nil, err
	}

	s.committed = cfg
	s.staged = cfg
	return s, nil
}

// Get returns a copy of the committed settings (thread-safe read).
func (s *Store) Get() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.committed
}

// Stage returns a copy of the staged settings for the caller to mutate and
// hand back to Restage.
func (s *Store) Stage() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.staged
}

// Restage replaces the staged (not-yet-applied) record.
func (s *Store) Restage(next Settings) {
	s.mu.Lock()
	s.staged = next
	s.mu.Unlock()
}

// Apply copies staged into committed and persists it atomically (temp file
// + rename), then notifies every registered callback.
func (s *Store) Apply() error {
	s.mu.Lock()
	next := s.staged
	s.mu.Unlock()

	if err := atomicWriteYAML(s.path, next); err != nil {
		return err
	}

	s.mu.Lock()
	s.committed = next
	s.mu.Unlock()

	s.notify(next)
	return nil
}

// AddChangeCallback registers f to run (in registration order, under the
// change lock) whenever settings change, either via Apply or an external
// file edit picked up by the watcher. Handlers must not block on the
// settings lock themselves, and must not add or release change callbacks,
// since the callback lock is held while they run.
func (s *Store) AddChangeCallback(f func(Settings)) ChangeHandle {
	id := uuid.New()
	s.cbMu.Lock()
	s.callbacks = append(s.callbacks, callbackEntry{id: id, fn: f})
	s.cbMu.Unlock()
	return ChangeHandle{id: id, store: s}
}

func (s *Store) removeCallback(id uuid.UUID) {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	for i, cb := range s.callbacks {
		if cb.id == id {
			s.callbacks = append(s.callbacks[:i], s.callbacks[i+1:]...)
			return
		}
	}
}

func (s *Store) notify(next Settings) {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()

	for _, cb := range s.callbacks {
		cb.fn(next)
	}
}

// reload re-reads the file (with retry) and, if it parses, installs it as
// both staged and committed and fires callbacks. A failed reload keeps the
// prior committed values in effect and is only logged.
func (s *Store) reload() {
	cfg, err := readWithRetry(s.path)
	if err != nil {
		metrics.SettingsReloads.WithLabelValues("parse_error").Inc()
		s.logger.Error().Err(err).Msg("settings reload failed, keeping previous values")
		return
	}

	s.mu.Lock()
	s.committed = cfg
	s.staged = cfg
	s.mu.Unlock()

	metrics.SettingsReloads.WithLabelValues("success").Inc()
	s.logger.Info().Msg("settings reloaded from file")
	s.notify(cfg)
}

// StartWatcher begins watching the settings file's directory for external
// edits, implemented with fsnotify plus a debounce.
func (s *Store) StartWatcher(stop <-chan struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	s.watcher = watcher

	dir := filepath.Dir(s.path)
	base := filepath.Base(s.path)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return err
	}

	go s.watchLoop(base, stop)
	return nil
}

func (s *Store) watchLoop(base string, stop <-chan struct{}) {
	var debounce *time.Timer
	const debounceDuration = 500 * time.Millisecond

	fire := make(chan struct{}, 1)

	for {
		select {
		case <-stop:
			_ = s.watcher.Close()
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(debounceDuration, func() {
					select {
					case fire <- struct{}{}:
					default:
					}
				})
			}
		case <-fire:
			s.reload()
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Error().Err(err).Msg("settings watcher error")
		}
	}
}

// Stop closes the file watcher, if running.
func (s *Store) Stop() {
	if s.watcher != nil {
		_ = s.watcher.Close()
	}
}

func atomicWriteYAML(path string, v Settings) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// readWithRetry handles the editor-rename-rewrite race: up to 10 attempts
// at 10ms apart.
func readWithRetry(path string) (Settings, error) {
	var lastErr error
	for attempt := 0; attempt < 10; attempt++ {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return Settings{}, err
			}
			lastErr = err
			time.Sleep(10 * time.Millisecond)
			continue
		}

		var cfg Settings
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			lastErr = err
			time.Sleep(10 * time.Millisecond)
			continue
		}
		return cfg, nil
	}
	return Settings{}, lastErr
}
