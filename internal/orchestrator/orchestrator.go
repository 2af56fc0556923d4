// Package orchestrator implements the four entry points (chat, embeddings,
// transcription, image generation) that resolve a model reference, admit
// it through the request manager, load it via the appropriate backend and
// model cache, and route generation to a completion stream or a one-shot
// call. It is the seam everything else in this repository was built to be
// driven through.
package orchestrator

import (
	"errors"
	"os"
	"sync"
	"time"

	"github.com/edgenai/edgen-infer/internal/backend"
	"github.com/edgenai/edgen-infer/internal/device"
	"github.com/edgenai/edgen-infer/internal/log"
	"github.com/edgenai/edgen-infer/internal/modelcache"
	"github.com/edgenai/edgen-infer/internal/request"
	"github.com/edgenai/edgen-infer/internal/session"
	"github.com/edgenai/edgen-infer/internal/settings"
	"github.com/edgenai/edgen-infer/internal/status"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Sentinel errors surfaced upward to the HTTP layer.
var (
	ErrKindNotServed = errors.New("orchestrator: resolved model kind has no backend registered for this endpoint")
	ErrEmptyModel    = errors.New("orchestrator: endpoint requires a model but none was given")
)

// Backends is the sealed set of backend tags the orchestrator dispatches
// to; each endpoint holds a typed handle to one backend.
type Backends struct {
	LLM       backend.LlmBackend
	Whisper   backend.WhisperBackend
	Diffusion backend.DiffusionBackend
	Faker     backend.LlmBackend // FakerBackend satisfies LlmBackend
}

// Orchestrator wires together every component built in this repository into
// the four request entry points.
type Orchestrator struct {
	settings *settings.Store
	reg      *device.Registry
	manager  *request.Manager
	status   *status.Board
	backends Backends
	download Downloader

	llmModels     *modelcache.Cache[backend.LlmModel]
	whisperModels *modelcache.Cache[backend.WhisperModel]

	sessions *sessionRegistry

	patternTable []PatternEntry

	logger zerolog.Logger
}

// New constructs an Orchestrator. Callers register it with the request
// manager's resource-user machinery (RegisterUserOnAll for the model
// caches) separately, after construction, since that wiring is process-level
// and belongs in cmd/edgen-infer's main.
func New(st *settings.Store, reg *device.Registry, mgr *request.Manager, board *status.Board, backends Backends, dl Downloader) *Orchestrator {
	cfg := st.Get()
	return &Orchestrator{
		settings:      st,
		reg:           reg,
		manager:       mgr,
		status:        board,
		backends:      backends,
		download:      dl,
		llmModels:     modelcache.New[backend.LlmModel]("llm", cfg.InactiveLlmTTL, cfg.ModelCacheSweepPeriod),
		whisperModels: modelcache.New[backend.WhisperModel]("whisper", cfg.InactiveWhisperTTL, cfg.ModelCacheSweepPeriod),
		sessions:      newSessionRegistry(cfg.InactiveSessionTTL),
		patternTable:  DefaultPatternTable(),
		logger:        log.WithComponent("orchestrator"),
	}
}

// ModelCaches exposes both model caches as request.ResourceUser so cmd/
// wiring can register them against every device queue.
func (o *Orchestrator) ModelCaches() []request.ResourceUser {
	return []request.ResourceUser{o.llmModels, o.whisperModels}
}

// Reset clears both model caches and every session cache, run from the
// settings change callback. It does not cancel in-flight streams.
func (o *Orchestrator) Reset(next settings.Settings) {
	o.llmModels.Reset()
	o.whisperModels.Reset()
	o.sessions.resetAll()
	o.logger.Info().Msg("model and session caches reset after settings change")
}

// Close tears down background goroutines owned directly by the orchestrator
// (the model caches' sweepers; per-model session caches are stopped as part
// of resetAll). The two model caches' sweepers are fixed, independent
// background tasks, so an errgroup supervises their shutdown concurrently
// rather than blocking one on the other.
func (o *Orchestrator) Close() {
	var g errgroup.Group
	g.Go(func() error { o.llmModels.Stop(); return nil })
	g.Go(func() error { o.whisperModels.Stop(); return nil })
	_ = g.Wait()
	o.sessions.resetAll()
}

// sessionRegistry lazily creates one session.Cache per resolved model path.
type sessionRegistry struct {
	ttl time.Duration

	mu     sync.Mutex
	byPath map[string]*session.Cache
}

func newSessionRegistry(ttl time.Duration) *sessionRegistry {
	return &sessionRegistry{ttl: ttl, byPath: make(map[string]*session.Cache)}
}

func (r *sessionRegistry) forPath(path string) *session.Cache {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.byPath[path]; ok {
		return c
	}
	c := session.New(path, r.ttl)
	r.byPath[path] = c
	return c
}

func (r *sessionRegistry) resetAll() {
	r.mu.Lock()
	old := r.byPath
	r.byPath = make(map[string]*session.Cache)
	r.mu.Unlock()

	// One background sweeper per model; tearing them down is independent
	// per entry, so an errgroup fans the teardown out instead of paying
	// len(old) sequential Stop() round-trips.
	var g errgroup.Group
	for _, c := range old {
		c := c
		g.Go(func() error {
			c.Reset()
			c.Stop()
			return nil
		})
	}
	_ = g.Wait()
}

// downloadedFileSize is a crude memory-estimator fallback: a model's
// steady-state footprint roughly tracks its file size on disk, which is a
// reasonable estimate to build a Passport from before the model is actually
// loaded, since cross-device footprint differences aren't observable until
// after a real load happens.
func downloadedFileSize(path string) uint64 {
	fi, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return uint64(fi.Size())
}
