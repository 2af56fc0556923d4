package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/edgenai/edgen-infer/internal/backend"
	"github.com/edgenai/edgen-infer/internal/device"
	xglog "github.com/edgenai/edgen-infer/internal/log"
	"github.com/edgenai/edgen-infer/internal/orchestrator"
	"github.com/edgenai/edgen-infer/internal/request"
	"github.com/edgenai/edgen-infer/internal/settings"
	"github.com/edgenai/edgen-infer/internal/shutdown"
	"github.com/edgenai/edgen-infer/internal/status"
)

var (
	version   = "0.1.0"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "version":
			fmt.Printf("edgen-infer %s (commit: %s, built: %s)\n", version, commit, buildDate)
			return
		case "config":
			os.Exit(runConfigCLI(os.Args[2:]))
		case "oasgen":
			// The OpenAPI surface belongs to the HTTP adapter, out of scope
			// here; kept as a recognized no-op subcommand so the CLI surface
			// stays complete.
			fmt.Fprintln(os.Stderr, "oasgen: no HTTP adapter bundled in this build")
			return
		}
	}
	os.Exit(runServe(os.Args[1:]))
}

func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	bind := fs.String("bind", "", "override the configured bind address")
	dataDir := fs.String("data-dir", defaultDataDir(), "directory holding settings.yaml and downloaded models")
	_ = fs.Bool("nogui", true, "accepted for CLI-surface completeness; this build has no tray UI")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	xglog.Configure(xglog.Config{Level: "info", Service: "edgen-infer", Version: version})
	logger := xglog.WithComponent("main")

	store, err := settings.LoadOrCreate(*dataDir, "settings")
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load settings")
	}
	if *bind != "" {
		cfg := store.Stage()
		cfg.BindAddress = *bind
		store.Restage(cfg)
		if err := store.Apply(); err != nil {
			logger.Fatal().Err(err).Msg("failed to persist --bind override")
		}
	}

	watcher := shutdown.New(store.Get().ShutdownGrace)
	watcher.Start(context.Background())
	if err := store.StartWatcher(watcher.ShutdownEnds().Done()); err != nil {
		logger.Warn().Err(err).Msg("settings file watcher failed to start")
	}
	defer store.Stop()

	reg := device.NewRegistry(device.NewHostMemory())
	// GPU backends register themselves here at process startup in a real
	// build (one device.Registry.Register call per compiled-in driver);
	// this build ships none, so requests fall back to CPU.

	mgr := request.NewManager(reg, request.Headroom{
		Model:   store.Get().Headroom.Model,
		Regular: store.Get().Headroom.Regular,
	})
	defer mgr.Close()

	board := status.New()

	backends := orchestrator.Backends{
		Faker: backend.NewFakerBackend(),
	}
	downloader := orchestrator.FakerDownloader{Dir: filepath.Join(*dataDir, "models")}

	orch := orchestrator.New(store, reg, mgr, board, backends, downloader)
	defer orch.Close()

	for _, u := range orch.ModelCaches() {
		mgr.RegisterUserOnAll(u)
	}

	handle := store.AddChangeCallback(orch.Reset)
	defer handle.Release()

	logger.Info().Str("bind", store.Get().BindAddress).Msg("edgen-infer core ready")
	logger.Info().Msg("no HTTP adapter bundled in this build; the core is reachable via internal/orchestrator for in-process callers (see cmd/chatter)")

	<-watcher.ShutdownStarts().Done()
	logger.Warn().Msg("shutdown signal received, draining")
	<-watcher.ShutdownEnds().Done()
	return 0
}

func runConfigCLI(args []string) int {
	if len(args) == 0 || args[0] != "reset" {
		fmt.Fprintln(os.Stderr, "usage: edgen-infer config reset")
		return 2
	}
	dataDir := defaultDataDir()
	path := filepath.Join(dataDir, "settings.yaml")
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "config reset: %v\n", err)
		return 1
	}
	if _, err := settings.LoadOrCreate(dataDir, "settings"); err != nil {
		fmt.Fprintf(os.Stderr, "config reset: %v\n", err)
		return 1
	}
	fmt.Println("settings reset to defaults")
	return 0
}

func defaultDataDir() string {
	if v := strings.TrimSpace(os.Getenv("EDGEN_DATA")); v != "" {
		return v
	}
	dir, err := os.UserHomeDir()
	if err != nil {
		return "/tmp/edgen-infer"
	}
	return filepath.Join(dir, ".edgen-infer")
}
