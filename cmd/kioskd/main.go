// Command kioskd runs the signage agent: it keeps a media player child
// alive, polls the campaign API, localises media into the cache and plays
// the playlist aligned to the UTC cycle. Designed to run under systemd
// with zero interaction after provisioning.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/doohlabs/kioskd/internal/app"
	"github.com/doohlabs/kioskd/internal/config"
	"github.com/doohlabs/kioskd/internal/logx"
)

// version is stamped via -ldflags "-X main.version=...".
var version = "dev"

const shutdownGrace = 5 * time.Second

func main() {
	configPath := flag.String("config", "config.json", "config file (json or yaml); created with defaults when missing")
	stateDir := flag.String("state-dir", "", "override state_dir from the config")
	cacheDir := flag.String("cache-dir", "", "override cache_dir from the config")
	printConfig := flag.Bool("print-config", false, "dump the effective config and exit")
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("kioskd " + version)
		return
	}

	// Provisioning drops a .env next to the config file; its values win
	// over the file for the credential fields.
	if err := config.LoadEnvFile(filepath.Join(filepath.Dir(*configPath), ".env")); err != nil {
		fmt.Fprintln(os.Stderr, "kioskd: env file:", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "kioskd:", err)
		os.Exit(1)
	}
	if *cacheDir != "" {
		cfg.CacheDir = absOrDie(*cacheDir)
	}
	if *stateDir != "" {
		cfg.StateDir = absOrDie(*stateDir)
	}
	cfg.Clamp()

	if *printConfig {
		out, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			fmt.Fprintln(os.Stderr, "kioskd:", err)
			os.Exit(1)
		}
		fmt.Println(string(out))
		return
	}

	logx.Configure(logx.Config{
		Level:   cfg.LogLevel,
		File:    cfg.LogFile,
		Service: "kioskd",
		Version: version,
	})
	logger := logx.WithComponent("main")

	agent, err := app.New(app.Options{Config: cfg, ConfigPath: *configPath, Version: version})
	if err != nil {
		if errors.Is(err, app.ErrNoUsableMedia) {
			logger.Error().Str("event", "main.unusable").Err(err).
				Msg("set api_key and environment_id (config, .env or the local ui) or preload the cache")
			os.Exit(2)
		}
		logger.Error().Str("event", "main.boot_failed").Err(err).Msg("agent did not start")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info().Str("event", "main.signal").Str("signal", sig.String()).Msg("shutting down")
		cancel()
		// A second signal, or workers overrunning the grace window,
		// ends the process without waiting further.
		select {
		case <-sigCh:
			logger.Warn().Str("event", "main.forced_exit").Msg("second signal")
		case <-time.After(shutdownGrace):
			logger.Warn().Str("event", "main.forced_exit").Msg("shutdown overran the grace window")
		}
		os.Exit(1)
	}()

	if err := agent.Run(ctx); err != nil {
		logger.Error().Str("event", "main.failed").Err(err).Msg("agent exited with an error")
		os.Exit(1)
	}
}

func absOrDie(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "kioskd:", err)
		os.Exit(1)
	}
	return abs
}
