// Command voxweave is the main entry point for the Voxweave transcript server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/voxweave/voxweave/internal/config"
	"github.com/voxweave/voxweave/internal/observe"
	"github.com/voxweave/voxweave/internal/server"
	"github.com/voxweave/voxweave/pkg/provider/llm"
	"github.com/voxweave/voxweave/pkg/transcript/postgres"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxweave: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxweave: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("voxweave starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "voxweave",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Transcript store ──────────────────────────────────────────────────────
	store, err := postgres.NewStore(ctx, cfg.Store.PostgresDSN, cfg.Store.EmbeddingDimensions)
	if err != nil {
		slog.Error("failed to open transcript store", "err", err)
		return 1
	}
	defer store.Close()
	slog.Info("transcript store ready", "embedding_dimensions", cfg.Store.EmbeddingDimensions)

	// ── Agent provider (optional) ─────────────────────────────────────────────
	opts := []server.Option{server.WithLogger(logger)}
	if cfg.Agent.Provider.Name != "" {
		provider, err := buildAgentProvider(cfg)
		if err != nil {
			slog.Error("failed to build agent provider", "err", err)
			return 1
		}
		opts = append(opts, server.WithAgentProvider(provider))
		slog.Info("agent enabled",
			"provider", cfg.Agent.Provider.Name,
			"model", cfg.Agent.Provider.Model,
		)
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	srv, err := server.New(cfg, store, opts...)
	if err != nil {
		slog.Error("failed to initialise server", "err", err)
		return 1
	}

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	slog.Info("goodbye")
	return 0
}

// buildAgentProvider instantiates the configured LLM backend through the
// default provider registry.
func buildAgentProvider(cfg *config.Config) (llm.Provider, error) {
	return config.DefaultRegistry().CreateLLM(cfg.Agent.Provider)
}

// newLogger builds the process-wide slog logger at the configured level.
func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
