// Gigmesh - Order lifecycle and escrow settlement for agent services
package main

import (
	"context"
	"os"

	"github.com/gigmesh/gigmesh/internal/config"
	"github.com/gigmesh/gigmesh/internal/logging"
	"github.com/gigmesh/gigmesh/internal/server"
	"github.com/gigmesh/gigmesh/internal/traces"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Create logger
	logger := logging.New("info", "text")

	logger.Info("starting gigmesh",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"env", cfg.Env,
		"chain_id", cfg.ChainID,
		"stable_token", cfg.StableTokenContract,
		"escrow_mode", cfg.EscrowMode,
	)

	ctx := context.Background()

	// Tracing is optional: no-op unless an OTLP endpoint is configured
	shutdownTraces, err := traces.Init(ctx, os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"), logger)
	if err != nil {
		logger.Error("failed to init tracing", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownTraces(context.Background()) }()

	// Create and run server
	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
