// Settlement engine - contract settlement and escrow for the marketplace
package main

import (
	"context"
	"os"

	"github.com/doerly/settlement/internal/config"
	"github.com/doerly/settlement/internal/logging"
	"github.com/doerly/settlement/internal/server"
	"github.com/doerly/settlement/internal/traces"
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

	logger.Info("starting settlement engine",
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
		"gateway", cfg.GatewayProvider,
		"settlement_currency", cfg.SettlementCurrency,
	)

	ctx := context.Background()

	// Tracing (no-op when no OTLP endpoint is configured)
	shutdownTraces, err := traces.Init(ctx, cfg.OTLPEndpoint, logger)
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := shutdownTraces(context.Background()); err != nil {
			logger.Error("trace shutdown error", "error", err)
		}
	}()

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
