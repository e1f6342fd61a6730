// Command registry serves the push subscription registry over HTTP.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nkkko/skypush/internal/api"
	"github.com/nkkko/skypush/internal/config"
	"github.com/nkkko/skypush/internal/logging"
	"github.com/nkkko/skypush/internal/storage/filestore"
	"github.com/nkkko/skypush/internal/telemetry"
)

func main() {
	os.Exit(run())
}

func run() int {
	configFile := flag.String("config", "", "Path to a YAML configuration file")
	storePath := flag.String("store", "", "Path to the subscription snapshot file")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error)")
	flag.Parse()

	cfg, err := config.LoadConfig(*configFile, *storePath, "", *logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "registry: %v\n", err)
		return 1
	}
	if err := cfg.ValidateRegistry(); err != nil {
		fmt.Fprintf(os.Stderr, "registry: %v\n", err)
		return 1
	}

	if err := logging.Setup(cfg.ToLoggingConfig("registry")); err != nil {
		fmt.Fprintf(os.Stderr, "registry: failed to set up logging: %v\n", err)
		return 1
	}
	logger := logging.Component("registry")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Set up signal handling
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info().Str("signal", sig.String()).Msg("Caught signal, initiating shutdown")
		cancel()
	}()

	telShutdown, err := telemetry.Setup(ctx, cfg.ToTelemetryConfig("registry"))
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to set up telemetry, continuing without it")
	} else {
		defer func() {
			if err := telShutdown(context.Background()); err != nil {
				logger.Error().Err(err).Msg("Failed to shut down telemetry")
			}
		}()
	}

	store, err := filestore.New(cfg.ToFileStoreConfig())
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create subscription store")
		return 1
	}
	if err := store.Load(); err != nil {
		logger.Error().Err(err).Str("path", cfg.Registry.StorePath).Msg("Failed to load subscription store")
		return 1
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close subscription store")
		}
	}()

	server := api.NewServer(cfg.ToAPIConfig(), store)
	if err := server.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("Registry stopped with an error")
		return 1
	}

	logger.Info().Msg("Registry shut down cleanly")
	return 0
}
