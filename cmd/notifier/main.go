// Command notifier watches the firehose for interactions and sends push
// notifications to subscribed devices.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nkkko/skypush/internal/config"
	"github.com/nkkko/skypush/internal/engine"
	"github.com/nkkko/skypush/internal/logging"
	"github.com/nkkko/skypush/internal/telemetry"
)

func main() {
	os.Exit(run())
}

func run() int {
	configFile := flag.String("config", "", "Path to a YAML configuration file")
	dataDir := flag.String("data-dir", "", "Directory for the firehose cursor database")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error)")
	flag.Parse()

	cfg, err := config.LoadConfig(*configFile, "", *dataDir, *logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "notifier: %v\n", err)
		return 1
	}
	if err := cfg.ValidateNotifier(); err != nil {
		fmt.Fprintf(os.Stderr, "notifier: %v\n", err)
		return 1
	}

	if err := logging.Setup(cfg.ToLoggingConfig("notifier")); err != nil {
		fmt.Fprintf(os.Stderr, "notifier: failed to set up logging: %v\n", err)
		return 1
	}
	logger := logging.Component("notifier")

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

	telShutdown, err := telemetry.Setup(ctx, cfg.ToTelemetryConfig("notifier"))
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to set up telemetry, continuing without it")
	} else {
		defer func() {
			if err := telShutdown(context.Background()); err != nil {
				logger.Error().Err(err).Msg("Failed to shut down telemetry")
			}
		}()
	}

	eng, err := engine.CreateEngine(ctx, cfg)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create notifier engine")
		return 1
	}

	if err := eng.Start(ctx); err != nil {
		logger.Error().Err(err).Msg("Notifier stopped with an error")
		return 1
	}

	logger.Info().Msg("Notifier shut down cleanly")
	return 0
}
