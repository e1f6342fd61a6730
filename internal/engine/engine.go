// Package engine wires the notifier process: registry poller, firehose
// consumer, dispatcher, push delivery and the metrics listener.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/nkkko/skypush/internal/config"
	"github.com/nkkko/skypush/internal/firehose"
	"github.com/nkkko/skypush/internal/notifier"
	"github.com/nkkko/skypush/internal/push"
	"github.com/nkkko/skypush/internal/registry"
	"github.com/nkkko/skypush/internal/storage/badger"
	"github.com/nkkko/skypush/pkg/client"
)

// Config contains engine configuration parameters
type Config struct {
	// Registry endpoint and the bearer token used for list and unregister
	RegistryURL   string
	RegistryToken string

	Poller      registry.Config
	Firehose    firehose.Config
	Dispatcher  notifier.Config
	Push        push.Config
	CursorStore badger.Config

	// Invalid-token cache bounds
	InvalidCacheSize int
	InvalidCacheTTL  time.Duration

	// How long the firehose waits for the first registry snapshot before
	// consuming anyway
	ReadyTimeout time.Duration

	// Metrics listener address; empty disables it
	MetricsAddr string
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() Config {
	return Config{
		RegistryURL:      "http://localhost:8080",
		Poller:           registry.DefaultConfig(),
		Firehose:         firehose.DefaultConfig(),
		Dispatcher:       notifier.DefaultConfig(),
		Push:             push.DefaultConfig(),
		CursorStore:      badger.DefaultConfig(),
		InvalidCacheSize: 10000,
		InvalidCacheTTL:  5 * time.Minute,
		ReadyTimeout:     15 * time.Second,
		MetricsAddr:      ":9464",
	}
}

// Engine is the notifier process
type Engine struct {
	config     Config
	cursors    *badger.CursorStore
	poller     *registry.Poller
	invalid    *notifier.InvalidTokenCache
	pushClient *push.Client
	dispatcher *notifier.Dispatcher
	consumer   *firehose.Consumer
	logger     zerolog.Logger
}

// CreateEngine builds an engine and its push provider from the central config
func CreateEngine(ctx context.Context, cfg *config.Config) (*Engine, error) {
	provider, err := NewProvider(ctx, cfg)
	if err != nil {
		return nil, err
	}

	engineConfig := DefaultConfig()
	engineConfig.RegistryURL = cfg.Notifier.RegistryURL
	engineConfig.RegistryToken = cfg.Notifier.RegistryToken
	engineConfig.Poller = cfg.ToPollerConfig()
	engineConfig.Firehose = cfg.ToFirehoseConfig()
	engineConfig.Dispatcher = cfg.ToDispatcherConfig()
	engineConfig.Push = cfg.ToPushClientConfig()
	engineConfig.CursorStore = cfg.ToCursorStoreConfig()
	engineConfig.InvalidCacheSize = cfg.Notifier.InvalidCacheSize
	engineConfig.InvalidCacheTTL = time.Duration(cfg.Notifier.InvalidCacheTTL) * time.Second
	engineConfig.MetricsAddr = ""
	if cfg.Metrics.Enabled {
		engineConfig.MetricsAddr = cfg.Metrics.Addr
	}

	return New(engineConfig, provider)
}

// NewProvider returns the push provider selected by cfg.Push.Provider
func NewProvider(ctx context.Context, cfg *config.Config) (push.Provider, error) {
	switch cfg.Push.Provider {
	case config.ProviderExpo:
		return push.NewExpoProvider(cfg.ToExpoConfig()), nil
	case config.ProviderFCM:
		return push.NewFCMProvider(ctx, cfg.ToFCMConfig())
	default:
		return nil, fmt.Errorf("%w: unknown push provider %q", config.ErrInvalidConfig, cfg.Push.Provider)
	}
}

// New creates an engine delivering through provider. Permanent delivery
// failures flow provider -> push client -> invalid-token cache -> poller,
// which removes the token locally and from the registry.
func New(config Config, provider push.Provider) (*Engine, error) {
	defaults := DefaultConfig()
	if config.InvalidCacheSize <= 0 {
		config.InvalidCacheSize = defaults.InvalidCacheSize
	}
	if config.InvalidCacheTTL <= 0 {
		config.InvalidCacheTTL = defaults.InvalidCacheTTL
	}
	if config.ReadyTimeout <= 0 {
		config.ReadyTimeout = defaults.ReadyTimeout
	}

	cursors, err := badger.NewCursorStore(config.CursorStore)
	if err != nil {
		return nil, fmt.Errorf("failed to open cursor store: %w", err)
	}

	registryClient := client.New(config.RegistryURL,
		client.WithToken(config.RegistryToken),
		client.WithTimeout(config.Poller.RequestTimeout),
	)
	poller := registry.NewPoller(config.Poller, registryClient)

	invalid, err := notifier.NewInvalidTokenCache(config.InvalidCacheSize, config.InvalidCacheTTL, poller)
	if err != nil {
		cursors.Close()
		return nil, fmt.Errorf("failed to create invalid token cache: %w", err)
	}

	pushClient := push.NewClient(config.Push, provider, invalid)
	dispatcher := notifier.NewDispatcher(config.Dispatcher, poller, pushClient, invalid)
	consumer := firehose.New(config.Firehose, dispatcher, cursors)

	return &Engine{
		config:     config,
		cursors:    cursors,
		poller:     poller,
		invalid:    invalid,
		pushClient: pushClient,
		dispatcher: dispatcher,
		consumer:   consumer,
		logger:     log.With().Str("component", "engine").Logger(),
	}, nil
}

// Start runs every component until ctx is done or one of them fails. The
// cursor store is closed once all components have stopped.
func (e *Engine) Start(ctx context.Context) error {
	e.logger.Info().
		Str("registry", e.config.RegistryURL).
		Str("firehose", e.config.Firehose.URL).
		Msg("Starting notifier engine")

	defer func() {
		if err := e.cursors.Close(); err != nil {
			e.logger.Error().Err(err).Msg("Failed to close cursor store")
		}
	}()

	// Bind the metrics listener first so a bad address fails startup
	var metricsListener net.Listener
	if e.config.MetricsAddr != "" {
		ln, err := net.Listen("tcp", e.config.MetricsAddr)
		if err != nil {
			return fmt.Errorf("failed to bind metrics listener on %s: %w", e.config.MetricsAddr, err)
		}
		metricsListener = ln
	}

	// Create an error group for managing goroutines
	g, ctx := errgroup.WithContext(ctx)

	if metricsListener != nil {
		g.Go(func() error {
			return e.serveMetrics(ctx, metricsListener)
		})
	}

	g.Go(func() error {
		return e.poller.Run(ctx)
	})

	g.Go(func() error {
		return e.dispatcher.Run(ctx)
	})

	g.Go(func() error {
		e.cursors.Run(ctx)
		return nil
	})

	g.Go(func() error {
		if !e.waitForSnapshot(ctx) {
			return nil
		}
		return e.consumer.Run(ctx)
	})

	// Wait for all goroutines to finish
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("error running engine: %w", err)
	}

	e.logger.Info().Int64("cursor", e.consumer.Cursor()).Msg("Notifier engine shut down")
	return nil
}

// waitForSnapshot delays consumption until the first registry snapshot is
// available or the ready timeout passes. It returns false if ctx is done.
func (e *Engine) waitForSnapshot(ctx context.Context) bool {
	timer := time.NewTimer(e.config.ReadyTimeout)
	defer timer.Stop()

	select {
	case <-e.poller.Ready():
		return true
	case <-timer.C:
		e.logger.Warn().
			Dur("waited", e.config.ReadyTimeout).
			Msg("No registry snapshot yet, consuming firehose with an empty subscriber set")
		return true
	case <-ctx.Done():
		return false
	}
}

// Handler returns the metrics and health handler
func (e *Engine) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Handle("/metrics", promhttp.Handler())

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-e.poller.Ready():
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("OK"))
		default:
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("waiting for registry snapshot"))
		}
	})

	return r
}

func (e *Engine) serveMetrics(ctx context.Context, ln net.Listener) error {
	server := &http.Server{
		Handler:           e.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(ln)
	}()

	e.logger.Info().Str("addr", ln.Addr().String()).Msg("Metrics listener started")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics listener error: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
