// Package api implements the registry HTTP service over the subscription store.
//
// Two bearer tokens are recognized. The administrator token may register,
// unregister and enumerate every subscription. The client token is for
// self-service use by the mobile app: it may register a token and remove the
// identity/token pair it presents, but may never enumerate subscriptions.
package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	apierrors "github.com/nkkko/skypush/internal/api/errors"
	"github.com/nkkko/skypush/internal/api/models"
	"github.com/nkkko/skypush/internal/api/response"
	"github.com/nkkko/skypush/internal/api/validation"
	"github.com/nkkko/skypush/internal/logging"
	"github.com/nkkko/skypush/internal/storage"
	"github.com/nkkko/skypush/internal/telemetry"
)

// ErrBind is returned by Run when the listening socket cannot be opened
var ErrBind = errors.New("failed to bind registry listener")

// probePaths are hit by orchestrators and scrapers and are neither traced
// nor logged above debug level
var probePaths = []string{"/healthz", "/readyz", "/metrics"}

// Config contains API configuration
type Config struct {
	// Server address
	Addr string

	// Bearer tokens
	AdminToken  string
	ClientToken string

	// CORS origins allowed to call the service
	AllowedOrigins []string

	// Timeouts
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration

	// Maximum accepted request body
	MaxBodyBytes int64

	// Service name reported on request spans
	ServiceName string
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		Addr:            ":8080",
		AllowedOrigins:  []string{"*"},
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		RequestTimeout:  30 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		MaxBodyBytes:    16 << 10,
		ServiceName:     "skypush-registry",
	}
}

type role int

const (
	roleNone role = iota
	roleClient
	roleAdmin
)

func (r role) String() string {
	switch r {
	case roleAdmin:
		return "admin"
	case roleClient:
		return "client"
	default:
		return "none"
	}
}

type roleKey struct{}

// Server is the registry HTTP service
type Server struct {
	config   Config
	store    storage.SubscriptionStore
	router   chi.Router
	server   *http.Server
	draining atomic.Bool
	logger   zerolog.Logger
}

// NewServer creates a registry service backed by store. The store must
// already be loaded.
func NewServer(config Config, store storage.SubscriptionStore) *Server {
	defaults := DefaultConfig()
	if config.Addr == "" {
		config.Addr = defaults.Addr
	}
	if len(config.AllowedOrigins) == 0 {
		config.AllowedOrigins = defaults.AllowedOrigins
	}
	if config.ReadTimeout == 0 {
		config.ReadTimeout = defaults.ReadTimeout
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}
	if config.IdleTimeout == 0 {
		config.IdleTimeout = defaults.IdleTimeout
	}
	if config.RequestTimeout == 0 {
		config.RequestTimeout = defaults.RequestTimeout
	}
	if config.ShutdownTimeout == 0 {
		config.ShutdownTimeout = defaults.ShutdownTimeout
	}
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = defaults.MaxBodyBytes
	}
	if config.ServiceName == "" {
		config.ServiceName = defaults.ServiceName
	}

	s := &Server{
		config: config,
		store:  store,
		logger: log.With().Str("component", "registry-api").Logger(),
	}
	s.router = s.routes()
	s.server = &http.Server{
		Addr:         config.Addr,
		Handler:      s.router,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}

	return s
}

// Handler returns the root HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run binds the listening socket and serves until ctx is done. A bind
// failure is returned immediately wrapped in ErrBind.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("%w on %s: %v", ErrBind, s.config.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done, then stops accepting connections and
// drains in-flight requests for up to the shutdown timeout.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Registry API listening")

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.server.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("registry server error: %w", err)
	case <-ctx.Done():
	}

	s.draining.Store(true)
	s.logger.Info().Dur("grace", s.config.ShutdownTimeout).Msg("Draining registry API")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down registry server: %w", err)
	}

	s.logger.Info().Msg("Registry API stopped")
	return nil
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(telemetry.HTTPMiddleware(s.config.ServiceName, probePaths...))
	r.Use(logging.HTTPMiddleware(probePaths...))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.config.RequestTimeout))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.config.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}))

	// Health checks
	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)

	// Metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/subscriptions", func(r chi.Router) {
		r.With(s.authorize(roleClient)).Post("/", s.handleRegister)
		r.With(s.authorize(roleClient)).Delete("/", s.handleUnregister)
		r.With(s.authorize(roleAdmin)).Get("/", s.handleList)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, r, apierrors.NotFoundError("route_not_found", "No such endpoint"))
	})

	return r
}

// authorize rejects requests whose bearer token does not grant at least min
func (s *Server) authorize(min role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := s.authenticate(r)
			if got == roleNone {
				response.Error(w, r, apierrors.UnauthorizedError("invalid_token", "Missing or invalid bearer token"))
				return
			}
			if got < min {
				response.Error(w, r, apierrors.UnauthorizedError("admin_token_required", "This operation requires the administrator token"))
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), roleKey{}, got)))
		})
	}
}

func (s *Server) authenticate(r *http.Request) role {
	header := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return roleNone
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return roleNone
	}

	switch {
	case tokenEqual(token, s.config.AdminToken):
		return roleAdmin
	case tokenEqual(token, s.config.ClientToken):
		return roleClient
	}
	return roleNone
}

func tokenEqual(presented, expected string) bool {
	return expected != "" && subtle.ConstantTimeCompare([]byte(presented), []byte(expected)) == 1
}

func roleFromContext(ctx context.Context) role {
	if r, ok := ctx.Value(roleKey{}).(role); ok {
		return r
	}
	return roleNone
}

// handleRegister adds a push token to an identity
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req models.RegisterRequest
	if err := validation.ParseAndValidate(w, r, &req, s.config.MaxBodyBytes); err != nil {
		s.logger.Debug().Err(err).Msg("Invalid register request")
		response.Error(w, r, err)
		return
	}

	sub, changed, err := s.store.Register(r.Context(), req.Identity, req.ProviderToken)
	if err != nil {
		response.Error(w, r, storeError(err))
		return
	}

	s.logger.Info().
		Str("identity", req.Identity).
		Str("token", logging.Redact(req.ProviderToken)).
		Str("platform", string(req.Platform)).
		Str("role", roleFromContext(r.Context()).String()).
		Bool("changed", changed).
		Msg("Registered push token")

	response.JSON(w, r, http.StatusOK, models.SubscriptionFromDomain(sub))
}

// handleUnregister removes the presented identity/token pair. Presenting the
// exact pair is the proof of ownership required from client callers.
func (s *Server) handleUnregister(w http.ResponseWriter, r *http.Request) {
	var req models.UnregisterRequest
	if err := validation.ParseAndValidate(w, r, &req, s.config.MaxBodyBytes); err != nil {
		s.logger.Debug().Err(err).Msg("Invalid unregister request")
		response.Error(w, r, err)
		return
	}

	if err := s.store.Unregister(r.Context(), req.Identity, req.Token); err != nil {
		response.Error(w, r, storeError(err))
		return
	}

	s.logger.Info().
		Str("identity", req.Identity).
		Str("token", logging.Redact(req.Token)).
		Str("role", roleFromContext(r.Context()).String()).
		Msg("Unregistered push token")

	response.JSON(w, r, http.StatusOK, models.UnregisterResponse{Identity: req.Identity, Removed: true})
}

// handleList returns every subscription
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, r, http.StatusOK, models.SubscriptionsFromDomain(s.store.List()))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, r, http.StatusOK, models.HealthResponse{Status: "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.draining.Load() {
		response.JSON(w, r, http.StatusServiceUnavailable, models.HealthResponse{Status: "draining"})
		return
	}
	response.JSON(w, r, http.StatusOK, models.HealthResponse{Status: "ready", Subscriptions: len(s.store.List())})
}

// storeError maps storage errors onto API errors
func storeError(err error) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return apierrors.NotFoundError("subscription_not_found", "Token is not registered for this identity")
	case errors.Is(err, storage.ErrInvalidIdentity):
		return apierrors.ValidationError("invalid_identity", "identity must be a DID")
	case errors.Is(err, storage.ErrEmptyToken):
		return apierrors.ValidationError("required_field_missing", "token is required")
	case errors.Is(err, context.DeadlineExceeded):
		return apierrors.TimeoutError("request_timeout", "Request timed out")
	default:
		return err
	}
}
