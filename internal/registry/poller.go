// Package registry keeps the notifier's view of the subscription registry.
// A Poller periodically fetches the full subscription list and swaps it in
// atomically; readers never observe a partially updated snapshot and a failed
// poll keeps the previous snapshot in place.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/nkkko/skypush/internal/domain"
	"github.com/nkkko/skypush/internal/identity"
	"github.com/nkkko/skypush/internal/logging"
	"github.com/nkkko/skypush/internal/metrics"
	"github.com/nkkko/skypush/pkg/client"
)

// Ensure Poller satisfies the interfaces the notifier depends on
var (
	_ domain.SubscriptionReader = (*Poller)(nil)
	_ domain.TokenInvalidator   = (*Poller)(nil)
)

// API is the subset of the registry client the poller uses
type API interface {
	List(ctx context.Context) ([]client.Subscription, error)
	Unregister(ctx context.Context, identity, token string) error
}

// Config contains poller configuration
type Config struct {
	// Interval between polls
	PollInterval time.Duration

	// Timeout for a single registry request
	RequestTimeout time.Duration
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		PollInterval:   60 * time.Second,
		RequestTimeout: 10 * time.Second,
	}
}

// Snapshot is an immutable identity -> tokens view
type Snapshot struct {
	subs      map[string][]string
	tokens    int
	fetchedAt time.Time
}

// NewSnapshot builds a snapshot from subscriptions, normalizing identities
// and dropping empty entries
func NewSnapshot(subs []client.Subscription, fetchedAt time.Time) *Snapshot {
	s := &Snapshot{subs: make(map[string][]string, len(subs)), fetchedAt: fetchedAt}
	for _, sub := range subs {
		did, ok := identity.Normalize(sub.Identity)
		if !ok || len(sub.Tokens) == 0 {
			continue
		}
		tokens := make([]string, 0, len(s.subs[did])+len(sub.Tokens))
		tokens = append(tokens, s.subs[did]...)
		for _, t := range sub.Tokens {
			if t != "" {
				tokens = append(tokens, t)
			}
		}
		if len(tokens) == 0 {
			continue
		}
		s.tokens += len(tokens) - len(s.subs[did])
		s.subs[did] = tokens
	}
	return s
}

// Len returns the number of identities in the snapshot
func (s *Snapshot) Len() int { return len(s.subs) }

// FetchedAt returns when the snapshot was fetched
func (s *Snapshot) FetchedAt() time.Time { return s.fetchedAt }

// without returns a copy of s with token removed from did
func (s *Snapshot) without(did, token string) *Snapshot {
	current := s.subs[did]
	kept := make([]string, 0, len(current))
	for _, t := range current {
		if t != token {
			kept = append(kept, t)
		}
	}
	if len(kept) == len(current) {
		return s
	}

	next := &Snapshot{subs: make(map[string][]string, len(s.subs)), tokens: s.tokens - (len(current) - len(kept)), fetchedAt: s.fetchedAt}
	for k, v := range s.subs {
		next.subs[k] = v
	}
	if len(kept) == 0 {
		delete(next.subs, did)
	} else {
		next.subs[did] = kept
	}
	return next
}

// Poller periodically refreshes the subscription snapshot from the registry
type Poller struct {
	config  Config
	api     API
	current atomic.Pointer[Snapshot]
	logger  zerolog.Logger
	metrics *metrics.Metrics

	// mu serializes snapshot replacement between polls and invalidations
	mu sync.Mutex

	ready     chan struct{}
	readyOnce sync.Once
}

// NewPoller creates a poller with an empty snapshot
func NewPoller(config Config, api API) *Poller {
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultConfig().PollInterval
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = DefaultConfig().RequestTimeout
	}

	p := &Poller{
		config:  config,
		api:     api,
		logger:  log.With().Str("component", "registry-poller").Logger(),
		metrics: metrics.GetMetrics(),
		ready:   make(chan struct{}),
	}
	p.current.Store(NewSnapshot(nil, time.Time{}))
	return p
}

// Tokens returns the tokens subscribed to did in the current snapshot. The
// returned slice is shared and must not be modified.
func (p *Poller) Tokens(did string) []string {
	return p.current.Load().subs[did]
}

// Snapshot returns the current snapshot
func (p *Poller) Snapshot() *Snapshot {
	return p.current.Load()
}

// Ready is closed after the first successful poll
func (p *Poller) Ready() <-chan struct{} {
	return p.ready
}

// Poll fetches the subscription list once. On failure the current snapshot
// is kept and the error is returned for logging only.
func (p *Poller) Poll(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.config.RequestTimeout)
	defer cancel()

	subs, err := p.api.List(ctx)
	if err != nil {
		result := "error"
		if errors.Is(err, client.ErrUnauthorized) {
			result = "unauthorized"
		}
		p.metrics.RegistryPollsTotal.WithLabelValues(result).Inc()
		return fmt.Errorf("failed to fetch subscriptions: %w", err)
	}

	snap := NewSnapshot(subs, time.Now())

	p.mu.Lock()
	p.current.Store(snap)
	p.mu.Unlock()

	p.metrics.RegistryPollsTotal.WithLabelValues("success").Inc()
	p.metrics.RegistrySnapshotIdentities.Set(float64(snap.Len()))
	p.readyOnce.Do(func() { close(p.ready) })

	p.logger.Debug().
		Int("identities", snap.Len()).
		Int("tokens", snap.tokens).
		Msg("Subscription snapshot refreshed")

	return nil
}

// Run polls immediately and then on every interval until ctx is done. Poll
// failures are logged and never stop the loop.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info().Dur("interval", p.config.PollInterval).Msg("Starting registry poller")

	p.pollAndLog(ctx)

	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.pollAndLog(ctx)
		case <-ctx.Done():
			p.logger.Info().Msg("Registry poller stopped")
			return nil
		}
	}
}

func (p *Poller) pollAndLog(ctx context.Context) {
	if err := p.Poll(ctx); err != nil && ctx.Err() == nil {
		snap := p.current.Load()
		p.logger.Warn().Err(err).
			Int("identities", snap.Len()).
			Time("snapshot_fetched_at", snap.FetchedAt()).
			Msg("Registry poll failed, keeping previous snapshot")
	}
}

// InvalidateToken removes token from the registry and from the local
// snapshot. A token the registry no longer knows is treated as removed.
func (p *Poller) InvalidateToken(ctx context.Context, did, token string) error {
	p.mu.Lock()
	p.current.Store(p.current.Load().without(did, token))
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, p.config.RequestTimeout)
	defer cancel()

	err := p.api.Unregister(ctx, did, token)
	if err != nil && !errors.Is(err, client.ErrNotFound) {
		return fmt.Errorf("failed to unregister token %s: %w", logging.Redact(token), err)
	}

	p.logger.Info().
		Str("identity", did).
		Str("token", logging.Redact(token)).
		Msg("Token unregistered from registry")
	return nil
}
