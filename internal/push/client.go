package push

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nkkko/skypush/internal/domain"
	"github.com/nkkko/skypush/internal/logging"
	"github.com/nkkko/skypush/internal/metrics"
	"github.com/nkkko/skypush/internal/telemetry"
)

// Config contains delivery retry configuration
type Config struct {
	// Retries after the first attempt for messages that failed transiently
	MaxRetries int

	// Delay before the first retry
	RetryDelay time.Duration

	// Upper bound on the delay between retries
	MaxRetryDelay time.Duration

	// Multiplier applied to the delay after each retry
	RetryBackoff float64

	// Randomization factor applied to each delay (0 disables jitter)
	RetryJitter float64
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		MaxRetries:    3,
		RetryDelay:    500 * time.Millisecond,
		MaxRetryDelay: 10 * time.Second,
		RetryBackoff:  2.0,
		RetryJitter:   0.3,
	}
}

// Client delivers messages through a Provider
type Client struct {
	config      Config
	provider    Provider
	invalidator domain.TokenInvalidator
	logger      zerolog.Logger
	metrics     *metrics.Metrics
}

// NewClient creates a delivery client. invalidator is called for every
// message the provider rejects permanently; it may be nil.
func NewClient(config Config, provider Provider, invalidator domain.TokenInvalidator) *Client {
	defaults := DefaultConfig()
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = defaults.RetryDelay
	}
	if config.MaxRetryDelay <= 0 {
		config.MaxRetryDelay = defaults.MaxRetryDelay
	}
	if config.RetryBackoff < 1 {
		config.RetryBackoff = defaults.RetryBackoff
	}
	if config.RetryJitter < 0 || config.RetryJitter >= 1 {
		config.RetryJitter = defaults.RetryJitter
	}

	return &Client{
		config:      config,
		provider:    provider,
		invalidator: invalidator,
		logger:      log.With().Str("component", "push").Str("provider", provider.Name()).Logger(),
		metrics:     metrics.GetMetrics(),
	}
}

// Deliver sends msgs in provider-sized batches. A failure on one message never
// stops the others; the returned Summary counts final outcomes.
func (c *Client) Deliver(ctx context.Context, msgs []domain.NotificationMessage) Summary {
	var summary Summary

	size := c.provider.MaxBatchSize()
	if size <= 0 {
		size = len(msgs)
	}

	for start := 0; start < len(msgs); start += size {
		end := start + size
		if end > len(msgs) {
			end = len(msgs)
		}
		c.deliverBatch(ctx, msgs[start:end], &summary)
	}

	return summary
}

func (c *Client) deliverBatch(ctx context.Context, batch []domain.NotificationMessage, summary *Summary) {
	ctx, span := telemetry.StartSpan(ctx, "push.batch", trace.WithAttributes(
		attribute.String("provider", c.provider.Name()),
		attribute.Int("messages", len(batch)),
	))
	defer span.End()

	pending := batch
	attempt := 0

	operation := func() error {
		attempt++
		start := time.Now()
		results, err := c.provider.SendBatch(ctx, pending)
		c.metrics.PushBatchDuration.Observe(time.Since(start).Seconds())

		if err == nil && len(results) != len(pending) {
			err = fmt.Errorf("%w: sent %d, got %d", ErrResultMismatch, len(pending), len(results))
		}

		if err != nil {
			if errors.Is(err, ErrProviderUnavailable) {
				return err
			}
			// Not retryable as a batch: every message fails on its own
			for _, msg := range pending {
				c.finish(ctx, msg, Result{Status: StatusFailed, Err: err}, summary)
			}
			pending = nil
			return backoff.Permanent(err)
		}

		var retry []domain.NotificationMessage
		for i, res := range results {
			if res.Status == StatusTransient {
				retry = append(retry, pending[i])
				continue
			}
			c.finish(ctx, pending[i], res, summary)
		}

		pending = retry
		if len(pending) > 0 {
			return fmt.Errorf("%w: %d messages pending retry", ErrProviderUnavailable, len(pending))
		}
		return nil
	}

	notify := func(err error, wait time.Duration) {
		c.logger.Warn().Err(err).
			Int("attempt", attempt).
			Int("pending", len(pending)).
			Dur("retry_in", wait).
			Msg("Transient push failure, retrying")
	}

	err := backoff.RetryNotify(operation, backoff.WithContext(c.newBackOff(), ctx), notify)

	// Whatever is still pending exhausted its retries
	for _, msg := range pending {
		c.finish(ctx, msg, Result{Status: StatusTransient, Err: err}, summary)
	}

	if err != nil {
		telemetry.MarkSpanError(ctx, err)
	}
	span.SetAttributes(
		attribute.Int("attempts", attempt),
		attribute.Int("success", summary.Success),
	)
}

func (c *Client) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.config.RetryDelay
	b.MaxInterval = c.config.MaxRetryDelay
	b.Multiplier = c.config.RetryBackoff
	b.RandomizationFactor = c.config.RetryJitter
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithMaxRetries(b, uint64(c.config.MaxRetries))
}

// finish records the final outcome of one message
func (c *Client) finish(ctx context.Context, msg domain.NotificationMessage, res Result, summary *Summary) {
	summary.add(res.Status)
	c.metrics.PushMessagesTotal.WithLabelValues(c.provider.Name(), res.Status.String()).Inc()

	switch res.Status {
	case StatusSuccess:
		c.logger.Debug().
			Str("identity", msg.Identity).
			Str("token", logging.Redact(msg.Token)).
			Str("reason", string(msg.Reason)).
			Msg("Notification delivered")

	case StatusPermanent:
		c.logger.Info().
			Str("identity", msg.Identity).
			Str("token", logging.Redact(msg.Token)).
			Str("code", res.Code).
			Msg("Provider rejected token, invalidating")
		c.invalidate(ctx, msg)

	case StatusTransient:
		c.logger.Warn().Err(res.Err).
			Str("identity", msg.Identity).
			Str("token", logging.Redact(msg.Token)).
			Str("reason", string(msg.Reason)).
			Str("code", res.Code).
			Msg("Notification dropped after exhausting retries")

	default:
		c.logger.Warn().Err(res.Err).
			Str("identity", msg.Identity).
			Str("token", logging.Redact(msg.Token)).
			Str("reason", string(msg.Reason)).
			Str("code", res.Code).
			Msg("Notification rejected by provider")
	}
}

func (c *Client) invalidate(ctx context.Context, msg domain.NotificationMessage) {
	if c.invalidator == nil {
		return
	}

	if err := c.invalidator.InvalidateToken(ctx, msg.Identity, msg.Token); err != nil {
		c.metrics.PushInvalidatedTotal.WithLabelValues("false").Inc()
		c.logger.Error().Err(err).
			Str("identity", msg.Identity).
			Str("token", logging.Redact(msg.Token)).
			Msg("Failed to invalidate token")
		return
	}
	c.metrics.PushInvalidatedTotal.WithLabelValues("true").Inc()
	telemetry.AddSpanEvent(ctx, "token.invalidated",
		attribute.String("identity", msg.Identity),
		attribute.String("code", "permanent"),
	)
}
