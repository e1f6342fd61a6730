// Package notifier turns classified interaction events into push
// notifications for every token subscribed to the event's subject.
package notifier

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nkkko/skypush/internal/domain"
	"github.com/nkkko/skypush/internal/metrics"
	"github.com/nkkko/skypush/internal/push"
	"github.com/nkkko/skypush/internal/telemetry"
)

// Ensure Dispatcher accepts events from the firehose consumer
var _ domain.EventSink = (*Dispatcher)(nil)

// Sender delivers built notification messages
type Sender interface {
	Deliver(ctx context.Context, msgs []domain.NotificationMessage) push.Summary
}

// InvalidTokens reports tokens that must not be used until the next poll
type InvalidTokens interface {
	Contains(identity, token string) bool
}

// Config contains dispatcher configuration
type Config struct {
	// Number of concurrent dispatch workers
	Workers int

	// Maximum number of queued events before the oldest are dropped
	QueueSize int

	// Time allowed for in-flight deliveries after shutdown begins
	ShutdownGrace time.Duration
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		Workers:       8,
		QueueSize:     10000,
		ShutdownGrace: 10 * time.Second,
	}
}

// Dispatcher resolves events against the subscription snapshot and fans out
// one message per subscribed token through a bounded worker pool
type Dispatcher struct {
	config  Config
	reader  domain.SubscriptionReader
	sender  Sender
	invalid InvalidTokens
	queue   *EventQueue
	logger  zerolog.Logger
	metrics *metrics.Metrics

	wg sync.WaitGroup
}

// NewDispatcher creates a dispatcher. invalid may be nil.
func NewDispatcher(config Config, reader domain.SubscriptionReader, sender Sender, invalid InvalidTokens) *Dispatcher {
	if config.Workers <= 0 {
		config.Workers = DefaultConfig().Workers
	}
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultConfig().QueueSize
	}
	if config.ShutdownGrace <= 0 {
		config.ShutdownGrace = DefaultConfig().ShutdownGrace
	}

	return &Dispatcher{
		config:  config,
		reader:  reader,
		sender:  sender,
		invalid: invalid,
		queue:   NewEventQueue(config.QueueSize),
		logger:  log.With().Str("component", "dispatcher").Logger(),
		metrics: metrics.GetMetrics(),
	}
}

// Enqueue queues event for dispatch without blocking. When the queue is full
// the oldest queued event is dropped.
func (d *Dispatcher) Enqueue(event domain.InteractionEvent) {
	if evicted, dropped := d.queue.Publish(event); dropped {
		d.logger.Warn().
			Str("reason", string(evicted.Reason)).
			Str("subject", evicted.SubjectIdentity).
			Int("queue_size", d.config.QueueSize).
			Msg("Dispatch queue full, dropped oldest event")
	}
}

// QueueLen returns the number of events waiting for a worker
func (d *Dispatcher) QueueLen() int {
	return d.queue.Len()
}

// Run starts the worker pool and blocks until ctx is done. Queued and
// in-flight events then get ShutdownGrace to finish before delivery is
// cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info().
		Int("workers", d.config.Workers).
		Int("queue_size", d.config.QueueSize).
		Msg("Starting dispatcher")

	deliverCtx, cancelDeliver := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelDeliver()

	for i := 0; i < d.config.Workers; i++ {
		d.wg.Add(1)
		go d.worker(deliverCtx)
	}

	<-ctx.Done()
	d.queue.Close()

	finished := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		d.logger.Info().Msg("Dispatcher drained")
	case <-time.After(d.config.ShutdownGrace):
		d.logger.Warn().
			Int("queued", d.queue.Len()).
			Dur("grace", d.config.ShutdownGrace).
			Msg("Shutdown grace period elapsed, cancelling deliveries")
		cancelDeliver()
		<-finished
	}

	return nil
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for {
		event, ok := d.queue.Next(ctx)
		if !ok {
			return
		}
		d.Dispatch(ctx, event)
	}
}

// Dispatch builds and delivers the notifications for one event. An event
// whose subject has no subscription is dropped silently.
func (d *Dispatcher) Dispatch(ctx context.Context, event domain.InteractionEvent) push.Summary {
	tokens := d.reader.Tokens(event.SubjectIdentity)
	if len(tokens) == 0 {
		return push.Summary{}
	}

	start := time.Now()
	ctx, span := telemetry.StartSpan(ctx, "notifier.dispatch", trace.WithAttributes(
		attribute.String("reason", string(event.Reason)),
		attribute.String("subject", event.SubjectIdentity),
		attribute.Int("tokens", len(tokens)),
	))
	defer span.End()

	msgs := make([]domain.NotificationMessage, 0, len(tokens))
	skipped := 0
	for _, token := range tokens {
		if d.invalid != nil && d.invalid.Contains(event.SubjectIdentity, token) {
			skipped++
			continue
		}
		msg, ok := BuildMessage(event, token)
		if !ok {
			telemetry.MarkSpanError(ctx, fmt.Errorf("no template for reason %q", event.Reason))
			return push.Summary{}
		}
		msgs = append(msgs, msg)
	}

	if len(msgs) == 0 {
		return push.Summary{}
	}
	d.metrics.NotificationsBuilt.WithLabelValues(string(event.Reason)).Add(float64(len(msgs)))

	summary := d.sender.Deliver(ctx, msgs)
	d.metrics.DispatchEventDuration.Observe(time.Since(start).Seconds())

	d.logger.Debug().
		Str("reason", string(event.Reason)).
		Str("actor", event.ActorIdentity).
		Str("subject", event.SubjectIdentity).
		Int("messages", len(msgs)).
		Int("skipped_invalid", skipped).
		Int("delivered", summary.Success).
		Int("invalidated", summary.Permanent).
		Dur("duration", time.Since(start)).
		Msg("Event dispatched")

	return summary
}
