// Package firehose consumes the network's commit stream over a websocket,
// hands candidate records to the classifier and forwards accepted events to
// the dispatcher. The stream is the JSON commit feed in which every message
// carries a microsecond time_us sequence used as the resume cursor.
package firehose

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"github.com/nkkko/skypush/internal/classifier"
	"github.com/nkkko/skypush/internal/domain"
	"github.com/nkkko/skypush/internal/metrics"
	"github.com/nkkko/skypush/internal/storage"
)

const (
	kindCommit      = "commit"
	operationCreate = "create"

	maxFrameBytes = 2 << 20
)

// Frame results used as metric labels
const (
	resultCandidate = "candidate"
	resultRejected  = "rejected"
	resultIgnored   = "ignored"
	resultMalformed = "malformed"
)

// Config contains firehose consumer configuration
type Config struct {
	// Subscribe endpoint, e.g. wss://jetstream2.us-east.bsky.network/subscribe
	URL string

	// Collections requested from the server
	Collections []string

	// A connection with no frame or pong for this long is recycled
	ReadTimeout time.Duration

	// Interval between keepalive pings
	PingInterval time.Duration

	// Deadline for control frame writes
	WriteTimeout time.Duration

	// Websocket handshake timeout
	HandshakeTimeout time.Duration

	// Interval between durable cursor flushes
	CursorFlushInterval time.Duration

	// Reconnect backoff bounds
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration

	// Randomization factor applied to reconnect delays
	ReconnectJitter float64
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		URL:                 "wss://jetstream2.us-east.bsky.network/subscribe",
		Collections:         classifier.Collections,
		ReadTimeout:         60 * time.Second,
		PingInterval:        20 * time.Second,
		WriteTimeout:        10 * time.Second,
		HandshakeTimeout:    15 * time.Second,
		CursorFlushInterval: 5 * time.Second,
		ReconnectInitial:    time.Second,
		ReconnectMax:        60 * time.Second,
		ReconnectJitter:     0.5,
	}
}

// Consumer owns the firehose connection
type Consumer struct {
	config  Config
	dialer  *websocket.Dialer
	sink    domain.EventSink
	cursors storage.CursorStore
	logger  zerolog.Logger
	metrics *metrics.Metrics

	// cursor is the sequence of the last fully processed frame
	cursor  atomic.Int64
	flushed atomic.Int64

	// flushMu serializes durable cursor writes
	flushMu sync.Mutex
}

// New creates a consumer. cursors may be nil, in which case resumption only
// spans reconnects within this process.
func New(config Config, sink domain.EventSink, cursors storage.CursorStore) *Consumer {
	defaults := DefaultConfig()
	if config.URL == "" {
		config.URL = defaults.URL
	}
	if len(config.Collections) == 0 {
		config.Collections = defaults.Collections
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = defaults.ReadTimeout
	}
	if config.PingInterval <= 0 || config.PingInterval >= config.ReadTimeout {
		config.PingInterval = config.ReadTimeout / 3
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = defaults.HandshakeTimeout
	}
	if config.CursorFlushInterval <= 0 {
		config.CursorFlushInterval = defaults.CursorFlushInterval
	}
	if config.ReconnectInitial <= 0 {
		config.ReconnectInitial = defaults.ReconnectInitial
	}
	if config.ReconnectMax < config.ReconnectInitial {
		config.ReconnectMax = defaults.ReconnectMax
	}
	if config.ReconnectJitter < 0 || config.ReconnectJitter >= 1 {
		config.ReconnectJitter = defaults.ReconnectJitter
	}

	return &Consumer{
		config: config,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: config.HandshakeTimeout,
		},
		sink:    sink,
		cursors: cursors,
		logger:  log.With().Str("component", "firehose").Logger(),
		metrics: metrics.GetMetrics(),
	}
}

// Cursor returns the sequence of the last processed frame
func (c *Consumer) Cursor() int64 {
	return c.cursor.Load()
}

// Run consumes the stream until ctx is done, reconnecting with capped,
// jittered exponential backoff. It only returns when ctx is done or the
// durable cursor cannot be read at startup.
func (c *Consumer) Run(ctx context.Context) error {
	if c.cursors != nil && c.cursor.Load() == 0 {
		cursor, ok, err := c.cursors.Load()
		if err != nil {
			return fmt.Errorf("failed to load firehose cursor: %w", err)
		}
		if ok {
			c.cursor.Store(cursor)
			c.flushed.Store(cursor)
			c.logger.Info().Int64("cursor", cursor).Msg("Resuming firehose from stored cursor")
		}
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.flushLoop(ctx)
	}()
	defer func() {
		wg.Wait()
		c.flushCursor()
	}()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.config.ReconnectInitial
	b.MaxInterval = c.config.ReconnectMax
	b.RandomizationFactor = c.config.ReconnectJitter
	b.MaxElapsedTime = 0 // never give up
	b.Reset()

	for {
		connected, err := c.session(ctx)
		if ctx.Err() != nil {
			c.logger.Info().Int64("cursor", c.cursor.Load()).Msg("Firehose consumer stopped")
			return nil
		}
		if connected {
			b.Reset()
		}

		wait := b.NextBackOff()
		c.metrics.FirehoseReconnects.Inc()
		c.logger.Warn().Err(err).
			Bool("was_connected", connected).
			Int64("cursor", c.cursor.Load()).
			Dur("retry_in", wait).
			Msg("Firehose connection lost, reconnecting")

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			c.logger.Info().Int64("cursor", c.cursor.Load()).Msg("Firehose consumer stopped")
			return nil
		}
	}
}

// session runs one connection. connected reports whether the handshake
// succeeded; the returned error explains why the session ended.
func (c *Consumer) session(ctx context.Context) (connected bool, err error) {
	endpoint, err := c.subscribeURL()
	if err != nil {
		return false, err
	}

	conn, resp, err := c.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if resp != nil {
			return false, fmt.Errorf("dial firehose: %w (status %d)", err, resp.StatusCode)
		}
		return false, fmt.Errorf("dial firehose: %w", err)
	}
	defer conn.Close()

	c.metrics.FirehoseConnected.Set(1)
	defer c.metrics.FirehoseConnected.Set(0)

	c.logger.Info().
		Str("url", c.config.URL).
		Int64("cursor", c.cursor.Load()).
		Msg("Connected to firehose")

	conn.SetReadLimit(maxFrameBytes)
	conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
	})

	done := make(chan struct{})
	defer close(done)
	go c.keepalive(ctx, conn, done)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return true, ctx.Err()
			}
			return true, fmt.Errorf("read firehose: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
		c.HandleFrame(data)
	}
}

// keepalive pings the server and closes the connection when ctx is done
func (c *Consumer) keepalive(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(c.config.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.logger.Debug().Err(err).Msg("Firehose ping failed")
			}
		case <-ctx.Done():
			deadline := time.Now().Add(c.config.WriteTimeout)
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			conn.Close()
			return
		case <-done:
			return
		}
	}
}

// HandleFrame processes one raw stream message. Frames are handled in stream
// order and the cursor advances past every frame carrying a sequence,
// including ignored and malformed ones.
func (c *Consumer) HandleFrame(data []byte) {
	result := c.handleFrame(data)
	c.metrics.FirehoseFramesTotal.WithLabelValues(result).Inc()
}

func (c *Consumer) handleFrame(data []byte) string {
	if !gjson.ValidBytes(data) {
		return resultMalformed
	}

	fields := gjson.GetManyBytes(data, "time_us", "kind", "did", "commit.operation", "commit.collection", "commit.rkey", "commit.cid")
	seq, kind, did, op, collection, rkey, cid := fields[0], fields[1], fields[2], fields[3], fields[4], fields[5], fields[6]

	if seq.Type == gjson.Number && seq.Int() > 0 {
		defer c.advance(seq.Int())
	}

	if kind.String() != kindCommit || op.String() != operationCreate {
		return resultIgnored
	}
	if !classifier.IsCandidate(collection.String()) {
		return resultIgnored
	}

	record := gjson.GetBytes(data, "commit.record")
	if !record.IsObject() {
		return resultMalformed
	}

	// Slice the record out of the frame without copying
	raw := []byte(record.Raw)
	if record.Index > 0 && record.Index+len(record.Raw) <= len(data) {
		raw = data[record.Index : record.Index+len(record.Raw)]
	}

	event, ok := classifier.Classify(classifier.Record{
		Repo:       did.String(),
		Collection: collection.String(),
		RKey:       rkey.String(),
		CID:        cid.String(),
		Raw:        raw,
	})
	if !ok {
		return resultRejected
	}

	c.metrics.ClassifiedEventsTotal.WithLabelValues(string(event.Reason)).Inc()
	c.sink.Enqueue(event)
	return resultCandidate
}

func (c *Consumer) advance(seq int64) {
	for {
		cur := c.cursor.Load()
		if seq <= cur || c.cursor.CompareAndSwap(cur, seq) {
			return
		}
	}
}

func (c *Consumer) subscribeURL() (string, error) {
	u, err := url.Parse(c.config.URL)
	if err != nil {
		return "", fmt.Errorf("invalid firehose URL: %w", err)
	}

	q := u.Query()
	q.Del("wantedCollections")
	for _, col := range c.config.Collections {
		q.Add("wantedCollections", col)
	}
	q.Del("cursor")
	if cursor := c.cursor.Load(); cursor > 0 {
		q.Set("cursor", strconv.FormatInt(cursor, 10))
	}
	u.RawQuery = q.Encode()

	return u.String(), nil
}

func (c *Consumer) flushLoop(ctx context.Context) {
	if c.cursors == nil {
		return
	}

	ticker := time.NewTicker(c.config.CursorFlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.flushCursor()
		case <-ctx.Done():
			return
		}
	}
}

// flushCursor persists the cursor if it moved since the last flush
func (c *Consumer) flushCursor() {
	if c.cursors == nil {
		return
	}

	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	cursor := c.cursor.Load()
	if cursor == 0 || cursor == c.flushed.Load() {
		return
	}

	if err := c.cursors.Save(cursor); err != nil {
		if errors.Is(err, storage.ErrStorage) {
			c.logger.Error().Err(err).Int64("cursor", cursor).Msg("Failed to persist firehose cursor")
		}
		return
	}
	c.flushed.Store(cursor)
}
