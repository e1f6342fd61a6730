package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func setupBuffer(t *testing.T, cfg Config) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	cfg.Output = &buf
	cfg.IncludeCaller = false
	require.NoError(t, Setup(cfg))
	t.Cleanup(func() { zerolog.SetGlobalLevel(zerolog.InfoLevel) })
	return &buf
}

func lastLine(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.NotEmpty(t, lines)
	var fields map[string]interface{}
	require.NoError(t, json.Unmarshal(lines[len(lines)-1], &fields))
	return fields
}

func TestSetup(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Process = "registry"
	cfg.GlobalFields = map[string]string{"region": "eu"}
	buf := setupBuffer(t, cfg)

	storeLogger := Component("store")
	storeLogger.Info().Msg("hello")
	line := lastLine(t, buf)
	assert.Equal(t, "registry", line["process"])
	assert.Equal(t, "eu", line["region"])
	assert.Equal(t, "store", line["component"])
	assert.Equal(t, "hello", line["message"])

	log.Debug().Msg("hidden")
	assert.NotContains(t, buf.String(), "hidden")

	cfg.Format = "xml"
	assert.Error(t, Setup(cfg))
}

func TestParseLevelAndFormat(t *testing.T) {
	lvl, err := ParseLevel(" DEBUG ")
	require.NoError(t, err)
	assert.Equal(t, zerolog.DebugLevel, lvl)

	lvl, err = ParseLevel("warning")
	require.NoError(t, err)
	assert.Equal(t, zerolog.WarnLevel, lvl)

	_, err = ParseLevel("loud")
	assert.Error(t, err)
	_, err = ParseLevel("")
	assert.Error(t, err)

	f, err := ParseFormat("Console")
	require.NoError(t, err)
	assert.Equal(t, FormatConsole, f)

	_, err = ParseFormat("xml")
	assert.Error(t, err)
}

func TestFromContext_TraceIDs(t *testing.T) {
	buf := setupBuffer(t, DefaultConfig())

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	logger := FromContext(ctx)
	logger.Info().Msg("traced")
	line := lastLine(t, buf)
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", line["trace_id"])
	assert.Equal(t, "00f067aa0ba902b7", line["span_id"])

	logger = FromContext(context.Background())
	logger.Info().Msg("untraced")
	assert.NotContains(t, lastLine(t, buf), "trace_id")
}

func TestHTTPMiddleware(t *testing.T) {
	buf := setupBuffer(t, DefaultConfig())

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(HTTPMiddleware("/healthz"))
	r.Get("/subscriptions/{id}", func(w http.ResponseWriter, r *http.Request) {
		logger := FromContext(r.Context())
		logger.Info().Msg("inside handler")
		w.WriteHeader(http.StatusNotFound)
	})
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	req := httptest.NewRequest(http.MethodGet, "/subscriptions/abc", nil)
	req.Header.Set("Authorization", "Bearer super-secret")
	r.ServeHTTP(httptest.NewRecorder(), req)

	line := lastLine(t, buf)
	assert.Equal(t, "warn", line["level"])
	assert.Equal(t, "/subscriptions/{id}", line["route"])
	assert.EqualValues(t, http.StatusNotFound, line["status"])
	assert.NotEmpty(t, line["request_id"])
	assert.Contains(t, buf.String(), "inside handler")
	assert.NotContains(t, buf.String(), "super-secret")

	before := buf.Len()
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, before, buf.Len(), "successful probes log at debug level")
}
