// Package logging configures the process-wide zerolog logger shared by the
// registry and notifier binaries.
package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/rs/zerolog/pkgerrors"
	"go.opentelemetry.io/otel/trace"
)

// Format selects the log encoding
type Format string

const (
	FormatJSON    Format = "json"
	FormatConsole Format = "console"
)

// Config contains logger configuration
type Config struct {
	Level  zerolog.Level
	Format Format

	// Process is added to every line as "process" (registry, notifier)
	Process string

	IncludeCaller bool

	// IncludeTraceContext adds trace_id and span_id to loggers returned by
	// FromContext when the context carries a sampled span
	IncludeTraceContext bool

	// Output defaults to os.Stdout
	Output io.Writer

	GlobalFields map[string]string
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		Level:               zerolog.InfoLevel,
		Format:              FormatJSON,
		IncludeCaller:       true,
		IncludeTraceContext: true,
		Output:              os.Stdout,
		GlobalFields:        map[string]string{},
	}
}

var traceContext atomic.Bool

// Setup replaces the global logger. It is called once at process start,
// before any component logger is derived.
func Setup(config Config) error {
	out := config.Output
	if out == nil {
		out = os.Stdout
	}

	switch config.Format {
	case FormatJSON, "":
	case FormatConsole:
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.StampMilli}
	default:
		return fmt.Errorf("invalid log format: %s", config.Format)
	}

	if config.Level < zerolog.TraceLevel || config.Level > zerolog.Disabled {
		return fmt.Errorf("invalid log level: %d", config.Level)
	}

	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.DurationFieldUnit = time.Millisecond
	zerolog.DurationFieldInteger = false
	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack

	lc := zerolog.New(out).With().Timestamp()
	if config.IncludeCaller {
		lc = lc.Caller()
	}
	if config.Process != "" {
		lc = lc.Str("process", config.Process)
	}
	for k, v := range config.GlobalFields {
		lc = lc.Str(k, v)
	}

	log.Logger = lc.Logger()
	zerolog.SetGlobalLevel(config.Level)
	zerolog.DefaultContextLogger = &log.Logger
	traceContext.Store(config.IncludeTraceContext)

	return nil
}

// ParseLevel parses a configured level name. An empty name is rejected.
func ParseLevel(level string) (zerolog.Level, error) {
	name := strings.ToLower(strings.TrimSpace(level))
	if name == "warning" {
		name = "warn"
	}
	lvl, err := zerolog.ParseLevel(name)
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel, fmt.Errorf("invalid log level: %q", level)
	}
	return lvl, nil
}

// ParseFormat parses a configured output format
func ParseFormat(format string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(format))); f {
	case FormatJSON, FormatConsole:
		return f, nil
	default:
		return FormatJSON, fmt.Errorf("invalid log format: %q", format)
	}
}

// FromContext returns the request or job logger stored in ctx, falling back
// to the global logger
func FromContext(ctx context.Context) zerolog.Logger {
	logger := *zerolog.Ctx(ctx)
	if !traceContext.Load() {
		return logger
	}

	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsSampled() {
		return logger
	}
	return logger.With().
		Str("trace_id", sc.TraceID().String()).
		Str("span_id", sc.SpanID().String()).
		Logger()
}

// Component returns a child of the global logger tagged with a component name
func Component(name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}
