package logging

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/nkkko/skypush/internal/metrics"
)

// HTTPMiddleware stores a request-scoped logger in the request context,
// logs one line per request and records request metrics. The Authorization
// header and request bodies are never logged. Requests to quiet paths are
// logged at debug level when they succeed.
func HTTPMiddleware(quiet ...string) func(next http.Handler) http.Handler {
	m := metrics.GetMetrics()
	quietPaths := make(map[string]bool, len(quiet))
	for _, p := range quiet {
		quietPaths[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			reqLogger := log.With().
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("remote_addr", r.RemoteAddr).
				Logger()
			r = r.WithContext(reqLogger.WithContext(r.Context()))

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			elapsed := time.Since(start)

			route := r.URL.Path
			if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
				route = rc.RoutePattern()
			}
			m.APIRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
			m.APIRequestDuration.WithLabelValues(r.Method, route).Observe(elapsed.Seconds())

			logger := FromContext(r.Context())
			var event *zerolog.Event
			switch {
			case status >= http.StatusInternalServerError:
				event = logger.Error()
			case status >= http.StatusBadRequest:
				event = logger.Warn()
			case quietPaths[r.URL.Path]:
				event = logger.Debug()
			default:
				event = logger.Info()
			}
			event.
				Str("route", route).
				Int("status", status).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", elapsed).
				Str("user_agent", r.UserAgent()).
				Msg("Request completed")
		})
	}
}
