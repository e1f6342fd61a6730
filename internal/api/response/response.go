package response

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/nkkko/skypush/internal/api/errors"
	"github.com/nkkko/skypush/internal/logging"
	"github.com/nkkko/skypush/internal/metrics"
)

// ErrorBody is the envelope for every error response
type ErrorBody struct {
	Error *errors.APIError `json:"error"`
}

// JSON sends data as the response body
func JSON(w http.ResponseWriter, r *http.Request, statusCode int, data any) {
	sendJSON(w, statusCode, data)
}

// Error sends an error response and counts it by type
func Error(w http.ResponseWriter, r *http.Request, err error) {
	// Get request ID from context (set by middleware.RequestID)
	requestID := middleware.GetReqID(r.Context())

	apiErr := errors.FromError(err).WithRequestID(requestID)
	if apiErr.Type == errors.ErrorTypeInternal {
		logger := logging.FromContext(r.Context())
		logger.Error().Err(err).Str("request_id", requestID).Msg("Request failed")
	}

	metrics.GetMetrics().APIErrorsTotal.WithLabelValues(r.Method, routePattern(r), string(apiErr.Type)).Inc()

	sendJSON(w, apiErr.HTTPCode, ErrorBody{Error: apiErr})
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unmatched"
}

// sendJSON is a helper function to send a JSON response
func sendJSON(w http.ResponseWriter, statusCode int, data any) {
	body, err := json.Marshal(data)
	if err != nil {
		http.Error(w, `{"error":{"type":"internal","code":"json_encode_error","message":"Failed to encode JSON response"}}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	w.Write(append(body, '\n'))
}
