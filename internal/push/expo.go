package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nkkko/skypush/internal/domain"
)

const (
	// DefaultExpoEndpoint is the Expo push API send endpoint
	DefaultExpoEndpoint = "https://exp.host/--/api/v2/push/send"

	expoBatchLimit = 100

	// Maximum response body we are willing to read
	expoMaxResponseBytes = 4 << 20
)

// Expo per-ticket error codes
const (
	expoDeviceNotRegistered = "DeviceNotRegistered"
	expoMessageRateExceeded = "MessageRateExceeded"
)

// ExpoConfig configures the Expo provider
type ExpoConfig struct {
	// Endpoint of the send API
	Endpoint string

	// AccessToken is sent as a bearer token when push security is enabled
	AccessToken string

	// Per-request timeout
	Timeout time.Duration
}

// ExpoProvider sends through the Expo push service over HTTPS
type ExpoProvider struct {
	config     ExpoConfig
	httpClient *http.Client
}

// NewExpoProvider creates an Expo provider
func NewExpoProvider(config ExpoConfig) *ExpoProvider {
	if config.Endpoint == "" {
		config.Endpoint = DefaultExpoEndpoint
	}
	if config.Timeout <= 0 {
		config.Timeout = 15 * time.Second
	}

	return &ExpoProvider{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
	}
}

// Name implements Provider
func (p *ExpoProvider) Name() string { return "expo" }

// MaxBatchSize implements Provider
func (p *ExpoProvider) MaxBatchSize() int { return expoBatchLimit }

type expoMessage struct {
	To       string            `json:"to"`
	Title    string            `json:"title"`
	Body     string            `json:"body"`
	Data     map[string]string `json:"data,omitempty"`
	Sound    string            `json:"sound,omitempty"`
	Priority string            `json:"priority,omitempty"`
}

type expoTicket struct {
	Status  string `json:"status"`
	ID      string `json:"id,omitempty"`
	Message string `json:"message,omitempty"`
	Details struct {
		Error string `json:"error,omitempty"`
	} `json:"details"`
}

type expoResponse struct {
	Data   []expoTicket `json:"data"`
	Errors []struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
}

// SendBatch implements Provider
func (p *ExpoProvider) SendBatch(ctx context.Context, msgs []domain.NotificationMessage) ([]Result, error) {
	payload := make([]expoMessage, len(msgs))
	for i, m := range msgs {
		payload[i] = expoMessage{
			To:       m.Token,
			Title:    m.Title,
			Body:     m.Body,
			Data:     m.Data,
			Sound:    "default",
			Priority: "high",
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode expo request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create expo request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if p.config.AccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+p.config.AccessToken)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, expoMaxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrProviderUnavailable, err)
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: status %d", ErrProviderUnavailable, resp.StatusCode)
	}

	var decoded expoResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("failed to decode expo response (status %d): %w", resp.StatusCode, err)
	}

	if resp.StatusCode != http.StatusOK || len(decoded.Errors) > 0 {
		msg := http.StatusText(resp.StatusCode)
		if len(decoded.Errors) > 0 {
			msg = decoded.Errors[0].Code + ": " + decoded.Errors[0].Message
		}
		return nil, fmt.Errorf("expo request rejected (status %d): %s", resp.StatusCode, msg)
	}

	if len(decoded.Data) != len(msgs) {
		return nil, fmt.Errorf("%w: sent %d, got %d tickets", ErrResultMismatch, len(msgs), len(decoded.Data))
	}

	results := make([]Result, len(msgs))
	for i, ticket := range decoded.Data {
		results[i] = classifyExpoTicket(ticket)
	}
	return results, nil
}

func classifyExpoTicket(t expoTicket) Result {
	if t.Status == "ok" {
		return Result{Status: StatusSuccess}
	}

	code := t.Details.Error
	err := fmt.Errorf("expo: %s", t.Message)

	switch code {
	case expoDeviceNotRegistered:
		return Result{Status: StatusPermanent, Code: code, Err: err}
	case expoMessageRateExceeded:
		return Result{Status: StatusTransient, Code: code, Err: err}
	default:
		return Result{Status: StatusFailed, Code: code, Err: err}
	}
}
