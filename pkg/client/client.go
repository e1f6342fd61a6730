// Package client is an HTTP client for the skypush registry service.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var (
	// ErrUnauthorized is matched by errors for 401 responses
	ErrUnauthorized = errors.New("unauthorized")

	// ErrNotFound is matched by errors for 404 responses
	ErrNotFound = errors.New("not found")

	// ErrBadRequest is matched by errors for 400 responses
	ErrBadRequest = errors.New("bad request")
)

// APIError is returned for any non-success response from the registry
type APIError struct {
	StatusCode int
	Type       string
	Code       string
	Message    string
	RequestID  string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("registry error (%d %s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("registry error (%d)", e.StatusCode)
}

// Is maps status codes onto the package sentinels
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrUnauthorized:
		return e.StatusCode == http.StatusUnauthorized
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrBadRequest:
		return e.StatusCode == http.StatusBadRequest
	}
	return false
}

// Subscription is an identity and its registered push tokens
type Subscription struct {
	Identity string   `json:"identity"`
	Tokens   []string `json:"tokens"`
}

// RegisterRequest is the body of POST /subscriptions
type RegisterRequest struct {
	Identity       string `json:"identity"`
	ProviderToken  string `json:"providerToken"`
	SecondaryToken string `json:"secondaryToken,omitempty"`
	Platform       string `json:"platform"`
}

// UnregisterRequest is the body of DELETE /subscriptions
type UnregisterRequest struct {
	Identity string `json:"identity"`
	Token    string `json:"token"`
}

// Client talks to the registry service
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      string
	headers    http.Header
}

// ClientOption is a function that configures a Client
type ClientOption func(*Client)

// WithTimeout sets the request timeout
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// WithHTTPClient replaces the underlying HTTP client
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithToken sets the bearer token sent with every request
func WithToken(token string) ClientOption {
	return func(c *Client) {
		c.token = token
	}
}

// WithHeaders sets additional HTTP headers
func WithHeaders(headers map[string]string) ClientOption {
	return func(c *Client) {
		for k, v := range headers {
			c.headers.Set(k, v)
		}
	}
}

// New creates a new registry client
func New(baseURL string, options ...ClientOption) *Client {
	headers := http.Header{}
	headers.Set("Content-Type", "application/json")
	headers.Set("Accept", "application/json")

	client := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		headers:    headers,
	}

	for _, option := range options {
		option(client)
	}

	return client
}

// Register adds a push token to an identity
func (c *Client) Register(ctx context.Context, req RegisterRequest) (*Subscription, error) {
	resp, err := c.do(ctx, http.MethodPost, "/subscriptions", req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var sub Subscription
	if err := json.NewDecoder(resp.Body).Decode(&sub); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &sub, nil
}

// Unregister removes a push token from an identity
func (c *Client) Unregister(ctx context.Context, identity, token string) error {
	resp, err := c.do(ctx, http.MethodDelete, "/subscriptions", UnregisterRequest{Identity: identity, Token: token})
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// List returns every subscription. It requires the administrator token.
func (c *Client) List(ctx context.Context) ([]Subscription, error) {
	resp, err := c.do(ctx, http.MethodGet, "/subscriptions", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var subs []Subscription
	if err := json.NewDecoder(resp.Body).Decode(&subs); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return subs, nil
}

// do makes an HTTP request and converts error responses into *APIError
func (c *Client) do(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid registry URL: %w", err)
	}
	u.Path = strings.TrimRight(u.Path, "/") + path

	var bodyReader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), bodyReader)
	if err != nil {
		return nil, err
	}

	for k, v := range c.headers {
		req.Header[k] = v
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()

		apiErr := &APIError{StatusCode: resp.StatusCode}

		// Try to parse the structured error body
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		var errResp struct {
			Error struct {
				Type      string `json:"type"`
				Code      string `json:"code"`
				Message   string `json:"message"`
				RequestID string `json:"request_id"`
			} `json:"error"`
		}
		if err := json.Unmarshal(raw, &errResp); err == nil {
			apiErr.Type = errResp.Error.Type
			apiErr.Code = errResp.Error.Code
			apiErr.Message = errResp.Error.Message
			apiErr.RequestID = errResp.Error.RequestID
		}
		if apiErr.Message == "" {
			apiErr.Message = resp.Status
		}

		return nil, apiErr
	}

	return resp, nil
}
