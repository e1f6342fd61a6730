package push

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpoProvider_SendBatch(t *testing.T) {
	var received []expoMessage
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer secret-access-token", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&received))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":[
			{"status":"ok","id":"1"},
			{"status":"error","message":"not registered","details":{"error":"DeviceNotRegistered"}},
			{"status":"error","message":"slow down","details":{"error":"MessageRateExceeded"}},
			{"status":"error","message":"too big","details":{"error":"MessageTooBig"}}
		]}`))
	}))
	defer server.Close()

	p := NewExpoProvider(ExpoConfig{Endpoint: server.URL, AccessToken: "secret-access-token"})
	msgs := messages("did:plc:xyz", "ExponentPushToken[a]", "ExponentPushToken[b]", "ExponentPushToken[c]", "ExponentPushToken[d]")
	msgs[0].Data = map[string]string{"reason": "repost"}

	results, err := p.SendBatch(context.Background(), msgs)
	require.NoError(t, err)
	require.Len(t, results, 4)

	assert.Equal(t, StatusSuccess, results[0].Status)
	assert.Equal(t, StatusPermanent, results[1].Status)
	assert.Equal(t, "DeviceNotRegistered", results[1].Code)
	assert.Equal(t, StatusTransient, results[2].Status)
	assert.Equal(t, StatusFailed, results[3].Status)

	require.Len(t, received, 4)
	assert.Equal(t, "ExponentPushToken[a]", received[0].To)
	assert.Equal(t, "New repost", received[0].Title)
	assert.Equal(t, "repost", received[0].Data["reason"])
}

func TestExpoProvider_ServerErrorsAreRetryable(t *testing.T) {
	for _, status := range []int{http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable} {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		}))

		p := NewExpoProvider(ExpoConfig{Endpoint: server.URL})
		_, err := p.SendBatch(context.Background(), messages("did:plc:xyz", "a"))
		assert.True(t, errors.Is(err, ErrProviderUnavailable), "status %d should be retryable", status)

		server.Close()
	}
}

func TestExpoProvider_RequestRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"errors":[{"code":"UNAUTHORIZED","message":"bad access token"}]}`))
	}))
	defer server.Close()

	p := NewExpoProvider(ExpoConfig{Endpoint: server.URL})
	_, err := p.SendBatch(context.Background(), messages("did:plc:xyz", "a"))
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrProviderUnavailable))
	assert.Contains(t, err.Error(), "UNAUTHORIZED")
}

func TestExpoProvider_TicketCountMismatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":[{"status":"ok"}]}`))
	}))
	defer server.Close()

	p := NewExpoProvider(ExpoConfig{Endpoint: server.URL})
	_, err := p.SendBatch(context.Background(), messages("did:plc:xyz", "a", "b"))
	assert.ErrorIs(t, err, ErrResultMismatch)
}

func TestExpoProvider_NetworkErrorIsRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := server.URL
	server.Close()

	p := NewExpoProvider(ExpoConfig{Endpoint: url})
	_, err := p.SendBatch(context.Background(), messages("did:plc:xyz", "a"))
	assert.ErrorIs(t, err, ErrProviderUnavailable)
}

func TestExpoProvider_Limits(t *testing.T) {
	p := NewExpoProvider(ExpoConfig{})
	assert.Equal(t, "expo", p.Name())
	assert.Equal(t, 100, p.MaxBatchSize())
	assert.Equal(t, DefaultExpoEndpoint, p.config.Endpoint)
}
