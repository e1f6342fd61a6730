package client

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

func TestClient_List(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/subscriptions", r.URL.Path)
		assert.Equal(t, "Bearer admin-token", r.Header.Get("Authorization"))
		w.Write([]byte(`[{"identity":"did:plc:xyz","tokens":["tok1","tok2"]}]`))
	}))
	defer server.Close()

	c := New(server.URL+"/api/", WithToken("admin-token"))
	subs, err := c.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []Subscription{{Identity: "did:plc:xyz", Tokens: []string{"tok1", "tok2"}}}, subs)
}

func TestClient_RegisterAndUnregister(t *testing.T) {
	var gotRegister RegisterRequest
	var gotUnregister UnregisterRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&gotRegister))
			w.Write([]byte(`{"identity":"did:plc:xyz","tokens":["tok1"]}`))
		case http.MethodDelete:
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&gotUnregister))
			w.Write([]byte(`{"identity":"did:plc:xyz","removed":true}`))
		}
	}))
	defer server.Close()

	c := New(server.URL, WithToken("client-token"))

	sub, err := c.Register(context.Background(), RegisterRequest{
		Identity:      "did:plc:xyz",
		ProviderToken: "tok1",
		Platform:      "ios",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"tok1"}, sub.Tokens)
	assert.Equal(t, "tok1", gotRegister.ProviderToken)

	require.NoError(t, c.Unregister(context.Background(), "did:plc:xyz", "tok1"))
	assert.Equal(t, UnregisterRequest{Identity: "did:plc:xyz", Token: "tok1"}, gotUnregister)
}

func TestClient_ErrorResponses(t *testing.T) {
	tests := []struct {
		status   int
		sentinel error
	}{
		{http.StatusUnauthorized, ErrUnauthorized},
		{http.StatusNotFound, ErrNotFound},
		{http.StatusBadRequest, ErrBadRequest},
	}

	for _, tt := range tests {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
			w.Write([]byte(`{"error":{"type":"x","code":"some_code","message":"nope","request_id":"req-1"}}`))
		}))

		err := New(server.URL).Unregister(context.Background(), "did:plc:xyz", "tok")
		require.Error(t, err)
		assert.True(t, errors.Is(err, tt.sentinel), "status %d", tt.status)

		var apiErr *APIError
		require.True(t, errors.As(err, &apiErr))
		assert.Equal(t, "some_code", apiErr.Code)
		assert.Equal(t, "req-1", apiErr.RequestID)

		server.Close()
	}
}

func TestClient_UnstructuredError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream exploded", http.StatusBadGateway)
	}))
	defer server.Close()

	_, err := New(server.URL).List(context.Background())
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.False(t, errors.Is(err, ErrUnauthorized))
}
