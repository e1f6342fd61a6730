package registry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nkkko/skypush/pkg/client"
)

type fakeAPI struct {
	mu           sync.Mutex
	subs         []client.Subscription
	listErr      error
	unregErr     error
	unregistered []string
}

func (f *fakeAPI) List(context.Context) ([]client.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.subs, nil
}

func (f *fakeAPI) Unregister(_ context.Context, identity, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unregistered = append(f.unregistered, identity+"|"+token)
	return f.unregErr
}

func (f *fakeAPI) set(subs []client.Subscription, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = subs
	f.listErr = err
}

func TestPoller_PollSwapsSnapshot(t *testing.T) {
	api := &fakeAPI{subs: []client.Subscription{
		{Identity: "did:plc:xyz", Tokens: []string{"tok1", "tok2"}},
		{Identity: "DID:PLC:ABC", Tokens: []string{"tok3"}},
		{Identity: "garbage", Tokens: []string{"tok4"}},
		{Identity: "did:plc:empty", Tokens: nil},
	}}
	p := NewPoller(Config{PollInterval: time.Hour}, api)

	assert.Nil(t, p.Tokens("did:plc:xyz"))

	require.NoError(t, p.Poll(context.Background()))
	assert.Equal(t, []string{"tok1", "tok2"}, p.Tokens("did:plc:xyz"))
	assert.Equal(t, []string{"tok3"}, p.Tokens("did:plc:abc"))
	assert.Equal(t, 2, p.Snapshot().Len())

	select {
	case <-p.Ready():
	default:
		t.Fatal("poller should be ready after a successful poll")
	}
}

func TestPoller_FailureKeepsStaleSnapshot(t *testing.T) {
	api := &fakeAPI{subs: []client.Subscription{{Identity: "did:plc:xyz", Tokens: []string{"tok1"}}}}
	p := NewPoller(Config{PollInterval: time.Hour}, api)
	require.NoError(t, p.Poll(context.Background()))
	before := p.Snapshot()

	api.set(nil, errors.New("connection refused"))
	err := p.Poll(context.Background())
	require.Error(t, err)

	assert.Same(t, before, p.Snapshot())
	assert.Equal(t, []string{"tok1"}, p.Tokens("did:plc:xyz"))

	api.set(nil, &client.APIError{StatusCode: http.StatusUnauthorized})
	err = p.Poll(context.Background())
	assert.ErrorIs(t, err, client.ErrUnauthorized)
	assert.Equal(t, []string{"tok1"}, p.Tokens("did:plc:xyz"))
}

func TestPoller_RunKeepsPollingAfterFailures(t *testing.T) {
	api := &fakeAPI{listErr: errors.New("down")}
	p := NewPoller(Config{PollInterval: 10 * time.Millisecond}, api)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	api.set([]client.Subscription{{Identity: "did:plc:xyz", Tokens: []string{"tok1"}}}, nil)

	select {
	case <-p.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("poller never recovered")
	}
	assert.Equal(t, []string{"tok1"}, p.Tokens("did:plc:xyz"))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestPoller_InvalidateToken(t *testing.T) {
	api := &fakeAPI{subs: []client.Subscription{{Identity: "did:plc:xyz", Tokens: []string{"tok1", "tok2"}}}}
	p := NewPoller(Config{}, api)
	require.NoError(t, p.Poll(context.Background()))

	require.NoError(t, p.InvalidateToken(context.Background(), "did:plc:xyz", "tok1"))
	assert.Equal(t, []string{"tok2"}, p.Tokens("did:plc:xyz"))
	assert.Equal(t, []string{"did:plc:xyz|tok1"}, api.unregistered)

	// Already gone in the registry counts as success
	api.unregErr = &client.APIError{StatusCode: http.StatusNotFound}
	require.NoError(t, p.InvalidateToken(context.Background(), "did:plc:xyz", "tok2"))
	assert.Nil(t, p.Tokens("did:plc:xyz"))
	assert.Equal(t, 0, p.Snapshot().Len())

	api.unregErr = errors.New("registry down")
	assert.Error(t, p.InvalidateToken(context.Background(), "did:plc:xyz", "tok3"))
}

func TestPoller_AgainstRegistryHTTP(t *testing.T) {
	var mu sync.Mutex
	up := true
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		if r.Header.Get("Authorization") != "Bearer admin" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if !up {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `[{"identity":"did:plc:xyz","tokens":["tok1"]}]`)
	}))
	defer server.Close()

	p := NewPoller(Config{}, client.New(server.URL, client.WithToken("admin")))
	require.NoError(t, p.Poll(context.Background()))
	assert.Equal(t, []string{"tok1"}, p.Tokens("did:plc:xyz"))

	mu.Lock()
	up = false
	mu.Unlock()

	assert.Error(t, p.Poll(context.Background()))
	assert.Equal(t, []string{"tok1"}, p.Tokens("did:plc:xyz"))
}
