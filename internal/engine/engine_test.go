package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nkkko/skypush/internal/api"
	"github.com/nkkko/skypush/internal/push"
	"github.com/nkkko/skypush/internal/storage/badger"
	"github.com/nkkko/skypush/internal/storage/filestore"
)

const (
	adminToken  = "admin-secret"
	clientToken = "client-secret"
)

func repostFrame(seq int64) string {
	return fmt.Sprintf(`{"did":"did:plc:abc","time_us":%d,"kind":"commit","commit":{"rev":"3l3qo2vutsw2b","operation":"create","collection":"app.bsky.feed.repost","rkey":"3l3qo2vuowo2b","record":{"$type":"app.bsky.feed.repost","createdAt":"2024-09-09T19:46:02.102Z","subject":{"cid":"bafyreidc6sydkkbchcyg62v77wbhzvb2mvytlmsychqgwf2xojjtirmzj4","uri":"at://did:plc:xyz/app.bsky.feed.post/1"}},"cid":"bafyreidwaivazkwu67xztlmuobx35hs2lnfh3kolmgfmucldvhd3sgzcqi"}}`, seq)
}

// fakeFirehose writes every frame sent on frames to the connected client
type fakeFirehose struct {
	frames chan string
}

func (f *fakeFirehose) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case frame := <-f.frames:
			if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}

// fakeExpo answers every message with a ticket; tokens in rejected get
// DeviceNotRegistered
type fakeExpo struct {
	mu       sync.Mutex
	rejected map[string]bool
	received []map[string]any
}

func (f *fakeExpo) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var msgs []map[string]any
	if err := json.NewDecoder(r.Body).Decode(&msgs); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	tickets := make([]map[string]any, len(msgs))
	for i, m := range msgs {
		f.received = append(f.received, m)
		if f.rejected[m["to"].(string)] {
			tickets[i] = map[string]any{
				"status":  "error",
				"message": "device is not registered",
				"details": map[string]any{"error": "DeviceNotRegistered"},
			}
			continue
		}
		tickets[i] = map[string]any{"status": "ok", "id": fmt.Sprintf("ticket-%d", i)}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"data": tickets})
}

func (f *fakeExpo) recipients() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var to []string
	for _, m := range f.received {
		to = append(to, m["to"].(string))
	}
	return to
}

func (f *fakeExpo) titles() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var titles []string
	for _, m := range f.received {
		titles = append(titles, m["title"].(string))
	}
	return titles
}

type pipeline struct {
	store    *filestore.Store
	registry *httptest.Server
	firehose *fakeFirehose
	expo     *fakeExpo
	engine   *Engine
	cancel   context.CancelFunc
	done     chan error
}

func startPipeline(t *testing.T) *pipeline {
	t.Helper()

	store, err := filestore.New(filestore.Config{Path: filepath.Join(t.TempDir(), "subscriptions.json")})
	require.NoError(t, err)
	require.NoError(t, store.Load())
	_, _, err = store.Register(context.Background(), "did:plc:xyz", "tok1")
	require.NoError(t, err)
	_, _, err = store.Register(context.Background(), "did:plc:xyz", "tok2")
	require.NoError(t, err)

	registryServer := httptest.NewServer(api.NewServer(api.Config{AdminToken: adminToken, ClientToken: clientToken}, store).Handler())
	t.Cleanup(registryServer.Close)

	fh := &fakeFirehose{frames: make(chan string, 10)}
	firehoseServer := httptest.NewServer(fh)
	t.Cleanup(firehoseServer.Close)

	expo := &fakeExpo{rejected: map[string]bool{}}
	expoServer := httptest.NewServer(expo)
	t.Cleanup(expoServer.Close)

	config := DefaultConfig()
	config.RegistryURL = registryServer.URL
	config.RegistryToken = adminToken
	config.Poller.PollInterval = 50 * time.Millisecond
	config.Poller.RequestTimeout = time.Second
	config.Firehose.URL = "ws" + strings.TrimPrefix(firehoseServer.URL, "http")
	config.Firehose.ReconnectInitial = 10 * time.Millisecond
	config.Firehose.ReconnectMax = 50 * time.Millisecond
	config.Push.RetryDelay = time.Millisecond
	config.CursorStore = badger.Config{InMemory: true}
	config.MetricsAddr = ""

	engine, err := New(config, push.NewExpoProvider(push.ExpoConfig{Endpoint: expoServer.URL}))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	p := &pipeline{
		store:    store,
		registry: registryServer,
		firehose: fh,
		expo:     expo,
		engine:   engine,
		cancel:   cancel,
		done:     make(chan error, 1),
	}
	go func() { p.done <- engine.Start(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case <-p.done:
		case <-time.After(10 * time.Second):
			t.Error("engine did not stop")
		}
	})

	require.Eventually(t, func() bool {
		select {
		case <-engine.poller.Ready():
			return true
		default:
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)

	return p
}

func TestEngine_RepostNotifiesAndInvalidatesStaleToken(t *testing.T) {
	p := startPipeline(t)
	p.expo.rejected["tok1"] = true

	p.firehose.frames <- repostFrame(1725911162329308)

	require.Eventually(t, func() bool {
		return len(p.expo.recipients()) == 2
	}, 5*time.Second, 10*time.Millisecond)
	assert.ElementsMatch(t, []string{"tok1", "tok2"}, p.expo.recipients())
	assert.Equal(t, []string{"New repost", "New repost"}, p.expo.titles())

	// The permanent failure removes tok1 from the registry's store
	require.Eventually(t, func() bool {
		return !p.store.Has("did:plc:xyz", "tok1")
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"tok2"}, p.store.Tokens("did:plc:xyz"))
	assert.Equal(t, []string{"tok2"}, p.engine.poller.Tokens("did:plc:xyz"))

	// A second event only reaches the remaining token
	p.firehose.frames <- repostFrame(1725911162329309)
	require.Eventually(t, func() bool {
		return len(p.expo.recipients()) == 3
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "tok2", p.expo.recipients()[2])

	require.Eventually(t, func() bool {
		return p.engine.consumer.Cursor() == 1725911162329309
	}, 5*time.Second, 10*time.Millisecond)
}

func TestEngine_KeepsDispatchingWhenRegistryIsDown(t *testing.T) {
	p := startPipeline(t)

	p.registry.Close()

	// Let at least one poll fail against the closed registry
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, []string{"tok1", "tok2"}, p.engine.poller.Tokens("did:plc:xyz"))

	p.firehose.frames <- repostFrame(1725911162329400)

	require.Eventually(t, func() bool {
		return len(p.expo.recipients()) == 2
	}, 5*time.Second, 10*time.Millisecond)
	assert.ElementsMatch(t, []string{"tok1", "tok2"}, p.expo.recipients())
}

func TestEngine_HealthHandler(t *testing.T) {
	p := startPipeline(t)

	rec := httptest.NewRecorder()
	p.engine.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	p.engine.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "skypush_registry_polls_total")
}
