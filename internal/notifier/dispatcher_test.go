package notifier

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nkkko/skypush/internal/domain"
	"github.com/nkkko/skypush/internal/push"
)

type mapReader map[string][]string

func (m mapReader) Tokens(identity string) []string { return m[identity] }

type recordingSender struct {
	mu      sync.Mutex
	batches [][]domain.NotificationMessage
	block   chan struct{}
}

func (s *recordingSender) Deliver(ctx context.Context, msgs []domain.NotificationMessage) push.Summary {
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return push.Summary{Transient: len(msgs)}
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, msgs)
	return push.Summary{Success: len(msgs)}
}

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.batches {
		n += len(b)
	}
	return n
}

type staticInvalid map[string]bool

func (s staticInvalid) Contains(_, token string) bool { return s[token] }

func repost() domain.InteractionEvent {
	return domain.InteractionEvent{
		Reason:          domain.ReasonRepost,
		ActorIdentity:   "did:plc:abc",
		SubjectIdentity: "did:plc:xyz",
		SubjectURI:      "at://did:plc:xyz/app.bsky.feed.post/1",
	}
}

func TestDispatcher_FansOutToEveryToken(t *testing.T) {
	sender := &recordingSender{}
	d := NewDispatcher(Config{}, mapReader{"did:plc:xyz": {"tok1", "tok2"}}, sender, nil)

	summary := d.Dispatch(context.Background(), repost())
	assert.Equal(t, 2, summary.Success)

	require.Len(t, sender.batches, 1)
	msgs := sender.batches[0]
	require.Len(t, msgs, 2)
	assert.Equal(t, "tok1", msgs[0].Token)
	assert.Equal(t, "tok2", msgs[1].Token)
	for _, m := range msgs {
		assert.Equal(t, "New repost", m.Title)
		assert.Equal(t, "did:plc:xyz", m.Identity)
	}
}

func TestDispatcher_NoSubscriptionIsSilent(t *testing.T) {
	sender := &recordingSender{}
	d := NewDispatcher(Config{}, mapReader{}, sender, nil)

	summary := d.Dispatch(context.Background(), repost())
	assert.Equal(t, push.Summary{}, summary)
	assert.Empty(t, sender.batches)
}

func TestDispatcher_SkipsInvalidatedTokens(t *testing.T) {
	sender := &recordingSender{}
	d := NewDispatcher(Config{}, mapReader{"did:plc:xyz": {"tok1", "tok2"}}, sender, staticInvalid{"tok1": true})

	d.Dispatch(context.Background(), repost())
	require.Len(t, sender.batches, 1)
	require.Len(t, sender.batches[0], 1)
	assert.Equal(t, "tok2", sender.batches[0][0].Token)

	// Every token invalid: nothing to send
	d = NewDispatcher(Config{}, mapReader{"did:plc:xyz": {"tok1"}}, sender, staticInvalid{"tok1": true})
	assert.Equal(t, push.Summary{}, d.Dispatch(context.Background(), repost()))
}

func TestDispatcher_RunProcessesQueuedEvents(t *testing.T) {
	sender := &recordingSender{}
	d := NewDispatcher(Config{Workers: 4, QueueSize: 100}, mapReader{"did:plc:xyz": {"tok1", "tok2"}}, sender, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	for i := 0; i < 10; i++ {
		d.Enqueue(repost())
	}

	assert.Eventually(t, func() bool { return sender.count() == 20 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestDispatcher_ShutdownDrainsQueue(t *testing.T) {
	sender := &recordingSender{block: make(chan struct{})}
	d := NewDispatcher(Config{Workers: 1, QueueSize: 10, ShutdownGrace: 2 * time.Second}, mapReader{"did:plc:xyz": {"tok1"}}, sender, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	for i := 0; i < 3; i++ {
		d.Enqueue(repost())
	}

	// Shut down while the worker is blocked, then let delivery proceed
	cancel()
	close(sender.block)

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.Equal(t, 3, sender.count())
}

func TestDispatcher_ShutdownGraceCancelsDelivery(t *testing.T) {
	sender := &recordingSender{block: make(chan struct{})}
	d := NewDispatcher(Config{Workers: 1, QueueSize: 10, ShutdownGrace: 50 * time.Millisecond}, mapReader{"did:plc:xyz": {"tok1"}}, sender, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	d.Enqueue(repost())
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("grace period was not enforced")
	}
	assert.Equal(t, 0, sender.count())
}

func TestDispatcher_EnqueueDropsOldestWhenSaturated(t *testing.T) {
	sender := &recordingSender{}
	d := NewDispatcher(Config{Workers: 1, QueueSize: 2}, mapReader{}, sender, nil)

	// No workers running: the queue saturates
	for i := 0; i < 5; i++ {
		d.Enqueue(event(i))
	}
	assert.Equal(t, 2, d.QueueLen())

	ev, ok := d.queue.Next(context.Background())
	require.True(t, ok)
	assert.Equal(t, event(3), ev)
}
