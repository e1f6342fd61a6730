package notifier

import (
	"context"
	"sync"

	"github.com/nkkko/skypush/internal/domain"
	"github.com/nkkko/skypush/internal/metrics"
)

// EventQueue is a bounded FIFO of interaction events. When full, publishing
// drops the oldest queued event so the firehose reader never blocks.
type EventQueue struct {
	mu     sync.Mutex
	items  []domain.InteractionEvent
	head   int
	size   int
	closed bool

	// notify wakes one waiting worker; done wakes all of them on Close
	notify chan struct{}
	done   chan struct{}

	metrics *metrics.Metrics
}

// NewEventQueue creates a queue holding at most capacity events
func NewEventQueue(capacity int) *EventQueue {
	if capacity <= 0 {
		capacity = 1
	}
	return &EventQueue{
		items:   make([]domain.InteractionEvent, capacity),
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		metrics: metrics.GetMetrics(),
	}
}

// Publish appends event. It returns the evicted event and true when the
// queue was full. Publishing to a closed queue is a no-op.
func (q *EventQueue) Publish(event domain.InteractionEvent) (evicted domain.InteractionEvent, dropped bool) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return domain.InteractionEvent{}, false
	}

	if q.size == len(q.items) {
		evicted = q.items[q.head]
		q.items[q.head] = domain.InteractionEvent{}
		q.head = (q.head + 1) % len(q.items)
		q.size--
		dropped = true
	}

	q.items[(q.head+q.size)%len(q.items)] = event
	q.size++
	size := q.size
	q.mu.Unlock()

	q.metrics.DispatchQueueSize.Set(float64(size))
	if dropped {
		q.metrics.DispatchDroppedTotal.Inc()
	}

	q.signal()
	return evicted, dropped
}

// Next blocks until an event is available, ctx is done, or the queue is
// closed and drained.
func (q *EventQueue) Next(ctx context.Context) (domain.InteractionEvent, bool) {
	for {
		q.mu.Lock()
		if q.size > 0 {
			event := q.items[q.head]
			q.items[q.head] = domain.InteractionEvent{}
			q.head = (q.head + 1) % len(q.items)
			q.size--
			remaining := q.size
			q.mu.Unlock()

			q.metrics.DispatchQueueSize.Set(float64(remaining))
			if remaining > 0 {
				// Pass the wakeup on so another idle worker picks up the rest
				q.signal()
			}
			return event, true
		}
		closed := q.closed
		q.mu.Unlock()

		if closed {
			return domain.InteractionEvent{}, false
		}

		select {
		case <-q.notify:
		case <-q.done:
		case <-ctx.Done():
			return domain.InteractionEvent{}, false
		}
	}
}

// Len returns the number of queued events
func (q *EventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Close stops accepting events. Queued events can still be drained with Next.
func (q *EventQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}

func (q *EventQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
		// A wakeup is already pending
	}
}
