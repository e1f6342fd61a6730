package domain

import (
	"context"
)

// SubscriptionReader resolves an identity to the push tokens subscribed to it.
// Implementations must be safe for concurrent use and must never block on writers.
type SubscriptionReader interface {
	// Tokens returns the tokens registered for identity, or nil when there is no subscription
	Tokens(identity string) []string
}

// TokenInvalidator removes a single token that the push provider reported as
// permanently undeliverable.
type TokenInvalidator interface {
	InvalidateToken(ctx context.Context, identity, token string) error
}

// EventSink accepts classified interaction events for dispatch.
type EventSink interface {
	// Enqueue hands an event to the dispatcher. It never blocks the caller.
	Enqueue(event InteractionEvent)
}
