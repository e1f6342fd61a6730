package storage

import (
	"context"
	"errors"

	"github.com/nkkko/skypush/internal/domain"
)

var (
	// ErrNotFound is returned when an identity/token pair is not registered
	ErrNotFound = errors.New("subscription not found")

	// ErrInvalidIdentity is returned for identities that are not valid DIDs
	ErrInvalidIdentity = errors.New("invalid identity")

	// ErrEmptyToken is returned when a blank push token is supplied
	ErrEmptyToken = errors.New("empty push token")

	// ErrStorage wraps I/O failures while loading or saving a snapshot
	ErrStorage = errors.New("storage error")
)

// SubscriptionStore is the durable identity -> push tokens mapping.
//
// Mutations are serialized behind a single writer and persisted before they
// return. List and Tokens read an immutable snapshot and never block on writers.
type SubscriptionStore interface {
	// Load reads the durable snapshot. It is called once at process start.
	Load() error

	// Register adds token to identity, removing it from any previous holder.
	// changed is false when the pair was already registered.
	Register(ctx context.Context, identity, token string) (sub domain.Subscription, changed bool, err error)

	// Unregister removes token from identity and prunes the identity when its
	// token set becomes empty. Returns ErrNotFound if the pair is not registered.
	Unregister(ctx context.Context, identity, token string) error

	// Has reports whether token is currently registered under identity
	Has(identity, token string) bool

	// Tokens returns a copy of the tokens registered for identity
	Tokens(identity string) []string

	// List returns an immutable copy of every subscription
	List() []domain.Subscription

	// Close flushes any pending state
	Close() error
}

// CursorStore durably records the last processed firehose sequence number.
type CursorStore interface {
	// Load returns the recorded cursor; ok is false when none was recorded
	Load() (cursor int64, ok bool, err error)

	// Save records cursor
	Save(cursor int64) error

	// Close releases the underlying database
	Close() error
}
