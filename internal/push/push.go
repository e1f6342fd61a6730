// Package push delivers notification messages through an external push
// provider. Providers expose a synchronous batch send that returns one
// result per message; the Client adds batching, bounded retries of transient
// failures and invalidation of tokens the provider rejects permanently.
package push

import (
	"context"
	"errors"

	"github.com/nkkko/skypush/internal/domain"
)

var (
	// ErrProviderUnavailable marks a whole-batch failure that is worth retrying
	ErrProviderUnavailable = errors.New("push provider unavailable")

	// ErrResultMismatch is returned when a provider answers with the wrong number of results
	ErrResultMismatch = errors.New("provider returned a mismatched result count")
)

// Status classifies the outcome of a single message
type Status int

const (
	// StatusSuccess means the provider accepted the message
	StatusSuccess Status = iota

	// StatusTransient means the message may succeed if retried
	StatusTransient

	// StatusPermanent means the token is invalid or unregistered
	StatusPermanent

	// StatusFailed means the message was rejected for a reason that retrying
	// will not fix and that says nothing about the token
	StatusFailed
)

// String returns the metric label for s
func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusTransient:
		return "transient"
	case StatusPermanent:
		return "permanent"
	default:
		return "failed"
	}
}

// Result is the outcome of one message in a batch
type Result struct {
	Status Status

	// Code is the provider's error code, if any
	Code string

	// Err carries the provider error for logging
	Err error
}

// Provider sends a batch of messages and returns exactly one Result per
// message, in order. A non-nil error means the whole batch failed; wrap
// ErrProviderUnavailable when retrying the batch may help.
type Provider interface {
	Name() string
	MaxBatchSize() int
	SendBatch(ctx context.Context, msgs []domain.NotificationMessage) ([]Result, error)
}

// Summary counts final outcomes of a Deliver call
type Summary struct {
	Success   int
	Transient int
	Permanent int
	Failed    int
}

func (s *Summary) add(status Status) {
	switch status {
	case StatusSuccess:
		s.Success++
	case StatusTransient:
		s.Transient++
	case StatusPermanent:
		s.Permanent++
	default:
		s.Failed++
	}
}
