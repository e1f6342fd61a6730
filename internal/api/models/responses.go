package models

import (
	"github.com/nkkko/skypush/internal/domain"
)

// SubscriptionResponse is an identity and its registered tokens
type SubscriptionResponse struct {
	Identity string   `json:"identity"`
	Tokens   []string `json:"tokens"`
}

// SubscriptionFromDomain converts a stored subscription to the response
func SubscriptionFromDomain(sub domain.Subscription) SubscriptionResponse {
	tokens := sub.Tokens
	if tokens == nil {
		tokens = []string{}
	}
	return SubscriptionResponse{Identity: sub.Identity, Tokens: tokens}
}

// SubscriptionsFromDomain converts a list of subscriptions
func SubscriptionsFromDomain(subs []domain.Subscription) []SubscriptionResponse {
	result := make([]SubscriptionResponse, len(subs))
	for i, sub := range subs {
		result[i] = SubscriptionFromDomain(sub)
	}
	return result
}

// UnregisterResponse acknowledges a removed token
type UnregisterResponse struct {
	Identity string `json:"identity"`
	Removed  bool   `json:"removed"`
}

// HealthResponse is returned by the health endpoints
type HealthResponse struct {
	Status        string `json:"status"`
	Subscriptions int    `json:"subscriptions,omitempty"`
}
