package notifier

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/nkkko/skypush/internal/domain"
	"github.com/nkkko/skypush/internal/metrics"
)

// Ensure InvalidTokenCache can stand in for the registry invalidator
var _ domain.TokenInvalidator = (*InvalidTokenCache)(nil)

// InvalidTokenCache remembers tokens the push provider rejected permanently.
// A subscription snapshot fetched before the registry processed the removal
// can still contain such a token; the dispatcher skips it until the entry
// expires.
type InvalidTokenCache struct {
	tokens     *lru.TwoQueueCache
	next       domain.TokenInvalidator
	expiration time.Duration
	mutex      sync.RWMutex
	metrics    *metrics.Metrics
}

// cacheItem represents an item in the cache with an expiration time
type cacheItem struct {
	identity   string
	expiration time.Time
}

// NewInvalidTokenCache creates a cache of the given capacity that forwards
// invalidations to next
func NewInvalidTokenCache(capacity int, expiration time.Duration, next domain.TokenInvalidator) (*InvalidTokenCache, error) {
	tokens, err := lru.New2Q(capacity)
	if err != nil {
		return nil, err
	}

	return &InvalidTokenCache{
		tokens:     tokens,
		next:       next,
		expiration: expiration,
		metrics:    metrics.GetMetrics(),
	}, nil
}

// InvalidateToken marks token invalid locally and forwards the removal
func (c *InvalidTokenCache) InvalidateToken(ctx context.Context, identity, token string) error {
	c.mutex.Lock()
	c.tokens.Add(token, cacheItem{
		identity:   identity,
		expiration: time.Now().Add(c.expiration),
	})
	c.mutex.Unlock()
	c.metrics.StorageOperations.WithLabelValues("cache_set_invalid_token", "true").Inc()

	if c.next == nil {
		return nil
	}
	return c.next.InvalidateToken(ctx, identity, token)
}

// Contains reports whether token was invalidated for identity and has not expired
func (c *InvalidTokenCache) Contains(identity, token string) bool {
	c.mutex.RLock()
	value, found := c.tokens.Peek(token)
	c.mutex.RUnlock()
	if !found {
		return false
	}

	item := value.(cacheItem)
	if time.Now().After(item.expiration) {
		c.mutex.Lock()
		c.tokens.Remove(token)
		c.mutex.Unlock()
		c.metrics.StorageOperations.WithLabelValues("cache_expired_invalid_token", "true").Inc()
		return false
	}

	return item.identity == identity
}

// Len returns the number of cached tokens, including expired ones not yet evicted
func (c *InvalidTokenCache) Len() int {
	return c.tokens.Len()
}

// Clear empties the cache
func (c *InvalidTokenCache) Clear() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.tokens.Purge()
}
