package secrets

import (
	"context"
	"sync"
	"time"
)

const defaultFetchTimeout = 5 * time.Second

// Cache wraps a Provider with a process-local, TTL-bounded cache.
//
// The cache must tolerate being empty: the hosting model may reuse or freshly
// start a process for any request, so Get re-fetches on miss or expiry rather
// than assuming warm state. Fetches carry an explicit timeout so a hung
// backend degrades to ErrSecretUnavailable instead of blocking.
type Cache struct {
	provider     Provider
	ttl          time.Duration
	fetchTimeout time.Duration

	mu      sync.Mutex
	entries map[string]cacheEntry
	now     func() time.Time
}

type cacheEntry struct {
	value     string
	expiresAt time.Time
}

// NewCache builds a Cache over provider with the given entry TTL.
func NewCache(provider Provider, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Cache{
		provider:     provider,
		ttl:          ttl,
		fetchTimeout: defaultFetchTimeout,
		entries:      make(map[string]cacheEntry),
		now:          time.Now,
	}
}

// Get returns the named secret, serving from cache while the entry is fresh.
func (c *Cache) Get(ctx context.Context, name string) (string, error) {
	now := c.now()

	c.mu.Lock()
	if e, ok := c.entries[name]; ok && e.expiresAt.After(now) {
		c.mu.Unlock()
		return e.value, nil
	}
	c.mu.Unlock()

	fetchCtx, cancel := context.WithTimeout(ctx, c.fetchTimeout)
	defer cancel()

	value, err := c.provider.GetSecret(fetchCtx, name)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.entries[name] = cacheEntry{value: value, expiresAt: now.Add(c.ttl)}
	c.mu.Unlock()

	return value, nil
}

// Invalidate drops a cached entry, forcing the next Get to re-fetch.
func (c *Cache) Invalidate(name string) {
	c.mu.Lock()
	delete(c.entries, name)
	c.mu.Unlock()
}
