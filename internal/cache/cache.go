package cache

import (
	"context"
	"sync"
	"time"
)

// Cache stores rendered PNG bytes keyed by the canonical request parameters.
// Get returns the image if present and not expired; Set stores it with a TTL.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, png []byte, ttl time.Duration) error
}

// InMemoryCache implements Cache with a mutex-guarded map and TTL expiration.
// Expired entries are removed on access.
type InMemoryCache struct {
	mu   sync.RWMutex
	data map[string]cacheEntry
}

type cacheEntry struct {
	png       []byte
	expiresAt time.Time
}

// NewInMemoryCache creates an empty in-memory cache.
func NewInMemoryCache() *InMemoryCache {
	return &InMemoryCache{
		data: make(map[string]cacheEntry),
	}
}

// Get returns the cached image for the key if present and not expired.
func (c *InMemoryCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	c.mu.RLock()
	entry, ok := c.data[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if time.Now().After(entry.expiresAt) {
		c.mu.Lock()
		delete(c.data, key)
		c.mu.Unlock()
		return nil, false, nil
	}
	return entry.png, true, nil
}

// Set stores the image with the given TTL.
func (c *InMemoryCache) Set(ctx context.Context, key string, png []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = cacheEntry{
		png:       png,
		expiresAt: time.Now().Add(ttl),
	}
	return nil
}
