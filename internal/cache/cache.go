package cache

import (
	"context"
	"sync"
	"time"

	"github.com/kjstillabower/weather-tracker-service/internal/models"
)

// Cache holds the latest reading per city. The store remains the source of
// truth; a miss or an error means "ask the store".
//
// Set never replaces a newer reading with an older one. Add only fills an
// empty slot; readers populating the cache after a store read use it so they
// cannot overwrite a reading a fetch cycle wrote in the meantime.
type Cache interface {
	Get(ctx context.Context, city string) (models.Reading, bool, error)
	Set(ctx context.Context, city string, value models.Reading, ttl time.Duration) error
	Add(ctx context.Context, city string, value models.Reading, ttl time.Duration) error
	Delete(ctx context.Context, city string) error
}

// InMemoryCache implements Cache using a mutex-guarded map with TTL-based expiration.
// Expired entries are removed on access.
type InMemoryCache struct {
	mu   sync.RWMutex
	data map[string]cacheEntry
	now  func() time.Time
}

// cacheEntry stores a cached reading with its expiration timestamp.
type cacheEntry struct {
	value     models.Reading
	expiresAt time.Time
}

// NewInMemoryCache creates a new in-memory cache instance.
func NewInMemoryCache() *InMemoryCache {
	return &InMemoryCache{
		data: make(map[string]cacheEntry),
		now:  time.Now,
	}
}

// Get returns (reading, true, nil) on hit and (zero, false, nil) on miss or expiration.
func (c *InMemoryCache) Get(ctx context.Context, city string) (models.Reading, bool, error) {
	c.mu.RLock()
	entry, ok := c.data[city]
	c.mu.RUnlock()
	if !ok {
		return models.Reading{}, false, nil
	}

	if c.now().After(entry.expiresAt) {
		c.mu.Lock()
		if cur, ok := c.data[city]; ok && cur.expiresAt.Equal(entry.expiresAt) {
			delete(c.data, city)
		}
		c.mu.Unlock()
		return models.Reading{}, false, nil
	}

	return entry.value, true, nil
}

// Set stores the reading for city. A reading older than the cached one is ignored
// so a late writer can never roll the latest view backwards.
func (c *InMemoryCache) Set(ctx context.Context, city string, value models.Reading, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.data[city]; ok && cur.value.ObservedAt.After(value.ObservedAt) && c.now().Before(cur.expiresAt) {
		return nil
	}
	c.data[city] = cacheEntry{
		value:     value,
		expiresAt: c.now().Add(ttl),
	}
	return nil
}

// Add stores the reading only when city has no live entry.
func (c *InMemoryCache) Add(ctx context.Context, city string, value models.Reading, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.data[city]; ok && c.now().Before(cur.expiresAt) {
		return nil
	}
	c.data[city] = cacheEntry{
		value:     value,
		expiresAt: c.now().Add(ttl),
	}
	return nil
}

// Delete removes the entry for city, if any.
func (c *InMemoryCache) Delete(ctx context.Context, city string) error {
	c.mu.Lock()
	delete(c.data, city)
	c.mu.Unlock()
	return nil
}

// Len returns the number of entries, expired or not.
func (c *InMemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}
