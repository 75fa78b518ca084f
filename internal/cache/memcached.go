package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/bradfitz/gomemcache/memcache"

	"github.com/kjstillabower/weather-tracker-service/internal/models"
)

const (
	keyPrefix = "weather:latest:"
	// casAttempts bounds the read-compare-swap loop in Set under contention.
	casAttempts = 5
)

// memcacheClient is the subset of *memcache.Client used here.
type memcacheClient interface {
	Get(key string) (*memcache.Item, error)
	Add(item *memcache.Item) error
	CompareAndSwap(item *memcache.Item) error
	Delete(key string) error
	Ping() error
	Close() error
}

// MemcachedCache implements Cache using memcached. Values are JSON-encoded readings.
type MemcachedCache struct {
	client memcacheClient
}

// NewMemcachedCache creates a MemcachedCache. addrs is a comma-separated list
// (e.g. "localhost:11211" or "host1:11211,host2:11211"). timeout and maxIdleConns
// configure the client; both use package defaults if zero.
func NewMemcachedCache(addrs string, timeout time.Duration, maxIdleConns int) (*MemcachedCache, error) {
	servers := parseAddrs(addrs)
	if len(servers) == 0 {
		servers = []string{"localhost:11211"}
	}
	client := memcache.New(servers...)
	if timeout > 0 {
		client.Timeout = timeout
	}
	if maxIdleConns > 0 {
		client.MaxIdleConns = maxIdleConns
	}
	return &MemcachedCache{client: client}, nil
}

func parseAddrs(s string) []string {
	var out []string
	for _, a := range strings.Split(s, ",") {
		a = strings.TrimSpace(a)
		if a != "" {
			out = append(out, a)
		}
	}
	return out
}

// key builds a memcached-safe key: no spaces or control characters.
func (c *MemcachedCache) key(city string) string {
	return keyPrefix + url.QueryEscape(strings.ToLower(strings.TrimSpace(city)))
}

// Get implements Cache.Get. Returns false, nil on cache miss; false, err on error.
func (c *MemcachedCache) Get(ctx context.Context, city string) (models.Reading, bool, error) {
	if ctx.Err() != nil {
		return models.Reading{}, false, ctx.Err()
	}
	item, err := c.client.Get(c.key(city))
	if err != nil {
		if errors.Is(err, memcache.ErrCacheMiss) {
			return models.Reading{}, false, nil
		}
		return models.Reading{}, false, err
	}
	var r models.Reading
	if err := json.Unmarshal(item.Value, &r); err != nil {
		return models.Reading{}, false, err
	}
	return r, true, nil
}

// Set stores value unless memcached already holds a newer reading for city.
// The check and the write are one compare-and-swap, so a slow writer holding
// an old reading cannot replace one a fetch cycle stored in between.
func (c *MemcachedCache) Set(ctx context.Context, city string, value models.Reading, ttl time.Duration) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	key, exp := c.key(city), expirationSeconds(ttl)

	for attempt := 0; attempt < casAttempts; attempt++ {
		item, err := c.client.Get(key)
		if errors.Is(err, memcache.ErrCacheMiss) {
			err = c.client.Add(&memcache.Item{Key: key, Value: raw, Expiration: exp})
			if errors.Is(err, memcache.ErrNotStored) {
				continue // lost the race to another writer; compare against theirs
			}
			return err
		}
		if err != nil {
			return err
		}

		var cur models.Reading
		if json.Unmarshal(item.Value, &cur) == nil && cur.ObservedAt.After(value.ObservedAt) {
			return nil
		}
		item.Value, item.Expiration = raw, exp
		err = c.client.CompareAndSwap(item)
		if errors.Is(err, memcache.ErrCASConflict) || errors.Is(err, memcache.ErrNotStored) {
			continue
		}
		return err
	}
	return fmt.Errorf("set %s: %w", city, memcache.ErrCASConflict)
}

// Add stores value only when memcached has no entry for city.
func (c *MemcachedCache) Add(ctx context.Context, city string, value models.Reading, ttl time.Duration) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	err = c.client.Add(&memcache.Item{Key: c.key(city), Value: raw, Expiration: expirationSeconds(ttl)})
	if errors.Is(err, memcache.ErrNotStored) {
		return nil
	}
	return err
}

// Delete implements Cache.Delete. Deleting a missing key is not an error.
func (c *MemcachedCache) Delete(ctx context.Context, city string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := c.client.Delete(c.key(city)); err != nil && !errors.Is(err, memcache.ErrCacheMiss) {
		return err
	}
	return nil
}

func expirationSeconds(ttl time.Duration) int32 {
	expSec := int32(ttl.Seconds())
	const maxRelativeExp = 30 * 24 * 60 * 60 // memcached treats larger values as unix timestamps
	if expSec <= 0 || expSec > maxRelativeExp {
		expSec = 3600
	}
	return expSec
}

// Ping checks if memcached is reachable. Used for health checks.
func (c *MemcachedCache) Ping() error {
	return c.client.Ping()
}

// Close closes the memcached client connections. Call during shutdown.
func (c *MemcachedCache) Close() error {
	return c.client.Close()
}
