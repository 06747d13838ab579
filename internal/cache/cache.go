// Package cache provides the in-process byte cache used for calendar feed
// bodies and mailbox messages, backed by ristretto.
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/tjfontaine/intentguard/internal/core/ports"
)

// DefaultMaxCost is the default cache budget in bytes.
const DefaultMaxCost = 32 << 20

// Cache is a cost-bounded TTL cache keyed by string.
type Cache struct {
	c *ristretto.Cache[string, []byte]
}

var _ ports.ByteCache = (*Cache)(nil)

// New creates a cache holding at most maxCostBytes of values.
func New(maxCostBytes int64) (*Cache, error) {
	if maxCostBytes <= 0 {
		maxCostBytes = DefaultMaxCost
	}
	c, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: max(maxCostBytes/100*10, 1000),
		MaxCost:     maxCostBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Cache{c: c}, nil
}

// Get returns a copy-free view of the cached value.
func (c *Cache) Get(_ context.Context, key string) ([]byte, bool, error) {
	val, found := c.c.Get(key)
	if !found {
		return nil, false, nil
	}
	return val, true, nil
}

// Set stores value for ttl. Writes are applied before Set returns so a
// following Get observes them.
func (c *Cache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if !c.c.SetWithTTL(key, value, int64(len(value)), ttl) {
		return errors.New("cache: value rejected")
	}
	c.c.Wait()
	return nil
}

// Delete removes a value.
func (c *Cache) Delete(_ context.Context, key string) error {
	c.c.Del(key)
	return nil
}

// Close releases the cache's goroutines.
func (c *Cache) Close() {
	c.c.Close()
}
