// Package cache is a small sharded, TTL-aware byte-value store shared by
// the passphrase cache and the keybox frontend's cache backend. Both
// consumers need the same shape: short-lived values keyed by an ASCII
// string, with no notion of staleness or refresh-on-miss — a passphrase
// or keybox record either is cached or it isn't, there is no slower
// upstream to revalidate against the way a SQL query result has one.
package cache

import (
	"time"

	"github.com/mevdschee/tqmemory/pkg/tqmemory"
)

// Cache wraps a sharded TQMemory store.
type Cache struct {
	store *tqmemory.ShardedCache
}

// CacheConfig holds configuration for the cache
type CacheConfig struct {
	MaxMemory       int64   // Maximum memory in bytes
	Workers         int     // Number of worker goroutines
	StaleMultiplier float64 // Hard expiry = TTL * StaleMultiplier
}

// DefaultCacheConfig returns sensible defaults
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		MaxMemory:       64 * 1024 * 1024, // 64MB
		Workers:         4,
		StaleMultiplier: 2.0,
	}
}

// New creates a new cache with the specified configuration
func New(cfg CacheConfig) (*Cache, error) {
	tqcfg := tqmemory.DefaultConfig()
	tqcfg.MaxMemory = cfg.MaxMemory
	tqcfg.StaleMultiplier = cfg.StaleMultiplier

	store, err := tqmemory.NewSharded(tqcfg, cfg.Workers)
	if err != nil {
		return nil, err
	}
	return &Cache{store: store}, nil
}

// Get retrieves a cached value by key.
func (c *Cache) Get(key string) ([]byte, bool) {
	value, _, _, err := c.store.Get(key)
	if err != nil || value == nil {
		return nil, false
	}
	return value, true
}

// Set stores value under key with the given TTL.
func (c *Cache) Set(key string, value []byte, ttl time.Duration) {
	c.store.Set(key, value, ttl)
}

// Delete removes an entry from the cache.
func (c *Cache) Delete(key string) {
	c.store.Delete(key)
}

// Close closes the cache.
func (c *Cache) Close() error {
	return c.store.Close()
}
