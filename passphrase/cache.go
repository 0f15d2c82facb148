// Package passphrase implements the agent's short-TTL confidential
// passphrase cache, grounded on gnupg agent/command.c's
// cmd_get_passphrase/cmd_clear_passphrase pair (agent_put_cache /
// agent_get_cache in the original).
package passphrase

import (
	"fmt"
	"sync"
	"time"

	"github.com/keybrokerd/keybrokerd/cache"
	"github.com/keybrokerd/keybrokerd/secret"
)

// MaxCacheIDLength bounds the cache key length, mirroring gnupg's
// hard-coded 50-character limit on cacheid.
const MaxCacheIDLength = 50

// UseDefaultTTL is a sentinel for Put: use the cache's configured default
// TTL instead of either an explicit duration or the forever sentinel. A
// real ttl of 0 means "until daemon exit" (SPEC_FULL.md's cache data
// model), so it cannot double as "unspecified" the way it might in a
// plain `ttl <= 0` check.
const UseDefaultTTL time.Duration = -1

// ErrKeyTooLong is returned by Put when key exceeds MaxCacheIDLength.
var ErrKeyTooLong = fmt.Errorf("passphrase: cache key exceeds %d characters", MaxCacheIDLength)

// Cache is a confidential store of hex-encoded passphrases. Entries cached
// with ttl 0 live in forever until an explicit Invalidate or process exit;
// everything else is kept in the TTL-bounded backing store.
type Cache struct {
	store      *cache.Cache
	defaultTTL time.Duration

	mu      sync.Mutex
	forever map[string][]byte
}

// New wraps a byte cache for passphrase storage. defaultTTL is used when
// Put is called with UseDefaultTTL.
func New(store *cache.Cache, defaultTTL time.Duration) *Cache {
	return &Cache{store: store, defaultTTL: defaultTTL, forever: make(map[string][]byte)}
}

// Get returns the cached passphrase for key, if present.
func (c *Cache) Get(key string) ([]byte, bool) {
	if key == "" {
		return nil, false
	}
	c.mu.Lock()
	if value, ok := c.forever[key]; ok {
		c.mu.Unlock()
		return value, true
	}
	c.mu.Unlock()
	return c.store.Get(key)
}

// Put stores value under key. ttl == 0 means the entry is never evicted by
// time — only an explicit Invalidate (CLEAR_PASSPHRASE) or daemon exit
// removes it. UseDefaultTTL substitutes the cache's configured default
// duration. Any positive ttl expires the entry after that duration.
func (c *Cache) Put(key string, value []byte, ttl time.Duration) error {
	if len(key) > MaxCacheIDLength {
		return ErrKeyTooLong
	}
	if ttl == UseDefaultTTL {
		ttl = c.defaultTTL
	}
	if ttl == 0 {
		c.mu.Lock()
		c.forever[key] = value
		c.mu.Unlock()
		c.store.Delete(key)
		return nil
	}
	c.mu.Lock()
	delete(c.forever, key)
	c.mu.Unlock()
	c.store.Set(key, value, ttl)
	return nil
}

// Invalidate removes key from the cache. Removing an absent key is not an
// error, matching gnupg's agent_put_cache(id, NULL, 0) semantics for
// CLEAR_PASSPHRASE.
func (c *Cache) Invalidate(key string) {
	if key == "" {
		return
	}
	c.mu.Lock()
	if value, ok := c.forever[key]; ok {
		secret.Zero(value)
	}
	delete(c.forever, key)
	c.mu.Unlock()
	c.store.Delete(key)
}
