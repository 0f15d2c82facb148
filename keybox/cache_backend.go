package keybox

import (
	"encoding/hex"
	"time"

	"github.com/keybrokerd/keybrokerd/cache"
	"github.com/keybrokerd/keybrokerd/metrics"
)

// CacheBackend is the keybox frontend's in-memory read-through cache,
// always consulted first (kbxd_search's DB_TYPE_CACHE). It remembers
// individual record hits by ubid, memoizes definitive misses per query
// shape, and records a resume-by-identifier hint so a downstream on-disk
// backend can pick up an iterative scan where the cache last left off.
//
// Built on the sharded TTL store in the cache package, reused so the
// keybox frontend and the passphrase cache share one eviction engine
// instead of each rolling its own map+mutex.
type CacheBackend struct {
	unsupportedBackend
	store     *cache.Cache
	hitTTL    time.Duration
	missTTL   time.Duration
}

// NewCacheBackend wraps store for use as the keybox frontend's cache
// backend.
func NewCacheBackend(store *cache.Cache, hitTTL, missTTL time.Duration) *CacheBackend {
	return &CacheBackend{store: store, hitTTL: hitTTL, missTTL: missTTL}
}

func (c *CacheBackend) Kind() Kind { return KindCache }

func (c *CacheBackend) Reset() error { return nil }

func (c *CacheBackend) Close() error { return nil }

func (c *CacheBackend) recordKey(ubid UBID) string {
	return "u:" + hex.EncodeToString(ubid[:])
}

func (c *CacheBackend) missKey(desc []SearchDesc) string {
	return "n:" + descKey(desc)
}

func (c *CacheBackend) cursorKey(desc []SearchDesc) string {
	return "c:" + descKey(desc)
}

// Search looks for a positively-cached record matching any descriptor
// first; failing that, checks for a memoized negative result; failing
// that, returns ErrEOF along with whatever resume hint is on file for this
// exact query shape.
func (c *CacheBackend) Search(desc []SearchDesc) (SearchResult, error) {
	for _, d := range desc {
		if raw, ok := c.store.Get(c.recordKey(d.UBID)); ok && len(raw) >= 1 {
			metrics.KeyboxCacheHits.WithLabelValues("cache").Inc()
			return SearchResult{PKType: int(raw[0]), UBID: d.UBID, Blob: raw[1:]}, nil
		}
	}
	if _, ok := c.store.Get(c.missKey(desc)); ok {
		metrics.KeyboxCacheHits.WithLabelValues("cache").Inc()
		return SearchResult{}, ErrNotFound
	}

	metrics.KeyboxCacheMisses.WithLabelValues("cache").Inc()
	res := SearchResult{}
	if raw, ok := c.store.Get(c.cursorKey(desc)); ok && len(raw) == 21 {
		res.ResumeValid = true
		res.ResumeFinal = raw[0] == 1
		copy(res.ResumeUBID[:], raw[1:])
	}
	return res, ErrEOF
}

// Observe records a hit produced by a downstream backend so that a repeat
// search for the same ubid, or the same desc shape as part of an iterative
// NEXT scan, is served without leaving the cache.
func (c *CacheBackend) Observe(pktype int, ubid UBID, blob []byte, desc []SearchDesc) {
	raw := make([]byte, 1+len(blob))
	raw[0] = byte(pktype)
	copy(raw[1:], blob)
	c.store.Set(c.recordKey(ubid), raw, c.hitTTL)

	cursor := make([]byte, 21)
	cursor[0] = 0
	copy(cursor[1:], ubid[:])
	c.store.Set(c.cursorKey(desc), cursor, c.hitTTL)
}

// MarkNotFound memoizes that desc produced no hit anywhere in the chain.
func (c *CacheBackend) MarkNotFound(desc []SearchDesc) {
	c.store.Set(c.missKey(desc), []byte{1}, c.missTTL)
}

// MarkFinal records that the on-disk scan for desc ran to completion, so a
// future identical search can skip straight past resuming it.
func (c *CacheBackend) MarkFinal(desc []SearchDesc) {
	cursor := make([]byte, 21)
	cursor[0] = 1
	if raw, ok := c.store.Get(c.cursorKey(desc)); ok && len(raw) == 21 {
		copy(cursor[1:], raw[1:])
	}
	c.store.Set(c.cursorKey(desc), cursor, c.hitTTL)
}
