// Package cache is a bounded response cache for deterministic requests:
// keys cover the normalized request plus the resolved model fingerprint, so
// a hit is invalidated whenever the model's config (and therefore its
// observable behavior) changes. Only non-streaming, temperature-zero
// requests are eligible.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

type entry[R any] struct {
	value     R
	createdAt time.Time
}

// Cache is a bounded, TTL'd cache of task results keyed by a deterministic
// request fingerprint. One Cache[R] is instantiated per task-result type
// (chat, text-completion, embedding) the server wants to cache.
type Cache[R any] struct {
	lru        *lru.Cache[string, entry[R]]
	ttl        time.Duration
	maxEntries int

	stop chan struct{}
}

// New constructs a Cache bounded to maxEntries, with values expiring ttlSec
// after being set. maxEntries <= 0 disables the cache (Get always misses).
func New[R any](maxEntries int, ttlSec int) *Cache[R] {
	c := &Cache[R]{ttl: time.Duration(ttlSec) * time.Second, maxEntries: maxEntries, stop: make(chan struct{})}
	if maxEntries <= 0 {
		return c
	}
	l, _ := lru.New[string, entry[R]](maxEntries)
	c.lru = l
	go c.cleanupLoop()
	return c
}

// Key derives a cache key from a model fingerprint and the bytes of a
// canonicalized, deterministic request (temperature 0, non-streaming).
// ok is false when the request isn't eligible for caching at all.
func Key(fingerprint string, canonicalRequest []byte, sampling map[string]any, streaming bool) (string, bool) {
	if streaming {
		return "", false
	}
	temp, ok := sampling["temperature"]
	if !ok {
		return "", false
	}
	tempFloat, ok := temp.(float64)
	if !ok || tempFloat != 0 {
		return "", false
	}
	h := sha256.New()
	h.Write([]byte(fingerprint))
	h.Write([]byte{0})
	h.Write(canonicalRequest)
	return hex.EncodeToString(h.Sum(nil)), true
}

// CanonicalJSON builds Key's canonicalRequest argument from a
// JSON-marshalable payload. encoding/json sorts map keys when marshaling,
// so map-shaped payloads (the opaque sampling config) produce a stable byte
// sequence regardless of client field order.
func CanonicalJSON(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}

// Get returns the cached value for key, if present and not expired.
func (c *Cache[R]) Get(key string) (R, bool) {
	var zero R
	if c.lru == nil {
		return zero, false
	}
	e, ok := c.lru.Get(key)
	if !ok {
		return zero, false
	}
	if time.Since(e.createdAt) > c.ttl {
		c.lru.Remove(key)
		return zero, false
	}
	return e.value, true
}

// Set stores value under key, evicting the least-recently-used entry if the
// cache is at capacity.
func (c *Cache[R]) Set(key string, value R) {
	if c.lru == nil {
		return
	}
	c.lru.Add(key, entry[R]{value: value, createdAt: time.Now()})
}

// Stats reports current size and configured capacity.
func (c *Cache[R]) Stats() (size int, maxSize int) {
	if c.lru == nil {
		return 0, c.maxEntries
	}
	return c.lru.Len(), c.maxEntries
}

func (c *Cache[R]) cleanupLoop() {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.sweepExpired()
		case <-c.stop:
			return
		}
	}
}

func (c *Cache[R]) sweepExpired() {
	now := time.Now()
	for _, key := range c.lru.Keys() {
		e, ok := c.lru.Peek(key)
		if ok && now.Sub(e.createdAt) > c.ttl {
			c.lru.Remove(key)
		}
	}
}

// Dispose stops the background cleanup goroutine. Safe to call once.
func (c *Cache[R]) Dispose() {
	select {
	case <-c.stop:
	default:
		close(c.stop)
	}
}
