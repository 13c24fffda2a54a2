package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKey_RequiresExplicitZeroTemperature(t *testing.T) {
	_, ok := Key("fp", []byte("body"), map[string]any{}, false)
	assert.False(t, ok, "unset temperature must not be cacheable")

	_, ok = Key("fp", []byte("body"), map[string]any{"temperature": 0.5}, false)
	assert.False(t, ok, "non-zero temperature must not be cacheable")

	_, ok = Key("fp", []byte("body"), map[string]any{"temperature": 0.0}, true)
	assert.False(t, ok, "streaming requests must not be cacheable")

	k, ok := Key("fp", []byte("body"), map[string]any{"temperature": 0.0}, false)
	require.True(t, ok)
	assert.NotEmpty(t, k)
}

func TestKey_DiffersByFingerprint(t *testing.T) {
	sampling := map[string]any{"temperature": 0.0}
	k1, _ := Key("model-a", []byte("body"), sampling, false)
	k2, _ := Key("model-b", []byte("body"), sampling, false)
	assert.NotEqual(t, k1, k2, "cache keys must differ across model fingerprints")
}

func TestCache_SetGetAndTTLExpiry(t *testing.T) {
	c := New[string](4, 0)
	defer c.Dispose()
	c.Set("k", "v")
	// ttlSec=0 means time.Since(createdAt) > 0 is true almost immediately.
	time.Sleep(time.Millisecond)
	_, ok := c.Get("k")
	assert.False(t, ok, "entry should be expired with a zero ttl")
}

func TestCache_DisabledWhenMaxEntriesNonPositive(t *testing.T) {
	c := New[string](0, 60)
	defer c.Dispose()
	c.Set("k", "v")
	_, ok := c.Get("k")
	assert.False(t, ok, "a disabled cache (maxEntries<=0) should never hit")
}

func TestCache_EvictsLeastRecentlyUsed(t *testing.T) {
	c := New[int](2, 60)
	defer c.Dispose()
	c.Set("a", 1)
	c.Set("b", 2)
	c.Get("a") // touch a so b becomes the LRU victim
	c.Set("c", 3)

	_, ok := c.Get("b")
	assert.False(t, ok, "b should have been evicted as least-recently-used")
	v, ok := c.Get("a")
	require.True(t, ok, "a should survive eviction")
	assert.Equal(t, 1, v)
}
