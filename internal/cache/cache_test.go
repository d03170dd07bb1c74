package cache_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/anrdispatch/dispatchd/internal/cache"
)

func TestPutGetRoundTrip(t *testing.T) {
	c, err := cache.New(cache.Options{HotCapacity: 8, Dir: t.TempDir(), TTL: time.Hour})
	require.NoError(t, err)

	key := cache.ComputeKey([]byte("foo"), "quick", "claude-3-5-haiku-20241022")
	_, ok := c.Get(key)
	require.False(t, ok)

	require.NoError(t, c.Put(key, []byte("RESULT"), nil))
	v, ok := c.Get(key)
	require.True(t, ok)
	require.Equal(t, "RESULT", string(v))
}

func TestExpiryAfterTTL(t *testing.T) {
	c, err := cache.New(cache.Options{HotCapacity: 8, Dir: t.TempDir(), TTL: time.Millisecond})
	require.NoError(t, err)
	key := cache.ComputeKey([]byte("bar"), "quick", "m")
	require.NoError(t, c.Put(key, []byte("v"), nil))
	time.Sleep(5 * time.Millisecond)
	_, ok := c.Get(key)
	require.False(t, ok)
}

func TestColdHitPromotesToHot(t *testing.T) {
	dir := t.TempDir()
	c1, err := cache.New(cache.Options{HotCapacity: 8, Dir: dir, TTL: time.Hour})
	require.NoError(t, err)
	key := cache.ComputeKey([]byte("baz"), "quick", "m")
	require.NoError(t, c1.Put(key, []byte("v"), nil))

	c2, err := cache.New(cache.Options{HotCapacity: 8, Dir: dir, TTL: time.Hour})
	require.NoError(t, err)
	v, ok := c2.Get(key)
	require.True(t, ok)
	require.Equal(t, "v", string(v))
	stats := c2.Stats()
	require.Equal(t, 1, stats.HotItems)
}

func TestComputeKeyDeterministic(t *testing.T) {
	a := cache.ComputeKey([]byte("content"), "intelligent", "gpt-4o")
	b := cache.ComputeKey([]byte("content"), "intelligent", "gpt-4o")
	require.Equal(t, a, b)
	c := cache.ComputeKey([]byte("content"), "intelligent", "gpt-4o-mini")
	require.NotEqual(t, a, c)
}

func TestStatsTracksHitsAndMisses(t *testing.T) {
	c, err := cache.New(cache.Options{HotCapacity: 8, Dir: t.TempDir(), TTL: time.Hour})
	require.NoError(t, err)
	key := cache.ComputeKey([]byte("x"), "quick", "m")
	c.Get(key)
	c.Put(key, []byte("v"), nil)
	c.Get(key)
	stats := c.Stats()
	require.Equal(t, int64(1), stats.Hits)
	require.Equal(t, int64(1), stats.Misses)
}
