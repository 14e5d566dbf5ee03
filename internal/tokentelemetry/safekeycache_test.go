package tokentelemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSafeKeyCacheGetSet(t *testing.T) {
	c, err := NewSafeKeyCache(1000)
	require.NoError(t, err)
	defer c.Close()

	_, found := c.Get("k|tracker|key")
	assert.False(t, found)

	c.Put("k|tracker|key", true)
	c.Wait()

	safe, found := c.Get("k|tracker|key")
	require.True(t, found)
	assert.True(t, safe)
}

func TestCachedWhitelistMemoizesProbe(t *testing.T) {
	whitelist := NewQSWhitelist()
	cache, err := NewSafeKeyCache(1000)
	require.NoError(t, err)
	defer cache.Close()

	cached := NewCachedWhitelist(whitelist, cache)
	assert.False(t, cached.IsSafeKey("tracker", "key"))
	cache.Wait()

	// Seed the cache directly to prove the memoized path is taken instead
	// of re-probing the (still empty) underlying whitelist.
	cache.Put("k|tracker|key", true)
	cache.Wait()
	assert.True(t, cached.IsSafeKey("tracker", "key"))
}
