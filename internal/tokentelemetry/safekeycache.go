package tokentelemetry

import (
	"github.com/dgraph-io/ristretto/v2"
)

// SafeKeyCache memoizes IsSafeKey/IsSafeToken whitelist probes in-process.
// The whitelist bloom filter is cheap to query but every probe still takes a
// read lock and two hash passes; a hot key (e.g. a session id parameter
// firing on every page load) would otherwise re-probe the filter on every
// single request. Backed by ristretto the same way the teacher's storage
// layer pulls it in transitively through badger's own block cache.
type SafeKeyCache struct {
	cache *ristretto.Cache[string, bool]
}

// NewSafeKeyCache creates a SafeKeyCache sized for maxEntries distinct
// probe keys.
func NewSafeKeyCache(maxEntries int64) (*SafeKeyCache, error) {
	cache, err := ristretto.NewCache(&ristretto.Config[string, bool]{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &SafeKeyCache{cache: cache}, nil
}

// Get returns a cached verdict for probe, if present.
func (c *SafeKeyCache) Get(probe string) (safe bool, found bool) {
	return c.cache.Get(probe)
}

// Put records probe's verdict with a fixed unit cost.
func (c *SafeKeyCache) Put(probe string, safe bool) {
	c.cache.Set(probe, safe, 1)
}

// Close releases the cache's background goroutines.
func (c *SafeKeyCache) Close() {
	c.cache.Close()
}

// Wait blocks until all pending Set calls have been applied. Ristretto
// applies writes through an internal buffer, so tests that Set then
// immediately Get need this to avoid flaking.
func (c *SafeKeyCache) Wait() {
	c.cache.Wait()
}

// CachedWhitelist wraps a QSWhitelist with a SafeKeyCache in front of its
// IsSafeKey/IsSafeToken probes.
type CachedWhitelist struct {
	*QSWhitelist
	cache *SafeKeyCache
}

// NewCachedWhitelist wraps whitelist with an in-process memoization cache.
func NewCachedWhitelist(whitelist *QSWhitelist, cache *SafeKeyCache) *CachedWhitelist {
	return &CachedWhitelist{QSWhitelist: whitelist, cache: cache}
}

// IsSafeKey overrides QSWhitelist.IsSafeKey with a cache lookup.
func (w *CachedWhitelist) IsSafeKey(tp, key string) bool {
	probe := "k|" + tp + "|" + key
	if safe, found := w.cache.Get(probe); found {
		return safe
	}
	safe := w.QSWhitelist.IsSafeKey(tp, key)
	w.cache.Put(probe, safe)
	return safe
}

// IsSafeToken overrides QSWhitelist.IsSafeToken with a cache lookup.
func (w *CachedWhitelist) IsSafeToken(tp, token string) bool {
	probe := "t|" + tp + "|" + token
	if safe, found := w.cache.Get(probe); found {
		return safe
	}
	safe := w.QSWhitelist.IsSafeToken(tp, token)
	w.cache.Put(probe, safe)
	return safe
}
