// Package activity implements the activity estimator of spec 3/4.10: a
// rolling window of fixed-width buckets tracking how much time the user
// spent actively viewing each URL, reduced to a [0,1] engagement score.
//
// Grounded on internal/jobqueue's debounced in-memory-plus-persisted-
// snapshot shape (one JSON blob under one KV key, dirty flag gating
// writes) generalized to the bucket/URL accounting spec 3 describes; no
// teacher file does bucket-windowed scoring, so the estimator itself is
// built fresh in that persistence idiom.
package activity

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/whotracksme/webextension-packages-sub000/internal/storage"
	"github.com/whotracksme/webextension-packages-sub000/internal/types"
)

const activityStoreKey = "activity|state"

// loadBonusMs is the fixed bonus credited to a bucket/URL pair that saw at
// least one load, per spec 3's score formula (`Σ 5s·1{loads>0}`).
const loadBonusMs = 5000

// windowMs is the score formula's normalizing denominator (spec 3: 20min).
const windowMs = int64(20 * 60 * 1000)

// Estimator tracks per-URL active time across a rolling window of buckets.
type Estimator struct {
	mu        sync.Mutex
	clock     func() time.Time
	buckets   []*types.ActivityBucket // newest first
	activeURL string
	lastTouch time.Time
	dirty     bool
}

// New creates an empty Estimator.
func New() *Estimator {
	return &Estimator{clock: time.Now}
}

// UpdateActiveURL sets the currently active URL, or clears it when url is
// nil. Switching away from a URL never changes its already-computed score
// (spec 4.10): any in-progress active time is flushed up to the moment of
// the switch, then accounting for the old URL simply stops.
func (e *Estimator) UpdateActiveURL(url *string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock()
	e.touchLocked(now)

	if url == nil {
		e.activeURL = ""
		return
	}

	bucket := e.buckets[0]
	entry, ok := bucket.URLs[*url]
	if !ok {
		entry = &types.URLActivity{Since: now}
		bucket.URLs[*url] = entry
	}
	if e.activeURL != *url {
		entry.Loads++
		entry.Since = now
	}
	e.activeURL = *url
}

// Estimate returns url's current engagement score in [0,1].
func (e *Estimator) Estimate(url string) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.touchLocked(e.clock())

	var totalMs int64
	for _, b := range e.buckets {
		entry, ok := b.URLs[url]
		if !ok {
			continue
		}
		totalMs += entry.Accum
		if entry.Loads > 0 {
			totalMs += loadBonusMs
		}
	}

	score := float64(totalMs) / float64(windowMs)
	if score > 1 {
		score = 1
	}
	return score
}

// Dirty reports whether state has been reset since the last call to
// ClearDirty, meaning the persisted snapshot needs rewriting.
func (e *Estimator) Dirty() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dirty
}

// ClearDirty resets the dirty flag after a successful persist.
func (e *Estimator) ClearDirty() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dirty = false
}

// touchLocked detects clock jumps, allocates the current bucket, and
// flushes elapsed active time for the active URL into it. Caller holds e.mu.
func (e *Estimator) touchLocked(now time.Time) {
	maxDrift := time.Duration(types.MaxAcceptedDriftMs) * time.Millisecond
	if !e.lastTouch.IsZero() && e.lastTouch.Sub(now) >= maxDrift {
		e.resetLocked()
	}

	idx := bucketIndex(now)
	if len(e.buckets) == 0 || e.buckets[0].Idx != idx {
		if e.activeURL != "" && len(e.buckets) > 0 {
			e.flushLocked(e.buckets[0], now)
		}
		e.buckets = append([]*types.ActivityBucket{types.NewActivityBucket(idx, now)}, e.buckets...)
		if len(e.buckets) > types.MaxActiveBuckets+1 {
			e.buckets = e.buckets[:types.MaxActiveBuckets+1]
		}
	} else if e.activeURL != "" {
		e.flushLocked(e.buckets[0], now)
	}

	e.lastTouch = now
}

// flushLocked adds elapsed active time since lastTouch to the active URL's
// entry in bucket, creating the entry if the active URL has none there yet
// (the first flush into a bucket allocated while the URL stayed active).
func (e *Estimator) flushLocked(bucket *types.ActivityBucket, now time.Time) {
	if e.lastTouch.IsZero() {
		return
	}
	entry, ok := bucket.URLs[e.activeURL]
	if !ok {
		entry = &types.URLActivity{Since: e.lastTouch}
		bucket.URLs[e.activeURL] = entry
	}
	elapsed := now.Sub(e.lastTouch)
	if elapsed > 0 {
		entry.Accum += elapsed.Milliseconds()
	}
}

func (e *Estimator) resetLocked() {
	e.buckets = nil
	e.activeURL = ""
	e.lastTouch = time.Time{}
	e.dirty = true
}

func bucketIndex(t time.Time) int64 {
	return t.UnixMilli() / types.BucketDurationMs
}

type persistedState struct {
	Buckets   []*types.ActivityBucket `json:"buckets"`
	ActiveURL string                  `json:"activeUrl"`
	LastTouch time.Time               `json:"lastTouch"`
}

// Save persists the estimator's state to store.
func (e *Estimator) Save(ctx context.Context, store storage.KVStore) error {
	e.mu.Lock()
	snap := persistedState{Buckets: e.buckets, ActiveURL: e.activeURL, LastTouch: e.lastTouch}
	e.mu.Unlock()

	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return store.Set(ctx, activityStoreKey, data)
}

// Restore loads previously persisted state from store, if any.
func (e *Estimator) Restore(ctx context.Context, store storage.KVStore) error {
	data, found, err := store.Get(ctx, activityStoreKey)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}

	var snap persistedState
	if err := json.Unmarshal(data, &snap); err != nil {
		return types.NewCorruptionError("activity estimator state", err)
	}

	e.mu.Lock()
	e.buckets = snap.Buckets
	e.activeURL = snap.ActiveURL
	e.lastTouch = snap.LastTouch
	e.mu.Unlock()
	return nil
}
