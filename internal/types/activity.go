package types

import "time"

// BucketDurationMs is nextPow2(5 minutes) in milliseconds, the fixed width
// of one activity bucket per spec 3.
const BucketDurationMs int64 = 524288

// MaxActiveBuckets bounds how many trailing buckets are kept (~1h).
const MaxActiveBuckets = 7

// MaxAcceptedDriftMs is the largest backward clock jump tolerated without
// resetting all activity state.
const MaxAcceptedDriftMs int64 = 2 * 60 * 1000

// URLActivity is the per-URL accumulator inside one activity bucket.
type URLActivity struct {
	Loads int
	Accum int64 // accumulated active milliseconds
	Since time.Time
}

// ActivityBucket is one ~524288ms slot accumulating per-URL active time.
type ActivityBucket struct {
	Idx   int64
	Start time.Time
	URLs  map[string]*URLActivity
}

// NewActivityBucket creates an empty bucket starting at start.
func NewActivityBucket(idx int64, start time.Time) *ActivityBucket {
	return &ActivityBucket{Idx: idx, Start: start, URLs: make(map[string]*URLActivity)}
}
