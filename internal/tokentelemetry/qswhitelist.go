// Package tokentelemetry implements the request/token telemetry pipeline of
// spec 4.6: per-request key/value extraction, the token and key cached-entry
// aggregation pipelines, the token-domain block list, and the packed
// bloom-filter QS whitelist that gates which values are worth reporting.
//
// Grounded on the teacher's internal/services/cache/service.go cache-entry
// lifecycle (load/merge/dirty/flush) for the two aggregation pipelines, and
// on internal/approver's sharded-bitarray idiom for the packed bloom format.
package tokentelemetry

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// PackedBloom is the wire format of spec 3's "Packed bloom filter (QS
// whitelist)": a contiguous byte blob, big-endian bucket count, a hash-count
// byte, then that many uint32 buckets of 32 bits each.
type PackedBloom struct {
	nBuckets uint32
	nHashes  uint8
	buckets  []uint32
}

// ParsePackedBloom decodes the wire format described in spec 3.
func ParsePackedBloom(data []byte) (*PackedBloom, error) {
	if len(data) < 5 {
		return nil, fmt.Errorf("packed bloom: truncated header")
	}
	nBuckets := binary.BigEndian.Uint32(data[0:4])
	nHashes := data[4]

	expected := 5 + int(nBuckets)*4
	if len(data) < expected {
		return nil, fmt.Errorf("packed bloom: truncated bucket array (want %d bytes, got %d)", expected, len(data))
	}

	buckets := make([]uint32, nBuckets)
	for i := range buckets {
		off := 5 + i*4
		buckets[i] = binary.BigEndian.Uint32(data[off : off+4])
	}
	return &PackedBloom{nBuckets: nBuckets, nHashes: nHashes, buckets: buckets}, nil
}

func (b *PackedBloom) test(value string) bool {
	if b.nBuckets == 0 {
		return false
	}
	h1 := xxhash.Sum64String(value)
	h2 := xxhash.Sum64String(value + "\x00qswhitelist")
	for i := uint8(0); i < b.nHashes; i++ {
		idx := (h1 + uint64(i)*h2) % (uint64(b.nBuckets) * 32)
		bucketIdx, bitIdx := idx/32, idx%32
		if b.buckets[bucketIdx]&(1<<bitIdx) == 0 {
			return false
		}
	}
	return true
}

func (b *PackedBloom) setBit(globalIdx uint32) {
	bucketIdx, bitIdx := globalIdx/32, globalIdx%32
	if int(bucketIdx) < len(b.buckets) {
		b.buckets[bucketIdx] |= 1 << bitIdx
	}
}

// QSWhitelist wraps one PackedBloom, namespacing its three predicates
// (tracker domain, safe key, safe token) into distinct probed values so one
// filter serves all three checks spec 4.6 needs.
type QSWhitelist struct {
	mu      sync.RWMutex
	bloom   *PackedBloom
	version string
}

// NewQSWhitelist creates an empty whitelist; IsTrackerDomain/IsSafeKey/
// IsSafeToken all return false until ApplyFull loads a filter.
func NewQSWhitelist() *QSWhitelist {
	return &QSWhitelist{}
}

// IsTrackerDomain reports whether tp (a truncated hash of a third-party
// general domain) is a known tracker.
func (w *QSWhitelist) IsTrackerDomain(tp string) bool {
	return w.test("d|" + tp)
}

// IsSafeKey reports whether key is known-safe for third party tp.
func (w *QSWhitelist) IsSafeKey(tp, key string) bool {
	return w.test("k|" + tp + "|" + key)
}

// IsSafeToken reports whether token is known-safe for third party tp.
func (w *QSWhitelist) IsSafeToken(tp, token string) bool {
	return w.test("t|" + tp + "|" + token)
}

func (w *QSWhitelist) test(value string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.bloom == nil {
		return false
	}
	return w.bloom.test(value)
}

// Version returns the currently loaded filter version, "" if none loaded.
func (w *QSWhitelist) Version() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.version
}

// ApplyFull replaces the whole filter with a freshly fetched one.
func (w *QSWhitelist) ApplyFull(version string, data []byte) error {
	bloom, err := ParsePackedBloom(data)
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.bloom = bloom
	w.version = version
	w.mu.Unlock()
	return nil
}

// ApplyDiff applies a one-day diff blob: a sequence of big-endian uint32
// global bit indices to set. Fails if no base filter is loaded yet, so the
// caller can fall back to fetching the full filter.
func (w *QSWhitelist) ApplyDiff(version string, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.bloom == nil {
		return fmt.Errorf("qs whitelist: no base filter loaded, cannot apply diff")
	}
	if len(data)%4 != 0 {
		return fmt.Errorf("qs whitelist: malformed diff blob")
	}
	for i := 0; i+4 <= len(data); i += 4 {
		w.bloom.setBit(binary.BigEndian.Uint32(data[i : i+4]))
	}
	w.version = version
	return nil
}
