package approver

import (
	"context"

	"github.com/cespare/xxhash/v2"
	"github.com/ternarybob/arbor"

	"github.com/whotracksme/webextension-packages-sub000/internal/storage"
)

// partitionSizes are the bit counts of the three partitions of the new-page
// approver's bloom filter (spec 4.5: a partitioned bloom filter marking
// pages the doublefetch handler rejected, so a later doublefetch for the
// same URL is skipped without re-fetching).
var partitionSizes = [3]int{333323, 333331, 333337}

const newPageApproverVersion = 1

// NewPageApprover is a partitioned bloom filter over URLs marked as
// private. Three independent partitions, each probed with a
// different derived index, keep the false-positive rate low without
// needing k separate hash-function implementations.
type NewPageApprover struct {
	partitions [3]*BitArray
}

// NewNewPageApprover creates a NewPageApprover backed by store.
func NewNewPageApprover(store storage.KVStore, logger arbor.ILogger) (*NewPageApprover, error) {
	var partitions [3]*BitArray
	for i, size := range partitionSizes {
		shardCount := size / (minShardBytes * 8)
		ba, err := NewBitArray(store, logger, partitionName(i), newPageApproverVersion, size, shardCount)
		if err != nil {
			return nil, err
		}
		partitions[i] = ba
	}
	return &NewPageApprover{partitions: partitions}, nil
}

func partitionName(i int) string {
	switch i {
	case 0:
		return "private-urls-0"
	case 1:
		return "private-urls-1"
	default:
		return "private-urls-2"
	}
}

// indices derives one bit position per partition from url, using double
// hashing (Kirsch-Mitzenmacher): index_i = (h1 + i*h2) mod partitionSize.
func indices(url string) [3]uint64 {
	h1 := xxhash.Sum64String(url)
	h2 := xxhash.Sum64String(url + "\x00private-urls")
	var idx [3]uint64
	for i, size := range partitionSizes {
		idx[i] = (h1 + uint64(i)*h2) % uint64(size)
	}
	return idx
}

// MightBeMarkedAsPrivate reports whether url was previously passed to
// MarkAsPrivate. Like any bloom filter it can false-positive (treating an
// unmarked URL as private) but never false-negatives.
func (a *NewPageApprover) MightBeMarkedAsPrivate(ctx context.Context, url string) (bool, error) {
	idx := indices(url)
	for i, ba := range a.partitions {
		set, err := ba.Test(ctx, int(idx[i]))
		if err != nil {
			return false, err
		}
		if !set {
			return false, nil
		}
	}
	return true, nil
}

// MarkAsPrivate records url as private so future MightBeMarkedAsPrivate
// calls for it return true.
func (a *NewPageApprover) MarkAsPrivate(ctx context.Context, url string) error {
	idx := indices(url)
	for i, ba := range a.partitions {
		if err := ba.Set(ctx, int(idx[i])); err != nil {
			return err
		}
	}
	return nil
}

// Flush persists every dirty partition immediately, bypassing the debounce.
// Intended for graceful shutdown.
func (a *NewPageApprover) Flush() {
	for _, ba := range a.partitions {
		ba.Flush()
	}
}
