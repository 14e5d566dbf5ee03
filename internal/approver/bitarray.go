// Package approver implements the persisted-bitarray-backed new-page approver
// and the content-addressed hash store used for message deduplication (spec
// 4.5 and 4.9's dedup dependency).
//
// Grounded on internal/storage/badger/kv_storage.go's opaque-[]byte contract
// and the teacher's debounced-flush shape from jobqueue's scheduler.go (100ms
// coalescing window, dirty-set tracking).
package approver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/whotracksme/webextension-packages-sub000/internal/storage"
)

// flushDebounce coalesces rapid Set calls into one persisted write per dirty
// shard, matching jobqueue's "debounced to coalesce rapid updates" texture.
const flushDebounce = 100 * time.Millisecond

// minShardBytes is the smallest shard size we persist as a single key, to
// avoid one KV write per bit for small bit arrays.
const minShardBytes = 4096

// BitArray is a versioned, sharded, persisted bit array. Bits are split
// across shardCount shards so that a single Set only dirties and rewrites
// one shard's key, not the whole array. Keys follow "arr|<name>|v<version>|
// <shard>" so that bumping version effectively resets the array (old shard
// keys are simply abandoned).
type BitArray struct {
	store   storage.KVStore
	logger  arbor.ILogger
	name    string
	version int

	shardBytes int
	shardCount int

	mu           sync.Mutex
	shards       map[int][]byte
	loading      map[int]chan struct{}
	dirty        map[int]bool
	flushPending bool
}

// NewBitArray creates a BitArray with size bits split across shardCount
// shards (shardCount is raised to at least 1, then lowered while it would
// make shards smaller than minShardBytes, down to a single shard).
func NewBitArray(store storage.KVStore, logger arbor.ILogger, name string, version, size, shardCount int) (*BitArray, error) {
	if size <= 0 {
		return nil, fmt.Errorf("persisted-bitarray %q: size must be positive", name)
	}
	if shardCount < 1 {
		shardCount = 1
	}
	for shardCount > 1 && (size/shardCount/8) < minShardBytes {
		shardCount--
	}
	shardBytes := (size/shardCount + 7) / 8
	if shardBytes < 1 {
		shardBytes = 1
	}

	return &BitArray{
		store:      store,
		logger:     logger,
		name:       name,
		version:    version,
		shardBytes: shardBytes,
		shardCount: shardCount,
		shards:     make(map[int][]byte),
		loading:    make(map[int]chan struct{}),
		dirty:      make(map[int]bool),
	}, nil
}

func (b *BitArray) shardKey(shard int) string {
	return fmt.Sprintf("arr|%s|v%d|%d", b.name, b.version, shard)
}

func (b *BitArray) locate(pos int) (shard, byteIdx, bitIdx int) {
	bitsPerShard := b.shardBytes * 8
	shard = pos / bitsPerShard
	offset := pos % bitsPerShard
	return shard, offset / 8, offset % 8
}

// loadShard returns shard's bytes, loading it from the store (or allocating
// a zeroed shard on first touch) if it isn't cached yet. Concurrent loads of
// the same shard share one store read.
func (b *BitArray) loadShard(ctx context.Context, shard int) ([]byte, error) {
	b.mu.Lock()
	if data, ok := b.shards[shard]; ok {
		b.mu.Unlock()
		return data, nil
	}
	if ch, ok := b.loading[shard]; ok {
		b.mu.Unlock()
		<-ch
		b.mu.Lock()
		data := b.shards[shard]
		b.mu.Unlock()
		return data, nil
	}
	ch := make(chan struct{})
	b.loading[shard] = ch
	b.mu.Unlock()

	data, found, err := b.store.Get(ctx, b.shardKey(shard))

	b.mu.Lock()
	defer func() {
		delete(b.loading, shard)
		close(ch)
		b.mu.Unlock()
	}()
	if err != nil {
		return nil, fmt.Errorf("persisted-bitarray %q: load shard %d: %w", b.name, shard, err)
	}
	if !found || len(data) != b.shardBytes {
		data = make([]byte, b.shardBytes)
	}
	b.shards[shard] = data
	return data, nil
}

// Test reports whether the bit at pos is set.
func (b *BitArray) Test(ctx context.Context, pos int) (bool, error) {
	shard, byteIdx, bitIdx := b.locate(pos)
	data, err := b.loadShard(ctx, shard)
	if err != nil {
		return false, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return data[byteIdx]&(1<<uint(bitIdx)) != 0, nil
}

// Set sets the bit at pos and schedules a debounced flush of its shard.
func (b *BitArray) Set(ctx context.Context, pos int) error {
	shard, byteIdx, bitIdx := b.locate(pos)
	if _, err := b.loadShard(ctx, shard); err != nil {
		return err
	}

	b.mu.Lock()
	b.shards[shard][byteIdx] |= 1 << uint(bitIdx)
	b.dirty[shard] = true
	b.mu.Unlock()

	b.scheduleFlush()
	return nil
}

func (b *BitArray) scheduleFlush() {
	b.mu.Lock()
	if b.flushPending {
		b.mu.Unlock()
		return
	}
	b.flushPending = true
	b.mu.Unlock()
	time.AfterFunc(flushDebounce, b.Flush)
}

// Flush persists every dirty shard. Safe to call directly (e.g. on shutdown)
// in addition to its debounced schedule.
func (b *BitArray) Flush() {
	b.mu.Lock()
	shards := make([]int, 0, len(b.dirty))
	for s := range b.dirty {
		shards = append(shards, s)
	}
	b.flushPending = false
	b.mu.Unlock()

	for _, shard := range shards {
		b.mu.Lock()
		data := append([]byte(nil), b.shards[shard]...)
		b.mu.Unlock()

		if err := b.store.Set(context.Background(), b.shardKey(shard), data); err != nil {
			b.logger.Warn().Err(err).Str("array", b.name).Int("shard", shard).Msg("failed to persist bitarray shard")
			continue
		}

		b.mu.Lock()
		delete(b.dirty, shard)
		b.mu.Unlock()
	}
}
