package approver

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/ternarybob/arbor"

	"github.com/whotracksme/webextension-packages-sub000/internal/storage"
)

// HashStore is a content-addressed set of truncated hashes, namespaced by
// prefix. It backs two distinct uses: the message sender's duplicate-send
// check (spec 4.9, namespace "sent|") and the quorum client's local "have I
// already voted for this text" probe (spec 4.4, namespace "[incQuorum]|").
// Neither use needs the bounded false-positive tradeoff a bloom filter
// trades for space, so this is an exact set, persisted one key per member
// rather than a second partitioned-bloom implementation.
type HashStore struct {
	store     storage.KVStore
	logger    arbor.ILogger
	namespace string

	mu            sync.Mutex
	cache         map[string]struct{}
	pendingWrites map[string]struct{}
	loaded        bool
	flushPending  bool
}

// NewHashStore creates a HashStore whose keys are namespace+hash.
func NewHashStore(store storage.KVStore, logger arbor.ILogger, namespace string) *HashStore {
	return &HashStore{
		store:         store,
		logger:        logger,
		namespace:     namespace,
		cache:         make(map[string]struct{}),
		pendingWrites: make(map[string]struct{}),
	}
}

// TruncatedHash returns a short, non-cryptographic, content-addressable
// digest of value, suitable for deduplication keys.
func TruncatedHash(value string) string {
	return strconv.FormatUint(xxhash.Sum64String(value), 36)
}

func (h *HashStore) ensureLoaded(ctx context.Context) error {
	h.mu.Lock()
	if h.loaded {
		h.mu.Unlock()
		return nil
	}
	h.mu.Unlock()

	keys, err := h.store.Keys(ctx, h.namespace)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.loaded {
		return nil
	}
	for _, k := range keys {
		h.cache[strings.TrimPrefix(k, h.namespace)] = struct{}{}
	}
	h.loaded = true
	return nil
}

// Contains reports whether value's truncated hash is a member of the set.
func (h *HashStore) Contains(ctx context.Context, value string) (bool, error) {
	if err := h.ensureLoaded(ctx); err != nil {
		return false, err
	}
	hash := TruncatedHash(value)
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.cache[hash]
	return ok, nil
}

// Add records value's truncated hash as a member, flushing to the store
// after a short debounce.
func (h *HashStore) Add(ctx context.Context, value string) error {
	if err := h.ensureLoaded(ctx); err != nil {
		return err
	}
	hash := TruncatedHash(value)
	h.mu.Lock()
	h.cache[hash] = struct{}{}
	h.pendingWrites[hash] = struct{}{}
	h.mu.Unlock()
	h.scheduleFlush()
	return nil
}

// Remove drops value's truncated hash from the set, immediately (used to
// roll back a dedup mark after a failed send).
func (h *HashStore) Remove(ctx context.Context, value string) error {
	hash := TruncatedHash(value)
	h.mu.Lock()
	delete(h.cache, hash)
	delete(h.pendingWrites, hash)
	h.mu.Unlock()
	return h.store.Remove(ctx, h.namespace+hash)
}

func (h *HashStore) scheduleFlush() {
	h.mu.Lock()
	if h.flushPending {
		h.mu.Unlock()
		return
	}
	h.flushPending = true
	h.mu.Unlock()
	time.AfterFunc(flushDebounce, h.Flush)
}

// Flush persists every pending addition immediately.
func (h *HashStore) Flush() {
	h.mu.Lock()
	pending := make([]string, 0, len(h.pendingWrites))
	for hash := range h.pendingWrites {
		pending = append(pending, hash)
	}
	h.pendingWrites = make(map[string]struct{})
	h.flushPending = false
	h.mu.Unlock()

	for _, hash := range pending {
		if err := h.store.Set(context.Background(), h.namespace+hash, []byte{1}); err != nil {
			h.logger.Warn().Err(err).Str("namespace", h.namespace).Msg("failed to persist hash store entry")
		}
	}
}
