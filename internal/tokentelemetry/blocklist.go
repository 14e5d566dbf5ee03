package tokentelemetry

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/whotracksme/webextension-packages-sub000/internal/approver"
	"github.com/whotracksme/webextension-packages-sub000/internal/storage"
	"github.com/whotracksme/webextension-packages-sub000/internal/types"
)

// tokenDomainCountThreshold is the distinct-first-party count at which a
// token is blocked (spec 4.6).
const tokenDomainCountThreshold = 3

const (
	blockListBlockedKey = "tokentelemetry|blocklist|blocked"
	blockedTokenTTL     = 7 * 24 * time.Hour
)

type sighting struct {
	FirstParties map[string]struct{} `json:"firstParties"`
	Day          string              `json:"day"`
}

type blockedEntry struct {
	BlockedAt time.Time `json:"blockedAt"`
}

// BlockList tracks, for each token value, the distinct first parties it was
// observed on, and blocks tokens that fan out across too many sites — a
// signature of a tracking identifier rather than incidental reuse (spec
// 4.6).
type BlockList struct {
	store  storage.KVStore
	logger arbor.ILogger
	clock  func() time.Time

	mu        sync.Mutex
	sightings map[string]*sighting
	blocked   map[string]blockedEntry
}

// NewBlockList creates a BlockList backed by store.
func NewBlockList(store storage.KVStore, logger arbor.ILogger) *BlockList {
	return &BlockList{
		store:     store,
		logger:    logger,
		clock:     time.Now,
		sightings: make(map[string]*sighting),
		blocked:   make(map[string]blockedEntry),
	}
}

// Load reads the persisted blocked set into memory, dropping expired
// entries.
func (b *BlockList) Load(ctx context.Context) error {
	data, found, err := b.store.Get(ctx, blockListBlockedKey)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}

	var raw map[string]blockedEntry
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clock()
	for token, entry := range raw {
		if now.Sub(entry.BlockedAt) < blockedTokenTTL {
			b.blocked[token] = entry
		}
	}
	return nil
}

// Observe records that token was seen carried to firstParty, blocking it if
// it has now reached tokenDomainCountThreshold distinct first parties today.
func (b *BlockList) Observe(ctx context.Context, token, firstParty string) error {
	b.mu.Lock()
	today := b.clock().Format("20060102")
	s, ok := b.sightings[token]
	if !ok || s.Day != today {
		s = &sighting{FirstParties: make(map[string]struct{}), Day: today}
		b.sightings[token] = s
	}
	s.FirstParties[firstParty] = struct{}{}
	shouldBlock := len(s.FirstParties) >= tokenDomainCountThreshold
	if shouldBlock {
		b.blocked[token] = blockedEntry{BlockedAt: b.clock()}
	}
	b.mu.Unlock()

	if shouldBlock {
		return b.persist(ctx)
	}
	return nil
}

// ObserveRequest computes the same token hashes Extractor.Observe does and
// records each token's first-party sighting, so the block list
// tracks the identical identity space the aggregation pipelines use rather
// than raw query values.
func (b *BlockList) ObserveRequest(ctx context.Context, obs types.RequestObservation) error {
	if obs.IsPrivate {
		return nil
	}
	fp := approver.TruncatedHash(obs.TabURL.GeneralDomain)
	for _, kv := range obs.URLParts.Params {
		if !shouldCheckToken(kv.Value) {
			continue
		}
		if err := b.Observe(ctx, md5Hex(kv.Value), fp); err != nil {
			return err
		}
	}
	return nil
}

// IsBlocked reports whether token is currently blocked.
func (b *BlockList) IsBlocked(token string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.blocked[token]
	if !ok {
		return false
	}
	return b.clock().Sub(entry.BlockedAt) < blockedTokenTTL
}

// Prune removes expired blocked entries and day-stale sighting rows,
// persisting the result.
func (b *BlockList) Prune(ctx context.Context) error {
	b.mu.Lock()
	now := b.clock()
	today := now.Format("20060102")
	for token, entry := range b.blocked {
		if now.Sub(entry.BlockedAt) >= blockedTokenTTL {
			delete(b.blocked, token)
		}
	}
	for token, s := range b.sightings {
		if s.Day != today {
			delete(b.sightings, token)
		}
	}
	b.mu.Unlock()
	return b.persist(ctx)
}

func (b *BlockList) persist(ctx context.Context) error {
	b.mu.Lock()
	snapshot := make(map[string]blockedEntry, len(b.blocked))
	for token, entry := range b.blocked {
		snapshot[token] = entry
	}
	b.mu.Unlock()

	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return b.store.Set(ctx, blockListBlockedKey, data)
}
