package tokentelemetry

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/whotracksme/webextension-packages-sub000/internal/storage"
	"github.com/whotracksme/webextension-packages-sub000/internal/types"
)

// Send/clean cadence and thresholds of spec 4.6. MinCount and
// NewEntryMinAge are left unspecified numerically by the spec; these are
// this implementation's chosen defaults (see DESIGN.md Open Question
// resolutions).
const (
	MinCount           = 3
	NewEntryMinAge     = 30 * time.Minute
	LowCountDiscardAge = 3 * 24 * time.Hour
	TokenMessageSize   = 10
	BatchLimit         = 50
	CleanScanCap       = 1000
)

const tokenKeyPrefix = "tokentelemetry|tokens|"

func tokenStoreKey(token string) string { return tokenKeyPrefix + token }

// TokenPipeline is the per-token aggregate pipeline of spec 4.6.
type TokenPipeline struct {
	store  storage.KVStore
	logger arbor.ILogger
	clock  func() time.Time

	mu          sync.Mutex
	cache       map[string]*types.TokenEntry
	pendingSend map[string]bool
}

// NewTokenPipeline creates a TokenPipeline backed by store.
func NewTokenPipeline(store storage.KVStore, logger arbor.ILogger) *TokenPipeline {
	return &TokenPipeline{
		store:       store,
		logger:      logger,
		clock:       time.Now,
		cache:       make(map[string]*types.TokenEntry),
		pendingSend: make(map[string]bool),
	}
}

// ProcessBatch folds a batch of request items (one TokenBufferTime drain of
// the extractor's buffer) into the in-memory cache.
func (p *TokenPipeline) ProcessBatch(items []types.RequestItem) {
	p.mu.Lock()
	defer p.mu.Unlock()

	today := p.clock().Format("20060102")
	for _, item := range items {
		entry, ok := p.cache[item.Token]
		if !ok {
			entry = types.NewTokenEntry(p.clock())
			p.cache[item.Token] = entry
		}
		entry.AddSite(item.FP)
		entry.AddTracker(item.TP)
		entry.Safe = entry.Safe && item.Safe
		entry.Count++
		entry.Dirty = true

		old := p.clock().Sub(entry.Created) > NewEntryMinAge
		if entry.LastSent != today && (entry.SitesLen() > 1 || (entry.Count > MinCount && old)) {
			p.pendingSend[item.Token] = true
		}
	}
}

// SendCycle runs one send tick: merges disk state into memory for every
// pending token, emits due entries in TokenMessageSize batches up to
// BatchLimit messages, re-enqueues the overflow, and persists dirty rows.
func (p *TokenPipeline) SendCycle(ctx context.Context, emit func(types.Message) error) error {
	p.mu.Lock()
	pending := make([]string, 0, len(p.pendingSend))
	for token := range p.pendingSend {
		pending = append(pending, token)
	}
	p.pendingSend = make(map[string]bool)
	p.mu.Unlock()

	today := p.clock().Format("20060102")
	var toSend []string
	for _, token := range pending {
		if err := p.mergeFromDisk(ctx, token); err != nil {
			p.logger.Warn().Err(err).Str("token", token).Msg("failed to merge token entry from disk")
			continue
		}
		p.mu.Lock()
		entry := p.cache[token]
		p.mu.Unlock()
		if entry != nil && entry.LastSent != today {
			toSend = append(toSend, token)
		}
	}

	messagesSent := 0
	i := 0
	for i < len(toSend) && messagesSent < BatchLimit {
		end := i + TokenMessageSize
		if end > len(toSend) {
			end = len(toSend)
		}
		if err := p.emitBatch(toSend[i:end], today, emit); err != nil {
			return err
		}
		messagesSent++
		i = end
	}

	if i < len(toSend) {
		p.mu.Lock()
		for _, token := range toSend[i:] {
			p.pendingSend[token] = true
		}
		p.mu.Unlock()
	}

	return p.persistDirty(ctx)
}

func (p *TokenPipeline) mergeFromDisk(ctx context.Context, token string) error {
	data, found, err := p.store.Get(ctx, tokenStoreKey(token))
	if err != nil {
		return err
	}
	if !found {
		return nil
	}

	var disk types.TokenEntry
	if err := json.Unmarshal(data, &disk); err != nil {
		return types.NewCorruptionError("token entry", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.cache[token]
	if !ok {
		p.cache[token] = &disk
		return nil
	}
	for site := range disk.Sites {
		entry.AddSite(site)
	}
	for tracker := range disk.Trackers {
		entry.AddTracker(tracker)
	}
	entry.Count += disk.Count
	entry.Safe = entry.Safe && disk.Safe
	if disk.Created.Before(entry.Created) {
		entry.Created = disk.Created
	}
	if disk.LastSent > entry.LastSent {
		entry.LastSent = disk.LastSent
	}
	entry.Dirty = true
	return nil
}

type tokenReport struct {
	Token    string `json:"token"`
	Sites    int    `json:"sites"`
	Trackers int    `json:"trackers"`
	Safe     bool   `json:"safe"`
	Count    int    `json:"count"`
}

func (p *TokenPipeline) emitBatch(tokens []string, today string, emit func(types.Message) error) error {
	var reports []tokenReport

	p.mu.Lock()
	for _, token := range tokens {
		entry := p.cache[token]
		if entry == nil {
			continue
		}
		reports = append(reports, tokenReport{
			Token:    token,
			Sites:    entry.SitesLen(),
			Trackers: entry.TrackersLen(),
			Safe:     entry.Safe,
			Count:    entry.Count,
		})
		entry.LastSent = today
		entry.Dirty = true
	}
	p.mu.Unlock()

	if len(reports) == 0 {
		return nil
	}

	msg := types.Message{
		Action:         "wtm.tokens",
		Payload:        reports,
		Ver:            1,
		AntiDuplicates: randomAntiDuplicates(),
		DeduplicateBy:  tokens[0],
	}
	return emit(msg)
}

func (p *TokenPipeline) persistDirty(ctx context.Context) error {
	p.mu.Lock()
	dirty := make(map[string]*types.TokenEntry)
	for token, entry := range p.cache {
		if entry.Dirty {
			dirty[token] = entry
		}
	}
	p.mu.Unlock()

	for token, entry := range dirty {
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		if err := p.store.Set(ctx, tokenStoreKey(token), data); err != nil {
			return err
		}

		p.mu.Lock()
		entry.Dirty = false
		if entry.LastSent != "" {
			delete(p.cache, token)
		}
		p.mu.Unlock()
	}
	return nil
}

// CleanCycle scans the disk table for entries not sent today and old
// enough to judge, re-enqueueing data-bearing ones for send and discarding
// stale low-count ones (spec 4.6).
func (p *TokenPipeline) CleanCycle(ctx context.Context) error {
	keys, err := p.store.Keys(ctx, tokenKeyPrefix)
	if err != nil {
		return err
	}

	now := p.clock()
	today := now.Format("20060102")

	type candidate struct {
		key   string
		token string
		entry types.TokenEntry
	}
	var candidates []candidate

	scanned := 0
	for _, k := range keys {
		if scanned >= CleanScanCap {
			break
		}
		data, found, err := p.store.Get(ctx, k)
		if err != nil || !found {
			continue
		}
		var entry types.TokenEntry
		if err := json.Unmarshal(data, &entry); err != nil {
			continue
		}
		scanned++
		if entry.LastSent == today || now.Sub(entry.Created) < NewEntryMinAge {
			continue
		}
		candidates = append(candidates, candidate{key: k, token: strings.TrimPrefix(k, tokenKeyPrefix), entry: entry})
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].entry.Created.Before(candidates[j].entry.Created)
	})

	for _, c := range candidates {
		hasData := c.entry.SitesLen() > 0 || c.entry.TrackersLen() > 0
		switch {
		case hasData && c.entry.Count > MinCount:
			p.mu.Lock()
			p.pendingSend[c.token] = true
			p.mu.Unlock()
		case now.Sub(c.entry.Created) > LowCountDiscardAge:
			if err := p.store.Remove(ctx, c.key); err != nil {
				p.logger.Warn().Err(err).Str("key", c.key).Msg("failed to delete stale token entry")
			}
		}
	}
	return nil
}
