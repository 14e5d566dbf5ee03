package tokentelemetry

import (
	"context"
	"encoding/json"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/whotracksme/webextension-packages-sub000/internal/storage"
	"github.com/whotracksme/webextension-packages-sub000/internal/types"
)

// KeyTokensLimit bounds how many (site,token) pairs a single key report
// carries; beyond it, entries are uniformly sampled (spec 4.6).
const KeyTokensLimit = 512

const keyKeyPrefix = "tokentelemetry|keys|"

func keyEntryID(tracker, key string) string { return tracker + ":" + key }
func keyStoreKey(id string) string          { return keyKeyPrefix + id }

// KeyPipeline is the per-(tracker,key) aggregate pipeline of spec 4.6. Unlike
// TokenPipeline it reports whole (site,token) sets, split into a safe group
// and an unsafe group so a single report never mixes both.
type KeyPipeline struct {
	store  storage.KVStore
	logger arbor.ILogger
	clock  func() time.Time
	rand   *rand.Rand

	mu          sync.Mutex
	cache       map[string]*types.KeyEntry
	pendingSend map[string]bool
}

// NewKeyPipeline creates a KeyPipeline backed by store.
func NewKeyPipeline(store storage.KVStore, logger arbor.ILogger) *KeyPipeline {
	return &KeyPipeline{
		store:       store,
		logger:      logger,
		clock:       time.Now,
		rand:        rand.New(rand.NewSource(1)),
		cache:       make(map[string]*types.KeyEntry),
		pendingSend: make(map[string]bool),
	}
}

// ProcessBatch folds a batch of request items into the per-key cache,
// keyed by (tracker domain, key).
func (p *KeyPipeline) ProcessBatch(items []types.RequestItem) {
	p.mu.Lock()
	defer p.mu.Unlock()

	today := p.clock().Format("20060102")
	for _, item := range items {
		id := keyEntryID(item.TP, item.Key)
		entry, ok := p.cache[id]
		if !ok {
			entry = types.NewKeyEntry(p.clock(), item.Key, item.TP)
			p.cache[id] = entry
		}
		entry.AddSiteToken(item.FP, item.Token, item.Safe)
		entry.Count++
		entry.Dirty = true

		old := p.clock().Sub(entry.Created) > NewEntryMinAge
		if entry.LastSent != today && (len(entry.SitesTokens) > 1 || (entry.Count > MinCount && old)) {
			p.pendingSend[id] = true
		}
	}
}

// SendCycle merges disk state for every pending key entry, emits due
// entries (split by safety into separate messages), and persists dirty
// rows.
func (p *KeyPipeline) SendCycle(ctx context.Context, emit func(types.Message) error) error {
	p.mu.Lock()
	pending := make([]string, 0, len(p.pendingSend))
	for id := range p.pendingSend {
		pending = append(pending, id)
	}
	p.pendingSend = make(map[string]bool)
	p.mu.Unlock()

	today := p.clock().Format("20060102")
	messagesSent := 0
	for _, id := range pending {
		if messagesSent >= BatchLimit {
			p.mu.Lock()
			p.pendingSend[id] = true
			p.mu.Unlock()
			continue
		}
		if err := p.mergeFromDisk(ctx, id); err != nil {
			p.logger.Warn().Err(err).Str("key", id).Msg("failed to merge key entry from disk")
			continue
		}
		p.mu.Lock()
		entry := p.cache[id]
		p.mu.Unlock()
		if entry == nil || entry.LastSent == today {
			continue
		}
		if err := p.emitEntry(id, entry, today, emit); err != nil {
			return err
		}
		messagesSent++
	}

	return p.persistDirty(ctx)
}

func (p *KeyPipeline) mergeFromDisk(ctx context.Context, id string) error {
	data, found, err := p.store.Get(ctx, keyStoreKey(id))
	if err != nil {
		return err
	}
	if !found {
		return nil
	}

	var disk types.KeyEntry
	if err := json.Unmarshal(data, &disk); err != nil {
		return types.NewCorruptionError("key entry", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.cache[id]
	if !ok {
		p.cache[id] = &disk
		return nil
	}
	for site, tokens := range disk.SitesTokens {
		for token, safe := range tokens {
			entry.AddSiteToken(site, token, safe)
		}
	}
	entry.Count += disk.Count
	if disk.Created.Before(entry.Created) {
		entry.Created = disk.Created
	}
	if disk.LastSent > entry.LastSent {
		entry.LastSent = disk.LastSent
	}
	entry.Dirty = true
	return nil
}

type keySiteToken struct {
	Site  string `json:"site"`
	Token string `json:"token"`
}

type keyReport struct {
	Key     string         `json:"key"`
	Tracker string         `json:"tracker"`
	Site    string         `json:"site,omitempty"`
	Safe    []keySiteToken `json:"safe,omitempty"`
	Unsafe  []keySiteToken `json:"unsafe,omitempty"`
}

// emitEntry follows spec 4.6's split: any site carrying an unsafe token
// emits its own message keyed (site,tracker,key); every other site's safe
// tokens are pooled into one shared, site-less message. Each message is
// sampled down to KeyTokensLimit independently, so no single message can
// ever carry more than KeyTokensLimit total (site,token) pairs.
func (p *KeyPipeline) emitEntry(id string, entry *types.KeyEntry, today string, emit func(types.Message) error) error {
	var safePool []keySiteToken
	sentAny := false

	for site, tokens := range entry.SitesTokens {
		var siteSafe, siteUnsafe []keySiteToken
		for token, isSafe := range tokens {
			st := keySiteToken{Site: site, Token: token}
			if isSafe {
				siteSafe = append(siteSafe, st)
			} else {
				siteUnsafe = append(siteUnsafe, st)
			}
		}
		if len(siteUnsafe) == 0 {
			safePool = append(safePool, siteSafe...)
			continue
		}

		combined := p.sample(append(siteSafe, siteUnsafe...), KeyTokensLimit)
		unsafeSet := make(map[keySiteToken]bool, len(siteUnsafe))
		for _, st := range siteUnsafe {
			unsafeSet[st] = true
		}
		var safeOut, unsafeOut []keySiteToken
		for _, st := range combined {
			if unsafeSet[st] {
				unsafeOut = append(unsafeOut, st)
			} else {
				safeOut = append(safeOut, st)
			}
		}
		report := keyReport{Key: entry.Key, Tracker: entry.Tracker, Site: site, Safe: safeOut, Unsafe: unsafeOut}
		if err := p.sendReport(id+"|"+site, report, emit); err != nil {
			return err
		}
		sentAny = true
	}

	if safePool = p.sample(safePool, KeyTokensLimit); len(safePool) > 0 {
		report := keyReport{Key: entry.Key, Tracker: entry.Tracker, Safe: safePool}
		if err := p.sendReport(id, report, emit); err != nil {
			return err
		}
		sentAny = true
	}

	if !sentAny {
		return nil
	}

	p.mu.Lock()
	entry.LastSent = today
	entry.Dirty = true
	p.mu.Unlock()
	return nil
}

// sendReport wraps report in a Message and emits it under dedupKey.
func (p *KeyPipeline) sendReport(dedupKey string, report keyReport, emit func(types.Message) error) error {
	msg := types.Message{
		Action:         "wtm.keys",
		Payload:        report,
		Ver:            1,
		AntiDuplicates: randomAntiDuplicates(),
		DeduplicateBy:  dedupKey,
	}
	return emit(msg)
}

// sample uniformly reduces items to at most limit entries.
func (p *KeyPipeline) sample(items []keySiteToken, limit int) []keySiteToken {
	if len(items) <= limit {
		return items
	}
	p.rand.Shuffle(len(items), func(i, j int) { items[i], items[j] = items[j], items[i] })
	return items[:limit]
}

func (p *KeyPipeline) persistDirty(ctx context.Context) error {
	p.mu.Lock()
	dirty := make(map[string]*types.KeyEntry)
	for id, entry := range p.cache {
		if entry.Dirty {
			dirty[id] = entry
		}
	}
	p.mu.Unlock()

	for id, entry := range dirty {
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		if err := p.store.Set(ctx, keyStoreKey(id), data); err != nil {
			return err
		}

		p.mu.Lock()
		entry.Dirty = false
		if entry.LastSent != "" {
			delete(p.cache, id)
		}
		p.mu.Unlock()
	}
	return nil
}

// CleanCycle scans the disk table, re-enqueueing data-bearing entries for
// send and discarding stale low-count ones (spec 4.6).
func (p *KeyPipeline) CleanCycle(ctx context.Context) error {
	keys, err := p.store.Keys(ctx, keyKeyPrefix)
	if err != nil {
		return err
	}

	now := p.clock()
	today := now.Format("20060102")

	type candidate struct {
		key   string
		id    string
		entry types.KeyEntry
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
		var entry types.KeyEntry
		if err := json.Unmarshal(data, &entry); err != nil {
			continue
		}
		scanned++
		if entry.LastSent == today || now.Sub(entry.Created) < NewEntryMinAge {
			continue
		}
		candidates = append(candidates, candidate{key: k, id: strings.TrimPrefix(k, keyKeyPrefix), entry: entry})
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].entry.Created.Before(candidates[j].entry.Created)
	})

	for _, c := range candidates {
		switch {
		case c.entry.TokensLen() > 0 && c.entry.Count > MinCount:
			p.mu.Lock()
			p.pendingSend[c.id] = true
			p.mu.Unlock()
		case now.Sub(c.entry.Created) > LowCountDiscardAge:
			if err := p.store.Remove(ctx, c.key); err != nil {
				p.logger.Warn().Err(err).Str("key", c.key).Msg("failed to delete stale key entry")
			}
		}
	}
	return nil
}
