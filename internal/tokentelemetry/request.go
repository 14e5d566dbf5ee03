package tokentelemetry

import (
	"sync"
	"time"

	"github.com/whotracksme/webextension-packages-sub000/internal/approver"
	"github.com/whotracksme/webextension-packages-sub000/internal/types"
)

// TokenBufferTime is how often buffered request items are drained and
// handed to the two aggregation pipelines (spec 4.6).
const TokenBufferTime = 10 * time.Second

// Whitelist is the subset of QSWhitelist's API the extractor needs, so a
// CachedWhitelist can stand in transparently.
type Whitelist interface {
	IsTrackerDomain(tp string) bool
	IsSafeKey(tp, key string) bool
	IsSafeToken(tp, token string) bool
}

// BlockChecker is the subset of BlockList's API the extractor needs to gate
// tokens that have fanned out across too many first parties (spec 4.6).
type BlockChecker interface {
	IsBlocked(token string) bool
}

// Extractor performs the per-request step of spec 4.6: dropping private
// requests, computing truncated domain hashes, checking the QS whitelist,
// dropping tokens the block list has already flagged, and buffering
// (key,value) pairs worth reporting.
type Extractor struct {
	whitelist Whitelist
	blocklist BlockChecker
	clock     func() time.Time

	mu     sync.Mutex
	buffer []types.RequestItem
}

// NewExtractor creates an Extractor backed by whitelist and blocklist.
// blocklist may be nil, in which case no token is ever treated as blocked.
func NewExtractor(whitelist Whitelist, blocklist BlockChecker) *Extractor {
	return &Extractor{whitelist: whitelist, blocklist: blocklist, clock: time.Now}
}

// Observe processes one third-party request observation.
func (e *Extractor) Observe(obs types.RequestObservation) {
	if obs.IsPrivate {
		return
	}

	tp := approver.TruncatedHash(obs.URLParts.GeneralDomain)
	fp := approver.TruncatedHash(obs.TabURL.GeneralDomain)
	isTracker := e.whitelist.IsTrackerDomain(tp)
	day := e.clock().Format("20060102")

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, kv := range obs.URLParts.Params {
		if !shouldCheckToken(kv.Value) {
			continue
		}
		token := md5Hex(kv.Value)
		if e.blocklist != nil && e.blocklist.IsBlocked(token) {
			continue
		}
		key := md5Hex(kv.Key)
		safe := !isTracker || e.whitelist.IsSafeKey(tp, key) || e.whitelist.IsSafeToken(tp, token)
		e.buffer = append(e.buffer, types.RequestItem{
			Day:       day,
			Key:       key,
			Token:     token,
			TP:        tp,
			FP:        fp,
			Safe:      safe,
			IsTracker: isTracker,
		})
	}
}

// Drain returns and clears the buffered items, in the order they were
// observed.
func (e *Extractor) Drain() []types.RequestItem {
	e.mu.Lock()
	defer e.mu.Unlock()
	items := e.buffer
	e.buffer = nil
	return items
}
