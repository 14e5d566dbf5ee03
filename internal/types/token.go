package types

import "time"

// TokenEntry is keyed by md5(value) in the token pipeline's DB table. Set
// cardinality is always read through Len() methods (never a bare field) per
// the open-question resolution in DESIGN.md: the source's two surviving
// variants disagreed on whether size was a method or a property, so this
// implementation settles on "method".
type TokenEntry struct {
	Created    time.Time
	LastSent   string // YYYYMMDD, "" if never sent
	Sites      map[string]struct{}
	Trackers   map[string]struct{}
	Safe       bool
	Dirty      bool
	Count      int
}

// NewTokenEntry creates an empty TokenEntry ready to accumulate batch items.
func NewTokenEntry(now time.Time) *TokenEntry {
	return &TokenEntry{
		Created:  now,
		Safe:     true,
		Sites:    make(map[string]struct{}),
		Trackers: make(map[string]struct{}),
	}
}

// SitesLen returns the cardinality of the sites set.
func (e *TokenEntry) SitesLen() int { return len(e.Sites) }

// TrackersLen returns the cardinality of the trackers set.
func (e *TokenEntry) TrackersLen() int { return len(e.Trackers) }

// AddSite records a first-party hash that carried this token value.
func (e *TokenEntry) AddSite(siteHash string) { e.Sites[siteHash] = struct{}{} }

// AddTracker records a general-domain hash that carried this token value.
func (e *TokenEntry) AddTracker(trackerHash string) { e.Trackers[trackerHash] = struct{}{} }

// KeyEntry is keyed by truncatedHash(trackerDomain) and md5(key) in the key
// pipeline's DB table.
type KeyEntry struct {
	Created     time.Time
	LastSent    string
	Key         string
	Tracker     string
	SitesTokens map[string]map[string]bool // site hash -> token hash -> safe
	Dirty       bool
	Count       int
}

// NewKeyEntry creates an empty KeyEntry.
func NewKeyEntry(now time.Time, key, tracker string) *KeyEntry {
	return &KeyEntry{
		Created:     now,
		Key:         key,
		Tracker:     tracker,
		SitesTokens: make(map[string]map[string]bool),
	}
}

// TokensLen returns the total number of (site, token) pairs recorded.
func (e *KeyEntry) TokensLen() int {
	n := 0
	for _, tokens := range e.SitesTokens {
		n += len(tokens)
	}
	return n
}

// AddSiteToken records that siteHash carried tokenHash with the given
// safety verdict.
func (e *KeyEntry) AddSiteToken(siteHash, tokenHash string, safe bool) {
	tokens, ok := e.SitesTokens[siteHash]
	if !ok {
		tokens = make(map[string]bool)
		e.SitesTokens[siteHash] = tokens
	}
	tokens[tokenHash] = safe
}

// RequestItem is one per-request (key,value) observation buffered until the
// next batch tick drains it.
type RequestItem struct {
	Day       string
	Key       string // md5(k)
	Token     string // md5(v)
	TP        string // truncatedHash(thirdPartyGeneralDomain)
	FP        string // truncatedHash(firstPartyGeneralDomain)
	Safe      bool
	IsTracker bool
}

// URLParts is the subset of a request URL the token pipeline needs.
type URLParts struct {
	GeneralDomain string
	Params        []KeyValue
}

// KeyValue is one query-string parameter.
type KeyValue struct {
	Key   string
	Value string
}

// RequestObservation is the per-request input the token/key pipeline
// consumes, per spec 4.6.
type RequestObservation struct {
	IsPrivate bool
	URLParts  URLParts
	TabURL    URLParts
}
