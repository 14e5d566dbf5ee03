package pagepipeline

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/whotracksme/webextension-packages-sub000/internal/approver"
	"github.com/whotracksme/webextension-packages-sub000/internal/htmlextract"
	"github.com/whotracksme/webextension-packages-sub000/internal/types"
)

// DoublefetchJobType is the job-scheduler type the doublefetch handler is
// registered under.
const DoublefetchJobType = "doublefetch-page"

// QuorumCheckJobType is the follow-up job type a successful doublefetch
// chains into (spec 4.3).
const QuorumCheckJobType = "page-quorum-check"

// DoublefetchResult is the handler's internal {ok, safePage?, details?}
// contract (spec 4.2).
type DoublefetchResult struct {
	OK       bool
	SafePage *types.SafePage
	Details  string
}

// DoublefetchHandler implements spec 4.2: an anonymous re-fetch of an
// observed page, deciding whether the server would return the same public
// content the user saw.
type DoublefetchHandler struct {
	fetcher   *Fetcher
	extractor htmlextract.PageStructureExtractor
	approver  *approver.NewPageApprover
	logger    arbor.ILogger
}

// NewDoublefetchHandler wires the collaborators the algorithm needs.
func NewDoublefetchHandler(fetcher *Fetcher, extractor htmlextract.PageStructureExtractor, approver *approver.NewPageApprover, logger arbor.ILogger) *DoublefetchHandler {
	return &DoublefetchHandler{fetcher: fetcher, extractor: extractor, approver: approver, logger: logger}
}

// RunJob is the jobqueue.HandlerFunc for DoublefetchJobType.
func (h *DoublefetchHandler) RunJob(ctx context.Context, job types.Job) ([]types.FollowUpJob, error) {
	obs, err := decodeJSON[types.PageObservation](job.Args)
	if err != nil {
		return nil, types.NewBadJobError("invalid page observation", err)
	}
	if obs.URL == "" {
		return nil, types.NewBadJobError("missing url", nil)
	}

	result, err := h.runDoublefetch(ctx, obs, 0)
	if err != nil {
		var badJob *types.BadJobError
		var permanent *types.PermanentError
		if errors.As(err, &badJob) || errors.As(err, &permanent) {
			if markErr := h.approver.MarkAsPrivate(ctx, obs.URL); markErr != nil {
				h.logger.Warn().Err(markErr).Str("url", obs.URL).Msg("failed to mark url as private after reject")
			}
		}
		return nil, err
	}

	if !result.OK {
		h.logger.Debug().Str("url", obs.URL).Str("reason", result.Details).Msg("doublefetch rejected page")
		if markErr := h.approver.MarkAsPrivate(ctx, obs.URL); markErr != nil {
			h.logger.Warn().Err(markErr).Str("url", obs.URL).Msg("failed to mark url as private after reject")
		}
		return nil, nil
	}

	args, err := encodeJSON(result.SafePage)
	if err != nil {
		return nil, types.NewPermanentError("failed to encode safe page", err)
	}
	return []types.FollowUpJob{{Type: QuorumCheckJobType, Args: args}}, nil
}

func (h *DoublefetchHandler) runDoublefetch(ctx context.Context, obs types.PageObservation, depth int) (*DoublefetchResult, error) {
	priv, err := h.approver.MightBeMarkedAsPrivate(ctx, obs.URL)
	if err != nil {
		return nil, types.NewTransientError("private-url check failed", err)
	}
	if priv {
		return &DoublefetchResult{OK: false, Details: "marked as private"}, nil
	}

	fetched, err := h.fetcher.fetch(ctx, obs.URL)
	if err != nil {
		return nil, err
	}

	structure, err := h.extractor.Extract(fetched.body, fetched.finalURL)
	if err != nil {
		return nil, types.NewTransientError("html structure extraction failed", err)
	}

	if obs.PreDoublefetch.NoIndex || structure.NoIndex {
		return &DoublefetchResult{OK: false, Details: "noindex"}, nil
	}

	if depth == 0 && structure.CanonicalURL != "" && structure.CanonicalURL != obs.URL {
		canonicalObs := obs
		canonicalObs.URL = structure.CanonicalURL
		if canonicalResult, canonErr := h.runDoublefetch(ctx, canonicalObs, depth+1); canonErr == nil && canonicalResult.OK {
			return canonicalResult, nil
		}
		// Canonical re-fetch failed or rejected; fall through and judge the
		// originally observed URL on its own merits.
	}

	if !titlesMatch(obs.PreDoublefetch.Title, structure.Title) {
		return &DoublefetchResult{OK: false, Details: "title mismatch"}, nil
	}

	isCanonical := structure.CanonicalURL == "" || structure.CanonicalURL == obs.URL
	searchDepth := -1
	if obs.Search != nil {
		searchDepth = obs.Search.Depth
	}
	check := staticURLCheck(obs.URL, isCanonical, searchDepth, obs.PreDoublefetch.RequestedIndex)
	if check.Result == SanitizeDropped {
		return &DoublefetchResult{OK: false, Details: "sanitizer: " + check.Reason}, nil
	}

	safe := buildSafePage(obs, structure, check)
	return &DoublefetchResult{OK: true, SafePage: &safe}, nil
}

// titlesMatch implements spec 4.2 step 6: both non-empty, equal after
// lowercasing and whitespace removal, or post contains pre (pre at least 6
// chars after normalization) — lets breadcrumbs be appended but not
// stripped.
func titlesMatch(pre, post string) bool {
	npre := normalizeTitle(pre)
	npost := normalizeTitle(post)
	if npre == "" || npost == "" {
		return false
	}
	if npre == npost {
		return true
	}
	return len(npre) >= 6 && strings.Contains(npost, npre)
}

func normalizeTitle(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), "")
}

// staticURLCheck implements spec 4.2 step 7: count how many of the three
// trust signals hold (canonical, search-indexed at depth 1, meta requested
// indexing). All three → skip. Two → standard sanitizer. Fewer → strict.
func staticURLCheck(url string, isCanonical bool, searchDepth int, requestedIndex bool) SanitizedURL {
	signals := 0
	if isCanonical {
		signals++
	}
	if searchDepth == 1 {
		signals++
	}
	if requestedIndex {
		signals++
	}
	if signals == 3 {
		return SanitizedURL{Result: SanitizeSafe, SafeURL: url}
	}
	return SanitizeURL(url, signals < 2)
}

func buildSafePage(obs types.PageObservation, structure types.PageStructure, check SanitizedURL) types.SafePage {
	safeURL := obs.URL
	if check.Result == SanitizeTruncated {
		safeURL = check.SafeURL
	}

	search := obs.Search
	if search != nil && looksSuspiciousQuery(search.Query) {
		blanked := *search
		blanked.Query = ""
		search = &blanked
	}

	redirects := make([]types.Redirect, len(obs.Redirects))
	for i, r := range obs.Redirects {
		redirects[i] = types.Redirect{
			From:       sanitizeEndpoint(r.From),
			To:         sanitizeEndpoint(r.To),
			StatusCode: r.StatusCode,
		}
	}

	sp := types.SafePage{
		URL:        safeURL,
		Title:      structure.Title,
		LangHTML:   structure.Language,
		LangDetect: obs.Lang,
		Search:     search,
		Ref:        sanitizeEndpoint(obs.Ref),
		Redirects:  redirects,
		Activity:   obs.Activity,
	}
	if structure.CanonicalURL != "" && structure.CanonicalURL != obs.URL {
		sp.CanonicalURL = structure.CanonicalURL
	}
	return sp
}

// sanitizeEndpoint sanitizes a ref/redirect endpoint URL, preserving the
// "..." truncated-chain sentinel untouched.
func sanitizeEndpoint(raw string) string {
	if raw == "" || raw == "..." {
		return raw
	}
	r := SanitizeURL(raw, false)
	if r.Result == SanitizeDropped {
		return ""
	}
	return r.SafeURL
}

// looksSuspiciousQuery is a conservative heuristic for search queries that
// look like they might carry identifying information rather than a genuine
// search term.
func looksSuspiciousQuery(q string) bool {
	return len(q) > 128 || strings.ContainsAny(q, "@=&")
}

func decodeJSON[T any](args map[string]any) (T, error) {
	var v T
	data, err := json.Marshal(args)
	if err != nil {
		return v, err
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, err
	}
	return v, nil
}

func encodeJSON(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}
