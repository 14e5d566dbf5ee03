package pagepipeline

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net/url"

	"github.com/ternarybob/arbor"

	"github.com/whotracksme/webextension-packages-sub000/internal/types"
)

// SendMessageJobType is the job type the deduplicating sender (spec 4.9)
// registers its handler under; the quorum-check handler chains into it.
const SendMessageJobType = "send-message"

// MessageVersion is the wire protocol version stamped on every outbound
// message envelope.
const MessageVersion = 1

// QuorumVoter is the subset of the quorum client the quorum-check handler
// depends on.
type QuorumVoter interface {
	SendQuorumIncrement(ctx context.Context, text string) error
	CheckQuorumConsent(ctx context.Context, text string) (bool, error)
}

// CountryProvider supplies the sanitized country code stamped on page
// messages (spec 4.8's safeCtry).
type CountryProvider interface {
	SafeCountry() string
}

// QuorumCheckHandler implements spec 4.3: only share a page if enough
// independent clients have seen the same URL.
type QuorumCheckHandler struct {
	quorum  QuorumVoter
	country CountryProvider
	channel string
	logger  arbor.ILogger
}

// NewQuorumCheckHandler wires the collaborators the algorithm needs.
// channel identifies the outbound message channel (spec 6 envelope field).
func NewQuorumCheckHandler(quorum QuorumVoter, country CountryProvider, channel string, logger arbor.ILogger) *QuorumCheckHandler {
	return &QuorumCheckHandler{quorum: quorum, country: country, channel: channel, logger: logger}
}

// RunJob is the jobqueue.HandlerFunc for QuorumCheckJobType.
func (h *QuorumCheckHandler) RunJob(ctx context.Context, job types.Job) ([]types.FollowUpJob, error) {
	page, err := decodeJSON[types.SafePage](job.Args)
	if err != nil {
		return nil, types.NewBadJobError("invalid safe page", err)
	}
	if page.URL == "" {
		return nil, types.NewBadJobError("missing url", nil)
	}

	endpoints, err := collectEndpoints(page)
	if err != nil {
		return nil, types.NewBadJobError("unparseable endpoint url", err)
	}

	for _, ep := range endpoints {
		if pureDomain(ep.parsed) {
			continue
		}
		if err := h.quorum.SendQuorumIncrement(ctx, ep.raw); err != nil {
			return nil, err
		}
	}

	mainURL, err := url.Parse(page.URL)
	if err != nil {
		return nil, types.NewBadJobError("unparseable url", err)
	}

	publiclySafe := pureDomain(mainURL) || (page.Search != nil && page.Search.Depth == 1)
	if !publiclySafe {
		consent, err := h.quorum.CheckQuorumConsent(ctx, page.URL)
		if err != nil {
			return nil, err
		}
		if !consent {
			h.logger.Debug().Str("url", page.URL).Msg("quorum consent denied, dropping page message")
			return nil, nil
		}
	}

	protectedRef := h.protectUnlessConsented(ctx, page.Ref)
	protectedRedirects := make([]types.Redirect, len(page.Redirects))
	for i, r := range page.Redirects {
		protectedRedirects[i] = types.Redirect{
			From:       h.protectUnlessConsented(ctx, r.From),
			To:         h.protectUnlessConsented(ctx, r.To),
			StatusCode: r.StatusCode,
		}
	}

	payload := types.PagePayload{
		URL:      page.URL,
		Title:    page.Title,
		Ref:      protectedRef,
		Redirect: protectedRedirects,
		Lang:     page.LangHTML,
		Country:  h.country.SafeCountry(),
		Activity: SanitizeActivity(page.Activity),
		Search:   page.Search,
	}

	message := types.Message{
		Action:         "wtm.page",
		Payload:        payload,
		Ver:            MessageVersion,
		AntiDuplicates: random32(),
		Channel:        h.channel,
		DeduplicateBy:  page.URL,
	}

	args, err := encodeJSON(message)
	if err != nil {
		return nil, types.NewPermanentError("failed to encode page message", err)
	}
	return []types.FollowUpJob{{Type: SendMessageJobType, Args: args}}, nil
}

// protectUnlessConsented checks quorum consent for one ref/redirect
// endpoint and replaces it with a protected origin-only form if consent is
// denied (spec 4.3 step 5). The "..." truncation sentinel and pure-domain
// endpoints pass through unchecked.
func (h *QuorumCheckHandler) protectUnlessConsented(ctx context.Context, raw string) string {
	if raw == "" || raw == "..." {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	if pureDomain(u) {
		return raw
	}

	consent, err := h.quorum.CheckQuorumConsent(ctx, raw)
	if err != nil {
		h.logger.Warn().Err(err).Str("url", raw).Msg("consent check failed for redirect endpoint, protecting")
		consent = false
	}
	if consent {
		return raw
	}
	return fmt.Sprintf("%s://%s/ (PROTECTED)", u.Scheme, u.Host)
}

type endpoint struct {
	raw    string
	parsed *url.URL
}

// collectEndpoints builds U = {url} ∪ {ref?} ∪ {all redirect endpoints
// except "..."} for the vote phase (spec 4.3 step 1), deduplicated by raw
// string.
func collectEndpoints(page types.SafePage) ([]endpoint, error) {
	seen := make(map[string]bool)
	var out []endpoint

	add := func(raw string) error {
		if raw == "" || raw == "..." || seen[raw] {
			return nil
		}
		u, err := url.Parse(raw)
		if err != nil {
			return err
		}
		seen[raw] = true
		out = append(out, endpoint{raw: raw, parsed: u})
		return nil
	}

	if err := add(page.URL); err != nil {
		return nil, err
	}
	if err := add(page.Ref); err != nil {
		return nil, err
	}
	for _, r := range page.Redirects {
		if err := add(r.From); err != nil {
			return nil, err
		}
		if err := add(r.To); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// pureDomain reports whether u has no path beyond "/" and no query or
// fragment (spec 4.3 step 2).
func pureDomain(u *url.URL) bool {
	return (u.Path == "" || u.Path == "/") && u.RawQuery == "" && u.Fragment == ""
}

func random32() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0
	}
	return binary.BigEndian.Uint32(b[:])
}
