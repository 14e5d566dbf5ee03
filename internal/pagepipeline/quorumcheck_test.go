package pagepipeline

import (
	"context"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/whotracksme/webextension-packages-sub000/internal/types"
)

func mustParseURL(t *testing.T, raw string) *url.URL {
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

type fakeVoter struct {
	votes   []string
	checks  []string
	consent map[string]bool
}

func newFakeVoter() *fakeVoter {
	return &fakeVoter{consent: make(map[string]bool)}
}

func (f *fakeVoter) SendQuorumIncrement(ctx context.Context, text string) error {
	f.votes = append(f.votes, text)
	return nil
}

func (f *fakeVoter) CheckQuorumConsent(ctx context.Context, text string) (bool, error) {
	f.checks = append(f.checks, text)
	if v, ok := f.consent[text]; ok {
		return v, nil
	}
	return true, nil
}

type fakeCountry struct{ code string }

func (f fakeCountry) SafeCountry() string { return f.code }

func TestQuorumCheckVotesForEveryNonPureDomainURL(t *testing.T) {
	voter := newFakeVoter()
	h := NewQuorumCheckHandler(voter, fakeCountry{"de"}, "test-channel", arbor.NewLogger())

	page := types.SafePage{
		URL: "https://example.com/article",
		Ref: "https://referrer.com/",
	}
	args, err := encodeJSON(page)
	require.NoError(t, err)

	followUps, err := h.RunJob(context.Background(), types.Job{Args: args})
	require.NoError(t, err)
	require.Len(t, followUps, 1)
	assert.Equal(t, SendMessageJobType, followUps[0].Type)
	assert.Contains(t, voter.votes, "https://example.com/article")
	assert.NotContains(t, voter.votes, "https://referrer.com/", "pure-domain referrer should not be voted on")
}

func TestQuorumCheckDropsOnDeniedConsent(t *testing.T) {
	voter := newFakeVoter()
	voter.consent["https://example.com/article"] = false
	h := NewQuorumCheckHandler(voter, fakeCountry{"de"}, "test-channel", arbor.NewLogger())

	page := types.SafePage{URL: "https://example.com/article"}
	args, err := encodeJSON(page)
	require.NoError(t, err)

	followUps, err := h.RunJob(context.Background(), types.Job{Args: args})
	require.NoError(t, err)
	assert.Nil(t, followUps)
}

func TestQuorumCheckSkipsConsentForPureDomain(t *testing.T) {
	voter := newFakeVoter()
	h := NewQuorumCheckHandler(voter, fakeCountry{"de"}, "test-channel", arbor.NewLogger())

	page := types.SafePage{URL: "https://example.com/"}
	args, err := encodeJSON(page)
	require.NoError(t, err)

	followUps, err := h.RunJob(context.Background(), types.Job{Args: args})
	require.NoError(t, err)
	require.Len(t, followUps, 1)
	assert.Empty(t, voter.checks, "pure-domain main url should not need a consent check")
}

func TestQuorumCheckProtectsDeniedRedirectEndpoint(t *testing.T) {
	voter := newFakeVoter()
	voter.consent["https://tracker.example.com/secret-path"] = false
	h := NewQuorumCheckHandler(voter, fakeCountry{"de"}, "test-channel", arbor.NewLogger())

	page := types.SafePage{
		URL: "https://example.com/article",
		Redirects: []types.Redirect{
			{From: "https://tracker.example.com/secret-path", To: "https://example.com/article", StatusCode: 302},
		},
	}
	args, err := encodeJSON(page)
	require.NoError(t, err)

	followUps, err := h.RunJob(context.Background(), types.Job{Args: args})
	require.NoError(t, err)
	require.Len(t, followUps, 1)

	msg, err := decodeJSON[types.Message](followUps[0].Args)
	require.NoError(t, err)
	payload, ok := msg.Payload.(map[string]any)
	require.True(t, ok)
	redirects, ok := payload["red"].([]any)
	require.True(t, ok)
	require.Len(t, redirects, 1)
	first := redirects[0].(map[string]any)
	assert.Equal(t, "https://tracker.example.com/ (PROTECTED)", first["From"])
}

func TestPureDomainDetection(t *testing.T) {
	u := mustParseURL(t, "https://example.com/")
	assert.True(t, pureDomain(u))

	u = mustParseURL(t, "https://example.com/path")
	assert.False(t, pureDomain(u))

	u = mustParseURL(t, "https://example.com/?q=1")
	assert.False(t, pureDomain(u))
}
