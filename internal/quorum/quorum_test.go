package quorum

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/whotracksme/webextension-packages-sub000/internal/storage/memkv"
	"github.com/whotracksme/webextension-packages-sub000/internal/transport"
)

// fakeTransport is a scripted transport.Transport for quorum client tests.
type fakeTransport struct {
	mu        sync.Mutex
	responses map[string]string // keyed by URL prefix: a request whose URL starts with a key gets that body
	calls     []string
	failNext  bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{responses: make(map[string]string)}
}

func (f *fakeTransport) Send(ctx context.Context, body []byte) error { return nil }

func (f *fakeTransport) SendInstant(ctx context.Context, method, url string) (*transport.FetchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, url)
	if f.failNext {
		f.failNext = false
		return nil, assertError{}
	}
	for prefix, body := range f.responses {
		if len(url) >= len(prefix) && url[:len(prefix)] == prefix {
			return &transport.FetchResult{OK: true, StatusCode: 200, Body: []byte(body)}, nil
		}
	}
	return &transport.FetchResult{OK: true, StatusCode: 200, Body: []byte("{}")}, nil
}

type assertError struct{}

func (assertError) Error() string { return "simulated transport failure" }

func newTestClient(t *testing.T, tr *fakeTransport) *Client {
	return New(memkv.New(), tr, arbor.NewLogger(), "https://quorum.example.com")
}

func TestUpdateQuorumConfigFetchesBucket(t *testing.T) {
	ctx := context.Background()
	tr := newFakeTransport()
	cfg, _ := json.Marshal(map[string]int{"oc": 42})
	tr.responses["https://quorum.example.com/config"] = string(cfg)

	c := newTestClient(t, tr)
	require.NoError(t, c.UpdateQuorumConfig(ctx, true))

	c.mu.Lock()
	bucket := c.config.Bucket
	c.mu.Unlock()
	assert.Equal(t, 42, bucket)
}

func TestUpdateQuorumConfigSkipsWhenFreshAndNotForced(t *testing.T) {
	ctx := context.Background()
	tr := newFakeTransport()
	cfg, _ := json.Marshal(map[string]int{"oc": 1})
	tr.responses["https://quorum.example.com/config"] = string(cfg)

	c := newTestClient(t, tr)
	require.NoError(t, c.UpdateQuorumConfig(ctx, true))
	callsAfterFirst := len(tr.calls)

	require.NoError(t, c.UpdateQuorumConfig(ctx, false))
	assert.Equal(t, callsAfterFirst, len(tr.calls), "fresh config should not trigger another fetch")
}

func TestSendQuorumIncrementSkipsIfAlreadyVoted(t *testing.T) {
	ctx := context.Background()
	tr := newFakeTransport()
	cfg, _ := json.Marshal(map[string]int{"oc": 1})
	tr.responses["https://quorum.example.com/config"] = string(cfg)

	c := newTestClient(t, tr)
	require.NoError(t, c.UpdateQuorumConfig(ctx, true))

	require.NoError(t, c.SendQuorumIncrement(ctx, "https://example.com/page"))
	callsAfterFirstVote := len(tr.calls)

	require.NoError(t, c.SendQuorumIncrement(ctx, "https://example.com/page"))
	assert.Equal(t, callsAfterFirstVote, len(tr.calls), "repeat vote for the same text should be a no-op")
}

func TestCheckQuorumConsentReadsResult(t *testing.T) {
	ctx := context.Background()
	tr := newFakeTransport()
	tr.responses["https://quorum.example.com/checkquorum"] = `{"result":true}`

	c := newTestClient(t, tr)
	ok, err := c.CheckQuorumConsent(ctx, "https://example.com/page")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDetectClockJumpResetsConfig(t *testing.T) {
	ctx := context.Background()
	tr := newFakeTransport()
	cfg, _ := json.Marshal(map[string]int{"oc": 3})
	tr.responses["https://quorum.example.com/config"] = string(cfg)

	c := newTestClient(t, tr)
	require.NoError(t, c.UpdateQuorumConfig(ctx, true))

	// Simulate a wall-clock reading this client has already observed
	// being later than "now" arrives.
	c.mu.Lock()
	c.lastSeenNow = time.Now().Add(time.Hour)
	c.mu.Unlock()

	jumped := c.detectClockJump(ctx, time.Now())
	assert.True(t, jumped)

	c.mu.Lock()
	reset := c.config.LastUpdated.IsZero()
	c.mu.Unlock()
	assert.True(t, reset, "bucket assignment must be reset after a detected clock jump")

	_, found, err := c.store.Get(ctx, configStoreKey)
	require.NoError(t, err)
	assert.False(t, found, "persisted config must be cleared after a clock jump")
}

func TestSendQuorumIncrementDetectsBackwardClockJump(t *testing.T) {
	ctx := context.Background()
	tr := newFakeTransport()
	cfg, _ := json.Marshal(map[string]int{"oc": 7})
	tr.responses["https://quorum.example.com/config"] = string(cfg)

	c := newTestClient(t, tr)
	require.NoError(t, c.UpdateQuorumConfig(ctx, true))
	callsAfterFirstConfig := len(tr.calls)

	c.mu.Lock()
	c.lastSeenNow = time.Now().Add(time.Hour)
	c.mu.Unlock()

	require.NoError(t, c.SendQuorumIncrement(ctx, "https://example.com/jump"))

	assert.Greater(t, len(tr.calls), callsAfterFirstConfig, "a detected clock jump should force a fresh config fetch even though the bucket assignment was still within TTL")
}

func TestCheckQuorumConsentBlockedByBadKeys(t *testing.T) {
	ctx := context.Background()
	tr := newFakeTransport()
	tr.responses["https://quorum.example.com/checkquorum"] = `{"result":true}`

	c := newTestClient(t, tr)
	c.mu.Lock()
	c.badKeys["https://example.com/blocked"] = true
	c.mu.Unlock()

	ok, err := c.CheckQuorumConsent(ctx, "https://example.com/blocked")
	require.NoError(t, err)
	assert.False(t, ok, "bad keys must force consent to false regardless of server response")
}
