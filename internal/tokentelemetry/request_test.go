package tokentelemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whotracksme/webextension-packages-sub000/internal/types"
)

type fakeBlockChecker struct {
	blocked map[string]bool
}

func (f fakeBlockChecker) IsBlocked(token string) bool { return f.blocked[token] }

func TestExtractorObserveBuffersQualifyingParams(t *testing.T) {
	e := NewExtractor(NewQSWhitelist(), nil)
	e.Observe(types.RequestObservation{
		URLParts: types.URLParts{
			GeneralDomain: "tracker.example",
			Params:        []types.KeyValue{{Key: "uid", Value: "abcdefgh12345"}, {Key: "x", Value: "short"}},
		},
		TabURL: types.URLParts{GeneralDomain: "site.example"},
	})

	items := e.Drain()
	require.Len(t, items, 1, "the short value must be dropped by shouldCheckToken")
	assert.Equal(t, md5Hex("abcdefgh12345"), items[0].Token)
}

func TestExtractorObserveSkipsPrivateRequests(t *testing.T) {
	e := NewExtractor(NewQSWhitelist(), nil)
	e.Observe(types.RequestObservation{
		IsPrivate: true,
		URLParts:  types.URLParts{Params: []types.KeyValue{{Key: "uid", Value: "abcdefgh12345"}}},
	})
	assert.Empty(t, e.Drain())
}

func TestExtractorObserveDropsBlockedTokens(t *testing.T) {
	blocked := fakeBlockChecker{blocked: map[string]bool{md5Hex("abcdefgh12345"): true}}
	e := NewExtractor(NewQSWhitelist(), blocked)
	e.Observe(types.RequestObservation{
		URLParts: types.URLParts{
			GeneralDomain: "tracker.example",
			Params: []types.KeyValue{
				{Key: "uid", Value: "abcdefgh12345"},
				{Key: "other", Value: "zzzzzzzzzzzz"},
			},
		},
		TabURL: types.URLParts{GeneralDomain: "site.example"},
	})

	items := e.Drain()
	require.Len(t, items, 1, "the blocked token must be dropped, the other param must still be buffered")
	assert.Equal(t, md5Hex("zzzzzzzzzzzz"), items[0].Token)
}

func TestExtractorObserveNilBlocklistAllowsEverything(t *testing.T) {
	e := NewExtractor(NewQSWhitelist(), nil)
	e.Observe(types.RequestObservation{
		URLParts: types.URLParts{
			GeneralDomain: "tracker.example",
			Params:        []types.KeyValue{{Key: "uid", Value: "abcdefgh12345"}},
		},
		TabURL: types.URLParts{GeneralDomain: "site.example"},
	})
	assert.Len(t, e.Drain(), 1)
}
