package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTokenEntryCardinality(t *testing.T) {
	e := NewTokenEntry(time.Now())
	assert.Equal(t, 0, e.SitesLen())
	assert.Equal(t, 0, e.TrackersLen())

	e.AddSite("site-a")
	e.AddSite("site-a")
	e.AddSite("site-b")
	e.AddTracker("tracker-a")

	assert.Equal(t, 2, e.SitesLen())
	assert.Equal(t, 1, e.TrackersLen())
}

func TestKeyEntryTokensLen(t *testing.T) {
	e := NewKeyEntry(time.Now(), "md5key", "md5tracker")
	assert.Equal(t, 0, e.TokensLen())

	e.AddSiteToken("site-a", "token-1", true)
	e.AddSiteToken("site-a", "token-2", false)
	e.AddSiteToken("site-b", "token-1", true)

	assert.Equal(t, 3, e.TokensLen())
}

func TestBadJobErrorUnwrap(t *testing.T) {
	cause := assert.AnError
	err := NewBadJobError("missing url", cause)
	assert.ErrorIs(t, err, assert.AnError)
	assert.Contains(t, err.Error(), "missing url")
}
