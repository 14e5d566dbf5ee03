package approver

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/whotracksme/webextension-packages-sub000/internal/storage/memkv"
)

func TestNewPageApproverMarkAndCheck(t *testing.T) {
	ctx := context.Background()
	a, err := NewNewPageApprover(memkv.New(), arbor.NewLogger())
	require.NoError(t, err)

	priv, err := a.MightBeMarkedAsPrivate(ctx, "https://example.com/private")
	require.NoError(t, err)
	assert.False(t, priv)

	require.NoError(t, a.MarkAsPrivate(ctx, "https://example.com/private"))

	priv, err = a.MightBeMarkedAsPrivate(ctx, "https://example.com/private")
	require.NoError(t, err)
	assert.True(t, priv)
}

func TestNewPageApproverLowFalsePositiveRate(t *testing.T) {
	ctx := context.Background()
	a, err := NewNewPageApprover(memkv.New(), arbor.NewLogger())
	require.NoError(t, err)

	require.NoError(t, a.MarkAsPrivate(ctx, "https://example.com/marked"))

	falsePositives := 0
	const sample = 2000
	for i := 0; i < sample; i++ {
		priv, err := a.MightBeMarkedAsPrivate(ctx, fmt.Sprintf("https://example.com/unmarked-%d", i))
		require.NoError(t, err)
		if priv {
			falsePositives++
		}
	}
	assert.Less(t, falsePositives, sample/10, "false positive rate should be well under 10%%")
}
