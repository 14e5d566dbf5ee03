package approver

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/whotracksme/webextension-packages-sub000/internal/storage/memkv"
)

func TestHashStoreAddAndContains(t *testing.T) {
	ctx := context.Background()
	h := NewHashStore(memkv.New(), arbor.NewLogger(), "sent|")

	ok, err := h.Contains(ctx, "https://example.com/a")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, h.Add(ctx, "https://example.com/a"))

	ok, err = h.Contains(ctx, "https://example.com/a")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = h.Contains(ctx, "https://example.com/b")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHashStoreRemove(t *testing.T) {
	ctx := context.Background()
	h := NewHashStore(memkv.New(), arbor.NewLogger(), "sent|")

	require.NoError(t, h.Add(ctx, "value"))
	require.NoError(t, h.Remove(ctx, "value"))

	ok, err := h.Contains(ctx, "value")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHashStorePersistsAcrossInstances(t *testing.T) {
	ctx := context.Background()
	store := memkv.New()
	logger := arbor.NewLogger()

	h1 := NewHashStore(store, logger, "sent|")
	require.NoError(t, h1.Add(ctx, "persisted-value"))
	h1.Flush()

	h2 := NewHashStore(store, logger, "sent|")
	ok, err := h2.Contains(ctx, "persisted-value")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestHashStoreNamespaceIsolation(t *testing.T) {
	ctx := context.Background()
	store := memkv.New()
	logger := arbor.NewLogger()

	sent := NewHashStore(store, logger, "sent|")
	quorum := NewHashStore(store, logger, "[incQuorum]|")

	require.NoError(t, sent.Add(ctx, "same-text"))

	ok, err := quorum.Contains(ctx, "same-text")
	require.NoError(t, err)
	assert.False(t, ok, "different namespaces must not see each other's members")
}
