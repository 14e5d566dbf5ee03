package approver

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/whotracksme/webextension-packages-sub000/internal/storage/memkv"
)

func TestBitArraySetAndTest(t *testing.T) {
	ctx := context.Background()
	store := memkv.New()
	ba, err := NewBitArray(store, arbor.NewLogger(), "test-array", 1, 1000, 4)
	require.NoError(t, err)

	set, err := ba.Test(ctx, 42)
	require.NoError(t, err)
	assert.False(t, set)

	require.NoError(t, ba.Set(ctx, 42))
	set, err = ba.Test(ctx, 42)
	require.NoError(t, err)
	assert.True(t, set)

	set, err = ba.Test(ctx, 43)
	require.NoError(t, err)
	assert.False(t, set)
}

func TestBitArrayPersistsAcrossInstances(t *testing.T) {
	ctx := context.Background()
	store := memkv.New()
	logger := arbor.NewLogger()

	ba1, err := NewBitArray(store, logger, "persisted", 1, 1000, 4)
	require.NoError(t, err)
	require.NoError(t, ba1.Set(ctx, 777))
	ba1.Flush()

	ba2, err := NewBitArray(store, logger, "persisted", 1, 1000, 4)
	require.NoError(t, err)
	set, err := ba2.Test(ctx, 777)
	require.NoError(t, err)
	assert.True(t, set)
}

func TestBitArrayVersionBumpResets(t *testing.T) {
	ctx := context.Background()
	store := memkv.New()
	logger := arbor.NewLogger()

	ba1, err := NewBitArray(store, logger, "versioned", 1, 1000, 4)
	require.NoError(t, err)
	require.NoError(t, ba1.Set(ctx, 5))
	ba1.Flush()

	ba2, err := NewBitArray(store, logger, "versioned", 2, 1000, 4)
	require.NoError(t, err)
	set, err := ba2.Test(ctx, 5)
	require.NoError(t, err)
	assert.False(t, set, "bumping version should not see the old version's bits")
}
