package jobqueue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/whotracksme/webextension-packages-sub000/internal/storage/memkv"
	"github.com/whotracksme/webextension-packages-sub000/internal/types"
)

func newTestScheduler() *Scheduler {
	return New(memkv.New(), arbor.NewLogger())
}

func TestRegisterJobRunsHandlerWhenReady(t *testing.T) {
	s := newTestScheduler()
	var ran int
	err := s.RegisterHandler("ping", func(ctx context.Context, job types.Job) ([]types.FollowUpJob, error) {
		ran++
		return nil, nil
	}, types.JobConfig{Priority: 1})
	require.NoError(t, err)

	_, err = s.RegisterJob("ping", nil)
	require.NoError(t, err)

	require.NoError(t, s.ProcessPendingJobs(context.Background()))
	assert.Equal(t, 1, ran)
	assert.Equal(t, 0, s.PendingCount())
}

func TestRegisterJobOverflow(t *testing.T) {
	s := newTestScheduler()
	require.NoError(t, s.RegisterHandler("slow", func(ctx context.Context, job types.Job) ([]types.FollowUpJob, error) {
		return nil, nil
	}, types.JobConfig{MaxJobsTotal: 1, ReadyInMin: time.Hour, ReadyInMax: time.Hour}))

	_, err := s.RegisterJob("slow", nil)
	require.NoError(t, err)

	_, err = s.RegisterJob("slow", nil)
	require.Error(t, err)
	var overflow *types.OverflowError
	assert.ErrorAs(t, err, &overflow)
}

func TestBadJobIsDroppedNotRetried(t *testing.T) {
	s := newTestScheduler()
	require.NoError(t, s.RegisterHandler("bad", func(ctx context.Context, job types.Job) ([]types.FollowUpJob, error) {
		return nil, types.NewBadJobError("missing url", nil)
	}, types.JobConfig{MaxAttempts: 5}))

	_, err := s.RegisterJob("bad", nil)
	require.NoError(t, err)

	require.NoError(t, s.ProcessPendingJobs(context.Background()))
	assert.Equal(t, 0, s.PendingCount())
}

func TestTransientErrorRetriesWithBackoff(t *testing.T) {
	s := newTestScheduler()
	require.NoError(t, s.RegisterHandler("flaky", func(ctx context.Context, job types.Job) ([]types.FollowUpJob, error) {
		return nil, types.NewTransientError("connection reset", errors.New("boom"))
	}, types.JobConfig{MaxAttempts: 3}))

	_, err := s.RegisterJob("flaky", nil)
	require.NoError(t, err)

	require.NoError(t, s.ProcessPendingJobs(context.Background()))
	// Job is requeued with a future ReadyAt (exponential backoff), so it is
	// still pending but will not run again immediately.
	assert.Equal(t, 1, s.PendingCount())

	require.NoError(t, s.ProcessPendingJobs(context.Background()))
	assert.Equal(t, 1, s.PendingCount())
}

func TestFollowUpJobsAreChained(t *testing.T) {
	s := newTestScheduler()
	var secondRan bool
	require.NoError(t, s.RegisterHandler("first", func(ctx context.Context, job types.Job) ([]types.FollowUpJob, error) {
		return []types.FollowUpJob{{Type: "second", Args: map[string]any{"from": "first"}}}, nil
	}, types.JobConfig{}))
	require.NoError(t, s.RegisterHandler("second", func(ctx context.Context, job types.Job) ([]types.FollowUpJob, error) {
		secondRan = true
		assert.Equal(t, "first", job.Args["from"])
		return nil, nil
	}, types.JobConfig{}))

	_, err := s.RegisterJob("first", nil)
	require.NoError(t, err)

	require.NoError(t, s.ProcessPendingJobs(context.Background()))
	assert.False(t, secondRan, "follow-up enqueued but not run in the same pass")
	require.NoError(t, s.ProcessPendingJobs(context.Background()))
	assert.True(t, secondRan)
}
