package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/whotracksme/webextension-packages-sub000/internal/activity"
	"github.com/whotracksme/webextension-packages-sub000/internal/events"
	"github.com/whotracksme/webextension-packages-sub000/internal/jobqueue"
	"github.com/whotracksme/webextension-packages-sub000/internal/pagepipeline"
	"github.com/whotracksme/webextension-packages-sub000/internal/storage/memkv"
	"github.com/whotracksme/webextension-packages-sub000/internal/tokentelemetry"
	"github.com/whotracksme/webextension-packages-sub000/internal/types"
)

type fakeSource struct {
	pages    chan events.PageObserved
	requests chan events.RequestObserved
	clicks   chan events.Click
	navs     chan events.Navigation
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		pages:    make(chan events.PageObserved, 4),
		requests: make(chan events.RequestObserved, 4),
		clicks:   make(chan events.Click, 4),
		navs:     make(chan events.Navigation, 4),
	}
}

func (f *fakeSource) PageObserved() <-chan events.PageObserved       { return f.pages }
func (f *fakeSource) RequestObserved() <-chan events.RequestObserved { return f.requests }
func (f *fakeSource) Clicks() <-chan events.Click                   { return f.clicks }
func (f *fakeSource) Navigations() <-chan events.Navigation         { return f.navs }

func newTestPipeline(t *testing.T) *Pipeline {
	t.Helper()
	store := memkv.New()
	logger := arbor.NewLogger()
	jobs := jobqueue.New(store, logger)
	whitelist := tokentelemetry.NewQSWhitelist()
	tokens := tokentelemetry.NewTokenPipeline(store, logger)
	keys := tokentelemetry.NewKeyPipeline(store, logger)
	blocklist := tokentelemetry.NewBlockList(store, logger)
	require.NoError(t, blocklist.Load(context.Background()))
	extractor := tokentelemetry.NewExtractor(whitelist, blocklist)
	act := activity.New()

	return New(jobs, extractor, tokens, keys, blocklist, act, logger)
}

func TestHandlePageObservedEnqueuesDoublefetchJob(t *testing.T) {
	p := newTestPipeline(t)
	// RegisterJob rejects job types with no handler, so register a no-op one.
	require.NoError(t, p.jobs.RegisterHandler(pagepipeline.DoublefetchJobType, func(ctx context.Context, job types.Job) ([]types.FollowUpJob, error) {
		return nil, nil
	}, types.JobConfig{}))
	src := newFakeSource()

	ctx, cancel := context.WithCancel(context.Background())
	go p.Run(ctx, src)

	src.pages <- events.PageObserved{Page: types.PageObservation{URL: "https://example.com/"}}
	time.Sleep(20 * time.Millisecond)
	cancel()

	assert.Equal(t, 1, p.jobs.PendingCount())
}

func TestHandleRequestObservedBuffersAndBlocks(t *testing.T) {
	p := newTestPipeline(t)
	src := newFakeSource()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx, src)

	obs := types.RequestObservation{
		URLParts: types.URLParts{
			GeneralDomain: "tracker.example",
			Params:        []types.KeyValue{{Key: "uid", Value: "abcdefgh12345"}},
		},
		TabURL: types.URLParts{GeneralDomain: "site.example"},
	}
	src.requests <- events.RequestObserved{Request: obs}
	time.Sleep(20 * time.Millisecond)

	p.DrainTick()
}

func TestHandleClickUpdatesActivity(t *testing.T) {
	p := newTestPipeline(t)
	src := newFakeSource()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx, src)

	src.clicks <- events.Click{URL: "https://example.com/", Kind: events.ClickLink}
	time.Sleep(20 * time.Millisecond)

	score := p.activity.Estimate("https://example.com/")
	assert.GreaterOrEqual(t, score, 0.0)
}
