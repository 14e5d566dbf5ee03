// Package pipeline is the top-level wiring of spec §2's data-flow diagram:
// it drains an events.Source, turns page/request observations into
// scheduler jobs and pipeline batches, and registers every job handler the
// pipelines need under the shared jobqueue.Scheduler.
//
// Grounded on the teacher's cmd/quaero wiring style (construct every
// collaborator, register handlers, then hand off to a run loop) — this
// module's equivalent of "main wires services together", pulled out of
// cmd/ so it can be exercised by tests without a process entrypoint.
package pipeline

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/whotracksme/webextension-packages-sub000/internal/activity"
	"github.com/whotracksme/webextension-packages-sub000/internal/events"
	"github.com/whotracksme/webextension-packages-sub000/internal/jobqueue"
	"github.com/whotracksme/webextension-packages-sub000/internal/pagepipeline"
	"github.com/whotracksme/webextension-packages-sub000/internal/sender"
	"github.com/whotracksme/webextension-packages-sub000/internal/tokentelemetry"
	"github.com/whotracksme/webextension-packages-sub000/internal/types"
)

// Job scheduling configuration for the three handlers this package
// registers. The spec names every field of types.JobConfig (spec 4.1) but
// never gives doublefetch/quorum-check/send-message their own numbers;
// these mirror the shape of spec-given constants elsewhere (seconds-scale
// jitter, single-digit retry caps, a few hundred in-flight jobs).
var (
	doublefetchConfig = types.JobConfig{
		Priority:     10,
		ReadyInMin:   0,
		ReadyInMax:   5 * time.Second,
		CooldownMs:   0,
		MaxJobsTotal: 200,
		MaxAttempts:  3,
	}
	quorumCheckConfig = types.JobConfig{
		Priority:     5,
		ReadyInMin:   0,
		ReadyInMax:   2 * time.Second,
		CooldownMs:   0,
		MaxJobsTotal: 200,
		MaxAttempts:  3,
	}
	sendMessageConfig = types.JobConfig{
		Priority:     1,
		ReadyInMin:   0,
		ReadyInMax:   time.Second,
		CooldownMs:   0,
		MaxJobsTotal: 500,
		MaxAttempts:  5,
	}
)

// Pipeline drains an events.Source and feeds the page and token/key
// telemetry pipelines.
type Pipeline struct {
	jobs      *jobqueue.Scheduler
	extractor *tokentelemetry.Extractor
	tokens    *tokentelemetry.TokenPipeline
	keys      *tokentelemetry.KeyPipeline
	blocklist *tokentelemetry.BlockList
	activity  *activity.Estimator
	logger    arbor.ILogger
}

// New wires the Pipeline's collaborators. All of them are expected to
// already have their handlers/data loaded (jobqueue.Load, BlockList.Load,
// etc.) by the caller.
func New(jobs *jobqueue.Scheduler, extractor *tokentelemetry.Extractor, tokens *tokentelemetry.TokenPipeline, keys *tokentelemetry.KeyPipeline, blocklist *tokentelemetry.BlockList, act *activity.Estimator, logger arbor.ILogger) *Pipeline {
	return &Pipeline{
		jobs:      jobs,
		extractor: extractor,
		tokens:    tokens,
		keys:      keys,
		blocklist: blocklist,
		activity:  act,
		logger:    logger,
	}
}

// RegisterHandlers installs the page-pipeline and sender handlers under
// the job scheduler. Must be called once before Run.
func (p *Pipeline) RegisterHandlers(doublefetch *pagepipeline.DoublefetchHandler, quorumCheck *pagepipeline.QuorumCheckHandler, snd *sender.Sender) error {
	if err := p.jobs.RegisterHandler(pagepipeline.DoublefetchJobType, doublefetch.RunJob, doublefetchConfig); err != nil {
		return err
	}
	if err := p.jobs.RegisterHandler(pagepipeline.QuorumCheckJobType, quorumCheck.RunJob, quorumCheckConfig); err != nil {
		return err
	}
	return p.jobs.RegisterHandler(sender.JobType, snd.RunJob, sendMessageConfig)
}

// Run drains src until ctx is cancelled, routing each event to its
// pipeline. Callers typically run this in its own goroutine alongside
// maintenance.Scheduler's cron-driven cycles.
func (p *Pipeline) Run(ctx context.Context, src events.Source) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-src.PageObserved():
			if !ok {
				return
			}
			p.handlePageObserved(ev)
		case ev, ok := <-src.RequestObserved():
			if !ok {
				return
			}
			p.handleRequestObserved(ctx, ev)
		case ev, ok := <-src.Navigations():
			if !ok {
				return
			}
			p.handleNavigation(ev)
		case ev, ok := <-src.Clicks():
			if !ok {
				return
			}
			p.handleClick(ev)
		}
	}
}

// handlePageObserved stamps the current activity estimate onto the
// observation (resolution 5: pagepipeline stays decoupled from
// internal/activity) and enqueues the doublefetch job.
func (p *Pipeline) handlePageObserved(ev events.PageObserved) {
	page := ev.Page
	page.Activity = p.activity.Estimate(page.URL)

	args, err := encodeJSON(page)
	if err != nil {
		p.logger.Warn().Err(err).Msg("pipeline: failed to encode page observation")
		return
	}
	if _, err := p.jobs.RegisterJob(pagepipeline.DoublefetchJobType, args); err != nil {
		p.logger.Warn().Err(err).Str("url", page.URL).Msg("pipeline: failed to enqueue doublefetch job")
	}
}

// handleRequestObserved feeds the extractor, which buffers (key,token)
// pairs for the next TokenBufferTime tick, and the block list, which
// counts distinct first parties per token per day.
func (p *Pipeline) handleRequestObserved(ctx context.Context, ev events.RequestObserved) {
	p.extractor.Observe(ev.Request)

	if err := p.blocklist.ObserveRequest(ctx, ev.Request); err != nil {
		p.logger.Warn().Err(err).Msg("pipeline: block list observe failed")
	}
}

// handleNavigation is a deliberate no-op: the activity estimator's active
// URL is set only by Click events (handleClick), and navigation events
// carry nothing this pipeline acts on.
func (p *Pipeline) handleNavigation(ev events.Navigation) {
	_ = ev
}

// handleClick marks the clicked URL as the active tab's current page, so
// the activity estimator's flush clock keeps ticking against it.
func (p *Pipeline) handleClick(ev events.Click) {
	url := ev.URL
	p.activity.UpdateActiveURL(&url)
}

// DrainTick hands the extractor's buffered request items, ungrouped and in
// arrival order, to both aggregation pipelines. Intended to be called on
// tokentelemetry.TokenBufferTime by the caller's own ticker (kept outside
// internal/maintenance's cron schedule since it runs far more often than
// any cron-grained cycle).
func (p *Pipeline) DrainTick() {
	items := p.extractor.Drain()
	if len(items) == 0 {
		return
	}
	p.tokens.ProcessBatch(items)
	p.keys.ProcessBatch(items)
}

func encodeJSON(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}
