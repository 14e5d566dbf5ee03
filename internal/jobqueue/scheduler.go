// Package jobqueue implements the job scheduler of spec 4.1: persist,
// prioritize, execute, retry, and chain asynchronous units of work. It is
// the cooperative single-threaded executor of spec 5 for jobs specifically
// — ProcessPendingJobs runs handlers one at a time, in priority order.
//
// Grounded on the teacher's internal/storage/badger/job_storage.go +
// queue_storage.go persistence shape (one snapshot row, status split from
// definition) and internal/jobs/orchestrator/job_orchestrator.go's
// register-handler/dispatch-loop shape.
package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/whotracksme/webextension-packages-sub000/internal/common"
	"github.com/whotracksme/webextension-packages-sub000/internal/storage"
	"github.com/whotracksme/webextension-packages-sub000/internal/types"
)

const queueStoreKey = "jobqueue|queue"

// flushDebounce coalesces rapid enqueue/dequeue bursts into a single
// persisted snapshot write, per spec 4.1 ("debounced to coalesce rapid
// updates").
const flushDebounce = 100 * time.Millisecond

// maxBackoff caps the exponential retry delay.
const maxBackoff = 5 * time.Minute

// HandlerFunc processes one job and returns the follow-up jobs it wants
// chained (spec 4.1's pipeline-without-orchestration composition).
type HandlerFunc func(ctx context.Context, job types.Job) ([]types.FollowUpJob, error)

type handlerEntry struct {
	handler HandlerFunc
	config  types.JobConfig
	limiter *rate.Limiter // nil when CooldownMs == 0
}

// Scheduler is the job scheduler. One Scheduler instance owns the entire
// job-queue key in the KV store.
type Scheduler struct {
	mu       sync.Mutex
	store    storage.KVStore
	logger   arbor.ILogger
	handlers map[string]*handlerEntry
	jobs     []types.Job

	flushPending bool
}

// New creates a Scheduler backed by store.
func New(store storage.KVStore, logger arbor.ILogger) *Scheduler {
	return &Scheduler{
		store:    store,
		logger:   logger,
		handlers: make(map[string]*handlerEntry),
	}
}

// RegisterHandler installs the handler for jobType. Exactly one handler per
// type may be registered.
func (s *Scheduler) RegisterHandler(jobType string, handler HandlerFunc, config types.JobConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.handlers[jobType]; exists {
		return fmt.Errorf("handler already registered for job type %q", jobType)
	}

	var limiter *rate.Limiter
	if config.CooldownMs > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Duration(config.CooldownMs)*time.Millisecond), 1)
	}

	s.handlers[jobType] = &handlerEntry{handler: handler, config: config, limiter: limiter}
	return nil
}

// Load restores a persisted queue snapshot, if any. Call once at startup,
// before the first ProcessPendingJobs; it does not depend on handlers being
// registered yet.
func (s *Scheduler) Load(ctx context.Context) error {
	data, found, err := s.store.Get(ctx, queueStoreKey)
	if err != nil {
		return fmt.Errorf("load job queue: %w", err)
	}
	if !found {
		return nil
	}

	var jobs []types.Job
	if err := json.Unmarshal(data, &jobs); err != nil {
		return types.NewCorruptionError("job queue snapshot", err)
	}

	s.mu.Lock()
	s.jobs = jobs
	s.mu.Unlock()
	return nil
}

// RegisterJob enqueues a job of jobType, assigning readyAt = now +
// uniform(config.ReadyInMin, config.ReadyInMax) and attempts = 0. Fails
// with an OverflowError if the queue for jobType already holds
// config.MaxJobsTotal jobs.
func (s *Scheduler) RegisterJob(jobType string, args map[string]any) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.handlers[jobType]
	if !ok {
		return "", fmt.Errorf("no handler registered for job type %q", jobType)
	}

	if entry.config.MaxJobsTotal > 0 {
		count := 0
		for _, j := range s.jobs {
			if j.Type == jobType {
				count++
			}
		}
		if count >= entry.config.MaxJobsTotal {
			return "", types.NewOverflowError(fmt.Sprintf("queue for job type %q is full (%d/%d)", jobType, count, entry.config.MaxJobsTotal))
		}
	}

	id := common.NewJobID()
	job := types.Job{
		ID:      id,
		Type:    jobType,
		Args:    args,
		Config:  entry.config,
		ReadyAt: time.Now().Add(uniformDuration(entry.config.ReadyInMin, entry.config.ReadyInMax)),
	}

	s.jobs = append(s.jobs, job)
	s.scheduleFlushLocked()
	return id, nil
}

// ProcessPendingJobs dequeues every job whose ReadyAt has elapsed,
// respecting per-type cooldown, and executes it. Follow-up jobs are
// enqueued on success; failures are classified and either dropped or
// retried with exponential backoff.
func (s *Scheduler) ProcessPendingJobs(ctx context.Context) error {
	s.mu.Lock()
	now := time.Now()
	var ready, remaining []types.Job
	for _, j := range s.jobs {
		if !j.ReadyAt.After(now) {
			ready = append(ready, j)
		} else {
			remaining = append(remaining, j)
		}
	}
	sort.SliceStable(ready, func(i, k int) bool {
		if ready[i].Config.Priority != ready[k].Config.Priority {
			return ready[i].Config.Priority > ready[k].Config.Priority
		}
		return ready[i].ReadyAt.Before(ready[k].ReadyAt)
	})
	s.jobs = remaining
	s.mu.Unlock()

	for _, job := range ready {
		s.runOne(ctx, job)
	}

	s.mu.Lock()
	s.scheduleFlushLocked()
	s.mu.Unlock()
	return nil
}

func (s *Scheduler) runOne(ctx context.Context, job types.Job) {
	s.mu.Lock()
	entry, ok := s.handlers[job.Type]
	s.mu.Unlock()
	if !ok {
		s.logger.Warn().Str("job_type", job.Type).Msg("dropping job with no registered handler")
		return
	}

	if entry.limiter != nil && !entry.limiter.Allow() {
		// Cooldown hasn't elapsed since the last start of this type; defer
		// this job, unmodified, to the next tick.
		s.mu.Lock()
		s.jobs = append(s.jobs, job)
		s.mu.Unlock()
		return
	}

	followUps, err := entry.handler(ctx, job)
	if err == nil {
		for _, fu := range followUps {
			if _, regErr := s.RegisterJob(fu.Type, fu.Args); regErr != nil {
				s.logger.Warn().Err(regErr).Str("job_type", fu.Type).Msg("failed to enqueue follow-up job")
			}
		}
		return
	}

	s.classifyAndRetry(job, entry, err)
}

func (s *Scheduler) classifyAndRetry(job types.Job, entry *handlerEntry, err error) {
	var badJob *types.BadJobError
	var permanent *types.PermanentError
	if errors.As(err, &badJob) || errors.As(err, &permanent) {
		s.logger.Warn().Str("job_type", job.Type).Err(err).Msg("dropping job")
		return
	}

	job.Attempts++
	if entry.config.MaxAttempts > 0 && job.Attempts >= entry.config.MaxAttempts {
		s.logger.Warn().Str("job_type", job.Type).Int("attempts", job.Attempts).Err(err).Msg("dropping job after exhausting retries")
		return
	}

	job.ReadyAt = time.Now().Add(exponentialBackoff(job.Attempts))
	s.logger.Debug().Str("job_type", job.Type).Int("attempts", job.Attempts).Err(err).Msg("retrying job after transient error")

	s.mu.Lock()
	s.jobs = append(s.jobs, job)
	s.mu.Unlock()
}

// scheduleFlushLocked must be called with s.mu held. It coalesces rapid
// mutations into one persisted snapshot write, flushDebounce after the
// first one in a burst.
func (s *Scheduler) scheduleFlushLocked() {
	if s.flushPending {
		return
	}
	s.flushPending = true
	time.AfterFunc(flushDebounce, s.flush)
}

func (s *Scheduler) flush() {
	s.mu.Lock()
	jobs := append([]types.Job(nil), s.jobs...)
	s.flushPending = false
	s.mu.Unlock()

	data, err := json.Marshal(jobs)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to marshal job queue snapshot")
		return
	}
	if err := s.store.Set(context.Background(), queueStoreKey, data); err != nil {
		s.logger.Error().Err(err).Msg("failed to persist job queue snapshot")
	}
}

// PendingCount returns the number of jobs currently queued, for tests and
// introspection.
func (s *Scheduler) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

func uniformDuration(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	span := int64(max - min)
	return min + time.Duration(rand.Int63n(span+1))
}

func exponentialBackoff(attempts int) time.Duration {
	d := time.Second * time.Duration(math.Pow(2, float64(attempts)))
	if d > maxBackoff {
		d = maxBackoff
	}
	jitter := time.Duration(rand.Int63n(int64(d)/4 + 1))
	return d + jitter
}
