// Package maintenance wires the periodic background cycles every pipeline
// needs: the slow-cadence refreshes (quorum config, country, whitelist CDN,
// token/key clean, block-list prune) share one cron-scheduled tick, and the
// fast-cadence cycles (job-queue draining, token/key send, request-item
// buffer draining) run on plain interval tickers.
//
// Grounded on the teacher's internal/services/scheduler/scheduler_service.go
// robfig/cron wiring (one *cron.Cron, named jobs, panic recovery around each
// handler) — generalized from the teacher's single legacy collection task to
// this system's several independent cycles, and split cron/ticker to match
// internal/common.Config's SchedulerConfig (one MaintenanceSchedule cron
// expression for the slow cycles, plain duration strings for the rest).
package maintenance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/whotracksme/webextension-packages-sub000/internal/common"
)

// Scheduler owns the cron instance and the interval tickers every
// background cycle runs on.
type Scheduler struct {
	cron   *cron.Cron
	logger arbor.ILogger

	mu      sync.Mutex
	tickers []*tickerJob
}

type tickerJob struct {
	name string
	stop chan struct{}
	done chan struct{}
}

// New creates a Scheduler. The cron parser is seconds-enabled (6-field
// expressions), matching internal/common.ValidateMaintenanceSchedule.
func New(logger arbor.ILogger) *Scheduler {
	return &Scheduler{cron: cron.New(cron.WithSeconds()), logger: logger}
}

// Start begins running every registered cycle.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the cron scheduler and every ticker, waiting for in-flight
// work to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()

	s.mu.Lock()
	jobs := s.tickers
	s.tickers = nil
	s.mu.Unlock()

	for _, j := range jobs {
		close(j.stop)
		<-j.done
	}
}

func (s *Scheduler) recoverPanic(name string) {
	if r := recover(); r != nil {
		s.logger.Error().Str("cycle", name).Str("panic", fmt.Sprintf("%v", r)).Msg("panic recovered in maintenance cycle")
	}
}

// AddCronJob registers fn under schedule (a standard cron expression,
// 6-field seconds form), wrapped with panic recovery.
func (s *Scheduler) AddCronJob(name, schedule string, fn func()) error {
	wrapped := func() {
		defer s.recoverPanic(name)
		fn()
	}
	_, err := s.cron.AddFunc(schedule, wrapped)
	if err != nil {
		return fmt.Errorf("maintenance: register cron job %q: %w", name, err)
	}
	return nil
}

// AddTicker runs fn every interval on its own goroutine until Stop is
// called; the first call comes one interval after registration. The goroutine itself is
// spawned through common.SafeGo so a panic escaping the per-tick recovery
// below (e.g. from the ticker machinery rather than fn) is still logged
// instead of silently killing the loop.
func (s *Scheduler) AddTicker(name string, interval time.Duration, fn func()) {
	job := &tickerJob{name: name, stop: make(chan struct{}), done: make(chan struct{})}
	s.mu.Lock()
	s.tickers = append(s.tickers, job)
	s.mu.Unlock()

	common.SafeGo(s.logger, name, func() {
		defer close(job.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-job.stop:
				return
			case <-ticker.C:
				func() {
					defer s.recoverPanic(name)
					fn()
				}()
			}
		}
	})
}

// MaintenanceCycle groups the slow-cadence refreshes one cron tick runs in
// sequence: quorum config TTL refresh, country refresh, whitelist CDN
// refresh, token/key clean cycles, and block-list pruning. Any step's
// error is logged and does not stop the remaining steps.
type MaintenanceCycle struct {
	Name string
	Run  func(ctx context.Context) error
}

// RegisterMaintenanceCycle installs steps as one cron job on schedule,
// running each step's Run in order and logging (not propagating) any
// individual failure.
func (s *Scheduler) RegisterMaintenanceCycle(ctx context.Context, schedule string, steps ...MaintenanceCycle) error {
	return s.AddCronJob("maintenance-cycle", schedule, func() {
		for _, step := range steps {
			if err := step.Run(ctx); err != nil {
				s.logger.Warn().Err(err).Str("step", step.Name).Msg("maintenance cycle step failed")
			}
		}
	})
}
