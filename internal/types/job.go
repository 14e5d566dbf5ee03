package types

import "time"

// JobConfig controls how a registered job type is scheduled, retried, and
// capped. One JobConfig is supplied per call to RegisterHandler and reused
// for every job of that type.
type JobConfig struct {
	Priority     int           // higher runs first
	ReadyInMin   time.Duration // lower bound of the uniform jitter applied to ReadyAt
	ReadyInMax   time.Duration // upper bound of the uniform jitter applied to ReadyAt
	CooldownMs   int64         // minimum wall-clock gap between starts of same-type jobs
	MaxJobsTotal int           // queue depth cap for this type; 0 means unbounded
	MaxAttempts  int           // attempts cap before a failing job is dropped; 0 means unbounded
}

// Job is a persisted unit of work. The queue is a set ordered by
// (priority desc, readyAt asc).
type Job struct {
	ID       string
	Type     string
	Args     map[string]any
	Config   JobConfig
	ReadyAt  time.Time
	Attempts int
}

// FollowUpJob is what a handler returns to chain a pipeline without central
// orchestration: {type, args}.
type FollowUpJob struct {
	Type string
	Args map[string]any
}
