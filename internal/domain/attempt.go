package domain

import "time"

// JobAttempt is an observability-only record of one run of a Job. It is
// additive to the spec's data model: scheduling decisions never consult
// it, only the Job row's own lastRunAt/failCount/etc. do.
type JobAttempt struct {
	ID          string
	JobID       string
	AttemptNum  int
	InstanceID  string
	StartedAt   time.Time
	CompletedAt *time.Time
	Succeeded   *bool
	Error       string
	DurationMS  *int64
}
