// Package repository defines the storage and pub/sub contracts the
// scheduler depends on. Concrete backends (postgres, in-memory, redis)
// live in sibling packages; the scheduler, executor and orchestrator
// only ever see these interfaces.
package repository

import (
	"context"
	"time"

	"github.com/distsched/agenda/internal/domain"
)

// JobRepository is the persistent store contract from spec §4.3. Every
// operation must be atomic with respect to concurrent callers across
// instances; the backend row is the only cross-instance shared state
// in the whole system.
type JobRepository interface {
	// SaveJob upserts honoring job.Type == TypeSingle (key: name),
	// job.Unique (key: query fragment + name, respecting InsertOnly),
	// else inserts a new row. Returns the canonicalized row with its
	// assigned ID.
	SaveJob(ctx context.Context, job *domain.Job) (*domain.Job, error)

	// GetNextJobToRun atomically selects and locks ONE row matching
	//   name = N AND disabled != true AND
	//   ((lockedAt IS NULL AND nextRunAt <= nextScanAt) OR lockedAt <= lockDeadline)
	// ordered by (priority DESC, nextRunAt ASC). Returns
	// ErrLockContentionMiss if nothing matched.
	GetNextJobToRun(ctx context.Context, name string, nextScanAt, lockDeadline, now time.Time) (*domain.Job, error)

	// LockJobByID is the atomic conditional lock used by the push flow.
	// It only succeeds if the row is still unlocked and its nextRunAt
	// still equals expectedNextRunAt. Returns ErrLockContentionMiss
	// otherwise.
	LockJobByID(ctx context.Context, id string, expectedNextRunAt time.Time, now time.Time) (*domain.Job, error)

	// UnlockJobs clears lockedAt for the given ids whose nextRunAt is
	// still non-null. Best-effort; errors are logged, not fatal.
	UnlockJobs(ctx context.Context, ids []string) error

	// SaveJobState updates only the lifecycle fields mutated by a run:
	// lastRunAt, lastFinishedAt, failedAt, failCount, failReason,
	// lockedAt, nextRunAt, result, progress. Returns ErrStaleJob if the
	// row was concurrently cancelled/removed.
	SaveJobState(ctx context.Context, job *domain.Job) error

	// Cancel deletes rows matching the query and returns the count
	// removed. Idempotent: calling twice yields 0 the second time.
	Cancel(ctx context.Context, q Query) (int, error)

	// Purge deletes rows whose name is not in definedNames.
	Purge(ctx context.Context, definedNames []string) (int, error)

	// SetDisabled toggles the disabled flag for rows matching q.
	SetDisabled(ctx context.Context, q Query, disabled bool) (int, error)

	// QueryJobs returns a page of jobs matching filter, plus the total
	// matching count (ignoring skip/limit).
	QueryJobs(ctx context.Context, filter Query, sort Sort, skip, limit int) ([]*domain.Job, int, error)

	// GetJobsOverview returns per-name derived-state counters.
	GetJobsOverview(ctx context.Context, now time.Time) ([]domain.Overview, error)
}

// Query selects jobs by name and/or id; zero value matches everything.
type Query struct {
	Name string
	IDs  []string
}

// Sort is the tiebreak ordering applied by QueryJobs and claim queries.
type Sort struct {
	Field string // "nextRunAt" | "priority" | "createdAt"
	Desc  bool
}

// DefaultSort matches spec §6's default: (nextRunAt asc, priority desc).
var DefaultSort = Sort{Field: "nextRunAt", Desc: false}
