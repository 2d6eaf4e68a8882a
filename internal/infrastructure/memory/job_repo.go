// Package memory implements repository.JobRepository and
// repository.AttemptRepository entirely in process memory, grounded on
// the same claim semantics as the postgres backend's FOR UPDATE SKIP
// LOCKED queries, but guarded by a mutex instead of row locks. Intended
// for tests, local development, and single-instance library use
// without a database.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/distsched/agenda/internal/domain"
	"github.com/distsched/agenda/internal/repository"
	"github.com/google/uuid"
)

// JobRepository is an in-memory, single-process JobRepository. All
// methods are safe for concurrent use.
type JobRepository struct {
	mu   sync.Mutex
	jobs map[string]*domain.Job
}

// NewJobRepository returns an empty in-memory repository.
func NewJobRepository() *JobRepository {
	return &JobRepository{jobs: make(map[string]*domain.Job)}
}

func clone(j *domain.Job) *domain.Job {
	cp := *j
	return &cp
}

// SaveJob implements the upsert rules from spec §4.3: TypeSingle
// dedups by name, Unique dedups by name+Unique, respecting InsertOnly;
// otherwise always inserts a new row.
func (r *JobRepository) SaveJob(ctx context.Context, job *domain.Job) (*domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()

	if job.Type == domain.TypeSingle {
		for _, existing := range r.jobs {
			if existing.Name == job.Name && existing.Type == domain.TypeSingle {
				if job.InsertOnly {
					return clone(existing), nil
				}
				return r.overwrite(existing, job, now), nil
			}
		}
	} else if job.Unique != "" {
		for _, existing := range r.jobs {
			if existing.Name == job.Name && existing.Unique == job.Unique {
				if job.InsertOnly {
					return clone(existing), nil
				}
				return r.overwrite(existing, job, now), nil
			}
		}
	}

	cp := clone(job)
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	cp.CreatedAt = now
	cp.UpdatedAt = now
	r.jobs[cp.ID] = cp
	return clone(cp), nil
}

func (r *JobRepository) overwrite(existing, incoming *domain.Job, now time.Time) *domain.Job {
	cp := clone(incoming)
	cp.ID = existing.ID
	cp.CreatedAt = existing.CreatedAt
	cp.UpdatedAt = now
	r.jobs[cp.ID] = cp
	return clone(cp)
}

// GetNextJobToRun claims one eligible row for name, matching the same
// predicate the postgres backend applies under FOR UPDATE SKIP LOCKED.
func (r *JobRepository) GetNextJobToRun(ctx context.Context, name string, nextScanAt, lockDeadline, now time.Time) (*domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var candidates []*domain.Job
	for _, j := range r.jobs {
		if j.Name != name || j.Disabled {
			continue
		}
		eligible := (j.LockedAt == nil && j.NextRunAt != nil && !j.NextRunAt.After(nextScanAt)) ||
			(j.LockedAt != nil && !j.LockedAt.After(lockDeadline))
		if eligible {
			candidates = append(candidates, j)
		}
	}
	if len(candidates) == 0 {
		return nil, domain.ErrLockContentionMiss
	}

	sort.Slice(candidates, func(i, k int) bool {
		if candidates[i].Priority != candidates[k].Priority {
			return candidates[i].Priority > candidates[k].Priority
		}
		return candidates[i].NextRunAt.Before(*candidates[k].NextRunAt)
	})

	claimed := candidates[0]
	claimed.LockedAt = &now
	claimed.LastRunAt = &now
	return clone(claimed), nil
}

// LockJobByID is the conditional push-flow claim: it only succeeds if
// the row is still unlocked and nextRunAt hasn't moved since the
// caller observed it.
func (r *JobRepository) LockJobByID(ctx context.Context, id string, expectedNextRunAt time.Time, now time.Time) (*domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[id]
	if !ok {
		return nil, domain.ErrLockContentionMiss
	}
	if j.LockedAt != nil || j.Disabled {
		return nil, domain.ErrLockContentionMiss
	}
	if j.NextRunAt == nil || !j.NextRunAt.Equal(expectedNextRunAt) {
		return nil, domain.ErrLockContentionMiss
	}

	j.LockedAt = &now
	j.LastRunAt = &now
	return clone(j), nil
}

// UnlockJobs clears lockedAt for the given ids whose nextRunAt is still
// non-null.
func (r *JobRepository) UnlockJobs(ctx context.Context, ids []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		if j, ok := r.jobs[id]; ok && j.NextRunAt != nil {
			j.LockedAt = nil
		}
	}
	return nil
}

// SaveJobState persists the lifecycle fields the executor mutates
// after a run. Returns ErrStaleJob if the row no longer exists.
func (r *JobRepository) SaveJobState(ctx context.Context, job *domain.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.jobs[job.ID]
	if !ok {
		return domain.ErrStaleJob
	}

	existing.LastRunAt = job.LastRunAt
	existing.LastFinishedAt = job.LastFinishedAt
	existing.FailedAt = job.FailedAt
	existing.FailCount = job.FailCount
	existing.FailReason = job.FailReason
	existing.LockedAt = job.LockedAt
	existing.NextRunAt = job.NextRunAt
	existing.Result = job.Result
	existing.Progress = job.Progress
	existing.UpdatedAt = time.Now()
	return nil
}

// Cancel deletes every row matching q, returning the count removed.
func (r *JobRepository) Cancel(ctx context.Context, q repository.Query) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for id, j := range r.jobs {
		if matches(j, q) {
			delete(r.jobs, id)
			n++
		}
	}
	return n, nil
}

// Purge deletes rows whose name is not in definedNames.
func (r *JobRepository) Purge(ctx context.Context, definedNames []string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	defined := make(map[string]bool, len(definedNames))
	for _, n := range definedNames {
		defined[n] = true
	}

	n := 0
	for id, j := range r.jobs {
		if !defined[j.Name] {
			delete(r.jobs, id)
			n++
		}
	}
	return n, nil
}

// SetDisabled toggles the disabled flag for rows matching q.
func (r *JobRepository) SetDisabled(ctx context.Context, q repository.Query, disabled bool) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, j := range r.jobs {
		if matches(j, q) {
			j.Disabled = disabled
			n++
		}
	}
	return n, nil
}

// QueryJobs returns a sorted, paginated slice of jobs matching filter.
func (r *JobRepository) QueryJobs(ctx context.Context, filter repository.Query, sortBy repository.Sort, skip, limit int) ([]*domain.Job, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var matched []*domain.Job
	for _, j := range r.jobs {
		if matches(j, filter) {
			matched = append(matched, clone(j))
		}
	}

	sort.Slice(matched, func(i, k int) bool {
		less := lessBy(matched[i], matched[k], sortBy.Field)
		if sortBy.Desc {
			return !less
		}
		return less
	})

	total := len(matched)
	if skip > total {
		skip = total
	}
	end := skip + limit
	if limit <= 0 || end > total {
		end = total
	}
	return matched[skip:end], total, nil
}

func lessBy(a, b *domain.Job, field string) bool {
	switch field {
	case "priority":
		return a.Priority < b.Priority
	case "createdAt":
		return a.CreatedAt.Before(b.CreatedAt)
	default: // "nextRunAt"
		if a.NextRunAt == nil {
			return false
		}
		if b.NextRunAt == nil {
			return true
		}
		return a.NextRunAt.Before(*b.NextRunAt)
	}
}

// GetJobsOverview returns per-name derived-state counters.
func (r *JobRepository) GetJobsOverview(ctx context.Context, now time.Time) ([]domain.Overview, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	byName := make(map[string]*domain.Overview)
	for _, j := range r.jobs {
		ov, ok := byName[j.Name]
		if !ok {
			ov = &domain.Overview{Name: j.Name}
			byName[j.Name] = ov
		}
		switch domain.DerivedState(j, now) {
		case domain.StateScheduled:
			ov.Scheduled++
		case domain.StateQueued:
			ov.Queued++
		case domain.StateRunning:
			ov.Running++
		case domain.StateCompleted:
			ov.Completed++
		case domain.StateFailed:
			ov.Failed++
		}
	}

	out := make([]domain.Overview, 0, len(byName))
	for _, ov := range byName {
		out = append(out, *ov)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out, nil
}

func matches(j *domain.Job, q repository.Query) bool {
	if q.Name != "" && j.Name != q.Name {
		return false
	}
	if len(q.IDs) > 0 {
		found := false
		for _, id := range q.IDs {
			if j.ID == id {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// GetByID is a test/debug convenience not required by the
// repository.JobRepository interface.
func (r *JobRepository) GetByID(id string) (*domain.Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return nil, false
	}
	return clone(j), true
}
