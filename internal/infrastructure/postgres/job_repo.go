package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/distsched/agenda/internal/domain"
	"github.com/distsched/agenda/internal/repository"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// wrapErr annotates a repository failure with op, and classifies
// connection-level/transient postgres errors (class 08 SQLSTATE codes,
// a cancelled or deadline-exceeded context) as domain.ErrBackendUnavailable
// so callers can distinguish "try again" from a real data error.
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	transient := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if errors.As(err, &pgErr) && strings.HasPrefix(pgErr.Code, "08") {
		transient = true
	}
	if transient {
		return fmt.Errorf("%s: %w: %w", op, domain.ErrBackendUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

const jobColumns = `
	id, name, type, priority, data, next_run_at, last_run_at, last_finished_at,
	failed_at, locked_at, fail_count, fail_reason, repeat_interval,
	repeat_timezone, repeat_at, start_date, end_date, skip_days, disabled,
	unique_key, insert_only, should_save_result, result, progress,
	last_modified_by, created_at, updated_at`

// JobRepository is the Postgres-backed repository.JobRepository,
// claiming rows with SELECT ... FOR UPDATE SKIP LOCKED so concurrent
// instances never double-dispatch the same row.
type JobRepository struct {
	pool *pgxpool.Pool
}

// NewJobRepository wraps an open pool.
func NewJobRepository(pool *pgxpool.Pool) *JobRepository {
	return &JobRepository{pool: pool}
}

// SaveJob upserts honoring type=single (key: name) and unique (key:
// name+unique_key), else inserts a new row.
func (r *JobRepository) SaveJob(ctx context.Context, job *domain.Job) (*domain.Job, error) {
	id := job.ID
	if id == "" {
		id = uuid.NewString()
	}

	var conflictTarget string
	switch {
	case job.Type == domain.TypeSingle:
		conflictTarget = "(name) WHERE type = 'single'"
	case job.Unique != "":
		conflictTarget = "(name, unique_key) WHERE unique_key IS NOT NULL"
	}

	var query string
	if conflictTarget == "" {
		query = fmt.Sprintf(`
			INSERT INTO jobs (%s)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,NOW(),NOW())
			RETURNING %s`, jobColumns, jobColumns)
	} else if job.InsertOnly {
		query = fmt.Sprintf(`
			INSERT INTO jobs (%s)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,NOW(),NOW())
			ON CONFLICT %s DO UPDATE SET name = jobs.name
			RETURNING %s`, jobColumns, conflictTarget, jobColumns)
	} else {
		query = fmt.Sprintf(`
			INSERT INTO jobs (%s)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,NOW(),NOW())
			ON CONFLICT %s DO UPDATE SET
				priority = EXCLUDED.priority, data = EXCLUDED.data,
				next_run_at = EXCLUDED.next_run_at, repeat_interval = EXCLUDED.repeat_interval,
				repeat_timezone = EXCLUDED.repeat_timezone, repeat_at = EXCLUDED.repeat_at,
				start_date = EXCLUDED.start_date, end_date = EXCLUDED.end_date,
				skip_days = EXCLUDED.skip_days, disabled = EXCLUDED.disabled,
				last_modified_by = EXCLUDED.last_modified_by, updated_at = NOW()
			RETURNING %s`, jobColumns, conflictTarget, jobColumns)
	}

	var uniqueKey *string
	if job.Unique != "" {
		uniqueKey = &job.Unique
	}

	row := r.pool.QueryRow(ctx, query,
		id, job.Name, string(job.Type), job.Priority, job.Data, job.NextRunAt, job.LastRunAt,
		job.LastFinishedAt, job.FailedAt, job.LockedAt, job.FailCount, job.FailReason,
		job.RepeatInterval, job.RepeatTimezone, job.RepeatAt, job.StartDate, job.EndDate,
		job.SkipDays, job.Disabled, uniqueKey, job.InsertOnly, job.ShouldSaveResult,
		job.Result, job.Progress, job.LastModifiedBy,
	)

	saved, err := scanJob(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, domain.ErrDuplicateJob
		}
		return nil, err
	}
	return saved, nil
}

// GetNextJobToRun atomically claims one eligible row for name.
func (r *JobRepository) GetNextJobToRun(ctx context.Context, name string, nextScanAt, lockDeadline, now time.Time) (*domain.Job, error) {
	query := fmt.Sprintf(`
		UPDATE jobs SET locked_at = $4, last_run_at = $4, updated_at = $4
		WHERE id = (
			SELECT id FROM jobs
			WHERE name = $1 AND disabled = FALSE
			  AND ((locked_at IS NULL AND next_run_at <= $2) OR locked_at <= $3)
			ORDER BY priority DESC, next_run_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING %s`, jobColumns)

	row := r.pool.QueryRow(ctx, query, name, nextScanAt, lockDeadline, now)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			return nil, domain.ErrLockContentionMiss
		}
		return nil, err
	}
	return job, nil
}

// LockJobByID is the conditional push-flow claim.
func (r *JobRepository) LockJobByID(ctx context.Context, id string, expectedNextRunAt time.Time, now time.Time) (*domain.Job, error) {
	query := fmt.Sprintf(`
		UPDATE jobs SET locked_at = $3, last_run_at = $3, updated_at = $3
		WHERE id = $1 AND locked_at IS NULL AND disabled = FALSE AND next_run_at = $2
		RETURNING %s`, jobColumns)

	row := r.pool.QueryRow(ctx, query, id, expectedNextRunAt, now)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			return nil, domain.ErrLockContentionMiss
		}
		return nil, err
	}
	return job, nil
}

// UnlockJobs clears locked_at for the given ids whose next_run_at is
// still non-null.
func (r *JobRepository) UnlockJobs(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.pool.Exec(ctx,
		`UPDATE jobs SET locked_at = NULL, updated_at = NOW() WHERE id = ANY($1) AND next_run_at IS NOT NULL`,
		ids)
	if err != nil {
		return wrapErr("unlock jobs", err)
	}
	return nil
}

// SaveJobState persists the lifecycle fields mutated by a run.
func (r *JobRepository) SaveJobState(ctx context.Context, job *domain.Job) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE jobs SET
			last_run_at = $2, last_finished_at = $3, failed_at = $4,
			fail_count = $5, fail_reason = $6, locked_at = $7, next_run_at = $8,
			result = $9, progress = $10, updated_at = NOW()
		WHERE id = $1`,
		job.ID, job.LastRunAt, job.LastFinishedAt, job.FailedAt,
		job.FailCount, job.FailReason, job.LockedAt, job.NextRunAt,
		job.Result, job.Progress,
	)
	if err != nil {
		return wrapErr("save job state", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrStaleJob
	}
	return nil
}

// Cancel deletes rows matching q.
func (r *JobRepository) Cancel(ctx context.Context, q repository.Query) (int, error) {
	where, args := whereClause(q)
	tag, err := r.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM jobs WHERE %s`, where), args...)
	if err != nil {
		return 0, wrapErr("cancel jobs", err)
	}
	return int(tag.RowsAffected()), nil
}

// Purge deletes rows whose name is not in definedNames.
func (r *JobRepository) Purge(ctx context.Context, definedNames []string) (int, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM jobs WHERE NOT (name = ANY($1))`, definedNames)
	if err != nil {
		return 0, wrapErr("purge jobs", err)
	}
	return int(tag.RowsAffected()), nil
}

// SetDisabled toggles the disabled flag for rows matching q.
func (r *JobRepository) SetDisabled(ctx context.Context, q repository.Query, disabled bool) (int, error) {
	where, args := whereClause(q)
	args = append(args, disabled)
	tag, err := r.pool.Exec(ctx, fmt.Sprintf(`UPDATE jobs SET disabled = $%d, updated_at = NOW() WHERE %s`, len(args), where), args...)
	if err != nil {
		return 0, wrapErr("set disabled", err)
	}
	return int(tag.RowsAffected()), nil
}

// QueryJobs returns a page of jobs matching filter, plus the total
// matching count.
func (r *JobRepository) QueryJobs(ctx context.Context, filter repository.Query, sortBy repository.Sort, skip, limit int) ([]*domain.Job, int, error) {
	where, args := whereClause(filter)

	var total int
	if err := r.pool.QueryRow(ctx, fmt.Sprintf(`SELECT count(*) FROM jobs WHERE %s`, where), args...).Scan(&total); err != nil {
		return nil, 0, wrapErr("count jobs", err)
	}

	col := sortColumn(sortBy.Field)
	dir := "ASC"
	if sortBy.Desc {
		dir = "DESC"
	}
	args = append(args, limit, skip)
	query := fmt.Sprintf(`
		SELECT %s FROM jobs WHERE %s
		ORDER BY %s %s
		LIMIT $%d OFFSET $%d`, jobColumns, where, col, dir, len(args)-1, len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, wrapErr("query jobs", err)
	}
	defer rows.Close()

	var jobs []*domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, 0, err
		}
		jobs = append(jobs, j)
	}
	return jobs, total, nil
}

// GetJobsOverview returns per-name derived-state counters. The
// derivation itself mirrors domain.DerivedState so backends never
// disagree with the library's own state machine.
func (r *JobRepository) GetJobsOverview(ctx context.Context, now time.Time) ([]domain.Overview, error) {
	rows, err := r.pool.Query(ctx, fmt.Sprintf(`SELECT %s FROM jobs`, jobColumns))
	if err != nil {
		return nil, wrapErr("overview scan", err)
	}
	defer rows.Close()

	byName := make(map[string]*domain.Overview)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
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
	return out, nil
}

func sortColumn(field string) string {
	switch field {
	case "priority":
		return "priority"
	case "createdAt":
		return "created_at"
	default:
		return "next_run_at"
	}
}

func whereClause(q repository.Query) (string, []any) {
	where := "TRUE"
	args := []any{}
	if q.Name != "" {
		args = append(args, q.Name)
		where += fmt.Sprintf(" AND name = $%d", len(args))
	}
	if len(q.IDs) > 0 {
		args = append(args, q.IDs)
		where += fmt.Sprintf(" AND id = ANY($%d)", len(args))
	}
	return where, args
}

// rowScanner is implemented by both pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*domain.Job, error) {
	var j domain.Job
	var jobType string
	var uniqueKey *string

	err := row.Scan(
		&j.ID, &j.Name, &jobType, &j.Priority, &j.Data, &j.NextRunAt, &j.LastRunAt,
		&j.LastFinishedAt, &j.FailedAt, &j.LockedAt, &j.FailCount, &j.FailReason,
		&j.RepeatInterval, &j.RepeatTimezone, &j.RepeatAt, &j.StartDate, &j.EndDate,
		&j.SkipDays, &j.Disabled, &uniqueKey, &j.InsertOnly, &j.ShouldSaveResult,
		&j.Result, &j.Progress, &j.LastModifiedBy, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, wrapErr("scan job", err)
	}

	j.Type = domain.Type(jobType)
	if uniqueKey != nil {
		j.Unique = *uniqueKey
	}
	return &j, nil
}
