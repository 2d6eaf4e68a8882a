package domain

import "errors"

// Sentinel errors for the scheduler's error taxonomy (see spec §7).
var (
	// ErrJobNotFound is returned when a lookup by id/name finds no row.
	ErrJobNotFound = errors.New("job not found")

	// ErrDuplicateJob is returned by the repository when a unique/single
	// constraint rejects an insert that should have upserted instead.
	ErrDuplicateJob = errors.New("job already exists")

	// ErrInvalidRecurrence is returned by the recurrence calculator when
	// repeatInterval/repeatAt cannot be parsed as cron, human interval,
	// or clock phrase.
	ErrInvalidRecurrence = errors.New("invalid recurrence expression")

	// ErrLockContentionMiss means an atomic claim found no eligible row.
	// Expected and silent; callers should not log it as an error.
	ErrLockContentionMiss = errors.New("no job available to lock")

	// ErrLockExpired means a job was claimed locally but its lock
	// deadline had already passed by dispatch time.
	ErrLockExpired = errors.New("job lock expired before dispatch")

	// ErrStaleJob means a concurrent actor (another instance, or a
	// cancel) mutated the row before this save could land.
	ErrStaleJob = errors.New("job was modified concurrently")

	// ErrBackendUnavailable wraps a transient repository/notification
	// failure.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrTokenInvalid is returned when a magic-link token is unknown,
	// already used, or expired.
	ErrTokenInvalid = errors.New("token is invalid or expired")

	// ErrNotAnOperator is returned when RequestMagicLink is called with
	// an email outside the configured operator allowlist.
	ErrNotAnOperator = errors.New("email is not a registered operator")
)
