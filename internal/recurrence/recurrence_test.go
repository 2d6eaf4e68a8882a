package recurrence_test

import (
	"testing"
	"time"

	"github.com/distsched/agenda/internal/domain"
	"github.com/distsched/agenda/internal/recurrence"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeNextRunAt_CronAcrossTimezones(t *testing.T) {
	calc := recurrence.New()
	lastRun := time.Date(2015, 1, 1, 6, 0, 0, 0, time.UTC)

	job := &domain.Job{
		RepeatInterval: "0 6 * * *",
		RepeatTimezone: "GMT",
		LastRunAt:      &lastRun,
	}

	next, err := calc.ComputeNextRunAt(job, lastRun)
	require.NoError(t, err)
	require.NotNil(t, next)

	assert.Equal(t, 6, next.UTC().Hour())
	assert.Equal(t, 2, next.UTC().Day())
}

func TestComputeNextRunAt_HumanIntervalFirstFireIsReference(t *testing.T) {
	calc := recurrence.New()
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	job := &domain.Job{RepeatInterval: "5 seconds"}

	next, err := calc.ComputeNextRunAt(job, now)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.True(t, next.Equal(now))
}

func TestComputeNextRunAt_HumanIntervalSubsequentFire(t *testing.T) {
	calc := recurrence.New()
	lastRun := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	job := &domain.Job{RepeatInterval: "5 seconds", LastRunAt: &lastRun}

	next, err := calc.ComputeNextRunAt(job, lastRun.Add(5*time.Second))
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, lastRun.Add(5*time.Second), *next)
}

func TestComputeNextRunAt_EndDateTerminates(t *testing.T) {
	calc := recurrence.New()
	lastRun := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	end := lastRun.Add(2 * time.Second)

	job := &domain.Job{RepeatInterval: "5 seconds", LastRunAt: &lastRun, EndDate: &end}

	next, err := calc.ComputeNextRunAt(job, lastRun)
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestComputeNextRunAt_RepeatAtTomorrowWhenEqualToLastRun(t *testing.T) {
	calc := recurrence.New()
	now := time.Date(2026, 8, 1, 15, 30, 0, 0, time.UTC)

	job := &domain.Job{RepeatAt: "3:30pm", LastRunAt: &now}

	next, err := calc.ComputeNextRunAt(job, now)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, now.AddDate(0, 0, 1), *next)
}

func TestComputeNextRunAt_InvalidRecurrenceIsCategorical(t *testing.T) {
	calc := recurrence.New()
	job := &domain.Job{RepeatInterval: "not a schedule !!"}

	_, err := calc.ComputeNextRunAt(job, time.Now())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidRecurrence)
}

func TestComputeNextRunAt_OneShotLeavesNextRunAtUnchanged(t *testing.T) {
	calc := recurrence.New()
	existing := time.Date(2026, 8, 2, 0, 0, 0, 0, time.UTC)
	job := &domain.Job{NextRunAt: &existing}

	next, err := calc.ComputeNextRunAt(job, time.Now())
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, existing, *next)
}

func TestComputeNextRunAt_MonotonicAcrossConsecutiveFires(t *testing.T) {
	calc := recurrence.New()
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	job := &domain.Job{RepeatInterval: "* * * * *"}
	r1, err := calc.ComputeNextRunAt(job, now)
	require.NoError(t, err)
	require.NotNil(t, r1)

	job.LastRunAt = r1
	job.NextRunAt = r1
	r2, err := calc.ComputeNextRunAt(job, *r1)
	require.NoError(t, err)
	require.NotNil(t, r2)

	assert.True(t, r2.After(*job.LastRunAt))
}
