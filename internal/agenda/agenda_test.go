package agenda_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/distsched/agenda/internal/agenda"
	"github.com/distsched/agenda/internal/clock"
	"github.com/distsched/agenda/internal/domain"
	"github.com/distsched/agenda/internal/infrastructure/memory"
	"github.com/distsched/agenda/internal/registry"
	"github.com/distsched/agenda/internal/repository"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestAgenda(t *testing.T) (*agenda.Agenda, *memory.JobRepository) {
	t.Helper()
	jobRepo := memory.NewJobRepository()
	attemptRepo := memory.NewAttemptRepository()
	a := agenda.New(jobRepo, attemptRepo, agenda.Options{
		ProcessEvery:        10 * time.Millisecond,
		DefaultConcurrency:  5,
		DefaultLockLifetime: time.Minute,
		Logger:              testLogger(),
	})
	return a, jobRepo
}

func newTestAgendaWithClock(t *testing.T, clk *clock.Fake) (*agenda.Agenda, *memory.JobRepository) {
	t.Helper()
	jobRepo := memory.NewJobRepository()
	attemptRepo := memory.NewAttemptRepository()
	a := agenda.New(jobRepo, attemptRepo, agenda.Options{
		ProcessEvery:        10 * time.Millisecond,
		DefaultConcurrency:  5,
		DefaultLockLifetime: time.Minute,
		Logger:              testLogger(),
		Clock:               clk,
	})
	return a, jobRepo
}

func TestAgenda_Now_PersistsDueImmediately(t *testing.T) {
	a, repo := newTestAgenda(t)
	a.Define("greet", func(ctx context.Context, j *registry.Job) error { return nil }, agenda.DefineOptions{})

	job, err := a.Now(context.Background(), "greet", []byte("hi"))
	require.NoError(t, err)
	require.NotNil(t, job.NextRunAt)

	saved, ok := repo.GetByID(job.ID)
	require.True(t, ok)
	require.Equal(t, "greet", saved.Name)
	require.False(t, saved.NextRunAt.After(time.Now()))
}

func TestAgenda_Schedule_ResolvesHumanInterval(t *testing.T) {
	a, _ := newTestAgenda(t)
	before := time.Now()

	job, err := a.Schedule(context.Background(), "5 minutes", "reminder", nil)
	require.NoError(t, err)
	require.NotNil(t, job.NextRunAt)
	require.True(t, job.NextRunAt.After(before.Add(4*time.Minute)))
	require.True(t, job.NextRunAt.Before(before.Add(6*time.Minute)))
}

func TestAgenda_Every_CreatesSingleRecurringJob(t *testing.T) {
	a, repo := newTestAgenda(t)

	job1, err := a.Every(context.Background(), "1 hour", "heartbeat", nil, agenda.EveryOptions{})
	require.NoError(t, err)

	job2, err := a.Every(context.Background(), "1 hour", "heartbeat", nil, agenda.EveryOptions{})
	require.NoError(t, err)

	require.Equal(t, job1.ID, job2.ID, "type=single rows dedup by name")

	_, total, err := repo.QueryJobs(context.Background(), repository.Query{Name: "heartbeat"}, repository.DefaultSort, 0, 10)
	require.NoError(t, err)
	require.Equal(t, 1, total)
}

func TestAgenda_NowOrDebounce_TrailingCoalesces(t *testing.T) {
	a, repo := newTestAgenda(t)

	d := domain.Debounce{Delay: time.Hour, Strategy: domain.DebounceTrailing}
	first, err := a.NowOrDebounce(context.Background(), "reindex", []byte("x"), d)
	require.NoError(t, err)

	second, err := a.NowOrDebounce(context.Background(), "reindex", []byte("x"), d)
	require.NoError(t, err)

	require.Equal(t, first.ID, second.ID)

	_, total, err := repo.QueryJobs(context.Background(), repository.Query{Name: "reindex"}, repository.DefaultSort, 0, 10)
	require.NoError(t, err)
	require.Equal(t, 1, total, "trailing debounce must not create a second row")
}

func TestAgenda_NowOrDebounce_TrailingRespectsMaxWait(t *testing.T) {
	a, _ := newTestAgenda(t)

	d := domain.Debounce{Delay: time.Hour, MaxWait: time.Minute, Strategy: domain.DebounceTrailing}
	before := time.Now()
	job, err := a.NowOrDebounce(context.Background(), "capped", nil, d)
	require.NoError(t, err)

	require.True(t, job.NextRunAt.Before(before.Add(2*time.Minute)), "maxWait must cap the trailing delay")
}

func TestAgenda_NowOrDebounce_LeadingFiresFirstCallImmediately(t *testing.T) {
	a, _ := newTestAgenda(t)

	d := domain.Debounce{Delay: time.Hour, Strategy: domain.DebounceLeading}
	before := time.Now()
	job, err := a.NowOrDebounce(context.Background(), "leading-key", nil, d)
	require.NoError(t, err)

	require.False(t, job.NextRunAt.After(before.Add(time.Second)), "leading debounce fires the first call immediately")
}

func TestAgenda_NowOrDebounce_TrailingStateExpiresAfterFire(t *testing.T) {
	clk := clock.NewFake(time.Now())
	a, _ := newTestAgendaWithClock(t, clk)

	d := domain.Debounce{Delay: time.Minute, Strategy: domain.DebounceTrailing}
	first, err := a.NowOrDebounce(context.Background(), "reindex", []byte("x"), d)
	require.NoError(t, err)

	clk.Advance(2 * time.Minute)

	second, err := a.NowOrDebounce(context.Background(), "reindex", []byte("x"), d)
	require.NoError(t, err)

	require.Equal(t, first.ID, second.ID, "debounce always targets the same unique row")
	require.False(t, second.NextRunAt.Before(clk.Now()), "a burst started after the previous quiet window closed must not be created already overdue")
	require.True(t, second.NextRunAt.Before(clk.Now().Add(2*time.Minute)), "stale firstEnqueuedAt must not leak into the new burst's maxWait cap")
}

func TestAgenda_Schedule_ResolvesLiteralNow(t *testing.T) {
	a, _ := newTestAgenda(t)
	before := time.Now()

	job, err := a.Schedule(context.Background(), "now", "ping", nil)
	require.NoError(t, err)
	require.NotNil(t, job.NextRunAt)
	require.False(t, job.NextRunAt.Before(before))
	require.False(t, job.NextRunAt.After(time.Now()))
}

func TestAgenda_Drain_WaitsForRunningJobs(t *testing.T) {
	a, _ := newTestAgenda(t)

	release := make(chan struct{})
	started := make(chan struct{})
	a.Define("slow", func(ctx context.Context, j *registry.Job) error {
		close(started)
		<-release
		return nil
	}, agenda.DefineOptions{})

	_, err := a.Now(context.Background(), "slow", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Start(ctx))

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never started")
	}

	done := make(chan agenda.DrainResult, 1)
	go func() {
		close(release)
		done <- a.Drain(agenda.DrainOptions{Timeout: 2 * time.Second})
	}()

	result := <-done
	require.True(t, result.Completed)
	require.False(t, result.TimedOut)
}
