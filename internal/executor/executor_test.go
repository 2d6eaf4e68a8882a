package executor_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/distsched/agenda/internal/clock"
	"github.com/distsched/agenda/internal/domain"
	"github.com/distsched/agenda/internal/executor"
	"github.com/distsched/agenda/internal/infrastructure/memory"
	"github.com/distsched/agenda/internal/observer"
	"github.com/distsched/agenda/internal/queue"
	"github.com/distsched/agenda/internal/recurrence"
	"github.com/distsched/agenda/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestExecutor(concurrency int) (*executor.Executor, *memory.JobRepository, *registry.Registry, *queue.PriorityJobQueue, chan struct{}) {
	repo := memory.NewJobRepository()
	reg := registry.New(concurrency, 0, time.Minute)
	q := queue.New()
	obs := observer.New()
	clk := clock.NewFake(time.Now())
	wake := make(chan struct{}, 1)

	ex := executor.New(repo, nil, reg, recurrence.New(), q, obs, clk, testLogger(), wake, executor.Options{
		MaxConcurrency: concurrency,
		InstanceName:   "test",
	})
	return ex, repo, reg, q, wake
}

func TestExecutor_RunsHandlerAndMarksSuccess(t *testing.T) {
	ex, repo, reg, q, wake := newTestExecutor(1)

	var ran int32
	reg.Define("job.one", func(ctx context.Context, j *registry.Job) error {
		atomic.AddInt32(&ran, 1)
		return nil
	}, registry.Options{})

	job := &domain.Job{ID: "1", Name: "job.one"}
	saved, err := repo.SaveJob(context.Background(), job)
	require.NoError(t, err)
	q.Insert(saved)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ex.Start(ctx)
	wake <- struct{}{}

	require.Eventually(t, func() bool { return atomic.LoadInt32(&ran) == 1 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool {
		got, ok := repo.GetByID("1")
		return ok && got.LastFinishedAt != nil && got.FailCount == 0
	}, time.Second, time.Millisecond)
}

func TestExecutor_ConcurrencyLimitRespected(t *testing.T) {
	ex, repo, reg, q, wake := newTestExecutor(1)

	release := make(chan struct{})
	var concurrent int32
	var maxConcurrent int32
	reg.Define("job.block", func(ctx context.Context, j *registry.Job) error {
		n := atomic.AddInt32(&concurrent, 1)
		for {
			old := atomic.LoadInt32(&maxConcurrent)
			if n <= old || atomic.CompareAndSwapInt32(&maxConcurrent, old, n) {
				break
			}
		}
		<-release
		atomic.AddInt32(&concurrent, -1)
		return nil
	}, registry.Options{})

	for i := 0; i < 3; i++ {
		job := &domain.Job{ID: string(rune('a' + i)), Name: "job.block"}
		saved, err := repo.SaveJob(context.Background(), job)
		require.NoError(t, err)
		q.Insert(saved)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ex.Start(ctx)
	wake <- struct{}{}

	require.Eventually(t, func() bool { return atomic.LoadInt32(&concurrent) >= 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.LessOrEqual(t, int(atomic.LoadInt32(&maxConcurrent)), 1)
	close(release)
}

func TestExecutor_FailureSetsFailCountAndFailReason(t *testing.T) {
	ex, repo, reg, q, wake := newTestExecutor(1)

	boom := errors.New("boom")
	reg.Define("job.fail", func(ctx context.Context, j *registry.Job) error {
		return boom
	}, registry.Options{})

	job := &domain.Job{ID: "f1", Name: "job.fail"}
	saved, err := repo.SaveJob(context.Background(), job)
	require.NoError(t, err)
	q.Insert(saved)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ex.Start(ctx)
	wake <- struct{}{}

	require.Eventually(t, func() bool {
		got, ok := repo.GetByID("f1")
		return ok && got.FailCount == 1 && got.FailReason == "boom"
	}, time.Second, time.Millisecond)
}

func TestExecutor_OneShotJobClearsNextRunAtAfterRun(t *testing.T) {
	ex, repo, reg, q, wake := newTestExecutor(1)

	var ran int32
	reg.Define("job.oneshot", func(ctx context.Context, j *registry.Job) error {
		atomic.AddInt32(&ran, 1)
		return nil
	}, registry.Options{})

	past := time.Now().Add(-time.Minute)
	job := &domain.Job{ID: "once1", Name: "job.oneshot", NextRunAt: &past}
	saved, err := repo.SaveJob(context.Background(), job)
	require.NoError(t, err)
	q.Insert(saved)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ex.Start(ctx)
	wake <- struct{}{}

	require.Eventually(t, func() bool {
		got, ok := repo.GetByID("once1")
		return ok && atomic.LoadInt32(&ran) == 1 && got.LastFinishedAt != nil
	}, time.Second, time.Millisecond)

	got, ok := repo.GetByID("once1")
	require.True(t, ok)
	require.Nil(t, got.NextRunAt, "one-shot job must not be re-dispatched after it runs")
}

func TestExecutor_DeferredJobIsNotDispatchedEarly(t *testing.T) {
	ex, repo, reg, q, wake := newTestExecutor(1)

	var ran int32
	reg.Define("job.future", func(ctx context.Context, j *registry.Job) error {
		atomic.AddInt32(&ran, 1)
		return nil
	}, registry.Options{})

	future := time.Now().Add(time.Hour)
	job := &domain.Job{ID: "fut1", Name: "job.future", NextRunAt: &future}
	saved, err := repo.SaveJob(context.Background(), job)
	require.NoError(t, err)
	q.Insert(saved)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ex.Start(ctx)
	wake <- struct{}{}

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&ran))
	assert.Equal(t, 1, q.Len())
}
