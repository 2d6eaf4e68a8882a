// Package executor invokes registered handlers for claimed jobs under
// global and per-name concurrency limits, and closes the loop back to
// recurrence computation and persistence (spec §4.8).
package executor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/distsched/agenda/internal/clock"
	"github.com/distsched/agenda/internal/domain"
	"github.com/distsched/agenda/internal/metrics"
	"github.com/distsched/agenda/internal/observer"
	"github.com/distsched/agenda/internal/queue"
	"github.com/distsched/agenda/internal/recurrence"
	"github.com/distsched/agenda/internal/registry"
	"github.com/distsched/agenda/internal/repository"
)

// Options configures an Executor.
type Options struct {
	MaxConcurrency int // global running cap; 0 = unlimited
	InstanceName   string
}

// Executor is the jobProcessing / runOrRetry loop from spec §4.8. It
// owns dispatch; the Scheduler only ever hands it claimed jobs via the
// shared PriorityJobQueue.
type Executor struct {
	repo        repository.JobRepository
	attemptRepo repository.AttemptRepository // optional, nil disables attempt history
	registry    *registry.Registry
	calculator  *recurrence.Calculator
	queue       *queue.PriorityJobQueue
	observer    *observer.Observer
	clock       clock.Clock
	logger      *slog.Logger

	maxConcurrency int
	instanceName   string

	wake chan struct{}

	mu            sync.Mutex
	timer         clock.Timer
	timerDeadline time.Time

	runningWG sync.WaitGroup
}

// New constructs an Executor. wake must be the same channel the
// Scheduler signals on after every successful claim.
func New(
	repo repository.JobRepository,
	attemptRepo repository.AttemptRepository,
	reg *registry.Registry,
	calculator *recurrence.Calculator,
	q *queue.PriorityJobQueue,
	obs *observer.Observer,
	clk clock.Clock,
	logger *slog.Logger,
	wake chan struct{},
	opts Options,
) *Executor {
	return &Executor{
		repo:           repo,
		attemptRepo:    attemptRepo,
		registry:       reg,
		calculator:     calculator,
		queue:          q,
		observer:       obs,
		clock:          clk,
		logger:         logger.With("component", "executor"),
		maxConcurrency: opts.MaxConcurrency,
		instanceName:   opts.InstanceName,
		wake:           wake,
	}
}

// Start runs the dispatch loop until ctx is cancelled. It reacts to
// wake signals (new work queued) and to its own deferred timer (the
// head of the queue wasn't due yet).
func (e *Executor) Start(ctx context.Context) {
	e.observer.Emit(observer.Event{Kind: observer.KindReady})
	for {
		var timerC <-chan time.Time
		e.mu.Lock()
		if e.timer != nil {
			timerC = e.timer.C()
		}
		e.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case <-e.wake:
		case <-timerC:
		}
		e.tick(ctx)
	}
}

// Running reports the number of jobs currently executing on this
// instance.
func (e *Executor) Running() int {
	return e.registry.TotalRunning()
}

// Wait blocks until every in-flight handler invocation has returned.
// Used by the orchestrator's drain.
func (e *Executor) Wait() {
	e.runningWG.Wait()
}

func (e *Executor) checker(name string) bool {
	def, ok := e.registry.Get(name)
	if !ok {
		return false
	}
	if def.Concurrency > 0 && def.Running() >= def.Concurrency {
		return false
	}
	if e.maxConcurrency > 0 && e.registry.TotalRunning() >= e.maxConcurrency {
		return false
	}
	return true
}

// tick implements spec §4.8 steps 1-4: peek a concurrency-free job,
// defer if it isn't due yet, release it if its lock has already
// expired, otherwise dispatch it on its own goroutine.
func (e *Executor) tick(ctx context.Context) {
	for {
		job := e.queue.ReturnNextConcurrencyFreeJob(e.checker)
		if job == nil {
			return
		}

		now := e.clock.Now()
		if job.NextRunAt != nil && job.NextRunAt.After(now) {
			e.queue.Insert(job)
			e.scheduleWake(*job.NextRunAt)
			return
		}

		def, ok := e.registry.Get(job.Name)
		if !ok {
			e.release(ctx, job)
			continue
		}

		if job.LockedAt != nil && job.LockedAt.Add(def.LockLifetime).Before(now) {
			e.logger.Warn("lock expired before dispatch, releasing", "job_id", job.ID, "name", job.Name)
			e.observer.Emit(observer.Event{Kind: observer.KindError, Job: job, Err: domain.ErrLockExpired})
			e.release(ctx, job)
			continue
		}

		e.registry.MarkRunning(job.Name)
		e.runningWG.Add(1)
		go e.runJob(ctx, job, def)
	}
}

func (e *Executor) release(ctx context.Context, job *domain.Job) {
	e.registry.MarkUnlocked(job.Name)
	if err := e.repo.UnlockJobs(ctx, []string{job.ID}); err != nil {
		e.logger.Warn("release orphaned lock", "job_id", job.ID, "error", err)
	}
}

// scheduleWake arranges a single deferred wake-up for `at`, collapsing
// with any pending earlier deadline (spec §4.7 "Timer placement").
func (e *Executor) scheduleWake(at time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock.Now()
	d := at.Sub(now)
	if d < 0 {
		d = 0
	}

	if e.timer == nil {
		e.timer = e.clock.NewTimer(d)
		e.timerDeadline = at
		return
	}
	// A deadline that is not in the future has already fired (or is
	// about to), so it no longer counts as pending.
	if at.Before(e.timerDeadline) || !e.timerDeadline.After(now) {
		e.timer.Reset(d)
		e.timerDeadline = at
	}
}

// runJob invokes the handler and closes the loop: persist outcome,
// compute next recurrence, emit events, release counters (spec §4.8
// steps 5-8).
func (e *Executor) runJob(ctx context.Context, job *domain.Job, def *registry.Definition) {
	defer func() {
		e.registry.MarkFinished(job.Name)
		e.registry.MarkUnlocked(job.Name)
		e.runningWG.Done()
		e.signalWake()
	}()

	e.observer.Emit(observer.Event{Kind: observer.KindStart, Job: job})
	metrics.JobsInFlight.WithLabelValues(job.Name).Inc()
	defer metrics.JobsInFlight.WithLabelValues(job.Name).Dec()
	started := e.clock.Now()

	var attempt *domain.JobAttempt
	if e.attemptRepo != nil {
		created, err := e.attemptRepo.CreateAttempt(ctx, &domain.JobAttempt{
			JobID:      job.ID,
			InstanceID: e.instanceName,
			StartedAt:  e.clock.Now(),
		})
		if err != nil {
			e.logger.Warn("create attempt record", "job_id", job.ID, "error", err)
		} else {
			attempt = created
		}
	}

	touch := func(ctx context.Context, progress int) error {
		now := e.clock.Now()
		job.LockedAt = &now
		if progress >= 0 {
			job.Progress = progress
		}
		return e.repo.SaveJobState(ctx, job)
	}

	handlerErr := def.Handler(ctx, registry.NewJob(job, touch))

	now := e.clock.Now()
	job.LastFinishedAt = &now
	job.LockedAt = nil

	if handlerErr != nil {
		job.FailCount++
		job.FailReason = handlerErr.Error()
		job.FailedAt = &now
	}

	next, recErr := e.calculator.ComputeNextRunAt(job, now)
	switch {
	case recErr != nil:
		job.FailCount++
		job.FailReason = recErr.Error()
		job.FailedAt = &now
		job.NextRunAt = nil
	case job.RepeatInterval == "" && job.RepeatAt == "":
		// One-shot job with no recurrence: it has now run and must not
		// be picked up again.
		job.NextRunAt = nil
	default:
		job.NextRunAt = next
	}

	if saveErr := e.repo.SaveJobState(ctx, job); saveErr != nil {
		if errors.Is(saveErr, domain.ErrStaleJob) {
			e.observer.Emit(observer.Event{Kind: observer.KindError, Job: job, Err: saveErr})
		} else {
			e.logger.Error("save job state", "job_id", job.ID, "error", saveErr)
		}
	}

	if attempt != nil {
		durMS := now.Sub(attempt.StartedAt).Milliseconds()
		errMsg := ""
		if handlerErr != nil {
			errMsg = handlerErr.Error()
		}
		if err := e.attemptRepo.CompleteAttempt(ctx, attempt.ID, handlerErr == nil, errMsg, durMS); err != nil {
			e.logger.Warn("complete attempt record", "job_id", job.ID, "error", err)
		}
	}

	outcome := "success"
	if handlerErr != nil {
		outcome = "fail"
		e.observer.Emit(observer.Event{Kind: observer.KindFail, Job: job, Err: handlerErr})
	} else {
		e.observer.Emit(observer.Event{Kind: observer.KindSuccess, Job: job})
	}
	e.observer.Emit(observer.Event{Kind: observer.KindComplete, Job: job})

	metrics.JobsCompletedTotal.WithLabelValues(job.Name, outcome).Inc()
	metrics.JobExecutionDuration.WithLabelValues(job.Name, outcome).Observe(now.Sub(started).Seconds())
}

func (e *Executor) signalWake() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}
