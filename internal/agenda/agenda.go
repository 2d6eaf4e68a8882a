// Package agenda implements the JobOrchestrator public facade: the
// single entry point embedding applications use to define jobs, queue
// work, and manage the scheduler/executor pair's lifecycle (spec §4.9).
package agenda

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/distsched/agenda/internal/clock"
	"github.com/distsched/agenda/internal/domain"
	"github.com/distsched/agenda/internal/executor"
	"github.com/distsched/agenda/internal/listener"
	"github.com/distsched/agenda/internal/observer"
	"github.com/distsched/agenda/internal/queue"
	"github.com/distsched/agenda/internal/recurrence"
	"github.com/distsched/agenda/internal/registry"
	"github.com/distsched/agenda/internal/repository"
	"github.com/distsched/agenda/internal/scheduler"
)

// Options configures an Agenda at construction time.
type Options struct {
	ProcessEvery        time.Duration
	MaxConcurrency      int
	DefaultConcurrency  int
	MaxLockLimit        int
	DefaultLockLimit    int
	DefaultLockLifetime time.Duration
	InstanceName        string

	// Notifier is optional; when nil the scheduler relies on polling
	// alone (spec §4.3 "backends MAY provide a NotificationChannel").
	Notifier repository.NotificationChannel

	Clock  clock.Clock
	Logger *slog.Logger
}

// EveryOptions configures agenda.Every beyond the bare interval.
type EveryOptions struct {
	Timezone      string
	StartDate     *time.Time
	EndDate       *time.Time
	SkipDays      string
	SkipImmediate bool
	Priority      int
	Unique        string
}

// DefineOptions configures agenda.Define beyond name and handler.
type DefineOptions struct {
	Concurrency  int
	LockLimit    int
	LockLifetime time.Duration
	Priority     int
}

// DrainOptions configures agenda.Drain.
type DrainOptions struct {
	Timeout time.Duration
	Abort   <-chan struct{}
}

// DrainResult reports how a Drain call concluded.
type DrainResult struct {
	Completed bool
	Running   int
	TimedOut  bool
	Aborted   bool
}

// Agenda is the JobOrchestrator facade wiring together every component
// in spec §2's data-flow diagram: Clock, RecurrenceCalculator,
// JobRepository, NotificationChannel, PriorityJobQueue, Registry,
// Scheduler, Executor, NotificationListener, Observer.
type Agenda struct {
	repo       repository.JobRepository
	registry   *registry.Registry
	queue      *queue.PriorityJobQueue
	calculator *recurrence.Calculator
	clock      clock.Clock
	observer   *observer.Observer
	notifier   repository.NotificationChannel
	logger     *slog.Logger

	scheduler *scheduler.Scheduler
	executor  *executor.Executor
	listener  *listener.Listener

	instanceName string

	wake chan struct{}

	mu         sync.Mutex
	debouncers map[string]*debounceState

	runCtx    context.Context
	runCancel context.CancelFunc
	started   bool
}

type debounceState struct {
	firstEnqueuedAt time.Time
	nextRunAt       time.Time

	// expiresAt is when this burst's quiet window closes: for leading
	// it's firstEnqueuedAt+Delay (the suppression window after the
	// immediate fire), for trailing it's nextRunAt itself (the state
	// is stale once the debounced job has actually been dispatched).
	// Once now passes it, the next call starts a fresh burst instead
	// of reusing firstEnqueuedAt for the maxWait cap.
	expiresAt time.Time
}

// New constructs an Agenda. repo is required; every other dependency
// has a sensible default (real clock, unbuffered observer, no
// notifier).
func New(repo repository.JobRepository, attemptRepo repository.AttemptRepository, opts Options) *Agenda {
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	reg := registry.New(opts.DefaultConcurrency, opts.DefaultLockLimit, opts.DefaultLockLifetime)
	q := queue.New()
	obs := observer.New()
	calc := recurrence.New()
	wake := make(chan struct{}, 1)

	sched := scheduler.New(repo, reg, q, clk, logger, wake, scheduler.Options{
		ProcessEvery: opts.ProcessEvery,
		MaxLockLimit: opts.MaxLockLimit,
		InstanceName: opts.InstanceName,
	})

	exec := executor.New(repo, attemptRepo, reg, calc, q, obs, clk, logger, wake, executor.Options{
		MaxConcurrency: opts.MaxConcurrency,
		InstanceName:   opts.InstanceName,
	})

	a := &Agenda{
		repo:         repo,
		registry:     reg,
		queue:        q,
		calculator:   calc,
		clock:        clk,
		observer:     obs,
		notifier:     opts.Notifier,
		logger:       logger.With("component", "agenda"),
		scheduler:    sched,
		executor:     exec,
		instanceName: opts.InstanceName,
		wake:         wake,
		debouncers:   make(map[string]*debounceState),
	}

	if opts.Notifier != nil {
		a.listener = listener.New(opts.Notifier, func(req listener.LockRequest) {
			sched.RequestLockOnTheFly(scheduler.LockRequest{
				ID:                req.ID,
				Name:              req.Name,
				ExpectedNextRunAt: req.ExpectedNextRunAt,
			})
		}, logger)
	}

	return a
}

// Define registers a handler for name (spec §4.9 define).
func (a *Agenda) Define(name string, handler registry.Handler, opts DefineOptions) {
	a.registry.Define(name, handler, registry.Options{
		Concurrency:  opts.Concurrency,
		LockLimit:    opts.LockLimit,
		LockLifetime: opts.LockLifetime,
		Priority:     opts.Priority,
	})
}

// On subscribes to lifecycle events across every job name.
func (a *Agenda) On(kind observer.Kind, handler func(observer.Event)) func() {
	return a.observer.On(kind, handler)
}

// OnName subscribes to lifecycle events for one job name only.
func (a *Agenda) OnName(kind observer.Kind, name string, handler func(observer.Event)) func() {
	return a.observer.OnName(kind, name, handler)
}

// Now persists a one-shot job due immediately and requests an
// immediate lock-on-the-fly claim (spec §4.9 now).
func (a *Agenda) Now(ctx context.Context, name string, data []byte) (*domain.Job, error) {
	now := a.clock.Now()
	job := &domain.Job{
		Name:      name,
		Type:      domain.TypeNormal,
		NextRunAt: &now,
		Priority:  a.priorityFor(name),
	}
	return a.saveAndAnnounce(ctx, job, data)
}

// Schedule persists a one-shot job due at `when`, which may be an
// absolute instant or a human clock phrase ("3:30pm", "noon").
func (a *Agenda) Schedule(ctx context.Context, when string, name string, data []byte) (*domain.Job, error) {
	at, err := a.resolveWhen(when)
	if err != nil {
		return nil, fmt.Errorf("schedule: %w", err)
	}
	job := &domain.Job{
		Name:      name,
		Type:      domain.TypeNormal,
		NextRunAt: &at,
		Priority:  a.priorityFor(name),
	}
	return a.saveAndAnnounce(ctx, job, data)
}

func (a *Agenda) resolveWhen(when string) (time.Time, error) {
	now := a.clock.Now()
	if when == "now" {
		return now, nil
	}
	if t, err := time.Parse(time.RFC3339, when); err == nil {
		return t, nil
	}
	if d, err := recurrence.ParseHumanInterval(when); err == nil {
		return now.Add(d), nil
	}
	return recurrence.ParseClockPhrase(when, now)
}

// Every persists a recurring `type=single` job keyed by name (spec
// §4.9 every): at most one row per name, recomputed via §4.1 after
// every run.
func (a *Agenda) Every(ctx context.Context, interval string, name string, data []byte, opts EveryOptions) (*domain.Job, error) {
	job := &domain.Job{
		Name:           name,
		Type:           domain.TypeSingle,
		RepeatInterval: interval,
		RepeatTimezone: opts.Timezone,
		StartDate:      opts.StartDate,
		EndDate:        opts.EndDate,
		SkipDays:       opts.SkipDays,
		Unique:         opts.Unique,
		Priority:       opts.Priority,
	}
	if job.Priority == 0 {
		job.Priority = a.priorityFor(name)
	}

	now := a.clock.Now()
	if opts.SkipImmediate {
		job.LastRunAt = &now
	}

	next, err := a.calculator.ComputeNextRunAt(job, now)
	if err != nil {
		return nil, fmt.Errorf("every: %w", err)
	}
	job.NextRunAt = next

	return a.saveAndAnnounce(ctx, job, data)
}

// saveAndAnnounce persists the row and publishes + requests a local
// lock-on-the-fly claim. Debounce (when wanted) is applied by the
// caller before this is reached — see NowOrDebounce.
func (a *Agenda) saveAndAnnounce(ctx context.Context, job *domain.Job, data []byte) (*domain.Job, error) {
	job.Data = data
	saved, err := a.repo.SaveJob(ctx, job)
	if err != nil {
		return nil, err
	}
	a.announce(saved)
	return saved, nil
}

// NowOrDebounce applies the debounce policy from spec §4.2 before
// persisting: trailing (default) resets the quiet window on every
// call, capped by maxWait; leading fires immediately unless a pending
// or recent entry already exists within delay.
func (a *Agenda) NowOrDebounce(ctx context.Context, name string, data []byte, d domain.Debounce) (*domain.Job, error) {
	key := name + "\x00" + string(d.Strategy) + "\x00" + string(data)
	now := a.clock.Now()

	a.mu.Lock()
	a.expireDebouncersLocked(now)
	state, exists := a.debouncers[key]

	var nextRunAt time.Time
	switch d.Strategy {
	case domain.DebounceLeading:
		if exists && now.Sub(state.firstEnqueuedAt) < d.Delay {
			nextRunAt = state.nextRunAt
		} else {
			nextRunAt = now
			a.debouncers[key] = &debounceState{
				firstEnqueuedAt: now,
				nextRunAt:       nextRunAt,
				expiresAt:       now.Add(d.Delay),
			}
		}
	default: // trailing
		nextRunAt = now.Add(d.Delay)
		if !exists {
			state = &debounceState{firstEnqueuedAt: now}
			a.debouncers[key] = state
		}
		if d.MaxWait > 0 {
			capAt := state.firstEnqueuedAt.Add(d.MaxWait)
			if nextRunAt.After(capAt) {
				nextRunAt = capAt
			}
		}
		state.nextRunAt = nextRunAt
		state.expiresAt = nextRunAt
	}
	a.mu.Unlock()

	job := &domain.Job{
		Name:        name,
		Type:        domain.TypeNormal,
		NextRunAt:   &nextRunAt,
		Priority:    a.priorityFor(name),
		Unique:      name,
		HasDebounce: true,
		Debounce:    d,
	}
	return a.saveAndAnnounce(ctx, job, data)
}

// expireDebouncersLocked drops debounce state whose quiet window has
// already closed, so a later, unrelated burst for the same key starts
// fresh instead of inheriting a stale firstEnqueuedAt (which would mis-cap
// maxWait) and so the map doesn't grow unbounded. Callers must hold a.mu.
func (a *Agenda) expireDebouncersLocked(now time.Time) {
	for key, state := range a.debouncers {
		if !state.expiresAt.After(now) {
			delete(a.debouncers, key)
		}
	}
}

func (a *Agenda) priorityFor(name string) int {
	if def, ok := a.registry.Get(name); ok {
		return def.Priority
	}
	return domain.PriorityNormal
}

func (a *Agenda) announce(job *domain.Job) {
	if a.notifier != nil {
		var nextRunAt *string
		if job.NextRunAt != nil {
			s := job.NextRunAt.Format(time.RFC3339Nano)
			nextRunAt = &s
		}
		if err := a.notifier.Publish(repository.Event{
			V:         repository.WireVersion,
			Type:      repository.EventJobSaved,
			ID:        job.ID,
			Name:      job.Name,
			NextRunAt: nextRunAt,
		}); err != nil {
			a.logger.Warn("publish jobSaved", "job_id", job.ID, "error", err)
		}
	}

	if job.NextRunAt != nil {
		a.scheduler.RequestLockOnTheFly(scheduler.LockRequest{
			ID:                job.ID,
			Name:              job.Name,
			ExpectedNextRunAt: *job.NextRunAt,
		})
	}
}

// Cancel deletes jobs matching q (spec §4.9 cancel).
func (a *Agenda) Cancel(ctx context.Context, name string, ids []string) (int, error) {
	n, err := a.repo.Cancel(ctx, repository.Query{Name: name, IDs: ids})
	if err != nil {
		return 0, err
	}
	if a.notifier != nil {
		for _, id := range ids {
			_ = a.notifier.Publish(repository.Event{V: repository.WireVersion, Type: repository.EventJobCancelled, ID: id, Name: name})
		}
	}
	return n, nil
}

// Disable toggles disabled=true for jobs matching the query.
func (a *Agenda) Disable(ctx context.Context, name string, ids []string) (int, error) {
	return a.repo.SetDisabled(ctx, repository.Query{Name: name, IDs: ids}, true)
}

// Enable toggles disabled=false for jobs matching the query.
func (a *Agenda) Enable(ctx context.Context, name string, ids []string) (int, error) {
	return a.repo.SetDisabled(ctx, repository.Query{Name: name, IDs: ids}, false)
}

// Purge removes rows whose name is no longer defined (spec §4.9 purge).
func (a *Agenda) Purge(ctx context.Context) (int, error) {
	return a.repo.Purge(ctx, a.registry.Names())
}

// QueryJobs is the read-only pass-through to the repository.
func (a *Agenda) QueryJobs(ctx context.Context, filter repository.Query, sort repository.Sort, skip, limit int) ([]*domain.Job, int, error) {
	return a.repo.QueryJobs(ctx, filter, sort, skip, limit)
}

// GetJobsOverview delegates to the repository's derived-state counters.
func (a *Agenda) GetJobsOverview(ctx context.Context) ([]domain.Overview, error) {
	return a.repo.GetJobsOverview(ctx, a.clock.Now())
}

// RunningStats is the in-memory counterpart to GetJobsOverview: live
// per-instance running/locked counts that don't require a repository
// round trip.
type RunningStats struct {
	Running int
	Locked  int
}

// GetRunningStats returns this instance's live running/locked counters.
func (a *Agenda) GetRunningStats() RunningStats {
	return RunningStats{Running: a.registry.TotalRunning(), Locked: a.registry.TotalLocked()}
}

// Start begins the scheduler and executor loops, and the notification
// listener if one is configured. Safe to call once.
func (a *Agenda) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return fmt.Errorf("agenda: already started")
	}
	a.started = true
	a.runCtx, a.runCancel = context.WithCancel(ctx)
	a.mu.Unlock()

	if a.listener != nil {
		if err := a.listener.Start(); err != nil {
			return fmt.Errorf("agenda: start listener: %w", err)
		}
	}

	go a.scheduler.Start(a.runCtx)
	go a.executor.Start(a.runCtx)
	return nil
}

// Stop cancels both loops without waiting for in-flight handlers. Most
// callers want Drain instead.
func (a *Agenda) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.started {
		return
	}
	if a.listener != nil {
		a.listener.Stop()
	}
	a.runCancel()
	a.started = false
}

// Drain stops accepting new dispatches and waits for running handlers
// to finish, honoring opts.Timeout and opts.Abort (spec §4.9 drain).
func (a *Agenda) Drain(opts DrainOptions) DrainResult {
	a.mu.Lock()
	if !a.started {
		a.mu.Unlock()
		return DrainResult{Completed: true}
	}
	cancel := a.runCancel
	a.started = false
	a.mu.Unlock()

	if a.listener != nil {
		a.listener.Stop()
	}
	cancel()

	done := make(chan struct{})
	go func() {
		a.executor.Wait()
		close(done)
	}()

	var timeoutC <-chan time.Time
	if opts.Timeout > 0 {
		timer := time.NewTimer(opts.Timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	select {
	case <-done:
		return DrainResult{Completed: true, Running: a.executor.Running()}
	case <-timeoutC:
		return DrainResult{Completed: false, Running: a.executor.Running(), TimedOut: true}
	case <-opts.Abort:
		return DrainResult{Completed: false, Running: a.executor.Running(), Aborted: true}
	}
}
