// Package scheduler drives the poll flow (periodic repository scan)
// and the push flow (notification-triggered "lock on the fly") that
// together discover and claim due work (spec §4.7).
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/distsched/agenda/internal/clock"
	"github.com/distsched/agenda/internal/domain"
	"github.com/distsched/agenda/internal/metrics"
	"github.com/distsched/agenda/internal/queue"
	"github.com/distsched/agenda/internal/registry"
	"github.com/distsched/agenda/internal/repository"
)

// LockRequest is a push-flow candidate: a specific row the caller
// believes just became runnable.
type LockRequest struct {
	ID                string
	Name              string
	ExpectedNextRunAt time.Time
}

// Options configures a Scheduler. Zero values fall back to spec §6's
// documented defaults.
type Options struct {
	ProcessEvery  time.Duration // default 5s
	MaxLockLimit  int           // global locked cap; 0 = unlimited
	InstanceName  string
}

// Scheduler is the poll/push discovery loop from spec §4.7. It never
// invokes a handler itself — it only claims rows and hands them to the
// shared PriorityJobQueue for the executor to dispatch.
type Scheduler struct {
	repo     repository.JobRepository
	registry *registry.Registry
	queue    *queue.PriorityJobQueue
	clock    clock.Clock
	logger   *slog.Logger

	processEvery time.Duration
	maxLockLimit int
	instanceName string

	wake chan struct{}

	mu          sync.Mutex
	pollFilling map[string]bool

	lockRequests chan LockRequest

	stopOnce sync.Once
	stopped  chan struct{}
}

// New constructs a Scheduler. wake is signalled every time a new job
// is inserted into queue, so the executor's dispatch loop can react
// without busy-polling.
func New(repo repository.JobRepository, reg *registry.Registry, q *queue.PriorityJobQueue, clk clock.Clock, logger *slog.Logger, wake chan struct{}, opts Options) *Scheduler {
	processEvery := opts.ProcessEvery
	if processEvery <= 0 {
		processEvery = 5 * time.Second
	}
	return &Scheduler{
		repo:         repo,
		registry:     reg,
		queue:        q,
		clock:        clk,
		logger:       logger.With("component", "scheduler"),
		processEvery: processEvery,
		maxLockLimit: opts.MaxLockLimit,
		instanceName: opts.InstanceName,
		wake:         wake,
		pollFilling:  make(map[string]bool),
		lockRequests: make(chan LockRequest, 1024),
		stopped:      make(chan struct{}),
	}
}

// Start runs the poll loop and the push-flow consumer until ctx is
// cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.processEvery)
	defer ticker.Stop()

	go s.consumeLockRequests(ctx)

	s.logger.Info("scheduler started", "process_every", s.processEvery)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler shut down")
			return
		case <-ticker.C:
			s.poll(ctx)
		}
	}
}

func (s *Scheduler) poll(ctx context.Context) {
	start := s.clock.Now()
	defer func() {
		metrics.PollCycleDuration.Observe(s.clock.Now().Sub(start).Seconds())
	}()

	names := s.registry.Names()
	var wg sync.WaitGroup
	for _, name := range names {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			s.jobQueueFilling(ctx, name)
		}(name)
	}
	wg.Wait()
}

// jobQueueFilling implements spec §4.7's poll-flow step 2: claim every
// currently-due, currently-eligible row for name, recursing until the
// concurrency/lock caps stop it.
func (s *Scheduler) jobQueueFilling(ctx context.Context, name string) {
	s.mu.Lock()
	s.pollFilling[name] = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pollFilling, name)
		s.mu.Unlock()
	}()

	def, ok := s.registry.Get(name)
	if !ok {
		return
	}

	if !s.shouldLock(name) {
		return
	}

	now := s.clock.Now()
	nextScanAt := now.Add(s.processEvery)
	lockDeadline := now.Add(-def.LockLifetime)

	job, err := s.repo.GetNextJobToRun(ctx, name, nextScanAt, lockDeadline, now)
	if err != nil {
		if errors.Is(err, domain.ErrLockContentionMiss) {
			return
		}
		s.logger.Error("job queue filling", "name", name, "error", err)
		return
	}
	if job == nil {
		return
	}

	if !s.shouldLock(name) {
		// Limit was hit between the check and the claim — release
		// best-effort and let another instance pick it up.
		if unlockErr := s.repo.UnlockJobs(ctx, []string{job.ID}); unlockErr != nil {
			s.logger.Warn("release over-limit claim", "job_id", job.ID, "error", unlockErr)
		}
		return
	}

	if err := s.registry.MarkLocked(name); err != nil {
		s.logger.Error("mark locked", "name", name, "error", err)
		return
	}
	s.queue.Insert(job)
	s.recordClaimMetrics(name, job)
	s.signalWake()

	s.jobQueueFilling(ctx, name)
}

func (s *Scheduler) recordClaimMetrics(name string, job *domain.Job) {
	if job.NextRunAt != nil {
		metrics.JobPickupLatency.Observe(s.clock.Now().Sub(*job.NextRunAt).Seconds())
	}
	if def, ok := s.registry.Get(name); ok {
		metrics.JobsLocked.WithLabelValues(name).Set(float64(def.Locked()))
	}
	metrics.QueueLength.Set(float64(s.queue.Len()))
}

// shouldLock reports whether name has headroom under both the global
// and per-name lock caps (spec §4.7).
func (s *Scheduler) shouldLock(name string) bool {
	if s.maxLockLimit > 0 && s.registry.TotalLocked() >= s.maxLockLimit {
		return false
	}
	if def, ok := s.registry.Get(name); ok && def.LockLimit > 0 && def.Locked() >= def.LockLimit {
		return false
	}
	return true
}

// RequestLockOnTheFly enqueues a push-flow claim candidate. Called by
// the orchestrator's Now/Schedule (local fast path) and by the
// NotificationListener (peer-triggered). Non-blocking: if the buffer
// is saturated the request is dropped — the next poll cycle will pick
// the row up regardless, so nothing is lost, only delayed.
func (s *Scheduler) RequestLockOnTheFly(req LockRequest) {
	select {
	case s.lockRequests <- req:
	default:
		s.logger.Warn("lock-on-the-fly buffer full, deferring to next poll", "job_id", req.ID, "name", req.Name)
	}
}

// consumeLockRequests is the single-flight push-flow consumer (spec
// §4.7: "_isLockingOnTheFly ensures only one push-claim executes at a
// time"). Using one consumer goroutine draining one channel gives that
// serialization for free.
func (s *Scheduler) consumeLockRequests(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-s.lockRequests:
			s.handleLockRequest(ctx, req)
		}
	}
}

func (s *Scheduler) handleLockRequest(ctx context.Context, req LockRequest) {
	s.mu.Lock()
	filling := s.pollFilling[req.Name]
	s.mu.Unlock()
	if filling {
		return
	}

	if !s.shouldLock(req.Name) {
		s.drainLockRequests()
		return
	}

	job, err := s.repo.LockJobByID(ctx, req.ID, req.ExpectedNextRunAt, s.clock.Now())
	if err != nil {
		outcome := "error"
		if errors.Is(err, domain.ErrLockContentionMiss) {
			outcome = "miss"
		} else {
			s.logger.Warn("lock on the fly", "job_id", req.ID, "error", err)
		}
		metrics.LockOnTheFlyTotal.WithLabelValues(outcome).Inc()
		return
	}
	if job == nil {
		metrics.LockOnTheFlyTotal.WithLabelValues("miss").Inc()
		return
	}

	if markErr := s.registry.MarkLocked(req.Name); markErr != nil {
		s.logger.Error("mark locked (push flow)", "name", req.Name, "error", markErr)
		return
	}
	s.queue.Insert(job)
	s.recordClaimMetrics(req.Name, job)
	metrics.LockOnTheFlyTotal.WithLabelValues("claimed").Inc()
	s.signalWake()
}

func (s *Scheduler) drainLockRequests() {
	for {
		select {
		case <-s.lockRequests:
		default:
			return
		}
	}
}

func (s *Scheduler) signalWake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
