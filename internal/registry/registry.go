// Package registry maps job names to their handlers and concurrency
// limits (spec §4.6).
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/distsched/agenda/internal/domain"
)

// Job is the facade handlers receive — a thin, mutation-aware wrapper
// around the underlying domain.Job rather than the teacher's
// prototype-patched methods (spec §9: plain value type, no
// inheritance).
type Job struct {
	attrs *domain.Job

	mu       sync.Mutex
	touch    func(ctx context.Context, progress int) error
	touched  bool
}

// Data returns the job's opaque payload.
func (j *Job) Data() []byte { return j.attrs.Data }

// Attrs returns the underlying domain.Job. Callers must not mutate the
// fields the executor owns (lockedAt, nextRunAt, ...); only Progress is
// safe to observe here, since Touch is how it's persisted.
func (j *Job) Attrs() *domain.Job { return j.attrs }

// SetResult records the handler's return value for persistence when
// the job's ShouldSaveResult flag is set. A no-op otherwise.
func (j *Job) SetResult(result []byte) {
	if j.attrs.ShouldSaveResult {
		j.attrs.Result = result
	}
}

// Touch refreshes the job's lock (resetting lockedAt = now) and
// optionally records progress, so long-running handlers can report
// liveness without the scheduler reclaiming their lock out from under
// them. progress < 0 leaves progress unchanged.
func (j *Job) Touch(ctx context.Context, progress int) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.touched = true
	return j.touch(ctx, progress)
}

// NewJob constructs the handler-facing facade. Used by the executor;
// not exported for outside construction since touch must be wired to
// the live repository call.
func NewJob(attrs *domain.Job, touch func(ctx context.Context, progress int) error) *Job {
	return &Job{attrs: attrs, touch: touch}
}

// Handler is the callback style: returns an error on failure.
type Handler func(ctx context.Context, job *Job) error

// Definition is a registered job's handler plus its limits (spec §4.6).
type Definition struct {
	Name          string
	Handler       Handler
	Concurrency   int
	LockLimit     int
	LockLifetime  time.Duration
	Priority      int

	mu      sync.Mutex
	running int
	locked  int
}

// Running returns the number of currently-executing invocations of
// this definition.
func (d *Definition) Running() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// Locked returns the number of rows for this name currently locked by
// this instance (poll-filled or push-locked, not yet finished).
func (d *Definition) Locked() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.locked
}

func (d *Definition) incRunning() { d.mu.Lock(); d.running++; d.mu.Unlock() }
func (d *Definition) decRunning() { d.mu.Lock(); d.running--; d.mu.Unlock() }
func (d *Definition) incLocked()  { d.mu.Lock(); d.locked++; d.mu.Unlock() }
func (d *Definition) decLocked()  { d.mu.Lock(); d.locked--; d.mu.Unlock() }

// Options configure a Define call; zero values fall back to the
// Registry's defaults.
type Options struct {
	Concurrency  int
	LockLimit    int
	LockLifetime time.Duration
	Priority     int
}

// Registry is the in-memory name -> Definition map. It is instance-
// local and guarded by a single mutex (spec §5's shared-resource
// policy for single-loop-local state in a multithreaded runtime).
type Registry struct {
	mu                  sync.RWMutex
	defs                map[string]*Definition
	defaultConcurrency  int
	defaultLockLimit    int
	defaultLockLifetime time.Duration
}

// New returns a Registry. defaultConcurrency/defaultLockLimit/
// defaultLockLifetime back spec §6's defaultConcurrency,
// defaultLockLimit and defaultLockLifetime config options.
func New(defaultConcurrency, defaultLockLimit int, defaultLockLifetime time.Duration) *Registry {
	return &Registry{
		defs:                make(map[string]*Definition),
		defaultConcurrency:  defaultConcurrency,
		defaultLockLimit:    defaultLockLimit,
		defaultLockLifetime: defaultLockLifetime,
	}
}

// Define registers (or replaces) a handler for name. Re-defining a
// name is idempotent: it simply swaps the definition in place,
// preserving no state from the old one (spec §4.9 "idempotent by
// name").
func (r *Registry) Define(name string, handler Handler, opts Options) *Definition {
	concurrency := opts.Concurrency
	if concurrency == 0 {
		concurrency = r.defaultConcurrency
	}
	lockLimit := opts.LockLimit
	if lockLimit == 0 {
		lockLimit = r.defaultLockLimit
	}
	lockLifetime := opts.LockLifetime
	if lockLifetime == 0 {
		lockLifetime = r.defaultLockLifetime
	}

	def := &Definition{
		Name:         name,
		Handler:      handler,
		Concurrency:  concurrency,
		LockLimit:    lockLimit,
		LockLifetime: lockLifetime,
		Priority:     opts.Priority,
	}

	r.mu.Lock()
	r.defs[name] = def
	r.mu.Unlock()

	return def
}

// Get returns the definition for name, or ok=false if undefined.
func (r *Registry) Get(name string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[name]
	return d, ok
}

// Names returns every currently-defined job name.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.defs))
	for n := range r.defs {
		names = append(names, n)
	}
	return names
}

// MarkLocked increments the locked counter for name, used by the
// scheduler's shouldLock bookkeeping.
func (r *Registry) MarkLocked(name string) error {
	d, ok := r.Get(name)
	if !ok {
		return fmt.Errorf("registry: job %q is not defined", name)
	}
	d.incLocked()
	return nil
}

// MarkUnlocked decrements the locked counter for name.
func (r *Registry) MarkUnlocked(name string) {
	if d, ok := r.Get(name); ok {
		d.decLocked()
	}
}

// MarkRunning increments the running counter for name.
func (r *Registry) MarkRunning(name string) {
	if d, ok := r.Get(name); ok {
		d.incRunning()
	}
}

// MarkFinished decrements the running counter for name.
func (r *Registry) MarkFinished(name string) {
	if d, ok := r.Get(name); ok {
		d.decRunning()
	}
}

// TotalRunning sums Running() across every definition — the global
// concurrency counter.
func (r *Registry) TotalRunning() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	total := 0
	for _, d := range r.defs {
		total += d.Running()
	}
	return total
}

// TotalLocked sums Locked() across every definition — the global lock
// counter.
func (r *Registry) TotalLocked() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	total := 0
	for _, d := range r.defs {
		total += d.Locked()
	}
	return total
}
