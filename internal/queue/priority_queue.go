// Package queue implements the in-memory, per-instance ready-set of
// locked jobs awaiting dispatch (spec §4.5).
package queue

import (
	"container/heap"
	"sync"
	"time"

	"github.com/distsched/agenda/internal/domain"
)

// ConcurrencyChecker reports whether a job named `name` currently has
// headroom to run, under both its per-name cap and the global cap.
type ConcurrencyChecker func(name string) bool

// PriorityJobQueue orders locked, not-yet-dispatched jobs by
// (nextRunAt asc, priority desc), per spec §4.5. It is safe for
// concurrent use; the scheduler and executor both touch it from their
// own goroutines.
type PriorityJobQueue struct {
	mu sync.Mutex
	h  itemHeap
}

type item struct {
	job       *domain.Job
	nextRunAt time.Time
	priority  int
}

type itemHeap []*item

func (h itemHeap) Len() int { return len(h) }
func (h itemHeap) Less(i, j int) bool {
	if !h[i].nextRunAt.Equal(h[j].nextRunAt) {
		return h[i].nextRunAt.Before(h[j].nextRunAt)
	}
	return h[i].priority > h[j].priority
}
func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *itemHeap) Push(x any)   { *h = append(*h, x.(*item)) }
func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// New returns an empty queue.
func New() *PriorityJobQueue {
	q := &PriorityJobQueue{}
	heap.Init(&q.h)
	return q
}

// Insert adds a locked job to the queue.
func (q *PriorityJobQueue) Insert(job *domain.Job) {
	q.mu.Lock()
	defer q.mu.Unlock()

	nextRunAt := time.Time{}
	if job.NextRunAt != nil {
		nextRunAt = *job.NextRunAt
	}
	heap.Push(&q.h, &item{job: job, nextRunAt: nextRunAt, priority: job.Priority})
}

// Len reports the number of jobs currently queued.
func (q *PriorityJobQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.h.Len()
}

// Peek returns the head of the queue without removing it, or nil if
// empty.
func (q *PriorityJobQueue) Peek() *domain.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.h.Len() == 0 {
		return nil
	}
	return q.h[0].job
}

// Pop removes and returns the head of the queue, or nil if empty.
func (q *PriorityJobQueue) Pop() *domain.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.h.Len() == 0 {
		return nil
	}
	it := heap.Pop(&q.h).(*item)
	return it.job
}

// ReturnNextConcurrencyFreeJob walks the queue in order, skipping any
// job whose name has no concurrency headroom, and removes + returns
// the first eligible one. Worst case O(n) (a burst where every head
// job is saturated); typically O(1) because the head is usually
// eligible, matching spec §4.5's amortized expectation.
func (q *PriorityJobQueue) ReturnNextConcurrencyFreeJob(check ConcurrencyChecker) *domain.Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	var skipped []*item
	var found *item

	for q.h.Len() > 0 {
		it := heap.Pop(&q.h).(*item)
		if check(it.job.Name) {
			found = it
			break
		}
		skipped = append(skipped, it)
	}

	for _, it := range skipped {
		heap.Push(&q.h, it)
	}

	if found == nil {
		return nil
	}
	return found.job
}
