package queue_test

import (
	"testing"
	"time"

	"github.com/distsched/agenda/internal/domain"
	"github.com/distsched/agenda/internal/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func jobAt(name string, priority int, at time.Time) *domain.Job {
	t := at
	return &domain.Job{Name: name, Priority: priority, NextRunAt: &t}
}

func TestPriorityJobQueue_OrdersByTimeThenPriority(t *testing.T) {
	q := queue.New()
	base := time.Now()

	q.Insert(jobAt("a", domain.PriorityNormal, base.Add(time.Minute)))
	q.Insert(jobAt("b", domain.PriorityHigh, base))
	q.Insert(jobAt("c", domain.PriorityLow, base))

	first := q.Pop()
	require.NotNil(t, first)
	assert.Equal(t, "b", first.Name) // same instant as c, higher priority wins

	second := q.Pop()
	require.NotNil(t, second)
	assert.Equal(t, "c", second.Name)

	third := q.Pop()
	require.NotNil(t, third)
	assert.Equal(t, "a", third.Name)

	assert.Nil(t, q.Pop())
}

func TestPriorityJobQueue_ReturnNextConcurrencyFreeJobSkipsSaturated(t *testing.T) {
	q := queue.New()
	base := time.Now()

	q.Insert(jobAt("saturated", domain.PriorityNormal, base))
	q.Insert(jobAt("free", domain.PriorityNormal, base.Add(time.Second)))

	free := map[string]bool{"saturated": false, "free": true}
	job := q.ReturnNextConcurrencyFreeJob(func(name string) bool { return free[name] })

	require.NotNil(t, job)
	assert.Equal(t, "free", job.Name)
	assert.Equal(t, 1, q.Len()) // saturated job stays queued, not starved
}
