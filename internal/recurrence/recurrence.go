// Package recurrence computes a Job's next fire time from its cron
// expression, human interval, or fixed clock phrase (spec §4.1).
package recurrence

import (
	"fmt"
	"time"

	"github.com/distsched/agenda/internal/domain"
	"github.com/robfig/cron/v3"
)

// Calculator is the pure RecurrenceCalculator from spec §4.1. It holds
// no mutable state beyond the cron parser (which is itself stateless
// once constructed), so a single instance is safely shared across
// goroutines.
type Calculator struct {
	cronParser cron.Parser
}

// New returns a Calculator using a standard 5-field cron parser plus
// the descriptor shorthands (@daily, @hourly, ...), matching every
// cron-consuming repo in the corpus (robfig/cron/v3).
func New() *Calculator {
	return &Calculator{
		cronParser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// ComputeNextRunAt implements spec §4.1's algorithm. now is the
// instant the computation is performed at (usually the moment a run
// just concluded, or job-creation time for a fresh schedule).
func (c *Calculator) ComputeNextRunAt(job *domain.Job, now time.Time) (*time.Time, error) {
	switch {
	case job.RepeatInterval != "":
		return c.fromRepeatInterval(job, now)
	case job.RepeatAt != "":
		return c.fromRepeatAt(job, now)
	default:
		// One-shot: leave nextRunAt as-is.
		return job.NextRunAt, nil
	}
}

func (c *Calculator) loc(job *domain.Job) *time.Location {
	if job.RepeatTimezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(job.RepeatTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (c *Calculator) fromRepeatInterval(job *domain.Job, now time.Time) (*time.Time, error) {
	loc := c.loc(job)

	if sched, err := c.cronParser.Parse(job.RepeatInterval); err == nil {
		ref := now
		if job.LastRunAt != nil {
			ref = *job.LastRunAt
		}
		ref = ref.In(loc)

		candidate := sched.Next(ref)

		// Defend against same-second cron collisions (§4.1.b): if the
		// computed fire equals lastRunAt itself, or regresses behind
		// the previously computed nextRunAt, nudge the reference
		// forward a second and recompute.
		for (job.LastRunAt != nil && candidate.Equal(*job.LastRunAt)) ||
			(job.NextRunAt != nil && !candidate.After(*job.NextRunAt)) {
			ref = ref.Add(time.Second)
			candidate = sched.Next(ref)
		}

		if job.StartDate != nil && job.StartDate.After(candidate) {
			startOfDay := time.Date(job.StartDate.Year(), job.StartDate.Month(), job.StartDate.Day(), 0, 0, 0, 0, loc)
			candidate = sched.Next(startOfDay.Add(-time.Second))
		}

		if job.LastRunAt != nil && now.After(*job.LastRunAt) && job.SkipDays != "" {
			skip, err := ParseHumanInterval(job.SkipDays)
			if err != nil {
				return nil, fmt.Errorf("%w: skipDays %q: %v", domain.ErrInvalidRecurrence, job.SkipDays, err)
			}
			candidate = candidate.Add(skip)
		}

		if job.EndDate != nil && job.EndDate.Before(candidate) {
			return nil, nil
		}

		return &candidate, nil
	}

	interval, err := ParseHumanInterval(job.RepeatInterval)
	if err != nil {
		return nil, fmt.Errorf("%w: repeatInterval %q: %v", domain.ErrInvalidRecurrence, job.RepeatInterval, err)
	}

	var candidate time.Time
	if job.LastRunAt == nil {
		// First fire = the reference instant itself.
		candidate = now
	} else {
		candidate = job.LastRunAt.Add(interval)
	}

	if job.StartDate != nil && job.StartDate.After(candidate) {
		candidate = time.Date(job.StartDate.Year(), job.StartDate.Month(), job.StartDate.Day(), 0, 0, 0, 0, loc)
	}

	if job.LastRunAt != nil && now.After(*job.LastRunAt) && job.SkipDays != "" {
		skip, err := ParseHumanInterval(job.SkipDays)
		if err != nil {
			return nil, fmt.Errorf("%w: skipDays %q: %v", domain.ErrInvalidRecurrence, job.SkipDays, err)
		}
		candidate = candidate.Add(skip)
	}

	if job.EndDate != nil && job.EndDate.Before(candidate) {
		return nil, nil
	}

	return &candidate, nil
}

func (c *Calculator) fromRepeatAt(job *domain.Job, now time.Time) (*time.Time, error) {
	loc := c.loc(job)
	candidate, err := ParseClockPhrase(job.RepeatAt, now.In(loc))
	if err != nil {
		return nil, fmt.Errorf("%w: repeatAt %q: %v", domain.ErrInvalidRecurrence, job.RepeatAt, err)
	}

	if job.LastRunAt != nil && candidate.Equal(*job.LastRunAt) {
		candidate = candidate.AddDate(0, 0, 1)
	}

	if job.EndDate != nil && job.EndDate.Before(candidate) {
		return nil, nil
	}

	return &candidate, nil
}
