// seed inserts a handful of example jobs into the local dev database,
// for exercising an agendad instance by hand.
// Run: go run ./cmd/seed
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/distsched/agenda/internal/domain"
	"github.com/distsched/agenda/internal/infrastructure/postgres"
)

type jobSpec struct {
	name     string
	priority int
	delay    time.Duration
	every    string // if non-empty, a recurring job instead of a one-shot
}

var jobs = []jobSpec{
	{name: "seed.send-welcome-email", priority: domain.PriorityHigh, delay: time.Minute},
	{name: "seed.send-welcome-email", priority: domain.PriorityHigh, delay: 2 * time.Minute},
	{name: "seed.generate-report", priority: domain.PriorityNormal, delay: 5 * time.Minute},
	{name: "seed.cleanup-temp-files", priority: domain.PriorityLow, every: "15 minutes"},
	{name: "seed.sync-inventory", priority: domain.PriorityNormal, every: "@every 1m"},
	{name: "seed.flaky-webhook", priority: domain.PriorityLowest, delay: 30 * time.Second},
}

func main() {
	ctx := context.Background()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		log.Fatal("DATABASE_URL is not set")
	}

	pool, err := postgres.NewPool(ctx, dbURL)
	if err != nil {
		log.Fatalf("db connect: %v", err)
	}
	defer pool.Close()

	if err := postgres.EnsureSchema(ctx, pool); err != nil {
		log.Fatalf("ensure schema: %v", err)
	}

	repo := postgres.NewJobRepository(pool)
	now := time.Now()

	var inserted int
	for _, spec := range jobs {
		job := &domain.Job{
			Name:     spec.name,
			Priority: spec.priority,
		}
		if spec.every != "" {
			job.Type = domain.TypeSingle
			job.RepeatInterval = spec.every
			next := now.Add(10 * time.Second)
			job.NextRunAt = &next
		} else {
			job.Type = domain.TypeNormal
			next := now.Add(spec.delay)
			job.NextRunAt = &next
		}

		saved, err := repo.SaveJob(ctx, job)
		if err != nil {
			log.Fatalf("save job %s: %v", spec.name, err)
		}
		inserted++
		fmt.Printf("  %-32s  id=%s  nextRunAt=%s\n", saved.Name, saved.ID, saved.NextRunAt.Format(time.RFC3339))
	}

	fmt.Println()
	fmt.Printf("Seed complete: %d jobs inserted\n", inserted)
}
