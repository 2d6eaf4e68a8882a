// Package health exposes liveness/readiness checks for the persistent
// store and, when configured, the NotificationChannel.
package health

import (
	"context"
	"log/slog"
	"time"

	"github.com/distsched/agenda/internal/repository"
	"github.com/prometheus/client_golang/prometheus"
)

// Pinger is satisfied by *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// CheckResult represents the health of a single dependency.
type CheckResult struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// HealthResult is the top-level health response.
type HealthResult struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// Checker verifies that all dependencies are reachable.
type Checker struct {
	db       Pinger
	notifier repository.NotificationChannel // optional
	logger   *slog.Logger
	gauge    *prometheus.GaugeVec
}

// NewChecker creates a health checker and registers its Prometheus gauge.
// notifier may be nil when the deployment relies on polling alone.
func NewChecker(db Pinger, notifier repository.NotificationChannel, logger *slog.Logger, reg prometheus.Registerer) *Checker {
	gauge := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "agenda",
		Name:      "health_check_up",
		Help:      "Whether a dependency is reachable. 1 = up, 0 = down.",
	}, []string{"dependency"})
	reg.MustRegister(gauge)

	return &Checker{
		db:       db,
		notifier: notifier,
		logger:   logger.With("component", "health"),
		gauge:    gauge,
	}
}

// Liveness returns a simple "up" response if the process is running.
func (c *Checker) Liveness(_ context.Context) HealthResult {
	return HealthResult{Status: "up"}
}

// Readiness pings the store and reports the notification channel's
// connection state, if one is configured.
func (c *Checker) Readiness(ctx context.Context) HealthResult {
	checkCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	result := HealthResult{
		Status: "up",
		Checks: make(map[string]CheckResult),
	}

	if err := c.db.Ping(checkCtx); err != nil {
		c.logger.Warn("store health check failed", "error", err)
		result.Status = "down"
		result.Checks["store"] = CheckResult{Status: "down", Error: err.Error()}
		c.gauge.WithLabelValues("store").Set(0)
	} else {
		result.Checks["store"] = CheckResult{Status: "up"}
		c.gauge.WithLabelValues("store").Set(1)
	}

	if c.notifier != nil {
		state := c.notifier.State()
		up := state == repository.StateConnected
		status := "up"
		gaugeVal := 1.0
		if !up {
			status = "down"
			gaugeVal = 0
			// A disconnected/reconnecting notifier degrades latency but
			// the scheduler still makes progress via polling, so it
			// doesn't flip the overall result to down.
		}
		result.Checks["notifications"] = CheckResult{Status: status}
		c.gauge.WithLabelValues("notifications").Set(gaugeVal)
	}

	return result
}
