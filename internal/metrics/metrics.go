// Package metrics exposes the scheduler/executor/queue gauges and
// counters an operator would scrape to watch a running agenda
// instance.
package metrics

import (
	"encoding/json"
	"net/http"

	"github.com/distsched/agenda/internal/health"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Scheduler metrics

	JobPickupLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "agenda",
		Name:      "job_pickup_latency_seconds",
		Help:      "Time from a job's nextRunAt to an instance claiming it.",
		Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	})

	JobsLocked = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "agenda",
		Name:      "jobs_locked",
		Help:      "Rows currently locked by this instance, by job name.",
	}, []string{"name"})

	PollCycleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "agenda",
		Name:      "poll_cycle_duration_seconds",
		Help:      "Time taken for one scheduler poll cycle across every defined name.",
		Buckets:   prometheus.DefBuckets,
	})

	LockOnTheFlyTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agenda",
		Name:      "lock_on_the_fly_total",
		Help:      "Push-flow claim attempts, by outcome.",
	}, []string{"outcome"})

	// Executor metrics

	JobExecutionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "agenda",
		Name:      "job_execution_duration_seconds",
		Help:      "Duration of a handler invocation.",
		Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"name", "outcome"})

	JobsInFlight = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "agenda",
		Name:      "jobs_in_flight",
		Help:      "Jobs currently executing on this instance, by name.",
	}, []string{"name"})

	JobsCompletedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agenda",
		Name:      "jobs_completed_total",
		Help:      "Total handler invocations finished, by name and outcome.",
	}, []string{"name", "outcome"})

	// Queue metrics

	QueueLength = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "agenda",
		Name:      "queue_length",
		Help:      "Number of claimed, not-yet-dispatched jobs held in the priority queue.",
	})

	// Notification channel metrics

	NotificationChannelState = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "agenda",
		Name:      "notification_channel_state",
		Help:      "Current NotificationChannel state: 0=disconnected 1=connecting 2=connected 3=reconnecting 4=error.",
	})

	// Instance lifecycle

	InstanceStartTime = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "agenda",
		Name:      "instance_start_time_seconds",
		Help:      "Unix timestamp when this instance started.",
	})

	InstanceShutdownsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "agenda",
		Name:      "instance_shutdowns_total",
		Help:      "Number of times this instance has drained and shut down.",
	})

	// Admin HTTP metrics

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "agenda",
		Name:      "http_request_duration_seconds",
		Help:      "Admin HTTP request latency.",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agenda",
		Name:      "http_requests_total",
		Help:      "Total admin HTTP requests.",
	}, []string{"method", "path", "status"})
)

// Register registers every collector with the default Prometheus
// registry. Call once at startup.
func Register() {
	prometheus.MustRegister(
		JobPickupLatency,
		JobsLocked,
		PollCycleDuration,
		LockOnTheFlyTotal,
		JobExecutionDuration,
		JobsInFlight,
		JobsCompletedTotal,
		QueueLength,
		NotificationChannelState,
		InstanceStartTime,
		InstanceShutdownsTotal,
		HTTPRequestDuration,
		HTTPRequestsTotal,
	)
}

// NewServer returns an http.Server exposing /metrics on addr, plus
// /healthz and /readyz backed by checker.
func NewServer(addr string, checker *health.Checker) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeHealthResult(w, checker.Liveness(r.Context()))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		result := checker.Readiness(r.Context())
		if result.Status != "up" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		writeHealthResult(w, result)
	})
	return &http.Server{Addr: addr, Handler: mux}
}

func writeHealthResult(w http.ResponseWriter, result health.HealthResult) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(result)
}
