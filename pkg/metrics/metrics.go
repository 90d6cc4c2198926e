// Package metrics holds the Prometheus collectors for automation ticks.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	tickDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "crm_automations",
			Subsystem: "tick",
			Name:      "duration_seconds",
			Help:      "Duration of automation ticks.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~20s
		},
		[]string{"component", "outcome"},
	)

	scheduledResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "crm_automations",
			Subsystem: "scheduled_workflows",
			Name:      "results_total",
			Help:      "Scheduled workflow definitions processed, by result status.",
		},
		[]string{"status"},
	)

	executionsCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "crm_automations",
			Subsystem: "scheduled_workflows",
			Name:      "executions_created_total",
			Help:      "Workflow executions created by scheduled triggers.",
		},
	)

	activitiesCompleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "crm_automations",
			Subsystem: "activities",
			Name:      "auto_completed_total",
			Help:      "Activities completed by auto-complete rules.",
		},
	)

	successorsCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "crm_automations",
			Subsystem: "activities",
			Name:      "successors_created_total",
			Help:      "Follow-on activities created from pattern successors.",
		},
	)

	activityErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "crm_automations",
			Subsystem: "activities",
			Name:      "errors_total",
			Help:      "Per-activity errors captured during auto-complete ticks.",
		},
	)
)

func init() {
	Registry.MustRegister(
		tickDuration,
		scheduledResults,
		executionsCreated,
		activitiesCompleted,
		successorsCreated,
		activityErrors,
	)
}

// Handler exposes the registry over HTTP.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// ObserveTick records the duration of one tick.
func ObserveTick(component string, d time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "fatal"
	}
	tickDuration.WithLabelValues(component, outcome).Observe(d.Seconds())
}

// RecordScheduledResult counts one definition outcome.
func RecordScheduledResult(status string, executions int) {
	scheduledResults.WithLabelValues(status).Inc()
	if executions > 0 {
		executionsCreated.Add(float64(executions))
	}
}

// RecordActivityTick adds the totals of an auto-complete tick.
func RecordActivityTick(completed, successors, errs int) {
	activitiesCompleted.Add(float64(completed))
	successorsCreated.Add(float64(successors))
	activityErrors.Add(float64(errs))
}
