// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "pipeweb"

var (
	// catalogRuns counts generator invocations.
	// Labels: status (ok, failed, timeout)
	catalogRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "catalog",
		Name:      "runs_total",
		Help:      "Source catalog generator runs by outcome",
	}, []string{"status"})

	// catalogDuration measures generator wall time.
	catalogDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "catalog",
		Name:      "duration_seconds",
		Help:      "Source catalog generator run time in seconds",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 20, 30, 60},
	})

	// fleetReconciles counts per-repository reconcile results.
	// Labels: result (ok, error)
	fleetReconciles = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "fleet",
		Name:      "reconciles_total",
		Help:      "Repository reconcile attempts by result",
	}, []string{"result"})

	// fleetStatus is the latest count of repositories per state.
	// Labels: state (UpToDate, NeedsUpdate, NotTracked, Error)
	fleetStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "fleet",
		Name:      "repositories",
		Help:      "Repositories per status from the last fleet summary",
	}, []string{"state"})

	// dispatches counts remote submissions.
	// Labels: result (accepted, rejected, error)
	dispatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "dispatch",
		Name:      "submissions_total",
		Help:      "Runfile submissions by result",
	}, []string{"result"})

	// schedulerQueries counts queue and cancel calls.
	// Labels: verb (squeue, scancel), result (ok, error)
	schedulerQueries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "dispatch",
		Name:      "scheduler_queries_total",
		Help:      "Scheduler queries by verb and result",
	}, []string{"verb", "result"})

	// remoteDuration measures remote command latency.
	// Labels: verb
	remoteDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "remote",
		Name:      "command_duration_seconds",
		Help:      "Remote shell command latency in seconds",
		Buckets:   prometheus.DefBuckets,
	}, []string{"verb"})

	// monitorTransitions counts runfile state changes seen by the monitor.
	// Labels: to (NotSubmitted, Running, Finished)
	monitorTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "monitor",
		Name:      "transitions_total",
		Help:      "Runfile status transitions observed by the monitor",
	}, []string{"to"})

	// monitorWatched is the number of runfiles currently tracked.
	monitorWatched = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "monitor",
		Name:      "watched_runfiles",
		Help:      "Runfiles currently tracked by the monitor",
	})

	// notifications counts completion messages.
	// Labels: result (sent, skipped, error)
	notifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "notify",
		Name:      "messages_total",
		Help:      "Completion notifications by result",
	}, []string{"result"})
)

// RecordCatalogRun records one generator run.
func RecordCatalogRun(status string, d time.Duration) {
	catalogRuns.WithLabelValues(status).Inc()
	catalogDuration.Observe(d.Seconds())
}

// RecordReconcile records one repository reconcile.
func RecordReconcile(ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	fleetReconciles.WithLabelValues(result).Inc()
}

// SetFleetStatus publishes the per-state repository counts.
func SetFleetStatus(counts map[string]int) {
	for state, n := range counts {
		fleetStatus.WithLabelValues(state).Set(float64(n))
	}
}

// RecordDispatch records one submission.
//
// Inputs:
//
//	result - "accepted", "rejected" or "error".
func RecordDispatch(result string) {
	dispatches.WithLabelValues(result).Inc()
}

// RecordSchedulerQuery records one squeue or scancel call.
func RecordSchedulerQuery(verb string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	schedulerQueries.WithLabelValues(verb, result).Inc()
}

// ObserveRemote records the latency of a remote command.
func ObserveRemote(verb string, d time.Duration) {
	remoteDuration.WithLabelValues(verb).Observe(d.Seconds())
}

// RecordTransition records a runfile moving into state to.
func RecordTransition(to string) {
	monitorTransitions.WithLabelValues(to).Inc()
}

// SetWatched publishes the number of tracked runfiles.
func SetWatched(n int) {
	monitorWatched.Set(float64(n))
}

// RecordNotification records one notifier outcome.
func RecordNotification(result string) {
	notifications.WithLabelValues(result).Inc()
}
