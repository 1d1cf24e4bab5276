// Package obsv is the Metrics & Health component: a prometheus registry
// constructed once by the supervisor and threaded into the Executor and
// Scheduler at construction, and a health probe that aggregates each
// dependency's status.
package obsv

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var executionBuckets = []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120}

// Metrics wraps the process-wide registry. The Executor (which also records
// the notification counters from each fan-out's results) and the Scheduler
// write to it directly; nothing in the core reads from it back.
type Metrics struct {
	Registry *prometheus.Registry

	executionsTotal   *prometheus.CounterVec
	executionSeconds  *prometheus.HistogramVec
	notificationsTotal *prometheus.CounterVec
	notificationSeconds *prometheus.HistogramVec
	scheduledJobs     prometheus.Gauge
	uptimeSeconds     prometheus.Counter

	startedAt time.Time
}

// New constructs a fresh registry and registers every metric
// names. No package-level singleton: the supervisor owns this instance's
// lifecycle.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		Registry: registry,
		executionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "alert_executions_total",
			Help: "Total alert executions by outcome.",
		}, []string{"name", "outcome"}),
		executionSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "alert_execution_seconds",
			Help:    "Alert execution duration in seconds.",
			Buckets: executionBuckets,
		}, []string{"name"}),
		notificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notifications_total",
			Help: "Total notification sends by channel and result.",
		}, []string{"channel", "result"}),
		notificationSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "notification_seconds",
			Help: "Notification delivery duration in seconds.",
		}, []string{"channel"}),
		scheduledJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scheduled_jobs",
			Help: "Current number of scheduled alert jobs.",
		}),
		uptimeSeconds: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "uptime_seconds",
			Help: "Seconds since the daemon started.",
		}),
		startedAt: time.Now(),
	}

	registry.MustRegister(
		m.executionsTotal,
		m.executionSeconds,
		m.notificationsTotal,
		m.notificationSeconds,
		m.scheduledJobs,
		m.uptimeSeconds,
	)

	return m
}

func (m *Metrics) ObserveExecution(name, outcome string, duration time.Duration) {
	m.executionsTotal.WithLabelValues(name, outcome).Inc()
	m.executionSeconds.WithLabelValues(name).Observe(duration.Seconds())
}

func (m *Metrics) ObserveNotification(channel, result string, duration time.Duration) {
	m.notificationsTotal.WithLabelValues(channel, result).Inc()
	if duration > 0 {
		m.notificationSeconds.WithLabelValues(channel).Observe(duration.Seconds())
	}
}

func (m *Metrics) SetScheduledJobs(n int) {
	m.scheduledJobs.Set(float64(n))
}

// Tick advances uptime_seconds by one tick; the supervisor calls this from
// a one-second ticker so uptime is visible without relying on process_start
// scraping conventions.
func (m *Metrics) Tick() {
	m.uptimeSeconds.Inc()
}
