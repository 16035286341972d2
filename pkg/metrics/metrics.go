// Package metrics defines the Prometheus collectors this module exposes.
// Per the design notes on avoiding package-level mutable state, Metrics is a
// plain struct built by New and passed explicitly to the component that
// takes it (the log ingester, via logarchive.New) rather than registered
// against the global default registry from an init function.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds every collector this module registers.
type Metrics struct {
	JobsDispatched   *prometheus.CounterVec
	JobsCompleted    *prometheus.CounterVec
	JobDuration      *prometheus.HistogramVec
	GroupsAdmitted   prometheus.Counter
	WorkersConnected prometheus.Gauge
	HeartbeatsMissed prometheus.Counter
	LogBytesIngested prometheus.Counter
	ArchiveFailures  *prometheus.CounterVec
	StoreRetries     *prometheus.CounterVec
}

// New builds a Metrics and registers every collector against reg. Passing a
// fresh prometheus.NewRegistry() keeps tests isolated from each other and
// from the process-wide default registry.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		JobsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "forge",
			Subsystem: "scheduler",
			Name:      "jobs_dispatched_total",
			Help:      "Jobs dispatched to a worker, by target.",
		}, []string{"target"}),
		JobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "forge",
			Subsystem: "scheduler",
			Name:      "jobs_completed_total",
			Help:      "Jobs reaching a terminal state, by target and outcome.",
		}, []string{"target", "outcome"}),
		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "forge",
			Subsystem: "scheduler",
			Name:      "job_duration_seconds",
			Help:      "Wall-clock time from dispatch to terminal outcome.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 14),
		}, []string{"target"}),
		GroupsAdmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "forge",
			Subsystem: "scheduler",
			Name:      "groups_admitted_total",
			Help:      "Groups transitioned out of Queued.",
		}),
		WorkersConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "forge",
			Subsystem: "worker",
			Name:      "connected",
			Help:      "Workers currently believed alive (heartbeat within two intervals).",
		}),
		HeartbeatsMissed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "forge",
			Subsystem: "worker",
			Name:      "heartbeats_missed_total",
			Help:      "Heartbeat deadlines that elapsed without a beat arriving.",
		}),
		LogBytesIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "forge",
			Subsystem: "logarchive",
			Name:      "bytes_ingested_total",
			Help:      "Bytes appended to per-job logs via LogLine frames.",
		}),
		ArchiveFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "forge",
			Subsystem: "logarchive",
			Name:      "archive_failures_total",
			Help:      "LogComplete handling failures, by backend.",
		}, []string{"backend"}),
		StoreRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "forge",
			Subsystem: "store",
			Name:      "retries_total",
			Help:      "Transient store errors retried, by operation.",
		}, []string{"op"}),
	}
	reg.MustRegister(
		m.JobsDispatched, m.JobsCompleted, m.JobDuration, m.GroupsAdmitted,
		m.WorkersConnected, m.HeartbeatsMissed, m.LogBytesIngested,
		m.ArchiveFailures, m.StoreRetries,
	)
	return m
}
