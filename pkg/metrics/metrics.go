// Package metrics provides Prometheus metrics for the Clover service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ResolutionsTotal tracks find-or-create outcomes
	ResolutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clover",
			Subsystem: "resolver",
			Name:      "resolutions_total",
			Help:      "Total number of find-or-create resolutions by outcome",
		},
		[]string{"outcome"},
	)

	// ResolutionDuration tracks find-or-create latency
	ResolutionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "clover",
			Subsystem: "resolver",
			Name:      "resolution_duration_seconds",
			Help:      "Duration of find-or-create resolutions in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
	)

	// ClaimWritesTotal tracks write-path operations by operation and result kind
	ClaimWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clover",
			Subsystem: "claims",
			Name:      "writes_total",
			Help:      "Total number of claim write operations by operation and result",
		},
		[]string{"operation", "result"},
	)

	// ConflictsTotal tracks uniqueness conflicts by where they were caught
	ConflictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clover",
			Subsystem: "claims",
			Name:      "conflicts_total",
			Help:      "Total number of uniqueness conflicts by detection stage",
		},
		[]string{"stage"},
	)

	// MergesTotal tracks merge outcomes
	MergesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clover",
			Subsystem: "merge",
			Name:      "merges_total",
			Help:      "Total number of person merges by result",
		},
		[]string{"result"},
	)

	// ObservationsTotal tracks observation records consumed from the intake topic
	ObservationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clover",
			Subsystem: "intake",
			Name:      "observations_total",
			Help:      "Total number of observation records processed by status",
		},
		[]string{"status"},
	)

	// EventSinkFailures tracks post-commit fan-out failures per sink
	EventSinkFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clover",
			Subsystem: "events",
			Name:      "sink_failures_total",
			Help:      "Total number of failed event deliveries by sink",
		},
		[]string{"sink"},
	)

	// EventsPublished tracks delivered events per sink
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clover",
			Subsystem: "events",
			Name:      "published_total",
			Help:      "Total number of events delivered by sink",
		},
		[]string{"sink"},
	)
)

// RecordResolution records a find-or-create outcome: created, matched or error
func RecordResolution(outcome string, durationSeconds float64) {
	ResolutionsTotal.WithLabelValues(outcome).Inc()
	ResolutionDuration.Observe(durationSeconds)
}

// RecordClaimWrite records a write-path result (ok, validation, conflict, not_found, storage)
func RecordClaimWrite(operation, result string) {
	ClaimWritesTotal.WithLabelValues(operation, result).Inc()
}

// RecordConflict records a uniqueness conflict caught at stage precheck or commit
func RecordConflict(stage string) {
	ConflictsTotal.WithLabelValues(stage).Inc()
}

func RecordMerge(result string) {
	MergesTotal.WithLabelValues(result).Inc()
}

func RecordObservation(status string) {
	ObservationsTotal.WithLabelValues(status).Inc()
}

func RecordSinkDelivery(sink string, count int, err error) {
	if err != nil {
		EventSinkFailures.WithLabelValues(sink).Inc()
		return
	}
	EventsPublished.WithLabelValues(sink).Add(float64(count))
}
