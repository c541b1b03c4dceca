// Package telemetry wires Prometheus metrics and an OpenTelemetry tracer
// for the record/replay core. The recorder and player update these
// Prometheus collectors directly on their hot paths; there is no separate
// emission channel.
//
// Adapted from internal/metrics/metrics.go's promauto var-block idiom,
// renamed from log-pipeline metric names to record/replay metric names,
// and pkg/tracing/tracing.go's TracingManager shape, trimmed to the
// subset the domain stack retains (see SPEC_FULL.md's dropped-dependency
// list for the exporters this drops and why).
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsRecordedTotal counts record_event calls that durably reached
	// the ledger, by event_type and adapter.
	EventsRecordedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentreplay_events_recorded_total",
			Help: "Total number of events durably recorded to the ledger",
		},
		[]string{"event_type", "adapter"},
	)

	// LookupsTotal counts Player.Lookup calls by outcome.
	LookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentreplay_lookups_total",
			Help: "Total number of replay lookups, by outcome",
		},
		[]string{"event_type", "adapter", "outcome"}, // outcome: matched, key_miss, fingerprint_miss, type_mismatch, order_mismatch
	)

	// WriteQueueDepth reports the current depth of the Background Writer's
	// bounded queue.
	WriteQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agentreplay_write_queue_depth",
		Help: "Current number of entries queued for the background writer",
	})

	// WriteQueueCapacity reports the configured capacity of the write queue.
	WriteQueueCapacity = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agentreplay_write_queue_capacity",
		Help: "Configured capacity of the background writer queue",
	})

	// SegmentRotationsTotal counts ledger segment rollovers.
	SegmentRotationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentreplay_segment_rotations_total",
		Help: "Total number of event ledger segment rotations",
	})

	// WriterFailuresTotal counts times the Background Writer entered its
	// sticky failed state.
	WriterFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentreplay_writer_failures_total",
		Help: "Total number of background writer sticky failures",
	})

	// RecordEventDuration times the synchronous portion of record_event
	// (normalize + fingerprint + enqueue), by event_type.
	RecordEventDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentreplay_record_event_duration_seconds",
			Help:    "Time spent in the synchronous portion of record_event",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"event_type"},
	)
)

// ObserveQueueDepth updates the write-queue gauges from a bgwriter.Stats
// snapshot-shaped pair of ints, kept decoupled from pkg/bgwriter to avoid
// an import cycle (telemetry is consumed by internal/recorder and
// internal/player, not by pkg/bgwriter).
func ObserveQueueDepth(depth, capacity int) {
	WriteQueueDepth.Set(float64(depth))
	WriteQueueCapacity.Set(float64(capacity))
}
