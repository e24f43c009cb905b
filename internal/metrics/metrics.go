// Package metrics exposes Prometheus collectors for the automation core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// EventsPublished counts events published on the bus, by kind.
	EventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orrery_events_published_total",
			Help: "Total events published on the bus",
		},
		[]string{"kind"},
	)

	// FramesTotal counts frame scheduler ticks.
	FramesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "orrery_frames_total",
			Help: "Total frame scheduler ticks",
		},
	)

	// BandInvocations counts update callback invocations per priority band.
	BandInvocations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orrery_band_invocations_total",
			Help: "Update callback invocations per priority band",
		},
		[]string{"band"},
	)

	// BandSeconds accumulates update callback time per priority band.
	BandSeconds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orrery_band_seconds_total",
			Help: "Cumulative update callback time per priority band",
		},
		[]string{"band"},
	)

	// BandSkipped counts throttle skips per priority band.
	BandSkipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orrery_band_skipped_total",
			Help: "Throttled tick skips per priority band",
		},
		[]string{"band"},
	)

	// QueueDepth tracks the pending item count per drainer band.
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "orrery_queue_depth",
			Help: "Pending items per priority queue band",
		},
		[]string{"band"},
	)

	// RuleCycles counts rule engine cycles by outcome (executed, skipped, error).
	RuleCycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orrery_rule_cycles_total",
			Help: "Rule engine cycles by outcome",
		},
		[]string{"outcome"},
	)

	// RoutineRuns counts routine executions by kind and outcome.
	RoutineRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orrery_routine_runs_total",
			Help: "Routine scheduler runs by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(EventsPublished)
	prometheus.MustRegister(FramesTotal)
	prometheus.MustRegister(BandInvocations)
	prometheus.MustRegister(BandSeconds)
	prometheus.MustRegister(BandSkipped)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(RuleCycles)
	prometheus.MustRegister(RoutineRuns)
}
