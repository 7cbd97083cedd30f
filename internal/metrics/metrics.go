package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Run tracking
	ActiveRuns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "runwith_active_runs",
			Help: "Runs currently being tracked by this instance",
		},
	)

	SamplesRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runwith_position_samples_total",
			Help: "Position samples delivered to run sessions",
		},
		[]string{"result"}, // "accepted", "rejected"
	)

	SourceErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runwith_position_source_errors_total",
			Help: "Position source failures that aborted a run",
		},
		[]string{"kind"},
	)

	RunsEnded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runwith_runs_ended_total",
			Help: "Runs that left the active state",
		},
		[]string{"outcome"}, // "finished", "cancelled", "aborted"
	)

	// Presence
	PresenceWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runwith_presence_writes_total",
			Help: "Active-session record writes",
		},
		[]string{"op", "result"},
	)

	PresenceResyncs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runwith_presence_resyncs_total",
			Help: "Presence view rebuilds from the active-session store",
		},
		[]string{"result"},
	)

	PresenceVisibleRecords = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "runwith_presence_visible_records",
			Help: "Visible active sessions in the last rebuilt presence view",
		},
	)

	// Finalize
	FinalizeSteps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runwith_finalize_steps_total",
			Help: "Finalize step outcomes",
		},
		[]string{"step", "result"},
	)
)
