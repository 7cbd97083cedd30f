package tracking

import (
	"time"

	"backend-runwith/internal/geosampler"
	"backend-runwith/internal/run"
	"backend-runwith/internal/shared/geo"
	"backend-runwith/internal/shared/units"
)

type PositionRequest struct {
	Latitude  *float64 `json:"latitude" validate:"required,latitude"`
	Longitude *float64 `json:"longitude" validate:"required,longitude"`
}

func (r PositionRequest) Coordinate() geo.Coordinate {
	return geo.Coordinate{Latitude: *r.Latitude, Longitude: *r.Longitude}
}

type SampleRequest struct {
	PositionRequest
	AccuracyM  float64   `json:"accuracy_m" validate:"gte=0"`
	RecordedAt time.Time `json:"recorded_at"`
}

func (r SampleRequest) Sample() geosampler.Sample {
	recordedAt := r.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = time.Now()
	}
	return geosampler.Sample{Coordinate: r.Coordinate(), AccuracyM: r.AccuracyM, RecordedAt: recordedAt}
}

type ErrorReport struct {
	Kind string `json:"kind" validate:"required,oneof=permission_denied unavailable timeout"`
}

// RunState is the caller-facing view of the current or last run.
type RunState struct {
	run.Snapshot
	Elapsed         string  `json:"elapsed"`
	DistanceKm      float64 `json:"distance_km"`
	PaceSecPerKm    float64 `json:"pace_sec_per_km"`
	JoinedOwnerID   string  `json:"joined_owner_id,omitempty"`
	FinalizePending bool    `json:"finalize_pending"`
	AbortReason     string  `json:"abort_reason,omitempty"`
}

func newRunState(snap run.Snapshot) RunState {
	return RunState{
		Snapshot:     snap,
		Elapsed:      units.FormatElapsed(snap.ElapsedSeconds),
		DistanceKm:   units.Kilometers(snap.DistanceM),
		PaceSecPerKm: units.PaceSecondsPerKm(snap.DistanceM, snap.ElapsedSeconds),
	}
}
