package history

import (
	"time"

	"backend-runwith/internal/shared/geo"
	"backend-runwith/internal/shared/units"
)

// CompletedRun is the durable record of one finished run.
type CompletedRun struct {
	ID          string           `json:"id"`
	SessionID   string           `json:"session_id"`
	OwnerID     string           `json:"owner_id"`
	DistanceM   float64          `json:"distance_m"`
	DurationSec int64            `json:"duration_sec"`
	Route       []geo.Coordinate `json:"route"`
	StartedAt   time.Time        `json:"started_at"`
	FinishedAt  time.Time        `json:"finished_at"`
	CreatedAt   time.Time        `json:"created_at"`
}

type Stats struct {
	TotalRuns      int64   `json:"total_runs"`
	TotalDistanceM float64 `json:"total_distance_m"`
	TotalTimeSec   int64   `json:"total_time_sec"`
}

type RunView struct {
	CompletedRun
	DistanceKm   float64 `json:"distance_km"`
	Duration     string  `json:"duration"`
	PaceSecPerKm float64 `json:"pace_sec_per_km"`
}

type StatsView struct {
	Stats
	TotalDistanceKm     float64 `json:"total_distance_km"`
	TotalTime           string  `json:"total_time"`
	AveragePaceSecPerKm float64 `json:"average_pace_sec_per_km"`
}

func NewRunView(r CompletedRun) RunView {
	return RunView{
		CompletedRun: r,
		DistanceKm:   units.Kilometers(r.DistanceM),
		Duration:     units.FormatElapsed(r.DurationSec),
		PaceSecPerKm: units.PaceSecondsPerKm(r.DistanceM, r.DurationSec),
	}
}

func NewStatsView(s Stats) StatsView {
	return StatsView{
		Stats:               s,
		TotalDistanceKm:     units.Kilometers(s.TotalDistanceM),
		TotalTime:           units.FormatElapsed(s.TotalTimeSec),
		AveragePaceSecPerKm: units.PaceSecondsPerKm(s.TotalDistanceM, s.TotalTimeSec),
	}
}
