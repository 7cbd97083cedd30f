package history

import (
	"context"
	"errors"
	"fmt"

	"backend-runwith/internal/db"
	"backend-runwith/internal/logging"
	"backend-runwith/internal/metrics"
	"backend-runwith/internal/run"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type Step string

const (
	StepInsertRun    Step = "insert_run"
	StepRemoveActive Step = "remove_active"
	StepApplyStats   Step = "apply_stats"
)

// FinalizeError reports the first finalize step that failed. Earlier steps
// stay applied; calling Finalize again with the same snapshot resumes safely.
type FinalizeError struct {
	Step Step
	Err  error
}

func (e *FinalizeError) Error() string {
	return fmt.Sprintf("finalize %s: %v", e.Step, e.Err)
}

func (e *FinalizeError) Unwrap() error { return e.Err }

// ActiveRemover deletes the active-session record of an owner.
type ActiveRemover interface {
	Remove(ctx context.Context, ownerID string) error
}

// Finalizer persists finished runs. It is idempotent per session id: the
// completed_runs.session_id unique key absorbs repeated inserts and the
// stats_applied flag guards the statistics increment.
type Finalizer struct {
	db     db.Querier
	active ActiveRemover
	log    zerolog.Logger
}

func NewFinalizer(q db.Querier, active ActiveRemover) *Finalizer {
	return &Finalizer{db: q, active: active, log: logging.With("finalizer")}
}

func (f *Finalizer) Finalize(ctx context.Context, snap run.Snapshot) (CompletedRun, error) {
	if snap.Status != run.StatusFinished {
		return CompletedRun{}, fmt.Errorf("%w: finalize from %s", run.ErrInvalidTransition, snap.Status)
	}

	if f.db == nil {
		return f.discard(ctx, snap)
	}
	completed, err := f.insertRun(ctx, snap)
	if err != nil {
		return CompletedRun{}, f.fail(snap, StepInsertRun, err)
	}
	f.ok(StepInsertRun)

	if f.active != nil {
		if err := f.active.Remove(ctx, snap.OwnerID); err != nil {
			return completed, f.fail(snap, StepRemoveActive, err)
		}
	}
	f.ok(StepRemoveActive)

	if err := f.applyStats(ctx, snap); err != nil {
		return completed, f.fail(snap, StepApplyStats, err)
	}
	f.ok(StepApplyStats)

	f.log.Info().
		Str("owner_id", snap.OwnerID).
		Str("session_id", snap.SessionID).
		Str("run_id", completed.ID).
		Float64("distance_m", snap.DistanceM).
		Int64("duration_sec", snap.ElapsedSeconds).
		Msg("run finalized")
	return completed, nil
}

// discard ends a run when history is disabled: the presence record is still
// removed, nothing is persisted and the returned run has no id.
func (f *Finalizer) discard(ctx context.Context, snap run.Snapshot) (CompletedRun, error) {
	completed := newCompletedRun(snap)
	if f.active != nil {
		if err := f.active.Remove(ctx, snap.OwnerID); err != nil {
			return completed, f.fail(snap, StepRemoveActive, err)
		}
	}
	f.ok(StepRemoveActive)

	f.log.Warn().
		Str("owner_id", snap.OwnerID).
		Str("session_id", snap.SessionID).
		Msg("history disabled, run not persisted")
	return completed, nil
}

func newCompletedRun(snap run.Snapshot) CompletedRun {
	return CompletedRun{
		SessionID:   snap.SessionID,
		OwnerID:     snap.OwnerID,
		DistanceM:   snap.DistanceM,
		DurationSec: snap.ElapsedSeconds,
		Route:       snap.Route,
		StartedAt:   snap.StartedAt,
		FinishedAt:  snap.FinishedAt,
	}
}

func (f *Finalizer) insertRun(ctx context.Context, snap run.Snapshot) (CompletedRun, error) {
	route, err := json.Marshal(snap.Route)
	if err != nil {
		return CompletedRun{}, err
	}

	completed := newCompletedRun(snap)
	// on retry the existing row wins and its id is returned
	row := f.db.QueryRow(ctx, `
		INSERT INTO completed_runs (id, session_id, owner_id, distance_m, duration_sec, route, started_at, finished_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (session_id) DO UPDATE SET session_id = EXCLUDED.session_id
		RETURNING id, created_at
	`, uuid.NewString(), snap.SessionID, snap.OwnerID, snap.DistanceM, snap.ElapsedSeconds, route, snap.StartedAt, snap.FinishedAt)
	if err := row.Scan(&completed.ID, &completed.CreatedAt); err != nil {
		return CompletedRun{}, err
	}
	return completed, nil
}

// applyStats marks the run as counted and increments the totals in one
// transaction. A run already counted leaves the totals untouched.
func (f *Finalizer) applyStats(ctx context.Context, snap run.Snapshot) error {
	tx, err := f.db.Begin(ctx)
	if err != nil {
		return err
	}

	tag, err := tx.Exec(ctx, `
		UPDATE completed_runs SET stats_applied = TRUE
		WHERE session_id=$1 AND stats_applied = FALSE
	`, snap.SessionID)
	if err != nil {
		_ = tx.Rollback(ctx)
		return err
	}

	if tag.RowsAffected() == 1 {
		_, err = tx.Exec(ctx, `
			INSERT INTO user_stats (user_id, total_runs, total_distance_m, total_time_sec)
			VALUES ($1, 1, $2, $3)
			ON CONFLICT (user_id) DO UPDATE SET
				total_runs = user_stats.total_runs + 1,
				total_distance_m = user_stats.total_distance_m + EXCLUDED.total_distance_m,
				total_time_sec = user_stats.total_time_sec + EXCLUDED.total_time_sec,
				updated_at = now()
		`, snap.OwnerID, snap.DistanceM, snap.ElapsedSeconds)
		if err != nil {
			_ = tx.Rollback(ctx)
			return err
		}
	}
	return tx.Commit(ctx)
}

func (f *Finalizer) fail(snap run.Snapshot, step Step, err error) error {
	if !errors.Is(err, db.ErrStoreWriteFailed) {
		err = fmt.Errorf("%w: %v", db.ErrStoreWriteFailed, err)
	}
	metrics.FinalizeSteps.WithLabelValues(string(step), "error").Inc()
	f.log.Error().Err(err).
		Str("owner_id", snap.OwnerID).
		Str("session_id", snap.SessionID).
		Str("step", string(step)).
		Msg("finalize step failed")
	return &FinalizeError{Step: step, Err: err}
}

func (f *Finalizer) ok(step Step) {
	metrics.FinalizeSteps.WithLabelValues(string(step), "ok").Inc()
}
