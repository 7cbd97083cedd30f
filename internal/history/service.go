package history

import (
	"context"
	"errors"
	"fmt"

	"backend-runwith/internal/db"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
)

const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)

// Service reads run history and statistics.
type Service struct {
	db db.Querier
}

func NewService(q db.Querier) *Service {
	return &Service{db: q}
}

// List returns the newest runs of ownerID first.
func (s *Service) List(ctx context.Context, ownerID string, limit int) ([]CompletedRun, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}

	rows, err := s.db.Query(ctx, `
		SELECT id, session_id, owner_id, distance_m, duration_sec, route, started_at, finished_at, created_at
		FROM completed_runs WHERE owner_id=$1
		ORDER BY created_at DESC
		LIMIT $2
	`, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", db.ErrStoreReadFailed, err)
	}
	defer rows.Close()

	runs := []CompletedRun{}
	for rows.Next() {
		var r CompletedRun
		var route []byte
		if err := rows.Scan(&r.ID, &r.SessionID, &r.OwnerID, &r.DistanceM, &r.DurationSec, &route, &r.StartedAt, &r.FinishedAt, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("%w: %v", db.ErrStoreReadFailed, err)
		}
		if err := json.Unmarshal(route, &r.Route); err != nil {
			return nil, fmt.Errorf("%w: route of run %s: %v", db.ErrStoreReadFailed, r.ID, err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", db.ErrStoreReadFailed, err)
	}
	return runs, nil
}

// Stats returns the aggregate totals of ownerID; zero totals when the user
// has never finished a run.
func (s *Service) Stats(ctx context.Context, ownerID string) (Stats, error) {
	var st Stats
	err := s.db.QueryRow(ctx, `
		SELECT total_runs, total_distance_m, total_time_sec
		FROM user_stats WHERE user_id=$1
	`, ownerID).Scan(&st.TotalRuns, &st.TotalDistanceM, &st.TotalTimeSec)
	if errors.Is(err, pgx.ErrNoRows) {
		return Stats{}, nil
	}
	if err != nil {
		return Stats{}, fmt.Errorf("%w: %v", db.ErrStoreReadFailed, err)
	}
	return st, nil
}
