package history

import (
	"context"
	"errors"
	"testing"
	"time"

	"backend-runwith/internal/db"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v3"
)

var runColumns = []string{"id", "session_id", "owner_id", "distance_m", "duration_sec", "route", "started_at", "finished_at", "created_at"}

func TestListRuns(t *testing.T) {
	mock := newMock(t)
	defer mock.Close()

	now := time.Now()
	mock.ExpectQuery(`SELECT id, session_id, owner_id, distance_m, duration_sec, route`).
		WithArgs("user-1", 5).
		WillReturnRows(pgxmock.NewRows(runColumns).
			AddRow("run-2", "sess-2", "user-1", 5000.0, int64(1500), []byte(`[{"latitude":1,"longitude":2},{"latitude":1.01,"longitude":2}]`), now, now, now).
			AddRow("run-1", "sess-1", "user-1", 100.0, int64(30), []byte(`[]`), now, now, now.Add(-time.Hour)))

	runs, err := NewService(mock).List(context.Background(), "user-1", 5)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "run-2" || len(runs[0].Route) != 2 {
		t.Fatalf("unexpected runs: %+v", runs)
	}
}

func TestListRunsClampsLimit(t *testing.T) {
	mock := newMock(t)
	defer mock.Close()

	mock.ExpectQuery(`FROM completed_runs`).
		WithArgs("user-1", MaxListLimit).
		WillReturnRows(pgxmock.NewRows(runColumns))

	runs, err := NewService(mock).List(context.Background(), "user-1", 1000)
	if err != nil || len(runs) != 0 {
		t.Fatalf("expected empty list, got %v %v", runs, err)
	}
}

func TestListRunsError(t *testing.T) {
	mock := newMock(t)
	defer mock.Close()

	mock.ExpectQuery(`FROM completed_runs`).WillReturnError(errors.New("timeout"))

	_, err := NewService(mock).List(context.Background(), "user-1", 0)
	if !errors.Is(err, db.ErrStoreReadFailed) {
		t.Fatalf("expected read failure, got %v", err)
	}
}

func TestStats(t *testing.T) {
	mock := newMock(t)
	defer mock.Close()

	mock.ExpectQuery(`SELECT total_runs, total_distance_m, total_time_sec`).
		WithArgs("user-1").
		WillReturnRows(pgxmock.NewRows([]string{"total_runs", "total_distance_m", "total_time_sec"}).AddRow(int64(3), 12000.0, int64(3725)))

	st, err := NewService(mock).Stats(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	view := NewStatsView(st)
	if view.TotalRuns != 3 || view.TotalTime != "01:02:05" || view.TotalDistanceKm != 12 {
		t.Fatalf("unexpected stats view: %+v", view)
	}
}

func TestStatsNoRuns(t *testing.T) {
	mock := newMock(t)
	defer mock.Close()

	mock.ExpectQuery(`FROM user_stats`).WithArgs("user-2").WillReturnError(pgx.ErrNoRows)

	st, err := NewService(mock).Stats(context.Background(), "user-2")
	if err != nil || st != (Stats{}) {
		t.Fatalf("expected zero stats, got %+v %v", st, err)
	}
}

func TestStatsError(t *testing.T) {
	mock := newMock(t)
	defer mock.Close()

	mock.ExpectQuery(`FROM user_stats`).WillReturnError(errors.New("boom"))

	if _, err := NewService(mock).Stats(context.Background(), "user-1"); !errors.Is(err, db.ErrStoreReadFailed) {
		t.Fatalf("expected read failure, got %v", err)
	}
}
