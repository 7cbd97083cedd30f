package tracking

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"backend-runwith/internal/geosampler"
	"backend-runwith/internal/history"
	"backend-runwith/internal/presence"
	"backend-runwith/internal/run"
	"backend-runwith/internal/shared/geo"

	"github.com/pashagolub/pgxmock/v3"
)

var (
	start  = geo.Coordinate{Latitude: -23.5505, Longitude: -46.6333}
	second = geo.Coordinate{Latitude: -23.5506, Longitude: -46.6334}
	third  = geo.Coordinate{Latitude: -23.5510, Longitude: -46.6340}
)

type fakeFinalizer struct {
	mu    sync.Mutex
	calls []run.Snapshot
	err   error
}

func (f *fakeFinalizer) Finalize(_ context.Context, snap run.Snapshot) (history.CompletedRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, snap)
	if f.err != nil {
		return history.CompletedRun{}, f.err
	}
	return history.CompletedRun{ID: "run-1", SessionID: snap.SessionID, OwnerID: snap.OwnerID, DistanceM: snap.DistanceM, DurationSec: snap.ElapsedSeconds}, nil
}

func (f *fakeFinalizer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type harness struct {
	svc       *Service
	store     *presence.MemoryStore
	publisher *presence.Publisher
	sync      *presence.Sync
	finalizer *fakeFinalizer
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	if opts.TickInterval == 0 {
		opts.TickInterval = time.Hour
	}
	store := presence.NewMemoryStore(0)
	publisher := presence.NewPublisher(store, presence.BreakerConfig{})
	ps := presence.NewSync(store, store, nil)
	fin := &fakeFinalizer{}
	h := &harness{
		svc:       NewService(publisher, ps, fin, opts),
		store:     store,
		publisher: publisher,
		sync:      ps,
		finalizer: fin,
	}
	t.Cleanup(func() { h.svc.Shutdown(context.Background()) })
	return h
}

func (h *harness) flushed(owner string) (presence.ActiveSessionRecord, bool) {
	h.publisher.Flush(context.Background())
	return h.store.Get(owner)
}

func sample(c geo.Coordinate) geosampler.Sample {
	return geosampler.Sample{Coordinate: c, RecordedAt: time.Now()}
}

func TestStartPushFinish(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	state, err := h.svc.StartRun(ctx, "user-1", start)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if state.Status != run.StatusActive || len(state.Route) != 1 {
		t.Fatalf("unexpected start state: %+v", state)
	}
	if rec, ok := h.flushed("user-1"); !ok || rec.CurrentLocation != start {
		t.Fatalf("expected presence record at start, got %+v", rec)
	}

	if _, err := h.svc.PushSample(ctx, "user-1", sample(second)); err != nil {
		t.Fatalf("push: %v", err)
	}
	state, err = h.svc.PushSample(ctx, "user-1", sample(third))
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if len(state.Route) != 3 || state.DistanceM != geo.RouteDistance(state.Route) {
		t.Fatalf("unexpected live state: %+v", state)
	}
	if rec, ok := h.flushed("user-1"); !ok || len(rec.Route) != 3 || rec.CurrentLocation != third {
		t.Fatalf("presence record must mirror the route, got %+v", rec)
	}

	completed, err := h.svc.FinishRun(ctx, "user-1")
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if completed.DistanceM != state.DistanceM || h.finalizer.count() != 1 {
		t.Fatalf("unexpected completed run: %+v", completed)
	}
	if _, err := h.svc.Current("user-1"); !errors.Is(err, ErrNoActiveRun) {
		t.Fatalf("expected no run after finalize, got %v", err)
	}
	if _, err := h.svc.PushSample(ctx, "user-1", sample(start)); !errors.Is(err, ErrNoActiveRun) {
		t.Fatalf("expected push rejected after finish, got %v", err)
	}
}

func TestStartTwice(t *testing.T) {
	h := newHarness(t, Options{})
	if _, err := h.svc.StartRun(context.Background(), "user-1", start); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := h.svc.StartRun(context.Background(), "user-1", second); !errors.Is(err, ErrRunInProgress) {
		t.Fatalf("expected run in progress, got %v", err)
	}
}

func TestStartInvalidCoordinate(t *testing.T) {
	h := newHarness(t, Options{})
	if _, err := h.svc.StartRun(context.Background(), "user-1", geo.Coordinate{Latitude: 91}); !errors.Is(err, geo.ErrInvalidCoordinate) {
		t.Fatalf("expected invalid coordinate, got %v", err)
	}
	if _, err := h.svc.Current("user-1"); !errors.Is(err, ErrNoActiveRun) {
		t.Fatalf("no run should exist")
	}
}

func TestCancelDiscardsRunAndPresence(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	_, _ = h.svc.StartRun(ctx, "user-1", start)
	_, _ = h.svc.PushSample(ctx, "user-1", sample(second))
	if _, ok := h.flushed("user-1"); !ok {
		t.Fatalf("expected presence record before cancel")
	}

	if err := h.svc.CancelRun(ctx, "user-1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, ok := h.flushed("user-1"); ok {
		t.Fatalf("cancel must delete the presence record")
	}
	if h.finalizer.count() != 0 {
		t.Fatalf("cancel must not finalize")
	}
	if err := h.svc.CancelRun(ctx, "user-1"); !errors.Is(err, ErrNoActiveRun) {
		t.Fatalf("expected no active run, got %v", err)
	}
}

func TestSourceErrorAbortsRun(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	_, _ = h.svc.StartRun(ctx, "user-1", start)
	if err := h.svc.ReportSourceError(ctx, "user-1", "permission_denied"); err != nil {
		t.Fatalf("report: %v", err)
	}

	state, err := h.svc.Current("user-1")
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if state.Status != run.StatusCancelled || state.AbortReason == "" {
		t.Fatalf("expected aborted run, got %+v", state)
	}
	if _, ok := h.flushed("user-1"); ok {
		t.Fatalf("abort must delete the presence record")
	}
	if _, err := h.svc.PushSample(ctx, "user-1", sample(second)); !errors.Is(err, ErrNoActiveRun) {
		t.Fatalf("expected tracking stopped, got %v", err)
	}
	if h.finalizer.count() != 0 {
		t.Fatalf("abort must not finalize")
	}

	if _, err := h.svc.StartRun(ctx, "user-1", start); err != nil {
		t.Fatalf("restart after abort: %v", err)
	}
}

func TestReportUnknownKind(t *testing.T) {
	h := newHarness(t, Options{})
	if err := h.svc.ReportSourceError(context.Background(), "user-1", "meteor"); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected unknown kind, got %v", err)
	}
	if err := h.svc.ReportSourceError(context.Background(), "user-1", "timeout"); !errors.Is(err, ErrNoActiveRun) {
		t.Fatalf("expected no active run, got %v", err)
	}
}

func TestSampleTimeoutAbortsRun(t *testing.T) {
	h := newHarness(t, Options{SampleTimeout: 20 * time.Millisecond})
	_, _ = h.svc.StartRun(context.Background(), "user-1", start)

	deadline := time.Now().Add(2 * time.Second)
	for {
		state, err := h.svc.Current("user-1")
		if err == nil && state.AbortReason != "" {
			if state.AbortReason != geosampler.ErrTimeout.Error() || state.Status != run.StatusCancelled {
				t.Fatalf("unexpected abort state: %+v", state)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("run was not aborted by the sample timeout")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestClockAdvancesElapsed(t *testing.T) {
	h := newHarness(t, Options{TickInterval: 2 * time.Millisecond})
	_, _ = h.svc.StartRun(context.Background(), "user-1", start)

	deadline := time.Now().Add(2 * time.Second)
	for {
		state, _ := h.svc.Current("user-1")
		if state.ElapsedSeconds >= 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("clock did not tick")
		}
		time.Sleep(2 * time.Millisecond)
	}

	completed, err := h.svc.FinishRun(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if completed.DurationSec < 3 {
		t.Fatalf("expected ticks carried into the completed run, got %d", completed.DurationSec)
	}
}

func TestFinalizeFailureKeepsPendingForRetry(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	h.finalizer.err = &history.FinalizeError{Step: history.StepApplyStats, Err: errors.New("down")}

	_, _ = h.svc.StartRun(ctx, "user-1", start)
	_, _ = h.svc.PushSample(ctx, "user-1", sample(second))
	if _, err := h.svc.FinishRun(ctx, "user-1"); err == nil {
		t.Fatalf("expected finalize error")
	}

	state, err := h.svc.Current("user-1")
	if err != nil || !state.FinalizePending || state.Status != run.StatusFinished {
		t.Fatalf("expected pending finished run, got %+v %v", state, err)
	}
	if _, err := h.svc.StartRun(ctx, "user-1", start); !errors.Is(err, ErrFinalizePending) {
		t.Fatalf("expected finalize pending, got %v", err)
	}

	h.finalizer.mu.Lock()
	h.finalizer.err = nil
	h.finalizer.mu.Unlock()
	if _, err := h.svc.RetryFinalize(ctx, "user-1"); err != nil {
		t.Fatalf("retry: %v", err)
	}
	calls := h.finalizer.calls
	if len(calls) != 2 || calls[0].SessionID != calls[1].SessionID {
		t.Fatalf("retry must finalize the same snapshot")
	}
	if _, err := h.svc.RetryFinalize(ctx, "user-1"); !errors.Is(err, ErrNoPendingRun) {
		t.Fatalf("expected nothing pending, got %v", err)
	}
}

func TestJoinRun(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	if _, err := h.svc.JoinRun(ctx, "user-2", "user-1", second); !errors.Is(err, presence.ErrTargetNotActive) {
		t.Fatalf("expected target not active, got %v", err)
	}

	_, _ = h.svc.StartRun(ctx, "user-1", start)
	h.publisher.Flush(ctx)
	if err := h.sync.Resync(ctx); err != nil {
		t.Fatalf("resync: %v", err)
	}

	state, err := h.svc.JoinRun(ctx, "user-2", "user-1", second)
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if state.JoinedOwnerID != "user-1" || state.Route[0] != second || state.OwnerID != "user-2" {
		t.Fatalf("joined run must start at own position: %+v", state)
	}
	leader, _ := h.svc.Current("user-1")
	if leader.SessionID == state.SessionID {
		t.Fatalf("joined runs must not share a session")
	}
	if _, err := h.svc.JoinRun(ctx, "user-1", "user-1", start); !errors.Is(err, presence.ErrJoinSelf) {
		t.Fatalf("expected self join rejected, got %v", err)
	}
}

func TestConcurrentSamplesAndTicks(t *testing.T) {
	h := newHarness(t, Options{TickInterval: time.Millisecond})
	ctx := context.Background()
	_, _ = h.svc.StartRun(ctx, "user-1", start)

	const pushers, perPusher = 4, 50
	var wg sync.WaitGroup
	for p := 0; p < pushers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perPusher; i++ {
				c := geo.Coordinate{Latitude: start.Latitude + float64(p*perPusher+i)*1e-5, Longitude: start.Longitude}
				if _, err := h.svc.PushSample(ctx, "user-1", sample(c)); err != nil {
					t.Errorf("push: %v", err)
				}
			}
		}(p)
	}
	wg.Wait()

	if _, err := h.svc.FinishRun(ctx, "user-1"); err != nil {
		t.Fatalf("finish: %v", err)
	}
	snap := h.finalizer.calls[0]
	if len(snap.Route) != pushers*perPusher+1 {
		t.Fatalf("expected %d points, got %d", pushers*perPusher+1, len(snap.Route))
	}
	if snap.DistanceM != geo.RouteDistance(snap.Route) {
		t.Fatalf("distance drifted from route: %v vs %v", snap.DistanceM, geo.RouteDistance(snap.Route))
	}
}

func TestFinishWithHistoryFinalizer(t *testing.T) {
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("mock pool: %v", err)
	}
	defer mock.Close()

	store := presence.NewMemoryStore(0)
	publisher := presence.NewPublisher(store, presence.BreakerConfig{})
	svc := NewService(publisher, presence.NewSync(store, store, nil), history.NewFinalizer(mock, publisher), Options{TickInterval: time.Hour})
	ctx := context.Background()

	_, _ = svc.StartRun(ctx, "user-1", start)
	_, _ = svc.PushSample(ctx, "user-1", sample(second))
	publisher.Flush(ctx)

	mock.ExpectQuery(`INSERT INTO completed_runs`).
		WillReturnRows(pgxmock.NewRows([]string{"id", "created_at"}).AddRow("run-1", time.Now()))
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE completed_runs SET stats_applied = TRUE`).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`INSERT INTO user_stats`).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	completed, err := svc.FinishRun(ctx, "user-1")
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if completed.ID != "run-1" || len(completed.Route) != 2 {
		t.Fatalf("unexpected completed run: %+v", completed)
	}
	if _, ok := store.Get("user-1"); ok {
		t.Fatalf("finalize must delete the presence record")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestClockRepublishesIdleRun(t *testing.T) {
	h := newHarness(t, Options{TickInterval: 5 * time.Millisecond, PresenceRefresh: 10 * time.Millisecond})
	if _, err := h.svc.StartRun(context.Background(), "user-1", start); err != nil {
		t.Fatalf("start: %v", err)
	}
	first, ok := h.flushed("user-1")
	if !ok {
		t.Fatalf("expected initial record")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		rec, ok := h.flushed("user-1")
		if ok && rec.UpdatedAt.After(first.UpdatedAt) {
			if len(rec.Route) != 1 || rec.SessionID != first.SessionID {
				t.Fatalf("refresh must republish the same run: %+v", rec)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("idle run was never republished")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
