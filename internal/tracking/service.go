// Package tracking drives one live run per user: it wires the run session
// to its position sampler, its interval clock, presence publishing and
// finalization.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"backend-runwith/internal/geosampler"
	"backend-runwith/internal/history"
	"backend-runwith/internal/logging"
	"backend-runwith/internal/metrics"
	"backend-runwith/internal/presence"
	"backend-runwith/internal/run"
	"backend-runwith/internal/shared/geo"

	"github.com/rs/zerolog"
)

var (
	ErrNoActiveRun     = errors.New("no active run")
	ErrRunInProgress   = errors.New("run already in progress")
	ErrFinalizePending = errors.New("previous run is awaiting finalize")
	ErrNoPendingRun    = errors.New("no run awaiting finalize")
	ErrUnknownKind     = errors.New("unknown position error kind")
)

// Presence publishes and removes active-session records.
type Presence interface {
	Publish(rec presence.ActiveSessionRecord)
	Remove(ctx context.Context, ownerID string) error
}

// Joiner resolves a join target among visible active runners.
type Joiner interface {
	Join(localOwnerID, targetOwnerID string) (presence.ActiveSessionRecord, error)
}

type Finalizer interface {
	Finalize(ctx context.Context, snap run.Snapshot) (history.CompletedRun, error)
}

type Options struct {
	TickInterval  time.Duration
	SampleTimeout time.Duration
	// RemoveTimeout bounds presence deletes issued from background paths.
	RemoveTimeout time.Duration
	// PresenceRefresh republishes an idle run's record from the clock so it
	// outlives the store's stale window. It must be shorter than that window.
	PresenceRefresh time.Duration
}

type Service struct {
	presence  Presence
	joiner    Joiner
	finalizer Finalizer
	opts      Options
	log       zerolog.Logger

	mu      sync.Mutex
	runs    map[string]*liveRun
	pending map[string]run.Snapshot
	aborted map[string]abortedRun
}

// liveRun bundles the producers feeding one session. mu serialises sample
// recording and publishing with the final transition.
type liveRun struct {
	session *run.Session
	source  *geosampler.PushSource
	sub     *geosampler.Subscription
	clock   *run.Clock
	joined  string

	mu          sync.Mutex
	publishedAt time.Time
}

type abortedRun struct {
	snap   run.Snapshot
	reason error
}

func NewService(p Presence, joiner Joiner, finalizer Finalizer, opts Options) *Service {
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Second
	}
	if opts.RemoveTimeout <= 0 {
		opts.RemoveTimeout = 5 * time.Second
	}
	if opts.PresenceRefresh <= 0 {
		opts.PresenceRefresh = 30 * time.Second
	}
	return &Service{
		presence:  p,
		joiner:    joiner,
		finalizer: finalizer,
		opts:      opts,
		log:       logging.With("tracking"),
		runs:      map[string]*liveRun{},
		pending:   map[string]run.Snapshot{},
		aborted:   map[string]abortedRun{},
	}
}

// StartRun begins a new run for ownerID at initial.
func (s *Service) StartRun(ctx context.Context, ownerID string, initial geo.Coordinate) (RunState, error) {
	return s.start(ownerID, initial, "")
}

// JoinRun starts the caller's own run at their position next to a visible
// active runner. The two runs stay independent.
func (s *Service) JoinRun(ctx context.Context, ownerID, targetOwnerID string, initial geo.Coordinate) (RunState, error) {
	if _, err := s.joiner.Join(ownerID, targetOwnerID); err != nil {
		return RunState{}, err
	}
	return s.start(ownerID, initial, targetOwnerID)
}

func (s *Service) start(ownerID string, initial geo.Coordinate, joined string) (RunState, error) {
	if err := initial.Validate(); err != nil {
		return RunState{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[ownerID]; ok {
		return RunState{}, ErrRunInProgress
	}
	if _, ok := s.pending[ownerID]; ok {
		return RunState{}, ErrFinalizePending
	}

	session := run.NewSession(ownerID)
	if err := session.Start(initial); err != nil {
		return RunState{}, err
	}
	lr := &liveRun{session: session, source: geosampler.NewPushSource(), joined: joined}
	snap := session.Snapshot()
	s.publish(lr, snap)

	lr.clock = run.NewClock(s.opts.TickInterval, func() { s.tick(lr) })
	lr.sub = geosampler.New(lr.source, s.opts.SampleTimeout).Start(
		func(sample geosampler.Sample) { s.record(lr, sample) },
		func(err error) { s.abort(lr, err) },
	)
	lr.clock.Start()

	s.runs[ownerID] = lr
	delete(s.aborted, ownerID)

	metrics.ActiveRuns.Inc()
	s.log.Info().Str("owner_id", ownerID).Str("session_id", snap.SessionID).Str("joined_owner_id", joined).Msg("run started")

	state := newRunState(snap)
	state.JoinedOwnerID = joined
	return state, nil
}

func (s *Service) tick(lr *liveRun) {
	lr.mu.Lock()
	defer lr.mu.Unlock()

	if err := lr.session.Tick(); err != nil {
		s.log.Error().Err(err).Str("session_id", lr.session.ID()).Msg("tick after run ended")
		return
	}
	// keeps a runner without fresh samples from expiring out of presence
	if time.Since(lr.publishedAt) >= s.opts.PresenceRefresh {
		s.publish(lr, lr.session.Snapshot())
	}
}

// publish queues the run's record. Callers other than start hold lr.mu.
func (s *Service) publish(lr *liveRun, snap run.Snapshot) {
	s.presence.Publish(activeRecord(snap))
	lr.publishedAt = time.Now()
}

func (s *Service) record(lr *liveRun, sample geosampler.Sample) {
	lr.mu.Lock()
	defer lr.mu.Unlock()

	if err := lr.session.RecordPosition(sample.Coordinate); err != nil {
		metrics.SamplesRecorded.WithLabelValues("rejected").Inc()
		s.log.Warn().Err(err).Str("session_id", lr.session.ID()).Msg("position sample rejected")
		return
	}
	metrics.SamplesRecorded.WithLabelValues("accepted").Inc()
	s.publish(lr, lr.session.Snapshot())
}

// PushSample feeds a device position into the owner's active run.
func (s *Service) PushSample(ctx context.Context, ownerID string, sample geosampler.Sample) (RunState, error) {
	if err := sample.Coordinate.Validate(); err != nil {
		return RunState{}, err
	}
	lr, ok := s.active(ownerID)
	if !ok || !lr.source.Push(sample) {
		return RunState{}, ErrNoActiveRun
	}
	return s.liveState(lr), nil
}

// ReportSourceError fails the owner's position source; the run is aborted.
func (s *Service) ReportSourceError(ctx context.Context, ownerID, kind string) error {
	reason, ok := geosampler.ParseKind(kind)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	lr, ok := s.active(ownerID)
	if !ok {
		return ErrNoActiveRun
	}
	lr.source.Fail(reason)
	return nil
}

// Current reports the active run, a finished run awaiting finalize, or the
// last aborted run.
func (s *Service) Current(ownerID string) (RunState, error) {
	s.mu.Lock()
	lr, active := s.runs[ownerID]
	snap, pending := s.pending[ownerID]
	aborted, wasAborted := s.aborted[ownerID]
	s.mu.Unlock()

	switch {
	case active:
		return s.liveState(lr), nil
	case pending:
		state := newRunState(snap)
		state.FinalizePending = true
		return state, nil
	case wasAborted:
		state := newRunState(aborted.snap)
		state.AbortReason = aborted.reason.Error()
		return state, nil
	}
	return RunState{}, ErrNoActiveRun
}

// FinishRun ends the owner's run and finalizes it. When finalize fails the
// finished snapshot stays pending for RetryFinalize.
func (s *Service) FinishRun(ctx context.Context, ownerID string) (history.CompletedRun, error) {
	lr, ok := s.detach(ownerID)
	if !ok {
		return history.CompletedRun{}, ErrNoActiveRun
	}
	stopFeeds(lr)

	lr.mu.Lock()
	snap, err := lr.session.Finish()
	lr.mu.Unlock()
	if err != nil {
		return history.CompletedRun{}, err
	}
	metrics.ActiveRuns.Dec()
	metrics.RunsEnded.WithLabelValues("finished").Inc()
	s.log.Info().
		Str("owner_id", ownerID).
		Str("session_id", snap.SessionID).
		Int64("elapsed_sec", snap.ElapsedSeconds).
		Float64("distance_m", snap.DistanceM).
		Int("points", len(snap.Route)).
		Msg("run finished")

	s.mu.Lock()
	s.pending[ownerID] = snap
	s.mu.Unlock()
	return s.finalize(ctx, snap)
}

// RetryFinalize re-runs finalize for a finished run whose finalize failed.
func (s *Service) RetryFinalize(ctx context.Context, ownerID string) (history.CompletedRun, error) {
	s.mu.Lock()
	snap, ok := s.pending[ownerID]
	s.mu.Unlock()
	if !ok {
		return history.CompletedRun{}, ErrNoPendingRun
	}
	return s.finalize(ctx, snap)
}

func (s *Service) finalize(ctx context.Context, snap run.Snapshot) (history.CompletedRun, error) {
	completed, err := s.finalizer.Finalize(ctx, snap)
	if err != nil {
		return completed, err
	}
	s.mu.Lock()
	if p, ok := s.pending[snap.OwnerID]; ok && p.SessionID == snap.SessionID {
		delete(s.pending, snap.OwnerID)
	}
	s.mu.Unlock()
	return completed, nil
}

// CancelRun discards the owner's run and deletes its presence record.
func (s *Service) CancelRun(ctx context.Context, ownerID string) error {
	lr, ok := s.detach(ownerID)
	if !ok {
		return ErrNoActiveRun
	}
	stopFeeds(lr)

	lr.mu.Lock()
	err := lr.session.Cancel()
	lr.mu.Unlock()
	if err != nil {
		return err
	}
	metrics.ActiveRuns.Dec()
	metrics.RunsEnded.WithLabelValues("cancelled").Inc()
	s.log.Info().Str("owner_id", ownerID).Str("session_id", lr.session.ID()).Msg("run cancelled")

	return s.presence.Remove(ctx, ownerID)
}

// abort ends a run whose position source failed. It runs on the sampler's
// callback goroutine.
func (s *Service) abort(lr *liveRun, reason error) {
	ownerID := lr.session.OwnerID()
	s.mu.Lock()
	if s.runs[ownerID] != lr {
		s.mu.Unlock()
		return
	}
	delete(s.runs, ownerID)
	s.mu.Unlock()

	stopFeeds(lr)
	lr.mu.Lock()
	_ = lr.session.Cancel()
	lr.mu.Unlock()

	s.mu.Lock()
	s.aborted[ownerID] = abortedRun{snap: lr.session.Snapshot(), reason: reason}
	s.mu.Unlock()

	metrics.ActiveRuns.Dec()
	metrics.RunsEnded.WithLabelValues("aborted").Inc()
	metrics.SourceErrors.WithLabelValues(geosampler.Kind(reason)).Inc()
	s.log.Warn().Err(reason).Str("owner_id", ownerID).Str("session_id", lr.session.ID()).Msg("position source failed, run aborted")

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.RemoveTimeout)
	defer cancel()
	if err := s.presence.Remove(ctx, ownerID); err != nil {
		s.log.Error().Err(err).Str("owner_id", ownerID).Msg("remove presence after abort")
	}
}

// Shutdown cancels every active run and removes its presence record.
func (s *Service) Shutdown(ctx context.Context) {
	s.mu.Lock()
	owners := make([]string, 0, len(s.runs))
	for owner := range s.runs {
		owners = append(owners, owner)
	}
	s.mu.Unlock()

	for _, owner := range owners {
		if err := s.CancelRun(ctx, owner); err != nil && !errors.Is(err, ErrNoActiveRun) {
			s.log.Error().Err(err).Str("owner_id", owner).Msg("cancel run on shutdown")
		}
	}
}

func (s *Service) active(ownerID string) (*liveRun, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lr, ok := s.runs[ownerID]
	return lr, ok
}

func (s *Service) detach(ownerID string) (*liveRun, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lr, ok := s.runs[ownerID]
	if ok {
		delete(s.runs, ownerID)
	}
	return lr, ok
}

func (s *Service) liveState(lr *liveRun) RunState {
	state := newRunState(lr.session.Snapshot())
	state.JoinedOwnerID = lr.joined
	return state
}

// stopFeeds detaches the sampler and the clock. Both return only once their
// callbacks have finished, so nothing reaches the session afterwards.
func stopFeeds(lr *liveRun) {
	lr.sub.Stop()
	lr.clock.Stop()
}

func activeRecord(snap run.Snapshot) presence.ActiveSessionRecord {
	return presence.ActiveSessionRecord{
		OwnerID:         snap.OwnerID,
		SessionID:       snap.SessionID,
		CurrentLocation: snap.CurrentLocation(),
		Route:           snap.Route,
		StartedAt:       snap.StartedAt,
		UpdatedAt:       time.Now(),
	}
}
