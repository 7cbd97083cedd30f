package presence

import (
	"context"
	"sort"
	"sync"

	"backend-runwith/internal/logging"
	"backend-runwith/internal/metrics"

	"github.com/rs/zerolog"
)

// VisibilityResolver reports the visibility flag of the given owners.
// Owners missing from the result are treated as visible.
type VisibilityResolver interface {
	VisibleOwners(ctx context.Context, ownerIDs []string) (map[string]bool, error)
}

// AllVisible is a VisibilityResolver for deployments without profiles.
type AllVisible struct{}

func (AllVisible) VisibleOwners(context.Context, []string) (map[string]bool, error) {
	return map[string]bool{}, nil
}

// Sync maintains the set of visible active sessions by re-reading the store
// on every change notification. Rebuilding from source makes duplicate and
// stale notifications harmless.
type Sync struct {
	store      Store
	feed       Feed
	visibility VisibilityResolver
	log        zerolog.Logger

	resyncMu sync.Mutex

	mu      sync.RWMutex
	records map[string]ActiveSessionRecord
	version uint64

	listenersMu sync.Mutex
	listeners   []func()
}

func NewSync(store Store, feed Feed, visibility VisibilityResolver) *Sync {
	if visibility == nil {
		visibility = AllVisible{}
	}
	return &Sync{
		store:      store,
		feed:       feed,
		visibility: visibility,
		log:        logging.With("presence-sync"),
		records:    map[string]ActiveSessionRecord{},
	}
}

// OnChange registers fn to run after every successful rebuild.
func (s *Sync) OnChange(fn func()) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Serve subscribes to the feed and rebuilds on every notification. A feed
// drop returns the error so the supervisor restarts Serve, which resyncs in
// full once the new subscription is live. The view keeps its last known
// state in between.
func (s *Sync) Serve(ctx context.Context) error {
	rebuild := func() {
		if err := s.Resync(ctx); err != nil && ctx.Err() == nil {
			s.log.Warn().Err(err).Msg("presence rebuild failed, keeping last known view")
		}
	}
	err := s.feed.Listen(ctx, rebuild, func(Change) { rebuild() })
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err == nil {
		err = ErrFeedDisconnected
	}
	s.log.Warn().Err(err).Msg("presence feed lost, view degraded to last known state")
	return err
}

// Resync rebuilds the view from the store.
func (s *Sync) Resync(ctx context.Context) error {
	s.resyncMu.Lock()
	defer s.resyncMu.Unlock()

	records, err := s.store.List(ctx)
	if err != nil {
		metrics.PresenceResyncs.WithLabelValues("error").Inc()
		return err
	}

	owners := make([]string, 0, len(records))
	for _, rec := range records {
		owners = append(owners, rec.OwnerID)
	}
	visible, err := s.visibility.VisibleOwners(ctx, owners)
	if err != nil {
		metrics.PresenceResyncs.WithLabelValues("error").Inc()
		return err
	}

	next := make(map[string]ActiveSessionRecord, len(records))
	for _, rec := range records {
		if v, ok := visible[rec.OwnerID]; ok && !v {
			continue
		}
		next[rec.OwnerID] = rec
	}

	s.mu.Lock()
	s.records = next
	s.version++
	s.mu.Unlock()

	metrics.PresenceResyncs.WithLabelValues("ok").Inc()
	metrics.PresenceVisibleRecords.Set(float64(len(next)))

	s.listenersMu.Lock()
	listeners := append([]func(){}, s.listeners...)
	s.listenersMu.Unlock()
	for _, fn := range listeners {
		fn()
	}
	return nil
}

// View returns the visible active sessions of everyone but localOwnerID.
func (s *Sync) View(localOwnerID string) map[string]ActiveSessionRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]ActiveSessionRecord, len(s.records))
	for owner, rec := range s.records {
		if owner == localOwnerID {
			continue
		}
		out[owner] = cloneRecord(rec)
	}
	return out
}

// ViewList is View ordered by owner id.
func (s *Sync) ViewList(localOwnerID string) []ActiveSessionRecord {
	view := s.View(localOwnerID)
	out := make([]ActiveSessionRecord, 0, len(view))
	for _, rec := range view {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OwnerID < out[j].OwnerID })
	return out
}

// Version increments on every rebuild.
func (s *Sync) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Join checks that targetOwnerID is a visible active runner. Joining does
// not share a session: the caller starts its own run at its own position.
func (s *Sync) Join(localOwnerID, targetOwnerID string) (ActiveSessionRecord, error) {
	if localOwnerID == targetOwnerID {
		return ActiveSessionRecord{}, ErrJoinSelf
	}
	rec, ok := s.View(localOwnerID)[targetOwnerID]
	if !ok {
		return ActiveSessionRecord{}, ErrTargetNotActive
	}
	return rec, nil
}
