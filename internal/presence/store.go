package presence

import (
	"context"
	"sync"
	"time"

	"backend-runwith/internal/shared/geo"
)

// Store keeps one ActiveSessionRecord per owner.
type Store interface {
	Upsert(ctx context.Context, rec ActiveSessionRecord) error
	Delete(ctx context.Context, ownerID string) error
	List(ctx context.Context) ([]ActiveSessionRecord, error)
}

// Feed delivers change notifications for the active-session collection.
// Delivery is at-least-once, possibly duplicated or out of order.
type Feed interface {
	// Listen calls ready once the subscription is live, then fn for each
	// notification until ctx ends (nil) or the feed drops (ErrFeedDisconnected).
	Listen(ctx context.Context, ready func(), fn func(Change)) error
}

// MemoryStore is an in-process Store and Feed for single-node deployments
// and tests. Like the Redis store, a record not refreshed within ttl expires.
type MemoryStore struct {
	ttl time.Duration
	now func() time.Time

	mu        sync.Mutex
	records   map[string]memoryRecord
	listeners map[chan Change]chan error
}

type memoryRecord struct {
	rec       ActiveSessionRecord
	expiresAt time.Time
}

// NewMemoryStore returns an empty store. A zero ttl keeps records until they
// are deleted.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		ttl:       ttl,
		now:       time.Now,
		records:   map[string]memoryRecord{},
		listeners: map[chan Change]chan error{},
	}
}

func (m *MemoryStore) Upsert(_ context.Context, rec ActiveSessionRecord) error {
	m.mu.Lock()
	entry := memoryRecord{rec: cloneRecord(rec)}
	if m.ttl > 0 {
		entry.expiresAt = m.now().Add(m.ttl)
	}
	m.records[rec.OwnerID] = entry
	m.mu.Unlock()
	m.notify(Change{Op: OpUpsert, OwnerID: rec.OwnerID, At: time.Now()})
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, ownerID string) error {
	m.mu.Lock()
	delete(m.records, ownerID)
	m.mu.Unlock()
	m.notify(Change{Op: OpDelete, OwnerID: ownerID, At: time.Now()})
	return nil
}

// List returns the live records and drops the expired ones.
func (m *MemoryStore) List(_ context.Context) ([]ActiveSessionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	out := make([]ActiveSessionRecord, 0, len(m.records))
	for owner, entry := range m.records {
		if entry.expired(now) {
			delete(m.records, owner)
			continue
		}
		out = append(out, cloneRecord(entry.rec))
	}
	return out, nil
}

func (m *MemoryStore) Get(ownerID string) (ActiveSessionRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.records[ownerID]
	if !ok || entry.expired(m.now()) {
		return ActiveSessionRecord{}, false
	}
	return cloneRecord(entry.rec), true
}

func (e memoryRecord) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

func (m *MemoryStore) Listen(ctx context.Context, ready func(), fn func(Change)) error {
	ch := make(chan Change, 64)
	dropped := make(chan error, 1)
	m.mu.Lock()
	m.listeners[ch] = dropped
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.listeners, ch)
		m.mu.Unlock()
	}()

	if ready != nil {
		ready()
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-dropped:
			return err
		case change := <-ch:
			fn(change)
		}
	}
}

// Disconnect drops every listener with ErrFeedDisconnected.
func (m *MemoryStore) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for ch, dropped := range m.listeners {
		select {
		case dropped <- ErrFeedDisconnected:
		default:
		}
		delete(m.listeners, ch)
	}
}

func (m *MemoryStore) notify(change Change) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for ch := range m.listeners {
		// a full buffer already holds a pending rebuild trigger
		select {
		case ch <- change:
		default:
		}
	}
}

func cloneRecord(rec ActiveSessionRecord) ActiveSessionRecord {
	if rec.Route != nil {
		route := make([]geo.Coordinate, len(rec.Route))
		copy(route, rec.Route)
		rec.Route = route
	}
	return rec
}
