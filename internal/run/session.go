// Package run holds the run session state machine and its interval clock.
package run

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"backend-runwith/internal/shared/geo"

	"github.com/google/uuid"
)

type Status string

const (
	StatusIdle      Status = "idle"
	StatusActive    Status = "active"
	StatusFinished  Status = "finished"
	StatusCancelled Status = "cancelled"
)

var ErrInvalidTransition = errors.New("invalid session transition")

// Snapshot is an immutable copy of session data.
type Snapshot struct {
	SessionID      string           `json:"session_id"`
	OwnerID        string           `json:"owner_id"`
	Status         Status           `json:"status"`
	StartedAt      time.Time        `json:"started_at"`
	FinishedAt     time.Time        `json:"finished_at,omitempty"`
	ElapsedSeconds int64            `json:"elapsed_seconds"`
	DistanceM      float64          `json:"distance_m"`
	Route          []geo.Coordinate `json:"route"`
}

// CurrentLocation is the last route point, or the zero coordinate for an empty route.
func (s Snapshot) CurrentLocation() geo.Coordinate {
	if len(s.Route) == 0 {
		return geo.Coordinate{}
	}
	return s.Route[len(s.Route)-1]
}

// Session is one tracked run. All methods are safe for concurrent use; the
// clock calls Tick and the position stream calls RecordPosition.
type Session struct {
	mu sync.Mutex

	id         string
	ownerID    string
	status     Status
	startedAt  time.Time
	finishedAt time.Time
	elapsed    int64
	route      []geo.Coordinate
	distanceM  float64

	now func() time.Time
}

func NewSession(ownerID string) *Session {
	return &Session{
		id:      uuid.NewString(),
		ownerID: ownerID,
		status:  StatusIdle,
		now:     time.Now,
	}
}

func (s *Session) ID() string      { return s.id }
func (s *Session) OwnerID() string { return s.ownerID }

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) Start(initial geo.Coordinate) error {
	if err := initial.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusIdle {
		return transitionError("start", s.status)
	}
	s.status = StatusActive
	s.startedAt = s.now()
	s.route = []geo.Coordinate{initial}
	s.distanceM = 0
	s.elapsed = 0
	return nil
}

// Tick advances elapsed time by one second. It fails with
// ErrInvalidTransition outside the active state.
func (s *Session) Tick() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusActive {
		return transitionError("tick", s.status)
	}
	s.elapsed++
	return nil
}

// RecordPosition appends p to the route and adds the segment from the
// previous point to the running distance.
func (s *Session) RecordPosition(p geo.Coordinate) error {
	if err := p.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusActive {
		return transitionError("record position", s.status)
	}
	if n := len(s.route); n > 0 {
		s.distanceM += geo.SegmentDistance(s.route[n-1], p)
	}
	s.route = append(s.route, p)
	return nil
}

func (s *Session) Finish() (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusActive {
		return Snapshot{}, transitionError("finish", s.status)
	}
	s.status = StatusFinished
	s.finishedAt = s.now()
	return s.snapshotLocked(), nil
}

// Cancel ends the session without producing a snapshot; route and distance
// are discarded.
func (s *Session) Cancel() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusActive {
		return transitionError("cancel", s.status)
	}
	s.status = StatusCancelled
	s.finishedAt = s.now()
	s.route = nil
	s.distanceM = 0
	return nil
}

// Snapshot returns a self-consistent copy of the current state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	route := make([]geo.Coordinate, len(s.route))
	copy(route, s.route)
	return Snapshot{
		SessionID:      s.id,
		OwnerID:        s.ownerID,
		Status:         s.status,
		StartedAt:      s.startedAt,
		FinishedAt:     s.finishedAt,
		ElapsedSeconds: s.elapsed,
		DistanceM:      s.distanceM,
		Route:          route,
	}
}

func transitionError(op string, from Status) error {
	return fmt.Errorf("%w: %s from %s", ErrInvalidTransition, op, from)
}
