package presence

import (
	"errors"
	"time"

	"backend-runwith/internal/shared/geo"
)

var (
	ErrFeedDisconnected = errors.New("presence feed disconnected")
	ErrTargetNotActive  = errors.New("target runner is not active or not visible")
	ErrJoinSelf         = errors.New("cannot join own run")
)

// ActiveSessionRecord is the shared projection of one user's active run.
type ActiveSessionRecord struct {
	OwnerID         string           `json:"owner_id"`
	SessionID       string           `json:"session_id"`
	CurrentLocation geo.Coordinate   `json:"current_location"`
	Route           []geo.Coordinate `json:"route"`
	StartedAt       time.Time        `json:"started_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

type ChangeOp string

const (
	OpUpsert ChangeOp = "upsert"
	OpDelete ChangeOp = "delete"
)

// Change is a change-feed notification. It only names the owner; consumers
// re-read the store rather than trusting the payload.
type Change struct {
	Op      ChangeOp  `json:"op"`
	OwnerID string    `json:"owner_id"`
	At      time.Time `json:"at"`
}
