package profile

import (
	"context"
	"errors"
	"fmt"

	"backend-runwith/internal/db"

	"github.com/jackc/pgx/v5"
)

type Service struct {
	db db.Querier
}

func NewService(q db.Querier) *Service {
	return &Service{db: q}
}

// Get returns the profile of userID. Users without a row are visible by default.
func (s *Service) Get(ctx context.Context, userID string) (Profile, error) {
	p := Profile{UserID: userID}
	err := s.db.QueryRow(ctx, `
		SELECT display_name, avatar_url, is_visible, updated_at
		FROM profiles WHERE user_id=$1
	`, userID).Scan(&p.DisplayName, &p.AvatarURL, &p.IsVisible, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		p.IsVisible = true
		return p, nil
	}
	if err != nil {
		return Profile{}, fmt.Errorf("%w: %v", db.ErrStoreReadFailed, err)
	}
	return p, nil
}

func (s *Service) SetVisibility(ctx context.Context, userID string, visible bool) (Profile, error) {
	p := Profile{UserID: userID}
	row := s.db.QueryRow(ctx, `
		INSERT INTO profiles (user_id, is_visible)
		VALUES ($1,$2)
		ON CONFLICT (user_id) DO UPDATE SET is_visible = EXCLUDED.is_visible, updated_at = now()
		RETURNING display_name, avatar_url, is_visible, updated_at
	`, userID, visible)
	if err := row.Scan(&p.DisplayName, &p.AvatarURL, &p.IsVisible, &p.UpdatedAt); err != nil {
		return Profile{}, fmt.Errorf("%w: %v", db.ErrStoreWriteFailed, err)
	}
	return p, nil
}

// VisibleOwners reports the visibility flag of every owner that has a
// profile row; owners without one are left out of the map.
func (s *Service) VisibleOwners(ctx context.Context, ownerIDs []string) (map[string]bool, error) {
	if len(ownerIDs) == 0 {
		return map[string]bool{}, nil
	}
	rows, err := s.db.Query(ctx, `
		SELECT user_id, is_visible FROM profiles WHERE user_id = ANY($1)
	`, ownerIDs)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", db.ErrStoreReadFailed, err)
	}
	defer rows.Close()

	visible := map[string]bool{}
	for rows.Next() {
		var id string
		var v bool
		if err := rows.Scan(&id, &v); err != nil {
			return nil, fmt.Errorf("%w: %v", db.ErrStoreReadFailed, err)
		}
		visible[id] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", db.ErrStoreReadFailed, err)
	}
	return visible, nil
}
