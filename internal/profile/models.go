package profile

import "time"

type Profile struct {
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	AvatarURL   string    `json:"avatar_url"`
	IsVisible   bool      `json:"is_visible"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type VisibilityRequest struct {
	IsVisible *bool `json:"is_visible" validate:"required"`
}
