package models

import (
	"errors"
	"time"
)

// Profile holds the public display name for a user. At most one exists per user.
type Profile struct {
	UserID      string     `gorm:"primaryKey;column:user_id" json:"user_id"`
	DisplayName *string    `json:"display_name"`
	UpdatedAt   *time.Time `json:"updated_at,omitempty"`
}

func (Profile) TableName() string { return string(KindProfiles) }

// Validate checks the fields every stored profile row carries.
func (p *Profile) Validate() error {
	if p.UserID == "" {
		return errors.New("profile row missing user_id")
	}
	return nil
}

// Name returns the profile's display name or "" when unset.
func (p *Profile) Name() string {
	if p == nil || p.DisplayName == nil {
		return ""
	}
	return *p.DisplayName
}
