package models

import (
	"errors"
	"time"
)

// Favorite is a bookmark owned by exactly one user.
type Favorite struct {
	ID        string     `gorm:"primaryKey;type:uuid" json:"id"`
	UserID    string     `gorm:"not null;index" json:"user_id"`
	Title     string     `gorm:"not null" json:"title"`
	URL       *string    `json:"url"`
	CreatedAt *time.Time `gorm:"index" json:"created_at,omitempty"`
}

func (Favorite) TableName() string { return string(KindFavorites) }

// Validate checks the fields every stored favorite row carries.
func (f *Favorite) Validate() error {
	switch {
	case f.ID == "":
		return errors.New("favorite row missing id")
	case f.UserID == "":
		return errors.New("favorite row missing user_id")
	case f.Title == "":
		return errors.New("favorite row missing title")
	}
	return nil
}

// NewFavorite is the insert payload for a favorite.
type NewFavorite struct {
	UserID string  `json:"user_id"`
	Title  string  `json:"title"`
	URL    *string `json:"url"`
}
