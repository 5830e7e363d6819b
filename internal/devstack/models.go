package devstack

import "time"

// User is an account in the local auth service.
type User struct {
	ID           string `gorm:"primaryKey;type:uuid"`
	Email        string `gorm:"uniqueIndex;not null"`
	PasswordHash string
	ConfirmedAt  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (User) TableName() string { return "auth_users" }

// RefreshToken is a single-use token exchanged for a new session.
type RefreshToken struct {
	Token     string `gorm:"primaryKey"`
	UserID    string `gorm:"index;not null"`
	Revoked   bool   `gorm:"not null;default:false"`
	CreatedAt time.Time
}

func (RefreshToken) TableName() string { return "auth_refresh_tokens" }

// OneTimeToken backs emailed magic, signup and recovery links.
type OneTimeToken struct {
	TokenHash string `gorm:"primaryKey"`
	UserID    string `gorm:"index;not null"`
	Type      string `gorm:"not null"`
	ExpiresAt time.Time
	UsedAt    *time.Time
	CreatedAt time.Time
}

func (OneTimeToken) TableName() string { return "auth_one_time_tokens" }

func (u *User) confirmed() bool { return u.ConfirmedAt != nil }
