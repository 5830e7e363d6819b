package models

import "time"

// Identity is the authenticated user reference associated with a session.
type Identity struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
}

// Equal reports whether two identities refer to the same user with the same email.
// Two nil identities are equal.
func (i *Identity) Equal(other *Identity) bool {
	if i == nil || other == nil {
		return i == other
	}
	return i.ID == other.ID && i.Email == other.Email
}

// Session is an authenticated session issued by the remote auth service.
type Session struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	TokenType    string    `json:"token_type,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
	User         Identity  `json:"user"`
}

// Expired reports whether the access token expires within margin of now.
func (s *Session) Expired(now time.Time, margin time.Duration) bool {
	if s == nil {
		return true
	}
	if s.ExpiresAt.IsZero() {
		return false
	}
	return !now.Add(margin).Before(s.ExpiresAt)
}

// Identity returns a copy of the session's user, or nil for a nil session.
func (s *Session) Identity() *Identity {
	if s == nil || s.User.ID == "" {
		return nil
	}
	id := s.User
	return &id
}

// AuthEvent names a transition emitted by the auth client.
type AuthEvent string

const (
	AuthInitialSession   AuthEvent = "INITIAL_SESSION"
	AuthSignedIn         AuthEvent = "SIGNED_IN"
	AuthSignedOut        AuthEvent = "SIGNED_OUT"
	AuthTokenRefreshed   AuthEvent = "TOKEN_REFRESHED"
	AuthUserUpdated      AuthEvent = "USER_UPDATED"
	AuthPasswordRecovery AuthEvent = "PASSWORD_RECOVERY"
)
