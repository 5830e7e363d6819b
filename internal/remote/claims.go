package remote

import (
	"errors"
	"time"

	"smallsite/internal/models"

	"github.com/golang-jwt/jwt/v5"
)

// AccessClaims are the claims the auth service puts in access tokens.
type AccessClaims struct {
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// ParseAccessClaims reads the claims of token without verifying its signature.
// The remote store verifies tokens; the client only needs the subject and expiry.
func ParseAccessClaims(token string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, err
	}
	return claims, nil
}

type userResponse struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

func (u *userResponse) identity() models.Identity {
	return models.Identity{ID: u.ID, Email: u.Email}
}

type tokenResponse struct {
	AccessToken  string        `json:"access_token"`
	TokenType    string        `json:"token_type"`
	ExpiresIn    int64         `json:"expires_in"`
	ExpiresAt    int64         `json:"expires_at"`
	RefreshToken string        `json:"refresh_token"`
	User         *userResponse `json:"user"`
}

func (t *tokenResponse) toSession(now time.Time) (*models.Session, error) {
	if t.AccessToken == "" {
		return nil, errors.New("token response missing access_token")
	}
	s := &models.Session{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		TokenType:    t.TokenType,
	}
	if t.User != nil {
		s.User = t.User.identity()
	}
	switch {
	case t.ExpiresAt > 0:
		s.ExpiresAt = time.Unix(t.ExpiresAt, 0)
	case t.ExpiresIn > 0:
		s.ExpiresAt = now.Add(time.Duration(t.ExpiresIn) * time.Second)
	}

	if s.User.ID == "" || s.ExpiresAt.IsZero() {
		if claims, err := ParseAccessClaims(t.AccessToken); err == nil {
			if s.User.ID == "" {
				s.User.ID = claims.Subject
				if s.User.Email == "" {
					s.User.Email = claims.Email
				}
			}
			if s.ExpiresAt.IsZero() && claims.ExpiresAt != nil {
				s.ExpiresAt = claims.ExpiresAt.Time
			}
		}
	}
	if s.User.ID == "" {
		return nil, errors.New("token response carries no user id")
	}
	return s, nil
}

// signUpResponse is a session when the account is confirmed immediately,
// or the bare user when email confirmation is pending.
type signUpResponse struct {
	tokenResponse
	ID    string `json:"id"`
	Email string `json:"email"`
}
