package devstack

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type accessClaims struct {
	Email string `json:"email"`
	Role  string `json:"role"`
	jwt.RegisteredClaims
}

type userBody struct {
	ID          string     `json:"id"`
	Aud         string     `json:"aud"`
	Role        string     `json:"role"`
	Email       string     `json:"email"`
	ConfirmedAt *time.Time `json:"confirmed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

func toUserBody(u *User) userBody {
	return userBody{
		ID:          u.ID,
		Aud:         "authenticated",
		Role:        "authenticated",
		Email:       u.Email,
		ConfirmedAt: u.ConfirmedAt,
		CreatedAt:   u.CreatedAt,
	}
}

type sessionBody struct {
	AccessToken  string   `json:"access_token"`
	TokenType    string   `json:"token_type"`
	ExpiresIn    int64    `json:"expires_in"`
	ExpiresAt    int64    `json:"expires_at"`
	RefreshToken string   `json:"refresh_token"`
	User         userBody `json:"user"`
}

func (s *Server) signAccessToken(u *User, now time.Time) (string, time.Time, error) {
	if s.opts.JWTSecret == "" {
		return "", time.Time{}, errors.New("JWT secret not configured")
	}
	exp := now.Add(s.opts.TokenTTL)
	claims := accessClaims{
		Email: u.Email,
		Role:  "authenticated",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.ID,
			Issuer:    "smallsite-devstack",
			Audience:  jwt.ClaimStrings{"authenticated"},
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.opts.JWTSecret))
	return signed, exp, err
}

func (s *Server) verifyAccessToken(raw string) (*accessClaims, error) {
	if raw == "" {
		return nil, errors.New("missing token")
	}
	claims := &accessClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return []byte(s.opts.JWTSecret), nil
	},
		jwt.WithTimeFunc(s.opts.Now),
		jwt.WithAudience("authenticated"),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, errors.New("expired")
		}
		return nil, err
	}
	if claims.Subject == "" {
		return nil, errors.New("token has no subject")
	}
	return claims, nil
}

// issueSession creates an access token and a fresh refresh token for u.
func (s *Server) issueSession(tx *gorm.DB, u *User) (*sessionBody, error) {
	now := s.opts.Now()
	access, exp, err := s.signAccessToken(u, now)
	if err != nil {
		return nil, err
	}
	rt := RefreshToken{Token: uuid.NewString(), UserID: u.ID, CreatedAt: now}
	if err := tx.Create(&rt).Error; err != nil {
		return nil, err
	}
	return &sessionBody{
		AccessToken:  access,
		TokenType:    "bearer",
		ExpiresIn:    int64(s.opts.TokenTTL / time.Second),
		ExpiresAt:    exp.Unix(),
		RefreshToken: rt.Token,
		User:         toUserBody(u),
	}, nil
}

// newLinkToken stores a one-time token for u and returns its hash.
func (s *Server) newLinkToken(tx *gorm.DB, u *User, typ string) (string, error) {
	sum := sha256.Sum256([]byte(uuid.NewString() + u.ID))
	hash := hex.EncodeToString(sum[:])
	now := s.opts.Now()
	t := OneTimeToken{
		TokenHash: hash,
		UserID:    u.ID,
		Type:      typ,
		ExpiresAt: now.Add(s.opts.LinkTTL),
		CreatedAt: now,
	}
	if err := tx.Create(&t).Error; err != nil {
		return "", err
	}
	return hash, nil
}
