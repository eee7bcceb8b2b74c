// Package token issues and verifies the signed access and refresh tokens
// handed out by the session flows.
package token

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	DefaultAccessTTL  = 15 * time.Minute
	DefaultRefreshTTL = 7 * 24 * time.Hour

	typeAccess  = "access"
	typeRefresh = "refresh"
)

var (
	ErrInvalidInput = errors.New("token subject is required")
	ErrInvalidToken = errors.New("invalid or expired token")
)

type Config struct {
	AccessSecret  string
	RefreshSecret string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
}

// Payload is the decoded content of a verified token. Email is empty for
// refresh tokens.
type Payload struct {
	ID        string
	Subject   string
	Email     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

type claims struct {
	Email string `json:"email,omitempty"`
	Type  string `json:"typ"`
	jwt.RegisteredClaims
}

type Codec struct {
	accessSecret  []byte
	refreshSecret []byte
	accessTTL     time.Duration
	refreshTTL    time.Duration
	now           func() time.Time
}

func NewCodec(cfg Config) (*Codec, error) {
	if strings.TrimSpace(cfg.AccessSecret) == "" {
		return nil, errors.New("access token secret is required")
	}
	if strings.TrimSpace(cfg.RefreshSecret) == "" {
		return nil, errors.New("refresh token secret is required")
	}
	if cfg.AccessSecret == cfg.RefreshSecret {
		return nil, errors.New("access and refresh token secrets must differ")
	}
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = DefaultAccessTTL
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = DefaultRefreshTTL
	}

	return &Codec{
		accessSecret:  []byte(cfg.AccessSecret),
		refreshSecret: []byte(cfg.RefreshSecret),
		accessTTL:     cfg.AccessTTL,
		refreshTTL:    cfg.RefreshTTL,
		now:           time.Now,
	}, nil
}

// WithClock replaces the time source used for issuing and verifying.
func (c *Codec) WithClock(now func() time.Time) {
	if now != nil {
		c.now = now
	}
}

func (c *Codec) AccessTTL() time.Duration  { return c.accessTTL }
func (c *Codec) RefreshTTL() time.Duration { return c.refreshTTL }

func (c *Codec) IssueAccessToken(accountID, email string) (string, error) {
	if strings.TrimSpace(accountID) == "" || strings.TrimSpace(email) == "" {
		return "", ErrInvalidInput
	}
	return c.sign(c.accessSecret, typeAccess, accountID, email, c.accessTTL)
}

func (c *Codec) IssueRefreshToken(accountID string) (string, error) {
	if strings.TrimSpace(accountID) == "" {
		return "", ErrInvalidInput
	}
	return c.sign(c.refreshSecret, typeRefresh, accountID, "", c.refreshTTL)
}

func (c *Codec) VerifyAccessToken(raw string) (Payload, error) {
	return c.verify(raw, c.accessSecret, typeAccess)
}

func (c *Codec) VerifyRefreshToken(raw string) (Payload, error) {
	return c.verify(raw, c.refreshSecret, typeRefresh)
}

func (c *Codec) sign(secret []byte, tokenType, subject, email string, ttl time.Duration) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate token id: %w", err)
	}

	now := c.now().UTC()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Email: email,
		Type:  tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        id.String(),
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})

	encoded, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign jwt: %w", err)
	}
	return encoded, nil
}

func (c *Codec) verify(raw string, secret []byte, tokenType string) (Payload, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Payload{}, ErrInvalidToken
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
	)

	var parsed claims
	token, err := parser.ParseWithClaims(raw, &parsed, func(*jwt.Token) (any, error) {
		return secret, nil
	})
	if err != nil || !token.Valid {
		return Payload{}, ErrInvalidToken
	}
	if parsed.Type != tokenType || parsed.Subject == "" {
		return Payload{}, ErrInvalidToken
	}

	payload := Payload{
		ID:      parsed.ID,
		Subject: parsed.Subject,
		Email:   parsed.Email,
	}
	if parsed.IssuedAt != nil {
		payload.IssuedAt = parsed.IssuedAt.Time.UTC()
	}
	if parsed.ExpiresAt != nil {
		payload.ExpiresAt = parsed.ExpiresAt.Time.UTC()
	}
	return payload, nil
}
