package auth

import (
	"errors"
	"time"
)

var (
	ErrMissingFields         = errors.New("missing required fields")
	ErrInvalidEmail          = errors.New("invalid email address")
	ErrInvalidUsername       = errors.New("invalid username")
	ErrWeakPassword          = errors.New("password too short")
	ErrPasswordTooLong       = errors.New("password too long")
	ErrDuplicateUsername     = errors.New("username already taken")
	ErrDuplicateEmail        = errors.New("email already taken")
	ErrInvalidCredentials    = errors.New("invalid credentials")
	ErrAccountLocked         = errors.New("account locked")
	ErrMissingToken          = errors.New("token required")
	ErrInvalidOrExpiredToken = errors.New("invalid or expired token")
	ErrInvalidRefreshToken   = errors.New("invalid refresh token")
	ErrInvalidToken          = errors.New("invalid token")
	ErrAccountNotFound       = errors.New("account not found")
)

// LockedError carries the instant a locked account becomes usable again.
type LockedError struct {
	Until time.Time
}

func (e LockedError) Error() string {
	return "account locked until " + e.Until.UTC().Format(time.RFC3339)
}

func (e LockedError) Is(target error) bool {
	return target == ErrAccountLocked
}
