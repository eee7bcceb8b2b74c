// Package account defines the persisted identity record and the storage
// contract the session flows depend on.
package account

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"auth-service/internal/lockout"
	"auth-service/internal/tokenset"
)

var (
	ErrNotFound          = errors.New("account not found")
	ErrDuplicateUsername = errors.New("username already exists")
	ErrDuplicateEmail    = errors.New("email already exists")
)

type Account struct {
	ID            string
	Username      string
	Email         string
	PasswordHash  string
	Description   string
	Age           *int
	Location      string
	IsAdmin       bool
	Lockout       lockout.State
	RefreshTokens tokenset.Set
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// View is the public representation of an account. Secrets and session
// bookkeeping never appear in it.
type View struct {
	ID          string    `json:"_id"`
	Username    string    `json:"username"`
	Email       string    `json:"email"`
	Description string    `json:"desc,omitempty"`
	Age         *int      `json:"age,omitempty"`
	Location    string    `json:"from,omitempty"`
	IsAdmin     bool      `json:"isAdmin"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

func (a Account) View() View {
	return View{
		ID:          a.ID,
		Username:    a.Username,
		Email:       a.Email,
		Description: a.Description,
		Age:         a.Age,
		Location:    a.Location,
		IsAdmin:     a.IsAdmin,
		CreatedAt:   a.CreatedAt,
		UpdatedAt:   a.UpdatedAt,
	}
}

// New builds a fresh account with a UUIDv7 identifier.
func New(username, email, passwordHash string, now time.Time) (Account, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return Account{}, err
	}

	now = now.UTC()
	return Account{
		ID:           id.String(),
		Username:     username,
		Email:        email,
		PasswordHash: passwordHash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// MutateFunc edits an account in place. Returning an error aborts the update
// and leaves the stored record unchanged.
type MutateFunc func(*Account) error

// Store persists accounts.
//
// Update must run mutate against the current stored record while holding a
// lock on it, and write the result back before releasing the lock, so that
// concurrent updates for the same account never lose each other's changes.
type Store interface {
	FindByUsername(ctx context.Context, username string) (Account, error)
	FindByEmail(ctx context.Context, email string) (Account, error)
	FindByID(ctx context.Context, id string) (Account, error)
	Create(ctx context.Context, a Account) error
	Update(ctx context.Context, id string, mutate MutateFunc) (Account, error)
	Ping(ctx context.Context) error
	Close() error
}

type SweepResult struct {
	PrunedRefreshTokens int64 `json:"pruned_refresh_tokens"`
	ClearedLocks        int64 `json:"cleared_locks"`
}

// Sweeper removes expired session bookkeeping in bounded batches.
type Sweeper interface {
	SweepExpired(ctx context.Context, now time.Time, batchSize int) (SweepResult, error)
}
