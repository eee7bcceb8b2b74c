package auth

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"auth-service/internal/account"
	"auth-service/internal/lockout"
	"auth-service/internal/observability"
	"auth-service/internal/password"
	"auth-service/internal/token"
	"auth-service/internal/tokenset"
)

const (
	minPasswordLength = 8
	// bcrypt refuses longer inputs.
	maxPasswordBytes  = 72
	minUsernameLength = 2
	maxUsernameLength = 30
	maxEmailLength    = 50
)

var emailRegex = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

type Config struct {
	RefreshCapacity int
	Lockout         lockout.Policy
}

type Service struct {
	store  account.Store
	codec  *token.Codec
	hasher *password.Hasher
	logger *observability.Logger
	cfg    Config
	now    func() time.Time
}

type RegisterInput struct {
	Username string
	Email    string
	Password string
}

type Tokens struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// Session is what register and login hand back: the public account view plus
// a fresh token pair.
type Session struct {
	Account account.View
	Tokens  Tokens
}

func NewService(store account.Store, codec *token.Codec, hasher *password.Hasher, logger *observability.Logger, cfg Config) *Service {
	if cfg.RefreshCapacity <= 0 {
		cfg.RefreshCapacity = tokenset.DefaultCapacity
	}
	if cfg.Lockout.Threshold <= 0 {
		cfg.Lockout.Threshold = lockout.DefaultThreshold
	}
	if cfg.Lockout.Duration <= 0 {
		cfg.Lockout.Duration = lockout.DefaultDuration
	}
	if hasher == nil {
		hasher = password.NewHasher(password.Cost)
	}

	return &Service{
		store:  store,
		codec:  codec,
		hasher: hasher,
		logger: logger,
		cfg:    cfg,
		now:    time.Now,
	}
}

// WithClock replaces the time source used for lockout decisions.
func (s *Service) WithClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

func (s *Service) Register(ctx context.Context, input RegisterInput) (Session, error) {
	username := strings.TrimSpace(input.Username)
	email := normalizeEmail(input.Email)
	plain := input.Password

	if username == "" || email == "" || plain == "" {
		return Session{}, ErrMissingFields
	}
	if !validEmail(email) {
		return Session{}, ErrInvalidEmail
	}
	if err := validatePassword(plain); err != nil {
		return Session{}, err
	}
	if n := utf8.RuneCountInString(username); n < minUsernameLength || n > maxUsernameLength {
		return Session{}, ErrInvalidUsername
	}

	if _, err := s.store.FindByUsername(ctx, username); err == nil {
		return Session{}, ErrDuplicateUsername
	} else if !errors.Is(err, account.ErrNotFound) {
		return Session{}, fmt.Errorf("find account by username: %w", err)
	}
	if _, err := s.store.FindByEmail(ctx, email); err == nil {
		return Session{}, ErrDuplicateEmail
	} else if !errors.Is(err, account.ErrNotFound) {
		return Session{}, fmt.Errorf("find account by email: %w", err)
	}

	hash, err := s.hasher.Hash(plain)
	if err != nil {
		return Session{}, err
	}

	now := s.now()
	created, err := account.New(username, email, hash, now)
	if err != nil {
		return Session{}, fmt.Errorf("new account: %w", err)
	}

	tokens, err := s.issuePair(created)
	if err != nil {
		return Session{}, err
	}
	created.RefreshTokens = tokenset.Set{}.Add(tokens.RefreshToken, s.refreshExpiry(now), s.cfg.RefreshCapacity)

	if err := s.store.Create(ctx, created); err != nil {
		switch {
		case errors.Is(err, account.ErrDuplicateUsername):
			return Session{}, ErrDuplicateUsername
		case errors.Is(err, account.ErrDuplicateEmail):
			return Session{}, ErrDuplicateEmail
		}
		return Session{}, fmt.Errorf("create account: %w", err)
	}

	s.logger.Info("account_registered", map[string]any{"account_id": created.ID})
	return Session{Account: created.View(), Tokens: tokens}, nil
}

func (s *Service) Login(ctx context.Context, email, plain string) (Session, error) {
	email = normalizeEmail(email)
	if email == "" || plain == "" {
		return Session{}, ErrMissingFields
	}
	if !validEmail(email) {
		return Session{}, ErrInvalidEmail
	}

	found, err := s.store.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			s.logger.Warn("login_unknown_email", nil)
			return Session{}, ErrInvalidCredentials
		}
		return Session{}, fmt.Errorf("find account by email: %w", err)
	}

	now := s.now()
	if found.Lockout.IsLocked(now) {
		s.logger.Warn("login_rejected_locked", map[string]any{"account_id": found.ID})
		return Session{}, LockedError{Until: *found.Lockout.LockUntil}
	}

	if !s.hasher.Verify(plain, found.PasswordHash) {
		return Session{}, s.recordFailure(ctx, found.ID, now)
	}

	tokens, err := s.issuePair(found)
	if err != nil {
		return Session{}, err
	}

	updated, err := s.store.Update(ctx, found.ID, func(a *account.Account) error {
		// A concurrent failure may have locked the account since the read.
		if a.Lockout.IsLocked(now) {
			return LockedError{Until: *a.Lockout.LockUntil}
		}
		if a.Lockout.LoginAttempts > 0 || a.Lockout.LockUntil != nil {
			a.Lockout = lockout.RecordSuccess(a.Lockout)
		}
		a.RefreshTokens = a.RefreshTokens.Prune(now).Add(tokens.RefreshToken, s.refreshExpiry(now), s.cfg.RefreshCapacity)
		return nil
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrAccountLocked):
			s.logger.Warn("login_rejected_locked", map[string]any{"account_id": found.ID})
			return Session{}, err
		case errors.Is(err, account.ErrNotFound):
			return Session{}, ErrInvalidCredentials
		}
		return Session{}, fmt.Errorf("record login: %w", err)
	}

	s.logger.Info("login_succeeded", map[string]any{"account_id": updated.ID})
	return Session{Account: updated.View(), Tokens: tokens}, nil
}

func (s *Service) recordFailure(ctx context.Context, accountID string, now time.Time) error {
	var state lockout.State
	_, err := s.store.Update(ctx, accountID, func(a *account.Account) error {
		a.Lockout = s.cfg.Lockout.RecordFailure(a.Lockout, now)
		state = a.Lockout
		return nil
	})
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			return ErrInvalidCredentials
		}
		return fmt.Errorf("record login failure: %w", err)
	}

	fields := map[string]any{"account_id": accountID, "login_attempts": state.LoginAttempts}
	if state.IsLocked(now) {
		fields["lock_until"] = state.LockUntil.UTC().Format(time.RFC3339)
		s.logger.Warn("account_locked", fields)
	} else {
		s.logger.Warn("login_failed", fields)
	}
	return ErrInvalidCredentials
}

// Refresh exchanges a stored refresh token for a new pair. The presented
// token is consumed.
func (s *Service) Refresh(ctx context.Context, raw string) (Tokens, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Tokens{}, ErrMissingToken
	}

	payload, err := s.codec.VerifyRefreshToken(raw)
	if err != nil {
		return Tokens{}, ErrInvalidOrExpiredToken
	}

	now := s.now()
	var tokens Tokens
	_, err = s.store.Update(ctx, payload.Subject, func(a *account.Account) error {
		if !a.RefreshTokens.Contains(raw) {
			return ErrInvalidRefreshToken
		}

		issued, err := s.issuePair(*a)
		if err != nil {
			return err
		}
		rotated, err := a.RefreshTokens.Rotate(raw, issued.RefreshToken, s.refreshExpiry(now), s.cfg.RefreshCapacity)
		if err != nil {
			return ErrInvalidRefreshToken
		}

		a.RefreshTokens = rotated
		tokens = issued
		return nil
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidRefreshToken), errors.Is(err, account.ErrNotFound):
			s.logger.Warn("refresh_rejected", map[string]any{"account_id": payload.Subject})
			return Tokens{}, ErrInvalidRefreshToken
		}
		return Tokens{}, fmt.Errorf("rotate refresh token: %w", err)
	}

	return tokens, nil
}

// Logout revokes a single refresh token. It never fails; problems are logged.
func (s *Service) Logout(ctx context.Context, raw string) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return
	}

	payload, err := s.codec.VerifyRefreshToken(raw)
	if err != nil {
		s.logger.Info("logout_ignored_invalid_token", nil)
		return
	}

	_, err = s.store.Update(ctx, payload.Subject, func(a *account.Account) error {
		a.RefreshTokens = a.RefreshTokens.Remove(raw)
		return nil
	})
	if err != nil && !errors.Is(err, account.ErrNotFound) {
		s.logger.Error("logout_failed", map[string]any{"account_id": payload.Subject, "error": err.Error()})
	}
}

// LogoutAll revokes every refresh token of the token's owner.
func (s *Service) LogoutAll(ctx context.Context, raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ErrMissingToken
	}

	payload, err := s.codec.VerifyRefreshToken(raw)
	if err != nil {
		return ErrInvalidToken
	}

	_, err = s.store.Update(ctx, payload.Subject, func(a *account.Account) error {
		a.RefreshTokens = a.RefreshTokens.Clear()
		return nil
	})
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("clear refresh tokens: %w", err)
	}

	s.logger.Info("logout_all", map[string]any{"account_id": payload.Subject})
	return nil
}

func (s *Service) Me(ctx context.Context, accountID string) (account.View, error) {
	found, err := s.store.FindByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			return account.View{}, ErrAccountNotFound
		}
		return account.View{}, fmt.Errorf("find account by id: %w", err)
	}
	return found.View(), nil
}

// EnsureAdmin creates the bootstrap administrator, or promotes the account
// that already owns email. All three values empty disables it.
func (s *Service) EnsureAdmin(ctx context.Context, username, email, plain string) error {
	username = strings.TrimSpace(username)
	email = normalizeEmail(email)

	if username == "" && email == "" && plain == "" {
		return nil
	}
	if username == "" || email == "" || plain == "" {
		return fmt.Errorf("ADMIN_USERNAME, ADMIN_EMAIL and ADMIN_PASSWORD are required together")
	}
	if !validEmail(email) {
		return ErrInvalidEmail
	}

	existing, err := s.store.FindByEmail(ctx, email)
	switch {
	case err == nil:
		if existing.IsAdmin {
			return nil
		}
		_, err = s.store.Update(ctx, existing.ID, func(a *account.Account) error {
			a.IsAdmin = true
			return nil
		})
		if err != nil {
			return fmt.Errorf("promote admin: %w", err)
		}
		s.logger.Info("admin_promoted", map[string]any{"account_id": existing.ID})
		return nil
	case !errors.Is(err, account.ErrNotFound):
		return fmt.Errorf("find admin: %w", err)
	}

	if err := validatePassword(plain); err != nil {
		return err
	}
	hash, err := s.hasher.Hash(plain)
	if err != nil {
		return err
	}

	admin, err := account.New(username, email, hash, s.now())
	if err != nil {
		return fmt.Errorf("new admin: %w", err)
	}
	admin.IsAdmin = true

	if err := s.store.Create(ctx, admin); err != nil {
		return fmt.Errorf("create admin: %w", err)
	}
	s.logger.Info("admin_created", map[string]any{"account_id": admin.ID})
	return nil
}

// VerifyAccess checks a bearer access token.
func (s *Service) VerifyAccess(raw string) (token.Payload, error) {
	return s.codec.VerifyAccessToken(raw)
}

func (s *Service) issuePair(a account.Account) (Tokens, error) {
	access, err := s.codec.IssueAccessToken(a.ID, a.Email)
	if err != nil {
		return Tokens{}, fmt.Errorf("issue access token: %w", err)
	}
	refresh, err := s.codec.IssueRefreshToken(a.ID)
	if err != nil {
		return Tokens{}, fmt.Errorf("issue refresh token: %w", err)
	}
	return Tokens{AccessToken: access, RefreshToken: refresh}, nil
}

func (s *Service) refreshExpiry(now time.Time) time.Time {
	return now.Add(s.codec.RefreshTTL())
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func validEmail(email string) bool {
	return len(email) <= maxEmailLength && emailRegex.MatchString(email)
}

func validatePassword(plain string) error {
	if utf8.RuneCountInString(plain) < minPasswordLength {
		return ErrWeakPassword
	}
	if len(plain) > maxPasswordBytes {
		return ErrPasswordTooLong
	}
	return nil
}
