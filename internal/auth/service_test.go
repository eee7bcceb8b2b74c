package auth

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"auth-service/internal/account"
	"auth-service/internal/lockout"
	"auth-service/internal/observability"
	"auth-service/internal/password"
	"auth-service/internal/storage/sqlite"
	"auth-service/internal/token"
)

type fixture struct {
	service *Service
	store   *sqlite.Store
	codec   *token.Codec
	mu      sync.Mutex
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store, err := sqlite.Open(filepath.Join(t.TempDir(), "auth.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	codec, err := token.NewCodec(token.Config{
		AccessSecret:  "test-jwt-secret-key-at-least-32-characters-long",
		RefreshSecret: "test-refresh-secret-key-at-least-32-characters-long",
	})
	require.NoError(t, err)

	f := &fixture{
		store: store,
		codec: codec,
		now:   time.Now().UTC().Truncate(time.Millisecond),
	}
	f.service = NewService(store, codec, password.NewHasher(4), observability.NewLoggerTo(nil), Config{
		RefreshCapacity: 5,
		Lockout:         lockout.DefaultPolicy(),
	})
	f.service.WithClock(f.clock)
	return f
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func (f *fixture) register(t *testing.T, username, email, plain string) Session {
	t.Helper()

	session, err := f.service.Register(context.Background(), RegisterInput{Username: username, Email: email, Password: plain})
	require.NoError(t, err)
	return session
}

func (f *fixture) reload(t *testing.T, id string) account.Account {
	t.Helper()

	a, err := f.store.FindByID(context.Background(), id)
	require.NoError(t, err)
	return a
}

func TestRegisterIssuesSession(t *testing.T) {
	f := newFixture(t)

	session := f.register(t, "alice", "A@X.com", "password123")
	assert.Equal(t, "alice", session.Account.Username)
	assert.Equal(t, "a@x.com", session.Account.Email)
	assert.NotEmpty(t, session.Account.ID)
	assert.NotEmpty(t, session.Tokens.AccessToken)
	assert.NotEmpty(t, session.Tokens.RefreshToken)

	access, err := f.codec.VerifyAccessToken(session.Tokens.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, session.Account.ID, access.Subject)
	assert.Equal(t, "a@x.com", access.Email)

	stored := f.reload(t, session.Account.ID)
	require.Len(t, stored.RefreshTokens, 1)
	assert.True(t, stored.RefreshTokens.Contains(session.Tokens.RefreshToken))
	assert.NotEqual(t, "password123", stored.PasswordHash)
	assert.Len(t, stored.PasswordHash, 60)
}

func TestRegisterValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		input RegisterInput
		want  error
	}{
		{name: "missing username", input: RegisterInput{Email: "a@x.com", Password: "password123"}, want: ErrMissingFields},
		{name: "missing email", input: RegisterInput{Username: "alice", Password: "password123"}, want: ErrMissingFields},
		{name: "missing password", input: RegisterInput{Username: "alice", Email: "a@x.com"}, want: ErrMissingFields},
		{name: "blank username", input: RegisterInput{Username: "   ", Email: "a@x.com", Password: "password123"}, want: ErrMissingFields},
		{name: "bad email", input: RegisterInput{Username: "alice", Email: "not-an-email", Password: "password123"}, want: ErrInvalidEmail},
		{name: "short password", input: RegisterInput{Username: "alice", Email: "a@x.com", Password: "short"}, want: ErrWeakPassword},
		{name: "seven characters", input: RegisterInput{Username: "alice", Email: "a@x.com", Password: "1234567"}, want: ErrWeakPassword},
		{name: "long password", input: RegisterInput{Username: "alice", Email: "a@x.com", Password: string(make([]byte, 73))}, want: ErrPasswordTooLong},
		{name: "short username", input: RegisterInput{Username: "a", Email: "a@x.com", Password: "password123"}, want: ErrInvalidUsername},
		{name: "long username", input: RegisterInput{Username: "abcdefghijklmnopqrstuvwxyz12345", Email: "a@x.com", Password: "password123"}, want: ErrInvalidUsername},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.service.Register(ctx, tt.input)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestRegisterDuplicatesCheckUsernameFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "alice", "a@x.com", "password123")

	_, err := f.service.Register(ctx, RegisterInput{Username: "alice", Email: "a@x.com", Password: "password123"})
	assert.ErrorIs(t, err, ErrDuplicateUsername)

	_, err = f.service.Register(ctx, RegisterInput{Username: "bob", Email: "a@x.com", Password: "password123"})
	assert.ErrorIs(t, err, ErrDuplicateEmail)
}

func TestLoginSucceedsAndAppendsRefreshToken(t *testing.T) {
	f := newFixture(t)
	registered := f.register(t, "alice", "a@x.com", "password123")

	session, err := f.service.Login(context.Background(), " A@x.com ", "password123")
	require.NoError(t, err)
	assert.Equal(t, registered.Account.ID, session.Account.ID)
	assert.NotEqual(t, registered.Tokens.RefreshToken, session.Tokens.RefreshToken)

	stored := f.reload(t, registered.Account.ID)
	assert.Len(t, stored.RefreshTokens, 2)
	assert.True(t, stored.RefreshTokens.Contains(registered.Tokens.RefreshToken))
	assert.True(t, stored.RefreshTokens.Contains(session.Tokens.RefreshToken))
}

func TestLoginValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "alice", "a@x.com", "password123")

	_, err := f.service.Login(ctx, "", "password123")
	assert.ErrorIs(t, err, ErrMissingFields)

	_, err = f.service.Login(ctx, "a@x.com", "")
	assert.ErrorIs(t, err, ErrMissingFields)

	_, err = f.service.Login(ctx, "nope", "password123")
	assert.ErrorIs(t, err, ErrInvalidEmail)

	_, err = f.service.Login(ctx, "nobody@x.com", "password123")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = f.service.Login(ctx, "a@x.com", "wrong-password")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestLoginLocksAfterFiveFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	registered := f.register(t, "alice", "a@x.com", "password123")

	for i := 0; i < 5; i++ {
		_, err := f.service.Login(ctx, "a@x.com", "wrong-password")
		require.ErrorIs(t, err, ErrInvalidCredentials, "attempt %d", i+1)
	}

	stored := f.reload(t, registered.Account.ID)
	assert.Equal(t, 5, stored.Lockout.LoginAttempts)
	require.NotNil(t, stored.Lockout.LockUntil)
	lockUntil := *stored.Lockout.LockUntil
	assert.Equal(t, f.clock().Add(lockout.DefaultDuration).UnixMilli(), lockUntil.UnixMilli())

	_, err := f.service.Login(ctx, "a@x.com", "password123")
	require.ErrorIs(t, err, ErrAccountLocked)
	var locked LockedError
	require.True(t, errors.As(err, &locked))
	assert.True(t, locked.Until.Equal(lockUntil))

	f.advance(time.Minute)
	_, err = f.service.Login(ctx, "a@x.com", "wrong-password")
	assert.ErrorIs(t, err, ErrAccountLocked)

	again := f.reload(t, registered.Account.ID)
	require.NotNil(t, again.Lockout.LockUntil)
	assert.True(t, again.Lockout.LockUntil.Equal(lockUntil))
}

func TestLoginAfterLockExpires(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	registered := f.register(t, "alice", "a@x.com", "password123")

	for i := 0; i < 5; i++ {
		_, _ = f.service.Login(ctx, "a@x.com", "wrong-password")
	}

	f.advance(lockout.DefaultDuration)

	t.Run("wrong password starts a fresh window", func(t *testing.T) {
		_, err := f.service.Login(ctx, "a@x.com", "wrong-password")
		assert.ErrorIs(t, err, ErrInvalidCredentials)

		stored := f.reload(t, registered.Account.ID)
		assert.Equal(t, 1, stored.Lockout.LoginAttempts)
		assert.Nil(t, stored.Lockout.LockUntil)
	})

	t.Run("correct password resets", func(t *testing.T) {
		_, err := f.service.Login(ctx, "a@x.com", "password123")
		require.NoError(t, err)

		stored := f.reload(t, registered.Account.ID)
		assert.Equal(t, 0, stored.Lockout.LoginAttempts)
		assert.Nil(t, stored.Lockout.LockUntil)
	})
}

func TestConcurrentFailedLoginsAreAllCounted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	registered := f.register(t, "alice", "a@x.com", "password123")

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.service.Login(ctx, "a@x.com", "wrong-password")
			assert.ErrorIs(t, err, ErrInvalidCredentials)
		}()
	}
	wg.Wait()

	stored := f.reload(t, registered.Account.ID)
	assert.Equal(t, 4, stored.Lockout.LoginAttempts)
	assert.Nil(t, stored.Lockout.LockUntil)
}

func TestRefreshTokenSetIsCapped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	registered := f.register(t, "alice", "a@x.com", "password123")

	var last Session
	for i := 0; i < 5; i++ {
		session, err := f.service.Login(ctx, "a@x.com", "password123")
		require.NoError(t, err)
		last = session
	}

	stored := f.reload(t, registered.Account.ID)
	assert.Len(t, stored.RefreshTokens, 5)
	assert.False(t, stored.RefreshTokens.Contains(registered.Tokens.RefreshToken))
	assert.True(t, stored.RefreshTokens.Contains(last.Tokens.RefreshToken))

	_, err := f.service.Refresh(ctx, registered.Tokens.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)
}

func TestRefreshRotates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	registered := f.register(t, "alice", "a@x.com", "password123")

	tokens, err := f.service.Refresh(ctx, registered.Tokens.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, registered.Tokens.RefreshToken, tokens.RefreshToken)

	access, err := f.codec.VerifyAccessToken(tokens.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, registered.Account.ID, access.Subject)
	assert.Equal(t, "a@x.com", access.Email)

	stored := f.reload(t, registered.Account.ID)
	require.Len(t, stored.RefreshTokens, 1)
	assert.True(t, stored.RefreshTokens.Contains(tokens.RefreshToken))

	_, err = f.service.Refresh(ctx, registered.Tokens.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)

	_, err = f.service.Refresh(ctx, tokens.RefreshToken)
	assert.NoError(t, err)
}

func TestRefreshFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	registered := f.register(t, "alice", "a@x.com", "password123")

	_, err := f.service.Refresh(ctx, "  ")
	assert.ErrorIs(t, err, ErrMissingToken)

	_, err = f.service.Refresh(ctx, "invalid.token.here")
	assert.ErrorIs(t, err, ErrInvalidOrExpiredToken)

	_, err = f.service.Refresh(ctx, registered.Tokens.AccessToken)
	assert.ErrorIs(t, err, ErrInvalidOrExpiredToken)

	unknown, err := f.codec.IssueRefreshToken(registered.Account.ID)
	require.NoError(t, err)
	_, err = f.service.Refresh(ctx, unknown)
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)

	orphan, err := f.codec.IssueRefreshToken("no-such-account")
	require.NoError(t, err)
	_, err = f.service.Refresh(ctx, orphan)
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)

	stored := f.reload(t, registered.Account.ID)
	require.Len(t, stored.RefreshTokens, 1)
	assert.True(t, stored.RefreshTokens.Contains(registered.Tokens.RefreshToken))
}

func TestConcurrentRefreshConsumesTokenOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	registered := f.register(t, "alice", "a@x.com", "password123")

	const workers = 5
	results := make(chan error, workers)
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.service.Refresh(ctx, registered.Tokens.RefreshToken)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for err := range results {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, ErrInvalidRefreshToken)
	}
	assert.Equal(t, 1, succeeded)

	stored := f.reload(t, registered.Account.ID)
	assert.Len(t, stored.RefreshTokens, 1)
	assert.False(t, stored.RefreshTokens.Contains(registered.Tokens.RefreshToken))
}

func TestLogout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	registered := f.register(t, "alice", "a@x.com", "password123")
	second, err := f.service.Login(ctx, "a@x.com", "password123")
	require.NoError(t, err)

	f.service.Logout(ctx, "")
	f.service.Logout(ctx, "garbage")
	assert.Len(t, f.reload(t, registered.Account.ID).RefreshTokens, 2)

	f.service.Logout(ctx, registered.Tokens.RefreshToken)
	stored := f.reload(t, registered.Account.ID)
	require.Len(t, stored.RefreshTokens, 1)
	assert.True(t, stored.RefreshTokens.Contains(second.Tokens.RefreshToken))

	// Logging out twice is harmless.
	f.service.Logout(ctx, registered.Tokens.RefreshToken)
	assert.Len(t, f.reload(t, registered.Account.ID).RefreshTokens, 1)

	_, err = f.service.Refresh(ctx, registered.Tokens.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)
}

func TestLogoutAll(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	registered := f.register(t, "alice", "a@x.com", "password123")
	_, err := f.service.Login(ctx, "a@x.com", "password123")
	require.NoError(t, err)

	assert.ErrorIs(t, f.service.LogoutAll(ctx, ""), ErrMissingToken)
	assert.ErrorIs(t, f.service.LogoutAll(ctx, "garbage"), ErrInvalidToken)

	require.NoError(t, f.service.LogoutAll(ctx, registered.Tokens.RefreshToken))
	assert.Empty(t, f.reload(t, registered.Account.ID).RefreshTokens)

	orphan, err := f.codec.IssueRefreshToken("no-such-account")
	require.NoError(t, err)
	assert.NoError(t, f.service.LogoutAll(ctx, orphan))
}

func TestMe(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	registered := f.register(t, "alice", "a@x.com", "password123")

	view, err := f.service.Me(ctx, registered.Account.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", view.Username)

	_, err = f.service.Me(ctx, "missing")
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestEnsureAdmin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.service.EnsureAdmin(ctx, "", "", ""))
	assert.Error(t, f.service.EnsureAdmin(ctx, "root", "", "password123"))

	require.NoError(t, f.service.EnsureAdmin(ctx, "root", "root@x.com", "password123"))
	admin, err := f.store.FindByEmail(ctx, "root@x.com")
	require.NoError(t, err)
	assert.True(t, admin.IsAdmin)

	// Second run is a no-op.
	require.NoError(t, f.service.EnsureAdmin(ctx, "root", "root@x.com", "password123"))

	regular := f.register(t, "alice", "a@x.com", "password123")
	require.NoError(t, f.service.EnsureAdmin(ctx, "alice", "a@x.com", "password123"))
	assert.True(t, f.reload(t, regular.Account.ID).IsAdmin)
}
