// Package sqlite provides a SQLite-backed account store for single-node
// deployments and tests.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"auth-service/internal/account"
	"auth-service/internal/db"
	"auth-service/internal/tokenset"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

const accountColumns = `id, username, email, password_hash, description, age, location, is_admin,
	login_attempts, lock_until, created_at, updated_at`

// Store persists accounts in SQLite.
type Store struct {
	sqlDB *sql.DB
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a SQLite account store and applies embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := "file:" + filepath.Clean(path) + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// A single connection serializes writers, which is what gives Update its
	// per-account exclusivity.
	sqlDB.SetMaxOpenConns(1)

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := db.RunMigrations(sqlDB, migrationFiles, "migrations", db.SQLite); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.sqlDB.PingContext(ctx)
}

func (s *Store) FindByUsername(ctx context.Context, username string) (account.Account, error) {
	return findOne(ctx, s.sqlDB, `username = ?`, username)
}

func (s *Store) FindByEmail(ctx context.Context, email string) (account.Account, error) {
	return findOne(ctx, s.sqlDB, `email = ?`, email)
}

func (s *Store) FindByID(ctx context.Context, id string) (account.Account, error) {
	return findOne(ctx, s.sqlDB, `id = ?`, id)
}

func (s *Store) Create(ctx context.Context, a account.Account) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(a.ID) == "" {
		return fmt.Errorf("account id is required")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create account tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO accounts (`+accountColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID,
		a.Username,
		a.Email,
		a.PasswordHash,
		a.Description,
		nullInt(a.Age),
		a.Location,
		boolToInt(a.IsAdmin),
		a.Lockout.LoginAttempts,
		nullMillis(a.Lockout.LockUntil),
		toMillis(a.CreatedAt),
		toMillis(a.UpdatedAt),
	)
	if err != nil {
		return mapWriteError("insert account", err)
	}

	if err := replaceRefreshTokens(ctx, tx, a.ID, a.RefreshTokens); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create account tx: %w", err)
	}
	return nil
}

func (s *Store) Update(ctx context.Context, id string, mutate account.MutateFunc) (account.Account, error) {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return account.Account{}, fmt.Errorf("begin update account tx: %w", err)
	}
	defer tx.Rollback()

	current, err := findOne(ctx, tx, `id = ?`, id)
	if err != nil {
		return account.Account{}, err
	}

	if err := mutate(&current); err != nil {
		return account.Account{}, err
	}
	current.ID = id
	current.UpdatedAt = fromMillis(toMillis(time.Now()))

	_, err = tx.ExecContext(ctx,
		`UPDATE accounts
		 SET username = ?, email = ?, password_hash = ?, description = ?, age = ?, location = ?,
		     is_admin = ?, login_attempts = ?, lock_until = ?, updated_at = ?
		 WHERE id = ?`,
		current.Username,
		current.Email,
		current.PasswordHash,
		current.Description,
		nullInt(current.Age),
		current.Location,
		boolToInt(current.IsAdmin),
		current.Lockout.LoginAttempts,
		nullMillis(current.Lockout.LockUntil),
		toMillis(current.UpdatedAt),
		id,
	)
	if err != nil {
		return account.Account{}, mapWriteError("update account", err)
	}

	if err := replaceRefreshTokens(ctx, tx, id, current.RefreshTokens); err != nil {
		return account.Account{}, err
	}

	if err := tx.Commit(); err != nil {
		return account.Account{}, fmt.Errorf("commit update account tx: %w", err)
	}
	return current, nil
}

func (s *Store) SweepExpired(ctx context.Context, now time.Time, batchSize int) (account.SweepResult, error) {
	if batchSize <= 0 {
		batchSize = 500
	}
	cutoff := toMillis(now)

	res, err := s.sqlDB.ExecContext(ctx,
		`DELETE FROM account_refresh_tokens
		 WHERE rowid IN (
		   SELECT rowid FROM account_refresh_tokens
		   WHERE expires_at <= ?
		   ORDER BY expires_at ASC
		   LIMIT ?
		 )`,
		cutoff, batchSize,
	)
	if err != nil {
		return account.SweepResult{}, fmt.Errorf("delete expired refresh tokens: %w", err)
	}
	pruned, err := res.RowsAffected()
	if err != nil {
		return account.SweepResult{}, fmt.Errorf("expired refresh tokens rows affected: %w", err)
	}

	res, err = s.sqlDB.ExecContext(ctx,
		`UPDATE accounts
		 SET login_attempts = 0, lock_until = NULL, updated_at = ?
		 WHERE id IN (
		   SELECT id FROM accounts
		   WHERE lock_until IS NOT NULL AND lock_until <= ?
		   ORDER BY lock_until ASC
		   LIMIT ?
		 )`,
		cutoff, cutoff, batchSize,
	)
	if err != nil {
		return account.SweepResult{}, fmt.Errorf("clear expired locks: %w", err)
	}
	cleared, err := res.RowsAffected()
	if err != nil {
		return account.SweepResult{}, fmt.Errorf("expired locks rows affected: %w", err)
	}

	return account.SweepResult{PrunedRefreshTokens: pruned, ClearedLocks: cleared}, nil
}

func findOne(ctx context.Context, q queryer, where string, arg any) (account.Account, error) {
	var (
		a         account.Account
		age       sql.NullInt64
		isAdmin   int64
		lockUntil sql.NullInt64
		createdAt int64
		updatedAt int64
	)
	err := q.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE `+where, arg).Scan(
		&a.ID,
		&a.Username,
		&a.Email,
		&a.PasswordHash,
		&a.Description,
		&age,
		&a.Location,
		&isAdmin,
		&a.Lockout.LoginAttempts,
		&lockUntil,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return account.Account{}, account.ErrNotFound
		}
		return account.Account{}, fmt.Errorf("query account: %w", err)
	}

	a.IsAdmin = isAdmin != 0
	a.CreatedAt = fromMillis(createdAt)
	a.UpdatedAt = fromMillis(updatedAt)
	if age.Valid {
		value := int(age.Int64)
		a.Age = &value
	}
	if lockUntil.Valid {
		value := fromMillis(lockUntil.Int64)
		a.Lockout.LockUntil = &value
	}

	tokens, err := loadRefreshTokens(ctx, q, a.ID)
	if err != nil {
		return account.Account{}, err
	}
	a.RefreshTokens = tokens

	return a, nil
}

func loadRefreshTokens(ctx context.Context, q queryer, accountID string) (tokenset.Set, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT token_hash, expires_at FROM account_refresh_tokens WHERE account_id = ? ORDER BY seq ASC`,
		accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("query refresh tokens: %w", err)
	}
	defer rows.Close()

	set := make(tokenset.Set, 0, tokenset.DefaultCapacity)
	for rows.Next() {
		var (
			entry     tokenset.Entry
			expiresAt int64
		)
		if err := rows.Scan(&entry.Hash, &expiresAt); err != nil {
			return nil, fmt.Errorf("scan refresh token: %w", err)
		}
		entry.ExpiresAt = fromMillis(expiresAt)
		set = append(set, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate refresh tokens: %w", err)
	}
	return set, nil
}

func replaceRefreshTokens(ctx context.Context, tx *sql.Tx, accountID string, set tokenset.Set) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM account_refresh_tokens WHERE account_id = ?`, accountID); err != nil {
		return fmt.Errorf("clear refresh tokens: %w", err)
	}
	for i, entry := range set {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO account_refresh_tokens (account_id, seq, token_hash, expires_at) VALUES (?, ?, ?, ?)`,
			accountID, i, entry.Hash, toMillis(entry.ExpiresAt),
		)
		if err != nil {
			return fmt.Errorf("insert refresh token: %w", err)
		}
	}
	return nil
}

func mapWriteError(op string, err error) error {
	if isUniqueViolation(err) {
		message := strings.ToLower(err.Error())
		switch {
		case strings.Contains(message, "accounts.username"):
			return account.ErrDuplicateUsername
		case strings.Contains(message, "accounts.email"):
			return account.ErrDuplicateEmail
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isUniqueViolation(err error) bool {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}

func nullInt(value *int) any {
	if value == nil {
		return nil
	}
	return int64(*value)
}

func nullMillis(value *time.Time) any {
	if value == nil {
		return nil
	}
	return toMillis(*value)
}

func boolToInt(value bool) int64 {
	if value {
		return 1
	}
	return 0
}

var (
	_ account.Store   = (*Store)(nil)
	_ account.Sweeper = (*Store)(nil)
)
