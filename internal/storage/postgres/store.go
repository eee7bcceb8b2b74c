package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"auth-service/internal/account"
	"auth-service/internal/db"
	"auth-service/internal/tokenset"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

const uniqueViolation = "23505"

const accountColumns = `
	id, username, email, password_hash, description, age, location, is_admin,
	login_attempts, lock_until, created_at, updated_at
`

type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

type Store struct {
	db *sql.DB
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func Open(ctx context.Context, databaseURL string, pool PoolConfig) (*Store, error) {
	database, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if pool.MaxOpenConns > 0 {
		database.SetMaxOpenConns(pool.MaxOpenConns)
	}
	if pool.MaxIdleConns > 0 {
		database.SetMaxIdleConns(pool.MaxIdleConns)
	}
	if pool.ConnMaxLifetime > 0 {
		database.SetConnMaxLifetime(pool.ConnMaxLifetime)
	}
	if pool.ConnMaxIdleTime > 0 {
		database.SetConnMaxIdleTime(pool.ConnMaxIdleTime)
	}

	if err := database.PingContext(ctx); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{db: database}, nil
}

func (s *Store) Migrate() error {
	return db.RunMigrations(s.db, migrationFiles, "migrations", db.Postgres)
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) FindByUsername(ctx context.Context, username string) (account.Account, error) {
	return s.findOne(ctx, s.db, `WHERE username = $1`, username)
}

func (s *Store) FindByEmail(ctx context.Context, email string) (account.Account, error) {
	return s.findOne(ctx, s.db, `WHERE email = $1`, email)
}

func (s *Store) FindByID(ctx context.Context, id string) (account.Account, error) {
	return s.findOne(ctx, s.db, `WHERE id = $1`, id)
}

func (s *Store) Create(ctx context.Context, a account.Account) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create account tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO accounts (`+accountColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, a.ID, a.Username, a.Email, a.PasswordHash, a.Description, nullInt(a.Age), a.Location, a.IsAdmin,
		a.Lockout.LoginAttempts, nullTime(a.Lockout.LockUntil), a.CreatedAt.UTC(), a.UpdatedAt.UTC())
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
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return account.Account{}, fmt.Errorf("begin update account tx: %w", err)
	}
	defer tx.Rollback()

	current, err := s.findOne(ctx, tx, `WHERE id = $1 FOR UPDATE`, id)
	if err != nil {
		return account.Account{}, err
	}

	if err := mutate(&current); err != nil {
		return account.Account{}, err
	}
	current.ID = id
	current.UpdatedAt = time.Now().UTC()

	_, err = tx.ExecContext(ctx, `
		UPDATE accounts
		SET username = $2, email = $3, password_hash = $4, description = $5, age = $6,
			location = $7, is_admin = $8, login_attempts = $9, lock_until = $10, updated_at = $11
		WHERE id = $1
	`, id, current.Username, current.Email, current.PasswordHash, current.Description, nullInt(current.Age),
		current.Location, current.IsAdmin, current.Lockout.LoginAttempts, nullTime(current.Lockout.LockUntil),
		current.UpdatedAt)
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
	now = now.UTC()

	res, err := s.db.ExecContext(ctx, `
		WITH stale AS (
			SELECT account_id, seq
			FROM account_refresh_tokens
			WHERE expires_at <= $1
			ORDER BY expires_at ASC
			LIMIT $2
		)
		DELETE FROM account_refresh_tokens t
		USING stale
		WHERE t.account_id = stale.account_id AND t.seq = stale.seq
	`, now, batchSize)
	if err != nil {
		return account.SweepResult{}, fmt.Errorf("delete expired refresh tokens: %w", err)
	}
	pruned, err := res.RowsAffected()
	if err != nil {
		return account.SweepResult{}, fmt.Errorf("expired refresh tokens rows affected: %w", err)
	}

	res, err = s.db.ExecContext(ctx, `
		WITH stale AS (
			SELECT id
			FROM accounts
			WHERE lock_until IS NOT NULL AND lock_until <= $1
			ORDER BY lock_until ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE accounts a
		SET login_attempts = 0, lock_until = NULL, updated_at = $1
		FROM stale
		WHERE a.id = stale.id
	`, now, batchSize)
	if err != nil {
		return account.SweepResult{}, fmt.Errorf("clear expired locks: %w", err)
	}
	cleared, err := res.RowsAffected()
	if err != nil {
		return account.SweepResult{}, fmt.Errorf("expired locks rows affected: %w", err)
	}

	return account.SweepResult{PrunedRefreshTokens: pruned, ClearedLocks: cleared}, nil
}

func (s *Store) findOne(ctx context.Context, q queryer, where string, arg any) (account.Account, error) {
	var (
		a         account.Account
		age       sql.NullInt64
		lockUntil sql.NullTime
	)
	err := q.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts `+where, arg).Scan(
		&a.ID, &a.Username, &a.Email, &a.PasswordHash, &a.Description, &age, &a.Location, &a.IsAdmin,
		&a.Lockout.LoginAttempts, &lockUntil, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return account.Account{}, account.ErrNotFound
		}
		return account.Account{}, fmt.Errorf("query account: %w", err)
	}

	if age.Valid {
		value := int(age.Int64)
		a.Age = &value
	}
	if lockUntil.Valid {
		value := lockUntil.Time.UTC()
		a.Lockout.LockUntil = &value
	}
	a.CreatedAt = a.CreatedAt.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()

	tokens, err := loadRefreshTokens(ctx, q, a.ID)
	if err != nil {
		return account.Account{}, err
	}
	a.RefreshTokens = tokens

	return a, nil
}

func loadRefreshTokens(ctx context.Context, q queryer, accountID string) (tokenset.Set, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT token_hash, expires_at
		FROM account_refresh_tokens
		WHERE account_id = $1
		ORDER BY seq ASC
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("query refresh tokens: %w", err)
	}
	defer rows.Close()

	set := make(tokenset.Set, 0, tokenset.DefaultCapacity)
	for rows.Next() {
		var entry tokenset.Entry
		if err := rows.Scan(&entry.Hash, &entry.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scan refresh token: %w", err)
		}
		entry.ExpiresAt = entry.ExpiresAt.UTC()
		set = append(set, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate refresh tokens: %w", err)
	}

	return set, nil
}

func replaceRefreshTokens(ctx context.Context, tx *sql.Tx, accountID string, set tokenset.Set) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM account_refresh_tokens WHERE account_id = $1`, accountID); err != nil {
		return fmt.Errorf("clear refresh tokens: %w", err)
	}

	for i, entry := range set {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO account_refresh_tokens (account_id, seq, token_hash, expires_at)
			VALUES ($1, $2, $3, $4)
		`, accountID, i, entry.Hash, entry.ExpiresAt.UTC())
		if err != nil {
			return fmt.Errorf("insert refresh token: %w", err)
		}
	}

	return nil
}

func mapWriteError(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		switch pgErr.ConstraintName {
		case "accounts_username_unique":
			return account.ErrDuplicateUsername
		case "accounts_email_unique":
			return account.ErrDuplicateEmail
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func nullInt(value *int) any {
	if value == nil {
		return nil
	}
	return int64(*value)
}

func nullTime(value *time.Time) any {
	if value == nil {
		return nil
	}
	return value.UTC()
}

var (
	_ account.Store   = (*Store)(nil)
	_ account.Sweeper = (*Store)(nil)
)
