package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"auth-service/internal/account"
	"auth-service/internal/auth"
	"auth-service/internal/config"
	"auth-service/internal/httpapi"
	"auth-service/internal/lockout"
	"auth-service/internal/maintenance"
	"auth-service/internal/observability"
	"auth-service/internal/password"
	"auth-service/internal/ratelimit"
	"auth-service/internal/storage/postgres"
	"auth-service/internal/storage/sqlite"
	"auth-service/internal/token"
)

type Options struct {
	LoadDotEnv bool
	// RunMigrations overrides RUN_MIGRATIONS when set.
	RunMigrations *bool
}

type Runtime struct {
	Config  config.Config
	Handler http.Handler
	Logger  *observability.Logger
	Close   func() error
}

type accountStore interface {
	account.Store
	account.Sweeper
}

func Build(options Options) (*Runtime, error) {
	cfg, err := config.Load(config.LoadOptions{LoadDotEnv: options.LoadDotEnv})
	if err != nil {
		return nil, err
	}
	if options.RunMigrations != nil {
		cfg.RunMigrations = *options.RunMigrations
	}

	logger := observability.NewLogger()

	if err := observability.InitSentry(cfg.SentryDSN, cfg.AppEnv); err != nil {
		logger.Error("init_sentry_failed", map[string]any{"error": err.Error()})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	closers := []func() error{store.Close}
	closeAll := func() error {
		observability.FlushSentry()
		var errs []error
		for i := len(closers) - 1; i >= 0; i-- {
			errs = append(errs, closers[i]())
		}
		return errors.Join(errs...)
	}

	codec, err := token.NewCodec(token.Config{
		AccessSecret:  cfg.JWTSecret,
		RefreshSecret: cfg.RefreshTokenSecret,
		AccessTTL:     cfg.AccessTokenTTL,
		RefreshTTL:    cfg.RefreshTokenTTL,
	})
	if err != nil {
		_ = closeAll()
		return nil, fmt.Errorf("init token codec: %w", err)
	}

	authService := auth.NewService(store, codec, password.NewHasher(cfg.BcryptCost), logger, auth.Config{
		RefreshCapacity: cfg.RefreshTokenCap,
		Lockout: lockout.Policy{
			Threshold: cfg.LoginMaxAttempts,
			Duration:  cfg.LoginLockDuration,
		},
	})

	if err := authService.EnsureAdmin(ctx, cfg.AdminUsername, cfg.AdminEmail, cfg.AdminPassword); err != nil {
		_ = closeAll()
		return nil, fmt.Errorf("bootstrap admin: %w", err)
	}

	limiters, closeLimiters, err := buildLimiters(ctx, cfg, logger)
	if err != nil {
		_ = closeAll()
		return nil, err
	}
	closers = append(closers, closeLimiters)

	handler := httpapi.NewRouter(httpapi.Deps{
		Auth:     auth.NewHandler(authService, logger),
		Verifier: codec,
		Cleanup:  maintenance.NewCleanupHandler(store, logger, cfg.CronSecret, cfg.CleanupBatchSize),
		Ping:     store.Ping,
		Limiters: limiters,
		Logger:   logger,
	})

	return &Runtime{
		Config:  cfg,
		Handler: handler,
		Logger:  logger,
		Close:   closeAll,
	}, nil
}

func openStore(ctx context.Context, cfg config.Config) (accountStore, error) {
	switch cfg.StorageDriver {
	case config.DriverPostgres:
		store, err := postgres.Open(ctx, cfg.DatabaseURL, postgres.PoolConfig{
			MaxOpenConns:    cfg.DBMaxOpenConns,
			MaxIdleConns:    cfg.DBMaxIdleConns,
			ConnMaxLifetime: cfg.DBConnMaxLifetime,
			ConnMaxIdleTime: cfg.DBConnMaxIdleTime,
		})
		if err != nil {
			return nil, err
		}
		if cfg.RunMigrations {
			if err := store.Migrate(); err != nil {
				_ = store.Close()
				return nil, fmt.Errorf("run migrations: %w", err)
			}
		}
		return store, nil
	case config.DriverSQLite:
		// The SQLite store always migrates on open.
		return sqlite.Open(cfg.SQLitePath)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.StorageDriver)
	}
}

func buildLimiters(ctx context.Context, cfg config.Config, logger *observability.Logger) (httpapi.Limiters, func() error, error) {
	rules := cfg.RateLimits

	if cfg.RedisURL == "" {
		return httpapi.Limiters{
			Login:    ratelimit.NewMemory(rules.Login.Max, rules.Login.Window),
			Register: ratelimit.NewMemory(rules.Register.Max, rules.Register.Window),
			Refresh:  ratelimit.NewMemory(rules.Refresh.Max, rules.Refresh.Window),
			Logout:   ratelimit.NewMemory(rules.Logout.Max, rules.Logout.Window),
		}, func() error { return nil }, nil
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return httpapi.Limiters{}, nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		// Limiters fail open while Redis is unreachable.
		logger.Error("redis_ping_failed", map[string]any{"error": err.Error()})
	}

	return httpapi.Limiters{
		Login:    ratelimit.NewRedis(client, "auth", rules.Login.Max, rules.Login.Window),
		Register: ratelimit.NewRedis(client, "auth", rules.Register.Max, rules.Register.Window),
		Refresh:  ratelimit.NewRedis(client, "auth", rules.Refresh.Max, rules.Refresh.Window),
		Logout:   ratelimit.NewRedis(client, "auth", rules.Logout.Max, rules.Logout.Window),
	}, client.Close, nil
}
