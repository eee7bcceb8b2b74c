// Package config reads service settings from the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"

	envDevelopment = "development"
)

// RateRule caps requests per client IP inside a window.
type RateRule struct {
	Max    int           `env:"MAX"`
	Window time.Duration `env:"WINDOW"`
}

type RateLimits struct {
	Login    RateRule `envPrefix:"RATE_LIMIT_LOGIN_"`
	Register RateRule `envPrefix:"RATE_LIMIT_REGISTER_"`
	Refresh  RateRule `envPrefix:"RATE_LIMIT_REFRESH_"`
	Logout   RateRule `envPrefix:"RATE_LIMIT_LOGOUT_"`
}

type Config struct {
	Port   string `env:"PORT"    envDefault:"17000"`
	AppEnv string `env:"APP_ENV" envDefault:"development"`

	StorageDriver     string        `env:"STORAGE_DRIVER"`
	DatabaseURL       string        `env:"DATABASE_URL"`
	SQLitePath        string        `env:"SQLITE_PATH"           envDefault:"auth.db"`
	DBMaxOpenConns    int           `env:"DB_MAX_OPEN_CONNS"     envDefault:"10"`
	DBMaxIdleConns    int           `env:"DB_MAX_IDLE_CONNS"     envDefault:"5"`
	DBConnMaxLifetime time.Duration `env:"DB_CONN_MAX_LIFETIME"  envDefault:"30m"`
	DBConnMaxIdleTime time.Duration `env:"DB_CONN_MAX_IDLE_TIME" envDefault:"10m"`
	RunMigrations     bool          `env:"RUN_MIGRATIONS"        envDefault:"true"`

	JWTSecret          string        `env:"JWT_SECRET"`
	RefreshTokenSecret string        `env:"REFRESH_TOKEN_SECRET"`
	AccessTokenTTL     time.Duration `env:"JWT_EXPIRY"           envDefault:"15m"`
	RefreshTokenTTL    time.Duration `env:"REFRESH_TOKEN_EXPIRY" envDefault:"168h"`
	RefreshTokenCap    int           `env:"REFRESH_TOKEN_CAP"    envDefault:"5"`
	LoginMaxAttempts   int           `env:"LOGIN_MAX_ATTEMPTS"   envDefault:"5"`
	LoginLockDuration  time.Duration `env:"LOGIN_LOCK_DURATION"  envDefault:"2h"`
	BcryptCost         int           `env:"BCRYPT_COST"          envDefault:"10"`

	AdminUsername string `env:"ADMIN_USERNAME"`
	AdminEmail    string `env:"ADMIN_EMAIL"`
	AdminPassword string `env:"ADMIN_PASSWORD"`

	SentryDSN        string `env:"SENTRY_DSN"`
	RedisURL         string `env:"REDIS_URL"`
	CronSecret       string `env:"CRON_SECRET"`
	CleanupBatchSize int    `env:"AUTH_CLEANUP_BATCH_SIZE" envDefault:"500"`

	RateLimits RateLimits
}

type LoadOptions struct {
	LoadDotEnv bool
}

// Load optionally reads .env, then parses the process environment.
func Load(options LoadOptions) (Config, error) {
	if options.LoadDotEnv {
		_ = godotenv.Load()
	}
	return Parse(nil)
}

// Parse reads configuration from environ, or from the process environment
// when environ is nil.
func Parse(environ map[string]string) (Config, error) {
	var cfg Config
	var err error
	if environ == nil {
		err = env.Parse(&cfg)
	} else {
		err = env.ParseWithOptions(&cfg, env.Options{Environment: environ})
	}
	if err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) IsDevelopment() bool {
	return strings.EqualFold(c.AppEnv, envDevelopment)
}

func (c *Config) applyDefaults() {
	c.StorageDriver = strings.ToLower(strings.TrimSpace(c.StorageDriver))
	if c.StorageDriver == "" {
		if strings.TrimSpace(c.DatabaseURL) != "" {
			c.StorageDriver = DriverPostgres
		} else {
			c.StorageDriver = DriverSQLite
		}
	}

	loginMax, registerMax := 5, 3
	if c.IsDevelopment() {
		loginMax, registerMax = 100, 100
	}
	c.RateLimits.Login.withDefaults(loginMax, 15*time.Minute)
	c.RateLimits.Register.withDefaults(registerMax, time.Hour)
	c.RateLimits.Refresh.withDefaults(10, 15*time.Minute)
	c.RateLimits.Logout.withDefaults(20, 15*time.Minute)
}

func (r *RateRule) withDefaults(max int, window time.Duration) {
	if r.Max <= 0 {
		r.Max = max
	}
	if r.Window <= 0 {
		r.Window = window
	}
}

func (c Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.JWTSecret) == "" {
		errs = append(errs, errors.New("missing required env: JWT_SECRET"))
	}
	if strings.TrimSpace(c.RefreshTokenSecret) == "" {
		errs = append(errs, errors.New("missing required env: REFRESH_TOKEN_SECRET"))
	}
	if c.JWTSecret != "" && c.JWTSecret == c.RefreshTokenSecret {
		errs = append(errs, errors.New("JWT_SECRET and REFRESH_TOKEN_SECRET must differ"))
	}

	switch c.StorageDriver {
	case DriverPostgres:
		if strings.TrimSpace(c.DatabaseURL) == "" {
			errs = append(errs, errors.New("missing required env: DATABASE_URL"))
		}
	case DriverSQLite:
		if strings.TrimSpace(c.SQLitePath) == "" {
			errs = append(errs, errors.New("missing required env: SQLITE_PATH"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported STORAGE_DRIVER %q", c.StorageDriver))
	}

	if c.AccessTokenTTL <= 0 || c.RefreshTokenTTL <= 0 {
		errs = append(errs, errors.New("token lifetimes must be positive"))
	}
	if c.RefreshTokenCap <= 0 {
		errs = append(errs, errors.New("REFRESH_TOKEN_CAP must be positive"))
	}
	if c.LoginMaxAttempts <= 0 || c.LoginLockDuration <= 0 {
		errs = append(errs, errors.New("LOGIN_MAX_ATTEMPTS and LOGIN_LOCK_DURATION must be positive"))
	}

	return errors.Join(errs...)
}
