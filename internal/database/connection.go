// Package database wires up the Lifecycle Store's Postgres connection
// pool (spec §4.2): a pgx/v5-backed sqlx.DB plus a bounded retry helper
// (Retrier) for transient connection errors. The Retrier is standalone:
// pkg/lifecycle's Store methods do not call it.
package database

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver
	"go.uber.org/zap"
)

// Config is the Lifecycle Store's connection configuration.
type Config struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

func DefaultConfig() *Config {
	return &Config{
		Host:            "localhost",
		Port:            5432,
		User:            "vault_user",
		Database:        "vault",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
	}
}

// LoadFromEnv overlays the bare DB_* variables onto an existing Config,
// ignoring any variable that is unset or malformed rather than erroring
// (a malformed DB_PORT keeps the prior port).
func (c *Config) LoadFromEnv() {
	if v := os.Getenv("DB_HOST"); v != "" {
		c.Host = v
	}
	if v := os.Getenv("DB_PORT"); v != "" {
		if port, err := parsePort(v); err == nil {
			c.Port = port
		}
	}
	if v := os.Getenv("DB_USER"); v != "" {
		c.User = v
	}
	if v := os.Getenv("DB_PASSWORD"); v != "" {
		c.Password = v
	}
	if v := os.Getenv("DB_NAME"); v != "" {
		c.Database = v
	}
	if v := os.Getenv("DB_SSL_MODE"); v != "" {
		c.SSLMode = v
	}
}

// Validate reports the first configuration problem found, if any.
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("database host is required")
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("database port must be between 1 and 65535")
	}
	if c.User == "" {
		return fmt.Errorf("database user is required")
	}
	if c.Database == "" {
		return fmt.Errorf("database name is required")
	}
	if c.MaxOpenConns <= 0 {
		return fmt.Errorf("max open connections must be greater than 0")
	}
	if c.MaxIdleConns < 0 {
		return fmt.Errorf("max idle connections must be non-negative")
	}
	return nil
}

// ConnectionString renders a libpq-style keyword/value DSN, omitting the
// password keyword entirely when empty so it never shows up as
// `password=` in a log line.
func (c *Config) ConnectionString() string {
	s := fmt.Sprintf("host=%s port=%d user=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Database, c.SSLMode)
	if c.Password != "" {
		s += fmt.Sprintf(" password=%s", c.Password)
	}
	return s
}

// Connect validates config, opens a pgx-backed sqlx.DB, and applies the
// pool limits. sqlx.Connect pings the server, so an unreachable database
// fails here rather than on the first query.
func Connect(config *Config, logger *zap.Logger) (*sqlx.DB, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database configuration: %w", err)
	}

	db, err := sqlx.Connect("pgx", config.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	logger.Info("connected to database",
		zap.String("host", config.Host),
		zap.Int("port", config.Port),
		zap.String("database", config.Database),
	)
	return db, nil
}

// parsePort is split out purely so LoadFromEnv reads as a guarded
// assignment rather than an inline strconv.Atoi/err dance.
func parsePort(v string) (int, error) {
	var port int
	_, err := fmt.Sscanf(v, "%d", &port)
	return port, err
}

// RetryConfig bounds a Retrier. MaxAttempts counts the first attempt, so
// the default of 4 allows up to three reconnect retries.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 4, BaseDelay: 500 * time.Millisecond, MaxDelay: 5 * time.Second}
}

// pgConnectionExceptionClass is the SQLSTATE class ("08") Postgres uses
// for connection_exception errors (connection_failure, sqlclient_unable_to_establish_sqlconnection, ...).
const pgConnectionExceptionClass = "08"

// IsRetryableError reports whether err looks like a transient
// connection failure worth retrying, as opposed to a query or
// constraint error that will fail identically on retry.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return len(pgErr.Code) >= 2 && pgErr.Code[:2] == pgConnectionExceptionClass
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// Retrier executes an operation with bounded exponential backoff,
// retrying only errors IsRetryableError accepts. It gives up and returns
// the last error once MaxAttempts is exhausted.
type Retrier struct {
	Config RetryConfig
	Logger *zap.Logger
}

func NewRetrier(cfg RetryConfig, logger *zap.Logger) *Retrier {
	return &Retrier{Config: cfg, Logger: logger}
}

func (r *Retrier) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	delay := r.Config.BaseDelay
	var lastErr error
	for attempt := 1; attempt <= r.Config.MaxAttempts; attempt++ {
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if !IsRetryableError(lastErr) || attempt == r.Config.MaxAttempts {
			return lastErr
		}

		r.Logger.Warn("retrying after transient database error",
			zap.Int("attempt", attempt),
			zap.Error(lastErr),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > r.Config.MaxDelay {
			delay = r.Config.MaxDelay
		}
	}
	return lastErr
}
