// Package persist implements collaborators.PersistedData on PostgreSQL,
// grounded on the teacher's internal/db package: the same Config/connection-
// pool shape (internal/db/db.go) and the same retry-with-backoff dial
// sequence (internal/db/retry.go), repointed at a one-table schema that
// tracks the installed version/fingerprint per component id (§6.4).
package persist

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"os"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog/log"
)

// Config mirrors internal/db.Config: either DatabaseURL or the individual
// host/port/user/password/database fields, plus pool sizing.
type Config struct {
	DatabaseURL     string
	Host            string
	Port            string
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	MaxLifetime     time.Duration
	ApplicationName string
}

func (c *Config) connectionString() string {
	if strings.TrimSpace(c.DatabaseURL) != "" {
		return c.DatabaseURL
	}
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s application_name=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, sslMode, c.ApplicationName)
}

// Store is the PostgreSQL-backed PersistedData implementation.
type Store struct {
	db *sql.DB
}

// Open connects to PostgreSQL per config, applying the same environment-
// scaled pool limits the teacher uses, and ensures the tracking table
// exists.
func Open(config Config) (*Store, error) {
	if config.MaxOpenConns == 0 {
		config.MaxOpenConns = 10
	}
	if config.MaxIdleConns == 0 {
		config.MaxIdleConns = 2
	}
	if config.MaxLifetime == 0 {
		config.MaxLifetime = 5 * time.Minute
	}
	if config.ApplicationName == "" {
		config.ApplicationName = "updateclient"
	}

	client, err := sql.Open("pgx", config.connectionString())
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	client.SetMaxOpenConns(config.MaxOpenConns)
	client.SetMaxIdleConns(config.MaxIdleConns)
	client.SetConnMaxLifetime(config.MaxLifetime)

	if err := client.Ping(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := &Store{db: client}
	if err := store.ensureSchema(context.Background()); err != nil {
		client.Close()
		return nil, err
	}
	return store, nil
}

// OpenFromEnvWithRetry dials with exponential backoff, grounded on
// internal/db/retry.go's InitFromEnvWithRetryConfig.
func OpenFromEnvWithRetry(ctx context.Context, maxAttempts int) (*Store, error) {
	config := Config{
		DatabaseURL: strings.TrimSpace(os.Getenv("DATABASE_URL")),
		Host:        os.Getenv("POSTGRES_HOST"),
		Port:        os.Getenv("POSTGRES_PORT"),
		User:        os.Getenv("POSTGRES_USER"),
		Password:    os.Getenv("POSTGRES_PASSWORD"),
		Database:    os.Getenv("POSTGRES_DB"),
	}
	if maxAttempts <= 0 {
		maxAttempts = 10
	}

	backoff := time.Second
	const maxBackoff = 30 * time.Second
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		store, err := Open(config)
		if err == nil {
			if attempt > 1 {
				log.Info().Int("attempts", attempt).Msg("persist store connected after retries")
			}
			return store, nil
		}
		lastErr = err

		if attempt >= maxAttempts {
			break
		}
		log.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", backoff).Msg("persist store connect failed, retrying")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}

		backoff = time.Duration(math.Min(float64(backoff)*2, float64(maxBackoff)))
		jitter := time.Duration(float64(backoff) * 0.1 * (2*rand.Float64() - 1))
		backoff += jitter
	}

	return nil, fmt.Errorf("persist store connect failed after %d attempts: %w", maxAttempts, lastErr)
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS component_versions (
			id           TEXT PRIMARY KEY,
			version      TEXT NOT NULL,
			fingerprint  TEXT NOT NULL DEFAULT '',
			updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("ensure component_versions table: %w", err)
	}
	return nil
}

// GetVersionAndFingerprint implements collaborators.PersistedData.
func (s *Store) GetVersionAndFingerprint(ctx context.Context, id string) (string, string, bool, error) {
	var version, fingerprint string
	err := s.db.QueryRowContext(ctx,
		`SELECT version, fingerprint FROM component_versions WHERE id = $1`, id,
	).Scan(&version, &fingerprint)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", false, nil
	}
	if err != nil {
		return "", "", false, fmt.Errorf("query component_versions: %w", err)
	}
	return version, fingerprint, true, nil
}

// SetVersionAndFingerprint implements collaborators.PersistedData. Called
// once per component, only after the installer reports success (§6.4).
func (s *Store) SetVersionAndFingerprint(ctx context.Context, id, version, fingerprint string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO component_versions (id, version, fingerprint, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (id) DO UPDATE
		SET version = EXCLUDED.version, fingerprint = EXCLUDED.fingerprint, updated_at = NOW()
	`, id, version, fingerprint)
	if err != nil {
		return fmt.Errorf("upsert component_versions: %w", err)
	}
	return nil
}

// DB exposes the underlying pool for other collaborators (internal/ping)
// that share the same PostgreSQL connection.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}
