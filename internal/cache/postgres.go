package cache

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres" // register postgres driver
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const migrationsTable = "openbanking_schema_migrations"

// PostgresStore shares entries across every process that points at the
// same database, for multi-instance deployments.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore wraps an existing pool. Call Migrate first.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// OpenPostgres connects to dsn, applies the cache migrations and returns a
// ready store. Close releases the pool.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	if err := Migrate(dsn); err != nil {
		return nil, err
	}

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	poolCfg.MaxConnLifetime = 1 * time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return NewPostgresStore(pool), nil
}

// Migrate applies the embedded cache migrations to the database at dsn.
// The migration version is tracked in its own table so the cache can live
// in a database shared with other schemas.
func Migrate(dsn string) error {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("postgres: open migrations: %w", err)
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, dsn+sep+"x-migrations-table="+migrationsTable)
	if err != nil {
		return fmt.Errorf("postgres: create migrator: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("postgres: run migrations up: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *PostgresStore) Close() {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
}

// Ping reports whether the database is reachable.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres: health check: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.pool.QueryRow(ctx, `
        SELECT value FROM openbanking_kv
         WHERE key = $1 AND (expires_at IS NULL OR expires_at > now())
    `, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("postgres: get %s: %w", key, err)
	}
	return value, true, nil
}

func (s *PostgresStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	_, err := s.pool.Exec(ctx, `
        INSERT INTO openbanking_kv(key, value, expires_at)
        VALUES($1, $2, CASE WHEN $3::bigint > 0 THEN now() + $3::bigint * interval '1 millisecond' END)
        ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at
    `, key, value, ttl.Milliseconds())
	if err != nil {
		return fmt.Errorf("postgres: set %s: %w", key, err)
	}
	return nil
}

func (s *PostgresStore) Add(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
        INSERT INTO openbanking_kv(key, value, expires_at)
        VALUES($1, $2, CASE WHEN $3::bigint > 0 THEN now() + $3::bigint * interval '1 millisecond' END)
        ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at
         WHERE openbanking_kv.expires_at IS NOT NULL AND openbanking_kv.expires_at <= now()
    `, key, value, ttl.Milliseconds())
	if err != nil {
		return false, fmt.Errorf("postgres: add %s: %w", key, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `
        INSERT INTO openbanking_kv(key, value, expires_at)
        VALUES($1, '1', CASE WHEN $2::bigint > 0 THEN now() + $2::bigint * interval '1 millisecond' END)
        ON CONFLICT (key) DO UPDATE SET
            value = CASE WHEN openbanking_kv.expires_at IS NOT NULL AND openbanking_kv.expires_at <= now()
                         THEN '1'
                         ELSE (openbanking_kv.value::bigint + 1)::text END,
            expires_at = CASE WHEN openbanking_kv.expires_at IS NOT NULL AND openbanking_kv.expires_at <= now()
                              THEN EXCLUDED.expires_at
                              ELSE openbanking_kv.expires_at END
        RETURNING value::bigint
    `, key, ttl.Milliseconds()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("postgres: incr %s: %w", key, err)
	}
	return n, nil
}

func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM openbanking_kv WHERE key = $1`, key); err != nil {
		return fmt.Errorf("postgres: delete %s: %w", key, err)
	}
	return nil
}

// PurgeExpired removes lapsed entries and returns how many were deleted.
func (s *PostgresStore) PurgeExpired(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM openbanking_kv WHERE expires_at IS NOT NULL AND expires_at <= now()`)
	if err != nil {
		return 0, fmt.Errorf("postgres: purge expired: %w", err)
	}
	return tag.RowsAffected(), nil
}
