package cache

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

var (
	//go:embed sql/schema.sql
	sqliteSchema string
)

// SQLiteStore shares entries between processes on one host.
type SQLiteStore struct {
	db    *sql.DB
	clock func() time.Time
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens (and initialises) the cache database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteStore{db: db, clock: time.Now}, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `
        SELECT value FROM kv_entry
         WHERE key = ? AND (expires_at = 0 OR expires_at > ?)
    `, key, s.now()).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %s: %w", key, err)
	}
	return value, true, nil
}

func (s *SQLiteStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO kv_entry(key, value, expires_at) VALUES(?, ?, ?)
        ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at
    `, key, value, s.expiry(ttl))
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) Add(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
        INSERT INTO kv_entry(key, value, expires_at) VALUES(?, ?, ?)
        ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at
         WHERE kv_entry.expires_at > 0 AND kv_entry.expires_at <= ?
    `, key, value, s.expiry(ttl), s.now())
	if err != nil {
		return false, fmt.Errorf("add %s: %w", key, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("add %s: %w", key, err)
	}
	return rows > 0, nil
}

func (s *SQLiteStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	now := s.now()
	var n int64
	err := s.db.QueryRowContext(ctx, `
        INSERT INTO kv_entry(key, value, expires_at) VALUES(?, '1', ?)
        ON CONFLICT(key) DO UPDATE SET
            value = CASE WHEN kv_entry.expires_at > 0 AND kv_entry.expires_at <= ?
                         THEN '1'
                         ELSE CAST(CAST(kv_entry.value AS INTEGER) + 1 AS TEXT) END,
            expires_at = CASE WHEN kv_entry.expires_at > 0 AND kv_entry.expires_at <= ?
                              THEN excluded.expires_at
                              ELSE kv_entry.expires_at END
        RETURNING CAST(value AS INTEGER)
    `, key, s.expiry(ttl), now, now).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("incr %s: %w", key, err)
	}
	return n, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv_entry WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// PurgeExpired removes lapsed entries and returns how many were deleted.
func (s *SQLiteStore) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM kv_entry WHERE expires_at > 0 AND expires_at <= ?`, s.now())
	if err != nil {
		return 0, fmt.Errorf("purge expired: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *SQLiteStore) now() int64 {
	return s.clock().UnixMilli()
}

func (s *SQLiteStore) expiry(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return s.clock().Add(ttl).UnixMilli()
}
