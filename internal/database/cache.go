package database

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// GetCache returns the cached value for key, or ErrNotFound when the key
// is absent or expired. Stale rows are left for the background sweep.
func (db *DB) GetCache(ctx context.Context, key string) (string, error) {
	var value string
	err := db.conn.QueryRowContext(ctx,
		`SELECT cache_value FROM cache_data WHERE cache_key = ? AND expires_at > ?`,
		key, time.Now().UTC()).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

// SetCache upserts a cache entry. A non-positive ttl disables caching and
// makes the call a no-op.
func (db *DB) SetCache(ctx context.Context, key, provider, value string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO cache_data (cache_key, cache_provider, cache_value, expires_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(cache_key) DO UPDATE SET
		   cache_provider = excluded.cache_provider,
		   cache_value = excluded.cache_value,
		   expires_at = excluded.expires_at`,
		key, nullString(provider), value, time.Now().UTC().Add(ttl))
	return err
}

// DeleteCache removes one cache entry.
func (db *DB) DeleteCache(ctx context.Context, key string) error {
	_, err := db.conn.ExecContext(ctx, `DELETE FROM cache_data WHERE cache_key = ?`, key)
	return err
}

// ClearExpiredCache removes entries past their expiry.
func (db *DB) ClearExpiredCache(ctx context.Context) (int64, error) {
	res, err := db.conn.ExecContext(ctx,
		`DELETE FROM cache_data WHERE expires_at <= ?`, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ClearAllCache empties the cache table and returns the number of rows
// removed.
func (db *DB) ClearAllCache(ctx context.Context) (int64, error) {
	res, err := db.conn.ExecContext(ctx, `DELETE FROM cache_data`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
