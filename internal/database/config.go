package database

import (
	"context"
	"database/sql"
	"errors"
)

// GetConfigValue returns the value for key, or def when the key is absent.
func (db *DB) GetConfigValue(ctx context.Context, key, def string) (string, error) {
	var value string
	err := db.conn.QueryRowContext(ctx,
		`SELECT config_value FROM config WHERE config_key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return def, nil
	}
	if err != nil {
		return def, err
	}
	return value, nil
}

// SetConfigValue upserts a config key.
func (db *DB) SetConfigValue(ctx context.Context, key, value string) error {
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO config (config_key, config_value) VALUES (?, ?)
		 ON CONFLICT(config_key) DO UPDATE SET config_value = excluded.config_value`,
		key, value)
	return err
}

// AllConfigValues returns every config row.
func (db *DB) AllConfigValues(ctx context.Context) (map[string]string, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT config_key, config_value FROM config`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

// InitConfigDefaults inserts missing config keys without touching
// existing values.
func (db *DB) InitConfigDefaults(ctx context.Context, defaults map[string]string) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		for key, value := range defaults {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO config (config_key, config_value) VALUES (?, ?)`,
				key, value); err != nil {
				return err
			}
		}
		return nil
	})
}
