package database

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/l429609201/danmu-api-server/models"
)

// Token validation outcomes recorded in token_access_logs.
const (
	TokenAccessAllowed   = "allowed"
	TokenAccessDenied    = "denied"
	TokenAccessUABlocked = "ua_blocked"
)

// CreateAPIToken stores a freshly generated compat-API token. A nil
// expiry means the token never expires.
func (db *DB) CreateAPIToken(ctx context.Context, name, token string, expiresAt *time.Time) (int64, error) {
	var expiry sql.NullTime
	if expiresAt != nil {
		expiry = sql.NullTime{Time: expiresAt.UTC(), Valid: true}
	}
	res, err := db.conn.ExecContext(ctx, `
		INSERT INTO api_tokens (name, token, is_enabled, expires_at, created_at)
		VALUES (?, ?, 1, ?, ?)`,
		name, token, expiry, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ListAPITokens returns every token, newest first.
func (db *DB) ListAPITokens(ctx context.Context) ([]models.APIToken, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, name, token, is_enabled, expires_at, created_at
		FROM api_tokens ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.APIToken
	for rows.Next() {
		var (
			t      models.APIToken
			expiry sql.NullTime
		)
		if err := rows.Scan(&t.ID, &t.Name, &t.Token, &t.IsEnabled, &expiry, &t.CreatedAt); err != nil {
			return nil, err
		}
		if expiry.Valid {
			v := expiry.Time
			t.ExpiresAt = &v
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// FindAPIToken resolves a token string to its row, regardless of enabled
// state or expiry; the caller decides how to respond.
func (db *DB) FindAPIToken(ctx context.Context, token string) (*models.APIToken, error) {
	var (
		t      models.APIToken
		expiry sql.NullTime
	)
	err := db.conn.QueryRowContext(ctx, `
		SELECT id, name, token, is_enabled, expires_at, created_at
		FROM api_tokens WHERE token = ?`, token).Scan(
		&t.ID, &t.Name, &t.Token, &t.IsEnabled, &expiry, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if expiry.Valid {
		v := expiry.Time
		t.ExpiresAt = &v
	}
	return &t, nil
}

// SetAPITokenEnabled toggles a token.
func (db *DB) SetAPITokenEnabled(ctx context.Context, id int64, enabled bool) error {
	res, err := db.conn.ExecContext(ctx,
		`UPDATE api_tokens SET is_enabled = ? WHERE id = ?`, enabled, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteAPIToken removes a token and its access logs.
func (db *DB) DeleteAPIToken(ctx context.Context, id int64) error {
	res, err := db.conn.ExecContext(ctx, `DELETE FROM api_tokens WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// LogTokenAccess appends one access-log row for a token.
func (db *DB) LogTokenAccess(ctx context.Context, tokenID int64, ip, userAgent, status, path string) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO token_access_logs (token_id, ip_address, user_agent, status, path, access_time)
		VALUES (?, ?, ?, ?, ?, ?)`,
		tokenID, ip, nullString(userAgent), status, nullString(path), time.Now().UTC())
	return err
}

// TokenAccessLogs returns a token's recent accesses, newest first.
func (db *DB) TokenAccessLogs(ctx context.Context, tokenID int64, limit int) ([]models.TokenAccessLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.conn.QueryContext(ctx, `
		SELECT access_time, ip_address, status, COALESCE(path, ''), COALESCE(user_agent, '')
		FROM token_access_logs WHERE token_id = ?
		ORDER BY access_time DESC LIMIT ?`, tokenID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.TokenAccessLog
	for rows.Next() {
		var l models.TokenAccessLog
		if err := rows.Scan(&l.AccessTime, &l.IPAddress, &l.Status, &l.Path, &l.UserAgent); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// PruneTokenAccessLogs deletes access-log rows older than the cutoff.
func (db *DB) PruneTokenAccessLogs(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := db.conn.ExecContext(ctx,
		`DELETE FROM token_access_logs WHERE access_time < ?`, olderThan.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// AddUARule adds a User-Agent denylist entry; duplicates map to
// ErrConflict.
func (db *DB) AddUARule(ctx context.Context, uaString string) (int64, error) {
	res, err := db.conn.ExecContext(ctx,
		`INSERT OR IGNORE INTO ua_rules (ua_string, created_at) VALUES (?, ?)`,
		uaString, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, ErrConflict
	}
	return res.LastInsertId()
}

// ListUARules returns the User-Agent denylist.
func (db *DB) ListUARules(ctx context.Context) ([]models.UARule, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT id, ua_string, created_at FROM ua_rules ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.UARule
	for rows.Next() {
		var r models.UARule
		if err := rows.Scan(&r.ID, &r.UAString, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteUARule removes one denylist entry.
func (db *DB) DeleteUARule(ctx context.Context, id int64) error {
	res, err := db.conn.ExecContext(ctx, `DELETE FROM ua_rules WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
