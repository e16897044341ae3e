package database

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// BangumiAuth is a stored Bangumi OAuth grant.
type BangumiAuth struct {
	UserID        int64
	BangumiUserID int64
	Nickname      string
	AvatarURL     string
	AccessToken   string
	RefreshToken  string
	ExpiresAt     *time.Time
	AuthorizedAt  time.Time
}

// CreateOAuthState stores a short-lived state nonce for the OAuth
// round-trip.
func (db *DB) CreateOAuthState(ctx context.Context, stateKey string, userID int64, ttl time.Duration) error {
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO oauth_states (state_key, user_id, expires_at) VALUES (?, ?, ?)`,
		stateKey, userID, time.Now().UTC().Add(ttl))
	return err
}

// ConsumeOAuthState validates and deletes a state nonce, returning the
// user it was issued to. Expired or unknown states map to ErrNotFound.
func (db *DB) ConsumeOAuthState(ctx context.Context, stateKey string) (int64, error) {
	var userID int64
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx,
			`SELECT user_id FROM oauth_states WHERE state_key = ? AND expires_at > ?`,
			stateKey, time.Now().UTC()).Scan(&userID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM oauth_states WHERE state_key = ?`, stateKey)
		return err
	})
	return userID, err
}

// PruneOAuthStates removes expired state nonces.
func (db *DB) PruneOAuthStates(ctx context.Context) (int64, error) {
	res, err := db.conn.ExecContext(ctx,
		`DELETE FROM oauth_states WHERE expires_at <= ?`, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// SaveBangumiAuth upserts a user's Bangumi grant.
func (db *DB) SaveBangumiAuth(ctx context.Context, a *BangumiAuth) error {
	var expiry sql.NullTime
	if a.ExpiresAt != nil {
		expiry = sql.NullTime{Time: a.ExpiresAt.UTC(), Valid: true}
	}
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO bangumi_auth (user_id, bangumi_user_id, nickname, avatar_url, access_token, refresh_token, expires_at, authorized_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
		  bangumi_user_id = excluded.bangumi_user_id,
		  nickname = excluded.nickname,
		  avatar_url = excluded.avatar_url,
		  access_token = excluded.access_token,
		  refresh_token = excluded.refresh_token,
		  expires_at = excluded.expires_at,
		  authorized_at = excluded.authorized_at`,
		a.UserID, a.BangumiUserID, nullString(a.Nickname), nullString(a.AvatarURL),
		a.AccessToken, nullString(a.RefreshToken), expiry, time.Now().UTC())
	return err
}

// GetBangumiAuth returns a user's Bangumi grant, or ErrNotFound.
func (db *DB) GetBangumiAuth(ctx context.Context, userID int64) (*BangumiAuth, error) {
	var (
		a                       BangumiAuth
		bgmUserID               sql.NullInt64
		nickname, avatar, rtok  sql.NullString
		expiry                  sql.NullTime
	)
	err := db.conn.QueryRowContext(ctx, `
		SELECT user_id, bangumi_user_id, nickname, avatar_url, access_token, refresh_token, expires_at, authorized_at
		FROM bangumi_auth WHERE user_id = ?`, userID).Scan(
		&a.UserID, &bgmUserID, &nickname, &avatar, &a.AccessToken, &rtok, &expiry, &a.AuthorizedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	a.BangumiUserID = bgmUserID.Int64
	a.Nickname = nickname.String
	a.AvatarURL = avatar.String
	a.RefreshToken = rtok.String
	if expiry.Valid {
		v := expiry.Time
		a.ExpiresAt = &v
	}
	return &a, nil
}

// DeleteBangumiAuth revokes a user's stored grant.
func (db *DB) DeleteBangumiAuth(ctx context.Context, userID int64) error {
	_, err := db.conn.ExecContext(ctx, `DELETE FROM bangumi_auth WHERE user_id = ?`, userID)
	return err
}
