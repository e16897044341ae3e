package database

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/l429609201/danmu-api-server/models"
)

// LinkSource binds a provider media id to a work, returning the existing
// source id when the binding is already present.
func (db *DB) LinkSource(ctx context.Context, animeID int64, providerName, mediaID string) (int64, error) {
	var id int64
	err := db.conn.QueryRowContext(ctx,
		`SELECT id FROM anime_sources WHERE anime_id = ? AND provider_name = ? AND media_id = ?`,
		animeID, providerName, mediaID).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}
	res, err := db.conn.ExecContext(ctx,
		`INSERT INTO anime_sources (anime_id, provider_name, media_id, created_at) VALUES (?, ?, ?, ?)`,
		animeID, providerName, mediaID, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// SourcesForAnime lists the sources bound to a work in creation order.
func (db *DB) SourcesForAnime(ctx context.Context, animeID int64) ([]models.Source, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, anime_id, provider_name, media_id, is_favorited,
		       incremental_refresh_enabled, incremental_refresh_failures, created_at
		FROM anime_sources WHERE anime_id = ? ORDER BY created_at, id`, animeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Source
	for rows.Next() {
		var s models.Source
		if err := rows.Scan(&s.ID, &s.AnimeID, &s.ProviderName, &s.MediaID, &s.IsFavorited,
			&s.IncrementalRefreshEnabled, &s.IncrementalRefreshFailures, &s.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// GetSourceInfo returns the denormalized source view the refresh
// pipelines operate on.
func (db *DB) GetSourceInfo(ctx context.Context, sourceID int64) (*models.SourceInfo, error) {
	var (
		info            models.SourceInfo
		tmdbID, bgmID   sql.NullString
	)
	err := db.conn.QueryRowContext(ctx, `
		SELECT s.id, s.anime_id, s.provider_name, s.media_id, a.title, a.type, a.season,
		       COALESCE(m.tmdb_id, ''), COALESCE(m.bangumi_id, '')
		FROM anime_sources s
		JOIN anime a ON a.id = s.anime_id
		LEFT JOIN anime_metadata m ON m.anime_id = a.id
		WHERE s.id = ?`, sourceID).Scan(
		&info.SourceID, &info.AnimeID, &info.ProviderName, &info.MediaID,
		&info.Title, &info.Type, &info.Season, &tmdbID, &bgmID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	info.TMDBID = tmdbID.String
	info.BangumiID = bgmID.String
	return &info, nil
}

// ToggleSourceFavorite flips the favorite flag on a source. At most one
// source per work is favorited; favoriting clears the flag on siblings.
func (db *DB) ToggleSourceFavorite(ctx context.Context, sourceID int64) (bool, error) {
	var favorited bool
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		var animeID int64
		var current bool
		err := tx.QueryRowContext(ctx,
			`SELECT anime_id, is_favorited FROM anime_sources WHERE id = ?`, sourceID).
			Scan(&animeID, &current)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		favorited = !current
		if favorited {
			if _, err := tx.ExecContext(ctx,
				`UPDATE anime_sources SET is_favorited = 0 WHERE anime_id = ? AND id != ?`,
				animeID, sourceID); err != nil {
				return err
			}
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE anime_sources SET is_favorited = ? WHERE id = ?`, favorited, sourceID)
		return err
	})
	return favorited, err
}

// SetIncrementalRefresh enables or disables the per-source incremental
// refresh flag, resetting the failure counter on any change.
func (db *DB) SetIncrementalRefresh(ctx context.Context, sourceID int64, enabled bool) error {
	res, err := db.conn.ExecContext(ctx,
		`UPDATE anime_sources SET incremental_refresh_enabled = ?, incremental_refresh_failures = 0 WHERE id = ?`,
		enabled, sourceID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// IncrementalRefreshSources lists every source with incremental refresh
// enabled.
func (db *DB) IncrementalRefreshSources(ctx context.Context) ([]models.SourceInfo, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT s.id, s.anime_id, s.provider_name, s.media_id, a.title, a.type, a.season,
		       COALESCE(m.tmdb_id, ''), COALESCE(m.bangumi_id, '')
		FROM anime_sources s
		JOIN anime a ON a.id = s.anime_id
		LEFT JOIN anime_metadata m ON m.anime_id = a.id
		WHERE s.incremental_refresh_enabled = 1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.SourceInfo
	for rows.Next() {
		var info models.SourceInfo
		var tmdbID, bgmID string
		if err := rows.Scan(&info.SourceID, &info.AnimeID, &info.ProviderName, &info.MediaID,
			&info.Title, &info.Type, &info.Season, &tmdbID, &bgmID); err != nil {
			return nil, err
		}
		info.TMDBID = tmdbID
		info.BangumiID = bgmID
		out = append(out, info)
	}
	return out, rows.Err()
}

// BumpIncrementalFailures increments the consecutive-failure counter and
// returns the new value. ResetIncrementalFailures zeroes it after a
// successful run.
func (db *DB) BumpIncrementalFailures(ctx context.Context, sourceID int64) (int, error) {
	if _, err := db.conn.ExecContext(ctx,
		`UPDATE anime_sources SET incremental_refresh_failures = incremental_refresh_failures + 1 WHERE id = ?`,
		sourceID); err != nil {
		return 0, err
	}
	var n int
	err := db.conn.QueryRowContext(ctx,
		`SELECT incremental_refresh_failures FROM anime_sources WHERE id = ?`, sourceID).Scan(&n)
	return n, err
}

func (db *DB) ResetIncrementalFailures(ctx context.Context, sourceID int64) error {
	_, err := db.conn.ExecContext(ctx,
		`UPDATE anime_sources SET incremental_refresh_failures = 0 WHERE id = ?`, sourceID)
	return err
}

// DisableIncrementalRefresh turns the flag off without touching the
// failure counter, used when the threshold is hit.
func (db *DB) DisableIncrementalRefresh(ctx context.Context, sourceID int64) error {
	_, err := db.conn.ExecContext(ctx,
		`UPDATE anime_sources SET incremental_refresh_enabled = 0 WHERE id = ?`, sourceID)
	return err
}

// DeleteSource removes a source; its episodes and comments cascade.
func (db *DB) DeleteSource(ctx context.Context, sourceID int64) error {
	res, err := db.conn.ExecContext(ctx, `DELETE FROM anime_sources WHERE id = ?`, sourceID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SourceOrder returns the 1-based position of a source among its
// siblings, ordered by creation. The position feeds the deterministic
// episode id.
func (db *DB) SourceOrder(ctx context.Context, sourceID int64) (int, error) {
	var animeID int64
	err := db.conn.QueryRowContext(ctx,
		`SELECT anime_id FROM anime_sources WHERE id = ?`, sourceID).Scan(&animeID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}

	rows, err := db.conn.QueryContext(ctx,
		`SELECT id FROM anime_sources WHERE anime_id = ? ORDER BY created_at, id`, animeID)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	order := 0
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return 0, err
		}
		order++
		if id == sourceID {
			return order, rows.Err()
		}
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}
	return 0, ErrNotFound
}
