package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/l429609201/danmu-api-server/internal/danmaku"
	"github.com/l429609201/danmu-api-server/models"
)

// EpisodeID computes the deterministic episode id: the literal prefix 25
// followed by the zero-padded anime id (6 digits), source order (2
// digits) and episode index (4 digits). Example: anime 42, source 2,
// episode 7 -> 25000042020007.
func EpisodeID(animeID int64, sourceOrder, episodeIndex int) (int64, error) {
	if animeID < 0 || animeID >= 1_000_000 {
		return 0, fmt.Errorf("anime id %d out of range", animeID)
	}
	if sourceOrder < 1 || sourceOrder > 99 {
		return 0, fmt.Errorf("source order %d out of range", sourceOrder)
	}
	if episodeIndex < 0 || episodeIndex >= 10_000 {
		return 0, fmt.Errorf("episode index %d out of range", episodeIndex)
	}
	return 25_000_000_000_000 + animeID*1_000_000 + int64(sourceOrder)*10_000 + int64(episodeIndex), nil
}

// CreateEpisodeIfAbsent inserts an episode under a source, computing its
// deterministic id from the source's position. When an episode with the
// same (source, index) already exists its id is returned unchanged.
func (db *DB) CreateEpisodeIfAbsent(ctx context.Context, sourceID int64, ep *models.ProviderEpisodeInfo) (int64, error) {
	var id int64
	err := db.conn.QueryRowContext(ctx,
		`SELECT id FROM episode WHERE source_id = ? AND episode_index = ?`,
		sourceID, ep.EpisodeIndex).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}

	var animeID int64
	if err := db.conn.QueryRowContext(ctx,
		`SELECT anime_id FROM anime_sources WHERE id = ?`, sourceID).Scan(&animeID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, err
	}
	order, err := db.SourceOrder(ctx, sourceID)
	if err != nil {
		return 0, err
	}
	id, err = EpisodeID(animeID, order, ep.EpisodeIndex)
	if err != nil {
		return 0, err
	}
	_, err = db.conn.ExecContext(ctx,
		`INSERT INTO episode (id, source_id, episode_index, provider_episode_id, title, source_url)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		id, sourceID, ep.EpisodeIndex, ep.EpisodeID, ep.Title, nullString(ep.URL))
	if err != nil {
		return 0, err
	}
	return id, nil
}

// EpisodePayload pairs one fetched episode with its comments, ready to
// be written.
type EpisodePayload struct {
	Episode  models.ProviderEpisodeInfo
	Comments []danmaku.Comment
}

// ImportEpisodePayloads persists a batch of fetched episodes and their
// comments in one transaction: either every episode lands or none does.
// Returns the episode count and the number of comments actually
// inserted (known cids are skipped).
func (db *DB) ImportEpisodePayloads(ctx context.Context, sourceID int64, payloads []EpisodePayload) (int, int, error) {
	if len(payloads) == 0 {
		return 0, 0, nil
	}
	var animeID int64
	if err := db.conn.QueryRowContext(ctx,
		`SELECT anime_id FROM anime_sources WHERE id = ?`, sourceID).Scan(&animeID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, 0, ErrNotFound
		}
		return 0, 0, err
	}
	order, err := db.SourceOrder(ctx, sourceID)
	if err != nil {
		return 0, 0, err
	}

	now := time.Now().UTC()
	inserted := 0
	err = db.withTx(ctx, func(tx *sql.Tx) error {
		commentStmt, err := tx.PrepareContext(ctx,
			`INSERT OR IGNORE INTO comment (episode_id, cid, p, m, t) VALUES (?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer commentStmt.Close()

		for _, pl := range payloads {
			ep := pl.Episode
			var episodeID int64
			err := tx.QueryRowContext(ctx,
				`SELECT id FROM episode WHERE source_id = ? AND episode_index = ?`,
				sourceID, ep.EpisodeIndex).Scan(&episodeID)
			if errors.Is(err, sql.ErrNoRows) {
				episodeID, err = EpisodeID(animeID, order, ep.EpisodeIndex)
				if err != nil {
					return err
				}
				if _, err := tx.ExecContext(ctx,
					`INSERT INTO episode (id, source_id, episode_index, provider_episode_id, title, source_url)
					 VALUES (?, ?, ?, ?, ?, ?)`,
					episodeID, sourceID, ep.EpisodeIndex, ep.EpisodeID, ep.Title, nullString(ep.URL)); err != nil {
					return err
				}
			} else if err != nil {
				return err
			}
			for _, c := range pl.Comments {
				res, err := commentStmt.ExecContext(ctx, episodeID, c.CID, c.P, c.M, c.T)
				if err != nil {
					return err
				}
				if n, _ := res.RowsAffected(); n > 0 {
					inserted++
				}
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE episode
				SET comment_count = (SELECT COUNT(*) FROM comment WHERE episode_id = ?),
				    fetched_at = ?
				WHERE id = ?`, episodeID, now, episodeID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return len(payloads), inserted, nil
}

// EpisodesForSource lists a source's episodes ordered by index.
func (db *DB) EpisodesForSource(ctx context.Context, sourceID int64) ([]models.Episode, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, source_id, episode_index, title, provider_episode_id,
		       COALESCE(source_url, ''), fetched_at, comment_count
		FROM episode WHERE source_id = ? ORDER BY episode_index`, sourceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Episode
	for rows.Next() {
		var (
			e       models.Episode
			fetched sql.NullTime
		)
		if err := rows.Scan(&e.ID, &e.SourceID, &e.EpisodeIndex, &e.Title,
			&e.ProviderEpisodeID, &e.SourceURL, &fetched, &e.CommentCount); err != nil {
			return nil, err
		}
		if fetched.Valid {
			t := fetched.Time
			e.FetchedAt = &t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetEpisode returns one episode by its deterministic id.
func (db *DB) GetEpisode(ctx context.Context, episodeID int64) (*models.Episode, error) {
	var (
		e       models.Episode
		fetched sql.NullTime
	)
	err := db.conn.QueryRowContext(ctx, `
		SELECT id, source_id, episode_index, title, provider_episode_id,
		       COALESCE(source_url, ''), fetched_at, comment_count
		FROM episode WHERE id = ?`, episodeID).Scan(
		&e.ID, &e.SourceID, &e.EpisodeIndex, &e.Title,
		&e.ProviderEpisodeID, &e.SourceURL, &fetched, &e.CommentCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if fetched.Valid {
		t := fetched.Time
		e.FetchedAt = &t
	}
	return &e, nil
}

// UpdateEpisode edits an episode's title, index and source URL. Returns
// ErrConflict when the new index collides with a sibling.
func (db *DB) UpdateEpisode(ctx context.Context, episodeID int64, title string, episodeIndex int, sourceURL string) error {
	var sourceID int64
	err := db.conn.QueryRowContext(ctx,
		`SELECT source_id FROM episode WHERE id = ?`, episodeID).Scan(&sourceID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	var other int64
	err = db.conn.QueryRowContext(ctx,
		`SELECT id FROM episode WHERE source_id = ? AND episode_index = ? AND id != ?`,
		sourceID, episodeIndex, episodeID).Scan(&other)
	if err == nil {
		return ErrConflict
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	_, err = db.conn.ExecContext(ctx,
		`UPDATE episode SET title = ?, episode_index = ?, source_url = ? WHERE id = ?`,
		title, episodeIndex, nullString(sourceURL), episodeID)
	return err
}

// MarkEpisodeFetched stamps the danmaku fetch time.
func (db *DB) MarkEpisodeFetched(ctx context.Context, episodeID int64) error {
	_, err := db.conn.ExecContext(ctx,
		`UPDATE episode SET fetched_at = ? WHERE id = ?`, time.Now().UTC(), episodeID)
	return err
}

// DeleteEpisode removes one episode; its comments cascade.
func (db *DB) DeleteEpisode(ctx context.Context, episodeID int64) error {
	res, err := db.conn.ExecContext(ctx, `DELETE FROM episode WHERE id = ?`, episodeID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ReorderEpisodes rewrites a source's episode indexes to be dense and
// 1-based, preserving relative order. Because the deterministic id
// encodes the index, every episode is re-keyed; comments move with their
// episode.
func (db *DB) ReorderEpisodes(ctx context.Context, sourceID int64) error {
	var animeID int64
	if err := db.conn.QueryRowContext(ctx,
		`SELECT anime_id FROM anime_sources WHERE id = ?`, sourceID).Scan(&animeID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	order, err := db.SourceOrder(ctx, sourceID)
	if err != nil {
		return err
	}

	return db.withTx(ctx, func(tx *sql.Tx) error {
		// Re-keying moves episode ids out from under their comments;
		// check the references at commit instead of per statement.
		if _, err := tx.ExecContext(ctx, `PRAGMA defer_foreign_keys = ON`); err != nil {
			return err
		}
		rows, err := tx.QueryContext(ctx,
			`SELECT id, episode_index FROM episode WHERE source_id = ? ORDER BY episode_index`, sourceID)
		if err != nil {
			return err
		}
		type row struct {
			id    int64
			index int
		}
		var eps []row
		for rows.Next() {
			var r row
			if err := rows.Scan(&r.id, &r.index); err != nil {
				rows.Close()
				return err
			}
			eps = append(eps, r)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		// Two passes through a negative scratch range so the UNIQUE
		// (source_id, episode_index) constraint never trips mid-shuffle.
		for i, r := range eps {
			if _, err := tx.ExecContext(ctx,
				`UPDATE episode SET episode_index = ? WHERE id = ?`, -(i + 1), r.id); err != nil {
				return err
			}
		}
		for i, r := range eps {
			newIndex := i + 1
			newID, err := EpisodeID(animeID, order, newIndex)
			if err != nil {
				return err
			}
			if newID != r.id {
				if _, err := tx.ExecContext(ctx,
					`UPDATE comment SET episode_id = ? WHERE episode_id = ?`, newID, r.id); err != nil {
					return err
				}
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE episode SET id = ?, episode_index = ? WHERE id = ?`, newID, newIndex, r.id); err != nil {
				return err
			}
		}
		return nil
	})
}

// ClearSourceData deletes a source's episodes and comments but keeps the
// source binding, so a full refresh can rebuild from scratch.
func (db *DB) ClearSourceData(ctx context.Context, sourceID int64) error {
	_, err := db.conn.ExecContext(ctx, `DELETE FROM episode WHERE source_id = ?`, sourceID)
	return err
}
