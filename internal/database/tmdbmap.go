package database

import (
	"context"
	"database/sql"
	"errors"

	"github.com/l429609201/danmu-api-server/models"
)

// ReplaceTMDBEpisodeMappings atomically swaps the stored mapping for one
// (tv id, episode group) pair: existing rows are deleted and the new set
// inserted in a single transaction.
func (db *DB) ReplaceTMDBEpisodeMappings(ctx context.Context, tvID int64, groupID string, mappings []models.TMDBEpisodeMapping) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM tmdb_episode_mapping WHERE tmdb_tv_id = ? AND tmdb_episode_group_id = ?`,
			tvID, groupID); err != nil {
			return err
		}
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO tmdb_episode_mapping
			  (tmdb_tv_id, tmdb_episode_group_id, tmdb_episode_id, tmdb_season_number,
			   tmdb_episode_number, custom_season_number, custom_episode_number, absolute_episode_number)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, m := range mappings {
			if _, err := stmt.ExecContext(ctx,
				tvID, groupID, m.TMDBEpisodeID, m.TMDBSeasonNumber, m.TMDBEpisodeNumber,
				m.CustomSeasonNumber, m.CustomEpisodeNumber, m.AbsoluteEpisodeNumber); err != nil {
				return err
			}
		}
		return nil
	})
}

// TMDBMappingByCustom resolves a (custom season, custom episode) pair to
// the mapping row, used by the match pipeline to translate user-facing
// numbering into the group's canonical order.
func (db *DB) TMDBMappingByCustom(ctx context.Context, tvID int64, groupID string, season, episode int) (*models.TMDBEpisodeMapping, error) {
	var m models.TMDBEpisodeMapping
	err := db.conn.QueryRowContext(ctx, `
		SELECT tmdb_tv_id, tmdb_episode_group_id, tmdb_episode_id, tmdb_season_number,
		       tmdb_episode_number, custom_season_number, custom_episode_number, absolute_episode_number
		FROM tmdb_episode_mapping
		WHERE tmdb_tv_id = ? AND tmdb_episode_group_id = ? AND custom_season_number = ? AND custom_episode_number = ?`,
		tvID, groupID, season, episode).Scan(
		&m.TMDBTVID, &m.TMDBEpisodeGroupID, &m.TMDBEpisodeID, &m.TMDBSeasonNumber,
		&m.TMDBEpisodeNumber, &m.CustomSeasonNumber, &m.CustomEpisodeNumber, &m.AbsoluteEpisodeNumber)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// TMDBMappingByAbsolute resolves an absolute episode number within a
// group to the mapping row.
func (db *DB) TMDBMappingByAbsolute(ctx context.Context, tvID int64, groupID string, absolute int) (*models.TMDBEpisodeMapping, error) {
	var m models.TMDBEpisodeMapping
	err := db.conn.QueryRowContext(ctx, `
		SELECT tmdb_tv_id, tmdb_episode_group_id, tmdb_episode_id, tmdb_season_number,
		       tmdb_episode_number, custom_season_number, custom_episode_number, absolute_episode_number
		FROM tmdb_episode_mapping
		WHERE tmdb_tv_id = ? AND tmdb_episode_group_id = ? AND absolute_episode_number = ?`,
		tvID, groupID, absolute).Scan(
		&m.TMDBTVID, &m.TMDBEpisodeGroupID, &m.TMDBEpisodeID, &m.TMDBSeasonNumber,
		&m.TMDBEpisodeNumber, &m.CustomSeasonNumber, &m.CustomEpisodeNumber, &m.AbsoluteEpisodeNumber)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}
