package database

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/l429609201/danmu-api-server/models"
)

// GetOrCreateAnime finds a work by its (title, season) natural key,
// creating it together with empty metadata and alias rows when absent.
// When the work exists but is missing a poster URL or local poster path
// that this call supplies, the missing field is filled in.
func (db *DB) GetOrCreateAnime(ctx context.Context, title, mediaType string, season int, imageURL, localImagePath string) (int64, error) {
	var (
		id            int64
		existingImage sql.NullString
		existingLocal sql.NullString
	)
	err := db.conn.QueryRowContext(ctx,
		`SELECT id, image_url, local_image_path FROM anime WHERE title = ? AND season = ?`,
		title, season).Scan(&id, &existingImage, &existingLocal)
	switch {
	case err == nil:
		if !existingImage.Valid || existingImage.String == "" {
			if imageURL != "" {
				if _, err := db.conn.ExecContext(ctx,
					`UPDATE anime SET image_url = ? WHERE id = ?`, imageURL, id); err != nil {
					return 0, err
				}
			}
		}
		if !existingLocal.Valid || existingLocal.String == "" {
			if localImagePath != "" {
				if _, err := db.conn.ExecContext(ctx,
					`UPDATE anime SET local_image_path = ? WHERE id = ?`, localImagePath, id); err != nil {
					return 0, err
				}
			}
		}
		return id, nil
	case !errors.Is(err, sql.ErrNoRows):
		return 0, err
	}

	err = db.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO anime (title, type, season, image_url, local_image_path, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			title, mediaType, season, nullString(imageURL), nullString(localImagePath), time.Now().UTC())
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO anime_metadata (anime_id) VALUES (?)`, id); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO anime_aliases (anime_id) VALUES (?)`, id)
		return err
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// FindAnimeByTitleSeason returns the work id for an exact natural-key
// match, or ErrNotFound.
func (db *DB) FindAnimeByTitleSeason(ctx context.Context, title string, season int) (int64, error) {
	var id int64
	err := db.conn.QueryRowContext(ctx,
		`SELECT id FROM anime WHERE title = ? AND season = ?`, title, season).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	return id, err
}

// Library returns every work with its episode and source counts.
func (db *DB) Library(ctx context.Context) ([]models.LibraryAnime, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT a.id, a.title, a.type, a.season, COALESCE(a.image_url, ''), a.created_at,
		       (SELECT COUNT(*) FROM anime_sources s WHERE s.anime_id = a.id),
		       (SELECT COUNT(*) FROM episode e JOIN anime_sources s ON e.source_id = s.id WHERE s.anime_id = a.id)
		FROM anime a
		ORDER BY a.created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.LibraryAnime
	for rows.Next() {
		var a models.LibraryAnime
		if err := rows.Scan(&a.AnimeID, &a.Title, &a.Type, &a.Season, &a.ImageURL,
			&a.CreatedAt, &a.SourceCount, &a.EpisodeCount); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// GetAnimeDetails returns the full editable view of one work.
func (db *DB) GetAnimeDetails(ctx context.Context, animeID int64) (*models.AnimeDetails, error) {
	var (
		d                                              models.AnimeDetails
		imageURL, tmdbID, groupID, bangumiID           sql.NullString
		tvdbID, doubanID, imdbID                       sql.NullString
		nameEN, nameJP, nameRomaji, cn1, cn2, cn3      sql.NullString
		episodeCount                                   sql.NullInt64
	)
	err := db.conn.QueryRowContext(ctx, `
		SELECT a.id, a.title, a.type, a.season, a.episode_count, a.image_url,
		       m.tmdb_id, m.tmdb_episode_group_id, m.bangumi_id, m.tvdb_id, m.douban_id, m.imdb_id,
		       al.name_en, al.name_jp, al.name_romaji, al.alias_cn_1, al.alias_cn_2, al.alias_cn_3
		FROM anime a
		LEFT JOIN anime_metadata m ON m.anime_id = a.id
		LEFT JOIN anime_aliases al ON al.anime_id = a.id
		WHERE a.id = ?`, animeID).Scan(
		&d.AnimeID, &d.Title, &d.Type, &d.Season, &episodeCount, &imageURL,
		&tmdbID, &groupID, &bangumiID, &tvdbID, &doubanID, &imdbID,
		&nameEN, &nameJP, &nameRomaji, &cn1, &cn2, &cn3)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	d.EpisodeCount = int(episodeCount.Int64)
	d.ImageURL = imageURL.String
	d.TMDBID = tmdbID.String
	d.TMDBEpisodeGroupID = groupID.String
	d.BangumiID = bangumiID.String
	d.TVDBID = tvdbID.String
	d.DoubanID = doubanID.String
	d.IMDBID = imdbID.String
	d.NameEN = nameEN.String
	d.NameJP = nameJP.String
	d.NameRomaji = nameRomaji.String
	d.AliasCN1 = cn1.String
	d.AliasCN2 = cn2.String
	d.AliasCN3 = cn3.String
	return &d, nil
}

// UpdateAnimeDetails applies a user edit to a work, its metadata and its
// aliases. Unlike the import path this overwrites every field; returns
// ErrConflict when the new (title, season) collides with another work.
func (db *DB) UpdateAnimeDetails(ctx context.Context, d *models.AnimeDetails) error {
	var other int64
	err := db.conn.QueryRowContext(ctx,
		`SELECT id FROM anime WHERE title = ? AND season = ? AND id != ?`,
		d.Title, d.Season, d.AnimeID).Scan(&other)
	if err == nil {
		return ErrConflict
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	return db.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE anime SET title = ?, type = ?, season = ?, episode_count = ? WHERE id = ?`,
			d.Title, d.Type, d.Season, sql.NullInt64{Int64: int64(d.EpisodeCount), Valid: d.EpisodeCount > 0}, d.AnimeID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE anime_metadata SET tmdb_id = ?, tmdb_episode_group_id = ?, bangumi_id = ?,
			       tvdb_id = ?, douban_id = ?, imdb_id = ?
			WHERE anime_id = ?`,
			nullString(d.TMDBID), nullString(d.TMDBEpisodeGroupID), nullString(d.BangumiID),
			nullString(d.TVDBID), nullString(d.DoubanID), nullString(d.IMDBID), d.AnimeID); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE anime_aliases SET name_en = ?, name_jp = ?, name_romaji = ?,
			       alias_cn_1 = ?, alias_cn_2 = ?, alias_cn_3 = ?
			WHERE anime_id = ?`,
			nullString(d.NameEN), nullString(d.NameJP), nullString(d.NameRomaji),
			nullString(d.AliasCN1), nullString(d.AliasCN2), nullString(d.AliasCN3), d.AnimeID)
		return err
	})
}

// DeleteAnime removes a work; sources, episodes, comments, metadata and
// aliases cascade.
func (db *DB) DeleteAnime(ctx context.Context, animeID int64) error {
	res, err := db.conn.ExecContext(ctx, `DELETE FROM anime WHERE id = ?`, animeID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateMetadataIfEmpty fills external-id columns that are still empty.
// Columns already set are only changed through UpdateAnimeDetails.
func (db *DB) UpdateMetadataIfEmpty(ctx context.Context, animeID int64, tmdbID, groupID, imdbID, tvdbID, doubanID, bangumiID string) error {
	cols := []struct {
		name  string
		value string
	}{
		{"tmdb_id", tmdbID},
		{"tmdb_episode_group_id", groupID},
		{"imdb_id", imdbID},
		{"tvdb_id", tvdbID},
		{"douban_id", doubanID},
		{"bangumi_id", bangumiID},
	}
	for _, c := range cols {
		if c.value == "" {
			continue
		}
		if _, err := db.conn.ExecContext(ctx,
			`UPDATE anime_metadata SET `+c.name+` = ? WHERE anime_id = ? AND (`+c.name+` IS NULL OR `+c.name+` = '')`,
			c.value, animeID); err != nil {
			return err
		}
	}
	return nil
}

// UpdateAliasesIfEmpty fills alias columns that are still empty. Chinese
// aliases fill alias_cn_1..3 in order, skipping values already present.
func (db *DB) UpdateAliasesIfEmpty(ctx context.Context, animeID int64, nameEN, nameJP, nameRomaji string, aliasesCN []string) error {
	named := []struct {
		col   string
		value string
	}{
		{"name_en", nameEN},
		{"name_jp", nameJP},
		{"name_romaji", nameRomaji},
	}
	for _, c := range named {
		if c.value == "" {
			continue
		}
		if _, err := db.conn.ExecContext(ctx,
			`UPDATE anime_aliases SET `+c.col+` = ? WHERE anime_id = ? AND (`+c.col+` IS NULL OR `+c.col+` = '')`,
			c.value, animeID); err != nil {
			return err
		}
	}
	if len(aliasesCN) == 0 {
		return nil
	}

	var cn1, cn2, cn3 sql.NullString
	err := db.conn.QueryRowContext(ctx,
		`SELECT alias_cn_1, alias_cn_2, alias_cn_3 FROM anime_aliases WHERE anime_id = ?`,
		animeID).Scan(&cn1, &cn2, &cn3)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}
	current := []string{cn1.String, cn2.String, cn3.String}
	taken := map[string]bool{}
	for _, v := range current {
		if v != "" {
			taken[v] = true
		}
	}
	cols := []string{"alias_cn_1", "alias_cn_2", "alias_cn_3"}
	slot := 0
	for _, alias := range aliasesCN {
		if alias == "" || taken[alias] {
			continue
		}
		for slot < len(cols) && current[slot] != "" {
			slot++
		}
		if slot >= len(cols) {
			break
		}
		if _, err := db.conn.ExecContext(ctx,
			`UPDATE anime_aliases SET `+cols[slot]+` = ? WHERE anime_id = ?`,
			alias, animeID); err != nil {
			return err
		}
		current[slot] = alias
		taken[alias] = true
	}
	return nil
}

// AnimeTMDBInfo identifies a work whose TMDB mapping can be refreshed.
type AnimeTMDBInfo struct {
	AnimeID            int64
	Title              string
	TMDBID             string
	TMDBEpisodeGroupID string
}

// AnimesWithTMDBID lists works that carry a TMDB id.
func (db *DB) AnimesWithTMDBID(ctx context.Context) ([]AnimeTMDBInfo, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT a.id, a.title, m.tmdb_id, COALESCE(m.tmdb_episode_group_id, '')
		FROM anime a
		JOIN anime_metadata m ON m.anime_id = a.id
		WHERE m.tmdb_id IS NOT NULL AND m.tmdb_id != '' AND a.type = 'tv_series'`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AnimeTMDBInfo
	for rows.Next() {
		var info AnimeTMDBInfo
		if err := rows.Scan(&info.AnimeID, &info.Title, &info.TMDBID, &info.TMDBEpisodeGroupID); err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

// SetTMDBEpisodeGroupID records the episode group chosen for a work.
func (db *DB) SetTMDBEpisodeGroupID(ctx context.Context, animeID int64, groupID string) error {
	_, err := db.conn.ExecContext(ctx,
		`UPDATE anime_metadata SET tmdb_episode_group_id = ? WHERE anime_id = ?`,
		groupID, animeID)
	return err
}

// ReassociateSources moves every source of fromAnimeID to toAnimeID and
// deletes the then-empty origin work. A source whose (provider, media_id)
// already exists on the target is deleted together with its episodes and
// comments instead of moved.
func (db *DB) ReassociateSources(ctx context.Context, fromAnimeID, toAnimeID int64) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		for _, id := range []int64{fromAnimeID, toAnimeID} {
			var one int
			if err := tx.QueryRowContext(ctx, `SELECT 1 FROM anime WHERE id = ?`, id).Scan(&one); err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					return ErrNotFound
				}
				return err
			}
		}

		rows, err := tx.QueryContext(ctx,
			`SELECT id, provider_name, media_id FROM anime_sources WHERE anime_id = ?`, fromAnimeID)
		if err != nil {
			return err
		}
		type src struct {
			id                    int64
			provider, mediaID string
		}
		var sources []src
		for rows.Next() {
			var s src
			if err := rows.Scan(&s.id, &s.provider, &s.mediaID); err != nil {
				rows.Close()
				return err
			}
			sources = append(sources, s)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, s := range sources {
			var dup int64
			err := tx.QueryRowContext(ctx,
				`SELECT id FROM anime_sources WHERE anime_id = ? AND provider_name = ? AND media_id = ?`,
				toAnimeID, s.provider, s.mediaID).Scan(&dup)
			switch {
			case err == nil:
				// Collision: the origin-side source loses.
				if _, err := tx.ExecContext(ctx, `DELETE FROM anime_sources WHERE id = ?`, s.id); err != nil {
					return err
				}
			case errors.Is(err, sql.ErrNoRows):
				if _, err := tx.ExecContext(ctx,
					`UPDATE anime_sources SET anime_id = ? WHERE id = ?`, toAnimeID, s.id); err != nil {
					return err
				}
			default:
				return err
			}
		}

		_, err = tx.ExecContext(ctx, `DELETE FROM anime WHERE id = ?`, fromAnimeID)
		return err
	})
}
