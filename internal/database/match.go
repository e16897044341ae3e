package database

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/l429609201/danmu-api-server/models"
)

// SearchAnimeByTitle looks a title up in the local library, trying the
// full-text index first and falling back to a punctuation-tolerant LIKE
// scan. The fallback folds full-width colons and spaces on both sides so
// "Fate:Zero" matches "Fate：Zero" and vice versa.
func (db *DB) SearchAnimeByTitle(ctx context.Context, title string) ([]models.Anime, error) {
	out, err := db.searchAnimeFTS(ctx, title)
	if err == nil && len(out) > 0 {
		return out, nil
	}
	// FTS errors on malformed queries are treated as a miss.
	return db.searchAnimeLike(ctx, title)
}

func (db *DB) searchAnimeFTS(ctx context.Context, title string) ([]models.Anime, error) {
	query := ftsQuery(title)
	if query == "" {
		return nil, nil
	}
	rows, err := db.conn.QueryContext(ctx, `
		SELECT a.id, a.title, a.type, a.season, COALESCE(a.image_url, ''),
		       COALESCE(a.episode_count, 0), a.created_at
		FROM anime_fts f
		JOIN anime a ON a.id = f.rowid
		WHERE anime_fts MATCH ?
		ORDER BY rank`, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAnimes(rows)
}

func (db *DB) searchAnimeLike(ctx context.Context, title string) ([]models.Anime, error) {
	folded := foldTitle(title)
	if folded == "" {
		return nil, nil
	}
	// The LIKE scan spans the title and every stored alias, all folded
	// the same way.
	cols := []string{
		"a.title", "al.name_en", "al.name_jp", "al.name_romaji",
		"al.alias_cn_1", "al.alias_cn_2", "al.alias_cn_3",
	}
	conds := make([]string, 0, len(cols))
	args := make([]any, 0, len(cols))
	for _, col := range cols {
		conds = append(conds,
			"REPLACE(REPLACE(COALESCE("+col+", ''), '：', ':'), ' ', '') LIKE '%' || ? || '%'")
		args = append(args, folded)
	}
	rows, err := db.conn.QueryContext(ctx, `
		SELECT a.id, a.title, a.type, a.season, COALESCE(a.image_url, ''),
		       COALESCE(a.episode_count, 0), a.created_at
		FROM anime a
		LEFT JOIN anime_aliases al ON al.anime_id = a.id
		WHERE `+strings.Join(conds, " OR ")+`
		ORDER BY a.id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAnimes(rows)
}

func scanAnimes(rows *sql.Rows) ([]models.Anime, error) {
	var out []models.Anime
	for rows.Next() {
		var a models.Anime
		if err := rows.Scan(&a.ID, &a.Title, &a.Type, &a.Season, &a.ImageURL,
			&a.EpisodeCount, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ftsQuery quotes each whitespace-separated token so punctuation in the
// keyword cannot be parsed as FTS5 syntax.
func ftsQuery(title string) string {
	fields := strings.Fields(title)
	if len(fields) == 0 {
		return ""
	}
	quoted := make([]string, 0, len(fields))
	for _, f := range fields {
		quoted = append(quoted, `"`+strings.ReplaceAll(f, `"`, `""`)+`"`)
	}
	return strings.Join(quoted, " ")
}

func foldTitle(title string) string {
	s := strings.ReplaceAll(title, "：", ":")
	return strings.ReplaceAll(s, " ", "")
}

// FindEpisodeForMatch resolves (work, episode index) to a stored episode.
// The favorited source wins; otherwise the earliest-bound source that has
// the episode is used.
func (db *DB) FindEpisodeForMatch(ctx context.Context, animeID int64, episodeIndex int) (*models.Episode, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT e.id, e.source_id, e.episode_index, e.title, e.provider_episode_id,
		       COALESCE(e.source_url, ''), e.comment_count
		FROM episode e
		JOIN anime_sources s ON s.id = e.source_id
		WHERE s.anime_id = ? AND e.episode_index = ?
		ORDER BY s.is_favorited DESC, s.created_at, s.id
		LIMIT 1`, animeID, episodeIndex)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}
	var e models.Episode
	if err := rows.Scan(&e.ID, &e.SourceID, &e.EpisodeIndex, &e.Title,
		&e.ProviderEpisodeID, &e.SourceURL, &e.CommentCount); err != nil {
		return nil, err
	}
	return &e, nil
}

// AnimeForMatch is the library row the match pipeline works with.
type AnimeForMatch struct {
	AnimeID            int64
	Title              string
	Type               string
	Season             int
	TMDBID             string
	TMDBEpisodeGroupID string
}

// FindAnimesForMatch returns candidate works for a parsed title, with the
// TMDB identifiers needed for episode-group remapping. Candidates are
// ordered so season-exact matches come first.
func (db *DB) FindAnimesForMatch(ctx context.Context, title string, season int) ([]AnimeForMatch, error) {
	animes, err := db.SearchAnimeByTitle(ctx, title)
	if err != nil {
		return nil, err
	}
	var out []AnimeForMatch
	for _, a := range animes {
		m := AnimeForMatch{AnimeID: a.ID, Title: a.Title, Type: a.Type, Season: a.Season}
		var tmdbID, groupID sql.NullString
		err := db.conn.QueryRowContext(ctx,
			`SELECT tmdb_id, tmdb_episode_group_id FROM anime_metadata WHERE anime_id = ?`,
			a.ID).Scan(&tmdbID, &groupID)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		m.TMDBID = tmdbID.String
		m.TMDBEpisodeGroupID = groupID.String
		out = append(out, m)
	}
	// Stable partition: exact-season candidates first.
	if season > 0 {
		exact := make([]AnimeForMatch, 0, len(out))
		rest := make([]AnimeForMatch, 0, len(out))
		for _, m := range out {
			if m.Season == season {
				exact = append(exact, m)
			} else {
				rest = append(rest, m)
			}
		}
		out = append(exact, rest...)
	}
	return out, nil
}
