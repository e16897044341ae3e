package database

import (
	"context"
	"database/sql"

	"github.com/l429609201/danmu-api-server/internal/danmaku"
)

// BulkInsertComments stores a batch of comments under an episode,
// silently skipping cids already present, and refreshes the episode's
// comment count in the same transaction. Returns the number of rows
// actually inserted.
func (db *DB) BulkInsertComments(ctx context.Context, episodeID int64, comments []danmaku.Comment) (int, error) {
	if len(comments) == 0 {
		return 0, nil
	}
	inserted := 0
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT OR IGNORE INTO comment (episode_id, cid, p, m, t) VALUES (?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, c := range comments {
			res, err := stmt.ExecContext(ctx, episodeID, c.CID, c.P, c.M, c.T)
			if err != nil {
				return err
			}
			if n, _ := res.RowsAffected(); n > 0 {
				inserted++
			}
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE episode SET comment_count = (SELECT COUNT(*) FROM comment WHERE episode_id = ?)
			WHERE id = ?`, episodeID, episodeID)
		return err
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// ExistingCommentCIDs returns the set of cids already stored for an
// episode, used by incremental refresh to fetch only the delta.
func (db *DB) ExistingCommentCIDs(ctx context.Context, episodeID int64) (map[string]struct{}, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT cid FROM comment WHERE episode_id = ?`, episodeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]struct{})
	for rows.Next() {
		var cid string
		if err := rows.Scan(&cid); err != nil {
			return nil, err
		}
		out[cid] = struct{}{}
	}
	return out, rows.Err()
}

// CommentsForEpisode returns an episode's comments ordered by playback
// time.
func (db *DB) CommentsForEpisode(ctx context.Context, episodeID int64) ([]danmaku.Comment, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT cid, p, m, t FROM comment WHERE episode_id = ? ORDER BY t`, episodeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []danmaku.Comment
	for rows.Next() {
		var c danmaku.Comment
		if err := rows.Scan(&c.CID, &c.P, &c.M, &c.T); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// StoredComment is one comment row with the database id the compat API
// exposes as its cid.
type StoredComment struct {
	ID int64
	P  string
	M  string
}

// StoredCommentsForEpisode returns an episode's comments with their
// database ids, ordered by playback time.
func (db *DB) StoredCommentsForEpisode(ctx context.Context, episodeID int64) ([]StoredComment, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT id, p, m FROM comment WHERE episode_id = ? ORDER BY t, id`, episodeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StoredComment
	for rows.Next() {
		var c StoredComment
		if err := rows.Scan(&c.ID, &c.P, &c.M); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CommentCount returns the stored comment count for an episode.
func (db *DB) CommentCount(ctx context.Context, episodeID int64) (int, error) {
	var n int
	err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM comment WHERE episode_id = ?`, episodeID).Scan(&n)
	return n, err
}
