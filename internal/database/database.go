// Package database implements the persistent store: works, sources,
// episodes, comments, settings, caches and task bookkeeping on sqlite.
package database

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Sentinel errors shared by the repositories. Handlers translate these
// into 404/409 responses.
var (
	ErrNotFound = errors.New("database: not found")
	ErrConflict = errors.New("database: conflict")
)

// DB wraps the sqlite connection and exposes the repositories as methods.
type DB struct {
	conn *sql.DB
}

// Open opens (creating if necessary) the sqlite database at path and runs
// pending migrations. Pass ":memory:" for tests.
func Open(path string) (*DB, error) {
	dsn := path
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
		q := url.Values{}
		q.Set("_journal_mode", "WAL")
		q.Set("_busy_timeout", "5000")
		q.Set("_foreign_keys", "on")
		dsn = "file:" + path + "?" + q.Encode()
	} else {
		dsn = "file::memory:?_foreign_keys=on"
	}

	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// sqlite serializes writers; a single connection avoids SQLITE_BUSY
	// churn and keeps :memory: databases coherent.
	conn.SetMaxOpenConns(1)

	if err := migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	if err := ensureFTS(conn); err != nil {
		// go-sqlite3 only carries the fts5 module under the sqlite_fts5
		// build tag. Without it the title index is skipped and
		// SearchAnimeByTitle runs on the LIKE scan alone; any triggers
		// left behind by an fts5-enabled binary must go or writes on
		// anime would fail.
		for _, name := range []string{"anime_fts_insert", "anime_fts_delete", "anime_fts_update"} {
			conn.Exec("DROP TRIGGER IF EXISTS " + name)
		}
		log.Printf("[database] fts5 unavailable, title search falls back to LIKE: %v", err)
	}
	return &DB{conn: conn}, nil
}

// ensureFTS creates the optional FTS5 title index and its sync triggers,
// then rebuilds it so rows written while the index was absent are
// covered.
func ensureFTS(conn *sql.DB) error {
	stmts := []string{
		`CREATE VIRTUAL TABLE IF NOT EXISTS anime_fts USING fts5(title, content='anime', content_rowid='id')`,
		`CREATE TRIGGER IF NOT EXISTS anime_fts_insert AFTER INSERT ON anime BEGIN
			INSERT INTO anime_fts(rowid, title) VALUES (new.id, new.title);
		END`,
		`CREATE TRIGGER IF NOT EXISTS anime_fts_delete AFTER DELETE ON anime BEGIN
			INSERT INTO anime_fts(anime_fts, rowid, title) VALUES ('delete', old.id, old.title);
		END`,
		`CREATE TRIGGER IF NOT EXISTS anime_fts_update AFTER UPDATE OF title ON anime BEGIN
			INSERT INTO anime_fts(anime_fts, rowid, title) VALUES ('delete', old.id, old.title);
			INSERT INTO anime_fts(rowid, title) VALUES (new.id, new.title);
		END`,
		`INSERT INTO anime_fts(anime_fts) VALUES ('rebuild')`,
	}
	for _, s := range stmts {
		if _, err := conn.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func migrate(conn *sql.DB) error {
	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}
	if err := goose.Up(conn, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// Close closes the underlying connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// withTx runs fn inside a transaction, rolling back on error.
func (db *DB) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
