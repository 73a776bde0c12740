// Package store is the SQL-compatible persistent backing for the download
// cache, search-string memoization, playlists, and guild analytics
// (spec.md §6). Schema and PRAGMA tuning follow the teacher's
// InitDatabase (2.database.go) exactly; table shapes follow spec.md §6.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

type Store struct {
	DB *sql.DB
}

// Open opens (creating if needed) the sqlite database at dataSourceName,
// applies the teacher's PRAGMA tuning, and creates every table spec.md §6
// names if missing.
func Open(ctx context.Context, dataSourceName string) (*Store, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(5)

	initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	for _, p := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA cache_size=-2000;",
	} {
		if _, err := db.ExecContext(initCtx, p); err != nil {
			return nil, fmt.Errorf("failed to set pragma %s: %w", p, err)
		}
	}

	tx, err := db.BeginTx(initCtx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	for _, q := range schema {
		if _, err := tx.ExecContext(initCtx, q); err != nil {
			return nil, fmt.Errorf("failed to create table: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	for _, m := range migrations {
		if _, err := db.ExecContext(initCtx, m); err != nil {
			if !strings.Contains(err.Error(), "duplicate column") {
				return nil, fmt.Errorf("failed to migrate database: %w", err)
			}
		}
	}

	return &Store{DB: db}, nil
}

func (s *Store) Close() error { return s.DB.Close() }

var schema = []string{
	`CREATE TABLE IF NOT EXISTS video_cache (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		url TEXT NOT NULL UNIQUE,
		path TEXT NOT NULL,
		title TEXT,
		uploader TEXT,
		duration_s INTEGER,
		created_at DATETIME NOT NULL,
		last_iterated_at DATETIME NOT NULL,
		marked_for_delete INTEGER NOT NULL DEFAULT 0,
		backup_key TEXT,
		failure_kind TEXT,
		failure_at DATETIME
	)`,
	`CREATE INDEX IF NOT EXISTS idx_video_cache_last_iterated ON video_cache(last_iterated_at)`,
	`CREATE TABLE IF NOT EXISTS search_string (
		query_normalized TEXT PRIMARY KEY,
		url TEXT NOT NULL,
		last_iterated_at DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS playlist (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		guild_id TEXT NOT NULL,
		name TEXT NOT NULL,
		kind TEXT NOT NULL CHECK(kind IN ('user','history')),
		created_at DATETIME NOT NULL,
		queued_at DATETIME
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_playlist_user_name ON playlist(guild_id, name) WHERE kind = 'user'`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_playlist_history ON playlist(guild_id) WHERE kind = 'history'`,
	`CREATE TABLE IF NOT EXISTS playlist_item (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		playlist_id INTEGER NOT NULL REFERENCES playlist(id),
		url TEXT NOT NULL,
		title TEXT,
		added_at DATETIME NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_playlist_item_playlist_added ON playlist_item(playlist_id, added_at)`,
	`CREATE TABLE IF NOT EXISTS guild_analytics (
		guild_id TEXT PRIMARY KEY,
		total_plays INTEGER NOT NULL DEFAULT 0,
		total_duration_s INTEGER NOT NULL DEFAULT 0,
		cached_plays INTEGER NOT NULL DEFAULT 0,
		updated_at DATETIME NOT NULL
	)`,
}

var migrations = []string{
	// reserved for future ALTER TABLE additions, following the teacher's
	// tolerant-of-"duplicate column"-errors migration style.
}
