package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/leeineian/kokoro/internal/media"
)

// VideoCacheRow is the persisted shape of a VideoCacheEntry (spec.md §3, §6).
type VideoCacheRow struct {
	ID              int64
	URL             string
	Path            string
	Title           string
	Uploader        string
	DurationS       int64
	CreatedAt       time.Time
	LastIteratedAt  time.Time
	MarkedForDelete bool
	BackupKey       sql.NullString
	FailureKind     media.FailureKind
	FailureAt       sql.NullTime
}

func scanVideoCache(row *sql.Row) (*VideoCacheRow, error) {
	var r VideoCacheRow
	var marked int
	var failureKind sql.NullString
	if err := row.Scan(&r.ID, &r.URL, &r.Path, &r.Title, &r.Uploader, &r.DurationS,
		&r.CreatedAt, &r.LastIteratedAt, &marked, &r.BackupKey, &failureKind, &r.FailureAt); err != nil {
		return nil, err
	}
	r.MarkedForDelete = marked != 0
	r.FailureKind = media.FailureKind(failureKind.String)
	return &r, nil
}

const videoCacheColumns = "id, url, path, title, uploader, duration_s, created_at, last_iterated_at, marked_for_delete, backup_key, failure_kind, failure_at"

// GetVideoCacheByURL returns the row for url, or nil if absent.
func (s *Store) GetVideoCacheByURL(ctx context.Context, url string) (*VideoCacheRow, error) {
	row := s.DB.QueryRowContext(ctx, "SELECT "+videoCacheColumns+" FROM video_cache WHERE url = ?", url)
	r, err := scanVideoCache(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

// GetVideoCacheByID returns the row for id, or nil if absent.
func (s *Store) GetVideoCacheByID(ctx context.Context, id int64) (*VideoCacheRow, error) {
	row := s.DB.QueryRowContext(ctx, "SELECT "+videoCacheColumns+" FROM video_cache WHERE id = ?", id)
	r, err := scanVideoCache(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

// UpsertVideoCache inserts a new row or, if url already exists, bumps
// last_iterated_at — idempotent on url per spec.md §4.3/§8.
func (s *Store) UpsertVideoCache(ctx context.Context, url, path, title, uploader string, duration time.Duration) (int64, error) {
	now := time.Now().UTC()
	existing, err := s.GetVideoCacheByURL(ctx, url)
	if err != nil {
		return 0, err
	}
	if existing != nil {
		_, err := s.DB.ExecContext(ctx, "UPDATE video_cache SET last_iterated_at = ?, marked_for_delete = 0 WHERE id = ?", now, existing.ID)
		return existing.ID, err
	}
	res, err := s.DB.ExecContext(ctx, `INSERT INTO video_cache
		(url, path, title, uploader, duration_s, created_at, last_iterated_at, marked_for_delete)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0)`,
		url, path, title, uploader, int64(duration.Seconds()), now, now)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// RecordTerminalFailure writes a failure sentinel row so future lookups
// short-circuit without invoking the Downloader (spec.md §7, §8 scenario 5).
func (s *Store) RecordTerminalFailure(ctx context.Context, url string, kind media.FailureKind) error {
	now := time.Now().UTC()
	existing, err := s.GetVideoCacheByURL(ctx, url)
	if err != nil {
		return err
	}
	if existing != nil {
		_, err := s.DB.ExecContext(ctx, "UPDATE video_cache SET failure_kind = ?, failure_at = ? WHERE id = ?", string(kind), now, existing.ID)
		return err
	}
	_, err = s.DB.ExecContext(ctx, `INSERT INTO video_cache
		(url, path, title, uploader, duration_s, created_at, last_iterated_at, marked_for_delete, failure_kind, failure_at)
		VALUES (?, '', '', '', 0, ?, ?, 0, ?, ?)`, url, now, now, string(kind), now)
	return err
}

// TouchLastIterated bumps last_iterated_at and clears marked_for_delete.
func (s *Store) TouchLastIterated(ctx context.Context, id int64) error {
	_, err := s.DB.ExecContext(ctx, "UPDATE video_cache SET last_iterated_at = ?, marked_for_delete = 0 WHERE id = ?", time.Now().UTC(), id)
	return err
}

// CountVideoCache returns the total row count.
func (s *Store) CountVideoCache(ctx context.Context) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM video_cache").Scan(&n)
	return n, err
}

// MarkLRUForDeletion marks the n least-recently-iterated, not-already-marked
// rows for deletion, skipping any id in excludeIDs (the in-transit set).
func (s *Store) MarkLRUForDeletion(ctx context.Context, n int, excludeIDs map[int64]bool) (int, error) {
	rows, err := s.DB.QueryContext(ctx, "SELECT id FROM video_cache WHERE marked_for_delete = 0 ORDER BY last_iterated_at ASC")
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	var candidates []int64
	for rows.Next() && len(candidates) < n {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return 0, err
		}
		if excludeIDs[id] {
			continue
		}
		candidates = append(candidates, id)
	}
	for _, id := range candidates {
		if _, err := s.DB.ExecContext(ctx, "UPDATE video_cache SET marked_for_delete = 1 WHERE id = ?", id); err != nil {
			return 0, err
		}
	}
	return len(candidates), nil
}

// ListDeletable returns every marked-for-delete row, for the caller to
// filter against the in-transit set and then delete.
func (s *Store) ListDeletable(ctx context.Context) ([]*VideoCacheRow, error) {
	rows, err := s.DB.QueryContext(ctx, "SELECT "+videoCacheColumns+" FROM video_cache WHERE marked_for_delete = 1")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*VideoCacheRow
	for rows.Next() {
		var r VideoCacheRow
		var marked int
		var failureKind sql.NullString
		if err := rows.Scan(&r.ID, &r.URL, &r.Path, &r.Title, &r.Uploader, &r.DurationS,
			&r.CreatedAt, &r.LastIteratedAt, &marked, &r.BackupKey, &failureKind, &r.FailureAt); err != nil {
			return nil, err
		}
		r.MarkedForDelete = marked != 0
		r.FailureKind = media.FailureKind(failureKind.String)
		out = append(out, &r)
	}
	return out, nil
}

// DeleteVideoCache removes the row entirely.
func (s *Store) DeleteVideoCache(ctx context.Context, id int64) error {
	_, err := s.DB.ExecContext(ctx, "DELETE FROM video_cache WHERE id = ?", id)
	return err
}

// ListBackupPending returns up to limit rows without a backup_key set.
func (s *Store) ListBackupPending(ctx context.Context, limit int) ([]*VideoCacheRow, error) {
	rows, err := s.DB.QueryContext(ctx, "SELECT "+videoCacheColumns+" FROM video_cache WHERE backup_key IS NULL AND marked_for_delete = 0 LIMIT ?", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*VideoCacheRow
	for rows.Next() {
		var r VideoCacheRow
		var marked int
		var failureKind sql.NullString
		if err := rows.Scan(&r.ID, &r.URL, &r.Path, &r.Title, &r.Uploader, &r.DurationS,
			&r.CreatedAt, &r.LastIteratedAt, &marked, &r.BackupKey, &failureKind, &r.FailureAt); err != nil {
			return nil, err
		}
		r.MarkedForDelete = marked != 0
		r.FailureKind = media.FailureKind(failureKind.String)
		out = append(out, &r)
	}
	return out, nil
}

// SetBackupKey records a successful object-storage backup.
func (s *Store) SetBackupKey(ctx context.Context, id int64, key string) error {
	_, err := s.DB.ExecContext(ctx, "UPDATE video_cache SET backup_key = ? WHERE id = ?", key, id)
	return err
}

// SampleVideoCache returns up to n rows chosen uniformly at random from the
// global video_cache pool, excluding rows with a recorded terminal failure
// and rows already marked for deletion — the cache-only pool for the
// random-play command's "cache" argument.
func (s *Store) SampleVideoCache(ctx context.Context, n int) ([]*VideoCacheRow, error) {
	rows, err := s.DB.QueryContext(ctx, "SELECT "+videoCacheColumns+
		" FROM video_cache WHERE marked_for_delete = 0 AND (failure_kind IS NULL OR failure_kind = '') ORDER BY RANDOM() LIMIT ?", n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*VideoCacheRow
	for rows.Next() {
		var r VideoCacheRow
		var marked int
		var failureKind sql.NullString
		if err := rows.Scan(&r.ID, &r.URL, &r.Path, &r.Title, &r.Uploader, &r.DurationS,
			&r.CreatedAt, &r.LastIteratedAt, &marked, &r.BackupKey, &failureKind, &r.FailureAt); err != nil {
			return nil, err
		}
		r.MarkedForDelete = marked != 0
		r.FailureKind = media.FailureKind(failureKind.String)
		out = append(out, &r)
	}
	return out, nil
}

// --- search_string ---

// SearchLookup returns the canonical URL memoized for a normalized query.
func (s *Store) SearchLookup(ctx context.Context, normalized string) (string, bool, error) {
	var url string
	err := s.DB.QueryRowContext(ctx, "SELECT url FROM search_string WHERE query_normalized = ?", normalized).Scan(&url)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	_, _ = s.DB.ExecContext(ctx, "UPDATE search_string SET last_iterated_at = ? WHERE query_normalized = ?", time.Now().UTC(), normalized)
	return url, true, nil
}

// SearchInsert memoizes a free-text query to its resolved URL, idempotent
// on normalized.
func (s *Store) SearchInsert(ctx context.Context, normalized, url string) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO search_string (query_normalized, url, last_iterated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(query_normalized) DO UPDATE SET url = excluded.url, last_iterated_at = excluded.last_iterated_at`,
		normalized, url, time.Now().UTC())
	return err
}

// CountSearchStrings returns the total memoized-query count, for capping
// the search_string table per CacheConfig.MaxSearchEntries.
func (s *Store) CountSearchStrings(ctx context.Context) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM search_string").Scan(&n)
	return n, err
}

// EvictOldestSearchStrings deletes the n least-recently-iterated memoized
// queries.
func (s *Store) EvictOldestSearchStrings(ctx context.Context, n int) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM search_string WHERE query_normalized IN (
		SELECT query_normalized FROM search_string ORDER BY last_iterated_at ASC LIMIT ?)`, n)
	return err
}
