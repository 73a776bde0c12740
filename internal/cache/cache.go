// Package cache implements DownloadCache (spec.md §4.3): a content-addressed
// file store keyed by canonical URL, backed by internal/store for metadata
// and a local directory for bytes, with an optional object-storage mirror.
package cache

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/leeineian/kokoro/internal/media"
	"github.com/leeineian/kokoro/internal/store"
)

// Entry is the lookup result spec.md §4.3 calls VideoCacheEntry.
type Entry struct {
	ID          int64
	URL         string
	SourcePath  string
	Meta        media.Metadata
	FailureKind media.FailureKind
}

// Cache is the DownloadCache. Every write that touches video_cache goes
// through it so the in-transit set stays consistent with the database.
type Cache struct {
	store            *store.Store
	localDir         string
	maxEntries       int
	maxSearchEntries int

	mu        sync.Mutex
	inTransit map[int64]int // refcount per video_cache row id
}

func New(st *store.Store, localDir string, maxEntries, maxSearchEntries int) (*Cache, error) {
	if err := os.MkdirAll(localDir, 0o755); err != nil {
		return nil, fmt.Errorf("cache: create local directory: %w", err)
	}
	return &Cache{
		store:            st,
		localDir:         localDir,
		maxEntries:       maxEntries,
		maxSearchEntries: maxSearchEntries,
		inTransit:        map[int64]int{},
	}, nil
}

// Lookup returns the entry for url if present and not marked for delete,
// bumping last_iterated_at and the in-transit refcount. The caller must
// call Release when done referencing the entry's SourcePath.
func (c *Cache) Lookup(ctx context.Context, url string) (*Entry, bool, error) {
	row, err := c.store.GetVideoCacheByURL(ctx, url)
	if err != nil {
		return nil, false, err
	}
	if row == nil {
		return nil, false, nil
	}
	if row.FailureKind != media.FailureNone {
		return &Entry{ID: row.ID, URL: row.URL, FailureKind: row.FailureKind}, true, nil
	}
	if row.MarkedForDelete {
		return nil, false, nil
	}
	if err := c.store.TouchLastIterated(ctx, row.ID); err != nil {
		return nil, false, err
	}
	c.acquire(row.ID)
	return &Entry{
		ID:         row.ID,
		URL:        row.URL,
		SourcePath: row.Path,
		Meta: media.Metadata{
			Title:    row.Title,
			Uploader: row.Uploader,
			Duration: time.Duration(row.DurationS) * time.Second,
		},
	}, true, nil
}

// Release drops one in-transit reference acquired by Lookup or Insert.
func (c *Cache) Release(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n, ok := c.inTransit[id]; ok {
		if n <= 1 {
			delete(c.inTransit, id)
		} else {
			c.inTransit[id] = n - 1
		}
	}
}

func (c *Cache) acquire(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inTransit[id]++
}

// Insert stores a newly-downloaded file's metadata, idempotent on url. The
// returned id's in-transit count is pre-incremented; call Release once the
// caller is done with the initial reference.
func (c *Cache) Insert(ctx context.Context, url, sourcePath string, meta media.Metadata) (int64, error) {
	id, err := c.store.UpsertVideoCache(ctx, url, sourcePath, meta.Title, meta.Uploader, meta.Duration)
	if err != nil {
		return 0, err
	}
	c.acquire(id)
	return id, nil
}

// RecordFailure persists a terminal-failure sentinel for url so future
// lookups short-circuit (spec.md §4.3, §8 scenario 5).
func (c *Cache) RecordFailure(ctx context.Context, url string, kind media.FailureKind) error {
	return c.store.RecordTerminalFailure(ctx, url, kind)
}

// LinkForUse produces a guild-scoped hard link to sourcePath that the
// caller may delete freely without affecting the shared cached file
// (spec.md §4.3's link_for_use).
func (c *Cache) LinkForUse(sourcePath string, guildID string) (string, error) {
	dir := filepath.Join(c.localDir, "use", guildID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	dest := filepath.Join(dir, fmt.Sprintf("%d-%s", time.Now().UnixNano(), filepath.Base(sourcePath)))
	if err := os.Link(sourcePath, dest); err != nil {
		// cross-device or filesystem that disallows hard links: fall back
		// to a byte copy, same as the teacher's downloader does for
		// per-guild working directories.
		if copyErr := copyFile(sourcePath, dest); copyErr != nil {
			return "", fmt.Errorf("cache: link_for_use: %w (copy fallback: %v)", err, copyErr)
		}
	}
	return dest, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	buf := make([]byte, 64*1024)
	for {
		n, rerr := in.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				return nil
			}
			return rerr
		}
	}
}

// LocalPath builds the canonical, content-addressed local path for a fresh
// download of url, keyed by a stable hash so repeated inserts of the same
// URL collide onto the same file.
func (c *Cache) LocalPath(url, ext string) string {
	return filepath.Join(c.localDir, "store", contentKey(url)+ext)
}

// MarkLRUForDelete marks the least-recently-iterated entries beyond the
// configured cap, excluding the in-transit set (spec.md §4.3).
func (c *Cache) MarkLRUForDelete(ctx context.Context) (int, error) {
	total, err := c.store.CountVideoCache(ctx)
	if err != nil {
		return 0, err
	}
	if c.maxEntries <= 0 || total <= c.maxEntries {
		return 0, nil
	}
	excess := total - c.maxEntries

	c.mu.Lock()
	exclude := make(map[int64]bool, len(c.inTransit))
	for id := range c.inTransit {
		exclude[id] = true
	}
	c.mu.Unlock()

	return c.store.MarkLRUForDeletion(ctx, excess, exclude)
}

// CollectDeletable returns marked entries not currently in-transit; the
// caller deletes the files then calls Purge per entry.
func (c *Cache) CollectDeletable(ctx context.Context) ([]*store.VideoCacheRow, error) {
	rows, err := c.store.ListDeletable(ctx)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*store.VideoCacheRow
	for _, r := range rows {
		if c.inTransit[r.ID] > 0 {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// Purge deletes the on-disk file (if any) and the row for a collected entry.
func (c *Cache) Purge(ctx context.Context, row *store.VideoCacheRow) error {
	if row.Path != "" {
		if err := os.Remove(row.Path); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return c.store.DeleteVideoCache(ctx, row.ID)
}

// BackupPending returns up to limit entries without a backup key.
func (c *Cache) BackupPending(ctx context.Context, limit int) ([]*store.VideoCacheRow, error) {
	return c.store.ListBackupPending(ctx, limit)
}

// SetBackupKey records a successful object-storage mirror upload.
func (c *Cache) SetBackupKey(ctx context.Context, id int64, key string) error {
	return c.store.SetBackupKey(ctx, id, key)
}

// SearchLookup consults the search-string memoization table.
func (c *Cache) SearchLookup(ctx context.Context, normalizedQuery string) (string, bool, error) {
	return c.store.SearchLookup(ctx, normalizedQuery)
}

// SearchInsert memoizes a free-text query's resolved URL and, if the
// table exceeds its cap, evicts the oldest entries.
func (c *Cache) SearchInsert(ctx context.Context, normalizedQuery, url string) error {
	if err := c.store.SearchInsert(ctx, normalizedQuery, url); err != nil {
		return err
	}
	if c.maxSearchEntries <= 0 {
		return nil
	}
	n, err := c.store.CountSearchStrings(ctx)
	if err != nil {
		return err
	}
	if n > c.maxSearchEntries {
		return c.store.EvictOldestSearchStrings(ctx, n-c.maxSearchEntries)
	}
	return nil
}

func contentKey(url string) string {
	var h uint64 = 14695981039346656037
	for i := 0; i < len(url); i++ {
		h ^= uint64(url[i])
		h *= 1099511628211
	}
	return fmt.Sprintf("%016x", h)
}
