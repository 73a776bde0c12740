package cache

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/leeineian/kokoro/internal/media"
	"github.com/leeineian/kokoro/internal/store"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	c, err := New(st, filepath.Join(t.TempDir(), "files"), 2, 2)
	require.NoError(t, err)
	return c
}

func TestLookupMissThenInsertThenHit(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	_, found, err := c.Lookup(ctx, "https://example.com/a")
	require.NoError(t, err)
	require.False(t, found)

	path := c.LocalPath("https://example.com/a", ".wav")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("pcm"), 0o644))

	id, err := c.Insert(ctx, "https://example.com/a", path, media.Metadata{Title: "A", Duration: time.Minute})
	require.NoError(t, err)
	c.Release(id)

	entry, found, err := c.Lookup(ctx, "https://example.com/a")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, path, entry.SourcePath)
	c.Release(entry.ID)
}

func TestLookupReturnsFailureSentinelWithoutConsumingInTransit(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.RecordFailure(ctx, "https://example.com/dead", media.FailureRemoved))

	entry, found, err := c.Lookup(ctx, "https://example.com/dead")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, media.FailureRemoved, entry.FailureKind)
	require.Empty(t, entry.SourcePath)
}

func TestLinkForUseHardLinksIntoGuildDir(t *testing.T) {
	c := newTestCache(t)
	src := filepath.Join(t.TempDir(), "source.wav")
	require.NoError(t, os.WriteFile(src, []byte("pcm-data"), 0o644))

	dest, err := c.LinkForUse(src, "guild-1")
	require.NoError(t, err)
	require.FileExists(t, dest)

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Equal(t, "pcm-data", string(data))
}

func TestMarkLRUForDeleteSkipsInTransitEntries(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	idA, err := c.Insert(ctx, "https://example.com/a", "/tmp/a", media.Metadata{})
	require.NoError(t, err)
	idB, err := c.Insert(ctx, "https://example.com/b", "/tmp/b", media.Metadata{})
	require.NoError(t, err)
	idC, err := c.Insert(ctx, "https://example.com/c", "/tmp/c", media.Metadata{})
	require.NoError(t, err)
	c.Release(idB)
	c.Release(idC)
	// idA stays in-transit (never released), cap is 2 so one entry must go.

	n, err := c.MarkLRUForDelete(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	deletable, err := c.CollectDeletable(ctx)
	require.NoError(t, err)
	require.Len(t, deletable, 1)
	require.NotEqual(t, idA, deletable[0].ID)
	c.Release(idA)
}

func TestSearchInsertEvictsBeyondCap(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.SearchInsert(ctx, "one", "https://example.com/1"))
	require.NoError(t, c.SearchInsert(ctx, "two", "https://example.com/2"))
	require.NoError(t, c.SearchInsert(ctx, "three", "https://example.com/3"))

	_, found, err := c.SearchLookup(ctx, "one")
	require.NoError(t, err)
	require.False(t, found)

	_, found, err = c.SearchLookup(ctx, "three")
	require.NoError(t, err)
	require.True(t, found)
}
