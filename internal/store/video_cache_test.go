package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/leeineian/kokoro/internal/media"
)

func TestUpsertVideoCacheIsIdempotentOnURL(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id1, err := s.UpsertVideoCache(ctx, "https://example.com/a", "/cache/a", "Track A", "Uploader", 90*time.Second)
	require.NoError(t, err)

	id2, err := s.UpsertVideoCache(ctx, "https://example.com/a", "/cache/a", "Track A", "Uploader", 90*time.Second)
	require.NoError(t, err)
	require.Equal(t, id1, id2)

	n, err := s.CountVideoCache(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestRecordTerminalFailureShortCircuitsLookup(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RecordTerminalFailure(ctx, "https://example.com/private", media.FailurePrivate))

	row, err := s.GetVideoCacheByURL(ctx, "https://example.com/private")
	require.NoError(t, err)
	require.NotNil(t, row)
	require.Equal(t, media.FailurePrivate, row.FailureKind)
}

func TestMarkLRUForDeletionExcludesInTransit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	idA, err := s.UpsertVideoCache(ctx, "https://example.com/a", "/cache/a", "A", "U", time.Minute)
	require.NoError(t, err)
	idB, err := s.UpsertVideoCache(ctx, "https://example.com/b", "/cache/b", "B", "U", time.Minute)
	require.NoError(t, err)

	n, err := s.MarkLRUForDeletion(ctx, 2, map[int64]bool{idA: true})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	deletable, err := s.ListDeletable(ctx)
	require.NoError(t, err)
	require.Len(t, deletable, 1)
	require.Equal(t, idB, deletable[0].ID)
}

func TestTouchLastIteratedClearsMarkedForDelete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.UpsertVideoCache(ctx, "https://example.com/a", "/cache/a", "A", "U", time.Minute)
	require.NoError(t, err)
	_, err = s.MarkLRUForDeletion(ctx, 1, nil)
	require.NoError(t, err)

	require.NoError(t, s.TouchLastIterated(ctx, id))

	deletable, err := s.ListDeletable(ctx)
	require.NoError(t, err)
	require.Empty(t, deletable)
}

func TestSearchLookupAndInsert(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, found, err := s.SearchLookup(ctx, "never gonna give you up")
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, s.SearchInsert(ctx, "never gonna give you up", "https://example.com/rick"))

	url, found, err := s.SearchLookup(ctx, "never gonna give you up")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "https://example.com/rick", url)
}

func TestEvictOldestSearchStrings(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, s.SearchInsert(ctx, string(rune('a'+i)), "https://example.com"))
	}
	n, err := s.CountSearchStrings(ctx)
	require.NoError(t, err)
	require.Equal(t, 5, n)

	require.NoError(t, s.EvictOldestSearchStrings(ctx, 3))
	n, err = s.CountSearchStrings(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestSampleVideoCacheExcludesFailuresAndMarkedForDelete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.UpsertVideoCache(ctx, "https://example.com/a", "/cache/a", "A", "U", time.Minute)
	require.NoError(t, err)
	require.NoError(t, s.RecordTerminalFailure(ctx, "https://example.com/b", media.FailureRemoved))

	sample, err := s.SampleVideoCache(ctx, 10)
	require.NoError(t, err)
	require.Len(t, sample, 1)
	require.Equal(t, "https://example.com/a", sample[0].URL)

	_, err = s.MarkLRUForDeletion(ctx, 10, nil)
	require.NoError(t, err)

	sample, err = s.SampleVideoCache(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, sample)
}

func TestSampleVideoCacheRespectsLimit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := s.UpsertVideoCache(ctx, "https://example.com/"+string(rune('a'+i)), "/cache/x", "X", "U", time.Minute)
		require.NoError(t, err)
	}

	sample, err := s.SampleVideoCache(ctx, 3)
	require.NoError(t, err)
	require.Len(t, sample, 3)
}

func TestBackupPendingAndSetBackupKey(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.UpsertVideoCache(ctx, "https://example.com/a", "/cache/a", "A", "U", time.Minute)
	require.NoError(t, err)

	pending, err := s.ListBackupPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, s.SetBackupKey(ctx, id, "s3://bucket/key"))

	pending, err = s.ListBackupPending(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, pending)
}
