package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGetOrCreateHistoryPlaylistIsLazyAndSingular(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	p1, err := s.GetOrCreateHistoryPlaylist(ctx, "guild-1")
	require.NoError(t, err)
	require.Equal(t, "history", p1.Kind)

	p2, err := s.GetOrCreateHistoryPlaylist(ctx, "guild-1")
	require.NoError(t, err)
	require.Equal(t, p1.ID, p2.ID)
}

func TestCreatePlaylistAppendListAndRemove(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.CreatePlaylist(ctx, "guild-1", "chill")
	require.NoError(t, err)

	_, err = s.AppendPlaylistItem(ctx, id, "https://example.com/1", "One")
	require.NoError(t, err)
	_, err = s.AppendPlaylistItem(ctx, id, "https://example.com/2", "Two")
	require.NoError(t, err)

	size, err := s.PlaylistSize(ctx, id)
	require.NoError(t, err)
	require.Equal(t, 2, size)

	items, err := s.ListPlaylistItems(ctx, id)
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.Equal(t, "One", items[0].Title)

	require.NoError(t, s.DeletePlaylistItemByURL(ctx, id, "https://example.com/1"))
	size, err = s.PlaylistSize(ctx, id)
	require.NoError(t, err)
	require.Equal(t, 1, size)
}

func TestDeletePlaylistItemByIndex(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.CreatePlaylist(ctx, "guild-1", "queue")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := s.AppendPlaylistItem(ctx, id, "https://example.com/"+string(rune('a'+i)), "")
		require.NoError(t, err)
	}

	require.NoError(t, s.DeletePlaylistItemByIndex(ctx, id, 1))

	items, err := s.ListPlaylistItems(ctx, id)
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.Equal(t, "https://example.com/a", items[0].URL)
	require.Equal(t, "https://example.com/c", items[1].URL)
}

func TestTrimPlaylistToLimitKeepsNewest(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	p, err := s.GetOrCreateHistoryPlaylist(ctx, "guild-1")
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := s.AppendPlaylistItem(ctx, p.ID, "https://example.com/"+string(rune('a'+i)), "")
		require.NoError(t, err)
	}

	require.NoError(t, s.TrimPlaylistToLimit(ctx, p.ID, 2))

	size, err := s.PlaylistSize(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, 2, size)
}

func TestDeletePlaylistRemovesItems(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.CreatePlaylist(ctx, "guild-1", "doomed")
	require.NoError(t, err)
	_, err = s.AppendPlaylistItem(ctx, id, "https://example.com/1", "")
	require.NoError(t, err)

	require.NoError(t, s.DeletePlaylist(ctx, id))

	p, err := s.GetPlaylist(ctx, id)
	require.NoError(t, err)
	require.Nil(t, p)
}
