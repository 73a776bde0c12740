package search

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassifyFreeText(t *testing.T) {
	r := New(nil, nil)
	reqs, err := r.Classify(context.Background(), 1, 2, 3, "someone", "never gonna give you up")
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	require.Equal(t, "free_text", reqs[0].SearchType.String())
}

func TestClassifyVideoURL(t *testing.T) {
	r := New(nil, nil)
	reqs, err := r.Classify(context.Background(), 1, 2, 3, "someone", "https://www.youtube.com/watch?v=dQw4w9WgXcQ")
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	require.Equal(t, "video_url", reqs[0].SearchType.String())
}

func TestClassifyDirectURL(t *testing.T) {
	r := New(nil, nil)
	reqs, err := r.Classify(context.Background(), 1, 2, 3, "someone", "https://example.com/track.mp3")
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	require.Equal(t, "direct_url", reqs[0].SearchType.String())
}

type fakePlaylistClient struct{ urls []string }

func (f *fakePlaylistClient) PlaylistTracks(ctx context.Context, playlistID string) ([]string, error) {
	return f.urls, nil
}

func TestClassifyPlaylistWithShuffleAndLimit(t *testing.T) {
	r := New(&fakePlaylistClient{urls: []string{"a", "b", "c", "d", "e"}}, nil)
	reqs, err := r.Classify(context.Background(), 1, 2, 3, "someone",
		"https://www.youtube.com/playlist?list=PLxyz shuffle 2")
	require.NoError(t, err)
	require.Len(t, reqs, 2)
	for _, req := range reqs {
		require.Equal(t, "video_playlist_member", req.SearchType.String())
	}
}

func TestClassifyMissingPlaylistClient(t *testing.T) {
	r := New(nil, nil)
	_, err := r.Classify(context.Background(), 1, 2, 3, "someone", "https://www.youtube.com/playlist?list=PLxyz")
	require.Error(t, err)
}

type fakeStreamingClient struct {
	playlistTracks []string
	albumTracks    []string
	track          string
}

func (f *fakeStreamingClient) PlaylistTracks(ctx context.Context, playlistID string) ([]string, error) {
	return f.playlistTracks, nil
}

func (f *fakeStreamingClient) AlbumTracks(ctx context.Context, albumID string) ([]string, error) {
	return f.albumTracks, nil
}

func (f *fakeStreamingClient) Track(ctx context.Context, trackID string) (string, error) {
	return f.track, nil
}

func TestClassifyStreamingPlaylist(t *testing.T) {
	fake := &fakeStreamingClient{playlistTracks: []string{"Song One Artist One", "Song Two Artist Two"}}
	r := New(nil, fake)
	reqs, err := r.Classify(context.Background(), 1, 2, 3, "someone", "https://open.spotify.com/playlist/37i9dQZF1")
	require.NoError(t, err)
	require.Len(t, reqs, 2)
	for i, req := range reqs {
		require.Equal(t, "streaming_track", req.SearchType.String())
		require.Equal(t, fake.playlistTracks[i], req.RawSearch)
		require.Equal(t, req.RawSearch, req.ResolvedSearch)
	}
}

func TestClassifyStreamingAlbum(t *testing.T) {
	fake := &fakeStreamingClient{albumTracks: []string{"Track A Band A"}}
	r := New(nil, fake)
	reqs, err := r.Classify(context.Background(), 1, 2, 3, "someone", "https://open.spotify.com/album/2up3OPMp9")
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	require.Equal(t, "streaming_track", reqs[0].SearchType.String())
	require.Equal(t, "Track A Band A", reqs[0].RawSearch)
}

func TestClassifyStreamingTrack(t *testing.T) {
	fake := &fakeStreamingClient{track: "Single Solo Artist"}
	r := New(nil, fake)
	reqs, err := r.Classify(context.Background(), 1, 2, 3, "someone", "https://open.spotify.com/track/4cOdK2wGLETKBW3PvgPWqT")
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	require.Equal(t, "streaming_track", reqs[0].SearchType.String())
	require.Equal(t, "Single Solo Artist", reqs[0].RawSearch)
}

func TestClassifyMissingStreamingClient(t *testing.T) {
	r := New(nil, nil)
	_, err := r.Classify(context.Background(), 1, 2, 3, "someone", "https://open.spotify.com/track/4cOdK2wGLETKBW3PvgPWqT")
	require.Error(t, err)
}

func TestNormalizeCollapsesWhitespaceAndCase(t *testing.T) {
	require.Equal(t, "foo bar", Normalize("  FOO   Bar "))
}
