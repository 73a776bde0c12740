// Package search classifies a raw user search string into the
// MediaRequests it resolves to, and memoizes free-text → canonical-URL
// lookups for the search loop.
package search

import (
	"context"
	"fmt"
	"math/rand"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/ppalone/ytsearch"
	"github.com/raitonoberu/ytmusic"

	"github.com/leeineian/kokoro/internal/logging"
	"github.com/leeineian/kokoro/internal/media"
)

var (
	youtubeVideoRegex    = regexp.MustCompile(`https://(www\.)?youtu(\.)?be(\.com)?/(watch\?v=)?(?P<id>[\w-]{11})`)
	youtubePlaylistRegex = regexp.MustCompile(`^https://(www\.)?youtube\.com/playlist\?list=(?P<id>[\w-]+)`)
	youtubeShortRegex    = regexp.MustCompile(`^https://(www\.)?youtube\.com/shorts/(?P<id>[\w-]{11})`)

	streamingPlaylistRegex = regexp.MustCompile(`^https://open\.spotify\.com/playlist/(?P<id>[a-zA-Z0-9]+)`)
	streamingAlbumRegex    = regexp.MustCompile(`^https://open\.spotify\.com/album/(?P<id>[a-zA-Z0-9]+)`)
	streamingTrackRegex    = regexp.MustCompile(`^https://open\.spotify\.com/track/(?P<id>[a-zA-Z0-9]+)`)
)

// CatalogClient is implemented by whatever the caller wires as the
// video-site playlist lookup.
type CatalogClient interface {
	PlaylistTracks(ctx context.Context, playlistID string) ([]string, error)
}

// StreamingCatalogClient is implemented by whatever the caller wires as
// the streaming-platform playlist/album/track catalog lookup. Each method
// returns one "<title> <artists>" search string per track.
type StreamingCatalogClient interface {
	PlaylistTracks(ctx context.Context, playlistID string) ([]string, error)
	AlbumTracks(ctx context.Context, albumID string) ([]string, error)
	Track(ctx context.Context, trackID string) (string, error)
}

// Resolver is the SearchResolver.
type Resolver struct {
	YouTubePlaylist CatalogClient          // optional; nil disables video-site playlist expansion
	Streaming       StreamingCatalogClient // optional; nil disables streaming-platform URLs
}

// New builds a Resolver. Either client may be nil to disable the feature
// it serves.
func New(playlistClient CatalogClient, streamingClient StreamingCatalogClient) *Resolver {
	return &Resolver{YouTubePlaylist: playlistClient, Streaming: streamingClient}
}

// Classify applies the ordered classification rules to build the list of
// MediaRequests implied by a single play command's raw input, including
// shuffle/limit token handling. It never invokes a catalog client for
// free-text resolution — that is the search loop's job.
func (r *Resolver) Classify(ctx context.Context, guildID, channelID, requesterID snowflake.ID, requesterName, rawInput string) ([]*media.Request, error) {
	search, shuffleIt, limit := extractTokens(rawInput)

	var requests []*media.Request

	switch {
	case streamingPlaylistRegex.MatchString(search), streamingAlbumRegex.MatchString(search), streamingTrackRegex.MatchString(search):
		if r.Streaming == nil {
			return nil, fmt.Errorf("streaming-platform urls require a configured streaming catalog client")
		}
		trackStrings, err := r.streamingTrackStrings(ctx, search)
		if err != nil {
			return nil, err
		}
		for _, ts := range trackStrings {
			requests = append(requests, media.NewRequest(guildID, channelID, requesterID, requesterName, ts, media.StreamingTrack))
		}

	case youtubePlaylistRegex.MatchString(search):
		m := youtubePlaylistRegex.FindStringSubmatch(search)
		playlistID := m[youtubePlaylistRegex.SubexpIndex("id")]
		if r.YouTubePlaylist == nil {
			return nil, fmt.Errorf("youtube playlist urls require a configured playlist client")
		}
		urls, err := r.YouTubePlaylist.PlaylistTracks(ctx, playlistID)
		if err != nil {
			return nil, fmt.Errorf("fetch youtube playlist: %w", err)
		}
		for _, u := range urls {
			req := media.NewRequest(guildID, channelID, requesterID, requesterName, u, media.VideoPlaylistMember)
			req.ResolvedSearch = u
			requests = append(requests, req)
		}

	case youtubeShortRegex.MatchString(search), youtubeVideoRegex.MatchString(search):
		req := media.NewRequest(guildID, channelID, requesterID, requesterName, search, media.VideoURL)
		req.ResolvedSearch = search
		requests = append(requests, req)

	case isDirectMediaURL(search):
		req := media.NewRequest(guildID, channelID, requesterID, requesterName, search, media.DirectURL)
		req.ResolvedSearch = search
		requests = append(requests, req)

	default:
		req := media.NewRequest(guildID, channelID, requesterID, requesterName, search, media.FreeText)
		requests = append(requests, req)
	}

	if shuffleIt {
		rand.Shuffle(len(requests), func(i, j int) { requests[i], requests[j] = requests[j], requests[i] })
	}
	if limit > 0 && limit < len(requests) {
		requests = requests[:limit]
	}
	logging.Search("classified %q into %d request(s)", rawInput, len(requests))
	return requests, nil
}

// streamingTrackStrings fetches the "<title> <artists>" search strings for
// a single streaming-platform playlist/album/track URL, grounded on
// __check_spotify_source's playlist_id/album_id/track_id dispatch.
func (r *Resolver) streamingTrackStrings(ctx context.Context, search string) ([]string, error) {
	var (
		trackStrings []string
		err          error
	)
	switch {
	case streamingPlaylistRegex.MatchString(search):
		m := streamingPlaylistRegex.FindStringSubmatch(search)
		trackStrings, err = r.Streaming.PlaylistTracks(ctx, m[streamingPlaylistRegex.SubexpIndex("id")])
	case streamingAlbumRegex.MatchString(search):
		m := streamingAlbumRegex.FindStringSubmatch(search)
		trackStrings, err = r.Streaming.AlbumTracks(ctx, m[streamingAlbumRegex.SubexpIndex("id")])
	default:
		m := streamingTrackRegex.FindStringSubmatch(search)
		var ts string
		ts, err = r.Streaming.Track(ctx, m[streamingTrackRegex.SubexpIndex("id")])
		if err == nil {
			trackStrings = []string{ts}
		}
	}
	if err != nil {
		return nil, fmt.Errorf("fetch streaming catalog data: %w", err)
	}
	return trackStrings, nil
}

// extractTokens strips "shuffle" and positive numeric-limit tokens from
// the raw input wherever they appear, in any order, per spec.md §4.4; when
// several numbers are present the last one is the limit.
func extractTokens(raw string) (search string, shuffleIt bool, limit int) {
	fields := strings.Fields(raw)
	var kept []string
	for _, f := range fields {
		switch {
		case strings.EqualFold(f, "shuffle"):
			shuffleIt = true
		default:
			if n, err := strconv.Atoi(f); err == nil && n > 0 {
				limit = n
				continue
			}
			kept = append(kept, f)
		}
	}
	return strings.Join(kept, " "), shuffleIt, limit
}

func isDirectMediaURL(s string) bool {
	if !strings.HasPrefix(s, "http://") && !strings.HasPrefix(s, "https://") {
		return false
	}
	lower := strings.ToLower(s)
	for _, ext := range []string{".mp3", ".m4a", ".ogg", ".wav", ".flac", ".webm", ".mp4"} {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

// Normalize lower-cases and collapses whitespace in a free-text query so
// it can be used as a stable search_string memoization key.
func Normalize(query string) string {
	return strings.Join(strings.Fields(strings.ToLower(query)), " ")
}

// MusicCatalogLookup resolves a free-text query to a canonical video URL by
// racing the streaming-platform music catalog against the video-site
// catalog, preferring whichever source youtubePrefix/ytMusicPrefix indicate
// the caller asked for. It mirrors the teacher's dual-source
// VoiceSystem.Search (7.voice.go) but returns a single best URL instead of
// a picklist, since the search loop has no interactive user to present
// choices to.
func MusicCatalogLookup(ctx context.Context, query, youtubePrefix, ytMusicPrefix string) (string, string, error) {
	preferYouTube := false
	switch {
	case strings.HasPrefix(strings.ToUpper(query), strings.ToUpper(youtubePrefix)):
		preferYouTube = true
		query = strings.TrimSpace(query[len(youtubePrefix):])
	case strings.HasPrefix(strings.ToUpper(query), strings.ToUpper(ytMusicPrefix)):
		query = strings.TrimSpace(query[len(ytMusicPrefix):])
	}

	ctx, cancel := context.WithTimeout(ctx, 2600*time.Millisecond)
	defer cancel()

	type result struct {
		url, title string
		err        error
	}
	var ytm, yt result
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		s := ytmusic.TrackSearch(query)
		r, err := s.Next()
		if err != nil || len(r.Tracks) == 0 {
			ytm.err = fmt.Errorf("ytmusic: no results for %q", query)
			return
		}
		track := r.Tracks[0]
		ytm.url, ytm.title = "https://music.youtube.com/watch?v="+track.VideoID, track.Title
	}()

	go func() {
		defer wg.Done()
		c := ytsearch.NewClient(nil)
		r, err := c.Search(ctx, query)
		if err != nil || len(r.Results) == 0 {
			yt.err = fmt.Errorf("ytsearch: no results for %q", query)
			return
		}
		v := r.Results[0]
		yt.url, yt.title = "https://www.youtube.com/watch?v="+v.VideoID, v.Title
	}()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}

	primary, secondary := ytm, yt
	if preferYouTube {
		primary, secondary = yt, ytm
	}
	if primary.err == nil {
		return primary.url, primary.title, nil
	}
	if secondary.err == nil {
		return secondary.url, secondary.title, nil
	}
	return "", "", fmt.Errorf("music catalog lookup failed for %q", query)
}
