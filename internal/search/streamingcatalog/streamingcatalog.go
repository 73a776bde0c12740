// Package streamingcatalog implements a client-credentials OAuth2 client
// against the streaming platform's public catalog API, resolving
// playlist/album/track URLs into "<title> <artists>" search strings. No
// pack repo pulls in an OAuth2 or streaming-platform SDK, so this talks
// the token and catalog endpoints directly over net/http, adapted from
// the original's SpotifyClient (utils/clients/spotify.py) and its
// spotipy/SpotifyClientCredentials usage.
package streamingcatalog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	tokenURL   = "https://accounts.spotify.com/api/token"
	apiBaseURL = "https://api.spotify.com/v1"
	pageLimit  = 50
)

// Client is the streaming-platform catalog client. Zero value is not
// usable; build with New.
type Client struct {
	clientID     string
	clientSecret string
	httpClient   *http.Client

	mu     sync.Mutex
	token  string
	expiry time.Time
}

// New builds a Client against the given client-credentials application
// key pair.
func New(clientID, clientSecret string) *Client {
	return &Client{
		clientID:     clientID,
		clientSecret: clientSecret,
		httpClient:   &http.Client{Timeout: 15 * time.Second},
	}
}

type artist struct {
	Name string `json:"name"`
}

type track struct {
	Name    string   `json:"name"`
	Artists []artist `json:"artists"`
}

func (t track) searchString() string {
	names := make([]string, len(t.Artists))
	for i, a := range t.Artists {
		names[i] = a.Name
	}
	return strings.TrimSpace(fmt.Sprintf("%s %s", t.Name, strings.Join(names, ", ")))
}

type playlistItem struct {
	Track track `json:"track"`
}

type pagedResponse[T any] struct {
	Items []T    `json:"items"`
	Next  string `json:"next"`
}

// PlaylistTracks returns one "<title> <artists>" search string per track
// in the playlist, paginating through the whole playlist.
func (c *Client) PlaylistTracks(ctx context.Context, playlistID string) ([]string, error) {
	first := fmt.Sprintf("%s/playlists/%s/tracks?limit=%d", apiBaseURL, playlistID, pageLimit)
	return paginate(ctx, c, first, func(item playlistItem) track { return item.Track })
}

// AlbumTracks returns one "<title> <artists>" search string per track in
// the album, paginating through the whole album.
func (c *Client) AlbumTracks(ctx context.Context, albumID string) ([]string, error) {
	first := fmt.Sprintf("%s/albums/%s/tracks?limit=%d", apiBaseURL, albumID, pageLimit)
	return paginate(ctx, c, first, func(item track) track { return item })
}

// Track returns the "<title> <artists>" search string for a single track.
func (c *Client) Track(ctx context.Context, trackID string) (string, error) {
	var t track
	if err := c.get(ctx, fmt.Sprintf("%s/tracks/%s", apiBaseURL, trackID), &t); err != nil {
		return "", err
	}
	return t.searchString(), nil
}

func paginate[T any](ctx context.Context, c *Client, firstURL string, extract func(T) track) ([]string, error) {
	var out []string
	next := firstURL
	for next != "" {
		var page pagedResponse[T]
		if err := c.get(ctx, next, &page); err != nil {
			return nil, err
		}
		for _, item := range page.Items {
			out = append(out, extract(item).searchString())
		}
		next = page.Next
	}
	return out, nil
}

func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && time.Now().Before(c.expiry) {
		return c.token, nil
	}

	form := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("build streaming catalog auth request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(c.clientID, c.clientSecret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("streaming catalog auth: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("streaming catalog auth: unexpected credentials, status %d", resp.StatusCode)
	}

	var body struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode streaming catalog auth response: %w", err)
	}

	c.token = body.AccessToken
	c.expiry = time.Now().Add(time.Duration(body.ExpiresIn-30) * time.Second)
	return c.token, nil
}

func (c *Client) get(ctx context.Context, reqURL string, out any) error {
	token, err := c.accessToken(ctx)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return fmt.Errorf("build streaming catalog request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("streaming catalog request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return fmt.Errorf("streaming catalog: not found: %s", reqURL)
	default:
		return fmt.Errorf("streaming catalog: unexpected status %d for %s", resp.StatusCode, reqURL)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode streaming catalog response: %w", err)
	}
	return nil
}
