package store

import (
	"context"
	"database/sql"
	"time"
)

// PlaylistRow is a row of the playlist table (spec.md §4.6, §6). Kind is
// either "user" or "history"; every guild has at most one history playlist.
type PlaylistRow struct {
	ID        int64
	GuildID   string
	Name      string
	Kind      string
	CreatedAt time.Time
	QueuedAt  sql.NullTime
}

// PlaylistItemRow is a row of the playlist_item table.
type PlaylistItemRow struct {
	ID         int64
	PlaylistID int64
	URL        string
	Title      string
	AddedAt    time.Time
}

func scanPlaylist(sc interface {
	Scan(dest ...any) error
}) (*PlaylistRow, error) {
	var r PlaylistRow
	if err := sc.Scan(&r.ID, &r.GuildID, &r.Name, &r.Kind, &r.CreatedAt, &r.QueuedAt); err != nil {
		return nil, err
	}
	return &r, nil
}

const playlistColumns = "id, guild_id, name, kind, created_at, queued_at"

// GetOrCreateHistoryPlaylist returns the guild's history playlist,
// creating it on first use (spec.md §4.6).
func (s *Store) GetOrCreateHistoryPlaylist(ctx context.Context, guildID string) (*PlaylistRow, error) {
	row := s.DB.QueryRowContext(ctx, "SELECT "+playlistColumns+" FROM playlist WHERE guild_id = ? AND kind = 'history'", guildID)
	r, err := scanPlaylist(row)
	if err == nil {
		return r, nil
	}
	if err != sql.ErrNoRows {
		return nil, err
	}
	now := time.Now().UTC()
	res, err := s.DB.ExecContext(ctx, "INSERT INTO playlist (guild_id, name, kind, created_at) VALUES (?, 'history', 'history', ?)", guildID, now)
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &PlaylistRow{ID: id, GuildID: guildID, Name: "history", Kind: "history", CreatedAt: now}, nil
}

// ListPlaylistsNonHistory lists every user playlist for a guild.
func (s *Store) ListPlaylistsNonHistory(ctx context.Context, guildID string) ([]*PlaylistRow, error) {
	rows, err := s.DB.QueryContext(ctx, "SELECT "+playlistColumns+" FROM playlist WHERE guild_id = ? AND kind = 'user' ORDER BY name ASC", guildID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*PlaylistRow
	for rows.Next() {
		r, err := scanPlaylist(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// GetPlaylistByName returns a guild's named user playlist, or nil if absent.
func (s *Store) GetPlaylistByName(ctx context.Context, guildID, name string) (*PlaylistRow, error) {
	row := s.DB.QueryRowContext(ctx, "SELECT "+playlistColumns+" FROM playlist WHERE guild_id = ? AND name = ? AND kind = 'user'", guildID, name)
	r, err := scanPlaylist(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

// GetPlaylist returns a playlist by id, or nil if absent.
func (s *Store) GetPlaylist(ctx context.Context, id int64) (*PlaylistRow, error) {
	row := s.DB.QueryRowContext(ctx, "SELECT "+playlistColumns+" FROM playlist WHERE id = ?", id)
	r, err := scanPlaylist(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

// CreatePlaylist creates a new user playlist, failing if the name is taken.
func (s *Store) CreatePlaylist(ctx context.Context, guildID, name string) (int64, error) {
	res, err := s.DB.ExecContext(ctx, "INSERT INTO playlist (guild_id, name, kind, created_at) VALUES (?, ?, 'user', ?)", guildID, name, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// PlaylistSize returns the item count of a playlist.
func (s *Store) PlaylistSize(ctx context.Context, playlistID int64) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM playlist_item WHERE playlist_id = ?", playlistID).Scan(&n)
	return n, err
}

// DeletePlaylist removes a playlist and all of its items.
func (s *Store) DeletePlaylist(ctx context.Context, playlistID int64) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, "DELETE FROM playlist_item WHERE playlist_id = ?", playlistID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM playlist WHERE id = ?", playlistID); err != nil {
		return err
	}
	return tx.Commit()
}

// RenamePlaylist renames a user playlist.
func (s *Store) RenamePlaylist(ctx context.Context, playlistID int64, newName string) error {
	_, err := s.DB.ExecContext(ctx, "UPDATE playlist SET name = ? WHERE id = ?", newName, playlistID)
	return err
}

// TouchPlaylistQueuedAt records that the playlist was just queued for
// playback, for recency-based listing in a /playlist command.
func (s *Store) TouchPlaylistQueuedAt(ctx context.Context, playlistID int64) error {
	_, err := s.DB.ExecContext(ctx, "UPDATE playlist SET queued_at = ? WHERE id = ?", time.Now().UTC(), playlistID)
	return err
}

// AppendPlaylistItem appends a url/title pair to the end of a playlist.
func (s *Store) AppendPlaylistItem(ctx context.Context, playlistID int64, url, title string) (int64, error) {
	res, err := s.DB.ExecContext(ctx, "INSERT INTO playlist_item (playlist_id, url, title, added_at) VALUES (?, ?, ?, ?)",
		playlistID, url, title, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ListPlaylistItems lists every item of a playlist in add order.
func (s *Store) ListPlaylistItems(ctx context.Context, playlistID int64) ([]*PlaylistItemRow, error) {
	rows, err := s.DB.QueryContext(ctx, "SELECT id, playlist_id, url, title, added_at FROM playlist_item WHERE playlist_id = ? ORDER BY added_at ASC, id ASC", playlistID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*PlaylistItemRow
	for rows.Next() {
		var r PlaylistItemRow
		if err := rows.Scan(&r.ID, &r.PlaylistID, &r.URL, &r.Title, &r.AddedAt); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, nil
}

// GetPlaylistItemByURL returns the first item matching url, or nil.
func (s *Store) GetPlaylistItemByURL(ctx context.Context, playlistID int64, url string) (*PlaylistItemRow, error) {
	row := s.DB.QueryRowContext(ctx, "SELECT id, playlist_id, url, title, added_at FROM playlist_item WHERE playlist_id = ? AND url = ? LIMIT 1", playlistID, url)
	var r PlaylistItemRow
	if err := row.Scan(&r.ID, &r.PlaylistID, &r.URL, &r.Title, &r.AddedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &r, nil
}

// DeletePlaylistItemByURL removes every item matching url from a playlist.
func (s *Store) DeletePlaylistItemByURL(ctx context.Context, playlistID int64, url string) error {
	_, err := s.DB.ExecContext(ctx, "DELETE FROM playlist_item WHERE playlist_id = ? AND url = ?", playlistID, url)
	return err
}

// DeletePlaylistItemByIndex removes the item at the given zero-based
// add-order index of the playlist with id playlistID, whatever its kind.
func (s *Store) DeletePlaylistItemByIndex(ctx context.Context, playlistID int64, index int) error {
	row := s.DB.QueryRowContext(ctx,
		"SELECT id FROM playlist_item WHERE playlist_id = ? ORDER BY added_at ASC, id ASC LIMIT 1 OFFSET ?", playlistID, index)
	var id int64
	if err := row.Scan(&id); err != nil {
		return err
	}
	_, err := s.DB.ExecContext(ctx, "DELETE FROM playlist_item WHERE id = ?", id)
	return err
}

// TrimPlaylistToLimit deletes the oldest items exceeding limit, used to
// bound the per-guild history playlist (spec.md §4.6, HistoryConfig.MaxItems).
func (s *Store) TrimPlaylistToLimit(ctx context.Context, playlistID int64, limit int) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM playlist_item WHERE playlist_id = ? AND id NOT IN (
		SELECT id FROM playlist_item WHERE playlist_id = ? ORDER BY added_at DESC, id DESC LIMIT ?)`,
		playlistID, playlistID, limit)
	return err
}
