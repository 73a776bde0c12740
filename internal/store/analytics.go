package store

import (
	"context"
	"database/sql"
	"time"
)

// GuildAnalyticsRow is a row of the guild_analytics table (spec.md §4.10, §6).
type GuildAnalyticsRow struct {
	GuildID        string
	TotalPlays     int64
	TotalDurationS int64
	CachedPlays    int64
	UpdatedAt      time.Time
}

func (s *Store) ensureGuildAnalytics(ctx context.Context, guildID string) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO guild_analytics (guild_id, total_plays, total_duration_s, cached_plays, updated_at)
		VALUES (?, 0, 0, 0, ?)
		ON CONFLICT(guild_id) DO NOTHING`, guildID, time.Now().UTC())
	return err
}

// RecordPlay increments a guild's play counters (spec.md §4.10). cached
// records whether the play was served from DownloadCache rather than a
// fresh extraction.
func (s *Store) RecordPlay(ctx context.Context, guildID string, duration time.Duration, cached bool) error {
	if err := s.ensureGuildAnalytics(ctx, guildID); err != nil {
		return err
	}
	cachedDelta := 0
	if cached {
		cachedDelta = 1
	}
	_, err := s.DB.ExecContext(ctx, `UPDATE guild_analytics
		SET total_plays = total_plays + 1,
			total_duration_s = total_duration_s + ?,
			cached_plays = cached_plays + ?,
			updated_at = ?
		WHERE guild_id = ?`, int64(duration.Seconds()), cachedDelta, time.Now().UTC(), guildID)
	return err
}

// GetGuildAnalytics returns a guild's counters, zeroed if the guild has
// never played anything.
func (s *Store) GetGuildAnalytics(ctx context.Context, guildID string) (*GuildAnalyticsRow, error) {
	row := s.DB.QueryRowContext(ctx, "SELECT guild_id, total_plays, total_duration_s, cached_plays, updated_at FROM guild_analytics WHERE guild_id = ?", guildID)
	var r GuildAnalyticsRow
	if err := row.Scan(&r.GuildID, &r.TotalPlays, &r.TotalDurationS, &r.CachedPlays, &r.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return &GuildAnalyticsRow{GuildID: guildID}, nil
		}
		return nil, err
	}
	return &r, nil
}
