// Package history implements HistoryRecorder (spec.md §4.10): per-guild
// play analytics and a bounded history playlist, drained from a dedicated
// queue so a slow write never blocks a GuildPlayer's own loop. Grounded on
// video_analytics.py's VideoAnalyticsTracker (counters) and
// history_playlist_item.py's HistoryPlaylistItem (the queue item shape).
package history

import (
	"context"
	"fmt"

	"github.com/disgoorg/snowflake/v2"

	"github.com/leeineian/kokoro/internal/config"
	"github.com/leeineian/kokoro/internal/daemon"
	"github.com/leeineian/kokoro/internal/logging"
	"github.com/leeineian/kokoro/internal/player"
	"github.com/leeineian/kokoro/internal/queue"
	"github.com/leeineian/kokoro/internal/store"
)

// Recorder is the HistoryRecorder. It satisfies player.HistoryQueue
// directly, so a GuildPlayer can hand it finished-track records without
// internal/player ever importing this package.
type Recorder struct {
	store *store.Store
	cfg   config.HistoryConfig
	q     *queue.Queue[player.HistoryItem]
}

// New builds a Recorder backed by st, with one queue partition per guild
// bounded at perGuildCapacity.
func New(st *store.Store, cfg config.HistoryConfig, perGuildCapacity int) *Recorder {
	return &Recorder{
		store: st,
		cfg:   cfg,
		q:     queue.New[player.HistoryItem](perGuildCapacity, nil),
	}
}

// Enqueue implements player.HistoryQueue.
func (r *Recorder) Enqueue(item player.HistoryItem) error {
	return r.q.Put(item.GuildID, item)
}

// Register wires the history-write loop into registry (spec.md §4.9).
func (r *Recorder) Register(registry *daemon.Registry) {
	registry.Register("history-write", logging.History, func(ctx context.Context) (bool, func(), func()) {
		run := func() {
			for {
				item, err := r.q.Get(ctx)
				if err != nil {
					return
				}
				registry.Heartbeat("history-write")
				if err := r.record(ctx, item); err != nil {
					logging.History("record failed for guild %s: %v", item.GuildID, err)
					continue
				}
				logging.History(logging.MsgHistoryRecorded, item.GuildID)
			}
		}
		shutdown := func() { r.q.Close() }
		return true, run, shutdown
	})
}

func (r *Recorder) record(ctx context.Context, item player.HistoryItem) error {
	guildID := item.GuildID.String()

	if err := r.store.RecordPlay(ctx, guildID, item.Duration, item.CacheHit); err != nil {
		return fmt.Errorf("history: record play: %w", err)
	}

	playlist, err := r.store.GetOrCreateHistoryPlaylist(ctx, guildID)
	if err != nil {
		return fmt.Errorf("history: get history playlist: %w", err)
	}
	if _, err := r.store.AppendPlaylistItem(ctx, playlist.ID, item.URL, item.Title); err != nil {
		return fmt.Errorf("history: append playlist item: %w", err)
	}
	if r.cfg.PlaylistMaxItems > 0 {
		if err := r.store.TrimPlaylistToLimit(ctx, playlist.ID, r.cfg.PlaylistMaxItems); err != nil {
			return fmt.Errorf("history: trim playlist: %w", err)
		}
	}
	return nil
}

// Summary exposes a guild's accumulated play counters for a stats command.
func (r *Recorder) Summary(ctx context.Context, guildID snowflake.ID) (*store.GuildAnalyticsRow, error) {
	return r.store.GetGuildAnalytics(ctx, guildID.String())
}

// PendingSize reports how many records are queued but not yet written,
// for the orchestrator's heartbeat/backlog diagnostics.
func (r *Recorder) PendingSize(guildID snowflake.ID) int {
	return r.q.Size(guildID)
}
