// Package orchestrator implements MusicOrchestrator (spec.md §4.9): the
// top-level owner of every guild's GuildPlayer, the search and download
// DistributedQueues, the DownloadCache, the MessageDispatcher, the
// FailureBackoffTracker, and the HistoryRecorder, plus the six background
// loops that drive them. Grounded on 3.loader.go's package-level daemon
// registry and 7.voice.go's VoiceSystem (a singleton owning a
// guild->session map), generalized into an explicitly constructed,
// injected type with no package globals, per spec.md §9.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/google/uuid"

	"github.com/leeineian/kokoro/internal/backoff"
	"github.com/leeineian/kokoro/internal/cache"
	"github.com/leeineian/kokoro/internal/chatapi"
	"github.com/leeineian/kokoro/internal/config"
	"github.com/leeineian/kokoro/internal/daemon"
	"github.com/leeineian/kokoro/internal/dispatch"
	"github.com/leeineian/kokoro/internal/download"
	"github.com/leeineian/kokoro/internal/history"
	"github.com/leeineian/kokoro/internal/logging"
	"github.com/leeineian/kokoro/internal/media"
	"github.com/leeineian/kokoro/internal/player"
	"github.com/leeineian/kokoro/internal/progress"
	"github.com/leeineian/kokoro/internal/queue"
	"github.com/leeineian/kokoro/internal/search"
	"github.com/leeineian/kokoro/internal/store"
)

// bundleFinishedGrace is how long a finished ProgressBundle stays
// registered with the dispatcher after it finishes. When it elapses the
// registration is dropped; the bundle's messages are not deleted and stay
// in the channel as last rendered. Compare spec.md
// §5's "a bundle whose finished state has held for a configured grace
// period is removed".
const bundleFinishedGrace = 15 * time.Second

// downloadTarget is where a successful download's MediaDownload is
// delivered: a live GuildPlayer's play queue, or directly into a playlist
// without ever touching a player (spec.md §4.9's "or save to a playlist").
type downloadTarget struct {
	guildID    snowflake.ID
	playlistID int64
	isPlaylist bool
}

func targetPlayer(guildID snowflake.ID) downloadTarget { return downloadTarget{guildID: guildID} }

func targetPlaylist(guildID snowflake.ID, playlistID int64) downloadTarget {
	return downloadTarget{guildID: guildID, playlistID: playlistID, isPlaylist: true}
}

// downloadItem is one unit of work for the download loop.
type downloadItem struct {
	Request *media.Request
	URL     string
	Target  downloadTarget
}

// Orchestrator is the MusicOrchestrator.
type Orchestrator struct {
	cfg        *config.Config
	store      *store.Store
	cache      *cache.Cache
	chat       chatapi.ChatClient
	voice      chatapi.VoiceClient
	dispatcher *dispatch.Dispatcher
	resolver   *search.Resolver
	downloader *download.Downloader
	backoffT   *backoff.Tracker
	history    *history.Recorder
	registry   *daemon.Registry
	backup     BackupStore

	searchQueue   *queue.Queue[*media.Request]
	downloadQueue *queue.Queue[downloadItem]

	mu       sync.Mutex
	players  map[snowflake.ID]*player.GuildPlayer
	bundles  map[uuid.UUID]*progress.Bundle
	targets  map[uuid.UUID]downloadTarget
	shutdown bool
}

// BackupStore is the optional object-storage collaborator the
// cache-cleanup loop mirrors cached files to.
type BackupStore interface {
	Upload(ctx context.Context, key, localPath string) error
}

// New builds an Orchestrator. backup may be nil, disabling the
// object-storage mirror step of cache-cleanup.
func New(cfg *config.Config, st *store.Store, c *cache.Cache, chat chatapi.ChatClient, voice chatapi.VoiceClient,
	dispatcher *dispatch.Dispatcher, resolver *search.Resolver, downloader *download.Downloader,
	hist *history.Recorder, backup BackupStore) *Orchestrator {
	return &Orchestrator{
		cfg:        cfg,
		store:      st,
		cache:      c,
		chat:       chat,
		voice:      voice,
		dispatcher: dispatcher,
		resolver:   resolver,
		downloader: downloader,
		backoffT:   backoff.New(cfg.Backoff.MaxSize, cfg.Backoff.MaxAge),
		history:    hist,
		registry:   &daemon.Registry{},
		backup:     backup,

		searchQueue:   queue.New[*media.Request](cfg.Queue.SearchQueueCapacity, cfg.Queue.Priorities),
		downloadQueue: queue.New[downloadItem](cfg.Queue.DownloadQueueCapacity, cfg.Queue.Priorities),

		players: map[snowflake.ID]*player.GuildPlayer{},
		bundles: map[uuid.UUID]*progress.Bundle{},
		targets: map[uuid.UUID]downloadTarget{},
	}
}

// Registry exposes the daemon registry so cmd/kokoro can start/shut it
// down alongside the rest of the process lifecycle.
func (o *Orchestrator) Registry() *daemon.Registry { return o.registry }

func (o *Orchestrator) getPlayer(guildID snowflake.ID) *player.GuildPlayer {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.players[guildID]
}

func (o *Orchestrator) getOrCreatePlayer(guildID snowflake.ID) *player.GuildPlayer {
	o.mu.Lock()
	defer o.mu.Unlock()
	if p, ok := o.players[guildID]; ok {
		return p
	}
	p := player.New(guildID, o.voice, o.dispatcher, o.history, o.cfg.Player)
	o.players[guildID] = p
	return p
}

func (o *Orchestrator) dropPlayer(guildID snowflake.ID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.players, guildID)
}

func (o *Orchestrator) bundleFor(reqID uuid.UUID, bundleID uuid.UUID) *progress.Bundle {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.bundles[bundleID]
}

func (o *Orchestrator) targetFor(reqID uuid.UUID) (downloadTarget, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	t, ok := o.targets[reqID]
	return t, ok
}

func (o *Orchestrator) setTarget(reqID uuid.UUID, t downloadTarget) {
	o.mu.Lock()
	o.targets[reqID] = t
	o.mu.Unlock()
}

func (o *Orchestrator) clearTarget(reqID uuid.UUID) {
	o.mu.Lock()
	delete(o.targets, reqID)
	o.mu.Unlock()
}

// Join handles the join/awaken command (spec.md §6): creates the guild's
// player if absent and connects it to voiceChannelID.
func (o *Orchestrator) Join(ctx context.Context, guildID, voiceChannelID, textChannelID snowflake.ID) error {
	p := o.getOrCreatePlayer(guildID)
	if p.State() != player.Idle {
		p.SetTextChannel(textChannelID)
		return nil
	}
	return p.Join(ctx, voiceChannelID, textChannelID)
}

// ErrNoPlayer is returned by every command wrapper below when the guild has
// no live GuildPlayer to act on.
var ErrNoPlayer = errors.New("orchestrator: no player for this guild")

func (o *Orchestrator) requirePlayer(guildID snowflake.ID) (*player.GuildPlayer, error) {
	p := o.getPlayer(guildID)
	if p == nil {
		return nil, ErrNoPlayer
	}
	return p, nil
}

// Skip implements the skip command (spec.md §6).
func (o *Orchestrator) Skip(guildID snowflake.ID) error {
	p, err := o.requirePlayer(guildID)
	if err != nil {
		return err
	}
	return p.Skip()
}

// Pause implements the pause command (spec.md §6).
func (o *Orchestrator) Pause(guildID snowflake.ID) error {
	p, err := o.requirePlayer(guildID)
	if err != nil {
		return err
	}
	return p.Pause()
}

// Resume implements the resume command (spec.md §6).
func (o *Orchestrator) Resume(guildID snowflake.ID) error {
	p, err := o.requirePlayer(guildID)
	if err != nil {
		return err
	}
	return p.Resume()
}

// Stop implements the stop command (spec.md §6): tears the player down and
// releases any per-use files still held by its queue.
func (o *Orchestrator) Stop(ctx context.Context, guildID snowflake.ID) error {
	p, err := o.requirePlayer(guildID)
	if err != nil {
		return err
	}
	p.Stop(ctx)
	o.dropPlayer(guildID)
	return nil
}

// Bump implements the bump command (spec.md §6): moves the queue entry at
// index to the front.
func (o *Orchestrator) Bump(guildID snowflake.ID, index int) error {
	p, err := o.requirePlayer(guildID)
	if err != nil {
		return err
	}
	if !p.Bump(index) {
		return fmt.Errorf("orchestrator: no queue entry at index %d", index)
	}
	return nil
}

// Remove implements the remove command (spec.md §6): drops the queue entry
// at index and releases its per-use file.
func (o *Orchestrator) Remove(guildID snowflake.ID, index int) error {
	p, err := o.requirePlayer(guildID)
	if err != nil {
		return err
	}
	dl, ok := p.Remove(index)
	if !ok {
		return fmt.Errorf("orchestrator: no queue entry at index %d", index)
	}
	releasePerUseDownload(dl)
	return nil
}

// Shuffle implements the shuffle command (spec.md §6).
func (o *Orchestrator) Shuffle(guildID snowflake.ID) error {
	p, err := o.requirePlayer(guildID)
	if err != nil {
		return err
	}
	p.Shuffle()
	return nil
}

// QueueView implements the queue command (spec.md §6): the rendered rows
// are already dispatch.Renderer output, so this just proxies the player.
func (o *Orchestrator) QueueView(guildID snowflake.ID) ([]string, error) {
	p, err := o.requirePlayer(guildID)
	if err != nil {
		return nil, err
	}
	return p.Render(), nil
}

// History implements the history command (spec.md §6): per-guild play
// analytics backed by the HistoryRecorder.
func (o *Orchestrator) History(ctx context.Context, guildID snowflake.ID) (*store.GuildAnalyticsRow, error) {
	return o.history.Summary(ctx, guildID)
}

// MoveMessages implements the move-messages command (spec.md §6): a live
// player's dispatch bundle is re-anchored to a new channel by unregistering
// it under its old key and re-registering under the same key against the
// new channel, since dispatch.Dispatcher has no in-place relocate primitive
// (DESIGN.md Open Question: move-messages re-anchor strategy).
func (o *Orchestrator) MoveMessages(guildID, newChannelID snowflake.ID) error {
	p, err := o.requirePlayer(guildID)
	if err != nil {
		return err
	}
	p.SetTextChannel(newChannelID)
	key := dispatch.BundleKey("play-order", guildID)
	o.dispatcher.Unregister(key)
	o.dispatcher.RegisterBundle(key, newChannelID, p, true)
	o.dispatcher.Touch(key)
	return nil
}

// --- playlist commands (spec.md §6) ---

// PlaylistCreate implements the playlist create subcommand.
func (o *Orchestrator) PlaylistCreate(ctx context.Context, guildID snowflake.ID, name string) (int64, error) {
	existing, err := o.store.GetPlaylistByName(ctx, guildID.String(), name)
	if err != nil {
		return 0, err
	}
	if existing != nil {
		return 0, fmt.Errorf("orchestrator: playlist %q already exists", name)
	}
	return o.store.CreatePlaylist(ctx, guildID.String(), name)
}

// PlaylistList implements the playlist list subcommand.
func (o *Orchestrator) PlaylistList(ctx context.Context, guildID snowflake.ID) ([]*store.PlaylistRow, error) {
	return o.store.ListPlaylistsNonHistory(ctx, guildID.String())
}

// PlaylistDelete implements the playlist delete subcommand.
func (o *Orchestrator) PlaylistDelete(ctx context.Context, guildID snowflake.ID, name string) error {
	row, err := o.store.GetPlaylistByName(ctx, guildID.String(), name)
	if err != nil {
		return err
	}
	if row == nil {
		return fmt.Errorf("orchestrator: no playlist named %q", name)
	}
	return o.store.DeletePlaylist(ctx, row.ID)
}

// PlaylistRename implements the playlist rename subcommand.
func (o *Orchestrator) PlaylistRename(ctx context.Context, guildID snowflake.ID, oldName, newName string) error {
	row, err := o.store.GetPlaylistByName(ctx, guildID.String(), oldName)
	if err != nil {
		return err
	}
	if row == nil {
		return fmt.Errorf("orchestrator: no playlist named %q", oldName)
	}
	return o.store.RenamePlaylist(ctx, row.ID, newName)
}

// PlaylistView implements the playlist view subcommand.
func (o *Orchestrator) PlaylistView(ctx context.Context, guildID snowflake.ID, name string) ([]*store.PlaylistItemRow, error) {
	row, err := o.store.GetPlaylistByName(ctx, guildID.String(), name)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, fmt.Errorf("orchestrator: no playlist named %q", name)
	}
	return o.store.ListPlaylistItems(ctx, row.ID)
}

// PlaylistRemoveItem implements the playlist remove-item subcommand.
func (o *Orchestrator) PlaylistRemoveItem(ctx context.Context, guildID snowflake.ID, name string, index int) error {
	row, err := o.store.GetPlaylistByName(ctx, guildID.String(), name)
	if err != nil {
		return err
	}
	if row == nil {
		return fmt.Errorf("orchestrator: no playlist named %q", name)
	}
	return o.store.DeletePlaylistItemByIndex(ctx, row.ID, index)
}

// PlaylistAdd implements the playlist add subcommand: rawInput is resolved
// exactly like a play command, but every resulting MediaRequest is routed
// to the named playlist instead of a GuildPlayer's queue, so no voice
// connection is required.
func (o *Orchestrator) PlaylistAdd(ctx context.Context, guildID, channelID, requesterID snowflake.ID, requesterName, name, rawInput string) (*progress.Bundle, error) {
	row, err := o.store.GetPlaylistByName(ctx, guildID.String(), name)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, fmt.Errorf("orchestrator: no playlist named %q", name)
	}

	requests, err := o.resolver.Classify(ctx, guildID, channelID, requesterID, requesterName, rawInput)
	if err != nil {
		o.dispatcher.EnqueueSingle(channelID, fmt.Sprintf("Couldn't resolve %q: %v", rawInput, err), 0)
		return nil, err
	}

	bundle := progress.New(guildID, channelID, rawInput, o.cfg.Progress.PageCharLimit)
	for _, req := range requests {
		stage := media.Queued
		if req.SearchType == media.FreeText || req.SearchType == media.StreamingTrack {
			stage = media.Searching
		}
		req.BundleID = bundle.ID
		if err := bundle.AddRequest(req, stage); err != nil {
			logging.Orchestrator("add_request failed for bundle %s: %v", bundle.ID, err)
		}
	}
	bundle.Freeze()

	o.mu.Lock()
	o.bundles[bundle.ID] = bundle
	o.mu.Unlock()
	o.dispatcher.RegisterBundle(dispatch.ProgressBundleKey(bundle.ID), channelID, bundle, true)
	o.dispatcher.Touch(dispatch.ProgressBundleKey(bundle.ID))

	for _, req := range requests {
		o.setTarget(req.ID, targetPlaylist(guildID, row.ID))
		o.routeRequest(req)
	}
	return bundle, nil
}

// PlaylistQueue implements the playlist queue-for-playback subcommand:
// every already-resolved item in the named playlist is enqueued directly
// into the download queue, targeting the guild's player, skipping the
// search stage entirely since playlist items already carry a canonical URL.
func (o *Orchestrator) PlaylistQueue(ctx context.Context, guildID, channelID, requesterID, voiceChannelID snowflake.ID, requesterName, name string) (*progress.Bundle, error) {
	row, err := o.store.GetPlaylistByName(ctx, guildID.String(), name)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, fmt.Errorf("orchestrator: no playlist named %q", name)
	}
	items, err := o.store.ListPlaylistItems(ctx, row.ID)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("orchestrator: playlist %q is empty", name)
	}

	p := o.getOrCreatePlayer(guildID)
	if p.State() == player.Idle {
		if err := p.Join(ctx, voiceChannelID, channelID); err != nil {
			return nil, fmt.Errorf("orchestrator: join voice channel: %w", err)
		}
	} else {
		p.SetTextChannel(channelID)
	}

	bundle := progress.New(guildID, channelID, fmt.Sprintf("playlist:%s", name), o.cfg.Progress.PageCharLimit)
	for _, item := range items {
		req := media.NewRequest(guildID, channelID, requesterID, requesterName, item.URL, media.DirectURL)
		req.FromHistory = true
		req.HistoryItemID = item.ID
		req.BundleID = bundle.ID
		if err := bundle.AddRequest(req, media.Queued); err != nil {
			logging.Orchestrator("add_request failed for bundle %s: %v", bundle.ID, err)
			continue
		}
		o.setTarget(req.ID, targetPlayer(guildID))
		o.enqueueForDownload(req, item.URL)
	}
	bundle.Freeze()

	o.mu.Lock()
	o.bundles[bundle.ID] = bundle
	o.mu.Unlock()
	o.dispatcher.RegisterBundle(dispatch.ProgressBundleKey(bundle.ID), channelID, bundle, true)
	o.dispatcher.Touch(dispatch.ProgressBundleKey(bundle.ID))

	if err := o.store.TouchPlaylistQueuedAt(ctx, row.ID); err != nil {
		logging.Orchestrator("touch_playlist_queued_at failed for playlist %d: %v", row.ID, err)
	}
	return bundle, nil
}

// PlaylistRandomPlay picks one item from the named user playlist uniformly
// at random and queues it exactly like a direct-URL play request.
func (o *Orchestrator) PlaylistRandomPlay(ctx context.Context, guildID, channelID, requesterID, voiceChannelID snowflake.ID, requesterName, name string) (*progress.Bundle, error) {
	row, err := o.store.GetPlaylistByName(ctx, guildID.String(), name)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, fmt.Errorf("orchestrator: no playlist named %q", name)
	}
	items, err := o.store.ListPlaylistItems(ctx, row.ID)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("orchestrator: playlist %q is empty", name)
	}
	pick := items[rand.Intn(len(items))]
	return o.HandlePlay(ctx, guildID, channelID, requesterID, voiceChannelID, requesterName, pick.URL)
}

// defaultRandomPlayLength is the random-play command's queue length cap
// (the command takes no count argument), mirroring the original's
// DEFAULT_RANDOM_QUEUE_LENGTH.
const defaultRandomPlayLength = 32

// RandomPlay implements the top-level random-play [cache] command: it
// queues up to defaultRandomPlayLength shuffled items from the guild's
// history playlist, or, when fromCache is set, from the global video_cache
// pool instead. Grounded on the original's playlist_random_play, which
// defaults to the guild's is_history playlist and switches to a
// guild-independent VideoCache sample on the literal "cache" argument.
func (o *Orchestrator) RandomPlay(ctx context.Context, guildID, channelID, requesterID, voiceChannelID snowflake.ID, requesterName string, fromCache bool) (*progress.Bundle, error) {
	var urls []string
	var label string
	if fromCache {
		rows, err := o.store.SampleVideoCache(ctx, defaultRandomPlayLength)
		if err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			return nil, fmt.Errorf("orchestrator: the cache pool is empty")
		}
		for _, row := range rows {
			urls = append(urls, row.URL)
		}
		label = "random-play:cache"
	} else {
		row, err := o.store.GetOrCreateHistoryPlaylist(ctx, guildID.String())
		if err != nil {
			return nil, err
		}
		items, err := o.store.ListPlaylistItems(ctx, row.ID)
		if err != nil {
			return nil, err
		}
		if len(items) == 0 {
			return nil, fmt.Errorf("orchestrator: no history yet for this server")
		}
		rand.Shuffle(len(items), func(i, j int) { items[i], items[j] = items[j], items[i] })
		if len(items) > defaultRandomPlayLength {
			items = items[:defaultRandomPlayLength]
		}
		for _, item := range items {
			urls = append(urls, item.URL)
		}
		label = "random-play:history"
	}

	p := o.getOrCreatePlayer(guildID)
	if p.State() == player.Idle {
		if err := p.Join(ctx, voiceChannelID, channelID); err != nil {
			return nil, fmt.Errorf("orchestrator: join voice channel: %w", err)
		}
	} else {
		p.SetTextChannel(channelID)
	}

	bundle := progress.New(guildID, channelID, label, o.cfg.Progress.PageCharLimit)
	for _, url := range urls {
		req := media.NewRequest(guildID, channelID, requesterID, requesterName, url, media.DirectURL)
		req.BundleID = bundle.ID
		if err := bundle.AddRequest(req, media.Queued); err != nil {
			logging.Orchestrator("add_request failed for bundle %s: %v", bundle.ID, err)
			continue
		}
		o.setTarget(req.ID, targetPlayer(guildID))
		o.enqueueForDownload(req, url)
	}
	bundle.Freeze()

	o.mu.Lock()
	o.bundles[bundle.ID] = bundle
	o.mu.Unlock()
	o.dispatcher.RegisterBundle(dispatch.ProgressBundleKey(bundle.ID), channelID, bundle, true)
	o.dispatcher.Touch(dispatch.ProgressBundleKey(bundle.ID))

	return bundle, nil
}

// HandlePlay implements the play command's control flow (spec.md §2,
// steps 1-2): classify the raw input, build and freeze a ProgressBundle,
// and route every resulting MediaRequest into the search queue (it still
// needs free-text resolution) or the download queue (it already carries
// a canonical URL).
func (o *Orchestrator) HandlePlay(ctx context.Context, guildID, channelID, requesterID, voiceChannelID snowflake.ID, requesterName, rawInput string) (*progress.Bundle, error) {
	p := o.getOrCreatePlayer(guildID)
	if p.State() == player.Idle {
		if err := p.Join(ctx, voiceChannelID, channelID); err != nil {
			return nil, fmt.Errorf("orchestrator: join voice channel: %w", err)
		}
	} else {
		p.SetTextChannel(channelID)
	}

	requests, err := o.resolver.Classify(ctx, guildID, channelID, requesterID, requesterName, rawInput)
	if err != nil {
		o.dispatcher.EnqueueSingle(channelID, fmt.Sprintf("Couldn't resolve %q: %v", rawInput, err), 0)
		return nil, err
	}

	bundle := progress.New(guildID, channelID, rawInput, o.cfg.Progress.PageCharLimit)
	for _, req := range requests {
		stage := media.Queued
		if req.SearchType == media.FreeText || req.SearchType == media.StreamingTrack {
			stage = media.Searching
		}
		req.BundleID = bundle.ID
		if err := bundle.AddRequest(req, stage); err != nil {
			logging.Orchestrator("add_request failed for bundle %s: %v", bundle.ID, err)
		}
	}
	bundle.Freeze()

	o.mu.Lock()
	o.bundles[bundle.ID] = bundle
	o.mu.Unlock()
	o.dispatcher.RegisterBundle(dispatch.ProgressBundleKey(bundle.ID), channelID, bundle, true)
	o.dispatcher.Touch(dispatch.ProgressBundleKey(bundle.ID))
	logging.Progress(logging.MsgBundleCreated, bundle.ID, rawInput)

	for _, req := range requests {
		o.setTarget(req.ID, targetPlayer(guildID))
		o.routeRequest(req)
	}
	return bundle, nil
}

// routeRequest enqueues req into the search queue when it still needs
// free-text resolution, or directly into the download queue otherwise.
// Every non-free-text request passes through the same download queue
// regardless of a prior cache hit, preserving spec.md §5's per-guild
// ordering guarantee; Downloader.Download's own cache lookup keeps a hit
// cheap without ever invoking the extractor.
func (o *Orchestrator) routeRequest(req *media.Request) {
	switch req.SearchType {
	case media.FreeText, media.StreamingTrack:
		if err := o.searchQueue.Put(req.GuildID, req); err != nil {
			o.failRequest(req, "search queue is full")
		}
	default:
		o.enqueueForDownload(req, req.ResolvedSearch)
	}
}

func (o *Orchestrator) enqueueForDownload(req *media.Request, url string) {
	target, ok := o.targetFor(req.ID)
	if !ok {
		target = targetPlayer(req.GuildID)
	}
	item := downloadItem{Request: req, URL: url, Target: target}
	if err := o.downloadQueue.Put(req.GuildID, item); err != nil {
		o.failRequest(req, "download queue is full")
		return
	}
	o.updateBundle(req, media.Queued, "")
}

func (o *Orchestrator) updateBundle(req *media.Request, stage media.LifecycleStage, reason string) {
	bundle := o.bundleFor(req.ID, req.BundleID)
	if bundle == nil {
		return
	}
	if err := bundle.Update(req.ID, stage, reason); err != nil {
		logging.Orchestrator("bundle update failed for request %s: %v", req.ID, err)
		return
	}
	o.dispatcher.Touch(dispatch.ProgressBundleKey(bundle.ID))
	if bundle.Finished() {
		total, completed, failed, discarded := bundle.Counts()
		logging.Progress(logging.MsgBundleFinished, bundle.ID, completed, failed, discarded)
		_ = total
		o.scheduleBundleCleanup(bundle.ID)
	}
}

func (o *Orchestrator) scheduleBundleCleanup(id uuid.UUID) {
	time.AfterFunc(bundleFinishedGrace, func() {
		o.mu.Lock()
		delete(o.bundles, id)
		o.mu.Unlock()
		o.dispatcher.Unregister(dispatch.ProgressBundleKey(id))
	})
}

func (o *Orchestrator) failRequest(req *media.Request, reason string) {
	o.updateBundle(req, media.Failed, reason)
	o.clearTarget(req.ID)
}

func (o *Orchestrator) discardRequest(req *media.Request) {
	o.updateBundle(req, media.Discarded, "")
	o.clearTarget(req.ID)
}

func (o *Orchestrator) completeRequest(req *media.Request) {
	o.updateBundle(req, media.Completed, "")
	o.clearTarget(req.ID)
}

// Start registers and launches every background loop (spec.md §4.9).
func (o *Orchestrator) Start(ctx context.Context) {
	o.registerDispatchLoop()
	o.registerSearchLoop()
	o.registerDownloadLoop()
	o.registerCleanupPlayersLoop()
	o.registerCacheCleanupLoop()
	o.history.Register(o.registry)
	o.registry.Start(ctx)
}

// Shutdown drains every loop and closes every player's voice handle
// (spec.md §4.9's shutdown semantics).
func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.mu.Lock()
	o.shutdown = true
	players := make([]*player.GuildPlayer, 0, len(o.players))
	for _, p := range o.players {
		players = append(players, p)
	}
	o.mu.Unlock()

	for _, p := range players {
		p.Stop(ctx)
	}
	o.searchQueue.Close()
	o.downloadQueue.Close()
	o.registry.Shutdown(ctx)
}

func (o *Orchestrator) isShuttingDown() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.shutdown
}

// --- dispatch loop (spec.md §4.7 tick) ---

const dispatchTickInterval = 200 * time.Millisecond

func (o *Orchestrator) registerDispatchLoop() {
	o.registry.Register("dispatch", logging.Dispatch, func(ctx context.Context) (bool, func(), func()) {
		run := func() {
			for {
				select {
				case <-ctx.Done():
					return
				default:
				}
				if err := o.dispatcher.Tick(ctx); err != nil {
					logging.Dispatch("tick failed: %v", err)
				}
				o.registry.Heartbeat("dispatch")
				select {
				case <-ctx.Done():
					return
				case <-time.After(dispatchTickInterval):
				}
			}
		}
		return true, run, nil
	})
}

// --- search loop (spec.md §4.9: drain, catalog call, cache-check, forward) ---

func (o *Orchestrator) registerSearchLoop() {
	o.registry.Register("search", logging.Search, func(ctx context.Context) (bool, func(), func()) {
		run := func() {
			for {
				req, err := o.searchQueue.Get(ctx)
				if err != nil {
					return
				}
				o.registry.Heartbeat("search")
				o.processSearchItem(ctx, req)
			}
		}
		return true, run, func() { o.searchQueue.Close() }
	})
}

func (o *Orchestrator) processSearchItem(ctx context.Context, req *media.Request) {
	o.updateBundle(req, media.InProgress, "")

	normalized := search.Normalize(req.ResolvedSearch)
	if url, ok, err := o.cache.SearchLookup(ctx, normalized); err == nil && ok {
		req.ResolvedSearch = url
		o.enqueueForDownload(req, url)
		return
	}

	url, title, err := search.MusicCatalogLookup(ctx, req.ResolvedSearch, o.cfg.YoutubePrefix, o.cfg.YTMusicPrefix)
	if err != nil {
		logging.Search(logging.ErrSearchNoMatch+": %q: %v", req.RawSearch, err)
		o.failRequest(req, "no match found")
		return
	}
	logging.Search(logging.MsgSearchResolved, req.RawSearch, 1)

	req.ResolvedSearch = url
	if err := o.cache.SearchInsert(ctx, normalized, url); err != nil {
		logging.Search("search_string memoize failed for %q: %v", normalized, err)
	}
	_ = title
	o.enqueueForDownload(req, url)
}

// --- download loop (spec.md §4.9 / §5 retry discipline) ---

func (o *Orchestrator) registerDownloadLoop() {
	o.registry.Register("download", logging.Download, func(ctx context.Context) (bool, func(), func()) {
		run := func() {
			for {
				item, err := o.downloadQueue.Get(ctx)
				if err != nil {
					return
				}
				o.registry.Heartbeat("download")
				o.processDownloadItem(ctx, item)
			}
		}
		return true, run, func() { o.downloadQueue.Close() }
	})
}

func (o *Orchestrator) processDownloadItem(ctx context.Context, item downloadItem) {
	if wait := o.backoffT.Wait(o.cfg.Backoff.BaseWait); wait > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}

	o.updateBundle(item.Request, media.InProgress, "")
	logging.Download(logging.MsgDownloadStart, item.URL)
	start := time.Now()

	dl, err := o.downloader.Download(ctx, item.Request, item.URL)
	if err != nil {
		o.handleDownloadFailure(ctx, item, err)
		return
	}
	o.backoffT.RecordSuccess()
	logging.Download(logging.MsgDownloadDone, item.URL, time.Since(start))
	o.deliverDownload(ctx, item, dl)
}

func (o *Orchestrator) handleDownloadFailure(ctx context.Context, item downloadItem, err error) {
	var derr *download.Error
	if !errors.As(err, &derr) {
		derr = &download.Error{Classification: download.ClassRetryable, Err: err}
	}

	if derr.Classification == download.ClassTerminal {
		logging.Download(logging.MsgDownloadTerminal, item.URL, derr.Err)
		if recErr := o.cache.RecordFailure(ctx, item.URL, derr.FailureKind); recErr != nil {
			logging.Download("record terminal failure sentinel failed for %s: %v", item.URL, recErr)
		}
		o.failRequest(item.Request, terminalReason(derr.FailureKind))
		return
	}

	o.backoffT.RecordFailure()
	item.Request.RetryCount++
	if item.Request.RetryCount >= o.downloader.MaxRetries() {
		logging.Download("retries exhausted for %s after %d attempts", item.URL, item.Request.RetryCount)
		o.failRequest(item.Request, "retries exhausted")
		return
	}
	logging.Download(logging.MsgDownloadRetry, item.URL, item.Request.RetryCount, derr.Err)
	o.updateBundle(item.Request, media.Backoff, "will retry")
	if putErr := o.downloadQueue.Put(item.Request.GuildID, item); putErr != nil {
		o.failRequest(item.Request, "download queue is full")
	}
}

func terminalReason(kind media.FailureKind) string {
	switch kind {
	case media.FailureAgeRestricted:
		return logging.ErrDownloadAgeRestrict
	case media.FailurePrivate:
		return logging.ErrDownloadPrivate
	case media.FailureRemoved:
		return logging.ErrDownloadRemoved
	case media.FailureDurationExceeded:
		return logging.ErrDownloadTooLong
	case media.FailureInvalidFormat:
		return "unsupported format"
	default:
		return "download failed"
	}
}

// deliverDownload routes a successfully realized MediaDownload to its
// target: a playlist save never touches a player, and a player delivery
// is discarded (not failed) once the player is gone, per spec.md §7's
// "Player gone before delivery" row.
func (o *Orchestrator) deliverDownload(ctx context.Context, item downloadItem, dl *media.Download) {
	if item.Target.isPlaylist {
		if _, err := o.store.AppendPlaylistItem(ctx, item.Target.playlistID, dl.URL, dl.Meta.Title); err != nil {
			logging.Download("append to playlist %d failed for %s: %v", item.Target.playlistID, dl.URL, err)
			o.failRequest(item.Request, "could not save to playlist")
		} else {
			o.completeRequest(item.Request)
		}
		releasePerUseDownload(dl)
		return
	}

	if o.isShuttingDown() {
		o.discardRequest(item.Request)
		releasePerUseDownload(dl)
		return
	}

	p := o.getPlayer(item.Target.guildID)
	if p == nil || p.State() == player.ShuttingDown {
		o.discardRequest(item.Request)
		releasePerUseDownload(dl)
		return
	}
	if err := p.Enqueue(dl); err != nil {
		logging.Player(logging.ErrPlayerQueueFull)
		o.failRequest(item.Request, "play queue is full")
		releasePerUseDownload(dl)
		return
	}
	o.completeRequest(item.Request)
}

func releasePerUseDownload(d *media.Download) {
	if d.MarkPerUseReleased() {
		_ = os.Remove(d.PerUsePath)
	}
}

// --- cleanup-players loop (spec.md §4.9) ---

const cleanupPlayersInterval = 10 * time.Second

func (o *Orchestrator) registerCleanupPlayersLoop() {
	o.registry.Register("cleanup-players", logging.Player, func(ctx context.Context) (bool, func(), func()) {
		run := func() {
			for {
				select {
				case <-ctx.Done():
					return
				default:
				}
				o.sweepEmptyPlayers(ctx)
				o.registry.Heartbeat("cleanup-players")
				select {
				case <-ctx.Done():
					return
				case <-time.After(cleanupPlayersInterval):
				}
			}
		}
		return true, run, nil
	})
}

func (o *Orchestrator) sweepEmptyPlayers(ctx context.Context) {
	o.mu.Lock()
	snapshot := make(map[snowflake.ID]*player.GuildPlayer, len(o.players))
	for id, p := range o.players {
		snapshot[id] = p
	}
	o.mu.Unlock()

	for guildID, p := range snapshot {
		if p.State() != player.Playing && p.State() != player.Paused {
			continue
		}
		nonBot, err := o.voice.NonBotParticipants(guildID)
		if err != nil {
			logging.Player("non_bot_participants failed for guild %s: %v", guildID, err)
			continue
		}
		if p.CheckEmptyChannel(nonBot) {
			logging.Player(logging.MsgPlayerShutdown, guildID)
			p.Stop(ctx)
			o.dropPlayer(guildID)
		}
	}
}

// --- cache-cleanup loop (spec.md §4.9) ---

const cacheCleanupInterval = time.Minute
const backupBatchSize = 10

func (o *Orchestrator) registerCacheCleanupLoop() {
	if !o.cfg.Cache.Enabled {
		return
	}
	o.registry.Register("cache-cleanup", logging.Cache, func(ctx context.Context) (bool, func(), func()) {
		run := func() {
			for {
				select {
				case <-ctx.Done():
					return
				default:
				}
				o.runCacheCleanup(ctx)
				o.registry.Heartbeat("cache-cleanup")
				select {
				case <-ctx.Done():
					return
				case <-time.After(cacheCleanupInterval):
				}
			}
		}
		return true, run, nil
	})
}

func (o *Orchestrator) runCacheCleanup(ctx context.Context) {
	marked, err := o.cache.MarkLRUForDelete(ctx)
	if err != nil {
		logging.Cache("mark_lru_for_delete failed: %v", err)
	} else if marked > 0 {
		logging.Cache(logging.MsgCacheMarkDeletion, marked)
	}

	deletable, err := o.cache.CollectDeletable(ctx)
	if err != nil {
		logging.Cache("collect_deletable failed: %v", err)
	} else {
		if len(deletable) > 0 {
			logging.Cache(logging.MsgCacheCollected, len(deletable))
		}
		for _, row := range deletable {
			if err := o.cache.Purge(ctx, row); err != nil {
				logging.Cache("purge failed for entry %d: %v", row.ID, err)
			}
		}
	}

	if o.backup == nil {
		return
	}
	pending, err := o.cache.BackupPending(ctx, backupBatchSize)
	if err != nil {
		logging.Cache("backup_pending failed: %v", err)
		return
	}
	for _, row := range pending {
		key := fmt.Sprintf("video_cache/%d", row.ID)
		if err := o.backup.Upload(ctx, key, row.Path); err != nil {
			logging.Cache(logging.MsgCacheBackupFail, row.ID, err)
			continue
		}
		if err := o.cache.SetBackupKey(ctx, row.ID, key); err != nil {
			logging.Cache("set_backup_key failed for entry %d: %v", row.ID, err)
			continue
		}
		logging.Cache(logging.MsgCacheBackupDone, row.ID)
	}
}
