package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/stretchr/testify/require"

	"github.com/leeineian/kokoro/internal/cache"
	"github.com/leeineian/kokoro/internal/chatapi"
	"github.com/leeineian/kokoro/internal/config"
	"github.com/leeineian/kokoro/internal/dispatch"
	"github.com/leeineian/kokoro/internal/download"
	"github.com/leeineian/kokoro/internal/history"
	"github.com/leeineian/kokoro/internal/media"
	"github.com/leeineian/kokoro/internal/progress"
	"github.com/leeineian/kokoro/internal/search"
	"github.com/leeineian/kokoro/internal/store"
)

type fakeChatClient struct{}

func (f *fakeChatClient) Send(ctx context.Context, channelID snowflake.ID, content string) (chatapi.MessageHandle, error) {
	return chatapi.MessageHandle{ChannelID: channelID, MessageID: 1}, nil
}
func (f *fakeChatClient) Edit(ctx context.Context, handle chatapi.MessageHandle, content string) error {
	return nil
}
func (f *fakeChatClient) Delete(ctx context.Context, handle chatapi.MessageHandle) error { return nil }
func (f *fakeChatClient) RecentMessages(ctx context.Context, channelID snowflake.ID, n int) ([]chatapi.MessageHandle, error) {
	return nil, nil
}

type fakeVoiceClient struct {
	mu     sync.Mutex
	joined map[snowflake.ID]snowflake.ID
	nonBot int
}

func newFakeVoiceClient() *fakeVoiceClient {
	return &fakeVoiceClient{joined: map[snowflake.ID]snowflake.ID{}}
}

func (f *fakeVoiceClient) Join(ctx context.Context, guildID, channelID snowflake.ID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joined[guildID] = channelID
	return nil
}

func (f *fakeVoiceClient) Leave(ctx context.Context, guildID snowflake.ID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.joined, guildID)
	return nil
}

func (f *fakeVoiceClient) Stream(ctx context.Context, guildID snowflake.ID, path string) error {
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeVoiceClient) NonBotParticipants(guildID snowflake.ID) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonBot, nil
}

func (f *fakeVoiceClient) setNonBot(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nonBot = n
}

func testConfig() *config.Config {
	return &config.Config{
		Queue: config.QueueConfig{
			PerPartitionCapacity:  10,
			DownloadQueueCapacity: 10,
			SearchQueueCapacity:   10,
		},
		Backoff:  config.BackoffConfig{BaseWait: 10 * time.Millisecond, MaxSize: 10, MaxAge: time.Minute},
		Cache:    config.CacheConfig{Enabled: false},
		Progress: config.ProgressConfig{PageCharLimit: 500},
		Player:   config.PlayerConfig{QueueMaxSize: 10, EmptyChannelTimeout: 50 * time.Millisecond},
	}
}

func newTestOrchestrator(t *testing.T, retries int) (*Orchestrator, *fakeVoiceClient) {
	t.Helper()
	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "kokoro.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	c, err := cache.New(st, filepath.Join(t.TempDir(), "cache"), 100, 100)
	require.NoError(t, err)

	voice := newFakeVoiceClient()
	chat := &fakeChatClient{}
	d := dispatch.New(chat, 5)
	resolver := search.New(nil, nil)
	downloader := download.New(c, download.Options{WorkDir: t.TempDir(), PerCallTimeout: time.Second, Retries: retries})
	hist := history.New(st, config.HistoryConfig{PlaylistMaxItems: 100}, 10)

	o := New(testConfig(), st, c, chat, voice, d, resolver, downloader, hist, nil)
	return o, voice
}

func registerTestBundle(o *Orchestrator, req *media.Request) *progress.Bundle {
	b := progress.New(req.GuildID, req.ChannelID, req.RawSearch, 500)
	_ = b.AddRequest(req, media.Queued)
	b.Freeze()
	req.BundleID = b.ID
	o.mu.Lock()
	o.bundles[b.ID] = b
	o.mu.Unlock()
	return b
}

func TestRouteRequestFreeTextGoesToSearchQueue(t *testing.T) {
	o, _ := newTestOrchestrator(t, 2)
	guildID := snowflake.ID(1)
	req := media.NewRequest(guildID, snowflake.ID(2), snowflake.ID(3), "alice", "some great song", media.FreeText)

	o.routeRequest(req)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := o.searchQueue.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, req.ID, got.ID)
}

func TestRouteRequestDirectURLGoesToDownloadQueue(t *testing.T) {
	o, _ := newTestOrchestrator(t, 2)
	guildID := snowflake.ID(1)
	req := media.NewRequest(guildID, snowflake.ID(2), snowflake.ID(3), "alice", "https://example.com/a.mp3", media.DirectURL)

	o.routeRequest(req)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	item, err := o.downloadQueue.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, req.ID, item.Request.ID)
	require.Equal(t, req.ResolvedSearch, item.URL)
	require.Equal(t, guildID, item.Target.guildID)
	require.False(t, item.Target.isPlaylist)
}

func TestHandleDownloadFailureTerminalRecordsSentinelAndFailsBundle(t *testing.T) {
	o, _ := newTestOrchestrator(t, 2)
	guildID := snowflake.ID(1)
	req := media.NewRequest(guildID, snowflake.ID(2), snowflake.ID(3), "alice", "bad video", media.VideoURL)
	req.ResolvedSearch = "https://example.com/private"
	bundle := registerTestBundle(o, req)

	item := downloadItem{Request: req, URL: req.ResolvedSearch, Target: targetPlayer(guildID)}
	derr := &download.Error{Classification: download.ClassTerminal, FailureKind: media.FailurePrivate, Err: errors.New("private video")}

	o.handleDownloadFailure(context.Background(), item, derr)

	entry, found, err := o.cache.Lookup(context.Background(), req.ResolvedSearch)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, media.FailurePrivate, entry.FailureKind)

	_, _, failed, _ := bundle.Counts()
	require.Equal(t, 1, failed)
}

func TestHandleDownloadFailureRetryableRequeuesWithBackoff(t *testing.T) {
	o, _ := newTestOrchestrator(t, 3)
	guildID := snowflake.ID(1)
	req := media.NewRequest(guildID, snowflake.ID(2), snowflake.ID(3), "alice", "flaky video", media.VideoURL)
	req.ResolvedSearch = "https://example.com/flaky"
	bundle := registerTestBundle(o, req)

	item := downloadItem{Request: req, URL: req.ResolvedSearch, Target: targetPlayer(guildID)}
	derr := &download.Error{Classification: download.ClassRetryable, Err: errors.New("timed out")}

	o.handleDownloadFailure(context.Background(), item, derr)

	require.Equal(t, 1, req.RetryCount)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	requeued, err := o.downloadQueue.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, req.ID, requeued.Request.ID)

	total, completed, failed, discarded := bundle.Counts()
	require.Equal(t, 1, total)
	require.Equal(t, 0, completed+failed+discarded)
}

func TestHandleDownloadFailureRetriesExhaustedFailsBundle(t *testing.T) {
	o, _ := newTestOrchestrator(t, 2)
	guildID := snowflake.ID(1)
	req := media.NewRequest(guildID, snowflake.ID(2), snowflake.ID(3), "alice", "always flaky", media.VideoURL)
	req.ResolvedSearch = "https://example.com/always-flaky"
	req.RetryCount = 1
	bundle := registerTestBundle(o, req)

	item := downloadItem{Request: req, URL: req.ResolvedSearch, Target: targetPlayer(guildID)}
	derr := &download.Error{Classification: download.ClassRetryable, Err: errors.New("timed out")}

	o.handleDownloadFailure(context.Background(), item, derr)

	require.Equal(t, 0, o.downloadQueue.Size(guildID))
	_, _, failed, _ := bundle.Counts()
	require.Equal(t, 1, failed)
}

func TestDeliverDownloadDiscardsWhenTargetPlayerIsGone(t *testing.T) {
	o, _ := newTestOrchestrator(t, 2)
	guildID := snowflake.ID(1)
	req := media.NewRequest(guildID, snowflake.ID(2), snowflake.ID(3), "alice", "https://example.com/a.mp3", media.DirectURL)
	bundle := registerTestBundle(o, req)

	item := downloadItem{Request: req, URL: req.ResolvedSearch, Target: targetPlayer(guildID)}
	dl := &media.Download{Request: req, URL: req.ResolvedSearch, PerUsePath: filepath.Join(t.TempDir(), "missing.opus"), Meta: media.Metadata{Title: "A"}}

	o.deliverDownload(context.Background(), item, dl)

	_, _, _, discarded := bundle.Counts()
	require.Equal(t, 1, discarded)
}

func TestDeliverDownloadToPlaylistAppendsAndCompletesBundle(t *testing.T) {
	o, _ := newTestOrchestrator(t, 2)
	guildID := snowflake.ID(1)
	playlistID, err := o.store.CreatePlaylist(context.Background(), guildID.String(), "favorites")
	require.NoError(t, err)

	req := media.NewRequest(guildID, snowflake.ID(2), snowflake.ID(3), "alice", "https://example.com/a.mp3", media.DirectURL)
	bundle := registerTestBundle(o, req)

	item := downloadItem{Request: req, URL: req.ResolvedSearch, Target: targetPlaylist(guildID, playlistID)}
	dl := &media.Download{Request: req, URL: req.ResolvedSearch, Meta: media.Metadata{Title: "Saved Song"}}

	o.deliverDownload(context.Background(), item, dl)

	items, err := o.store.ListPlaylistItems(context.Background(), playlistID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, "Saved Song", items[0].Title)

	_, completed, _, _ := bundle.Counts()
	require.Equal(t, 1, completed)
}

func TestRandomPlayQueuesFromHistoryByDefault(t *testing.T) {
	o, _ := newTestOrchestrator(t, 2)
	guildID := snowflake.ID(1)
	ctx := context.Background()

	hist, err := o.store.GetOrCreateHistoryPlaylist(ctx, guildID.String())
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := o.store.AppendPlaylistItem(ctx, hist.ID, "https://example.com/h"+string(rune('a'+i)), "Track")
		require.NoError(t, err)
	}

	bundle, err := o.RandomPlay(ctx, guildID, snowflake.ID(2), snowflake.ID(3), snowflake.ID(4), "alice", false)
	require.NoError(t, err)
	total, _, _, _ := bundle.Counts()
	require.Equal(t, 3, total)
}

func TestRandomPlayQueuesFromCacheWhenRequested(t *testing.T) {
	o, _ := newTestOrchestrator(t, 2)
	guildID := snowflake.ID(1)
	ctx := context.Background()

	_, err := o.store.UpsertVideoCache(ctx, "https://example.com/c1", "/cache/c1", "Cached", "U", time.Minute)
	require.NoError(t, err)

	bundle, err := o.RandomPlay(ctx, guildID, snowflake.ID(2), snowflake.ID(3), snowflake.ID(4), "alice", true)
	require.NoError(t, err)
	total, _, _, _ := bundle.Counts()
	require.Equal(t, 1, total)
}

func TestRandomPlayErrorsWhenCachePoolEmpty(t *testing.T) {
	o, _ := newTestOrchestrator(t, 2)
	guildID := snowflake.ID(1)

	_, err := o.RandomPlay(context.Background(), guildID, snowflake.ID(2), snowflake.ID(3), snowflake.ID(4), "alice", true)
	require.Error(t, err)
}

func TestSweepEmptyPlayersTearsDownAfterSustainedAbsence(t *testing.T) {
	o, voice := newTestOrchestrator(t, 2)
	guildID := snowflake.ID(1)
	p := o.getOrCreatePlayer(guildID)
	require.NoError(t, p.Join(context.Background(), snowflake.ID(2), snowflake.ID(3)))
	voice.setNonBot(0)

	o.sweepEmptyPlayers(context.Background())
	require.NotNil(t, o.getPlayer(guildID))

	time.Sleep(60 * time.Millisecond)
	o.sweepEmptyPlayers(context.Background())
	require.Nil(t, o.getPlayer(guildID))
}
