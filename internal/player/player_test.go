package player

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/stretchr/testify/require"

	"github.com/leeineian/kokoro/internal/chatapi"
	"github.com/leeineian/kokoro/internal/config"
	"github.com/leeineian/kokoro/internal/dispatch"
	"github.com/leeineian/kokoro/internal/media"
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

// fakeVoiceClient.Stream blocks until ctx is cancelled, then reports the
// cancellation cause as its error — standing in for a real Discord voice
// connection without needing a live gateway or astiav.
type fakeVoiceClient struct {
	mu       sync.Mutex
	joined   map[snowflake.ID]snowflake.ID
	streamed []string
	nonBot   int
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
	f.mu.Lock()
	f.streamed = append(f.streamed, path)
	f.mu.Unlock()
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeVoiceClient) NonBotParticipants(guildID snowflake.ID) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonBot, nil
}

type fakeHistoryQueue struct {
	mu    sync.Mutex
	items []HistoryItem
}

func (h *fakeHistoryQueue) Enqueue(item HistoryItem) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.items = append(h.items, item)
	return nil
}

func (h *fakeHistoryQueue) len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.items)
}

func testPlayer(t *testing.T) (*GuildPlayer, *fakeVoiceClient, *fakeHistoryQueue) {
	t.Helper()
	voice := newFakeVoiceClient()
	hist := &fakeHistoryQueue{}
	d := dispatch.New(&fakeChatClient{}, 5)
	cfg := config.PlayerConfig{QueueMaxSize: 10, EmptyChannelTimeout: 50 * time.Millisecond}
	p := New(snowflake.ID(1), voice, d, hist, cfg)
	return p, voice, hist
}

func download(title string) *media.Download {
	return &media.Download{
		Request:    &media.Request{},
		URL:        "https://example.com/" + title,
		PerUsePath: "/tmp/" + title + ".opus",
		Meta:       media.Metadata{Title: title},
	}
}

func TestJoinTransitionsIdleToPlaying(t *testing.T) {
	p, voice, _ := testPlayer(t)
	require.Equal(t, Idle, p.State())
	require.NoError(t, p.Join(context.Background(), snowflake.ID(2), snowflake.ID(3)))
	require.Equal(t, Playing, p.State())
	require.Equal(t, snowflake.ID(2), voice.joined[p.GuildID])
}

func TestJoinFailsWhenNotIdle(t *testing.T) {
	p, _, _ := testPlayer(t)
	require.NoError(t, p.Join(context.Background(), snowflake.ID(2), snowflake.ID(3)))
	require.ErrorIs(t, p.Join(context.Background(), snowflake.ID(2), snowflake.ID(3)), ErrNotIdle)
}

func TestSkipAdvancesToNextTrack(t *testing.T) {
	p, voice, _ := testPlayer(t)
	require.NoError(t, p.Join(context.Background(), snowflake.ID(2), snowflake.ID(3)))
	require.NoError(t, p.Enqueue(download("one")))
	require.NoError(t, p.Enqueue(download("two")))

	require.Eventually(t, func() bool {
		voice.mu.Lock()
		defer voice.mu.Unlock()
		return len(voice.streamed) == 1
	}, time.Second, time.Millisecond)

	require.NoError(t, p.Skip())

	require.Eventually(t, func() bool {
		voice.mu.Lock()
		defer voice.mu.Unlock()
		return len(voice.streamed) == 2
	}, time.Second, time.Millisecond)
}

func TestFinishedTrackNotifiesHistoryUnlessFromHistory(t *testing.T) {
	p, voice, hist := testPlayer(t)
	require.NoError(t, p.Join(context.Background(), snowflake.ID(2), snowflake.ID(3)))

	fromHistory := download("replay")
	fromHistory.Request.FromHistory = true
	require.NoError(t, p.Enqueue(fromHistory))

	require.Eventually(t, func() bool {
		voice.mu.Lock()
		defer voice.mu.Unlock()
		return len(voice.streamed) == 1
	}, time.Second, time.Millisecond)
	require.NoError(t, p.Skip())

	require.NoError(t, p.Enqueue(download("fresh")))
	require.Eventually(t, func() bool {
		voice.mu.Lock()
		defer voice.mu.Unlock()
		return len(voice.streamed) == 2
	}, time.Second, time.Millisecond)
	require.NoError(t, p.Skip())

	require.Eventually(t, func() bool { return hist.len() == 1 }, time.Second, time.Millisecond)
	require.Equal(t, "fresh", hist.items[0].Title)
}

func TestPauseRequeuesCurrentTrackAtFront(t *testing.T) {
	p, voice, _ := testPlayer(t)
	require.NoError(t, p.Join(context.Background(), snowflake.ID(2), snowflake.ID(3)))
	require.NoError(t, p.Enqueue(download("only")))

	require.Eventually(t, func() bool {
		voice.mu.Lock()
		defer voice.mu.Unlock()
		return len(voice.streamed) == 1
	}, time.Second, time.Millisecond)

	require.NoError(t, p.Pause())
	require.Equal(t, Paused, p.State())

	var snap []*media.Download
	require.Eventually(t, func() bool {
		snap = p.queue.Snapshot()
		return len(snap) == 1
	}, time.Second, time.Millisecond)
	require.Equal(t, "only", snap[0].Meta.Title)

	require.NoError(t, p.Resume())
	require.Eventually(t, func() bool {
		voice.mu.Lock()
		defer voice.mu.Unlock()
		return len(voice.streamed) == 2
	}, time.Second, time.Millisecond)
}

func TestRemoveReleasesPerUseFile(t *testing.T) {
	p, _, _ := testPlayer(t)
	d := download("never-played")
	require.NoError(t, p.queue.Push(d))

	removed, ok := p.Remove(0)
	require.True(t, ok)
	require.Same(t, d, removed)
	require.True(t, d.MarkPerUseReleased() == false) // already released by Remove
}

func TestCheckEmptyChannelRequiresSustainedAbsence(t *testing.T) {
	p, _, _ := testPlayer(t)
	require.False(t, p.CheckEmptyChannel(0))
	require.False(t, p.CheckEmptyChannel(0))
	time.Sleep(60 * time.Millisecond)
	require.True(t, p.CheckEmptyChannel(0))

	require.False(t, p.CheckEmptyChannel(1))
}

func TestStopDrainsQueueAndLeavesVoice(t *testing.T) {
	p, voice, _ := testPlayer(t)
	require.NoError(t, p.Join(context.Background(), snowflake.ID(2), snowflake.ID(3)))
	require.NoError(t, p.Enqueue(download("queued")))

	p.Stop(context.Background())
	require.Equal(t, ShuttingDown, p.State())
	_, stillJoined := voice.joined[p.GuildID]
	require.False(t, stillJoined)
	require.Empty(t, p.queue.Snapshot())
}
