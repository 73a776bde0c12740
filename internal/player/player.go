// Package player implements GuildPlayer (spec.md §4.8): the per-guild
// playback state machine — voice connection lifecycle, local play queue,
// and the "play-order-<guild>" queue-display bundle — grounded on the
// teacher's VoiceSession (7.voice.go), generalized from a package-global
// singleton-per-guild map into an explicitly constructed, injected type.
package player

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/disgoorg/snowflake/v2"

	"github.com/leeineian/kokoro/internal/chatapi"
	"github.com/leeineian/kokoro/internal/config"
	"github.com/leeineian/kokoro/internal/dispatch"
	"github.com/leeineian/kokoro/internal/logging"
	"github.com/leeineian/kokoro/internal/media"
)

// State is one of GuildPlayer's five states (spec.md §4.8).
type State int

const (
	Idle State = iota
	Joining
	Playing
	Paused
	ShuttingDown
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Joining:
		return "joining"
	case Playing:
		return "playing"
	case Paused:
		return "paused"
	case ShuttingDown:
		return "shutting_down"
	default:
		return "unknown"
	}
}

// HistoryItem is one finished-track record destined for the history queue.
type HistoryItem struct {
	GuildID  snowflake.ID
	URL      string
	Title    string
	Uploader string
	Duration time.Duration
	CacheHit bool
}

// HistoryQueue is the sink GuildPlayer pushes finished-track records to;
// satisfied by internal/history's queue adapter.
type HistoryQueue interface {
	Enqueue(item HistoryItem) error
}

var (
	ErrNotIdle    = errors.New("player: must be idle to join")
	ErrNotPlaying = errors.New("player: not currently playing")
)

// GuildPlayer is one guild's playback state machine.
type GuildPlayer struct {
	GuildID snowflake.ID

	voice      chatapi.VoiceClient
	dispatcher *dispatch.Dispatcher
	history    HistoryQueue
	cfg        config.PlayerConfig
	bundleID   string

	mu             sync.Mutex
	state          State
	voiceChannelID snowflake.ID
	textChannelID  snowflake.ID
	current        *media.Download
	queue          *playQueue
	loopCancel     context.CancelFunc
	skipCancel     context.CancelFunc
	pauseRequested bool
	pausedCond     *sync.Cond
	emptySince     time.Time
}

// New constructs a GuildPlayer, idle, with no voice connection.
func New(guildID snowflake.ID, voice chatapi.VoiceClient, dispatcher *dispatch.Dispatcher, history HistoryQueue, cfg config.PlayerConfig) *GuildPlayer {
	p := &GuildPlayer{
		GuildID:    guildID,
		voice:      voice,
		dispatcher: dispatcher,
		history:    history,
		cfg:        cfg,
		bundleID:   dispatch.BundleKey("play-order", guildID),
		queue:      newPlayQueue(cfg.QueueMaxSize),
	}
	p.pausedCond = sync.NewCond(&p.mu)
	return p
}

// State reports the current state.
func (p *GuildPlayer) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Join transitions IDLE → JOINING → PLAYING (or back to IDLE on failure),
// registers the queue-display bundle, and starts the player loop.
func (p *GuildPlayer) Join(ctx context.Context, voiceChannelID, textChannelID snowflake.ID) error {
	p.mu.Lock()
	if p.state != Idle {
		p.mu.Unlock()
		return ErrNotIdle
	}
	p.state = Joining
	p.mu.Unlock()

	if err := p.voice.Join(ctx, p.GuildID, voiceChannelID); err != nil {
		p.mu.Lock()
		p.state = Idle
		p.mu.Unlock()
		return fmt.Errorf("player: join voice: %w", err)
	}

	p.dispatcher.RegisterBundle(p.bundleID, textChannelID, p, true)

	loopCtx, cancel := context.WithCancel(context.Background())
	p.mu.Lock()
	p.voiceChannelID = voiceChannelID
	p.textChannelID = textChannelID
	p.state = Playing
	p.loopCancel = cancel
	p.mu.Unlock()

	go p.loop(loopCtx)
	p.touch()
	return nil
}

// SetTextChannel moves where status messages are dispatched.
func (p *GuildPlayer) SetTextChannel(textChannelID snowflake.ID) {
	p.mu.Lock()
	p.textChannelID = textChannelID
	p.mu.Unlock()
}

// Enqueue appends a realized download to the play queue.
func (p *GuildPlayer) Enqueue(d *media.Download) error {
	if err := p.queue.Push(d); err != nil {
		return err
	}
	p.touch()
	return nil
}

// Bump moves queue[index] to the front.
func (p *GuildPlayer) Bump(index int) bool {
	ok := p.queue.Bump(index)
	if ok {
		p.touch()
	}
	return ok
}

// Remove deletes queue[index], releasing its per-use file since it will
// never be streamed.
func (p *GuildPlayer) Remove(index int) (*media.Download, bool) {
	d, ok := p.queue.Remove(index)
	if ok {
		releasePerUse(d)
		p.touch()
	}
	return d, ok
}

// Shuffle randomly permutes the queue.
func (p *GuildPlayer) Shuffle() {
	p.queue.Shuffle()
	p.touch()
}

// Clear empties the queue, releasing every per-use file.
func (p *GuildPlayer) Clear() []*media.Download {
	items := p.queue.Clear()
	for _, d := range items {
		releasePerUse(d)
	}
	p.touch()
	return items
}

// Skip cancels the currently streaming track; the loop treats this as a
// natural end and advances to the next queued item.
func (p *GuildPlayer) Skip() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != Playing || p.skipCancel == nil {
		return ErrNotPlaying
	}
	p.skipCancel()
	return nil
}

// Pause cancels the currently streaming track, requeues it at the front
// (playback restarts from the beginning on Resume — this interface has no
// seek primitive), and blocks the loop from popping the next item.
func (p *GuildPlayer) Pause() error {
	p.mu.Lock()
	if p.state != Playing {
		p.mu.Unlock()
		return ErrNotPlaying
	}
	p.pauseRequested = true
	p.state = Paused
	cancel := p.skipCancel
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	p.touch()
	return nil
}

// Resume releases a paused loop to continue popping the play queue.
func (p *GuildPlayer) Resume() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != Paused {
		return errors.New("player: not paused")
	}
	p.state = Playing
	p.pausedCond.Broadcast()
	p.touch()
	return nil
}

// CheckEmptyChannel is polled by the orchestrator's cleanup-players loop
// with the current non-bot participant count; it reports true once the
// channel has been continuously empty past EmptyChannelTimeout.
func (p *GuildPlayer) CheckEmptyChannel(nonBotCount int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if nonBotCount > 0 {
		p.emptySince = time.Time{}
		return false
	}
	if p.emptySince.IsZero() {
		p.emptySince = time.Now()
		return false
	}
	return time.Since(p.emptySince) >= p.cfg.EmptyChannelTimeout
}

// Stop transitions to SHUTTING_DOWN: stops streaming, drains the play
// queue (releasing per-use files), closes the voice handle, unregisters
// the queue-display bundle, and emits a disconnect notice. The caller
// (the orchestrator) is responsible for removing this player from its map.
func (p *GuildPlayer) Stop(ctx context.Context) {
	p.mu.Lock()
	if p.state == ShuttingDown {
		p.mu.Unlock()
		return
	}
	p.state = ShuttingDown
	loopCancel := p.loopCancel
	skipCancel := p.skipCancel
	textChannelID := p.textChannelID
	p.pausedCond.Broadcast()
	p.mu.Unlock()

	if skipCancel != nil {
		skipCancel()
	}
	if loopCancel != nil {
		loopCancel()
	}
	p.queue.Close()
	for _, d := range p.queue.Clear() {
		releasePerUse(d)
	}

	if err := p.voice.Leave(ctx, p.GuildID); err != nil {
		logging.Player("leave failed for guild %s: %v", p.GuildID, err)
	}

	p.dispatcher.Unregister(p.bundleID)
	if textChannelID != 0 {
		p.dispatcher.EnqueueSingle(textChannelID, "Disconnected.", 0)
	}
}

func (p *GuildPlayer) loop(ctx context.Context) {
	for {
		p.mu.Lock()
		for p.state == Paused {
			p.pausedCond.Wait()
		}
		shuttingDown := p.state == ShuttingDown
		p.mu.Unlock()
		if shuttingDown {
			return
		}

		dl, err := p.queue.Pop(ctx)
		if err != nil {
			return
		}

		p.mu.Lock()
		p.current = dl
		playCtx, cancel := context.WithCancel(ctx)
		p.skipCancel = cancel
		p.mu.Unlock()
		p.touch()

		streamErr := p.voice.Stream(playCtx, p.GuildID, dl.PerUsePath)
		cancel()

		p.mu.Lock()
		wasPaused := p.pauseRequested
		p.pauseRequested = false
		p.mu.Unlock()

		if wasPaused {
			// Re-queue at the front; the top of the loop will block on
			// pausedCond before popping it again.
			p.queue.PushFront(dl)
			p.mu.Lock()
			p.current = nil
			p.mu.Unlock()
			continue
		}

		p.mu.Lock()
		shuttingDown = p.state == ShuttingDown
		p.mu.Unlock()
		if shuttingDown {
			releasePerUse(dl)
			return
		}

		if streamErr != nil {
			logging.Player("stream error in guild %s: %v", p.GuildID, streamErr)
		}
		p.finishCurrent(dl)
	}
}

func (p *GuildPlayer) finishCurrent(dl *media.Download) {
	releasePerUse(dl)
	if p.history != nil && dl.Request != nil && !dl.Request.FromHistory {
		item := HistoryItem{GuildID: p.GuildID, URL: dl.URL, Title: dl.Meta.Title, Uploader: dl.Meta.Uploader, Duration: dl.Meta.Duration, CacheHit: dl.CacheHit}
		if err := p.history.Enqueue(item); err != nil {
			logging.Player("history enqueue failed for guild %s: %v", p.GuildID, err)
		}
	}
	p.mu.Lock()
	p.current = nil
	p.mu.Unlock()
	p.touch()
}

func releasePerUse(d *media.Download) {
	if d == nil || d.PerUsePath == "" {
		return
	}
	if !d.MarkPerUseReleased() {
		return
	}
	if err := os.Remove(d.PerUsePath); err != nil && !os.IsNotExist(err) {
		logging.Player("failed to remove per-use file %s: %v", d.PerUsePath, err)
	}
}

func (p *GuildPlayer) touch() {
	p.dispatcher.Touch(p.bundleID)
}

// Render implements dispatch.Renderer: "Now playing: …" plus a
// character-budget-paginated upcoming list (spec.md §4.8's queue display).
func (p *GuildPlayer) Render() []string {
	p.mu.Lock()
	current := p.current
	state := p.state
	p.mu.Unlock()
	upcoming := p.queue.Snapshot()

	header := "Nothing is playing."
	if current != nil {
		header = fmt.Sprintf("%s Now playing: **%s** · %s", stateEmoji(state), current.Meta.Title, current.Meta.Uploader)
	}

	const pageCharLimit = 1800

	var pages []string
	var b strings.Builder
	b.WriteString(header)
	for i, d := range upcoming {
		line := fmt.Sprintf("\n%d. %s", i+1, d.Meta.Title)
		if b.Len()+len(line) > pageCharLimit {
			pages = append(pages, b.String())
			b.Reset()
			b.WriteString(fmt.Sprintf("(continued) page %d", len(pages)+1))
		}
		b.WriteString(line)
	}
	pages = append(pages, b.String())
	return pages
}

func stateEmoji(s State) string {
	switch s {
	case Paused:
		return "⏸️"
	case ShuttingDown:
		return "⏹️"
	default:
		return "🎶"
	}
}
