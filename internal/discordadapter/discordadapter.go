// Package discordadapter is the only package allowed to import disgo —
// it implements chatapi.ChatClient/VoiceClient against a live disgo
// *bot.Client, following the teacher's CreateClient (3.loader.go) for
// gateway/cache setup. Message send/edit/delete use plain-content REST
// calls; 5.utility.go's Components V2 helpers are not used.
package discordadapter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/disgoorg/disgo"
	"github.com/disgoorg/disgo/bot"
	"github.com/disgoorg/disgo/cache"
	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/gateway"
	"github.com/disgoorg/disgo/rest"
	"github.com/disgoorg/disgo/voice"
	"github.com/disgoorg/snowflake/v2"

	"github.com/leeineian/kokoro/internal/chatapi"
	"github.com/leeineian/kokoro/internal/logging"
	"github.com/leeineian/kokoro/internal/transcode"
)

// NewClient builds a disgo client configured the way the teacher's
// CreateClient does: gateway intents for guild/voice state tracking, a
// tuned REST HTTP transport, and the member/voice-state caches
// NonBotParticipants needs.
func NewClient(token string, listeners ...bot.EventListener) (*bot.Client, error) {
	opts := []bot.ConfigOpt{
		bot.WithGatewayConfigOpts(
			gateway.WithIntents(
				gateway.IntentGuilds,
				gateway.IntentGuildMessages,
				gateway.IntentGuildMembers,
				gateway.IntentMessageContent,
				gateway.IntentGuildVoiceStates,
			),
		),
		bot.WithCacheConfigOpts(
			cache.WithCaches(cache.FlagGuilds, cache.FlagMembers, cache.FlagVoiceStates, cache.FlagChannels),
		),
		bot.WithRestClientConfigOpts(
			rest.WithHTTPClient(&http.Client{
				Timeout: 60 * time.Second,
				Transport: &http.Transport{
					MaxIdleConns:        1000,
					MaxIdleConnsPerHost: 500,
					IdleConnTimeout:     90 * time.Second,
				},
			}),
		),
	}
	for _, l := range listeners {
		opts = append(opts, bot.WithEventListeners(l))
	}
	return disgo.New(token, opts...)
}

type voiceConn struct {
	conn      voice.Conn
	channelID snowflake.ID
	provider  *frameProvider
}

// Adapter implements chatapi.ChatClient and chatapi.VoiceClient against a
// live disgo client.
type Adapter struct {
	client *bot.Client
	mu     sync.Mutex
	conns  map[snowflake.ID]*voiceConn
}

// New wraps client.
func New(client *bot.Client) *Adapter {
	return &Adapter{client: client, conns: map[snowflake.ID]*voiceConn{}}
}

var _ chatapi.ChatClient = (*Adapter)(nil)
var _ chatapi.VoiceClient = (*Adapter)(nil)

func (a *Adapter) Send(ctx context.Context, channelID snowflake.ID, content string) (chatapi.MessageHandle, error) {
	msg, err := a.client.Rest.CreateMessage(channelID, discord.NewMessageCreateBuilder().SetContent(content).Build())
	if err != nil {
		return chatapi.MessageHandle{}, err
	}
	return chatapi.MessageHandle{ChannelID: channelID, MessageID: msg.ID}, nil
}

func (a *Adapter) Edit(ctx context.Context, handle chatapi.MessageHandle, content string) error {
	_, err := a.client.Rest.UpdateMessage(handle.ChannelID, handle.MessageID,
		discord.MessageUpdate{Content: &content})
	if isNotFound(err) {
		return nil
	}
	return err
}

func (a *Adapter) Delete(ctx context.Context, handle chatapi.MessageHandle) error {
	err := a.client.Rest.DeleteMessage(handle.ChannelID, handle.MessageID)
	if isNotFound(err) {
		return nil
	}
	return err
}

func (a *Adapter) RecentMessages(ctx context.Context, channelID snowflake.ID, n int) ([]chatapi.MessageHandle, error) {
	msgs, err := a.client.Rest.GetMessages(channelID, 0, 0, 0, n)
	if err != nil {
		return nil, err
	}
	out := make([]chatapi.MessageHandle, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, chatapi.MessageHandle{ChannelID: channelID, MessageID: m.ID})
	}
	return out, nil
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	var restErr rest.Error
	if errors.As(err, &restErr) {
		return restErr.Response != nil && restErr.Response.StatusCode == http.StatusNotFound
	}
	return false
}

func (a *Adapter) Join(ctx context.Context, guildID, channelID snowflake.ID) error {
	conn := a.client.VoiceManager.CreateConn(guildID)
	if err := conn.Open(ctx, channelID, false, false); err != nil {
		return fmt.Errorf("discordadapter: join: %w", err)
	}
	a.mu.Lock()
	a.conns[guildID] = &voiceConn{conn: conn, channelID: channelID}
	a.mu.Unlock()
	return nil
}

func (a *Adapter) Leave(ctx context.Context, guildID snowflake.ID) error {
	a.mu.Lock()
	vc, ok := a.conns[guildID]
	if ok {
		delete(a.conns, guildID)
	}
	a.mu.Unlock()
	if !ok {
		return nil
	}
	vc.conn.Close(ctx)
	return nil
}

// Stream decodes path to Opus with the transcode package and pumps the
// result through the guild's voice connection, following the teacher's
// streamCommon/AstiavTranscoder (7.voice.go), blocking until EOF or ctx
// cancellation.
func (a *Adapter) Stream(ctx context.Context, guildID snowflake.ID, path string) error {
	a.mu.Lock()
	vc, ok := a.conns[guildID]
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("discordadapter: guild %s has no open voice connection", guildID)
	}

	p := newFrameProvider()
	vc.conn.SetOpusFrameProvider(p)
	vc.conn.SetSpeaking(ctx, voice.SpeakingFlagMicrophone)
	defer func() {
		vc.conn.SetOpusFrameProvider(nil)
		vc.conn.SetSpeaking(context.Background(), 0)
	}()

	t := transcode.New()
	defer t.Close()
	if err := t.OpenInput(path); err != nil {
		return fmt.Errorf("discordadapter: open input: %w", err)
	}
	if err := t.SetupDecoder(); err != nil {
		return fmt.Errorf("discordadapter: setup decoder: %w", err)
	}
	if err := t.SetupEncoder(); err != nil {
		return fmt.Errorf("discordadapter: setup encoder: %w", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- t.Transcode(ctx, p.push)
	}()

	logging.Player("streaming %s in guild %s", path, guildID)
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		<-done
		return ctx.Err()
	}
}

func (a *Adapter) NonBotParticipants(guildID snowflake.ID) (int, error) {
	a.mu.Lock()
	vc, ok := a.conns[guildID]
	a.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("discordadapter: guild %s has no open voice connection", guildID)
	}
	count := 0
	for state := range a.client.Caches.VoiceStates(guildID) {
		if state.ChannelID == nil || *state.ChannelID != vc.channelID {
			continue
		}
		if state.UserID == a.client.ID() {
			continue
		}
		if m, ok := a.client.Caches.Member(guildID, state.UserID); !ok || !m.User.Bot {
			count++
		}
	}
	return count, nil
}

// frameProvider adapts a push-driven Opus frame stream into disgo's
// voice.OpusFrameProvider, following the teacher's StreamProvider
// (7.voice.go): a buffered channel fed by the transcoder goroutine and
// drained by the voice gateway's send loop, with silence returned while
// the channel is momentarily empty rather than blocking the gateway.
type frameProvider struct {
	frames chan []byte
	once   sync.Once
	closed chan struct{}
}

func newFrameProvider() *frameProvider {
	return &frameProvider{frames: make(chan []byte, 100), closed: make(chan struct{})}
}

func (p *frameProvider) push(f []byte) {
	select {
	case p.frames <- f:
	case <-p.closed:
	}
}

func (p *frameProvider) ProvideOpusFrame() ([]byte, error) {
	select {
	case f := <-p.frames:
		if f == nil {
			p.once.Do(func() { close(p.closed) })
			return nil, io.EOF
		}
		return f, nil
	case <-time.After(100 * time.Millisecond):
		return nil, nil
	}
}
