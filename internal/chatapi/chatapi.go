// Package chatapi is the external-collaborator contract boundary: every
// other internal package talks to the chat platform only through these
// interfaces, never through a platform SDK type directly. The chat
// platform client library itself is out of scope for the core; only
// internal/discordadapter is allowed to import it.
package chatapi

import (
	"context"

	"github.com/disgoorg/snowflake/v2"
)

// MessageHandle identifies one sent chat message for later edit/delete.
type MessageHandle struct {
	ChannelID snowflake.ID
	MessageID snowflake.ID
}

// Command is a normalized incoming user command, already stripped of any
// platform-specific interaction envelope.
type Command struct {
	Name        string
	GuildID     snowflake.ID
	ChannelID   snowflake.ID
	UserID      snowflake.ID
	UserName    string
	Args        map[string]string
}

// ChatClient is the subset of chat-platform operations the core needs to
// drive MessageDispatcher and command handling.
type ChatClient interface {
	// Send posts content to channelID and returns a handle to it.
	Send(ctx context.Context, channelID snowflake.ID, content string) (MessageHandle, error)
	// Edit rewrites an existing message's content. Implementations must
	// treat a 404-class error as success (the caller forgets the handle).
	Edit(ctx context.Context, handle MessageHandle, content string) error
	// Delete removes a message. 404-class errors are not reported as errors.
	Delete(ctx context.Context, handle MessageHandle) error
	// RecentMessages returns up to n of the most recent messages in
	// channelID, newest first, for sticky-bundle re-anchoring checks.
	RecentMessages(ctx context.Context, channelID snowflake.ID, n int) ([]MessageHandle, error)
}

// VoiceClient is the subset of voice-connection operations GuildPlayer needs.
type VoiceClient interface {
	Join(ctx context.Context, guildID, channelID snowflake.ID) error
	Leave(ctx context.Context, guildID snowflake.ID) error
	// Stream plays the file at path on guildID's voice connection,
	// blocking until playback ends or ctx is cancelled; callers skip a
	// track by cancelling ctx.
	Stream(ctx context.Context, guildID snowflake.ID, path string) error
	// NonBotParticipants reports how many non-bot members currently
	// occupy the voice channel the guild's connection is joined to.
	NonBotParticipants(guildID snowflake.ID) (int, error)
}
