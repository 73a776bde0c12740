// Package commands exposes the music pipeline's full command surface as
// disgo slash commands dispatched against an Orchestrator. Grounded on
// 7.voice.go's single grouped SlashCommandCreate ("voice") with subcommand
// options and 5.session.go's subcommand-name switch dispatch, generalized
// into two commands ("music", "playlist") against an injected Orchestrator
// instead of package-global state.
package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/events"
	"github.com/disgoorg/snowflake/v2"

	"github.com/leeineian/kokoro/internal/logging"
	"github.com/leeineian/kokoro/internal/orchestrator"
)

// Specs is every slash command the process should register on startup.
func Specs() []discord.ApplicationCommandCreate {
	return []discord.ApplicationCommandCreate{musicCommand, playlistCommand}
}

var musicCommand = discord.SlashCommandCreate{
	Name:        "music",
	Description: "Music playback controls",
	Options: []discord.ApplicationCommandOption{
		discord.ApplicationCommandOptionSubCommand{
			Name:        "play",
			Description: "Queue a song, direct URL, or video-site playlist",
			Options: []discord.ApplicationCommandOption{
				discord.ApplicationCommandOptionString{
					Name:        "query",
					Description: "URL or search text",
					Required:    true,
				},
			},
		},
		discord.ApplicationCommandOptionSubCommand{Name: "skip", Description: "Skip the current track"},
		discord.ApplicationCommandOptionSubCommand{Name: "pause", Description: "Pause playback"},
		discord.ApplicationCommandOptionSubCommand{Name: "resume", Description: "Resume playback"},
		discord.ApplicationCommandOptionSubCommand{Name: "stop", Description: "Stop playback and disconnect"},
		discord.ApplicationCommandOptionSubCommand{Name: "queue", Description: "Show the current queue"},
		discord.ApplicationCommandOptionSubCommand{Name: "history", Description: "Show this server's play history"},
		discord.ApplicationCommandOptionSubCommand{Name: "shuffle", Description: "Shuffle the queue"},
		discord.ApplicationCommandOptionSubCommand{
			Name:        "bump",
			Description: "Move a queued track to the front",
			Options: []discord.ApplicationCommandOption{
				discord.ApplicationCommandOptionInt{Name: "index", Description: "1-based queue position", Required: true},
			},
		},
		discord.ApplicationCommandOptionSubCommand{
			Name:        "remove",
			Description: "Remove a track from the queue",
			Options: []discord.ApplicationCommandOption{
				discord.ApplicationCommandOptionInt{Name: "index", Description: "1-based queue position", Required: true},
			},
		},
		discord.ApplicationCommandOptionSubCommand{
			Name:        "move-messages",
			Description: "Move the player's progress messages to this channel",
		},
		discord.ApplicationCommandOptionSubCommand{
			Name:        "random-play",
			Description: "Queue a batch of shuffled tracks from this server's history, or the global cache",
			Options: []discord.ApplicationCommandOption{
				discord.ApplicationCommandOptionBool{Name: "cache", Description: "Sample from the global cache pool instead of history", Required: false},
			},
		},
	},
}

var playlistCommand = discord.SlashCommandCreate{
	Name:        "playlist",
	Description: "Saved playlists",
	Options: []discord.ApplicationCommandOption{
		discord.ApplicationCommandOptionSubCommand{
			Name:        "create",
			Description: "Create a new playlist",
			Options: []discord.ApplicationCommandOption{
				discord.ApplicationCommandOptionString{Name: "name", Description: "Playlist name", Required: true},
			},
		},
		discord.ApplicationCommandOptionSubCommand{Name: "list", Description: "List this server's playlists"},
		discord.ApplicationCommandOptionSubCommand{
			Name:        "delete",
			Description: "Delete a playlist",
			Options: []discord.ApplicationCommandOption{
				discord.ApplicationCommandOptionString{Name: "name", Description: "Playlist name", Required: true},
			},
		},
		discord.ApplicationCommandOptionSubCommand{
			Name:        "rename",
			Description: "Rename a playlist",
			Options: []discord.ApplicationCommandOption{
				discord.ApplicationCommandOptionString{Name: "name", Description: "Current name", Required: true},
				discord.ApplicationCommandOptionString{Name: "new_name", Description: "New name", Required: true},
			},
		},
		discord.ApplicationCommandOptionSubCommand{
			Name:        "view",
			Description: "List a playlist's tracks",
			Options: []discord.ApplicationCommandOption{
				discord.ApplicationCommandOptionString{Name: "name", Description: "Playlist name", Required: true},
			},
		},
		discord.ApplicationCommandOptionSubCommand{
			Name:        "add",
			Description: "Add a song to a playlist",
			Options: []discord.ApplicationCommandOption{
				discord.ApplicationCommandOptionString{Name: "name", Description: "Playlist name", Required: true},
				discord.ApplicationCommandOptionString{Name: "query", Description: "URL or search text", Required: true},
			},
		},
		discord.ApplicationCommandOptionSubCommand{
			Name:        "remove-item",
			Description: "Remove a track from a playlist",
			Options: []discord.ApplicationCommandOption{
				discord.ApplicationCommandOptionString{Name: "name", Description: "Playlist name", Required: true},
				discord.ApplicationCommandOptionInt{Name: "index", Description: "1-based track position", Required: true},
			},
		},
		discord.ApplicationCommandOptionSubCommand{
			Name:        "queue",
			Description: "Queue an entire playlist for playback",
			Options: []discord.ApplicationCommandOption{
				discord.ApplicationCommandOptionString{Name: "name", Description: "Playlist name", Required: true},
			},
		},
		discord.ApplicationCommandOptionSubCommand{
			Name:        "random-play",
			Description: "Play one random track from a playlist",
			Options: []discord.ApplicationCommandOption{
				discord.ApplicationCommandOptionString{Name: "name", Description: "Playlist name", Required: true},
			},
		},
	},
}

// Handler dispatches slash command interactions against orch.
type Handler struct {
	orch *orchestrator.Orchestrator
}

// New builds a Handler bound to orch.
func New(orch *orchestrator.Orchestrator) *Handler {
	return &Handler{orch: orch}
}

// OnApplicationCommandInteraction is the bot.EventListenerFunc to register
// against the disgo client.
func (h *Handler) OnApplicationCommandInteraction(event *events.ApplicationCommandInteractionCreate) {
	data := event.SlashCommandInteractionData()
	if data.SubCommandName == nil {
		return
	}
	switch data.CommandName() {
	case "music":
		h.handleMusic(event, data)
	case "playlist":
		h.handlePlaylist(event, data)
	}
}

func reply(event *events.ApplicationCommandInteractionCreate, content string) {
	_ = event.CreateMessage(discord.MessageCreate{Content: content, Flags: discord.MessageFlagEphemeral})
}

func requesterVoiceChannel(event *events.ApplicationCommandInteractionCreate) (snowflake.ID, error) {
	guildID := event.GuildID()
	if guildID == nil {
		return 0, fmt.Errorf("commands: not in a server")
	}
	vs, ok := event.Client().Caches.VoiceState(*guildID, event.User().ID)
	if !ok || vs.ChannelID == nil {
		return 0, fmt.Errorf("commands: join a voice channel first")
	}
	return *vs.ChannelID, nil
}

func (h *Handler) handleMusic(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData) {
	guildID := event.GuildID()
	if guildID == nil {
		reply(event, "This command can only be used in a server.")
		return
	}

	switch *data.SubCommandName {
	case "play":
		h.handlePlay(event, data, *guildID)
	case "skip":
		if err := h.orch.Skip(*guildID); err != nil {
			reply(event, "Skip failed: "+err.Error())
			return
		}
		reply(event, "Skipped.")
	case "pause":
		if err := h.orch.Pause(*guildID); err != nil {
			reply(event, "Pause failed: "+err.Error())
			return
		}
		reply(event, "Paused.")
	case "resume":
		if err := h.orch.Resume(*guildID); err != nil {
			reply(event, "Resume failed: "+err.Error())
			return
		}
		reply(event, "Resumed.")
	case "stop":
		if err := h.orch.Stop(context.Background(), *guildID); err != nil {
			reply(event, "Stop failed: "+err.Error())
			return
		}
		reply(event, "Stopped and disconnected.")
	case "queue":
		rows, err := h.orch.QueueView(*guildID)
		if err != nil {
			reply(event, "Nothing is playing.")
			return
		}
		if len(rows) == 0 {
			reply(event, "The queue is empty.")
			return
		}
		reply(event, rows[0])
	case "history":
		summary, err := h.orch.History(context.Background(), *guildID)
		if err != nil {
			reply(event, "Couldn't load history: "+err.Error())
			return
		}
		reply(event, fmt.Sprintf("Played %d tracks totalling %s (%d from cache).",
			summary.TotalPlays, (time.Duration(summary.TotalDurationS)*time.Second).String(), summary.CachedPlays))
	case "shuffle":
		if err := h.orch.Shuffle(*guildID); err != nil {
			reply(event, "Shuffle failed: "+err.Error())
			return
		}
		reply(event, "Shuffled the queue.")
	case "bump":
		index := int(data.Int("index"))
		if err := h.orch.Bump(*guildID, index-1); err != nil {
			reply(event, "Bump failed: "+err.Error())
			return
		}
		reply(event, "Moved to the front of the queue.")
	case "remove":
		index := int(data.Int("index"))
		if err := h.orch.Remove(*guildID, index-1); err != nil {
			reply(event, "Remove failed: "+err.Error())
			return
		}
		reply(event, "Removed from the queue.")
	case "move-messages":
		if err := h.orch.MoveMessages(*guildID, event.Channel().ID()); err != nil {
			reply(event, "Move failed: "+err.Error())
			return
		}
		reply(event, "Moved progress messages to this channel.")
	case "random-play":
		fromCache := data.Bool("cache")
		voiceChannelID, err := requesterVoiceChannel(event)
		if err != nil {
			reply(event, err.Error())
			return
		}
		_ = event.DeferCreateMessage(false)
		_, err = h.orch.RandomPlay(context.Background(), *guildID, event.Channel().ID(), event.User().ID, voiceChannelID, event.User().Username, fromCache)
		content := "Queued a random batch."
		if fromCache {
			content = "Queued a random batch from the cache."
		}
		if err != nil {
			content = "Couldn't queue that: " + err.Error()
		}
		_, _ = event.Client().Rest.UpdateInteractionResponse(event.ApplicationID(), event.Token(),
			discord.MessageUpdate{Content: &content})
	default:
		logging.Orchestrator("unknown music subcommand: %s", *data.SubCommandName)
	}
}

func (h *Handler) handlePlay(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData, guildID snowflake.ID) {
	query := data.String("query")
	voiceChannelID, err := requesterVoiceChannel(event)
	if err != nil {
		reply(event, err.Error())
		return
	}

	_ = event.DeferCreateMessage(false)
	_, err = h.orch.HandlePlay(context.Background(), guildID, event.Channel().ID(), event.User().ID, voiceChannelID, event.User().Username, query)
	content := fmt.Sprintf("Queued %q.", query)
	if err != nil {
		content = "Couldn't queue that: " + err.Error()
	}
	_, _ = event.Client().Rest.UpdateInteractionResponse(event.ApplicationID(), event.Token(),
		discord.MessageUpdate{Content: &content})
}

func (h *Handler) handlePlaylist(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData) {
	guildID := event.GuildID()
	if guildID == nil {
		reply(event, "This command can only be used in a server.")
		return
	}
	ctx := context.Background()

	switch *data.SubCommandName {
	case "create":
		name := data.String("name")
		if _, err := h.orch.PlaylistCreate(ctx, *guildID, name); err != nil {
			reply(event, "Create failed: "+err.Error())
			return
		}
		reply(event, fmt.Sprintf("Created playlist %q.", name))
	case "list":
		rows, err := h.orch.PlaylistList(ctx, *guildID)
		if err != nil {
			reply(event, "List failed: "+err.Error())
			return
		}
		if len(rows) == 0 {
			reply(event, "No playlists yet.")
			return
		}
		names := ""
		for _, r := range rows {
			names += "- " + r.Name + "\n"
		}
		reply(event, names)
	case "delete":
		name := data.String("name")
		if err := h.orch.PlaylistDelete(ctx, *guildID, name); err != nil {
			reply(event, "Delete failed: "+err.Error())
			return
		}
		reply(event, fmt.Sprintf("Deleted playlist %q.", name))
	case "rename":
		oldName, newName := data.String("name"), data.String("new_name")
		if err := h.orch.PlaylistRename(ctx, *guildID, oldName, newName); err != nil {
			reply(event, "Rename failed: "+err.Error())
			return
		}
		reply(event, fmt.Sprintf("Renamed %q to %q.", oldName, newName))
	case "view":
		name := data.String("name")
		items, err := h.orch.PlaylistView(ctx, *guildID, name)
		if err != nil {
			reply(event, "View failed: "+err.Error())
			return
		}
		if len(items) == 0 {
			reply(event, fmt.Sprintf("Playlist %q is empty.", name))
			return
		}
		listing := ""
		for i, it := range items {
			listing += fmt.Sprintf("%d. %s\n", i+1, it.Title)
		}
		reply(event, listing)
	case "remove-item":
		name := data.String("name")
		index := int(data.Int("index"))
		if err := h.orch.PlaylistRemoveItem(ctx, *guildID, name, index-1); err != nil {
			reply(event, "Remove failed: "+err.Error())
			return
		}
		reply(event, "Removed from the playlist.")
	case "add":
		name, query := data.String("name"), data.String("query")
		_ = event.DeferCreateMessage(false)
		_, err := h.orch.PlaylistAdd(ctx, *guildID, event.Channel().ID(), event.User().ID, event.User().Username, name, query)
		content := fmt.Sprintf("Added %q to %q.", query, name)
		if err != nil {
			content = "Couldn't add that: " + err.Error()
		}
		_, _ = event.Client().Rest.UpdateInteractionResponse(event.ApplicationID(), event.Token(),
			discord.MessageUpdate{Content: &content})
	case "queue":
		name := data.String("name")
		voiceChannelID, err := requesterVoiceChannel(event)
		if err != nil {
			reply(event, err.Error())
			return
		}
		_ = event.DeferCreateMessage(false)
		_, err = h.orch.PlaylistQueue(ctx, *guildID, event.Channel().ID(), event.User().ID, voiceChannelID, event.User().Username, name)
		content := fmt.Sprintf("Queued playlist %q.", name)
		if err != nil {
			content = "Couldn't queue that playlist: " + err.Error()
		}
		_, _ = event.Client().Rest.UpdateInteractionResponse(event.ApplicationID(), event.Token(),
			discord.MessageUpdate{Content: &content})
	case "random-play":
		name := data.String("name")
		voiceChannelID, err := requesterVoiceChannel(event)
		if err != nil {
			reply(event, err.Error())
			return
		}
		_ = event.DeferCreateMessage(false)
		_, err = h.orch.PlaylistRandomPlay(ctx, *guildID, event.Channel().ID(), event.User().ID, voiceChannelID, event.User().Username, name)
		content := fmt.Sprintf("Playing a random track from %q.", name)
		if err != nil {
			content = "Couldn't play that: " + err.Error()
		}
		_, _ = event.Client().Rest.UpdateInteractionResponse(event.ApplicationID(), event.Token(),
			discord.MessageUpdate{Content: &content})
	default:
		logging.Orchestrator("unknown playlist subcommand: %s", *data.SubCommandName)
	}
}
