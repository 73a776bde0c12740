// Command kokoro is the process entrypoint: PID-locking/self-restart and
// signal-driven shutdown, with CLI flag parsing done via cobra
// (github.com/spf13/cobra).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/disgoorg/disgo/bot"
	"github.com/disgoorg/disgo/events"
	"github.com/disgoorg/snowflake/v2"
	"github.com/spf13/cobra"

	"github.com/leeineian/kokoro/internal/cache"
	"github.com/leeineian/kokoro/internal/cache/objectstore"
	"github.com/leeineian/kokoro/internal/commands"
	"github.com/leeineian/kokoro/internal/config"
	"github.com/leeineian/kokoro/internal/daemon"
	"github.com/leeineian/kokoro/internal/discordadapter"
	"github.com/leeineian/kokoro/internal/dispatch"
	"github.com/leeineian/kokoro/internal/download"
	"github.com/leeineian/kokoro/internal/download/postprocess"
	"github.com/leeineian/kokoro/internal/history"
	"github.com/leeineian/kokoro/internal/logging"
	"github.com/leeineian/kokoro/internal/orchestrator"
	"github.com/leeineian/kokoro/internal/search"
	"github.com/leeineian/kokoro/internal/search/streamingcatalog"
	"github.com/leeineian/kokoro/internal/store"
)

var (
	silent   bool
	skipReg  bool
	clearAll bool
)

var rootCmd = &cobra.Command{
	Use:   "kokoro",
	Short: "kokoro is a music playback bot",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Connect to the chat platform and start the music pipeline",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&silent, "silent", false, "Disable all log output")
	serveCmd.Flags().BoolVar(&skipReg, "skip-reg", false, "Skip command registration")
	serveCmd.Flags().BoolVar(&clearAll, "clear-all", false, "Has no effect: registration does not clear or scan other guilds' commands")
	rootCmd.AddCommand(serveCmd)
}

func main() {
	defer func() {
		if r := recover(); r != nil {
			if msg, ok := r.(string); ok {
				fmt.Fprintf(os.Stderr, "\n[FATAL] %s\n", msg)
				os.Exit(1)
			}
			panic(r)
		}
	}()

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	logging.Init(silent, true)

	pidFile, err := acquirePIDLock()
	if err != nil {
		return err
	}
	defer releasePIDLock(pidFile)

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	token := os.Getenv("DISCORD_TOKEN")
	if token == "" {
		return fmt.Errorf("DISCORD_TOKEN is required")
	}
	guildID := os.Getenv("GUILD_ID")

	restart, err := run(cfg, token, guildID)
	if err != nil {
		return err
	}

	if restart {
		logging.Info("self-restarting process...")
		releasePIDLock(pidFile)

		execArgs := os.Args
		if !slices.Contains(execArgs, "--skip-reg") {
			execArgs = append(execArgs, "--skip-reg")
		}
		exePath, err := os.Executable()
		if err != nil {
			return fmt.Errorf("resolve executable path: %w", err)
		}
		return syscall.Exec(exePath, execArgs, os.Environ())
	}
	return nil
}

// acquirePIDLock takes an exclusive lock on a PID file, terminating a
// stubborn previous instance with SIGTERM then SIGKILL before taking over
// the lock.
func acquirePIDLock() (*os.File, error) {
	f, err := os.OpenFile(".kokoro.pid", os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("open pid file: %w", err)
	}

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		err = syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
		if err == nil {
			break
		}
		if err != syscall.EWOULDBLOCK {
			return nil, fmt.Errorf("lock pid file: %w", err)
		}

		var oldPid int
		_, _ = f.Seek(0, 0)
		if _, scanErr := fmt.Fscanf(f, "%d", &oldPid); scanErr != nil {
			<-ticker.C
			continue
		}
		if oldPid == os.Getpid() {
			break
		}

		process, procErr := os.FindProcess(oldPid)
		if procErr != nil {
			<-ticker.C
			continue
		}

		logging.Info("killing previous instance (pid %d)", oldPid)
		_ = process.Signal(syscall.SIGTERM)

		terminated := false
		timeout := time.After(5 * time.Second)
	waitLoop:
		for {
			select {
			case <-ticker.C:
				if err := process.Signal(syscall.Signal(0)); err != nil {
					terminated = true
					break waitLoop
				}
			case <-timeout:
				break waitLoop
			}
		}

		if !terminated {
			logging.Warn("previous instance %d is stubborn, sending SIGKILL", oldPid)
			_ = process.Signal(syscall.SIGKILL)
			killTimeout := time.After(2 * time.Second)
			killTicker := time.NewTicker(50 * time.Millisecond)
		killWait:
			for {
				select {
				case <-killTicker.C:
					if err := process.Signal(syscall.Signal(0)); err != nil {
						break killWait
					}
				case <-killTimeout:
					break killWait
				}
			}
			killTicker.Stop()
		}
	}

	_ = f.Truncate(0)
	_, _ = f.Seek(0, 0)
	_, _ = fmt.Fprintf(f, "%d", os.Getpid())
	_ = f.Sync()
	return f, nil
}

func releasePIDLock(f *os.File) {
	_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
	_ = f.Close()
	_ = os.Remove(".kokoro.pid")
}

// RestartRequested is set by a future admin command to trigger the
// self-restart path in runServe. No command sets it yet.
var RestartRequested bool

func run(cfg *config.Config, token, guildIDStr string) (restart bool, err error) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	defer stop()

	st, err := store.Open(ctx, cfg.DatabasePath)
	if err != nil {
		return false, fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	c, err := cache.New(st, cfg.Cache.LocalDirectory, cfg.Cache.MaxEntries, cfg.Cache.MaxSearchEntries)
	if err != nil {
		return false, fmt.Errorf("open cache: %w", err)
	}

	var backup orchestrator.BackupStore
	if cfg.Cache.BackupBucket != "" {
		s3store, err := objectstore.New(ctx, cfg.Cache.BackupBucket)
		if err != nil {
			logging.Error("backup bucket configured but unavailable: %v", err)
		} else {
			backup = s3store
		}
	}

	var postProcess download.PostProcessor
	if cfg.Download.EnablePostProcessing {
		postProcess = postprocess.New()
	}
	downloader := download.New(c, download.Options{
		WorkDir:        cfg.WorkDir,
		PerCallTimeout: cfg.Download.PerCallTimeout,
		MaxDuration:    cfg.Download.MaxDuration,
		Retries:        cfg.Download.Retries,
		PostProcess:    postProcess,
	})
	var streamingClient search.StreamingCatalogClient
	if cfg.StreamingClientID != "" && cfg.StreamingClientSecret != "" {
		streamingClient = streamingcatalog.New(cfg.StreamingClientID, cfg.StreamingClientSecret)
	}
	resolver := search.New(downloader, streamingClient)
	hist := history.New(st, cfg.History, cfg.Player.HistoryMaxSize)

	client, err := discordadapter.NewClient(token)
	if err != nil {
		return false, fmt.Errorf("create discord client: %w", err)
	}
	defer client.Close(ctx)

	adapter := discordadapter.New(client)
	d := dispatch.New(adapter, cfg.Dispatch.StickyRecentWindow)

	orch := orchestrator.New(cfg, st, c, adapter, adapter, d, resolver, downloader, hist, backup)
	orch.Start(ctx)

	cmdHandler := commands.New(orch)
	client.AddEventListeners(bot.NewListenerFunc(func(event *events.ApplicationCommandInteractionCreate) {
		daemon.SafeGo(logging.Error, func() { cmdHandler.OnApplicationCommandInteraction(event) })
	}))

	if !skipReg {
		if err := registerCommands(ctx, client, guildIDStr, clearAll); err != nil {
			logging.Error("command registration failed: %v", err)
		}
	} else {
		logging.Info("skipping command registration as requested")
	}

	if err := client.OpenGateway(ctx); err != nil {
		return false, fmt.Errorf("open gateway: %w", err)
	}

	<-ctx.Done()
	logging.Info("shutting down...")
	orch.Shutdown(context.Background())

	return RestartRequested, nil
}

func registerCommands(ctx context.Context, client *bot.Client, guildIDStr string, clearAll bool) error {
	specs := commands.Specs()
	if guildIDStr != "" {
		id, err := snowflake.Parse(guildIDStr)
		if err != nil {
			return fmt.Errorf("invalid GUILD_ID: %w", err)
		}
		_, err = client.Rest.SetGuildCommands(client.ApplicationID, id, specs)
		return err
	}
	_, err := client.Rest.SetGlobalCommands(client.ApplicationID, specs)
	return err
}
