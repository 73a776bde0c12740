// Package logging adapts the bot's structured-logging handler to the music
// pipeline's components: one colorized component tag per loop/component,
// plus an AST-introspected registry of user-facing Msg*/Err* strings.
package logging

import (
	"context"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"io"
	"log/slog"
	"os"
	"regexp"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
)

var (
	infoColor  = color.New()
	warnColor  = color.New(color.FgYellow)
	errorColor = color.New(color.FgRed)
	fatalColor = color.New(color.FgRed, color.Bold)

	queueColor        = color.New(color.FgMagenta)
	backoffColor      = color.New(color.FgMagenta)
	cacheColor        = color.New(color.FgBlue)
	searchColor       = color.New(color.FgCyan)
	downloadColor     = color.New(color.FgGreen)
	progressColor     = color.New(color.FgYellow)
	dispatchColor     = color.New(color.FgYellow)
	playerColor       = color.New(color.FgGreen)
	orchestratorColor = color.New(color.FgRed)
	historyColor      = color.New(color.FgBlue)

	DefaultTimeFormat = "15:04:05"
	IsSilent          = false
	Logger            *slog.Logger

	logMu         sync.Mutex
	errorMapCache map[string]string
	errorMapOnce  sync.Once
)

func init() {
	Init(false, false)
}

// Init installs the process-wide slog.Default handler. Mirrors the
// teacher's InitLogger: silent mode disables all output, saveToFile mirrors
// to an ANSI-stripped log file, DEBUG env var raises the level.
func Init(silent, saveToFile bool) {
	logMu.Lock()
	defer logMu.Unlock()

	IsSilent = silent
	level := slog.LevelInfo
	if strings.ToLower(os.Getenv("DEBUG")) == "true" {
		level = slog.LevelDebug
	}

	var writer io.Writer = os.Stdout
	if saveToFile {
		if f, err := os.OpenFile("kokoro.log", os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644); err == nil {
			writer = io.MultiWriter(os.Stdout, newStripANSIWriter(f))
		} else {
			fmt.Fprintf(os.Stderr, "failed to open kokoro.log: %v\n", err)
		}
	}

	color.NoColor = false
	handler := NewHandler(writer, &HandlerOptions{Silent: IsSilent, Level: level})
	Logger = slog.New(handler)
	slog.SetDefault(Logger)
}

func Info(format string, v ...any)  { slog.Info(fmt.Sprintf(format, v...)) }
func Warn(format string, v ...any)  { slog.Warn(fmt.Sprintf(format, v...)) }
func Error(format string, v ...any) { slog.Error(fmt.Sprintf(format, v...)) }
func Debug(format string, v ...any) { slog.Debug(fmt.Sprintf(format, v...)) }

// Fatal logs at a level above Error and panics, so deferred daemon
// shutdown hooks still run.
func Fatal(format string, v ...any) {
	msg := fmt.Sprintf(format, v...)
	slog.Log(context.Background(), slog.LevelError+4, msg)
	panic(msg)
}

func component(tag string, format string, v ...any) {
	slog.Info(fmt.Sprintf(format, v...), slog.String("component", tag))
}

func Queue(format string, v ...any)        { component("queue", format, v...) }
func Backoff(format string, v ...any)      { component("backoff", format, v...) }
func Cache(format string, v ...any)        { component("cache", format, v...) }
func Search(format string, v ...any)       { component("search", format, v...) }
func Download(format string, v ...any)     { component("download", format, v...) }
func Progress(format string, v ...any)     { component("progress", format, v...) }
func Dispatch(format string, v ...any)     { component("dispatch", format, v...) }
func Player(format string, v ...any)       { component("player", format, v...) }
func Orchestrator(format string, v ...any) { component("orchestrator", format, v...) }
func History(format string, v ...any)      { component("history", format, v...) }

type HandlerOptions struct {
	Silent bool
	Level  slog.Leveler
}

// Handler is the teacher's BotLogHandler, unchanged in shape: timestamp,
// colored level tag (suppressed for plain INFO), colored "[COMPONENT] msg".
type Handler struct {
	w    io.Writer
	opts *HandlerOptions
	mu   *sync.Mutex
}

func NewHandler(w io.Writer, opts *HandlerOptions) *Handler {
	if opts == nil {
		opts = &HandlerOptions{Level: slog.LevelInfo}
	}
	return &Handler{w: w, opts: opts, mu: &sync.Mutex{}}
}

func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	if h.opts.Silent {
		return false
	}
	return level >= h.opts.Level.Level()
}

func (h *Handler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.opts.Silent {
		return nil
	}

	timeStr := time.Now().Format(DefaultTimeFormat)
	var levelStr string
	var levelColor *color.Color
	switch {
	case r.Level >= slog.LevelError+4:
		levelStr, levelColor = "FATAL", fatalColor
	case r.Level >= slog.LevelError:
		levelStr, levelColor = "ERROR", errorColor
	case r.Level >= slog.LevelWarn:
		levelStr, levelColor = "WARN", warnColor
	default:
		levelStr, levelColor = "INFO", infoColor
	}

	comp := ""
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "component" {
			comp = strings.ToUpper(a.Value.String())
			return false
		}
		return true
	})

	fmt.Fprintf(h.w, "%s", timeStr)
	if comp != "" {
		if levelStr != "INFO" {
			fmt.Fprintf(h.w, " %s", levelColor.Sprintf("[%s]", levelStr))
		}
		fmt.Fprintf(h.w, " %s\n", colorizeWithResets(componentColor(comp), fmt.Sprintf("[%s] %s", comp, r.Message)))
	} else {
		fmt.Fprintf(h.w, " %s\n", colorizeWithResets(levelColor, fmt.Sprintf("[%s] %s", levelStr, r.Message)))
	}
	return nil
}

func (h *Handler) WithAttrs(_ []slog.Attr) slog.Handler { return h }
func (h *Handler) WithGroup(_ string) slog.Handler       { return h }

func componentColor(name string) *color.Color {
	switch name {
	case "QUEUE":
		return queueColor
	case "BACKOFF":
		return backoffColor
	case "CACHE":
		return cacheColor
	case "SEARCH":
		return searchColor
	case "DOWNLOAD":
		return downloadColor
	case "PROGRESS":
		return progressColor
	case "DISPATCH":
		return dispatchColor
	case "PLAYER":
		return playerColor
	case "ORCHESTRATOR":
		return orchestratorColor
	case "HISTORY":
		return historyColor
	default:
		return color.New(color.FgCyan)
	}
}

func colorizeWithResets(c *color.Color, text string) string {
	if !strings.Contains(text, "\x1b[0m") {
		return c.Sprint(text)
	}
	marker := "@@@MSG@@@"
	wrapped := c.Sprint(marker)
	idx := strings.Index(wrapped, marker)
	if idx <= 0 {
		return text
	}
	startSeq := wrapped[:idx]
	return c.Sprint(strings.ReplaceAll(text, "\x1b[0m", "\x1b[0m"+startSeq))
}

type stripANSIWriter struct {
	w  io.Writer
	re *regexp.Regexp
}

func newStripANSIWriter(w io.Writer) *stripANSIWriter {
	return &stripANSIWriter{w: w, re: regexp.MustCompile(`\x1b\[[0-9;]*m`)}
}

func (s *stripANSIWriter) Write(p []byte) (int, error) {
	_, err := s.w.Write(s.re.ReplaceAll(p, nil))
	return len(p), err
}

// GetUserErrors self-introspects this file's AST to build a lookup of every
// Msg*/Err* constant that carries no format verb — the teacher's own
// approach to an error-message registry, kept verbatim because no
// third-party equivalent exists anywhere in the pack.
func GetUserErrors() map[string]string {
	errorMapOnce.Do(func() {
		errorMapCache = make(map[string]string)
		_, filename, _, ok := runtime.Caller(0)
		if !ok {
			return
		}
		fset := token.NewFileSet()
		node, err := parser.ParseFile(fset, filename, nil, 0)
		if err != nil {
			return
		}
		ast.Inspect(node, func(n ast.Node) bool {
			genDecl, ok := n.(*ast.GenDecl)
			if !ok || genDecl.Tok != token.CONST {
				return true
			}
			for _, spec := range genDecl.Specs {
				vs, ok := spec.(*ast.ValueSpec)
				if !ok {
					continue
				}
				for i, name := range vs.Names {
					if !strings.HasPrefix(name.Name, "Err") && !strings.HasPrefix(name.Name, "Msg") {
						continue
					}
					if len(vs.Values) <= i {
						continue
					}
					lit, ok := vs.Values[i].(*ast.BasicLit)
					if !ok || lit.Kind != token.STRING {
						continue
					}
					val := strings.Trim(lit.Value, `"`)
					if !strings.Contains(val, "%") {
						errorMapCache[name.Name] = val
					}
				}
			}
			return true
		})
	})
	return errorMapCache
}

// --- Message constants, grouped by component ---

const (
	// --- Infrastructure & Lifecycle ---
	MsgConfigFailedToLoad = "failed to load configuration: %v"
	MsgDaemonStarting     = "starting..."
	MsgDaemonPanic        = "panic recovered in daemon: %v"
	MsgShutdownBegin      = "shutdown signal received, draining loops"
	MsgShutdownComplete   = "all loops drained, exiting"

	// --- DistributedQueue ---
	MsgQueuePartitionFull   = "partition %s is at capacity (%d)"
	ErrQueueFull            = "queue is full"
	ErrQueueEmpty           = "queue is empty"
	MsgQueuePartitionGCed   = "garbage-collected empty partition %s"

	// --- FailureBackoffTracker ---
	MsgBackoffRecorded  = "recorded failure, multiplier now %d"
	MsgBackoffDecayed   = "decayed to multiplier %d"

	// --- DownloadCache ---
	MsgCacheHit          = "cache hit for %s"
	MsgCacheMiss         = "cache miss for %s"
	MsgCacheInsert       = "cached %s at %s"
	MsgCacheMarkDeletion = "marked %d entries for deletion"
	MsgCacheCollected    = "collected %d deletable entries"
	MsgCacheBackupDone   = "backed up entry %d to object storage"
	MsgCacheBackupFail   = "object-storage backup failed for entry %d: %v"
	ErrCacheInUse        = "cannot delete entry still in transit"

	// --- SearchResolver ---
	MsgSearchResolved     = "resolved %q to %d request(s)"
	ErrSearchCatalogFail  = "catalog lookup failed"
	ErrSearchNoMatch      = "no match found"

	// --- Downloader ---
	MsgDownloadStart      = "downloading %s"
	MsgDownloadDone       = "downloaded %s in %s"
	MsgDownloadRetry      = "retryable failure for %s (attempt %d): %v"
	MsgDownloadTerminal   = "terminal failure for %s: %v"
	ErrDownloadDRM        = "DRM-protected content is not supported"
	ErrDownloadAgeRestrict = "video is age-restricted"
	ErrDownloadPrivate    = "video is private or unavailable"
	ErrDownloadRemoved    = "video has been removed"
	ErrDownloadTooLong    = "video exceeds the configured duration limit"

	// --- ProgressBundle ---
	MsgBundleCreated  = "created bundle %s for %q"
	MsgBundleFrozen   = "froze bundle %s with %d rows across %d pages"
	MsgBundleFinished = "bundle %s finished: %d/%d/%d (completed/failed/discarded)"

	// --- MessageDispatcher ---
	MsgDispatchEdit    = "edited message in channel %s"
	MsgDispatchSend    = "sent message in channel %s"
	MsgDispatchDelete  = "deleted message in channel %s"
	MsgDispatchSticky  = "sticky bundle %s overtaken, resending"
	MsgDispatch404     = "ignoring 404 on %s, forgetting handle"
	MsgDispatch5xx     = "transient API error, retrying next tick: %v"

	// --- GuildPlayer ---
	MsgPlayerJoining    = "joining voice channel %s"
	MsgPlayerPlaying    = "now playing %q"
	MsgPlayerEmptyTimer = "channel empty, shutdown timer started"
	MsgPlayerShutdown   = "shutting down player for guild %s"
	ErrPlayerQueueFull  = "play queue is full"

	// --- MusicOrchestrator ---
	MsgOrchestratorHeartbeat = "heartbeat: %s"
	MsgOrchestratorLoopDone  = "loop %s exited"

	// --- HistoryRecorder ---
	MsgHistoryRecorded = "recorded play for guild %s"
	MsgHistoryEvicted  = "evicted oldest history item for guild %s"
)
