// Package config loads and validates the core's own typed configuration.
// Loading the chat-platform bot's wider configuration (token, owner list)
// is the external collaborator's job; this package owns the knobs the
// music pipeline itself reads, grouped per component as listed in spec.md
// §6, plus the search prefixes (VOICE_YT_PREFIX, VOICE_YTM_PREFIX).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/joho/godotenv"
)

type QueueConfig struct {
	PerPartitionCapacity  int
	DownloadQueueCapacity int
	SearchQueueCapacity   int
	Priorities            map[snowflake.ID]int
}

type BackoffConfig struct {
	BaseWait time.Duration
	MaxSize  int
	MaxAge   time.Duration
}

type CacheConfig struct {
	Enabled          bool
	LocalDirectory   string
	MaxEntries       int
	MaxSearchEntries int
	BackupBucket     string
}

type DownloadConfig struct {
	MaxDuration          time.Duration
	EnablePostProcessing bool
	Retries              int
	PerCallTimeout       time.Duration
	ExtractorOptions     map[string]string
}

type PlayerConfig struct {
	QueueMaxSize        int
	HistoryMaxSize      int
	EmptyChannelTimeout time.Duration
	MaxSongLength       time.Duration
}

type ProgressConfig struct {
	PageCharLimit int
}

type DispatchConfig struct {
	StickyRecentWindow int
}

type HistoryConfig struct {
	PlaylistMaxItems int
}

// Config is the core's full set of recognized options (spec.md §6).
type Config struct {
	DatabasePath  string
	WorkDir       string
	YoutubePrefix string
	YTMusicPrefix string

	// StreamingClientID/StreamingClientSecret are the streaming-platform
	// client-credentials application key pair. Empty disables
	// streaming-platform URL classification.
	StreamingClientID     string
	StreamingClientSecret string

	Queue    QueueConfig
	Backoff  BackoffConfig
	Cache    CacheConfig
	Download DownloadConfig
	Player   PlayerConfig
	Progress ProgressConfig
	Dispatch DispatchConfig
	History  HistoryConfig
}

// Load mirrors the teacher's LoadConfig: .env is loaded best-effort, every
// option has a default, and Validate runs before the value is handed back.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		DatabasePath:  envOr("KOKORO_DB_PATH", defaultDBPath()),
		WorkDir:       envOr("KOKORO_WORK_DIR", "./data"),
		YoutubePrefix: envOr("VOICE_YT_PREFIX", "[YT]"),
		YTMusicPrefix: envOr("VOICE_YTM_PREFIX", "[YTM]"),

		StreamingClientID:     os.Getenv("STREAMING_CLIENT_ID"),
		StreamingClientSecret: os.Getenv("STREAMING_CLIENT_SECRET"),

		Queue: QueueConfig{
			PerPartitionCapacity:  envInt("QUEUE_PER_PARTITION_CAPACITY", 50),
			DownloadQueueCapacity: envInt("QUEUE_DOWNLOAD_CAPACITY", 50),
			SearchQueueCapacity:   envInt("QUEUE_SEARCH_CAPACITY", 500),
			Priorities:            map[snowflake.ID]int{},
		},
		Backoff: BackoffConfig{
			BaseWait: envDuration("BACKOFF_BASE_WAIT", 30*time.Second),
			MaxSize:  envInt("BACKOFF_MAX_SIZE", 100),
			MaxAge:   envDuration("BACKOFF_MAX_AGE", 300*time.Second),
		},
		Cache: CacheConfig{
			Enabled:          envBool("CACHE_ENABLED", true),
			LocalDirectory:   envOr("CACHE_LOCAL_DIR", "./data/cache"),
			MaxEntries:       envInt("CACHE_MAX_ENTRIES", 500),
			MaxSearchEntries: envInt("CACHE_MAX_SEARCH_ENTRIES", 2000),
			BackupBucket:     os.Getenv("CACHE_BACKUP_BUCKET"),
		},
		Download: DownloadConfig{
			MaxDuration:          envDuration("DOWNLOAD_MAX_DURATION", 20*time.Minute),
			EnablePostProcessing: envBool("DOWNLOAD_ENABLE_POST_PROCESSING", false),
			Retries:              envInt("DOWNLOAD_RETRIES", 3),
			PerCallTimeout:       envDuration("DOWNLOAD_PER_CALL_TIMEOUT", 90*time.Second),
			ExtractorOptions:     map[string]string{},
		},
		Player: PlayerConfig{
			QueueMaxSize:        envInt("PLAYER_QUEUE_MAX_SIZE", 100),
			HistoryMaxSize:      envInt("PLAYER_HISTORY_MAX_SIZE", 50),
			EmptyChannelTimeout: envDuration("PLAYER_EMPTY_CHANNEL_TIMEOUT", 5*time.Minute),
			MaxSongLength:       envDuration("PLAYER_MAX_SONG_LENGTH", 20*time.Minute),
		},
		Progress: ProgressConfig{
			PageCharLimit: envInt("PROGRESS_PAGE_CHAR_LIMIT", 2000),
		},
		Dispatch: DispatchConfig{
			StickyRecentWindow: envInt("DISPATCH_STICKY_RECENT_WINDOW", 5),
		},
		History: HistoryConfig{
			PlaylistMaxItems: envInt("HISTORY_PLAYLIST_MAX_ITEMS", 100),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate fails fast on configuration that can never produce a working
// pipeline, per spec.md §6's "fatal configuration errors exit non-zero
// before any loop starts".
func (c *Config) Validate() error {
	if c.Queue.PerPartitionCapacity <= 0 {
		return fmt.Errorf("queue: per_partition_capacity must be positive")
	}
	if c.Backoff.MaxSize <= 0 {
		return fmt.Errorf("backoff: max_size must be positive")
	}
	if c.Progress.PageCharLimit <= 0 {
		return fmt.Errorf("progress: page_char_limit must be positive")
	}
	if c.Cache.Enabled && c.Cache.LocalDirectory == "" {
		return fmt.Errorf("cache: local_directory required when cache is enabled")
	}
	return nil
}

func defaultDBPath() string {
	folder := "."
	if info, err := os.Stat("data"); err == nil && info.IsDir() {
		folder = "./data"
	}
	return filepath.Join(folder, "kokoro.db")
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if strings.HasSuffix(v, "s") || strings.HasSuffix(v, "m") || strings.HasSuffix(v, "h") {
			if d, err := time.ParseDuration(v); err == nil {
				return d
			}
		}
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	return def
}
