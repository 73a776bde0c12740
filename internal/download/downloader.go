// Package download implements Downloader (spec.md §4.5): wraps the
// external audio extractor (yt-dlp), normalizes its error surface into
// retryable/terminal classifications, and performs optional
// loudness-normalization post-processing.
package download

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/lrstanley/go-ytdlp"
	"golang.org/x/time/rate"

	"github.com/leeineian/kokoro/internal/cache"
	"github.com/leeineian/kokoro/internal/logging"
	"github.com/leeineian/kokoro/internal/media"
)

// Classification is the retryable/terminal split of spec.md §4.5.
type Classification int

const (
	ClassRetryable Classification = iota
	ClassTerminal
)

// Error wraps an extractor failure with its classification and, for
// terminal failures, the specific FailureKind to persist as a cache
// sentinel.
type Error struct {
	Classification Classification
	FailureKind    media.FailureKind
	Err            error
}

func (e *Error) Error() string { return e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

func retryableErr(err error) *Error {
	return &Error{Classification: ClassRetryable, Err: err}
}

func terminalErr(kind media.FailureKind, err error) *Error {
	return &Error{Classification: ClassTerminal, FailureKind: kind, Err: err}
}

// Downloader is the spec.md §4.5 Downloader.
type Downloader struct {
	cache          *cache.Cache
	workDir        string
	perCallTimeout time.Duration
	maxDuration    time.Duration
	retries        int
	limiter        *rate.Limiter
	postProcess    PostProcessor
}

// PostProcessor performs the optional loudness-normalization/silence-trim
// pass (spec.md §4.5's optional post-processing). A nil PostProcessor
// means post-processing is disabled.
type PostProcessor interface {
	Process(ctx context.Context, inputPath string) (outputPath string, err error)
}

// Options configures a Downloader.
type Options struct {
	WorkDir          string
	PerCallTimeout   time.Duration
	MaxDuration      time.Duration
	Retries          int
	CallsPerInterval int           // extractor-call rate limit, 0 disables
	Interval         time.Duration
	PostProcess      PostProcessor
}

// New builds a Downloader against cache c.
func New(c *cache.Cache, opts Options) *Downloader {
	var limiter *rate.Limiter
	if opts.CallsPerInterval > 0 && opts.Interval > 0 {
		limiter = rate.NewLimiter(rate.Every(opts.Interval/time.Duration(opts.CallsPerInterval)), opts.CallsPerInterval)
	}
	return &Downloader{
		cache:          c,
		workDir:        opts.WorkDir,
		perCallTimeout: opts.PerCallTimeout,
		maxDuration:    opts.MaxDuration,
		retries:        opts.Retries,
		limiter:        limiter,
		postProcess:    opts.PostProcess,
	}
}

// Download resolves url to a local MediaDownload, consulting the cache
// first and invoking yt-dlp on a miss. url must already be a canonical
// video or direct-media URL; free-text resolution happens upstream in the
// search loop.
func (d *Downloader) Download(ctx context.Context, req *media.Request, url string) (*media.Download, error) {
	if entry, ok, err := d.cache.Lookup(ctx, url); err != nil {
		return nil, retryableErr(fmt.Errorf("cache lookup: %w", err))
	} else if ok {
		if entry.FailureKind != media.FailureNone {
			return nil, terminalErr(entry.FailureKind, fmt.Errorf("previously recorded terminal failure: %s", entry.FailureKind))
		}
		perUse, err := d.cache.LinkForUse(entry.SourcePath, req.GuildID.String())
		if err != nil {
			d.cache.Release(entry.ID)
			return nil, retryableErr(fmt.Errorf("link_for_use: %w", err))
		}
		d.cache.Release(entry.ID)
		logging.Download("cache hit for %s", url)
		return &media.Download{
			Request:    req,
			URL:        url,
			SourcePath: entry.SourcePath,
			PerUsePath: perUse,
			Meta:       entry.Meta,
			CreatedAt:  time.Now(),
			CacheHit:   true,
		}, nil
	}

	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return nil, retryableErr(fmt.Errorf("rate limiter: %w", err))
		}
	}

	meta, rawPath, err := d.extract(ctx, url)
	if err != nil {
		return nil, d.classify(err)
	}
	if d.maxDuration > 0 && meta.Duration > d.maxDuration {
		_ = d.cache.RecordFailure(ctx, url, media.FailureDurationExceeded)
		return nil, terminalErr(media.FailureDurationExceeded, fmt.Errorf("duration %s exceeds max %s", meta.Duration, d.maxDuration))
	}

	finalPath := rawPath
	if d.postProcess != nil {
		processed, err := d.postProcess.Process(ctx, rawPath)
		if err != nil {
			logging.Download("post-processing failed for %s, using raw file: %v", url, err)
		} else {
			finalPath = processed
		}
	}

	id, err := d.cache.Insert(ctx, url, finalPath, meta)
	if err != nil {
		return nil, retryableErr(fmt.Errorf("cache insert: %w", err))
	}
	perUse, err := d.cache.LinkForUse(finalPath, req.GuildID.String())
	d.cache.Release(id)
	if err != nil {
		return nil, retryableErr(fmt.Errorf("link_for_use: %w", err))
	}

	return &media.Download{
		Request:    req,
		URL:        url,
		SourcePath: finalPath,
		PerUsePath: perUse,
		Meta:       meta,
		CreatedAt:  time.Now(),
		CacheHit:   false,
	}, nil
}

func (d *Downloader) extract(ctx context.Context, url string) (media.Metadata, string, error) {
	callCtx, cancel := context.WithTimeout(ctx, d.perCallTimeout)
	defer cancel()

	dest := d.cache.LocalPath(url, ".%(ext)s")
	res, err := ytdlp.New().
		Format("bestaudio[ext=webm]/bestaudio").
		Print("%(title)s\t%(uploader)s\t%(duration)s\t%(id)s\t%(filename)s").
		Output(dest).
		NoCheckFormats().
		NoWarnings().
		IgnoreConfig().
		Run(callCtx, url)
	if err != nil {
		stderr := ""
		if res != nil {
			stderr = res.Stderr
		}
		return media.Metadata{}, "", fmt.Errorf("%w: %s", err, stderr)
	}

	lines := strings.Split(strings.TrimSpace(res.Stdout), "\n")
	for _, l := range lines {
		parts := strings.Split(l, "\t")
		if len(parts) < 5 {
			continue
		}
		secs, _ := time.ParseDuration(parts[2] + "s")
		return media.Metadata{Title: parts[0], Uploader: parts[1], Duration: secs}, parts[4], nil
	}
	return media.Metadata{}, "", errors.New("failed to parse yt-dlp metadata output")
}

// classify mirrors the original extractor's DownloadError string
// matching (download_client.py's __prepare_data_source) translated into
// the retryable/terminal split spec.md §4.5 requires.
func (d *Downloader) classify(err error) *Error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "private video"):
		return terminalErr(media.FailurePrivate, err)
	case strings.Contains(msg, "video unavailable"), strings.Contains(msg, "has been removed"):
		return terminalErr(media.FailureRemoved, err)
	case strings.Contains(msg, "sign in to confirm your age"):
		return terminalErr(media.FailureAgeRestricted, err)
	case strings.Contains(msg, "sign in to confirm") && strings.Contains(msg, "not a bot"):
		return retryableErr(err) // bot-detection is transient per spec.md §4.5
	case strings.Contains(msg, "unsupported url"), strings.Contains(msg, "no video formats found"):
		return terminalErr(media.FailureInvalidFormat, err)
	case strings.Contains(msg, "timed out"), strings.Contains(msg, "timeout"),
		strings.Contains(msg, "connection reset"), strings.Contains(msg, "tls"),
		strings.Contains(msg, "temporary failure"):
		return retryableErr(err)
	default:
		return retryableErr(err)
	}
}

// DownloadDir returns the "downloads" folder under the work directory.
// Fresh extractions are not written here: extract writes them directly to
// the cache's content-addressed LocalPath.
func (d *Downloader) DownloadDir() string { return filepath.Join(d.workDir, "downloads") }

// MaxRetries is the retry budget the download loop should apply to a
// retryable failure before marking a MediaRequest FAILED (spec.md §4.9).
func (d *Downloader) MaxRetries() int { return d.retries }

// PlaylistTracks lists the member video URLs of a video-site playlist by
// asking the extractor for a flat listing. It satisfies
// search.CatalogClient, letting the Downloader double as the Resolver's
// video-site playlist expander instead of requiring a second extractor
// client.
func (d *Downloader) PlaylistTracks(ctx context.Context, playlistID string) ([]string, error) {
	callCtx, cancel := context.WithTimeout(ctx, d.perCallTimeout)
	defer cancel()

	u := "https://www.youtube.com/playlist?list=" + playlistID
	res, err := ytdlp.New().
		FlatPlaylist().
		Print("%(url)s").
		PlaylistItems("1-200").
		NoWarnings().
		IgnoreConfig().
		Run(callCtx, u)
	if err != nil {
		return nil, fmt.Errorf("extract playlist %s: %w", playlistID, err)
	}

	lines := strings.Split(strings.TrimSpace(res.Stdout), "\n")
	urls := make([]string, 0, len(lines))
	for _, l := range lines {
		l = strings.TrimSpace(l)
		if l != "" {
			urls = append(urls, l)
		}
	}
	return urls, nil
}
