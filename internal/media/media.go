// Package media holds the immutable/realized data model the rest of the
// pipeline moves around: user-intended requests and the files they become.
package media

import (
	"sync"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/google/uuid"
)

// SearchType classifies how a MediaRequest's raw_search should be resolved.
type SearchType int

const (
	FreeText SearchType = iota
	StreamingTrack
	VideoURL
	VideoPlaylistMember
	DirectURL
	Other
)

func (t SearchType) String() string {
	switch t {
	case StreamingTrack:
		return "streaming_track"
	case VideoURL:
		return "video_url"
	case VideoPlaylistMember:
		return "video_playlist_member"
	case DirectURL:
		return "direct_url"
	case FreeText:
		return "free_text"
	default:
		return "other"
	}
}

// LifecycleStage is the MediaRequestLifecycleStage from the data model.
type LifecycleStage int

const (
	Searching LifecycleStage = iota
	Queued
	Backoff
	InProgress
	Completed
	Failed
	Discarded
)

func (s LifecycleStage) String() string {
	switch s {
	case Searching:
		return "searching"
	case Queued:
		return "queued"
	case Backoff:
		return "backoff"
	case InProgress:
		return "in_progress"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case Discarded:
		return "discarded"
	default:
		return "unknown"
	}
}

// Request is an immutable-by-convention description of one user-intended
// track. RawSearch never changes after construction; ResolvedSearch starts
// equal to RawSearch and is rewritten once by the search stage.
type Request struct {
	ID              uuid.UUID
	GuildID         snowflake.ID
	ChannelID       snowflake.ID
	RequesterID     snowflake.ID
	RequesterName   string
	RawSearch       string
	ResolvedSearch  string
	SearchType      SearchType
	BundleID        uuid.UUID // zero value if not part of a bundle
	RetryCount      int
	FromHistory     bool
	HistoryItemID   int64 // valid only when FromHistory
}

// NewRequest builds a Request with ResolvedSearch defaulted to RawSearch.
func NewRequest(guildID, channelID, requesterID snowflake.ID, requesterName, rawSearch string, searchType SearchType) *Request {
	return &Request{
		ID:             uuid.New(),
		GuildID:        guildID,
		ChannelID:      channelID,
		RequesterID:    requesterID,
		RequesterName:  requesterName,
		RawSearch:      rawSearch,
		ResolvedSearch: rawSearch,
		SearchType:     searchType,
	}
}

// Metadata is the subset of extractor output the pipeline cares about.
type Metadata struct {
	Title    string
	Uploader string
	Duration time.Duration
}

// Download is a realized, on-disk audio artifact. SourcePath is the
// content-addressed, shared file; PerUsePath is a distinct link/copy owned
// by exactly one GuildPlayer playback.
type Download struct {
	Request    *Request
	URL        string // canonical URL
	SourcePath string
	PerUsePath string
	Meta       Metadata
	CreatedAt  time.Time
	CacheHit   bool

	mu   sync.Mutex
	done bool
}

// MarkPerUseReleased records that PerUsePath has been deleted. Safe to call
// more than once.
func (d *Download) MarkPerUseReleased() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.done {
		return false
	}
	d.done = true
	return true
}

// FailureKind enumerates terminal failure-sentinel categories persisted on
// a VideoCacheEntry so future lookups short-circuit without re-downloading.
type FailureKind string

const (
	FailureNone             FailureKind = ""
	FailureAgeRestricted    FailureKind = "age_restricted"
	FailurePrivate          FailureKind = "private"
	FailureRemoved          FailureKind = "removed"
	FailureInvalidFormat    FailureKind = "invalid_format"
	FailureDurationExceeded FailureKind = "duration_exceeded"
)
