// Package progress implements ProgressBundle (spec.md §4.6): a
// user-visible grouping of 1..N MediaRequests with frozen pagination and
// textual rendering.
package progress

import (
	"fmt"
	"strings"
	"sync"

	"github.com/disgoorg/snowflake/v2"
	"github.com/google/uuid"

	"github.com/leeineian/kokoro/internal/media"
)

// Row is one line of a bundle's rendered display.
type Row struct {
	RequestID     uuid.UUID
	Display       string
	Stage         media.LifecycleStage
	FailureReason string

	pageIndex  int
	rowInPage  int
	positioned bool
}

// Bundle is the ProgressBundle.
type Bundle struct {
	ID        uuid.UUID
	GuildID   snowflake.ID
	ChannelID snowflake.ID
	InputText string

	mu        sync.Mutex
	rows      []*Row
	byReqID   map[uuid.UUID]int
	frozen    bool
	pageLimit int
	finished  bool
}

// New constructs a Bundle showing Processing "<inputText>" until rows
// are added.
func New(guildID, channelID snowflake.ID, inputText string, pageCharLimit int) *Bundle {
	return &Bundle{
		ID:        uuid.New(),
		GuildID:   guildID,
		ChannelID: channelID,
		InputText: inputText,
		byReqID:   map[uuid.UUID]int{},
		pageLimit: pageCharLimit,
	}
}

// AddRequest appends a new row for req at initialStage. Must be called
// before Freeze.
func (b *Bundle) AddRequest(req *media.Request, initialStage media.LifecycleStage) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.frozen {
		return fmt.Errorf("progress: cannot add_request after freeze")
	}
	row := &Row{RequestID: req.ID, Display: req.RawSearch, Stage: initialStage}
	b.byReqID[req.ID] = len(b.rows)
	b.rows = append(b.rows, row)
	return nil
}

// Freeze assigns permanent (page_index, row_in_page) coordinates to every
// row based on the character budget, and locks AddRequest out.
func (b *Bundle) Freeze() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.frozen {
		return
	}
	b.frozen = true

	page, used := 0, 0
	rowInPage := 0
	for _, r := range b.rows {
		line := renderRow(r)
		if used > 0 && used+len(line)+1 > b.pageLimit {
			page++
			used = 0
			rowInPage = 0
		}
		r.pageIndex = page
		r.rowInPage = rowInPage
		r.positioned = true
		used += len(line) + 1
		rowInPage++
	}
}

// Update edits a row's stage/reason in place and sets the finished flag
// once every row is terminal. Counts recomputes the counters on every
// call; only the finished flag is cached.
func (b *Bundle) Update(reqID uuid.UUID, newStage media.LifecycleStage, reason string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	idx, ok := b.byReqID[reqID]
	if !ok {
		return fmt.Errorf("progress: unknown request %s", reqID)
	}
	b.rows[idx].Stage = newStage
	b.rows[idx].FailureReason = reason
	if b.isFinishedLocked() {
		b.finished = true
	}
	return nil
}

// Counts returns (total, completed, failed, discarded), recomputed from
// the live row set (spec.md §4.6's O(N)-per-update contract).
func (b *Bundle) Counts() (total, completed, failed, discarded int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.countsLocked()
}

func (b *Bundle) countsLocked() (total, completed, failed, discarded int) {
	total = len(b.rows)
	for _, r := range b.rows {
		switch r.Stage {
		case media.Completed:
			completed++
		case media.Failed:
			failed++
		case media.Discarded:
			discarded++
		}
	}
	return
}

func (b *Bundle) isFinishedLocked() bool {
	total, completed, failed, discarded := b.countsLocked()
	return total > 0 && completed+failed+discarded == total
}

// Finished reports whether every row has reached a terminal stage.
func (b *Bundle) Finished() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.finished
}

// Render produces one string per page, in page order, respecting the
// configured character budget per page.
func (b *Bundle) Render() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.rows) == 0 {
		return []string{fmt.Sprintf("Processing %q", b.InputText)}
	}

	maxPage := 0
	for _, r := range b.rows {
		if r.positioned && r.pageIndex > maxPage {
			maxPage = r.pageIndex
		}
	}

	type slot struct {
		row *Row
	}
	pages := make([][]slot, maxPage+1)
	for _, r := range b.rows {
		if !r.positioned {
			continue
		}
		for len(pages[r.pageIndex]) <= r.rowInPage {
			pages[r.pageIndex] = append(pages[r.pageIndex], slot{})
		}
		pages[r.pageIndex][r.rowInPage] = slot{row: r}
	}

	out := make([]string, len(pages))
	for i, page := range pages {
		var b strings.Builder
		for _, s := range page {
			if s.row == nil {
				b.WriteString("\n")
				continue
			}
			if s.row.Stage == media.Completed {
				b.WriteString("\n") // blank line preserves vertical alignment
				continue
			}
			b.WriteString(renderRow(s.row))
			b.WriteString("\n")
		}
		out[i] = strings.TrimRight(b.String(), "\n")
	}
	return out
}

func renderRow(r *Row) string {
	switch r.Stage {
	case media.Failed:
		reason := r.FailureReason
		if reason == "" {
			reason = "unknown error"
		}
		return fmt.Sprintf("❌ %s (%s)", r.Display, reason)
	case media.Discarded:
		return fmt.Sprintf("⊘ %s", r.Display)
	case media.InProgress:
		return fmt.Sprintf("⏳ %s", r.Display)
	case media.Backoff:
		return fmt.Sprintf("⏸ %s (retrying)", r.Display)
	case media.Queued:
		return fmt.Sprintf("▫ %s", r.Display)
	default:
		return fmt.Sprintf("• %s", r.Display)
	}
}
