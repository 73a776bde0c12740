// Package dispatch implements MessageDispatcher (spec.md §4.7): a
// diff-based projector that turns a MutableBundle's rendered pages into
// minimal send/edit/delete chat-API calls, and drains a FIFO of
// fire-and-forget single messages.
package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/google/uuid"

	"github.com/leeineian/kokoro/internal/chatapi"
	"github.com/leeineian/kokoro/internal/logging"
)

// Renderer is implemented by anything the dispatcher can project — in
// practice *progress.Bundle, which satisfies it through its Render method
// without dispatch importing progress.
type Renderer interface {
	Render() []string
}

type singleItem struct {
	channelID   snowflake.ID
	content     string
	deleteAfter time.Duration
}

type messageState struct {
	handle  chatapi.MessageHandle
	content string
}

// MutableBundle is the dispatcher's tracked state for one registered
// bundle (spec.md §4.7).
type mutableBundle struct {
	id           string
	channelID    snowflake.ID
	renderer     Renderer
	sticky       bool
	messages     []messageState
	lastDispatch time.Time
	pending      bool
}

// Dispatcher is the MessageDispatcher.
type Dispatcher struct {
	client chatapi.ChatClient

	mu            sync.Mutex
	singleQueue   []singleItem
	mutableQueue  map[string]*mutableBundle
	stickyWindow  int
}

// New builds a Dispatcher against client.
func New(client chatapi.ChatClient, stickyRecentWindow int) *Dispatcher {
	return &Dispatcher{
		client:       client,
		mutableQueue: map[string]*mutableBundle{},
		stickyWindow: stickyRecentWindow,
	}
}

// EnqueueSingle adds a fire-and-forget notification to the single queue.
func (d *Dispatcher) EnqueueSingle(channelID snowflake.ID, content string, deleteAfter time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.singleQueue = append(d.singleQueue, singleItem{channelID: channelID, content: content, deleteAfter: deleteAfter})
}

// RegisterBundle registers a mutable bundle under id. A call for an id that
// is already registered is ignored.
func (d *Dispatcher) RegisterBundle(id string, channelID snowflake.ID, renderer Renderer, sticky bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.mutableQueue[id]; ok {
		return
	}
	d.mutableQueue[id] = &mutableBundle{id: id, channelID: channelID, renderer: renderer, sticky: sticky}
}

// Touch marks a registered bundle as having pending work, per spec.md
// §4.7's "a bundle is pending if its owning component has called
// touch(bundle_id) since the last dispatch".
func (d *Dispatcher) Touch(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if b, ok := d.mutableQueue[id]; ok {
		b.pending = true
	}
}

// Unregister drops a bundle's tracked state without deleting its
// messages; callers that want cleanup should dispatch a final render
// with no rows and let natural diffing empty it first.
func (d *Dispatcher) Unregister(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.mutableQueue, id)
}

// Tick performs one dispatch-loop iteration (spec.md §4.7).
func (d *Dispatcher) Tick(ctx context.Context) error {
	bundle := d.selectOldestPending()
	if bundle != nil {
		return d.dispatchBundle(ctx, bundle)
	}
	return d.drainOneSingle(ctx)
}

func (d *Dispatcher) selectOldestPending() *mutableBundle {
	d.mu.Lock()
	defer d.mu.Unlock()
	var oldest *mutableBundle
	for _, b := range d.mutableQueue {
		if !b.pending {
			continue
		}
		if oldest == nil || b.lastDispatch.Before(oldest.lastDispatch) {
			oldest = b
		}
	}
	return oldest
}

func (d *Dispatcher) dispatchBundle(ctx context.Context, b *mutableBundle) error {
	newPages := b.renderer.Render()

	if b.sticky && d.stickyWindow > 0 {
		if needsReanchor, err := d.stickyBroken(ctx, b); err == nil && needsReanchor {
			for _, m := range b.messages {
				_ = d.client.Delete(ctx, m.handle)
			}
			b.messages = nil
		}
	}

	newMessages := reconcile(ctx, d.client, b.channelID, b.messages, newPages)

	d.mu.Lock()
	b.messages = newMessages
	b.lastDispatch = time.Now()
	b.pending = false
	d.mu.Unlock()
	return nil
}

// reconcile implements spec.md §4.7's diff: equal-length unchanged pages
// are no-ops, changed pages are edited, new pages beyond the old length
// are sent, and surplus old messages are deleted — preferring to match
// new pages against existing messages with identical content first
// (spec.md §4.7's shrink-reassignment).
func reconcile(ctx context.Context, client chatapi.ChatClient, channelID snowflake.ID, old []messageState, newPages []string) []messageState {
	used := make([]bool, len(old))
	result := make([]messageState, len(newPages))

	// First pass: content-match reuse.
	for i, content := range newPages {
		for j, m := range old {
			if !used[j] && m.content == content {
				result[i] = m
				used[j] = true
				break
			}
		}
	}

	// Second pass: fill remaining slots by editing unused old messages
	// in order, or sending new ones if none remain.
	var leftovers []int
	for j := range old {
		if !used[j] {
			leftovers = append(leftovers, j)
		}
	}
	li := 0
	for i, content := range newPages {
		if result[i].handle != (chatapi.MessageHandle{}) {
			continue
		}
		if li < len(leftovers) {
			idx := leftovers[li]
			li++
			if err := client.Edit(ctx, old[idx].handle, content); err != nil {
				logging.Dispatch("edit failed for page %d: %v", i, err)
			}
			result[i] = messageState{handle: old[idx].handle, content: content}
			continue
		}
		handle, err := client.Send(ctx, channelID, content)
		if err != nil {
			logging.Dispatch("send failed for page %d: %v", i, err)
			continue
		}
		result[i] = messageState{handle: handle, content: content}
	}

	for ; li < len(leftovers); li++ {
		if err := client.Delete(ctx, old[leftovers[li]].handle); err != nil {
			logging.Dispatch("delete failed during shrink: %v", err)
		}
	}

	return result
}

// stickyBroken checks whether any non-bundle message has appeared below
// the bundle's own messages in the channel (spec.md §4.7's sticky check).
func (d *Dispatcher) stickyBroken(ctx context.Context, b *mutableBundle) (bool, error) {
	if len(b.messages) == 0 {
		return false, nil
	}
	recent, err := d.client.RecentMessages(ctx, b.channelID, d.stickyWindow)
	if err != nil {
		return false, err
	}
	last := b.messages[len(b.messages)-1].handle
	for _, h := range recent {
		if h == last {
			return false, nil
		}
		isOwn := false
		for _, m := range b.messages {
			if m.handle == h {
				isOwn = true
				break
			}
		}
		if !isOwn {
			return true, nil
		}
	}
	return false, nil
}

func (d *Dispatcher) drainOneSingle(ctx context.Context) error {
	d.mu.Lock()
	if len(d.singleQueue) == 0 {
		d.mu.Unlock()
		return nil
	}
	item := d.singleQueue[0]
	d.singleQueue = d.singleQueue[1:]
	d.mu.Unlock()

	handle, err := d.client.Send(ctx, item.channelID, item.content)
	if err != nil {
		return err
	}
	if item.deleteAfter > 0 {
		go func() {
			time.Sleep(item.deleteAfter)
			_ = d.client.Delete(context.Background(), handle)
		}()
	}
	return nil
}

// BundleKey builds the conventional dispatcher bundle id for a per-guild
// play-order display (spec.md §4.8's "play-order-<guild>").
func BundleKey(prefix string, guildID snowflake.ID) string {
	return prefix + "-" + guildID.String()
}

// ProgressBundleKey builds the conventional bundle id for a command's
// ProgressBundle.
func ProgressBundleKey(id uuid.UUID) string { return "progress-" + id.String() }
