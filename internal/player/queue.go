package player

import (
	"context"
	"errors"
	"math/rand"
	"sync"

	"github.com/leeineian/kokoro/internal/media"
)

// ErrQueueFull is returned by playQueue.Push when the queue is at capacity.
var ErrQueueFull = errors.New("player: play queue is full")

// ErrQueueClosed is returned once a playQueue has been closed.
var ErrQueueClosed = errors.New("player: play queue is closed")

// playQueue is one GuildPlayer's local play_queue (spec.md §4.8): bounded
// FIFO with bump/remove/shuffle/clear, following the teacher's
// VoiceSession.queue (a mutex+cond guarded slice) generalized with the
// index operations spec.md names.
type playQueue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	items   []*media.Download
	maxSize int
	closed  bool
}

func newPlayQueue(maxSize int) *playQueue {
	q := &playQueue{maxSize: maxSize}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push appends to the tail.
func (q *playQueue) Push(d *media.Download) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	if q.maxSize > 0 && len(q.items) >= q.maxSize {
		return ErrQueueFull
	}
	q.items = append(q.items, d)
	q.cond.Signal()
	return nil
}

// Pop blocks until an item is available, the queue is closed, or ctx is
// cancelled.
func (q *playQueue) Pop(ctx context.Context) (*media.Download, error) {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			q.mu.Lock()
			q.cond.Broadcast()
			q.mu.Unlock()
		case <-done:
		}
	}()
	defer close(done)

	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		if len(q.items) > 0 {
			item := q.items[0]
			q.items = q.items[1:]
			return item, nil
		}
		if q.closed {
			return nil, ErrQueueClosed
		}
		q.cond.Wait()
	}
}

// PushFront re-queues an item at the head, bypassing the capacity check —
// used to restore an in-flight item that was cancelled out from under it
// (a pause), never to admit new work.
func (q *playQueue) PushFront(d *media.Download) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append([]*media.Download{d}, q.items...)
	q.cond.Signal()
}

// Bump moves the item at index to the front.
func (q *playQueue) Bump(index int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if index < 0 || index >= len(q.items) {
		return false
	}
	item := q.items[index]
	q.items = append(q.items[:index], q.items[index+1:]...)
	q.items = append([]*media.Download{item}, q.items...)
	return true
}

// Remove deletes the item at index, returning it.
func (q *playQueue) Remove(index int) (*media.Download, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if index < 0 || index >= len(q.items) {
		return nil, false
	}
	item := q.items[index]
	q.items = append(q.items[:index], q.items[index+1:]...)
	return item, true
}

// Shuffle randomly permutes the queue in place.
func (q *playQueue) Shuffle() {
	q.mu.Lock()
	defer q.mu.Unlock()
	rand.Shuffle(len(q.items), func(i, j int) { q.items[i], q.items[j] = q.items[j], q.items[i] })
}

// Clear empties the queue, returning everything that was in it.
func (q *playQueue) Clear() []*media.Download {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

// Snapshot returns a copy of the current contents, for rendering.
func (q *playQueue) Snapshot() []*media.Download {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*media.Download, len(q.items))
	copy(out, q.items)
	return out
}

// Close marks the queue closed; blocked and future Pop calls return
// ErrQueueClosed once drained.
func (q *playQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}
