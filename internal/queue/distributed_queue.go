// Package queue implements DistributedQueue[T] (spec.md §4.1): a queue
// partitioned by guild with a fairness policy so one busy guild cannot
// starve another, plus configurable per-partition priority weighting.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/disgoorg/snowflake/v2"
)

var (
	// ErrFull is returned by Put when the target partition is at capacity.
	ErrFull = errors.New("queue: partition is full")
	// ErrClosed is returned by Get when the queue has been closed and is empty.
	ErrClosed = errors.New("queue: closed")
)

type partition[T any] struct {
	key            snowflake.ID
	items          []T
	createdAt      time.Time
	lastIteratedAt time.Time
	priority       int
}

// heapEntry orders partitions for Get: higher priority first, then
// oldest-served-first within the same priority class.
type readyHeap[T any] struct {
	parts []*partition[T]
}

func (h readyHeap[T]) Len() int { return len(h.parts) }
func (h readyHeap[T]) Less(i, j int) bool {
	a, b := h.parts[i], h.parts[j]
	if a.priority != b.priority {
		return a.priority > b.priority
	}
	at := a.lastIteratedAt
	if at.IsZero() {
		at = a.createdAt
	}
	bt := b.lastIteratedAt
	if bt.IsZero() {
		bt = b.createdAt
	}
	return at.Before(bt)
}
func (h readyHeap[T]) Swap(i, j int) { h.parts[i], h.parts[j] = h.parts[j], h.parts[i] }
func (h *readyHeap[T]) Push(x any)   { h.parts = append(h.parts, x.(*partition[T])) }
func (h *readyHeap[T]) Pop() any {
	old := h.parts
	n := len(old)
	item := old[n-1]
	h.parts = old[:n-1]
	return item
}

// Queue is a DistributedQueue[T]: fair round-robin across partitions with
// priority weighting, bounded per-partition capacity, cancellable Get.
type Queue[T any] struct {
	mu         sync.Mutex
	notEmpty   *sync.Cond
	partitions map[snowflake.ID]*partition[T]
	capacity   int
	priorities map[snowflake.ID]int
	closed     bool
}

// New builds a Queue with the given per-partition capacity and an optional
// priority map (missing keys default to priority 0).
func New[T any](perPartitionCapacity int, priorities map[snowflake.ID]int) *Queue[T] {
	q := &Queue[T]{
		partitions: make(map[snowflake.ID]*partition[T]),
		capacity:   perPartitionCapacity,
		priorities: priorities,
	}
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

func (q *Queue[T]) priorityFor(key snowflake.ID) int {
	if q.priorities == nil {
		return 0
	}
	return q.priorities[key]
}

// Put enqueues item under partition_key. Non-blocking; fails with ErrFull
// when that partition is already at capacity.
func (q *Queue[T]) Put(key snowflake.ID, item T) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	p, ok := q.partitions[key]
	if !ok {
		p = &partition[T]{key: key, createdAt: time.Now(), priority: q.priorityFor(key)}
		q.partitions[key] = p
	}
	if q.capacity > 0 && len(p.items) >= q.capacity {
		return ErrFull
	}
	p.items = append(p.items, item)
	q.notEmpty.Signal()
	return nil
}

// Get waits until any item is available and returns the item from the
// partition with the highest priority, ties broken oldest-served-first.
// Empty partitions are garbage-collected. Respects ctx cancellation.
func (q *Queue[T]) Get(ctx context.Context) (T, error) {
	// Translate ctx.Done() into a cond broadcast so Get can wake up on
	// cancellation even while blocked in cond.Wait.
	done := make(chan struct{})
	if ctx != nil {
		go func() {
			select {
			case <-ctx.Done():
				q.mu.Lock()
				q.notEmpty.Broadcast()
				q.mu.Unlock()
			case <-done:
			}
		}()
	}
	defer close(done)

	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		if ctx != nil {
			select {
			case <-ctx.Done():
				var zero T
				return zero, ctx.Err()
			default:
			}
		}

		item, ok := q.popReadiest()
		if ok {
			return item, nil
		}
		if q.closed {
			var zero T
			return zero, ErrClosed
		}
		q.notEmpty.Wait()
	}
}

// popReadiest selects and pops from the highest-priority, oldest-served
// non-empty partition, garbage-collecting any empty partitions it passes
// over.
func (q *Queue[T]) popReadiest() (T, bool) {
	h := &readyHeap[T]{}
	var emptyKeys []snowflake.ID
	for key, p := range q.partitions {
		if len(p.items) == 0 {
			emptyKeys = append(emptyKeys, key)
			continue
		}
		heap.Push(h, p)
	}
	for _, k := range emptyKeys {
		delete(q.partitions, k)
	}
	if h.Len() == 0 {
		var zero T
		return zero, false
	}
	p := heap.Pop(h).(*partition[T])
	item := p.items[0]
	p.items = p.items[1:]
	p.lastIteratedAt = time.Now()
	if len(p.items) == 0 {
		delete(q.partitions, p.key)
	}
	return item, true
}

// Size returns the queued item count for one partition.
func (q *Queue[T]) Size(key snowflake.ID) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if p, ok := q.partitions[key]; ok {
		return len(p.items)
	}
	return 0
}

// TotalSize returns the queued item count across all partitions.
func (q *Queue[T]) TotalSize() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	total := 0
	for _, p := range q.partitions {
		total += len(p.items)
	}
	return total
}

// Clear removes and returns every item queued under key.
func (q *Queue[T]) Clear(key snowflake.ID) []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	p, ok := q.partitions[key]
	if !ok {
		return nil
	}
	items := p.items
	delete(q.partitions, key)
	return items
}

// Close marks the queue closed; blocked and future Get calls return
// ErrClosed once drained.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.notEmpty.Broadcast()
}
