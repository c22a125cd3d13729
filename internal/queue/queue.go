package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"media-pipeline-service/internal/entity"
)

var (
	// ErrQueueFull is returned by Enqueue when the queue already holds
	// the configured maximum of outstanding items.
	ErrQueueFull = errors.New("queue full")

	// ErrStoreUnavailable wraps failures of the backing key-value store.
	ErrStoreUnavailable = errors.New("queue store unavailable")
)

// DefaultMaxItems caps outstanding items per queue so producers cannot
// grow the blob without bound when a consumer is slow or broken.
const DefaultMaxItems = 10

// NamedQueue is a FIFO of QueueItem persisted as a single JSON blob
// under "queue_" + name. Every mutation rewrites the whole blob before
// it is considered durable; there is no partial update.
//
// One consumer per queue is assumed (enforced by scheduler.Manager).
// An item handed out by Dequeue exists only in memory until the
// consumer persists a success or a retry re-append, so a crash in that
// window loses the item.
type NamedQueue struct {
	name string
	key  string
	kv   KV
	max  int

	mu     sync.Mutex
	items  []entity.QueueItem
	loaded bool
}

// New returns the queue named name backed by kv. maxItems <= 0 selects
// DefaultMaxItems. The persisted blob is read lazily on first use.
func New(name string, kv KV, maxItems int) *NamedQueue {
	if maxItems <= 0 {
		maxItems = DefaultMaxItems
	}
	return &NamedQueue{
		name: name,
		key:  "queue_" + name,
		kv:   kv,
		max:  maxItems,
	}
}

func (q *NamedQueue) Name() string { return q.name }

// load rehydrates the in-memory sequence from the persisted blob.
// Caller holds q.mu.
func (q *NamedQueue) load(ctx context.Context) error {
	if q.loaded {
		return nil
	}
	b, err := q.kv.Get(ctx, q.key)
	if err != nil {
		return fmt.Errorf("%w: get %s: %v", ErrStoreUnavailable, q.key, err)
	}
	if len(b) > 0 {
		if err := json.Unmarshal(b, &q.items); err != nil {
			return fmt.Errorf("decode queue %s: %w", q.name, err)
		}
	}
	q.loaded = true
	return nil
}

// persist rewrites the full blob. Caller holds q.mu.
func (q *NamedQueue) persist(ctx context.Context) error {
	b, err := json.Marshal(q.items)
	if err != nil {
		return fmt.Errorf("encode queue %s: %w", q.name, err)
	}
	if err := q.kv.Set(ctx, q.key, b); err != nil {
		return fmt.Errorf("%w: set %s: %v", ErrStoreUnavailable, q.key, err)
	}
	return nil
}

// Enqueue appends item to the tail. Returns ErrQueueFull when the
// queue already holds its maximum of outstanding items.
func (q *NamedQueue) Enqueue(ctx context.Context, item entity.QueueItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.load(ctx); err != nil {
		return err
	}
	if len(q.items) >= q.max {
		return fmt.Errorf("%w: %s holds %d items", ErrQueueFull, q.name, len(q.items))
	}
	q.items = append(q.items, item)
	if err := q.persist(ctx); err != nil {
		q.items = q.items[:len(q.items)-1]
		return err
	}
	return nil
}

// Dequeue pops the head item. ok is false when the queue is empty.
// The blob is rewritten without the item before it is returned, so a
// consumer crash before acknowledging loses it (see type comment).
func (q *NamedQueue) Dequeue(ctx context.Context) (item entity.QueueItem, ok bool, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.load(ctx); err != nil {
		return entity.QueueItem{}, false, err
	}
	if len(q.items) == 0 {
		return entity.QueueItem{}, false, nil
	}
	head := q.items[0]
	rest := q.items[1:]
	prev := q.items
	q.items = rest
	if err := q.persist(ctx); err != nil {
		q.items = prev
		return entity.QueueItem{}, false, err
	}
	return head, true, nil
}

// Reappend pushes a failed item back to the tail so other queued work
// is not starved by a repeatedly failing item. Retry path only.
func (q *NamedQueue) Reappend(ctx context.Context, item entity.QueueItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.load(ctx); err != nil {
		return err
	}
	q.items = append(q.items, item)
	if err := q.persist(ctx); err != nil {
		q.items = q.items[:len(q.items)-1]
		return err
	}
	return nil
}

// Len reports the number of pending items.
func (q *NamedQueue) Len(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.load(ctx); err != nil {
		return 0, err
	}
	return len(q.items), nil
}
