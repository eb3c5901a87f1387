package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/uniqueue/uniqueue/internal/metrics"
)

// DefaultLease is used when neither the registry nor the claim call
// specifies one.
const DefaultLease = 5 * time.Minute

// Queue is a handle on one named queue. It owns the queue name and a
// lazily minted consumer id, and delegates storage and locking to its
// Store. Handles are safe for concurrent use.
type Queue struct {
	name         string
	backendType  string
	store        Store
	codec        Codec
	defaultLease time.Duration

	mu         sync.Mutex
	consumerID string
}

// QueueOptions configures a handle constructed outside a Registry.
type QueueOptions struct {
	Codec        Codec
	DefaultLease time.Duration
}

// New builds a standalone handle. Most callers obtain handles from a
// Registry instead, which caches one per name.
func New(name string, st Store, opts QueueOptions) *Queue {
	codec := opts.Codec
	if codec == nil {
		codec = JSONCodec{}
	}
	lease := opts.DefaultLease
	if lease <= 0 {
		lease = DefaultLease
	}
	return &Queue{
		name:         name,
		store:        st,
		codec:        codec,
		defaultLease: lease,
	}
}

// Name returns the queue name this handle is bound to.
func (q *Queue) Name() string { return q.name }

// Backend returns the backend type the handle was constructed with, or ""
// for standalone handles.
func (q *Queue) Backend() string { return q.backendType }

// CreateItem encodes data and inserts it, reconciling against an existing
// item when a uniqueness option is set: a missing token inserts, a lower
// stored priority is raised to the requested one, and a matching or higher
// stored priority is a no-op. The stored payload is never replaced, so the
// first write's payload wins for the life of the item.
func (q *Queue) CreateItem(ctx context.Context, data any, opts CreateOptions) error {
	payload, err := q.codec.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	var token string
	switch {
	case opts.UniqueKey != "":
		token = q.store.DigestToken([]byte(opts.UniqueKey))
	case opts.UniqueFromPayload:
		token = q.store.DigestToken(payload)
	}

	it := &Item{
		Queue:       q.name,
		Payload:     payload,
		UniqueToken: token,
		Priority:    opts.Priority,
	}

	if token == "" {
		if err := q.store.Enqueue(ctx, it); err != nil {
			return fmt.Errorf("enqueue: %w", err)
		}
		metrics.ItemsCreated.WithLabelValues(q.name).Inc()
		return nil
	}

	state, err := q.store.Seek(ctx, q.name, token, opts.Priority)
	if err != nil {
		return fmt.Errorf("seek token: %w", err)
	}
	switch state {
	case SeekMissing:
		// Tokened enqueues are upserts, so losing a race here degrades
		// into a priority raise on the winner's row.
		if err := q.store.Enqueue(ctx, it); err != nil {
			return fmt.Errorf("enqueue: %w", err)
		}
		metrics.ItemsCreated.WithLabelValues(q.name).Inc()
	case SeekUpdateRequired:
		if err := q.store.UpdatePriority(ctx, q.name, token, opts.Priority); err != nil {
			return fmt.Errorf("raise priority: %w", err)
		}
		metrics.PrioritiesRaised.WithLabelValues(q.name).Inc()
	case SeekMatch:
		metrics.ItemsDeduplicated.WithLabelValues(q.name).Inc()
	}
	return nil
}

// ClaimItem leases the best claimable item to this handle and returns it
// with the payload decoded, or (nil, nil) when nothing is claimable. Lost
// lock races are retried internally: each failed attempt means another
// consumer took that item, so the next peek sees a fresh candidate set.
func (q *Queue) ClaimItem(ctx context.Context, opts ClaimOptions) (*Item, error) {
	lease := opts.Lease
	if lease <= 0 {
		lease = q.defaultLease
	}
	consumer, err := q.consumer(ctx)
	if err != nil {
		return nil, err
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		it, err := q.store.Peek(ctx, q.name, opts.MinPriority)
		if err != nil {
			return nil, fmt.Errorf("peek: %w", err)
		}
		if it == nil {
			return nil, nil
		}
		expires, ok, err := q.store.EstablishLock(ctx, q.name, it.ID, consumer, lease)
		if err != nil {
			return nil, fmt.Errorf("establish lock: %w", err)
		}
		if !ok {
			metrics.ClaimRetries.WithLabelValues(q.name).Inc()
			continue
		}
		it.ConsumerID = &consumer
		it.LockExpires = &expires
		data, err := q.codec.Unmarshal(it.Payload)
		if err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
		it.Data = data
		metrics.ItemsClaimed.WithLabelValues(q.name).Inc()
		return it, nil
	}
}

// DeleteItem removes the item permanently, locked or not. False means it
// was already gone, which is idempotent-delete feedback rather than an
// error.
func (q *Queue) DeleteItem(ctx context.Context, it *Item) (bool, error) {
	if it == nil {
		return false, nil
	}
	ok, err := q.store.DeleteItem(ctx, q.name, it.ID)
	if err != nil {
		return false, fmt.Errorf("delete item %d: %w", it.ID, err)
	}
	if ok {
		metrics.ItemsDeleted.WithLabelValues(q.name).Inc()
	}
	return ok, nil
}

// DeleteQueue wipes every item of this queue, locked or not.
func (q *Queue) DeleteQueue(ctx context.Context) error {
	if err := q.store.DeleteQueue(ctx, q.name); err != nil {
		return fmt.Errorf("delete queue %s: %w", q.name, err)
	}
	return nil
}

// ItemsLeft counts claimable items. A nil minPriority counts everything
// claimable regardless of sign; an explicit 0 excludes negative
// priorities.
func (q *Queue) ItemsLeft(ctx context.Context, minPriority *int) (int, error) {
	return q.store.ItemsLeft(ctx, q.name, minPriority)
}

// ListItems returns every item of this queue in insertion order with
// payloads decoded. It never mutates lock state.
func (q *Queue) ListItems(ctx context.Context) ([]Item, error) {
	items, err := q.store.ListItems(ctx, q.name)
	if err != nil {
		return nil, err
	}
	for i := range items {
		data, err := q.codec.Unmarshal(items[i].Payload)
		if err != nil {
			return nil, fmt.Errorf("decode payload of item %d: %w", items[i].ID, err)
		}
		items[i].Data = data
	}
	return items, nil
}

// PeekItem looks up the item stored under uniqueKey, claimed or not,
// without touching lock state. The key runs through the same digest as
// CreateItem's UniqueKey. Nil when absent.
func (q *Queue) PeekItem(ctx context.Context, uniqueKey string) (*Item, error) {
	if uniqueKey == "" {
		return nil, nil
	}
	token := q.store.DigestToken([]byte(uniqueKey))
	it, err := q.store.ItemPeek(ctx, q.name, token)
	if err != nil || it == nil {
		return nil, err
	}
	data, err := q.codec.Unmarshal(it.Payload)
	if err != nil {
		return nil, fmt.Errorf("decode payload of item %d: %w", it.ID, err)
	}
	it.Data = data
	return it, nil
}

// FreeLocks releases every expired lease of this queue and returns how
// many were cleared. Idempotent, and safe to run concurrently with claims.
func (q *Queue) FreeLocks(ctx context.Context) (int, error) {
	n, err := q.store.FreeLocks(ctx, q.name)
	if err != nil {
		return 0, fmt.Errorf("free locks: %w", err)
	}
	if n > 0 {
		metrics.LocksReclaimed.WithLabelValues(q.name).Add(float64(n))
	}
	return n, nil
}

// consumer returns this handle's consumer id, minting it on first use.
func (q *Queue) consumer(ctx context.Context) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.consumerID == "" {
		id, err := q.store.NextConsumerID(ctx)
		if err != nil {
			return "", fmt.Errorf("assign consumer id: %w", err)
		}
		q.consumerID = id
	}
	return q.consumerID, nil
}
