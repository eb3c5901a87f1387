package queue

import (
	"context"
	"crypto/sha512"
	"encoding/hex"
	"time"
)

// SeekState is the outcome of matching a unique token against the store.
type SeekState int

const (
	// SeekMissing means no live item carries the token.
	SeekMissing SeekState = iota
	// SeekUpdateRequired means an item exists but at a lower priority.
	SeekUpdateRequired
	// SeekMatch means an item exists at or above the requested priority.
	SeekMatch
)

// Store is the storage-agnostic capability set the engine runs on. One
// store instance serves every queue name; all operations are scoped by the
// queue name they receive.
type Store interface {
	// Enqueue inserts the item and fills in its ID and Created fields.
	// When the item carries a unique token the insert must be an atomic
	// upsert: a concurrent insert under the same token resolves to a
	// monotonic priority raise on the surviving row instead of a
	// duplicate.
	Enqueue(ctx context.Context, it *Item) error

	// Seek classifies the token against the stored state.
	Seek(ctx context.Context, queueName, token string, priority int) (SeekState, error)

	// UpdatePriority raises the stored priority for the token. It never
	// lowers it.
	UpdatePriority(ctx context.Context, queueName, token string, priority int) error

	// Peek returns the best claimable candidate (priority desc, created
	// asc, id asc), or nil when nothing is claimable. It has no side
	// effects.
	Peek(ctx context.Context, queueName string, minPriority *int) (*Item, error)

	// EstablishLock atomically claims the item for consumerID if and only
	// if it is still claimable at the moment of the attempt. It is a
	// single conditional write, never a read followed by a write; the
	// returned bool is the success signal.
	EstablishLock(ctx context.Context, queueName string, itemID int64, consumerID string, lease time.Duration) (time.Time, bool, error)

	// FreeLocks clears consumer and lease state from every item of the
	// queue whose lease expired, returning how many were cleared.
	FreeLocks(ctx context.Context, queueName string) (int, error)

	// NextConsumerID mints an identity no other consumer of this store
	// has been handed.
	NextConsumerID(ctx context.Context) (string, error)

	// DigestToken normalizes an arbitrary-length raw key to the bounded,
	// indexable token stored with the item.
	DigestToken(raw []byte) string

	// ItemsLeft counts claimable items, optionally filtered to a minimum
	// priority.
	ItemsLeft(ctx context.Context, queueName string, minPriority *int) (int, error)

	// DeleteItem removes the item regardless of lock state. False means
	// it was already gone.
	DeleteItem(ctx context.Context, queueName string, itemID int64) (bool, error)

	// DeleteQueue removes every item of the queue, locked or not.
	DeleteQueue(ctx context.Context, queueName string) error

	// ListItems returns every item of the queue in insertion order.
	ListItems(ctx context.Context, queueName string) ([]Item, error)

	// ItemPeek looks up a single item by token, claimed or not. Nil when
	// absent.
	ItemPeek(ctx context.Context, queueName, token string) (*Item, error)

	// RegisterQueue announces the queue name to the discovery mechanism.
	RegisterQueue(ctx context.Context, queueName string) error

	// ListQueues enumerates the queue names this store persists.
	ListQueues(ctx context.Context) ([]string, error)
}

// TokenDigest is the digest backends delegate to: SHA-384 over the raw
// key, hex encoded, so tokens of any length land on one indexable width.
func TokenDigest(raw []byte) string {
	sum := sha512.Sum384(raw)
	return hex.EncodeToString(sum[:])
}
