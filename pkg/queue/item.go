package queue

import "time"

// Item is one pending or leased unit of work.
type Item struct {
	ID          int64      `json:"id"`
	Queue       string     `json:"queue"`
	Data        any        `json:"data"`
	Payload     []byte     `json:"-"`
	UniqueToken string     `json:"unique_token,omitempty"`
	Priority    int        `json:"priority"`
	Created     time.Time  `json:"created"`
	ConsumerID  *string    `json:"consumer_id,omitempty"`
	LockExpires *time.Time `json:"lock_expires,omitempty"`
}

// Claimable reports whether the item may be handed to a consumer: nobody
// holds it and no lease is recorded (an expired lease stays in place until
// reclamation clears it).
func (it *Item) Claimable(now time.Time) bool {
	return it.ConsumerID == nil && (it.LockExpires == nil || it.LockExpires.Before(now))
}

// CreateOptions controls uniqueness and priority at insert time.
type CreateOptions struct {
	// Priority orders delivery, higher first. Negative values are allowed
	// and preserved.
	Priority int

	// UniqueKey enforces at most one live item per key within the queue.
	// The key is digested by the backend before storage. Takes precedence
	// over UniqueFromPayload so large payloads are not serialized twice.
	UniqueKey string

	// UniqueFromPayload digests the encoded payload itself as the unique
	// key.
	UniqueFromPayload bool
}

// ClaimOptions controls how an item is leased.
type ClaimOptions struct {
	// Lease is how long the claim is held before it may be reclaimed.
	// Zero means the queue's configured default.
	Lease time.Duration

	// MinPriority filters the claim to items at or above this priority.
	// nil means no filter; an explicit 0 excludes negative priorities.
	MinPriority *int
}
