// Package memory is an in-process store for tests, examples, and
// single-process deployments that do not need persistence. Everything is
// guarded by one mutex; the mutex is what makes EstablishLock a true
// compare-and-set.
package memory

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/uniqueue/uniqueue/pkg/queue"
)

// Ensure *MemoryStore implements queue.Store at compile time.
var _ queue.Store = (*MemoryStore)(nil)

type MemoryStore struct {
	mu           sync.Mutex
	items        []*queue.Item
	queues       map[string]time.Time
	nextItemID   int64
	nextConsumer int64
}

func New() *MemoryStore {
	return &MemoryStore{queues: make(map[string]time.Time)}
}

func (s *MemoryStore) Enqueue(ctx context.Context, it *queue.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if it.UniqueToken != "" {
		if existing := s.findToken(it.Queue, it.UniqueToken); existing != nil {
			if existing.Priority < it.Priority {
				existing.Priority = it.Priority
			}
			it.ID = existing.ID
			it.Created = existing.Created
			return nil
		}
	}

	s.nextItemID++
	stored := &queue.Item{
		ID:          s.nextItemID,
		Queue:       it.Queue,
		Payload:     append([]byte(nil), it.Payload...),
		UniqueToken: it.UniqueToken,
		Priority:    it.Priority,
		Created:     time.Now(),
	}
	s.items = append(s.items, stored)
	it.ID = stored.ID
	it.Created = stored.Created
	return nil
}

func (s *MemoryStore) Seek(ctx context.Context, queueName, token string, priority int) (queue.SeekState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing := s.findToken(queueName, token)
	switch {
	case existing == nil:
		return queue.SeekMissing, nil
	case existing.Priority < priority:
		return queue.SeekUpdateRequired, nil
	default:
		return queue.SeekMatch, nil
	}
}

func (s *MemoryStore) UpdatePriority(ctx context.Context, queueName, token string, priority int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing := s.findToken(queueName, token); existing != nil && existing.Priority < priority {
		existing.Priority = priority
	}
	return nil
}

func (s *MemoryStore) Peek(ctx context.Context, queueName string, minPriority *int) (*queue.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var best *queue.Item
	for _, it := range s.items {
		if it.Queue != queueName || !it.Claimable(now) {
			continue
		}
		if minPriority != nil && it.Priority < *minPriority {
			continue
		}
		if best == nil || servedBefore(it, best) {
			best = it
		}
	}
	if best == nil {
		return nil, nil
	}
	return copyItem(best), nil
}

func (s *MemoryStore) EstablishLock(ctx context.Context, queueName string, itemID int64, consumerID string, lease time.Duration) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for _, it := range s.items {
		if it.Queue != queueName || it.ID != itemID {
			continue
		}
		if !it.Claimable(now) {
			return time.Time{}, false, nil
		}
		expires := now.Add(lease)
		holder := consumerID
		it.ConsumerID = &holder
		it.LockExpires = &expires
		return expires, true, nil
	}
	return time.Time{}, false, nil
}

func (s *MemoryStore) FreeLocks(ctx context.Context, queueName string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	freed := 0
	for _, it := range s.items {
		if it.Queue != queueName || it.LockExpires == nil || !it.LockExpires.Before(now) {
			continue
		}
		it.ConsumerID = nil
		it.LockExpires = nil
		freed++
	}
	return freed, nil
}

func (s *MemoryStore) NextConsumerID(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextConsumer++
	return strconv.FormatInt(s.nextConsumer, 10), nil
}

func (s *MemoryStore) DigestToken(raw []byte) string {
	return queue.TokenDigest(raw)
}

func (s *MemoryStore) ItemsLeft(ctx context.Context, queueName string, minPriority *int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	count := 0
	for _, it := range s.items {
		if it.Queue != queueName || !it.Claimable(now) {
			continue
		}
		if minPriority != nil && it.Priority < *minPriority {
			continue
		}
		count++
	}
	return count, nil
}

func (s *MemoryStore) DeleteItem(ctx context.Context, queueName string, itemID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, it := range s.items {
		if it.Queue == queueName && it.ID == itemID {
			s.items = append(s.items[:i], s.items[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) DeleteQueue(ctx context.Context, queueName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.items[:0]
	for _, it := range s.items {
		if it.Queue != queueName {
			kept = append(kept, it)
		}
	}
	s.items = kept
	return nil
}

func (s *MemoryStore) ListItems(ctx context.Context, queueName string) ([]queue.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []queue.Item
	for _, it := range s.items {
		if it.Queue == queueName {
			out = append(out, *copyItem(it))
		}
	}
	return out, nil
}

func (s *MemoryStore) ItemPeek(ctx context.Context, queueName, token string) (*queue.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing := s.findToken(queueName, token)
	if existing == nil {
		return nil, nil
	}
	return copyItem(existing), nil
}

func (s *MemoryStore) RegisterQueue(ctx context.Context, queueName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.queues[queueName]; !ok {
		s.queues[queueName] = time.Now()
	}
	return nil
}

func (s *MemoryStore) ListQueues(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.queues))
	for name := range s.queues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// findToken returns the live item stored under token, or nil. Caller holds
// the mutex.
func (s *MemoryStore) findToken(queueName, token string) *queue.Item {
	if token == "" {
		return nil
	}
	for _, it := range s.items {
		if it.Queue == queueName && it.UniqueToken == token {
			return it
		}
	}
	return nil
}

// servedBefore reports whether a is delivered ahead of b: priority desc,
// then created asc, then id asc.
func servedBefore(a, b *queue.Item) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.Created.Equal(b.Created) {
		return a.Created.Before(b.Created)
	}
	return a.ID < b.ID
}

// copyItem detaches the returned item from store-internal state.
func copyItem(it *queue.Item) *queue.Item {
	out := *it
	out.Payload = append([]byte(nil), it.Payload...)
	if it.ConsumerID != nil {
		v := *it.ConsumerID
		out.ConsumerID = &v
	}
	if it.LockExpires != nil {
		v := *it.LockExpires
		out.LockExpires = &v
	}
	return &out
}
