package pebblestore

import (
	"context"
	"encoding/binary"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/uniqueue/uniqueue/pkg/queue"
)

// Ensure *PebbleStore implements queue.Store at compile time.
var _ queue.Store = (*PebbleStore)(nil)

type PebbleStore struct {
	db *pebble.DB

	mu           sync.Mutex
	nextItemID   int64
	nextConsumer int64
}

// Open creates or opens a Pebble database in dir and restores the id
// counters from it.
func Open(dir string) (*PebbleStore, error) {
	if dir == "" {
		return nil, errors.New("pebblestore: empty data dir")
	}
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, err
	}

	s := &PebbleStore{db: db}
	if s.nextItemID, err = s.loadCounter(keyNextItem); err != nil {
		_ = db.Close()
		return nil, err
	}
	if s.nextConsumer, err = s.loadCounter(keyNextConsumer); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PebbleStore) Close() error {
	return s.db.Close()
}

// Enqueue writes the record and its index entries in one batch. The store
// mutex serializes enqueues, so the token check and the write act as a
// single step.
func (s *PebbleStore) Enqueue(ctx context.Context, it *queue.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if it.UniqueToken != "" {
		existing, err := s.itemByToken(it.Queue, it.UniqueToken)
		if err != nil {
			return err
		}
		if existing != nil {
			if existing.Priority < it.Priority {
				if err := s.raisePriority(existing, it.Priority); err != nil {
					return err
				}
			}
			it.ID = existing.ID
			it.Created = existing.Created
			return nil
		}
	}

	id := s.nextItemID + 1
	now := time.Now()
	stored := &queue.Item{
		ID:          id,
		Queue:       it.Queue,
		Payload:     it.Payload,
		UniqueToken: it.UniqueToken,
		Priority:    it.Priority,
		Created:     now,
	}
	rec, err := encodeItem(stored)
	if err != nil {
		return err
	}

	b := s.db.NewBatch()
	defer b.Close()
	_ = b.Set(itemKey(it.Queue, id), rec, nil)
	_ = b.Set(availKey(it.Queue, it.Priority, now.UnixNano(), id), nil, nil)
	if it.UniqueToken != "" {
		_ = b.Set(tokenKey(it.Queue, it.UniqueToken), encodeCounter(id), nil)
	}
	_ = b.Set([]byte(keyNextItem), encodeCounter(id), nil)
	if err := b.Commit(pebble.Sync); err != nil {
		return err
	}
	s.nextItemID = id
	it.ID = id
	it.Created = now
	return nil
}

func (s *PebbleStore) Seek(ctx context.Context, queueName, token string, priority int) (queue.SeekState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.itemByToken(queueName, token)
	if err != nil {
		return queue.SeekMissing, err
	}
	switch {
	case existing == nil:
		return queue.SeekMissing, nil
	case existing.Priority < priority:
		return queue.SeekUpdateRequired, nil
	default:
		return queue.SeekMatch, nil
	}
}

func (s *PebbleStore) UpdatePriority(ctx context.Context, queueName, token string, priority int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.itemByToken(queueName, token)
	if err != nil || existing == nil {
		return err
	}
	if existing.Priority >= priority {
		return nil
	}
	return s.raisePriority(existing, priority)
}

// raisePriority rewrites the record and, while the item is unclaimed, moves
// its avail entry to the new slot. Caller holds the mutex.
func (s *PebbleStore) raisePriority(it *queue.Item, priority int) error {
	oldPriority := it.Priority
	it.Priority = priority
	rec, err := encodeItem(it)
	if err != nil {
		return err
	}

	b := s.db.NewBatch()
	defer b.Close()
	_ = b.Set(itemKey(it.Queue, it.ID), rec, nil)
	if it.ConsumerID == nil {
		created := it.Created.UnixNano()
		_ = b.Delete(availKey(it.Queue, oldPriority, created, it.ID), nil)
		_ = b.Set(availKey(it.Queue, priority, created, it.ID), nil, nil)
	}
	return b.Commit(pebble.Sync)
}

func (s *PebbleStore) Peek(ctx context.Context, queueName string, minPriority *int) (*queue.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prefix := queuePrefix(queueName) + prefixAvail
	lo, hi := keyRange(prefix)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	for ok := iter.First(); ok; ok = iter.Next() {
		k := iter.Key()
		if len(k) < len(prefix)+24 {
			continue
		}
		priority := priorityFromDesc(binary.BigEndian.Uint64(k[len(prefix):]))
		if minPriority != nil && priority < *minPriority {
			return nil, nil
		}
		id := int64(binary.BigEndian.Uint64(k[len(prefix)+16:]))
		return s.getItem(queueName, id)
	}
	return nil, nil
}

// EstablishLock claims the item if it is still claimable. The store mutex
// makes the check and the write atomic.
func (s *PebbleStore) EstablishLock(ctx context.Context, queueName string, itemID int64, consumerID string, lease time.Duration) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, err := s.getItem(queueName, itemID)
	if err != nil {
		return time.Time{}, false, err
	}
	now := time.Now()
	if it == nil || !it.Claimable(now) {
		return time.Time{}, false, nil
	}

	expires := now.Add(lease)
	holder := consumerID
	it.ConsumerID = &holder
	it.LockExpires = &expires
	rec, err := encodeItem(it)
	if err != nil {
		return time.Time{}, false, err
	}

	b := s.db.NewBatch()
	defer b.Close()
	_ = b.Set(itemKey(queueName, itemID), rec, nil)
	_ = b.Delete(availKey(queueName, it.Priority, it.Created.UnixNano(), itemID), nil)
	_ = b.Set(leaseIdxKey(queueName, expires.UnixNano(), itemID), nil, nil)
	if err := b.Commit(pebble.Sync); err != nil {
		return time.Time{}, false, err
	}
	return expires, true, nil
}

// FreeLocks walks the expiry index, which sorts by expiry time, and stops
// at the first lock that is still live.
func (s *PebbleStore) FreeLocks(ctx context.Context, queueName string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prefix := queuePrefix(queueName) + prefixLease
	lo, hi := keyRange(prefix)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	nowNanos := time.Now().UnixNano()
	b := s.db.NewBatch()
	defer b.Close()
	freed := 0
	for ok := iter.First(); ok; ok = iter.Next() {
		k := iter.Key()
		if len(k) < len(prefix)+16 {
			continue
		}
		expires := int64(binary.BigEndian.Uint64(k[len(prefix):]))
		if expires >= nowNanos {
			break
		}
		id := int64(binary.BigEndian.Uint64(k[len(k)-8:]))
		_ = b.Delete(k, nil)

		it, err := s.getItem(queueName, id)
		if err != nil {
			return 0, err
		}
		if it == nil {
			// Orphaned index entry; the delete above cleans it up.
			continue
		}
		it.ConsumerID = nil
		it.LockExpires = nil
		rec, err := encodeItem(it)
		if err != nil {
			return 0, err
		}
		_ = b.Set(itemKey(queueName, id), rec, nil)
		_ = b.Set(availKey(queueName, it.Priority, it.Created.UnixNano(), id), nil, nil)
		freed++
	}
	if b.Count() == 0 {
		return 0, nil
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return 0, err
	}
	return freed, nil
}

func (s *PebbleStore) NextConsumerID(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.nextConsumer + 1
	if err := s.db.Set([]byte(keyNextConsumer), encodeCounter(n), pebble.Sync); err != nil {
		return "", err
	}
	s.nextConsumer = n
	return strconv.FormatInt(n, 10), nil
}

func (s *PebbleStore) DigestToken(raw []byte) string {
	return queue.TokenDigest(raw)
}

// ItemsLeft counts the claimable index. With a floor the walk stops at the
// first entry below it, since the index sorts by priority first.
func (s *PebbleStore) ItemsLeft(ctx context.Context, queueName string, minPriority *int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prefix := queuePrefix(queueName) + prefixAvail
	lo, hi := keyRange(prefix)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	count := 0
	for ok := iter.First(); ok; ok = iter.Next() {
		k := iter.Key()
		if len(k) < len(prefix)+24 {
			continue
		}
		if minPriority != nil {
			priority := priorityFromDesc(binary.BigEndian.Uint64(k[len(prefix):]))
			if priority < *minPriority {
				break
			}
		}
		count++
	}
	return count, nil
}

func (s *PebbleStore) DeleteItem(ctx context.Context, queueName string, itemID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, err := s.getItem(queueName, itemID)
	if err != nil {
		return false, err
	}
	if it == nil {
		return false, nil
	}

	b := s.db.NewBatch()
	defer b.Close()
	_ = b.Delete(itemKey(queueName, itemID), nil)
	if it.UniqueToken != "" {
		_ = b.Delete(tokenKey(queueName, it.UniqueToken), nil)
	}
	if it.ConsumerID == nil {
		_ = b.Delete(availKey(queueName, it.Priority, it.Created.UnixNano(), itemID), nil)
	}
	if it.LockExpires != nil {
		_ = b.Delete(leaseIdxKey(queueName, it.LockExpires.UnixNano(), itemID), nil)
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return false, err
	}
	return true, nil
}

// DeleteQueue drops the queue's records and indexes in one range delete.
// The registry entry stays, so the queue still lists.
func (s *PebbleStore) DeleteQueue(ctx context.Context, queueName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lo, hi := keyRange(queuePrefix(queueName))
	b := s.db.NewBatch()
	defer b.Close()
	_ = b.DeleteRange(lo, hi, nil)
	return b.Commit(pebble.Sync)
}

func (s *PebbleStore) ListItems(ctx context.Context, queueName string) ([]queue.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lo, hi := keyRange(queuePrefix(queueName) + prefixItem)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []queue.Item
	for ok := iter.First(); ok; ok = iter.Next() {
		it, err := decodeItem(iter.Value())
		if err != nil {
			return nil, err
		}
		out = append(out, *it)
	}
	return out, nil
}

func (s *PebbleStore) ItemPeek(ctx context.Context, queueName, token string) (*queue.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.itemByToken(queueName, token)
}

func (s *PebbleStore) RegisterQueue(ctx context.Context, queueName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, closer, err := s.db.Get(queueKey(queueName))
	if err == nil {
		_ = closer.Close()
		return nil
	}
	if !errors.Is(err, pebble.ErrNotFound) {
		return err
	}
	return s.db.Set(queueKey(queueName), encodeCounter(time.Now().UnixNano()), pebble.Sync)
}

func (s *PebbleStore) ListQueues(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lo, hi := keyRange(prefixQueues)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var names []string
	for ok := iter.First(); ok; ok = iter.Next() {
		names = append(names, string(iter.Key()[len(prefixQueues):]))
	}
	return names, nil
}

// getItem loads and decodes one item record. Missing ids return nil.
func (s *PebbleStore) getItem(queueName string, id int64) (*queue.Item, error) {
	val, closer, err := s.db.Get(itemKey(queueName, id))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return decodeItem(val)
}

// itemByToken resolves the token index to its item. Caller holds the mutex.
func (s *PebbleStore) itemByToken(queueName, token string) (*queue.Item, error) {
	if token == "" {
		return nil, nil
	}
	val, closer, err := s.db.Get(tokenKey(queueName, token))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(val) < 8 {
		_ = closer.Close()
		return nil, errCorruptRecord
	}
	id := int64(binary.BigEndian.Uint64(val))
	_ = closer.Close()
	return s.getItem(queueName, id)
}

func (s *PebbleStore) loadCounter(key string) (int64, error) {
	val, closer, err := s.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer closer.Close()
	if len(val) < 8 {
		return 0, nil
	}
	return int64(binary.BigEndian.Uint64(val)), nil
}

func encodeCounter(n int64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(n))
	return buf[:]
}
