package pebblestore

import (
	"encoding/binary"
	"fmt"
)

// Key prefixes under a queue's base prefix.
const (
	prefixItem  = "item/"
	prefixAvail = "avail/"
	prefixToken = "token/"
	prefixLease = "lease_idx/"
)

// Top-level keys outside any queue prefix.
const (
	prefixQueues    = "queues/"
	keyNextItem     = "meta/next_item"
	keyNextConsumer = "meta/next_consumer"
)

// queuePrefix returns the base prefix for a queue's keys.
// Format: q/{queue}/
func queuePrefix(queueName string) string {
	return fmt.Sprintf("q/%s/", queueName)
}

// itemKey returns the record key for an item.
// Format: q/{queue}/item/{id}
func itemKey(queueName string, id int64) []byte {
	prefix := queuePrefix(queueName) + prefixItem
	key := make([]byte, len(prefix)+8)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], uint64(id))
	return key
}

// availKey returns the claimable-index key for an item. Entries sort in
// delivery order: priority descending, then created ascending, then id.
// Format: q/{queue}/avail/{^priority}/{created}/{id}
func availKey(queueName string, priority int, createdNanos, id int64) []byte {
	prefix := queuePrefix(queueName) + prefixAvail
	key := make([]byte, len(prefix)+24)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], descPriority(priority))
	binary.BigEndian.PutUint64(key[len(prefix)+8:], uint64(createdNanos))
	binary.BigEndian.PutUint64(key[len(prefix)+16:], uint64(id))
	return key
}

// tokenKey returns the token-index key.
// Format: q/{queue}/token/{token}
func tokenKey(queueName, token string) []byte {
	return []byte(queuePrefix(queueName) + prefixToken + token)
}

// leaseIdxKey returns the lock-expiry index key.
// Format: q/{queue}/lease_idx/{expires}/{id}
func leaseIdxKey(queueName string, expiresNanos, id int64) []byte {
	prefix := queuePrefix(queueName) + prefixLease
	key := make([]byte, len(prefix)+16)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], uint64(expiresNanos))
	binary.BigEndian.PutUint64(key[len(prefix)+8:], uint64(id))
	return key
}

// queueKey returns the registry key for a queue name.
// Format: queues/{name}
func queueKey(queueName string) []byte {
	return []byte(prefixQueues + queueName)
}

// keyRange returns start and end keys for scanning a prefix.
// The end key is exclusive (prefix + 0xFF suffix).
func keyRange(prefix string) ([]byte, []byte) {
	start := []byte(prefix)
	end := make([]byte, len(prefix)+1)
	copy(end, prefix)
	end[len(prefix)] = 0xFF
	return start, end
}

// descPriority maps a priority to an encoding that sorts higher priorities
// first under big-endian byte order. The sign bit is flipped to keep
// negative priorities ordered, then all bits are inverted for the
// descending direction.
func descPriority(p int) uint64 {
	return ^(uint64(int64(p)) ^ (1 << 63))
}

// priorityFromDesc is the inverse of descPriority.
func priorityFromDesc(enc uint64) int {
	return int(int64(^enc ^ (1 << 63)))
}
