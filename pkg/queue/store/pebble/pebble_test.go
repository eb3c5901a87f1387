package pebblestore

import (
	"context"
	"testing"
	"time"

	"github.com/uniqueue/uniqueue/pkg/queue"
)

func openTestStore(t *testing.T) *PebbleStore {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestEnqueuePeekOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a := &queue.Item{Queue: "q", Payload: []byte("A"), Priority: 0}
	b := &queue.Item{Queue: "q", Payload: []byte("B"), Priority: 5}
	c := &queue.Item{Queue: "q", Payload: []byte("C"), Priority: 5}
	for _, it := range []*queue.Item{a, b, c} {
		if err := s.Enqueue(ctx, it); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	for i, want := range []*queue.Item{b, c, a} {
		it, err := s.Peek(ctx, "q", nil)
		if err != nil || it == nil {
			t.Fatalf("peek %d: %v", i, err)
		}
		if it.ID != want.ID {
			t.Fatalf("peek %d: want item %d, got %d", i, want.ID, it.ID)
		}
		if _, ok, err := s.EstablishLock(ctx, "q", it.ID, "c1", time.Minute); err != nil || !ok {
			t.Fatalf("lock %d: ok=%v err=%v", i, ok, err)
		}
	}
	if it, _ := s.Peek(ctx, "q", nil); it != nil {
		t.Fatalf("queue should be drained")
	}
}

func TestTokenUpsert(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	token := s.DigestToken([]byte("k"))

	first := &queue.Item{Queue: "q", Payload: []byte("first"), UniqueToken: token, Priority: 1}
	if err := s.Enqueue(ctx, first); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	second := &queue.Item{Queue: "q", Payload: []byte("second"), UniqueToken: token, Priority: 4}
	if err := s.Enqueue(ctx, second); err != nil {
		t.Fatalf("re-enqueue: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("upsert must resolve to the stored item, got %d and %d", first.ID, second.ID)
	}

	it, err := s.ItemPeek(ctx, "q", token)
	if err != nil || it == nil {
		t.Fatalf("peek: %v", err)
	}
	if it.Priority != 4 {
		t.Fatalf("priority should be raised to 4, got %d", it.Priority)
	}
	if string(it.Payload) != "first" {
		t.Fatalf("stored payload must not be replaced, got %q", it.Payload)
	}
	if n, _ := s.ItemsLeft(ctx, "q", nil); n != 1 {
		t.Fatalf("want a single avail entry after the raise, got %d", n)
	}

	// The raised priority must be reflected in delivery order too.
	low := &queue.Item{Queue: "q", Payload: []byte("low"), Priority: 2}
	if err := s.Enqueue(ctx, low); err != nil {
		t.Fatalf("enqueue low: %v", err)
	}
	got, _ := s.Peek(ctx, "q", nil)
	if got == nil || got.ID != first.ID {
		t.Fatalf("raised item must peek first, got %+v", got)
	}
}

func TestSeekStates(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	token := s.DigestToken([]byte("k"))

	if state, err := s.Seek(ctx, "q", token, 3); err != nil || state != queue.SeekMissing {
		t.Fatalf("want SeekMissing, got %v (%v)", state, err)
	}
	if err := s.Enqueue(ctx, &queue.Item{Queue: "q", Payload: []byte("x"), UniqueToken: token, Priority: 3}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if state, _ := s.Seek(ctx, "q", token, 5); state != queue.SeekUpdateRequired {
		t.Fatalf("want SeekUpdateRequired, got %v", state)
	}
	if state, _ := s.Seek(ctx, "q", token, 2); state != queue.SeekMatch {
		t.Fatalf("want SeekMatch, got %v", state)
	}
}

func TestEstablishLockHidesItem(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	it := &queue.Item{Queue: "q", Payload: []byte("x")}
	if err := s.Enqueue(ctx, it); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, ok, err := s.EstablishLock(ctx, "q", it.ID, "c1", time.Minute); err != nil || !ok {
		t.Fatalf("lock: ok=%v err=%v", ok, err)
	}

	if _, ok, _ := s.EstablishLock(ctx, "q", it.ID, "c2", time.Minute); ok {
		t.Fatalf("second lock must lose")
	}
	if got, _ := s.Peek(ctx, "q", nil); got != nil {
		t.Fatalf("locked item must leave the claimable index")
	}
	if n, _ := s.ItemsLeft(ctx, "q", nil); n != 0 {
		t.Fatalf("locked item must not be counted, got %d", n)
	}

	// Still visible to non-claiming reads.
	items, err := s.ListItems(ctx, "q")
	if err != nil || len(items) != 1 {
		t.Fatalf("list: %v (%d items)", err, len(items))
	}
	if items[0].ConsumerID == nil {
		t.Fatalf("listing must expose the lock holder")
	}
}

func TestFreeLocksRestores(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	it := &queue.Item{Queue: "q", Payload: []byte("x"), Priority: 3}
	if err := s.Enqueue(ctx, it); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, ok, _ := s.EstablishLock(ctx, "q", it.ID, "c1", 20*time.Millisecond); !ok {
		t.Fatalf("lock")
	}
	time.Sleep(50 * time.Millisecond)

	if got, _ := s.Peek(ctx, "q", nil); got != nil {
		t.Fatalf("expired item must stay hidden until reclamation")
	}
	freed, err := s.FreeLocks(ctx, "q")
	if err != nil || freed != 1 {
		t.Fatalf("free locks: %d (%v)", freed, err)
	}
	if freed, _ := s.FreeLocks(ctx, "q"); freed != 0 {
		t.Fatalf("second pass should free nothing, got %d", freed)
	}

	got, err := s.Peek(ctx, "q", nil)
	if err != nil || got == nil || got.ID != it.ID {
		t.Fatalf("restored item must peek again: %+v (%v)", got, err)
	}
	if got.ConsumerID != nil || got.LockExpires != nil {
		t.Fatalf("restored item must carry no lock state")
	}
	if got.Priority != 3 {
		t.Fatalf("restore must keep the priority, got %d", got.Priority)
	}
}

func TestFreeLocksKeepsLiveLeases(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	it := &queue.Item{Queue: "q", Payload: []byte("x")}
	if err := s.Enqueue(ctx, it); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, ok, _ := s.EstablishLock(ctx, "q", it.ID, "c1", time.Hour); !ok {
		t.Fatalf("lock")
	}
	if freed, err := s.FreeLocks(ctx, "q"); err != nil || freed != 0 {
		t.Fatalf("live lease must survive: %d (%v)", freed, err)
	}
}

func TestMinPriorityFloor(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, p := range []int{-5, 0, 3} {
		if err := s.Enqueue(ctx, &queue.Item{Queue: "q", Payload: []byte("x"), Priority: p}); err != nil {
			t.Fatalf("enqueue %d: %v", p, err)
		}
	}

	zero := 0
	it, err := s.Peek(ctx, "q", &zero)
	if err != nil || it == nil || it.Priority != 3 {
		t.Fatalf("peek with floor: %+v (%v)", it, err)
	}
	if n, _ := s.ItemsLeft(ctx, "q", nil); n != 3 {
		t.Fatalf("nil floor counts all, got %d", n)
	}
	if n, _ := s.ItemsLeft(ctx, "q", &zero); n != 2 {
		t.Fatalf("zero floor excludes negatives, got %d", n)
	}
	ten := 10
	if n, _ := s.ItemsLeft(ctx, "q", &ten); n != 0 {
		t.Fatalf("floor above range counts none, got %d", n)
	}
	if it, _ := s.Peek(ctx, "q", &ten); it != nil {
		t.Fatalf("peek above range must be nil")
	}
}

func TestDeleteItemCleansIndexes(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	token := s.DigestToken([]byte("k"))

	it := &queue.Item{Queue: "q", Payload: []byte("x"), UniqueToken: token}
	if err := s.Enqueue(ctx, it); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, ok, _ := s.EstablishLock(ctx, "q", it.ID, "c1", 10*time.Millisecond); !ok {
		t.Fatalf("lock")
	}

	ok, err := s.DeleteItem(ctx, "q", it.ID)
	if err != nil || !ok {
		t.Fatalf("delete: ok=%v err=%v", ok, err)
	}
	if ok, _ := s.DeleteItem(ctx, "q", it.ID); ok {
		t.Fatalf("second delete must report false")
	}
	if got, _ := s.ItemPeek(ctx, "q", token); got != nil {
		t.Fatalf("token index must be cleaned up")
	}

	// The lease index entry went with the delete, so an expired lease on a
	// deleted item frees nothing.
	time.Sleep(30 * time.Millisecond)
	if freed, _ := s.FreeLocks(ctx, "q"); freed != 0 {
		t.Fatalf("deleted item must not be counted by reclamation, got %d", freed)
	}
}

func TestDeleteQueueKeepsRegistration(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.RegisterQueue(ctx, "q"); err != nil {
		t.Fatalf("register: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := s.Enqueue(ctx, &queue.Item{Queue: "q", Payload: []byte("x")}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	if err := s.DeleteQueue(ctx, "q"); err != nil {
		t.Fatalf("delete queue: %v", err)
	}

	items, err := s.ListItems(ctx, "q")
	if err != nil || len(items) != 0 {
		t.Fatalf("queue should be empty, got %d (%v)", len(items), err)
	}
	names, err := s.ListQueues(ctx)
	if err != nil || len(names) != 1 || names[0] != "q" {
		t.Fatalf("queue must stay registered, got %v (%v)", names, err)
	}
}

func TestListQueuesSorted(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, name := range []string{"zeta", "alpha", "mid"} {
		if err := s.RegisterQueue(ctx, name); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}
	names, err := s.ListQueues(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(names) != 3 || names[0] != "alpha" || names[1] != "mid" || names[2] != "zeta" {
		t.Fatalf("want key-ordered names, got %v", names)
	}
}

func TestCountersSurviveReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	first := &queue.Item{Queue: "q", Payload: []byte("x")}
	if err := s.Enqueue(ctx, first); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	firstConsumer, err := s.NextConsumerID(ctx)
	if err != nil {
		t.Fatalf("consumer id: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s, err = Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()

	second := &queue.Item{Queue: "q", Payload: []byte("y")}
	if err := s.Enqueue(ctx, second); err != nil {
		t.Fatalf("enqueue after reopen: %v", err)
	}
	if second.ID <= first.ID {
		t.Fatalf("item ids must keep ascending across reopen, got %d then %d", first.ID, second.ID)
	}
	nextConsumer, err := s.NextConsumerID(ctx)
	if err != nil {
		t.Fatalf("consumer id after reopen: %v", err)
	}
	if nextConsumer == firstConsumer {
		t.Fatalf("consumer ids must not repeat across reopen")
	}

	// Stored items survive too.
	items, err := s.ListItems(ctx, "q")
	if err != nil || len(items) != 2 {
		t.Fatalf("want both items after reopen, got %d (%v)", len(items), err)
	}
}
