package postgres

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/uniqueue/uniqueue/pkg/queue"
)

// openTestStore connects to TEST_DATABASE_URL and starts from an empty
// table set. Tests are skipped when no database is available.
func openTestStore(t *testing.T) *PostgresStore {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := pool.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
	t.Cleanup(pool.Close)

	s := New(pool)
	if err := s.Setup(ctx); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if _, err := pool.Exec(ctx, "DELETE FROM queue_items"); err != nil {
		t.Fatalf("clean items: %v", err)
	}
	if _, err := pool.Exec(ctx, "DELETE FROM queue_names"); err != nil {
		t.Fatalf("clean names: %v", err)
	}
	return s
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
		t.Fatalf("upsert must resolve to the stored row, got %d and %d", first.ID, second.ID)
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

	// Tokenless rows never hit the partial index.
	x := &queue.Item{Queue: "q", Payload: []byte("dup")}
	y := &queue.Item{Queue: "q", Payload: []byte("dup")}
	for _, it := range []*queue.Item{x, y} {
		if err := s.Enqueue(ctx, it); err != nil {
			t.Fatalf("tokenless enqueue: %v", err)
		}
	}
	if x.ID == y.ID {
		t.Fatalf("tokenless rows must stay distinct")
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
	if state, _ := s.Seek(ctx, "q", token, 1); state != queue.SeekMatch {
		t.Fatalf("want SeekMatch, got %v", state)
	}
}

func TestPeekOrdering(t *testing.T) {
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
}

func TestEstablishLockSingleWinner(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	it := &queue.Item{Queue: "q", Payload: []byte("contested")}
	if err := s.Enqueue(ctx, it); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	const racers = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, ok, err := s.EstablishLock(ctx, "q", it.ID, "racer", time.Minute)
			if err != nil {
				t.Errorf("lock: %v", err)
				return
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("conditional update must admit one winner, got %d", wins)
	}
}

func TestExpiredLeaseNeedsFreeLocks(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	it := &queue.Item{Queue: "q", Payload: []byte("x")}
	if err := s.Enqueue(ctx, it); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, ok, err := s.EstablishLock(ctx, "q", it.ID, "c1", 50*time.Millisecond); err != nil || !ok {
		t.Fatalf("lock: ok=%v err=%v", ok, err)
	}
	time.Sleep(150 * time.Millisecond)

	if got, _ := s.Peek(ctx, "q", nil); got != nil {
		t.Fatalf("expired item must stay hidden until reclamation")
	}
	freed, err := s.FreeLocks(ctx, "q")
	if err != nil || freed != 1 {
		t.Fatalf("free locks: %d (%v)", freed, err)
	}
	got, err := s.Peek(ctx, "q", nil)
	if err != nil || got == nil || got.ID != it.ID {
		t.Fatalf("reclaimed item must be visible again: %+v (%v)", got, err)
	}
	if got.ConsumerID != nil || got.LockExpires != nil {
		t.Fatalf("reclaimed item must carry no lock state")
	}
}

func TestItemsLeftMinPriority(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, p := range []int{-5, 0, 3} {
		if err := s.Enqueue(ctx, &queue.Item{Queue: "q", Payload: []byte("x"), Priority: p}); err != nil {
			t.Fatalf("enqueue %d: %v", p, err)
		}
	}
	if n, err := s.ItemsLeft(ctx, "q", nil); err != nil || n != 3 {
		t.Fatalf("nil filter counts all: %d (%v)", n, err)
	}
	zero := 0
	if n, _ := s.ItemsLeft(ctx, "q", &zero); n != 2 {
		t.Fatalf("explicit zero excludes negatives, got %d", n)
	}
	ten := 10
	if n, _ := s.ItemsLeft(ctx, "q", &ten); n != 0 {
		t.Fatalf("want 0 above the range, got %d", n)
	}
}

func TestDeleteItemIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	it := &queue.Item{Queue: "q", Payload: []byte("x")}
	if err := s.Enqueue(ctx, it); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if ok, err := s.DeleteItem(ctx, "q", it.ID); err != nil || !ok {
		t.Fatalf("delete: ok=%v err=%v", ok, err)
	}
	if ok, err := s.DeleteItem(ctx, "q", it.ID); err != nil || ok {
		t.Fatalf("second delete must report false, got ok=%v err=%v", ok, err)
	}
}

func TestRegisterAndListQueues(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, name := range []string{"zeta", "alpha", "zeta"} {
		if err := s.RegisterQueue(ctx, name); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}
	names, err := s.ListQueues(ctx)
	if err != nil {
		t.Fatalf("list queues: %v", err)
	}
	if len(names) != 2 || names[0] != "alpha" || names[1] != "zeta" {
		t.Fatalf("want sorted [alpha zeta], got %v", names)
	}
}

func TestNextConsumerIDUnique(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a, err := s.NextConsumerID(ctx)
	if err != nil {
		t.Fatalf("consumer id: %v", err)
	}
	b, err := s.NextConsumerID(ctx)
	if err != nil {
		t.Fatalf("consumer id: %v", err)
	}
	if a == b {
		t.Fatalf("consumer ids must be unique, got %q twice", a)
	}
}
