package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/uniqueue/uniqueue/pkg/queue"
	"github.com/uniqueue/uniqueue/pkg/queue/store/memory"
)

const (
	colorReset   = "\033[0m"
	colorRed     = "\033[31m"
	colorGreen   = "\033[32m"
	colorYellow  = "\033[33m"
	colorBlue    = "\033[34m"
	colorMagenta = "\033[35m"
	colorCyan    = "\033[36m"
	colorBold    = "\033[1m"
)

func main() {
	printHeader()

	ctx := context.Background()
	reg, err := queue.NewRegistry(queue.RegistryOptions{
		Backends:       map[string]queue.Store{"memory": memory.New()},
		DefaultBackend: "memory",
		DefaultLease:   30 * time.Second,
	})
	if err != nil {
		log.Fatalf("registry: %v", err)
	}

	fmt.Printf("%s=== Uniqueue Demo (in-process, memory backend) ===%s\n\n", colorBold+colorCyan, colorReset)

	scenario1_UniquenessCollapse(ctx, reg)
	scenario2_PriorityOrdering(ctx, reg)
	scenario3_LeaseRecovery(ctx, reg)

	printFooter()
}

func printHeader() {
	fmt.Print(colorCyan + colorBold)
	fmt.Println("╔════════════════════════════════════════════════════════════╗")
	fmt.Println("║         UNIQUEUE - INTERACTIVE DEMO                        ║")
	fmt.Println("║         Unique Work Items, Priorities & Leases             ║")
	fmt.Println("╚════════════════════════════════════════════════════════════╝")
	fmt.Print(colorReset)
	fmt.Println()
}

func printFooter() {
	fmt.Println()
	fmt.Print(colorCyan)
	fmt.Println("╔════════════════════════════════════════════════════════════╗")
	fmt.Println("║                    Demo Complete!                          ║")
	fmt.Println("╚════════════════════════════════════════════════════════════╝")
	fmt.Print(colorReset)
}

func printScenario(title string) {
	fmt.Printf("%s%s┌─────────────────────────────────────────────────────────────┐%s\n",
		colorBold, colorMagenta, colorReset)
	fmt.Printf("%s%s│ %-59s │%s\n",
		colorBold, colorMagenta, title, colorReset)
	fmt.Printf("%s%s└─────────────────────────────────────────────────────────────┘%s\n",
		colorBold, colorMagenta, colorReset)
}

func scenario1_UniquenessCollapse(ctx context.Context, reg *queue.Registry) {
	printScenario("Scenario 1: Duplicate Creations Collapse Into One Item")

	q, err := reg.Get(ctx, "crawl")
	if err != nil {
		log.Fatalf("get queue: %v", err)
	}

	fmt.Printf("%s→ Creating item with unique key 'page:example.com/a'...%s\n", colorYellow, colorReset)
	must(q.CreateItem(ctx, map[string]any{"url": "https://example.com/a", "attempt": 1},
		queue.CreateOptions{UniqueKey: "page:example.com/a"}))

	fmt.Printf("%s→ Creating the same key again with a new payload and priority 5...%s\n", colorYellow, colorReset)
	must(q.CreateItem(ctx, map[string]any{"url": "https://example.com/a", "attempt": 2},
		queue.CreateOptions{UniqueKey: "page:example.com/a", Priority: 5}))

	left, err := q.ItemsLeft(ctx, nil)
	must(err)
	fmt.Printf("%s  ✓ Items waiting: %d (second creation collapsed)%s\n", colorGreen, left, colorReset)

	it, err := q.ClaimItem(ctx, queue.ClaimOptions{})
	must(err)
	fmt.Printf("%s  ✓ Claimed payload: %v (first write won), priority: %d (raised)%s\n",
		colorGreen, it.Data, it.Priority, colorReset)

	_, err = q.DeleteItem(ctx, it)
	must(err)
	fmt.Println()
}

func scenario2_PriorityOrdering(ctx context.Context, reg *queue.Registry) {
	printScenario("Scenario 2: Priority Ordering (desc), Then Creation Order")

	q, err := reg.Get(ctx, "orders")
	if err != nil {
		log.Fatalf("get queue: %v", err)
	}

	inserts := []struct {
		name     string
		priority int
	}{
		{"A", 0},
		{"B", -10},
		{"C", 2},
		{"D", 1},
	}
	for _, in := range inserts {
		fmt.Printf("%s→ Creating %q at priority %d...%s\n", colorYellow, in.name, in.priority, colorReset)
		must(q.CreateItem(ctx, map[string]any{"job": in.name}, queue.CreateOptions{Priority: in.priority}))
	}

	fmt.Printf("%s→ Draining the queue...%s\n", colorYellow, colorReset)
	for {
		it, err := q.ClaimItem(ctx, queue.ClaimOptions{})
		must(err)
		if it == nil {
			break
		}
		fmt.Printf("%s  ✓ Claimed %v (priority %d)%s\n", colorGreen, it.Data, it.Priority, colorReset)
		_, err = q.DeleteItem(ctx, it)
		must(err)
	}
	fmt.Println()
}

func scenario3_LeaseRecovery(ctx context.Context, reg *queue.Registry) {
	printScenario("Scenario 3: Expired Lease Recovered by Reclamation")

	q, err := reg.Get(ctx, "jobs")
	if err != nil {
		log.Fatalf("get queue: %v", err)
	}

	must(q.CreateItem(ctx, map[string]any{"task": "send-email"}, queue.CreateOptions{}))

	fmt.Printf("%s→ Claiming with a 1-second lease and then crashing the worker...%s\n", colorYellow, colorReset)
	it, err := q.ClaimItem(ctx, queue.ClaimOptions{Lease: 1 * time.Second})
	must(err)
	fmt.Printf("%s  ✓ Claimed item %d, lock expires %s%s\n",
		colorGreen, it.ID, it.LockExpires.Format(time.RFC3339), colorReset)

	fmt.Printf("%s  ⏳ Waiting for the lease to expire...%s\n", colorBlue, colorReset)
	time.Sleep(1500 * time.Millisecond)

	stale, err := q.ClaimItem(ctx, queue.ClaimOptions{})
	must(err)
	if stale == nil {
		fmt.Printf("%s  ✗ Still invisible: expired locks stay until reclamation runs%s\n", colorRed, colorReset)
	}

	fmt.Printf("%s→ Triggering lock reclamation...%s\n", colorYellow, colorReset)
	freed, err := reg.ReclaimLocks(ctx, "jobs")
	must(err)
	fmt.Printf("%s  ✓ Reclaimed %d expired lock(s)%s\n", colorGreen, freed, colorReset)

	again, err := q.ClaimItem(ctx, queue.ClaimOptions{})
	must(err)
	if again != nil {
		fmt.Printf("%s  ✓ Item %d is claimable again: %v%s\n", colorGreen, again.ID, again.Data, colorReset)
		_, err = q.DeleteItem(ctx, again)
		must(err)
	}
	fmt.Println()
}

func must(err error) {
	if err != nil {
		log.Fatalf("demo step failed: %v", err)
	}
}
