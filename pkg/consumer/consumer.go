// Package consumer is a polling loop over pkg/queue for long-running
// workers: register one handler per queue, then Run. Items whose handler
// succeeds are deleted; items whose handler fails or panics keep their lock
// until the lease runs out and reclamation makes them claimable again.
package consumer

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/uniqueue/uniqueue/pkg/queue"
)

// HandlerFunc processes a claimed item and returns an error if processing
// failed. Returning nil means success (item will be deleted).
type HandlerFunc func(ctx context.Context, it *queue.Item) error

// Consumer manages item processing from queues
type Consumer struct {
	registry  *queue.Registry
	handlers  map[string]HandlerFunc
	pollDelay time.Duration
	lease     time.Duration
}

// Config for creating a new consumer
type Config struct {
	Registry  *queue.Registry
	PollDelay time.Duration // Time between polling attempts (default: 1s)
	Lease     time.Duration // Claim lease duration (default: the queue's)
}

// New creates a new Consumer with the given configuration
func New(cfg Config) *Consumer {
	if cfg.PollDelay == 0 {
		cfg.PollDelay = 1 * time.Second
	}

	return &Consumer{
		registry:  cfg.Registry,
		handlers:  make(map[string]HandlerFunc),
		pollDelay: cfg.PollDelay,
		lease:     cfg.Lease,
	}
}

// Handle registers a handler function for a specific queue
func (c *Consumer) Handle(queueName string, handler HandlerFunc) {
	c.handlers[queueName] = handler
	log.Printf("Registered handler for queue: %s", queueName)
}

// Run starts the consumer and blocks until context is cancelled
func (c *Consumer) Run(ctx context.Context) error {
	if c.registry == nil {
		return fmt.Errorf("no registry configured")
	}
	if len(c.handlers) == 0 {
		return fmt.Errorf("no handlers registered")
	}

	log.Printf("Consumer starting with %d queue(s)", len(c.handlers))

	// Start a goroutine for each queue
	for queueName, handler := range c.handlers {
		go c.pollQueue(ctx, queueName, handler)
	}

	// Wait for context cancellation
	<-ctx.Done()
	log.Println("Consumer shutting down...")
	return nil
}

// pollQueue drains the queue on every tick, then waits for the next one
func (c *Consumer) pollQueue(ctx context.Context, queueName string, handler HandlerFunc) {
	ticker := time.NewTicker(c.pollDelay)
	defer ticker.Stop()

	log.Printf("Started polling queue: %s", queueName)

	for {
		select {
		case <-ctx.Done():
			log.Printf("Stopped polling queue: %s", queueName)
			return

		case <-ticker.C:
			q, err := c.registry.Get(ctx, queueName)
			if err != nil {
				log.Printf("Error resolving %s: %v", queueName, err)
				continue
			}

			for {
				it, err := q.ClaimItem(ctx, queue.ClaimOptions{Lease: c.lease})
				if err != nil {
					log.Printf("Error claiming from %s: %v", queueName, err)
					break
				}
				if it == nil {
					break // No items available
				}
				c.processItem(ctx, q, it, handler)
			}
		}
	}
}

// processItem handles a single item with error recovery
func (c *Consumer) processItem(ctx context.Context, q *queue.Queue, it *queue.Item, handler HandlerFunc) {
	// Keep the handler inside the claim's lease when one is configured.
	handlerCtx := ctx
	if c.lease > 0 {
		var cancel context.CancelFunc
		handlerCtx, cancel = context.WithTimeout(ctx, c.lease)
		defer cancel()
	}

	// Recover from panics
	defer func() {
		if r := recover(); r != nil {
			log.Printf("PANIC processing item %d from %s: %v (lease will expire)",
				it.ID, q.Name(), r)
			// Don't delete - reclamation restores it after the lease
		}
	}()

	// Call the handler
	if err := handler(handlerCtx, it); err != nil {
		log.Printf("Error processing item %d from %s: %v", it.ID, q.Name(), err)
		// Don't delete - the lock expires and reclamation returns the item
		return
	}

	// Success - delete the item
	if _, err := q.DeleteItem(ctx, it); err != nil {
		log.Printf("Error deleting item %d: %v", it.ID, err)
		return
	}

	log.Printf("✓ Successfully processed item %d from %s", it.ID, q.Name())
}
