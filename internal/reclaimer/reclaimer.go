package reclaimer

import (
	"context"
	"log"
	"time"

	"github.com/uniqueue/uniqueue/internal/metrics"
	"github.com/uniqueue/uniqueue/pkg/queue"
)

type Reclaimer struct {
	registry *queue.Registry
	interval time.Duration
	stopCh   chan struct{}
}

func New(registry *queue.Registry, interval time.Duration) *Reclaimer {
	return &Reclaimer{
		registry: registry,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start runs reclamation passes over every known queue until the context is
// cancelled or Stop is called.
func (r *Reclaimer) Start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	log.Printf("Reclaimer started, interval: %s", r.interval)

	for {
		select {
		case <-ctx.Done():
			log.Printf("Reclaimer stopped (context cancelled)")
			return

		case <-r.stopCh:
			log.Printf("Reclaimer stopped (stop signal)")
			return

		case <-ticker.C:
			start := time.Now()
			freed, err := r.registry.ReclaimLocks(ctx)
			metrics.ReclaimDuration.Observe(time.Since(start).Seconds())
			if err != nil {
				metrics.ReclaimErrors.Inc()
				log.Printf("Reclaimer error: %v", err)
			}
			if freed > 0 {
				log.Printf("Reclaimer freed %d expired locks", freed)
			}
			// If freed == 0, silently continue (no expired locks to restore)
		}
	}
}

func (r *Reclaimer) Stop() {
	close(r.stopCh)
}
