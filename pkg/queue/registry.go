package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// referenceBackend is the fallback of last resort when the configured
// default names an unregistered backend.
const referenceBackend = "postgres"

// RegistryOptions configures a Registry. Backends is the typed
// registration table mapping a backend identifier to its store; it is
// validated once at construction instead of per call.
type RegistryOptions struct {
	Backends       map[string]Store
	DefaultBackend string
	DefaultLease   time.Duration
	Codec          Codec
}

// Registry hands out exactly one live Queue per name for its lifetime and
// picks the concrete backend for new handles. Applications construct one
// and pass it where handles are needed; there is no package-global
// instance.
type Registry struct {
	backends       map[string]Store
	defaultBackend string
	defaultLease   time.Duration
	codec          Codec

	mu     sync.RWMutex
	queues map[string]*Queue
	flight singleflight.Group
}

// NewRegistry validates the backend table and resolves the default chain:
// the configured default if registered, else the reference "postgres"
// entry. An unresolvable default is a construction error, not a per-call
// surprise.
func NewRegistry(opts RegistryOptions) (*Registry, error) {
	if len(opts.Backends) == 0 {
		return nil, errors.New("at least one backend is required")
	}
	def := opts.DefaultBackend
	if _, ok := opts.Backends[def]; !ok {
		if _, ok := opts.Backends[referenceBackend]; !ok {
			return nil, fmt.Errorf("default backend %q is not registered and there is no %q backend to fall back to", opts.DefaultBackend, referenceBackend)
		}
		def = referenceBackend
	}
	codec := opts.Codec
	if codec == nil {
		codec = JSONCodec{}
	}
	lease := opts.DefaultLease
	if lease <= 0 {
		lease = DefaultLease
	}
	return &Registry{
		backends:       opts.Backends,
		defaultBackend: def,
		defaultLease:   lease,
		codec:          codec,
		queues:         make(map[string]*Queue),
	}, nil
}

// Get returns the handle for name on the default backend, constructing and
// caching it on first use.
func (r *Registry) Get(ctx context.Context, name string) (*Queue, error) {
	return r.GetWithBackend(ctx, name, "")
}

// GetWithBackend returns the handle for name, constructing it on the named
// backend when it does not exist yet. An existing handle is returned
// unchanged even if backendType differs; an unknown or empty backendType
// falls back to the default. Concurrent first calls for one name are
// single-flighted so exactly one handle is ever constructed.
func (r *Registry) GetWithBackend(ctx context.Context, name, backendType string) (*Queue, error) {
	if name == "" {
		return nil, errors.New("queue name is required")
	}
	r.mu.RLock()
	q, ok := r.queues[name]
	r.mu.RUnlock()
	if ok {
		return q, nil
	}

	v, err, _ := r.flight.Do(name, func() (any, error) {
		r.mu.RLock()
		q, ok := r.queues[name]
		r.mu.RUnlock()
		if ok {
			return q, nil
		}

		st, typ := r.resolve(backendType)
		q = New(name, st, QueueOptions{Codec: r.codec, DefaultLease: r.defaultLease})
		q.backendType = typ
		if err := st.RegisterQueue(ctx, name); err != nil {
			return nil, fmt.Errorf("register queue %q: %w", name, err)
		}

		r.mu.Lock()
		defer r.mu.Unlock()
		if existing, ok := r.queues[name]; ok {
			return existing, nil
		}
		r.queues[name] = q
		return q, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Queue), nil
}

// ListAll aggregates, per backend type, the queue names each registered
// store currently persists. A failing store is reported in the joined
// error without hiding the others' results.
func (r *Registry) ListAll(ctx context.Context) (map[string][]string, error) {
	out := make(map[string][]string, len(r.backends))
	var errs []error
	for typ, st := range r.backends {
		names, err := st.ListQueues(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("list queues (%s): %w", typ, err))
			continue
		}
		sort.Strings(names)
		out[typ] = names
	}
	return out, errors.Join(errs...)
}

// ReclaimLocks runs lock reclamation over every known queue, or just the
// given names. A failure on one queue never stops the rest; all failures
// come back joined, alongside the total number of leases cleared.
func (r *Registry) ReclaimLocks(ctx context.Context, names ...string) (int, error) {
	var (
		total int
		errs  []error
	)

	reclaim := func(name, backendType string) {
		q, err := r.GetWithBackend(ctx, name, backendType)
		if err != nil {
			errs = append(errs, fmt.Errorf("reclaim %s: %w", name, err))
			return
		}
		n, err := q.FreeLocks(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("reclaim %s: %w", name, err))
			return
		}
		total += n
	}

	if len(names) > 0 {
		for _, name := range names {
			reclaim(name, "")
		}
		return total, errors.Join(errs...)
	}

	all, err := r.ListAll(ctx)
	if err != nil {
		errs = append(errs, err)
	}
	seen := make(map[string]struct{})
	for typ, queueNames := range all {
		for _, name := range queueNames {
			if _, dup := seen[name]; dup {
				continue
			}
			seen[name] = struct{}{}
			reclaim(name, typ)
		}
	}
	return total, errors.Join(errs...)
}

// resolve maps a requested backend type to a registered store, falling
// back to the default resolved at construction.
func (r *Registry) resolve(backendType string) (Store, string) {
	if st, ok := r.backends[backendType]; ok {
		return st, backendType
	}
	return r.backends[r.defaultBackend], r.defaultBackend
}
