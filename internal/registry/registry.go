// Package registry maps identities to live actor instances and guarantees at
// most one instance per identity, even under concurrent first lookups.
package registry

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/danmuck/durable/internal/actor"
	"github.com/danmuck/durable/internal/logging"
	"github.com/danmuck/durable/internal/observability"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

var ErrClosed = errors.New("registry: closed")

// Factory constructs the instance for id. It runs detached from the
// cancellation of any single Get caller.
type Factory func(ctx context.Context, id string) (*actor.Instance, error)

type Config struct {
	// MaxInstances bounds live instances. Zero means unbounded. Only idle
	// instances are evicted, so the bound is soft while instances are busy.
	MaxInstances int
	Logger       *zerolog.Logger
}

type entry struct {
	inst *actor.Instance
	elem *list.Element
}

// Registry is safe for concurrent use.
type Registry struct {
	cfg    Config
	logger zerolog.Logger
	group  singleflight.Group

	mu        sync.Mutex
	instances map[string]*entry
	lru       *list.List // front is most recently used; values are ids
	closed    bool
}

func New(cfg Config) *Registry {
	logger := logging.Component("registry")
	if cfg.Logger != nil {
		logger = cfg.Logger.With().Str("component", "registry").Logger()
	}
	return &Registry{
		cfg:       cfg,
		logger:    logger,
		instances: make(map[string]*entry),
		lru:       list.New(),
	}
}

// Get returns the live instance for id, constructing it with factory when
// absent. Concurrent callers for the same id share one construction and
// receive the same *actor.Instance. A failed construction reaches every
// waiter and leaves nothing registered.
func (r *Registry) Get(ctx context.Context, id string, factory Factory) (*actor.Instance, error) {
	if inst, ok, err := r.lookup(id); ok || err != nil {
		return inst, err
	}

	ch := r.group.DoChan(id, func() (any, error) {
		if inst, ok, err := r.lookup(id); ok || err != nil {
			return inst, err
		}
		inst, err := factory(context.WithoutCancel(ctx), id)
		if err != nil {
			r.logger.Warn().Err(err).Str("id", id).Msg("registry.construct failed")
			return nil, err
		}
		evicted, err := r.insert(id, inst)
		if err != nil {
			_ = inst.Close(context.WithoutCancel(ctx))
			return nil, err
		}
		r.closeEvicted(evicted)
		return inst, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*actor.Instance), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Registry) lookup(id string) (*actor.Instance, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, false, ErrClosed
	}
	e, ok := r.instances[id]
	if !ok {
		return nil, false, nil
	}
	r.lru.MoveToFront(e.elem)
	return e.inst, true, nil
}

// Lookup returns the live instance for id without constructing one.
func (r *Registry) Lookup(id string) (*actor.Instance, bool) {
	inst, ok, _ := r.lookup(id)
	return inst, ok
}

func (r *Registry) insert(id string, inst *actor.Instance) ([]*actor.Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	r.instances[id] = &entry{inst: inst, elem: r.lru.PushFront(id)}
	return r.evictLocked(id), nil
}

// evictLocked removes least recently used idle instances until the bound
// holds, never the one just inserted.
func (r *Registry) evictLocked(keep string) []*actor.Instance {
	if r.cfg.MaxInstances <= 0 || len(r.instances) <= r.cfg.MaxInstances {
		return nil
	}
	var out []*actor.Instance
	for elem := r.lru.Back(); elem != nil && len(r.instances) > r.cfg.MaxInstances; {
		prev := elem.Prev()
		id := elem.Value.(string)
		e := r.instances[id]
		if id != keep && e.inst.Idle() {
			r.lru.Remove(elem)
			delete(r.instances, id)
			out = append(out, e.inst)
		}
		elem = prev
	}
	return out
}

func (r *Registry) closeEvicted(evicted []*actor.Instance) {
	for _, inst := range evicted {
		observability.RecordInstance("evicted")
		r.logger.Debug().Str("id", inst.ID()).Msg("registry.evict")
		if err := inst.Close(context.Background()); err != nil {
			r.logger.Warn().Err(err).Str("id", inst.ID()).Msg("registry.evict close failed")
		}
	}
}

// Remove closes and forgets the instance for id, if any.
func (r *Registry) Remove(ctx context.Context, id string) error {
	r.mu.Lock()
	e, ok := r.instances[id]
	if ok {
		r.lru.Remove(e.elem)
		delete(r.instances, id)
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return e.inst.Close(ctx)
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.instances)
}

// IDs lists live identities, most recently used first.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, r.lru.Len())
	for elem := r.lru.Front(); elem != nil; elem = elem.Next() {
		out = append(out, elem.Value.(string))
	}
	return out
}

// Close rejects further lookups and closes every instance concurrently.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	instances := make([]*actor.Instance, 0, len(r.instances))
	for _, e := range r.instances {
		instances = append(instances, e.inst)
	}
	r.instances = make(map[string]*entry)
	r.lru.Init()
	r.mu.Unlock()

	var g errgroup.Group
	for _, inst := range instances {
		g.Go(func() error {
			if err := inst.Close(ctx); err != nil {
				return fmt.Errorf("registry: close %s: %w", inst.ID(), err)
			}
			return nil
		})
	}
	return g.Wait()
}
