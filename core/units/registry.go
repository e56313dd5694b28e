package units

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cordum/stepflow/core/dag"
	"github.com/cordum/stepflow/core/infra/logging"
)

var (
	ErrUnitExists   = errors.New("unit already registered")
	ErrUnitNotFound = errors.New("unit not found")
)

// Registry owns the set of units available to an engine. It is constructed
// by the caller; there is no process-wide instance.
type Registry struct {
	mu          sync.RWMutex
	units       map[string]Unit
	order       []string
	initialized []string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{units: make(map[string]Unit)}
}

// Register adds u. Registering an id twice fails.
func (r *Registry) Register(u Unit) error {
	if u == nil || u.ID() == "" {
		return fmt.Errorf("units: id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.units[u.ID()]; exists {
		return fmt.Errorf("%w: %s", ErrUnitExists, u.ID())
	}
	r.units[u.ID()] = u
	r.order = append(r.order, u.ID())
	return nil
}

// MustRegister panics if registration fails.
func (r *Registry) MustRegister(u Unit) {
	if err := r.Register(u); err != nil {
		panic(err)
	}
}

// Get returns the unit registered under id.
func (r *Registry) Get(id string) (Unit, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.units[id]
	return u, ok
}

// IDs returns unit ids in registration order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// ResolveDependencies returns id and its transitive unit dependencies,
// deepest first. Cycles and unregistered dependencies are errors.
func (r *Registry) ResolveDependencies(id string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.units[id]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnitNotFound, id)
	}
	order, err := r.graph().DepthFirst(id)
	if err != nil {
		if errors.Is(err, dag.ErrUnknownNode) {
			return nil, fmt.Errorf("%w: %v", ErrUnitNotFound, err)
		}
		return nil, fmt.Errorf("resolve %s: %w", id, err)
	}
	return order, nil
}

// InitAll initializes every unit in dependency order. When an Init fails the
// units already initialized are torn down again before returning.
func (r *Registry) InitAll(ctx context.Context) error {
	order, err := r.initOrder()
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	done := make(map[string]bool, len(r.initialized))
	for _, id := range r.initialized {
		done[id] = true
	}
	for _, id := range order {
		if done[id] {
			continue
		}
		if in, ok := r.units[id].(Initializer); ok {
			if err := in.Init(ctx); err != nil {
				terr := r.teardownLocked(ctx)
				return errors.Join(fmt.Errorf("init unit %s: %w", id, err), terr)
			}
		}
		r.initialized = append(r.initialized, id)
		done[id] = true
	}
	logging.Info("units", "initialized", "count", len(r.initialized))
	return nil
}

// TeardownAll tears down initialized units in reverse init order and
// returns every teardown error joined.
func (r *Registry) TeardownAll(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.teardownLocked(ctx)
}

func (r *Registry) teardownLocked(ctx context.Context) error {
	var errs []error
	for i := len(r.initialized) - 1; i >= 0; i-- {
		id := r.initialized[i]
		if fin, ok := r.units[id].(Finalizer); ok {
			if err := fin.Teardown(ctx); err != nil {
				logging.Error("units", "teardown failed", "unit", id, "error", err)
				errs = append(errs, fmt.Errorf("teardown unit %s: %w", id, err))
			}
		}
	}
	r.initialized = nil
	return errors.Join(errs...)
}

func (r *Registry) initOrder() ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g := r.graph()
	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnitNotFound, err)
	}
	seen := make(map[string]bool, len(r.order))
	out := make([]string, 0, len(r.order))
	for _, id := range r.order {
		chain, err := g.DepthFirst(id)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", id, err)
		}
		for _, n := range chain {
			if !seen[n] {
				seen[n] = true
				out = append(out, n)
			}
		}
	}
	return out, nil
}

func (r *Registry) graph() *dag.Graph {
	g := dag.New()
	for _, id := range r.order {
		var deps []string
		if d, ok := r.units[id].(Dependent); ok {
			deps = d.DependsOn()
		}
		g.AddNode(id, deps...)
	}
	return g
}
