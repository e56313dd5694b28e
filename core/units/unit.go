package units

import (
	"context"
)

// Unit is a pluggable piece of business logic a workflow step dispatches to.
type Unit interface {
	ID() string
	Execute(ctx context.Context, inputs map[string]any) (any, error)
}

// Dependent is implemented by units that need other units initialized first.
type Dependent interface {
	DependsOn() []string
}

// Initializer is implemented by units with setup work.
type Initializer interface {
	Init(ctx context.Context) error
}

// Finalizer is implemented by units holding resources.
type Finalizer interface {
	Teardown(ctx context.Context) error
}

// ExecuteFunc is the signature of a unit body.
type ExecuteFunc func(ctx context.Context, inputs map[string]any) (any, error)

type funcUnit struct {
	id   string
	deps []string
	fn   ExecuteFunc
}

// Func adapts fn into a Unit named id, optionally depending on other units.
func Func(id string, fn ExecuteFunc, deps ...string) Unit {
	return &funcUnit{id: id, fn: fn, deps: deps}
}

func (u *funcUnit) ID() string { return u.id }

func (u *funcUnit) DependsOn() []string { return u.deps }

func (u *funcUnit) Execute(ctx context.Context, inputs map[string]any) (any, error) {
	return u.fn(ctx, inputs)
}
