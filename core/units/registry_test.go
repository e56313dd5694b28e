package units

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/cordum/stepflow/core/dag"
)

type lifecycleUnit struct {
	id      string
	deps    []string
	initErr error
	log     *[]string
}

func (u *lifecycleUnit) ID() string          { return u.id }
func (u *lifecycleUnit) DependsOn() []string { return u.deps }
func (u *lifecycleUnit) Execute(context.Context, map[string]any) (any, error) {
	return u.id, nil
}

func (u *lifecycleUnit) Init(context.Context) error {
	if u.initErr != nil {
		return u.initErr
	}
	*u.log = append(*u.log, "init:"+u.id)
	return nil
}

func (u *lifecycleUnit) Teardown(context.Context) error {
	*u.log = append(*u.log, "teardown:"+u.id)
	return nil
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	noop := func(context.Context, map[string]any) (any, error) { return nil, nil }
	if err := r.Register(Func("double", noop)); err != nil {
		t.Fatalf("register: %v", err)
	}
	err := r.Register(Func("double", noop))
	if !errors.Is(err, ErrUnitExists) {
		t.Fatalf("expected duplicate error, got %v", err)
	}
	if err := r.Register(Func("", noop)); err == nil {
		t.Fatalf("expected empty id error")
	}
	if ids := r.IDs(); !reflect.DeepEqual(ids, []string{"double"}) {
		t.Fatalf("unexpected ids: %v", ids)
	}
}

func TestResolveDependenciesDeepestFirst(t *testing.T) {
	var log []string
	r := NewRegistry()
	r.MustRegister(&lifecycleUnit{id: "codegen", deps: []string{"planner", "docs"}, log: &log})
	r.MustRegister(&lifecycleUnit{id: "planner", deps: []string{"config"}, log: &log})
	r.MustRegister(&lifecycleUnit{id: "docs", deps: []string{"config"}, log: &log})
	r.MustRegister(&lifecycleUnit{id: "config", log: &log})

	order, err := r.ResolveDependencies("codegen")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	want := []string{"config", "planner", "docs", "codegen"}
	if !reflect.DeepEqual(order, want) {
		t.Fatalf("expected %v, got %v", want, order)
	}
	if _, err := r.ResolveDependencies("ghost"); !errors.Is(err, ErrUnitNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestResolveDependenciesRejectsCycles(t *testing.T) {
	var log []string
	r := NewRegistry()
	r.MustRegister(&lifecycleUnit{id: "a", deps: []string{"b"}, log: &log})
	r.MustRegister(&lifecycleUnit{id: "b", deps: []string{"a"}, log: &log})

	_, err := r.ResolveDependencies("a")
	if !errors.Is(err, dag.ErrCircularDependency) {
		t.Fatalf("expected circular dependency, got %v", err)
	}
	if err := r.InitAll(context.Background()); !errors.Is(err, dag.ErrCircularDependency) {
		t.Fatalf("expected init to reject cycle, got %v", err)
	}
	if len(log) != 0 {
		t.Fatalf("no unit should init on a cycle: %v", log)
	}
}

func TestResolveDependenciesMissingUnit(t *testing.T) {
	var log []string
	r := NewRegistry()
	r.MustRegister(&lifecycleUnit{id: "a", deps: []string{"missing"}, log: &log})
	if _, err := r.ResolveDependencies("a"); !errors.Is(err, ErrUnitNotFound) {
		t.Fatalf("expected missing dependency error, got %v", err)
	}
}

func TestInitAndTeardownOrder(t *testing.T) {
	var log []string
	r := NewRegistry()
	r.MustRegister(&lifecycleUnit{id: "app", deps: []string{"db"}, log: &log})
	r.MustRegister(&lifecycleUnit{id: "db", log: &log})
	r.MustRegister(Func("plain", func(context.Context, map[string]any) (any, error) { return nil, nil }))

	ctx := context.Background()
	if err := r.InitAll(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := r.TeardownAll(ctx); err != nil {
		t.Fatalf("teardown: %v", err)
	}
	want := []string{"init:db", "init:app", "teardown:app", "teardown:db"}
	if !reflect.DeepEqual(log, want) {
		t.Fatalf("expected %v, got %v", want, log)
	}
}

func TestInitFailureRollsBack(t *testing.T) {
	var log []string
	r := NewRegistry()
	r.MustRegister(&lifecycleUnit{id: "db", log: &log})
	r.MustRegister(&lifecycleUnit{id: "app", deps: []string{"db"}, initErr: errors.New("boom"), log: &log})

	err := r.InitAll(context.Background())
	if err == nil || !strings.Contains(err.Error(), "init unit app: boom") {
		t.Fatalf("expected init error, got %v", err)
	}
	want := []string{"init:db", "teardown:db"}
	if !reflect.DeepEqual(log, want) {
		t.Fatalf("expected %v, got %v", want, log)
	}
}
