package workflow

import (
	"github.com/cordum/stepflow/core/dag"
)

// ErrCircularDependency is returned for step graphs with a cycle.
var ErrCircularDependency = dag.ErrCircularDependency

// CycleError names the steps forming a dependency cycle.
type CycleError = dag.CycleError

// Graph returns the step dependency graph in declaration order.
func (d WorkflowDefinition) Graph() *dag.Graph {
	g := dag.New()
	for _, s := range d.Steps {
		g.AddNode(s.ID, s.DependsOn...)
	}
	return g
}

// DetectCycle returns the first dependency cycle among the steps, or nil.
func (d WorkflowDefinition) DetectCycle() []string {
	return d.Graph().FindCycle()
}

// ExecutionOrder returns the step ids in the order a sequential engine
// dispatches them: dependencies first, declaration order among ready steps.
func (d WorkflowDefinition) ExecutionOrder() ([]string, error) {
	return d.Graph().TopoOrder()
}
