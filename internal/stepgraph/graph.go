// Package stepgraph holds the immutable definition of a pipeline's steps:
// their grouping, dependency edges and acknowledgment gates.
//
// A Graph is validated once at construction (unknown dependencies and
// cycles are rejected with ErrConfig) and is read-only afterwards, so it is
// safe to share between goroutines. Pipelines keep a pointer to the Graph
// they were registered with; reloading the config produces a new Graph and
// never mutates an old one.
package stepgraph

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrConfig reports an invalid step graph. It is fatal at startup.
var ErrConfig = errors.New("invalid step graph")

// Definition describes one step.
type Definition struct {
	ID                     string   `json:"id"`
	Name                   string   `json:"name,omitempty"`
	Description            string   `json:"description,omitempty"`
	Group                  string   `json:"group,omitempty"`
	Dependencies           []string `json:"dependencies,omitempty"`
	RequiresAcknowledgment bool     `json:"requiresUserInput,omitempty"`
}

// Graph is a validated, acyclic set of step definitions.
type Graph struct {
	order   []string
	steps   map[string]Definition
	version string
}

// New validates defs and builds a Graph. Declaration order is kept for
// AllStepIDs.
func New(defs []Definition) (*Graph, error) {
	g := &Graph{
		order: make([]string, 0, len(defs)),
		steps: make(map[string]Definition, len(defs)),
	}
	for i, d := range defs {
		d.ID = strings.TrimSpace(d.ID)
		if d.ID == "" {
			return nil, fmt.Errorf("%w: step #%d has an empty id", ErrConfig, i+1)
		}
		if _, dup := g.steps[d.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate step id %q", ErrConfig, d.ID)
		}
		if strings.TrimSpace(d.Name) == "" {
			d.Name = d.ID
		}
		d.Dependencies = normalizeDeps(d.Dependencies)
		g.order = append(g.order, d.ID)
		g.steps[d.ID] = d
	}
	for _, id := range g.order {
		for _, dep := range g.steps[id].Dependencies {
			if dep == id {
				return nil, fmt.Errorf("%w: step %q depends on itself", ErrConfig, id)
			}
			if _, ok := g.steps[dep]; !ok {
				return nil, fmt.Errorf("%w: step %q depends on unknown step %q", ErrConfig, id, dep)
			}
		}
	}
	if cycle := g.findCycle(); len(cycle) > 0 {
		return nil, fmt.Errorf("%w: dependency cycle %s", ErrConfig, strings.Join(cycle, " -> "))
	}
	g.version = g.hash()
	return g, nil
}

// MustNew is New for fixed graphs in tests and examples. It panics on error.
func MustNew(defs ...Definition) *Graph {
	g, err := New(defs)
	if err != nil {
		panic(err)
	}
	return g
}

func normalizeDeps(deps []string) []string {
	if len(deps) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(deps))
	out := make([]string, 0, len(deps))
	for _, dep := range deps {
		dep = strings.TrimSpace(dep)
		if dep == "" || seen[dep] {
			continue
		}
		seen[dep] = true
		out = append(out, dep)
	}
	return out
}

const (
	unvisited = iota
	onStack
	finished
)

// findCycle runs a depth-first traversal with recursion-stack marking and
// returns the first cycle found as a closed path, or nil.
func (g *Graph) findCycle() []string {
	state := make(map[string]int, len(g.order))
	var stack []string
	var visit func(id string) []string
	visit = func(id string) []string {
		state[id] = onStack
		stack = append(stack, id)
		for _, dep := range g.steps[id].Dependencies {
			switch state[dep] {
			case onStack:
				for i, s := range stack {
					if s == dep {
						cycle := append([]string(nil), stack[i:]...)
						return append(cycle, dep)
					}
				}
			case unvisited:
				if c := visit(dep); c != nil {
					return c
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[id] = finished
		return nil
	}
	for _, id := range g.order {
		if state[id] == unvisited {
			if c := visit(id); c != nil {
				return c
			}
		}
	}
	return nil
}

func (g *Graph) hash() string {
	defs := make([]Definition, 0, len(g.order))
	for _, id := range g.order {
		defs = append(defs, g.steps[id])
	}
	raw, _ := json.Marshal(defs)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:6])
}

// Version identifies the graph contents. Two graphs built from the same
// definitions share a version.
func (g *Graph) Version() string { return g.version }

// Len is the number of steps.
func (g *Graph) Len() int { return len(g.order) }

// Has reports whether id is a step of the graph.
func (g *Graph) Has(id string) bool {
	_, ok := g.steps[id]
	return ok
}

// Step returns the definition for id.
func (g *Graph) Step(id string) (Definition, bool) {
	d, ok := g.steps[id]
	if !ok {
		return Definition{}, false
	}
	d.Dependencies = append([]string(nil), d.Dependencies...)
	return d, true
}

// DependenciesOf returns the declared dependencies of id in declaration
// order. Unknown ids have none.
func (g *Graph) DependenciesOf(id string) []string {
	return append([]string(nil), g.steps[id].Dependencies...)
}

// RequiresAcknowledgment reports whether completing id needs an explicit
// human acknowledgment.
func (g *Graph) RequiresAcknowledgment(id string) bool {
	return g.steps[id].RequiresAcknowledgment
}

// AllStepIDs returns step ids in declaration order.
func (g *Graph) AllStepIDs() []string {
	return append([]string(nil), g.order...)
}

// Definitions returns every step definition in declaration order.
func (g *Graph) Definitions() []Definition {
	out := make([]Definition, 0, len(g.order))
	for _, id := range g.order {
		d, _ := g.Step(id)
		out = append(out, d)
	}
	return out
}

// Groups returns group names in order of first appearance. Steps without a
// group are not listed.
func (g *Graph) Groups() []string {
	var out []string
	seen := map[string]bool{}
	for _, id := range g.order {
		grp := g.steps[id].Group
		if grp == "" || seen[grp] {
			continue
		}
		seen[grp] = true
		out = append(out, grp)
	}
	return out
}
