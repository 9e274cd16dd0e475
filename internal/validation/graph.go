package validation

import (
	"cmp"
	"fmt"
	"slices"
	"strings"

	"github.com/rendis/taskflow/pkg/schema"
)

// Graph is the dependency graph of a template's steps.
// An edge runs from each dependency to the step that declares it.
type Graph struct {
	Steps      map[string]*schema.Step
	Deps       map[string][]string // step ID -> dependencies
	Dependents map[string][]string // step ID -> steps that depend on it
	Roots      []string
	Order      []string       // stable topological order, empty if the graph is cyclic
	Depth      map[string]int // longest path (in steps) from any root, roots are 1
	MaxDepth   int
	MaxFanIn   int
	MaxFanOut  int
}

// dfs colors for cycle detection.
const (
	white = iota
	gray
	black
)

// AnalyzeGraph builds the step graph, detects cycles with a three-color
// depth-first traversal and computes a stable topological order.
// Ties in the order are broken by ascending Step.Order, then by step ID.
// Structural problems are reported on the result; the graph is returned
// even when invalid so callers can inspect what was built.
func AnalyzeGraph(steps []schema.Step) (*Graph, *schema.ValidationResult) {
	result := &schema.ValidationResult{}
	g := &Graph{
		Steps:      make(map[string]*schema.Step, len(steps)),
		Deps:       make(map[string][]string, len(steps)),
		Dependents: make(map[string][]string, len(steps)),
		Depth:      make(map[string]int, len(steps)),
	}

	if len(steps) == 0 {
		result.AddError("steps", schema.ErrCodeValidation, "template has no steps")
		return g, result
	}

	for i := range steps {
		s := &steps[i]
		if s.ID == "" {
			result.AddError(fmt.Sprintf("steps[%d].id", i), schema.ErrCodeValidation,
				fmt.Sprintf("step at index %d has empty ID", i))
			continue
		}
		if _, exists := g.Steps[s.ID]; exists {
			result.AddError(fmt.Sprintf("steps[%d].id", i), schema.ErrCodeValidation,
				fmt.Sprintf("duplicate step ID %q", s.ID), s.ID)
			continue
		}
		g.Steps[s.ID] = s
	}

	for i := range steps {
		s := &steps[i]
		if g.Steps[s.ID] != s {
			continue
		}
		seen := make(map[string]bool, len(s.Dependencies))
		deps := make([]string, 0, len(s.Dependencies))
		for j, dep := range s.Dependencies {
			path := fmt.Sprintf("steps[%d].dependencies[%d]", i, j)
			switch {
			case dep == s.ID:
				result.AddError(path, schema.ErrCodeCycleDetected,
					fmt.Sprintf("circular dependency: step %q depends on itself", s.ID), s.ID)
				continue
			case g.Steps[dep] == nil:
				result.AddError(path, schema.ErrCodeDanglingDep,
					fmt.Sprintf("step %q depends on non-existent step %q", s.ID, dep), s.ID)
				continue
			case seen[dep]:
				result.AddWarning(path, schema.ErrCodeValidation,
					fmt.Sprintf("step %q lists dependency %q more than once", s.ID, dep))
				continue
			}
			seen[dep] = true
			deps = append(deps, dep)
			g.Dependents[dep] = append(g.Dependents[dep], s.ID)
		}
		g.Deps[s.ID] = deps
	}

	if cycle := g.findCycle(); cycle != nil {
		result.AddError("steps", schema.ErrCodeCycleDetected,
			"circular dependency: "+strings.Join(cycle, " -> "), cycle[:len(cycle)-1]...)
		return g, result
	}
	if result.HasCode(schema.ErrCodeCycleDetected) {
		return g, result
	}

	g.sortTopologically()
	g.computeMetrics()
	result.Order = slices.Clone(g.Order)
	result.Complexity = ClassifyComplexity(len(g.Steps), g.MaxDepth, g.MaxFanIn, g.MaxFanOut)
	return g, result
}

// findCycle runs a three-color DFS over dependency edges and returns the
// first cycle found as a closed path (first and last element equal), or nil.
// Step IDs are visited in sorted order so the reported cycle is deterministic.
func (g *Graph) findCycle() []string {
	color := make(map[string]int, len(g.Steps))
	ids := g.sortedIDs()
	var stack []string

	var visit func(id string) []string
	visit = func(id string) []string {
		color[id] = gray
		stack = append(stack, id)
		for _, dep := range g.Deps[id] {
			switch color[dep] {
			case gray:
				start := slices.Index(stack, dep)
				cycle := slices.Clone(stack[start:])
				slices.Reverse(cycle)
				// Edges point dep -> step, so reversing the DFS stack yields execution direction.
				return append([]string{dep}, cycle...)
			case white:
				if c := visit(dep); c != nil {
					return c
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return nil
	}

	for _, id := range ids {
		if color[id] == white {
			if c := visit(id); c != nil {
				return c
			}
		}
	}
	return nil
}

// sortTopologically applies Kahn's algorithm, always releasing the ready
// step with the lowest (Order, ID) first.
func (g *Graph) sortTopologically() {
	inDegree := make(map[string]int, len(g.Steps))
	ready := make([]string, 0, len(g.Steps))
	for id := range g.Steps {
		inDegree[id] = len(g.Deps[id])
		if inDegree[id] == 0 {
			ready = append(ready, id)
		}
	}
	g.sortByHint(ready)
	g.Roots = slices.Clone(ready)

	order := make([]string, 0, len(g.Steps))
	for len(ready) > 0 {
		node := ready[0]
		ready = ready[1:]
		order = append(order, node)

		released := false
		for _, dep := range g.Dependents[node] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				ready = append(ready, dep)
				released = true
			}
		}
		if released {
			g.sortByHint(ready)
		}
	}
	g.Order = order
}

func (g *Graph) computeMetrics() {
	for _, id := range g.Order {
		d := 1
		for _, dep := range g.Deps[id] {
			if g.Depth[dep]+1 > d {
				d = g.Depth[dep] + 1
			}
		}
		g.Depth[id] = d
		g.MaxDepth = max(g.MaxDepth, d)
		g.MaxFanIn = max(g.MaxFanIn, len(g.Deps[id]))
		g.MaxFanOut = max(g.MaxFanOut, len(g.Dependents[id]))
	}
}

func (g *Graph) sortByHint(ids []string) {
	slices.SortFunc(ids, func(a, b string) int {
		if c := cmp.Compare(g.Steps[a].Order, g.Steps[b].Order); c != 0 {
			return c
		}
		return cmp.Compare(a, b)
	})
}

func (g *Graph) sortedIDs() []string {
	ids := make([]string, 0, len(g.Steps))
	for id := range g.Steps {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Descendants returns every step reachable from id through dependent edges.
func (g *Graph) Descendants(id string) map[string]bool {
	out := make(map[string]bool)
	queue := slices.Clone(g.Dependents[id])
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		if out[node] {
			continue
		}
		out[node] = true
		queue = append(queue, g.Dependents[node]...)
	}
	return out
}
