package catalog

import (
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/tenantmig/internal/ir"
)

// CycleError reports a dependency cycle. Path starts and ends with the
// same id.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return "cyclic migration dependencies: " + strings.Join(e.Path, " → ")
}

// UnknownRequirementError reports a prerequisite naming no definition.
type UnknownRequirementError struct {
	ID       string
	Requires string
}

func (e *UnknownRequirementError) Error() string {
	return fmt.Sprintf("migration %s requires unknown migration %s", e.ID, e.Requires)
}

// checkRequirementScope rejects a global migration that requires a
// tenant-scoped one. The global row is checked in the global scope, where
// a tenant-scoped prerequisite never completes, and every tenant waits on
// the global pass.
func checkRequirementScope(d, req ir.MigrationDefinition) error {
	if !d.TenantScoped && req.TenantScoped {
		return fmt.Errorf("%w: global migration %s requires tenant-scoped %s", ErrInvalid, d.ID, req.ID)
	}
	return nil
}

// Order sorts definitions so that every prerequisite precedes its
// dependents. Among definitions whose prerequisites are satisfied, the
// lexically smallest id goes first, so the order is independent of
// insertion order.
func Order(defs []ir.MigrationDefinition) ([]ir.MigrationDefinition, error) {
	byID := Index(defs)
	if len(byID) != len(defs) {
		return nil, fmt.Errorf("%w: duplicate ids in definition set", ErrDuplicate)
	}

	indegree := make(map[string]int, len(defs))
	dependents := make(map[string][]string, len(defs))
	for _, d := range defs {
		indegree[d.ID] = len(d.Requires)
		for _, req := range d.Requires {
			r, ok := byID[req]
			if !ok {
				return nil, &UnknownRequirementError{ID: d.ID, Requires: req}
			}
			if err := checkRequirementScope(d, r); err != nil {
				return nil, err
			}
			dependents[req] = append(dependents[req], d.ID)
		}
	}

	var ready []string
	for id, n := range indegree {
		if n == 0 {
			ready = append(ready, id)
		}
	}
	slices.Sort(ready)

	ordered := make([]ir.MigrationDefinition, 0, len(defs))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		ordered = append(ordered, byID[id])

		for _, dep := range dependents[id] {
			indegree[dep]--
			if indegree[dep] == 0 {
				// keep ready sorted
				i, _ := slices.BinarySearch(ready, dep)
				ready = slices.Insert(ready, i, dep)
			}
		}
	}

	if len(ordered) != len(defs) {
		return nil, &CycleError{Path: findCycle(defs)}
	}
	return ordered, nil
}

// requirementGraph maps id → prerequisite ids.
type requirementGraph map[string][]string

func buildGraph(defs []ir.MigrationDefinition) requirementGraph {
	g := make(requirementGraph, len(defs))
	for _, d := range defs {
		g[d.ID] = slices.Clone(d.Requires)
		slices.Sort(g[d.ID])
	}
	return g
}

// findCycle returns one cycle path from the lexically first strongly
// connected component that is a cycle.
func findCycle(defs []ir.MigrationDefinition) []string {
	g := buildGraph(defs)
	var cycles [][]string
	for _, scc := range tarjanSCC(g) {
		if len(scc) > 1 || hasSelfLoop(scc[0], g) {
			cycles = append(cycles, scc)
		}
	}
	if len(cycles) == 0 {
		return nil
	}
	for _, c := range cycles {
		slices.Sort(c)
	}
	slices.SortFunc(cycles, func(a, b []string) int { return strings.Compare(a[0], b[0]) })
	return cyclePath(cycles[0], g)
}

func hasSelfLoop(node string, g requirementGraph) bool {
	return slices.Contains(g[node], node)
}

// tarjanSCC finds strongly connected components using Tarjan's algorithm.
// Nodes are visited in sorted order so the result is deterministic.
func tarjanSCC(g requirementGraph) [][]string {
	var (
		index   = 0
		stack   []string
		indices = make(map[string]int)
		lowlink = make(map[string]int)
		onStack = make(map[string]bool)
		sccs    [][]string
	)

	var strongConnect func(string)
	strongConnect = func(v string) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range g[v] {
			if _, visited := indices[w]; !visited {
				strongConnect(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}

		if lowlink[v] == indices[v] {
			var scc []string
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			sccs = append(sccs, scc)
		}
	}

	nodes := make([]string, 0, len(g))
	for n := range g {
		nodes = append(nodes, n)
	}
	slices.Sort(nodes)
	for _, n := range nodes {
		if _, visited := indices[n]; !visited {
			strongConnect(n)
		}
	}
	return sccs
}

// cyclePath follows requirement edges depth-first from the SCC's first
// member until it returns to it.
func cyclePath(scc []string, g requirementGraph) []string {
	start := scc[0]
	members := make(map[string]bool, len(scc))
	for _, n := range scc {
		members[n] = true
	}

	var path []string
	visited := make(map[string]bool)
	var walk func(n string) bool
	walk = func(n string) bool {
		path = append(path, n)
		visited[n] = true
		for _, w := range g[n] {
			if w == start {
				path = append(path, start)
				return true
			}
			if members[w] && !visited[w] && walk(w) {
				return true
			}
		}
		path = path[:len(path)-1]
		return false
	}
	walk(start)
	return path
}
