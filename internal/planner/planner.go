// Package planner implements the Dependency Planner: Tarjan cycle
// resolution, Kahn topological ordering, and critical-path computation
// over a DecomposedTask's subtask graph. Kahn's ordering and the critical
// path are iterative; Tarjan's strongconnect recurses once per subtask
// along a dependency chain.
package planner

import (
	"fmt"
	"sort"
	"strings"

	"github.com/locallama/router/internal/model"
	"github.com/locallama/router/internal/routererrors"
)

// Plan resolves cycles, computes execution order, and computes the
// critical path for dt, mutating dt in place (ExecutionOrder,
// CriticalPath, PlannerNotes) and the Dependencies sets of its Subtasks
// when cycle-breaking removes an edge.
func Plan(dt *model.DecomposedTask) error {
	if dt == nil {
		return routererrors.Internal("planner received a nil DecomposedTask", nil)
	}

	breakCycles(dt)

	order, err := topologicalOrder(dt)
	if err != nil {
		return routererrors.Internal("topological sort failed after cycle resolution", err)
	}
	dt.ExecutionOrder = order

	dt.CriticalPath = criticalPath(dt, order)

	return nil
}

// breakCycles finds every strongly-connected component of size > 1 via
// Tarjan's algorithm and removes, within each, the dependency edge whose
// endpoint has the lowest complexity (ties broken by ascending id),
// recording a planner note for each broken edge.
func breakCycles(dt *model.DecomposedTask) {
	ids := sortedIDs(dt)
	indexOf := make(map[string]int, len(ids))
	for i, id := range ids {
		indexOf[id] = i
	}

	var (
		index   = 0
		stack   []string
		onStack = make(map[string]bool)
		indices = make(map[string]int)
		lowlink = make(map[string]int)
		sccs    [][]string
	)

	var strongconnect func(v string)
	strongconnect = func(v string) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		st, _ := dt.Get(v)
		for _, w := range st.DependencyIDs() {
			if _, ok := dt.Get(w); !ok {
				continue // dangling reference, ignored by the planner
			}
			if _, seen := indices[w]; !seen {
				strongconnect(w)
				if lowlink[w] < lowlink[v] {
					lowlink[v] = lowlink[w]
				}
			} else if onStack[w] {
				if indices[w] < lowlink[v] {
					lowlink[v] = indices[w]
				}
			}
		}

		if lowlink[v] == indices[v] {
			var scc []string
			for {
				n := len(stack) - 1
				w := stack[n]
				stack = stack[:n]
				onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			sccs = append(sccs, scc)
		}
	}

	for _, id := range ids {
		if _, seen := indices[id]; !seen {
			strongconnect(id)
		}
	}

	for _, scc := range sccs {
		if len(scc) <= 1 {
			continue
		}
		breakSCC(dt, scc)
	}
}

// breakSCC removes one dependency edge from the given strongly-connected
// component: the edge whose endpoint (the dependency being pointed at) has
// the lowest complexity, tie-broken by ascending id. "Endpoint" here means
// the dependency target, not the subtask declaring the dependency.
func breakSCC(dt *model.DecomposedTask, scc []string) {
	members := make(map[string]bool, len(scc))
	for _, id := range scc {
		members[id] = true
	}

	type edge struct {
		from, to string
	}
	var edges []edge
	for _, id := range scc {
		st, _ := dt.Get(id)
		for _, dep := range st.DependencyIDs() {
			if members[dep] {
				edges = append(edges, edge{from: id, to: dep})
			}
		}
	}
	if len(edges) == 0 {
		return
	}

	sort.Slice(edges, func(i, j int) bool {
		ti, _ := dt.Get(edges[i].to)
		tj, _ := dt.Get(edges[j].to)
		if ti.Complexity != tj.Complexity {
			return ti.Complexity < tj.Complexity
		}
		return edges[i].to < edges[j].to
	})

	broken := edges[0]
	st, _ := dt.Get(broken.from)
	delete(st.Dependencies, broken.to)
	dt.PlannerNotes = append(dt.PlannerNotes, fmt.Sprintf(
		"broke cyclic dependency %s -> %s to resolve a strongly-connected component of size %d",
		broken.from, broken.to, len(scc)))
}

// topologicalOrder performs Kahn's algorithm; within one ready-set,
// subtasks are ordered by descending complexity then ascending id.
func topologicalOrder(dt *model.DecomposedTask) ([]string, error) {
	inDegree := make(map[string]int, len(dt.Subtasks))
	dependents := make(map[string][]string, len(dt.Subtasks))

	for id, st := range dt.Subtasks {
		if _, ok := inDegree[id]; !ok {
			inDegree[id] = 0
		}
		for _, dep := range st.DependencyIDs() {
			if _, ok := dt.Get(dep); !ok {
				continue
			}
			inDegree[id]++
			dependents[dep] = append(dependents[dep], id)
		}
	}

	var ready []string
	for id, deg := range inDegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}

	var order []string
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool {
			si, _ := dt.Get(ready[i])
			sj, _ := dt.Get(ready[j])
			if si.Complexity != sj.Complexity {
				return si.Complexity > sj.Complexity
			}
			return ready[i] < ready[j]
		})

		next := ready[0]
		ready = ready[1:]
		order = append(order, next)

		for _, dependent := range dependents[next] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
	}

	if len(order) != len(dt.Subtasks) {
		return nil, fmt.Errorf("graph still contains a cycle after resolution: ordered %d of %d subtasks", len(order), len(dt.Subtasks))
	}
	return order, nil
}

// criticalPath finds the longest path through the DAG weighted by each
// subtask's EstimatedDuration, tie-broken on id.
func criticalPath(dt *model.DecomposedTask, order []string) []string {
	longest := make(map[string]float64, len(order))
	predecessor := make(map[string]string, len(order))

	for _, id := range order {
		st, _ := dt.Get(id)
		longest[id] = st.EstimatedDuration()
	}

	for _, id := range order {
		st, _ := dt.Get(id)
		for _, dep := range st.DependencyIDs() {
			if _, ok := dt.Get(dep); !ok {
				continue
			}
			candidate := longest[dep] + st.EstimatedDuration()
			if candidate > longest[id] || (candidate == longest[id] && predecessor[id] != "" && dep < predecessor[id]) {
				longest[id] = candidate
				predecessor[id] = dep
			}
		}
	}

	var endID string
	var bestLen float64 = -1
	for _, id := range order {
		if longest[id] > bestLen || (longest[id] == bestLen && id < endID) {
			bestLen = longest[id]
			endID = id
		}
	}
	if endID == "" {
		return nil
	}

	var path []string
	for id := endID; id != ""; id = predecessor[id] {
		path = append([]string{id}, path...)
	}
	return path
}

// Visualize renders a deterministic text form of the DAG: each node on its
// own line, id followed by its sorted immediate dependencies.
func Visualize(dt *model.DecomposedTask) string {
	ids := sortedIDs(dt)
	var b strings.Builder
	for _, id := range ids {
		st, _ := dt.Get(id)
		deps := st.DependencyIDs()
		sort.Strings(deps)
		if len(deps) == 0 {
			fmt.Fprintf(&b, "%s\n", id)
			continue
		}
		fmt.Fprintf(&b, "%s -> %s\n", id, strings.Join(deps, ", "))
	}
	return b.String()
}

func sortedIDs(dt *model.DecomposedTask) []string {
	ids := make([]string, 0, len(dt.Subtasks))
	for id := range dt.Subtasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
