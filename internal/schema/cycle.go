package schema

import (
	"slices"
	"strings"
)

// dependencyGraph maps view name -> names of the views it reads.
// Tables are leaves and never appear as keys.
type dependencyGraph map[string][]string

func buildDependencyGraph(s *Schema) dependencyGraph {
	views := make(map[string]bool, len(s.Views))
	for _, v := range s.Views {
		views[v.Name] = true
	}
	graph := make(dependencyGraph, len(s.Views))
	for _, v := range s.Views {
		deps := []string{}
		for _, from := range v.From {
			if views[from] {
				deps = append(deps, from)
			}
		}
		graph[v.Name] = deps
	}
	return graph
}

// findCycles returns each cycle among views as a path that starts and
// ends at the same view, e.g. ["a", "b", "a"]. Views are not recursive,
// so any cycle is an error.
func findCycles(graph dependencyGraph) [][]string {
	var cycles [][]string
	for _, scc := range tarjanSCC(graph) {
		switch {
		case len(scc) > 1:
			cycles = append(cycles, reconstructCyclePath(scc, graph))
		case slices.Contains(graph[scc[0]], scc[0]):
			cycles = append(cycles, []string{scc[0], scc[0]})
		}
	}
	slices.SortFunc(cycles, func(a, b []string) int { return strings.Compare(a[0], b[0]) })
	return cycles
}

// tarjanSCC finds strongly connected components. Nodes are visited in
// sorted order so results are deterministic.
func tarjanSCC(graph dependencyGraph) [][]string {
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

		for _, w := range graph[v] {
			if _, visited := indices[w]; !visited {
				strongConnect(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}

		// v is a root: pop its component.
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
			slices.Sort(scc)
			sccs = append(sccs, scc)
		}
	}

	nodes := make([]string, 0, len(graph))
	for node := range graph {
		nodes = append(nodes, node)
	}
	slices.Sort(nodes)
	for _, node := range nodes {
		if _, visited := indices[node]; !visited {
			strongConnect(node)
		}
	}
	return sccs
}

// reconstructCyclePath follows edges inside an SCC from its first member
// until it returns to it.
func reconstructCyclePath(scc []string, graph dependencyGraph) []string {
	members := make(map[string]bool, len(scc))
	for _, node := range scc {
		members[node] = true
	}

	start := scc[0]
	current := start
	path := []string{current}
	visited := make(map[string]bool)
	for {
		visited[current] = true
		var next string
		for _, neighbor := range graph[current] {
			if members[neighbor] && (!visited[neighbor] || neighbor == start) {
				next = neighbor
				break
			}
		}
		if next == "" {
			break
		}
		path = append(path, next)
		if next == start {
			break
		}
		current = next
	}
	return path
}

// topoOrder lists views so every view follows the views it reads. Views
// on a cycle are left out.
func topoOrder(s *Schema, graph dependencyGraph) []string {
	onCycle := make(map[string]bool)
	for _, c := range findCycles(graph) {
		for _, name := range c {
			onCycle[name] = true
		}
	}

	var order []string
	done := make(map[string]bool)
	var visit func(string) bool
	visit = func(name string) bool {
		if onCycle[name] {
			return false
		}
		if done[name] {
			return true
		}
		done[name] = true
		ok := true
		for _, dep := range graph[name] {
			ok = visit(dep) && ok
		}
		if !ok {
			// Reads a view on a cycle.
			onCycle[name] = true
			return false
		}
		order = append(order, name)
		return true
	}
	for _, v := range s.Views {
		visit(v.Name)
	}
	return order
}
