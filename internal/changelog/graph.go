package changelog

import (
	"fmt"
	"sync"
)

// Graph is a tree of states with no designated root. Each edge carries
// data in both directions: the outbound data leads from the older node to
// the newer one, the inbound data leads back. Callers hold Bookmarks to
// nodes and ask for the data along the path between two of them.
//
// A relation and every transaction copy derived from it share one Graph,
// so bookmarks taken on either side can be pathed against each other.
type Graph[E any] struct {
	mu sync.Mutex
}

// Bookmark points at one node of a Graph.
type Bookmark[E any] struct {
	node *graphNode[E]
}

type graphNode[E any] struct {
	edges []graphEdge[E]
}

type graphEdge[E any] struct {
	to   *graphNode[E]
	data E
}

// NewGraph returns an empty graph.
func NewGraph[E any]() *Graph[E] {
	return &Graph[E]{}
}

// AddEmptyNode creates an unconnected node.
func (g *Graph[E]) AddEmptyNode() Bookmark[E] {
	return Bookmark[E]{node: &graphNode[E]{}}
}

// AddNode creates a node connected to from. outbound is the data for the
// edge from -> new, inbound for new -> from.
func (g *Graph[E]) AddNode(from Bookmark[E], outbound, inbound E) Bookmark[E] {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := &graphNode[E]{edges: []graphEdge[E]{{to: from.node, data: inbound}}}
	from.node.edges = append(from.node.edges, graphEdge[E]{to: n, data: outbound})
	return Bookmark[E]{node: n}
}

// Path returns the edge data along the path from one bookmark to another,
// in travel order. The path between a bookmark and itself is empty.
//
// CRITICAL: the two bookmarks must belong to the same connected tree;
// pathing between unrelated nodes is a programming error and panics.
func (g *Graph[E]) Path(from, to Bookmark[E]) []E {
	if from.node == to.node {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	type step struct {
		node, prev *graphNode[E]
		soFar      []E
	}
	queue := []step{{node: from.node}}
	for len(queue) > 0 {
		s := queue[0]
		queue = queue[1:]
		for _, e := range s.node.edges {
			if e.to == s.prev {
				continue
			}
			path := append(append(make([]E, 0, len(s.soFar)+1), s.soFar...), e.data)
			if e.to == to.node {
				return path
			}
			queue = append(queue, step{node: e.to, prev: s.node, soFar: path})
		}
	}
	panic(fmt.Sprintf("changelog: no path between bookmarks %p and %p", from.node, to.node))
}

// Same reports whether both bookmarks point at the same node.
func (b Bookmark[E]) Same(o Bookmark[E]) bool {
	return b.node == o.node
}
