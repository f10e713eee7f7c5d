package runtime

import (
	"fmt"
	"sort"

	"github.com/flowgrid/flowgrid/internal/workflow"
)

// normalizedGraph is the arena-indexed execution view of a workflow graph.
type normalizedGraph struct {
	nodes   []workflow.Node
	byID    map[string]int
	// outgoing / incoming are adjacency lists over node indices.
	outgoing map[int][]int
	incoming map[int][]int
	// edgesFrom indexes the original edges by source node id.
	edgesFrom map[string][]workflow.Edge
	// order is the execution order of node indices.
	order []int
	// cycleSuspected flags nodes appended from an unresolved cycle.
	cycleSuspected map[string]bool
	// loopBody maps body node ids to their owning loop node id.
	loopBody map[string]string
}

// normalize validates ids, materializes the edge maps and computes a Kahn
// topological order. Nodes left unvisited by a cycle are appended to the
// tail in stable order and flagged cycle_suspected.
func normalize(graph *workflow.Graph) (*normalizedGraph, error) {
	g := &normalizedGraph{
		byID:           make(map[string]int, len(graph.Nodes)),
		outgoing:       make(map[int][]int),
		incoming:       make(map[int][]int),
		edgesFrom:      make(map[string][]workflow.Edge),
		cycleSuspected: make(map[string]bool),
		loopBody:       make(map[string]string),
	}

	for _, node := range graph.Nodes {
		if node.ID == "" {
			return nil, fmt.Errorf("node with empty id")
		}
		if _, exists := g.byID[node.ID]; exists {
			return nil, fmt.Errorf("duplicate node id %q", node.ID)
		}
		g.byID[node.ID] = len(g.nodes)
		g.nodes = append(g.nodes, node)
		if node.Role() == workflow.RoleLoop {
			for _, bodyID := range node.Data.Body {
				g.loopBody[bodyID] = node.ID
			}
		}
	}

	for _, edge := range graph.Edges {
		src, okSrc := g.byID[edge.Source]
		dst, okDst := g.byID[edge.Target]
		if !okSrc || !okDst {
			return nil, fmt.Errorf("edge %s -> %s references unknown node", edge.Source, edge.Target)
		}
		g.outgoing[src] = append(g.outgoing[src], dst)
		g.incoming[dst] = append(g.incoming[dst], src)
		g.edgesFrom[edge.Source] = append(g.edgesFrom[edge.Source], edge)
	}

	g.order = g.topologicalOrder()
	return g, nil
}

// topologicalOrder runs Kahn's algorithm. Ties break on node id for
// determinism; cycle remainders append in declaration order.
func (g *normalizedGraph) topologicalOrder() []int {
	indegree := make([]int, len(g.nodes))
	for dst, sources := range g.incoming {
		indegree[dst] = len(sources)
	}

	var ready []int
	for idx := range g.nodes {
		if indegree[idx] == 0 {
			ready = append(ready, idx)
		}
	}
	sortByID := func(indices []int) {
		sort.Slice(indices, func(a, b int) bool {
			return g.nodes[indices[a]].ID < g.nodes[indices[b]].ID
		})
	}
	sortByID(ready)

	order := make([]int, 0, len(g.nodes))
	visited := make([]bool, len(g.nodes))
	for len(ready) > 0 {
		idx := ready[0]
		ready = ready[1:]
		order = append(order, idx)
		visited[idx] = true

		var unblocked []int
		for _, next := range g.outgoing[idx] {
			indegree[next]--
			if indegree[next] == 0 {
				unblocked = append(unblocked, next)
			}
		}
		sortByID(unblocked)
		ready = append(ready, unblocked...)
	}

	// Cycle remainder: stable declaration order, flagged.
	if len(order) < len(g.nodes) {
		for idx := range g.nodes {
			if !visited[idx] {
				order = append(order, idx)
				g.cycleSuspected[g.nodes[idx].ID] = true
			}
		}
	}
	return order
}

// node returns a node by id.
func (g *normalizedGraph) node(id string) (workflow.Node, bool) {
	idx, ok := g.byID[id]
	if !ok {
		return workflow.Node{}, false
	}
	return g.nodes[idx], true
}

// reachableFrom collects the ids reachable by following outgoing edges from
// start; start itself is always included.
func (g *normalizedGraph) reachableFrom(startID string) map[string]bool {
	visited := make(map[string]bool)
	start, ok := g.byID[startID]
	if !ok {
		return visited
	}
	stack := []int{start}
	for len(stack) > 0 {
		idx := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, next := range g.outgoing[idx] {
			id := g.nodes[next].ID
			if !visited[id] {
				visited[id] = true
				stack = append(stack, next)
			}
		}
	}
	visited[startID] = true
	return visited
}

// subOrder returns the execution order restricted to the given node ids.
func (g *normalizedGraph) subOrder(ids map[string]bool) []string {
	var order []string
	for _, idx := range g.order {
		id := g.nodes[idx].ID
		if ids[id] {
			order = append(order, id)
		}
	}
	return order
}
