package workflow

import (
	"fmt"

	"github.com/flowgrid/flowgrid/internal/apperr"
)

// ValidationError is one problem found in a graph
type ValidationError struct {
	Code    apperr.Code `json:"code"`
	NodeID  string      `json:"node_id,omitempty"`
	Message string      `json:"message"`
}

// ValidationResult summarizes graph validation
type ValidationResult struct {
	Valid   bool              `json:"valid"`
	Errors  []ValidationError `json:"errors"`
	Message string            `json:"message,omitempty"`
}

// FunctionChecker reports whether "action.<app>.<fn>" exists in the catalog.
type FunctionChecker interface {
	FunctionExists(nodeType string) bool
}

// Validate checks the structural invariants of a graph: unique node ids,
// edges referencing existing nodes, at least one trigger, known node roles,
// and acyclicity outside declared loop bodies.
func Validate(graph *Graph, functions FunctionChecker) *ValidationResult {
	result := &ValidationResult{Valid: true}
	fail := func(code apperr.Code, nodeID, message string) {
		result.Valid = false
		result.Errors = append(result.Errors, ValidationError{Code: code, NodeID: nodeID, Message: message})
	}

	if len(graph.Nodes) == 0 {
		fail(apperr.CodeInvalidGraph, "", "graph has no nodes")
		return result
	}

	seen := make(map[string]bool, len(graph.Nodes))
	loopBodies := make(map[string]bool)
	triggers := 0
	for _, node := range graph.Nodes {
		if node.ID == "" {
			fail(apperr.CodeInvalidGraph, "", "node with empty id")
			continue
		}
		if seen[node.ID] {
			fail(apperr.CodeInvalidGraph, node.ID, fmt.Sprintf("duplicate node id %q", node.ID))
			continue
		}
		seen[node.ID] = true

		switch node.Role() {
		case RoleTrigger:
			triggers++
		case RoleAction:
			if node.Data.App == "" && node.Type == string(RoleAction) {
				fail(apperr.CodeMissingApp, node.ID, "action node declares no app")
			}
			if functions != nil && node.Type != string(RoleAction) && !functions.FunctionExists(node.Type) {
				fail(apperr.CodeMissingFunction, node.ID, fmt.Sprintf("unknown function %q", node.Type))
			}
		case RoleTransform, RoleCondition:
		case RoleLoop:
			for _, bodyID := range node.Data.Body {
				loopBodies[bodyID] = true
			}
		default:
			fail(apperr.CodeUnknownNodeType, node.ID, fmt.Sprintf("unknown node type %q", node.Type))
		}
	}

	if triggers == 0 {
		fail(apperr.CodeInvalidGraph, "", "graph has no trigger node")
	}

	for _, edge := range graph.Edges {
		if !seen[edge.Source] {
			fail(apperr.CodeInvalidGraph, edge.Source, fmt.Sprintf("edge source %q does not exist", edge.Source))
		}
		if !seen[edge.Target] {
			fail(apperr.CodeInvalidGraph, edge.Target, fmt.Sprintf("edge target %q does not exist", edge.Target))
		}
	}
	if !result.Valid {
		result.Message = fmt.Sprintf("%d validation errors", len(result.Errors))
		return result
	}

	// Cycle detection over the non-loop-body subgraph. Loop bodies are
	// declared subgraphs, not back-edges, so they are excluded.
	if cyclic := hasCycle(graph, loopBodies); cyclic {
		fail(apperr.CodeInvalidGraph, "", "graph contains a cycle outside loop bodies")
		result.Message = "graph contains a cycle"
	}
	return result
}

func hasCycle(graph *Graph, loopBodies map[string]bool) bool {
	indegree := make(map[string]int)
	adjacency := make(map[string][]string)
	count := 0
	for _, node := range graph.Nodes {
		if loopBodies[node.ID] {
			continue
		}
		indegree[node.ID] = 0
		count++
	}
	for _, edge := range graph.Edges {
		if loopBodies[edge.Source] || loopBodies[edge.Target] {
			continue
		}
		adjacency[edge.Source] = append(adjacency[edge.Source], edge.Target)
		indegree[edge.Target]++
	}

	queue := make([]string, 0, count)
	for id, degree := range indegree {
		if degree == 0 {
			queue = append(queue, id)
		}
	}
	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range adjacency[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	return visited != count
}
