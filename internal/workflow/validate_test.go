package workflow

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowgrid/flowgrid/internal/apperr"
)

type allFunctions struct{}

func (allFunctions) FunctionExists(nodeType string) bool { return true }

type noFunctions struct{}

func (noFunctions) FunctionExists(nodeType string) bool { return false }

func validGraph() *Graph {
	return &Graph{
		Nodes: []Node{
			{ID: "t", Type: "trigger.demo.event"},
			{ID: "a", Type: "action.demo.fn", Data: NodeData{App: "demo", Function: "fn"}},
		},
		Edges: []Edge{{Source: "t", Target: "a"}},
	}
}

func hasCode(result *ValidationResult, code apperr.Code) bool {
	for _, e := range result.Errors {
		if e.Code == code {
			return true
		}
	}
	return false
}

func TestValidate(t *testing.T) {
	t.Run("valid graph", func(t *testing.T) {
		result := Validate(validGraph(), allFunctions{})
		assert.True(t, result.Valid, "errors: %v", result.Errors)
	})

	t.Run("empty graph", func(t *testing.T) {
		result := Validate(&Graph{}, allFunctions{})
		assert.False(t, result.Valid)
		assert.True(t, hasCode(result, apperr.CodeInvalidGraph))
	})

	t.Run("duplicate node ids", func(t *testing.T) {
		graph := validGraph()
		graph.Nodes = append(graph.Nodes, Node{ID: "a", Type: "transform"})
		result := Validate(graph, allFunctions{})
		assert.False(t, result.Valid)
	})

	t.Run("edge to missing node", func(t *testing.T) {
		graph := validGraph()
		graph.Edges = append(graph.Edges, Edge{Source: "a", Target: "ghost"})
		result := Validate(graph, allFunctions{})
		assert.False(t, result.Valid)
	})

	t.Run("no trigger", func(t *testing.T) {
		graph := &Graph{Nodes: []Node{{ID: "a", Type: "transform"}}}
		result := Validate(graph, allFunctions{})
		assert.False(t, result.Valid)
	})

	t.Run("unknown node role", func(t *testing.T) {
		graph := validGraph()
		graph.Nodes = append(graph.Nodes, Node{ID: "x", Type: "mystery"})
		result := Validate(graph, allFunctions{})
		assert.True(t, hasCode(result, apperr.CodeUnknownNodeType))
	})

	t.Run("unknown function", func(t *testing.T) {
		result := Validate(validGraph(), noFunctions{})
		assert.True(t, hasCode(result, apperr.CodeMissingFunction))
	})

	t.Run("cycle outside loop body", func(t *testing.T) {
		graph := validGraph()
		graph.Nodes = append(graph.Nodes, Node{ID: "b", Type: "transform"})
		graph.Edges = append(graph.Edges, Edge{Source: "a", Target: "b"}, Edge{Source: "b", Target: "a"})
		result := Validate(graph, allFunctions{})
		assert.False(t, result.Valid)
	})

	t.Run("loop body is not a cycle", func(t *testing.T) {
		graph := &Graph{
			Nodes: []Node{
				{ID: "t", Type: "trigger.demo.event"},
				{ID: "loop", Type: "loop", Data: NodeData{Body: []string{"body-1"}}},
				{ID: "body-1", Type: "transform"},
			},
			Edges: []Edge{{Source: "t", Target: "loop"}},
		}
		result := Validate(graph, allFunctions{})
		assert.True(t, result.Valid, "errors: %v", result.Errors)
	})
}

func TestGraphRoundTrip(t *testing.T) {
	raw := json.RawMessage(`{
		"nodes": [
			{"id":"t","type":"trigger.demo.event","data":{"label":"Start","app":"demo","function":"event"},"position":{"x":10,"y":20}},
			{"id":"a","type":"action.demo.fn","data":{"app":"demo","function":"fn","parameters":{"k":"v"},"connectionId":"conn-1"},"position":{"x":30,"y":40}}
		],
		"edges": [
			{"id":"e1","source":"t","target":"a","label":"ok","value":1}
		]
	}`)

	graph, err := ParseGraph(raw)
	require.NoError(t, err)

	serialized, err := graph.Serialize()
	require.NoError(t, err)

	reparsed, err := ParseGraph(serialized)
	require.NoError(t, err)
	assert.Equal(t, graph, reparsed)

	// Semantic equality with the original up to key ordering.
	var original, roundTripped map[string]any
	require.NoError(t, json.Unmarshal(raw, &original))
	require.NoError(t, json.Unmarshal(serialized, &roundTripped))
	assert.Equal(t, original["nodes"].([]any)[0].(map[string]any)["id"], roundTripped["nodes"].([]any)[0].(map[string]any)["id"])
	assert.Equal(t, original["edges"], roundTripped["edges"])
}

func TestNodeRole(t *testing.T) {
	tests := []struct {
		nodeType string
		want     Role
	}{
		{"trigger.slack.message", RoleTrigger},
		{"action.stripe.create_charge", RoleAction},
		{"transform", RoleTransform},
		{"condition", RoleCondition},
		{"loop", RoleLoop},
	}
	for _, tt := range tests {
		node := Node{Type: tt.nodeType}
		assert.Equal(t, tt.want, node.Role())
	}
}
