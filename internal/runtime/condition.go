package runtime

import (
	"fmt"
	"strings"

	"github.com/flowgrid/flowgrid/internal/params"
	"github.com/flowgrid/flowgrid/internal/workflow"
)

// executeCondition evaluates the node's rules against the resolved scope,
// selects exactly one outgoing branch and prunes the others transitively
// until a rejoining merge node.
func (r *Runner) executeCondition(state *runState, node workflow.Node, resolved map[string]any, scope params.Scope, result *NodeResult) {
	edges := state.graph.edgesFrom[node.ID]
	if len(edges) == 0 {
		result.Status = NodeSucceeded
		result.Summary = "condition with no branches"
		result.Output = map[string]any{"matched": false}
		return
	}

	selected, matchedRule := r.selectBranch(node, resolved, scope, edges)
	if selected == nil {
		// No rule matched and no default branch: all branches prune.
		for _, edge := range edges {
			r.pruneBranch(state, node.ID, edge.Target, "")
		}
		result.Status = NodeSucceeded
		result.Summary = "no branch matched"
		result.Output = map[string]any{"matched": false}
		return
	}

	for _, edge := range edges {
		if edge.ID == selected.ID && edge.Target == selected.Target {
			continue
		}
		r.pruneBranch(state, node.ID, edge.Target, selected.Target)
	}

	result.Status = NodeSucceeded
	result.SelectedEdgeID = selected.ID
	result.SelectedTargetID = selected.Target
	result.Summary = fmt.Sprintf("branch %s selected", branchName(selected))
	result.Output = map[string]any{
		"matched":          true,
		"selectedEdgeId":   selected.ID,
		"selectedTargetId": selected.Target,
		"rule":             matchedRule,
	}
}

// selectBranch applies the rules in order: a rule matches when its
// expression is absent or evaluates truthy; its branch is found by exact
// edge value, case-insensitive label, or the declared default.
func (r *Runner) selectBranch(node workflow.Node, resolved map[string]any, scope params.Scope, edges []workflow.Edge) (*workflow.Edge, int) {
	rules := node.Data.Rules
	if len(rules) == 0 {
		// Bare condition: a single "condition" parameter selects between
		// true/false labeled branches.
		rules = []workflow.ConditionRule{{Expression: asString(resolved["condition"]), Label: "true"}, {Default: true}}
	}

	evaluator := params.NewEvaluator()
	for i, rule := range rules {
		if rule.Expression != "" {
			outcome := evaluator.Evaluate(rule.Expression, scope, nil, "")
			if !outcome.Valid || !truthy(outcome.Value) {
				continue
			}
		}
		if edge := findBranch(edges, rule); edge != nil {
			return edge, i
		}
	}

	// Fallback: an explicitly labeled default edge.
	for i := range edges {
		if strings.EqualFold(edges[i].Label, "default") {
			return &edges[i], -1
		}
	}
	return nil, -1
}

func findBranch(edges []workflow.Edge, rule workflow.ConditionRule) *workflow.Edge {
	if rule.Value != nil {
		for i := range edges {
			if fmt.Sprintf("%v", edges[i].Value) == fmt.Sprintf("%v", rule.Value) {
				return &edges[i]
			}
		}
	}
	if rule.Label != "" {
		for i := range edges {
			if strings.EqualFold(edges[i].Label, rule.Label) {
				return &edges[i]
			}
		}
	}
	if rule.Default {
		for i := range edges {
			if strings.EqualFold(edges[i].Label, "default") || edges[i].Label == "" {
				return &edges[i]
			}
		}
	}
	return nil
}

// pruneBranch adds the subgraph below target to the skip set, stopping at
// nodes also reachable from the kept branch (merge nodes).
func (r *Runner) pruneBranch(state *runState, conditionID, target, keptTarget string) {
	var kept map[string]bool
	if keptTarget != "" {
		kept = state.graph.reachableFrom(keptTarget)
	}
	for id := range state.graph.reachableFrom(target) {
		if kept != nil && kept[id] {
			continue
		}
		if id == conditionID {
			continue
		}
		state.skip[id] = true
	}
}

func branchName(edge *workflow.Edge) string {
	if edge.Label != "" {
		return edge.Label
	}
	if edge.Value != nil {
		return fmt.Sprintf("%v", edge.Value)
	}
	return edge.Target
}

func truthy(value any) bool {
	switch v := value.(type) {
	case bool:
		return v
	case string:
		return v != "" && !strings.EqualFold(v, "false")
	case float64:
		return v != 0
	case int:
		return v != 0
	case nil:
		return false
	default:
		return true
	}
}

func asString(value any) string {
	if s, ok := value.(string); ok {
		return s
	}
	return ""
}
