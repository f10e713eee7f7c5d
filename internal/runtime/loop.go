package runtime

import (
	"context"
	"fmt"

	"github.com/flowgrid/flowgrid/internal/workflow"
)

// maxLoopIterations is the safety bound on collection size.
const maxLoopIterations = 1000

// executeLoop iterates a resolved collection over the node's declared body
// subgraph. Each iteration runs the body in its own topological order with
// the loop aliases merged into scope; per-iteration outputs are collected.
// The body is already excluded from the outer walk.
func (r *Runner) executeLoop(ctx context.Context, state *runState, node workflow.Node, resolved map[string]any, result *NodeResult) {
	collection := resolved["collection"]
	if collection == nil {
		collection = resolved["items"]
	}
	items, ok := collection.([]any)
	if !ok {
		if collection == nil {
			items = nil
		} else {
			result.Status = NodeFailed
			result.Summary = fmt.Sprintf("loop collection is %T, expected array", collection)
			return
		}
	}
	if len(items) > maxLoopIterations {
		result.Status = NodeFailed
		result.Summary = fmt.Sprintf("loop collection exceeds %d items", maxLoopIterations)
		return
	}

	itemAlias := node.Data.ItemAlias
	if itemAlias == "" {
		itemAlias = "item"
	}
	indexAlias := node.Data.IndexAlias

	bodySet := make(map[string]bool, len(node.Data.Body))
	for _, id := range node.Data.Body {
		bodySet[id] = true
	}
	bodyOrder := state.graph.subOrder(bodySet)

	iterations := make([]any, 0, len(items))
	for index, item := range items {
		if err := ctx.Err(); err != nil {
			result.Status = NodeFailed
			result.Summary = "loop cancelled"
			return
		}

		iteration, err := r.runIteration(ctx, state, bodyOrder, itemAlias, indexAlias, item, index)
		if err != nil {
			result.Status = NodeFailed
			result.Summary = fmt.Sprintf("iteration %d failed: %v", index, err)
			result.Output = map[string]any{"iterations": iterations, "failedAt": index}
			return
		}
		iterations = append(iterations, iteration)
	}

	result.Status = NodeSucceeded
	result.Summary = fmt.Sprintf("%d iterations", len(iterations))
	result.Output = map[string]any{"iterations": iterations, "count": len(iterations)}
}

// runIteration executes the body subgraph once. Body node outputs are scoped
// to the iteration: they are visible to later body nodes through a copied
// output map and returned, not leaked into the outer walk.
func (r *Runner) runIteration(ctx context.Context, state *runState, bodyOrder []string, itemAlias, indexAlias string, item any, index int) (map[string]any, error) {
	// Iteration-local view over the outer outputs.
	localOutputs := make(map[string]any, len(state.nodeOutputs)+len(bodyOrder))
	for id, output := range state.nodeOutputs {
		localOutputs[id] = output
	}

	iteration := make(map[string]any, len(bodyOrder))
	for _, nodeID := range bodyOrder {
		node, ok := state.graph.node(nodeID)
		if !ok {
			return nil, fmt.Errorf("body node %s not found", nodeID)
		}

		scope := r.scope(state)
		scope.Steps = localOutputs
		scope.Siblings = localOutputs
		scope.Variables = map[string]any{itemAlias: item}
		if indexAlias != "" {
			scope.Variables[indexAlias] = index
		}

		resolved, _, err := r.resolveParameters(node, scope)
		if err != nil {
			return nil, fmt.Errorf("node %s: %w", nodeID, err)
		}

		nodeResult := &NodeResult{NodeID: nodeID}
		switch node.Role() {
		case workflow.RoleTransform:
			nodeResult.Status = NodeSucceeded
			nodeResult.Output = any(resolved)
		case workflow.RoleAction:
			r.executeAction(ctx, state, node, resolved, nodeResult)
		default:
			return nil, fmt.Errorf("node %s: role %s not supported inside a loop body", nodeID, node.Role())
		}
		if nodeResult.Status == NodeFailed {
			return nil, fmt.Errorf("node %s: %s", nodeID, nodeResult.Summary)
		}

		localOutputs[nodeID] = nodeResult.Output
		iteration[nodeID] = nodeResult.Output
	}
	return iteration, nil
}
