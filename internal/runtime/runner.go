package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/flowgrid/flowgrid/internal/apperr"
	"github.com/flowgrid/flowgrid/internal/connection"
	"github.com/flowgrid/flowgrid/internal/connector"
	"github.com/flowgrid/flowgrid/internal/execution"
	"github.com/flowgrid/flowgrid/internal/params"
	"github.com/flowgrid/flowgrid/internal/workflow"
)

// ClientSource provides connector clients and function lookups.
type ClientSource interface {
	APIClient(connectorID string) connector.Client
	ExperimentalClient(connectorID string) connector.Client
	FunctionByType(nodeType string) (*connector.FunctionDef, bool)
}

// RuntimeSource resolves where a connector operation runs.
type RuntimeSource interface {
	Resolve(connectorID string, fn *connector.FunctionDef) connector.RuntimeSelection
	AppsScriptGated(connectorID string, fn *connector.FunctionDef) bool
}

// CredentialSource resolves node credential references.
type CredentialSource interface {
	Resolve(ctx context.Context, organizationID, userID string, ref connection.NodeCredentialRef) (*connection.Resolved, error)
}

// Sink persists per-node outcomes incrementally.
type Sink interface {
	UpsertNodeDetail(ctx context.Context, detail *execution.NodeDetail) error
}

// Context identifies the execution being run.
type Context struct {
	WorkflowID     string
	ExecutionID    string
	UserID         string
	OrganizationID string
	Timezone       string
}

// Options tune a single run.
type Options struct {
	// SkipNodes pre-seeds the skip set.
	SkipNodes []string
	// StopOnError aborts the walk at the first failed node.
	StopOnError bool
	// DryRun never resolves credentials or calls connectors; action nodes
	// return a synthetic output. Trigger input comes from the caller's
	// initial data, as in a normal run.
	DryRun bool
	// NodeTimeout is the per-node soft timeout (0 = none).
	NodeTimeout time.Duration
}

// NodeStatus of one node within a run
type NodeStatus string

const (
	NodeSucceeded NodeStatus = "succeeded"
	NodeFailed    NodeStatus = "failed"
	NodeSkipped   NodeStatus = "skipped"
)

// NodeResult is the recorded outcome of one node
type NodeResult struct {
	NodeID      string         `json:"node_id"`
	Status      NodeStatus     `json:"status"`
	Summary     string         `json:"summary,omitempty"`
	Output      any            `json:"output,omitempty"`
	Preview     any            `json:"preview,omitempty"`
	Logs        []string       `json:"logs,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	Diagnostics map[string]any `json:"diagnostics,omitempty"`
	// SelectedEdgeID / SelectedTargetID record a condition's chosen branch.
	SelectedEdgeID   string `json:"selected_edge_id,omitempty"`
	SelectedTargetID string `json:"selected_target_id,omitempty"`
	StartedAt        time.Time `json:"started_at"`
	FinishedAt       time.Time `json:"finished_at"`
}

// Result is the outcome of a full run
type Result struct {
	Status       execution.Status       `json:"status"`
	Nodes        map[string]*NodeResult `json:"nodes"`
	Order        []string               `json:"order"`
	ErrorSummary string                 `json:"error_summary,omitempty"`
}

// Runner evaluates a workflow graph node by node.
type Runner struct {
	clients     ClientSource
	runtimes    RuntimeSource
	credentials CredentialSource
	resolver    *params.Resolver
	sink        Sink
	logger      *slog.Logger
}

// NewRunner creates a workflow runner.
func NewRunner(clients ClientSource, runtimes RuntimeSource, credentials CredentialSource, resolver *params.Resolver, sink Sink, logger *slog.Logger) *Runner {
	return &Runner{
		clients:     clients,
		runtimes:    runtimes,
		credentials: credentials,
		resolver:    resolver,
		sink:        sink,
		logger:      logger,
	}
}

// runState is the per-run mutable state shared across node handlers.
type runState struct {
	graph       *normalizedGraph
	execCtx     Context
	opts        Options
	initial     map[string]any
	nodeOutputs map[string]any
	skip        map[string]bool
	results     map[string]*NodeResult
	order       []string
}

// Execute walks the graph in topological order. initial carries the trigger
// payload (plus headers and dedupe token for webhook/polling runs).
func (r *Runner) Execute(ctx context.Context, graph *workflow.Graph, initial map[string]any, execCtx Context, opts Options) (*Result, error) {
	normalized, err := normalize(graph)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInvalidGraph, "failed to normalize graph", err)
	}
	if initial == nil {
		initial = make(map[string]any)
	}

	state := &runState{
		graph:       normalized,
		execCtx:     execCtx,
		opts:        opts,
		initial:     initial,
		nodeOutputs: make(map[string]any),
		skip:        make(map[string]bool),
		results:     make(map[string]*NodeResult),
	}
	for _, id := range opts.SkipNodes {
		state.skip[id] = true
	}
	// Loop bodies execute inside their owning loop node, not in the outer walk.
	for bodyID := range normalized.loopBody {
		state.skip[bodyID] = true
	}

	r.seedTrigger(state)

	result := &Result{Status: execution.StatusSucceeded, Nodes: state.results}
	for _, idx := range normalized.order {
		node := normalized.nodes[idx]

		if err := ctx.Err(); err != nil {
			result.Status = execution.StatusCancelled
			result.ErrorSummary = string(apperr.CodeCancelled)
			result.Order = state.order
			return result, nil
		}

		if state.skip[node.ID] {
			continue
		}
		if node.Role() == workflow.RoleTrigger {
			// Seeded already; record a pass-through result.
			r.record(ctx, state, &NodeResult{
				NodeID:     node.ID,
				Status:     NodeSucceeded,
				Summary:    "trigger",
				Output:     state.nodeOutputs[node.ID],
				Preview:    buildPreview(state.nodeOutputs[node.ID]),
				StartedAt:  time.Now().UTC(),
				FinishedAt: time.Now().UTC(),
			})
			continue
		}

		nodeResult := r.executeNode(ctx, state, node)
		r.record(ctx, state, nodeResult)

		if nodeResult.Status == NodeFailed {
			result.Status = execution.StatusFailed
			result.ErrorSummary = fmt.Sprintf("node %s failed: %s", node.ID, nodeResult.Summary)
			if opts.StopOnError {
				break
			}
		}
	}

	result.Order = state.order
	return result, nil
}

// seedTrigger writes the initial data under "trigger" and under every
// trigger node matching the initiating {appId, triggerId} (or the first
// trigger node when none match).
func (r *Runner) seedTrigger(state *runState) {
	state.nodeOutputs["trigger"] = state.initial

	appID, _ := state.initial["appId"].(string)
	triggerID, _ := state.initial["triggerId"].(string)

	var firstTrigger string
	matched := false
	for _, idx := range state.graph.order {
		node := state.graph.nodes[idx]
		if node.Role() != workflow.RoleTrigger {
			continue
		}
		if firstTrigger == "" {
			firstTrigger = node.ID
		}
		if appID != "" && node.Data.App == appID && (triggerID == "" || node.Data.Function == triggerID) {
			state.nodeOutputs[node.ID] = state.initial
			matched = true
		}
	}
	if !matched && firstTrigger != "" {
		state.nodeOutputs[firstTrigger] = state.initial
	}
}

// executeNode dispatches a node by role.
func (r *Runner) executeNode(ctx context.Context, state *runState, node workflow.Node) *NodeResult {
	start := time.Now().UTC()
	result := &NodeResult{NodeID: node.ID, StartedAt: start}
	if state.graph.cycleSuspected[node.ID] {
		result.Diagnostics = map[string]any{"cycle_suspected": true}
	}

	scope := r.scope(state)
	resolved, diagnostics, err := r.resolveParameters(node, scope)
	if err != nil {
		result.Status = NodeFailed
		result.Summary = fmt.Sprintf("%s: %v", apperr.CodeParameterResolutionError, err)
		result.FinishedAt = time.Now().UTC()
		return result
	}
	result.Parameters = resolved
	if len(diagnostics) > 0 {
		if result.Diagnostics == nil {
			result.Diagnostics = make(map[string]any)
		}
		for path, diags := range diagnostics {
			result.Diagnostics[path] = diags
		}
	}

	switch node.Role() {
	case workflow.RoleTransform:
		// A transform's output is its resolved parameters: a pure function
		// of its inputs.
		result.Output = any(resolved)
		result.Status = NodeSucceeded
		result.Summary = "transform"
	case workflow.RoleCondition:
		r.executeCondition(state, node, resolved, scope, result)
	case workflow.RoleLoop:
		r.executeLoop(ctx, state, node, resolved, result)
	case workflow.RoleAction:
		r.executeAction(ctx, state, node, resolved, result)
	default:
		result.Status = NodeFailed
		result.Summary = fmt.Sprintf("%s: %s", apperr.CodeUnknownNodeType, node.Type)
	}

	result.Preview = buildPreview(result.Output)
	result.FinishedAt = time.Now().UTC()
	return result
}

// scope builds the read-only evaluation scope from the current outputs.
func (r *Runner) scope(state *runState) params.Scope {
	siblings := make(map[string]any, len(state.nodeOutputs))
	for id, output := range state.nodeOutputs {
		siblings[id] = output
	}
	return params.Scope{
		Steps:     state.nodeOutputs,
		Trigger:   state.initial,
		Variables: map[string]any{},
		Siblings:  siblings,
	}
}

func (r *Runner) resolveParameters(node workflow.Node, scope params.Scope) (map[string]any, map[string][]params.Diagnostic, error) {
	if len(node.Data.Parameters) == 0 {
		return map[string]any{}, nil, nil
	}
	return r.resolver.ResolveTree(node.Data.Parameters, scope)
}

// record stores a node result, persists it incrementally and exposes the
// output to downstream nodes.
func (r *Runner) record(ctx context.Context, state *runState, result *NodeResult) {
	state.results[result.NodeID] = result
	state.order = append(state.order, result.NodeID)
	if result.Status == NodeSucceeded {
		state.nodeOutputs[result.NodeID] = result.Output
	}

	if r.sink == nil || state.execCtx.ExecutionID == "" {
		return
	}
	detail := &execution.NodeDetail{
		ExecutionID: state.execCtx.ExecutionID,
		NodeID:      result.NodeID,
		Status:      string(result.Status),
		Summary:     result.Summary,
		Output:      mustJSON(result.Output),
		Preview:     mustJSON(result.Preview),
		Logs:        mustJSON(result.Logs),
		Parameters:  mustJSON(result.Parameters),
		Diagnostics: mustJSON(result.Diagnostics),
		StartedAt:   result.StartedAt,
		FinishedAt:  result.FinishedAt,
	}
	if err := r.sink.UpsertNodeDetail(ctx, detail); err != nil {
		r.logger.Error("failed to persist node detail",
			"error", err,
			"execution_id", state.execCtx.ExecutionID,
			"node_id", result.NodeID,
		)
	}
}

func mustJSON(value any) json.RawMessage {
	if value == nil {
		return nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return nil
	}
	return raw
}
