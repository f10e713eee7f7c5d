package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/flowgrid/flowgrid/internal/apperr"
	"github.com/flowgrid/flowgrid/internal/connection"
	"github.com/flowgrid/flowgrid/internal/connector"
	"github.com/flowgrid/flowgrid/internal/workflow"
)

// executeAction resolves the operation, credentials and runtime, then
// invokes the connector client with retries and an idempotency key.
func (r *Runner) executeAction(ctx context.Context, state *runState, node workflow.Node, resolved map[string]any, result *NodeResult) {
	appID, functionID, err := actionIdentity(node)
	if err != nil {
		result.Status = NodeFailed
		result.Summary = fmt.Sprintf("%s: %v", apperr.CodeMissingFunction, err)
		return
	}

	fn, ok := r.clients.FunctionByType(connector.FunctionType(connector.FunctionKindAction, appID, functionID))
	if !ok {
		result.Status = NodeFailed
		result.Summary = fmt.Sprintf("%s: action %s.%s not in catalog", apperr.CodeMissingFunction, appID, functionID)
		return
	}

	// Runtime availability is checked before credentials: an unavailable
	// runtime is a structured, non-retried failure.
	if r.runtimes != nil {
		if r.runtimes.AppsScriptGated(appID, fn) {
			result.Status = NodeFailed
			result.Summary = string(apperr.CodeAppsScriptDisabled)
			result.Diagnostics = map[string]any{"reason": "apps_script_disabled", "connector": appID}
			return
		}
		selection := r.runtimes.Resolve(appID, fn)
		if selection.Availability == connector.RuntimeUnavailable {
			result.Status = NodeFailed
			result.Summary = string(apperr.CodeRuntimeUnavailable)
			result.Diagnostics = map[string]any{"reason": "runtime_unavailable", "connector": appID}
			return
		}
		if result.Diagnostics == nil {
			result.Diagnostics = make(map[string]any)
		}
		result.Diagnostics["runtime"] = selection
	}

	// Dry-runs never resolve credentials or call connectors.
	if state.opts.DryRun {
		result.Status = NodeSucceeded
		result.Summary = fmt.Sprintf("dry-run: %s.%s", appID, functionID)
		result.Output = map[string]any{"dryRun": true, "app": appID, "function": functionID}
		return
	}

	creds, err := r.credentials.Resolve(ctx, state.execCtx.OrganizationID, state.execCtx.UserID, connection.NodeCredentialRef{
		Inline:       node.Data.Credentials,
		ConnectionID: node.Data.ConnectionID,
	})
	if err != nil {
		result.Status = NodeFailed
		result.Summary = credentialFailureSummary(err)
		return
	}

	client := r.clients.APIClient(appID)
	if client == nil {
		result.Status = NodeFailed
		result.Summary = fmt.Sprintf("%s: no stable client for %s", apperr.CodeRuntimeUnavailable, appID)
		return
	}

	opts := connector.CallOptions{
		ExecutionID:    state.execCtx.ExecutionID,
		NodeID:         node.ID,
		IdempotencyKey: state.execCtx.ExecutionID + ":" + node.ID,
		Timeout:        state.opts.NodeTimeout,
	}

	outcome := r.invokeWithRetry(ctx, client, functionID, resolved, creds.Credentials, opts, node.Data.Retry, result)

	// A cancellation observed after the call discards the result; the
	// walk loop transitions the execution to cancelled at the boundary.
	if ctx.Err() != nil {
		result.Status = NodeFailed
		result.Summary = string(apperr.CodeCancelled)
		result.Output = nil
		return
	}

	if outcome.err != nil {
		result.Status = NodeFailed
		result.Summary = fmt.Sprintf("%s: %v", apperr.CodeIntegrationError, outcome.err)
		return
	}
	if !outcome.result.Success {
		result.Status = NodeFailed
		result.Summary = fmt.Sprintf("%s: %s (status %d)", apperr.CodeIntegrationError, outcome.result.Error, outcome.result.StatusCode)
		result.Output = outcome.result.Data
		return
	}

	result.Status = NodeSucceeded
	result.Summary = fmt.Sprintf("%s.%s succeeded", appID, functionID)
	result.Output = outcome.result.Data
}

// invokeWithRetry runs the connector call under the node's retry policy.
// The call context is detached from run cancellation so an in-flight call
// finishes; a per-node soft timeout still applies.
func (r *Runner) invokeWithRetry(ctx context.Context, client connector.Client, functionID string, parameters map[string]any, creds *connector.Credentials, opts connector.CallOptions, declared *workflow.RetryPolicy, result *NodeResult) attemptOutcome {
	policy := effectivePolicy(declared)

	var outcome attemptOutcome
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		callCtx := context.WithoutCancel(ctx)
		var cancel context.CancelFunc
		if opts.Timeout > 0 {
			callCtx, cancel = context.WithTimeout(callCtx, opts.Timeout)
		}
		callResult, err := client.Execute(callCtx, functionID, parameters, creds, opts)
		if cancel != nil {
			cancel()
		}
		outcome = attemptOutcome{result: callResult, err: err}

		if err == nil && callResult != nil && callResult.Success {
			return outcome
		}
		if attempt >= policy.MaxAttempts || policy.Strategy == RetryNone || !retryable(outcome) {
			return outcome
		}
		if ctx.Err() != nil {
			return outcome
		}

		delay := retryDelay(policy, attempt, parseRetryAfter(outcome.result))
		result.Logs = append(result.Logs, fmt.Sprintf("attempt %d failed, retrying in %s", attempt, delay))
		r.logger.Warn("action attempt failed",
			"execution_id", opts.ExecutionID,
			"node_id", opts.NodeID,
			"attempt", attempt,
			"delay", delay,
		)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return outcome
		case <-timer.C:
		}
	}
	return outcome
}

// actionIdentity extracts (appId, functionId) from the node type or data.
func actionIdentity(node workflow.Node) (string, string, error) {
	if node.Type != string(workflow.RoleAction) {
		if _, appID, functionID, err := connectorParse(node.Type); err == nil {
			return appID, functionID, nil
		}
	}
	if node.Data.App != "" && node.Data.Function != "" {
		return node.Data.App, node.Data.Function, nil
	}
	return "", "", fmt.Errorf("action node %s declares no app/function", node.ID)
}

func connectorParse(nodeType string) (connector.FunctionKind, string, string, error) {
	return connector.ParseFunctionType(nodeType)
}

func credentialFailureSummary(err error) string {
	var resolutionErr *connection.ResolutionError
	if errors.As(err, &resolutionErr) {
		switch resolutionErr.Reason {
		case connection.FailureConnectionNotFound:
			return string(apperr.CodeConnectionNotFound)
		case connection.FailureConnectionServiceUnavailable:
			return string(apperr.CodeConnectionServiceUnavailable)
		default:
			return fmt.Sprintf("%s: %s", apperr.CodeMissingConnection, resolutionErr.Reason)
		}
	}
	return fmt.Sprintf("%s: %v", apperr.CodeMissingConnection, err)
}
