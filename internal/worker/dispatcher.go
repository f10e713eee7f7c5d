// Package worker claims queued jobs and drives the workflow runtime.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/flowgrid/flowgrid/internal/audit"
	"github.com/flowgrid/flowgrid/internal/execution"
	"github.com/flowgrid/flowgrid/internal/metrics"
	"github.com/flowgrid/flowgrid/internal/organization"
	"github.com/flowgrid/flowgrid/internal/queue"
	"github.com/flowgrid/flowgrid/internal/runtime"
	"github.com/flowgrid/flowgrid/internal/workflow"
)

// UsageRecorder receives post-execution metering calls.
type UsageRecorder interface {
	RecordWorkflowExecution(ctx context.Context, organizationID, userID string) error
}

// Config tunes the dispatcher
type Config struct {
	Concurrency   int
	ClaimInterval time.Duration
	NodeTimeout   time.Duration
	// ExecutionDeadline is the per-run hard timeout.
	ExecutionDeadline time.Duration
	// DeferCap bounds rate-limit deferrals before a job is rejected.
	DeferCap   int
	DeferDelay time.Duration
}

// DefaultConfig returns dispatcher defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:       8,
		ClaimInterval:     time.Second,
		NodeTimeout:       2 * time.Minute,
		ExecutionDeadline: 15 * time.Minute,
		DeferCap:          10,
		DeferDelay:        2 * time.Second,
	}
}

// Dispatcher claims jobs with a per-execution lease and runs them.
type Dispatcher struct {
	driver     queue.Driver
	lease      *queue.ExecutionLease
	limiter    *queue.SlidingWindowLimiter
	queueSvc   *queue.Service
	orgs       *organization.Service
	orgRepo    *organization.Repository
	workflows  *workflow.Repository
	executions *execution.Repository
	runner     *runtime.Runner
	usage      UsageRecorder
	auditor    *audit.Service
	metrics    *metrics.Metrics
	logger     *slog.Logger
	cfg        Config

	holder string
	wg     sync.WaitGroup

	activeExecutions atomic.Int32
	processedTotal   atomic.Int64
	failedTotal      atomic.Int64
}

// NewDispatcher wires a dispatcher.
func NewDispatcher(
	driver queue.Driver,
	lease *queue.ExecutionLease,
	limiter *queue.SlidingWindowLimiter,
	queueSvc *queue.Service,
	orgs *organization.Service,
	orgRepo *organization.Repository,
	workflows *workflow.Repository,
	executions *execution.Repository,
	runner *runtime.Runner,
	usage UsageRecorder,
	auditor *audit.Service,
	m *metrics.Metrics,
	logger *slog.Logger,
	cfg Config,
) *Dispatcher {
	if cfg.Concurrency <= 0 {
		cfg = DefaultConfig()
	}
	return &Dispatcher{
		driver:     driver,
		lease:      lease,
		limiter:    limiter,
		queueSvc:   queueSvc,
		orgs:       orgs,
		orgRepo:    orgRepo,
		workflows:  workflows,
		executions: executions,
		runner:     runner,
		usage:      usage,
		auditor:    auditor,
		metrics:    m,
		logger:     logger,
		cfg:        cfg,
		holder:     uuid.NewString(),
	}
}

// Run starts the claim loops and blocks until the context ends.
func (d *Dispatcher) Run(ctx context.Context) {
	for i := 0; i < d.cfg.Concurrency; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.claimLoop(ctx)
		}()
	}
	d.wg.Wait()
}

func (d *Dispatcher) claimLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.ClaimInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for {
				job, err := d.driver.Claim(ctx)
				if err != nil {
					d.logger.Error("failed to claim job", "error", err)
					break
				}
				if job == nil {
					break
				}
				d.process(ctx, job)
			}
		}
	}
}

// process runs a single claimed job end to end.
func (d *Dispatcher) process(ctx context.Context, job *queue.Job) {
	held, err := d.lease.TryAcquire(ctx, job.ExecutionID, d.holder)
	if err != nil {
		d.logger.Error("lease acquisition failed", "error", err, "execution_id", job.ExecutionID)
		return
	}
	if !held {
		// Another dispatcher owns this execution.
		return
	}
	defer func() {
		if err := d.lease.Release(ctx, job.ExecutionID, d.holder); err != nil {
			d.logger.Error("failed to release execution lease", "error", err, "execution_id", job.ExecutionID)
		}
	}()

	// Rate limiting: over-limit jobs are deferred, not failed, up to a cap.
	if deferred := d.deferIfRateLimited(ctx, job); deferred {
		return
	}

	d.activeExecutions.Add(1)
	defer d.activeExecutions.Add(-1)
	if d.metrics != nil {
		d.metrics.ExecutionsStarted.Inc()
	}

	start := time.Now().UTC()
	if err := d.executions.MarkRunning(ctx, job.ExecutionID, start); err != nil {
		d.logger.Error("failed to mark execution running", "error", err, "execution_id", job.ExecutionID)
	}

	status, errorSummary := d.execute(ctx, job)

	finished := time.Now().UTC()
	var summaryPtr *string
	if errorSummary != "" {
		summaryPtr = &errorSummary
	}
	if err := d.executions.Finalize(ctx, job.ExecutionID, status, summaryPtr, finished); err != nil {
		d.logger.Error("failed to finalize execution", "error", err, "execution_id", job.ExecutionID)
	}

	remaining, err := d.queueSvc.ReleaseSlot(ctx, job.OrganizationID)
	if err != nil {
		d.logger.Error("failed to release concurrency slot", "error", err, "organization_id", job.OrganizationID)
	} else if err := d.orgRepo.SnapshotConcurrency(ctx, job.OrganizationID, remaining); err != nil {
		d.logger.Error("failed to snapshot concurrency", "error", err, "organization_id", job.OrganizationID)
	}
	if d.usage != nil {
		if err := d.usage.RecordWorkflowExecution(ctx, job.OrganizationID, job.UserID); err != nil {
			d.logger.Error("failed to record workflow execution usage", "error", err, "organization_id", job.OrganizationID)
		}
	}
	if d.auditor != nil {
		d.auditor.Record(ctx, job.OrganizationID, job.UserID, audit.EventExecutionFinished, job.ExecutionID,
			map[string]any{"status": status, "workflow_id": job.WorkflowID})
	}
	if d.metrics != nil {
		d.metrics.ExecutionDuration.Observe(finished.Sub(start).Seconds())
		d.metrics.ExecutionsByStatus.WithLabelValues(string(status)).Inc()
	}

	d.processedTotal.Add(1)
	if status == execution.StatusFailed {
		d.failedTotal.Add(1)
	}
	d.logger.Info("execution finished",
		"execution_id", job.ExecutionID,
		"workflow_id", job.WorkflowID,
		"status", status,
		"duration_ms", finished.Sub(start).Milliseconds(),
	)
}

// deferIfRateLimited re-publishes the job with a delay when the org is over
// its per-minute limit. Past the defer cap the execution fails.
func (d *Dispatcher) deferIfRateLimited(ctx context.Context, job *queue.Job) bool {
	quota, err := d.orgs.QuotaProfile(ctx, job.OrganizationID)
	if err != nil {
		d.logger.Error("failed to resolve quota for rate limit", "error", err, "organization_id", job.OrganizationID)
		return false
	}
	if quota.MaxExecutionsPerMinute <= 0 {
		return false
	}
	allowed, err := d.limiter.Allow(ctx, job.OrganizationID, quota.MaxExecutionsPerMinute, time.Minute)
	if err != nil {
		d.logger.Error("rate limit check failed", "error", err, "organization_id", job.OrganizationID)
		return false
	}
	if allowed {
		return false
	}

	if job.Deferrals >= d.cfg.DeferCap {
		summary := "rate limit deferral cap exceeded"
		if err := d.executions.Finalize(ctx, job.ExecutionID, execution.StatusFailed, &summary, time.Now().UTC()); err != nil {
			d.logger.Error("failed to fail deferred execution", "error", err, "execution_id", job.ExecutionID)
		}
		if _, err := d.queueSvc.ReleaseSlot(ctx, job.OrganizationID); err != nil {
			d.logger.Error("failed to release slot for rejected job", "error", err, "organization_id", job.OrganizationID)
		}
		return true
	}

	go func() {
		if err := queue.Requeue(context.WithoutCancel(ctx), d.driver, job, d.cfg.DeferDelay); err != nil {
			d.logger.Error("failed to requeue deferred job", "error", err, "execution_id", job.ExecutionID)
		}
	}()
	d.logger.Debug("job deferred by rate limit",
		"execution_id", job.ExecutionID,
		"organization_id", job.OrganizationID,
		"deferrals", job.Deferrals+1,
	)
	return true
}

// execute loads the graph and runs it under the execution deadline.
func (d *Dispatcher) execute(ctx context.Context, job *queue.Job) (execution.Status, string) {
	wf, err := d.workflows.GetByID(ctx, job.OrganizationID, job.WorkflowID)
	if err != nil {
		return execution.StatusFailed, fmt.Sprintf("failed to load workflow: %v", err)
	}
	graph, err := workflow.ParseGraph(wf.Graph)
	if err != nil {
		return execution.StatusFailed, fmt.Sprintf("failed to parse graph: %v", err)
	}

	initial := buildInitialData(job)

	runCtx := ctx
	var cancel context.CancelFunc
	if d.cfg.ExecutionDeadline > 0 {
		runCtx, cancel = context.WithTimeout(ctx, d.cfg.ExecutionDeadline)
		defer cancel()
	}

	result, err := d.runner.Execute(runCtx, graph, initial, runtime.Context{
		WorkflowID:     job.WorkflowID,
		ExecutionID:    job.ExecutionID,
		UserID:         job.UserID,
		OrganizationID: job.OrganizationID,
	}, runtime.Options{NodeTimeout: d.cfg.NodeTimeout})
	if err != nil {
		return execution.StatusFailed, err.Error()
	}

	// A deadline expiry forces failed with reason=timeout; a cancel signal
	// lands as cancelled.
	if runCtx.Err() == context.DeadlineExceeded {
		return execution.StatusFailed, "timeout"
	}
	return result.Status, result.ErrorSummary
}

// buildInitialData shapes the trigger payload for the runtime.
func buildInitialData(job *queue.Job) map[string]any {
	initial := make(map[string]any)
	if job.TriggerData == nil {
		return initial
	}
	if len(job.TriggerData.Payload) > 0 {
		var payload any
		if err := json.Unmarshal(job.TriggerData.Payload, &payload); err == nil {
			if m, ok := payload.(map[string]any); ok {
				for key, value := range m {
					initial[key] = value
				}
			} else {
				initial["payload"] = payload
			}
		}
	}
	if len(job.TriggerData.Headers) > 0 {
		headers := make(map[string]any, len(job.TriggerData.Headers))
		for name, value := range job.TriggerData.Headers {
			headers[name] = value
		}
		initial["headers"] = headers
	}
	if job.TriggerData.DedupeToken != "" {
		initial["dedupeToken"] = job.TriggerData.DedupeToken
	}
	if job.TriggerData.AppID != "" {
		initial["appId"] = job.TriggerData.AppID
	}
	if job.TriggerData.TriggerID != "" {
		initial["triggerId"] = job.TriggerData.TriggerID
	}
	return initial
}

// Stats reports live dispatcher counters for health endpoints.
type Stats struct {
	Active    int32 `json:"active"`
	Processed int64 `json:"processed"`
	Failed    int64 `json:"failed"`
}

// Stats returns the current counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Active:    d.activeExecutions.Load(),
		Processed: d.processedTotal.Load(),
		Failed:    d.failedTotal.Load(),
	}
}
