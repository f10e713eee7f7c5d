package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/flowgrid/flowgrid/internal/apperr"
	"github.com/flowgrid/flowgrid/internal/execution"
	"github.com/flowgrid/flowgrid/internal/organization"
)

// QuotaSource resolves an organization's quota profile.
type QuotaSource interface {
	QuotaProfile(ctx context.Context, organizationID string) (*organization.Quota, error)
	Get(ctx context.Context, organizationID string) (*organization.Organization, error)
	// RecordAdmission advances the monthly and window execution counters.
	RecordAdmission(ctx context.Context, organizationID string) error
}

// UsageChecker gates admission on api-call/token overage.
type UsageChecker interface {
	// CheckRunAdmission returns a typed error with code
	// USAGE_QUOTA_EXCEEDED when the tenant is past tolerance.
	CheckRunAdmission(ctx context.Context, organizationID, userID string) error
}

// Recorder receives post-admission bookkeeping calls.
type Recorder interface {
	RecordEnqueued(ctx context.Context, record *execution.Record)
}

// ExecutionStore persists execution records at admission time.
type ExecutionStore interface {
	Create(ctx context.Context, record *execution.Record) error
}

// Service admits workflow runs into the execution queue.
type Service struct {
	orgs       QuotaSource
	usage      UsageChecker
	guard      *ConcurrencyGuard
	driver     Driver
	executions ExecutionStore
	recorder   Recorder
	logger     *slog.Logger

	// requireDurability rejects enqueues when the driver is non-durable.
	requireDurability bool
}

// NewService creates the enqueue service. requireDurability should be true
// unless ENABLE_DEV_IGNORE_QUEUE allows the in-memory driver.
func NewService(
	orgs QuotaSource,
	usage UsageChecker,
	guard *ConcurrencyGuard,
	driver Driver,
	executions ExecutionStore,
	recorder Recorder,
	logger *slog.Logger,
	requireDurability bool,
) *Service {
	return &Service{
		orgs:              orgs,
		usage:             usage,
		guard:             guard,
		driver:            driver,
		executions:        executions,
		recorder:          recorder,
		logger:            logger,
		requireDurability: requireDurability,
	}
}

// Enqueue admits a run request: quota checks, atomic counter updates, record
// creation and driver publish. Returns the execution id.
func (s *Service) Enqueue(ctx context.Context, request *RunRequest) (string, error) {
	if err := request.Validate(); err != nil {
		return "", apperr.Wrap(apperr.CodeOrganizationRequired, "invalid run request", err)
	}

	if s.requireDurability && !s.driver.Durable() {
		return "", apperr.New(apperr.CodeQueueUnavailable, "durable queue driver unavailable")
	}

	quota, err := s.orgs.QuotaProfile(ctx, request.OrganizationID)
	if err != nil {
		return "", apperr.Wrap(apperr.CodeQueueUnavailable, "failed to resolve quota profile", err)
	}

	if quota.MaxExecutionsPerMonth > 0 && quota.ExecutionsThisMonth >= quota.MaxExecutionsPerMonth {
		return "", apperr.Newf(apperr.CodeExecutionQuotaExceeded,
			"monthly execution cap reached (%d)", quota.MaxExecutionsPerMonth).
			WithDetails(map[string]any{
				"limit":      quota.MaxExecutionsPerMonth,
				"current":    quota.ExecutionsThisMonth,
				"reset_date": quota.PeriodEnd,
			})
	}

	if s.usage != nil {
		if err := s.usage.CheckRunAdmission(ctx, request.OrganizationID, request.UserID); err != nil {
			return "", err
		}
	}

	count, err := s.guard.Acquire(ctx, request.OrganizationID, quota.MaxConcurrentExecutions)
	if err != nil {
		return "", apperr.Wrap(apperr.CodeQueueUnavailable, "failed to reserve concurrency slot", err)
	}
	if count < 0 {
		return "", apperr.Newf(apperr.CodeConnectorConcurrencyExceeded,
			"concurrent execution cap reached (%d)", quota.MaxConcurrentExecutions).
			WithDetails(map[string]any{"limit": quota.MaxConcurrentExecutions})
	}

	// From here, failures must release the reserved slot.
	executionID, err := s.admit(ctx, request)
	if err != nil {
		if _, releaseErr := s.guard.Release(ctx, request.OrganizationID); releaseErr != nil {
			s.logger.Error("failed to release concurrency slot after admission failure",
				"error", releaseErr, "organization_id", request.OrganizationID)
		}
		return "", err
	}
	return executionID, nil
}

func (s *Service) admit(ctx context.Context, request *RunRequest) (string, error) {
	durability := execution.DurabilityDurable
	if !s.driver.Durable() {
		durability = execution.DurabilityInMemory
	}

	var triggerData json.RawMessage
	if request.TriggerData != nil {
		raw, err := json.Marshal(request.TriggerData)
		if err != nil {
			return "", apperr.Wrap(apperr.CodeQueueUnavailable, "failed to encode trigger data", err)
		}
		triggerData = raw
	}

	record := &execution.Record{
		ID:             uuid.NewString(),
		WorkflowID:     request.WorkflowID,
		OrganizationID: request.OrganizationID,
		UserID:         request.UserID,
		TriggerType:    string(request.TriggerType),
		Status:         execution.StatusQueued,
		Durability:     durability,
		TriggerData:    triggerData,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.executions.Create(ctx, record); err != nil {
		return "", apperr.Wrap(apperr.CodeQueueUnavailable, "failed to create execution record", err)
	}

	org, err := s.orgs.Get(ctx, request.OrganizationID)
	if err != nil {
		return "", apperr.Wrap(apperr.CodeQueueUnavailable, "failed to load organization", err)
	}

	job := &Job{
		ExecutionID:    record.ID,
		WorkflowID:     request.WorkflowID,
		OrganizationID: request.OrganizationID,
		UserID:         request.UserID,
		TriggerType:    request.TriggerType,
		TriggerData:    request.TriggerData,
		EnqueuedAt:     record.CreatedAt,
	}
	if err := s.driver.Publish(ctx, job, org.Plan.Rank()+1); err != nil {
		return "", apperr.Wrap(apperr.CodeQueueUnavailable, "failed to publish job", err)
	}

	if err := s.orgs.RecordAdmission(ctx, request.OrganizationID); err != nil {
		// The job is already published; counter drift is repaired by the
		// window rollover, so log rather than fail the admission.
		s.logger.Error("failed to advance execution counters",
			"error", err, "organization_id", request.OrganizationID)
	}

	if s.recorder != nil {
		s.recorder.RecordEnqueued(ctx, record)
	}

	s.logger.Info("execution enqueued",
		"execution_id", record.ID,
		"workflow_id", request.WorkflowID,
		"organization_id", request.OrganizationID,
		"trigger_type", request.TriggerType,
		"durability", durability,
	)
	return record.ID, nil
}

// ReleaseSlot returns an organization's concurrency slot after an execution
// reaches a terminal state, and reports the remaining live count.
func (s *Service) ReleaseSlot(ctx context.Context, organizationID string) (int, error) {
	count, err := s.guard.Release(ctx, organizationID)
	if err != nil {
		return 0, err
	}
	return count, nil
}

// Health reports queue driver status for telemetry.
type Health struct {
	Durable bool `json:"durable"`
	Depth   int  `json:"depth"`
}

// Health returns driver durability and depth.
func (s *Service) Health(ctx context.Context) (*Health, error) {
	depth, err := s.driver.Depth(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read queue depth: %w", err)
	}
	return &Health{Durable: s.driver.Durable(), Depth: depth}, nil
}
