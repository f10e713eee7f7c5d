package queue

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowgrid/flowgrid/internal/apperr"
	"github.com/flowgrid/flowgrid/internal/execution"
	"github.com/flowgrid/flowgrid/internal/organization"
)

type fakeOrgs struct {
	quota *organization.Quota
	org   *organization.Organization
}

func (f *fakeOrgs) QuotaProfile(ctx context.Context, organizationID string) (*organization.Quota, error) {
	return f.quota, nil
}

func (f *fakeOrgs) Get(ctx context.Context, organizationID string) (*organization.Organization, error) {
	return f.org, nil
}

func (f *fakeOrgs) RecordAdmission(ctx context.Context, organizationID string) error {
	f.quota.ExecutionsThisMonth++
	f.quota.ExecutionsInCurrentWindow++
	return nil
}

type fakeUsage struct {
	err error
}

func (f *fakeUsage) CheckRunAdmission(ctx context.Context, organizationID, userID string) error {
	return f.err
}

type fakeStore struct {
	records []*execution.Record
}

func (f *fakeStore) Create(ctx context.Context, record *execution.Record) error {
	f.records = append(f.records, record)
	return nil
}

func testService(t *testing.T, quota *organization.Quota, usageErr error, driver Driver, requireDurability bool) (*Service, *fakeStore) {
	t.Helper()
	store := &fakeStore{}
	orgs := &fakeOrgs{
		quota: quota,
		org: &organization.Organization{
			ID:   "org-1",
			Plan: organization.PlanPro,
		},
	}
	guard := NewConcurrencyGuard(newTestRedis(t))
	svc := NewService(orgs, &fakeUsage{err: usageErr}, guard, driver, store, nil, slog.Default(), requireDurability)
	return svc, store
}

func proQuota() *organization.Quota {
	return &organization.Quota{
		OrganizationID: "org-1",
		PeriodStart:    time.Now().UTC().AddDate(0, 0, -10),
		PeriodEnd:      time.Now().UTC().AddDate(0, 0, 20),
		QuotaLimits: organization.QuotaLimits{
			MaxExecutionsPerMonth:   100,
			MaxConcurrentExecutions: 2,
			MaxExecutionsPerMinute:  60,
		},
	}
}

func manualRequest() *RunRequest {
	return &RunRequest{
		WorkflowID:     "wf-1",
		OrganizationID: "org-1",
		UserID:         "user-1",
		TriggerType:    TriggerManual,
	}
}

func TestEnqueueHappyPath(t *testing.T) {
	svc, store := testService(t, proQuota(), nil, NewMemoryDriver(), false)

	executionID, err := svc.Enqueue(context.Background(), manualRequest())
	require.NoError(t, err)
	assert.NotEmpty(t, executionID)
	require.Len(t, store.records, 1)
	assert.Equal(t, execution.StatusQueued, store.records[0].Status)
	assert.Equal(t, execution.DurabilityInMemory, store.records[0].Durability)
}

func TestEnqueueOverConcurrency(t *testing.T) {
	svc, _ := testService(t, proQuota(), nil, NewMemoryDriver(), false)
	ctx := context.Background()

	// maxConcurrentExecutions = 2: two enqueues admit, the third rejects.
	_, err := svc.Enqueue(ctx, manualRequest())
	require.NoError(t, err)
	_, err = svc.Enqueue(ctx, manualRequest())
	require.NoError(t, err)

	_, err = svc.Enqueue(ctx, manualRequest())
	require.Error(t, err)
	assert.Equal(t, apperr.CodeConnectorConcurrencyExceeded, apperr.CodeOf(err))

	// A completion frees a slot.
	_, err = svc.ReleaseSlot(ctx, "org-1")
	require.NoError(t, err)
	_, err = svc.Enqueue(ctx, manualRequest())
	assert.NoError(t, err)
}

func TestEnqueueMonthlyCap(t *testing.T) {
	quota := proQuota()
	quota.ExecutionsThisMonth = 100
	svc, _ := testService(t, quota, nil, NewMemoryDriver(), false)

	_, err := svc.Enqueue(context.Background(), manualRequest())
	require.Error(t, err)
	assert.Equal(t, apperr.CodeExecutionQuotaExceeded, apperr.CodeOf(err))
}

func TestEnqueueUsageQuota(t *testing.T) {
	usageErr := apperr.New(apperr.CodeUsageQuotaExceeded, "api call usage past tolerance")
	svc, store := testService(t, proQuota(), usageErr, NewMemoryDriver(), false)

	_, err := svc.Enqueue(context.Background(), manualRequest())
	require.Error(t, err)
	assert.Equal(t, apperr.CodeUsageQuotaExceeded, apperr.CodeOf(err))
	assert.Empty(t, store.records)
}

func TestEnqueueQueueUnavailable(t *testing.T) {
	// Durability required but only the in-memory driver available.
	svc, _ := testService(t, proQuota(), nil, NewMemoryDriver(), true)

	_, err := svc.Enqueue(context.Background(), manualRequest())
	require.Error(t, err)
	assert.Equal(t, apperr.CodeQueueUnavailable, apperr.CodeOf(err))
}

func TestEnqueueInvalidRequest(t *testing.T) {
	svc, _ := testService(t, proQuota(), nil, NewMemoryDriver(), false)

	_, err := svc.Enqueue(context.Background(), &RunRequest{WorkflowID: "wf-1", TriggerType: TriggerManual})
	require.Error(t, err)
	assert.Equal(t, apperr.CodeOrganizationRequired, apperr.CodeOf(err))
}

func TestEnqueueRejectionReleasesSlot(t *testing.T) {
	usageErr := apperr.New(apperr.CodeUsageQuotaExceeded, "over")
	svc, _ := testService(t, proQuota(), usageErr, NewMemoryDriver(), false)
	ctx := context.Background()

	// The usage check runs before the slot reservation, so repeated
	// rejections must not leak concurrency slots.
	for i := 0; i < 5; i++ {
		_, err := svc.Enqueue(ctx, manualRequest())
		require.Error(t, err)
	}
	count, err := svc.guard.Current(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}
