package usage

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowgrid/flowgrid/internal/apperr"
	"github.com/flowgrid/flowgrid/internal/organization"
)

type fakePlans struct {
	plan organization.Plan
}

func (f *fakePlans) Get(ctx context.Context, organizationID string) (*organization.Organization, error) {
	return &organization.Organization{ID: organizationID, Plan: f.plan}, nil
}

type capturingEmitter struct {
	events []MeteringEvent
}

func (e *capturingEmitter) Emit(ctx context.Context, event MeteringEvent) {
	e.events = append(e.events, event)
}

func newMockService(t *testing.T, plan organization.Plan) (*Service, sqlmock.Sqlmock, *capturingEmitter) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	emitter := &capturingEmitter{}
	svc := NewService(NewRepository(sqlx.NewDb(db, "postgres")), &fakePlans{plan: plan}, emitter, slog.Default())
	return svc, mock, emitter
}

func usageColumns() []string {
	return []string{"user_id", "organization_id", "year", "month", "api_calls", "tokens_used", "workflow_runs", "storage_used", "estimated_cost_cents", "updated_at"}
}

func TestCalculateProratedCharge(t *testing.T) {
	svc, _, _ := newMockService(t, organization.PlanPro)

	periodStart := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	periodEnd := time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name       string
		activation time.Time
		quantity   int64
		want       int64
	}{
		{"mid-period activation halves the charge", time.Date(2024, 1, 16, 0, 0, 0, 0, time.UTC), 1, 5000},
		{"activation at period start charges full", periodStart, 1, 10000},
		{"activation before period charges full", periodStart.AddDate(0, -1, 0), 1, 10000},
		{"activation at period end charges nothing", periodEnd, 1, 0},
		{"quantity scales", time.Date(2024, 1, 16, 0, 0, 0, 0, time.UTC), 3, 15000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			charge := svc.CalculateProratedCharge(10000, tt.activation, periodStart, periodEnd, tt.quantity)
			assert.Equal(t, tt.want, charge)
		})
	}
}

func TestCheckQuotaMinimumRemaining(t *testing.T) {
	svc, mock, _ := newMockService(t, organization.PlanFree)
	now := time.Now().UTC()

	// Free plan: 1000 api calls, 50000 tokens. 900 calls and 100 tokens
	// used: the binding resource is api_calls with 100 remaining.
	mock.ExpectQuery(`(?s)SELECT .* FROM usage_tracking`).
		WillReturnRows(sqlmock.NewRows(usageColumns()).
			AddRow("user-1", "org-1", now.Year(), int(now.Month()), 900, 100, 5, 0, 0, now))

	check, err := svc.CheckQuota(context.Background(), "org-1", "user-1", Delta{APICalls: 50, Tokens: 10})
	require.NoError(t, err)
	assert.True(t, check.HasQuota)
	assert.Equal(t, "api_calls", check.QuotaType)
	assert.Equal(t, int64(100), check.Remaining)
	assert.Equal(t, int64(1000), check.Limit)
}

func TestCheckQuotaExceeded(t *testing.T) {
	svc, mock, _ := newMockService(t, organization.PlanFree)
	now := time.Now().UTC()

	mock.ExpectQuery(`(?s)SELECT .* FROM usage_tracking`).
		WillReturnRows(sqlmock.NewRows(usageColumns()).
			AddRow("user-1", "org-1", now.Year(), int(now.Month()), 995, 0, 0, 0, 0, now))

	check, err := svc.CheckQuota(context.Background(), "org-1", "user-1", Delta{APICalls: 10})
	require.NoError(t, err)
	assert.False(t, check.HasQuota)
	assert.Equal(t, "api_calls", check.QuotaType)
	assert.Equal(t, int64(5), check.Remaining)
}

func TestCheckRunAdmissionOverTolerance(t *testing.T) {
	svc, mock, _ := newMockService(t, organization.PlanFree)
	now := time.Now().UTC()

	// Limit 1000 with 5% tolerance: 1100 calls is past 1050.
	mock.ExpectQuery(`(?s)SELECT .* FROM usage_tracking`).
		WillReturnRows(sqlmock.NewRows(usageColumns()).
			AddRow("", "org-1", now.Year(), int(now.Month()), 1100, 0, 0, 0, 0, now))

	err := svc.CheckRunAdmission(context.Background(), "org-1", "user-1")
	require.Error(t, err)
	assert.Equal(t, apperr.CodeUsageQuotaExceeded, apperr.CodeOf(err))
}

func TestCheckRunAdmissionWithinTolerance(t *testing.T) {
	svc, mock, _ := newMockService(t, organization.PlanFree)
	now := time.Now().UTC()

	// 1040 is over the limit but inside the 5% tolerance band.
	mock.ExpectQuery(`(?s)SELECT .* FROM usage_tracking`).
		WillReturnRows(sqlmock.NewRows(usageColumns()).
			AddRow("", "org-1", now.Year(), int(now.Month()), 1040, 0, 0, 0, 0, now))

	assert.NoError(t, svc.CheckRunAdmission(context.Background(), "org-1", "user-1"))
}

func TestRecordAPIUsageEmitsMeteringAndOverage(t *testing.T) {
	svc, mock, emitter := newMockService(t, organization.PlanFree)
	now := time.Now().UTC()

	mock.ExpectQuery(`INSERT INTO usage_tracking`).
		WillReturnRows(sqlmock.NewRows(usageColumns()).
			AddRow("user-1", "org-1", now.Year(), int(now.Month()), 1005, 200, 0, 0, 0, now))

	require.NoError(t, svc.RecordAPIUsage(context.Background(), "org-1", "user-1", 10, 200))

	resources := make(map[string]bool)
	for _, event := range emitter.events {
		resources[event.Resource] = true
	}
	assert.True(t, resources["api_calls"])
	assert.True(t, resources["tokens"])
	assert.True(t, resources["overage"], "crossing the 1000 api call limit must emit an overage event")
}

func TestUserUsageReadCache(t *testing.T) {
	svc, mock, _ := newMockService(t, organization.PlanFree)
	now := time.Now().UTC()

	mock.ExpectQuery(`(?s)SELECT .* FROM usage_tracking`).
		WillReturnRows(sqlmock.NewRows(usageColumns()).
			AddRow("user-1", "org-1", now.Year(), int(now.Month()), 10, 0, 0, 0, 0, now))

	first, err := svc.UserUsage(context.Background(), "org-1", "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), first.APICalls)

	// Second read is served from cache: no further query expectation.
	second, err := svc.UserUsage(context.Background(), "org-1", "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), second.APICalls)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPlanLimits(t *testing.T) {
	assert.Equal(t, int64(1000), PlanLimits(organization.PlanFree).APICalls)
	assert.Equal(t, int64(-1), PlanLimits(organization.PlanEnterprisePlus).APICalls)
	// Pro and professional share limits.
	assert.Equal(t, PlanLimits(organization.PlanPro), PlanLimits(organization.PlanProfessional))
}
