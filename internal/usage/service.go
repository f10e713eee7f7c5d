package usage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/robfig/cron/v3"

	"github.com/flowgrid/flowgrid/internal/apperr"
	"github.com/flowgrid/flowgrid/internal/organization"
)

// PlanSource resolves an organization's plan and region.
type PlanSource interface {
	Get(ctx context.Context, organizationID string) (*organization.Organization, error)
}

// Emitter receives metering events for the billing adapter.
type Emitter interface {
	Emit(ctx context.Context, event MeteringEvent)
}

// readCacheTTL bounds staleness of usage reads.
const readCacheTTL = 5 * time.Minute

// Service is the quota/usage meter.
type Service struct {
	repo    *Repository
	plans   PlanSource
	emitter Emitter
	logger  *slog.Logger
	cache   *expirable.LRU[string, *Tracking]
	cron    *cron.Cron
	now     func() time.Time
}

// NewService creates the usage meter.
func NewService(repo *Repository, plans PlanSource, emitter Emitter, logger *slog.Logger) *Service {
	return &Service{
		repo:    repo,
		plans:   plans,
		emitter: emitter,
		logger:  logger,
		cache:   expirable.NewLRU[string, *Tracking](4096, nil, readCacheTTL),
		now:     time.Now,
	}
}

// StartMonthlyReset schedules the reset tick for the first millisecond of
// each calendar month. Counters are monthly-keyed rows, so the reset is a
// cache flush plus a log marker; new rows start at zero naturally.
func (s *Service) StartMonthlyReset() {
	s.cron = cron.New()
	s.cron.AddFunc("0 0 1 * *", func() {
		s.cache.Purge()
		s.logger.Info("monthly usage window reset", "at", s.now().UTC())
	})
	s.cron.Start()
}

// StopMonthlyReset stops the reset schedule.
func (s *Service) StopMonthlyReset() {
	if s.cron != nil {
		s.cron.Stop()
	}
}

func cacheKey(userID, organizationID string, year, month int) string {
	return fmt.Sprintf("%s:%s:%d-%02d", organizationID, userID, year, month)
}

// RecordAPIUsage increments api-call and token counters in one transaction,
// emits metering events per resource, and an overage event when a limit is
// crossed.
func (s *Service) RecordAPIUsage(ctx context.Context, organizationID, userID string, apiCalls, tokens int64) error {
	year, month := s.period()
	row, err := s.repo.Increment(ctx, userID, organizationID, year, month,
		Delta{APICalls: apiCalls, Tokens: tokens}, 0)
	if err != nil {
		return err
	}
	s.cache.Add(cacheKey(userID, organizationID, year, month), row)

	s.emit(ctx, organizationID, userID, "api_calls", apiCalls)
	if tokens > 0 {
		s.emit(ctx, organizationID, userID, "tokens", tokens)
	}
	s.emitOverages(ctx, organizationID, userID, row)
	return nil
}

// RecordWorkflowExecution increments the run counter and emits metering.
func (s *Service) RecordWorkflowExecution(ctx context.Context, organizationID, userID string) error {
	year, month := s.period()
	row, err := s.repo.Increment(ctx, userID, organizationID, year, month, Delta{WorkflowRuns: 1}, 0)
	if err != nil {
		return err
	}
	s.cache.Add(cacheKey(userID, organizationID, year, month), row)
	s.emit(ctx, organizationID, userID, "workflow_runs", 1)
	s.emitOverages(ctx, organizationID, userID, row)
	return nil
}

// RecordStorage adds storage bytes to the monthly counters.
func (s *Service) RecordStorage(ctx context.Context, organizationID, userID string, bytes int64) error {
	year, month := s.period()
	row, err := s.repo.Increment(ctx, userID, organizationID, year, month, Delta{Storage: bytes}, 0)
	if err != nil {
		return err
	}
	s.cache.Add(cacheKey(userID, organizationID, year, month), row)
	s.emit(ctx, organizationID, userID, "storage", bytes)
	return nil
}

// UserUsage returns the current month's usage for a user, through the
// short-lived read cache.
func (s *Service) UserUsage(ctx context.Context, organizationID, userID string) (*Tracking, error) {
	year, month := s.period()
	key := cacheKey(userID, organizationID, year, month)
	if row, ok := s.cache.Get(key); ok {
		return row, nil
	}
	row, err := s.repo.Get(ctx, userID, organizationID, year, month)
	if err != nil {
		return nil, err
	}
	s.cache.Add(key, row)
	return row, nil
}

// CheckQuota verifies the requested delta fits the plan's limits.
// Remaining is the minimum across the requested resources when quota holds.
func (s *Service) CheckQuota(ctx context.Context, organizationID, userID string, want Delta) (*QuotaCheck, error) {
	limits, err := s.limits(ctx, organizationID)
	if err != nil {
		return nil, err
	}
	row, err := s.UserUsage(ctx, organizationID, userID)
	if err != nil {
		return nil, err
	}

	reset := s.resetDate()
	check := &QuotaCheck{HasQuota: true, Remaining: -1, ResetDate: reset}

	type resource struct {
		name    string
		current int64
		want    int64
		limit   int64
	}
	resources := []resource{
		{"api_calls", row.APICalls, want.APICalls, limits.APICalls},
		{"tokens", row.TokensUsed, want.Tokens, limits.Tokens},
		{"workflow_runs", row.WorkflowRuns, want.WorkflowRuns, limits.WorkflowRuns},
		{"storage", row.StorageUsed, want.Storage, limits.StorageBytes},
	}
	for _, res := range resources {
		if res.want <= 0 || res.limit < 0 {
			continue
		}
		remaining := res.limit - res.current
		if remaining < 0 {
			remaining = 0
		}
		if res.current+res.want > res.limit {
			return &QuotaCheck{
				HasQuota:  false,
				QuotaType: res.name,
				Current:   res.current,
				Limit:     res.limit,
				Remaining: remaining,
				ResetDate: reset,
			}, nil
		}
		if check.Remaining < 0 || remaining < check.Remaining {
			check.QuotaType = res.name
			check.Current = res.current
			check.Limit = res.limit
			check.Remaining = remaining
		}
	}
	return check, nil
}

// CheckRunAdmission gates queue admission: organizations whose aggregate
// api-call or token usage is past the limit plus tolerance are rejected
// with USAGE_QUOTA_EXCEEDED.
func (s *Service) CheckRunAdmission(ctx context.Context, organizationID, userID string) error {
	limits, err := s.limits(ctx, organizationID)
	if err != nil {
		return apperr.Wrap(apperr.CodeQueueUnavailable, "failed to resolve usage limits", err)
	}
	year, month := s.period()
	total, err := s.repo.SumByOrganization(ctx, organizationID, year, month)
	if err != nil {
		return apperr.Wrap(apperr.CodeQueueUnavailable, "failed to aggregate usage", err)
	}

	over := func(current, limit int64) bool {
		if limit < 0 {
			return false
		}
		return float64(current) > float64(limit)*(1+OverageTolerance)
	}
	if over(total.APICalls, limits.APICalls) {
		return apperr.New(apperr.CodeUsageQuotaExceeded, "api call usage past tolerance").
			WithDetails(map[string]any{"resource": "api_calls", "current": total.APICalls, "limit": limits.APICalls})
	}
	if over(total.TokensUsed, limits.Tokens) {
		return apperr.New(apperr.CodeUsageQuotaExceeded, "token usage past tolerance").
			WithDetails(map[string]any{"resource": "tokens", "current": total.TokensUsed, "limit": limits.Tokens})
	}
	return nil
}

// ListUsageAlerts returns users past thresholdPercent of any plan limit.
func (s *Service) ListUsageAlerts(ctx context.Context, thresholdPercent float64) ([]Alert, error) {
	if thresholdPercent <= 0 {
		thresholdPercent = 80
	}
	year, month := s.period()
	rows, err := s.repo.ListMonth(ctx, year, month)
	if err != nil {
		return nil, err
	}

	var alerts []Alert
	for _, row := range rows {
		limits, err := s.limits(ctx, row.OrganizationID)
		if err != nil {
			s.logger.Warn("skipping alert check, plan lookup failed",
				"error", err, "organization_id", row.OrganizationID)
			continue
		}
		for _, res := range []struct {
			name    string
			current int64
			limit   int64
		}{
			{"api_calls", row.APICalls, limits.APICalls},
			{"tokens", row.TokensUsed, limits.Tokens},
			{"workflow_runs", row.WorkflowRuns, limits.WorkflowRuns},
			{"storage", row.StorageUsed, limits.StorageBytes},
		} {
			if res.limit <= 0 {
				continue
			}
			percent := float64(res.current) / float64(res.limit) * 100
			if percent >= thresholdPercent {
				alerts = append(alerts, Alert{
					OrganizationID: row.OrganizationID,
					UserID:         row.UserID,
					Resource:       res.name,
					Current:        res.current,
					Limit:          res.limit,
					Percent:        percent,
				})
			}
		}
	}
	return alerts, nil
}

// CalculateProratedCharge computes a day-based prorated charge in cents for
// a plan activated mid-period.
func (s *Service) CalculateProratedCharge(priceCents int64, activationDate, periodStart, periodEnd time.Time, quantity int64) int64 {
	if quantity <= 0 {
		quantity = 1
	}
	if !activationDate.After(periodStart) {
		return priceCents * quantity
	}
	if !activationDate.Before(periodEnd) {
		return 0
	}
	totalDays := periodEnd.Sub(periodStart).Hours() / 24
	remainingDays := periodEnd.Sub(activationDate).Hours() / 24
	if totalDays <= 0 {
		return 0
	}
	return int64(float64(priceCents*quantity) * remainingDays / totalDays)
}

// ReconcileInvoices is the billing reconciliation seam. It re-aggregates the
// previous month and emits a metering event per organization so the billing
// adapter can diff against issued invoices.
func (s *Service) ReconcileInvoices(ctx context.Context) error {
	prev := s.now().UTC().AddDate(0, -1, 0)
	rows, err := s.repo.ListMonth(ctx, prev.Year(), int(prev.Month()))
	if err != nil {
		return err
	}
	totals := make(map[string]int64)
	for _, row := range rows {
		totals[row.OrganizationID] += row.EstimatedCostCents
	}
	for organizationID, cents := range totals {
		s.emit(ctx, organizationID, "", "reconciliation", cents)
	}
	s.logger.Info("invoice reconciliation emitted",
		"period", fmt.Sprintf("%d-%02d", prev.Year(), prev.Month()),
		"organizations", len(totals),
	)
	return nil
}

func (s *Service) limits(ctx context.Context, organizationID string) (Limits, error) {
	org, err := s.plans.Get(ctx, organizationID)
	if err != nil {
		return Limits{}, err
	}
	return PlanLimits(org.Plan), nil
}

func (s *Service) emit(ctx context.Context, organizationID, userID, resource string, quantity int64) {
	if s.emitter == nil {
		return
	}
	s.emitter.Emit(ctx, MeteringEvent{
		OrganizationID: organizationID,
		UserID:         userID,
		Resource:       resource,
		Quantity:       quantity,
		At:             s.now().UTC(),
	})
}

// emitOverages emits one overage event per resource crossing its limit.
func (s *Service) emitOverages(ctx context.Context, organizationID, userID string, row *Tracking) {
	limits, err := s.limits(ctx, organizationID)
	if err != nil {
		return
	}
	check := func(name string, current, limit int64) {
		if limit > 0 && current > limit {
			s.emit(ctx, organizationID, userID, "overage", current-limit)
			s.logger.Warn("usage limit crossed",
				"organization_id", organizationID,
				"user_id", userID,
				"resource", name,
				"current", current,
				"limit", limit,
			)
		}
	}
	check("api_calls", row.APICalls, limits.APICalls)
	check("tokens", row.TokensUsed, limits.Tokens)
	check("workflow_runs", row.WorkflowRuns, limits.WorkflowRuns)
}

func (s *Service) period() (int, int) {
	now := s.now().UTC()
	return now.Year(), int(now.Month())
}

func (s *Service) resetDate() time.Time {
	now := s.now().UTC()
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
}
