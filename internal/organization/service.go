package organization

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Service handles organization business logic
type Service struct {
	repo          *Repository
	logger        *slog.Logger
	defaultRegion string
}

// NewService creates a new organization service
func NewService(repo *Repository, logger *slog.Logger, defaultRegion string) *Service {
	return &Service{repo: repo, logger: logger, defaultRegion: defaultRegion}
}

// Create provisions an organization with its quota profile for the plan.
func (s *Service) Create(ctx context.Context, name string, plan Plan, region string) (*Organization, error) {
	if name == "" {
		return nil, errors.New("organization name cannot be empty")
	}
	if !IsValidPlan(string(plan)) {
		return nil, fmt.Errorf("unknown plan %q", plan)
	}
	if region == "" {
		region = s.defaultRegion
	}

	now := time.Now().UTC()
	org := &Organization{
		ID:        uuid.NewString(),
		Name:      name,
		Plan:      plan,
		Region:    region,
		Status:    StatusTrial,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.Create(ctx, org); err != nil {
		return nil, err
	}

	periodStart, periodEnd := billingWindow(now)
	quota := &Quota{
		OrganizationID: org.ID,
		PeriodStart:    periodStart,
		PeriodEnd:      periodEnd,
		QuotaLimits:    DefaultLimits(plan),
		UpdatedAt:      now,
	}
	if err := s.repo.CreateQuota(ctx, quota); err != nil {
		return nil, err
	}

	s.logger.Info("organization created", "organization_id", org.ID, "plan", plan, "region", region)
	return org, nil
}

// Get retrieves an organization by id.
func (s *Service) Get(ctx context.Context, id string) (*Organization, error) {
	return s.repo.GetByID(ctx, id)
}

// QuotaProfile returns the quota profile, rolling the window over when expired.
func (s *Service) QuotaProfile(ctx context.Context, organizationID string) (*Quota, error) {
	quota, err := s.repo.GetQuota(ctx, organizationID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if !now.Before(quota.PeriodEnd) {
		periodStart, periodEnd := billingWindow(now)
		if err := s.repo.RolloverWindow(ctx, organizationID, periodStart, periodEnd); err != nil {
			return nil, err
		}
		quota.PeriodStart = periodStart
		quota.PeriodEnd = periodEnd
		quota.ExecutionsThisMonth = 0
		quota.ExecutionsInCurrentWindow = 0
		s.logger.Info("quota window rolled over", "organization_id", organizationID, "period_start", periodStart)
	}
	return quota, nil
}

// RecordAdmission advances the monthly and window execution counters when a
// run is admitted to the queue.
func (s *Service) RecordAdmission(ctx context.Context, organizationID string) error {
	return s.repo.IncrementExecutionCounters(ctx, organizationID)
}

// RequireRole verifies the user holds at least the given role in the organization.
func (s *Service) RequireRole(ctx context.Context, organizationID, userID string, minimum Role) error {
	member, err := s.repo.GetMembership(ctx, organizationID, userID)
	if err != nil {
		return err
	}
	if roleRank(member.Role) < roleRank(minimum) {
		return fmt.Errorf("role %s is below required %s", member.Role, minimum)
	}
	return nil
}

func roleRank(role Role) int {
	switch role {
	case RoleOwner:
		return 3
	case RoleAdmin:
		return 2
	case RoleMember:
		return 1
	default:
		return 0
	}
}

// billingWindow returns the calendar-month window containing now.
func billingWindow(now time.Time) (time.Time, time.Time) {
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}
