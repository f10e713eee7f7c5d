package organization

import (
	"encoding/json"
	"time"
)

// Status represents the lifecycle status of an organization
type Status string

const (
	// StatusTrial indicates the organization is in its trial period
	StatusTrial Status = "trial"
	// StatusActive indicates the organization is active and operational
	StatusActive Status = "active"
	// StatusSuspended indicates the organization is suspended (e.g. billing issues)
	StatusSuspended Status = "suspended"
)

// Plan represents the pricing tier of an organization
type Plan string

const (
	PlanFree           Plan = "free"
	PlanStarter        Plan = "starter"
	PlanPro            Plan = "pro"
	PlanProfessional   Plan = "professional"
	PlanEnterprise     Plan = "enterprise"
	PlanEnterprisePlus Plan = "enterprise_plus"
)

// planRanks orders plans for connector tier gating. Starter/pro/professional
// share rank 1..2 so a connector declared "pro" is reachable from professional.
var planRanks = map[Plan]int{
	PlanFree:           0,
	PlanStarter:        1,
	PlanPro:            2,
	PlanProfessional:   2,
	PlanEnterprise:     3,
	PlanEnterprisePlus: 4,
}

// Rank returns the numeric rank of the plan for tier gating. Unknown plans rank 0.
func (p Plan) Rank() int {
	return planRanks[p]
}

// IsValidPlan checks whether the given plan name is recognized.
func IsValidPlan(plan string) bool {
	_, ok := planRanks[Plan(plan)]
	return ok
}

// SecuritySettings holds organization-scoped network and session policy
type SecuritySettings struct {
	AllowedDomains  []string `json:"allowed_domains,omitempty"`
	AllowedIPRanges []string `json:"allowed_ip_ranges,omitempty"`
	MFARequired     bool     `json:"mfa_required,omitempty"`
	SessionTimeout  int      `json:"session_timeout_minutes,omitempty"`
}

// ComplianceSettings holds data-residency settings
type ComplianceSettings struct {
	DataResidency string `json:"data_residency,omitempty"`
}

// Organization is the tenant root
type Organization struct {
	ID           string          `db:"id" json:"id"`
	Name         string          `db:"name" json:"name"`
	Plan         Plan            `db:"plan" json:"plan"`
	Region       string          `db:"region" json:"region"`
	Status       Status          `db:"status" json:"status"`
	FeatureFlags json.RawMessage `db:"feature_flags" json:"feature_flags,omitempty"`
	Security     json.RawMessage `db:"security_settings" json:"security_settings,omitempty"`
	Compliance   json.RawMessage `db:"compliance_settings" json:"compliance_settings,omitempty"`
	// ConnectorOverrides lists connector ids granted past the plan tier gate.
	ConnectorOverrides json.RawMessage `db:"connector_overrides" json:"connector_overrides,omitempty"`
	CreatedAt          time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time       `db:"updated_at" json:"updated_at"`
}

// SecuritySettings decodes the stored security settings, empty on absence.
func (o *Organization) SecuritySettings() SecuritySettings {
	var s SecuritySettings
	if len(o.Security) > 0 {
		_ = json.Unmarshal(o.Security, &s)
	}
	return s
}

// OverrideSet decodes the connector override list into a set.
func (o *Organization) OverrideSet() map[string]bool {
	var ids []string
	if len(o.ConnectorOverrides) > 0 {
		_ = json.Unmarshal(o.ConnectorOverrides, &ids)
	}
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}

// Role represents a member's role within an organization
type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
	RoleViewer Role = "viewer"
)

// IsValidRole checks whether the given role is recognized.
func IsValidRole(role string) bool {
	switch Role(role) {
	case RoleOwner, RoleAdmin, RoleMember, RoleViewer:
		return true
	}
	return false
}

// Membership links a user to an organization
type Membership struct {
	OrganizationID string    `db:"organization_id" json:"organization_id"`
	UserID         string    `db:"user_id" json:"user_id"`
	Role           Role      `db:"role" json:"role"`
	IsDefault      bool      `db:"is_default" json:"is_default"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}

// QuotaLimits holds the hard limits for an organization
type QuotaLimits struct {
	MaxWorkflows            int   `db:"max_workflows" json:"max_workflows"`
	MaxExecutionsPerMonth   int   `db:"max_executions_per_month" json:"max_executions_per_month"`
	MaxConcurrentExecutions int   `db:"max_concurrent_executions" json:"max_concurrent_executions"`
	MaxExecutionsPerMinute  int   `db:"max_executions_per_minute" json:"max_executions_per_minute"`
	MaxStorageBytes         int64 `db:"max_storage_bytes" json:"max_storage_bytes"`
	MaxUsers                int   `db:"max_users" json:"max_users"`
}

// QuotaUsage is the usage snapshot for the current billing window
type QuotaUsage struct {
	Workflows                 int   `db:"used_workflows" json:"workflows"`
	ExecutionsThisMonth       int   `db:"used_executions_month" json:"executions_this_month"`
	ConcurrentExecutions      int   `db:"used_concurrent" json:"concurrent_executions"`
	ExecutionsInCurrentWindow int   `db:"used_executions_window" json:"executions_in_current_window"`
	StorageBytes              int64 `db:"used_storage_bytes" json:"storage_bytes"`
	Users                     int   `db:"used_users" json:"users"`
}

// Quota is the per-organization quota profile
type Quota struct {
	OrganizationID string    `db:"organization_id" json:"organization_id"`
	PeriodStart    time.Time `db:"period_start" json:"period_start"`
	PeriodEnd      time.Time `db:"period_end" json:"period_end"`
	QuotaLimits
	QuotaUsage
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// DefaultLimits returns the built-in limits for a plan.
func DefaultLimits(plan Plan) QuotaLimits {
	switch plan {
	case PlanFree:
		return QuotaLimits{MaxWorkflows: 5, MaxExecutionsPerMonth: 500, MaxConcurrentExecutions: 1, MaxExecutionsPerMinute: 10, MaxStorageBytes: 100 << 20, MaxUsers: 2}
	case PlanStarter:
		return QuotaLimits{MaxWorkflows: 25, MaxExecutionsPerMonth: 5000, MaxConcurrentExecutions: 3, MaxExecutionsPerMinute: 30, MaxStorageBytes: 1 << 30, MaxUsers: 5}
	case PlanPro, PlanProfessional:
		return QuotaLimits{MaxWorkflows: 100, MaxExecutionsPerMonth: 50000, MaxConcurrentExecutions: 10, MaxExecutionsPerMinute: 120, MaxStorageBytes: 10 << 30, MaxUsers: 25}
	case PlanEnterprise:
		return QuotaLimits{MaxWorkflows: 1000, MaxExecutionsPerMonth: 500000, MaxConcurrentExecutions: 50, MaxExecutionsPerMinute: 600, MaxStorageBytes: 100 << 30, MaxUsers: 250}
	case PlanEnterprisePlus:
		return QuotaLimits{MaxWorkflows: 10000, MaxExecutionsPerMonth: 5000000, MaxConcurrentExecutions: 200, MaxExecutionsPerMinute: 3000, MaxStorageBytes: 1 << 40, MaxUsers: 2500}
	default:
		return DefaultLimits(PlanFree)
	}
}
