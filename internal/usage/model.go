package usage

import (
	"time"

	"github.com/flowgrid/flowgrid/internal/organization"
)

// Tracking is the per-user monthly usage row
type Tracking struct {
	UserID             string    `db:"user_id" json:"user_id"`
	OrganizationID     string    `db:"organization_id" json:"organization_id"`
	Year               int       `db:"year" json:"year"`
	Month              int       `db:"month" json:"month"`
	APICalls           int64     `db:"api_calls" json:"api_calls"`
	TokensUsed         int64     `db:"tokens_used" json:"tokens_used"`
	WorkflowRuns       int64     `db:"workflow_runs" json:"workflow_runs"`
	StorageUsed        int64     `db:"storage_used" json:"storage_used"`
	EstimatedCostCents int64     `db:"estimated_cost_cents" json:"estimated_cost_cents"`
	UpdatedAt          time.Time `db:"updated_at" json:"updated_at"`
}

// Limits are the per-plan monthly resource caps
type Limits struct {
	APICalls     int64 `json:"api_calls"`
	Tokens       int64 `json:"tokens"`
	WorkflowRuns int64 `json:"workflow_runs"`
	StorageBytes int64 `json:"storage_bytes"`
}

// OverageTolerance lets tenants briefly exceed soft limits (5%).
const OverageTolerance = 0.05

// PlanLimits returns the usage caps for a plan. -1 means unlimited.
func PlanLimits(plan organization.Plan) Limits {
	switch plan {
	case organization.PlanFree:
		return Limits{APICalls: 1000, Tokens: 50000, WorkflowRuns: 500, StorageBytes: 100 << 20}
	case organization.PlanStarter:
		return Limits{APICalls: 10000, Tokens: 500000, WorkflowRuns: 5000, StorageBytes: 1 << 30}
	case organization.PlanPro, organization.PlanProfessional:
		return Limits{APICalls: 100000, Tokens: 5000000, WorkflowRuns: 50000, StorageBytes: 10 << 30}
	case organization.PlanEnterprise:
		return Limits{APICalls: 1000000, Tokens: 50000000, WorkflowRuns: 500000, StorageBytes: 100 << 30}
	case organization.PlanEnterprisePlus:
		return Limits{APICalls: -1, Tokens: -1, WorkflowRuns: -1, StorageBytes: 1 << 40}
	default:
		return PlanLimits(organization.PlanFree)
	}
}

// QuotaCheck is the outcome of a quota lookup
type QuotaCheck struct {
	HasQuota  bool      `json:"hasQuota"`
	QuotaType string    `json:"quotaType,omitempty"`
	Current   int64     `json:"current"`
	Limit     int64     `json:"limit"`
	Remaining int64     `json:"remaining"`
	ResetDate time.Time `json:"resetDate"`
}

// Delta is the resource consumption a caller wants to verify or record
type Delta struct {
	APICalls     int64 `json:"apiCalls,omitempty"`
	Tokens       int64 `json:"tokens,omitempty"`
	WorkflowRuns int64 `json:"workflowRuns,omitempty"`
	Storage      int64 `json:"storage,omitempty"`
}

// Alert flags a tenant crossing a usage threshold
type Alert struct {
	OrganizationID string  `json:"organization_id"`
	UserID         string  `json:"user_id"`
	Resource       string  `json:"resource"`
	Current        int64   `json:"current"`
	Limit          int64   `json:"limit"`
	Percent        float64 `json:"percent"`
}

// MeteringEvent is emitted to the billing adapter on every recorded unit
type MeteringEvent struct {
	OrganizationID string    `json:"organization_id"`
	UserID         string    `json:"user_id"`
	Resource       string    `json:"resource"` // api_calls | tokens | workflow_runs | storage | overage
	Quantity       int64     `json:"quantity"`
	At             time.Time `json:"at"`
}
