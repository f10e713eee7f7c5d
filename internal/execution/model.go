package execution

import (
	"encoding/json"
	"time"
)

// Status of an execution
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// Durability labels how the execution was queued
type Durability string

const (
	DurabilityDurable  Durability = "durable"
	DurabilityInMemory Durability = "in_memory"
)

// Record is a persisted workflow execution
type Record struct {
	ID             string          `db:"id" json:"id"`
	WorkflowID     string          `db:"workflow_id" json:"workflow_id"`
	OrganizationID string          `db:"organization_id" json:"organization_id"`
	UserID         string          `db:"user_id" json:"user_id,omitempty"`
	TriggerType    string          `db:"trigger_type" json:"trigger_type"`
	Status         Status          `db:"status" json:"status"`
	Durability     Durability      `db:"durability" json:"durability"`
	TriggerData    json.RawMessage `db:"trigger_data" json:"trigger_data,omitempty"`
	ErrorSummary   *string         `db:"error_summary" json:"error_summary,omitempty"`
	StartedAt      *time.Time      `db:"started_at" json:"started_at,omitempty"`
	FinishedAt     *time.Time      `db:"finished_at" json:"finished_at,omitempty"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
}

// NodeDetail is the per-node outcome recorded during execution
type NodeDetail struct {
	ExecutionID string          `db:"execution_id" json:"execution_id"`
	NodeID      string          `db:"node_id" json:"node_id"`
	Status      string          `db:"status" json:"status"`
	Summary     string          `db:"summary" json:"summary,omitempty"`
	Output      json.RawMessage `db:"output" json:"output,omitempty"`
	Preview     json.RawMessage `db:"preview" json:"preview,omitempty"`
	Logs        json.RawMessage `db:"logs" json:"logs,omitempty"`
	Parameters  json.RawMessage `db:"parameters" json:"parameters,omitempty"`
	Diagnostics json.RawMessage `db:"diagnostics" json:"diagnostics,omitempty"`
	StartedAt   time.Time       `db:"started_at" json:"started_at"`
	FinishedAt  time.Time       `db:"finished_at" json:"finished_at"`
}
