package store

import (
	"encoding/json"
	"time"

	"github.com/inqbatorchris/aimee-sub010/pkg/schema"
)

// Workflow is the persisted representation of an automation workflow.
type Workflow struct {
	ID                  string             `json:"id"`
	OrgID               string             `json:"organization_id"`
	Name                string             `json:"name"`
	Enabled             bool               `json:"enabled"`
	Steps               []schema.Step      `json:"steps"`
	Retry               schema.RetryPolicy `json:"retry"`
	LastSuccessfulRunAt *time.Time         `json:"last_successful_run_at,omitempty"`
	CreatedAt           time.Time          `json:"created_at"`
	UpdatedAt           time.Time          `json:"updated_at"`
}

// WorkflowUpdate holds optional fields for partial workflow updates.
type WorkflowUpdate struct {
	Name                *string
	Enabled             *bool
	Steps               []schema.Step
	Retry               *schema.RetryPolicy
	LastSuccessfulRunAt *time.Time
}

// WorkflowFilter narrows ListWorkflows.
type WorkflowFilter struct {
	OrgID   string
	Enabled *bool
	Limit   int
}

// Run is one execution attempt of a workflow.
type Run struct {
	ID             string                `json:"id"`
	WorkflowID     string                `json:"workflow_id"`
	OrgID          string                `json:"organization_id"`
	Status         schema.RunStatus      `json:"status"`
	TriggerSource  string                `json:"trigger_source"`
	StepsCompleted int                   `json:"steps_completed"`
	StepLog        []schema.StepLogEntry `json:"step_log,omitempty"`
	Context        json.RawMessage       `json:"context,omitempty"`
	Error          string                `json:"error,omitempty"`
	StartedAt      time.Time             `json:"started_at"`
	CompletedAt    *time.Time            `json:"completed_at,omitempty"`
	DurationMs     int64                 `json:"duration_ms,omitempty"`
}

// RunUpdate holds optional fields for partial run updates.
type RunUpdate struct {
	Status         *schema.RunStatus
	StepsCompleted *int
	StepLog        []schema.StepLogEntry
	Context        json.RawMessage
	Error          *string
	CompletedAt    *time.Time
	DurationMs     *int64
}

// RunFilter narrows ListRuns.
type RunFilter struct {
	WorkflowID string
	OrgID      string
	Status     schema.RunStatus
	Limit      int
}

// Schedule is a recurring cron trigger for a workflow.
type Schedule struct {
	ID             string     `json:"id"`
	WorkflowID     string     `json:"workflow_id"`
	OrgID          string     `json:"organization_id"`
	CronExpression string     `json:"cron_expression"`
	Timezone       string     `json:"timezone,omitempty"`
	Active         bool       `json:"active"`
	LastRunAt      *time.Time `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus  string     `json:"last_run_status,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// ScheduleUpdate holds optional fields for partial schedule updates.
type ScheduleUpdate struct {
	CronExpression *string
	Timezone       *string
	Active         *bool
	LastRunAt      *time.Time
	NextRunAt      *time.Time
	LastRunStatus  string
}

// ScheduleFilter narrows ListSchedules.
type ScheduleFilter struct {
	OrgID  string
	Active *bool
	Limit  int
}

// Integration is an external capability provider registration. Credentials
// is the encrypted blob produced by the credential cipher (iv:ciphertext hex).
type Integration struct {
	ID          string    `json:"id"`
	OrgID       string    `json:"organization_id"`
	Type        string    `json:"type"`
	Credentials string    `json:"-"`
	CreatedAt   time.Time `json:"created_at"`
}

// AuditEntry is one append-only activity record.
type AuditEntry struct {
	ID         string    `json:"id"`
	OrgID      string    `json:"organization_id"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Field      string    `json:"field,omitempty"`
	OldValue   string    `json:"old_value,omitempty"`
	NewValue   string    `json:"new_value,omitempty"`
	Actor      string    `json:"actor,omitempty"`
	RunID      string    `json:"run_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// AuditFilter narrows ListAudit.
type AuditFilter struct {
	OrgID      string
	EntityType string
	EntityID   string
	RunID      string
	Limit      int
}

// KeyResult is the business entity mutated by strategy_update steps.
// Numeric values persist as decimal strings to avoid binary-float drift.
type KeyResult struct {
	ID           string    `json:"id"`
	OrgID        string    `json:"organization_id"`
	Name         string    `json:"name"`
	CurrentValue string    `json:"current_value"`
	TargetValue  string    `json:"target_value"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// DataRow is one document of a registered data table.
type DataRow struct {
	ID        string          `json:"id"`
	Table     string          `json:"table"`
	OrgID     string          `json:"organization_id"`
	Doc       json.RawMessage `json:"doc"`
	CreatedAt time.Time       `json:"created_at"`
}
