package store

import (
	"context"
	"encoding/json"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Workflows
	CreateWorkflow(ctx context.Context, wf *Workflow) error
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)
	UpdateWorkflow(ctx context.Context, id string, update WorkflowUpdate) error
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*Workflow, error)
	DeleteWorkflow(ctx context.Context, id string) error

	// Runs
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	UpdateRun(ctx context.Context, id string, update RunUpdate) error
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)

	// Schedules
	CreateSchedule(ctx context.Context, sched *Schedule) error
	GetSchedule(ctx context.Context, id string) (*Schedule, error)
	UpdateSchedule(ctx context.Context, id string, update ScheduleUpdate) error
	ListSchedules(ctx context.Context, filter ScheduleFilter) ([]*Schedule, error)
	DeleteSchedule(ctx context.Context, id string) error

	// Integrations
	CreateIntegration(ctx context.Context, integ *Integration) error
	GetIntegration(ctx context.Context, orgID, integType string) (*Integration, error)

	// Audit log (append-only)
	AppendAudit(ctx context.Context, entry *AuditEntry) error
	ListAudit(ctx context.Context, filter AuditFilter) ([]*AuditEntry, error)

	// Key results (strategy_update targets)
	CreateKeyResult(ctx context.Context, kr *KeyResult) error
	GetKeyResult(ctx context.Context, orgID, id string) (*KeyResult, error)
	SetKeyResultValue(ctx context.Context, orgID, id, value string) error

	// Registered data tables
	RegisterDataTable(ctx context.Context, orgID, name string) error
	IsDataTableRegistered(ctx context.Context, orgID, name string) (bool, error)
	InsertDataRow(ctx context.Context, row *DataRow) error
	SelectDataRows(ctx context.Context, table, orgID, whereSQL string, args []any, limit int) ([]json.RawMessage, error)

	// Read-only query escape hatch for database_query steps. Callers must
	// pass a single read statement; implementations reject anything else.
	ReadQuery(ctx context.Context, query string) ([]map[string]any, error)

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}
