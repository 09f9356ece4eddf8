package engine

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/inqbatorchris/aimee-sub010/internal/store"
	"github.com/inqbatorchris/aimee-sub010/pkg/schema"
)

// mockStore is an in-memory Store for executor tests. It records run updates
// in order so tests can assert persistence ordering.
type mockStore struct {
	mu         sync.Mutex
	workflows  map[string]*store.Workflow
	runs       map[string]*store.Run
	runUpdates []store.RunUpdate
	schedules  map[string]*store.Schedule
	integs     map[string]*store.Integration
	audits     []*store.AuditEntry
	keyResults map[string]*store.KeyResult
	tables     map[string]bool
	rows       map[string][]json.RawMessage
}

func newMockStore() *mockStore {
	return &mockStore{
		workflows:  make(map[string]*store.Workflow),
		runs:       make(map[string]*store.Run),
		schedules:  make(map[string]*store.Schedule),
		integs:     make(map[string]*store.Integration),
		keyResults: make(map[string]*store.KeyResult),
		tables:     make(map[string]bool),
		rows:       make(map[string][]json.RawMessage),
	}
}

func notFound(resource, id string) error {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func (m *mockStore) CreateWorkflow(_ context.Context, wf *store.Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workflows[wf.ID] = wf
	return nil
}

func (m *mockStore) GetWorkflow(_ context.Context, id string) (*store.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[id]
	if !ok {
		return nil, notFound("workflow", id)
	}
	return wf, nil
}

func (m *mockStore) UpdateWorkflow(_ context.Context, id string, update store.WorkflowUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[id]
	if !ok {
		return notFound("workflow", id)
	}
	if update.Name != nil {
		wf.Name = *update.Name
	}
	if update.Enabled != nil {
		wf.Enabled = *update.Enabled
	}
	if update.Steps != nil {
		wf.Steps = update.Steps
	}
	if update.Retry != nil {
		wf.Retry = *update.Retry
	}
	if update.LastSuccessfulRunAt != nil {
		wf.LastSuccessfulRunAt = update.LastSuccessfulRunAt
	}
	return nil
}

func (m *mockStore) ListWorkflows(_ context.Context, _ store.WorkflowFilter) ([]*store.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Workflow
	for _, wf := range m.workflows {
		out = append(out, wf)
	}
	return out, nil
}

func (m *mockStore) DeleteWorkflow(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.workflows, id)
	return nil
}

func (m *mockStore) CreateRun(_ context.Context, run *store.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *run
	m.runs[run.ID] = &cp
	return nil
}

func (m *mockStore) GetRun(_ context.Context, id string) (*store.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, notFound("run", id)
	}
	return run, nil
}

func (m *mockStore) UpdateRun(_ context.Context, id string, update store.RunUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return notFound("run", id)
	}
	m.runUpdates = append(m.runUpdates, update)
	if update.Status != nil {
		run.Status = *update.Status
	}
	if update.StepsCompleted != nil {
		run.StepsCompleted = *update.StepsCompleted
	}
	if update.StepLog != nil {
		run.StepLog = update.StepLog
	}
	if update.Context != nil {
		run.Context = update.Context
	}
	if update.Error != nil {
		run.Error = *update.Error
	}
	if update.CompletedAt != nil {
		run.CompletedAt = update.CompletedAt
	}
	if update.DurationMs != nil {
		run.DurationMs = *update.DurationMs
	}
	return nil
}

func (m *mockStore) ListRuns(_ context.Context, _ store.RunFilter) ([]*store.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Run
	for _, r := range m.runs {
		out = append(out, r)
	}
	return out, nil
}

func (m *mockStore) CreateSchedule(_ context.Context, sched *store.Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.schedules[sched.ID] = sched
	return nil
}

func (m *mockStore) GetSchedule(_ context.Context, id string) (*store.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sched, ok := m.schedules[id]
	if !ok {
		return nil, notFound("schedule", id)
	}
	return sched, nil
}

func (m *mockStore) UpdateSchedule(_ context.Context, id string, update store.ScheduleUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sched, ok := m.schedules[id]
	if !ok {
		return notFound("schedule", id)
	}
	if update.CronExpression != nil {
		sched.CronExpression = *update.CronExpression
	}
	if update.Timezone != nil {
		sched.Timezone = *update.Timezone
	}
	if update.Active != nil {
		sched.Active = *update.Active
	}
	if update.LastRunAt != nil {
		sched.LastRunAt = update.LastRunAt
	}
	if update.NextRunAt != nil {
		sched.NextRunAt = update.NextRunAt
	}
	if update.LastRunStatus != "" {
		sched.LastRunStatus = update.LastRunStatus
	}
	return nil
}

func (m *mockStore) ListSchedules(_ context.Context, filter store.ScheduleFilter) ([]*store.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Schedule
	for _, sched := range m.schedules {
		if filter.Active != nil && sched.Active != *filter.Active {
			continue
		}
		out = append(out, sched)
	}
	return out, nil
}

func (m *mockStore) DeleteSchedule(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.schedules, id)
	return nil
}

func (m *mockStore) CreateIntegration(_ context.Context, integ *store.Integration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.integs[integ.OrgID+"/"+integ.Type] = integ
	return nil
}

func (m *mockStore) GetIntegration(_ context.Context, orgID, integType string) (*store.Integration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	integ, ok := m.integs[orgID+"/"+integType]
	if !ok {
		return nil, notFound("integration", integType)
	}
	return integ, nil
}

func (m *mockStore) AppendAudit(_ context.Context, entry *store.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audits = append(m.audits, entry)
	return nil
}

func (m *mockStore) ListAudit(_ context.Context, filter store.AuditFilter) ([]*store.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.AuditEntry
	for _, e := range m.audits {
		if filter.EntityType != "" && e.EntityType != filter.EntityType {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (m *mockStore) CreateKeyResult(_ context.Context, kr *store.KeyResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keyResults[kr.OrgID+"/"+kr.ID] = kr
	return nil
}

func (m *mockStore) GetKeyResult(_ context.Context, orgID, id string) (*store.KeyResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kr, ok := m.keyResults[orgID+"/"+id]
	if !ok {
		return nil, notFound("key result", id)
	}
	cp := *kr
	return &cp, nil
}

func (m *mockStore) SetKeyResultValue(_ context.Context, orgID, id, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kr, ok := m.keyResults[orgID+"/"+id]
	if !ok {
		return notFound("key result", id)
	}
	kr.CurrentValue = value
	kr.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *mockStore) RegisterDataTable(_ context.Context, orgID, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tables[orgID+"/"+name] = true
	return nil
}

func (m *mockStore) IsDataTableRegistered(_ context.Context, orgID, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tables[orgID+"/"+name], nil
}

func (m *mockStore) InsertDataRow(_ context.Context, row *store.DataRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := row.OrgID + "/" + row.Table
	m.rows[key] = append(m.rows[key], row.Doc)
	return nil
}

// SelectDataRows ignores the SQL predicate; tests that need filtering go
// through the real store.
func (m *mockStore) SelectDataRows(_ context.Context, table, orgID, _ string, _ []any, limit int) ([]json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	docs := m.rows[orgID+"/"+table]
	if limit > 0 && len(docs) > limit {
		docs = docs[:limit]
	}
	return docs, nil
}

func (m *mockStore) ReadQuery(_ context.Context, query string) ([]map[string]any, error) {
	if err := store.CheckReadOnly(query); err != nil {
		return nil, err
	}
	return []map[string]any{{"ok": int64(1)}}, nil
}

func (m *mockStore) Migrate(_ context.Context) error { return nil }
func (m *mockStore) Close() error                    { return nil }

var _ store.Store = (*mockStore)(nil)
