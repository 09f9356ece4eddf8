package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inqbatorchris/aimee-sub010/pkg/schema"
)

func testStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dbPath := "file:" + filepath.Join(t.TempDir(), "test.db")
	s, err := NewLibSQLStore(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func testWorkflow(id, orgID string) *Workflow {
	return &Workflow{
		ID:      id,
		OrgID:   orgID,
		Name:    "daily report",
		Enabled: true,
		Steps: []schema.Step{
			{Name: "start", Type: schema.StepTypeLogEvent, Config: json.RawMessage(`{}`)},
		},
		Retry: schema.RetryPolicy{MaxRetries: 3, RetryDelaySeconds: 5},
	}
}

func TestWorkflow_CRUD(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	wf := testWorkflow("wf-1", "org-a")
	require.NoError(t, s.CreateWorkflow(ctx, wf))

	got, err := s.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, "daily report", got.Name)
	assert.True(t, got.Enabled)
	assert.Len(t, got.Steps, 1)
	assert.Equal(t, 3, got.Retry.MaxRetries)
	assert.Nil(t, got.LastSuccessfulRunAt)

	enabled := false
	name := "nightly report"
	lastRun := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.UpdateWorkflow(ctx, "wf-1", WorkflowUpdate{
		Name:                &name,
		Enabled:             &enabled,
		LastSuccessfulRunAt: &lastRun,
	}))

	got, err = s.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, "nightly report", got.Name)
	assert.False(t, got.Enabled)
	require.NotNil(t, got.LastSuccessfulRunAt)
	assert.Equal(t, lastRun.Unix(), got.LastSuccessfulRunAt.Unix())

	require.NoError(t, s.DeleteWorkflow(ctx, "wf-1"))
	_, err = s.GetWorkflow(ctx, "wf-1")
	require.Error(t, err)
}

func TestWorkflow_NotFound(t *testing.T) {
	s := testStore(t)
	_, err := s.GetWorkflow(context.Background(), "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")

	err = s.UpdateWorkflow(context.Background(), "missing", WorkflowUpdate{})
	require.Error(t, err)
}

func TestRun_Lifecycle(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateRun(ctx, &Run{
		ID:            "run-1",
		WorkflowID:    "wf-1",
		OrgID:         "org-a",
		Status:        schema.RunStatusRunning,
		TriggerSource: schema.TriggerManual,
		StartedAt:     time.Now().UTC(),
	}))

	got, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusRunning, got.Status)
	assert.Empty(t, got.StepLog)

	status := schema.RunStatusCompleted
	completed := 2
	completedAt := time.Now().UTC()
	durationMs := int64(1234)
	require.NoError(t, s.UpdateRun(ctx, "run-1", RunUpdate{
		Status:         &status,
		StepsCompleted: &completed,
		StepLog: []schema.StepLogEntry{
			{Index: 0, Type: "log_event", Name: "start", Success: true},
			{Index: 1, Type: "wait", Name: "pause", Success: true},
		},
		Context:     json.RawMessage(`{"result":7}`),
		CompletedAt: &completedAt,
		DurationMs:  &durationMs,
	}))

	got, err = s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, got.Status)
	assert.Equal(t, 2, got.StepsCompleted)
	assert.Len(t, got.StepLog, 2)
	assert.JSONEq(t, `{"result":7}`, string(got.Context))
	assert.NotNil(t, got.CompletedAt)
	assert.Equal(t, int64(1234), got.DurationMs)
}

func TestRun_ListFilters(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for _, r := range []*Run{
		{ID: "r1", WorkflowID: "wf-1", OrgID: "org-a", Status: schema.RunStatusCompleted, TriggerSource: "manual"},
		{ID: "r2", WorkflowID: "wf-1", OrgID: "org-a", Status: schema.RunStatusFailed, TriggerSource: "schedule"},
		{ID: "r3", WorkflowID: "wf-2", OrgID: "org-b", Status: schema.RunStatusCompleted, TriggerSource: "webhook"},
	} {
		require.NoError(t, s.CreateRun(ctx, r))
	}

	runs, err := s.ListRuns(ctx, RunFilter{WorkflowID: "wf-1"})
	require.NoError(t, err)
	assert.Len(t, runs, 2)

	runs, err = s.ListRuns(ctx, RunFilter{Status: schema.RunStatusFailed})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "r2", runs[0].ID)

	runs, err = s.ListRuns(ctx, RunFilter{OrgID: "org-b"})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "r3", runs[0].ID)
}

func TestSchedule_CRUD(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateSchedule(ctx, &Schedule{
		ID:             "sched-1",
		WorkflowID:     "wf-1",
		OrgID:          "org-a",
		CronExpression: "0 9 * * *",
		Timezone:       "America/New_York",
		Active:         true,
	}))

	got, err := s.GetSchedule(ctx, "sched-1")
	require.NoError(t, err)
	assert.Equal(t, "0 9 * * *", got.CronExpression)
	assert.Equal(t, "America/New_York", got.Timezone)
	assert.True(t, got.Active)
	assert.Nil(t, got.LastRunAt)

	fired := time.Now().UTC()
	next := fired.Add(24 * time.Hour)
	require.NoError(t, s.UpdateSchedule(ctx, "sched-1", ScheduleUpdate{
		LastRunAt:     &fired,
		NextRunAt:     &next,
		LastRunStatus: "completed",
	}))

	got, err = s.GetSchedule(ctx, "sched-1")
	require.NoError(t, err)
	require.NotNil(t, got.LastRunAt)
	require.NotNil(t, got.NextRunAt)
	assert.Equal(t, "completed", got.LastRunStatus)

	active := true
	scheds, err := s.ListSchedules(ctx, ScheduleFilter{Active: &active})
	require.NoError(t, err)
	assert.Len(t, scheds, 1)

	require.NoError(t, s.DeleteSchedule(ctx, "sched-1"))
	_, err = s.GetSchedule(ctx, "sched-1")
	require.Error(t, err)
}

func TestIntegration_UpsertPerOrgAndType(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateIntegration(ctx, &Integration{
		ID: "int-1", OrgID: "org-a", Type: "orders", Credentials: "aa:bb",
	}))
	// Same org+type replaces the credential blob.
	require.NoError(t, s.CreateIntegration(ctx, &Integration{
		ID: "int-2", OrgID: "org-a", Type: "orders", Credentials: "cc:dd",
	}))

	got, err := s.GetIntegration(ctx, "org-a", "orders")
	require.NoError(t, err)
	assert.Equal(t, "cc:dd", got.Credentials)

	_, err = s.GetIntegration(ctx, "org-b", "orders")
	require.Error(t, err)
}

func TestAudit_AppendAndList(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for i, entry := range []*AuditEntry{
		{ID: "a1", OrgID: "org-a", EntityType: "key_result", EntityID: "kr-1", Field: "current_value", OldValue: "5", NewValue: "7", RunID: "run-1"},
		{ID: "a2", OrgID: "org-a", EntityType: "workflow", EntityID: "wf-1", RunID: "run-1"},
		{ID: "a3", OrgID: "org-b", EntityType: "key_result", EntityID: "kr-9"},
	} {
		entry.CreatedAt = time.Now().UTC().Add(time.Duration(i) * time.Millisecond)
		require.NoError(t, s.AppendAudit(ctx, entry))
	}

	entries, err := s.ListAudit(ctx, AuditFilter{OrgID: "org-a"})
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	entries, err = s.ListAudit(ctx, AuditFilter{EntityType: "key_result", OrgID: "org-a"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "7", entries[0].NewValue)
}

func TestKeyResult_SetValue(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateKeyResult(ctx, &KeyResult{
		ID: "kr-1", OrgID: "org-a", Name: "active customers",
		CurrentValue: "0", TargetValue: "100",
	}))

	require.NoError(t, s.SetKeyResultValue(ctx, "org-a", "kr-1", "7"))

	got, err := s.GetKeyResult(ctx, "org-a", "kr-1")
	require.NoError(t, err)
	assert.Equal(t, "7", got.CurrentValue)
	assert.Equal(t, "100", got.TargetValue)

	// Wrong org never sees or touches the row.
	_, err = s.GetKeyResult(ctx, "org-b", "kr-1")
	require.Error(t, err)
	err = s.SetKeyResultValue(ctx, "org-b", "kr-1", "99")
	require.Error(t, err)
}

func TestDataRows_OrgScopeIsStructural(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.RegisterDataTable(ctx, "org-a", "customers"))
	require.NoError(t, s.InsertDataRow(ctx, &DataRow{
		ID: "d1", Table: "customers", OrgID: "org-a", Doc: json.RawMessage(`{"status":"active"}`),
	}))
	require.NoError(t, s.InsertDataRow(ctx, &DataRow{
		ID: "d2", Table: "customers", OrgID: "org-b", Doc: json.RawMessage(`{"status":"active"}`),
	}))

	docs, err := s.SelectDataRows(ctx, "customers", "org-a", "", nil, 0)
	require.NoError(t, err)
	assert.Len(t, docs, 1)

	docs, err = s.SelectDataRows(ctx, "customers", "org-a",
		"json_extract(doc, ?) = ?", []any{"$.status", "active"}, 0)
	require.NoError(t, err)
	assert.Len(t, docs, 1)

	ok, err := s.IsDataTableRegistered(ctx, "org-a", "customers")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.IsDataTableRegistered(ctx, "org-b", "customers")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReadQuery(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateKeyResult(ctx, &KeyResult{
		ID: "kr-1", OrgID: "org-a", Name: "n", CurrentValue: "1", TargetValue: "2",
	}))

	rows, err := s.ReadQuery(ctx, "SELECT id, current_value FROM key_results")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "kr-1", rows[0]["id"])

	_, err = s.ReadQuery(ctx, "DELETE FROM key_results")
	require.Error(t, err)
}

func TestCheckReadOnly(t *testing.T) {
	allowed := []string{
		"SELECT * FROM runs",
		"select count(*) from audit_log;",
		"WITH recent AS (SELECT * FROM runs) SELECT * FROM recent",
	}
	for _, q := range allowed {
		t.Run(q, func(t *testing.T) {
			assert.NoError(t, CheckReadOnly(q))
		})
	}

	rejected := []string{
		"",
		"DELETE FROM runs",
		"INSERT INTO runs VALUES (1)",
		"UPDATE runs SET status = 'x'",
		"DROP TABLE runs",
		"SELECT 1; DELETE FROM runs",
		"WITH x AS (SELECT 1) INSERT INTO runs SELECT * FROM x",
		"PRAGMA journal_mode=DELETE",
		"select * from runs; vacuum",
	}
	for _, q := range rejected {
		t.Run(q, func(t *testing.T) {
			assert.Error(t, CheckReadOnly(q))
		})
	}
}
