package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/inqbatorchris/aimee-sub010/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Workflows ---

func (s *LibSQLStore) CreateWorkflow(ctx context.Context, wf *Workflow) error {
	steps, err := json.Marshal(wf.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}
	retry, err := json.Marshal(wf.Retry)
	if err != nil {
		return fmt.Errorf("marshal retry policy: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflows (id, organization_id, name, enabled, steps, retry_policy, last_successful_run_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		wf.ID, wf.OrgID, wf.Name, boolInt(wf.Enabled), string(steps), string(retry),
		nullTime(wf.LastSuccessfulRunAt), timeOrNow(wf.CreatedAt), timeOrNow(wf.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	wf := &Workflow{}
	var enabled int
	var steps, retry string
	var lastRun sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, organization_id, name, enabled, steps, retry_policy, last_successful_run_at, created_at, updated_at
		 FROM workflows WHERE id = ?`, id,
	).Scan(&wf.ID, &wf.OrgID, &wf.Name, &enabled, &steps, &retry, &lastRun, &wf.CreatedAt, &wf.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow", id)
	}
	if err != nil {
		return nil, err
	}
	wf.Enabled = enabled != 0
	if err := json.Unmarshal([]byte(steps), &wf.Steps); err != nil {
		return nil, fmt.Errorf("unmarshal steps: %w", err)
	}
	if err := json.Unmarshal([]byte(retry), &wf.Retry); err != nil {
		return nil, fmt.Errorf("unmarshal retry policy: %w", err)
	}
	if lastRun.Valid {
		wf.LastSuccessfulRunAt = &lastRun.Time
	}
	return wf, nil
}

func (s *LibSQLStore) UpdateWorkflow(ctx context.Context, id string, update WorkflowUpdate) error {
	sets := []string{"updated_at = CURRENT_TIMESTAMP"}
	var args []any

	if update.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *update.Name)
	}
	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, boolInt(*update.Enabled))
	}
	if update.Steps != nil {
		steps, err := json.Marshal(update.Steps)
		if err != nil {
			return fmt.Errorf("marshal steps: %w", err)
		}
		sets = append(sets, "steps = ?")
		args = append(args, string(steps))
	}
	if update.Retry != nil {
		retry, err := json.Marshal(update.Retry)
		if err != nil {
			return fmt.Errorf("marshal retry policy: %w", err)
		}
		sets = append(sets, "retry_policy = ?")
		args = append(args, string(retry))
	}
	if update.LastSuccessfulRunAt != nil {
		sets = append(sets, "last_successful_run_at = ?")
		args = append(args, *update.LastSuccessfulRunAt)
	}

	args = append(args, id)
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE workflows SET %s WHERE id = ?`, strings.Join(sets, ", ")), args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow", id)
}

func (s *LibSQLStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*Workflow, error) {
	query := `SELECT id, organization_id, name, enabled, steps, retry_policy, last_successful_run_at, created_at, updated_at
	          FROM workflows WHERE 1=1`
	var args []any
	if filter.OrgID != "" {
		query += " AND organization_id = ?"
		args = append(args, filter.OrgID)
	}
	if filter.Enabled != nil {
		query += " AND enabled = ?"
		args = append(args, boolInt(*filter.Enabled))
	}
	query += " ORDER BY created_at"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Workflow
	for rows.Next() {
		wf := &Workflow{}
		var enabled int
		var steps, retry string
		var lastRun sql.NullTime
		if err := rows.Scan(&wf.ID, &wf.OrgID, &wf.Name, &enabled, &steps, &retry, &lastRun, &wf.CreatedAt, &wf.UpdatedAt); err != nil {
			return nil, err
		}
		wf.Enabled = enabled != 0
		if err := json.Unmarshal([]byte(steps), &wf.Steps); err != nil {
			return nil, fmt.Errorf("unmarshal steps: %w", err)
		}
		if err := json.Unmarshal([]byte(retry), &wf.Retry); err != nil {
			return nil, fmt.Errorf("unmarshal retry policy: %w", err)
		}
		if lastRun.Valid {
			wf.LastSuccessfulRunAt = &lastRun.Time
		}
		result = append(result, wf)
	}
	return result, rows.Err()
}

func (s *LibSQLStore) DeleteWorkflow(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow", id)
}

// --- Runs ---

func (s *LibSQLStore) CreateRun(ctx context.Context, run *Run) error {
	stepLog, err := marshalSliceOrDefault(run.StepLog)
	if err != nil {
		return fmt.Errorf("marshal step log: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, workflow_id, organization_id, status, trigger_source, steps_completed, step_log, context, error, started_at, completed_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.WorkflowID, run.OrgID, string(run.Status), run.TriggerSource,
		run.StepsCompleted, string(stepLog), nullRaw(run.Context), nullStr(run.Error),
		timeOrNow(run.StartedAt), nullTime(run.CompletedAt), run.DurationMs,
	)
	return err
}

func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*Run, error) {
	run := &Run{}
	var status, stepLog string
	var runCtx, errMsg sql.NullString
	var completedAt sql.NullTime
	var durationMs sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, organization_id, status, trigger_source, steps_completed, step_log, context, error, started_at, completed_at, duration_ms
		 FROM runs WHERE id = ?`, id,
	).Scan(&run.ID, &run.WorkflowID, &run.OrgID, &status, &run.TriggerSource,
		&run.StepsCompleted, &stepLog, &runCtx, &errMsg, &run.StartedAt, &completedAt, &durationMs)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("run", id)
	}
	if err != nil {
		return nil, err
	}
	run.Status = schema.RunStatus(status)
	if err := json.Unmarshal([]byte(stepLog), &run.StepLog); err != nil {
		return nil, fmt.Errorf("unmarshal step log: %w", err)
	}
	run.Context = rawOrNil(runCtx)
	if errMsg.Valid {
		run.Error = errMsg.String
	}
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	if durationMs.Valid {
		run.DurationMs = durationMs.Int64
	}
	return run, nil
}

func (s *LibSQLStore) UpdateRun(ctx context.Context, id string, update RunUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.StepsCompleted != nil {
		sets = append(sets, "steps_completed = ?")
		args = append(args, *update.StepsCompleted)
	}
	if update.StepLog != nil {
		stepLog, err := json.Marshal(update.StepLog)
		if err != nil {
			return fmt.Errorf("marshal step log: %w", err)
		}
		sets = append(sets, "step_log = ?")
		args = append(args, string(stepLog))
	}
	if update.Context != nil {
		sets = append(sets, "context = ?")
		args = append(args, string(update.Context))
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, *update.Error)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if update.DurationMs != nil {
		sets = append(sets, "duration_ms = ?")
		args = append(args, *update.DurationMs)
	}
	if len(sets) == 0 {
		return nil
	}

	args = append(args, id)
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE runs SET %s WHERE id = ?`, strings.Join(sets, ", ")), args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "run", id)
}

func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	query := `SELECT id, workflow_id, organization_id, status, trigger_source, steps_completed, step_log, context, error, started_at, completed_at, duration_ms
	          FROM runs WHERE 1=1`
	var args []any
	if filter.WorkflowID != "" {
		query += " AND workflow_id = ?"
		args = append(args, filter.WorkflowID)
	}
	if filter.OrgID != "" {
		query += " AND organization_id = ?"
		args = append(args, filter.OrgID)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	query += " ORDER BY started_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Run
	for rows.Next() {
		run := &Run{}
		var status, stepLog string
		var runCtx, errMsg sql.NullString
		var completedAt sql.NullTime
		var durationMs sql.NullInt64
		if err := rows.Scan(&run.ID, &run.WorkflowID, &run.OrgID, &status, &run.TriggerSource,
			&run.StepsCompleted, &stepLog, &runCtx, &errMsg, &run.StartedAt, &completedAt, &durationMs); err != nil {
			return nil, err
		}
		run.Status = schema.RunStatus(status)
		if err := json.Unmarshal([]byte(stepLog), &run.StepLog); err != nil {
			return nil, fmt.Errorf("unmarshal step log: %w", err)
		}
		run.Context = rawOrNil(runCtx)
		if errMsg.Valid {
			run.Error = errMsg.String
		}
		if completedAt.Valid {
			run.CompletedAt = &completedAt.Time
		}
		if durationMs.Valid {
			run.DurationMs = durationMs.Int64
		}
		result = append(result, run)
	}
	return result, rows.Err()
}

// --- Schedules ---

func (s *LibSQLStore) CreateSchedule(ctx context.Context, sched *Schedule) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schedules (id, workflow_id, organization_id, cron_expression, timezone, active, last_run_at, next_run_at, last_run_status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sched.ID, sched.WorkflowID, sched.OrgID, sched.CronExpression, nullStr(sched.Timezone),
		boolInt(sched.Active), nullTime(sched.LastRunAt), nullTime(sched.NextRunAt),
		nullStr(sched.LastRunStatus), timeOrNow(sched.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetSchedule(ctx context.Context, id string) (*Schedule, error) {
	sched := &Schedule{}
	var tz, lastStatus sql.NullString
	var active int
	var lastRun, nextRun sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, organization_id, cron_expression, timezone, active, last_run_at, next_run_at, last_run_status, created_at
		 FROM schedules WHERE id = ?`, id,
	).Scan(&sched.ID, &sched.WorkflowID, &sched.OrgID, &sched.CronExpression, &tz, &active,
		&lastRun, &nextRun, &lastStatus, &sched.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("schedule", id)
	}
	if err != nil {
		return nil, err
	}
	sched.Timezone = tz.String
	sched.Active = active != 0
	sched.LastRunStatus = lastStatus.String
	if lastRun.Valid {
		sched.LastRunAt = &lastRun.Time
	}
	if nextRun.Valid {
		sched.NextRunAt = &nextRun.Time
	}
	return sched, nil
}

func (s *LibSQLStore) UpdateSchedule(ctx context.Context, id string, update ScheduleUpdate) error {
	var sets []string
	var args []any

	if update.CronExpression != nil {
		sets = append(sets, "cron_expression = ?")
		args = append(args, *update.CronExpression)
	}
	if update.Timezone != nil {
		sets = append(sets, "timezone = ?")
		args = append(args, *update.Timezone)
	}
	if update.Active != nil {
		sets = append(sets, "active = ?")
		args = append(args, boolInt(*update.Active))
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if update.LastRunStatus != "" {
		sets = append(sets, "last_run_status = ?")
		args = append(args, update.LastRunStatus)
	}
	if len(sets) == 0 {
		return nil
	}

	args = append(args, id)
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE schedules SET %s WHERE id = ?`, strings.Join(sets, ", ")), args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "schedule", id)
}

func (s *LibSQLStore) ListSchedules(ctx context.Context, filter ScheduleFilter) ([]*Schedule, error) {
	query := `SELECT id, workflow_id, organization_id, cron_expression, timezone, active, last_run_at, next_run_at, last_run_status, created_at
	          FROM schedules WHERE 1=1`
	var args []any
	if filter.OrgID != "" {
		query += " AND organization_id = ?"
		args = append(args, filter.OrgID)
	}
	if filter.Active != nil {
		query += " AND active = ?"
		args = append(args, boolInt(*filter.Active))
	}
	query += " ORDER BY created_at"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Schedule
	for rows.Next() {
		sched := &Schedule{}
		var tz, lastStatus sql.NullString
		var active int
		var lastRun, nextRun sql.NullTime
		if err := rows.Scan(&sched.ID, &sched.WorkflowID, &sched.OrgID, &sched.CronExpression, &tz, &active,
			&lastRun, &nextRun, &lastStatus, &sched.CreatedAt); err != nil {
			return nil, err
		}
		sched.Timezone = tz.String
		sched.Active = active != 0
		sched.LastRunStatus = lastStatus.String
		if lastRun.Valid {
			sched.LastRunAt = &lastRun.Time
		}
		if nextRun.Valid {
			sched.NextRunAt = &nextRun.Time
		}
		result = append(result, sched)
	}
	return result, rows.Err()
}

func (s *LibSQLStore) DeleteSchedule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "schedule", id)
}

// --- Integrations ---

func (s *LibSQLStore) CreateIntegration(ctx context.Context, integ *Integration) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO integrations (id, organization_id, type, credentials, created_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(organization_id, type) DO UPDATE SET credentials = excluded.credentials`,
		integ.ID, integ.OrgID, integ.Type, integ.Credentials, timeOrNow(integ.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetIntegration(ctx context.Context, orgID, integType string) (*Integration, error) {
	integ := &Integration{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, organization_id, type, credentials, created_at FROM integrations
		 WHERE organization_id = ? AND type = ?`, orgID, integType,
	).Scan(&integ.ID, &integ.OrgID, &integ.Type, &integ.Credentials, &integ.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("integration", integType)
	}
	if err != nil {
		return nil, err
	}
	return integ, nil
}

// --- Audit log ---

func (s *LibSQLStore) AppendAudit(ctx context.Context, entry *AuditEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (id, organization_id, entity_type, entity_id, field, old_value, new_value, actor, run_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.OrgID, entry.EntityType, entry.EntityID, nullStr(entry.Field),
		nullStr(entry.OldValue), nullStr(entry.NewValue), nullStr(entry.Actor),
		nullStr(entry.RunID), timeOrNow(entry.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) ListAudit(ctx context.Context, filter AuditFilter) ([]*AuditEntry, error) {
	query := `SELECT id, organization_id, entity_type, entity_id, field, old_value, new_value, actor, run_id, created_at
	          FROM audit_log WHERE 1=1`
	var args []any
	if filter.OrgID != "" {
		query += " AND organization_id = ?"
		args = append(args, filter.OrgID)
	}
	if filter.EntityType != "" {
		query += " AND entity_type = ?"
		args = append(args, filter.EntityType)
	}
	if filter.EntityID != "" {
		query += " AND entity_id = ?"
		args = append(args, filter.EntityID)
	}
	if filter.RunID != "" {
		query += " AND run_id = ?"
		args = append(args, filter.RunID)
	}
	query += " ORDER BY created_at"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*AuditEntry
	for rows.Next() {
		e := &AuditEntry{}
		var field, oldVal, newVal, actor, runID sql.NullString
		if err := rows.Scan(&e.ID, &e.OrgID, &e.EntityType, &e.EntityID, &field,
			&oldVal, &newVal, &actor, &runID, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Field = field.String
		e.OldValue = oldVal.String
		e.NewValue = newVal.String
		e.Actor = actor.String
		e.RunID = runID.String
		result = append(result, e)
	}
	return result, rows.Err()
}

// --- Key results ---

func (s *LibSQLStore) CreateKeyResult(ctx context.Context, kr *KeyResult) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO key_results (id, organization_id, name, current_value, target_value, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		kr.ID, kr.OrgID, kr.Name, kr.CurrentValue, kr.TargetValue, timeOrNow(kr.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetKeyResult(ctx context.Context, orgID, id string) (*KeyResult, error) {
	kr := &KeyResult{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, organization_id, name, current_value, target_value, updated_at
		 FROM key_results WHERE id = ? AND organization_id = ?`, id, orgID,
	).Scan(&kr.ID, &kr.OrgID, &kr.Name, &kr.CurrentValue, &kr.TargetValue, &kr.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("key result", id)
	}
	if err != nil {
		return nil, err
	}
	return kr, nil
}

func (s *LibSQLStore) SetKeyResultValue(ctx context.Context, orgID, id, value string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE key_results SET current_value = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND organization_id = ?`, value, id, orgID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "key result", id)
}

// --- Registered data tables ---

func (s *LibSQLStore) RegisterDataTable(ctx context.Context, orgID, name string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO data_tables (name, organization_id) VALUES (?, ?)
		 ON CONFLICT(name, organization_id) DO NOTHING`, name, orgID,
	)
	return err
}

func (s *LibSQLStore) IsDataTableRegistered(ctx context.Context, orgID, name string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM data_tables WHERE name = ? AND organization_id = ?`, name, orgID,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *LibSQLStore) InsertDataRow(ctx context.Context, row *DataRow) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO data_rows (id, table_name, organization_id, doc, created_at) VALUES (?, ?, ?, ?, ?)`,
		row.ID, row.Table, row.OrgID, string(row.Doc), timeOrNow(row.CreatedAt),
	)
	return err
}

// SelectDataRows returns the documents of a registered table matching the
// prebuilt predicate. The organization scope is applied here unconditionally;
// whereSQL can only narrow the result further.
func (s *LibSQLStore) SelectDataRows(ctx context.Context, table, orgID, whereSQL string, args []any, limit int) ([]json.RawMessage, error) {
	query := `SELECT doc FROM data_rows WHERE table_name = ? AND organization_id = ?`
	queryArgs := []any{table, orgID}
	if whereSQL != "" {
		query += " AND (" + whereSQL + ")"
		queryArgs = append(queryArgs, args...)
	}
	query += " ORDER BY created_at"
	if limit > 0 {
		query += " LIMIT ?"
		queryArgs = append(queryArgs, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, queryArgs...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []json.RawMessage
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		docs = append(docs, json.RawMessage(doc))
	}
	return docs, rows.Err()
}

// --- Read-only query ---

// ReadQuery executes a caller-supplied read statement and returns generic
// row maps. Anything that is not a single SELECT is rejected before reaching
// the database.
func (s *LibSQLStore) ReadQuery(ctx context.Context, query string) ([]map[string]any, error) {
	if err := CheckReadOnly(query); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var result []map[string]any
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		result = append(result, row)
	}
	return result, rows.Err()
}

// CheckReadOnly rejects any statement that is not a single SELECT.
// This is the hard safety boundary for database_query steps.
func CheckReadOnly(query string) error {
	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return schema.NewError(schema.ErrCodeValidation, "empty query")
	}

	// A trailing semicolon is tolerated; an interior one means multiple statements.
	trimmed = strings.TrimSuffix(trimmed, ";")
	if strings.ContainsRune(trimmed, ';') {
		return schema.NewError(schema.ErrCodeSafety, "multiple statements are not allowed")
	}

	fields := strings.Fields(strings.ToLower(trimmed))
	if fields[0] != "select" && fields[0] != "with" {
		return schema.NewErrorf(schema.ErrCodeSafety,
			"only read queries are allowed, got %q statement", fields[0])
	}

	// WITH can front a write in SQLite, and write verbs never belong in a
	// read query. A false positive here is acceptable; a false negative is not.
	for _, f := range fields {
		switch strings.Trim(f, "();,") {
		case "insert", "update", "delete", "drop", "alter", "create", "replace", "attach", "pragma", "vacuum":
			return schema.NewErrorf(schema.ErrCodeSafety,
				"write keyword %q is not allowed in a read query", strings.Trim(f, "();,"))
		}
	}
	return nil
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.EngineError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func marshalSliceOrDefault(entries []schema.StepLogEntry) (json.RawMessage, error) {
	if len(entries) == 0 {
		return json.RawMessage("[]"), nil
	}
	return json.Marshal(entries)
}
