package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/apd/v3"
	"github.com/google/uuid"

	"github.com/inqbatorchris/aimee-sub010/internal/expressions"
	"github.com/inqbatorchris/aimee-sub010/internal/integrations"
	"github.com/inqbatorchris/aimee-sub010/internal/query"
	"github.com/inqbatorchris/aimee-sub010/internal/store"
	"github.com/inqbatorchris/aimee-sub010/pkg/schema"
)

// maxResponseBytes bounds how much of an api_call response body is read.
const maxResponseBytes = 1 << 20

var decCtx = apd.BaseContext.WithPrecision(34)

// ExecuteStep dispatches one step to its type handler and normalizes the
// outcome. A handler failure, a malformed config, or even a panic all come
// back as a failed StepResult; nothing escapes to the caller as a raw error.
func (e *Executor) ExecuteStep(ctx context.Context, step schema.Step, index int, rc *RunContext) (result *StepResult) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "step handler panicked", "step", step.Name, "type", step.Type)
			result = recoverResult(r)
		}
	}()

	switch step.Type {
	case schema.StepTypeLogEvent:
		return e.stepLogEvent(ctx, step, rc)
	case schema.StepTypeNotification:
		return e.stepNotification(ctx, step, rc)
	case schema.StepTypeAPICall:
		return e.stepAPICall(ctx, step, rc)
	case schema.StepTypeDataTransformation:
		return e.stepDataTransformation(ctx, step, rc)
	case schema.StepTypeCondition:
		return e.stepCondition(ctx, step, index, rc)
	case schema.StepTypeIntegrationAction:
		return e.stepIntegrationAction(ctx, step, rc)
	case schema.StepTypeDatabaseQuery:
		return e.stepDatabaseQuery(ctx, step, rc)
	case schema.StepTypeStrategyUpdate:
		return e.stepStrategyUpdate(ctx, step, rc)
	case schema.StepTypeDataSourceQuery:
		return e.stepDataSourceQuery(ctx, step, rc)
	case schema.StepTypeWait:
		return e.stepWait(ctx, step)
	default:
		return FailureResult(schema.NewErrorf(schema.ErrCodeValidation,
			"unknown step type %q", step.Type).WithStep(step.Name))
	}
}

// decodeConfig unmarshals a step's config block into dst.
func decodeConfig(step schema.Step, dst any) error {
	if len(step.Config) == 0 {
		return schema.NewError(schema.ErrCodeValidation, "step config is missing").WithStep(step.Name)
	}
	if err := json.Unmarshal(step.Config, dst); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"invalid step config: %s", err.Error()).WithStep(step.Name).WithCause(err)
	}
	return nil
}

// contextString reads a string value out of the run context, "" when absent.
func contextString(rc *RunContext, key string) string {
	v, ok := rc.Get(key)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

func (e *Executor) stepLogEvent(ctx context.Context, step schema.Step, rc *RunContext) *StepResult {
	out := map[string]any{
		"event":           step.Name,
		"trigger_source":  contextString(rc, "trigger_source"),
		"organization_id": contextString(rc, "organization_id"),
		"workflow_id":     contextString(rc, "workflow_id"),
		"run_id":          contextString(rc, "run_id"),
		"logged_at":       e.now().UTC().Format(time.RFC3339),
	}
	slog.InfoContext(ctx, "workflow event",
		"event", step.Name,
		"trigger_source", out["trigger_source"])
	return SuccessResult(out)
}

func (e *Executor) stepNotification(ctx context.Context, step schema.Step, rc *RunContext) *StepResult {
	var cfg schema.NotificationConfig
	if err := decodeConfig(step, &cfg); err != nil {
		return FailureResult(err)
	}
	if cfg.Message == "" {
		return FailureResult(schema.NewError(schema.ErrCodeValidation,
			"notification requires a message").WithStep(step.Name))
	}

	message := expressions.ResolveTemplate(cfg.Message, rc.Snapshot(), e.now())
	if err := e.notifier.Notify(ctx, cfg.Channel, cfg.Recipient, message); err != nil {
		return FailureResult(schema.NewErrorf(schema.ErrCodeExecution,
			"notification dispatch: %s", err.Error()).WithStep(step.Name).WithCause(err))
	}
	return SuccessResult(map[string]any{"sent": true, "message": message})
}

func (e *Executor) stepAPICall(ctx context.Context, step schema.Step, rc *RunContext) *StepResult {
	var cfg schema.APICallConfig
	if err := decodeConfig(step, &cfg); err != nil {
		return FailureResult(err)
	}
	if cfg.URL == "" {
		return FailureResult(schema.NewError(schema.ErrCodeValidation,
			"api_call requires a url").WithStep(step.Name))
	}
	method := strings.ToUpper(cfg.Method)
	if method == "" {
		method = http.MethodGet
	}

	snap := rc.Snapshot()
	url := expressions.ResolveTemplate(cfg.URL, snap, e.now())
	body := expressions.ResolveTemplate(cfg.Body, snap, e.now())

	// Step-level timeout; the engine imposes no uniform budget.
	if cfg.Timeout != "" {
		if d, err := time.ParseDuration(cfg.Timeout); err == nil && d > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d)
			defer cancel()
		}
	}

	var reader io.Reader
	if body != "" {
		reader = bytes.NewBufferString(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return FailureResult(schema.NewErrorf(schema.ErrCodeValidation,
			"api_call request: %s", err.Error()).WithStep(step.Name).WithCause(err))
	}
	for k, v := range cfg.Headers {
		req.Header.Set(k, expressions.ResolveTemplate(v, snap, e.now()))
	}
	if body != "" && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return FailureResult(schema.NewErrorf(schema.ErrCodeExecution,
			"api_call: %s", err.Error()).WithStep(step.Name).WithCause(err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return FailureResult(schema.NewErrorf(schema.ErrCodeExecution,
			"api_call read body: %s", err.Error()).WithStep(step.Name).WithCause(err))
	}

	var parsed any
	if err := json.Unmarshal(raw, &parsed); err != nil {
		parsed = string(raw)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return FailureResult(schema.NewErrorf(schema.ErrCodeExecution,
			"api_call returned status %d: %v", resp.StatusCode, parsed).WithStep(step.Name))
	}
	return SuccessResult(map[string]any{
		"status": resp.StatusCode,
		"body":   parsed,
	})
}

func (e *Executor) stepDataTransformation(ctx context.Context, step schema.Step, rc *RunContext) *StepResult {
	var cfg schema.TransformConfig
	if err := decodeConfig(step, &cfg); err != nil {
		return FailureResult(err)
	}
	snap := rc.Snapshot()

	if cfg.Formula != "" {
		value, err := expressions.EvaluateFormula(cfg.Formula, snap)
		if err != nil {
			return FailureResult(err)
		}
		key := cfg.ResultKey
		if key == "" {
			key = "result"
		}
		rc.Set(key, value)
		return SuccessResult(map[string]any{key: value})
	}

	if len(cfg.Mappings) == 0 {
		return FailureResult(schema.NewError(schema.ErrCodeValidation,
			"data_transformation requires a formula or mappings").WithStep(step.Name))
	}

	// Legacy mode: each mapping is a jq path/expression over the run context.
	jq, ok := e.engines["jq"]
	if !ok {
		return FailureResult(schema.NewError(schema.ErrCodeExecution,
			"jq engine unavailable").WithStep(step.Name))
	}
	out := make(map[string]any, len(cfg.Mappings))
	for key, expr := range cfg.Mappings {
		v, err := jq.Evaluate(ctx, expr, snap)
		if err != nil {
			return FailureResult(schema.NewErrorf(schema.ErrCodeExecution,
				"mapping %q: %s", key, err.Error()).WithStep(step.Name).WithCause(err))
		}
		out[key] = v
		rc.Set(key, v)
	}
	return SuccessResult(out)
}

func (e *Executor) stepCondition(ctx context.Context, step schema.Step, index int, rc *RunContext) *StepResult {
	var cfg schema.ConditionConfig
	if err := decodeConfig(step, &cfg); err != nil {
		return FailureResult(err)
	}
	snap := rc.Snapshot()

	var matched bool
	switch {
	case cfg.Expression != "":
		name := cfg.Engine
		if name == "" {
			name = "cel"
		}
		eng, ok := e.engines[name]
		if !ok {
			return FailureResult(schema.NewErrorf(schema.ErrCodeValidation,
				"unknown expression engine %q", name).WithStep(step.Name))
		}
		v, err := eng.Evaluate(ctx, cfg.Expression, snap)
		if err != nil {
			return FailureResult(schema.NewErrorf(schema.ErrCodeExecution,
				"condition expression: %s", err.Error()).WithStep(step.Name).WithCause(err))
		}
		matched = expressions.Truthy(v)
	case cfg.Field != "" || cfg.Operator != "":
		var err error
		matched, err = expressions.EvaluateCondition(cfg.Field, cfg.Operator, cfg.Value, snap)
		if err != nil {
			return FailureResult(err)
		}
	default:
		return FailureResult(schema.NewError(schema.ErrCodeValidation,
			"condition requires a predicate or an expression").WithStep(step.Name))
	}

	branch := cfg.Then
	branchName := "then"
	if !matched {
		branch = cfg.Else
		branchName = "else"
	}

	branchOut := make(map[string]any, len(branch))
	for i, sub := range branch {
		res := e.ExecuteStep(ctx, sub, index, rc)
		if !res.Success {
			return FailureResult(schema.NewErrorf(schema.ErrCodeStepFailed,
				"%s branch step %q failed: %s", branchName, sub.Name, res.Error).
				WithStep(step.Name).WithCause(res.Err()))
		}
		key := sub.Name
		if key == "" {
			key = fmt.Sprintf("branch_%d", i)
		}
		branchOut[key] = res.Output
	}

	return SuccessResult(map[string]any{
		"matched": matched,
		"branch":  branchName,
		"steps":   branchOut,
	})
}

func (e *Executor) stepIntegrationAction(ctx context.Context, step schema.Step, rc *RunContext) *StepResult {
	var cfg schema.IntegrationActionConfig
	if err := decodeConfig(step, &cfg); err != nil {
		return FailureResult(err)
	}
	orgID := contextString(rc, "organization_id")
	if orgID == "" {
		return FailureResult(schema.NewError(schema.ErrCodeTenantScope,
			"integration_action requires an organization scope").WithStep(step.Name))
	}

	integ, err := e.store.GetIntegration(ctx, orgID, cfg.IntegrationType)
	if err != nil {
		return FailureResult(schema.NewErrorf(schema.ErrCodeNotFound,
			"integration %q: %s", cfg.IntegrationType, err.Error()).WithStep(step.Name).WithCause(err))
	}

	plaintext, err := e.cipher.Decrypt(integ.Credentials)
	if err != nil {
		return FailureResult(err)
	}
	var creds integrations.Credentials
	if err := json.Unmarshal(plaintext, &creds); err != nil {
		return FailureResult(schema.NewErrorf(schema.ErrCodeVault,
			"credential decryption failed: malformed credential document").WithStep(step.Name))
	}

	snap := rc.Snapshot()
	params := make(map[string]any, len(cfg.Params)+1)
	for k, v := range cfg.Params {
		if s, ok := v.(string); ok {
			params[k] = expressions.ResolveTemplate(s, snap, e.now())
			continue
		}
		params[k] = v
	}
	// Incremental actions read the workflow's last successful run as their
	// "since" boundary unless the step supplies its own.
	if _, ok := params["since"]; !ok {
		if since := contextString(rc, "last_successful_run_at"); since != "" {
			params["since"] = since
		}
	}

	result, err := e.dispatcher.Dispatch(ctx, cfg.IntegrationType, cfg.Action, params, creds, snap)
	if err != nil {
		return FailureResult(err)
	}
	if cfg.ResultKey != "" {
		rc.Set(cfg.ResultKey, result)
	}
	return SuccessResult(result)
}

func (e *Executor) stepDatabaseQuery(ctx context.Context, step schema.Step, rc *RunContext) *StepResult {
	var cfg schema.DatabaseQueryConfig
	if err := decodeConfig(step, &cfg); err != nil {
		return FailureResult(err)
	}

	// Hard safety boundary: reject anything that is not a single read
	// statement before touching the database.
	if err := store.CheckReadOnly(cfg.Query); err != nil {
		return FailureResult(err)
	}

	rows, err := e.store.ReadQuery(ctx, cfg.Query)
	if err != nil {
		return FailureResult(schema.NewErrorf(schema.ErrCodeStore,
			"database_query: %s", err.Error()).WithStep(step.Name).WithCause(err))
	}

	out := map[string]any{"rows": rows, "row_count": len(rows)}
	if cfg.ResultKey != "" {
		rc.Set(cfg.ResultKey, rows)
	}
	return SuccessResult(out)
}

func (e *Executor) stepStrategyUpdate(ctx context.Context, step schema.Step, rc *RunContext) *StepResult {
	var cfg schema.StrategyUpdateConfig
	if err := decodeConfig(step, &cfg); err != nil {
		return FailureResult(err)
	}
	out, err := e.applyStrategyUpdate(ctx, step.Name, cfg, rc, nil)
	if err != nil {
		return FailureResult(err)
	}
	return SuccessResult(out)
}

// applyStrategyUpdate mutates a key result's current value and appends an
// audit record. override, when non-nil, replaces the configured value; it is
// how data_source_query feeds its aggregation result into the update.
func (e *Executor) applyStrategyUpdate(ctx context.Context, stepName string, cfg schema.StrategyUpdateConfig, rc *RunContext, override *string) (map[string]any, error) {
	orgID := contextString(rc, "organization_id")
	if orgID == "" {
		return nil, schema.NewError(schema.ErrCodeTenantScope,
			"strategy_update requires an organization scope").WithStep(stepName)
	}
	snap := rc.Snapshot()

	targetID := cfg.TargetID
	if strings.Contains(targetID, "{") {
		targetID = expressions.ResolvePlaceholders(targetID, snap)
	}
	if targetID == "" || strings.Contains(targetID, "{") {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"strategy_update target %q did not resolve to an id", cfg.TargetID).WithStep(stepName)
	}

	kr, err := e.store.GetKeyResult(ctx, orgID, targetID)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound,
			"key result %q: %s", targetID, err.Error()).WithStep(stepName).WithCause(err)
	}

	var valueStr string
	if override != nil {
		valueStr = *override
	} else {
		valueStr = expressions.Stringify(cfg.Value)
		if strings.Contains(valueStr, "{") {
			valueStr = expressions.ResolvePlaceholders(valueStr, snap)
		}
	}
	operand, _, err := apd.NewFromString(strings.TrimSpace(valueStr))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"strategy_update value %q is not numeric", valueStr).WithStep(stepName)
	}

	current, _, err := apd.NewFromString(zeroIfEmpty(kr.CurrentValue))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeFieldType,
			"key result %q has non-numeric current value %q", targetID, kr.CurrentValue).WithStep(stepName)
	}

	next := new(apd.Decimal)
	switch cfg.Operation {
	case schema.StrategySetValue:
		next.Set(operand)
	case schema.StrategyIncrement:
		if _, err := decCtx.Add(next, current, operand); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeExecution,
				"strategy_update increment: %s", err.Error()).WithStep(stepName)
		}
	case schema.StrategyPercentOfTarget:
		target, _, err := apd.NewFromString(zeroIfEmpty(kr.TargetValue))
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeFieldType,
				"key result %q has non-numeric target value %q", targetID, kr.TargetValue).WithStep(stepName)
		}
		hundred := apd.New(100, 0)
		if _, err := decCtx.Mul(next, target, operand); err == nil {
			_, err = decCtx.Quo(next, next, hundred)
		}
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeExecution,
				"strategy_update percent_of_target: %s", err.Error()).WithStep(stepName)
		}
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"unknown strategy_update operation %q", cfg.Operation).WithStep(stepName)
	}

	newValue := next.Text('f')
	if err := e.store.SetKeyResultValue(ctx, orgID, targetID, newValue); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore,
			"strategy_update persist: %s", err.Error()).WithStep(stepName).WithCause(err)
	}

	// Audit is always appended, best-effort: a failed audit write never
	// rolls back or fails the mutation.
	entry := &store.AuditEntry{
		ID:         uuid.NewString(),
		OrgID:      orgID,
		EntityType: "key_result",
		EntityID:   targetID,
		Field:      "current_value",
		OldValue:   kr.CurrentValue,
		NewValue:   newValue,
		Actor:      contextString(rc, "actor"),
		RunID:      contextString(rc, "run_id"),
		CreatedAt:  e.now().UTC(),
	}
	if err := e.store.AppendAudit(ctx, entry); err != nil {
		slog.WarnContext(ctx, "audit append failed", "entity_id", targetID, "error", err)
	}

	return map[string]any{
		"target_id": targetID,
		"operation": cfg.Operation,
		"old_value": kr.CurrentValue,
		"new_value": newValue,
	}, nil
}

func zeroIfEmpty(s string) string {
	if strings.TrimSpace(s) == "" {
		return "0"
	}
	return s
}

func (e *Executor) stepDataSourceQuery(ctx context.Context, step schema.Step, rc *RunContext) *StepResult {
	var cfg schema.DataSourceQueryConfig
	if err := decodeConfig(step, &cfg); err != nil {
		return FailureResult(err)
	}
	orgID := contextString(rc, "organization_id")

	result, err := e.query.Execute(ctx, query.Spec{
		Table:            cfg.Table,
		OrgID:            orgID,
		Filters:          cfg.Filters,
		Aggregation:      cfg.Aggregation,
		AggregationField: cfg.AggregationField,
		Limit:            cfg.Limit,
	}, rc.Snapshot())
	if err != nil {
		return FailureResult(err)
	}

	out := map[string]any{"aggregation": result.Aggregation}
	switch result.Aggregation {
	case schema.AggCount:
		out["count"] = result.Count
	case schema.AggSum, schema.AggAvg:
		out["value"] = result.Decimal
	default:
		out["value"] = result.Value
	}
	if cfg.ResultKey != "" {
		rc.Set(cfg.ResultKey, out)
	}

	if cfg.Update != nil {
		numeric, ok := result.Numeric()
		if !ok {
			return FailureResult(schema.NewErrorf(schema.ErrCodeFieldType,
				"aggregation %q result is not numeric, cannot feed strategy update",
				result.Aggregation).WithStep(step.Name))
		}
		updateOut, err := e.applyStrategyUpdate(ctx, step.Name, *cfg.Update, rc, &numeric)
		if err != nil {
			return FailureResult(err)
		}
		out["update"] = updateOut
	}
	return SuccessResult(out)
}

func (e *Executor) stepWait(ctx context.Context, step schema.Step) *StepResult {
	var cfg schema.WaitConfig
	if err := decodeConfig(step, &cfg); err != nil {
		return FailureResult(err)
	}
	if cfg.Seconds <= 0 {
		return FailureResult(schema.NewError(schema.ErrCodeValidation,
			"wait requires a positive duration").WithStep(step.Name))
	}
	d := time.Duration(cfg.Seconds * float64(time.Second))
	if err := waitRetryDelay(ctx, d); err != nil {
		return FailureResult(schema.NewErrorf(schema.ErrCodeTimeout,
			"wait interrupted: %s", err.Error()).WithStep(step.Name))
	}
	return SuccessResult(map[string]any{"waited_seconds": cfg.Seconds})
}
