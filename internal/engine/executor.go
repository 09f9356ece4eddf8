package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/inqbatorchris/aimee-sub010/internal/expressions"
	"github.com/inqbatorchris/aimee-sub010/internal/integrations"
	"github.com/inqbatorchris/aimee-sub010/internal/logging"
	"github.com/inqbatorchris/aimee-sub010/internal/query"
	"github.com/inqbatorchris/aimee-sub010/internal/secrets"
	"github.com/inqbatorchris/aimee-sub010/internal/store"
	"github.com/inqbatorchris/aimee-sub010/pkg/schema"
)

// Notifier delivers notification-step messages to a channel.
type Notifier interface {
	Notify(ctx context.Context, channel, recipient, message string) error
}

// LogNotifier is the default channel: it records the notification in the
// structured log and delivers nowhere.
type LogNotifier struct{}

func (LogNotifier) Notify(ctx context.Context, channel, recipient, message string) error {
	slog.InfoContext(ctx, "notification",
		"channel", channel, "recipient", recipient, "message", message)
	return nil
}

// Invocation carries the trigger that starts a run.
type Invocation struct {
	TriggerSource string
	OrgID         string
	Actor         string
	Payload       map[string]any
}

// Executor orchestrates workflow runs: it persists run state, threads the
// run context through the steps, and owns all step handlers.
type Executor struct {
	store      store.Store
	dispatcher *integrations.Dispatcher
	cipher     *secrets.CredentialCipher
	query      *query.Builder
	engines    map[string]expressions.Engine
	notifier   Notifier
	httpClient *http.Client
	now        func() time.Time
}

// Config wires an Executor's collaborators. Store, Dispatcher, and Cipher are
// required; the rest default sensibly.
type Config struct {
	Store      store.Store
	Dispatcher *integrations.Dispatcher
	Cipher     *secrets.CredentialCipher
	Engines    map[string]expressions.Engine
	Notifier   Notifier
	HTTPClient *http.Client
	Now        func() time.Time
}

// New creates an Executor.
func New(cfg Config) (*Executor, error) {
	if cfg.Store == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "executor requires a store")
	}
	if cfg.Dispatcher == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "executor requires a dispatcher")
	}
	if cfg.Cipher == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "executor requires a credential cipher")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Notifier == nil {
		cfg.Notifier = LogNotifier{}
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.Engines == nil {
		cfg.Engines = expressions.Engines()
	}
	return &Executor{
		store:      cfg.Store,
		dispatcher: cfg.Dispatcher,
		cipher:     cfg.Cipher,
		query:      query.NewBuilder(cfg.Store, cfg.Now),
		engines:    cfg.Engines,
		notifier:   cfg.Notifier,
		httpClient: cfg.HTTPClient,
		now:        cfg.Now,
	}, nil
}

// ExecuteWorkflow runs every step of a workflow in order and returns the run
// id. The Run record is persisted with status running before the first step
// executes, so partial failures are observable externally. Step progress is
// written synchronously after every step, in this goroutine, so a stale
// progress write can never land after the terminal write. A step failure
// aborts the remaining steps, marks the run failed, and is returned to the
// caller.
func (e *Executor) ExecuteWorkflow(ctx context.Context, wf *store.Workflow, inv Invocation) (string, error) {
	runID := uuid.NewString()
	startedAt := e.now().UTC()

	ctx = logging.WithRunID(ctx, runID)
	ctx = logging.WithWorkflowID(ctx, wf.ID)
	ctx = logging.WithOrgID(ctx, inv.OrgID)

	run := &store.Run{
		ID:            runID,
		WorkflowID:    wf.ID,
		OrgID:         inv.OrgID,
		Status:        schema.RunStatusRunning,
		TriggerSource: inv.TriggerSource,
		StartedAt:     startedAt,
	}
	if err := e.store.CreateRun(ctx, run); err != nil {
		return "", schema.NewErrorf(schema.ErrCodeStore,
			"create run: %s", err.Error()).WithCause(err)
	}

	rc := e.seedContext(wf, inv, runID)
	slog.InfoContext(ctx, "workflow run started",
		"workflow", wf.Name, "trigger", inv.TriggerSource, "steps", len(wf.Steps))

	stepLog := make([]schema.StepLogEntry, 0, len(wf.Steps))
	for i, step := range wf.Steps {
		stepStart := e.now().UTC()
		result := e.ExecuteWithRetry(ctx, step, i, rc, wf.Retry)
		stepEnd := e.now().UTC()

		entry := schema.StepLogEntry{
			Index:      i,
			Type:       string(step.Type),
			Name:       step.Name,
			StartedAt:  stepStart.Format(time.RFC3339Nano),
			EndedAt:    stepEnd.Format(time.RFC3339Nano),
			DurationMs: stepEnd.Sub(stepStart).Milliseconds(),
			Success:    result.Success,
		}
		if result.Success {
			entry.Output = result.Output
			rc.MergeStepOutput(i, result.Output)
		} else {
			entry.Error = result.Error
		}
		stepLog = append(stepLog, entry)

		if !result.Success {
			e.persistFailure(ctx, runID, stepLog, rc, result, startedAt)
			return runID, schema.NewErrorf(schema.ErrCodeStepFailed,
				"step %d (%s) failed: %s", i, step.Name, result.Error).WithStep(step.Name)
		}

		e.persistProgress(ctx, runID, stepLog, rc)
	}

	e.persistCompletion(ctx, wf, runID, stepLog, rc, startedAt)
	e.postCompletionHook(ctx, wf, runID, rc)

	slog.InfoContext(ctx, "workflow run completed",
		"workflow", wf.Name, "steps_completed", len(stepLog))
	return runID, nil
}

// seedContext builds the initial run context from the invocation.
func (e *Executor) seedContext(wf *store.Workflow, inv Invocation, runID string) *RunContext {
	seed := map[string]any{
		"trigger_source":  inv.TriggerSource,
		"organization_id": inv.OrgID,
		"workflow_id":     wf.ID,
		"run_id":          runID,
	}
	if inv.Actor != "" {
		seed["actor"] = inv.Actor
	}
	if wf.LastSuccessfulRunAt != nil {
		seed["last_successful_run_at"] = wf.LastSuccessfulRunAt.UTC().Format(time.RFC3339)
	}
	rc := NewRunContext(seed)
	if len(inv.Payload) > 0 {
		rc.Set("trigger", inv.Payload)
		for k, v := range inv.Payload {
			if _, taken := rc.Get(k); !taken {
				rc.Set(k, v)
			}
		}
	}
	return rc
}

func (e *Executor) persistProgress(ctx context.Context, runID string, stepLog []schema.StepLogEntry, rc *RunContext) {
	completed := len(stepLog)
	if err := e.store.UpdateRun(ctx, runID, store.RunUpdate{
		StepsCompleted: &completed,
		StepLog:        stepLog,
		Context:        marshalContext(rc),
	}); err != nil {
		slog.WarnContext(ctx, "run progress write failed", "error", err)
	}
}

func (e *Executor) persistFailure(ctx context.Context, runID string, stepLog []schema.StepLogEntry, rc *RunContext, result *StepResult, startedAt time.Time) {
	completed := len(stepLog)
	status := schema.RunStatusFailed
	errMsg := result.Error
	if result.Trace != "" {
		errMsg = result.Error + "\n" + result.Trace
	}
	completedAt := e.now().UTC()
	durationMs := completedAt.Sub(startedAt).Milliseconds()
	if err := e.store.UpdateRun(ctx, runID, store.RunUpdate{
		Status:         &status,
		StepsCompleted: &completed,
		StepLog:        stepLog,
		Context:        marshalContext(rc),
		Error:          &errMsg,
		CompletedAt:    &completedAt,
		DurationMs:     &durationMs,
	}); err != nil {
		slog.ErrorContext(ctx, "run failure write failed", "error", err)
	}
}

func (e *Executor) persistCompletion(ctx context.Context, wf *store.Workflow, runID string, stepLog []schema.StepLogEntry, rc *RunContext, startedAt time.Time) {
	completed := len(stepLog)
	status := schema.RunStatusCompleted
	completedAt := e.now().UTC()
	durationMs := completedAt.Sub(startedAt).Milliseconds()
	if err := e.store.UpdateRun(ctx, runID, store.RunUpdate{
		Status:         &status,
		StepsCompleted: &completed,
		StepLog:        stepLog,
		Context:        marshalContext(rc),
		CompletedAt:    &completedAt,
		DurationMs:     &durationMs,
	}); err != nil {
		slog.ErrorContext(ctx, "run completion write failed", "error", err)
	}

	// Advance the incremental-fetch boundary only on full success.
	if err := e.store.UpdateWorkflow(ctx, wf.ID, store.WorkflowUpdate{
		LastSuccessfulRunAt: &completedAt,
	}); err != nil {
		slog.WarnContext(ctx, "last successful run update failed", "error", err)
	}
}

// postCompletionHook records a best-effort activity note referencing the run.
// Its failure never fails the run.
func (e *Executor) postCompletionHook(ctx context.Context, wf *store.Workflow, runID string, rc *RunContext) {
	entry := &store.AuditEntry{
		ID:         uuid.NewString(),
		OrgID:      contextString(rc, "organization_id"),
		EntityType: "workflow",
		EntityID:   wf.ID,
		Field:      "run_completed",
		NewValue:   runID,
		Actor:      contextString(rc, "actor"),
		RunID:      runID,
		CreatedAt:  e.now().UTC(),
	}
	if err := e.store.AppendAudit(ctx, entry); err != nil {
		slog.WarnContext(ctx, "post-completion audit failed", "error", err)
	}
}

func marshalContext(rc *RunContext) json.RawMessage {
	raw, err := json.Marshal(rc.Snapshot())
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return raw
}
