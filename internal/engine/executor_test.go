package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inqbatorchris/aimee-sub010/internal/integrations"
	"github.com/inqbatorchris/aimee-sub010/internal/secrets"
	"github.com/inqbatorchris/aimee-sub010/internal/store"
	"github.com/inqbatorchris/aimee-sub010/pkg/schema"
)

func testCipher(t *testing.T) *secrets.CredentialCipher {
	t.Helper()
	c, err := secrets.NewCredentialCipher(secrets.Config{
		SharedSecret: "test-secret",
		Salt:         []byte("salt"),
		Iterations:   1000,
	})
	require.NoError(t, err)
	return c
}

func testExecutor(t *testing.T, st store.Store, opts ...func(*Config)) *Executor {
	t.Helper()
	cfg := Config{
		Store:      st,
		Dispatcher: integrations.NewDispatcher(),
		Cipher:     testCipher(t),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	e, err := New(cfg)
	require.NoError(t, err)
	return e
}

func rawConfig(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func manualInvocation() Invocation {
	return Invocation{
		TriggerSource: schema.TriggerManual,
		OrgID:         "org-a",
		Actor:         "tester",
	}
}

// --- Full run lifecycle ---

func TestExecuteWorkflow_SuccessLifecycle(t *testing.T) {
	st := newMockStore()
	wf := &store.Workflow{
		ID: "wf-1", OrgID: "org-a", Name: "report", Enabled: true,
		Steps: []schema.Step{
			{Name: "start", Type: schema.StepTypeLogEvent, Config: json.RawMessage(`{}`)},
			{Name: "compute", Type: schema.StepTypeDataTransformation,
				Config: json.RawMessage(`{"formula":"2+2","result_key":"total"}`)},
		},
		Retry: schema.RetryPolicy{MaxRetries: 1},
	}
	require.NoError(t, st.CreateWorkflow(context.Background(), wf))
	e := testExecutor(t, st)

	runID, err := e.ExecuteWorkflow(context.Background(), wf, manualInvocation())
	require.NoError(t, err)
	require.NotEmpty(t, runID)

	run, err := st.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, run.Status)
	assert.Equal(t, 2, run.StepsCompleted)
	assert.Len(t, run.StepLog, 2)
	assert.NotNil(t, run.CompletedAt)

	var runCtx map[string]any
	require.NoError(t, json.Unmarshal(run.Context, &runCtx))
	assert.Equal(t, float64(4), runCtx["total"])
	assert.Contains(t, runCtx, "step_0_output")

	// Completion advances the incremental-fetch boundary.
	updated, err := st.GetWorkflow(context.Background(), "wf-1")
	require.NoError(t, err)
	assert.NotNil(t, updated.LastSuccessfulRunAt)
}

func TestExecuteWorkflow_FailureAbortsRemainingSteps(t *testing.T) {
	st := newMockStore()
	wf := &store.Workflow{
		ID: "wf-1", OrgID: "org-a", Name: "broken", Enabled: true,
		Steps: []schema.Step{
			{Name: "ok", Type: schema.StepTypeLogEvent, Config: json.RawMessage(`{}`)},
			{Name: "boom", Type: schema.StepTypeDataTransformation,
				Config: json.RawMessage(`{"formula":"{missing}+1"}`)},
			{Name: "never", Type: schema.StepTypeLogEvent, Config: json.RawMessage(`{}`)},
		},
		Retry: schema.RetryPolicy{MaxRetries: 2},
	}
	e := testExecutor(t, st)

	runID, err := e.ExecuteWorkflow(context.Background(), wf, manualInvocation())
	require.Error(t, err, "failure must propagate to the caller")
	require.NotEmpty(t, runID)

	run, getErr := st.GetRun(context.Background(), runID)
	require.NoError(t, getErr)
	assert.Equal(t, schema.RunStatusFailed, run.Status)
	assert.NotEmpty(t, run.Error)
	assert.Len(t, run.StepLog, 2, "step log covers only attempted steps")
	assert.LessOrEqual(t, len(run.StepLog), len(wf.Steps))
	assert.False(t, run.StepLog[1].Success)

	// The boundary must not advance on failure.
	assert.Nil(t, wf.LastSuccessfulRunAt)
}

func TestExecuteWorkflow_RunPersistedBeforeSteps(t *testing.T) {
	st := newMockStore()
	var statusWhenStepRan schema.RunStatus

	notifier := notifierFunc(func(ctx context.Context, _, _, _ string) error {
		runs, _ := st.ListRuns(ctx, store.RunFilter{})
		if len(runs) == 1 {
			statusWhenStepRan = runs[0].Status
		}
		return nil
	})

	wf := &store.Workflow{
		ID: "wf-1", OrgID: "org-a", Name: "observable", Enabled: true,
		Steps: []schema.Step{
			{Name: "notify", Type: schema.StepTypeNotification,
				Config: json.RawMessage(`{"channel":"log","message":"hi"}`)},
		},
	}
	e := testExecutor(t, st, func(cfg *Config) { cfg.Notifier = notifier })

	_, err := e.ExecuteWorkflow(context.Background(), wf, manualInvocation())
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusRunning, statusWhenStepRan,
		"run must be observable as running while steps execute")
}

func TestExecuteWorkflow_PostCompletionAudit(t *testing.T) {
	st := newMockStore()
	wf := &store.Workflow{
		ID: "wf-1", OrgID: "org-a", Name: "audited", Enabled: true,
		Steps: []schema.Step{
			{Name: "start", Type: schema.StepTypeLogEvent, Config: json.RawMessage(`{}`)},
		},
	}
	e := testExecutor(t, st)

	runID, err := e.ExecuteWorkflow(context.Background(), wf, manualInvocation())
	require.NoError(t, err)

	entries, err := st.ListAudit(context.Background(), store.AuditFilter{EntityType: "workflow"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, runID, entries[0].RunID)
}

// --- Retry wrapper ---

func TestRetry_ExactAttemptCount(t *testing.T) {
	hits := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits++
		http.Error(w, `{"error":"unavailable"}`, http.StatusServiceUnavailable)
	}))
	defer server.Close()

	st := newMockStore()
	e := testExecutor(t, st)

	step := schema.Step{
		Name: "call", Type: schema.StepTypeAPICall,
		Config: rawConfig(t, schema.APICallConfig{URL: server.URL}),
	}
	rc := NewRunContext(nil)
	res := e.ExecuteWithRetry(context.Background(), step, 0, rc,
		schema.RetryPolicy{MaxRetries: 3})

	assert.False(t, res.Success)
	assert.Equal(t, 3, hits, "maxRetries is the total attempt budget")
	assert.Contains(t, res.Error, "503")
	assert.Contains(t, res.Error, "after 3 attempts")
	assert.Contains(t, res.Trace, schema.ErrCodeRetryExhausted)
}

func TestRetry_FirstSuccessWins(t *testing.T) {
	hits := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits++
		if hits < 2 {
			http.Error(w, "try again", http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	st := newMockStore()
	e := testExecutor(t, st)

	step := schema.Step{
		Name: "call", Type: schema.StepTypeAPICall,
		Config: rawConfig(t, schema.APICallConfig{URL: server.URL}),
	}
	res := e.ExecuteWithRetry(context.Background(), step, 0, NewRunContext(nil),
		schema.RetryPolicy{MaxRetries: 3})

	assert.True(t, res.Success)
	assert.Equal(t, 2, hits)
}

func TestExecuteWorkflow_UsesWorkflowRetryPolicy(t *testing.T) {
	hits := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits++
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	st := newMockStore()
	wf := &store.Workflow{
		ID: "wf-1", OrgID: "org-a", Name: "flaky", Enabled: true,
		Steps: []schema.Step{
			{Name: "call", Type: schema.StepTypeAPICall,
				Config: rawConfig(t, schema.APICallConfig{URL: server.URL})},
		},
		Retry: schema.RetryPolicy{MaxRetries: 2},
	}
	e := testExecutor(t, st)

	_, err := e.ExecuteWorkflow(context.Background(), wf, manualInvocation())
	require.Error(t, err)
	assert.Equal(t, 2, hits,
		"the workflow's own retry policy bounds the attempts, not the default")
}

// notifierFunc adapts a function to the Notifier interface.
type notifierFunc func(ctx context.Context, channel, recipient, message string) error

func (f notifierFunc) Notify(ctx context.Context, channel, recipient, message string) error {
	return f(ctx, channel, recipient, message)
}
