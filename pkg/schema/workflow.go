package schema

import "encoding/json"

// Step describes a single step in a workflow.
// Config carries the type-specific configuration block for Type.
type Step struct {
	Name   string          `json:"name"`
	Type   StepType        `json:"type"`
	Config json.RawMessage `json:"config,omitempty"`
}

// StepType enumerates the kinds of steps in a workflow.
type StepType string

const (
	StepTypeLogEvent           StepType = "log_event"
	StepTypeNotification       StepType = "notification"
	StepTypeAPICall            StepType = "api_call"
	StepTypeDataTransformation StepType = "data_transformation"
	StepTypeCondition          StepType = "condition"
	StepTypeIntegrationAction  StepType = "integration_action"
	StepTypeDatabaseQuery      StepType = "database_query"
	StepTypeStrategyUpdate     StepType = "strategy_update"
	StepTypeDataSourceQuery    StepType = "data_source_query"
	StepTypeWait               StepType = "wait"
)

// KnownStepTypes lists every step type the executor can dispatch.
var KnownStepTypes = []StepType{
	StepTypeLogEvent,
	StepTypeNotification,
	StepTypeAPICall,
	StepTypeDataTransformation,
	StepTypeCondition,
	StepTypeIntegrationAction,
	StepTypeDatabaseQuery,
	StepTypeStrategyUpdate,
	StepTypeDataSourceQuery,
	StepTypeWait,
}

// RetryPolicy configures retry behavior for every step of a workflow.
// MaxRetries is the total number of attempts (not additional retries).
// The delay between attempts is fixed; no jitter or backoff.
type RetryPolicy struct {
	MaxRetries        int `json:"max_retries"`
	RetryDelaySeconds int `json:"retry_delay_seconds"`
}

// RunStatus enumerates the lifecycle states of a run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// Trigger sources for a run.
const (
	TriggerWebhook  = "webhook"
	TriggerSchedule = "schedule"
	TriggerManual   = "manual"
)

// --- Step configuration blocks ---

// NotificationConfig configures a notification step. The message template is
// resolved against the run context before dispatch.
type NotificationConfig struct {
	Channel   string `json:"channel"`
	Recipient string `json:"recipient,omitempty"`
	Message   string `json:"message"`
}

// APICallConfig configures an api_call step. URL and Body support
// {{dotted.path}} templating against the run context.
type APICallConfig struct {
	Method  string            `json:"method,omitempty"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
	Timeout string            `json:"timeout,omitempty"`
}

// TransformConfig configures a data_transformation step.
// Formula mode evaluates a restricted arithmetic expression with {var}
// substitution from the run context. Mapping mode extracts fields from the
// run context via jq expressions, one per output key.
type TransformConfig struct {
	Formula   string            `json:"formula,omitempty"`
	ResultKey string            `json:"result_key,omitempty"`
	Mappings  map[string]string `json:"mappings,omitempty"`
}

// ConditionConfig configures a condition step. Either the predicate triple
// (Field/Operator/Value) or Expression must be set. Expression is evaluated
// by the named engine (cel by default).
type ConditionConfig struct {
	Field      string `json:"field,omitempty"`
	Operator   string `json:"operator,omitempty"`
	Value      any    `json:"value,omitempty"`
	Expression string `json:"expression,omitempty"`
	Engine     string `json:"engine,omitempty"`
	Then       []Step `json:"then,omitempty"`
	Else       []Step `json:"else,omitempty"`
}

// Condition predicate operators.
const (
	OpEquals      = "equals"
	OpNotEquals   = "notEquals"
	OpContains    = "contains"
	OpGreaterThan = "greaterThan"
	OpLessThan    = "lessThan"
	OpExists      = "exists"
)

// KnownConditionOperators lists the predicate operators a condition step accepts.
var KnownConditionOperators = []string{
	OpEquals, OpNotEquals, OpContains, OpGreaterThan, OpLessThan, OpExists,
}

// IntegrationActionConfig configures an integration_action step.
type IntegrationActionConfig struct {
	IntegrationType string         `json:"integration_type"`
	Action          string         `json:"action"`
	Params          map[string]any `json:"params,omitempty"`
	ResultKey       string         `json:"result_key,omitempty"`
}

// DatabaseQueryConfig configures a database_query step. The query must be a
// single read statement; anything else is rejected before execution.
type DatabaseQueryConfig struct {
	Query     string `json:"query"`
	ResultKey string `json:"result_key,omitempty"`
}

// StrategyUpdateConfig configures a strategy_update step. TargetID may be a
// literal id or a {varName} reference resolved from the run context.
type StrategyUpdateConfig struct {
	TargetID  string `json:"target_id"`
	Operation string `json:"operation"`
	Value     any    `json:"value,omitempty"`
}

// Strategy update operations.
const (
	StrategySetValue        = "set_value"
	StrategyIncrement       = "increment"
	StrategyPercentOfTarget = "percent_of_target"
)

// Filter is one predicate of a data_source_query.
type Filter struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    any    `json:"value,omitempty"`
}

// Aggregation kinds for data_source_query.
const (
	AggCount = "count"
	AggSum   = "sum"
	AggAvg   = "avg"
	AggMin   = "min"
	AggMax   = "max"
)

// DataSourceQueryConfig configures a data_source_query step. The optional
// Update block feeds the aggregation result into a nested strategy update.
type DataSourceQueryConfig struct {
	Table            string                `json:"table"`
	Filters          []Filter              `json:"filters,omitempty"`
	Aggregation      string                `json:"aggregation"`
	AggregationField string                `json:"aggregation_field,omitempty"`
	Limit            int                   `json:"limit,omitempty"`
	ResultKey        string                `json:"result_key,omitempty"`
	Update           *StrategyUpdateConfig `json:"update,omitempty"`
}

// WaitConfig configures a wait step.
type WaitConfig struct {
	Seconds float64 `json:"seconds"`
}

// StepLogEntry is one entry in a run's ordered step log.
type StepLogEntry struct {
	Index      int    `json:"index"`
	Type       string `json:"type"`
	Name       string `json:"name"`
	StartedAt  string `json:"started_at"`
	EndedAt    string `json:"ended_at"`
	DurationMs int64  `json:"duration_ms"`
	Success    bool   `json:"success"`
	Output     any    `json:"output,omitempty"`
	Error      string `json:"error,omitempty"`
}
