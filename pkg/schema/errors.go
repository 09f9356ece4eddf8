package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeExecution         = "EXECUTION_ERROR"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeVault             = "VAULT_ERROR"
	ErrCodeUnsupportedAction = "UNSUPPORTED_ACTION"
	ErrCodeSafety            = "SAFETY_VIOLATION"
	ErrCodeTenantScope       = "TENANT_SCOPE_VIOLATION"
	ErrCodeRetryExhausted    = "RETRY_EXHAUSTED"
	ErrCodeStepFailed        = "STEP_FAILED"
	ErrCodeFieldType         = "FIELD_TYPE_ERROR"
	ErrCodeInterpolation     = "INTERPOLATION_ERROR"
)

// EngineError is the structured error type for all engine operations.
type EngineError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Step    string         `json:"step,omitempty"`
	Cause   error          `json:"-"`
}

func (e *EngineError) Error() string {
	if e.Step != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.Step, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *EngineError) Unwrap() error {
	return e.Cause
}

// NewError creates a new EngineError.
func NewError(code, message string) *EngineError {
	return &EngineError{Code: code, Message: message}
}

// NewErrorf creates a new EngineError with a formatted message.
func NewErrorf(code, format string, args ...any) *EngineError {
	return &EngineError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step name to the error.
func (e *EngineError) WithStep(step string) *EngineError {
	e.Step = step
	return e
}

// WithCause attaches an underlying cause.
func (e *EngineError) WithCause(err error) *EngineError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *EngineError) WithDetails(details map[string]any) *EngineError {
	e.Details = details
	return e
}
