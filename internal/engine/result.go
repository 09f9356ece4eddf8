package engine

import (
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/inqbatorchris/aimee-sub010/pkg/schema"
)

// StepResult is the uniform outcome every step handler returns. A handler
// never lets a panic or raw error escape; failures are carried here so the
// retry wrapper and the workflow executor can compose without special cases.
type StepResult struct {
	Success bool           `json:"success"`
	Output  map[string]any `json:"output,omitempty"`
	Error   string         `json:"error,omitempty"`
	Trace   string         `json:"trace,omitempty"`
}

// SuccessResult wraps a handler output.
func SuccessResult(output map[string]any) *StepResult {
	if output == nil {
		output = map[string]any{}
	}
	return &StepResult{Success: true, Output: output}
}

// FailureResult wraps a handler error, preserving the structured error
// message and, for engine errors, the step and code details.
func FailureResult(err error) *StepResult {
	if err == nil {
		err = errors.New("step failed")
	}
	res := &StepResult{Success: false, Error: err.Error()}
	var engErr *schema.EngineError
	if errors.As(err, &engErr) {
		res.Trace = fmt.Sprintf("code=%s step=%s", engErr.Code, engErr.Step)
	}
	return res
}

// recoverResult converts a recovered panic into a failed result with the
// goroutine stack as trace. Used via defer in the step dispatch path.
func recoverResult(recovered any) *StepResult {
	return &StepResult{
		Success: false,
		Error:   fmt.Sprintf("step panicked: %v", recovered),
		Trace:   string(debug.Stack()),
	}
}

// Err exposes a failed result as an error for propagation to the caller.
func (r *StepResult) Err() error {
	if r == nil || r.Success {
		return nil
	}
	return schema.NewError(schema.ErrCodeStepFailed, r.Error)
}
