package engine

import (
	"fmt"
	"sync"
)

// RunContext is the mutable value bag threaded through a run's steps. It is
// seeded from the trigger invocation and grows as each step merges its output
// under an index-derived key, so writes are visible only to later steps.
type RunContext struct {
	mu     sync.RWMutex
	values map[string]any
}

// NewRunContext seeds a context from the invocation payload.
func NewRunContext(seed map[string]any) *RunContext {
	values := make(map[string]any, len(seed)+8)
	for k, v := range seed {
		values[k] = v
	}
	return &RunContext{values: values}
}

// Set stores a value under key, overwriting any prior value.
func (rc *RunContext) Set(key string, value any) {
	rc.mu.Lock()
	rc.values[key] = value
	rc.mu.Unlock()
}

// Get returns the value for key.
func (rc *RunContext) Get(key string) (any, bool) {
	rc.mu.RLock()
	v, ok := rc.values[key]
	rc.mu.RUnlock()
	return v, ok
}

// Snapshot returns a shallow copy of the current values, safe to hand to
// evaluators and to persist as the run's context snapshot.
func (rc *RunContext) Snapshot() map[string]any {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	out := make(map[string]any, len(rc.values))
	for k, v := range rc.values {
		out[k] = v
	}
	return out
}

// MergeStepOutput records a step's output under its index-derived key.
func (rc *RunContext) MergeStepOutput(index int, output map[string]any) {
	rc.Set(StepOutputKey(index), output)
	// Named result keys are promoted by the handlers themselves; the indexed
	// key is always written so later steps can address any prior output.
}

// StepOutputKey is the deterministic context key for step index's output.
func StepOutputKey(index int) string {
	return fmt.Sprintf("step_%d_output", index)
}
