// Package validation checks workflow definitions and schedules before they
// are executed or registered. Structural validation uses JSON Schema
// Draft 2020-12; semantic checks cover what the schema cannot express.
package validation

import (
	"github.com/inqbatorchris/aimee-sub010/internal/store"
	"github.com/inqbatorchris/aimee-sub010/pkg/schema"
)

// WorkflowValidator runs the two-stage validation pipeline:
// 1. Structural (JSON Schema)
// 2. Semantic (step configs, operators, read-only queries)
type WorkflowValidator struct {
	jsonSchema *JSONSchemaValidator
}

// NewWorkflowValidator creates a WorkflowValidator with the embedded schema
// pre-compiled.
func NewWorkflowValidator() (*WorkflowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &WorkflowValidator{jsonSchema: jsv}, nil
}

// Validate runs both stages. Structural errors short-circuit the semantic
// stage, whose checks assume well-formed steps.
func (wv *WorkflowValidator) Validate(wf *store.Workflow) error {
	if wf == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow is nil")
	}
	if err := wv.jsonSchema.ValidateStructure(wf); err != nil {
		return err
	}
	return validateSemantic(wf)
}
