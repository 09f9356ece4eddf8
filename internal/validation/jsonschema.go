package validation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/inqbatorchris/aimee-sub010/internal/store"
	"github.com/inqbatorchris/aimee-sub010/pkg/schema"
)

// workflowSchemaJSON is the JSON Schema for workflow structural validation.
// Embedded as a constant to avoid filesystem dependencies.
const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://aimee.dev/schemas/workflow.json",
  "type": "object",
  "required": ["name", "steps"],
  "properties": {
    "id": { "type": "string" },
    "organization_id": { "type": "string" },
    "name": {
      "type": "string",
      "minLength": 1
    },
    "enabled": { "type": "boolean" },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/step" }
    },
    "retry": { "$ref": "#/$defs/retry" },
    "last_successful_run_at": { "type": ["string", "null"] },
    "created_at": { "type": "string" },
    "updated_at": { "type": "string" }
  },
  "$defs": {
    "step": {
      "type": "object",
      "required": ["name", "type"],
      "properties": {
        "name": {
          "type": "string",
          "minLength": 1
        },
        "type": {
          "type": "string",
          "enum": [
            "log_event",
            "notification",
            "api_call",
            "data_transformation",
            "condition",
            "integration_action",
            "database_query",
            "strategy_update",
            "data_source_query",
            "wait"
          ]
        },
        "config": {}
      },
      "additionalProperties": false
    },
    "retry": {
      "type": "object",
      "properties": {
        "max_retries": {
          "type": "integer",
          "minimum": 0,
          "maximum": 10
        },
        "retry_delay_seconds": {
          "type": "integer",
          "minimum": 0,
          "maximum": 3600
        }
      },
      "additionalProperties": false
    }
  }
}`

const workflowSchemaID = "https://aimee.dev/schemas/workflow.json"

// JSONSchemaValidator validates workflow structure against the embedded
// JSON Schema (Draft 2020-12). Safe for concurrent use.
type JSONSchemaValidator struct {
	workflowSchema *jsonschema.Schema
}

// NewJSONSchemaValidator pre-compiles the workflow schema.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(workflowSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal workflow schema: %w", err)
	}
	if err := c.AddResource(workflowSchemaID, doc); err != nil {
		return nil, fmt.Errorf("add workflow schema resource: %w", err)
	}
	compiled, err := c.Compile(workflowSchemaID)
	if err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}
	return &JSONSchemaValidator{workflowSchema: compiled}, nil
}

// ValidateStructure validates a workflow against the embedded schema.
func (v *JSONSchemaValidator) ValidateStructure(wf *store.Workflow) error {
	if wf == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow is nil")
	}
	doc, err := toJSONValue(wf)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation,
			"failed to serialize workflow").WithCause(err)
	}
	if err := v.workflowSchema.Validate(doc); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"workflow structure invalid: %s", err.Error()).WithCause(err)
	}
	return nil
}

// toJSONValue round-trips a value through JSON into the generic form the
// schema validator expects.
func toJSONValue(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(raw))
}
