package integrations

import (
	"context"

	"github.com/inqbatorchris/aimee-sub010/pkg/schema"
)

// Model produces text for a prompt. Implementations wrap a provider API key
// from the integration's credentials.
type Model interface {
	Complete(ctx context.Context, creds Credentials, prompt string) (string, error)
}

// Text client action names.
const (
	ActionGenerate  = "generate"
	ActionSummarize = "summarize"
	ActionAnalyze   = "analyze"
)

// TextClient exposes prompt-based text operations behind the common
// integration contract. Each action is a different prompt framing over the
// same model.
type TextClient struct {
	model Model
}

func NewTextClient(model Model) *TextClient {
	return &TextClient{model: model}
}

func (c *TextClient) Type() string { return "text" }

func (c *TextClient) Actions() []string {
	return []string{ActionGenerate, ActionSummarize, ActionAnalyze}
}

func (c *TextClient) Execute(ctx context.Context, action string, params map[string]any, creds Credentials, _ map[string]any) (map[string]any, error) {
	var prompt string
	switch action {
	case ActionGenerate:
		prompt = stringParam(params, "prompt", "")
		if prompt == "" {
			return nil, schema.NewError(schema.ErrCodeValidation, "generate requires a prompt")
		}
	case ActionSummarize:
		input := stringParam(params, "input", "")
		if input == "" {
			return nil, schema.NewError(schema.ErrCodeValidation, "summarize requires input text")
		}
		prompt = "Summarize the following text concisely:\n\n" + input
	case ActionAnalyze:
		input := stringParam(params, "input", "")
		if input == "" {
			return nil, schema.NewError(schema.ErrCodeValidation, "analyze requires input text")
		}
		instruction := stringParam(params, "instruction", "Identify the key facts and any anomalies in the following data.")
		prompt = instruction + "\n\n" + input
	default:
		return nil, schema.NewErrorf(schema.ErrCodeUnsupportedAction,
			"unsupported action %q for integration %q", action, c.Type())
	}

	out, err := c.model.Complete(ctx, creds, prompt)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "text %s: %s", action, err.Error()).WithCause(err)
	}
	return map[string]any{"text": out}, nil
}
