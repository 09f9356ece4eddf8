package integrations

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeModel struct {
	lastPrompt string
}

func (f *fakeModel) Complete(_ context.Context, _ Credentials, prompt string) (string, error) {
	f.lastPrompt = prompt
	return "model output", nil
}

func TestText_Generate(t *testing.T) {
	m := &fakeModel{}
	c := NewTextClient(m)

	out, err := c.Execute(context.Background(), ActionGenerate,
		map[string]any{"prompt": "write a haiku"}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "model output", out["text"])
	assert.Equal(t, "write a haiku", m.lastPrompt)
}

func TestText_SummarizeFramesPrompt(t *testing.T) {
	m := &fakeModel{}
	c := NewTextClient(m)

	_, err := c.Execute(context.Background(), ActionSummarize,
		map[string]any{"input": "long report text"}, nil, nil)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(m.lastPrompt, "Summarize"))
	assert.Contains(t, m.lastPrompt, "long report text")
}

func TestText_AnalyzeCustomInstruction(t *testing.T) {
	m := &fakeModel{}
	c := NewTextClient(m)

	_, err := c.Execute(context.Background(), ActionAnalyze,
		map[string]any{"input": "rows", "instruction": "Find outliers."}, nil, nil)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(m.lastPrompt, "Find outliers."))
}

func TestText_MissingInputFails(t *testing.T) {
	c := NewTextClient(&fakeModel{})
	for _, action := range []string{ActionGenerate, ActionSummarize, ActionAnalyze} {
		t.Run(action, func(t *testing.T) {
			_, err := c.Execute(context.Background(), action, map[string]any{}, nil, nil)
			require.Error(t, err)
		})
	}
}
