package providers

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skein-dev/skein/pkg/schema"

	"github.com/skein-dev/skein/internal/registry"
)

// fakeReasoner returns scripted completions in sequence.
type fakeReasoner struct {
	outputs []map[string]any
	prompts []string
	calls   int
}

func (f *fakeReasoner) Name() string { return "fake" }

func (f *fakeReasoner) Complete(_ context.Context, req ReasoningRequest) (map[string]any, error) {
	f.prompts = append(f.prompts, req.Prompt)
	out := f.outputs[f.calls]
	f.calls++
	return out, nil
}

func TestStructuredReasoner_ValidFirstTry(t *testing.T) {
	fake := &fakeReasoner{outputs: []map[string]any{
		{"category": "invoice", "confidence": 0.92},
	}}
	sr := NewStructuredReasoner(fake, registry.New())

	out, err := sr.Run(context.Background(), "reasoning/classification@v1", "classify this", nil)

	require.NoError(t, err)
	assert.Equal(t, "invoice", out["category"])
	assert.Equal(t, 1, fake.calls)
}

func TestStructuredReasoner_RetriesOnSchemaMiss(t *testing.T) {
	fake := &fakeReasoner{outputs: []map[string]any{
		{"confidence": 0.5},                        // missing required category
		{"category": "spam", "confidence": 0.88},   // conforms
	}}
	sr := NewStructuredReasoner(fake, registry.New())

	out, err := sr.Run(context.Background(), "reasoning/classification@v1", "classify this", nil)

	require.NoError(t, err)
	assert.Equal(t, "spam", out["category"])
	assert.Equal(t, 2, fake.calls)
	// The retry prompt carries the violation so the model can correct it.
	require.Len(t, fake.prompts, 2)
	assert.True(t, strings.Contains(fake.prompts[1], "did not match"))
}

func TestStructuredReasoner_ExhaustsAttempts(t *testing.T) {
	fake := &fakeReasoner{outputs: []map[string]any{
		{"wrong": 1}, {"wrong": 2}, {"wrong": 3},
	}}
	sr := NewStructuredReasoner(fake, registry.New())

	_, err := sr.Run(context.Background(), "reasoning/classification@v1", "classify", nil)

	require.Error(t, err)
	var serr *schema.Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, schema.ErrCodeValidation, serr.Code)
	assert.Equal(t, 3, fake.calls)
}

func TestStructuredReasoner_UnknownPattern(t *testing.T) {
	sr := NewStructuredReasoner(&fakeReasoner{}, registry.New())

	_, err := sr.Run(context.Background(), "reasoning/nope@v9", "x", nil)

	var serr *schema.Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, schema.ErrCodeNotFound, serr.Code)
}
