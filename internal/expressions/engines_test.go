package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skein-dev/skein/pkg/schema"
)

func TestCELEngine_GuardOverSteps(t *testing.T) {
	eng, err := NewCELEngine()
	require.NoError(t, err)

	scope := testScope()
	out, err := eng.Evaluate(context.Background(), `steps.fetch.count > 1.0`, Activation(scope))
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestCELEngine_LoopVars(t *testing.T) {
	eng, err := NewCELEngine()
	require.NoError(t, err)

	scope := testScope()
	scope.Loops = []LoopFrame{{Var: "item", Item: map[string]any{"status": "open"}, Index: 0}}

	out, err := eng.Evaluate(context.Background(), `vars.item.status == "open"`, Activation(scope))
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestCELEngine_CompileErrorIsValidation(t *testing.T) {
	eng, err := NewCELEngine()
	require.NoError(t, err)

	err = eng.Check(`steps.fetch.count >`)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, err.(*schema.Error).Code)
}

func TestExprEngine_ItemPredicate(t *testing.T) {
	eng := NewExprEngine()

	out, err := eng.Evaluate(context.Background(), `item.status == "open"`, map[string]any{
		"item": map[string]any{"status": "open"},
	})
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestExprEngine_UndefinedVariableIsNil(t *testing.T) {
	eng := NewExprEngine()

	out, err := eng.Evaluate(context.Background(), `missing == nil`, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestGoJQEngine_Reshape(t *testing.T) {
	eng := NewGoJQEngine()

	out, err := eng.Evaluate(context.Background(), `.items | map(.status)`, map[string]any{
		"items": []any{
			map[string]any{"status": "open"},
			map[string]any{"status": "closed"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []any{"open", "closed"}, out)
}

func TestGoJQEngine_ParseErrorIsValidation(t *testing.T) {
	eng := NewGoJQEngine()

	_, err := eng.Evaluate(context.Background(), `.items | |`, map[string]any{})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, err.(*schema.Error).Code)
}

func TestGoJQEngine_MultipleOutputsCollected(t *testing.T) {
	eng := NewGoJQEngine()

	out, err := eng.EvaluateAll(context.Background(), `.items[]`, map[string]any{
		"items": []any{float64(1), float64(2)},
	})
	require.NoError(t, err)
	assert.Len(t, out, 2)
}
