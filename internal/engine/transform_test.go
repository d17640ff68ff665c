package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skein-dev/skein/internal/expressions"
	"github.com/skein-dev/skein/pkg/schema"
)

// runTransform executes a single-step workflow around the given transform
// and returns the step's normalized data.
func runTransform(t *testing.T, cfg *schema.TransformConfig, input map[string]any) map[string]any {
	t.Helper()

	h := newHarness(t, Config{})
	plan := h.compile(t, &schema.WorkflowDefinition{
		Name: "reshape",
		Steps: []schema.WorkflowStep{
			{ID: "xform", Kind: schema.StepKindTransform, Transform: cfg},
		},
	})

	res, err := h.engine.Execute(context.Background(), plan, input, ExecuteOptions{})
	require.NoError(t, err)
	require.Equal(t, schema.ExecutionStatusCompleted, res.Status, "transform failed: %+v", res.Error)

	data, ok := res.Output["xform"].(map[string]any)
	require.True(t, ok, "transform output is not a map: %#v", res.Output["xform"])
	return data
}

func rows(ns ...float64) []any {
	items := make([]any, len(ns))
	for i, n := range ns {
		items[i] = map[string]any{"n": n}
	}
	return items
}

func TestTransform_FilterKeepsMatchingItems(t *testing.T) {
	data := runTransform(t, &schema.TransformConfig{
		Op:    "filter",
		Input: "{{input.items}}",
		Where: "item.n > 3",
	}, map[string]any{"items": rows(1, 5, 9)})

	assert.Equal(t, []any{
		map[string]any{"n": float64(5)},
		map[string]any{"n": float64(9)},
	}, data["result"])
}

func TestTransform_MapProjectsEachItem(t *testing.T) {
	data := runTransform(t, &schema.TransformConfig{
		Op:    "map",
		Input: "{{input.items}}",
		Expr:  "item.n * 2",
	}, map[string]any{"items": rows(1, 2, 3)})

	assert.Equal(t, []any{float64(2), float64(4), float64(6)}, data["result"])
}

func TestTransform_PickSubsetsFields(t *testing.T) {
	data := runTransform(t, &schema.TransformConfig{
		Op:     "pick",
		Input:  "{{input.items}}",
		Fields: []string{"name"},
	}, map[string]any{"items": []any{
		map[string]any{"name": "ada", "secret": "x"},
		map[string]any{"name": "bob", "secret": "y"},
	}})

	assert.Equal(t, []any{
		map[string]any{"name": "ada"},
		map[string]any{"name": "bob"},
	}, data["result"])
}

func TestTransform_SortOrdersByFieldWithDesc(t *testing.T) {
	data := runTransform(t, &schema.TransformConfig{
		Op:      "sort",
		Input:   "{{input.items}}",
		OrderBy: "n",
		Desc:    true,
	}, map[string]any{"items": rows(2, 9, 5)})

	assert.Equal(t, []any{
		map[string]any{"n": float64(9)},
		map[string]any{"n": float64(5)},
		map[string]any{"n": float64(2)},
	}, data["result"])
}

func TestTransform_GroupBucketsByKey(t *testing.T) {
	data := runTransform(t, &schema.TransformConfig{
		Op:      "group",
		Input:   "{{input.items}}",
		GroupBy: "kind",
	}, map[string]any{"items": []any{
		map[string]any{"kind": "fruit", "name": "apple"},
		map[string]any{"kind": "veg", "name": "leek"},
		map[string]any{"kind": "fruit", "name": "pear"},
	}})

	fruit, ok := data["fruit"].([]any)
	require.True(t, ok)
	assert.Len(t, fruit, 2)
	assert.Len(t, data["veg"], 1)
}

func TestTransform_AggregateSumAndCount(t *testing.T) {
	data := runTransform(t, &schema.TransformConfig{
		Op:    "aggregate",
		Input: "{{input.items}}",
		Args:  map[string]any{"op": "sum", "field": "n"},
	}, map[string]any{"items": rows(1, 2, 3)})
	assert.Equal(t, float64(6), data["result"])

	data = runTransform(t, &schema.TransformConfig{
		Op:    "aggregate",
		Input: "{{input.items}}",
		Args:  map[string]any{"op": "count"},
	}, map[string]any{"items": rows(1, 2, 3)})
	assert.Equal(t, float64(3), data["result"])
}

func TestTransform_DeduplicateKeepsFirstByKey(t *testing.T) {
	data := runTransform(t, &schema.TransformConfig{
		Op:    "deduplicate",
		Input: "{{input.items}}",
		Args:  map[string]any{"by": "id"},
	}, map[string]any{"items": []any{
		map[string]any{"id": "a", "rank": float64(1)},
		map[string]any{"id": "b", "rank": float64(2)},
		map[string]any{"id": "a", "rank": float64(3)},
	}})

	result := data["result"].([]any)
	require.Len(t, result, 2)
	first := result[0].(map[string]any)
	assert.Equal(t, float64(1), first["rank"], "first occurrence wins by default")
}

func TestTransform_SplitRoutesByPredicate(t *testing.T) {
	data := runTransform(t, &schema.TransformConfig{
		Op:    "split",
		Input: "{{input.items}}",
		Args: map[string]any{
			"big":   "item.n > 3",
			"small": "item.n <= 3",
		},
	}, map[string]any{"items": rows(1, 5, 2, 9)})

	assert.Len(t, data["big"], 2)
	assert.Len(t, data["small"], 2)
}

func TestTransform_FormatRendersPerItem(t *testing.T) {
	data := runTransform(t, &schema.TransformConfig{
		Op:     "format",
		Input:  "{{input.items}}",
		Format: "hi {{item.name}}",
	}, map[string]any{"items": []any{
		map[string]any{"name": "ada"},
		map[string]any{"name": "bob"},
	}})

	assert.Equal(t, "hi ada\nhi bob", data["result"])
}

func TestTransform_FormatItemShadowsEnclosingLoop(t *testing.T) {
	scope := &expressions.Scope{
		Loops: []expressions.LoopFrame{{Var: "item", Item: map[string]any{"name": "outer"}}},
	}

	out, err := transformFormat(&schema.TransformConfig{
		Op:     "format",
		Format: "hi {{item.name}}",
	}, []any{
		map[string]any{"name": "ada"},
		map[string]any{"name": "bob"},
	}, scope)

	require.NoError(t, err)
	assert.Equal(t, "hi ada\nhi bob", out, "each line renders the formatted element, not the enclosing loop's item")
}

func TestTransform_JQRunsQueryOverInput(t *testing.T) {
	data := runTransform(t, &schema.TransformConfig{
		Op:    "jq",
		Input: "{{input.items}}",
		Query: ".item | map(.n) | add",
	}, map[string]any{"items": rows(1, 2, 3)})

	assert.Equal(t, float64(6), data["result"])
}

func TestTransform_MissingInputReferenceFails(t *testing.T) {
	h := newHarness(t, Config{})
	plan := h.compile(t, &schema.WorkflowDefinition{
		Name: "reshape",
		Steps: []schema.WorkflowStep{
			{ID: "xform", Kind: schema.StepKindTransform, Transform: &schema.TransformConfig{
				Op:      "sort",
				Input:   "{{input.nothing}}",
				OrderBy: "n",
			}},
		},
	})

	res, err := h.engine.Execute(context.Background(), plan, map[string]any{}, ExecuteOptions{})
	require.NoError(t, err)

	assert.Equal(t, schema.ExecutionStatusFailed, res.Status)
	require.NotNil(t, res.Error)
	assert.Contains(t, res.Error.Error(), "did not resolve")
}
