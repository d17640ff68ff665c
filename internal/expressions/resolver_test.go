package expressions

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skein-dev/skein/pkg/schema"
)

func testScope() *Scope {
	return &Scope{
		Steps: map[string]map[string]any{
			"fetch": {
				"items": []any{
					map[string]any{"status": "open", "id": float64(1)},
					map[string]any{"status": "closed", "id": float64(2)},
				},
				"count": float64(2),
			},
			"route": {
				"lastBranchOutput": map[string]any{"handled": true},
			},
		},
		Input: map[string]any{"channel": "#alerts", "limit": float64(10)},
		Env:   map[string]string{"REGION": "us-east-1"},
	}
}

func TestResolve_InputAndEnv(t *testing.T) {
	scope := testScope()

	v, ok := Resolve("input.channel", scope)
	require.True(t, ok)
	assert.Equal(t, "#alerts", v)

	v, ok = Resolve("env.REGION", scope)
	require.True(t, ok)
	assert.Equal(t, "us-east-1", v)
}

func TestResolve_StepKeyAndPath(t *testing.T) {
	scope := testScope()

	v, ok := Resolve("fetch.count", scope)
	require.True(t, ok)
	assert.Equal(t, float64(2), v)

	v, ok = Resolve("fetch.items[0].status", scope)
	require.True(t, ok)
	assert.Equal(t, "open", v)

	v, ok = Resolve("fetch.items[*].status", scope)
	require.True(t, ok)
	assert.Equal(t, []any{"open", "closed"}, v)

	// [] projects identically to [*]
	v, ok = Resolve("fetch.items[].status", scope)
	require.True(t, ok)
	assert.Equal(t, []any{"open", "closed"}, v)
}

func TestResolve_LastBranchOutput(t *testing.T) {
	scope := testScope()

	v, ok := Resolve("route.lastBranchOutput.handled", scope)
	require.True(t, ok)
	assert.Equal(t, true, v)
}

func TestResolve_UnresolvedSentinel(t *testing.T) {
	scope := testScope()

	for _, ref := range []string{
		"missing.key",
		"fetch.nope",
		"fetch.items[9].status",
		"env.MISSING",
		"input.absent",
		"",
	} {
		_, ok := Resolve(ref, scope)
		assert.False(t, ok, ref)
	}
}

func TestResolve_Secrets(t *testing.T) {
	scope := testScope()
	scope.Secrets = func(key string) (string, bool) {
		if key == "API_KEY" {
			return "sk-hidden", true
		}
		return "", false
	}

	v, ok := Resolve("secrets.API_KEY", scope)
	require.True(t, ok)
	assert.Equal(t, "sk-hidden", v)

	_, ok = Resolve("secrets.MISSING", scope)
	assert.False(t, ok)

	// Only a single bare key is valid; no nesting or indexing.
	_, ok = Resolve("secrets.API_KEY.nested", scope)
	assert.False(t, ok)
	_, ok = Resolve("secrets", scope)
	assert.False(t, ok)
}

func TestResolve_SecretsWithoutResolver(t *testing.T) {
	scope := testScope()

	_, ok := Resolve("secrets.API_KEY", scope)
	assert.False(t, ok, "no resolver configured")
}

func TestResolve_LoopShadowing(t *testing.T) {
	scope := testScope()
	scope.Loops = []LoopFrame{
		{Var: "item", Item: map[string]any{"name": "outer"}, Index: 0},
		{Var: "item", Item: map[string]any{"name": "inner"}, Index: 3},
	}

	v, ok := Resolve("item.name", scope)
	require.True(t, ok)
	assert.Equal(t, "inner", v, "innermost frame shadows outer")

	v, ok = Resolve("item_index", scope)
	require.True(t, ok)
	assert.Equal(t, 3, v)
}

func TestResolve_LoopVarShadowsStepID(t *testing.T) {
	scope := testScope()
	scope.Loops = []LoopFrame{{Var: "fetch", Item: map[string]any{"count": "shadowed"}}}

	v, ok := Resolve("fetch.count", scope)
	require.True(t, ok)
	assert.Equal(t, "shadowed", v)
}

func TestResolveString(t *testing.T) {
	scope := testScope()

	out, err := ResolveString("posting to {{input.channel}} with {{fetch.count}} items", scope)
	require.NoError(t, err)
	assert.Equal(t, "posting to #alerts with 2 items", out)
}

func TestResolveString_UnresolvedIsDataUnavailable(t *testing.T) {
	scope := testScope()

	_, err := ResolveString("value: {{ghost.key}}", scope)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeDataUnavailable, err.(*schema.Error).Code)
}

func TestResolveString_Malformed(t *testing.T) {
	scope := testScope()

	_, err := ResolveString("broken {{fetch.count", scope)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, err.(*schema.Error).Code)

	_, err = ResolveString("empty {{  }}", scope)
	require.Error(t, err)
}

func TestResolveValue_WholeTokenKeepsType(t *testing.T) {
	scope := testScope()

	v, ok := ResolveValue("{{fetch.count}}", scope)
	require.True(t, ok)
	assert.Equal(t, float64(2), v)

	v, ok = ResolveValue("count={{fetch.count}}", scope)
	require.True(t, ok)
	assert.Equal(t, "count=2", v)

	v, ok = ResolveValue("plain literal", scope)
	require.True(t, ok)
	assert.Equal(t, "plain literal", v)
}

func TestResolveParams(t *testing.T) {
	scope := testScope()

	raw := json.RawMessage(`{
		"channel": "{{input.channel}}",
		"count": "{{fetch.count}}",
		"text": "found {{fetch.count}} items",
		"nested": {"items": "{{fetch.items}}"}
	}`)

	out, err := ResolveParams(raw, scope)
	require.NoError(t, err)

	var parsed map[string]any
	require.NoError(t, json.Unmarshal(out, &parsed))
	assert.Equal(t, "#alerts", parsed["channel"])
	assert.Equal(t, float64(2), parsed["count"], "whole-token reference keeps number type")
	assert.Equal(t, "found 2 items", parsed["text"])
	nested := parsed["nested"].(map[string]any)
	assert.Len(t, nested["items"], 2)
}

func TestResolveParams_NoTokensPassthrough(t *testing.T) {
	raw := json.RawMessage(`{"a":1}`)
	out, err := ResolveParams(raw, testScope())
	require.NoError(t, err)
	assert.Equal(t, raw, out)
}

func TestExtractRefs(t *testing.T) {
	refs := ExtractRefs(`{"a":"{{fetch.items[0].id}}","b":"x {{input.limit}} y"}`)
	assert.Equal(t, []string{"fetch.items[0].id", "input.limit"}, refs)
}

func TestParseRef(t *testing.T) {
	ref, err := ParseRef("fetch.items[0].status")
	require.NoError(t, err)
	assert.Equal(t, "fetch", ref.Root)
	assert.Equal(t, "items", ref.Key)
	assert.Equal(t, []string{"[]", "status"}, ref.Path)

	ref, err = ParseRef("input.channel")
	require.NoError(t, err)
	assert.Equal(t, "input", ref.Root)
	assert.Equal(t, "channel", ref.Key)

	_, err = ParseRef("fetch..bad")
	assert.Error(t, err)
}
