package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/skein-dev/skein/internal/compiler"
	"github.com/skein-dev/skein/internal/expressions"
	"github.com/skein-dev/skein/pkg/schema"
)

// executeTransform runs a deterministic data reshape. Only the reasoning op
// ever touches a reasoning provider; everything else is pure computation over
// the resolved input value.
func (e *Engine) executeTransform(ctx context.Context, node *compiler.StepNode, sb *expressions.ScopeBuilder) (*schema.StepOutput, error) {
	cfg := node.Step.Transform
	if cfg == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "transform step has no transform config").WithStep(node.QualifiedID)
	}

	scope := sb.Build()
	input, ok := expressions.ResolveValue(cfg.Input, scope)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeDataUnavailable,
			"transform input %q did not resolve", cfg.Input).WithStep(node.QualifiedID)
	}

	var (
		result any
		err    error
	)
	switch cfg.Op {
	case "filter":
		result, err = e.transformFilter(ctx, cfg, input, scope)
	case "map":
		result, err = e.transformMap(ctx, cfg, input, scope)
	case "pick", "pick_fields":
		result, err = transformPick(cfg, input)
	case "sort":
		result, err = transformSort(cfg, input)
	case "group", "group_by":
		result, err = transformGroup(cfg, input)
	case "aggregate":
		result, err = transformAggregate(cfg, input)
	case "deduplicate":
		result, err = transformDeduplicate(cfg, input)
	case "split":
		result, err = e.transformSplit(ctx, cfg, input, scope)
	case "format", "template":
		result, err = transformFormat(cfg, input, scope)
	case "jq":
		result, err = e.transformJQ(ctx, cfg, input, scope)
	case "reasoning":
		result, err = e.transformReasoning(ctx, cfg, input)
	default:
		err = schema.NewErrorf(schema.ErrCodeValidation, "unknown transform op %q", cfg.Op)
	}
	if err != nil {
		if serr, ok := err.(*schema.Error); ok {
			return nil, serr.WithStep(node.QualifiedID)
		}
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "transform %s: %s", cfg.Op, err.Error()).
			WithStep(node.QualifiedID).WithCause(err)
	}

	return e.normalizer.Normalize(result, node.Step.Outputs)
}

// itemEnv extends the scope activation with the current item for expr programs.
func itemEnv(scope *expressions.Scope, item any) map[string]any {
	env := expressions.Activation(scope)
	env["item"] = item
	return env
}

func asItems(input any) ([]any, error) {
	switch v := input.(type) {
	case []any:
		return v, nil
	case nil:
		return nil, nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "expected an array, got %T", input)
	}
}

func (e *Engine) transformFilter(ctx context.Context, cfg *schema.TransformConfig, input any, scope *expressions.Scope) (any, error) {
	if e.expr == nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "no expr engine configured")
	}
	items, err := asItems(input)
	if err != nil {
		return nil, err
	}
	kept := make([]any, 0, len(items))
	for _, item := range items {
		verdict, err := e.expr.Evaluate(ctx, cfg.Where, itemEnv(scope, item))
		if err != nil {
			return nil, err
		}
		if keep, ok := verdict.(bool); ok && keep {
			kept = append(kept, item)
		}
	}
	return kept, nil
}

func (e *Engine) transformMap(ctx context.Context, cfg *schema.TransformConfig, input any, scope *expressions.Scope) (any, error) {
	if e.expr == nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "no expr engine configured")
	}
	items, err := asItems(input)
	if err != nil {
		return nil, err
	}
	mapped := make([]any, 0, len(items))
	for _, item := range items {
		value, err := e.expr.Evaluate(ctx, cfg.Expr, itemEnv(scope, item))
		if err != nil {
			return nil, err
		}
		mapped = append(mapped, value)
	}
	return mapped, nil
}

func transformPick(cfg *schema.TransformConfig, input any) (any, error) {
	pickOne := func(item any) any {
		m, ok := item.(map[string]any)
		if !ok {
			return item
		}
		out := make(map[string]any, len(cfg.Fields))
		for _, f := range cfg.Fields {
			if v, ok := m[f]; ok {
				out[f] = v
			}
		}
		return out
	}
	if items, err := asItems(input); err == nil {
		out := make([]any, len(items))
		for i, item := range items {
			out[i] = pickOne(item)
		}
		return out, nil
	}
	return pickOne(input), nil
}

func transformSort(cfg *schema.TransformConfig, input any) (any, error) {
	items, err := asItems(input)
	if err != nil {
		return nil, err
	}
	sorted := make([]any, len(items))
	copy(sorted, items)
	sort.SliceStable(sorted, func(i, j int) bool {
		less := compareValues(fieldOf(sorted[i], cfg.OrderBy), fieldOf(sorted[j], cfg.OrderBy)) < 0
		if cfg.Desc {
			return !less
		}
		return less
	})
	return sorted, nil
}

func transformGroup(cfg *schema.TransformConfig, input any) (any, error) {
	items, err := asItems(input)
	if err != nil {
		return nil, err
	}
	groups := make(map[string]any)
	for _, item := range items {
		key := stringify(fieldOf(item, cfg.GroupBy))
		bucket, _ := groups[key].([]any)
		groups[key] = append(bucket, item)
	}
	return groups, nil
}

func transformAggregate(cfg *schema.TransformConfig, input any) (any, error) {
	items, err := asItems(input)
	if err != nil {
		return nil, err
	}
	op, _ := cfg.Args["op"].(string)
	field, _ := cfg.Args["field"].(string)

	if op == "count" {
		return len(items), nil
	}

	var values []float64
	for _, item := range items {
		if f, ok := toNumber(fieldOf(item, field)); ok {
			values = append(values, f)
		}
	}
	if len(values) == 0 {
		return 0.0, nil
	}

	switch op {
	case "sum", "avg":
		var sum float64
		for _, v := range values {
			sum += v
		}
		if op == "avg" {
			return sum / float64(len(values)), nil
		}
		return sum, nil
	case "min":
		min := values[0]
		for _, v := range values[1:] {
			if v < min {
				min = v
			}
		}
		return min, nil
	case "max":
		max := values[0]
		for _, v := range values[1:] {
			if v > max {
				max = v
			}
		}
		return max, nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown aggregate op %q", op)
	}
}

// transformDeduplicate keeps the first (or last, per args.keep) occurrence of
// each key. args.by names the key field; without it the whole item
// stringified is the key.
func transformDeduplicate(cfg *schema.TransformConfig, input any) (any, error) {
	items, err := asItems(input)
	if err != nil {
		return nil, err
	}
	by, _ := cfg.Args["by"].(string)
	keep, _ := cfg.Args["keep"].(string)

	keyOf := func(item any) string {
		if by == "" {
			return stringify(item)
		}
		return stringify(fieldOf(item, by))
	}

	index := make(map[string]int)
	var out []any
	for _, item := range items {
		key := keyOf(item)
		if pos, seen := index[key]; seen {
			if keep == "last" {
				out[pos] = item
			}
			continue
		}
		index[key] = len(out)
		out = append(out, item)
	}
	return out, nil
}

// transformSplit routes items into named buckets by predicate. Buckets are
// evaluated in an unspecified order; the first matching bucket wins, and
// unmatched items land in "rest".
func (e *Engine) transformSplit(ctx context.Context, cfg *schema.TransformConfig, input any, scope *expressions.Scope) (any, error) {
	if e.expr == nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "no expr engine configured")
	}
	items, err := asItems(input)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(cfg.Args))
	for name := range cfg.Args {
		names = append(names, name)
	}
	sort.Strings(names)

	buckets := make(map[string]any, len(names)+1)
	for _, name := range names {
		buckets[name] = []any{}
	}

	for _, item := range items {
		placed := false
		for _, name := range names {
			predicate, _ := cfg.Args[name].(string)
			if predicate == "" {
				continue
			}
			verdict, err := e.expr.Evaluate(ctx, predicate, itemEnv(scope, item))
			if err != nil {
				return nil, err
			}
			if match, ok := verdict.(bool); ok && match {
				buckets[name] = append(buckets[name].([]any), item)
				placed = true
				break
			}
		}
		if !placed {
			rest, _ := buckets["rest"].([]any)
			buckets["rest"] = append(rest, item)
		}
	}
	return buckets, nil
}

// transformFormat renders the format template once per item for arrays
// (joined by newlines) or once for a scalar/object input.
func transformFormat(cfg *schema.TransformConfig, input any, scope *expressions.Scope) (any, error) {
	render := func(item any) (string, error) {
		// Appended, not prepended: frames resolve innermost-last, so the
		// element being formatted must shadow any enclosing loop's var.
		frames := append([]expressions.LoopFrame(nil), scope.Loops...)
		frames = append(frames, expressions.LoopFrame{Var: "item", Item: item})
		itemScope := &expressions.Scope{
			Steps:   scope.Steps,
			Input:   scope.Input,
			Env:     scope.Env,
			Secrets: scope.Secrets,
			Loops:   frames,
		}
		return expressions.ResolveString(cfg.Format, itemScope)
	}

	if items, err := asItems(input); err == nil && items != nil {
		lines := make([]string, len(items))
		for i, item := range items {
			line, err := render(item)
			if err != nil {
				return nil, err
			}
			lines[i] = line
		}
		return strings.Join(lines, "\n"), nil
	}
	return render(input)
}

func (e *Engine) transformJQ(ctx context.Context, cfg *schema.TransformConfig, input any, scope *expressions.Scope) (any, error) {
	if e.jq == nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "no jq engine configured")
	}
	env := expressions.Activation(scope)
	env["item"] = input
	return e.jq.Evaluate(ctx, cfg.Query, env)
}

// transformReasoning hands the input to the structured reasoner, which
// validates the model output against the registered pattern schema with
// bounded retries.
func (e *Engine) transformReasoning(ctx context.Context, cfg *schema.TransformConfig, input any) (any, error) {
	if e.reasoner == nil {
		return nil, schema.NewError(schema.ErrCodeProviderUnavailable, "no reasoning provider configured")
	}
	pattern, _ := cfg.Args["pattern"].(string)
	payload := map[string]any{"input": input}
	return e.reasoner.Run(ctx, pattern, cfg.Format, payload)
}

// --- value helpers ---

func fieldOf(item any, path string) any {
	if path == "" {
		return item
	}
	current := item
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current = m[part]
	}
	return current
}

func compareValues(a, b any) int {
	af, aok := toNumber(a)
	bf, bok := toNumber(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(stringify(a), stringify(b))
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func stringify(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", s)
	}
}
