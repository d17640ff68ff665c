package conditions

import (
	"context"
	"strings"

	"github.com/skein-dev/skein/internal/expressions"
	"github.com/skein-dev/skein/pkg/schema"
)

// SwitchResult names the branch a switch selected. Matched is false when no
// case matched and no default exists; the engine then marks every branch
// step skipped.
type SwitchResult struct {
	Case      string // matched case key, or "default"
	Matched   bool
	Selector  any // the evaluated selector value, recorded for audit
	IsDefault bool
}

// EvaluateSwitch resolves the selector to a scalar and picks a case after
// type coercion. Selector strings holding a {{...}} reference resolve
// through the variable resolver; anything else evaluates as CEL.
func (e *Evaluator) EvaluateSwitch(ctx context.Context, sw *schema.SwitchConfig, scope *expressions.Scope) (SwitchResult, error) {
	if sw == nil || sw.Selector == "" {
		return SwitchResult{}, schema.NewError(schema.ErrCodeValidation, "switch has no selector")
	}

	val, err := e.selectorValue(ctx, sw.Selector, scope)
	if err != nil {
		return SwitchResult{}, err
	}

	for name := range sw.Cases {
		if looseEqual(val, name) {
			return SwitchResult{Case: name, Matched: true, Selector: val}, nil
		}
	}
	if sw.Default != nil {
		return SwitchResult{Case: "default", Matched: true, Selector: val, IsDefault: true}, nil
	}
	return SwitchResult{Matched: false, Selector: val}, nil
}

func (e *Evaluator) selectorValue(ctx context.Context, selector string, scope *expressions.Scope) (any, error) {
	trimmed := strings.TrimSpace(selector)
	if strings.HasPrefix(trimmed, "{{") && strings.HasSuffix(trimmed, "}}") {
		val, ok := expressions.ResolveValue(trimmed, scope)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeDataUnavailable,
				"switch selector %s did not resolve", selector)
		}
		return val, nil
	}
	return e.cel.Evaluate(ctx, selector, expressions.Activation(scope))
}
