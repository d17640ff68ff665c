// Package conditions evaluates boolean condition trees and switch routing
// over resolved workflow values.
package conditions

import (
	"context"
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/skein-dev/skein/internal/expressions"
	"github.com/skein-dev/skein/pkg/schema"
)

// Evaluator evaluates executeIf trees, string-form CEL guards, and switch
// selectors. Safe for concurrent use.
type Evaluator struct {
	cel *expressions.CELEngine

	mu      sync.RWMutex
	regexps map[string]*regexp.Regexp
}

// NewEvaluator creates an Evaluator. The CEL engine backs `when` guards and
// expression-form switch selectors.
func NewEvaluator(cel *expressions.CELEngine) *Evaluator {
	return &Evaluator{
		cel:     cel,
		regexps: make(map[string]*regexp.Regexp),
	}
}

// Evaluate walks a condition tree. Interior nodes combine children with
// all/any/not; leaves resolve Field against the scope and apply Operator.
// A leaf whose field does not resolve is false (exists/not_exists excepted).
func (e *Evaluator) Evaluate(cond *schema.Condition, scope *expressions.Scope) (bool, error) {
	if cond == nil {
		return true, nil
	}

	switch {
	case len(cond.All) > 0:
		for _, child := range cond.All {
			ok, err := e.Evaluate(child, scope)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil
	case len(cond.Any) > 0:
		for _, child := range cond.Any {
			ok, err := e.Evaluate(child, scope)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case cond.Not != nil:
		ok, err := e.Evaluate(cond.Not, scope)
		if err != nil {
			return false, err
		}
		return !ok, nil
	}

	return e.evaluateLeaf(cond, scope)
}

// EvaluateWhen evaluates a string-form CEL guard. The result must be a
// boolean.
func (e *Evaluator) EvaluateWhen(ctx context.Context, expr string, scope *expressions.Scope) (bool, error) {
	out, err := e.cel.Evaluate(ctx, expr, expressions.Activation(scope))
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeValidation,
			"guard %q evaluated to %T, want bool", expr, out)
	}
	return b, nil
}

func (e *Evaluator) evaluateLeaf(cond *schema.Condition, scope *expressions.Scope) (bool, error) {
	if cond.Operator == "" {
		return false, schema.NewError(schema.ErrCodeValidation, "condition leaf has no operator")
	}

	val, resolved := expressions.ResolveValue(cond.Field, scope)

	switch cond.Operator {
	case schema.OpExists:
		return resolved && val != nil, nil
	case schema.OpNotExists:
		return !resolved || val == nil, nil
	}
	if !resolved {
		return false, nil
	}

	switch cond.Operator {
	case schema.OpEq:
		return looseEqual(val, cond.Value), nil
	case schema.OpNeq:
		return !looseEqual(val, cond.Value), nil
	case schema.OpGt, schema.OpGte, schema.OpLt, schema.OpLte:
		return compareOrdered(cond.Operator, val, cond.Value)
	case schema.OpContains:
		return contains(val, cond.Value), nil
	case schema.OpIn:
		return contains(cond.Value, val), nil
	case schema.OpStartsWith:
		return strings.HasPrefix(toString(val), toString(cond.Value)), nil
	case schema.OpEndsWith:
		return strings.HasSuffix(toString(val), toString(cond.Value)), nil
	case schema.OpMatches:
		re, err := e.pattern(toString(cond.Value))
		if err != nil {
			return false, err
		}
		return re.MatchString(toString(val)), nil
	case schema.OpEmpty:
		return isEmpty(val), nil
	case schema.OpNotEmpty:
		return !isEmpty(val), nil
	default:
		return false, schema.NewErrorf(schema.ErrCodeValidation, "unknown operator %q", cond.Operator)
	}
}

func (e *Evaluator) pattern(expr string) (*regexp.Regexp, error) {
	e.mu.RLock()
	re, ok := e.regexps[expr]
	e.mu.RUnlock()
	if ok {
		return re, nil
	}

	compiled, err := regexp.Compile(expr)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "bad pattern %q: %s", expr, err.Error())
	}

	e.mu.Lock()
	e.regexps[expr] = compiled
	e.mu.Unlock()
	return compiled, nil
}

// looseEqual compares after numeric coercion so 2 == 2.0 and "2" == 2 hold,
// matching case comparison in switch routing.
func looseEqual(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	if ab, aok := a.(bool); aok {
		if bb, bok := toBool(b); bok {
			return ab == bb
		}
	}
	if reflect.DeepEqual(a, b) {
		return true
	}
	return toString(a) == toString(b) && a != nil && b != nil
}

func compareOrdered(op string, a, b any) (bool, error) {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		switch op {
		case schema.OpGt:
			return af > bf, nil
		case schema.OpGte:
			return af >= bf, nil
		case schema.OpLt:
			return af < bf, nil
		case schema.OpLte:
			return af <= bf, nil
		}
	}

	as, bs := toString(a), toString(b)
	switch op {
	case schema.OpGt:
		return as > bs, nil
	case schema.OpGte:
		return as >= bs, nil
	case schema.OpLt:
		return as < bs, nil
	case schema.OpLte:
		return as <= bs, nil
	}
	return false, schema.NewErrorf(schema.ErrCodeValidation, "unknown ordering operator %q", op)
}

func contains(haystack, needle any) bool {
	switch h := haystack.(type) {
	case string:
		return strings.Contains(h, toString(needle))
	case []any:
		for _, item := range h {
			if looseEqual(item, needle) {
				return true
			}
		}
		return false
	case map[string]any:
		_, ok := h[toString(needle)]
		return ok
	default:
		return false
	}
}

func isEmpty(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return val == ""
	case []any:
		return len(val) == 0
	case map[string]any:
		return len(val) == 0
	default:
		return false
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func toBool(v any) (bool, bool) {
	switch b := v.(type) {
	case bool:
		return b, true
	case string:
		parsed, err := strconv.ParseBool(b)
		return parsed, err == nil
	default:
		return false, false
	}
}

func toString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(s)
	default:
		return fmt.Sprintf("%v", s)
	}
}
