package expressions

import "context"

// Engine evaluates expressions within workflow steps.
// Three implementations: CEL (guards, switch selectors), Expr (transform
// predicates/projections), GoJQ (jq transforms).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Activation flattens a Scope into the map form the engines evaluate against:
// steps, input, env as top-level maps, loop frames under "vars"
// (name -> item, name_index -> index).
func Activation(scope *Scope) map[string]any {
	steps := make(map[string]any, len(scope.Steps))
	for id, data := range scope.Steps {
		steps[id] = data
	}
	env := make(map[string]any, len(scope.Env))
	for k, v := range scope.Env {
		env[k] = v
	}
	vars := make(map[string]any, len(scope.Loops)*2)
	for _, frame := range scope.Loops {
		vars[frame.Var] = frame.Item
		vars[frame.Var+"_index"] = frame.Index
	}

	input := scope.Input
	if input == nil {
		input = map[string]any{}
	}
	return map[string]any{
		"steps": steps,
		"input": input,
		"env":   env,
		"vars":  vars,
	}
}
