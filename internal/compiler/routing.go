package compiler

import (
	"sort"
	"time"

	"github.com/skein-dev/skein/pkg/schema"
)

// Default safety limits applied when the definition leaves them unset.
const (
	DefaultMaxSteps       = 500
	DefaultMaxConcurrency = 8
	DefaultMaxDepth       = 5
	DefaultMaxIterations  = 1000
)

// validateRouting runs the per-step semantic and routing checks: the kind
// must match exactly one configuration block, branching steps must route
// somewhere, and numeric knobs must make sense.
func (c *Compiler) validateRouting(def *schema.WorkflowDefinition, idx *stepIndex, result *schema.ValidationResult) {
	limits := effectiveLimits(def)

	if len(idx.nodes) > limits.MaxSteps {
		result.AddError("/steps", schema.ErrCodeLimitExceeded,
			"workflow has %d steps, limit is %d", len(idx.nodes), limits.MaxSteps)
	}
	if idx.maxDepth >= limits.MaxDepth {
		result.AddError("/steps", schema.ErrCodeLimitExceeded,
			"workflow nests %d levels deep, limit is %d", idx.maxDepth+1, limits.MaxDepth)
	}

	topLevel := make(map[string]bool, len(def.Steps))
	for i := range def.Steps {
		topLevel[def.Steps[i].ID] = true
	}

	for _, node := range idx.nodes {
		c.validateStep(node, topLevel, result)
	}
}

func (c *Compiler) validateStep(node *StepNode, topLevel map[string]bool, result *schema.ValidationResult) {
	step := node.Step
	kind := step.EffectiveKind()

	c.checkConfigBlocks(step, kind, result)

	// depends_on only orders top-level steps; nested bodies are sequential.
	for _, dep := range step.DependsOn {
		if node.Parent != "" {
			result.AddStepError(step.ID, schema.ErrCodeValidation,
				"depends_on is only valid on top-level steps")
			break
		}
		if dep == step.ID {
			result.AddStepError(step.ID, schema.ErrCodeCycleDetected, "step depends on itself")
			continue
		}
		if !topLevel[dep] {
			result.AddStepError(step.ID, schema.ErrCodeValidation,
				"depends_on references unknown step %q", dep)
		}
	}

	if step.Retry != nil {
		if step.Retry.Max > 10 {
			result.AddStepWarning(step.ID, schema.ErrCodeValidation,
				"retry.max of %d is unusually high", step.Retry.Max)
		}
		if step.Retry.Delay != "" {
			if _, err := time.ParseDuration(step.Retry.Delay); err != nil {
				result.AddStepError(step.ID, schema.ErrCodeValidation,
					"retry.delay %q is not a valid duration", step.Retry.Delay)
			}
		}
	}

	if step.When != "" && c.cel != nil {
		if err := c.cel.Check(step.When); err != nil {
			result.AddStepError(step.ID, schema.ErrCodeCompilation,
				"when expression does not compile: %v", err)
		}
	}

	switch kind {
	case schema.StepKindAction:
		c.validateAction(step, result)
	case schema.StepKindTransform:
		validateTransform(step, result)
	case schema.StepKindConditional:
		validateConditional(step, result)
	case schema.StepKindSwitch:
		validateSwitch(step, result)
	case schema.StepKindLoop:
		validateLoop(step, result)
	case schema.StepKindScatterGather:
		validateScatter(step, result)
	case schema.StepKindSubWorkflow:
		if step.SubWorkflow == nil || step.SubWorkflow.Workflow == "" {
			result.AddStepError(step.ID, schema.ErrCodeValidation, "sub_workflow requires a workflow name")
		}
	case schema.StepKindDelay:
		validateDelay(step, result)
	case schema.StepKindHumanApproval:
		if step.Approval == nil || step.Approval.Prompt == "" {
			result.AddStepError(step.ID, schema.ErrCodeValidation, "human_approval requires a prompt")
		}
	}
}

// checkConfigBlocks verifies the step carries the config block its kind
// demands and no other.
func (c *Compiler) checkConfigBlocks(step *schema.WorkflowStep, kind schema.StepKind, result *schema.ValidationResult) {
	blocks := map[schema.StepKind]bool{
		schema.StepKindAction:        step.Action != nil,
		schema.StepKindTransform:     step.Transform != nil,
		schema.StepKindConditional:   step.Conditional != nil,
		schema.StepKindSwitch:        step.Switch != nil,
		schema.StepKindLoop:          step.Loop != nil,
		schema.StepKindScatterGather: step.Scatter != nil,
		schema.StepKindSubWorkflow:   step.SubWorkflow != nil,
		schema.StepKindDelay:         step.Delay != nil,
		schema.StepKindHumanApproval: step.Approval != nil,
	}

	if !blocks[kind] {
		result.AddStepError(step.ID, schema.ErrCodeValidation,
			"step kind %q requires a %q configuration block", kind, kind)
	}
	for k, present := range blocks {
		if present && k != kind {
			result.AddStepError(step.ID, schema.ErrCodeValidation,
				"step kind %q carries an unrelated %q configuration block", kind, k)
		}
	}
}

func (c *Compiler) validateAction(step *schema.WorkflowStep, result *schema.ValidationResult) {
	if step.Action == nil {
		return
	}
	if step.Action.Provider == "" || step.Action.Action == "" {
		result.AddStepError(step.ID, schema.ErrCodeValidation, "action requires provider and action names")
		return
	}
	if c.actions != nil && !c.actions.Has(step.Action.Provider, step.Action.Action) {
		result.AddStepWarning(step.ID, schema.ErrCodeProviderUnavailable,
			"no registered provider handles %s.%s", step.Action.Provider, step.Action.Action)
	}
}

func validateTransform(step *schema.WorkflowStep, result *schema.ValidationResult) {
	t := step.Transform
	if t == nil {
		return
	}
	if t.Input == "" {
		result.AddStepError(step.ID, schema.ErrCodeValidation, "transform requires an input reference")
	}
	switch t.Op {
	case "filter":
		if t.Where == "" {
			result.AddStepError(step.ID, schema.ErrCodeValidation, "filter transform requires a where expression")
		}
	case "map":
		if t.Expr == "" {
			result.AddStepError(step.ID, schema.ErrCodeValidation, "map transform requires an expr")
		}
	case "pick", "pick_fields":
		if len(t.Fields) == 0 {
			result.AddStepError(step.ID, schema.ErrCodeValidation, "pick transform requires fields")
		}
	case "sort":
		if t.OrderBy == "" {
			result.AddStepError(step.ID, schema.ErrCodeValidation, "sort transform requires order_by")
		}
	case "group", "group_by":
		if t.GroupBy == "" {
			result.AddStepError(step.ID, schema.ErrCodeValidation, "group transform requires group_by")
		}
	case "format", "template":
		if t.Format == "" {
			result.AddStepError(step.ID, schema.ErrCodeValidation, "format transform requires a format string")
		}
	case "jq":
		if t.Query == "" {
			result.AddStepError(step.ID, schema.ErrCodeValidation, "jq transform requires a query")
		}
	case "aggregate":
		if op, _ := t.Args["op"].(string); op == "" {
			result.AddStepError(step.ID, schema.ErrCodeValidation, "aggregate transform requires args.op")
		} else if op != "count" {
			if field, _ := t.Args["field"].(string); field == "" {
				result.AddStepError(step.ID, schema.ErrCodeValidation,
					"aggregate op %q requires args.field", op)
			}
		}
	case "deduplicate":
		// args.by and args.keep are optional; whole-item dedupe by default.
	case "split":
		if len(t.Args) == 0 {
			result.AddStepError(step.ID, schema.ErrCodeValidation,
				"split transform requires args mapping bucket names to predicates")
		}
	case "reasoning":
		if pattern, _ := t.Args["pattern"].(string); pattern == "" {
			result.AddStepError(step.ID, schema.ErrCodeValidation,
				"reasoning transform requires args.pattern naming a registered schema")
		}
		if t.Format == "" {
			result.AddStepError(step.ID, schema.ErrCodeValidation,
				"reasoning transform requires a format prompt")
		}
	case "":
		result.AddStepError(step.ID, schema.ErrCodeValidation, "transform requires an op")
	}
}

// validateConditional requires at least one routed branch. A branch may be an
// empty list, which marks that outcome as explicitly terminal, but omitting
// both then and else leaves the step with nowhere to go.
func validateConditional(step *schema.WorkflowStep, result *schema.ValidationResult) {
	cond := step.Conditional
	if cond == nil {
		return
	}
	if cond.If == nil {
		result.AddStepError(step.ID, schema.ErrCodeValidation, "conditional requires an if condition")
	}
	if cond.Then == nil && cond.Else == nil {
		result.AddStepError(step.ID, schema.ErrCodeValidation,
			"conditional routes nowhere; declare then, else, or an explicitly empty branch")
	}
	validateConditionTree(step.ID, cond.If, result)
}

func validateConditionTree(stepID string, cond *schema.Condition, result *schema.ValidationResult) {
	if cond == nil {
		return
	}
	composite := len(cond.All) > 0 || len(cond.Any) > 0 || cond.Not != nil
	if !composite {
		if cond.Operator == "" {
			result.AddStepError(stepID, schema.ErrCodeValidation,
				"condition on field %q has no operator", cond.Field)
		} else if !schema.KnownOperator(cond.Operator) {
			result.AddStepError(stepID, schema.ErrCodeValidation,
				"unknown condition operator %q", cond.Operator)
		}
	}
	for _, c := range cond.All {
		validateConditionTree(stepID, c, result)
	}
	for _, c := range cond.Any {
		validateConditionTree(stepID, c, result)
	}
	validateConditionTree(stepID, cond.Not, result)
}

func validateSwitch(step *schema.WorkflowStep, result *schema.ValidationResult) {
	sw := step.Switch
	if sw == nil {
		return
	}
	if sw.Selector == "" {
		result.AddStepError(step.ID, schema.ErrCodeValidation, "switch requires a selector")
	}
	if len(sw.Cases) == 0 && sw.Default == nil {
		result.AddStepError(step.ID, schema.ErrCodeValidation, "switch has no cases and no default")
	}
	if sw.Default == nil {
		result.AddStepWarning(step.ID, schema.ErrCodeValidation,
			"switch has no default; unmatched values produce an empty output")
	}
}

func validateLoop(step *schema.WorkflowStep, result *schema.ValidationResult) {
	l := step.Loop
	if l == nil {
		return
	}
	if l.Over == "" {
		result.AddStepError(step.ID, schema.ErrCodeValidation, "loop requires an over reference")
	}
	if len(l.Body) == 0 {
		result.AddStepError(step.ID, schema.ErrCodeValidation, "loop body is empty")
	}
	if l.MaxIterations < 0 {
		result.AddStepError(step.ID, schema.ErrCodeValidation, "loop max_iterations must be positive")
	}
}

func validateScatter(step *schema.WorkflowStep, result *schema.ValidationResult) {
	sc := step.Scatter
	if sc == nil {
		return
	}

	hasTemplate := len(sc.Template) > 0
	hasBranches := len(sc.Branches) > 0
	switch {
	case hasTemplate && hasBranches:
		result.AddStepError(step.ID, schema.ErrCodeValidation,
			"scatter_gather declares both a template and explicit branches; pick one")
	case !hasTemplate && !hasBranches:
		result.AddStepError(step.ID, schema.ErrCodeValidation,
			"scatter_gather requires a template or explicit branches")
	case hasTemplate && sc.Items == "":
		result.AddStepError(step.ID, schema.ErrCodeValidation,
			"scatter_gather with a template requires an items reference")
	}

	if sc.Gather != "" && !schema.KnownGather(sc.Gather) {
		result.AddStepError(step.ID, schema.ErrCodeValidation,
			"unknown gather strategy %q", sc.Gather)
	}
	if sc.MaxConcurrency < 0 {
		result.AddStepError(step.ID, schema.ErrCodeValidation, "max_concurrency must be positive")
	}

	if wf := sc.WaitFor; wf != nil {
		switch wf.Mode {
		case schema.WaitAll, schema.WaitAny:
			if wf.Count != 0 {
				result.AddStepWarning(step.ID, schema.ErrCodeValidation,
					"wait_for.count is ignored for mode %q", wf.Mode)
			}
		case schema.WaitNOfM:
			if wf.Count < 1 {
				result.AddStepError(step.ID, schema.ErrCodeValidation,
					"wait_for mode n_of_m requires count >= 1")
			}
			if hasBranches && wf.Count > len(sc.Branches) {
				result.AddStepError(step.ID, schema.ErrCodeValidation,
					"wait_for.count %d exceeds the %d declared branches", wf.Count, len(sc.Branches))
			}
		default:
			result.AddStepError(step.ID, schema.ErrCodeValidation,
				"unknown wait_for mode %q", wf.Mode)
		}
	}
}

func validateDelay(step *schema.WorkflowStep, result *schema.ValidationResult) {
	d := step.Delay
	if d == nil {
		return
	}
	if d.Duration == "" && d.Until == "" {
		result.AddStepError(step.ID, schema.ErrCodeValidation, "delay requires a duration or an until timestamp")
	}
	if d.Duration != "" && d.Until != "" {
		result.AddStepError(step.ID, schema.ErrCodeValidation, "delay declares both duration and until")
	}
	if d.Duration != "" {
		if _, err := time.ParseDuration(d.Duration); err != nil {
			result.AddStepError(step.ID, schema.ErrCodeValidation,
				"delay duration %q is not valid", d.Duration)
		}
	}
}

// analyzeDAG detects dependency cycles with Kahn's algorithm and, when the
// graph is acyclic, produces the parallel execution levels. It also warns
// about top-level steps unreachable from the roots.
func analyzeDAG(steps []schema.WorkflowStep, result *schema.ValidationResult) [][]string {
	known := make(map[string]bool, len(steps))
	for i := range steps {
		known[steps[i].ID] = true
	}

	inDegree := make(map[string]int, len(steps))
	dependents := make(map[string][]string, len(steps))
	for i := range steps {
		step := &steps[i]
		if _, ok := inDegree[step.ID]; !ok {
			inDegree[step.ID] = 0
		}
		for _, dep := range step.DependsOn {
			if !known[dep] || dep == step.ID {
				continue // reported by the semantic pass
			}
			inDegree[step.ID]++
			dependents[dep] = append(dependents[dep], step.ID)
		}
	}

	// Kahn's algorithm, level by level. Each level is sorted so the plan is
	// deterministic regardless of map iteration order.
	var levels [][]string
	var current []string
	for id, deg := range inDegree {
		if deg == 0 {
			current = append(current, id)
		}
	}
	sort.Strings(current)

	processed := 0
	for len(current) > 0 {
		levels = append(levels, current)
		processed += len(current)

		var next []string
		for _, id := range current {
			for _, dependent := range dependents[id] {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		sort.Strings(next)
		current = next
	}

	if processed < len(inDegree) {
		var stuck []string
		for id := range inDegree {
			if inDegree[id] > 0 {
				stuck = append(stuck, id)
			}
		}
		sort.Strings(stuck)
		for _, id := range stuck {
			result.AddStepError(id, schema.ErrCodeCycleDetected,
				"step participates in a dependency cycle")
		}
		return nil
	}

	warnUnreachable(steps, levels, result)
	return levels
}

// warnUnreachable flags steps that no root can reach. With Kahn this cannot
// happen in an acyclic graph of well-formed deps, but dangling references
// removed by earlier passes can leave orphans.
func warnUnreachable(steps []schema.WorkflowStep, levels [][]string, result *schema.ValidationResult) {
	seen := make(map[string]bool)
	for _, level := range levels {
		for _, id := range level {
			seen[id] = true
		}
	}
	for i := range steps {
		if !seen[steps[i].ID] {
			result.AddStepWarning(steps[i].ID, schema.ErrCodeValidation,
				"step is unreachable from the workflow roots")
		}
	}
}

func effectiveLimits(def *schema.WorkflowDefinition) schema.Limits {
	limits := schema.Limits{
		MaxSteps:       DefaultMaxSteps,
		MaxConcurrency: DefaultMaxConcurrency,
		MaxDepth:       DefaultMaxDepth,
	}
	if def.Limits == nil {
		return limits
	}
	if def.Limits.MaxSteps > 0 {
		limits.MaxSteps = def.Limits.MaxSteps
	}
	if def.Limits.MaxConcurrency > 0 {
		limits.MaxConcurrency = def.Limits.MaxConcurrency
	}
	if def.Limits.MaxDepth > 0 {
		limits.MaxDepth = def.Limits.MaxDepth
	}
	return limits
}
