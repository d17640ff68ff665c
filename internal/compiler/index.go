package compiler

import (
	"github.com/skein-dev/skein/pkg/schema"

	"github.com/skein-dev/skein/internal/expressions"
)

// StepNode is one entry in the flat step index. Nested steps (branch bodies,
// loop bodies, scatter templates) get qualified IDs so diagnostics can point
// at the exact location, while references keep using the plain step ID.
type StepNode struct {
	// QualifiedID is the dotted path from the root, e.g. "route.then.notify".
	QualifiedID string

	Step *schema.WorkflowStep

	// Parent is the qualified ID of the enclosing composite step, empty for
	// top-level steps.
	Parent string

	// Branch is the body label within the parent ("then", "case:high", ...).
	Branch string

	// Depth counts enclosing composite steps. Top-level steps have depth 0.
	Depth int

	// LoopVars are the loop item variables visible at this step, outermost
	// first. Each var also implies "<var>_index".
	LoopVars []string

	// visible holds the plain step IDs whose outputs this step may read:
	// earlier siblings in the same body plus everything visible to the
	// parent, expanded by top-level dependency closure.
	visible map[string]bool
}

// stepIndex is the phase-1 output: every step in the definition, flattened.
type stepIndex struct {
	// nodes in definition order (parents before children).
	nodes []*StepNode

	// byID maps plain step IDs to their node. Plain IDs are required to be
	// unique across the whole definition so references stay unambiguous.
	byID map[string]*StepNode

	maxDepth int
}

// buildIndex walks the definition and produces the flat step table. Duplicate
// step IDs and depth violations are reported on the result.
func buildIndex(def *schema.WorkflowDefinition, result *schema.ValidationResult) *stepIndex {
	idx := &stepIndex{byID: make(map[string]*StepNode)}

	// Top-level visibility comes from the dependency closure, which needs
	// the full list first.
	closure := dependencyClosure(def.Steps)

	for i := range def.Steps {
		step := &def.Steps[i]
		visible := make(map[string]bool)
		for dep := range closure[step.ID] {
			visible[dep] = true
		}
		idx.add(step, "", "", 0, nil, visible, result)
	}
	return idx
}

func (idx *stepIndex) add(step *schema.WorkflowStep, parent, branch string, depth int, loopVars []string, visible map[string]bool, result *schema.ValidationResult) {
	qid := step.ID
	if parent != "" {
		qid = parent + "." + branch + "." + step.ID
	}

	node := &StepNode{
		QualifiedID: qid,
		Step:        step,
		Parent:      parent,
		Branch:      branch,
		Depth:       depth,
		LoopVars:    loopVars,
		visible:     visible,
	}

	if prev, dup := idx.byID[step.ID]; dup {
		result.AddStepError(step.ID, schema.ErrCodeValidation,
			"duplicate step id (also declared at %s)", prev.QualifiedID)
	} else {
		idx.byID[step.ID] = node
	}
	idx.nodes = append(idx.nodes, node)
	if depth > idx.maxDepth {
		idx.maxDepth = depth
	}

	childVars := loopVars
	switch step.EffectiveKind() {
	case schema.StepKindLoop:
		if step.Loop != nil {
			childVars = appendVar(loopVars, step.Loop.ItemVar)
		}
	case schema.StepKindScatterGather:
		if step.Scatter != nil && step.Scatter.Items != "" {
			childVars = appendVar(loopVars, step.Scatter.ItemVar)
		}
	}

	bodies, labels := step.Bodies()
	for b, body := range bodies {
		// Steps inside a body run sequentially: each one sees the outputs
		// of its earlier siblings in addition to the parent's visibility.
		bodyVisible := copyVisible(visible)
		for i := range body {
			child := &body[i]
			idx.add(child, qid, labels[b], depth+1, childVars, copyVisible(bodyVisible), result)
			bodyVisible[child.ID] = true
		}
	}
}

func appendVar(vars []string, v string) []string {
	if v == "" {
		v = "item"
	}
	out := make([]string, len(vars), len(vars)+1)
	copy(out, vars)
	return append(out, v)
}

func copyVisible(m map[string]bool) map[string]bool {
	out := make(map[string]bool, len(m))
	for k := range m {
		out[k] = true
	}
	return out
}

// canSee reports whether the node may reference outputs of the step with the
// given plain ID.
func (n *StepNode) canSee(id string) bool {
	return n.visible[id]
}

// hasLoopVar reports whether root names a loop variable (or its index
// counterpart) in scope at this step.
func (n *StepNode) hasLoopVar(root string) bool {
	for _, v := range n.LoopVars {
		if root == v || root == v+"_index" {
			return true
		}
	}
	return false
}

// dependencyClosure computes the transitive depends_on closure for top-level
// steps. Unknown dependency targets are ignored here; phase 2 reports them.
func dependencyClosure(steps []schema.WorkflowStep) map[string]map[string]bool {
	direct := make(map[string][]string, len(steps))
	known := make(map[string]bool, len(steps))
	for i := range steps {
		direct[steps[i].ID] = steps[i].DependsOn
		known[steps[i].ID] = true
	}

	closure := make(map[string]map[string]bool, len(steps))
	var expand func(id string, seen map[string]bool) map[string]bool
	expand = func(id string, seen map[string]bool) map[string]bool {
		if done, ok := closure[id]; ok {
			return done
		}
		if seen[id] {
			// Cycle; the DAG check reports it. Return what we have.
			return map[string]bool{}
		}
		seen[id] = true
		set := make(map[string]bool)
		for _, dep := range direct[id] {
			if !known[dep] {
				continue
			}
			set[dep] = true
			for transitive := range expand(dep, seen) {
				set[transitive] = true
			}
		}
		closure[id] = set
		return set
	}
	for i := range steps {
		expand(steps[i].ID, make(map[string]bool))
	}
	return closure
}

// collectRefs gathers every template reference a step's configuration can
// contain, paired with the config path it came from for diagnostics.
type stepRef struct {
	Path string
	Ref  expressions.Ref
	Raw  string
}

func collectStepRefs(step *schema.WorkflowStep, result *schema.ValidationResult) []stepRef {
	var refs []stepRef
	add := func(path, text string) {
		for _, raw := range expressions.ExtractRefs(text) {
			ref, err := expressions.ParseRef(raw)
			if err != nil {
				result.AddStepError(step.ID, schema.ErrCodeValidation,
					"%s: malformed reference {{%s}}: %v", path, raw, err)
				continue
			}
			refs = append(refs, stepRef{Path: path, Ref: ref, Raw: raw})
		}
	}

	if step.Action != nil && len(step.Action.Params) > 0 {
		add("action.params", string(step.Action.Params))
	}
	if step.Transform != nil {
		add("transform.input", step.Transform.Input)
		add("transform.format", step.Transform.Format)
		for k, v := range step.Transform.Args {
			if s, ok := v.(string); ok {
				add("transform.args."+k, s)
			}
		}
	}
	if step.Conditional != nil {
		collectConditionRefs("conditional.if", step.Conditional.If, add)
	}
	if step.Switch != nil {
		add("switch.selector", step.Switch.Selector)
	}
	if step.Loop != nil {
		add("loop.over", step.Loop.Over)
	}
	if step.Scatter != nil {
		add("scatter_gather.items", step.Scatter.Items)
	}
	if step.SubWorkflow != nil {
		for k, v := range step.SubWorkflow.InputMap {
			add("sub_workflow.input_map."+k, v)
		}
	}
	if step.Delay != nil {
		add("delay.until", step.Delay.Until)
	}
	if step.Approval != nil {
		add("human_approval.prompt", step.Approval.Prompt)
	}
	collectConditionRefs("execute_if", step.ExecuteIf, add)
	return refs
}

func collectConditionRefs(path string, cond *schema.Condition, add func(path, text string)) {
	if cond == nil {
		return
	}
	add(path+".field", cond.Field)
	if s, ok := cond.Value.(string); ok {
		add(path+".value", s)
	}
	for _, c := range cond.All {
		collectConditionRefs(path+".all", c, add)
	}
	for _, c := range cond.Any {
		collectConditionRefs(path+".any", c, add)
	}
	collectConditionRefs(path+".not", cond.Not, add)
}
