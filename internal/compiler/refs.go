package compiler

import (
	"strings"

	"github.com/skein-dev/skein/pkg/schema"

	"github.com/skein-dev/skein/internal/registry"
)

// lastBranchOutput is implicitly produced by conditional and switch steps:
// it carries the output of the last step of whichever branch ran.
const lastBranchOutputKey = "lastBranchOutput"

// validateRefs checks every template reference in every step: the referenced
// producer must exist and be reachable in dependency order, and the key must
// be declared on the producer. References with a redundant ".output." or
// ".data." qualifier are repaired and recorded as autofixes.
func (c *Compiler) validateRefs(idx *stepIndex, result *schema.ValidationResult) {
	for _, node := range idx.nodes {
		refs := collectStepRefs(node.Step, result)
		for _, r := range refs {
			c.validateRef(idx, node, r, result)
		}
	}
}

func (c *Compiler) validateRef(idx *stepIndex, node *StepNode, r stepRef, result *schema.ValidationResult) {
	ref := r.Ref
	step := node.Step

	switch ref.Root {
	case "input", "inputs":
		return
	case "env":
		if ref.Key == "" {
			result.AddStepError(step.ID, schema.ErrCodeValidation,
				"%s: reference {{%s}} names no environment variable", r.Path, r.Raw)
		}
		return
	}

	if node.hasLoopVar(ref.Root) {
		return
	}

	producer, ok := idx.byID[ref.Root]
	if !ok {
		result.AddStepError(step.ID, schema.ErrCodeValidation,
			"%s: reference {{%s}} names unknown step %q", r.Path, r.Raw, ref.Root)
		return
	}
	if producer.Step.ID == step.ID {
		result.AddStepError(step.ID, schema.ErrCodeValidation,
			"%s: step references its own output {{%s}}", r.Path, r.Raw)
		return
	}
	if !node.canSee(ref.Root) {
		result.AddStepError(step.ID, schema.ErrCodeValidation,
			"%s: referenced step %q does not precede %q in dependency order; add it to depends_on",
			r.Path, ref.Root, step.ID)
		return
	}

	if ref.Key == "" {
		// Whole-output reference; always valid for a visible step.
		return
	}

	key := ref.Key
	path := ref.Path

	// Autofix: "stepId.output.key" and "stepId.data.key" are a common way to
	// write "stepId.key". Strip the qualifier when it is not itself a
	// declared key and a real key follows it.
	if (key == "output" || key == "data") && len(path) > 0 && path[0] != "[]" {
		if _, declared := producer.Step.Outputs[key]; !declared {
			// Strip the qualifier textually so index syntax survives intact.
			fixed := strings.Replace(r.Raw, ref.Root+"."+key+".", ref.Root+".", 1)
			result.AddAutofix(schema.Autofix{
				Path:        r.Path,
				StepID:      step.ID,
				Description: "removed redundant ." + key + ". qualifier from step output reference",
				Before:      "{{" + r.Raw + "}}",
				After:       "{{" + fixed + "}}",
			})
			c.applyRefFix(step, r.Raw, fixed)
			key = path[0]
			path = path[1:]
		}
	}

	if !producerDeclares(producer.Step, key) {
		result.AddStepError(step.ID, schema.ErrCodeValidation,
			"%s: step %q does not declare output key %q (referenced as {{%s}})",
			r.Path, ref.Root, key, r.Raw)
		return
	}

	// For action steps with a registered schema, lint declared paths against
	// the registry document. Open schemas cannot disprove a path, so this
	// only warns.
	if producer.Step.EffectiveKind() == schema.StepKindAction && producer.Step.Action != nil && len(path) > 0 {
		c.lintActionPath(producer.Step, node, r, key, path, result)
	}
}

func producerDeclares(producer *schema.WorkflowStep, key string) bool {
	if _, ok := producer.Outputs[key]; ok {
		return true
	}
	switch producer.EffectiveKind() {
	case schema.StepKindConditional, schema.StepKindSwitch:
		if key == lastBranchOutputKey {
			return true
		}
	}
	return false
}

func (c *Compiler) lintActionPath(producer *schema.WorkflowStep, node *StepNode, r stepRef, key string, path []string, result *schema.ValidationResult) {
	if c.registry == nil {
		return
	}
	entry, err := c.registry.Resolve(registry.ActionSchemaKey(producer.Action.Provider, producer.Action.Action))
	if err != nil {
		return
	}
	full := key + "." + strings.Join(path, ".")
	if !registry.FieldPathExists(entry.Doc, full) {
		result.AddStepWarning(node.Step.ID, schema.ErrCodeCapabilityMismatch,
			"%s: path %q is not declared by the schema for %s.%s",
			r.Path, full, producer.Action.Provider, producer.Action.Action)
	}
}

// applyRefFix rewrites the repaired reference everywhere it appears in the
// step configuration. Autofixes are recorded on the result; this keeps the
// normalized plan consistent with them.
func (c *Compiler) applyRefFix(step *schema.WorkflowStep, before, after string) {
	oldTok := "{{" + before + "}}"
	newTok := "{{" + after + "}}"
	fix := func(s string) string { return strings.ReplaceAll(s, oldTok, newTok) }

	if step.Action != nil && len(step.Action.Params) > 0 {
		step.Action.Params = []byte(fix(string(step.Action.Params)))
	}
	if step.Transform != nil {
		step.Transform.Input = fix(step.Transform.Input)
		step.Transform.Format = fix(step.Transform.Format)
		for k, v := range step.Transform.Args {
			if s, ok := v.(string); ok {
				step.Transform.Args[k] = fix(s)
			}
		}
	}
	if step.Switch != nil {
		step.Switch.Selector = fix(step.Switch.Selector)
	}
	if step.Loop != nil {
		step.Loop.Over = fix(step.Loop.Over)
	}
	if step.Scatter != nil {
		step.Scatter.Items = fix(step.Scatter.Items)
	}
	if step.SubWorkflow != nil {
		for k, v := range step.SubWorkflow.InputMap {
			step.SubWorkflow.InputMap[k] = fix(v)
		}
	}
	if step.Delay != nil {
		step.Delay.Until = fix(step.Delay.Until)
	}
	if step.Approval != nil {
		step.Approval.Prompt = fix(step.Approval.Prompt)
	}
	fixCondition(step.ExecuteIf, fix)
	if step.Conditional != nil {
		fixCondition(step.Conditional.If, fix)
	}
}

func fixCondition(cond *schema.Condition, fix func(string) string) {
	if cond == nil {
		return
	}
	cond.Field = fix(cond.Field)
	if s, ok := cond.Value.(string); ok {
		cond.Value = fix(s)
	}
	for _, c := range cond.All {
		fixCondition(c, fix)
	}
	for _, c := range cond.Any {
		fixCondition(c, fix)
	}
	fixCondition(cond.Not, fix)
}

// validateOutputDecls rejects declared outputs that carry no verifiable
// shape. A bare "object", "object[]" or "any" gives downstream steps nothing
// to validate against; the author must attach an inline schema or a registry
// $ref.
func validateOutputDecls(idx *stepIndex, reg *registry.Registry, result *schema.ValidationResult) {
	for _, node := range idx.nodes {
		for key, decl := range node.Step.Outputs {
			validateOutputDecl(node.Step.ID, key, decl, reg, result)
		}
	}
}

func validateOutputDecl(stepID, key string, decl schema.OutputDecl, reg *registry.Registry, result *schema.ValidationResult) {
	hasShape := len(decl.Schema) > 0 || decl.SchemaRef != ""

	switch decl.Type {
	case "object", "object[]", "any":
		if !hasShape {
			result.AddStepError(stepID, schema.ErrCodeValidation,
				"output %q: type %q requires an inline schema or a $ref", key, decl.Type)
		}
	case "":
		if !hasShape {
			result.AddStepWarning(stepID, schema.ErrCodeValidation,
				"output %q declares neither a type nor a schema", key)
		}
	}

	if decl.SchemaRef != "" && reg != nil && !reg.Has(decl.SchemaRef) {
		result.AddStepError(stepID, schema.ErrCodeNotFound,
			"output %q: schema ref %q is not registered", key, decl.SchemaRef)
	}
}
