// Package compiler turns a WorkflowDefinition into an executable Plan.
//
// Compilation runs four phases: structural validation against an embedded
// JSON Schema, a flattening pass that indexes every step (nested bodies
// included) under a qualified ID, reference validation over every {{...}}
// template in the definition, and routing analysis with cycle detection.
// Hard errors block execution; warnings and recorded autofixes do not.
package compiler

import (
	"github.com/skein-dev/skein/pkg/schema"

	"github.com/skein-dev/skein/internal/expressions"
	"github.com/skein-dev/skein/internal/registry"
)

// ActionLookup answers whether a provider handles a named action. The engine
// registry implements it; a nil lookup skips provider checks.
type ActionLookup interface {
	Has(provider, action string) bool
}

// Plan is the normalized, validated form of a workflow that the engine
// executes. Steps holds every step flattened by qualified ID; Levels groups
// top-level step IDs into batches that may run concurrently.
type Plan struct {
	Definition *schema.WorkflowDefinition
	Steps      map[string]*StepNode
	Levels     [][]string
	Limits     schema.Limits

	byID map[string]*StepNode
}

// Node returns the step node for a plain step ID.
func (p *Plan) Node(id string) (*StepNode, bool) {
	n, ok := p.byID[id]
	return n, ok
}

// CompilationResult reports the outcome of a Compile call. Plan is nil
// unless Valid.
type CompilationResult struct {
	Valid     bool
	Errors    []schema.ValidationIssue
	Warnings  []schema.ValidationIssue
	Autofixes []schema.Autofix
	Plan      *Plan
}

// ToError converts a failed result into a single error, nil when valid.
func (r *CompilationResult) ToError() error {
	if r.Valid {
		return nil
	}
	vr := &schema.ValidationResult{
		Errors:    r.Errors,
		Warnings:  r.Warnings,
		Autofixes: r.Autofixes,
	}
	return vr.ToError()
}

// Compiler validates and normalizes workflow definitions. Safe for
// concurrent use.
type Compiler struct {
	structural *structuralValidator
	registry   *registry.Registry
	actions    ActionLookup
	cel        *expressions.CELEngine
}

// Option configures a Compiler.
type Option func(*Compiler)

// WithActionLookup enables provider/action existence checks.
func WithActionLookup(lookup ActionLookup) Option {
	return func(c *Compiler) { c.actions = lookup }
}

// WithCELEngine enables compile-time checking of `when` guards.
func WithCELEngine(engine *expressions.CELEngine) Option {
	return func(c *Compiler) { c.cel = engine }
}

// New creates a Compiler backed by the given schema registry.
func New(reg *registry.Registry, opts ...Option) (*Compiler, error) {
	structural, err := newStructuralValidator()
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeCompilation, "initialize structural validator").WithCause(err)
	}
	c := &Compiler{structural: structural, registry: reg}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Compile validates def and, when it passes, returns the normalized Plan.
// The definition is mutated in place by recorded autofixes; callers that
// need the original should pass a copy.
func (c *Compiler) Compile(def *schema.WorkflowDefinition) *CompilationResult {
	result := &schema.ValidationResult{}

	// Structural errors make the deeper passes unreliable, so they
	// short-circuit compilation.
	structural := c.structural.validateDefinition(def)
	if !structural.Valid() {
		return failed(structural)
	}

	idx := buildIndex(def, result)
	validateOutputDecls(idx, c.registry, result)
	c.validateRouting(def, idx, result)
	c.validateRefs(idx, result)

	// Cycle detection runs on whatever survived; a cycle is reported even
	// when earlier passes already failed, so authors see everything at once.
	levels := analyzeDAG(def.Steps, result)

	if !result.Valid() {
		return failed(result)
	}

	steps := make(map[string]*StepNode, len(idx.nodes))
	for _, node := range idx.nodes {
		steps[node.QualifiedID] = node
	}

	return &CompilationResult{
		Valid:     true,
		Warnings:  result.Warnings,
		Autofixes: result.Autofixes,
		Plan: &Plan{
			Definition: def,
			Steps:      steps,
			Levels:     levels,
			Limits:     effectiveLimits(def),
			byID:       idx.byID,
		},
	}
}

// ValidateInput checks a trigger payload against the definition's optional
// input schema.
func (c *Compiler) ValidateInput(def *schema.WorkflowDefinition, input map[string]any) error {
	return c.structural.ValidateInput(input, def.InputSchema)
}

func failed(result *schema.ValidationResult) *CompilationResult {
	return &CompilationResult{
		Errors:    result.Errors,
		Warnings:  result.Warnings,
		Autofixes: result.Autofixes,
	}
}
