package schema

import (
	"encoding/json"
	"strconv"
)

// WorkflowDefinition is the JSON-serializable workflow format.
// It is the input to the compiler and the unit registered as a template.
type WorkflowDefinition struct {
	Name        string         `json:"name,omitempty"`
	Version     string         `json:"version,omitempty"`
	Steps       []WorkflowStep `json:"steps"`
	Inputs      map[string]any `json:"inputs,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"` // JSON Schema for trigger payloads
	Timeout     string         `json:"timeout,omitempty"`      // workflow-level timeout (e.g. "10m")
	OnTimeout   string         `json:"on_timeout,omitempty"`   // fail | cancel (default: fail)
	Limits      *Limits        `json:"limits,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Limits caps resource usage for a single execution.
type Limits struct {
	MaxSteps       int `json:"max_steps,omitempty"`       // total step executions, loop iterations included
	MaxConcurrency int `json:"max_concurrency,omitempty"` // simultaneous running steps
	MaxDepth       int `json:"max_depth,omitempty"`       // sub-workflow nesting depth
}

// StepKind enumerates the kinds of steps in a workflow.
type StepKind string

const (
	StepKindAction        StepKind = "action"
	StepKindTransform     StepKind = "transform"
	StepKindConditional   StepKind = "conditional"
	StepKindSwitch        StepKind = "switch"
	StepKindLoop          StepKind = "loop"
	StepKindScatterGather StepKind = "scatter_gather"
	StepKindSubWorkflow   StepKind = "sub_workflow"
	StepKindDelay         StepKind = "delay"
	StepKindHumanApproval StepKind = "human_approval"
)

// StepKinds lists every recognized kind, in declaration order.
var StepKinds = []StepKind{
	StepKindAction,
	StepKindTransform,
	StepKindConditional,
	StepKindSwitch,
	StepKindLoop,
	StepKindScatterGather,
	StepKindSubWorkflow,
	StepKindDelay,
	StepKindHumanApproval,
}

// WorkflowStep describes a single step in a workflow. Exactly one of the
// kind-specific config blocks must be set, matching Kind.
type WorkflowStep struct {
	ID              string       `json:"id"`
	Name            string       `json:"name,omitempty"`
	Kind            StepKind     `json:"kind,omitempty"` // default: action
	DependsOn       []string     `json:"depends_on,omitempty"`
	ExecuteIf       *Condition   `json:"execute_if,omitempty"` // structured guard
	When            string       `json:"when,omitempty"`       // CEL guard, alternative to execute_if
	ContinueOnError bool         `json:"continue_on_error,omitempty"`
	Retry           *RetryPolicy `json:"retry,omitempty"`
	Timeout         string       `json:"timeout,omitempty"`
	OnTimeout       string       `json:"on_timeout,omitempty"` // fail | skip (default: fail)

	// OnDataUnavailable decides what happens when a {{...}} reference the
	// step needs does not resolve: fail | continue_empty | suspend
	// (default: fail, or the engine-wide default when set).
	OnDataUnavailable string `json:"on_data_unavailable,omitempty"`

	// Declared outputs: key -> declaration. The compiler rejects references
	// to keys a step never declared.
	Outputs map[string]OutputDecl `json:"outputs,omitempty"`

	Action      *ActionConfig      `json:"action,omitempty"`
	Transform   *TransformConfig   `json:"transform,omitempty"`
	Conditional *ConditionalConfig `json:"conditional,omitempty"`
	Switch      *SwitchConfig      `json:"switch,omitempty"`
	Loop        *LoopConfig        `json:"loop,omitempty"`
	Scatter     *ScatterConfig     `json:"scatter_gather,omitempty"`
	SubWorkflow *SubWorkflowConfig `json:"sub_workflow,omitempty"`
	Delay       *DelayConfig       `json:"delay,omitempty"`
	Approval    *ApprovalConfig    `json:"human_approval,omitempty"`
}

// OutputDecl declares a single named output of a step. Exactly one of Type,
// SchemaRef, or Schema describes the shape; Path optionally names where in
// the raw provider payload the value lives (e.g. "body.items").
type OutputDecl struct {
	Type      string         `json:"type,omitempty"` // string | number | boolean | object | array | any
	SchemaRef string         `json:"$ref,omitempty"` // registry pointer (e.g. "actions/http.request")
	Schema    map[string]any `json:"schema,omitempty"`
	Path      string         `json:"path,omitempty"`
}

// RetryPolicy configures retry behavior for a step.
type RetryPolicy struct {
	Max      int    `json:"max"`                 // max retry attempts after the first try
	Backoff  string `json:"backoff,omitempty"`   // none | linear | exponential (default: exponential)
	Delay    string `json:"delay,omitempty"`     // initial delay (e.g. "1s", "500ms")
	MaxDelay string `json:"max_delay,omitempty"` // backoff ceiling
}

// ActionConfig invokes a named action on a capability provider.
type ActionConfig struct {
	Provider string          `json:"provider"`
	Action   string          `json:"action"`
	Params   json.RawMessage `json:"params,omitempty"` // provider-specific, resolved before dispatch
}

// TransformConfig reshapes data produced by earlier steps.
type TransformConfig struct {
	Op      string         `json:"op"`              // filter | map | pick | sort | group | template | jq
	Input   string         `json:"input"`           // reference expression producing the input value
	Where   string         `json:"where,omitempty"` // filter predicate (expr syntax, `item` in scope)
	Expr    string         `json:"expr,omitempty"`  // map expression (expr syntax, `item` in scope)
	Fields  []string       `json:"fields,omitempty"`
	OrderBy string         `json:"order_by,omitempty"`
	Desc    bool           `json:"desc,omitempty"`
	GroupBy string         `json:"group_by,omitempty"`
	Format  string         `json:"format,omitempty"` // template: text with {{...}} refs, `item` in scope
	Query   string         `json:"query,omitempty"`  // jq program
	Args    map[string]any `json:"args,omitempty"`
}

// Condition is a boolean tree over resolved values. Leaves set Field and
// Operator; interior nodes set exactly one of All, Any, Not.
type Condition struct {
	Field    string       `json:"field,omitempty"` // reference expression (e.g. "{{fetch.count}}")
	Operator string       `json:"operator,omitempty"`
	Value    any          `json:"value,omitempty"`
	All      []*Condition `json:"all,omitempty"`
	Any      []*Condition `json:"any,omitempty"`
	Not      *Condition   `json:"not,omitempty"`
}

// Data-unavailable policies (WorkflowStep.OnDataUnavailable).
const (
	DataUnavailableFail          = "fail"
	DataUnavailableContinueEmpty = "continue_empty"
	DataUnavailableSuspend       = "suspend"
)

// Condition operators.
const (
	OpEq         = "eq"
	OpNeq        = "neq"
	OpGt         = "gt"
	OpGte        = "gte"
	OpLt         = "lt"
	OpLte        = "lte"
	OpContains   = "contains"
	OpIn         = "in"
	OpExists     = "exists"
	OpNotExists  = "not_exists"
	OpMatches    = "matches"
	OpEmpty      = "empty"
	OpNotEmpty   = "not_empty"
	OpStartsWith = "starts_with"
	OpEndsWith   = "ends_with"
)

// KnownOperator reports whether op is a recognized condition operator.
func KnownOperator(op string) bool {
	switch op {
	case OpEq, OpNeq, OpGt, OpGte, OpLt, OpLte, OpContains, OpIn,
		OpExists, OpNotExists, OpMatches, OpEmpty, OpNotEmpty,
		OpStartsWith, OpEndsWith:
		return true
	}
	return false
}

// ConditionalConfig branches on a boolean condition tree.
type ConditionalConfig struct {
	If   *Condition     `json:"if"`
	Then []WorkflowStep `json:"then,omitempty"`
	Else []WorkflowStep `json:"else,omitempty"`
}

// SwitchConfig branches on a selector value. Cases map a matched value to a
// branch body; an empty body means the case is explicitly terminal.
type SwitchConfig struct {
	Selector string                    `json:"selector"` // reference or CEL expression
	Cases    map[string][]WorkflowStep `json:"cases"`
	Default  []WorkflowStep            `json:"default,omitempty"`
}

// LoopConfig iterates a body over a collection, sequentially.
type LoopConfig struct {
	Over          string         `json:"over"`               // reference producing an array
	ItemVar       string         `json:"item_var,omitempty"` // default: "item"
	MaxIterations int            `json:"max_iterations,omitempty"`
	Body          []WorkflowStep `json:"body"`
}

// ScatterConfig fans a template (or fixed branches) out over items and
// gathers the results.
type ScatterConfig struct {
	Items          string           `json:"items,omitempty"`    // reference producing an array
	ItemVar        string           `json:"item_var,omitempty"` // default: "item"
	MaxConcurrency int              `json:"max_concurrency,omitempty"`
	Template       []WorkflowStep   `json:"template,omitempty"` // per-item branch body
	Branches       [][]WorkflowStep `json:"branches,omitempty"` // fixed heterogeneous branches
	Gather         string           `json:"gather,omitempty"`   // collect | concat | merge | first_success | all_success
	WaitFor        *WaitFor         `json:"wait_for,omitempty"`
	FailFast       bool             `json:"fail_fast,omitempty"`
	Timeout        string           `json:"timeout,omitempty"`
}

// Gather strategies.
const (
	GatherCollect      = "collect"
	GatherConcat       = "concat" // alias of collect for array-producing branches
	GatherMerge        = "merge"
	GatherFirstSuccess = "first_success"
	GatherAllSuccess   = "all_success"
)

// KnownGather reports whether g names a gather strategy.
func KnownGather(g string) bool {
	switch g {
	case GatherCollect, GatherConcat, GatherMerge, GatherFirstSuccess, GatherAllSuccess:
		return true
	}
	return false
}

// WaitFor controls how many branches must finish before gathering.
type WaitFor struct {
	Mode  string `json:"mode"` // all | any | n_of_m
	Count int    `json:"count,omitempty"`
}

// Wait modes.
const (
	WaitAll  = "all"
	WaitAny  = "any"
	WaitNOfM = "n_of_m"
)

// SubWorkflowConfig runs another workflow as a single step.
type SubWorkflowConfig struct {
	Workflow  string            `json:"workflow"` // template name, optionally "name@version"
	InputMap  map[string]string `json:"input_map,omitempty"`
	OutputMap map[string]string `json:"output_map,omitempty"`
	Timeout   string            `json:"timeout,omitempty"`
	Isolate   bool              `json:"isolate,omitempty"` // child failure does not fail the parent
}

// DelayConfig pauses before downstream steps run. Short delays block
// in-process; longer ones checkpoint and suspend the execution.
type DelayConfig struct {
	Duration string `json:"duration,omitempty"`
	Until    string `json:"until,omitempty"` // RFC3339 or reference, exclusive with Duration
}

// ApprovalConfig suspends the execution until a human decision arrives.
type ApprovalConfig struct {
	Prompt    string         `json:"prompt"`
	Approvers []string       `json:"approvers,omitempty"`
	Timeout   string         `json:"timeout,omitempty"`
	OnTimeout string         `json:"on_timeout,omitempty"` // approve | reject | fail (default: fail)
	Context   map[string]any `json:"context,omitempty"`
}

// EffectiveKind returns the step kind, defaulting to action.
func (s *WorkflowStep) EffectiveKind() StepKind {
	if s.Kind == "" {
		return StepKindAction
	}
	return s.Kind
}

// Bodies returns every nested step list the step owns, paired with a label
// per body ("then", "case:<key>", "body", "branch:<i>", ...). Composite-step
// walkers in the compiler and engine rely on it.
func (s *WorkflowStep) Bodies() ([][]WorkflowStep, []string) {
	var bodies [][]WorkflowStep
	var names []string
	add := func(name string, body []WorkflowStep) {
		if body != nil {
			bodies = append(bodies, body)
			names = append(names, name)
		}
	}
	switch s.EffectiveKind() {
	case StepKindConditional:
		if s.Conditional != nil {
			add("then", s.Conditional.Then)
			add("else", s.Conditional.Else)
		}
	case StepKindSwitch:
		if s.Switch != nil {
			for name, body := range s.Switch.Cases {
				bodies = append(bodies, body)
				names = append(names, "case:"+name)
			}
			add("default", s.Switch.Default)
		}
	case StepKindLoop:
		if s.Loop != nil {
			add("body", s.Loop.Body)
		}
	case StepKindScatterGather:
		if s.Scatter != nil {
			add("template", s.Scatter.Template)
			for i, branch := range s.Scatter.Branches {
				bodies = append(bodies, branch)
				names = append(names, "branch:"+strconv.Itoa(i))
			}
		}
	}
	return bodies, names
}
