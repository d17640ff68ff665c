package expressions

import (
	"sync"

	"github.com/skein-dev/skein/pkg/schema"
)

// SecretResolver resolves {{secrets.KEY}} references at interpolation time.
// ok=false means the key is unknown; values never enter the scope maps so
// they cannot leak through step outputs or checkpoints.
type SecretResolver func(key string) (string, bool)

// Scope is an immutable snapshot the resolver evaluates against.
type Scope struct {
	Steps   map[string]map[string]any // step ID -> normalized output data
	Input   map[string]any
	Env     map[string]string
	Secrets SecretResolver
	Loops   []LoopFrame // outermost first; resolution scans from the end
}

// LoopFrame is one active loop-item binding.
type LoopFrame struct {
	Var   string
	Item  any
	Index int
}

// ScopeBuilder accumulates execution state and produces Scope snapshots.
// It enforces:
//   - Step outputs are single-writer-per-key: each step ID is written exactly
//     once, ever, and frozen (deep-copied) on insert.
//   - Loop frames are scoped to a child builder per iteration.
//   - Scatter branches get isolated step maps; completions merge back
//     explicitly and never overwrite existing IDs.
type ScopeBuilder struct {
	mu      sync.RWMutex
	steps   map[string]map[string]any
	input   map[string]any
	env     map[string]string
	secrets SecretResolver
	loops   []LoopFrame
}

// NewScopeBuilder creates a builder with workflow-level bindings. Input is
// deep-copied so callers cannot mutate resolved values later.
func NewScopeBuilder(input map[string]any, env map[string]string) *ScopeBuilder {
	return &ScopeBuilder{
		steps: make(map[string]map[string]any),
		input: deepCopyMap(input),
		env:   env,
	}
}

// WithSecretResolver attaches a secret lookup to this builder and its
// children. Returns the builder for chaining.
func (sb *ScopeBuilder) WithSecretResolver(fn SecretResolver) *ScopeBuilder {
	sb.mu.Lock()
	sb.secrets = fn
	sb.mu.Unlock()
	return sb
}

// AddStepOutput registers a completed step's normalized data. A second write
// to the same step ID is rejected.
func (sb *ScopeBuilder) AddStepOutput(stepID string, output *schema.StepOutput) error {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	if _, exists := sb.steps[stepID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"step %q output already registered; outputs are immutable after completion", stepID)
	}
	if output == nil {
		sb.steps[stepID] = nil
		return nil
	}
	sb.steps[stepID] = deepCopyMap(output.Data)
	return nil
}

// HasStepOutput reports whether a step has already produced output.
func (sb *ScopeBuilder) HasStepOutput(stepID string) bool {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	_, ok := sb.steps[stepID]
	return ok
}

// Build returns a snapshot safe for concurrent reads.
func (sb *ScopeBuilder) Build() *Scope {
	sb.mu.RLock()
	defer sb.mu.RUnlock()

	return &Scope{
		Steps:   copyStepMap(sb.steps),
		Input:   sb.input, // frozen at init
		Env:     sb.env,
		Secrets: sb.secrets,
		Loops:   append([]LoopFrame(nil), sb.loops...),
	}
}

// WithLoopFrame returns a child builder sharing accumulated state but with
// one more loop frame pushed. The item is frozen for the iteration.
func (sb *ScopeBuilder) WithLoopFrame(name string, item any, index int) *ScopeBuilder {
	sb.mu.RLock()
	defer sb.mu.RUnlock()

	loops := make([]LoopFrame, len(sb.loops)+1)
	copy(loops, sb.loops)
	loops[len(sb.loops)] = LoopFrame{Var: name, Item: deepCopyAny(item), Index: index}

	return &ScopeBuilder{
		steps:   sb.steps, // shared, append-only
		input:   sb.input,
		env:     sb.env,
		secrets: sb.secrets,
		loops:   loops,
	}
}

// ForBranch returns a child builder with an isolated copy of the step map.
// Branch-local completions do not leak to sibling branches.
func (sb *ScopeBuilder) ForBranch() *ScopeBuilder {
	sb.mu.RLock()
	defer sb.mu.RUnlock()

	return &ScopeBuilder{
		steps:   copyStepMap(sb.steps),
		input:   sb.input,
		env:     sb.env,
		secrets: sb.secrets,
		loops:   append([]LoopFrame(nil), sb.loops...),
	}
}

// MergeBranch folds a branch's step completions back into the parent.
// Existing IDs are never overwritten.
func (sb *ScopeBuilder) MergeBranch(branch *ScopeBuilder) {
	branch.mu.RLock()
	branchSteps := branch.steps
	branch.mu.RUnlock()

	sb.mu.Lock()
	defer sb.mu.Unlock()

	for stepID, data := range branchSteps {
		if _, exists := sb.steps[stepID]; !exists {
			sb.steps[stepID] = data
		}
	}
}

// StepIDs returns the IDs with registered outputs.
func (sb *ScopeBuilder) StepIDs() []string {
	sb.mu.RLock()
	defer sb.mu.RUnlock()

	ids := make([]string, 0, len(sb.steps))
	for id := range sb.steps {
		ids = append(ids, id)
	}
	return ids
}

func copyStepMap(m map[string]map[string]any) map[string]map[string]any {
	cp := make(map[string]map[string]any, len(m))
	for k, v := range m {
		cp[k] = v // frozen on insert, safe to share
	}
	return cp
}

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = deepCopyAny(v)
	}
	return cp
}

func deepCopyAny(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = deepCopyAny(item)
		}
		return cp
	default:
		// primitives are value types
		return v
	}
}
