// Package providers defines the capability contracts the engine dispatches
// to: action providers for side effects and reasoning providers for
// schema-constrained model calls. Concrete integrations live outside the
// engine; everything here is interface plus registry plumbing.
package providers

import (
	"context"
)

// ActionProvider executes named actions against an external system. Params
// arrive fully resolved; implementations must not interpret {{...}} syntax.
type ActionProvider interface {
	Name() string
	Manifest() Manifest
	Invoke(ctx context.Context, action string, params map[string]any) (any, error)
}

// Manifest declares the actions a provider handles.
type Manifest struct {
	Provider    string                `json:"provider"`
	Description string                `json:"description,omitempty"`
	Actions     map[string]ActionSpec `json:"actions"`
}

// ActionSpec describes one action's contract.
type ActionSpec struct {
	Description string `json:"description,omitempty"`
	// InputSchema and OutputSchema are JSON Schema documents. OutputSchema
	// is registered under "actions/<provider>.<action>@v1" so the compiler
	// can lint references against it.
	InputSchema  map[string]any `json:"input_schema,omitempty"`
	OutputSchema map[string]any `json:"output_schema,omitempty"`
	// Idempotent actions are safe to re-invoke after a crash; the engine
	// re-runs them on resume without an at-most-once guard.
	Idempotent bool `json:"idempotent,omitempty"`
}

// ReasoningRequest asks a model-backed provider for a structured completion.
type ReasoningRequest struct {
	// Purpose is a short machine label ("classification", "extraction").
	Purpose string
	Prompt  string
	// Input is contextual data serialized into the model context.
	Input map[string]any
	// Schema is the JSON Schema the output must satisfy.
	Schema map[string]any
}

// ReasoningProvider produces structured output from a prompt. The provider
// returns its best-effort parse; schema enforcement happens in
// StructuredReasoner.
type ReasoningProvider interface {
	Name() string
	Complete(ctx context.Context, req ReasoningRequest) (map[string]any, error)
}
