package providers

import (
	"context"
	"fmt"
	"strings"

	"github.com/skein-dev/skein/pkg/schema"

	"github.com/skein-dev/skein/internal/registry"
)

// defaultReasoningAttempts bounds how often a non-conforming completion is
// retried before the step fails.
const defaultReasoningAttempts = 3

// StructuredReasoner wraps a ReasoningProvider with registry-backed output
// validation. A completion that misses the pattern schema is retried with
// the violation appended to the prompt, up to MaxAttempts total calls.
type StructuredReasoner struct {
	provider ReasoningProvider
	schemas  *registry.Registry

	// MaxAttempts is the total call budget per Run, minimum 1.
	MaxAttempts int
}

// NewStructuredReasoner wires a provider to the schema registry.
func NewStructuredReasoner(provider ReasoningProvider, schemas *registry.Registry) *StructuredReasoner {
	return &StructuredReasoner{
		provider:    provider,
		schemas:     schemas,
		MaxAttempts: defaultReasoningAttempts,
	}
}

// Run completes the prompt and enforces the registered pattern schema
// (e.g. "reasoning/classification@v1"). The returned map conforms to the
// pattern or an error explains why it never did.
func (s *StructuredReasoner) Run(ctx context.Context, patternRef, prompt string, input map[string]any) (map[string]any, error) {
	entry, err := s.schemas.Resolve(patternRef)
	if err != nil {
		return nil, err
	}

	attempts := s.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	req := ReasoningRequest{
		Purpose: patternPurpose(patternRef),
		Prompt:  prompt,
		Input:   input,
		Schema:  entry.Doc,
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, schema.NewError(schema.ErrCodeCancelled, "reasoning cancelled").WithCause(err)
		}

		out, err := s.provider.Complete(ctx, req)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeExecution,
				"reasoning provider %q failed", s.provider.Name()).WithCause(err)
		}

		if err := s.schemas.Validate(patternRef, out); err != nil {
			lastErr = err
			// Feed the violation back so the next attempt can correct it.
			req.Prompt = fmt.Sprintf("%s\n\nThe previous answer did not match the required schema: %v", prompt, err)
			continue
		}
		return out, nil
	}

	return nil, schema.NewErrorf(schema.ErrCodeValidation,
		"reasoning output never matched %q after %d attempts", patternRef, attempts).WithCause(lastErr)
}

// patternPurpose extracts the pattern name from a registry ref:
// "reasoning/classification@v1" -> "classification".
func patternPurpose(ref string) string {
	if _, rest, ok := strings.Cut(ref, "/"); ok {
		ref = rest
	}
	name, _, _ := strings.Cut(ref, "@")
	return name
}
