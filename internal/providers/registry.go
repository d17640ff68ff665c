package providers

import (
	"context"
	"sort"
	"sync"

	"github.com/skein-dev/skein/pkg/schema"

	"github.com/skein-dev/skein/internal/registry"
)

// Registry is the thread-safe provider directory. It also implements the
// compiler's ActionLookup so definitions can be checked against what is
// actually installed.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]ActionProvider

	// schemas receives each action's declared output schema on Register,
	// keyed "actions/<provider>.<action>@v1". Nil disables this.
	schemas *registry.Registry
}

// NewRegistry creates an empty Registry. The schema registry may be nil.
func NewRegistry(schemas *registry.Registry) *Registry {
	return &Registry{
		providers: make(map[string]ActionProvider),
		schemas:   schemas,
	}
}

// Register adds a provider. Returns an error on duplicate name or when one
// of its action output schemas collides in the schema registry.
func (r *Registry) Register(p ActionProvider) error {
	if p == nil {
		return schema.NewError(schema.ErrCodeValidation, "provider is nil")
	}
	name := p.Name()
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "provider name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "provider %q already registered", name)
	}

	if r.schemas != nil {
		manifest := p.Manifest()
		for action, spec := range manifest.Actions {
			if len(spec.OutputSchema) == 0 {
				continue
			}
			key := registry.ActionSchemaKey(name, action)
			if err := r.schemas.Register(key, spec.OutputSchema); err != nil {
				return err
			}
		}
	}

	r.providers[name] = p
	return nil
}

// Get retrieves a provider by name.
func (r *Registry) Get(name string) (ActionProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeProviderUnavailable, "provider %q not registered", name)
	}
	return p, nil
}

// Has reports whether a registered provider declares the action.
func (r *Registry) Has(provider, action string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[provider]
	if !ok {
		return false
	}
	_, ok = p.Manifest().Actions[action]
	return ok
}

// Invoke dispatches an action call to the named provider after checking the
// manifest declares the action.
func (r *Registry) Invoke(ctx context.Context, provider, action string, params map[string]any) (any, error) {
	p, err := r.Get(provider)
	if err != nil {
		return nil, err
	}
	if _, ok := p.Manifest().Actions[action]; !ok {
		return nil, schema.NewErrorf(schema.ErrCodeCapabilityMismatch,
			"provider %q does not handle action %q", provider, action)
	}
	return p.Invoke(ctx, action, params)
}

// Idempotent reports whether the action is declared safe to re-invoke.
// Unknown actions report false.
func (r *Registry) Idempotent(provider, action string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[provider]
	if !ok {
		return false
	}
	spec, ok := p.Manifest().Actions[action]
	return ok && spec.Idempotent
}

// List returns every manifest, sorted by provider name.
func (r *Registry) List() []Manifest {
	r.mu.RLock()
	defer r.mu.RUnlock()

	manifests := make([]Manifest, 0, len(r.providers))
	for _, p := range r.providers {
		manifests = append(manifests, p.Manifest())
	}
	sort.Slice(manifests, func(i, j int) bool {
		return manifests[i].Provider < manifests[j].Provider
	})
	return manifests
}

// Count returns the number of registered providers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.providers)
}
