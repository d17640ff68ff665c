// Package registry holds the canonical output shapes the compiler and
// normalizer validate against: capability-action outputs, reasoning output
// patterns, and built-in transform outputs. Populated once at startup;
// unresolved refs surface as compiler errors, never runtime crashes.
package registry

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/skein-dev/skein/pkg/schema"
)

// Namespace prefixes for registry keys.
const (
	NamespaceActions    = "actions"
	NamespaceReasoning  = "reasoning"
	NamespaceTransforms = "transforms"
)

// ActionSchemaKey is the registry key under which a capability action's
// output schema lives.
func ActionSchemaKey(provider, action string) string {
	return NamespaceActions + "/" + provider + "." + action + "@v1"
}

// Entry is one registered output schema.
type Entry struct {
	Key string
	Doc map[string]any // JSON Schema document
}

// Registry is a thread-safe, in-memory schema registry.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry

	compiler *jsonschema.Compiler
	compiled map[string]*jsonschema.Schema
}

// New creates a Registry pre-loaded with the built-in reasoning patterns and
// transform output schemas.
func New() *Registry {
	r := &Registry{
		entries:  make(map[string]*Entry),
		compiler: newCompiler(),
		compiled: make(map[string]*jsonschema.Schema),
	}
	r.loadBuiltins()
	return r
}

// Register adds a schema under a namespaced key (e.g. "actions/http.request").
// Returns error on duplicate key or malformed key.
func (r *Registry) Register(key string, doc map[string]any) error {
	ns, _, ok := strings.Cut(key, "/")
	if !ok {
		return schema.NewErrorf(schema.ErrCodeValidation, "schema key %q has no namespace", key)
	}
	switch ns {
	case NamespaceActions, NamespaceReasoning, NamespaceTransforms:
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown schema namespace %q", ns)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[key]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "schema %q already registered", key)
	}
	r.entries[key] = &Entry{Key: key, Doc: doc}
	return nil
}

// Resolve returns the entry for a ref, or a NOT_FOUND error.
func (r *Registry) Resolve(ref string) (*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[ref]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "schema %q not registered", ref)
	}
	return e, nil
}

// Has reports whether a ref resolves.
func (r *Registry) Has(ref string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[ref]
	return ok
}

// Keys returns all registered keys with the given namespace prefix.
func (r *Registry) Keys(namespace string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var keys []string
	prefix := namespace + "/"
	for k := range r.entries {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys
}

// FieldPathExists reports whether a dotted path is reachable in the schema
// document. Array index segments ([0], [*], []) normalize identically and
// descend into "items". Schemas without a closed property set cannot
// disprove a path, so they report true.
func FieldPathExists(doc map[string]any, path string) bool {
	segments := NormalizePath(path)
	cur := doc
	for _, seg := range segments {
		if seg == "[]" {
			items, ok := cur["items"].(map[string]any)
			if !ok {
				// tuple form or unconstrained array
				return !hasKey(cur, "items")
			}
			cur = items
			continue
		}

		props, ok := cur["properties"].(map[string]any)
		if !ok {
			return true // open object, cannot disprove
		}
		next, ok := props[seg].(map[string]any)
		if !ok {
			if additionalAllowed(cur) {
				return true
			}
			return false
		}
		cur = next
	}
	return true
}

// NormalizePath splits a dotted path into segments, rewriting every array
// index form ("items[0]", "items[*]", "items[]") into the segment followed
// by a uniform "[]" marker.
func NormalizePath(path string) []string {
	var out []string
	for _, seg := range strings.Split(path, ".") {
		if seg == "" {
			continue
		}
		for {
			open := strings.IndexByte(seg, '[')
			if open < 0 {
				out = append(out, seg)
				break
			}
			if open > 0 {
				out = append(out, seg[:open])
			}
			end := strings.IndexByte(seg, ']')
			if end < 0 {
				out = append(out, "[]")
				break
			}
			out = append(out, "[]")
			seg = seg[end+1:]
			if seg == "" {
				break
			}
		}
	}
	return out
}

// Validate checks a runtime value against a registered schema. The compiled
// form is cached per key.
func (r *Registry) Validate(ref string, value any) error {
	entry, err := r.Resolve(ref)
	if err != nil {
		return err
	}

	compiled, err := r.getOrCompile(entry)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "schema %q does not compile", ref).WithCause(err)
	}

	doc, err := toJSONValue(value)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize value").WithCause(err)
	}
	if err := compiled.Validate(doc); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "value does not match schema %q", ref).WithCause(err)
	}
	return nil
}

func (r *Registry) getOrCompile(entry *Entry) (*jsonschema.Schema, error) {
	r.mu.RLock()
	if cached, ok := r.compiled[entry.Key]; ok {
		r.mu.RUnlock()
		return cached, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	if cached, ok := r.compiled[entry.Key]; ok {
		return cached, nil
	}

	raw, err := json.Marshal(entry.Doc)
	if err != nil {
		return nil, fmt.Errorf("marshal schema %s: %w", entry.Key, err)
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema %s: %w", entry.Key, err)
	}

	url := "skein://registry/" + entry.Key
	c := newCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource %s: %w", entry.Key, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", entry.Key, err)
	}

	r.compiled[entry.Key] = compiled
	return compiled, nil
}

func newCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

// toJSONValue round-trips a Go value through JSON encoding so numbers become
// json.Number, which the jsonschema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

func hasKey(doc map[string]any, key string) bool {
	_, ok := doc[key]
	return ok
}

func additionalAllowed(doc map[string]any) bool {
	ap, ok := doc["additionalProperties"]
	if !ok {
		return false // closed set once properties are declared
	}
	allowed, isBool := ap.(bool)
	return !isBool || allowed
}
