// Package normalize maps a step's raw runtime result onto its declared
// output contract. The original payload is preserved byte-for-byte in Raw;
// every remapping is recorded in Meta so discrepancies stay debuggable.
package normalize

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/skein-dev/skein/internal/registry"
	"github.com/skein-dev/skein/pkg/schema"
)

// Normalizer reshapes raw results into declared contracts, consulting the
// schema registry for $ref and inline schema checks.
type Normalizer struct {
	reg *registry.Registry
}

// New creates a Normalizer backed by the given registry.
func New(reg *registry.Registry) *Normalizer {
	return &Normalizer{reg: reg}
}

// Normalize maps a raw result onto the declared outputs. Matching order per
/// declared key: explicit Path into the payload, exact key, style-insensitive
// key (remapping recorded in Meta.KeyMappings), then scalar/array wrapping
// when exactly one key is declared. Missing keys produce warnings and nil
// entries, never errors. Passing an already-normalized *schema.StepOutput is
// a no-op.
func (n *Normalizer) Normalize(raw any, outputs map[string]schema.OutputDecl) (*schema.StepOutput, error) {
	if prior, ok := raw.(*schema.StepOutput); ok && prior != nil {
		return prior.Clone(), nil
	}

	rawBytes, err := json.Marshal(raw)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "result is not JSON-serializable").WithCause(err)
	}

	// Round-trip so every value is canonical JSON shape (map/slice/float64).
	var canonical any
	if err := json.Unmarshal(rawBytes, &canonical); err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "result round-trip failed").WithCause(err)
	}

	out := &schema.StepOutput{Raw: rawBytes}

	if len(outputs) == 0 {
		out.Data = asDataMap(canonical)
		return out, nil
	}

	rawMap, _ := canonical.(map[string]any)
	out.Data = make(map[string]any, len(outputs))

	for key, decl := range outputs {
		value, source, found := lookupDeclared(key, decl, canonical, rawMap, len(outputs) == 1)
		if !found {
			out.Data[key] = nil
			out.Meta.Warnings = append(out.Meta.Warnings,
				fmt.Sprintf("declared key %q missing from result", key))
			continue
		}
		out.Data[key] = value
		if source != key {
			if out.Meta.KeyMappings == nil {
				out.Meta.KeyMappings = make(map[string]string)
			}
			out.Meta.KeyMappings[key] = source
		}

		n.checkDecl(key, decl, value, out)
	}

	return out, nil
}

// lookupDeclared finds the value for one declared key. The returned source
// names where it came from ("$" for whole-payload wrapping).
func lookupDeclared(key string, decl schema.OutputDecl, canonical any, rawMap map[string]any, sole bool) (any, string, bool) {
	if decl.Path != "" {
		if v, ok := traversePath(canonical, decl.Path); ok {
			return v, decl.Path, true
		}
	}

	if rawMap != nil {
		if v, ok := rawMap[key]; ok {
			return v, key, true
		}
		want := foldKey(key)
		for k, v := range rawMap {
			if foldKey(k) == want {
				return v, k, true
			}
		}
	}

	// Scalar or array result with exactly one declared key: wrap it.
	if sole && rawMap == nil {
		return canonical, "$", true
	}
	return nil, "", false
}

func (n *Normalizer) checkDecl(key string, decl schema.OutputDecl, value any, out *schema.StepOutput) {
	if decl.Type != "" && value != nil && !typeMatches(decl.Type, value) {
		out.Meta.Warnings = append(out.Meta.Warnings,
			fmt.Sprintf("key %q: value is %T, declared type %q", key, value, decl.Type))
	}
	if decl.SchemaRef != "" && n.reg != nil {
		if err := n.reg.Validate(decl.SchemaRef, value); err != nil {
			out.Meta.Warnings = append(out.Meta.Warnings,
				fmt.Sprintf("key %q: value does not match schema %q", key, decl.SchemaRef))
		}
	}
}

/// asDataMap shapes an undeclared result: objects pass through, everything
// else is wrapped under "result".
func asDataMap(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return map[string]any{"result": v}
}

func traversePath(root any, path string) (any, bool) {
	current := root
	for _, seg := range registry.NormalizePath(path) {
		if seg == "[]" {
			// path declarations address structure, not single elements;
			// keep the whole array and stop descending
			if _, ok := current.([]any); !ok {
				return nil, false
			}
			return current, true
		}
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// foldKey lowers a key and strips separators so camelCase, snake_case and
// kebab-case spellings of the same name collide.
func foldKey(k string) string {
	var b strings.Builder
	b.Grow(len(k))
	for _, r := range k {
		switch r {
		case '_', '-', ' ':
			continue
		}
		if r >= 'A' && r <= 'Z' {
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}

func typeMatches(declType string, value any) bool {
	if declType == "any" {
		return true
	}
	if elem, ok := strings.CutSuffix(declType, "[]"); ok {
		arr, isArr := value.([]any)
		if !isArr {
			return false
		}
		if elem == "any" || elem == "" {
			return true
		}
		for _, item := range arr {
			if item != nil && !typeMatches(elem, item) {
				return false
			}
		}
		return true
	}

	switch declType {
	case "string":
		_, ok := value.(string)
		return ok
	case "number":
		_, ok := value.(float64)
		return ok
	case "integer":
		f, ok := value.(float64)
		return ok && f == float64(int64(f))
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "object":
		_, ok := value.(map[string]any)
		return ok
	case "array":
		_, ok := value.([]any)
		return ok
	default:
		return true // unknown declared types are the compiler's problem
	}
}
