// Package expressions implements the {{...}} variable resolver, the scope
// stack it resolves against, and the sandboxed expression engines (CEL, expr,
// jq) used by guards, switch selectors, and transforms.
package expressions

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/skein-dev/skein/pkg/schema"
)

// Reference grammar:
//
//	{{input.name}}                inputs
//	{{env.NAME}}                  environment bindings
//	{{secrets.KEY}}               vault-backed secrets, resolved in-memory
//	{{<loopVar>.field}}           innermost matching loop scope
//	{{<loopVar>_index}}           0-based index of that scope
//	{{stepId.key[.path]}}         declared output of a completed step
//	{{stepId.lastBranchOutput.x}} output of whichever conditional branch ran
//
// Array access: [n] indexes, [*] and [] project over every element. All three
// forms normalize to the same shape for compiler validation.

// Resolve evaluates a single reference body (no braces) against the scope.
// ok=false is the Unresolved sentinel: the resolver never panics or errors on
// a missing binding, catching truly invalid references is the compiler's job.
func Resolve(ref string, scope *Scope) (any, bool) {
	segs, err := parseSegments(ref)
	if err != nil || len(segs) == 0 || segs[0].kind != segField {
		return nil, false
	}
	root := segs[0].field

	switch root {
	case "input", "inputs":
		if scope.Input == nil {
			return nil, false
		}
		return traverse(scope.Input, segs[1:])
	case "env":
		if len(segs) != 2 || segs[1].kind != segField || scope.Env == nil {
			return nil, false
		}
		v, ok := scope.Env[segs[1].field]
		return v, ok
	case "secrets":
		if len(segs) != 2 || segs[1].kind != segField || scope.Secrets == nil {
			return nil, false
		}
		return scopeSecret(scope, segs[1].field)
	}

	// Loop frames shadow step IDs, innermost first.
	for i := len(scope.Loops) - 1; i >= 0; i-- {
		frame := scope.Loops[i]
		if frame.Var == root {
			return traverse(frame.Item, segs[1:])
		}
		if frame.Var+"_index" == root && len(segs) == 1 {
			return frame.Index, true
		}
	}

	data, ok := scope.Steps[root]
	if !ok {
		return nil, false
	}
	if len(segs) == 1 {
		return data, true
	}
	return traverse(data, segs[1:])
}

func scopeSecret(scope *Scope, key string) (any, bool) {
	v, ok := scope.Secrets(key)
	if !ok {
		return nil, false
	}
	return v, true
}

// ResolveString interpolates every {{...}} token in a text template. A token
// that does not resolve yields a DATA_UNAVAILABLE error naming the reference;
// the executor decides what the configured policy does with it.
func ResolveString(s string, scope *Scope) (string, error) {
	if !strings.Contains(s, "{{") {
		return s, nil
	}
	var result strings.Builder
	result.Grow(len(s))

	i := 0
	for i < len(s) {
		idx := strings.Index(s[i:], "{{")
		if idx == -1 {
			result.WriteString(s[i:])
			break
		}
		result.WriteString(s[i : i+idx])
		start := i + idx + 2

		end := strings.Index(s[start:], "}}")
		if end == -1 {
			return "", schema.NewError(schema.ErrCodeValidation, "unclosed {{ reference")
		}
		end += start

		ref := strings.TrimSpace(s[start:end])
		if ref == "" {
			return "", schema.NewError(schema.ErrCodeValidation, "empty {{ }} reference")
		}
		if strings.Contains(ref, "{{") {
			return "", schema.NewError(schema.ErrCodeValidation, "nested {{ }} references are not allowed")
		}

		val, ok := Resolve(ref, scope)
		if !ok {
			return "", schema.NewErrorf(schema.ErrCodeDataUnavailable,
				"reference {{%s}} did not resolve", ref).
				WithDetails(map[string]any{"reference": ref})
		}
		result.WriteString(marshalInline(val))
		i = end + 2
	}
	return result.String(), nil
}

// ResolveValue resolves a string that may be a single reference, a template
// with embedded references, or a plain literal. A lone {{...}} token keeps
// the referenced value's type instead of stringifying it.
func ResolveValue(s string, scope *Scope) (any, bool) {
	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, "{{") && strings.HasSuffix(trimmed, "}}") {
		body := strings.TrimSpace(trimmed[2 : len(trimmed)-2])
		if body != "" && !strings.Contains(body, "{{") && !strings.Contains(body, "}}") {
			return Resolve(body, scope)
		}
	}
	if !strings.Contains(s, "{{") {
		return s, true
	}
	out, err := ResolveString(s, scope)
	if err != nil {
		return nil, false
	}
	return out, true
}

// ResolveParams interpolates {{...}} tokens inside a raw JSON params blob and
// returns the rewritten bytes. Whole-value string tokens keep their resolved
// type; tokens embedded in longer strings are stringified in place.
func ResolveParams(raw json.RawMessage, scope *Scope) (json.RawMessage, error) {
	if len(raw) == 0 || !strings.Contains(string(raw), "{{") {
		return raw, nil
	}

	var parsed any
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "params are not valid JSON").WithCause(err)
	}

	resolved, err := resolveJSONValue(parsed, scope)
	if err != nil {
		return nil, err
	}

	out, err := json.Marshal(resolved)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "failed to re-encode params").WithCause(err)
	}
	return out, nil
}

func resolveJSONValue(v any, scope *Scope) (any, error) {
	switch val := v.(type) {
	case string:
		if !strings.Contains(val, "{{") {
			return val, nil
		}
		trimmed := strings.TrimSpace(val)
		if strings.HasPrefix(trimmed, "{{") && strings.HasSuffix(trimmed, "}}") {
			body := strings.TrimSpace(trimmed[2 : len(trimmed)-2])
			if body != "" && !strings.Contains(body, "{{") && !strings.Contains(body, "}}") {
				out, ok := Resolve(body, scope)
				if !ok {
					return nil, schema.NewErrorf(schema.ErrCodeDataUnavailable,
						"reference {{%s}} did not resolve", body).
						WithDetails(map[string]any{"reference": body})
				}
				return out, nil
			}
		}
		return ResolveString(val, scope)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			resolved, err := resolveJSONValue(item, scope)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			resolved, err := resolveJSONValue(item, scope)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}

// ExtractRefs returns the body of every {{...}} token in a string, in order.
// Malformed tokens (unclosed) terminate the scan.
func ExtractRefs(s string) []string {
	var refs []string
	for {
		idx := strings.Index(s, "{{")
		if idx == -1 {
			break
		}
		rest := s[idx+2:]
		end := strings.Index(rest, "}}")
		if end == -1 {
			break
		}
		ref := strings.TrimSpace(rest[:end])
		if ref != "" {
			refs = append(refs, ref)
		}
		s = rest[end+2:]
	}
	return refs
}

// Ref is a parsed reference, as the compiler sees it.
type Ref struct {
	Raw  string
	Root string   // "input", "env", a loop var, or a step ID
	Key  string   // first segment after the root ("" when absent)
	Path []string // normalized remaining segments, array access as "[]"
}

// ParseRef splits a reference body into root/key/path using the same
// normalization the registry applies to schema paths.
func ParseRef(raw string) (Ref, error) {
	segs, err := parseSegments(raw)
	if err != nil {
		return Ref{}, err
	}
	if len(segs) == 0 || segs[0].kind != segField {
		return Ref{}, schema.NewErrorf(schema.ErrCodeValidation, "invalid reference %q", raw)
	}

	ref := Ref{Raw: raw, Root: segs[0].field}
	rest := segs[1:]
	if len(rest) > 0 {
		if rest[0].kind != segField {
			return Ref{}, schema.NewErrorf(schema.ErrCodeValidation,
				"reference %q indexes the root; expected a key segment", raw)
		}
		ref.Key = rest[0].field
		for _, s := range rest[1:] {
			if s.kind == segField {
				ref.Path = append(ref.Path, s.field)
			} else {
				ref.Path = append(ref.Path, "[]")
			}
		}
	}
	return ref, nil
}

// --- path machinery ---

type segKind int

const (
	segField segKind = iota
	segIndex
	segWildcard
)

type segment struct {
	kind  segKind
	field string
	index int
}

// parseSegments tokenizes "items[0].status" into field/index/wildcard
// segments. [n], [*] and [] are all legal; [*] and [] project.
func parseSegments(path string) ([]segment, error) {
	var segs []segment
	for _, part := range strings.Split(path, ".") {
		if part == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "empty segment in %q", path)
		}
		for len(part) > 0 {
			open := strings.IndexByte(part, '[')
			if open == -1 {
				segs = append(segs, segment{kind: segField, field: part})
				break
			}
			if open > 0 {
				segs = append(segs, segment{kind: segField, field: part[:open]})
			}
			end := strings.IndexByte(part, ']')
			if end < open {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "unclosed [ in %q", path)
			}
			idx := part[open+1 : end]
			switch idx {
			case "", "*":
				segs = append(segs, segment{kind: segWildcard})
			default:
				n, err := strconv.Atoi(idx)
				if err != nil || n < 0 {
					return nil, schema.NewErrorf(schema.ErrCodeValidation, "bad array index %q in %q", idx, path)
				}
				segs = append(segs, segment{kind: segIndex, index: n})
			}
			part = part[end+1:]
		}
	}
	return segs, nil
}

func traverse(root any, segs []segment) (any, bool) {
	current := root
	for i, seg := range segs {
		switch seg.kind {
		case segField:
			m, ok := current.(map[string]any)
			if !ok {
				return nil, false
			}
			current, ok = m[seg.field]
			if !ok {
				return nil, false
			}
		case segIndex:
			arr, ok := current.([]any)
			if !ok || seg.index >= len(arr) {
				return nil, false
			}
			current = arr[seg.index]
		case segWildcard:
			arr, ok := current.([]any)
			if !ok {
				return nil, false
			}
			out := make([]any, 0, len(arr))
			for _, item := range arr {
				v, ok := traverse(item, segs[i+1:])
				if !ok {
					return nil, false
				}
				out = append(out, v)
			}
			return out, true
		}
	}
	return current, true
}

// marshalInline renders a resolved value for embedding inside a text
// template. Strings embed bare; everything else JSON-encodes.
func marshalInline(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return "null"
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case json.RawMessage:
		return string(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}
