// Package builtin ships the action providers every deployment gets without
// extra configuration: http, fs, shell, and crypto. Each provider declares
// its actions in a manifest so the compiler can lint steps against the
// published schemas.
package builtin

import (
	"encoding/json"

	"github.com/skein-dev/skein/internal/isolation"
	"github.com/skein-dev/skein/internal/providers"
)

// Providers returns the full builtin set wired against the given isolator
// and path policy. Intended for cmd wiring; tests construct providers
// individually.
func Providers(iso isolation.Isolator, limits isolation.Limits) []providers.ActionProvider {
	return []providers.ActionProvider{
		NewHTTPProvider(HTTPConfig{}),
		NewFSProvider(FSConfig{Limits: limits}),
		NewShellProvider(ShellConfig{Isolator: iso, DefaultLimits: limits}),
		NewCryptoProvider(),
	}
}

// mustSchema parses a JSON Schema literal into the map form the manifest
// carries. Only called on package-level constants.
func mustSchema(src string) map[string]any {
	var m map[string]any
	if err := json.Unmarshal([]byte(src), &m); err != nil {
		panic("builtin: bad schema literal: " + err.Error())
	}
	return m
}

// Param helpers shared by the providers. Params arrive as decoded JSON, so
// numbers may be float64 or json.Number depending on the path they took.

func stringParam(m map[string]any, key, fallback string) string {
	if s, ok := m[key].(string); ok {
		return s
	}
	return fallback
}

func boolParam(m map[string]any, key string, fallback bool) bool {
	if b, ok := m[key].(bool); ok {
		return b
	}
	return fallback
}

func intParam(m map[string]any, key string, fallback int) int {
	switch n := m[key].(type) {
	case int:
		return n
	case float64:
		return int(n)
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return int(i)
		}
	}
	return fallback
}

func stringSliceParam(m map[string]any, key string) []string {
	arr, ok := m[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, item := range arr {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func stringMapParam(m map[string]any, key string) map[string]string {
	raw, ok := m[key].(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}
