package registry

// Built-in schemas registered at startup. Reasoning patterns are versioned;
// transform outputs have one entry per deterministic operation.

func (r *Registry) loadBuiltins() {
	for key, doc := range builtinSchemas {
		// keys are static, duplicates impossible
		_ = r.Register(key, doc)
	}
}

var builtinSchemas = map[string]map[string]any{
	"reasoning/classification@v1": {
		"type":     "object",
		"required": []any{"category"},
		"properties": map[string]any{
			"category":   map[string]any{"type": "string"},
			"confidence": map[string]any{"type": "number", "minimum": 0, "maximum": 1},
			"reasoning":  map[string]any{"type": "string"},
		},
	},
	"reasoning/extraction@v1": {
		"type":     "object",
		"required": []any{"fields"},
		"properties": map[string]any{
			"fields":  map[string]any{"type": "object"},
			"missing": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		},
	},
	"reasoning/summary@v1": {
		"type":     "object",
		"required": []any{"summary"},
		"properties": map[string]any{
			"summary":    map[string]any{"type": "string"},
			"highlights": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		},
	},

	"transforms/filter": {
		"type":     "object",
		"required": []any{"filtered"},
		"properties": map[string]any{
			"filtered": map[string]any{"type": "array"},
			"count":    map[string]any{"type": "integer"},
		},
	},
	"transforms/map": {
		"type":     "object",
		"required": []any{"mapped"},
		"properties": map[string]any{
			"mapped": map[string]any{"type": "array"},
			"count":  map[string]any{"type": "integer"},
		},
	},
	"transforms/sort": {
		"type":     "object",
		"required": []any{"sorted"},
		"properties": map[string]any{
			"sorted": map[string]any{"type": "array"},
		},
	},
	"transforms/group_by": {
		"type":     "object",
		"required": []any{"groups"},
		"properties": map[string]any{
			"groups": map[string]any{"type": "object"},
			"keys":   map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		},
	},
	"transforms/aggregate": {
		"type":     "object",
		"required": []any{"result"},
		"properties": map[string]any{
			"result": map[string]any{},
			"count":  map[string]any{"type": "integer"},
		},
	},
	"transforms/format": {
		"type":     "object",
		"required": []any{"formatted"},
		"properties": map[string]any{
			"formatted": map[string]any{"type": "string"},
		},
	},
	"transforms/pick_fields": {
		"type":     "object",
		"required": []any{"picked"},
		"properties": map[string]any{
			"picked": map[string]any{},
		},
	},
	"transforms/deduplicate": {
		"type":     "object",
		"required": []any{"deduplicated"},
		"properties": map[string]any{
			"deduplicated": map[string]any{"type": "array"},
			"removed":      map[string]any{"type": "integer"},
		},
	},
	"transforms/split": {
		"type":     "object",
		"required": []any{"buckets"},
		"properties": map[string]any{
			"buckets": map[string]any{"type": "object"},
		},
	},
	"transforms/jq": {
		"type":     "object",
		"required": []any{"result"},
		"properties": map[string]any{
			"result": map[string]any{},
		},
	},
}
