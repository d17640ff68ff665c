package compiler

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/skein-dev/skein/pkg/schema"
)

// workflowSchemaJSON is the JSON Schema for WorkflowDefinition validation.
// Embedded as a constant to avoid filesystem dependencies.
const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://skein.dev/schemas/workflow.json",
  "type": "object",
  "required": ["steps"],
  "properties": {
    "name": { "type": "string" },
    "version": { "type": "string" },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/step" }
    },
    "inputs": { "type": "object" },
    "input_schema": { "type": "object" },
    "timeout": { "$ref": "#/$defs/duration" },
    "on_timeout": { "type": "string", "enum": ["fail", "cancel"] },
    "limits": {
      "type": "object",
      "properties": {
        "max_steps": { "type": "integer", "minimum": 1 },
        "max_concurrency": { "type": "integer", "minimum": 1 },
        "max_depth": { "type": "integer", "minimum": 1 }
      },
      "additionalProperties": false
    },
    "metadata": { "type": "object" }
  },
  "additionalProperties": false,
  "$defs": {
    "duration": {
      "type": "string",
      "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$"
    },
    "steps": {
      "type": "array",
      "items": { "$ref": "#/$defs/step" }
    },
    "step": {
      "type": "object",
      "required": ["id"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "name": { "type": "string" },
        "kind": {
          "type": "string",
          "enum": ["action", "transform", "conditional", "switch", "loop",
                   "scatter_gather", "sub_workflow", "delay", "human_approval"]
        },
        "depends_on": {
          "type": "array",
          "items": { "type": "string" }
        },
        "execute_if": { "$ref": "#/$defs/condition" },
        "when": { "type": "string" },
        "continue_on_error": { "type": "boolean" },
        "retry": { "$ref": "#/$defs/retry" },
        "timeout": { "$ref": "#/$defs/duration" },
        "on_timeout": { "type": "string", "enum": ["fail", "skip", "retry_once"] },
        "on_data_unavailable": { "type": "string", "enum": ["fail", "continue_empty", "suspend"] },
        "outputs": {
          "type": "object",
          "additionalProperties": { "$ref": "#/$defs/output_decl" }
        },
        "action": {
          "type": "object",
          "required": ["provider", "action"],
          "properties": {
            "provider": { "type": "string", "minLength": 1 },
            "action": { "type": "string", "minLength": 1 },
            "params": {}
          },
          "additionalProperties": false
        },
        "transform": {
          "type": "object",
          "required": ["op", "input"],
          "properties": {
            "op": {
              "type": "string",
              "enum": ["filter", "map", "pick", "pick_fields", "sort", "group",
                       "group_by", "aggregate", "deduplicate", "split", "format",
                       "template", "jq", "reasoning"]
            },
            "input": { "type": "string" },
            "where": { "type": "string" },
            "expr": { "type": "string" },
            "fields": { "type": "array", "items": { "type": "string" } },
            "order_by": { "type": "string" },
            "desc": { "type": "boolean" },
            "group_by": { "type": "string" },
            "format": { "type": "string" },
            "query": { "type": "string" },
            "args": { "type": "object" }
          },
          "additionalProperties": false
        },
        "conditional": {
          "type": "object",
          "required": ["if"],
          "properties": {
            "if": { "$ref": "#/$defs/condition" },
            "then": { "$ref": "#/$defs/steps" },
            "else": { "$ref": "#/$defs/steps" }
          },
          "additionalProperties": false
        },
        "switch": {
          "type": "object",
          "required": ["selector", "cases"],
          "properties": {
            "selector": { "type": "string", "minLength": 1 },
            "cases": {
              "type": "object",
              "additionalProperties": { "$ref": "#/$defs/steps" }
            },
            "default": { "$ref": "#/$defs/steps" }
          },
          "additionalProperties": false
        },
        "loop": {
          "type": "object",
          "required": ["over", "body"],
          "properties": {
            "over": { "type": "string", "minLength": 1 },
            "item_var": { "type": "string" },
            "max_iterations": { "type": "integer", "minimum": 1 },
            "body": { "$ref": "#/$defs/steps" }
          },
          "additionalProperties": false
        },
        "scatter_gather": {
          "type": "object",
          "properties": {
            "items": { "type": "string" },
            "item_var": { "type": "string" },
            "max_concurrency": { "type": "integer", "minimum": 1 },
            "template": { "$ref": "#/$defs/steps" },
            "branches": {
              "type": "array",
              "items": { "$ref": "#/$defs/steps" }
            },
            "gather": {
              "type": "string",
              "enum": ["collect", "concat", "merge", "first_success", "all_success"]
            },
            "wait_for": {
              "type": "object",
              "required": ["mode"],
              "properties": {
                "mode": { "type": "string", "enum": ["all", "any", "n_of_m"] },
                "count": { "type": "integer", "minimum": 1 }
              },
              "additionalProperties": false
            },
            "fail_fast": { "type": "boolean" },
            "timeout": { "$ref": "#/$defs/duration" }
          },
          "additionalProperties": false
        },
        "sub_workflow": {
          "type": "object",
          "required": ["workflow"],
          "properties": {
            "workflow": { "type": "string", "minLength": 1 },
            "input_map": { "type": "object", "additionalProperties": { "type": "string" } },
            "output_map": { "type": "object", "additionalProperties": { "type": "string" } },
            "timeout": { "$ref": "#/$defs/duration" },
            "isolate": { "type": "boolean" }
          },
          "additionalProperties": false
        },
        "delay": {
          "type": "object",
          "properties": {
            "duration": { "$ref": "#/$defs/duration" },
            "until": { "type": "string" }
          },
          "additionalProperties": false
        },
        "human_approval": {
          "type": "object",
          "required": ["prompt"],
          "properties": {
            "prompt": { "type": "string", "minLength": 1 },
            "approvers": { "type": "array", "items": { "type": "string" } },
            "timeout": { "$ref": "#/$defs/duration" },
            "on_timeout": { "type": "string", "enum": ["approve", "reject", "fail"] },
            "context": { "type": "object" }
          },
          "additionalProperties": false
        }
      },
      "additionalProperties": false
    },
    "output_decl": {
      "type": "object",
      "properties": {
        "type": { "type": "string" },
        "$ref": { "type": "string" },
        "schema": { "type": "object" },
        "path": { "type": "string" }
      },
      "additionalProperties": false
    },
    "condition": {
      "type": "object",
      "properties": {
        "field": { "type": "string" },
        "operator": { "type": "string" },
        "value": {},
        "all": { "type": "array", "items": { "$ref": "#/$defs/condition" } },
        "any": { "type": "array", "items": { "$ref": "#/$defs/condition" } },
        "not": { "$ref": "#/$defs/condition" }
      },
      "additionalProperties": false
    },
    "retry": {
      "type": "object",
      "required": ["max"],
      "properties": {
        "max": { "type": "integer", "minimum": 0 },
        "backoff": { "type": "string", "enum": ["none", "linear", "exponential"] },
        "delay": { "$ref": "#/$defs/duration" },
        "max_delay": { "$ref": "#/$defs/duration" }
      },
      "additionalProperties": false
    }
  }
}`

// structuralValidator validates raw definitions and trigger inputs against
// JSON Schema Draft 2020-12. Safe for concurrent use.
type structuralValidator struct {
	workflowSchema *jsonschema.Schema

	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

func newStructuralValidator() (*structuralValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(workflowSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal workflow schema: %w", err)
	}
	if err := c.AddResource("https://skein.dev/schemas/workflow.json", doc); err != nil {
		return nil, fmt.Errorf("add workflow schema resource: %w", err)
	}
	compiled, err := c.Compile("https://skein.dev/schemas/workflow.json")
	if err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}

	return &structuralValidator{
		workflowSchema: compiled,
		cache:          make(map[string]*jsonschema.Schema),
	}, nil
}

// validateDefinition checks the definition shape. Structural errors are
// reported against the instance location.
func (v *structuralValidator) validateDefinition(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if def == nil {
		result.AddError("/", schema.ErrCodeValidation, "workflow definition is nil")
		return result
	}

	doc, err := toJSONValue(def)
	if err != nil {
		result.AddError("/", schema.ErrCodeValidation, "definition is not JSON-serializable")
		return result
	}

	if err := v.workflowSchema.Validate(doc); err != nil {
		for _, violation := range collectViolations(err) {
			result.AddError("/", schema.ErrCodeValidation, "%s", violation)
		}
	}
	return result
}

// ValidateInput validates trigger inputs against an optional JSON Schema.
// Compiled schemas are cached by their serialized form.
func (v *structuralValidator) ValidateInput(input map[string]any, inputSchema map[string]any) error {
	if len(inputSchema) == 0 {
		return nil
	}

	raw, err := json.Marshal(inputSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "input schema is not serializable").WithCause(err)
	}

	compiled, err := v.getOrCompile(string(raw))
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid input schema").WithCause(err)
	}

	doc, err := toJSONValue(input)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize input").WithCause(err)
	}
	if err := compiled.Validate(doc); err != nil {
		return schema.NewError(schema.ErrCodeValidation,
			strings.Join(collectViolations(err), "; "))
	}
	return nil
}

func (v *structuralValidator) getOrCompile(key string) (*jsonschema.Schema, error) {
	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	// Double-check after acquiring write lock.
	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	url := fmt.Sprintf("skein://input-schema/%d", len(v.cache))
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// collectViolations flattens a jsonschema validation error into per-location
// messages.
func collectViolations(err error) []string {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []string{err.Error()}
	}
	return walkViolations(verr)
}

func walkViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}
	var out []string
	for _, cause := range verr.Causes {
		out = append(out, walkViolations(cause)...)
	}
	return out
}
