package schema

import "encoding/json"

// StepOutput is the normalized result of a completed step. Data holds the
// canonical key-value view every downstream reference resolves against; Raw
// preserves the provider payload byte-for-byte for audit and re-normalization.
type StepOutput struct {
	Data map[string]any  `json:"data"`
	Raw  json.RawMessage `json:"raw,omitempty"`
	Meta OutputMeta      `json:"meta,omitempty"`
}

// OutputMeta records how the normalizer produced Data from Raw.
type OutputMeta struct {
	KeyMappings map[string]string `json:"key_mappings,omitempty"` // declared key -> raw path it was lifted from
	Warnings    []string          `json:"warnings,omitempty"`
}

// Get returns the value for a declared key.
func (o *StepOutput) Get(key string) (any, bool) {
	if o == nil || o.Data == nil {
		return nil, false
	}
	v, ok := o.Data[key]
	return v, ok
}

// Clone returns a copy whose Data map is independent of the receiver.
// Nested values are shared; callers that mutate must deep-copy first.
func (o *StepOutput) Clone() *StepOutput {
	if o == nil {
		return nil
	}
	out := &StepOutput{Raw: o.Raw, Meta: o.Meta}
	if o.Data != nil {
		out.Data = make(map[string]any, len(o.Data))
		for k, v := range o.Data {
			out.Data[k] = v
		}
	}
	return out
}
