package store

import (
	"encoding/json"
	"fmt"

	"github.com/rendis/orchestra/pkg/schema"
)

// JSON columns arrive from the driver as string or []byte, but callers that build
// records in memory may hand over structured values. The decoders below accept
// either form and never return nil collections.

func rawJSON(v any) ([]byte, bool) {
	switch t := v.(type) {
	case nil:
		return nil, true
	case string:
		return []byte(t), true
	case []byte:
		return t, true
	case json.RawMessage:
		return t, true
	}
	return nil, false
}

func isNullJSON(b []byte) bool {
	s := string(b)
	return len(b) == 0 || s == "null" || s == "\"\""
}

// decodeList normalizes an agents-like column into a string slice.
func decodeList(v any) ([]string, error) {
	switch t := v.(type) {
	case []string:
		if t == nil {
			return []string{}, nil
		}
		return t, nil
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			out = append(out, fmt.Sprint(item))
		}
		return out, nil
	}
	b, ok := rawJSON(v)
	if !ok {
		return nil, fmt.Errorf("unsupported list column type %T", v)
	}
	out := []string{}
	if isNullJSON(b) {
		return out, nil
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("decode list: %w", err)
	}
	if out == nil {
		out = []string{}
	}
	return out, nil
}

// decodeMap normalizes a settings/metadata column into a map.
func decodeMap(v any) (map[string]any, error) {
	if m, ok := v.(map[string]any); ok {
		if m == nil {
			return map[string]any{}, nil
		}
		return m, nil
	}
	b, ok := rawJSON(v)
	if !ok {
		return nil, fmt.Errorf("unsupported map column type %T", v)
	}
	out := map[string]any{}
	if isNullJSON(b) {
		return out, nil
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("decode map: %w", err)
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

// decodeSteps normalizes a steps column. Structured []any values are round-tripped
// through JSON so they bind to schema.Step.
func decodeSteps(v any) ([]schema.Step, error) {
	switch t := v.(type) {
	case []schema.Step:
		if t == nil {
			return []schema.Step{}, nil
		}
		return t, nil
	case []any, []map[string]any:
		b, err := json.Marshal(t)
		if err != nil {
			return nil, fmt.Errorf("encode steps: %w", err)
		}
		v = b
	}
	b, ok := rawJSON(v)
	if !ok {
		return nil, fmt.Errorf("unsupported steps column type %T", v)
	}
	out := []schema.Step{}
	if isNullJSON(b) {
		return out, nil
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("decode steps: %w", err)
	}
	if out == nil {
		out = []schema.Step{}
	}
	return out, nil
}

// encodeJSON marshals v, substituting empty when v is nil.
func encodeJSON(v any, empty string) (string, error) {
	switch t := v.(type) {
	case nil:
		return empty, nil
	case []string:
		if t == nil {
			return empty, nil
		}
	case []schema.Step:
		if t == nil {
			return empty, nil
		}
	case map[string]any:
		if t == nil {
			return empty, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// mergeMetadata returns the union of base and patch; patch keys win.
func mergeMetadata(base, patch map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(patch))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range patch {
		out[k] = v
	}
	return out
}
