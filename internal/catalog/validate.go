package catalog

import (
	"encoding/json"
	"fmt"
	"strings"
)

var forbiddenSet = func() map[string]struct{} {
	m := make(map[string]struct{}, len(ForbiddenFields))
	for _, f := range ForbiddenFields {
		m[f] = struct{}{}
	}
	return m
}()

// AssertNoForbiddenFields rejects payload if any forbidden field name
// appears as an object key at any depth. Non-JSON payloads fail: an
// external-safe artifact we cannot inspect is a payload we cannot clear.
func AssertNoForbiddenFields(payload []byte) error {
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return fmt.Errorf("%w: payload is not valid JSON: %v", ErrForbiddenField, err)
	}
	return scanForbidden(decoded, "$")
}

func scanForbidden(v any, where string) error {
	switch val := v.(type) {
	case map[string]any:
		for k, child := range val {
			if _, bad := forbiddenSet[strings.ToLower(k)]; bad {
				return fmt.Errorf("%w: %q at %s", ErrForbiddenField, k, where)
			}
			if err := scanForbidden(child, where+"."+k); err != nil {
				return err
			}
		}
	case []any:
		for i, child := range val {
			if err := scanForbidden(child, fmt.Sprintf("%s[%d]", where, i)); err != nil {
				return err
			}
		}
	}
	return nil
}

// Redact returns a copy of payload with forbidden fields stripped at
// every depth. Strip-and-continue is reserved for internal-only legacy
// projections; external-safe artifacts go through Validate instead.
func Redact(payload []byte) ([]byte, error) {
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return nil, fmt.Errorf("redact: %w", err)
	}
	return json.Marshal(stripForbidden(decoded))
}

func stripForbidden(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			if _, bad := forbiddenSet[strings.ToLower(k)]; bad {
				continue
			}
			out[k] = stripForbidden(child)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, child := range val {
			out[i] = stripForbidden(child)
		}
		return out
	default:
		return v
	}
}

// required object fields per schema id, version 1. Listings are an
// array schema and handled separately.
var schemaRequired = map[string][]string{
	"run_summary":           {"run_id", "candidate_id", "status", "started_at"},
	"run_health":            {"run_id", "status"},
	"provider_availability": {"run_id", "providers"},
}

func validateSchema(schema string, version int, payload []byte) error {
	if version != 1 {
		return fmt.Errorf("%w: unknown %s schema version %d", ErrSchema, schema, version)
	}
	if schema == "listings" {
		var arr []json.RawMessage
		if err := json.Unmarshal(payload, &arr); err != nil {
			return fmt.Errorf("%w: listings must be a JSON array: %v", ErrSchema, err)
		}
		for i, item := range arr {
			var obj map[string]json.RawMessage
			if err := json.Unmarshal(item, &obj); err != nil {
				return fmt.Errorf("%w: listings[%d] must be an object: %v", ErrSchema, i, err)
			}
			for _, field := range []string{"rank", "score", "posting"} {
				if _, ok := obj[field]; !ok {
					return fmt.Errorf("%w: listings[%d] missing %q", ErrSchema, i, field)
				}
			}
		}
		return nil
	}
	required, ok := schemaRequired[schema]
	if !ok {
		return fmt.Errorf("%w: unknown schema %q", ErrSchema, schema)
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(payload, &obj); err != nil {
		return fmt.Errorf("%w: %s payload must be an object: %v", ErrSchema, schema, err)
	}
	for _, field := range required {
		if _, ok := obj[field]; !ok {
			return fmt.Errorf("%w: %s missing required field %q", ErrSchema, schema, field)
		}
	}
	return nil
}
