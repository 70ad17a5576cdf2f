// Package schema validates interaction response payloads against the
// JSON-schema-shaped maps stored on interaction requests.
//
// It intentionally covers only the subset interaction configs use: an
// object schema with "properties" (name -> {"type": ..., "enum": ...}) and
// "required". Unknown fields in the payload are allowed.
package schema

import (
	"fmt"
	"reflect"
)

// ValidationError describes a payload field that failed validation.
type ValidationError struct {
	Field   string
	Value   any
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field %q: %s", e.Field, e.Message)
}

// Validate checks payload against schema. A nil or empty schema accepts any
// payload. Returns a *ValidationError on the first violation.
func Validate(payload map[string]any, schema map[string]any) error {
	if len(schema) == 0 {
		return nil
	}

	required, _ := schema["required"].([]any)
	for _, r := range required {
		name, ok := r.(string)
		if !ok {
			continue
		}
		if _, present := payload[name]; !present {
			return &ValidationError{Field: name, Message: "required field is missing"}
		}
	}

	// Also accept []string for "required", which in-code schemas tend to use.
	if names, ok := schema["required"].([]string); ok {
		for _, name := range names {
			if _, present := payload[name]; !present {
				return &ValidationError{Field: name, Message: "required field is missing"}
			}
		}
	}

	properties, _ := schema["properties"].(map[string]any)
	for name, value := range payload {
		prop, declared := properties[name]
		if !declared {
			continue
		}
		propMap, ok := prop.(map[string]any)
		if !ok {
			continue
		}
		want, _ := propMap["type"].(string)
		if !typeMatches(value, want) {
			return &ValidationError{
				Field:   name,
				Value:   value,
				Message: fmt.Sprintf("expected type %s, got %T", want, value),
			}
		}
		if enum, ok := propMap["enum"].([]any); ok && len(enum) > 0 {
			if !enumContains(enum, value) {
				return &ValidationError{
					Field:   name,
					Value:   value,
					Message: fmt.Sprintf("value %v not in enum %v", value, enum),
				}
			}
		}
	}

	return nil
}

// enumContains reports whether value equals one of the enum options.
// Numbers are compared by value so float64(2) from JSON matches int 2.
func enumContains(enum []any, value any) bool {
	for _, option := range enum {
		if a, aok := asNumber(value); aok {
			if b, bok := asNumber(option); bok && a == b {
				return true
			}
			continue
		}
		if reflect.DeepEqual(value, option) {
			return true
		}
	}
	return false
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// typeMatches reports whether value conforms to the JSON schema type name.
// nil values and unknown type names are accepted.
func typeMatches(value any, want string) bool {
	if value == nil {
		return true
	}

	switch want {
	case "string":
		_, ok := value.(string)
		return ok
	case "integer":
		switch v := value.(type) {
		case int, int32, int64:
			return true
		case float64:
			// JSON unmarshaling produces float64 for all numbers.
			return v == float64(int64(v))
		}
		return false
	case "number":
		switch value.(type) {
		case int, int32, int64, float32, float64:
			return true
		}
		return false
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "array":
		_, ok := value.([]any)
		return ok
	case "object":
		_, ok := value.(map[string]any)
		return ok
	default:
		return true
	}
}
