// Package tool holds the registry and dispatch layer: named operations with
// typed parameter schemas, one validator that coerces raw inputs, and a
// dispatcher that routes calls to component handlers.
package tool

import (
	"fmt"
	"math"

	"steward/internal/sterrors"
)

// FieldType is the semantic type of one schema field.
type FieldType string

const (
	TypeString     FieldType = "string"
	TypeInt        FieldType = "int"
	TypeFloat      FieldType = "float"
	TypeBool       FieldType = "bool"
	TypeObject     FieldType = "object"
	TypeStringList FieldType = "string_list"
)

// Field describes one tool parameter.
type Field struct {
	Name        string    `json:"name"`
	Type        FieldType `json:"type"`
	Required    bool      `json:"required"`
	Description string    `json:"description,omitempty"`
}

// Schema is a tool's input contract.
type Schema struct {
	Fields []Field `json:"fields"`
}

// Validate coerces raw params against the schema and returns the typed map.
// Unknown params pass through untouched; handlers ignore what they don't
// read. Violations collect into a single InvalidParameters error naming every
// offending field.
func (s Schema) Validate(params map[string]any) (map[string]any, error) {
	typed := make(map[string]any, len(params))
	for key, value := range params {
		typed[key] = value
	}

	var bad []string
	for _, field := range s.Fields {
		value, present := params[field.Name]
		if !present || value == nil {
			if field.Required {
				bad = append(bad, field.Name)
			}
			continue
		}
		coerced, ok := coerce(field.Type, value)
		if !ok {
			bad = append(bad, field.Name)
			continue
		}
		typed[field.Name] = coerced
	}
	if len(bad) > 0 {
		return nil, sterrors.InvalidParameters(
			fmt.Sprintf("invalid or missing parameters: %v", bad), bad...)
	}
	return typed, nil
}

// coerce converts a JSON-decoded value into the field's semantic type.
func coerce(fieldType FieldType, value any) (any, bool) {
	switch fieldType {
	case TypeString:
		s, ok := value.(string)
		return s, ok
	case TypeInt:
		switch v := value.(type) {
		case int:
			return v, true
		case int64:
			return int(v), true
		case float64:
			if v == math.Trunc(v) {
				return int(v), true
			}
			return nil, false
		}
		return nil, false
	case TypeFloat:
		switch v := value.(type) {
		case float64:
			return v, true
		case int:
			return float64(v), true
		case int64:
			return float64(v), true
		}
		return nil, false
	case TypeBool:
		b, ok := value.(bool)
		return b, ok
	case TypeObject:
		m, ok := value.(map[string]any)
		return m, ok
	case TypeStringList:
		switch v := value.(type) {
		case []string:
			return v, true
		case []any:
			out := make([]string, 0, len(v))
			for _, item := range v {
				s, ok := item.(string)
				if !ok {
					return nil, false
				}
				out = append(out, s)
			}
			return out, true
		}
		return nil, false
	}
	return value, true
}

// Typed accessors for handlers reading validated params.

func String(params map[string]any, key string) string {
	s, _ := params[key].(string)
	return s
}

func Int(params map[string]any, key string) int {
	switch v := params[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

func Float(params map[string]any, key string) float64 {
	switch v := params[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}

func Bool(params map[string]any, key string) bool {
	b, _ := params[key].(bool)
	return b
}

func Strings(params map[string]any, key string) []string {
	switch v := params[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func Object(params map[string]any, key string) map[string]any {
	m, _ := params[key].(map[string]any)
	return m
}
