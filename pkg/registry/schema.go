package registry

import (
	"fmt"
	"strings"

	"github.com/spf13/cast"
)

// ParamType is the declared type of an operation parameter.
type ParamType string

const (
	TypeString  ParamType = "string"
	TypeInteger ParamType = "integer"
	TypeNumber  ParamType = "number"
	TypeBoolean ParamType = "boolean"
)

// Param describes one named input of an operation.
type Param struct {
	Name        string    `json:"name" yaml:"name"`
	Type        ParamType `json:"type" yaml:"type"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`
	Required    bool      `json:"required,omitempty" yaml:"required,omitempty"`
	Default     any       `json:"default,omitempty" yaml:"default,omitempty"`
	Enum        []string  `json:"enum,omitempty" yaml:"enum,omitempty"`
}

// Schema is the ordered list of parameters an operation accepts.
type Schema []Param

// Validate checks that the schema itself is well formed.
func (s Schema) Validate() error {
	seen := make(map[string]struct{}, len(s))
	for _, p := range s {
		if strings.TrimSpace(p.Name) == "" {
			return fmt.Errorf("parameter name is required")
		}
		if _, ok := seen[p.Name]; ok {
			return fmt.Errorf("duplicate parameter %q", p.Name)
		}
		seen[p.Name] = struct{}{}
		switch p.Type {
		case TypeString, TypeInteger, TypeNumber, TypeBoolean:
		default:
			return fmt.Errorf("parameter %q has unsupported type %q", p.Name, p.Type)
		}
		if p.Required && p.Default != nil {
			return fmt.Errorf("parameter %q is required and cannot have a default", p.Name)
		}
	}
	return nil
}

// Required returns the names of required parameters in declaration order.
func (s Schema) Required() []string {
	var out []string
	for _, p := range s {
		if p.Required {
			out = append(out, p.Name)
		}
	}
	return out
}

// JSONSchema renders the schema as a JSON Schema object.
func (s Schema) JSONSchema() map[string]any {
	props := make(map[string]any, len(s))
	for _, p := range s {
		prop := map[string]any{"type": string(p.Type)}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		if p.Default != nil {
			prop["default"] = p.Default
		}
		if len(p.Enum) > 0 {
			enum := make([]any, len(p.Enum))
			for i, v := range p.Enum {
				enum[i] = v
			}
			prop["enum"] = enum
		}
		props[p.Name] = prop
	}
	out := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if req := s.Required(); len(req) > 0 {
		out["required"] = req
	}
	return out
}

// coerce converts value to the parameter's declared type.
func (p Param) coerce(value any) (any, error) {
	switch p.Type {
	case TypeString:
		return cast.ToStringE(value)
	case TypeInteger:
		if f, ok := value.(float64); ok && f != float64(int64(f)) {
			return nil, fmt.Errorf("%v is not an integer", value)
		}
		return cast.ToInt64E(value)
	case TypeNumber:
		return cast.ToFloat64E(value)
	case TypeBoolean:
		return cast.ToBoolE(value)
	default:
		return nil, fmt.Errorf("unsupported type %q", p.Type)
	}
}
