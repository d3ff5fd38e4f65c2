// Package schema describes the shape of values flowing through a workflow and
// validates values against those descriptions.
//
// A Schema is immutable once declared: the builder methods (Opt, WithDefault,
// Check, Passthrough, Describe) return modified copies.
package schema

import (
	"sort"
	"strings"
)

// Kind is the type tag of a Schema.
type Kind int

const (
	KindAny Kind = iota
	KindString
	KindNumber
	KindInteger
	KindBool
	KindObject
	KindArray
)

var kindNames = map[Kind]string{
	KindAny:     "any",
	KindString:  "string",
	KindNumber:  "number",
	KindInteger: "integer",
	KindBool:    "bool",
	KindObject:  "object",
	KindArray:   "array",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Fields maps object field names to their schemas.
type Fields map[string]*Schema

// Schema is a declarative shape description.
type Schema struct {
	Kind        Kind
	Fields      Fields
	Items       *Schema
	Optional    bool
	Default     interface{}
	Checks      []string
	Passthrough bool
	Description string
}

// Any accepts every value, including nil.
func Any() *Schema { return &Schema{Kind: KindAny} }

// String accepts strings.
func String() *Schema { return &Schema{Kind: KindString} }

// Number accepts finite numbers of any Go numeric type.
func Number() *Schema { return &Schema{Kind: KindNumber} }

// Integer accepts finite numbers without a fractional part.
func Integer() *Schema { return &Schema{Kind: KindInteger} }

// Bool accepts booleans.
func Bool() *Schema { return &Schema{Kind: KindBool} }

// Object describes a map with the given fields. Undeclared keys are dropped
// during validation unless Passthrough is set.
func Object(fields Fields) *Schema {
	cp := make(Fields, len(fields))
	for k, v := range fields {
		cp[k] = v
	}
	return &Schema{Kind: KindObject, Fields: cp}
}

// Array describes a list whose elements conform to items.
func Array(items *Schema) *Schema {
	return &Schema{Kind: KindArray, Items: items}
}

func (s *Schema) clone() *Schema {
	cp := *s
	cp.Checks = append([]string(nil), s.Checks...)
	return &cp
}

// Opt marks the schema optional when used as an object field.
func (s *Schema) Opt() *Schema {
	cp := s.clone()
	cp.Optional = true
	return cp
}

// WithDefault sets the value used when the field is absent and when
// building a zero value with Zero.
func (s *Schema) WithDefault(v interface{}) *Schema {
	cp := s.clone()
	cp.Default = v
	return cp
}

// Check appends an expr refinement. The expression sees the validated value
// as `value` and must return a boolean.
func (s *Schema) Check(expression string) *Schema {
	cp := s.clone()
	cp.Checks = append(cp.Checks, expression)
	return cp
}

// AllowUnknown keeps undeclared object keys.
func (s *Schema) AllowUnknown() *Schema {
	cp := s.clone()
	cp.Passthrough = true
	return cp
}

func (s *Schema) Describe(description string) *Schema {
	cp := s.clone()
	cp.Description = description
	return cp
}

// IsAny reports whether s places no constraint on values. A nil schema is Any.
func (s *Schema) IsAny() bool {
	return s == nil || (s.Kind == KindAny && len(s.Checks) == 0)
}

// FieldNames returns the object field names in sorted order.
func (s *Schema) FieldNames() []string {
	if s == nil {
		return nil
	}
	names := make([]string, 0, len(s.Fields))
	for name := range s.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// String renders a compact, deterministic description such as
// {reason:string, count?:integer}.
func (s *Schema) String() string {
	if s == nil {
		return "any"
	}
	switch s.Kind {
	case KindObject:
		parts := make([]string, 0, len(s.Fields))
		for _, name := range s.FieldNames() {
			f := s.Fields[name]
			sep := ":"
			if f.Optional {
				sep = "?:"
			}
			parts = append(parts, name+sep+f.String())
		}
		return "{" + strings.Join(parts, ", ") + "}"
	case KindArray:
		return "[]" + s.Items.String()
	default:
		return s.Kind.String()
	}
}
