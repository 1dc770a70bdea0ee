// Package schema holds the in-memory model of a source API's types and the
// classifier that assigns every type its role in the graph.
package schema

import (
	"fmt"
	"sort"

	"github.com/vektah/gqlparser/v2/ast"
)

type FieldKind int

const (
	KindScalar FieldKind = iota
	KindEnum
	KindReference
)

func (k FieldKind) String() string {
	switch k {
	case KindScalar:
		return "scalar"
	case KindEnum:
		return "enum"
	case KindReference:
		return "reference"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Field is one field of a SchemaType. TypeName is the named type with list and
// non-null wrappers removed.
type Field struct {
	Name     string    `json:"name"`
	Kind     FieldKind `json:"kind"`
	TypeName string    `json:"type"`
	Required bool      `json:"required"`
	List     bool      `json:"list"`
}

// IsLeaf reports whether the field holds a scalar or enum value.
func (f Field) IsLeaf() bool {
	return f.Kind == KindScalar || f.Kind == KindEnum
}

// SchemaType is an object type of the source. Keys lists the natural-key
// field names in declaration order and is empty when none is declared.
type SchemaType struct {
	Name   string   `json:"name"`
	Fields []Field  `json:"fields"`
	Keys   []string `json:"keys,omitempty"`
	// KeyErr is set when a key declaration exists but could not be used,
	// e.g. a nested selection.
	KeyErr string `json:"keyError,omitempty"`
	// NormalizeKeys merges key values that differ only in Unicode
	// composition. Off unless a keys file asks for it.
	NormalizeKeys bool `json:"normalizeKeys,omitempty"`
}

func (t *SchemaType) Field(name string) (Field, bool) {
	for _, f := range t.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Origin records where a Model came from.
type Origin string

const (
	OriginIntrospection Origin = "introspection"
	OriginFile          Origin = "file"
)

// Model is the immutable schema of one source. It is built once per run and
// only read afterwards.
type Model struct {
	Types map[string]*SchemaType
	// Enums lists the values of every enum type.
	Enums  map[string][]string
	Origin Origin
	// AST is the validated SDL schema. It is nil for introspected models.
	AST *ast.Schema
}

func NewModel(origin Origin, types ...*SchemaType) *Model {
	m := &Model{Types: make(map[string]*SchemaType, len(types)), Enums: map[string][]string{}, Origin: origin}
	for _, t := range types {
		m.Types[t.Name] = t
	}
	return m
}

func (m *Model) Type(name string) (*SchemaType, bool) {
	t, ok := m.Types[name]
	return t, ok
}

// Names returns all type names sorted.
func (m *Model) Names() []string {
	names := make([]string, 0, len(m.Types))
	for name := range m.Types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HasKeys reports whether any type carries a key declaration, usable or not.
func (m *Model) HasKeys() bool {
	for _, t := range m.Types {
		if len(t.Keys) > 0 || t.KeyErr != "" {
			return true
		}
	}
	return false
}

// SetKeys replaces the natural key of a type.
func (m *Model) SetKeys(typeName string, keys []string) error {
	t, ok := m.Types[typeName]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownType, typeName)
	}
	t.Keys = append([]string(nil), keys...)
	t.KeyErr = ""
	return nil
}

// isPaginationType reports whether the field names belong to a page wrapper
// of the list-query contract ({records, nextCursor, hasMore} or a Relay
// connection) rather than to source data.
func isPaginationType(fieldNames []string) bool {
	has := make(map[string]bool, len(fieldNames))
	for _, n := range fieldNames {
		has[n] = true
	}
	switch {
	case has["records"] && has["hasMore"]:
		return true
	case has["edges"] && has["pageInfo"]:
		return true
	case has["hasNextPage"] && has["endCursor"]:
		return true
	case has["node"] && has["cursor"] && len(fieldNames) == 2:
		return true
	}
	return false
}
