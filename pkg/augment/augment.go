// Package augment rewrites a classified source schema into the schema the
// target store is provisioned with: uniqueness markers on natural keys and on
// the synthetic xid field, search markers from rules, and federation keys.
package augment

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/OFFIS-RIT/graphport/pkg/schema"
)

var (
	ErrUnknownType  = errors.New("rule references unknown type")
	ErrUnknownField = errors.New("rule references unknown field")
	ErrInvalidRule  = errors.New("invalid augmentation rule")
)

// XIDField is the synthetic field every entity carries its canonical ID in.
const XIDField = "xid"

type Intent string

const (
	IntentUnique     Intent = "unique"
	IntentSearch     Intent = "search"
	IntentFederation Intent = "federation-key"
)

// Field is a source field with the markers attached to it. Search holds the
// final, sorted tokenizer set including the index a composite key part needs.
type Field struct {
	schema.Field
	Unique bool
	// KeyPart is set when the field is one of several natural-key fields. Such
	// a field is not unique on its own; the xid carries the composite key.
	KeyPart bool
	Search  []string
}

type Type struct {
	Name       string
	Role       schema.Role
	Keys       []string
	Fields     []Field
	Federation [][]string
}

func (t *Type) Field(name string) (*Field, bool) {
	for i := range t.Fields {
		if t.Fields[i].Name == name {
			return &t.Fields[i], true
		}
	}
	return nil, false
}

// Marker is one directive intent, flattened for stores that provision indexes
// one by one.
type Marker struct {
	Intent Intent
	Type   string
	Field  string
	Args   []string
}

// Schema is the augmented schema. Types are sorted by name.
type Schema struct {
	Types []Type
	Enums map[string][]string
}

func (s *Schema) Type(name string) (*Type, bool) {
	for i := range s.Types {
		if s.Types[i].Name == name {
			return &s.Types[i], true
		}
	}
	return nil, false
}

// Markers lists every marker in type, field order. The xid uniqueness marker
// of each type comes first.
func (s *Schema) Markers() []Marker {
	var out []Marker
	for _, t := range s.Types {
		out = append(out, Marker{Intent: IntentUnique, Type: t.Name, Field: XIDField})
		for _, f := range t.Fields {
			if f.Unique {
				out = append(out, Marker{Intent: IntentUnique, Type: t.Name, Field: f.Name, Args: t.Keys})
			}
			if len(f.Search) > 0 {
				out = append(out, Marker{Intent: IntentSearch, Type: t.Name, Field: f.Name, Args: f.Search})
			}
		}
		for _, fed := range t.Federation {
			out = append(out, Marker{Intent: IntentFederation, Type: t.Name, Args: fed})
		}
	}
	return out
}

// Augment applies rules to the classified model. It does not modify m. Every
// rule problem is reported, joined into one error.
func Augment(m *schema.Model, plan *schema.Plan, rules *Rules) (*Schema, error) {
	if rules == nil {
		rules = &Rules{}
	}
	s := &Schema{Enums: make(map[string][]string, len(m.Enums))}
	for name, values := range m.Enums {
		s.Enums[name] = slices.Clone(values)
	}

	for _, name := range m.Names() {
		st := m.Types[name]
		role, _ := plan.Role(name)
		t := Type{Name: name, Role: role}
		for _, f := range st.Fields {
			t.Fields = append(t.Fields, Field{Field: f})
		}
		if role.Kind == schema.RoleNode && role.Identity {
			t.Keys = slices.Clone(st.Keys)
			for _, k := range st.Keys {
				f, _ := t.Field(k)
				f.Unique = true
				if len(st.Keys) > 1 {
					f.KeyPart = true
					f.Search = addTokens(f.Search, uniqueIndex(f.Field))
				}
			}
		}
		s.Types = append(s.Types, t)
	}

	var errs []error
	for i, r := range rules.Search {
		t, ok := s.Type(r.Type)
		if !ok {
			errs = append(errs, fmt.Errorf("search rule %d: %w: %s", i, ErrUnknownType, r.Type))
			continue
		}
		f, ok := t.Field(r.Field)
		if !ok {
			errs = append(errs, fmt.Errorf("search rule %d: %w: %s.%s", i, ErrUnknownField, r.Type, r.Field))
			continue
		}
		if !f.IsLeaf() {
			errs = append(errs, fmt.Errorf("search rule %d: %w: %s.%s is a reference", i, ErrInvalidRule, r.Type, r.Field))
			continue
		}
		by := r.By
		if len(by) == 0 {
			by = []string{defaultSearch(f.Field)}
		}
		f.Search = addTokens(f.Search, by...)
	}

	for i, r := range rules.Federation {
		t, ok := s.Type(r.Type)
		if !ok {
			errs = append(errs, fmt.Errorf("federation rule %d: %w: %s", i, ErrUnknownType, r.Type))
			continue
		}
		if len(r.Fields) == 0 {
			errs = append(errs, fmt.Errorf("federation rule %d: %w: no fields for %s", i, ErrInvalidRule, r.Type))
			continue
		}
		valid := true
		for _, name := range r.Fields {
			if _, ok := t.Field(name); !ok {
				errs = append(errs, fmt.Errorf("federation rule %d: %w: %s.%s", i, ErrUnknownField, r.Type, name))
				valid = false
			}
		}
		if valid {
			t.Federation = append(t.Federation, slices.Clone(r.Fields))
		}
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return s, nil
}

// addTokens merges tokenizers into a sorted set. exact and hash exclude each
// other in the target; exact wins.
func addTokens(set []string, tokens ...string) []string {
	for _, tok := range tokens {
		tok = strings.ToLower(strings.TrimSpace(tok))
		if tok != "" && !slices.Contains(set, tok) {
			set = append(set, tok)
		}
	}
	if slices.Contains(set, "exact") {
		set = slices.DeleteFunc(set, func(s string) bool { return s == "hash" })
	}
	sort.Strings(set)
	return set
}

func defaultSearch(f schema.Field) string {
	if f.Kind == schema.KindEnum {
		return "hash"
	}
	switch f.TypeName {
	case "String":
		return "term"
	case "Int":
		return "int"
	case "Int64":
		return "int64"
	case "Float":
		return "float"
	case "Boolean":
		return "bool"
	case "DateTime":
		return "year"
	default:
		return "hash"
	}
}

// uniqueIndex is the equality index a natural-key field needs.
func uniqueIndex(f schema.Field) string {
	if f.Kind == schema.KindEnum {
		return "hash"
	}
	switch f.TypeName {
	case "Int":
		return "int"
	case "Int64":
		return "int64"
	case "Float":
		return "float"
	case "Boolean":
		return "bool"
	case "DateTime":
		return "hour"
	default:
		return "hash"
	}
}
