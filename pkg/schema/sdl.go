package schema

import (
	"fmt"
	"strings"

	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/parser"
	"github.com/vektah/gqlparser/v2/validator"
)

// KeyDirective declares natural keys in SDL, federation style:
//
//	type Artifact @key(fields: "algorithm digest") { ... }
const KeyDirective = "key"

var keyDirectiveSource = &ast.Source{
	Name:    "graphport-directives.graphql",
	Input:   `directive @key(fields: String!) repeatable on OBJECT | INTERFACE`,
	BuiltIn: true,
}

// ParseSDL parses and validates a static schema document. Directives the
// document uses without declaring (other than @key) are dropped; they belong to
// the source's own tooling and carry no meaning here.
func ParseSDL(name, text string) (*Model, error) {
	src := &ast.Source{Name: name, Input: text}
	doc, err := parser.ParseSchemas(validator.Prelude, src)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", name, err)
	}
	if doc.Directives.ForName(KeyDirective) == nil {
		doc, err = parser.ParseSchemas(validator.Prelude, keyDirectiveSource, src)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", name, err)
		}
	}
	stripUndeclaredDirectives(doc)

	s, err := validator.ValidateSchemaDocument(doc)
	if err != nil {
		return nil, fmt.Errorf("validate %s: %w", name, err)
	}
	return modelFromAST(s), nil
}

func stripUndeclaredDirectives(doc *ast.SchemaDocument) {
	declared := make(map[string]bool, len(doc.Directives))
	for _, d := range doc.Directives {
		declared[d.Name] = true
	}
	keep := func(list ast.DirectiveList) ast.DirectiveList {
		out := list[:0]
		for _, d := range list {
			if declared[d.Name] {
				out = append(out, d)
			}
		}
		return out
	}
	defs := append(append(ast.DefinitionList{}, doc.Definitions...), doc.Extensions...)
	for _, def := range defs {
		def.Directives = keep(def.Directives)
		for _, f := range def.Fields {
			f.Directives = keep(f.Directives)
			for _, a := range f.Arguments {
				a.Directives = keep(a.Directives)
			}
		}
		for _, v := range def.EnumValues {
			v.Directives = keep(v.Directives)
		}
	}
}

func modelFromAST(s *ast.Schema) *Model {
	m := NewModel(OriginFile)
	m.AST = s
	for name, def := range s.Types {
		if def.Kind == ast.Enum && !def.BuiltIn && !strings.HasPrefix(name, "__") {
			for _, v := range def.EnumValues {
				m.Enums[name] = append(m.Enums[name], v.Name)
			}
			continue
		}
		if def.BuiltIn || def.Kind != ast.Object || strings.HasPrefix(name, "__") || isRoot(s, def) {
			continue
		}
		if isPaginationType(fieldNames(def.Fields)) {
			continue
		}
		t := &SchemaType{Name: name}
		for _, fd := range def.Fields {
			if strings.HasPrefix(fd.Name, "__") {
				continue
			}
			t.Fields = append(t.Fields, fieldFromAST(s, fd))
		}
		if dir := def.Directives.ForName(KeyDirective); dir != nil {
			if arg := dir.Arguments.ForName("fields"); arg != nil && arg.Value != nil {
				t.Keys, t.KeyErr = ParseKeyFields(arg.Value.Raw)
			}
		}
		m.Types[name] = t
	}
	return m
}

func fieldNames(fields ast.FieldList) []string {
	out := make([]string, len(fields))
	for i, f := range fields {
		out[i] = f.Name
	}
	return out
}

func isRoot(s *ast.Schema, def *ast.Definition) bool {
	if def == s.Query || def == s.Mutation || def == s.Subscription {
		return true
	}
	switch def.Name {
	case "Query", "Mutation", "Subscription":
		return true
	}
	return false
}

func fieldFromAST(s *ast.Schema, fd *ast.FieldDefinition) Field {
	f := Field{
		Name:     fd.Name,
		TypeName: fd.Type.Name(),
		Required: fd.Type.NonNull,
		List:     fd.Type.Elem != nil,
	}
	f.Kind = KindReference
	if def := s.Types[f.TypeName]; def != nil {
		switch def.Kind {
		case ast.Scalar:
			f.Kind = KindScalar
		case ast.Enum:
			f.Kind = KindEnum
		}
	}
	return f
}

// ParseKeyFields splits a key selection such as "algorithm digest". Nested
// selections are rejected with a reason because a key must consist of
// fields of the type itself.
func ParseKeyFields(selection string) ([]string, string) {
	if strings.ContainsAny(selection, "{}()") {
		return nil, fmt.Sprintf("nested key selection %q", selection)
	}
	fields := strings.FieldsFunc(selection, func(r rune) bool {
		return r == ' ' || r == ',' || r == '\t' || r == '\n'
	})
	if len(fields) == 0 {
		return nil, "empty key selection"
	}
	seen := make(map[string]bool, len(fields))
	for _, f := range fields {
		if seen[f] {
			return nil, fmt.Sprintf("key field %q repeated", f)
		}
		seen[f] = true
	}
	return fields, ""
}
