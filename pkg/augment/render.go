package augment

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/formatter"

	"github.com/OFFIS-RIT/graphport/pkg/schema"
)

// RenderSDL renders the schema as a Dgraph GraphQL schema. Single-field keys
// become @id, composite keys rely on the xid field, which maps onto the shared
// xid predicate the artifacts write.
func RenderSDL(s *Schema) []byte {
	doc := &ast.SchemaDocument{}
	for _, t := range s.Types {
		def := &ast.Definition{Kind: ast.Object, Name: t.Name}
		for _, fed := range t.Federation {
			def.Directives = append(def.Directives, directive("key",
				argument("fields", &ast.Value{Kind: ast.StringValue, Raw: strings.Join(fed, " ")})))
		}
		def.Fields = append(def.Fields, &ast.FieldDefinition{
			Name: XIDField,
			Type: ast.NonNullNamedType("String", nil),
			Directives: ast.DirectiveList{
				directive("id"),
				directive("dgraph", argument("pred", &ast.Value{Kind: ast.StringValue, Raw: XIDField})),
			},
		})
		for _, f := range t.Fields {
			fd := &ast.FieldDefinition{Name: f.Name, Type: fieldType(f.Field)}
			if f.Unique && !f.KeyPart {
				fd.Directives = append(fd.Directives, directive("id"))
			}
			if len(f.Search) > 0 {
				list := &ast.Value{Kind: ast.ListValue}
				for _, tok := range f.Search {
					list.Children = append(list.Children, &ast.ChildValue{Value: &ast.Value{Kind: ast.EnumValue, Raw: tok}})
				}
				fd.Directives = append(fd.Directives, directive("search", argument("by", list)))
			}
			def.Fields = append(def.Fields, fd)
		}
		doc.Definitions = append(doc.Definitions, def)
	}

	for _, name := range sortedKeys(s.Enums) {
		def := &ast.Definition{Kind: ast.Enum, Name: name}
		for _, v := range s.Enums[name] {
			def.EnumValues = append(def.EnumValues, &ast.EnumValueDefinition{Name: v})
		}
		doc.Definitions = append(doc.Definitions, def)
	}

	var buf bytes.Buffer
	formatter.NewFormatter(&buf, formatter.WithIndent("  ")).FormatSchemaDocument(doc)
	return buf.Bytes()
}

func directive(name string, args ...*ast.Argument) *ast.Directive {
	return &ast.Directive{Name: name, Arguments: args}
}

func argument(name string, v *ast.Value) *ast.Argument {
	return &ast.Argument{Name: name, Value: v}
}

// fieldType renders list elements as non-null; the model does not keep
// element nullability and the target rejects null list members anyway.
func fieldType(f schema.Field) *ast.Type {
	if f.List {
		return &ast.Type{Elem: ast.NonNullNamedType(f.TypeName, nil), NonNull: f.Required}
	}
	return &ast.Type{NamedType: f.TypeName, NonNull: f.Required}
}

// RenderDQL renders the schema for the Dgraph bulk and live loaders:
// one line per predicate followed by the type definitions.
func RenderDQL(s *Schema) []byte {
	preds := map[string]string{
		XIDField: "string @index(exact) @upsert",
	}
	for _, t := range s.Types {
		for _, f := range t.Fields {
			preds[t.Name+"."+f.Name] = dqlPredicate(f)
		}
	}

	var buf bytes.Buffer
	for _, name := range sortedKeys(preds) {
		fmt.Fprintf(&buf, "%s: %s .\n", name, preds[name])
	}
	for _, t := range s.Types {
		fmt.Fprintf(&buf, "\ntype %s {\n", t.Name)
		for _, f := range t.Fields {
			fmt.Fprintf(&buf, "  %s.%s\n", t.Name, f.Name)
		}
		fmt.Fprintf(&buf, "  %s\n}\n", XIDField)
	}
	return buf.Bytes()
}

func dqlPredicate(f Field) string {
	typ := dqlScalar(f.Field)
	if f.List {
		typ = "[" + typ + "]"
	}

	var tokens []string
	if f.Unique && !f.KeyPart {
		tokens = addTokens(tokens, dqlTokenizer(uniqueIndex(f.Field)))
	}
	for _, tok := range f.Search {
		tokens = addTokens(tokens, dqlTokenizer(tok))
	}

	var b strings.Builder
	b.WriteString(typ)
	if len(tokens) > 0 {
		b.WriteString(" @index(" + strings.Join(tokens, ", ") + ")")
	}
	if f.Unique && !f.KeyPart {
		b.WriteString(" @upsert")
	}
	return b.String()
}

func dqlScalar(f schema.Field) string {
	switch f.Kind {
	case schema.KindReference:
		return "uid"
	case schema.KindEnum:
		return "string"
	}
	switch f.TypeName {
	case "Int", "Int64":
		return "int"
	case "Float":
		return "float"
	case "Boolean":
		return "bool"
	case "DateTime":
		return "datetime"
	default:
		return "string"
	}
}

// dqlTokenizer maps GraphQL search arguments onto DQL index tokenizers.
func dqlTokenizer(tok string) string {
	switch tok {
	case "regexp":
		return "trigram"
	case "int64":
		return "int"
	default:
		return tok
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
