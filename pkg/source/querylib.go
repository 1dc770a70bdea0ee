package source

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/OFFIS-RIT/graphport/pkg/schema"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/parser"
	"github.com/vektah/gqlparser/v2/validator"
)

// Query is one predefined list query. Field is the alias or name of its single
// top-level field, under which the page is returned.
type Query struct {
	Type  string
	Name  string
	Field string
	Text  string
}

// QueryLibrary maps a type name to its list query.
type QueryLibrary struct {
	queries map[string]*Query
}

// LoadQueryLibrary reads every <Type>.graphql file in dir. Each file must hold
// exactly one operation declaring $first and $after and selecting a single
// top-level field. When m carries an SDL schema, queries are validated
// against it.
func LoadQueryLibrary(dir string, m *schema.Model) (*QueryLibrary, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read query library: %w", err)
	}
	lib := &QueryLibrary{queries: map[string]*Query{}}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".graphql" {
			continue
		}
		typeName := strings.TrimSuffix(e.Name(), ".graphql")
		raw, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read query %s: %w", e.Name(), err)
		}
		q, err := ParseQuery(typeName, string(raw), m)
		if err != nil {
			return nil, err
		}
		lib.queries[typeName] = q
	}
	return lib, nil
}

// ParseQuery checks a single list query.
func ParseQuery(typeName, text string, m *schema.Model) (*Query, error) {
	src := &ast.Source{Name: typeName + ".graphql", Input: text}
	doc, err := parser.ParseQuery(src)
	if err != nil {
		return nil, fmt.Errorf("parse query for %s: %w", typeName, err)
	}
	if len(doc.Operations) != 1 {
		return nil, fmt.Errorf("query for %s: expected one operation, got %d", typeName, len(doc.Operations))
	}
	op := doc.Operations[0]
	if op.Operation != ast.Query {
		return nil, fmt.Errorf("query for %s: operation must be a query", typeName)
	}
	for _, v := range []string{"first", "after"} {
		if op.VariableDefinitions.ForName(v) == nil {
			return nil, fmt.Errorf("query for %s: missing $%s variable", typeName, v)
		}
	}
	if len(op.SelectionSet) != 1 {
		return nil, fmt.Errorf("query for %s: expected one top-level field", typeName)
	}
	field, ok := op.SelectionSet[0].(*ast.Field)
	if !ok {
		return nil, fmt.Errorf("query for %s: top-level selection must be a field", typeName)
	}

	if m != nil {
		if _, ok := m.Type(typeName); !ok {
			return nil, fmt.Errorf("query file %s: %w", src.Name, schema.ErrUnknownType)
		}
		if m.AST != nil {
			if errs := validator.ValidateWithRules(m.AST, doc, nil); len(errs) > 0 {
				return nil, fmt.Errorf("query for %s does not match schema: %w", typeName, errs)
			}
		}
	}

	return &Query{
		Type:  typeName,
		Name:  op.Name,
		Field: field.Alias,
		Text:  text,
	}, nil
}

func (l *QueryLibrary) Query(typeName string) (*Query, bool) {
	q, ok := l.queries[typeName]
	return q, ok
}

// Types returns the covered type names sorted.
func (l *QueryLibrary) Types() []string {
	out := make([]string, 0, len(l.queries))
	for name := range l.queries {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Missing returns the names in types that have no query.
func (l *QueryLibrary) Missing(types []string) []string {
	var out []string
	for _, t := range types {
		if _, ok := l.queries[t]; !ok {
			out = append(out, t)
		}
	}
	return out
}
