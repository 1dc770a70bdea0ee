package schema

import (
	"fmt"
	"sort"
	"strings"
)

type TypeRole int

const (
	RoleNode TypeRole = iota
	RoleEdge
)

func (r TypeRole) String() string {
	if r == RoleEdge {
		return "edge"
	}
	return "node"
}

func (r TypeRole) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

// Role is the classification of one type. Identity is false for nodes that
// have no usable natural key; those are embedded under the entity that
// references them instead of being deduplicated.
type Role struct {
	Kind     TypeRole `json:"kind"`
	Identity bool     `json:"identity"`
	Reason   string   `json:"reason"`
}

// Plan is the immutable role table of a model. Nodes, Edges and Embedded are
// sorted by type name.
type Plan struct {
	Roles    map[string]Role
	Nodes    []string
	Edges    []string
	Embedded []string
}

func (p *Plan) Role(typeName string) (Role, bool) {
	r, ok := p.Roles[typeName]
	return r, ok
}

// HasIdentity reports whether records of typeName get their own canonical ID.
func (p *Plan) HasIdentity(typeName string) bool {
	r, ok := p.Roles[typeName]
	return ok && (r.Identity || r.Kind == RoleEdge)
}

// Classify assigns every type of m exactly one role:
//
//   - a type whose declared key names existing, single-valued leaf fields is a
//     Node with identity;
//   - otherwise a type with at least one required reference, whose required
//     fields are all leaves or references to Nodes with identity, is an Edge;
//   - everything else, including a type whose declared key is unusable, is a
//     Node without identity.
//
// Classify is pure and its output depends only on m.
func Classify(m *Model) *Plan {
	p := &Plan{Roles: make(map[string]Role, len(m.Types))}
	names := m.Names()

	keyReasons := make(map[string]string, len(names))
	for _, name := range names {
		ok, reason := usableKey(m.Types[name])
		if ok {
			p.Roles[name] = Role{Kind: RoleNode, Identity: true, Reason: reason}
			p.Nodes = append(p.Nodes, name)
		}
		keyReasons[name] = reason
	}

	// edges only reference types resolved in the first pass
	for _, name := range names {
		if _, done := p.Roles[name]; done {
			continue
		}
		t := m.Types[name]
		if len(t.Keys) > 0 || t.KeyErr != "" {
			p.Roles[name] = Role{Kind: RoleNode, Reason: keyReasons[name]}
			p.Embedded = append(p.Embedded, name)
			continue
		}
		ok, reason := isEdge(t, p)
		if ok {
			p.Roles[name] = Role{Kind: RoleEdge, Reason: reason}
			p.Edges = append(p.Edges, name)
			continue
		}
		if reason == "" {
			reason = keyReasons[name]
		}
		p.Roles[name] = Role{Kind: RoleNode, Reason: reason}
		p.Embedded = append(p.Embedded, name)
	}

	sort.Strings(p.Nodes)
	sort.Strings(p.Edges)
	sort.Strings(p.Embedded)
	return p
}

func usableKey(t *SchemaType) (bool, string) {
	if t.KeyErr != "" {
		return false, "ambiguous key: " + t.KeyErr
	}
	if len(t.Keys) == 0 {
		return false, "no natural key"
	}
	for _, k := range t.Keys {
		f, ok := t.Field(k)
		if !ok {
			return false, fmt.Sprintf("ambiguous key: field %q does not exist", k)
		}
		if !f.IsLeaf() || f.List {
			return false, fmt.Sprintf("ambiguous key: field %q is not a single scalar", k)
		}
	}
	return true, "key(" + strings.Join(t.Keys, ", ") + ")"
}

func isEdge(t *SchemaType, p *Plan) (bool, string) {
	var refs []string
	for _, f := range t.Fields {
		if !f.Required {
			continue
		}
		if f.IsLeaf() {
			continue
		}
		if f.List {
			return false, fmt.Sprintf("no natural key; required field %q is a list", f.Name)
		}
		r, ok := p.Roles[f.TypeName]
		if !ok || !r.Identity {
			return false, fmt.Sprintf("no natural key; required field %q references %s which has no identity", f.Name, f.TypeName)
		}
		refs = append(refs, f.Name)
	}
	if len(refs) == 0 {
		return false, ""
	}
	return true, "relationship(" + strings.Join(refs, ", ") + ")"
}
