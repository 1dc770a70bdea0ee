// Package rdf writes and reads graph-exchange artifacts: gzip-compressed
// N-Quads streams whose subjects are canonical identities, plus the
// manifests describing them.
package rdf

import (
	"errors"
	"fmt"
	"strings"

	"github.com/OFFIS-RIT/graphport/pkg/identity"
)

const (
	PredicateType = "dgraph.type"
	PredicateXID  = "xid"
)

const (
	XSDString  = ""
	XSDInt     = "xs:int"
	XSDFloat   = "xs:float"
	XSDBoolean = "xs:boolean"
)

var ErrSyntax = errors.New("rdf syntax error")

// Statement is one graph statement. Exactly one of Object and Literal is
// meaningful: a non-empty Object makes it a reference.
type Statement struct {
	Subject   identity.CanonicalID
	Predicate string
	Object    identity.CanonicalID
	Literal   string
	Datatype  string
}

func (s Statement) IsReference() bool {
	return s.Object != ""
}

// Predicate names a field of a type the way the target schema does.
func Predicate(typeName, field string) string {
	return typeName + "." + field
}

// DatatypeFor maps a GraphQL scalar to the literal datatype of its values.
// Unknown and custom scalars are written as plain strings.
func DatatypeFor(scalar string) string {
	switch scalar {
	case "Int":
		return XSDInt
	case "Float":
		return XSDFloat
	case "Boolean":
		return XSDBoolean
	default:
		return XSDString
	}
}

// AppendNQuad appends the encoded statement and a trailing newline to dst.
func AppendNQuad(dst []byte, s Statement) []byte {
	dst = append(dst, "_:"...)
	dst = append(dst, s.Subject...)
	dst = append(dst, " <"...)
	dst = append(dst, s.Predicate...)
	dst = append(dst, "> "...)
	if s.IsReference() {
		dst = append(dst, "_:"...)
		dst = append(dst, s.Object...)
	} else {
		dst = append(dst, '"')
		dst = appendEscaped(dst, s.Literal)
		dst = append(dst, '"')
		if s.Datatype != XSDString {
			dst = append(dst, "^^<"...)
			dst = append(dst, s.Datatype...)
			dst = append(dst, '>')
		}
	}
	return append(dst, " .\n"...)
}

func (s Statement) String() string {
	return strings.TrimSuffix(string(AppendNQuad(nil, s)), "\n")
}

func appendEscaped(dst []byte, v string) []byte {
	for i := 0; i < len(v); i++ {
		switch c := v[i]; c {
		case '\\':
			dst = append(dst, `\\`...)
		case '"':
			dst = append(dst, `\"`...)
		case '\n':
			dst = append(dst, `\n`...)
		case '\r':
			dst = append(dst, `\r`...)
		case '\t':
			dst = append(dst, `\t`...)
		default:
			dst = append(dst, c)
		}
	}
	return dst
}

// ParseLine parses one line written by AppendNQuad. It accepts only that
// subset of N-Quads: blank-node subjects and objects, IRI predicates, and
// literals with an optional datatype.
func ParseLine(line string) (Statement, error) {
	var s Statement
	rest := strings.TrimSpace(line)

	subj, rest, err := blankNode(rest)
	if err != nil {
		return s, err
	}
	s.Subject = subj

	if !strings.HasPrefix(rest, "<") {
		return s, fmt.Errorf("%w: expected predicate in %q", ErrSyntax, line)
	}
	end := strings.IndexByte(rest, '>')
	if end < 0 {
		return s, fmt.Errorf("%w: unterminated predicate in %q", ErrSyntax, line)
	}
	s.Predicate = rest[1:end]
	rest = strings.TrimLeft(rest[end+1:], " ")

	switch {
	case strings.HasPrefix(rest, "_:"):
		obj, tail, err := blankNode(rest)
		if err != nil {
			return s, err
		}
		s.Object = obj
		rest = tail
	case strings.HasPrefix(rest, `"`):
		lit, tail, err := literal(rest)
		if err != nil {
			return s, fmt.Errorf("%w in %q", err, line)
		}
		s.Literal = lit
		rest = tail
		if strings.HasPrefix(rest, "^^<") {
			end := strings.IndexByte(rest, '>')
			if end < 0 {
				return s, fmt.Errorf("%w: unterminated datatype in %q", ErrSyntax, line)
			}
			s.Datatype = rest[3:end]
			rest = rest[end+1:]
		}
		rest = strings.TrimLeft(rest, " ")
	default:
		return s, fmt.Errorf("%w: expected object in %q", ErrSyntax, line)
	}

	if rest != "." {
		return s, fmt.Errorf("%w: expected terminating dot in %q", ErrSyntax, line)
	}
	return s, nil
}

func blankNode(in string) (identity.CanonicalID, string, error) {
	if !strings.HasPrefix(in, "_:") {
		return "", in, fmt.Errorf("%w: expected blank node at %q", ErrSyntax, in)
	}
	end := strings.IndexByte(in, ' ')
	if end < 0 || end == 2 {
		return "", in, fmt.Errorf("%w: malformed blank node at %q", ErrSyntax, in)
	}
	return identity.CanonicalID(in[2:end]), strings.TrimLeft(in[end:], " "), nil
}

func literal(in string) (string, string, error) {
	var b strings.Builder
	for i := 1; i < len(in); i++ {
		c := in[i]
		switch c {
		case '"':
			return b.String(), in[i+1:], nil
		case '\\':
			if i+1 >= len(in) {
				return "", "", fmt.Errorf("%w: dangling escape", ErrSyntax)
			}
			i++
			switch in[i] {
			case '\\':
				b.WriteByte('\\')
			case '"':
				b.WriteByte('"')
			case 'n':
				b.WriteByte('\n')
			case 'r':
				b.WriteByte('\r')
			case 't':
				b.WriteByte('\t')
			default:
				return "", "", fmt.Errorf("%w: unknown escape \\%c", ErrSyntax, in[i])
			}
		default:
			b.WriteByte(c)
		}
	}
	return "", "", fmt.Errorf("%w: unterminated literal", ErrSyntax)
}
