package store

import (
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/OFFIS-RIT/graphport/pkg/identity"
	"github.com/OFFIS-RIT/graphport/pkg/rdf"
)

func ChunkRange(total, chunkSize int, fn func(start, end int) error) error {
	if total <= 0 {
		return nil
	}
	if chunkSize <= 0 {
		chunkSize = total
	}
	for start := 0; start < total; start += chunkSize {
		end := min(start+chunkSize, total)
		if err := fn(start, end); err != nil {
			return err
		}
	}
	return nil
}

// NodeUpsert is the merged state of one subject within a batch. Props maps
// predicates to a value, or to []any when the predicate repeats.
type NodeUpsert struct {
	XID   identity.CanonicalID
	Type  string
	Props map[string]any
}

type EdgeUpsert struct {
	Subject   identity.CanonicalID
	Predicate string
	Object    identity.CanonicalID
}

// GroupBySubject folds statements into one node per subject, in first-seen
// order, and the distinct references between them.
func GroupBySubject(stmts []rdf.Statement) ([]NodeUpsert, []EdgeUpsert) {
	var nodes []NodeUpsert
	var edges []EdgeUpsert
	index := map[identity.CanonicalID]int{}
	seenEdge := map[EdgeUpsert]bool{}

	for _, st := range stmts {
		i, ok := index[st.Subject]
		if !ok {
			i = len(nodes)
			index[st.Subject] = i
			nodes = append(nodes, NodeUpsert{XID: st.Subject, Props: map[string]any{}})
		}
		n := &nodes[i]
		switch {
		case st.IsReference():
			e := EdgeUpsert{Subject: st.Subject, Predicate: st.Predicate, Object: st.Object}
			if !seenEdge[e] {
				seenEdge[e] = true
				edges = append(edges, e)
			}
		case st.Predicate == rdf.PredicateType:
			n.Type = st.Literal
		case st.Predicate == rdf.PredicateXID:
		default:
			addProp(n.Props, st.Predicate, LiteralValue(st))
		}
	}
	return nodes, edges
}

func addProp(props map[string]any, key string, v any) {
	cur, ok := props[key]
	if !ok {
		props[key] = v
		return
	}
	if list, ok := cur.([]any); ok {
		props[key] = append(list, v)
		return
	}
	props[key] = []any{cur, v}
}

// LiteralValue converts a literal to its typed Go value. Literals that do
// not parse as their datatype stay strings.
func LiteralValue(st rdf.Statement) any {
	switch st.Datatype {
	case rdf.XSDInt:
		if v, err := strconv.ParseInt(st.Literal, 10, 64); err == nil {
			return v
		}
	case rdf.XSDFloat:
		if v, err := strconv.ParseFloat(st.Literal, 64); err == nil {
			return v
		}
	case rdf.XSDBoolean:
		if v, err := strconv.ParseBool(st.Literal); err == nil {
			return v
		}
	}
	return st.Literal
}

// StreamBatches reads an artifact and calls fn with batches of about size
// statements. A batch is only cut where the subject changes, so the
// statements of one subject always travel together.
func StreamBatches(a rdf.ArtifactFile, size int, fn func(batch []rdf.Statement) error) error {
	if size <= 0 {
		size = 1000
	}
	r, err := rdf.OpenArtifact(a.Path)
	if err != nil {
		return err
	}
	defer r.Close()

	batch := make([]rdf.Statement, 0, size)
	for {
		st, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("read %s: %w", a.Manifest.Name, err)
		}
		if len(batch) >= size && batch[len(batch)-1].Subject != st.Subject {
			if err := fn(batch); err != nil {
				return err
			}
			batch = make([]rdf.Statement, 0, size)
		}
		batch = append(batch, st)
	}
	if len(batch) > 0 {
		return fn(batch)
	}
	return nil
}

// BatchTypes lists the entity types a batch writes, in first-seen order.
func BatchTypes(stmts []rdf.Statement) []string {
	var out []string
	seen := map[string]bool{}
	for _, st := range stmts {
		if st.Predicate == rdf.PredicateType && !seen[st.Literal] {
			seen[st.Literal] = true
			out = append(out, st.Literal)
		}
	}
	return out
}
