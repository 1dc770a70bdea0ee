package rdf

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/OFFIS-RIT/graphport/pkg/common"
	"github.com/OFFIS-RIT/graphport/pkg/identity"
	"github.com/OFFIS-RIT/graphport/pkg/logger"
	"github.com/OFFIS-RIT/graphport/pkg/schema"
)

// ArtifactName returns the file name of the artifact of a stage.
func ArtifactName(stage common.Stage) string {
	return stage.String() + ".rdf.gz"
}

type SerializerParams struct {
	Dir        string
	Model      *schema.Model
	Plan       *schema.Plan
	FlushBytes int
	RunID      string
	Source     string
}

// Serializer turns record batches into artifacts. It is the single consumer
// of the extraction queue, so its state needs no locking beyond the skip
// counters read by other goroutines.
type Serializer struct {
	dir        string
	model      *schema.Model
	plan       *schema.Plan
	flushBytes int
	runID      string
	source     string

	current   *Writer
	artifacts []ArtifactManifest
	stmts     []Statement

	mu      sync.Mutex
	skipped map[string]int64

	log logger.Scoped
}

func NewSerializer(params SerializerParams) (*Serializer, error) {
	if err := os.MkdirAll(params.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	return &Serializer{
		dir:        params.Dir,
		model:      params.Model,
		plan:       params.Plan,
		flushBytes: params.FlushBytes,
		runID:      params.RunID,
		source:     params.Source,
		skipped:    map[string]int64{},
		log:        logger.WithPrefix("Serialize"),
	}, nil
}

// Consume writes batches until the channel is closed.
func (s *Serializer) Consume(ctx context.Context, batches <-chan common.Batch) error {
	for b := range batches {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.WriteBatch(b); err != nil {
			return err
		}
	}
	return nil
}

// WriteBatch serializes one batch. Batches must arrive stage by stage; a node
// batch after an edge batch is rejected.
func (s *Serializer) WriteBatch(b common.Batch) error {
	if err := s.rotate(b.Stage); err != nil {
		return err
	}
	for _, rec := range b.Records {
		s.stmts = s.stmts[:0]
		stmts, ok := s.encodeRecord(b.Type, rec.Fields)
		if !ok {
			s.skip(b.Type)
			continue
		}
		for _, st := range stmts {
			if err := s.current.Write(st); err != nil {
				return err
			}
		}
		s.current.CountRecord(b.Type)
	}
	return nil
}

func (s *Serializer) rotate(stage common.Stage) error {
	if s.current != nil && s.current.Stage() == stage {
		return nil
	}
	if s.current != nil {
		if stage < s.current.Stage() {
			return fmt.Errorf("%s batch after %s batch", stage, s.current.Stage())
		}
		if err := s.closeCurrent(); err != nil {
			return err
		}
	}
	// a run without node records still gets a node artifact
	for st := common.StageNodes; st < stage; st++ {
		if !s.hasArtifact(st) {
			if err := s.open(st); err != nil {
				return err
			}
			if err := s.closeCurrent(); err != nil {
				return err
			}
		}
	}
	return s.open(stage)
}

func (s *Serializer) hasArtifact(stage common.Stage) bool {
	for _, a := range s.artifacts {
		if a.Stage == stage {
			return true
		}
	}
	return false
}

func (s *Serializer) open(stage common.Stage) error {
	w, err := CreateArtifact(s.dir, ArtifactName(stage), stage, s.flushBytes)
	if err != nil {
		return err
	}
	s.current = w
	s.log.Debug("Artifact opened", "name", ArtifactName(stage))
	return nil
}

func (s *Serializer) closeCurrent() error {
	m, err := s.current.Close()
	s.current = nil
	if err != nil {
		return err
	}
	s.artifacts = append(s.artifacts, m)
	s.log.Info("Artifact closed", "name", m.Name, "statements", m.Statements, "bytes", m.Bytes)
	return nil
}

// Close finishes the open artifact, creates any missing one so that every
// run has a node and an edge artifact, and writes the run manifest.
func (s *Serializer) Close() (*RunManifest, error) {
	if s.current != nil {
		if err := s.closeCurrent(); err != nil {
			return nil, err
		}
	}
	for _, st := range []common.Stage{common.StageNodes, common.StageEdges} {
		if s.hasArtifact(st) {
			continue
		}
		if err := s.open(st); err != nil {
			return nil, err
		}
		if err := s.closeCurrent(); err != nil {
			return nil, err
		}
	}
	m := &RunManifest{
		RunID:     s.runID,
		Source:    s.source,
		CreatedAt: time.Now().UTC(),
		Artifacts: s.artifacts,
	}
	if err := WriteRunManifest(s.dir, m); err != nil {
		return nil, err
	}
	return m, nil
}

// Abort discards the open artifact after a failed run.
func (s *Serializer) Abort() {
	if s.current != nil {
		s.current.Abort()
		s.current = nil
	}
}

func (s *Serializer) skip(typeName string) {
	s.mu.Lock()
	s.skipped[typeName]++
	s.mu.Unlock()
}

// Skipped returns the records dropped per type because their identity could
// not be computed.
func (s *Serializer) Skipped() map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int64, len(s.skipped))
	for k, v := range s.skipped {
		out[k] = v
	}
	return out
}

// SubjectID computes the identity of a record of typeName: the natural key for
// nodes, the required fields in declaration order for edges. It reports false
// when a component is missing.
func SubjectID(m *schema.Model, p *schema.Plan, typeName string, fields map[string]any) (identity.CanonicalID, bool) {
	t, ok := m.Type(typeName)
	if !ok {
		return "", false
	}
	role, ok := p.Role(typeName)
	if !ok {
		return "", false
	}
	switch {
	case role.Kind == schema.RoleEdge:
		return edgeID(m, p, t, fields)
	case role.Identity:
		return nodeID(t, fields)
	}
	return "", false
}

func nodeID(t *schema.SchemaType, fields map[string]any) (identity.CanonicalID, bool) {
	vals := make([]string, len(t.Keys))
	for i, k := range t.Keys {
		v, ok := identity.FormatValue(fields[k])
		if !ok {
			return "", false
		}
		if t.NormalizeKeys {
			v = identity.NormalizeNFC(v)
		}
		vals[i] = v
	}
	return identity.Synthesize(t.Name, vals...), true
}

func edgeID(m *schema.Model, p *schema.Plan, t *schema.SchemaType, fields map[string]any) (identity.CanonicalID, bool) {
	var vals []string
	for _, f := range t.Fields {
		if !f.Required {
			continue
		}
		if f.IsLeaf() {
			v, ok := identity.FormatValue(fields[f.Name])
			if !ok {
				return "", false
			}
			vals = append(vals, v)
			continue
		}
		obj, ok := fields[f.Name].(map[string]any)
		if !ok {
			return "", false
		}
		id, ok := SubjectID(m, p, f.TypeName, obj)
		if !ok {
			return "", false
		}
		vals = append(vals, string(id))
	}
	return identity.Synthesize(t.Name, vals...), true
}

func (s *Serializer) encodeRecord(typeName string, fields map[string]any) ([]Statement, bool) {
	subject, ok := SubjectID(s.model, s.plan, typeName, fields)
	if !ok {
		return nil, false
	}
	t, _ := s.model.Type(typeName)
	s.stmts = s.appendEntity(s.stmts, subject, t, fields)
	return s.stmts, true
}

type embeddedChild struct {
	id     identity.CanonicalID
	typ    *schema.SchemaType
	fields map[string]any
}

// appendEntity writes the statements of one entity followed by those of its
// embedded children, so the statements of a subject are always contiguous.
func (s *Serializer) appendEntity(out []Statement, subject identity.CanonicalID, t *schema.SchemaType, fields map[string]any) []Statement {
	var children []embeddedChild
	out = append(out,
		Statement{Subject: subject, Predicate: PredicateType, Literal: t.Name},
		Statement{Subject: subject, Predicate: PredicateXID, Literal: string(subject)},
	)
	for _, f := range t.Fields {
		v, present := fields[f.Name]
		if !present || v == nil {
			continue
		}
		items := []any{v}
		if list, ok := v.([]any); ok {
			items = list
		}
		pred := Predicate(t.Name, f.Name)

		if f.IsLeaf() {
			dt := XSDString
			if f.Kind == schema.KindScalar {
				dt = DatatypeFor(f.TypeName)
			}
			for _, item := range items {
				lit, ok := identity.FormatValue(item)
				if !ok {
					continue
				}
				out = append(out, Statement{Subject: subject, Predicate: pred, Literal: lit, Datatype: dt})
			}
			continue
		}

		for i, item := range items {
			obj, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if s.plan.HasIdentity(f.TypeName) {
				id, ok := SubjectID(s.model, s.plan, f.TypeName, obj)
				if !ok {
					s.log.Debug("Dropping reference without identity", "predicate", pred, "type", f.TypeName)
					continue
				}
				out = append(out, Statement{Subject: subject, Predicate: pred, Object: id})
				continue
			}
			child, ok := s.model.Type(f.TypeName)
			if !ok {
				continue
			}
			childID := identity.Embedded(subject, f.Name, i, f.TypeName)
			out = append(out, Statement{Subject: subject, Predicate: pred, Object: childID})
			children = append(children, embeddedChild{id: childID, typ: child, fields: obj})
		}
	}
	for _, c := range children {
		out = s.appendEntity(out, c.id, c.typ, c.fields)
	}
	return out
}
