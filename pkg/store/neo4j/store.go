// Package neo4j loads the graph into Neo4j. Every entity is a node labelled
// Entity plus its type, merged on xid; every reference is a relationship
// named after its predicate.
package neo4j

import (
	"context"
	"errors"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/saulfrancisco-ruizacevedo/gocypher"

	"github.com/OFFIS-RIT/graphport/pkg/augment"
	"github.com/OFFIS-RIT/graphport/pkg/logger"
	"github.com/OFFIS-RIT/graphport/pkg/rdf"
	"github.com/OFFIS-RIT/graphport/pkg/store"
)

type Store struct {
	exec      Executor
	batchSize int
	closer    func(context.Context) error
}

type Option func(*Store)

func WithBatchSize(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// Connect opens a driver and checks connectivity.
func Connect(ctx context.Context, uri, username, password, dbName string, opts ...Option) (*Store, error) {
	exec, err := NewDriverExecutor(uri, username, password, dbName)
	if err != nil {
		return nil, err
	}
	if err := exec.Verify(ctx); err != nil {
		exec.Close(ctx)
		return nil, fmt.Errorf("connect neo4j: %w", err)
	}
	s := New(exec, opts...)
	s.closer = exec.Close
	return s, nil
}

// New wraps an executor. The caller keeps ownership of it.
func New(exec Executor, opts ...Option) *Store {
	s := &Store{exec: exec, batchSize: 1000}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *Store) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer(context.Background())
}

func (s *Store) State(ctx context.Context) (store.State, error) {
	res, err := s.exec.Run(ctx, fmt.Sprintf("MATCH (n:%s) RETURN n.xid AS xid LIMIT 1", EntityLabel), nil)
	if err != nil {
		return store.StateEmpty, fmt.Errorf("read target state: %w", err)
	}
	if len(res.Records) > 0 {
		return store.StatePopulated, nil
	}
	return store.StateEmpty, nil
}

func (s *Store) Counts(ctx context.Context) (map[string]int64, error) {
	res, err := s.exec.Run(ctx, fmt.Sprintf(
		"MATCH (n:%[1]s) UNWIND labels(n) AS label WITH label WHERE label <> '%[1]s' RETURN label AS type, count(*) AS n",
		EntityLabel), nil)
	if err != nil {
		return nil, err
	}
	out := map[string]int64{}
	for _, rec := range res.Records {
		typ, _, err := neo4j.GetRecordValue[string](rec, "type")
		if err != nil {
			return nil, err
		}
		n, _, err := neo4j.GetRecordValue[int64](rec, "n")
		if err != nil {
			return nil, err
		}
		out[typ] = n
	}
	return out, nil
}

func (s *Store) Entity(ctx context.Context, xid string) (*store.Entity, error) {
	q, params, err := gocypher.NewQueryBuilder().
		Match(gocypher.N("n", EntityLabel).WithProperties(map[string]interface{}{"xid": xid})).
		Return("n").
		Build()
	if err != nil {
		return nil, err
	}
	res, err := s.exec.Run(ctx, q, params)
	if err != nil {
		return nil, err
	}
	if len(res.Records) == 0 {
		return nil, store.ErrEntityNotFound
	}
	node, _, err := neo4j.GetRecordValue[neo4j.Node](res.Records[0], "n")
	if err != nil {
		return nil, err
	}
	return entityFromNode(xid, node), nil
}

func entityFromNode(xid string, node neo4j.Node) *store.Entity {
	e := &store.Entity{XID: xid, Props: map[string]any{}}
	for _, l := range node.Labels {
		if l != EntityLabel {
			e.Type = l
		}
	}
	for k, v := range node.Props {
		if k != rdf.PredicateXID {
			e.Props[k] = v
		}
	}
	return e
}

func (s *Store) Upsert(ctx context.Context, stmts []rdf.Statement) error {
	nodes, edges := store.GroupBySubject(stmts)
	if len(nodes) == 0 {
		return nil
	}
	return s.exec.Write(ctx, func(run RunFunc) error {
		return runAll(ctx, run, upsertQueries(nodes, edges))
	})
}

func runAll(ctx context.Context, run RunFunc, queries []query) error {
	for _, q := range queries {
		if err := run(ctx, q.Cypher, q.Params); err != nil {
			return fmt.Errorf("%s: %w", q.Cypher, err)
		}
	}
	return nil
}

// BulkImport writes every artifact in one write transaction, so a failure
// leaves the database empty.
func (s *Store) BulkImport(ctx context.Context, artifacts []rdf.ArtifactFile) error {
	state, err := s.State(ctx)
	if err != nil {
		return err
	}
	if state != store.StateEmpty {
		return store.ErrTargetNotEmpty
	}
	return s.exec.Write(ctx, func(run RunFunc) error {
		for _, a := range artifacts {
			logger.Info("[Store][Neo4j] Bulk importing artifact", "name", a.Manifest.Name, "statements", a.Manifest.Statements)
			err := store.StreamBatches(a, s.batchSize, func(batch []rdf.Statement) error {
				nodes, edges := store.GroupBySubject(batch)
				return runAll(ctx, run, upsertQueries(nodes, edges))
			})
			if err != nil {
				return fmt.Errorf("bulk import %s: %w", a.Manifest.Name, err)
			}
		}
		return nil
	})
}

// Provision creates constraints and indexes one statement at a time; schema
// statements cannot share a transaction with writes. The rendered schema
// documents are kept on a single GraphportSchema node.
func (s *Store) Provision(ctx context.Context, schema *augment.Schema) error {
	if schema == nil {
		return errors.New("no schema to provision")
	}
	stmts := provisionStatements(schema)
	for _, stmt := range stmts {
		if _, err := s.exec.Run(ctx, stmt, nil); err != nil {
			return fmt.Errorf("provision: %s: %w", stmt, err)
		}
	}
	_, err := s.exec.Run(ctx,
		"MERGE (s:GraphportSchema {id: 1}) SET s.sdl = $sdl, s.dql = $dql, s.provisionedAt = datetime()",
		map[string]any{
			"sdl": string(augment.RenderSDL(schema)),
			"dql": string(augment.RenderDQL(schema)),
		})
	if err != nil {
		return fmt.Errorf("save schema: %w", err)
	}
	logger.Info("[Store][Neo4j] Provisioned", "statements", len(stmts))
	return nil
}
