// Package pgx stores the graph in Postgres: one row per entity with its
// literal properties as JSONB, and one row per reference.
package pgx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	pgxv5 "github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/OFFIS-RIT/graphport/internal/util"
	"github.com/OFFIS-RIT/graphport/pkg/augment"
	"github.com/OFFIS-RIT/graphport/pkg/leaselock"
	"github.com/OFFIS-RIT/graphport/pkg/logger"
	"github.com/OFFIS-RIT/graphport/pkg/rdf"
	"github.com/OFFIS-RIT/graphport/pkg/store"
)

type pgxIConn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, optionsAndArgs ...any) (pgxv5.Rows, error)
	QueryRow(ctx context.Context, sql string, optionsAndArgs ...any) pgxv5.Row
	Begin(ctx context.Context) (pgxv5.Tx, error)
}

// GraphDBStorage implements store.GraphStore on Postgres. Loads are guarded by
// a lease lock in the same database.
type GraphDBStorage struct {
	conn      pgxIConn
	pool      *pgxpool.Pool
	locks     *leaselock.Client
	lockKey   string
	batchSize int
}

type GraphDBStorageOption func(*GraphDBStorage)

// WithLockKey overrides the lease lock key, which defaults to
// leaselock.LoadKey("postgres").
func WithLockKey(key string) GraphDBStorageOption {
	return func(s *GraphDBStorage) {
		s.lockKey = key
	}
}

// WithBatchSize sets the statements per bulk import round trip.
func WithBatchSize(n int) GraphDBStorageOption {
	return func(s *GraphDBStorage) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// New migrates the database at dsn and connects to it.
func New(ctx context.Context, dsn string, opts ...GraphDBStorageOption) (*GraphDBStorage, error) {
	if err := Migrate(dsn); err != nil {
		return nil, err
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := NewGraphDBStorageWithConnection(pool, opts...)
	s.pool = pool
	s.locks = leaselock.New(pool)
	return s, nil
}

// NewGraphDBStorageWithConnection wraps an existing connection. The caller
// keeps ownership of conn and must have run Migrate.
func NewGraphDBStorageWithConnection(conn pgxIConn, opts ...GraphDBStorageOption) *GraphDBStorage {
	s := &GraphDBStorage{
		conn:      conn,
		lockKey:   leaselock.LoadKey("postgres"),
		batchSize: 5000,
	}
	if db, ok := conn.(leaselock.DB); ok {
		s.locks = leaselock.New(db)
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(s)
	}
	return s
}

func (s *GraphDBStorage) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *GraphDBStorage) State(ctx context.Context) (store.State, error) {
	var populated bool
	if err := s.conn.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM graph_nodes)`).Scan(&populated); err != nil {
		return store.StateEmpty, fmt.Errorf("read target state: %w", err)
	}
	if populated {
		return store.StatePopulated, nil
	}
	return store.StateEmpty, nil
}

func (s *GraphDBStorage) Counts(ctx context.Context) (map[string]int64, error) {
	rows, err := s.conn.Query(ctx, `SELECT type, count(*) FROM graph_nodes GROUP BY type`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]int64{}
	for rows.Next() {
		var typ string
		var n int64
		if err := rows.Scan(&typ, &n); err != nil {
			return nil, err
		}
		out[typ] = n
	}
	return out, rows.Err()
}

func (s *GraphDBStorage) Entity(ctx context.Context, xid string) (*store.Entity, error) {
	e := &store.Entity{XID: xid}
	var raw []byte
	err := s.conn.QueryRow(ctx, `SELECT type, props FROM graph_nodes WHERE xid = $1`, xid).Scan(&e.Type, &raw)
	if errors.Is(err, pgxv5.ErrNoRows) {
		return nil, store.ErrEntityNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, &e.Props); err != nil {
		return nil, fmt.Errorf("decode %s: %w", xid, err)
	}
	return e, nil
}

// Lock takes the load lease. It fails fast with leaselock.ErrBusy when another
// loader holds it.
func (s *GraphDBStorage) Lock(ctx context.Context) (func(), error) {
	if s.locks == nil {
		return func() {}, nil
	}
	lease, err := s.locks.Acquire(ctx, s.lockKey, leaselock.Options{TTL: 2 * time.Minute})
	if err != nil {
		return nil, err
	}
	return func() {
		if err := lease.Release(context.Background()); err != nil {
			logger.Warn("[Store][Postgres] Failed to release load lock", "err", err)
		}
	}, nil
}

// Upsert merges one batch in a transaction: node properties are merged key
// by key and references are inserted once.
func (s *GraphDBStorage) Upsert(ctx context.Context, stmts []rdf.Statement) error {
	nodes, edges := store.GroupBySubject(stmts)
	if len(nodes) == 0 {
		return nil
	}
	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := upsertNodes(ctx, tx, nodes); err != nil {
		return err
	}
	if err := insertEdges(ctx, tx, edges); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func upsertNodes(ctx context.Context, tx pgxv5.Tx, nodes []store.NodeUpsert) error {
	xids := make([]string, len(nodes))
	types := make([]string, len(nodes))
	props := make([]string, len(nodes))
	for i, n := range nodes {
		raw, err := encodeProps(n)
		if err != nil {
			return err
		}
		xids[i] = string(n.XID)
		types[i] = n.Type
		props[i] = string(raw)
	}
	_, err := tx.Exec(ctx, upsertNodesSQL, xids, types, props)
	if err != nil {
		return fmt.Errorf("upsert nodes: %w", err)
	}
	return nil
}

// encodeProps renders the JSONB column. Postgres rejects NUL bytes and
// invalid UTF-8 there even though both are valid in N-Quads literals.
func encodeProps(n store.NodeUpsert) ([]byte, error) {
	raw, err := json.Marshal(util.SanitizePostgresValue(n.Props))
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", n.XID, err)
	}
	return raw, nil
}

func insertEdges(ctx context.Context, tx pgxv5.Tx, edges []store.EdgeUpsert) error {
	if len(edges) == 0 {
		return nil
	}
	subjects := make([]string, len(edges))
	predicates := make([]string, len(edges))
	objects := make([]string, len(edges))
	for i, e := range edges {
		subjects[i] = string(e.Subject)
		predicates[i] = e.Predicate
		objects[i] = string(e.Object)
	}
	if _, err := tx.Exec(ctx, insertEdgesSQL, subjects, predicates, objects); err != nil {
		return fmt.Errorf("insert edges: %w", err)
	}
	return nil
}

// BulkImport loads all artifacts in one transaction. Nodes and edges are
// copied into session-local staging tables and merged from there, so a
// failure leaves the target empty.
func (s *GraphDBStorage) BulkImport(ctx context.Context, artifacts []rdf.ArtifactFile) error {
	state, err := s.State(ctx)
	if err != nil {
		return err
	}
	if state != store.StateEmpty {
		return store.ErrTargetNotEmpty
	}

	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, createStagingSQL); err != nil {
		return fmt.Errorf("create staging tables: %w", err)
	}

	for _, a := range artifacts {
		logger.Info("[Store][Postgres] Bulk importing artifact", "name", a.Manifest.Name, "statements", a.Manifest.Statements)
		err := store.StreamBatches(a, s.batchSize, func(batch []rdf.Statement) error {
			return copyBatch(ctx, tx, batch)
		})
		if err != nil {
			return fmt.Errorf("bulk import %s: %w", a.Manifest.Name, err)
		}
	}
	return tx.Commit(ctx)
}

func copyBatch(ctx context.Context, tx pgxv5.Tx, batch []rdf.Statement) error {
	nodes, edges := store.GroupBySubject(batch)

	nodeRows := make([][]any, len(nodes))
	for i, n := range nodes {
		raw, err := encodeProps(n)
		if err != nil {
			return err
		}
		nodeRows[i] = []any{string(n.XID), n.Type, string(raw)}
	}
	if _, err := tx.CopyFrom(ctx, pgxv5.Identifier{"graph_nodes_stage"}, []string{"xid", "type", "props"}, pgxv5.CopyFromRows(nodeRows)); err != nil {
		return fmt.Errorf("copy nodes: %w", err)
	}

	edgeRows := make([][]any, len(edges))
	for i, e := range edges {
		edgeRows[i] = []any{string(e.Subject), e.Predicate, string(e.Object)}
	}
	if _, err := tx.CopyFrom(ctx, pgxv5.Identifier{"graph_edges_stage"}, []string{"subject", "predicate", "object"}, pgxv5.CopyFromRows(edgeRows)); err != nil {
		return fmt.Errorf("copy edges: %w", err)
	}

	if _, err := tx.Exec(ctx, mergeStagingSQL); err != nil {
		return fmt.Errorf("merge staging: %w", err)
	}
	return nil
}

// Provision creates the indexes the augmented schema asks for and records
// the rendered schema documents. Concurrent provisioners of one target take
// turns on a lease.
func (s *GraphDBStorage) Provision(ctx context.Context, schema *augment.Schema) error {
	if schema == nil {
		return errors.New("no schema to provision")
	}
	if s.locks == nil {
		return s.provision(ctx, schema)
	}
	opts := leaselock.Options{TTL: time.Minute, Wait: true, WaitJitter: 100 * time.Millisecond}
	return s.locks.WithLease(ctx, s.lockKey+":provision", opts, func(ctx context.Context) error {
		return s.provision(ctx, schema)
	})
}

func (s *GraphDBStorage) provision(ctx context.Context, schema *augment.Schema) error {
	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	stmts, skipped := provisionStatements(schema)
	for _, m := range skipped {
		logger.Warn("[Store][Postgres] Search tokenizer not supported, skipping", "type", m.Type, "field", m.Field, "by", m.Args)
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("provision: %s: %w", stmt, err)
		}
	}
	if _, err := tx.Exec(ctx, saveSchemaSQL, string(augment.RenderSDL(schema)), string(augment.RenderDQL(schema))); err != nil {
		return fmt.Errorf("save schema: %w", err)
	}
	logger.Info("[Store][Postgres] Provisioned", "indexes", len(stmts))
	return tx.Commit(ctx)
}

const upsertNodesSQL = `
INSERT INTO graph_nodes (xid, type, props)
SELECT xid, type, props::jsonb
FROM unnest($1::text[], $2::text[], $3::text[]) AS t(xid, type, props)
ON CONFLICT (xid) DO UPDATE
SET type  = COALESCE(NULLIF(EXCLUDED.type, ''), graph_nodes.type),
    props = graph_nodes.props || EXCLUDED.props;
`

const insertEdgesSQL = `
INSERT INTO graph_edges (subject, predicate, object)
SELECT * FROM unnest($1::text[], $2::text[], $3::text[])
ON CONFLICT DO NOTHING;
`

const createStagingSQL = `
CREATE TEMP TABLE graph_nodes_stage (xid TEXT, type TEXT, props JSONB) ON COMMIT DROP;
CREATE TEMP TABLE graph_edges_stage (subject TEXT, predicate TEXT, object TEXT) ON COMMIT DROP;
`

const mergeStagingSQL = `
INSERT INTO graph_nodes (xid, type, props)
SELECT xid, type, props FROM graph_nodes_stage
ON CONFLICT (xid) DO UPDATE
SET type  = COALESCE(NULLIF(EXCLUDED.type, ''), graph_nodes.type),
    props = graph_nodes.props || EXCLUDED.props;
INSERT INTO graph_edges (subject, predicate, object)
SELECT DISTINCT subject, predicate, object FROM graph_edges_stage
ON CONFLICT DO NOTHING;
TRUNCATE graph_nodes_stage, graph_edges_stage;
`

const saveSchemaSQL = `
INSERT INTO graph_schema (id, sdl, dql) VALUES (1, $1, $2)
ON CONFLICT (id) DO UPDATE SET sdl = EXCLUDED.sdl, dql = EXCLUDED.dql, provisioned_at = now();
`
