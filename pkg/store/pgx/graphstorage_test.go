package pgx

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	pgxv5 "github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OFFIS-RIT/graphport/internal/fixture"
	"github.com/OFFIS-RIT/graphport/pkg/augment"
	"github.com/OFFIS-RIT/graphport/pkg/common"
	"github.com/OFFIS-RIT/graphport/pkg/identity"
	"github.com/OFFIS-RIT/graphport/pkg/leaselock"
	"github.com/OFFIS-RIT/graphport/pkg/rdf"
	"github.com/OFFIS-RIT/graphport/pkg/schema"
	"github.com/OFFIS-RIT/graphport/pkg/store"
)

var _ store.GraphStore = (*GraphDBStorage)(nil)

type execCall struct {
	sql  string
	args []any
	tx   bool
}

type copyCall struct {
	table   string
	columns []string
	rows    [][]any
}

// fakeConn records what the store sends. Transactions only reach the
// recorded calls when they commit.
type fakeConn struct {
	mu        sync.Mutex
	populated bool
	failCopy  string
	execs     []execCall
	copies    []copyCall
	commits   int
	rollbacks int
}

func (c *fakeConn) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.execs = append(c.execs, execCall{sql: sql, args: args})
	return pgconn.CommandTag{}, nil
}

func (c *fakeConn) Query(ctx context.Context, sql string, args ...any) (pgxv5.Rows, error) {
	return nil, errors.New("query not supported")
}

func (c *fakeConn) QueryRow(ctx context.Context, sql string, args ...any) pgxv5.Row {
	switch {
	case strings.Contains(sql, "FROM graph_nodes"):
		return fakeRow{val: c.populated}
	case strings.Contains(sql, "app_locks"):
		return fakeRow{val: args[0]}
	}
	return fakeRow{err: pgxv5.ErrNoRows}
}

func (c *fakeConn) Begin(ctx context.Context) (pgxv5.Tx, error) {
	return &fakeTx{conn: c}, nil
}

func (c *fakeConn) sqls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, e := range c.execs {
		out = append(out, e.sql)
	}
	return out
}

type fakeRow struct {
	val any
	err error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	switch d := dest[0].(type) {
	case *bool:
		*d = r.val.(bool)
	case *string:
		*d = r.val.(string)
	default:
		return errors.New("unexpected scan target")
	}
	return nil
}

type fakeTx struct {
	pgxv5.Tx
	conn   *fakeConn
	execs  []execCall
	copies []copyCall
}

func (tx *fakeTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	tx.execs = append(tx.execs, execCall{sql: sql, args: args, tx: true})
	return pgconn.CommandTag{}, nil
}

func (tx *fakeTx) CopyFrom(ctx context.Context, table pgxv5.Identifier, columns []string, src pgxv5.CopyFromSource) (int64, error) {
	cc := copyCall{table: table.Sanitize(), columns: columns}
	for src.Next() {
		vals, err := src.Values()
		if err != nil {
			return 0, err
		}
		if tx.conn.failCopy != "" && vals[1] == tx.conn.failCopy {
			return 0, errors.New("copy failed")
		}
		cc.rows = append(cc.rows, vals)
	}
	tx.copies = append(tx.copies, cc)
	return int64(len(cc.rows)), src.Err()
}

func (tx *fakeTx) Commit(ctx context.Context) error {
	c := tx.conn
	c.mu.Lock()
	defer c.mu.Unlock()
	c.execs = append(c.execs, tx.execs...)
	c.copies = append(c.copies, tx.copies...)
	c.commits++
	tx.execs, tx.copies = nil, nil
	return nil
}

func (tx *fakeTx) Rollback(ctx context.Context) error {
	if tx.execs != nil || tx.copies != nil {
		tx.conn.mu.Lock()
		tx.conn.rollbacks++
		tx.conn.mu.Unlock()
	}
	return nil
}

var (
	leftPad = identity.Synthesize("Package", "NPM", "", "left-pad", "1.3.0")
	tarball = identity.Synthesize("Artifact", "sha256", "abc")
)

func statements() []rdf.Statement {
	return []rdf.Statement{
		{Subject: tarball, Predicate: rdf.PredicateType, Literal: "Artifact"},
		{Subject: tarball, Predicate: rdf.PredicateXID, Literal: string(tarball)},
		{Subject: tarball, Predicate: "Artifact.digest", Literal: "abc"},
		{Subject: leftPad, Predicate: rdf.PredicateType, Literal: "Package"},
		{Subject: leftPad, Predicate: rdf.PredicateXID, Literal: string(leftPad)},
		{Subject: leftPad, Predicate: "Package.name", Literal: "left-pad"},
		{Subject: leftPad, Predicate: "Package.artifact", Object: tarball},
	}
}

func augmented(t *testing.T, rules *augment.Rules) *augment.Schema {
	t.Helper()
	m, err := schema.ParseSDL("supplychain.graphql", fixture.SDL)
	require.NoError(t, err)
	s, err := augment.Augment(m, schema.Classify(m), rules)
	require.NoError(t, err)
	return s
}

func TestProvisionStatements(t *testing.T) {
	s := augmented(t, &augment.Rules{Search: []augment.SearchRule{
		{Type: "Package", Field: "name"},
		{Type: "Vulnerability", Field: "summary", By: []string{"fulltext", "trigram"}},
	}})

	stmts, skipped := provisionStatements(s)

	var unique, term, fts, eq int
	for _, st := range stmts {
		switch {
		case strings.HasPrefix(st, "CREATE UNIQUE INDEX"):
			unique++
			assert.Contains(t, st, "'Vulnerability.osvId'")
		case strings.Contains(st, "'simple'"):
			term++
			assert.Contains(t, st, "'Package.name'")
		case strings.Contains(st, "'english'"):
			fts++
		default:
			eq++
		}
	}
	assert.Equal(t, 1, unique, "only single-field keys get a unique index")
	assert.Equal(t, 1, term)
	assert.Equal(t, 1, fts)
	// hash indexes on the six composite key parts
	assert.Equal(t, 6, eq)

	require.Len(t, skipped, 1)
	assert.Equal(t, "summary", skipped[0].Field)

	again, _ := provisionStatements(s)
	assert.Equal(t, stmts, again)
}

func TestIndexName(t *testing.T) {
	a := indexName("eq", "Package.name")
	assert.Equal(t, a, indexName("eq", "Package.name"))
	assert.NotEqual(t, a, indexName("eq", "Package.version"))
	assert.LessOrEqual(t, len(a), 63)
}

func TestQuote(t *testing.T) {
	assert.Equal(t, "'it''s'", quote("it's"))
}

func TestEncodePropsStripsNUL(t *testing.T) {
	raw, err := encodeProps(store.NodeUpsert{
		XID:  "eA",
		Type: "Package",
		Props: map[string]any{
			"name":        "left\x00pad",
			"maintainers": []any{"a\x00b", "c"},
		},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"leftpad","maintainers":["ab","c"]}`, string(raw))
}

func TestUpsertSendsArraysInOneTransaction(t *testing.T) {
	conn := &fakeConn{}
	s := NewGraphDBStorageWithConnection(conn)
	stmts := statements()
	stmts[5].Literal = "left\x00pad"
	require.NoError(t, s.Upsert(context.Background(), stmts))

	require.Equal(t, 1, conn.commits)
	require.Len(t, conn.execs, 2)
	nodes, edges := conn.execs[0], conn.execs[1]
	assert.True(t, nodes.tx)
	assert.Equal(t, upsertNodesSQL, nodes.sql)
	assert.ElementsMatch(t, []string{string(tarball), string(leftPad)}, nodes.args[0])
	assert.ElementsMatch(t, []string{"Artifact", "Package"}, nodes.args[1])
	for _, raw := range nodes.args[2].([]string) {
		assert.NotContains(t, raw, "\\u0000")
	}

	assert.Equal(t, insertEdgesSQL, edges.sql)
	assert.Equal(t, []string{string(leftPad)}, edges.args[0])
	assert.Equal(t, []string{"Package.artifact"}, edges.args[1])
	assert.Equal(t, []string{string(tarball)}, edges.args[2])

	require.NoError(t, s.Upsert(context.Background(), nil))
	assert.Equal(t, 1, conn.commits, "empty batches do not open a transaction")
}

func TestBulkImportCopiesIntoStagingAndMerges(t *testing.T) {
	dir := t.TempDir()
	w, err := rdf.CreateArtifact(dir, "nodes.rdf.gz", common.StageNodes, 0)
	require.NoError(t, err)
	for _, st := range statements() {
		require.NoError(t, w.Write(st))
	}
	m, err := w.Close()
	require.NoError(t, err)
	artifact := rdf.ArtifactFile{Path: filepath.Join(dir, "nodes.rdf.gz"), Manifest: m}

	conn := &fakeConn{}
	s := NewGraphDBStorageWithConnection(conn, WithBatchSize(3))
	require.NoError(t, s.BulkImport(context.Background(), []rdf.ArtifactFile{artifact}))
	require.Equal(t, 1, conn.commits)

	sqls := conn.sqls()
	require.NotEmpty(t, sqls)
	assert.Equal(t, createStagingSQL, sqls[0])
	merges := 0
	for _, q := range sqls[1:] {
		assert.Equal(t, mergeStagingSQL, q)
		merges++
	}
	// one copy of nodes and one of edges per batch, each followed by a merge
	require.Len(t, conn.copies, 2*merges)
	var nodeRows, edgeRows [][]any
	for i, cc := range conn.copies {
		if i%2 == 0 {
			assert.Equal(t, `"graph_nodes_stage"`, cc.table)
			assert.Equal(t, []string{"xid", "type", "props"}, cc.columns)
			nodeRows = append(nodeRows, cc.rows...)
		} else {
			assert.Equal(t, `"graph_edges_stage"`, cc.table)
			assert.Equal(t, []string{"subject", "predicate", "object"}, cc.columns)
			edgeRows = append(edgeRows, cc.rows...)
		}
	}
	require.Len(t, nodeRows, 2)
	assert.ElementsMatch(t, []any{string(tarball), string(leftPad)}, []any{nodeRows[0][0], nodeRows[1][0]})
	assert.Equal(t, [][]any{{string(leftPad), "Package.artifact", string(tarball)}}, edgeRows)

	conn = &fakeConn{failCopy: "Package"}
	s = NewGraphDBStorageWithConnection(conn, WithBatchSize(3))
	require.Error(t, s.BulkImport(context.Background(), []rdf.ArtifactFile{artifact}))
	assert.Zero(t, conn.commits)
	assert.Empty(t, conn.copies, "a failed bulk import commits nothing")
	assert.Equal(t, 1, conn.rollbacks)

	conn = &fakeConn{populated: true}
	s = NewGraphDBStorageWithConnection(conn)
	assert.ErrorIs(t, s.BulkImport(context.Background(), []rdf.ArtifactFile{artifact}), store.ErrTargetNotEmpty)
	assert.Empty(t, conn.sqls())
}

func TestProvisionRunsUnderLease(t *testing.T) {
	conn := &fakeConn{}
	s := NewGraphDBStorageWithConnection(conn, WithLockKey("graphport:load:test"))
	require.NoError(t, s.Provision(context.Background(), augmented(t, nil)))

	require.Equal(t, 1, conn.commits)
	sqls := conn.sqls()
	require.NotEmpty(t, sqls)
	assert.Equal(t, saveSchemaSQL, sqls[len(sqls)-2])
	// the lease is released after the transaction committed
	last := conn.execs[len(conn.execs)-1]
	assert.Contains(t, last.sql, "DELETE FROM app_locks")
	assert.Equal(t, "graphport:load:test:provision", last.args[0])
	assert.False(t, last.tx)

	assert.Error(t, s.Provision(context.Background(), nil))
}

func TestLockReleasesLease(t *testing.T) {
	conn := &fakeConn{}
	s := NewGraphDBStorageWithConnection(conn)
	release, err := s.Lock(context.Background())
	require.NoError(t, err)
	release()
	require.Len(t, conn.execs, 1)
	assert.Equal(t, leaselock.LoadKey("postgres"), conn.execs[0].args[0])
}
