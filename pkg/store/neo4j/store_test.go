package neo4j

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OFFIS-RIT/graphport/internal/fixture"
	"github.com/OFFIS-RIT/graphport/pkg/augment"
	"github.com/OFFIS-RIT/graphport/pkg/common"
	"github.com/OFFIS-RIT/graphport/pkg/identity"
	"github.com/OFFIS-RIT/graphport/pkg/rdf"
	"github.com/OFFIS-RIT/graphport/pkg/schema"
	"github.com/OFFIS-RIT/graphport/pkg/store"
)

var _ store.GraphStore = (*Store)(nil)
var _ store.Counter = (*Store)(nil)
var _ store.Inspector = (*Store)(nil)

type call struct {
	query  string
	params map[string]any
	tx     int
}

// fakeExecutor records statements and answers reads from results.
type fakeExecutor struct {
	calls   []call
	results map[string]*neo4j.EagerResult
	failOn  string
	txs     int
}

func (f *fakeExecutor) Run(ctx context.Context, query string, params map[string]any) (*neo4j.EagerResult, error) {
	f.calls = append(f.calls, call{query: query, params: params})
	for prefix, res := range f.results {
		if strings.HasPrefix(query, prefix) {
			return res, nil
		}
	}
	return &neo4j.EagerResult{}, nil
}

func (f *fakeExecutor) Write(ctx context.Context, fn func(run RunFunc) error) error {
	f.txs++
	tx := f.txs
	var pending []call
	err := fn(func(ctx context.Context, query string, params map[string]any) error {
		if f.failOn != "" && strings.Contains(query, f.failOn) {
			return errors.New("constraint violation")
		}
		pending = append(pending, call{query: query, params: params, tx: tx})
		return nil
	})
	if err != nil {
		return err
	}
	f.calls = append(f.calls, pending...)
	return nil
}

var (
	leftPad = identity.Synthesize("Package", "NPM", "", "left-pad", "1.3.0")
	tarball = identity.Synthesize("Artifact", "sha256", "abc")
)

func statements() []rdf.Statement {
	return []rdf.Statement{
		{Subject: leftPad, Predicate: rdf.PredicateType, Literal: "Package"},
		{Subject: leftPad, Predicate: rdf.PredicateXID, Literal: string(leftPad)},
		{Subject: leftPad, Predicate: "Package.name", Literal: "left-pad"},
		{Subject: leftPad, Predicate: "Package.artifact", Object: tarball},
		{Subject: tarball, Predicate: rdf.PredicateType, Literal: "Artifact"},
		{Subject: tarball, Predicate: "Artifact.size", Literal: "2048", Datatype: rdf.XSDInt},
	}
}

func TestUpsertQueriesGroupByLabelAndPredicate(t *testing.T) {
	nodes, edges := store.GroupBySubject(statements())
	qs := upsertQueries(nodes, edges)
	require.Len(t, qs, 3)

	assert.Contains(t, qs[0].Cypher, "n:`Artifact`")
	assert.Contains(t, qs[1].Cypher, "n:`Package`")
	assert.Contains(t, qs[2].Cypher, "[:`Package.artifact`]")

	rows := qs[1].Params["rows"].([]map[string]any)
	require.Len(t, rows, 1)
	assert.Equal(t, string(leftPad), rows[0]["xid"])
	assert.Equal(t, map[string]any{"Package.name": "left-pad"}, rows[0]["props"])

	edgeRows := qs[2].Params["rows"].([]map[string]any)
	assert.Equal(t, []map[string]any{{"s": string(leftPad), "o": string(tarball)}}, edgeRows)
}

func TestUpsertQueriesWithoutTypeKeepLabels(t *testing.T) {
	nodes, edges := store.GroupBySubject([]rdf.Statement{
		{Subject: leftPad, Predicate: "Package.version", Literal: "1.3.0"},
	})
	qs := upsertQueries(nodes, edges)
	require.Len(t, qs, 1)
	assert.True(t, strings.HasSuffix(qs[0].Cypher, "SET n += row.props"))
}

func TestQuoteName(t *testing.T) {
	assert.Equal(t, "`Package.name`", quoteName("Package.name"))
	assert.Equal(t, "`we``ird`", quoteName("we`ird"))
}

func TestUpsertRunsInOneTransaction(t *testing.T) {
	exec := &fakeExecutor{}
	s := New(exec)
	require.NoError(t, s.Upsert(context.Background(), statements()))
	assert.Equal(t, 1, exec.txs)
	require.Len(t, exec.calls, 3)

	require.NoError(t, s.Upsert(context.Background(), nil))
	assert.Equal(t, 1, exec.txs, "empty batches do not open a transaction")
}

func TestBulkImport(t *testing.T) {
	dir := t.TempDir()
	w, err := rdf.CreateArtifact(dir, "nodes.rdf.gz", common.StageNodes, 0)
	require.NoError(t, err)
	for _, st := range statements() {
		require.NoError(t, w.Write(st))
	}
	m, err := w.Close()
	require.NoError(t, err)
	artifact := rdf.ArtifactFile{Path: filepath.Join(dir, "nodes.rdf.gz"), Manifest: m}

	exec := &fakeExecutor{}
	s := New(exec, WithBatchSize(2))
	require.NoError(t, s.BulkImport(context.Background(), []rdf.ArtifactFile{artifact}))
	assert.Equal(t, 1, exec.txs)

	exec = &fakeExecutor{failOn: "Package.artifact"}
	s = New(exec)
	require.Error(t, s.BulkImport(context.Background(), []rdf.ArtifactFile{artifact}))
	for _, c := range exec.calls {
		assert.Zero(t, c.tx, "a failed bulk import commits nothing")
	}

	exec = &fakeExecutor{results: map[string]*neo4j.EagerResult{
		"MATCH (n:Entity) RETURN": {Records: []*neo4j.Record{{Keys: []string{"xid"}, Values: []any{"x"}}}},
	}}
	s = New(exec)
	assert.ErrorIs(t, s.BulkImport(context.Background(), []rdf.ArtifactFile{artifact}), store.ErrTargetNotEmpty)
}

func TestCounts(t *testing.T) {
	exec := &fakeExecutor{results: map[string]*neo4j.EagerResult{
		"MATCH (n:Entity) UNWIND": {Records: []*neo4j.Record{
			{Keys: []string{"type", "n"}, Values: []any{"Package", int64(3)}},
			{Keys: []string{"type", "n"}, Values: []any{"Artifact", int64(1)}},
		}},
	}}
	counts, err := New(exec).Counts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"Package": 3, "Artifact": 1}, counts)

	state, err := New(&fakeExecutor{}).State(context.Background())
	require.NoError(t, err)
	assert.Equal(t, store.StateEmpty, state)
}

func TestEntityFromNode(t *testing.T) {
	e := entityFromNode(string(leftPad), neo4j.Node{
		Labels: []string{"Entity", "Package"},
		Props:  map[string]any{"xid": string(leftPad), "Package.name": "left-pad"},
	})
	assert.Equal(t, "Package", e.Type)
	assert.Equal(t, map[string]any{"Package.name": "left-pad"}, e.Props)
}

func TestProvisionStatements(t *testing.T) {
	m, err := schema.ParseSDL("supplychain.graphql", fixture.SDL)
	require.NoError(t, err)
	aug, err := augment.Augment(m, schema.Classify(m), &augment.Rules{Search: []augment.SearchRule{
		{Type: "Package", Field: "name"},
		{Type: "Vulnerability", Field: "summary", By: []string{"fulltext", "trigram"}},
	}})
	require.NoError(t, err)

	stmts := provisionStatements(aug)
	var constraints, fulltext, text, eq int
	for _, st := range stmts {
		switch {
		case strings.HasPrefix(st, "CREATE CONSTRAINT"):
			constraints++
		case strings.HasPrefix(st, "CREATE FULLTEXT INDEX"):
			fulltext++
		case strings.HasPrefix(st, "CREATE TEXT INDEX"):
			text++
		default:
			eq++
		}
	}
	// xid plus the single-field key of Vulnerability
	assert.Equal(t, 2, constraints)
	assert.Equal(t, 2, fulltext)
	assert.Equal(t, 1, text)
	assert.Equal(t, 6, eq)

	exec := &fakeExecutor{}
	require.NoError(t, New(exec).Provision(context.Background(), aug))
	require.Len(t, exec.calls, len(stmts)+1)
	assert.Contains(t, exec.calls[len(stmts)].query, "GraphportSchema")
	assert.Contains(t, exec.calls[len(stmts)].params["sdl"], "type Package")
}
