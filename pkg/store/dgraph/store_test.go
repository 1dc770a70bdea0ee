package dgraph

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OFFIS-RIT/graphport/internal/fixture"
	"github.com/OFFIS-RIT/graphport/pkg/augment"
	"github.com/OFFIS-RIT/graphport/pkg/identity"
	"github.com/OFFIS-RIT/graphport/pkg/rdf"
	"github.com/OFFIS-RIT/graphport/pkg/schema"
	"github.com/OFFIS-RIT/graphport/pkg/store"
)

var _ store.GraphStore = (*Store)(nil)
var _ store.Counter = (*Store)(nil)
var _ store.Inspector = (*Store)(nil)

type fakeRunner struct {
	calls [][]string
	// seen holds the statements of every live batch, read before the
	// temporary file is removed.
	seen [][]rdf.Statement
	err  error
}

func (f *fakeRunner) Run(ctx context.Context, bin string, args ...string) error {
	f.calls = append(f.calls, append([]string{bin}, args...))
	if args[0] == "live" {
		stmts, err := rdf.ReadAll(flag(args, "-f"))
		if err != nil {
			return err
		}
		f.seen = append(f.seen, stmts)
	}
	return f.err
}

func flag(args []string, name string) string {
	for i := 0; i+1 < len(args); i++ {
		if args[i] == name {
			return args[i+1]
		}
	}
	return ""
}

// alpha answers /query with data and records /admin/schema bodies.
type alpha struct {
	data   string
	schema string
	query  map[string]any
}

func (a *alpha) server(t *testing.T) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		switch r.URL.Path {
		case "/query":
			a.query = map[string]any{}
			_ = json.Unmarshal(raw, &a.query)
			_, _ = w.Write([]byte(`{"data":` + a.data + `}`))
		case "/admin/schema":
			a.schema = string(raw)
			_, _ = w.Write([]byte(`{"data":{"code":"Success","message":"Done"}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func augmented(t *testing.T) *augment.Schema {
	t.Helper()
	m, err := schema.ParseSDL("supplychain.graphql", fixture.SDL)
	require.NoError(t, err)
	s, err := augment.Augment(m, schema.Classify(m), nil)
	require.NoError(t, err)
	return s
}

func TestStateOnline(t *testing.T) {
	a := &alpha{data: `{"q":[]}`}
	srv := a.server(t)
	s, err := New(Params{AlphaHTTP: srv.URL, WorkDir: t.TempDir(), Runner: &fakeRunner{}})
	require.NoError(t, err)

	state, err := s.State(context.Background())
	require.NoError(t, err)
	assert.Equal(t, store.StateEmpty, state)
	assert.Contains(t, a.query["query"], "has(xid)")

	a.data = `{"q":[{"uid":"0x1"}]}`
	state, err = s.State(context.Background())
	require.NoError(t, err)
	assert.Equal(t, store.StatePopulated, state)
}

func TestStateOffline(t *testing.T) {
	work := t.TempDir()
	s, err := New(Params{Offline: true, WorkDir: work, Runner: &fakeRunner{}})
	require.NoError(t, err)

	state, err := s.State(context.Background())
	require.NoError(t, err)
	assert.Equal(t, store.StateEmpty, state)

	require.NoError(t, os.MkdirAll(filepath.Join(work, "out", "0", "p"), 0o755))
	state, err = s.State(context.Background())
	require.NoError(t, err)
	assert.Equal(t, store.StatePopulated, state)
}

func TestProvisionWritesAndSubmitsSchema(t *testing.T) {
	a := &alpha{}
	srv := a.server(t)
	work := t.TempDir()
	s, err := New(Params{AlphaHTTP: srv.URL, WorkDir: work, Runner: &fakeRunner{}})
	require.NoError(t, err)

	aug := augmented(t)
	require.NoError(t, s.Provision(context.Background(), aug))

	dql, err := os.ReadFile(filepath.Join(work, SchemaDQLFile))
	require.NoError(t, err)
	assert.Equal(t, string(augment.RenderDQL(aug)), string(dql))
	assert.Equal(t, string(augment.RenderSDL(aug)), a.schema)
}

func TestBulkImportRequiresSchema(t *testing.T) {
	work := t.TempDir()
	runner := &fakeRunner{}
	s, err := New(Params{Offline: true, WorkDir: work, Zero: "zero:5080", Runner: runner})
	require.NoError(t, err)

	nodes := rdf.ArtifactFile{Path: "/runs/a/nodes.rdf.gz"}
	edges := rdf.ArtifactFile{Path: "/runs/a/edges.rdf.gz"}
	err = s.BulkImport(context.Background(), []rdf.ArtifactFile{nodes, edges})
	require.ErrorIs(t, err, store.ErrNotProvisioned)
	assert.Empty(t, runner.calls)

	require.NoError(t, s.Provision(context.Background(), augmented(t)))
	require.NoError(t, s.BulkImport(context.Background(), []rdf.ArtifactFile{nodes, edges}))
	require.Len(t, runner.calls, 1)
	args := runner.calls[0]
	assert.Equal(t, "dgraph", args[0])
	assert.Equal(t, "bulk", args[1])
	assert.Equal(t, "/runs/a/nodes.rdf.gz,/runs/a/edges.rdf.gz", flag(args, "-f"))
	assert.Equal(t, filepath.Join(work, SchemaDQLFile), flag(args, "-s"))
	assert.Equal(t, filepath.Join(work, SchemaGraphQLFile), flag(args, "-g"))
	assert.Equal(t, "zero:5080", flag(args, "--zero"))
	assert.Contains(t, args, "--store_xids")
}

func TestBulkImportRefusesPopulatedTarget(t *testing.T) {
	work := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(work, "out", "0"), 0o755))
	s, err := New(Params{Offline: true, WorkDir: work, Runner: &fakeRunner{}})
	require.NoError(t, err)
	assert.ErrorIs(t, s.BulkImport(context.Background(), nil), store.ErrTargetNotEmpty)
}

func TestUpsertRunsLiveLoader(t *testing.T) {
	a := &alpha{}
	srv := a.server(t)
	work := t.TempDir()
	runner := &fakeRunner{}
	s, err := New(Params{AlphaHTTP: srv.URL, AlphaGRPC: "alpha:9080", WorkDir: work, Runner: runner})
	require.NoError(t, err)

	id := identity.Synthesize("Vulnerability", "OSV-1")
	stmts := []rdf.Statement{
		{Subject: id, Predicate: rdf.PredicateType, Literal: "Vulnerability"},
		{Subject: id, Predicate: "Vulnerability.osvId", Literal: "OSV-1"},
	}
	require.NoError(t, s.Upsert(context.Background(), stmts))

	require.Len(t, runner.calls, 1)
	args := runner.calls[0]
	assert.Equal(t, "live", args[1])
	assert.Equal(t, "xid", flag(args, "--upsertPredicate"))
	assert.Equal(t, "alpha:9080", flag(args, "--alpha"))
	assert.Equal(t, [][]rdf.Statement{stmts}, runner.seen)

	_, err = os.Stat(flag(args, "-f"))
	assert.True(t, os.IsNotExist(err), "batch file is removed after the load")

	runner.err = errors.New("exit status 1")
	assert.Error(t, s.Upsert(context.Background(), stmts))
}

func TestCountsAndEntity(t *testing.T) {
	a := &alpha{data: `{"types":[{"@groupby":[{"dgraph.type":"Package","count":3},{"dgraph.type":"Artifact","count":1}]}]}`}
	srv := a.server(t)
	s, err := New(Params{AlphaHTTP: srv.URL, WorkDir: t.TempDir(), Runner: &fakeRunner{}})
	require.NoError(t, err)

	counts, err := s.Counts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"Package": 3, "Artifact": 1}, counts)

	a.data = `{"q":[{"uid":"0x2","dgraph.type":["Vulnerability"],"xid":"x","Vulnerability.osvId":"OSV-1"}]}`
	e, err := s.Entity(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, "Vulnerability", e.Type)
	assert.Equal(t, map[string]any{"Vulnerability.osvId": "OSV-1"}, e.Props)
	assert.Equal(t, map[string]any{"$xid": "x"}, a.query["variables"])

	a.data = `{"q":[]}`
	_, err = s.Entity(context.Background(), "y")
	assert.ErrorIs(t, err, store.ErrEntityNotFound)
}

func TestNewRequiresAlphaWhenOnline(t *testing.T) {
	_, err := New(Params{WorkDir: t.TempDir()})
	assert.Error(t, err)
}
