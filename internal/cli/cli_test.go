package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OFFIS-RIT/graphport/internal/config"
	"github.com/OFFIS-RIT/graphport/internal/fixture"
	"github.com/OFFIS-RIT/graphport/pkg/identity"
)

type response struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
}

func testConfig(t *testing.T, sourceURL string) config.Config {
	t.Helper()
	schemaFile, queryDir, err := fixture.WriteFiles(t.TempDir())
	require.NoError(t, err)

	cfg := config.FromEnv()
	cfg.SourceURL = sourceURL
	cfg.Introspection = true
	cfg.SchemaFile = schemaFile
	cfg.QueryDir = queryDir
	cfg.OutputDir = t.TempDir()
	cfg.Parallelism = 2
	cfg.PageSize = 3
	cfg.MaxAttempts = 2
	cfg.BackoffBase = time.Millisecond
	cfg.BackoffMax = time.Millisecond
	cfg.Target = config.TargetSQLite
	cfg.TargetURL = filepath.Join(t.TempDir(), "graph.db")
	cfg.LogFormat = "json"
	cfg.LogLevel = "error"
	return cfg
}

func execute(cfg config.Config, args ...string) (string, error) {
	cmd := NewRootCommand(cfg)
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func decodeAll(t *testing.T, out string) []response {
	t.Helper()
	var all []response
	dec := json.NewDecoder(bytes.NewBufferString(out))
	for dec.More() {
		var r response
		require.NoError(t, dec.Decode(&r))
		all = append(all, r)
	}
	return all
}

func TestRunThenCountsAndInspect(t *testing.T) {
	srv := fixture.NewSource(fixture.Seed(fixture.Counts{Artifacts: 3, Packages: 4, Vulnerabilities: 2})).Start()
	defer srv.Close()
	cfg := testConfig(t, srv.URL)

	out, err := execute(cfg, "run")
	require.NoError(t, err)
	results := decodeAll(t, out)
	require.Len(t, results, 2)
	assert.Equal(t, "ok", results[0].Status)
	assert.Equal(t, "ok", results[1].Status)

	var summary extractSummary
	require.NoError(t, json.Unmarshal(results[0].Data, &summary))
	assert.NotEmpty(t, summary.RunID)
	assert.Empty(t, summary.FailedTypes)
	assert.Equal(t, 2, summary.Artifacts)

	var loaded struct {
		Path   string `json:"path"`
		State  string `json:"state"`
		Target string `json:"target"`
	}
	require.NoError(t, json.Unmarshal(results[1].Data, &loaded))
	assert.Equal(t, config.TargetSQLite, loaded.Target)

	out, err = execute(cfg, "counts")
	require.NoError(t, err)
	var counts map[string]int64
	require.NoError(t, json.Unmarshal(decodeAll(t, out)[0].Data, &counts))
	assert.Equal(t, int64(3), counts["Artifact"])
	assert.Equal(t, int64(4), counts["Package"])
	assert.Equal(t, int64(2), counts["Vulnerability"])

	xid := identity.Synthesize("Artifact", "sha256", fmt.Sprintf("%064x", 1))
	out, err = execute(cfg, "inspect", string(xid))
	require.NoError(t, err)
	var ent struct {
		XID  string `json:"xid"`
		Type string `json:"type"`
	}
	require.NoError(t, json.Unmarshal(decodeAll(t, out)[0].Data, &ent))
	assert.Equal(t, string(xid), ent.XID)
	assert.Equal(t, "Artifact", ent.Type)

	_, err = execute(cfg, "inspect", string(identity.Synthesize("Artifact", "sha256", "missing")))
	assert.Equal(t, ExitFailure, GetExitCode(err))
}

func TestLoadIsIdempotent(t *testing.T) {
	srv := fixture.NewSource(fixture.Seed(fixture.Counts{Artifacts: 2, Packages: 3})).Start()
	defer srv.Close()
	cfg := testConfig(t, srv.URL)

	_, err := execute(cfg, "extract")
	require.NoError(t, err)

	out, err := execute(cfg, "load", "--latest")
	require.NoError(t, err)
	first, err := execute(cfg, "counts")
	require.NoError(t, err)
	assert.Contains(t, out, `"path":"bulk"`)

	out, err = execute(cfg, "load", "--latest")
	require.NoError(t, err)
	assert.Contains(t, out, `"path":"incremental"`)
	second, err := execute(cfg, "counts")
	require.NoError(t, err)
	assert.JSONEq(t, first, second)
}

func TestExtractFailedTypeExitsWithFailure(t *testing.T) {
	src := fixture.NewSource(fixture.Seed(fixture.Counts{Artifacts: 2, Packages: 3, Vulnerabilities: 1}))
	src.Fail("Vulnerability", fixture.Fault{Status: http.StatusInternalServerError})
	srv := src.Start()
	defer srv.Close()
	cfg := testConfig(t, srv.URL)

	out, err := execute(cfg, "extract")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	results := decodeAll(t, out)
	require.Len(t, results, 1)
	assert.Equal(t, "failed", results[0].Status)
	var summary extractSummary
	require.NoError(t, json.Unmarshal(results[0].Data, &summary))
	assert.Contains(t, summary.FailedTypes, "Vulnerability")

	// what did extract still loads
	_, err = execute(cfg, "load", "--latest")
	require.NoError(t, err)
}

func TestCommandErrors(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1/graphql")

	tests := []struct {
		name string
		args []string
	}{
		{"unknown target", []string{"counts", "--target", "mongo"}},
		{"load without runs", []string{"load"}},
		{"archive without bucket", []string{"load", "--latest", "--archive"}},
		{"worker without rabbitmq", []string{"worker"}},
		{"extract without source", []string{"extract", "--source-url", ""}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := execute(cfg, tc.args...)
			require.Error(t, err)
			assert.Equal(t, ExitCommandError, GetExitCode(err))
		})
	}

	_, err := execute(cfg, "load", filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err), "a run without manifest fails the load")
}

func TestAugmentRendersSchema(t *testing.T) {
	cfg := testConfig(t, "")

	out, err := execute(cfg, "augment")
	require.NoError(t, err)
	assert.Contains(t, out, "type Artifact {")
	assert.Contains(t, out, `xid: String! @id`)

	out, err = execute(cfg, "augment", "--dql")
	require.NoError(t, err)
	assert.Contains(t, out, "Artifact.digest: string @index(hash) .")

	out, err = execute(cfg, "rules-schema")
	require.NoError(t, err)
	assert.True(t, json.Valid([]byte(out)))
}

func TestProvisionSQLite(t *testing.T) {
	cfg := testConfig(t, "")

	out, err := execute(cfg, "provision")
	require.NoError(t, err)
	results := decodeAll(t, out)
	require.Len(t, results, 1)
	assert.Equal(t, "ok", results[0].Status)

	_, err = execute(cfg, "provision")
	require.NoError(t, err)
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitSuccess, GetExitCode(nil))
	assert.Equal(t, ExitCommandError, GetExitCode(assert.AnError))
	assert.Equal(t, ExitFailure, GetExitCode(fmt.Errorf("wrapped: %w", NewExitError(ExitFailure, "x"))))
}
