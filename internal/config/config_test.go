package config

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OFFIS-RIT/graphport/pkg/store"
)

func TestFromEnv(t *testing.T) {
	t.Setenv("GRAPHPORT_SOURCE_URL", "https://registry.example.org/graphql")
	t.Setenv("GRAPHPORT_TARGET", "Postgres")
	t.Setenv("GRAPHPORT_PARALLELISM", "6")
	t.Setenv("GRAPHPORT_BACKOFF_BASE", "2s")
	t.Setenv("GRAPHPORT_RATE_LIMIT", "12.5")
	t.Setenv("GRAPHPORT_INTROSPECTION", "false")
	t.Setenv("GRAPHPORT_OUTPUT_DIR", "/data/runs")

	cfg := FromEnv()
	assert.Equal(t, "https://registry.example.org/graphql", cfg.SourceURL)
	assert.Equal(t, TargetPostgres, cfg.Target)
	assert.Equal(t, 6, cfg.Parallelism)
	assert.Equal(t, 2*time.Second, cfg.BackoffBase)
	assert.Equal(t, 12.5, cfg.RateLimit)
	assert.False(t, cfg.Introspection)
	assert.Equal(t, filepath.Join("/data/runs", "dgraph"), cfg.DgraphWorkDir)
	assert.Equal(t, 3, cfg.MaxAttempts)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		cfg := FromEnv()
		cfg.SourceURL = "http://localhost:4000/graphql"
		cfg.Target = TargetSQLite
		cfg.TargetURL = "graph.db"
		return cfg
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		want   error
	}{
		{"unknown target", func(c *Config) { c.Target = "mongo" }, nil},
		{"zero parallelism", func(c *Config) { c.Parallelism = 0 }, nil},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }, nil},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }, nil},
		{"bad source url", func(c *Config) { c.SourceURL = "not a url" }, nil},
		{"no schema without introspection", func(c *Config) {
			c.Introspection = false
			c.SchemaFile = ""
		}, ErrNoSchema},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid()
			tc.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			if tc.want != nil {
				assert.ErrorIs(t, err, tc.want)
			}
		})
	}
}

func TestRequireSourceAndTarget(t *testing.T) {
	cfg := FromEnv()
	cfg.SourceURL = ""
	assert.ErrorIs(t, cfg.RequireSource(), ErrNoSource)

	cfg.Target = TargetNeo4j
	cfg.TargetURL = ""
	assert.ErrorIs(t, cfg.RequireTarget(), ErrNoTargetURL)

	cfg.Target = TargetDgraph
	cfg.DgraphOffline = true
	assert.NoError(t, cfg.RequireTarget())
}

func TestGraphParams(t *testing.T) {
	cfg := FromEnv()
	cfg.QueryDir = "q"
	cfg.LoadMaxAttempt = 7
	p := cfg.GraphParams()
	assert.Equal(t, "q", p.QueryDir)
	assert.Equal(t, 7, p.LoadMaxAttempts)
	assert.Equal(t, cfg.Parallelism, p.Parallelism)
}

func TestOpenStoreSQLite(t *testing.T) {
	cfg := FromEnv()
	cfg.Target = TargetSQLite
	cfg.TargetURL = filepath.Join(t.TempDir(), "graph.db")

	s, err := cfg.OpenStore(context.Background())
	require.NoError(t, err)
	defer s.Close()

	state, err := s.State(context.Background())
	require.NoError(t, err)
	assert.Equal(t, store.StateEmpty, state)
}

func TestOpenStoreDgraphOffline(t *testing.T) {
	cfg := FromEnv()
	cfg.Target = TargetDgraph
	cfg.TargetURL = ""
	cfg.DgraphOffline = true
	cfg.DgraphWorkDir = t.TempDir()

	s, err := cfg.OpenStore(context.Background())
	require.NoError(t, err)
	state, err := s.State(context.Background())
	require.NoError(t, err)
	assert.Equal(t, store.StateEmpty, state)
}
