package graph

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/OFFIS-RIT/graphport/internal/util"
	"github.com/OFFIS-RIT/graphport/pkg/augment"
	"github.com/OFFIS-RIT/graphport/pkg/extract"
	"github.com/OFFIS-RIT/graphport/pkg/load"
	"github.com/OFFIS-RIT/graphport/pkg/logger"
	"github.com/OFFIS-RIT/graphport/pkg/rdf"
	"github.com/OFFIS-RIT/graphport/pkg/schema"
	"github.com/OFFIS-RIT/graphport/pkg/source"
	"github.com/OFFIS-RIT/graphport/pkg/store"
)

const ReportFile = "report.json"

var (
	ErrMissingQueries = errors.New("no list query for type")
	ErrNoNodeTypes    = errors.New("no type has a usable natural key")
)

// ExtractResult describes a finished extraction run.
type ExtractResult struct {
	RunID    string
	Dir      string
	Report   *extract.Report
	Manifest *rdf.RunManifest
}

// Schema acquires and classifies the source schema.
func (g *GraphClient) Schema(ctx context.Context) (*schema.Model, *schema.Plan, error) {
	m, err := schema.Acquire(ctx, schema.AcquireParams{
		URL:           g.params.SourceURL,
		Token:         g.params.SourceToken,
		Introspection: g.params.Introspection,
		SchemaFile:    g.params.SchemaFile,
		KeysFile:      g.params.KeysFile,
		HTTPClient:    g.params.HTTPClient,
	})
	if err != nil {
		return nil, nil, err
	}
	plan := schema.Classify(m)
	for _, name := range plan.Embedded {
		r, _ := plan.Role(name)
		logger.Warn("[Graph] Type has no usable identity and is embedded", "type", name, "reason", r.Reason)
	}
	return m, plan, nil
}

// Extract runs both stages against the source and writes the artifacts, the
// manifest and the report into a new run directory. Failed types do not make
// Extract fail; they are listed in the report.
func (g *GraphClient) Extract(ctx context.Context) (*ExtractResult, error) {
	m, plan, err := g.Schema(ctx)
	if err != nil {
		return nil, err
	}
	if len(plan.Nodes) == 0 {
		return nil, fmt.Errorf("%w: declare keys with @key in the schema file or a keys file", ErrNoNodeTypes)
	}
	lib, err := source.LoadQueryLibrary(g.params.QueryDir, m)
	if err != nil {
		return nil, err
	}
	if missing := lib.Missing(append(append([]string{}, plan.Nodes...), plan.Edges...)); len(missing) > 0 {
		return nil, fmt.Errorf("%w: %v", ErrMissingQueries, missing)
	}

	runID := util.NewRunID(time.Now())
	dir := filepath.Join(g.params.OutputDir, runID)
	ser, err := rdf.NewSerializer(rdf.SerializerParams{
		Dir:        dir,
		Model:      m,
		Plan:       plan,
		FlushBytes: g.params.FlushBytes,
		RunID:      runID,
		Source:     g.params.SourceName,
	})
	if err != nil {
		return nil, err
	}

	engine := extract.NewEngine(extract.EngineParams{
		Source: source.NewClient(source.NewClientParams{
			URL:        g.params.SourceURL,
			Token:      g.params.SourceToken,
			PageSize:   g.params.PageSize,
			Queries:    lib,
			RateLimit:  g.params.RateLimit,
			Timeout:    g.params.RequestTimeout,
			HTTPClient: g.params.HTTPClient,
		}),
		Parallelism: g.params.Parallelism,
		QueueSize:   g.params.QueueSize,
		Retry: extract.RetryParams{
			MaxAttempts:        g.params.MaxAttempts,
			BackoffBase:        g.params.BackoffBase,
			BackoffMax:         g.params.BackoffMax,
			MaxRateLimitPauses: g.params.MaxRateLimitPauses,
		},
		RunID:      runID,
		SourceName: g.params.SourceName,
		Sleep:      g.params.Sleep,
	})
	g.mu.Lock()
	g.engine = engine
	g.mu.Unlock()

	logger.Info("[Graph] Extraction started", "run", runID, "source", g.params.SourceName, "nodes", len(plan.Nodes), "edges", len(plan.Edges))
	report, err := engine.Run(ctx, plan, ser)
	if err != nil {
		ser.Abort()
		return nil, fmt.Errorf("extract run %s: %w", runID, err)
	}
	manifest, err := ser.Close()
	if err != nil {
		return nil, err
	}
	report.MergeSkipped(ser.Skipped())
	if err := report.WriteFile(filepath.Join(dir, ReportFile)); err != nil {
		return nil, err
	}

	logger.Info("[Graph] Extraction finished", "run", runID, "records", report.TotalRecords(),
		"skipped", report.TotalSkipped(), "failed", report.FailedTypes())
	return &ExtractResult{RunID: runID, Dir: dir, Report: report, Manifest: manifest}, nil
}

// Augment applies the rules file to the classified source schema.
func (g *GraphClient) Augment(ctx context.Context) (*augment.Schema, error) {
	m, plan, err := g.Schema(ctx)
	if err != nil {
		return nil, err
	}
	var rules *augment.Rules
	if g.params.RulesFile != "" {
		if rules, err = augment.LoadRules(g.params.RulesFile); err != nil {
			return nil, err
		}
	}
	return augment.Augment(m, plan, rules)
}

// Provision augments the schema and applies it to the target.
func (g *GraphClient) Provision(ctx context.Context, target store.GraphStore) (*augment.Schema, error) {
	s, err := g.Augment(ctx)
	if err != nil {
		return nil, err
	}
	if err := target.Provision(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// Load applies the artifacts of one or more run directories to target. Node
// artifacts of every run go before any edge artifact.
func (g *GraphClient) Load(ctx context.Context, target store.GraphStore, runDirs ...string) load.Result {
	groups := make([][]rdf.ArtifactFile, 0, len(runDirs))
	for _, dir := range runDirs {
		m, err := rdf.ReadRunManifest(dir)
		if err != nil {
			return load.Result{State: load.Failed, Err: err, Error: err.Error()}
		}
		groups = append(groups, m.Files(dir))
	}
	o := load.NewOrchestrator(target, load.Params{
		BatchSize:   g.params.LoadBatchSize,
		MaxAttempts: g.params.LoadMaxAttempts,
		BackoffBase: g.params.BackoffBase,
		BackoffMax:  g.params.BackoffMax,
		Sleep:       g.params.Sleep,
	})
	return o.Load(ctx, rdf.OrderArtifacts(groups...))
}

// LatestRun returns the newest run directory below OutputDir.
func (g *GraphClient) LatestRun() (string, error) {
	return LatestRun(g.params.OutputDir)
}

// LatestRun returns the newest run directory below dir. Run IDs sort by
// creation time.
func LatestRun(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	latest := ""
	for _, e := range entries {
		if e.IsDir() && util.IsRunID(e.Name()) && e.Name() > latest {
			latest = e.Name()
		}
	}
	if latest == "" {
		return "", os.ErrNotExist
	}
	return filepath.Join(dir, latest), nil
}
