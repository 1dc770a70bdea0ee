package graph

import (
	"context"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/OFFIS-RIT/graphport/pkg/extract"
)

// GraphClient runs migrations from one GraphQL source: schema acquisition,
// extraction into artifacts, provisioning and loading a target.
//
// A GraphClient should be created using NewGraphClient.
type GraphClient struct {
	params NewGraphClientParams

	mu     sync.Mutex
	engine *extract.Engine
}

// NewGraphClientParams is the immutable configuration of a GraphClient.
//
// SourceURL is the GraphQL endpoint; Introspection may be disabled when the
// source forbids it, in which case SchemaFile must be set. QueryDir holds one
// paginated list query per extracted type. Every run writes into its own
// directory below OutputDir.
type NewGraphClientParams struct {
	SourceURL     string
	SourceToken   string
	SourceName    string
	Introspection bool
	SchemaFile    string
	KeysFile      string
	QueryDir      string
	RulesFile     string
	OutputDir     string

	Parallelism        int
	PageSize           int
	QueueSize          int
	FlushBytes         int
	MaxAttempts        int
	BackoffBase        time.Duration
	BackoffMax         time.Duration
	MaxRateLimitPauses int
	RateLimit          float64
	RequestTimeout     time.Duration

	LoadBatchSize   int
	LoadMaxAttempts int

	HTTPClient *http.Client
	// Sleep replaces backoff waits, for tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

// NewGraphClient creates a GraphClient. Zero values fall back to defaults.
//
// Example:
//
//	client := graph.NewGraphClient(graph.NewGraphClientParams{
//		SourceURL:  "https://registry.example.org/graphql",
//		SchemaFile: "schema.graphql",
//		QueryDir:   "queries",
//		OutputDir:  "runs",
//	})
//	res, err := client.Extract(ctx)
func NewGraphClient(params NewGraphClientParams) *GraphClient {
	if params.Parallelism <= 0 {
		params.Parallelism = runtime.NumCPU()
	}
	if params.MaxAttempts <= 0 {
		params.MaxAttempts = 3
	}
	if params.LoadMaxAttempts <= 0 {
		params.LoadMaxAttempts = params.MaxAttempts
	}
	if params.OutputDir == "" {
		params.OutputDir = "runs"
	}
	if params.SourceName == "" {
		params.SourceName = params.SourceURL
	}
	return &GraphClient{params: params}
}

// Progress returns the live state of the current or last extraction.
func (g *GraphClient) Progress() *extract.Progress {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.engine == nil {
		return nil
	}
	return g.engine.Progress()
}
