package extract

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/OFFIS-RIT/graphport/internal/fixture"
	"github.com/OFFIS-RIT/graphport/pkg/common"
	"github.com/OFFIS-RIT/graphport/pkg/schema"
	"github.com/OFFIS-RIT/graphport/pkg/source"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noSleep(context.Context, time.Duration) error { return nil }

type collectSink struct {
	mu      sync.Mutex
	batches []common.Batch
	failAt  int
}

func (s *collectSink) Consume(ctx context.Context, batches <-chan common.Batch) error {
	for b := range batches {
		s.mu.Lock()
		s.batches = append(s.batches, b)
		n := len(s.batches)
		s.mu.Unlock()
		if s.failAt > 0 && n >= s.failAt {
			return errors.New("disk full")
		}
	}
	return nil
}

func (s *collectSink) counts() map[string]int {
	out := map[string]int{}
	for _, b := range s.batches {
		out[b.Type] += len(b.Records)
	}
	return out
}

func fixturePlan(t *testing.T) (*schema.Plan, *source.QueryLibrary) {
	t.Helper()
	m, err := schema.ParseSDL("supplychain.graphql", fixture.SDL)
	require.NoError(t, err)
	_, dir, err := fixture.WriteFiles(t.TempDir())
	require.NoError(t, err)
	lib, err := source.LoadQueryLibrary(dir, m)
	require.NoError(t, err)
	return schema.Classify(m), lib
}

func TestEngineCompleteness(t *testing.T) {
	counts := fixture.Counts{Artifacts: 57, Packages: 43, Vulnerabilities: 11}
	data := fixture.Seed(counts)
	plan, lib := fixturePlan(t)

	for _, workers := range []int{1, 4, 16} {
		t.Run(fmt.Sprintf("workers=%d", workers), func(t *testing.T) {
			srv := fixture.NewSource(data).Start()
			defer srv.Close()

			client := source.NewClient(source.NewClientParams{URL: srv.URL, PageSize: 5, Queries: lib})
			engine := NewEngine(EngineParams{Source: client, Parallelism: workers, QueueSize: 2, Sleep: noSleep})
			sink := &collectSink{}

			report, err := engine.Run(context.Background(), plan, sink)
			require.NoError(t, err)
			assert.False(t, report.Failed())

			got := sink.counts()
			for typeName, records := range data {
				assert.Equal(t, len(records), got[typeName], "type %s", typeName)
				assert.Equal(t, int64(len(records)), report.Result(typeName).Records)
			}
			assert.Equal(t, int32(100), engine.Progress().Snapshot().Percentage)
		})
	}
}

func TestEngineStagesAreOrdered(t *testing.T) {
	plan, lib := fixturePlan(t)
	srv := fixture.NewSource(fixture.Seed(fixture.Counts{Artifacts: 30, Packages: 30, Vulnerabilities: 30})).Start()
	defer srv.Close()

	client := source.NewClient(source.NewClientParams{URL: srv.URL, PageSize: 3, Queries: lib})
	sink := &collectSink{}
	_, err := NewEngine(EngineParams{Source: client, Parallelism: 8, Sleep: noSleep}).Run(context.Background(), plan, sink)
	require.NoError(t, err)

	seenEdge := false
	for _, b := range sink.batches {
		if b.Stage == common.StageEdges {
			seenEdge = true
			continue
		}
		require.False(t, seenEdge, "node batch %s arrived after an edge batch", b.Type)
	}
	assert.True(t, seenEdge)
}

// barrierSource records the order of requests and blocks node types briefly.
type barrierSource struct {
	mu         sync.Mutex
	nodeDone   int
	violations []string
	nodes      map[string]bool
}

func (s *barrierSource) FetchPage(ctx context.Context, typeName, cursor string) (source.Page, error) {
	if s.nodes[typeName] {
		time.Sleep(5 * time.Millisecond)
		s.mu.Lock()
		s.nodeDone++
		s.mu.Unlock()
		return source.Page{Records: []common.Record{{Type: typeName}}}, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nodeDone < len(s.nodes) {
		s.violations = append(s.violations, typeName)
	}
	return source.Page{}, nil
}

func TestEngineBarrier(t *testing.T) {
	plan := &schema.Plan{
		Nodes: []string{"A", "B", "C", "D"},
		Edges: []string{"E1", "E2"},
	}
	src := &barrierSource{nodes: map[string]bool{"A": true, "B": true, "C": true, "D": true}}
	_, err := NewEngine(EngineParams{Source: src, Parallelism: 6}).Run(context.Background(), plan, &collectSink{})
	require.NoError(t, err)
	assert.Empty(t, src.violations)
	assert.Equal(t, 4, src.nodeDone)
}

func TestEngineVulnerabilityFailsAfterThreeAttempts(t *testing.T) {
	plan, lib := fixturePlan(t)
	src := fixture.NewSource(fixture.Seed(fixture.Counts{Artifacts: 10, Packages: 10, Vulnerabilities: 10}))
	src.Fail("Vulnerability", fixture.Fault{Status: http.StatusInternalServerError})
	srv := src.Start()
	defer srv.Close()

	var waits []time.Duration
	var mu sync.Mutex
	client := source.NewClient(source.NewClientParams{URL: srv.URL, PageSize: 4, Queries: lib})
	engine := NewEngine(EngineParams{
		Source:      client,
		Parallelism: 4,
		Retry:       RetryParams{MaxAttempts: 3, BackoffBase: 100 * time.Millisecond, BackoffMax: time.Second},
		Sleep: func(_ context.Context, d time.Duration) error {
			mu.Lock()
			waits = append(waits, d)
			mu.Unlock()
			return nil
		},
	})

	report, err := engine.Run(context.Background(), plan, &collectSink{})
	require.NoError(t, err)

	assert.Equal(t, []string{"Vulnerability"}, report.FailedTypes())
	assert.True(t, report.Failed())
	vuln := report.Result("Vulnerability")
	assert.Equal(t, StatusFailed, vuln.Status)
	assert.Equal(t, 3, vuln.Attempts)
	assert.Contains(t, vuln.Error, "500")
	assert.Equal(t, 3, src.Requests("Vulnerability"))
	assert.ElementsMatch(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, waits)

	for _, name := range []string{"Artifact", "Package", "DependsOn", "Affects"} {
		assert.Equal(t, StatusSucceeded, report.Result(name).Status, name)
	}
	assert.Equal(t, StatusEmbedded, report.Result("Checksum").Status)
	assert.Equal(t, StatusEmbedded, report.Result("Maintainer").Status)
}

func TestEngineRateLimitPausesOnlyAffectedWorker(t *testing.T) {
	plan, lib := fixturePlan(t)
	src := fixture.NewSource(fixture.Seed(fixture.Counts{Artifacts: 3, Packages: 3, Vulnerabilities: 3}))
	src.Fail("Artifact", fixture.Fault{Status: http.StatusTooManyRequests, Times: 4, RetryAfter: "7"})
	srv := src.Start()
	defer srv.Close()

	var waits []time.Duration
	var mu sync.Mutex
	client := source.NewClient(source.NewClientParams{URL: srv.URL, Queries: lib})
	report, err := NewEngine(EngineParams{
		Source:      client,
		Parallelism: 2,
		Retry:       RetryParams{MaxAttempts: 2, MaxRateLimitPauses: 5},
		Sleep: func(_ context.Context, d time.Duration) error {
			mu.Lock()
			waits = append(waits, d)
			mu.Unlock()
			return nil
		},
	}).Run(context.Background(), plan, &collectSink{})
	require.NoError(t, err)
	assert.False(t, report.Failed())

	art := report.Result("Artifact")
	assert.Equal(t, 4, art.RateLimitPauses)
	assert.Equal(t, 1, art.Attempts)
	assert.Equal(t, int64(3), art.Records)
	assert.Equal(t, []time.Duration{7 * time.Second, 7 * time.Second, 7 * time.Second, 7 * time.Second}, waits)
	assert.Equal(t, 0, report.Result("Package").RateLimitPauses)
}

func TestEngineRateLimitPausesBounded(t *testing.T) {
	plan, lib := fixturePlan(t)
	src := fixture.NewSource(fixture.Seed(fixture.Counts{Artifacts: 3}))
	src.Fail("Artifact", fixture.Fault{Status: http.StatusTooManyRequests, RetryAfter: "1"})
	srv := src.Start()
	defer srv.Close()

	client := source.NewClient(source.NewClientParams{URL: srv.URL, Queries: lib})
	report, err := NewEngine(EngineParams{
		Source: client,
		Retry:  RetryParams{MaxAttempts: 3, MaxRateLimitPauses: 2},
		Sleep:  noSleep,
	}).Run(context.Background(), plan, &collectSink{})
	require.NoError(t, err)
	assert.Equal(t, []string{"Artifact"}, report.FailedTypes())
	assert.Equal(t, 3, src.Requests("Artifact"))
}

func TestEngineDefaultsRateLimitPauses(t *testing.T) {
	plan, lib := fixturePlan(t)
	src := fixture.NewSource(fixture.Seed(fixture.Counts{Artifacts: 3}))
	src.Fail("Artifact", fixture.Fault{Status: http.StatusTooManyRequests, Times: 1, RetryAfter: "1"})
	srv := src.Start()
	defer srv.Close()

	client := source.NewClient(source.NewClientParams{URL: srv.URL, Queries: lib})
	report, err := NewEngine(EngineParams{Source: client, Sleep: noSleep}).Run(context.Background(), plan, &collectSink{})
	require.NoError(t, err)
	assert.False(t, report.Failed())
	art := report.Result("Artifact")
	assert.Equal(t, StatusSucceeded, art.Status)
	assert.Equal(t, 1, art.RateLimitPauses)
	assert.Equal(t, int64(3), art.Records)
}

func TestEngineQueryErrorIsNotRetried(t *testing.T) {
	plan, lib := fixturePlan(t)
	src := fixture.NewSource(fixture.Seed(fixture.Counts{Packages: 3}))
	src.Fail("Package", fixture.Fault{GraphQLError: "Cannot query field \"licenses\""})
	srv := src.Start()
	defer srv.Close()

	client := source.NewClient(source.NewClientParams{URL: srv.URL, Queries: lib})
	report, err := NewEngine(EngineParams{Source: client, Sleep: noSleep}).Run(context.Background(), plan, &collectSink{})
	require.NoError(t, err)
	pkg := report.Result("Package")
	assert.Equal(t, StatusFailed, pkg.Status)
	assert.Equal(t, 1, pkg.Attempts)
	assert.Equal(t, 1, src.Requests("Package"))
}

type stalledSource struct{}

func (stalledSource) FetchPage(_ context.Context, typeName, cursor string) (source.Page, error) {
	return source.Page{
		Records:    []common.Record{{Type: typeName, Fields: map[string]any{"id": "x"}}},
		NextCursor: "same",
		HasMore:    true,
	}, nil
}

func TestEngineStalledCursorFailsType(t *testing.T) {
	plan := &schema.Plan{Nodes: []string{"Loop"}}
	report, err := NewEngine(EngineParams{Source: stalledSource{}}).Run(context.Background(), plan, &collectSink{})
	require.NoError(t, err)
	loop := report.Result("Loop")
	assert.Equal(t, StatusFailed, loop.Status)
	assert.Equal(t, 2, loop.Pages)
	assert.Contains(t, loop.Error, ErrCursorStalled.Error())
}

func TestEngineSinkFailureCancelsRun(t *testing.T) {
	plan, lib := fixturePlan(t)
	srv := fixture.NewSource(fixture.Seed(fixture.Counts{Artifacts: 50, Packages: 50, Vulnerabilities: 50})).Start()
	defer srv.Close()

	client := source.NewClient(source.NewClientParams{URL: srv.URL, PageSize: 1, Queries: lib})
	report, err := NewEngine(EngineParams{Source: client, Parallelism: 3, QueueSize: 1}).
		Run(context.Background(), plan, &collectSink{failAt: 2})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	require.NotNil(t, report)
	assert.True(t, report.Failed())
}

func TestEngineCanceledContext(t *testing.T) {
	plan, lib := fixturePlan(t)
	srv := fixture.NewSource(fixture.Seed(fixture.Counts{Artifacts: 5})).Start()
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	client := source.NewClient(source.NewClientParams{URL: srv.URL, Queries: lib})
	report, err := NewEngine(EngineParams{Source: client}).Run(ctx, plan, &collectSink{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StatusFailed, report.Result("DependsOn").Status)
}
