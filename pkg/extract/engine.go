// Package extract runs the two-stage parallel extraction of a source.
//
// Stage 1 extracts every Node type with identity, Stage 2 every Edge type.
// The stages are separated by a barrier: no Edge worker starts before every
// Node worker has finished or failed. Workers share nothing but the bounded
// batch queue to the single Sink.
package extract

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/OFFIS-RIT/graphport/internal/util"
	"github.com/OFFIS-RIT/graphport/pkg/common"
	"github.com/OFFIS-RIT/graphport/pkg/logger"
	"github.com/OFFIS-RIT/graphport/pkg/schema"
	"github.com/OFFIS-RIT/graphport/pkg/source"
	"golang.org/x/sync/errgroup"
)

// ErrCursorStalled is reported when a source claims more pages but returns a
// cursor that does not advance.
var ErrCursorStalled = errors.New("pagination cursor did not advance")

// Source is the paginated list-query endpoint.
type Source interface {
	FetchPage(ctx context.Context, typeName, cursor string) (source.Page, error)
}

// Sink consumes batches until the channel is closed. It runs as the only
// consumer; returning an error cancels all workers.
type Sink interface {
	Consume(ctx context.Context, batches <-chan common.Batch) error
}

// RetryParams bounds retries of a single page request. MaxAttempts counts
// transient failures including the first try; rate-limit pauses are counted
// separately against MaxRateLimitPauses. Zero values mean 3 attempts and 10
// pauses.
type RetryParams struct {
	MaxAttempts        int
	BackoffBase        time.Duration
	BackoffMax         time.Duration
	MaxRateLimitPauses int
}

type EngineParams struct {
	Source      Source
	Parallelism int
	QueueSize   int
	Retry       RetryParams
	RunID       string
	SourceName  string
	// Sleep replaces the backoff timer, for tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

type Engine struct {
	source      Source
	parallelism int
	queueSize   int
	policy      util.Policy
	runID       string
	sourceName  string
	progress    *Progress
	log         logger.Scoped
}

func NewEngine(params EngineParams) *Engine {
	parallelism := params.Parallelism
	if parallelism <= 0 {
		parallelism = runtime.NumCPU()
	}
	queueSize := params.QueueSize
	if queueSize <= 0 {
		queueSize = parallelism * 2
	}
	maxAttempts := params.Retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	maxPauses := params.Retry.MaxRateLimitPauses
	if maxPauses <= 0 {
		maxPauses = 10
	}
	e := &Engine{
		source:      params.Source,
		parallelism: parallelism,
		queueSize:   queueSize,
		runID:       params.RunID,
		sourceName:  params.SourceName,
		progress:    &Progress{},
		log:         logger.WithPrefix("Extract"),
	}
	e.policy = util.Policy{
		MaxAttempts: maxAttempts,
		MaxPauses:   maxPauses,
		Backoff:     util.Backoff{Base: params.Retry.BackoffBase, Max: params.Retry.BackoffMax},
		Classify:    source.RetryDecision,
		Sleep:       params.Sleep,
	}
	return e
}

// Progress returns the live counters of the current or last run. It is safe
// to read while Run is in progress.
func (e *Engine) Progress() *Progress {
	return e.progress
}

// Run extracts every type of plan and streams the batches into sink. The
// returned report covers every type of the plan. The error is non-nil only
// when the run as a whole was aborted (sink failure or ctx cancellation);
// failed types are reported in the Report.
func (e *Engine) Run(ctx context.Context, plan *schema.Plan, sink Sink) (*Report, error) {
	report := &Report{
		RunID:   e.runID,
		Source:  e.sourceName,
		Started: time.Now().UTC(),
	}
	e.progress.start(len(plan.Nodes), len(plan.Edges))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	batches := make(chan common.Batch, e.queueSize)
	sinkDone := make(chan error, 1)
	go func() {
		err := sink.Consume(ctx, batches)
		if err != nil {
			cancel()
		}
		sinkDone <- err
	}()

	e.log.Info("Stage started", "stage", common.StageNodes, "types", len(plan.Nodes), "parallelism", e.parallelism)
	nodes := e.runStage(ctx, common.StageNodes, plan.Nodes, batches)
	report.Types = append(report.Types, nodes...)

	// barrier: runStage returns only after every Stage 1 worker is done
	var edges []TypeResult
	if ctx.Err() == nil {
		e.log.Info("Stage started", "stage", common.StageEdges, "types", len(plan.Edges), "parallelism", e.parallelism)
		edges = e.runStage(ctx, common.StageEdges, plan.Edges, batches)
	} else {
		for _, name := range plan.Edges {
			edges = append(edges, TypeResult{
				Type: name, Stage: common.StageEdges, Status: StatusFailed, Error: ctx.Err().Error(),
			})
		}
	}
	report.Types = append(report.Types, edges...)
	close(batches)

	for _, name := range plan.Embedded {
		r, _ := plan.Role(name)
		report.Types = append(report.Types, TypeResult{
			Type: name, Stage: common.StageNodes, Status: StatusEmbedded, Reason: r.Reason,
		})
	}

	sinkErr := <-sinkDone
	report.Finished = time.Now().UTC()

	if sinkErr != nil {
		return report, fmt.Errorf("sink: %w", sinkErr)
	}
	if err := ctx.Err(); err != nil {
		return report, err
	}
	if failed := report.FailedTypes(); len(failed) > 0 {
		e.log.Warn("Run finished with failed types", "failed", failed)
	}
	e.log.Info("Run finished", "records", report.TotalRecords(), "duration", report.Finished.Sub(report.Started))
	return report, nil
}

func (e *Engine) runStage(ctx context.Context, stage common.Stage, types []string, out chan<- common.Batch) []TypeResult {
	results := make([]TypeResult, len(types))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.parallelism)
	for i, name := range types {
		results[i] = TypeResult{Type: name, Stage: stage, Status: StatusPending}
		res := &results[i]
		g.Go(func() error {
			e.extractType(gctx, res, out)
			e.progress.finish(stage, res.Status == StatusFailed)
			// failures stay in the result so siblings keep running
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (e *Engine) extractType(ctx context.Context, res *TypeResult, out chan<- common.Batch) {
	start := time.Now()
	defer func() { res.Duration = time.Since(start) }()

	policy := e.policy
	policy.OnRetry = func(attempt int, err error, wait time.Duration) {
		e.log.Warn("Retrying page", "type", res.Type, "attempt", attempt, "wait", wait, "err", err)
	}

	cursor := ""
	for {
		page, stats, err := util.RetryWithPolicy(ctx, policy, func(ctx context.Context) (source.Page, error) {
			return e.source.FetchPage(ctx, res.Type, cursor)
		})
		res.Attempts += stats.Attempts
		res.RateLimitPauses += stats.Pauses
		if err != nil {
			e.fail(res, err)
			return
		}
		res.Pages++

		if len(page.Records) > 0 {
			batch := common.Batch{Stage: res.Stage, Type: res.Type, Records: page.Records}
			select {
			case out <- batch:
			case <-ctx.Done():
				e.fail(res, ctx.Err())
				return
			}
			res.Records += int64(len(page.Records))
			e.progress.addRecords(len(page.Records))
		}

		if !page.HasMore {
			res.Status = StatusSucceeded
			e.log.Debug("Type extracted", "type", res.Type, "records", res.Records, "pages", res.Pages)
			return
		}
		if page.NextCursor == "" || page.NextCursor == cursor {
			e.fail(res, fmt.Errorf("%w after page %d", ErrCursorStalled, res.Pages))
			return
		}
		cursor = page.NextCursor
	}
}

func (e *Engine) fail(res *TypeResult, err error) {
	res.Status = StatusFailed
	res.Error = err.Error()
	e.log.Error("Type extraction failed", "type", res.Type, "stage", res.Stage, "records", res.Records, "err", err)
}
