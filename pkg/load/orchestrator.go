// Package load drives a target store through one load of a run's artifacts:
// a single bulk import into an empty target, or batched upserts into a
// populated one.
package load

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/OFFIS-RIT/graphport/internal/util"
	"github.com/OFFIS-RIT/graphport/pkg/logger"
	"github.com/OFFIS-RIT/graphport/pkg/rdf"
	"github.com/OFFIS-RIT/graphport/pkg/store"
)

var (
	ErrBulkFailed     = errors.New("bulk import failed")
	ErrUpsertFailed   = errors.New("incremental load failed")
	ErrArtifactOrder  = errors.New("edge artifact before node artifact")
	ErrNoArtifacts    = errors.New("no artifacts to load")
	ErrTargetUnlocked = errors.New("could not lock target")
)

type Path string

const (
	PathBulk        Path = "bulk"
	PathIncremental Path = "incremental"
)

type Outcome string

const (
	Loaded Outcome = "loaded"
	Failed Outcome = "failed"
)

// Result is the terminal state of a load.
type Result struct {
	Path   Path    `json:"path,omitempty" msgpack:"path"`
	State  Outcome `json:"state" msgpack:"state"`
	Target string  `json:"target,omitempty" msgpack:"target"`
	// FailedArtifact and FailedTypes name what could not be applied.
	FailedArtifact string        `json:"failedArtifact,omitempty" msgpack:"failed_artifact"`
	FailedTypes    []string      `json:"failedTypes,omitempty" msgpack:"failed_types"`
	Batches        int           `json:"batches" msgpack:"batches"`
	Statements     int64         `json:"statements" msgpack:"statements"`
	Retries        int           `json:"retries" msgpack:"retries"`
	Duration       time.Duration `json:"durationNs" msgpack:"duration_ns"`
	Error          string        `json:"error,omitempty" msgpack:"error"`
	Err            error         `json:"-" msgpack:"-"`
}

func (r *Result) Failed() bool {
	return r.State == Failed
}

type Params struct {
	BatchSize   int
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	Sleep       func(ctx context.Context, d time.Duration) error
}

type Orchestrator struct {
	store  store.GraphStore
	params Params
	log    logger.Scoped
}

func NewOrchestrator(s store.GraphStore, p Params) *Orchestrator {
	if p.BatchSize <= 0 {
		p.BatchSize = 1000
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.BackoffBase <= 0 {
		p.BackoffBase = 500 * time.Millisecond
	}
	if p.BackoffMax <= 0 {
		p.BackoffMax = 30 * time.Second
	}
	return &Orchestrator{store: s, params: p, log: logger.WithPrefix("Load")}
}

// Load applies artifacts, which must be ordered with every node artifact
// before any edge artifact. Loading the same artifacts into a populated
// target again changes nothing.
func (o *Orchestrator) Load(ctx context.Context, artifacts []rdf.ArtifactFile) (res Result) {
	start := time.Now()
	defer func() {
		res.Duration = time.Since(start)
		if res.Err != nil {
			res.State = Failed
			res.Error = res.Err.Error()
			o.log.Error("Load failed", "path", res.Path, "artifact", res.FailedArtifact, "types", res.FailedTypes, "err", res.Err)
			return
		}
		res.State = Loaded
		o.log.Info("Load finished", "path", res.Path, "batches", res.Batches, "statements", res.Statements, "duration", res.Duration)
	}()

	if len(artifacts) == 0 {
		res.Err = ErrNoArtifacts
		return res
	}
	for i, a := range artifacts {
		if i > 0 && a.Manifest.Stage < artifacts[i-1].Manifest.Stage {
			res.FailedArtifact = a.Manifest.Name
			res.Err = fmt.Errorf("%w: %s", ErrArtifactOrder, a.Path)
			return res
		}
		if err := rdf.VerifyChecksum(a); err != nil {
			res.FailedArtifact = a.Manifest.Name
			res.Err = err
			return res
		}
	}

	if l, ok := o.store.(store.Locker); ok {
		release, err := l.Lock(ctx)
		if err != nil {
			res.Err = errors.Join(ErrTargetUnlocked, err)
			return res
		}
		defer release()
	}

	state, err := o.store.State(ctx)
	if err != nil {
		res.Err = err
		return res
	}
	o.log.Info("Load started", "target", state, "artifacts", len(artifacts))

	if state == store.StateEmpty {
		res.Path = PathBulk
		o.bulk(ctx, artifacts, &res)
		return res
	}
	res.Path = PathIncremental
	o.incremental(ctx, artifacts, &res)
	return res
}

// bulk is all or nothing: a failure leaves nothing to resume and the run has
// to start over from an empty target.
func (o *Orchestrator) bulk(ctx context.Context, artifacts []rdf.ArtifactFile, res *Result) {
	if err := o.store.BulkImport(ctx, artifacts); err != nil {
		res.Err = errors.Join(ErrBulkFailed, err)
		return
	}
	res.Batches = 1
	for _, a := range artifacts {
		res.Statements += a.Manifest.Statements
	}
}

func (o *Orchestrator) incremental(ctx context.Context, artifacts []rdf.ArtifactFile, res *Result) {
	policy := util.Policy{
		MaxAttempts: o.params.MaxAttempts,
		Backoff:     util.Backoff{Base: o.params.BackoffBase, Max: o.params.BackoffMax},
		Sleep:       o.params.Sleep,
	}

	for _, a := range artifacts {
		o.log.Info("Applying artifact", "name", a.Manifest.Name, "statements", a.Manifest.Statements)
		err := store.StreamBatches(a, o.params.BatchSize, func(batch []rdf.Statement) error {
			p := policy
			p.OnRetry = func(attempt int, err error, wait time.Duration) {
				res.Retries++
				o.log.Warn("Retrying batch", "artifact", a.Manifest.Name, "batch", res.Batches+1, "attempt", attempt, "wait", wait, "err", err)
			}
			_, err := util.RetryErrWithPolicy(ctx, p, func(ctx context.Context) error {
				return o.store.Upsert(ctx, batch)
			})
			if err != nil {
				res.FailedTypes = store.BatchTypes(batch)
				return errors.Join(ErrUpsertFailed, err)
			}
			res.Batches++
			res.Statements += int64(len(batch))
			return nil
		})
		if err != nil {
			res.FailedArtifact = a.Manifest.Name
			res.Err = err
			return
		}
	}
}
