package extract

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/OFFIS-RIT/graphport/internal/util"
	"github.com/OFFIS-RIT/graphport/pkg/common"
)

// Progress is a live view of a running extraction, read by the status server.
type Progress struct {
	mu      sync.Mutex
	started time.Time
	stages  [2]util.StageProgress
	records atomic.Int64
}

func (p *Progress) start(nodes, edges int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.started = time.Now()
	p.stages = [2]util.StageProgress{{Total: nodes}, {Total: edges}}
	p.records.Store(0)
}

func (p *Progress) addRecords(n int) {
	p.records.Add(int64(n))
}

func (p *Progress) finish(stage common.Stage, failed bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if failed {
		p.stages[stage].Failed++
	} else {
		p.stages[stage].Done++
	}
}

// Snapshot returns the current counters. It is safe to call concurrently
// with the run.
func (p *Progress) Snapshot() util.RunProgress {
	if p == nil {
		return util.RunProgress{}
	}
	p.mu.Lock()
	nodes, edges := p.stages[common.StageNodes], p.stages[common.StageEdges]
	started := p.started
	p.mu.Unlock()
	if started.IsZero() {
		return util.RunProgress{}
	}
	return util.BuildRunProgress(nodes, edges, p.records.Load(), time.Since(started))
}
