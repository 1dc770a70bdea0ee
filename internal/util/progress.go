package util

import (
	"fmt"
	"time"
)

// StageProgress counts finished, failed and total types for one extraction stage.
type StageProgress struct {
	Total  int `json:"total"`
	Done   int `json:"done"`
	Failed int `json:"failed"`
}

type RunStepProgress struct {
	Nodes  string `json:"nodes,omitempty"`
	Edges  string `json:"edges,omitempty"`
	Failed string `json:"failed,omitempty"`
}

type RunProgress struct {
	Step          *RunStepProgress `json:"step,omitempty"`
	Percentage    int32            `json:"percentage"`
	Records       int64            `json:"records"`
	Elapsed       int64            `json:"elapsed_ms"`
	TimeRemaining *int64           `json:"time_remaining_ms,omitempty"`
}

const (
	nodeStageWeight int64 = 3
	edgeStageWeight int64 = 1
)

// BuildRunProgress summarizes both stages. Node types are weighted higher
// because they usually carry most of the records.
func BuildRunProgress(nodes, edges StageProgress, records int64, elapsed time.Duration) RunProgress {
	progress := RunProgress{
		Records: records,
		Elapsed: elapsed.Milliseconds(),
	}
	if nodes.Total <= 0 && edges.Total <= 0 {
		return progress
	}

	step := RunStepProgress{}
	hasStep := false
	if nodes.Total > 0 {
		step.Nodes = fmt.Sprintf("%d/%d", nodes.Done, nodes.Total)
		hasStep = true
	}
	if edges.Total > 0 {
		step.Edges = fmt.Sprintf("%d/%d", edges.Done, edges.Total)
		hasStep = true
	}
	if failed := nodes.Failed + edges.Failed; failed > 0 {
		step.Failed = fmt.Sprintf("%d/%d", failed, nodes.Total+edges.Total)
	}
	if hasStep {
		progress.Step = &step
	}

	progress.Percentage = CalculateRunProgressPercentage(nodes, edges)
	if progress.Percentage > 0 && progress.Percentage < 100 {
		remaining := elapsed.Milliseconds() * int64(100-progress.Percentage) / int64(progress.Percentage)
		progress.TimeRemaining = &remaining
	}
	return progress
}

// CalculateRunProgressPercentage treats failed types as finished.
func CalculateRunProgressPercentage(nodes, edges StageProgress) int32 {
	nodePct := stagePercentage(nodes)
	edgePct := stagePercentage(edges)

	switch {
	case nodes.Total <= 0 && edges.Total <= 0:
		return 0
	case nodes.Total <= 0:
		return int32(edgePct)
	case edges.Total <= 0:
		return int32(nodePct)
	}
	return int32((nodePct*nodeStageWeight + edgePct*edgeStageWeight) / (nodeStageWeight + edgeStageWeight))
}

func stagePercentage(s StageProgress) int64 {
	if s.Total <= 0 {
		return 0
	}
	finished := min(int64(s.Done+s.Failed), int64(s.Total))
	return finished * 100 / int64(s.Total)
}
