package extract

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/OFFIS-RIT/graphport/pkg/common"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	// StatusEmbedded marks types without identity. They are not extracted on
	// their own; their records arrive nested in other types.
	StatusEmbedded Status = "embedded"
)

// TypeResult is the outcome of one type's extraction. Each worker writes only
// its own TypeResult.
type TypeResult struct {
	Type            string        `json:"type" msgpack:"type"`
	Stage           common.Stage  `json:"stage" msgpack:"stage"`
	Status          Status        `json:"status" msgpack:"status"`
	Records         int64         `json:"records" msgpack:"records"`
	Skipped         int64         `json:"skipped" msgpack:"skipped"`
	Pages           int           `json:"pages" msgpack:"pages"`
	Attempts        int           `json:"attempts" msgpack:"attempts"`
	RateLimitPauses int           `json:"rateLimitPauses,omitempty" msgpack:"rate_limit_pauses"`
	Duration        time.Duration `json:"durationNs" msgpack:"duration_ns"`
	Error           string        `json:"error,omitempty" msgpack:"error"`
	Reason          string        `json:"reason,omitempty" msgpack:"reason"`
}

// Report is the user-facing summary of a run.
type Report struct {
	RunID    string       `json:"runId" msgpack:"run_id"`
	Source   string       `json:"source" msgpack:"source"`
	Started  time.Time    `json:"started" msgpack:"started"`
	Finished time.Time    `json:"finished" msgpack:"finished"`
	Types    []TypeResult `json:"types" msgpack:"types"`
}

// Result returns the entry for typeName or nil.
func (r *Report) Result(typeName string) *TypeResult {
	for i := range r.Types {
		if r.Types[i].Type == typeName {
			return &r.Types[i]
		}
	}
	return nil
}

// FailedTypes lists failed types in report order.
func (r *Report) FailedTypes() []string {
	var out []string
	for _, t := range r.Types {
		if t.Status == StatusFailed {
			out = append(out, t.Type)
		}
	}
	return out
}

// Failed reports whether any type failed. Skipped records alone never fail
// a run.
func (r *Report) Failed() bool {
	return len(r.FailedTypes()) > 0
}

func (r *Report) TotalRecords() int64 {
	var n int64
	for _, t := range r.Types {
		n += t.Records
	}
	return n
}

func (r *Report) TotalSkipped() int64 {
	var n int64
	for _, t := range r.Types {
		n += t.Skipped
	}
	return n
}

// MergeSkipped adds per-type skip counts collected during serialization.
func (r *Report) MergeSkipped(skipped map[string]int64) {
	for typeName, n := range skipped {
		if t := r.Result(typeName); t != nil {
			t.Skipped += n
		}
	}
}

func (r *Report) WriteFile(path string) error {
	raw, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}

func ReadReport(path string) (*Report, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var r Report
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("parse report %s: %w", path, err)
	}
	return &r, nil
}
