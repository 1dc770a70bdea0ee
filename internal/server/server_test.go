package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OFFIS-RIT/graphport/internal/queue"
	"github.com/OFFIS-RIT/graphport/internal/util"
	"github.com/OFFIS-RIT/graphport/pkg/common"
	"github.com/OFFIS-RIT/graphport/pkg/extract"
	"github.com/OFFIS-RIT/graphport/pkg/graph"
	"github.com/OFFIS-RIT/graphport/pkg/identity"
	"github.com/OFFIS-RIT/graphport/pkg/rdf"
	"github.com/OFFIS-RIT/graphport/pkg/store/sqlite"
)

const apiKey = "status-secret"

type fakeChannel struct {
	keys   []string
	bodies [][]byte
}

func (c *fakeChannel) ExchangeDeclare(string, string, bool, bool, bool, bool, amqp091.Table) error {
	return nil
}

func (c *fakeChannel) Publish(_, key string, _, _ bool, msg amqp091.Publishing) error {
	c.keys = append(c.keys, key)
	c.bodies = append(c.bodies, msg.Body)
	return nil
}

type staticProgress struct{ p *extract.Progress }

func (s staticProgress) Progress() *extract.Progress { return s.p }

func writeReport(t *testing.T, runsDir string, at time.Time, failed bool) string {
	t.Helper()
	id := util.NewRunID(at)
	dir := filepath.Join(runsDir, id)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	status := extract.StatusSucceeded
	if failed {
		status = extract.StatusFailed
	}
	rep := &extract.Report{
		RunID:  id,
		Source: "registry",
		Types: []extract.TypeResult{
			{Type: "Package", Stage: common.StageNodes, Status: extract.StatusSucceeded, Records: 5, Skipped: 1},
			{Type: "Affects", Stage: common.StageEdges, Status: status, Records: 2},
		},
	}
	require.NoError(t, rep.WriteFile(filepath.Join(dir, graph.ReportFile)))
	return id
}

func newServer(t *testing.T, p Params) *echo.Echo {
	t.Helper()
	if p.APIKey == "" {
		p.APIKey = apiKey
	}
	e, err := New(context.Background(), p)
	require.NoError(t, err)
	return e
}

func do(e *echo.Echo, method, path, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestHealthIsOpen(t *testing.T) {
	e := newServer(t, Params{RunsDir: t.TempDir()})
	rec := do(e, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestAPIRequiresCredentials(t *testing.T) {
	e := newServer(t, Params{RunsDir: t.TempDir()})
	assert.Equal(t, http.StatusUnauthorized, do(e, http.MethodGet, "/api/runs", "", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(e, http.MethodGet, "/api/runs", "wrong", "").Code)
	assert.Equal(t, http.StatusOK, do(e, http.MethodGet, "/api/runs", apiKey, "").Code)
}

func TestRunReports(t *testing.T) {
	runsDir := t.TempDir()
	older := writeReport(t, runsDir, time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC), false)
	newer := writeReport(t, runsDir, time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC), true)
	e := newServer(t, Params{RunsDir: runsDir})

	rec := do(e, http.MethodGet, "/api/runs/latest", apiKey, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var rep extract.Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rep))
	assert.Equal(t, newer, rep.RunID)
	assert.Equal(t, []string{"Affects"}, rep.FailedTypes())

	rec = do(e, http.MethodGet, "/api/runs/"+older, apiKey, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rep))
	assert.Equal(t, older, rep.RunID)

	rec = do(e, http.MethodGet, "/api/runs", apiKey, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var runs []struct {
		RunID       string   `json:"runId"`
		Records     int64    `json:"records"`
		Skipped     int64    `json:"skipped"`
		FailedTypes []string `json:"failedTypes"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &runs))
	require.Len(t, runs, 2)
	assert.Equal(t, newer, runs[0].RunID)
	assert.Equal(t, int64(7), runs[0].Records)
	assert.Equal(t, int64(1), runs[0].Skipped)
	assert.Equal(t, []string{"Affects"}, runs[0].FailedTypes)
	assert.Empty(t, runs[1].FailedTypes)

	assert.Equal(t, http.StatusBadRequest, do(e, http.MethodGet, "/api/runs/not-a-run", apiKey, "").Code)
	missing := util.NewRunID(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	assert.Equal(t, http.StatusNotFound, do(e, http.MethodGet, "/api/runs/"+missing, apiKey, "").Code)
}

func TestLatestRunWithoutRuns(t *testing.T) {
	e := newServer(t, Params{RunsDir: t.TempDir()})
	assert.Equal(t, http.StatusNotFound, do(e, http.MethodGet, "/api/runs/latest", apiKey, "").Code)
}

func TestProgress(t *testing.T) {
	e := newServer(t, Params{RunsDir: t.TempDir()})
	assert.Equal(t, http.StatusNotFound, do(e, http.MethodGet, "/api/runs/latest/progress", apiKey, "").Code)

	e = newServer(t, Params{RunsDir: t.TempDir(), Progress: staticProgress{p: &extract.Progress{}}})
	rec := do(e, http.MethodGet, "/api/runs/latest/progress", apiKey, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var snap util.RunProgress
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Zero(t, snap.Records)
}

func TestPostLoad(t *testing.T) {
	id := util.NewRunID(time.Now())

	e := newServer(t, Params{RunsDir: t.TempDir()})
	rec := do(e, http.MethodPost, "/api/loads", apiKey, `{"run_ids":["`+id+`"]}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	ch := &fakeChannel{}
	e = newServer(t, Params{RunsDir: t.TempDir(), Queue: ch, Target: "neo4j"})
	assert.Equal(t, http.StatusBadRequest, do(e, http.MethodPost, "/api/loads", apiKey, `{"run_ids":[]}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(e, http.MethodPost, "/api/loads", apiKey, `{"run_ids":["x"]}`).Code)
	assert.Empty(t, ch.keys)

	rec = do(e, http.MethodPost, "/api/loads", apiKey, `{"run_ids":["`+id+`"]}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, []string{queue.LoadQueue}, ch.keys)

	req, err := queue.DecodeLoadRequest(ch.bodies[0])
	require.NoError(t, err)
	assert.Equal(t, []string{id}, req.RunIDs)
	assert.Equal(t, "neo4j", req.Target)
	assert.Equal(t, "api-key", req.RequestedBy)
}

func TestGraphRoutes(t *testing.T) {
	ctx := context.Background()
	s, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "graph.db"))
	require.NoError(t, err)
	defer s.Close()

	vuln := identity.Synthesize("Vulnerability", "OSV-1")
	require.NoError(t, s.Upsert(ctx, []rdf.Statement{
		{Subject: vuln, Predicate: rdf.PredicateType, Literal: "Vulnerability"},
		{Subject: vuln, Predicate: rdf.PredicateXID, Literal: string(vuln)},
		{Subject: vuln, Predicate: "Vulnerability.osvId", Literal: "OSV-1"},
	}))

	e := newServer(t, Params{RunsDir: t.TempDir()})
	assert.Equal(t, http.StatusNotImplemented, do(e, http.MethodGet, "/api/graph/counts", apiKey, "").Code)

	e = newServer(t, Params{RunsDir: t.TempDir(), Store: s})
	rec := do(e, http.MethodGet, "/api/graph/counts", apiKey, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var counts map[string]int64
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &counts))
	assert.Equal(t, int64(1), counts["Vulnerability"])

	rec = do(e, http.MethodGet, "/api/graph/entities/"+string(vuln), apiKey, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var entity struct {
		Type  string         `json:"type"`
		Props map[string]any `json:"props"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entity))
	assert.Equal(t, "Vulnerability", entity.Type)
	assert.Equal(t, "OSV-1", entity.Props["Vulnerability.osvId"])

	missing := identity.Synthesize("Vulnerability", "OSV-2")
	assert.Equal(t, http.StatusNotFound, do(e, http.MethodGet, "/api/graph/entities/"+string(missing), apiKey, "").Code)
}
