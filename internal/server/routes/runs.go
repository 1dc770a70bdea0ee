package routes

import (
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"sort"

	"github.com/labstack/echo/v4"

	"github.com/OFFIS-RIT/graphport/internal/server/middleware"
	"github.com/OFFIS-RIT/graphport/internal/util"
	"github.com/OFFIS-RIT/graphport/pkg/extract"
	"github.com/OFFIS-RIT/graphport/pkg/graph"
)

type runSummary struct {
	RunID       string   `json:"runId"`
	Source      string   `json:"source"`
	Records     int64    `json:"records"`
	Skipped     int64    `json:"skipped"`
	FailedTypes []string `json:"failedTypes,omitempty"`
}

// GetRunsHandler lists the runs below the run directory, newest first.
func GetRunsHandler(c echo.Context) error {
	dir := c.(*middleware.AppContext).App.RunsDir
	entries, err := os.ReadDir(dir)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal server error"})
	}

	var ids []string
	for _, e := range entries {
		if e.IsDir() && util.IsRunID(e.Name()) {
			ids = append(ids, e.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(ids)))

	runs := make([]runSummary, 0, len(ids))
	for _, id := range ids {
		rep, err := extract.ReadReport(filepath.Join(dir, id, graph.ReportFile))
		if err != nil {
			// the run is still extracting
			runs = append(runs, runSummary{RunID: id})
			continue
		}
		runs = append(runs, runSummary{
			RunID:       id,
			Source:      rep.Source,
			Records:     rep.TotalRecords(),
			Skipped:     rep.TotalSkipped(),
			FailedTypes: rep.FailedTypes(),
		})
	}
	return c.JSON(http.StatusOK, runs)
}

func GetLatestRunHandler(c echo.Context) error {
	dir, err := graph.LatestRun(c.(*middleware.AppContext).App.RunsDir)
	if err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "No runs found"})
	}
	return reportResponse(c, dir)
}

func GetRunHandler(c echo.Context) error {
	type getRunParams struct {
		RunID string `param:"id" validate:"required"`
	}

	params := new(getRunParams)
	if err := c.Bind(params); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request params"})
	}
	if err := c.Validate(params); err != nil || !util.IsRunID(params.RunID) {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request params"})
	}

	dir := filepath.Join(c.(*middleware.AppContext).App.RunsDir, params.RunID)
	return reportResponse(c, dir)
}

func reportResponse(c echo.Context, runDir string) error {
	rep, err := extract.ReadReport(filepath.Join(runDir, graph.ReportFile))
	if errors.Is(err, os.ErrNotExist) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "Report not written yet"})
	}
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal server error"})
	}
	return c.JSON(http.StatusOK, rep)
}

// GetProgressHandler reports the extraction running in this process.
func GetProgressHandler(c echo.Context) error {
	src := c.(*middleware.AppContext).App.Progress
	if src == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "No extraction running"})
	}
	p := src.Progress()
	if p == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "No extraction running"})
	}
	return c.JSON(http.StatusOK, p.Snapshot())
}
