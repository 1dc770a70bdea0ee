package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/OFFIS-RIT/graphport/pkg/graph"
)

type extractSummary struct {
	RunID       string   `json:"runId"`
	Dir         string   `json:"dir"`
	Records     int64    `json:"records"`
	Skipped     int64    `json:"skipped"`
	Artifacts   int      `json:"artifacts"`
	FailedTypes []string `json:"failedTypes,omitempty"`
}

func NewExtractCommand(opts *RootOptions) *cobra.Command {
	var serve bool
	cmd := &cobra.Command{
		Use:   "extract",
		Short: "Extract every type of the source into a new run directory",
		Long: `Extract acquires and classifies the source schema, then pages through every
node type and afterwards every edge type. Records are written as N-Quads
into nodes.rdf.gz and edges.rdf.gz together with manifest.json and
report.json. A type that keeps failing is reported and the run goes on.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := graph.NewGraphClient(opts.Config.GraphParams())
			if serve {
				stop, err := startStatus(cmd, opts, client, nil)
				if err != nil {
					return err
				}
				defer stop()
			}
			_, err := runExtract(cmd, opts, client)
			return err
		},
	}
	cmd.Flags().BoolVar(&serve, "serve", false, "serve progress on --status-addr while extracting")
	return cmd
}

// runExtract returns the result even when types failed, together with an
// ExitFailure error.
func runExtract(cmd *cobra.Command, opts *RootOptions, client *graph.GraphClient) (*graph.ExtractResult, error) {
	if err := opts.Config.RequireSource(); err != nil {
		return nil, WrapExitError(ExitCommandError, "extract", err)
	}
	res, err := client.Extract(cmd.Context())
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "extract", err)
	}

	rep := res.Report
	summary := extractSummary{
		RunID:       res.RunID,
		Dir:         res.Dir,
		Records:     rep.TotalRecords(),
		Skipped:     rep.TotalSkipped(),
		Artifacts:   len(res.Manifest.Artifacts),
		FailedTypes: rep.FailedTypes(),
	}
	lines := []string{
		fmt.Sprintf("run %s written to %s", res.RunID, res.Dir),
		fmt.Sprintf("records: %d, skipped: %d", summary.Records, summary.Skipped),
	}
	for _, t := range rep.Types {
		lines = append(lines, fmt.Sprintf("  %-24s %-9s %8d records %6d skipped", t.Type, t.Status, t.Records, t.Skipped))
	}
	out := &Output{Format: opts.Config.LogFormat, Writer: cmd.OutOrStdout()}
	if err := out.Result(rep.Failed(), summary, lines...); err != nil {
		return res, err
	}

	if rep.Failed() {
		return res, NewExitError(ExitFailure, "types failed: "+strings.Join(summary.FailedTypes, ", "))
	}
	return res, nil
}

func NewRunCommand(opts *RootOptions) *cobra.Command {
	var serve, archive bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Extract the source and load the new run into the target",
		Long: `Run is extract followed by load. Artifacts of types that extracted are
loaded even when other types failed; the exit status is non-zero then.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.Config.RequireTarget(); err != nil {
				return WrapExitError(ExitCommandError, "run", err)
			}
			client := graph.NewGraphClient(opts.Config.GraphParams())
			if serve {
				stop, err := startStatus(cmd, opts, client, nil)
				if err != nil {
					return err
				}
				defer stop()
			}

			res, extractErr := runExtract(cmd, opts, client)
			if res == nil {
				return extractErr
			}
			if err := runLoad(cmd, opts, client, []string{res.Dir}, archive); err != nil {
				return err
			}
			return extractErr
		},
	}
	cmd.Flags().BoolVar(&serve, "serve", false, "serve progress on --status-addr while extracting")
	cmd.Flags().BoolVar(&archive, "archive", false, "upload the run to ARCHIVE_BUCKET after it loaded")
	return cmd
}
