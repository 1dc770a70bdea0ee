package cli

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/OFFIS-RIT/graphport/internal/storage"
	"github.com/OFFIS-RIT/graphport/pkg/graph"
	"github.com/OFFIS-RIT/graphport/pkg/logger"
)

var ErrNoArchiveBucket = errors.New("ARCHIVE_BUCKET is not set")

func NewLoadCommand(opts *RootOptions) *cobra.Command {
	var latest, archive bool
	cmd := &cobra.Command{
		Use:   "load [run-dir]...",
		Short: "Load one or more runs into the target",
		Long: `Load reads the manifests of the given run directories and applies their
artifacts to the target: every node artifact first, then every edge
artifact. An empty target gets one bulk import, a populated one batched
upserts. Loading the same runs again changes nothing.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			dirs := args
			if len(dirs) == 0 && latest {
				dir, err := graph.LatestRun(opts.Config.OutputDir)
				if err != nil {
					return WrapExitError(ExitCommandError, "no run in "+opts.Config.OutputDir, err)
				}
				dirs = []string{dir}
			}
			if len(dirs) == 0 {
				return NewExitError(ExitCommandError, "no run directories given, pass them or use --latest")
			}
			client := graph.NewGraphClient(opts.Config.GraphParams())
			return runLoad(cmd, opts, client, dirs, archive)
		},
	}
	cmd.Flags().BoolVar(&latest, "latest", false, "load the newest run below --output-dir")
	cmd.Flags().BoolVar(&archive, "archive", false, "upload the runs to ARCHIVE_BUCKET after they loaded")
	return cmd
}

func runLoad(cmd *cobra.Command, opts *RootOptions, client *graph.GraphClient, dirs []string, archive bool) error {
	c := opts.Config
	if archive && c.ArchiveBucket == "" {
		return WrapExitError(ExitCommandError, "archive", ErrNoArchiveBucket)
	}
	ctx := cmd.Context()
	target, err := c.OpenStore(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "open target "+c.Target, err)
	}
	defer target.Close()

	res := client.Load(ctx, target, dirs...)
	res.Target = c.Target

	lines := []string{fmt.Sprintf("%s load into %s: %s", res.Path, res.Target, res.State)}
	if res.Failed() {
		lines = append(lines, fmt.Sprintf("failed artifact %s, types %v: %s", res.FailedArtifact, res.FailedTypes, res.Error))
	} else {
		lines = append(lines, fmt.Sprintf("%d statements in %d batches, %d retries, %s", res.Statements, res.Batches, res.Retries, res.Duration))
	}
	out := &Output{Format: c.LogFormat, Writer: cmd.OutOrStdout()}
	if err := out.Result(res.Failed(), res, lines...); err != nil {
		return err
	}
	if res.Failed() {
		return WrapExitError(ExitFailure, "load failed", res.Err)
	}

	if archive {
		client, err := storage.NewS3Client(ctx, c.S3Params())
		if err != nil {
			return WrapExitError(ExitCommandError, "archive", err)
		}
		for _, dir := range dirs {
			if _, err := storage.ArchiveRun(ctx, client, c.ArchiveBucket, dir); err != nil {
				return WrapExitError(ExitFailure, "archive "+filepath.Base(dir), err)
			}
		}
		logger.Info("[CLI] Runs archived", "runs", len(dirs), "bucket", c.ArchiveBucket)
	}
	return nil
}
