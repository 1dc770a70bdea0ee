// Package cli is the graphport command line.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/OFFIS-RIT/graphport/internal/config"
	"github.com/OFFIS-RIT/graphport/pkg/logger"
	"github.com/OFFIS-RIT/graphport/pkg/logger/console"
)

// RootOptions holds the configuration every command runs with. Flags write
// into Config on top of the values read from the environment.
type RootOptions struct {
	Config config.Config
}

// NewRootCommand creates the root command. cfg carries the environment
// defaults.
func NewRootCommand(cfg config.Config) *cobra.Command {
	opts := &RootOptions{Config: cfg}
	c := &opts.Config

	cmd := &cobra.Command{
		Use:   "graphport",
		Short: "Migrate a GraphQL source into a graph database",
		Long: `graphport reads every entity of a paginated GraphQL source, writes them as
compressed N-Quads artifacts and loads those into Dgraph, Postgres, SQLite
or Neo4j. Loads are idempotent: entities merge on a canonical identity
derived from their natural keys.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logger.Init(console.NewConsoleLogger(console.ConsoleLoggerParams{
				Level:  c.LogLevel,
				Format: c.LogFormat,
				Output: cmd.ErrOrStderr(),
			}))
			if err := c.Validate(); err != nil {
				return WrapExitError(ExitCommandError, "configuration", err)
			}
			return nil
		},
	}

	f := cmd.PersistentFlags()
	f.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log level (debug|info|warn|error)")
	f.StringVar(&c.LogFormat, "format", c.LogFormat, "log and output format (text|json)")
	f.StringVar(&c.SourceURL, "source-url", c.SourceURL, "GraphQL endpoint of the source")
	f.StringVar(&c.SourceName, "source-name", c.SourceName, "name recorded in manifests (defaults to the url)")
	f.BoolVar(&c.Introspection, "introspection", c.Introspection, "read the schema by introspection before falling back to --schema-file")
	f.StringVar(&c.SchemaFile, "schema-file", c.SchemaFile, "static SDL of the source")
	f.StringVar(&c.KeysFile, "keys-file", c.KeysFile, "YAML natural key declarations")
	f.StringVar(&c.QueryDir, "query-dir", c.QueryDir, "directory with one list query per type")
	f.StringVar(&c.RulesFile, "rules-file", c.RulesFile, "YAML augmentation rules")
	f.StringVar(&c.OutputDir, "output-dir", c.OutputDir, "directory receiving run directories")
	f.IntVar(&c.Parallelism, "parallelism", c.Parallelism, "concurrent type workers")
	f.IntVar(&c.MaxAttempts, "max-attempts", c.MaxAttempts, "attempts per page before a type fails")
	f.StringVar(&c.Target, "target", c.Target, "target store (dgraph|postgres|sqlite|neo4j)")
	f.StringVar(&c.TargetURL, "target-url", c.TargetURL, "target DSN, file, bolt URI or alpha URL")
	f.StringVar(&c.StatusAddr, "status-addr", c.StatusAddr, "listen address of the status server")

	cmd.AddCommand(NewExtractCommand(opts))
	cmd.AddCommand(NewLoadCommand(opts))
	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewAugmentCommand(opts))
	cmd.AddCommand(NewProvisionCommand(opts))
	cmd.AddCommand(NewRulesSchemaCommand(opts))
	cmd.AddCommand(NewInspectCommand(opts))
	cmd.AddCommand(NewCountsCommand(opts))
	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewWorkerCommand(opts))

	return cmd
}
