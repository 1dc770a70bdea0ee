package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/OFFIS-RIT/graphport/pkg/augment"
	"github.com/OFFIS-RIT/graphport/pkg/graph"
)

func NewAugmentCommand(opts *RootOptions) *cobra.Command {
	var (
		dql bool
		out string
	)
	cmd := &cobra.Command{
		Use:   "augment",
		Short: "Print the augmented schema",
		Long: `Augment classifies the source schema, applies --rules-file and prints the
result as GraphQL SDL with @unique, @search and @key directives, or as a
Dgraph DQL schema with --dql.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := graph.NewGraphClient(opts.Config.GraphParams())
			s, err := client.Augment(cmd.Context())
			if err != nil {
				return WrapExitError(ExitCommandError, "augment", err)
			}
			doc := augment.RenderSDL(s)
			if dql {
				doc = augment.RenderDQL(s)
			}
			if out != "" {
				if err := os.WriteFile(out, doc, 0o644); err != nil {
					return WrapExitError(ExitFailure, "write "+out, err)
				}
				return nil
			}
			return (&Output{Writer: cmd.OutOrStdout()}).Raw(doc)
		},
	}
	cmd.Flags().BoolVar(&dql, "dql", false, "render a DQL schema instead of SDL")
	cmd.Flags().StringVarP(&out, "out", "o", "", "write to a file instead of stdout")
	return cmd
}

func NewProvisionCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "provision",
		Short: "Apply the augmented schema to the target",
		Long: `Provision creates the uniqueness constraints and search indexes of the
augmented schema in the target. Running it again is a no-op.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := opts.Config
			if err := c.RequireTarget(); err != nil {
				return WrapExitError(ExitCommandError, "provision", err)
			}
			ctx := cmd.Context()
			target, err := c.OpenStore(ctx)
			if err != nil {
				return WrapExitError(ExitCommandError, "open target "+c.Target, err)
			}
			defer target.Close()

			client := graph.NewGraphClient(c.GraphParams())
			s, err := client.Provision(ctx, target)
			if err != nil {
				return WrapExitError(ExitFailure, "provision "+c.Target, err)
			}
			markers := s.Markers()
			o := &Output{Format: c.LogFormat, Writer: cmd.OutOrStdout()}
			return o.Result(false, map[string]any{"target": c.Target, "types": len(s.Types), "markers": len(markers)},
				fmt.Sprintf("provisioned %s: %d types, %d markers", c.Target, len(s.Types), len(markers)))
		},
	}
}

func NewRulesSchemaCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rules-schema",
		Short: "Print the JSON Schema of the augmentation rules file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := augment.RulesJSONSchema()
			if err != nil {
				return WrapExitError(ExitFailure, "rules schema", err)
			}
			return (&Output{Writer: cmd.OutOrStdout()}).Raw(append(doc, '\n'))
		},
	}
}
