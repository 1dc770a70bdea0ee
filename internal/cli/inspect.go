package cli

import (
	"errors"
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/OFFIS-RIT/graphport/pkg/store"
)

var ErrUnsupported = errors.New("not supported by target")

func NewInspectCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <xid>",
		Short: "Show one loaded entity by its canonical ID",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, opts, func(target store.GraphStore) error {
				in, ok := target.(store.Inspector)
				if !ok {
					return WrapExitError(ExitCommandError, "inspect", ErrUnsupported)
				}
				ent, err := in.Entity(cmd.Context(), args[0])
				if errors.Is(err, store.ErrEntityNotFound) {
					return WrapExitError(ExitFailure, args[0], err)
				}
				if err != nil {
					return WrapExitError(ExitFailure, "inspect", err)
				}

				lines := []string{fmt.Sprintf("%s (%s)", ent.XID, ent.Type)}
				for _, k := range sortedKeys(ent.Props) {
					lines = append(lines, fmt.Sprintf("  %s: %v", k, ent.Props[k]))
				}
				o := &Output{Format: opts.Config.LogFormat, Writer: cmd.OutOrStdout()}
				return o.Result(false, ent, lines...)
			})
		},
	}
}

func NewCountsCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "counts",
		Short: "Count loaded entities per type",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, opts, func(target store.GraphStore) error {
				counter, ok := target.(store.Counter)
				if !ok {
					return WrapExitError(ExitCommandError, "counts", ErrUnsupported)
				}
				counts, err := counter.Counts(cmd.Context())
				if err != nil {
					return WrapExitError(ExitFailure, "counts", err)
				}

				var lines []string
				for _, k := range sortedKeys(counts) {
					lines = append(lines, fmt.Sprintf("%-24s %d", k, counts[k]))
				}
				o := &Output{Format: opts.Config.LogFormat, Writer: cmd.OutOrStdout()}
				return o.Result(false, counts, lines...)
			})
		},
	}
}

func withStore(cmd *cobra.Command, opts *RootOptions, fn func(store.GraphStore) error) error {
	c := opts.Config
	if err := c.RequireTarget(); err != nil {
		return WrapExitError(ExitCommandError, cmd.Name(), err)
	}
	target, err := c.OpenStore(cmd.Context())
	if err != nil {
		return WrapExitError(ExitCommandError, "open target "+c.Target, err)
	}
	defer target.Close()
	return fn(target)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
