// Package cli implements the oplogsync command line.
package cli

import (
	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
}

// NewRootCommand creates the root command for the oplogsync CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "oplogsync",
		Short: "Replicate MongoDB shard oplogs into a downstream sink",
		Long: "oplogsync tails the oplog of every shard of a sharded MongoDB cluster, " +
			"resolves each changed document through mongos and forwards its current " +
			"state to a sink, checkpointing progress per shard.",
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "oplogsync.yaml", "path to the YAML configuration file")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewCheckpointCommand(opts))

	return cmd
}
