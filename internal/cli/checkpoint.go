package cli

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"oplogsync/internal/config"
	"oplogsync/oplog"
	"oplogsync/oplog/checkpoint"
)

// NewCheckpointCommand creates the checkpoint command group.
func NewCheckpointCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Inspect persisted checkpoints",
	}
	cmd.AddCommand(newCheckpointShowCommand(rootOpts))
	return cmd
}

func newCheckpointShowCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show [identity...]",
		Short: "Print the checkpoint of each shard",
		Long: "Print the checkpoint of the given source identities, or of every " +
			"configured shard when none is given.",
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			cfg, err := config.Load(rootOpts.ConfigPath)
			if err != nil {
				return err
			}
			store, err := openStore(cfg, zap.NewNop())
			if err != nil {
				return fmt.Errorf("failed to open checkpoint store: %w", err)
			}
			defer func() {
				err = multierr.Append(err, store.Close())
			}()

			identities := args
			if len(identities) == 0 {
				identities, err = configuredIdentities(cfg)
				if err != nil {
					return err
				}
			}
			return showCheckpoints(cmd, store, identities)
		},
	}
}

func configuredIdentities(cfg *config.Config) ([]string, error) {
	var identities []string
	for _, shard := range cfg.Shards {
		id, err := shardIdentity(shard)
		if err != nil {
			return nil, err
		}
		identities = append(identities, id)
	}
	sort.Strings(identities)
	return identities, nil
}

func showCheckpoints(cmd *cobra.Command, store checkpoint.Store, identities []string) error {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "IDENTITY\tCHECKPOINT\tTIME\tINCREMENT")
	for _, id := range identities {
		if err := writeCheckpoint(cmd, w, store, id); err != nil {
			return err
		}
	}
	return w.Flush()
}

func writeCheckpoint(cmd *cobra.Command, w io.Writer, store checkpoint.Store, identity string) error {
	ts, err := store.Read(cmd.Context(), identity)
	switch {
	case errors.Is(err, checkpoint.ErrNotFound):
		fmt.Fprintf(w, "%s\t-\t-\t-\n", identity)
		return nil
	case errors.Is(err, checkpoint.ErrCorrupt):
		fmt.Fprintf(w, "%s\tcorrupt\t-\t-\n", identity)
		return nil
	case err != nil:
		return fmt.Errorf("failed to read checkpoint of %s: %w", identity, err)
	}

	decoded := oplog.DecodeTimestamp(ts)
	fmt.Fprintf(w, "%s\t%d\t%d\t%d\n", identity, ts, decoded.T, decoded.I)
	return nil
}
