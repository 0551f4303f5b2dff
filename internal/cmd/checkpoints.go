package cmd

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/foreman/internal/checkpoint"
	"github.com/Iron-Ham/foreman/internal/workitem"
)

var checkpointsCmd = &cobra.Command{
	Use:   "checkpoints",
	Short: "List saved checkpoints",
	Long: `List the checkpoints in the checkpoint directory, oldest first, with the
run they belong to and a count of items per status. Unreadable checkpoints
are listed as corrupt.`,
	Args: cobra.NoArgs,
	RunE: runCheckpointsList,
}

var checkpointsShowCmd = &cobra.Command{
	Use:   "show [sequence]",
	Short: "Print a checkpoint as JSON (default: latest)",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runCheckpointsShow,
}

var checkpointsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove all but the newest checkpoint.retain checkpoints",
	Args:  cobra.NoArgs,
	RunE:  runCheckpointsPrune,
}

func init() {
	rootCmd.AddCommand(checkpointsCmd)
	checkpointsCmd.AddCommand(checkpointsShowCmd)
	checkpointsCmd.AddCommand(checkpointsPruneCmd)
}

func openCheckpoints() (*checkpoint.Manager, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return checkpoint.NewManager(cfg.Checkpoint.Dir, checkpoint.WithRetain(cfg.Checkpoint.Retain))
}

func runCheckpointsList(cmd *cobra.Command, args []string) error {
	mgr, err := openCheckpoints()
	if err != nil {
		return err
	}
	infos, err := mgr.List()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(infos) == 0 {
		fmt.Fprintf(out, "No checkpoints in %s\n", mgr.Dir())
		return nil
	}

	for _, info := range infos {
		cp, err := mgr.Load(info.Path)
		if err != nil {
			fmt.Fprintf(out, "%6d  %s  corrupt: %v\n", info.Sequence, info.ModTime.Format("2006-01-02 15:04:05"), err)
			continue
		}
		fmt.Fprintf(out, "%6d  %s  %s  complete=%d blocked=%d pending=%d\n",
			cp.Sequence,
			cp.Timestamp.Local().Format("2006-01-02 15:04:05"),
			cp.RunID,
			len(cp.IDsWithStatus(workitem.StatusComplete)),
			len(cp.IDsWithStatus(workitem.StatusBlocked)),
			len(cp.Order)-len(cp.IDsWithStatus(workitem.StatusComplete))-len(cp.IDsWithStatus(workitem.StatusBlocked)),
		)
	}
	return nil
}

func runCheckpointsShow(cmd *cobra.Command, args []string) error {
	mgr, err := openCheckpoints()
	if err != nil {
		return err
	}

	var cp *checkpoint.Checkpoint
	if len(args) == 0 {
		cp, err = mgr.Latest()
	} else {
		seq, perr := strconv.ParseUint(args[0], 10, 64)
		if perr != nil {
			return fmt.Errorf("invalid sequence %q", args[0])
		}
		cp, err = findCheckpoint(mgr, seq)
	}
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(cp)
}

func findCheckpoint(mgr *checkpoint.Manager, seq uint64) (*checkpoint.Checkpoint, error) {
	infos, err := mgr.List()
	if err != nil {
		return nil, err
	}
	for _, info := range infos {
		if info.Sequence == seq {
			return mgr.Load(info.Path)
		}
	}
	return nil, fmt.Errorf("no checkpoint with sequence %d", seq)
}

func runCheckpointsPrune(cmd *cobra.Command, args []string) error {
	mgr, err := openCheckpoints()
	if err != nil {
		return err
	}
	before, err := mgr.List()
	if err != nil {
		return err
	}
	if err := mgr.Prune(); err != nil {
		return err
	}
	after, err := mgr.List()
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed %d checkpoints, %d kept\n", len(before)-len(after), len(after))
	return nil
}
