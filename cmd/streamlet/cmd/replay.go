package cmd

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/blockberries/streamberry/engine"
	"github.com/blockberries/streamberry/sim"
	"github.com/blockberries/streamberry/types"
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Rebuild a node from its message log and print its finalized chain",
	Long: `Replay feeds the message log a node wrote during "run --wal-dir" into a
fresh engine with the same identity. Pass the same seed, node count, key type
and consensus flags as the original run.`,
	RunE: replayNode,
}

func init() {
	addRunFlags(replayCmd.Flags())
	replayCmd.Flags().String("node", "node0", "node whose log to replay")

	rootCmd.AddCommand(replayCmd)
}

func replayNode(cmd *cobra.Command, _ []string) error {
	v, err := loadSettings(cmd)
	if err != nil {
		return err
	}
	cfg, err := simConfig(v)
	if err != nil {
		return err
	}
	if cfg.WALDir == "" {
		return errors.New("--wal-dir is required")
	}
	// Only the validator set is needed; nothing is recorded
	dir := cfg.WALDir
	cfg.WALDir = ""
	h, err := sim.New(cfg)
	if err != nil {
		return err
	}
	defer h.Close()

	id := types.NodeID(v.GetString("node"))
	replica, err := h.Replica(id)
	if err != nil {
		return err
	}
	result, err := engine.ReplayFromDir(replica, filepath.Join(dir, string(id)))
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s: replayed %d epochs, %d messages", id, result.Epochs, result.MessagesReplayed)
	if result.Truncated {
		fmt.Fprint(out, " (log ends in a torn record)")
	}
	fmt.Fprintln(out)
	chain := replica.Output()
	hashes := make([]string, len(chain))
	for i, b := range chain {
		hashes[i] = b.Hash.Short()
	}
	fmt.Fprintf(out, "finalized %d: %s\n", len(chain)-1, strings.Join(hashes, " <- "))
	return nil
}
