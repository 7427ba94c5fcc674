package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/blockberries/streamberry/engine"
	"github.com/blockberries/streamberry/sim"
)

var leadersCmd = &cobra.Command{
	Use:   "leaders",
	Short: "Print the leader of each epoch for a simulated validator set",
	RunE:  printLeaders,
}

func init() {
	leadersCmd.Flags().Int("nodes", 4, "number of validators")
	leadersCmd.Flags().Uint64("from", 1, "first epoch")
	leadersCmd.Flags().Uint64("epochs", 20, "number of epochs to print")
}

func printLeaders(cmd *cobra.Command, _ []string) error {
	v, err := loadSettings(cmd)
	if err != nil {
		return err
	}
	cfg := sim.DefaultConfig()
	cfg.Nodes.Count = v.GetInt("nodes")
	cfg.Epochs = v.GetUint64("epochs")
	h, err := sim.New(cfg)
	if err != nil {
		return err
	}
	defer h.Close()

	from := v.GetUint64("from")
	if from == 0 {
		return fmt.Errorf("epochs start at 1")
	}
	schedule := engine.LeaderSchedule(h.ValidatorSet(), from, from+cfg.Epochs-1)

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "EPOCH\tLEADER")
	for i, id := range schedule {
		fmt.Fprintf(tw, "%d\t%s\n", from+uint64(i), id)
	}
	return tw.Flush()
}
