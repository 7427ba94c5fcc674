package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"

	"github.com/blockberries/streamberry/sim"
	"github.com/blockberries/streamberry/types"
)

// resetFlags restores every flag to its default between executions
func resetFlags() {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	rootCmd.PersistentFlags().VisitAll(reset)
	for _, c := range rootCmd.Commands() {
		c.Flags().VisitAll(reset)
	}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags()
	var out, errOut bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		resetFlags()
	})
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestSimConfigFromSettings(t *testing.T) {
	resetFlags()
	v := viper.New()
	fs := runCmd.Flags()
	require.NoError(t, v.BindPFlags(fs))
	v.Set("nodes", 7)
	v.Set("byzantine", 2)
	v.Set("behavior", "equivocating")
	v.Set("loss", 0.1)
	v.Set("gst", 12)
	v.Set("key-type", "secp256k1")

	cfg, err := simConfig(v)
	require.NoError(t, err)
	require.Equal(t, 7, cfg.Nodes.Count)
	require.Equal(t, 2, cfg.Nodes.Byzantine)
	require.Equal(t, sim.BehaviorEquivocating, cfg.Nodes.Behavior)
	require.Equal(t, types.KeyTypeSecp256k1, cfg.Nodes.KeyType)
	require.Equal(t, 0.1, cfg.Network.LossRate)
	require.Equal(t, uint64(12), cfg.Network.GST)
	require.Equal(t, sim.DefaultConfig().Epochs, cfg.Epochs)
	require.True(t, cfg.Consensus.StrictLongestChain)

	v.Set("behavior", "confused")
	_, err = simConfig(v)
	require.ErrorIs(t, err, sim.ErrInvalidConfig)
}

func TestRunCommandPrintsReport(t *testing.T) {
	out, err := execute(t, "run", "--epochs", "6", "--log-level", "error", "--seed", "3")
	require.NoError(t, err)
	require.Contains(t, out, "node0")
	require.Contains(t, out, "outputs consistent")
}

func TestRunCommandReadsConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sim.yaml")
	require.NoError(t, os.WriteFile(path, []byte("nodes: 5\nepochs: 4\nlog-level: error\n"), 0o600))

	out, err := execute(t, "run", "--config", path)
	require.NoError(t, err)
	require.Contains(t, out, "node4")
	require.Contains(t, out, "seed 1, 4 epochs")
}

func TestLeadersCommand(t *testing.T) {
	out, err := execute(t, "leaders", "--nodes", "4", "--epochs", "3")
	require.NoError(t, err)
	// Leaders of epochs 1 to 3 with four validators
	require.Contains(t, out, "1      node2")
	require.Contains(t, out, "2      node1")
	require.Contains(t, out, "3      node0")
}

func TestReplayCommandRebuildsFinalizedChain(t *testing.T) {
	dir := t.TempDir()
	_, err := execute(t, "run", "--epochs", "6", "--log-level", "error", "--wal-dir", dir)
	require.NoError(t, err)

	out, err := execute(t, "replay", "--epochs", "6", "--log-level", "error", "--wal-dir", dir, "--node", "node2")
	require.NoError(t, err)
	require.Contains(t, out, "node2: replayed 6 epochs")
	require.Contains(t, out, "finalized 4:")

	_, err = execute(t, "replay", "--log-level", "error", "--wal-dir", dir, "--node", "node9")
	require.Error(t, err)

	_, err = execute(t, "replay", "--log-level", "error")
	require.Error(t, err)
}

func TestLogCommand(t *testing.T) {
	dir := t.TempDir()
	_, err := execute(t, "run", "--epochs", "3", "--log-level", "error", "--wal-dir", dir)
	require.NoError(t, err)

	out, err := execute(t, "log", "--wal-dir", dir, "--node", "node1", "--log-level", "error")
	require.NoError(t, err)
	require.Contains(t, out, "epoch_begin")
	require.Contains(t, out, "delivery")
	require.Contains(t, out, "Message{proposal")

	out, err = execute(t, "log", "--wal-dir", dir, "--node", "node1", "--after", "2", "--log-level", "error")
	require.NoError(t, err)
	require.NotContains(t, out, "\n1 ")
	require.Contains(t, out, "3 ")

	_, err = execute(t, "log", "--wal-dir", dir, "--node", "node1", "--after", "9", "--log-level", "error")
	require.Error(t, err)
}
