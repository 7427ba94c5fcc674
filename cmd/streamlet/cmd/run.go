package cmd

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/blockberries/streamberry/sim"
	"github.com/blockberries/streamberry/types"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a simulated Streamlet network and print every node's finalized chain",
	Long: `Run drives a set of in-process nodes through lock-step epochs over a
simulated network with optional loss, delay and partitions. It exits with a
non-zero status if two correct nodes finalize conflicting chains.`,
	RunE: runSimulation,
}

func init() {
	addRunFlags(runCmd.Flags())
}

func addRunFlags(fs *pflag.FlagSet) {
	d := sim.DefaultConfig()
	fs.Int("nodes", d.Nodes.Count, "number of validators")
	fs.Int("byzantine", 0, "number of faulty validators (the last ones in id order)")
	fs.String("behavior", "silent", "behavior of faulty validators: silent or equivocating")
	fs.String("key-type", types.KeyTypeEd25519.String(), "validator key type: ed25519 or secp256k1")
	fs.Uint64("epochs", d.Epochs, "number of epochs to run")
	fs.Int("steps", d.StepsPerEpoch, "delivery steps per epoch")
	fs.Float64("loss", 0, "probability that a delivery is lost")
	fs.Int("delay", 0, "maximum extra delay of a delivery, in steps")
	fs.Uint64("partition-until", 0, "split the network in two halves before this epoch")
	fs.Uint64("gst", 0, "first epoch with a perfect network (0: never)")
	fs.Uint64("seed", d.Seed, "seed for keys, faults and transactions")
	fs.Int("txs-per-epoch", d.TxsPerEpoch, "client transactions injected per epoch")
	fs.Duration("epoch-duration", 0, "wall-clock length of an epoch (0: run flat out)")
	fs.String("wal-dir", "", "record each node's delivered messages under this directory")
	fs.Int("workers", 0, "parallel node workers (0: one per node)")
	fs.String("chain-id", d.Consensus.ChainID, "chain id bound into signatures")
	fs.Bool("strict", d.Consensus.StrictLongestChain, "only vote for proposals extending a longest notarized chain")
	fs.Uint64("pending-timeout", d.Consensus.PendingTimeoutEpochs, "epochs an orphan proposal stays buffered")
	fs.String("metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9100")
}

// simConfig builds a simulation config from merged settings
func simConfig(v *viper.Viper) (sim.Config, error) {
	cfg := sim.DefaultConfig()
	cfg.Seed = v.GetUint64("seed")
	cfg.Epochs = v.GetUint64("epochs")
	cfg.StepsPerEpoch = v.GetInt("steps")
	cfg.TxsPerEpoch = v.GetInt("txs-per-epoch")
	cfg.EpochDuration = v.GetDuration("epoch-duration")
	cfg.WALDir = v.GetString("wal-dir")
	cfg.Workers = v.GetInt("workers")

	cfg.Network = sim.NetworkConfig{
		LossRate:       v.GetFloat64("loss"),
		MaxDelaySteps:  v.GetInt("delay"),
		PartitionUntil: v.GetUint64("partition-until"),
		GST:            v.GetUint64("gst"),
	}
	cfg.Consensus = sim.ConsensusConfig{
		ChainID:              v.GetString("chain-id"),
		StrictLongestChain:   v.GetBool("strict"),
		PendingTimeoutEpochs: v.GetUint64("pending-timeout"),
	}

	behavior, err := sim.ParseBehaviorKind(v.GetString("behavior"))
	if err != nil {
		return cfg, err
	}
	keyType, err := types.ParseKeyType(v.GetString("key-type"))
	if err != nil {
		return cfg, err
	}
	cfg.Nodes.Count = v.GetInt("nodes")
	cfg.Nodes.Byzantine = v.GetInt("byzantine")
	cfg.Nodes.Behavior = behavior
	cfg.Nodes.KeyType = keyType
	return cfg, cfg.Validate()
}

func runSimulation(cmd *cobra.Command, _ []string) error {
	v, err := loadSettings(cmd)
	if err != nil {
		return err
	}
	logger, err := newLogger(cmd, v)
	if err != nil {
		return err
	}
	cfg, err := simConfig(v)
	if err != nil {
		return err
	}
	if cfg.Nodes.Byzantine > cfg.MaxFaulty() {
		logger.Warn().
			Int("byzantine", cfg.Nodes.Byzantine).
			Int("tolerated", cfg.MaxFaulty()).
			Msg("More faulty nodes than the protocol tolerates")
	}

	opts := []sim.Option{sim.WithLogger(logger)}
	if addr := v.GetString("metrics-addr"); addr != "" {
		reg := prometheus.NewRegistry()
		opts = append(opts, sim.WithRegisterer(reg))
		srv := serveMetrics(addr, reg, logger)
		defer srv.Close()
	}

	h, err := sim.New(cfg, opts...)
	if err != nil {
		return err
	}
	defer func() {
		if err := h.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close simulation")
		}
	}()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info().
		Int("nodes", cfg.Nodes.Count).
		Int("byzantine", cfg.Nodes.Byzantine).
		Stringer("behavior", cfg.Nodes.Behavior).
		Uint64("epochs", cfg.Epochs).
		Uint64("seed", cfg.Seed).
		Msg("Starting simulation")
	report, runErr := h.Run(ctx)
	if report != nil {
		if err := report.Render(cmd.OutOrStdout()); err != nil {
			return fmt.Errorf("failed to print report: %w", err)
		}
	}
	if errors.Is(runErr, sim.ErrDivergence) {
		return runErr
	}
	if runErr != nil {
		return fmt.Errorf("simulation stopped after epoch %d: %w", h.Epoch(), runErr)
	}
	return nil
}

func serveMetrics(addr string, reg *prometheus.Registry, logger zerolog.Logger) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Str("addr", addr).Msg("Metrics server failed")
		}
	}()
	logger.Info().Str("addr", addr).Msg("Serving metrics")
	return srv
}
