package sim

import (
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/blockberries/streamberry/types"
)

// ErrInvalidConfig is returned for unusable simulation settings
var ErrInvalidConfig = errors.New("invalid simulation config")

// NetworkConfig controls the simulated network
type NetworkConfig struct {
	// LossRate is the probability that a single delivery is dropped
	LossRate float64
	// MaxDelaySteps is the largest extra delay, in delivery steps
	MaxDelaySteps int
	// PartitionUntil splits the nodes into two halves that cannot reach each
	// other during every epoch before it. Zero disables the partition.
	PartitionUntil uint64
	// GST is the first epoch with a perfect network: no loss, delay or
	// partition. Zero keeps faults on for the whole run.
	GST uint64
}

// ConsensusConfig holds engine settings shared by every node
type ConsensusConfig struct {
	ChainID              string
	StrictLongestChain   bool
	PendingTimeoutEpochs uint64
}

// NodeBehavior makes a node deviate from the protocol between two epochs,
// inclusive. Until zero means until the end of the run.
type NodeBehavior struct {
	Kind  BehaviorKind
	From  uint64
	Until uint64
}

// Active reports whether the behavior applies in epoch
func (b NodeBehavior) Active(epoch uint64) bool {
	return epoch >= b.From && (b.Until == 0 || epoch <= b.Until)
}

// NodesConfig describes the validator set
type NodesConfig struct {
	Count int
	// Byzantine nodes are the last Byzantine ids in canonical order unless
	// ByzantineIDs names them
	Byzantine    int
	ByzantineIDs []types.NodeID
	Behavior     BehaviorKind
	// Overrides assign behaviors to specific nodes, on top of the above
	Overrides map[types.NodeID]NodeBehavior
	KeyType   types.KeyType
}

// Config describes one simulation run
type Config struct {
	Seed   uint64
	Epochs uint64
	// StepsPerEpoch is the number of delivery rounds in every epoch
	StepsPerEpoch int
	// TxsPerEpoch client transactions are injected at the start of every epoch
	TxsPerEpoch int
	// EpochDuration paces the run in wall-clock time. Zero runs flat out.
	EpochDuration time.Duration
	// WALDir, when set, records every node's deliveries under WALDir/<node>
	WALDir string
	// Workers bounds parallel node processing. Zero means one per node.
	Workers int

	Network   NetworkConfig
	Consensus ConsensusConfig
	Nodes     NodesConfig
}

// DefaultConfig returns a four-node, fault-free configuration
func DefaultConfig() Config {
	return Config{
		Seed:          1,
		Epochs:        20,
		StepsPerEpoch: 4,
		TxsPerEpoch:   2,
		Consensus: ConsensusConfig{
			ChainID:              "streamberry-sim",
			StrictLongestChain:   true,
			PendingTimeoutEpochs: 8,
		},
		Nodes: NodesConfig{
			Count:    4,
			Behavior: BehaviorSilent,
			KeyType:  types.KeyTypeEd25519,
		},
	}
}

// Validate reports every problem with the configuration at once
func (c Config) Validate() error {
	var result *multierror.Error
	add := func(format string, args ...interface{}) {
		result = multierror.Append(result, fmt.Errorf("%w: "+format, append([]interface{}{ErrInvalidConfig}, args...)...))
	}

	if c.Epochs == 0 {
		add("epochs must be positive")
	}
	if c.StepsPerEpoch <= 0 {
		add("steps per epoch must be positive, got %d", c.StepsPerEpoch)
	}
	if c.TxsPerEpoch < 0 {
		add("txs per epoch must not be negative, got %d", c.TxsPerEpoch)
	}
	if c.EpochDuration < 0 {
		add("epoch duration must not be negative")
	}
	if c.Workers < 0 {
		add("workers must not be negative")
	}
	if c.Network.LossRate < 0 || c.Network.LossRate >= 1 {
		add("loss rate %v outside [0, 1)", c.Network.LossRate)
	}
	if c.Network.MaxDelaySteps < 0 {
		add("max delay must not be negative")
	}
	if c.Consensus.ChainID == "" {
		add("chain id is empty")
	}
	if c.Consensus.PendingTimeoutEpochs == 0 {
		add("pending timeout must be at least one epoch")
	}
	if c.Nodes.Count <= 0 {
		add("node count must be positive, got %d", c.Nodes.Count)
	}
	if c.Nodes.Count > types.MaxValidators {
		add("node count %d exceeds %d", c.Nodes.Count, types.MaxValidators)
	}
	byz := c.Nodes.Byzantine
	if len(c.Nodes.ByzantineIDs) > 0 {
		byz = len(c.Nodes.ByzantineIDs)
	}
	if byz < 0 || byz > c.Nodes.Count {
		add("byzantine count %d outside [0, %d]", byz, c.Nodes.Count)
	}
	if byz > 0 && c.Nodes.Behavior == BehaviorHonest {
		add("byzantine nodes need a faulty behavior")
	}
	for id, b := range c.Nodes.Overrides {
		if b.Until != 0 && b.Until < b.From {
			add("override for %s ends before it starts", id)
		}
	}
	if c.Nodes.KeyType != types.KeyTypeEd25519 && c.Nodes.KeyType != types.KeyTypeSecp256k1 {
		add("unknown key type %s", c.Nodes.KeyType)
	}
	return result.ErrorOrNil()
}

// MaxFaulty returns how many faulty nodes the configured set tolerates
func (c Config) MaxFaulty() int {
	return types.MaxFaulty(c.Nodes.Count)
}
