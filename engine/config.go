package engine

import (
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/blockberries/streamberry/types"
)

// Config holds configuration for the consensus engine
type Config struct {
	// ChainID identifies the blockchain. It is bound into every signature.
	ChainID string

	// StrictLongestChain additionally requires a proposal's parent to be at
	// least as long as the longest notarized chain this node knows.
	StrictLongestChain bool

	// PendingTimeoutEpochs is how many epochs a proposal with an unknown
	// ancestor stays buffered before it is dropped.
	PendingTimeoutEpochs uint64

	// Buffer limits for proposals and votes that reference unknown blocks
	MaxPendingProposals int
	MaxPendingVotes     int

	// MaxBlockRequest caps the hashes asked for in one block request
	MaxBlockRequest int

	// RelayNotarizations makes the node re-broadcast, at every epoch start,
	// the votes notarizing the unfinalized part of its longest notarized chain
	RelayNotarizations bool
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		ChainID:              "streamberry-chain",
		StrictLongestChain:   true,
		PendingTimeoutEpochs: 8,
		MaxPendingProposals:  1024,
		MaxPendingVotes:      16384,
		MaxBlockRequest:      32,
		RelayNotarizations:   true,
	}
}

// ValidateBasic performs basic validation of the config.
// All problems are reported together.
func (cfg *Config) ValidateBasic() error {
	var result *multierror.Error
	if cfg.ChainID == "" {
		result = multierror.Append(result, fmt.Errorf("%w: chain id is empty", ErrInvalidConfig))
	}
	if cfg.PendingTimeoutEpochs == 0 {
		result = multierror.Append(result, fmt.Errorf("%w: pending timeout must be at least one epoch", ErrInvalidConfig))
	}
	if cfg.MaxPendingProposals <= 0 {
		result = multierror.Append(result, fmt.Errorf("%w: max pending proposals %d", ErrInvalidConfig, cfg.MaxPendingProposals))
	}
	if cfg.MaxPendingVotes <= 0 {
		result = multierror.Append(result, fmt.Errorf("%w: max pending votes %d", ErrInvalidConfig, cfg.MaxPendingVotes))
	}
	if cfg.MaxBlockRequest <= 0 || cfg.MaxBlockRequest > types.MaxBlockRequestHashes {
		result = multierror.Append(result, fmt.Errorf("%w: max block request %d (must be in 1..%d)",
			ErrInvalidConfig, cfg.MaxBlockRequest, types.MaxBlockRequestHashes))
	}
	return result.ErrorOrNil()
}
