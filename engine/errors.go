package engine

import (
	"errors"

	"github.com/blockberries/streamberry/blockstore"
)

// Consensus errors
var (
	ErrInvalidConfig           = errors.New("invalid engine config")
	ErrInvalidGenesis          = errors.New("invalid genesis block")
	ErrNoPrivValidator         = errors.New("no private validator configured")
	ErrSignerNotInSet          = errors.New("signer is not in the validator set")
	ErrUnknownValidator        = errors.New("unknown validator")
	ErrInvalidSignature        = errors.New("invalid signature")
	ErrNotLeader               = errors.New("proposer is not the leader for this epoch")
	ErrEpochMismatch           = errors.New("vote epoch does not match block epoch")
	ErrStaleProposal           = errors.New("stale proposal")
	ErrPendingFull             = errors.New("pending buffer full")
	ErrConflictingFinalization = errors.New("conflicting finalization")
	ErrReplayFailed            = errors.New("message log replay failed")

	// ErrMissingAncestor is returned when a block's ancestry is not fully known.
	// Use blockstore.MissingHash to recover the missing hash.
	ErrMissingAncestor = blockstore.ErrMissingAncestor
)
