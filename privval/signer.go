package privval

import (
	"errors"

	"github.com/blockberries/streamberry/types"
)

// Errors
var (
	ErrDoubleSign      = errors.New("double sign attempt")
	ErrEpochRegression = errors.New("epoch regression")
	ErrStepRegression  = errors.New("step regression")
	ErrInvalidSeed     = errors.New("invalid key seed")
	ErrSignerMismatch  = errors.New("message signer does not match validator")
	ErrUnsupportedKey  = errors.New("unsupported key type")
)

// PrivValidator interface for signing consensus messages
type PrivValidator interface {
	// NodeID returns the identifier this validator signs as
	NodeID() types.NodeID

	// GetPubKey returns the public key
	GetPubKey() types.PublicKey

	// SignVote signs a vote, checking for double-sign
	SignVote(chainID string, vote *types.Vote) error

	// SignProposal signs a proposal, checking for double-sign
	SignProposal(chainID string, proposal *types.Proposal) error
}

// UnsafeSigner signs without double-sign protection.
// Only fault-injection strategies in the simulator use it.
type UnsafeSigner interface {
	PrivValidator

	UnsafeSignVote(chainID string, vote *types.Vote) error
	UnsafeSignProposal(chainID string, proposal *types.Proposal) error
}

// LastSignState tracks the last signed message for double-sign prevention
type LastSignState struct {
	Epoch     uint64
	Step      int8
	Signature types.Signature
	// Hash of the complete sign bytes, so re-signing the identical message is
	// idempotent while any difference in content is refused.
	SignBytesHash types.Hash
	signed        bool
}

// Step values for double-sign prevention.
// A leader signs its proposal before voting in the same epoch.
const (
	StepProposal int8 = 0
	StepVote     int8 = 1
)

// CheckES checks if a new signature at (epoch, step) would be a double sign.
// Returns nil if signing is allowed, an error otherwise.
func (lss *LastSignState) CheckES(epoch uint64, step int8) error {
	if !lss.signed {
		return nil
	}
	if lss.Epoch > epoch {
		return ErrEpochRegression
	}
	if lss.Epoch == epoch {
		if lss.Step > step {
			return ErrStepRegression
		}
		if lss.Step == step {
			// Same E/S - this would be a double sign unless it's the same message
			return ErrDoubleSign
		}
	}
	return nil
}

// IsSameMessage reports whether signBytes match the last signed message
func (lss *LastSignState) IsSameMessage(signBytes []byte) bool {
	return lss.signed && lss.SignBytesHash == types.HashBytes(signBytes)
}

// Record stores a completed signature
func (lss *LastSignState) Record(epoch uint64, step int8, signBytes []byte, sig types.Signature) {
	lss.Epoch = epoch
	lss.Step = step
	lss.SignBytesHash = types.HashBytes(signBytes)
	lss.Signature = types.CopySignature(sig)
	lss.signed = true
}
