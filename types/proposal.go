package types

import (
	"errors"
	"fmt"
)

// Proposal errors
var (
	ErrInvalidProposal = errors.New("invalid proposal")
)

// Proposal is a leader's signed block for an epoch
type Proposal struct {
	Epoch     uint64
	Block     *Block
	Proposer  NodeID
	Signature Signature
}

// canonicalProposal is what the proposer signs
type canonicalProposal struct {
	ChainID   string
	Epoch     uint64
	BlockHash Hash
	Proposer  NodeID
}

// NewProposal creates an unsigned proposal for block
func NewProposal(block *Block) *Proposal {
	return &Proposal{
		Epoch:    block.Epoch,
		Block:    block,
		Proposer: block.Proposer,
	}
}

// ProposalSignBytes returns the bytes to sign for a proposal
func ProposalSignBytes(chainID string, p *Proposal) []byte {
	var blockHash Hash
	if p.Block != nil {
		blockHash = p.Block.Hash
	}
	return MustMarshal(&canonicalProposal{
		ChainID:   chainID,
		Epoch:     p.Epoch,
		BlockHash: blockHash,
		Proposer:  p.Proposer,
	})
}

// ValidateBasic checks proposal structure without verifying the signature
func (p *Proposal) ValidateBasic() error {
	if p == nil {
		return fmt.Errorf("%w: nil proposal", ErrInvalidProposal)
	}
	if err := p.Block.ValidateBasic(); err != nil {
		return err
	}
	if p.Block.IsGenesis() {
		return fmt.Errorf("%w: genesis cannot be proposed", ErrInvalidProposal)
	}
	if p.Epoch != p.Block.Epoch {
		return fmt.Errorf("%w: epoch %d does not match block epoch %d", ErrInvalidProposal, p.Epoch, p.Block.Epoch)
	}
	if p.Proposer != p.Block.Proposer {
		return fmt.Errorf("%w: proposer %s does not match block proposer %s", ErrInvalidProposal, p.Proposer, p.Block.Proposer)
	}
	if len(p.Signature) == 0 {
		return fmt.Errorf("%w: missing signature", ErrInvalidProposal)
	}
	return nil
}

// VerifyProposalSignature verifies the proposer's signature
func VerifyProposalSignature(chainID string, p *Proposal, pubKey PublicKey) error {
	if p == nil {
		return ErrInvalidProposal
	}
	if !VerifySignature(pubKey, ProposalSignBytes(chainID, p), p.Signature) {
		return fmt.Errorf("%w: proposal for epoch %d from %s", ErrInvalidSignature, p.Epoch, p.Proposer)
	}
	return nil
}

// CopyProposal creates a deep copy of a Proposal.
func CopyProposal(p *Proposal) *Proposal {
	if p == nil {
		return nil
	}
	return &Proposal{
		Epoch:     p.Epoch,
		Block:     CopyBlock(p.Block),
		Proposer:  p.Proposer,
		Signature: CopySignature(p.Signature),
	}
}
