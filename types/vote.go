package types

import (
	"bytes"
	"errors"
	"fmt"
)

// Vote errors
var (
	ErrInvalidVote = errors.New("invalid vote")
)

// Vote is a node's signed approval of a block in an epoch
type Vote struct {
	Voter     NodeID
	Epoch     uint64
	BlockHash Hash
	Signature Signature
}

// canonicalVote is what the voter signs
type canonicalVote struct {
	ChainID   string
	Voter     NodeID
	Epoch     uint64
	BlockHash Hash
}

// NewVote creates an unsigned vote for block
func NewVote(voter NodeID, block *Block) *Vote {
	return &Vote{
		Voter:     voter,
		Epoch:     block.Epoch,
		BlockHash: block.Hash,
	}
}

// VoteSignBytes returns the bytes to sign for a vote
func VoteSignBytes(chainID string, v *Vote) []byte {
	return MustMarshal(&canonicalVote{
		ChainID:   chainID,
		Voter:     v.Voter,
		Epoch:     v.Epoch,
		BlockHash: v.BlockHash,
	})
}

// ValidateBasic checks vote structure without verifying the signature
func (v *Vote) ValidateBasic() error {
	if v == nil {
		return fmt.Errorf("%w: nil vote", ErrInvalidVote)
	}
	if v.Voter == "" {
		return fmt.Errorf("%w: missing voter", ErrInvalidVote)
	}
	if v.Epoch == 0 {
		return fmt.Errorf("%w: votes for epoch 0 are not allowed", ErrInvalidVote)
	}
	if v.BlockHash.IsZero() {
		return fmt.Errorf("%w: missing block hash", ErrInvalidVote)
	}
	if len(v.Signature) == 0 {
		return fmt.Errorf("%w: missing signature", ErrInvalidVote)
	}
	return nil
}

// VerifyVoteSignature verifies the signature on a vote
func VerifyVoteSignature(chainID string, vote *Vote, pubKey PublicKey) error {
	if vote == nil {
		return ErrInvalidVote
	}
	if len(vote.Signature) == 0 {
		return fmt.Errorf("%w: vote has no signature", ErrInvalidVote)
	}
	if !VerifySignature(pubKey, VoteSignBytes(chainID, vote), vote.Signature) {
		return fmt.Errorf("%w: vote from %s for epoch %d", ErrInvalidSignature, vote.Voter, vote.Epoch)
	}
	return nil
}

// VotesEqual reports whether two votes carry the same signed content
func VotesEqual(a, b *Vote) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Voter == b.Voter &&
		a.Epoch == b.Epoch &&
		a.BlockHash == b.BlockHash &&
		bytes.Equal(a.Signature, b.Signature)
}

// CopyVote creates a deep copy of a Vote.
func CopyVote(v *Vote) *Vote {
	if v == nil {
		return nil
	}
	voteCopy := *v
	voteCopy.Signature = CopySignature(v.Signature)
	return &voteCopy
}

// String returns a compact description for logs
func (v *Vote) String() string {
	if v == nil {
		return "Vote{nil}"
	}
	return fmt.Sprintf("Vote{voter=%s e=%d block=%s}", v.Voter, v.Epoch, v.BlockHash.Short())
}
