package types

import (
	"errors"
	"fmt"
)

// NodeID identifies a node. The membership is closed and static.
type NodeID string

// Block errors
var (
	ErrInvalidBlock      = errors.New("invalid block")
	ErrBlockHashMismatch = errors.New("block hash mismatch")
)

// Block is an immutable block record. Its identity is Hash, computed over
// (Epoch, Parent, Payload). Proposer is informational; the proposal
// signature binds the proposer to the block.
type Block struct {
	Epoch    uint64
	Parent   Hash
	Payload  []byte
	Proposer NodeID
	Hash     Hash
}

// blockHeader is the hashed part of a block
type blockHeader struct {
	Epoch   uint64
	Parent  Hash
	Payload []byte
}

// BlockHash computes the hash of (epoch, parent, payload)
func BlockHash(epoch uint64, parent Hash, payload []byte) Hash {
	data := MustMarshal(&blockHeader{Epoch: epoch, Parent: parent, Payload: payload})
	return HashBytes(data)
}

// NewBlock creates a new block extending parent. The payload is copied.
func NewBlock(parent Hash, epoch uint64, proposer NodeID, payload []byte) *Block {
	var p []byte
	if len(payload) > 0 {
		p = make([]byte, len(payload))
		copy(p, payload)
	}
	return &Block{
		Epoch:    epoch,
		Parent:   parent,
		Payload:  p,
		Proposer: proposer,
		Hash:     BlockHash(epoch, parent, p),
	}
}

// NewGenesisBlock creates the genesis block: epoch 0, no parent, no payload.
// Every node must be initialized with the same genesis.
func NewGenesisBlock() *Block {
	return NewBlock(Hash{}, 0, "", nil)
}

// IsGenesis returns true for the epoch-0 root block
func (b *Block) IsGenesis() bool {
	return b.Epoch == 0 && b.Parent.IsZero()
}

// ValidateBasic checks that the block is well formed and that its hash matches
// its contents. Blocks arriving from the network must pass this before use.
func (b *Block) ValidateBasic() error {
	if b == nil {
		return fmt.Errorf("%w: nil block", ErrInvalidBlock)
	}
	if b.Epoch == 0 && !b.Parent.IsZero() {
		return fmt.Errorf("%w: epoch 0 block with parent", ErrInvalidBlock)
	}
	if b.Epoch > 0 && b.Parent.IsZero() {
		return fmt.Errorf("%w: non-genesis block without parent", ErrInvalidBlock)
	}
	if expected := BlockHash(b.Epoch, b.Parent, b.Payload); expected != b.Hash {
		return fmt.Errorf("%w: expected %s, got %s", ErrBlockHashMismatch, expected.Short(), b.Hash.Short())
	}
	return nil
}

// String returns a compact description for logs
func (b *Block) String() string {
	if b == nil {
		return "Block{nil}"
	}
	return fmt.Sprintf("Block{e=%d hash=%s parent=%s proposer=%s}",
		b.Epoch, b.Hash.Short(), b.Parent.Short(), b.Proposer)
}

// CopyBlock creates a deep copy of a Block.
func CopyBlock(b *Block) *Block {
	if b == nil {
		return nil
	}
	blockCopy := *b
	if len(b.Payload) > 0 {
		blockCopy.Payload = make([]byte, len(b.Payload))
		copy(blockCopy.Payload, b.Payload)
	}
	return &blockCopy
}
