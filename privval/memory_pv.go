package privval

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"

	"github.com/blockberries/streamberry/types"
)

// SeedSize is the size of the key seed accepted by NewMemoryPV
const SeedSize = 32

// MemoryPV is an in-memory private validator. Sign state lives only as long
// as the process, which matches the in-memory simulation model.
type MemoryPV struct {
	mu sync.Mutex

	id      types.NodeID
	keyType types.KeyType

	// Key material; exactly one is set
	edKey   ed25519.PrivateKey
	secpKey *secp256k1.PrivateKey

	pubKey types.PublicKey

	// Last sign state (for double-sign prevention)
	lastSignState LastSignState
}

// NewMemoryPV derives a validator key of keyType from a 32-byte seed.
// The same seed always yields the same key.
func NewMemoryPV(id types.NodeID, keyType types.KeyType, seed []byte) (*MemoryPV, error) {
	if id == "" {
		return nil, errors.New("privval: empty node id")
	}
	if len(seed) != SeedSize {
		return nil, fmt.Errorf("%w: must be %d bytes, got %d", ErrInvalidSeed, SeedSize, len(seed))
	}

	pv := &MemoryPV{id: id, keyType: keyType}
	switch keyType {
	case types.KeyTypeEd25519:
		pv.edKey = ed25519.NewKeyFromSeed(seed)
		pub, ok := pv.edKey.Public().(ed25519.PublicKey)
		if !ok {
			return nil, fmt.Errorf("%w: ed25519 public key", ErrUnsupportedKey)
		}
		pv.pubKey = types.MustNewPublicKey(types.KeyTypeEd25519, pub)
	case types.KeyTypeSecp256k1:
		// Reduce the seed mod the curve order; a zero scalar is rejected.
		pv.secpKey = secp256k1.PrivKeyFromBytes(seed)
		if pv.secpKey.Key.IsZero() {
			return nil, fmt.Errorf("%w: secp256k1 scalar is zero", ErrInvalidSeed)
		}
		pv.pubKey = types.MustNewPublicKey(types.KeyTypeSecp256k1, pv.secpKey.PubKey().SerializeCompressed())
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedKey, keyType)
	}
	return pv, nil
}

// GenerateMemoryPV creates a validator with a fresh random key
func GenerateMemoryPV(id types.NodeID, keyType types.KeyType) (*MemoryPV, error) {
	seed := make([]byte, SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("failed to generate key seed: %w", err)
	}
	return NewMemoryPV(id, keyType, seed)
}

// DeterministicSeed derives a key seed from a run seed and node id, so that
// simulations with the same seed reuse the same keys.
func DeterministicSeed(runSeed uint64, id types.NodeID) []byte {
	h := sha256.New()
	h.Write([]byte("streamberry/privval/seed"))
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], runSeed)
	h.Write(buf[:])
	h.Write([]byte(id))
	return h.Sum(nil)
}

// NodeID returns the identifier this validator signs as
func (pv *MemoryPV) NodeID() types.NodeID {
	return pv.id
}

// GetPubKey returns the public key
func (pv *MemoryPV) GetPubKey() types.PublicKey {
	return pv.pubKey
}

// SignVote signs a vote, checking for double-sign
func (pv *MemoryPV) SignVote(chainID string, vote *types.Vote) error {
	if vote.Voter != pv.id {
		return fmt.Errorf("%w: vote voter %s, validator %s", ErrSignerMismatch, vote.Voter, pv.id)
	}
	return pv.signChecked(vote.Epoch, StepVote, types.VoteSignBytes(chainID, vote), &vote.Signature)
}

// SignProposal signs a proposal, checking for double-sign
func (pv *MemoryPV) SignProposal(chainID string, proposal *types.Proposal) error {
	if proposal.Proposer != pv.id {
		return fmt.Errorf("%w: proposer %s, validator %s", ErrSignerMismatch, proposal.Proposer, pv.id)
	}
	return pv.signChecked(proposal.Epoch, StepProposal, types.ProposalSignBytes(chainID, proposal), &proposal.Signature)
}

func (pv *MemoryPV) signChecked(epoch uint64, step int8, signBytes []byte, out *types.Signature) error {
	pv.mu.Lock()
	defer pv.mu.Unlock()

	if err := pv.lastSignState.CheckES(epoch, step); err != nil {
		// Idempotent re-signing of the identical message
		if errors.Is(err, ErrDoubleSign) && pv.lastSignState.IsSameMessage(signBytes) {
			*out = types.CopySignature(pv.lastSignState.Signature)
			return nil
		}
		return err
	}

	sig, err := pv.sign(signBytes)
	if err != nil {
		return err
	}
	pv.lastSignState.Record(epoch, step, signBytes, sig)
	*out = sig
	return nil
}

// UnsafeSignVote signs a vote without updating or checking sign state
func (pv *MemoryPV) UnsafeSignVote(chainID string, vote *types.Vote) error {
	sig, err := pv.sign(types.VoteSignBytes(chainID, vote))
	if err != nil {
		return err
	}
	vote.Signature = sig
	return nil
}

// UnsafeSignProposal signs a proposal without updating or checking sign state
func (pv *MemoryPV) UnsafeSignProposal(chainID string, proposal *types.Proposal) error {
	sig, err := pv.sign(types.ProposalSignBytes(chainID, proposal))
	if err != nil {
		return err
	}
	proposal.Signature = sig
	return nil
}

// LastSignState returns a copy of the last sign state
func (pv *MemoryPV) LastSignState() LastSignState {
	pv.mu.Lock()
	defer pv.mu.Unlock()
	lss := pv.lastSignState
	lss.Signature = types.CopySignature(lss.Signature)
	return lss
}

func (pv *MemoryPV) sign(msg []byte) (types.Signature, error) {
	switch {
	case pv.edKey != nil:
		return types.Signature(ed25519.Sign(pv.edKey, msg)), nil
	case pv.secpKey != nil:
		digest := sha256.Sum256(msg)
		return types.Signature(ecdsa.Sign(pv.secpKey, digest[:]).Serialize()), nil
	default:
		return nil, ErrUnsupportedKey
	}
}

var (
	_ PrivValidator = (*MemoryPV)(nil)
	_ UnsafeSigner  = (*MemoryPV)(nil)
)
