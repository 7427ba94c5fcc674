package engine

import (
	"fmt"
	"sort"
	"sync"

	"github.com/RoaringBitmap/roaring"

	"github.com/blockberries/streamberry/blockstore"
	"github.com/blockberries/streamberry/types"
)

// VoteResult describes what RecordVote did with a vote
type VoteResult int

const (
	// VoteAdded means the vote counted toward its block
	VoteAdded VoteResult = iota
	// VoteDuplicate means the same voter already voted for the same block
	VoteDuplicate
	// VoteEquivocation means the vote counted, but its voter already voted
	// for a different block in the same epoch
	VoteEquivocation
	// VoteRejected means the vote was not recorded; the error says why
	VoteRejected
)

func (r VoteResult) String() string {
	switch r {
	case VoteAdded:
		return "added"
	case VoteDuplicate:
		return "duplicate"
	case VoteEquivocation:
		return "equivocation"
	case VoteRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

type voterEpoch struct {
	voter types.NodeID
	epoch uint64
}

// blockVotes holds the votes for one block. voters indexes the validator set.
type blockVotes struct {
	epoch  uint64
	voters *roaring.Bitmap
	votes  []*types.Vote
}

// VoteTracker collects votes for every block and derives notarization.
// A block is notarized once votes from NotarizationThreshold distinct
// validators are recorded for it; the result is memoized and never revoked.
// The genesis block is notarized by definition.
type VoteTracker struct {
	mu sync.RWMutex

	chainID   string
	valSet    *types.ValidatorSet
	threshold int
	genesis   types.Hash

	votesByBlock map[types.Hash]*blockVotes
	// Block hashes each validator voted for, per epoch
	byVoterEpoch map[voterEpoch][]types.Hash
	notarized    map[types.Hash]struct{}

	equivocations int
}

// NewVoteTracker creates a tracker for valSet
func NewVoteTracker(chainID string, valSet *types.ValidatorSet, genesis types.Hash) *VoteTracker {
	return &VoteTracker{
		chainID:      chainID,
		valSet:       valSet,
		threshold:    valSet.NotarizationThreshold(),
		genesis:      genesis,
		votesByBlock: make(map[types.Hash]*blockVotes),
		byVoterEpoch: make(map[voterEpoch][]types.Hash),
		notarized:    make(map[types.Hash]struct{}),
	}
}

// RecordVote verifies and records a vote.
// Recording the same (voter, block) pair twice is a no-op reported as
// VoteDuplicate. Conflicting votes from one voter in one epoch are all
// counted and reported as VoteEquivocation. Invalid votes are reported as
// VoteRejected together with the error.
func (vt *VoteTracker) RecordVote(vote *types.Vote) (VoteResult, error) {
	if err := vote.ValidateBasic(); err != nil {
		return VoteRejected, err
	}
	val := vt.valSet.GetByID(vote.Voter)
	if val == nil {
		return VoteRejected, fmt.Errorf("%w: %s", ErrUnknownValidator, vote.Voter)
	}
	if err := types.VerifyVoteSignature(vt.chainID, vote, val.PublicKey); err != nil {
		return VoteRejected, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	vt.mu.Lock()
	defer vt.mu.Unlock()
	return vt.recordLocked(val, vote)
}

// recordVerified records a vote whose signature the caller already checked
func (vt *VoteTracker) recordVerified(vote *types.Vote) (VoteResult, error) {
	val := vt.valSet.GetByID(vote.Voter)
	if val == nil {
		return VoteRejected, fmt.Errorf("%w: %s", ErrUnknownValidator, vote.Voter)
	}

	vt.mu.Lock()
	defer vt.mu.Unlock()
	return vt.recordLocked(val, vote)
}

func (vt *VoteTracker) recordLocked(val *types.Validator, vote *types.Vote) (VoteResult, error) {
	bv, ok := vt.votesByBlock[vote.BlockHash]
	if !ok {
		bv = &blockVotes{epoch: vote.Epoch, voters: roaring.New()}
		vt.votesByBlock[vote.BlockHash] = bv
	}
	if bv.epoch != vote.Epoch {
		return VoteRejected, fmt.Errorf("%w: vote for epoch %d, block epoch %d", ErrEpochMismatch, vote.Epoch, bv.epoch)
	}
	if bv.voters.Contains(uint32(val.Index)) {
		return VoteDuplicate, nil
	}

	bv.voters.Add(uint32(val.Index))
	bv.votes = append(bv.votes, types.CopyVote(vote))

	key := voterEpoch{voter: vote.Voter, epoch: vote.Epoch}
	prior := vt.byVoterEpoch[key]
	vt.byVoterEpoch[key] = append(prior, vote.BlockHash)

	if int(bv.voters.GetCardinality()) >= vt.threshold {
		vt.notarized[vote.BlockHash] = struct{}{}
	}

	if len(prior) > 0 {
		vt.equivocations++
		return VoteEquivocation, nil
	}
	return VoteAdded, nil
}

// IsNotarized reports whether hash has reached the notarization threshold
func (vt *VoteTracker) IsNotarized(hash types.Hash) bool {
	if hash == vt.genesis {
		return true
	}
	vt.mu.RLock()
	defer vt.mu.RUnlock()
	_, ok := vt.notarized[hash]
	return ok
}

// Count returns the number of distinct voters for hash
func (vt *VoteTracker) Count(hash types.Hash) int {
	vt.mu.RLock()
	defer vt.mu.RUnlock()
	bv, ok := vt.votesByBlock[hash]
	if !ok {
		return 0
	}
	return int(bv.voters.GetCardinality())
}

// Voters returns the distinct voters for hash in validator order
func (vt *VoteTracker) Voters(hash types.Hash) []types.NodeID {
	vt.mu.RLock()
	defer vt.mu.RUnlock()
	bv, ok := vt.votesByBlock[hash]
	if !ok {
		return nil
	}
	out := make([]types.NodeID, 0, bv.voters.GetCardinality())
	it := bv.voters.Iterator()
	for it.HasNext() {
		if v := vt.valSet.GetByIndex(uint16(it.Next())); v != nil {
			out = append(out, v.ID)
		}
	}
	return out
}

// Votes returns copies of the votes recorded for hash, in arrival order
func (vt *VoteTracker) Votes(hash types.Hash) []*types.Vote {
	vt.mu.RLock()
	defer vt.mu.RUnlock()
	bv, ok := vt.votesByBlock[hash]
	if !ok {
		return nil
	}
	out := make([]*types.Vote, len(bv.votes))
	for i, v := range bv.votes {
		out[i] = types.CopyVote(v)
	}
	return out
}

// HasVoted reports whether voter has a recorded vote in epoch
func (vt *VoteTracker) HasVoted(voter types.NodeID, epoch uint64) bool {
	vt.mu.RLock()
	defer vt.mu.RUnlock()
	return len(vt.byVoterEpoch[voterEpoch{voter: voter, epoch: epoch}]) > 0
}

// NotarizedHashes returns every notarized hash except genesis, sorted
func (vt *VoteTracker) NotarizedHashes() []types.Hash {
	vt.mu.RLock()
	defer vt.mu.RUnlock()
	out := make([]types.Hash, 0, len(vt.notarized))
	for h := range vt.notarized {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Compare(out[j]) < 0 })
	return out
}

// NotarizedBlocksAt returns the notarized blocks of epoch known to store,
// ordered by hash
func (vt *VoteTracker) NotarizedBlocksAt(epoch uint64, store *blockstore.Store) []*types.Block {
	var out []*types.Block
	for _, b := range store.BlocksAtEpoch(epoch) {
		if vt.IsNotarized(b.Hash) {
			out = append(out, b)
		}
	}
	return out
}

// Equivocations returns the number of conflicting votes recorded
func (vt *VoteTracker) Equivocations() int {
	vt.mu.RLock()
	defer vt.mu.RUnlock()
	return vt.equivocations
}

// Threshold returns the notarization threshold
func (vt *VoteTracker) Threshold() int {
	return vt.threshold
}
