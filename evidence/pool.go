package evidence

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"github.com/blockberries/streamberry/types"
)

// Errors
var (
	ErrInvalidEvidence   = errors.New("invalid evidence")
	ErrDuplicateEvidence = errors.New("duplicate evidence")
	ErrEvidenceExpired   = errors.New("evidence expired")
	ErrInvalidVoteEpoch  = errors.New("votes have different epochs")
	ErrInvalidValidator  = errors.New("votes from different validators")
	ErrSameBlockHash     = errors.New("votes for same block are not equivocation")
	ErrPoolFull          = errors.New("evidence pool full")
)

// EvidenceType identifies the kind of misbehavior
type EvidenceType uint8

const (
	EvidenceTypeUnknown EvidenceType = iota
	EvidenceTypeDuplicateVote
	EvidenceTypeDuplicateProposal
)

func (t EvidenceType) String() string {
	switch t {
	case EvidenceTypeDuplicateVote:
		return "duplicate_vote"
	case EvidenceTypeDuplicateProposal:
		return "duplicate_proposal"
	default:
		return "unknown"
	}
}

// Config holds evidence pool configuration
type Config struct {
	// MaxAgeEpochs is how long pending evidence is kept
	MaxAgeEpochs uint64
	// MaxSeenVotes bounds the vote history used for equivocation detection
	MaxSeenVotes int
	// MaxPending bounds the number of pending evidence items
	MaxPending int
}

// DefaultConfig returns default evidence pool configuration
func DefaultConfig() Config {
	return Config{
		MaxAgeEpochs: 10000,
		// With 100 validators this covers ~1000 epochs of history
		MaxSeenVotes: 100000,
		MaxPending:   10000,
	}
}

// Evidence is a recorded proof of Byzantine behavior
type Evidence struct {
	Type     EvidenceType
	Epoch    uint64
	Offender types.NodeID
	// CBOR encoding of the DuplicateVoteEvidence or DuplicateProposalEvidence
	Data []byte
}

// DuplicateVoteEvidence proves a node signed two votes for different blocks
// in the same epoch
type DuplicateVoteEvidence struct {
	VoteA *types.Vote
	VoteB *types.Vote
}

// DuplicateProposalEvidence proves a leader signed two different blocks for
// the same epoch
type DuplicateProposalEvidence struct {
	ProposalA *types.Proposal
	ProposalB *types.Proposal
}

type voteKey struct {
	voter types.NodeID
	epoch uint64
}

// Pool manages Byzantine evidence.
// Seen votes and proposals live in bounded LRU caches; the least recently
// touched entries are evicted first.
type Pool struct {
	mu     sync.RWMutex
	config Config

	// Pending evidence, in detection order
	pending []*Evidence
	known   map[string]struct{}

	// Vote tracking for equivocation detection, key: voter/epoch
	seenVotes *lru.Cache
	// Proposal tracking, key: epoch
	seenProposals *lru.Cache

	currentEpoch uint64
}

// NewPool creates a new evidence pool
func NewPool(config Config) (*Pool, error) {
	if config.MaxSeenVotes <= 0 {
		return nil, fmt.Errorf("%w: MaxSeenVotes must be positive", ErrInvalidEvidence)
	}
	votes, err := lru.New(config.MaxSeenVotes)
	if err != nil {
		return nil, err
	}
	proposals, err := lru.New(config.MaxSeenVotes)
	if err != nil {
		return nil, err
	}
	return &Pool{
		config:        config,
		known:         make(map[string]struct{}),
		seenVotes:     votes,
		seenProposals: proposals,
	}, nil
}

// Update sets the current epoch and prunes expired evidence
func (p *Pool) Update(epoch uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.currentEpoch = epoch
	p.pruneExpired()
}

// CheckVote checks a verified vote for equivocation and returns evidence if found.
// The first vote seen per (voter, epoch) is the reference.
func (p *Pool) CheckVote(vote *types.Vote) *DuplicateVoteEvidence {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := voteKey{voter: vote.Voter, epoch: vote.Epoch}
	if existing, ok := p.seenVotes.Get(key); ok {
		prev := existing.(*types.Vote)
		if prev.BlockHash != vote.BlockHash {
			return &DuplicateVoteEvidence{
				VoteA: types.CopyVote(prev),
				VoteB: types.CopyVote(vote),
			}
		}
		// Same vote, not equivocation
		return nil
	}

	p.seenVotes.Add(key, types.CopyVote(vote))
	return nil
}

// CheckProposal checks a verified proposal for leader equivocation
func (p *Pool) CheckProposal(proposal *types.Proposal) *DuplicateProposalEvidence {
	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, ok := p.seenProposals.Get(proposal.Epoch); ok {
		prev := existing.(*types.Proposal)
		if prev.Block.Hash != proposal.Block.Hash {
			return &DuplicateProposalEvidence{
				ProposalA: types.CopyProposal(prev),
				ProposalB: types.CopyProposal(proposal),
			}
		}
		return nil
	}

	p.seenProposals.Add(proposal.Epoch, types.CopyProposal(proposal))
	return nil
}

// AddEvidence adds verified evidence to the pool
func (p *Pool) AddEvidence(ev *Evidence) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := evidenceKey(ev)
	if _, ok := p.known[key]; ok {
		return ErrDuplicateEvidence
	}
	if p.isExpired(ev) {
		return ErrEvidenceExpired
	}
	if p.config.MaxPending > 0 && len(p.pending) >= p.config.MaxPending {
		return ErrPoolFull
	}

	p.known[key] = struct{}{}
	p.pending = append(p.pending, ev)
	return nil
}

// AddDuplicateVoteEvidence adds a DuplicateVoteEvidence to the pool
func (p *Pool) AddDuplicateVoteEvidence(dve *DuplicateVoteEvidence) error {
	data, err := types.Marshal(dve)
	if err != nil {
		return fmt.Errorf("failed to serialize evidence: %w", err)
	}
	return p.AddEvidence(&Evidence{
		Type:     EvidenceTypeDuplicateVote,
		Epoch:    dve.VoteA.Epoch,
		Offender: dve.VoteA.Voter,
		Data:     data,
	})
}

// AddDuplicateProposalEvidence adds a DuplicateProposalEvidence to the pool
func (p *Pool) AddDuplicateProposalEvidence(dpe *DuplicateProposalEvidence) error {
	data, err := types.Marshal(dpe)
	if err != nil {
		return fmt.Errorf("failed to serialize evidence: %w", err)
	}
	return p.AddEvidence(&Evidence{
		Type:     EvidenceTypeDuplicateProposal,
		Epoch:    dpe.ProposalA.Epoch,
		Offender: dpe.ProposalA.Proposer,
		Data:     data,
	})
}

// PendingEvidence returns a copy of the pending evidence list
func (p *Pool) PendingEvidence() []*Evidence {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]*Evidence, len(p.pending))
	copy(out, p.pending)
	return out
}

// Offenders returns the distinct nodes with pending evidence, in detection order
func (p *Pool) Offenders() []types.NodeID {
	p.mu.RLock()
	defer p.mu.RUnlock()

	seen := make(map[types.NodeID]struct{})
	var out []types.NodeID
	for _, ev := range p.pending {
		if _, ok := seen[ev.Offender]; ok {
			continue
		}
		seen[ev.Offender] = struct{}{}
		out = append(out, ev.Offender)
	}
	return out
}

// Size returns the number of pending evidence items
func (p *Pool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.pending)
}

// VerifyDuplicateVoteEvidence verifies that duplicate vote evidence is valid
func VerifyDuplicateVoteEvidence(dve *DuplicateVoteEvidence, chainID string, valSet *types.ValidatorSet) error {
	if dve == nil || dve.VoteA == nil || dve.VoteB == nil {
		return ErrInvalidEvidence
	}
	voteA, voteB := dve.VoteA, dve.VoteB

	// Votes must be for same epoch
	if voteA.Epoch != voteB.Epoch {
		return ErrInvalidVoteEpoch
	}

	// Votes must be from same validator
	if voteA.Voter != voteB.Voter {
		return ErrInvalidValidator
	}

	// Votes must be for different blocks
	if voteA.BlockHash == voteB.BlockHash {
		return ErrSameBlockHash
	}

	val := valSet.GetByID(voteA.Voter)
	if val == nil {
		return ErrInvalidValidator
	}
	if err := types.VerifyVoteSignature(chainID, voteA, val.PublicKey); err != nil {
		return fmt.Errorf("invalid signature on vote A: %w", err)
	}
	if err := types.VerifyVoteSignature(chainID, voteB, val.PublicKey); err != nil {
		return fmt.Errorf("invalid signature on vote B: %w", err)
	}
	return nil
}

// VerifyDuplicateProposalEvidence verifies that duplicate proposal evidence is valid
func VerifyDuplicateProposalEvidence(dpe *DuplicateProposalEvidence, chainID string, valSet *types.ValidatorSet) error {
	if dpe == nil || dpe.ProposalA == nil || dpe.ProposalB == nil ||
		dpe.ProposalA.Block == nil || dpe.ProposalB.Block == nil {
		return ErrInvalidEvidence
	}
	a, b := dpe.ProposalA, dpe.ProposalB
	if a.Epoch != b.Epoch {
		return ErrInvalidVoteEpoch
	}
	if a.Proposer != b.Proposer {
		return ErrInvalidValidator
	}
	if a.Block.Hash == b.Block.Hash {
		return ErrSameBlockHash
	}

	val := valSet.GetByID(a.Proposer)
	if val == nil {
		return ErrInvalidValidator
	}
	if err := types.VerifyProposalSignature(chainID, a, val.PublicKey); err != nil {
		return fmt.Errorf("invalid signature on proposal A: %w", err)
	}
	if err := types.VerifyProposalSignature(chainID, b, val.PublicKey); err != nil {
		return fmt.Errorf("invalid signature on proposal B: %w", err)
	}
	return nil
}

// DecodeDuplicateVoteEvidence decodes the Data of a duplicate-vote Evidence
func DecodeDuplicateVoteEvidence(ev *Evidence) (*DuplicateVoteEvidence, error) {
	if ev.Type != EvidenceTypeDuplicateVote {
		return nil, fmt.Errorf("%w: type %s", ErrInvalidEvidence, ev.Type)
	}
	dve := &DuplicateVoteEvidence{}
	if err := types.Unmarshal(ev.Data, dve); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvidence, err)
	}
	return dve, nil
}

// pruneExpired removes expired evidence from pending.
// Caller must hold p.mu.
func (p *Pool) pruneExpired() {
	var valid []*Evidence
	for _, ev := range p.pending {
		if !p.isExpired(ev) {
			valid = append(valid, ev)
		} else {
			delete(p.known, evidenceKey(ev))
		}
	}
	p.pending = valid
}

// isExpired checks if evidence is too old
func (p *Pool) isExpired(ev *Evidence) bool {
	return p.currentEpoch > ev.Epoch && p.currentEpoch-ev.Epoch > p.config.MaxAgeEpochs
}

// evidenceKey returns a unique key for evidence.
// Includes hash of data to avoid collisions with same type/epoch/offender.
func evidenceKey(ev *Evidence) string {
	dataHash := sha256.Sum256(ev.Data)
	return fmt.Sprintf("%d/%d/%s/%x", ev.Type, ev.Epoch, ev.Offender, dataHash[:8])
}
