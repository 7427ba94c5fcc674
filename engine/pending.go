package engine

import (
	"sort"

	"github.com/blockberries/streamberry/types"
)

// pendingProposal is a verified proposal whose parent is not yet known
type pendingProposal struct {
	proposal *types.Proposal
	received uint64
}

// pendingVote is a verified vote for a block that is not yet known
type pendingVote struct {
	vote     *types.Vote
	received uint64
}

// pendingBuffer holds proposals and votes that reference unknown blocks
// until the missing block arrives or they expire.
type pendingBuffer struct {
	maxProposals int
	maxVotes     int

	proposals map[types.Hash]*pendingProposal // by block hash
	byMissing map[types.Hash][]types.Hash     // missing parent -> waiting block hashes
	votes     map[types.Hash][]*pendingVote   // by voted block hash
	numVotes  int
}

func newPendingBuffer(maxProposals, maxVotes int) *pendingBuffer {
	return &pendingBuffer{
		maxProposals: maxProposals,
		maxVotes:     maxVotes,
		proposals:    make(map[types.Hash]*pendingProposal),
		byMissing:    make(map[types.Hash][]types.Hash),
		votes:        make(map[types.Hash][]*pendingVote),
	}
}

// addProposal buffers p until its parent is known.
// It reports false if p was already buffered.
func (pb *pendingBuffer) addProposal(p *types.Proposal, epoch uint64) (bool, error) {
	hash := p.Block.Hash
	if _, ok := pb.proposals[hash]; ok {
		return false, nil
	}
	if len(pb.proposals) >= pb.maxProposals {
		return false, ErrPendingFull
	}
	pb.proposals[hash] = &pendingProposal{proposal: p, received: epoch}
	pb.byMissing[p.Block.Parent] = append(pb.byMissing[p.Block.Parent], hash)
	return true, nil
}

// addVote buffers v until its block is known
func (pb *pendingBuffer) addVote(v *types.Vote, epoch uint64) (bool, error) {
	for _, pv := range pb.votes[v.BlockHash] {
		if pv.vote.Voter == v.Voter {
			return false, nil
		}
	}
	if pb.numVotes >= pb.maxVotes {
		return false, ErrPendingFull
	}
	pb.votes[v.BlockHash] = append(pb.votes[v.BlockHash], &pendingVote{vote: v, received: epoch})
	pb.numVotes++
	return true, nil
}

// hasProposal reports whether a proposal for hash is buffered
func (pb *pendingBuffer) hasProposal(hash types.Hash) bool {
	_, ok := pb.proposals[hash]
	return ok
}

// takeChildren removes and returns the proposals waiting on parent, ordered
// by epoch then hash
func (pb *pendingBuffer) takeChildren(parent types.Hash) []*types.Proposal {
	hashes := pb.byMissing[parent]
	if len(hashes) == 0 {
		return nil
	}
	delete(pb.byMissing, parent)

	out := make([]*types.Proposal, 0, len(hashes))
	for _, h := range hashes {
		if pp, ok := pb.proposals[h]; ok {
			out = append(out, pp.proposal)
			delete(pb.proposals, h)
		}
	}
	sortProposals(out)
	return out
}

// takeVotes removes and returns the votes waiting on hash, in arrival order
func (pb *pendingBuffer) takeVotes(hash types.Hash) []*types.Vote {
	pvs := pb.votes[hash]
	if len(pvs) == 0 {
		return nil
	}
	delete(pb.votes, hash)
	pb.numVotes -= len(pvs)

	out := make([]*types.Vote, len(pvs))
	for i, pv := range pvs {
		out[i] = pv.vote
	}
	return out
}

// expire drops entries received more than timeout epochs before epoch and
// returns the dropped proposals
func (pb *pendingBuffer) expire(epoch, timeout uint64) []*types.Proposal {
	var dropped []*types.Proposal
	for h, pp := range pb.proposals {
		if epoch >= pp.received+timeout {
			dropped = append(dropped, pp.proposal)
			delete(pb.proposals, h)
		}
	}
	for parent, hashes := range pb.byMissing {
		kept := hashes[:0]
		for _, h := range hashes {
			if _, ok := pb.proposals[h]; ok {
				kept = append(kept, h)
			}
		}
		if len(kept) == 0 {
			delete(pb.byMissing, parent)
		} else {
			pb.byMissing[parent] = kept
		}
	}

	for h, pvs := range pb.votes {
		kept := pvs[:0]
		for _, pv := range pvs {
			if epoch < pv.received+timeout {
				kept = append(kept, pv)
			}
		}
		pb.numVotes -= len(pvs) - len(kept)
		if len(kept) == 0 {
			delete(pb.votes, h)
		} else {
			pb.votes[h] = kept
		}
	}

	sortProposals(dropped)
	return dropped
}

// missing returns the unknown block hashes that buffered entries wait on,
// sorted. Blocks already held in the buffer are not reported.
func (pb *pendingBuffer) missing() []types.Hash {
	set := make(map[types.Hash]struct{})
	for parent := range pb.byMissing {
		if _, ok := pb.proposals[parent]; !ok {
			set[parent] = struct{}{}
		}
	}
	for h := range pb.votes {
		if _, ok := pb.proposals[h]; !ok {
			set[h] = struct{}{}
		}
	}
	out := make([]types.Hash, 0, len(set))
	for h := range set {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Compare(out[j]) < 0 })
	return out
}

func (pb *pendingBuffer) numProposals() int {
	return len(pb.proposals)
}

func sortProposals(ps []*types.Proposal) {
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].Epoch != ps[j].Epoch {
			return ps[i].Epoch < ps[j].Epoch
		}
		return ps[i].Block.Hash.Compare(ps[j].Block.Hash) < 0
	})
}
