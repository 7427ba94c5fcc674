package engine

import (
	"errors"
	"fmt"

	"github.com/blockberries/streamberry/metrics"
	"github.com/blockberries/streamberry/types"
)

// EpochStep is a node's position within the current epoch
type EpochStep uint8

const (
	StepIdle EpochStep = iota
	StepAwaitingProposal
	StepProposing
	StepVoting
	StepNotarizing
	StepFinalizationCheck
)

func (s EpochStep) String() string {
	switch s {
	case StepIdle:
		return "idle"
	case StepAwaitingProposal:
		return "awaiting_proposal"
	case StepProposing:
		return "proposing"
	case StepVoting:
		return "voting"
	case StepNotarizing:
		return "notarizing"
	case StepFinalizationCheck:
		return "finalization_check"
	default:
		return "unknown"
	}
}

// handleMessage dispatches one delivered message.
// Caller must hold e.mu.
func (e *Engine) handleMessage(m *types.Message) {
	if err := m.ValidateBasic(); err != nil {
		e.drop(metrics.DropInvalid, m, err)
		return
	}
	if !m.IsBroadcast() && m.To != e.nodeID {
		return
	}

	switch m.Type {
	case types.MsgProposal:
		e.handleProposal(m.From, m.Proposal)
	case types.MsgVote:
		e.handleVote(m.Vote)
	case types.MsgBlockRequest:
		e.handleBlockRequest(m)
	case types.MsgBlockResponse:
		for _, p := range m.Response.Proposals {
			e.handleProposal(m.From, p)
		}
	case types.MsgTx:
		e.handleTx(m)
	}
}

// handleProposal verifies a proposal and stores its block
func (e *Engine) handleProposal(from types.NodeID, p *types.Proposal) {
	if err := p.ValidateBasic(); err != nil {
		e.dropProposal(metrics.DropInvalid, from, p, err)
		return
	}
	hash := p.Block.Hash
	if e.store.Has(hash) || e.pending.hasProposal(hash) {
		return
	}

	leader := LeaderForEpoch(e.valSet, p.Epoch)
	if p.Proposer != leader {
		e.dropProposal(metrics.DropNotLeader, from, p,
			fmt.Errorf("%w: epoch %d leader is %s, got %s", ErrNotLeader, p.Epoch, leader, p.Proposer))
		return
	}
	val := e.valSet.GetByID(p.Proposer)
	if err := types.VerifyProposalSignature(e.config.ChainID, p, val.PublicKey); err != nil {
		e.dropProposal(metrics.DropSignature, from, p, fmt.Errorf("%w: %v", ErrInvalidSignature, err))
		return
	}

	e.metrics.ProposalReceived(p.Epoch)
	if dpe := e.evidence.CheckProposal(p); dpe != nil {
		e.metrics.EquivocationDetected()
		e.logger.Warn().
			Str("proposer", string(p.Proposer)).
			Uint64("epoch", p.Epoch).
			Str("block_a", dpe.ProposalA.Block.Hash.Short()).
			Str("block_b", dpe.ProposalB.Block.Hash.Short()).
			Msg("Leader equivocation detected")
		if err := e.evidence.AddDuplicateProposalEvidence(dpe); err != nil {
			e.logger.Debug().Err(err).Msg("Evidence not added")
		}
	}
	e.acceptProposal(from, types.CopyProposal(p))
}

// acceptProposal adds a verified proposal's block to the store, or buffers it
// while its parent is unknown
func (e *Engine) acceptProposal(from types.NodeID, p *types.Proposal) {
	added, err := e.store.Add(p.Block)
	if err != nil {
		if errors.Is(err, ErrMissingAncestor) {
			e.bufferProposal(from, p)
			return
		}
		e.dropProposal(metrics.DropInvalid, from, p, err)
		return
	}
	if !added {
		return
	}

	hash := p.Block.Hash
	e.signed[hash] = p
	// Only a stored block can claim its epoch's vote
	if _, ok := e.firstProposal[p.Epoch]; !ok {
		e.firstProposal[p.Epoch] = hash
	}
	e.logger.Debug().
		Str("block", hash.Short()).
		Uint64("epoch", p.Epoch).
		Str("proposer", string(p.Proposer)).
		Int("height", e.store.Height(hash)).
		Msg("Block added")

	for _, v := range e.pending.takeVotes(hash) {
		e.applyVote(v)
	}
	for _, child := range e.pending.takeChildren(hash) {
		e.acceptProposal(child.Proposer, child)
	}
	e.metrics.PendingProposals(e.pending.numProposals())
}

func (e *Engine) bufferProposal(from types.NodeID, p *types.Proposal) {
	added, err := e.pending.addProposal(p, e.epoch)
	if err != nil {
		e.dropProposal(metrics.DropBufferFull, from, p, err)
		return
	}
	if !added {
		return
	}
	e.metrics.PendingProposals(e.pending.numProposals())
	e.logger.Debug().
		Str("block", p.Block.Hash.Short()).
		Uint64("epoch", p.Epoch).
		Str("missing", p.Block.Parent.Short()).
		Msg("Buffered proposal with unknown parent")
	e.requestBlocks(from, []types.Hash{p.Block.Parent})
}

// handleVote verifies a delivered vote
func (e *Engine) handleVote(v *types.Vote) {
	if err := v.ValidateBasic(); err != nil {
		e.dropVote(metrics.DropInvalid, v, err)
		return
	}
	val := e.valSet.GetByID(v.Voter)
	if val == nil {
		e.dropVote(metrics.DropUnknownVoter, v, fmt.Errorf("%w: %s", ErrUnknownValidator, v.Voter))
		return
	}
	if err := types.VerifyVoteSignature(e.config.ChainID, v, val.PublicKey); err != nil {
		e.dropVote(metrics.DropSignature, v, fmt.Errorf("%w: %v", ErrInvalidSignature, err))
		return
	}
	e.metrics.VoteReceived()
	v = types.CopyVote(v)
	e.checkVoteEvidence(v)
	e.applyVote(v)
}

func (e *Engine) checkVoteEvidence(v *types.Vote) {
	if dve := e.evidence.CheckVote(v); dve != nil {
		e.metrics.EquivocationDetected()
		e.logger.Warn().
			Str("voter", string(v.Voter)).
			Uint64("epoch", v.Epoch).
			Str("block_a", dve.VoteA.BlockHash.Short()).
			Str("block_b", dve.VoteB.BlockHash.Short()).
			Msg("Vote equivocation detected")
		if err := e.evidence.AddDuplicateVoteEvidence(dve); err != nil {
			e.logger.Debug().Err(err).Msg("Evidence not added")
		}
	}
}

// applyVote records a verified vote, buffering it while its block is unknown.
// Buffered votes come back here once their block arrives.
func (e *Engine) applyVote(v *types.Vote) {
	b := e.store.Get(v.BlockHash)
	if b == nil {
		added, err := e.pending.addVote(v, e.epoch)
		if err != nil {
			e.dropVote(metrics.DropBufferFull, v, err)
			return
		}
		if added && !e.pending.hasProposal(v.BlockHash) {
			e.requestBlocks(v.Voter, []types.Hash{v.BlockHash})
		}
		return
	}
	if b.Epoch != v.Epoch {
		e.dropVote(metrics.DropInvalid, v,
			fmt.Errorf("%w: vote epoch %d, block epoch %d", ErrEpochMismatch, v.Epoch, b.Epoch))
		return
	}

	wasNotarized := e.tracker.IsNotarized(b.Hash)
	res, err := e.tracker.recordVerified(v)
	if err != nil {
		e.dropVote(metrics.DropInvalid, v, err)
		return
	}
	if res == VoteDuplicate {
		return
	}
	e.logger.Debug().
		Str("voter", string(v.Voter)).
		Str("block", b.Hash.Short()).
		Uint64("epoch", v.Epoch).
		Int("count", e.tracker.Count(b.Hash)).
		Stringer("result", res).
		Msg("Vote recorded")

	if !wasNotarized && e.tracker.IsNotarized(b.Hash) {
		e.onNotarized(b)
	}
}

// relayNotarizations echoes the votes behind every notarized block between
// the last final block and the tip, so nodes that missed some of them still
// converge on the same chain
func (e *Engine) relayNotarizations() {
	tip := LongestNotarizedChain(e.store, e.tracker)
	if tip.IsGenesis() {
		return
	}
	chain, err := e.store.AncestorsOf(tip)
	if err != nil {
		e.logger.Error().Err(err).Str("tip", tip.Hash.Short()).Msg("Failed to walk notarized chain")
		return
	}
	relayed := 0
	for _, b := range chain {
		if b.IsGenesis() || e.final.isFinal(b.Hash) {
			break
		}
		for _, v := range e.tracker.Votes(b.Hash) {
			e.send(types.NewVoteMessage(e.nodeID, v))
			relayed++
		}
	}
	if relayed > 0 {
		e.logger.Debug().Str("tip", tip.Hash.Short()).Int("votes", relayed).Msg("Relaying notarizations")
	}
}

// onNotarized runs the finalization check for a newly notarized block
func (e *Engine) onNotarized(b *types.Block) {
	e.logger.Info().
		Str("block", b.Hash.Short()).
		Uint64("epoch", b.Epoch).
		Int("height", e.store.Height(b.Hash)).
		Int("votes", e.tracker.Count(b.Hash)).
		Msg("Block notarized")
	e.metrics.BlockNotarized(b.Epoch)
	if b.Epoch == e.epoch && e.step != StepIdle {
		e.step = StepNotarizing
	}

	newly, err := e.final.check(b)
	e.commit(newly, err)
}

// commit reports newly finalized blocks to the log, metrics and application
func (e *Engine) commit(newly []*types.Block, err error) {
	if err != nil {
		e.logger.Error().Err(err).Msg("Finalization failed")
	}
	if len(newly) == 0 {
		return
	}
	last := newly[len(newly)-1]
	height := len(e.final.chain)
	e.logger.Info().
		Int("count", len(newly)).
		Str("last", last.Hash.Short()).
		Uint64("epoch", last.Epoch).
		Int("height", height).
		Msg("Blocks finalized")
	e.metrics.BlocksFinalized(len(newly), height)

	if e.app != nil {
		blocks := make([]*types.Block, len(newly))
		for i, b := range newly {
			blocks[i] = types.CopyBlock(b)
		}
		e.app.OnFinalized(blocks)
	}
}

// tryVote votes for the current epoch's proposal once the voting rule holds
func (e *Engine) tryVote() {
	if e.step == StepIdle || e.voted[e.epoch] {
		return
	}
	hash, ok := e.firstProposal[e.epoch]
	if !ok {
		return
	}
	b := e.store.Get(hash)
	if b == nil {
		return
	}
	if !e.tracker.IsNotarized(b.Parent) {
		return
	}
	if e.config.StrictLongestChain {
		// Only chains notarized before this epoch count; b itself may
		// already be notarized.
		tip := longestNotarizedBefore(e.store, e.tracker, b.Epoch)
		if e.store.Height(b.Parent) < e.store.Height(tip.Hash) {
			e.logger.Debug().
				Str("block", b.Hash.Short()).
				Str("tip", tip.Hash.Short()).
				Msg("Proposal does not extend the longest notarized chain")
			return
		}
	}

	vote := types.NewVote(e.nodeID, b)
	if err := e.privVal.SignVote(e.config.ChainID, vote); err != nil {
		e.logger.Error().Err(err).Uint64("epoch", e.epoch).Msg("Failed to sign vote")
		return
	}
	e.voted[e.epoch] = true
	e.step = StepVoting
	e.metrics.VoteCast(e.epoch)
	e.logger.Debug().Str("block", b.Hash.Short()).Uint64("epoch", e.epoch).Msg("Voting")

	e.send(types.NewVoteMessage(e.nodeID, vote))
	own := types.CopyVote(vote)
	e.checkVoteEvidence(own)
	e.applyVote(own)
}

// requestBlocks asks to for hashes not already requested this epoch
func (e *Engine) requestBlocks(to types.NodeID, hashes []types.Hash) {
	if to == e.nodeID {
		to = ""
	}
	var want []types.Hash
	for _, h := range hashes {
		if last, ok := e.requested[h]; ok && last == e.epoch {
			continue
		}
		e.requested[h] = e.epoch
		want = append(want, h)
		if len(want) == e.config.MaxBlockRequest {
			break
		}
	}
	if len(want) == 0 {
		return
	}
	e.send(types.NewBlockRequestMessage(e.nodeID, to, want))
}

// handleBlockRequest answers with the signed proposals we hold
func (e *Engine) handleBlockRequest(m *types.Message) {
	if m.From == e.nodeID {
		return
	}
	var found []*types.Proposal
	for _, h := range m.Request.Hashes {
		if p, ok := e.signed[h]; ok {
			found = append(found, types.CopyProposal(p))
		}
		if len(found) == types.MaxBlockResponseSize {
			break
		}
	}
	if len(found) == 0 {
		return
	}
	e.send(types.NewBlockResponseMessage(e.nodeID, m.From, found))
}

// handleTx hands a transaction to the application and re-gossips it when it
// came from outside the validator set
func (e *Engine) handleTx(m *types.Message) {
	if e.app == nil {
		return
	}
	if e.app.AddTx(m.Tx) && !e.valSet.Has(m.From) {
		e.send(types.NewTxMessage(e.nodeID, m.Tx))
	}
}

func (e *Engine) send(m *types.Message) {
	e.outbox = append(e.outbox, m)
}

func (e *Engine) flush() []*types.Message {
	out := e.outbox
	e.outbox = nil
	return out
}

func (e *Engine) drop(reason string, m *types.Message, err error) {
	e.metrics.MessageDropped(reason)
	e.logger.Warn().Err(err).Str("reason", reason).Stringer("msg", m).Msg("Dropped message")
}

func (e *Engine) dropProposal(reason string, from types.NodeID, p *types.Proposal, err error) {
	e.metrics.MessageDropped(reason)
	ev := e.logger.Warn().Err(err).Str("reason", reason).Str("from", string(from))
	if p != nil {
		ev = ev.Uint64("epoch", p.Epoch).Str("proposer", string(p.Proposer))
	}
	ev.Msg("Dropped proposal")
}

func (e *Engine) dropVote(reason string, v *types.Vote, err error) {
	e.metrics.MessageDropped(reason)
	ev := e.logger.Warn().Err(err).Str("reason", reason)
	if v != nil {
		ev = ev.Str("voter", string(v.Voter)).Uint64("epoch", v.Epoch)
	}
	ev.Msg("Dropped vote")
}
