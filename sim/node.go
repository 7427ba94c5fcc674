package sim

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/blockberries/streamberry/engine"
	"github.com/blockberries/streamberry/mempool"
	"github.com/blockberries/streamberry/privval"
	"github.com/blockberries/streamberry/types"
	"github.com/blockberries/streamberry/wal"
)

// Node is one simulated validator: an engine plus the behavior that decides
// what of the engine's work reaches the network
type Node struct {
	ID      types.NodeID
	Engine  *engine.Engine
	Mempool *mempool.Mempool

	signer    *privval.MemoryPV
	behaviors []NodeBehavior
	wal       *wal.FileWAL
	logger    zerolog.Logger
	// Epochs in which the engine was started and must be ended
	begun map[uint64]bool
}

// KindAt returns the node's behavior in epoch
func (n *Node) KindAt(epoch uint64) BehaviorKind {
	for _, b := range n.behaviors {
		if b.Active(epoch) {
			return b.Kind
		}
	}
	return BehaviorHonest
}

// IsByzantine reports whether the node ever sends conflicting messages
func (n *Node) IsByzantine() bool {
	for _, b := range n.behaviors {
		if b.Kind == BehaviorEquivocating {
			return true
		}
	}
	return false
}

// Behaviors returns the node's configured deviations
func (n *Node) Behaviors() []NodeBehavior {
	out := make([]NodeBehavior, len(n.behaviors))
	copy(out, n.behaviors)
	return out
}

// Produce runs at the start of epoch and returns the node's first messages
func (n *Node) Produce(epoch uint64) []*types.Message {
	switch n.KindAt(epoch) {
	case BehaviorSilent:
		return nil
	case BehaviorEquivocating:
		n.begun[epoch] = true
		return n.equivocateProduce(epoch, n.Engine.BeginEpoch(epoch))
	default:
		n.begun[epoch] = true
		return n.Engine.BeginEpoch(epoch)
	}
}

// React processes delivered messages and returns the node's replies
func (n *Node) React(epoch uint64, msgs []*types.Message) []*types.Message {
	switch n.KindAt(epoch) {
	case BehaviorSilent:
		return nil
	case BehaviorEquivocating:
		return n.equivocateReact(n.Engine.Receive(msgs))
	default:
		return n.Engine.Receive(msgs)
	}
}

// Finish ends epoch if the node took part in it
func (n *Node) Finish(epoch uint64) {
	if !n.begun[epoch] {
		return
	}
	delete(n.begun, epoch)
	n.Engine.EndEpoch(epoch)
}

// equivocateProduce turns a leader's single proposal into two conflicting
// ones, each sent to half of the other validators, and votes for both
func (n *Node) equivocateProduce(epoch uint64, out []*types.Message) []*types.Message {
	var proposal *types.Proposal
	var rest []*types.Message
	for _, m := range out {
		if m.Type == types.MsgProposal && proposal == nil {
			proposal = m.Proposal
			continue
		}
		rest = append(rest, m)
	}
	if proposal == nil {
		return out
	}

	twin := types.NewProposal(n.Engine.BuildBlock(epoch, []byte(fmt.Sprintf("equivocation/%s/%d", n.ID, epoch))))
	if err := n.signer.UnsafeSignProposal(n.Engine.ChainID(), twin); err != nil {
		n.logger.Error().Err(err).Msg("Failed to sign twin proposal")
		return out
	}
	twinVote := types.NewVote(n.ID, twin.Block)
	if err := n.signer.UnsafeSignVote(n.Engine.ChainID(), twinVote); err != nil {
		n.logger.Error().Err(err).Msg("Failed to sign twin vote")
		return out
	}

	var others []types.NodeID
	for _, id := range n.Engine.ValidatorSet().IDs() {
		if id != n.ID {
			others = append(others, id)
		}
	}
	half := len(others) / 2
	msgs := make([]*types.Message, 0, len(others)+len(rest)+1)
	for i, id := range others {
		p := proposal
		if i >= half {
			p = twin
		}
		m := types.NewProposalMessage(n.ID, p)
		m.To = id
		msgs = append(msgs, m)
	}
	msgs = append(msgs, rest...)
	msgs = append(msgs, types.NewVoteMessage(n.ID, twinVote))

	n.logger.Info().
		Uint64("epoch", epoch).
		Str("block_a", proposal.Block.Hash.Short()).
		Str("block_b", twin.Block.Hash.Short()).
		Msg("Equivocating as leader")
	return msgs
}

// equivocateReact forwards the engine's replies and adds, for every block
// the node votes for, a second vote for a conflicting block in the same epoch
func (n *Node) equivocateReact(out []*types.Message) []*types.Message {
	msgs := append([]*types.Message(nil), out...)
	for _, m := range out {
		if m.Type != types.MsgVote || m.Vote.Voter != n.ID {
			continue
		}
		voted := n.Engine.Store().Get(m.Vote.BlockHash)
		if voted == nil {
			continue
		}
		fake := types.NewBlock(voted.Parent, voted.Epoch, voted.Proposer, []byte(fmt.Sprintf("conflict/%s/%d", n.ID, voted.Epoch)))
		v := types.NewVote(n.ID, fake)
		if err := n.signer.UnsafeSignVote(n.Engine.ChainID(), v); err != nil {
			n.logger.Error().Err(err).Msg("Failed to sign conflicting vote")
			continue
		}
		msgs = append(msgs, types.NewVoteMessage(n.ID, v))
	}
	return msgs
}
