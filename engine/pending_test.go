package engine

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blockberries/streamberry/types"
)

func TestPendingBufferResolve(t *testing.T) {
	valSet, pvs := makeValidators(t, 4)
	genesis := types.NewGenesisBlock()
	pb := newPendingBuffer(10, 10)

	b1 := leaderBlock(valSet, genesis, 1, "1")
	b2 := leaderBlock(valSet, b1, 2, "2")
	b3 := leaderBlock(valSet, b2, 3, "3")
	p2 := signedProposal(t, pvs[b2.Proposer], b2)
	p3 := signedProposal(t, pvs[b3.Proposer], b3)

	for _, p := range []*types.Proposal{p3, p2} {
		added, err := pb.addProposal(p, 3)
		require.NoError(t, err)
		require.True(t, added)
	}
	added, err := pb.addProposal(p2, 3)
	require.NoError(t, err)
	require.False(t, added)

	// b2 is buffered, so only b1 is missing
	require.Equal(t, []types.Hash{b1.Hash}, pb.missing())

	children := pb.takeChildren(b1.Hash)
	require.Len(t, children, 1)
	require.Equal(t, b2.Hash, children[0].Block.Hash)
	require.Equal(t, []types.Hash{b2.Hash}, pb.missing())
	require.Len(t, pb.takeChildren(b2.Hash), 1)
	require.Zero(t, pb.numProposals())
	require.Empty(t, pb.missing())
}

func TestPendingBufferVotes(t *testing.T) {
	valSet, pvs := makeValidators(t, 4)
	b1 := leaderBlock(valSet, types.NewGenesisBlock(), 1, "1")
	pb := newPendingBuffer(10, 2)

	added, err := pb.addVote(signedVote(t, pvs["node0"], b1), 1)
	require.NoError(t, err)
	require.True(t, added)
	added, err = pb.addVote(signedVote(t, pvs["node0"], b1), 1)
	require.NoError(t, err)
	require.False(t, added)
	_, err = pb.addVote(signedVote(t, pvs["node1"], b1), 1)
	require.NoError(t, err)

	_, err = pb.addVote(signedVote(t, pvs["node2"], b1), 1)
	require.ErrorIs(t, err, ErrPendingFull)

	require.Equal(t, []types.Hash{b1.Hash}, pb.missing())
	votes := pb.takeVotes(b1.Hash)
	require.Len(t, votes, 2)
	require.Equal(t, types.NodeID("node0"), votes[0].Voter)
	require.Empty(t, pb.takeVotes(b1.Hash))
}

func TestPendingBufferExpire(t *testing.T) {
	valSet, pvs := makeValidators(t, 4)
	genesis := types.NewGenesisBlock()
	pb := newPendingBuffer(1, 10)

	unknown := leaderBlock(valSet, genesis, 1, "unknown")
	b2 := leaderBlock(valSet, unknown, 2, "2")
	p2 := signedProposal(t, pvs[b2.Proposer], b2)
	_, err := pb.addProposal(p2, 2)
	require.NoError(t, err)
	_, err = pb.addVote(signedVote(t, pvs["node0"], unknown), 2)
	require.NoError(t, err)

	other := signedProposal(t, pvs[b2.Proposer], leaderBlock(valSet, unknown, 2, "other"))
	_, err = pb.addProposal(other, 2)
	require.ErrorIs(t, err, ErrPendingFull)

	require.Empty(t, pb.expire(3, 2))
	dropped := pb.expire(4, 2)
	require.Len(t, dropped, 1)
	require.Equal(t, b2.Hash, dropped[0].Block.Hash)
	require.Zero(t, pb.numProposals())
	require.Empty(t, pb.missing())
	require.Zero(t, pb.numVotes)
}
