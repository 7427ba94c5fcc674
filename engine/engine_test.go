package engine

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/blockberries/streamberry/evidence"
	"github.com/blockberries/streamberry/mempool"
	"github.com/blockberries/streamberry/privval"
	"github.com/blockberries/streamberry/types"
)

func TestNewEngineValidation(t *testing.T) {
	valSet, pvs := makeValidators(t, 4)
	genesis := types.NewGenesisBlock()
	pv := pvs["node0"]

	_, err := NewEngine(testConfig(), nil, pv, genesis)
	require.ErrorIs(t, err, types.ErrEmptyValidatorSet)

	_, err = NewEngine(testConfig(), valSet, nil, genesis)
	require.ErrorIs(t, err, ErrNoPrivValidator)

	outsider, err := privval.NewMemoryPV("mallory", types.KeyTypeEd25519, privval.DeterministicSeed(1, "mallory"))
	require.NoError(t, err)
	_, err = NewEngine(testConfig(), valSet, outsider, genesis)
	require.ErrorIs(t, err, ErrSignerNotInSet)

	// Right id, wrong key
	impostor, err := privval.NewMemoryPV("node0", types.KeyTypeEd25519, privval.DeterministicSeed(2, "node0"))
	require.NoError(t, err)
	_, err = NewEngine(testConfig(), valSet, impostor, genesis)
	require.ErrorIs(t, err, ErrSignerNotInSet)

	_, err = NewEngine(testConfig(), valSet, pv, nil)
	require.ErrorIs(t, err, ErrInvalidGenesis)

	_, err = NewEngine(testConfig(), valSet, pv, types.NewBlock(genesis.Hash, 1, "node0", nil))
	require.ErrorIs(t, err, ErrInvalidGenesis)

	bad := testConfig()
	bad.ChainID = ""
	bad.MaxBlockRequest = 0
	_, err = NewEngine(bad, valSet, pv, genesis)
	require.ErrorIs(t, err, ErrInvalidConfig)

	e, err := NewEngine(nil, valSet, pv, genesis)
	require.NoError(t, err)
	require.Equal(t, types.NodeID("node0"), e.NodeID())
	require.Equal(t, StepIdle, e.Step())
	require.Equal(t, genesis.Hash, e.Tip().Hash)
	require.Equal(t, []types.Hash{genesis.Hash}, blockHashes(e.FinalizedChain()))
}

func TestHonestClusterFinalizes(t *testing.T) {
	c := newTestCluster(t, 4)
	c.runEpochs(1, 6)

	var reference []types.Hash
	for _, id := range c.valSet.IDs() {
		e := c.engines[id]
		for epoch := uint64(1); epoch <= 6; epoch++ {
			blocks := e.Tracker().NotarizedBlocksAt(epoch, e.Store())
			require.Len(t, blocks, 1, "node %s epoch %d", id, epoch)
		}
		require.Equal(t, uint64(6), e.Tip().Epoch)

		// The run at epochs 4, 5, 6 finalizes everything up to epoch 4
		final := e.FinalizedChain()
		require.Len(t, final, 5)
		require.Equal(t, uint64(4), e.LastFinal().Epoch)
		for i, b := range final {
			require.Equal(t, uint64(i), b.Epoch)
			require.True(t, e.IsFinal(b.Hash))
		}
		if reference == nil {
			reference = blockHashes(e.Output())
		}
		require.Equal(t, reference, blockHashes(e.Output()))
		require.Zero(t, e.Evidence().Size())
	}
}

func TestCrashedLeaderPreventsFinalization(t *testing.T) {
	c := newTestCluster(t, 4)
	crashed := LeaderForEpoch(c.valSet, 2)
	c.silent = func(id types.NodeID, epoch uint64) bool {
		return id == crashed && epoch == 2
	}
	c.runEpochs(1, 3)

	for _, id := range c.valSet.IDs() {
		e := c.engines[id]
		require.Empty(t, e.Store().BlocksAtEpoch(2))

		b1 := e.Tracker().NotarizedBlocksAt(1, e.Store())
		require.Len(t, b1, 1)
		b3 := e.Tracker().NotarizedBlocksAt(3, e.Store())
		require.Len(t, b3, 1, "node %s", id)
		require.Equal(t, b1[0].Hash, b3[0].Parent)

		// Epochs 1 and 3 are not consecutive
		require.Len(t, e.FinalizedChain(), 1)
	}
}

func TestVotesOnlyForFirstLeaderProposal(t *testing.T) {
	valSet, pvs := makeValidators(t, 4)
	genesis := types.NewGenesisBlock()
	leader := LeaderForEpoch(valSet, 1)
	self := nonLeader(t, valSet, 1)

	e, err := NewEngine(testConfig(), valSet, pvs[self], genesis)
	require.NoError(t, err)
	require.Empty(t, e.BeginEpoch(1))
	require.Equal(t, StepAwaitingProposal, e.Step())

	a := signedProposal(t, pvs[leader], types.NewBlock(genesis.Hash, 1, leader, []byte("a")))
	b := signedProposal(t, pvs[leader], types.NewBlock(genesis.Hash, 1, leader, []byte("b")))
	out := e.Receive([]*types.Message{
		types.NewProposalMessage(leader, a),
		types.NewProposalMessage(leader, b),
	})

	votes := filterType(out, types.MsgVote)
	require.Len(t, votes, 1)
	require.Equal(t, a.Block.Hash, votes[0].Vote.BlockHash)
	require.Equal(t, StepVoting, e.Step())
	require.True(t, e.HasVoted(1))

	// Both blocks are stored, and the leader is caught equivocating
	require.True(t, e.Store().Has(b.Block.Hash))
	require.Equal(t, []types.NodeID{leader}, e.Evidence().Offenders())

	// Re-delivery changes nothing
	require.Empty(t, filterType(e.Receive([]*types.Message{types.NewProposalMessage(leader, a)}), types.MsgVote))
}

func TestRejectedProposalDoesNotTakeEpochVote(t *testing.T) {
	valSet, pvs := makeValidators(t, 4)
	genesis := types.NewGenesisBlock()
	self := nonLeader(t, valSet, 2)
	leader2 := LeaderForEpoch(valSet, 2)
	good := signedProposal(t, pvs[leader2], leaderBlock(valSet, genesis, 2, "good"))

	t.Run("parent from a later epoch", func(t *testing.T) {
		e, err := NewEngine(testConfig(), valSet, pvs[self], genesis)
		require.NoError(t, err)
		b5 := leaderBlock(valSet, genesis, 5, "five")
		_, err = e.Store().Add(b5)
		require.NoError(t, err)
		e.BeginEpoch(2)

		bad := signedProposal(t, pvs[leader2], leaderBlock(valSet, b5, 2, "bad"))
		out := e.Receive([]*types.Message{
			types.NewProposalMessage(leader2, bad),
			types.NewProposalMessage(leader2, good),
		})
		require.False(t, e.Store().Has(bad.Block.Hash))
		votes := filterType(out, types.MsgVote)
		require.Len(t, votes, 1)
		require.Equal(t, good.Block.Hash, votes[0].Vote.BlockHash)
		require.True(t, e.HasVoted(2))
	})

	t.Run("buffered behind an unknown parent", func(t *testing.T) {
		e, err := NewEngine(testConfig(), valSet, pvs[self], genesis)
		require.NoError(t, err)
		e.BeginEpoch(2)

		b1 := leaderBlock(valSet, genesis, 1, "one")
		orphan := signedProposal(t, pvs[leader2], leaderBlock(valSet, b1, 2, "orphan"))
		out := e.Receive([]*types.Message{
			types.NewProposalMessage(leader2, orphan),
			types.NewProposalMessage(leader2, good),
		})
		require.Equal(t, 1, e.PendingProposals())
		votes := filterType(out, types.MsgVote)
		require.Len(t, votes, 1)
		require.Equal(t, good.Block.Hash, votes[0].Vote.BlockHash)

		// Resolving the orphan later does not produce a second vote
		p1 := signedProposal(t, pvs[b1.Proposer], b1)
		out = e.Receive([]*types.Message{types.NewBlockResponseMessage(leader2, self, []*types.Proposal{p1})})
		require.True(t, e.Store().Has(orphan.Block.Hash))
		require.Empty(t, filterType(out, types.MsgVote))
	})
}

func TestBufferedVotesAreCheckedForEquivocationOnArrival(t *testing.T) {
	valSet, pvs := makeValidators(t, 4)
	genesis := types.NewGenesisBlock()
	leader := LeaderForEpoch(valSet, 1)
	self := nonLeader(t, valSet, 1)
	var voter types.NodeID
	for _, id := range valSet.IDs() {
		if id != self && id != leader {
			voter = id
			break
		}
	}

	e, err := NewEngine(testConfig(), valSet, pvs[self], genesis)
	require.NoError(t, err)
	e.BeginEpoch(1)

	a := leaderBlock(valSet, genesis, 1, "a")
	b := leaderBlock(valSet, genesis, 1, "b")
	e.Receive([]*types.Message{
		types.NewVoteMessage(voter, signedVote(t, pvs[voter], a)),
		types.NewVoteMessage(voter, signedVote(t, pvs[voter], b)),
	})
	// Neither block is known yet, but the conflict is already evident
	require.False(t, e.Store().Has(a.Hash))
	require.Equal(t, 1, e.Evidence().Size())
	require.Contains(t, e.Evidence().Offenders(), voter)

	// Replaying the buffered votes adds no second record of the same conflict
	e.Receive([]*types.Message{
		types.NewProposalMessage(leader, signedProposal(t, pvs[leader], a)),
		types.NewProposalMessage(leader, signedProposal(t, pvs[leader], b)),
	})
	require.Equal(t, []types.NodeID{voter}, e.Tracker().Voters(b.Hash))
	var voteEvidence int
	for _, ev := range e.Evidence().PendingEvidence() {
		if ev.Type == evidence.EvidenceTypeDuplicateVote {
			voteEvidence++
		}
	}
	require.Equal(t, 1, voteEvidence)
}

func TestLeaderProposesAndVotes(t *testing.T) {
	valSet, pvs := makeValidators(t, 4)
	leader := LeaderForEpoch(valSet, 1)
	pool := mempool.New(mempool.DefaultConfig(), zerolog.Nop())
	require.True(t, pool.AddTx("tx-1"))

	e, err := NewEngine(testConfig(), valSet, pvs[leader], types.NewGenesisBlock(), WithApplication(pool))
	require.NoError(t, err)

	out := e.BeginEpoch(1)
	proposals := filterType(out, types.MsgProposal)
	require.Len(t, proposals, 1)
	p := proposals[0].Proposal
	require.Equal(t, leader, p.Proposer)
	require.Equal(t, types.NewGenesisBlock().Hash, p.Block.Parent)

	txs, err := mempool.DecodePayload(p.Block.Payload)
	require.NoError(t, err)
	require.Equal(t, []string{"tx-1"}, txs)

	votes := filterType(out, types.MsgVote)
	require.Len(t, votes, 1)
	require.Equal(t, p.Block.Hash, votes[0].Vote.BlockHash)
	require.Equal(t, 1, e.Tracker().Count(p.Block.Hash))
}

func TestDropsInvalidProposals(t *testing.T) {
	valSet, pvs := makeValidators(t, 4)
	genesis := types.NewGenesisBlock()
	leader := LeaderForEpoch(valSet, 1)
	other := nonLeader(t, valSet, 1)

	e, err := NewEngine(testConfig(), valSet, pvs[other], genesis)
	require.NoError(t, err)
	e.BeginEpoch(1)

	// Signed by someone who is not the leader
	wrong := signedProposal(t, pvs[other], types.NewBlock(genesis.Hash, 1, other, []byte("x")))
	// Tampered signature
	tampered := signedProposal(t, pvs[leader], types.NewBlock(genesis.Hash, 1, leader, []byte("y")))
	tampered.Signature[0] ^= 0xff
	// Hash does not match contents
	mangled := signedProposal(t, pvs[leader], types.NewBlock(genesis.Hash, 1, leader, []byte("z")))
	mangled.Block.Payload = []byte("changed")

	out := e.Receive([]*types.Message{
		types.NewProposalMessage(other, wrong),
		types.NewProposalMessage(leader, tampered),
		types.NewProposalMessage(leader, mangled),
		{Type: types.MsgProposal, From: leader},
	})
	require.Empty(t, out)
	require.Equal(t, 1, e.Store().Len())
	require.False(t, e.HasVoted(1))
}

func TestMissingParentIsRequestedAndResolved(t *testing.T) {
	valSet, pvs := makeValidators(t, 4)
	genesis := types.NewGenesisBlock()
	self := nonLeader(t, valSet, 1, 2)
	leader2 := LeaderForEpoch(valSet, 2)

	e, err := NewEngine(testConfig(), valSet, pvs[self], genesis)
	require.NoError(t, err)

	b1 := leaderBlock(valSet, genesis, 1, "one")
	b2 := leaderBlock(valSet, b1, 2, "two")
	p1 := signedProposal(t, pvs[b1.Proposer], b1)
	p2 := signedProposal(t, pvs[b2.Proposer], b2)

	e.BeginEpoch(1)
	e.EndEpoch(1)
	e.BeginEpoch(2)

	out := e.Receive([]*types.Message{types.NewProposalMessage(leader2, p2)})
	requests := filterType(out, types.MsgBlockRequest)
	require.Len(t, requests, 1)
	require.Equal(t, leader2, requests[0].To)
	require.Equal(t, []types.Hash{b1.Hash}, requests[0].Request.Hashes)
	require.Equal(t, 1, e.PendingProposals())
	require.False(t, e.Store().Has(b2.Hash))

	// The answer resolves the buffered child
	out = e.Receive([]*types.Message{types.NewBlockResponseMessage(leader2, self, []*types.Proposal{p1})})
	require.Empty(t, filterType(out, types.MsgVote), "parent is not notarized yet")
	require.True(t, e.Store().Has(b1.Hash))
	require.True(t, e.Store().Has(b2.Hash))
	require.Zero(t, e.PendingProposals())

	// Once the parent is notarized the node votes for the epoch-2 block
	out = notarize(t, e, pvs, b1)
	require.True(t, e.IsNotarized(b1.Hash))
	votes := filterType(out, types.MsgVote)
	require.Len(t, votes, 1)
	require.Equal(t, b2.Hash, votes[0].Vote.BlockHash)
}

func TestStaleProposalExpires(t *testing.T) {
	valSet, pvs := makeValidators(t, 4)
	genesis := types.NewGenesisBlock()
	self := nonLeader(t, valSet, 2)

	cfg := testConfig()
	cfg.PendingTimeoutEpochs = 2
	e, err := NewEngine(cfg, valSet, pvs[self], genesis)
	require.NoError(t, err)

	orphanParent := types.NewBlock(genesis.Hash, 1, LeaderForEpoch(valSet, 1), []byte("never delivered"))
	orphan := signedProposal(t, pvs[LeaderForEpoch(valSet, 2)], leaderBlock(valSet, orphanParent, 2, "orphan"))

	e.BeginEpoch(2)
	e.Receive([]*types.Message{types.NewProposalMessage(orphan.Proposer, orphan)})
	require.Equal(t, 1, e.PendingProposals())
	e.EndEpoch(2)
	require.Equal(t, 1, e.PendingProposals())

	// Missing blocks are requested again at the next epoch
	out := e.BeginEpoch(3)
	requests := filterType(out, types.MsgBlockRequest)
	require.Len(t, requests, 1)
	require.True(t, requests[0].IsBroadcast())
	require.Equal(t, []types.Hash{orphanParent.Hash}, requests[0].Request.Hashes)

	e.EndEpoch(3)
	require.Zero(t, e.PendingProposals())
}

func TestVotesBeforeBlockAreBuffered(t *testing.T) {
	valSet, pvs := makeValidators(t, 4)
	genesis := types.NewGenesisBlock()
	self := nonLeader(t, valSet, 1)

	e, err := NewEngine(testConfig(), valSet, pvs[self], genesis)
	require.NoError(t, err)
	e.BeginEpoch(1)

	b1 := leaderBlock(valSet, genesis, 1, "one")
	var msgs []*types.Message
	for _, id := range valSet.IDs() {
		if id == self {
			continue
		}
		msgs = append(msgs, types.NewVoteMessage(id, signedVote(t, pvs[id], b1)))
	}
	out := e.Receive(msgs)
	require.Len(t, filterType(out, types.MsgBlockRequest), 1, "one request per hash per epoch")
	require.False(t, e.IsNotarized(b1.Hash))

	p1 := signedProposal(t, pvs[b1.Proposer], b1)
	out = e.Receive([]*types.Message{types.NewProposalMessage(b1.Proposer, p1)})
	require.True(t, e.IsNotarized(b1.Hash))
	// Notarization does not stop the node from voting for the block
	require.Len(t, filterType(out, types.MsgVote), 1)
	require.True(t, e.HasVoted(1))
	require.Equal(t, 4, e.Tracker().Count(b1.Hash))
}

func TestDropsInvalidVotes(t *testing.T) {
	valSet, pvs := makeValidators(t, 4)
	genesis := types.NewGenesisBlock()
	self := nonLeader(t, valSet, 1)
	e, err := NewEngine(testConfig(), valSet, pvs[self], genesis)
	require.NoError(t, err)
	e.BeginEpoch(1)

	b1 := leaderBlock(valSet, genesis, 1, "one")
	e.Receive([]*types.Message{types.NewProposalMessage(b1.Proposer, signedProposal(t, pvs[b1.Proposer], b1))})

	outsider, err := privval.NewMemoryPV("mallory", types.KeyTypeEd25519, privval.DeterministicSeed(1, "mallory"))
	require.NoError(t, err)
	forged := signedVote(t, pvs["node1"], b1)
	forged.Signature[0] ^= 0xff
	wrongEpoch := types.NewVote("node2", b1)
	wrongEpoch.Epoch = 5
	require.NoError(t, pvs["node2"].UnsafeSignVote(testChainID, wrongEpoch))

	e.Receive([]*types.Message{
		types.NewVoteMessage("mallory", signedVote(t, outsider, b1)),
		types.NewVoteMessage("node1", forged),
		types.NewVoteMessage("node2", wrongEpoch),
	})
	// Only this node's own vote counts
	require.Equal(t, 1, e.Tracker().Count(b1.Hash))
}

func TestBlockRequestIsAnswered(t *testing.T) {
	c := newTestCluster(t, 4)
	c.runEpoch(1)

	ids := c.valSet.IDs()
	e := c.engines[ids[0]]
	b1 := e.Tracker().NotarizedBlocksAt(1, e.Store())[0]

	out := e.Receive([]*types.Message{
		types.NewBlockRequestMessage(ids[1], ids[0], []types.Hash{b1.Hash, types.HashBytes([]byte("unknown"))}),
	})
	require.Len(t, out, 1)
	require.Equal(t, types.MsgBlockResponse, out[0].Type)
	require.Equal(t, ids[1], out[0].To)
	require.Len(t, out[0].Response.Proposals, 1)
	require.Equal(t, b1.Hash, out[0].Response.Proposals[0].Block.Hash)

	// Requests addressed to another node are ignored
	require.Empty(t, e.Receive([]*types.Message{
		types.NewBlockRequestMessage(ids[1], ids[2], []types.Hash{b1.Hash}),
	}))
}

// strictSetup notarizes G-B1-B2 at a node, then delivers an epoch-3 proposal
// that extends B1 instead of B2
func strictSetup(t *testing.T, strict bool) []*types.Message {
	valSet, pvs := makeValidators(t, 4)
	genesis := types.NewGenesisBlock()
	self := nonLeader(t, valSet, 1, 2, 3)

	cfg := testConfig()
	cfg.StrictLongestChain = strict
	e, err := NewEngine(cfg, valSet, pvs[self], genesis)
	require.NoError(t, err)

	b1 := leaderBlock(valSet, genesis, 1, "one")
	b2 := leaderBlock(valSet, b1, 2, "two")
	for _, b := range []*types.Block{b1, b2} {
		e.BeginEpoch(b.Epoch)
		e.Receive([]*types.Message{types.NewProposalMessage(b.Proposer, signedProposal(t, pvs[b.Proposer], b))})
		notarize(t, e, pvs, b)
		require.True(t, e.IsNotarized(b.Hash))
		e.EndEpoch(b.Epoch)
	}
	require.Equal(t, b2.Hash, e.Tip().Hash)

	e.BeginEpoch(3)
	short := leaderBlock(valSet, b1, 3, "short")
	return e.Receive([]*types.Message{types.NewProposalMessage(short.Proposer, signedProposal(t, pvs[short.Proposer], short))})
}

func TestStrictLongestChainVoting(t *testing.T) {
	require.Empty(t, filterType(strictSetup(t, true), types.MsgVote))
	require.Len(t, filterType(strictSetup(t, false), types.MsgVote), 1)
}

func TestTxGossip(t *testing.T) {
	valSet, pvs := makeValidators(t, 4)
	pool := mempool.New(mempool.DefaultConfig(), zerolog.Nop())
	e, err := NewEngine(testConfig(), valSet, pvs["node0"], types.NewGenesisBlock(), WithApplication(pool))
	require.NoError(t, err)

	out := e.Receive([]*types.Message{types.NewTxMessage("client", "pay bob 5")})
	require.Len(t, out, 1)
	require.Equal(t, types.MsgTx, out[0].Type)
	require.Equal(t, types.NodeID("node0"), out[0].From)

	// Known, or already gossiped by a validator: not repeated
	require.Empty(t, e.Receive([]*types.Message{types.NewTxMessage("client", "pay bob 5")}))
	require.Empty(t, e.Receive([]*types.Message{types.NewTxMessage("node1", "pay carol 7")}))
	require.Equal(t, 2, pool.Size())
}

func TestFinalizedTxsLeaveMempool(t *testing.T) {
	pools := make(map[types.NodeID]*mempool.Mempool)
	valSet, pvs := makeValidators(t, 4)
	c := &testCluster{
		t:       t,
		valSet:  valSet,
		pvs:     pvs,
		engines: make(map[types.NodeID]*Engine),
		silent:  func(types.NodeID, uint64) bool { return false },
	}
	for _, id := range valSet.IDs() {
		pools[id] = mempool.New(mempool.DefaultConfig(), zerolog.Nop())
		e, err := NewEngine(testConfig(), valSet, pvs[id], types.NewGenesisBlock(), WithApplication(pools[id]))
		require.NoError(t, err)
		c.engines[id] = e
	}
	for _, id := range valSet.IDs() {
		pools[id].AddTx("tx-a")
	}
	c.runEpochs(1, 4)

	for _, id := range valSet.IDs() {
		require.True(t, pools[id].IsCommitted("tx-a"), "node %s", id)
		require.Zero(t, pools[id].Size())
	}
}

func TestBeginEpochRelaysUnfinalizedNotarizations(t *testing.T) {
	for _, relay := range []bool{true, false} {
		valSet, pvs := makeValidators(t, 4)
		genesis := types.NewGenesisBlock()
		self := nonLeader(t, valSet, 1, 2)

		cfg := testConfig()
		cfg.RelayNotarizations = relay
		e, err := NewEngine(cfg, valSet, pvs[self], genesis)
		require.NoError(t, err)

		b1 := leaderBlock(valSet, genesis, 1, "one")
		e.BeginEpoch(1)
		e.Receive([]*types.Message{types.NewProposalMessage(b1.Proposer, signedProposal(t, pvs[b1.Proposer], b1))})
		notarize(t, e, pvs, b1)
		require.True(t, e.IsNotarized(b1.Hash))
		e.EndEpoch(1)

		votes := filterType(e.BeginEpoch(2), types.MsgVote)
		if !relay {
			require.Empty(t, votes)
			continue
		}
		require.Len(t, votes, e.Tracker().Count(b1.Hash))
		for _, m := range votes {
			require.Equal(t, self, m.From)
			require.Equal(t, b1.Hash, m.Vote.BlockHash)
		}
	}
}
