package engine

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blockberries/streamberry/privval"
	"github.com/blockberries/streamberry/types"
)

const testChainID = "test-chain"

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.ChainID = testChainID
	return cfg
}

// makeValidators returns n validators node0..node{n-1} and their signers
func makeValidators(t *testing.T, n int) (*types.ValidatorSet, map[types.NodeID]*privval.MemoryPV) {
	t.Helper()
	pvs := make(map[types.NodeID]*privval.MemoryPV, n)
	vals := make([]*types.Validator, 0, n)
	for i := 0; i < n; i++ {
		id := types.NodeID(fmt.Sprintf("node%d", i))
		pv, err := privval.NewMemoryPV(id, types.KeyTypeEd25519, privval.DeterministicSeed(1, id))
		require.NoError(t, err)
		pvs[id] = pv
		vals = append(vals, &types.Validator{ID: id, PublicKey: pv.GetPubKey()})
	}
	valSet, err := types.NewValidatorSet(vals)
	require.NoError(t, err)
	return valSet, pvs
}

func signedProposal(t *testing.T, pv privval.UnsafeSigner, block *types.Block) *types.Proposal {
	t.Helper()
	p := types.NewProposal(block)
	require.NoError(t, pv.UnsafeSignProposal(testChainID, p))
	return p
}

func signedVote(t *testing.T, pv privval.UnsafeSigner, block *types.Block) *types.Vote {
	t.Helper()
	v := types.NewVote(pv.NodeID(), block)
	require.NoError(t, pv.UnsafeSignVote(testChainID, v))
	return v
}

// leaderBlock builds epoch's block on parent, proposed by the epoch's leader
func leaderBlock(valSet *types.ValidatorSet, parent *types.Block, epoch uint64, payload string) *types.Block {
	return types.NewBlock(parent.Hash, epoch, LeaderForEpoch(valSet, epoch), []byte(payload))
}

// nonLeader returns a validator that leads none of the given epochs
func nonLeader(t *testing.T, valSet *types.ValidatorSet, epochs ...uint64) types.NodeID {
	t.Helper()
	for _, id := range valSet.IDs() {
		leads := false
		for _, e := range epochs {
			if LeaderForEpoch(valSet, e) == id {
				leads = true
				break
			}
		}
		if !leads {
			return id
		}
	}
	t.Fatalf("every validator leads one of epochs %v", epochs)
	return ""
}

// notarize feeds votes for block from the first threshold validators
func notarize(t *testing.T, e *Engine, pvs map[types.NodeID]*privval.MemoryPV, block *types.Block) []*types.Message {
	t.Helper()
	var msgs []*types.Message
	for _, id := range e.ValidatorSet().IDs()[:e.ValidatorSet().NotarizationThreshold()] {
		msgs = append(msgs, types.NewVoteMessage(id, signedVote(t, pvs[id], block)))
	}
	return e.Receive(msgs)
}

func filterType(msgs []*types.Message, typ types.MessageType) []*types.Message {
	var out []*types.Message
	for _, m := range msgs {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

// testCluster runs engines in lock step over a perfect network
type testCluster struct {
	t       *testing.T
	valSet  *types.ValidatorSet
	pvs     map[types.NodeID]*privval.MemoryPV
	engines map[types.NodeID]*Engine
	// silent reports nodes that take no part in an epoch
	silent func(id types.NodeID, epoch uint64) bool
}

func newTestCluster(t *testing.T, n int, opts ...Option) *testCluster {
	t.Helper()
	valSet, pvs := makeValidators(t, n)
	c := &testCluster{
		t:       t,
		valSet:  valSet,
		pvs:     pvs,
		engines: make(map[types.NodeID]*Engine, n),
		silent:  func(types.NodeID, uint64) bool { return false },
	}
	for _, id := range valSet.IDs() {
		e, err := NewEngine(testConfig(), valSet, pvs[id], types.NewGenesisBlock(), opts...)
		require.NoError(t, err)
		c.engines[id] = e
	}
	return c
}

func (c *testCluster) runEpochs(from, to uint64) {
	for e := from; e <= to; e++ {
		c.runEpoch(e)
	}
}

func (c *testCluster) runEpoch(epoch uint64) {
	ids := c.valSet.IDs()
	inbox := make(map[types.NodeID][]*types.Message)
	for _, id := range ids {
		if c.silent(id, epoch) {
			continue
		}
		c.route(id, c.engines[id].BeginEpoch(epoch), inbox)
	}
	for step := 0; step < 10 && len(inbox) > 0; step++ {
		next := make(map[types.NodeID][]*types.Message)
		for _, id := range ids {
			if c.silent(id, epoch) || len(inbox[id]) == 0 {
				continue
			}
			c.route(id, c.engines[id].Receive(inbox[id]), next)
		}
		inbox = next
	}
	for _, id := range ids {
		if !c.silent(id, epoch) {
			c.engines[id].EndEpoch(epoch)
		}
	}
}

func (c *testCluster) route(from types.NodeID, msgs []*types.Message, inbox map[types.NodeID][]*types.Message) {
	for _, m := range msgs {
		if !m.IsBroadcast() {
			inbox[m.To] = append(inbox[m.To], m)
			continue
		}
		for _, id := range c.valSet.IDs() {
			if id != from {
				inbox[id] = append(inbox[id], m)
			}
		}
	}
}

func blockHashes(blocks []*types.Block) []types.Hash {
	out := make([]types.Hash, len(blocks))
	for i, b := range blocks {
		out[i] = b.Hash
	}
	return out
}
