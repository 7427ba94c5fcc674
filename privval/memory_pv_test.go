package privval

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blockberries/streamberry/types"
)

const testChainID = "test-chain"

func newTestPV(t *testing.T, id types.NodeID, keyType types.KeyType) *MemoryPV {
	t.Helper()
	pv, err := NewMemoryPV(id, keyType, DeterministicSeed(1, id))
	require.NoError(t, err)
	return pv
}

func testBlock(epoch uint64, payload string) *types.Block {
	return types.NewBlock(types.NewGenesisBlock().Hash, epoch, "alice", []byte(payload))
}

func TestMemoryPVSignVerify(t *testing.T) {
	for _, keyType := range []types.KeyType{types.KeyTypeEd25519, types.KeyTypeSecp256k1} {
		t.Run(keyType.String(), func(t *testing.T) {
			pv := newTestPV(t, "alice", keyType)
			require.Equal(t, keyType, pv.GetPubKey().Type)

			p := types.NewProposal(testBlock(1, "a"))
			require.NoError(t, pv.SignProposal(testChainID, p))
			require.NoError(t, types.VerifyProposalSignature(testChainID, p, pv.GetPubKey()))

			v := types.NewVote("alice", p.Block)
			require.NoError(t, pv.SignVote(testChainID, v))
			require.NoError(t, types.VerifyVoteSignature(testChainID, v, pv.GetPubKey()))
		})
	}
}

func TestMemoryPVDeterministicKeys(t *testing.T) {
	a := newTestPV(t, "alice", types.KeyTypeEd25519)
	b := newTestPV(t, "alice", types.KeyTypeEd25519)
	c := newTestPV(t, "bob", types.KeyTypeEd25519)
	require.True(t, types.PublicKeyEqual(a.GetPubKey(), b.GetPubKey()))
	require.False(t, types.PublicKeyEqual(a.GetPubKey(), c.GetPubKey()))
}

func TestMemoryPVDoubleSign(t *testing.T) {
	pv := newTestPV(t, "alice", types.KeyTypeEd25519)

	v1 := types.NewVote("alice", testBlock(1, "a"))
	require.NoError(t, pv.SignVote(testChainID, v1))

	// Identical vote is idempotent
	again := types.NewVote("alice", testBlock(1, "a"))
	require.NoError(t, pv.SignVote(testChainID, again))
	require.Equal(t, v1.Signature, again.Signature)

	// Conflicting vote in the same epoch is refused
	conflict := types.NewVote("alice", testBlock(1, "b"))
	require.ErrorIs(t, pv.SignVote(testChainID, conflict), ErrDoubleSign)
	require.Empty(t, conflict.Signature)

	// Proposal after vote in the same epoch is a step regression
	p := types.NewProposal(testBlock(1, "c"))
	require.ErrorIs(t, pv.SignProposal(testChainID, p), ErrStepRegression)

	// Later epoch is fine, earlier epoch is a regression
	require.NoError(t, pv.SignVote(testChainID, types.NewVote("alice", testBlock(3, "d"))))
	require.ErrorIs(t, pv.SignVote(testChainID, types.NewVote("alice", testBlock(2, "e"))), ErrEpochRegression)

	lss := pv.LastSignState()
	require.Equal(t, uint64(3), lss.Epoch)
	require.Equal(t, StepVote, lss.Step)
}

func TestMemoryPVProposalThenVote(t *testing.T) {
	pv := newTestPV(t, "alice", types.KeyTypeEd25519)
	p := types.NewProposal(testBlock(1, "a"))
	require.NoError(t, pv.SignProposal(testChainID, p))
	require.NoError(t, pv.SignVote(testChainID, types.NewVote("alice", p.Block)))
}

func TestMemoryPVSignerMismatch(t *testing.T) {
	pv := newTestPV(t, "alice", types.KeyTypeEd25519)
	require.ErrorIs(t, pv.SignVote(testChainID, types.NewVote("bob", testBlock(1, "a"))), ErrSignerMismatch)

	b := types.NewBlock(types.NewGenesisBlock().Hash, 1, "bob", nil)
	require.ErrorIs(t, pv.SignProposal(testChainID, types.NewProposal(b)), ErrSignerMismatch)
}

func TestMemoryPVUnsafeSign(t *testing.T) {
	pv := newTestPV(t, "alice", types.KeyTypeSecp256k1)

	v1 := types.NewVote("alice", testBlock(1, "a"))
	v2 := types.NewVote("alice", testBlock(1, "b"))
	require.NoError(t, pv.UnsafeSignVote(testChainID, v1))
	require.NoError(t, pv.UnsafeSignVote(testChainID, v2))
	require.NoError(t, types.VerifyVoteSignature(testChainID, v1, pv.GetPubKey()))
	require.NoError(t, types.VerifyVoteSignature(testChainID, v2, pv.GetPubKey()))

	// Unsafe signing leaves the guarded state untouched
	require.NoError(t, pv.SignVote(testChainID, types.NewVote("alice", testBlock(1, "c"))))
}

func TestNewMemoryPVErrors(t *testing.T) {
	_, err := NewMemoryPV("alice", types.KeyTypeEd25519, make([]byte, 5))
	require.ErrorIs(t, err, ErrInvalidSeed)

	_, err = NewMemoryPV("alice", types.KeyTypeUnknown, make([]byte, SeedSize))
	require.ErrorIs(t, err, ErrUnsupportedKey)

	_, err = NewMemoryPV("alice", types.KeyTypeSecp256k1, make([]byte, SeedSize))
	require.ErrorIs(t, err, ErrInvalidSeed)

	_, err = NewMemoryPV("", types.KeyTypeEd25519, make([]byte, SeedSize))
	require.Error(t, err)

	pv, err := GenerateMemoryPV("alice", types.KeyTypeEd25519)
	require.NoError(t, err)
	require.Equal(t, types.NodeID("alice"), pv.NodeID())
}
