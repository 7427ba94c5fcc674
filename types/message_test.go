package types

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMessageEncodeDecode(t *testing.T) {
	block := NewBlock(NewGenesisBlock().Hash, 1, "alice", []byte("payload"))
	p := NewProposal(block)
	p.Signature = Signature{1, 2, 3}
	vote := NewVote("bob", block)
	vote.Signature = Signature{4, 5, 6}

	msgs := []*Message{
		NewProposalMessage("alice", p),
		NewVoteMessage("bob", vote),
		NewBlockRequestMessage("carol", "alice", []Hash{block.Hash}),
		NewBlockResponseMessage("alice", "carol", []*Proposal{p}),
		NewTxMessage("dave", "tx-1"),
	}

	data, err := EncodeMessages(msgs)
	require.NoError(t, err)
	decoded, err := DecodeMessages(data)
	require.NoError(t, err)
	require.Len(t, decoded, len(msgs))

	for i := range msgs {
		require.NoError(t, decoded[i].ValidateBasic())
		require.Equal(t, msgs[i].Type, decoded[i].Type)
	}
	require.Equal(t, block.Hash, decoded[0].Proposal.Block.Hash)
	require.NoError(t, decoded[0].Proposal.Block.ValidateBasic())
	require.True(t, VotesEqual(vote, decoded[1].Vote))
	require.Equal(t, []Hash{block.Hash}, decoded[2].Request.Hashes)
	require.Equal(t, NodeID("alice"), decoded[2].To)
	require.Equal(t, "tx-1", decoded[4].Tx)
	require.True(t, decoded[4].IsBroadcast())
}

func TestDecodeMessageGarbage(t *testing.T) {
	_, err := DecodeMessage([]byte{0xff, 0x00, 0x13})
	require.ErrorIs(t, err, ErrInvalidMessage)
}

func TestMessageValidateBasic(t *testing.T) {
	tests := []struct {
		name string
		msg  *Message
	}{
		{"nil", nil},
		{"no sender", &Message{Type: MsgTx, Tx: "x"}},
		{"proposal without body", &Message{Type: MsgProposal, From: "a"}},
		{"vote without body", &Message{Type: MsgVote, From: "a"}},
		{"empty request", NewBlockRequestMessage("a", "", nil)},
		{"oversized request", NewBlockRequestMessage("a", "", make([]Hash, MaxBlockRequestHashes+1))},
		{"empty tx", NewTxMessage("a", "")},
		{"unknown type", &Message{Type: MsgUnknown, From: "a"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.ErrorIs(t, tt.msg.ValidateBasic(), ErrInvalidMessage)
		})
	}
}
