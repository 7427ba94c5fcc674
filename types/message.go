package types

import (
	"errors"
	"fmt"
)

// MessageType identifies the payload carried by a Message
type MessageType uint8

const (
	MsgUnknown MessageType = iota
	MsgProposal
	MsgVote
	MsgBlockRequest
	MsgBlockResponse
	MsgTx
)

// Limits on peer-supplied message contents
const (
	MaxBlockRequestHashes = 64
	MaxBlockResponseSize  = 64
	MaxTxSize             = 4096
)

// Message errors
var (
	ErrInvalidMessage = errors.New("invalid message")
)

func (t MessageType) String() string {
	switch t {
	case MsgProposal:
		return "proposal"
	case MsgVote:
		return "vote"
	case MsgBlockRequest:
		return "block_request"
	case MsgBlockResponse:
		return "block_response"
	case MsgTx:
		return "tx"
	default:
		return "unknown"
	}
}

// BlockRequest asks peers for blocks by hash
type BlockRequest struct {
	Hashes []Hash
}

// BlockResponse returns the signed proposals that carried the requested
// blocks, so receivers can verify the proposer's signature.
type BlockResponse struct {
	Proposals []*Proposal
}

// Message is the unit exchanged between nodes. Exactly one of the payload
// fields is set, matching Type. To is empty for broadcasts.
type Message struct {
	Type     MessageType
	From     NodeID
	To       NodeID
	Proposal *Proposal      `cbor:",omitempty"`
	Vote     *Vote          `cbor:",omitempty"`
	Request  *BlockRequest  `cbor:",omitempty"`
	Response *BlockResponse `cbor:",omitempty"`
	Tx       string         `cbor:",omitempty"`
}

// NewProposalMessage wraps a proposal for broadcast
func NewProposalMessage(from NodeID, p *Proposal) *Message {
	return &Message{Type: MsgProposal, From: from, Proposal: p}
}

// NewVoteMessage wraps a vote for broadcast
func NewVoteMessage(from NodeID, v *Vote) *Message {
	return &Message{Type: MsgVote, From: from, Vote: v}
}

// NewBlockRequestMessage asks to for the given hashes. An empty to broadcasts.
func NewBlockRequestMessage(from, to NodeID, hashes []Hash) *Message {
	hs := make([]Hash, len(hashes))
	copy(hs, hashes)
	return &Message{Type: MsgBlockRequest, From: from, To: to, Request: &BlockRequest{Hashes: hs}}
}

// NewBlockResponseMessage answers a block request
func NewBlockResponseMessage(from, to NodeID, proposals []*Proposal) *Message {
	return &Message{Type: MsgBlockResponse, From: from, To: to, Response: &BlockResponse{Proposals: proposals}}
}

// NewTxMessage gossips a transaction
func NewTxMessage(from NodeID, tx string) *Message {
	return &Message{Type: MsgTx, From: from, Tx: tx}
}

// IsBroadcast reports whether the message has no single recipient
func (m *Message) IsBroadcast() bool {
	return m.To == ""
}

// ValidateBasic checks that the message is structurally consistent with its type.
// Signatures are not verified here.
func (m *Message) ValidateBasic() error {
	if m == nil {
		return fmt.Errorf("%w: nil message", ErrInvalidMessage)
	}
	if m.From == "" {
		return fmt.Errorf("%w: missing sender", ErrInvalidMessage)
	}
	switch m.Type {
	case MsgProposal:
		if m.Proposal == nil {
			return fmt.Errorf("%w: proposal message without proposal", ErrInvalidMessage)
		}
	case MsgVote:
		if m.Vote == nil {
			return fmt.Errorf("%w: vote message without vote", ErrInvalidMessage)
		}
	case MsgBlockRequest:
		if m.Request == nil || len(m.Request.Hashes) == 0 {
			return fmt.Errorf("%w: empty block request", ErrInvalidMessage)
		}
		if len(m.Request.Hashes) > MaxBlockRequestHashes {
			return fmt.Errorf("%w: block request of %d hashes (max %d)",
				ErrInvalidMessage, len(m.Request.Hashes), MaxBlockRequestHashes)
		}
	case MsgBlockResponse:
		if m.Response == nil {
			return fmt.Errorf("%w: block response message without response", ErrInvalidMessage)
		}
		if len(m.Response.Proposals) > MaxBlockResponseSize {
			return fmt.Errorf("%w: block response of %d proposals (max %d)",
				ErrInvalidMessage, len(m.Response.Proposals), MaxBlockResponseSize)
		}
	case MsgTx:
		if m.Tx == "" || len(m.Tx) > MaxTxSize {
			return fmt.Errorf("%w: tx size %d", ErrInvalidMessage, len(m.Tx))
		}
	default:
		return fmt.Errorf("%w: unknown type %d", ErrInvalidMessage, m.Type)
	}
	return nil
}

// EncodeMessage serializes a message for the wire or the message log
func EncodeMessage(m *Message) ([]byte, error) {
	return Marshal(m)
}

// DecodeMessage parses a serialized message
func DecodeMessage(data []byte) (*Message, error) {
	m := &Message{}
	if err := Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return m, nil
}

// EncodeMessages serializes a batch of messages
func EncodeMessages(msgs []*Message) ([]byte, error) {
	return Marshal(msgs)
}

// DecodeMessages parses a serialized batch of messages
func DecodeMessages(data []byte) ([]*Message, error) {
	var msgs []*Message
	if err := Unmarshal(data, &msgs); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return msgs, nil
}

// String returns a compact description for logs
func (m *Message) String() string {
	if m == nil {
		return "Message{nil}"
	}
	switch m.Type {
	case MsgProposal:
		if m.Proposal == nil {
			break
		}
		return fmt.Sprintf("Message{%s from=%s %s}", m.Type, m.From, m.Proposal.Block)
	case MsgVote:
		return fmt.Sprintf("Message{%s from=%s %s}", m.Type, m.From, m.Vote)
	}
	return fmt.Sprintf("Message{%s from=%s to=%s}", m.Type, m.From, m.To)
}
