package wal

import (
	"errors"
	"fmt"
	"io"

	"github.com/blockberries/streamberry/types"
)

// Errors
var (
	ErrWALClosed    = errors.New("WAL is closed")
	ErrWALCorrupted = errors.New("WAL is corrupted")
	ErrWALNotFound  = errors.New("WAL file not found")
	ErrInvalidEpoch = errors.New("invalid epoch in WAL")
)

// MessageType identifies the type of WAL record
type MessageType uint8

const (
	MsgTypeUnknown MessageType = iota
	// MsgTypeEpochBegin marks the start of an epoch; the engine's BeginEpoch
	// runs at this point during replay
	MsgTypeEpochBegin
	// MsgTypeDelivery carries a batch of messages delivered to the node
	MsgTypeDelivery
	// MsgTypeEpochEnd marks the end of an epoch
	MsgTypeEpochEnd
)

func (t MessageType) String() string {
	switch t {
	case MsgTypeEpochBegin:
		return "epoch_begin"
	case MsgTypeDelivery:
		return "delivery"
	case MsgTypeEpochEnd:
		return "epoch_end"
	default:
		return "unknown"
	}
}

// Message represents a WAL record with metadata
type Message struct {
	Type  MessageType
	Epoch uint64
	Data  []byte `cbor:",omitempty"`
}

// Marshal serializes the record
func (m *Message) Marshal() ([]byte, error) {
	return types.Marshal(m)
}

// Unmarshal deserializes the record
func (m *Message) Unmarshal(data []byte) error {
	return types.Unmarshal(data, m)
}

// WAL interface for the per-node message log
type WAL interface {
	// Write writes a record to the WAL
	Write(msg *Message) error

	// WriteSync writes a record and ensures it's synced to disk
	WriteSync(msg *Message) error

	// FlushAndSync flushes and syncs all pending writes
	FlushAndSync() error

	// Start starts the WAL
	Start() error

	// Stop stops the WAL
	Stop() error
}

// Reader interface for reading from WAL
type Reader interface {
	// Read reads the next record from the WAL
	Read() (*Message, error)

	// Close closes the reader
	Close() error
}

// NewEpochBeginMessage creates a record marking the start of an epoch
func NewEpochBeginMessage(epoch uint64) *Message {
	return &Message{Type: MsgTypeEpochBegin, Epoch: epoch}
}

// NewDeliveryMessage creates a record for messages delivered in epoch
func NewDeliveryMessage(epoch uint64, msgs []*types.Message) (*Message, error) {
	data, err := types.EncodeMessages(msgs)
	if err != nil {
		return nil, fmt.Errorf("failed to encode delivery: %w", err)
	}
	return &Message{Type: MsgTypeDelivery, Epoch: epoch, Data: data}, nil
}

// NewEpochEndMessage creates a record marking the end of an epoch
func NewEpochEndMessage(epoch uint64) *Message {
	return &Message{Type: MsgTypeEpochEnd, Epoch: epoch}
}

// DecodeDelivery decodes the messages of a delivery record
func DecodeDelivery(msg *Message) ([]*types.Message, error) {
	if msg.Type != MsgTypeDelivery {
		return nil, fmt.Errorf("%w: %s record is not a delivery", ErrWALCorrupted, msg.Type)
	}
	return types.DecodeMessages(msg.Data)
}

// SliceReader reads records from memory
type SliceReader struct {
	msgs []*Message
	pos  int
}

// NewSliceReader returns a Reader over msgs
func NewSliceReader(msgs []*Message) *SliceReader {
	return &SliceReader{msgs: msgs}
}

func (r *SliceReader) Read() (*Message, error) {
	if r.pos >= len(r.msgs) {
		return nil, io.EOF
	}
	msg := r.msgs[r.pos]
	r.pos++
	return msg, nil
}

func (r *SliceReader) Close() error { return nil }

var _ Reader = (*SliceReader)(nil)
