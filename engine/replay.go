package engine

import (
	"errors"
	"fmt"
	"io"

	"github.com/blockberries/streamberry/wal"
)

// ReplayResult summarizes a message log replay
type ReplayResult struct {
	// Last epoch begun during replay
	Epoch uint64
	// Number of epochs begun
	Epochs int
	// Number of delivered messages fed back into the engine
	MessagesReplayed int
	// Whether the log ended on an epoch boundary
	FoundEndEpoch bool
	// Whether the log ended with a partially written record
	Truncated bool
}

// Replay rebuilds an engine's view by feeding it the epoch boundaries and
// deliveries recorded in a message log. The engine should be freshly created
// with the same signer, validator set and genesis as the node that wrote the
// log; it then reaches the same finalized chain. Nothing is recorded while
// replaying. A torn final record ends the replay without an error.
func Replay(e *Engine, r wal.Reader) (*ReplayResult, error) {
	if r == nil {
		return nil, fmt.Errorf("%w: no reader", ErrReplayFailed)
	}

	e.mu.Lock()
	saved := e.wal
	e.wal = nil
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.wal = saved
		e.mu.Unlock()
	}()

	result := &ReplayResult{}
	for {
		msg, err := r.Read()
		if err == io.EOF {
			break
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			result.Truncated = true
			break
		}
		if err != nil {
			return result, fmt.Errorf("%w: %v", ErrReplayFailed, err)
		}
		if err := replayMessage(e, msg, result); err != nil {
			return result, err
		}
	}
	return result, nil
}

func replayMessage(e *Engine, msg *wal.Message, result *ReplayResult) error {
	switch msg.Type {
	case wal.MsgTypeEpochBegin:
		e.BeginEpoch(msg.Epoch)
		result.Epoch = msg.Epoch
		result.Epochs++
		result.FoundEndEpoch = false

	case wal.MsgTypeDelivery:
		msgs, err := wal.DecodeDelivery(msg)
		if err != nil {
			return fmt.Errorf("%w: epoch %d: %v", ErrReplayFailed, msg.Epoch, err)
		}
		e.Receive(msgs)
		result.MessagesReplayed += len(msgs)
		result.FoundEndEpoch = false

	case wal.MsgTypeEpochEnd:
		e.EndEpoch(msg.Epoch)
		result.FoundEndEpoch = true

	default:
		// Unknown record types are skipped for forward compatibility
	}
	return nil
}

// ReplayFromDir replays the message log stored in dir
func ReplayFromDir(e *Engine, dir string) (*ReplayResult, error) {
	r, err := wal.OpenWALForReading(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrReplayFailed, err)
	}
	defer r.Close()
	return Replay(e, r)
}
