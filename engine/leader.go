package engine

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/blockberries/streamberry/types"
)

// LeaderIndex returns the index of the leader of epoch within a set of n
// validators: the first eight bytes of SHA-256(epoch as big-endian uint64),
// read big-endian, modulo n.
func LeaderIndex(epoch uint64, n int) int {
	if n <= 0 {
		return 0
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], epoch)
	sum := sha256.Sum256(buf[:])
	return int(binary.BigEndian.Uint64(sum[:8]) % uint64(n))
}

// LeaderForEpoch returns the designated proposer of epoch
func LeaderForEpoch(valSet *types.ValidatorSet, epoch uint64) types.NodeID {
	if valSet == nil || valSet.Size() == 0 {
		return ""
	}
	return valSet.Validators[LeaderIndex(epoch, valSet.Size())].ID
}

// LeaderSchedule returns the leaders of epochs from..to inclusive
func LeaderSchedule(valSet *types.ValidatorSet, from, to uint64) []types.NodeID {
	if to < from {
		return nil
	}
	out := make([]types.NodeID, 0, to-from+1)
	for e := from; ; e++ {
		out = append(out, LeaderForEpoch(valSet, e))
		if e == to {
			break
		}
	}
	return out
}
