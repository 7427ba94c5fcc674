package engine

import (
	"math"
	"sort"

	"github.com/blockberries/streamberry/blockstore"
	"github.com/blockberries/streamberry/types"
)

// LongestNotarizedChain returns the tip of the longest chain whose blocks are
// all notarized. Genesis is the tip when nothing else is notarized.
// Equal-length chains are ordered by tip hash; the smallest wins, so the
// result does not depend on the order blocks or votes arrived in.
func LongestNotarizedChain(store *blockstore.Store, tracker *VoteTracker) *types.Block {
	return longestNotarizedBefore(store, tracker, math.MaxUint64)
}

// longestNotarizedBefore applies the fork-choice rule to notarized blocks of
// epochs before epoch only
func longestNotarizedBefore(store *blockstore.Store, tracker *VoteTracker, epoch uint64) *types.Block {
	genesis := store.Genesis()

	type candidate struct {
		block  *types.Block
		height int
	}
	var candidates []candidate
	for _, h := range tracker.NotarizedHashes() {
		b := store.Get(h)
		if b == nil || b.Epoch >= epoch {
			continue
		}
		candidates = append(candidates, candidate{block: b, height: store.Height(h)})
	}
	// A parent always sits one height below its child, so processing by
	// height settles every parent before its children.
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].height != candidates[j].height {
			return candidates[i].height < candidates[j].height
		}
		return candidates[i].block.Hash.Compare(candidates[j].block.Hash) < 0
	})

	onChain := map[types.Hash]bool{genesis.Hash: true}
	best, bestHeight := genesis, 1
	for _, c := range candidates {
		if !onChain[c.block.Parent] {
			continue
		}
		onChain[c.block.Hash] = true
		if c.height > bestHeight || (c.height == bestHeight && c.block.Hash.Compare(best.Hash) < 0) {
			best, bestHeight = c.block, c.height
		}
	}
	return best
}
