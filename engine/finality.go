package engine

import (
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/blockberries/streamberry/blockstore"
	"github.com/blockberries/streamberry/types"
)

// finalizer applies the finalization rule: when three notarized blocks at
// consecutive epochs each directly extend the previous, the first of them and
// all its ancestors become final. Genesis is final from the start.
//
// The finalized set is kept as a single chain. A block that would finalize
// off that chain is a safety violation; it is reported and not applied.
type finalizer struct {
	store   *blockstore.Store
	tracker *VoteTracker
	logger  zerolog.Logger

	final map[types.Hash]struct{}
	chain []*types.Block // genesis first
}

func newFinalizer(store *blockstore.Store, tracker *VoteTracker, logger zerolog.Logger) *finalizer {
	genesis := store.Genesis()
	return &finalizer{
		store:   store,
		tracker: tracker,
		logger:  logger,
		final:   map[types.Hash]struct{}{genesis.Hash: {}},
		chain:   []*types.Block{genesis},
	}
}

// check looks for finalizing runs that include the notarized block x in any
// position and applies them. It returns the newly finalized blocks in chain
// order.
func (f *finalizer) check(x *types.Block) ([]*types.Block, error) {
	var (
		newly []*types.Block
		errs  error
	)
	apply := func(first *types.Block) {
		blocks, err := f.finalize(first)
		if err != nil {
			errs = err
			return
		}
		newly = append(newly, blocks...)
	}

	// x is the last block of the run
	if mid := f.notarizedParent(x); mid != nil {
		if first := f.notarizedParent(mid); first != nil {
			apply(first)
		}
	}
	// x is the middle block
	if first := f.notarizedParent(x); first != nil && len(f.notarizedChildren(x)) > 0 {
		apply(first)
	}
	// x is the first block
	for _, mid := range f.notarizedChildren(x) {
		if len(f.notarizedChildren(mid)) > 0 {
			apply(x)
			break
		}
	}
	return newly, errs
}

// notarizedParent returns b's parent if it is notarized and sits at the epoch
// immediately before b
func (f *finalizer) notarizedParent(b *types.Block) *types.Block {
	if b.IsGenesis() {
		return nil
	}
	parent := f.store.Get(b.Parent)
	if parent == nil || parent.Epoch+1 != b.Epoch || !f.tracker.IsNotarized(parent.Hash) {
		return nil
	}
	return parent
}

// notarizedChildren returns b's notarized children at the epoch immediately after b
func (f *finalizer) notarizedChildren(b *types.Block) []*types.Block {
	var out []*types.Block
	for _, c := range f.store.Children(b.Hash) {
		if c.Epoch == b.Epoch+1 && f.tracker.IsNotarized(c.Hash) {
			out = append(out, c)
		}
	}
	return out
}

// finalize marks b and its non-final ancestors as final
func (f *finalizer) finalize(b *types.Block) ([]*types.Block, error) {
	if _, ok := f.final[b.Hash]; ok {
		return nil, nil
	}
	ancestors, err := f.store.AncestorsOf(b)
	if err != nil {
		return nil, err
	}

	var fresh []*types.Block
	var anchor *types.Block
	for _, a := range ancestors {
		if _, ok := f.final[a.Hash]; ok {
			anchor = a
			break
		}
		fresh = append(fresh, a)
	}
	last := f.chain[len(f.chain)-1]
	if anchor == nil || anchor.Hash != last.Hash {
		f.logger.Error().
			Str("block", b.Hash.Short()).
			Uint64("epoch", b.Epoch).
			Str("last_final", last.Hash.Short()).
			Msg("SAFETY VIOLATION: finalization conflicts with the finalized chain")
		return nil, fmt.Errorf("%w: block %s does not extend final block %s",
			ErrConflictingFinalization, b.Hash.Short(), last.Hash.Short())
	}

	// ancestors are tip first
	out := make([]*types.Block, 0, len(fresh))
	for i := len(fresh) - 1; i >= 0; i-- {
		blk := fresh[i]
		f.final[blk.Hash] = struct{}{}
		f.chain = append(f.chain, blk)
		out = append(out, blk)
	}
	return out, nil
}

// rescan rechecks every notarized block, in epoch order
func (f *finalizer) rescan() ([]*types.Block, error) {
	var blocks []*types.Block
	for _, h := range f.tracker.NotarizedHashes() {
		if b := f.store.Get(h); b != nil {
			blocks = append(blocks, b)
		}
	}
	sortByEpoch(blocks)

	var (
		out  []*types.Block
		errs error
	)
	for _, b := range blocks {
		newly, err := f.check(b)
		if err != nil {
			errs = err
		}
		out = append(out, newly...)
	}
	return out, errs
}

func (f *finalizer) isFinal(hash types.Hash) bool {
	_, ok := f.final[hash]
	return ok
}

func (f *finalizer) lastFinal() *types.Block {
	return f.chain[len(f.chain)-1]
}

// finalizedChain returns a copy of the finalized chain, genesis first
func (f *finalizer) finalizedChain() []*types.Block {
	out := make([]*types.Block, len(f.chain))
	copy(out, f.chain)
	return out
}

func sortByEpoch(blocks []*types.Block) {
	sort.Slice(blocks, func(i, j int) bool {
		if blocks[i].Epoch != blocks[j].Epoch {
			return blocks[i].Epoch < blocks[j].Epoch
		}
		return blocks[i].Hash.Compare(blocks[j].Hash) < 0
	})
}
