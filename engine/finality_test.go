package engine

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/blockberries/streamberry/types"
)

func newTestFinalizer(f *forkFixture) *finalizer {
	return newFinalizer(f.store, f.tracker, zerolog.Nop())
}

func TestFinalityConsecutiveRun(t *testing.T) {
	f := newForkFixture(t)
	fin := newTestFinalizer(f)
	require.True(t, fin.isFinal(f.genesis.Hash))

	b1 := f.add(t, f.genesis, 1, "1")
	b2 := f.add(t, b1, 2, "2")
	b3 := f.add(t, b2, 3, "3")

	f.notarize(t, b1)
	newly, err := fin.check(b1)
	require.NoError(t, err)
	require.Empty(t, newly)

	// G, B1, B2 finalizes only genesis, which already is
	f.notarize(t, b2)
	newly, err = fin.check(b2)
	require.NoError(t, err)
	require.Empty(t, newly)
	require.False(t, fin.isFinal(b1.Hash))

	f.notarize(t, b3)
	newly, err = fin.check(b3)
	require.NoError(t, err)
	require.Equal(t, []types.Hash{b1.Hash}, blockHashes(newly))
	require.Equal(t, []types.Hash{f.genesis.Hash, b1.Hash}, blockHashes(fin.finalizedChain()))
	require.False(t, fin.isFinal(b2.Hash))
	require.Equal(t, b1.Hash, fin.lastFinal().Hash)

	// Checking again is a no-op
	newly, err = fin.check(b3)
	require.NoError(t, err)
	require.Empty(t, newly)
}

func TestFinalityGapPreventsFinalization(t *testing.T) {
	f := newForkFixture(t)
	fin := newTestFinalizer(f)

	b1 := f.add(t, f.genesis, 1, "1")
	b3 := f.add(t, b1, 3, "3")
	b4 := f.add(t, b3, 4, "4")
	for _, b := range []*types.Block{b1, b3, b4} {
		f.notarize(t, b)
		newly, err := fin.check(b)
		require.NoError(t, err)
		require.Empty(t, newly)
	}

	b5 := f.add(t, b4, 5, "5")
	f.notarize(t, b5)
	newly, err := fin.check(b5)
	require.NoError(t, err)
	// B3 and its ancestor B1 become final together
	require.Equal(t, []types.Hash{b1.Hash, b3.Hash}, blockHashes(newly))
}

func TestFinalityOutOfOrderNotarization(t *testing.T) {
	f := newForkFixture(t)
	fin := newTestFinalizer(f)

	b1 := f.add(t, f.genesis, 1, "1")
	b2 := f.add(t, b1, 2, "2")
	b3 := f.add(t, b2, 3, "3")

	// The middle block notarizes last
	f.notarize(t, b1)
	f.notarize(t, b3)
	newly, err := fin.check(b3)
	require.NoError(t, err)
	require.Empty(t, newly)

	f.notarize(t, b2)
	newly, err = fin.check(b2)
	require.NoError(t, err)
	require.Equal(t, []types.Hash{b1.Hash}, blockHashes(newly))
}

func TestFinalityRescan(t *testing.T) {
	f := newForkFixture(t)
	fin := newTestFinalizer(f)

	parent := f.genesis
	for e := uint64(1); e <= 5; e++ {
		parent = f.add(t, parent, e, string(rune('a'+e)))
		f.notarize(t, parent)
	}
	newly, err := fin.rescan()
	require.NoError(t, err)
	require.Len(t, newly, 3)
	require.Len(t, fin.finalizedChain(), 4)
}

func TestFinalityConflictIsReported(t *testing.T) {
	f := newForkFixture(t)
	fin := newTestFinalizer(f)

	b1 := f.add(t, f.genesis, 1, "1")
	b2 := f.add(t, b1, 2, "2")
	b3 := f.add(t, b2, 3, "3")
	for _, b := range []*types.Block{b1, b2, b3} {
		f.notarize(t, b)
	}
	_, err := fin.rescan()
	require.NoError(t, err)
	require.Equal(t, b1.Hash, fin.lastFinal().Hash)

	// A competing notarized run off genesis. With honest supermajorities
	// this cannot happen; the forged votes here stand in for a broken quorum.
	c4 := f.add(t, f.genesis, 4, "c4")
	c5 := f.add(t, c4, 5, "c5")
	c6 := f.add(t, c5, 6, "c6")
	for _, b := range []*types.Block{c4, c5, c6} {
		f.notarize(t, b)
	}
	newly, err := fin.check(c6)
	require.ErrorIs(t, err, ErrConflictingFinalization)
	require.Empty(t, newly)
	require.False(t, fin.isFinal(c4.Hash))
	require.Equal(t, b1.Hash, fin.lastFinal().Hash)
}
