package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEpochClockMapping(t *testing.T) {
	genesis := time.Unix(1_700_000_000, 0)
	c := NewEpochClock(genesis, 500*time.Millisecond)
	require.Equal(t, time.Second, c.EpochDuration())

	require.Zero(t, c.EpochAt(genesis.Add(-time.Nanosecond)))
	require.Equal(t, uint64(1), c.EpochAt(genesis))
	require.Equal(t, uint64(1), c.EpochAt(genesis.Add(999*time.Millisecond)))
	require.Equal(t, uint64(2), c.EpochAt(genesis.Add(time.Second)))
	require.Equal(t, uint64(11), c.EpochAt(genesis.Add(10*time.Second+time.Millisecond)))

	require.Equal(t, genesis, c.EpochStart(1))
	require.Equal(t, genesis.Add(4*time.Second), c.EpochStart(5))

	c.now = func() time.Time { return genesis.Add(2500 * time.Millisecond) }
	require.Equal(t, uint64(3), c.Current())
	require.Equal(t, 500*time.Millisecond, c.UntilEpoch(4))
	require.Zero(t, c.UntilEpoch(2))
}

func TestEpochClockWait(t *testing.T) {
	c := NewEpochClock(time.Now(), 5*time.Millisecond)
	require.NoError(t, c.WaitForEpoch(context.Background(), 2))
	require.GreaterOrEqual(t, c.Current(), uint64(2))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, c.WaitForEpoch(ctx, 1000), context.Canceled)
}
