package engine

import (
	"context"
	"time"
)

// EpochClock maps wall-clock time to epochs. Epoch 1 starts at genesis time
// and every epoch lasts 2Δ, where Δ bounds message delay after GST.
type EpochClock struct {
	genesis  time.Time
	duration time.Duration
	now      func() time.Time
}

// NewEpochClock creates a clock whose epochs last 2*delta
func NewEpochClock(genesis time.Time, delta time.Duration) *EpochClock {
	if delta <= 0 {
		delta = time.Millisecond
	}
	return &EpochClock{
		genesis:  genesis,
		duration: 2 * delta,
		now:      time.Now,
	}
}

// EpochDuration returns 2Δ
func (c *EpochClock) EpochDuration() time.Duration {
	return c.duration
}

// EpochAt returns the epoch in progress at t. Before genesis it is 0.
func (c *EpochClock) EpochAt(t time.Time) uint64 {
	if t.Before(c.genesis) {
		return 0
	}
	return uint64(t.Sub(c.genesis)/c.duration) + 1
}

// Current returns the epoch in progress now
func (c *EpochClock) Current() uint64 {
	return c.EpochAt(c.now())
}

// EpochStart returns when epoch begins
func (c *EpochClock) EpochStart(epoch uint64) time.Time {
	if epoch == 0 {
		return c.genesis
	}
	return c.genesis.Add(time.Duration(epoch-1) * c.duration)
}

// UntilEpoch returns how long until epoch begins, or zero if it has
func (c *EpochClock) UntilEpoch(epoch uint64) time.Duration {
	d := c.EpochStart(epoch).Sub(c.now())
	if d < 0 {
		return 0
	}
	return d
}

// WaitForEpoch blocks until epoch begins or ctx is done
func (c *EpochClock) WaitForEpoch(ctx context.Context, epoch uint64) error {
	d := c.UntilEpoch(epoch)
	if d == 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
