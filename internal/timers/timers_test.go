package timers

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = time.Second
	tick    = 5 * time.Millisecond
	quiet   = 50 * time.Millisecond
)

func TestSingletonFiresOnce(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := NewSingleton(clock)

	var fired atomic.Int32
	s.Start(func() { fired.Add(1) }, 10*time.Second)
	assert.True(t, s.Pending())

	clock.Advance(9 * time.Second)
	assert.Never(t, func() bool { return fired.Load() > 0 }, quiet, tick)

	clock.Advance(time.Second)
	require.Eventually(t, func() bool { return fired.Load() == 1 }, waitFor, tick)
	assert.False(t, s.Pending())

	clock.Advance(time.Minute)
	assert.Never(t, func() bool { return fired.Load() > 1 }, quiet, tick)
}

func TestSingletonRestartCancelsEarlierTimer(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := NewSingleton(clock)

	var first, second atomic.Int32
	s.Start(func() { first.Add(1) }, 10*time.Second)
	clock.Advance(6 * time.Second)
	s.Start(func() { second.Add(1) }, 10*time.Second)

	// The first deadline passes without firing.
	clock.Advance(6 * time.Second)
	assert.Never(t, func() bool { return first.Load() > 0 || second.Load() > 0 }, quiet, tick)

	clock.Advance(4 * time.Second)
	require.Eventually(t, func() bool { return second.Load() == 1 }, waitFor, tick)
	assert.Zero(t, first.Load())
}

func TestSingletonCancel(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := NewSingleton(clock)

	// Cancel on an empty slot is a no-op.
	s.Cancel()

	var fired atomic.Int32
	s.Start(func() { fired.Add(1) }, time.Second)
	s.Cancel()
	assert.False(t, s.Pending())

	clock.Advance(time.Minute)
	assert.Never(t, func() bool { return fired.Load() > 0 }, quiet, tick)

	// Cancelling after a fire is also a no-op.
	s.Start(func() { fired.Add(1) }, time.Second)
	clock.Advance(time.Second)
	require.Eventually(t, func() bool { return fired.Load() == 1 }, waitFor, tick)
	s.Cancel()
	assert.Equal(t, int32(1), fired.Load())
}

func TestBagTimersAreIndependent(t *testing.T) {
	clock := clockwork.NewFakeClock()
	b := NewBag(clock)

	var a, c atomic.Int32
	ha := b.StartIndependent(func() { a.Add(1) }, 5*time.Second)
	b.StartIndependent(func() { c.Add(1) }, 10*time.Second)
	assert.Equal(t, 2, b.Len())

	clock.Advance(5 * time.Second)
	require.Eventually(t, func() bool { return a.Load() == 1 }, waitFor, tick)
	assert.Zero(t, c.Load())
	require.Eventually(t, func() bool { return b.Len() == 1 }, waitFor, tick)

	// Cancelling a fired handle reports false.
	assert.False(t, b.CancelOne(ha))

	clock.Advance(5 * time.Second)
	require.Eventually(t, func() bool { return c.Load() == 1 }, waitFor, tick)
	require.Eventually(t, func() bool { return b.Len() == 0 }, waitFor, tick)
}

func TestBagCancelOne(t *testing.T) {
	clock := clockwork.NewFakeClock()
	b := NewBag(clock)

	var kept, cancelled atomic.Int32
	h := b.StartIndependent(func() { cancelled.Add(1) }, time.Second)
	b.StartIndependent(func() { kept.Add(1) }, time.Second)

	assert.True(t, b.CancelOne(h))
	assert.False(t, b.CancelOne(h))

	clock.Advance(time.Second)
	require.Eventually(t, func() bool { return kept.Load() == 1 }, waitFor, tick)
	assert.Zero(t, cancelled.Load())
}

func TestBagCancelAllLeavesNothingToFire(t *testing.T) {
	clock := clockwork.NewFakeClock()
	b := NewBag(clock)

	var fired atomic.Int32
	for i := 0; i < 10; i++ {
		b.StartIndependent(func() { fired.Add(1) }, time.Duration(i+1)*time.Second)
	}

	assert.Equal(t, 10, b.CancelAll())
	assert.Zero(t, b.Len())

	clock.Advance(time.Hour)
	assert.Never(t, func() bool { return fired.Load() > 0 }, quiet, tick)

	// The bag stays usable after a bulk cancel.
	b.StartIndependent(func() { fired.Add(1) }, time.Second)
	clock.Advance(time.Second)
	require.Eventually(t, func() bool { return fired.Load() == 1 }, waitFor, tick)
}
