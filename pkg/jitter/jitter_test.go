package jitter

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		MaxPackets:     50,
		MinDelay:       20 * time.Millisecond,
		MaxDelay:       200 * time.Millisecond,
		EnableAdaptive: false,
		InitialDelay:   20 * time.Millisecond,
	}
}

// Scenario 2 from spec §8: jitter reorder.
func TestJitterReorderScenario(t *testing.T) {
	base := time.Now()
	clock := base
	b := New(testConfig(), nil)
	b.SetClock(func() time.Time { return clock })

	push := func(seq uint16, at time.Time) {
		clock = at
		ok := b.Push(Frame{Sequence: seq, ArrivalInstant: at})
		require.True(t, ok)
	}

	push(5, base)
	push(4, base.Add(1*time.Millisecond))
	push(7, base.Add(2*time.Millisecond))
	push(6, base.Add(3*time.Millisecond))

	clock = base.Add(20*time.Millisecond + 4*time.Millisecond)

	var got []uint16
	for i := 0; i < 4; i++ {
		f, ok := b.Pop()
		require.True(t, ok)
		got = append(got, f.Sequence)
	}
	assert.Equal(t, []uint16{4, 5, 6, 7}, got)

	st := b.Stats()
	assert.Equal(t, uint64(0), st.PacketsLost)
	assert.Equal(t, uint64(0), st.PacketsDuplicated)
}

func TestJitterDuplicateRejected(t *testing.T) {
	b := New(testConfig(), nil)
	now := time.Now()
	b.SetClock(func() time.Time { return now })

	assert.True(t, b.Push(Frame{Sequence: 1, ArrivalInstant: now}))
	assert.False(t, b.Push(Frame{Sequence: 1, ArrivalInstant: now}))
	assert.Equal(t, uint64(1), b.Stats().PacketsDuplicated)
}

func TestJitterNotStartedUntilFirstPush(t *testing.T) {
	b := New(testConfig(), nil)
	assert.False(t, b.IsReady())
	_, ok := b.Pop()
	assert.False(t, ok)
}

func TestJitterResetReturnsToNotStarted(t *testing.T) {
	now := time.Now()
	b := New(testConfig(), nil)
	b.SetClock(func() time.Time { return now })
	b.Push(Frame{Sequence: 1, ArrivalInstant: now})
	b.Reset()
	assert.False(t, b.IsReady())
	assert.Equal(t, 0, b.Size())
	assert.Equal(t, uint64(0), b.Stats().PacketsReceived)
}

func TestJitterOverflowDropsOldest(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPackets = 2
	now := time.Now()
	b := New(cfg, nil)
	b.SetClock(func() time.Time { return now })

	b.Push(Frame{Sequence: 1, ArrivalInstant: now})
	b.Push(Frame{Sequence: 2, ArrivalInstant: now})
	b.Push(Frame{Sequence: 3, ArrivalInstant: now})

	assert.Equal(t, uint64(1), b.Stats().PacketsLate)
	assert.Equal(t, 2, b.Size())
}

// A duplicate arriving while the buffer is full must be rejected outright
// rather than evicting the oldest legitimate frame to make room for a
// packet that is never actually inserted (spec §4.D orders the duplicate
// check before the full-buffer eviction).
func TestJitterDuplicateWhileFullDoesNotEvict(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPackets = 2
	now := time.Now()
	b := New(cfg, nil)
	b.SetClock(func() time.Time { return now })

	b.Push(Frame{Sequence: 1, ArrivalInstant: now})
	b.Push(Frame{Sequence: 2, ArrivalInstant: now})
	assert.Equal(t, uint64(0), b.Stats().PacketsLate)

	ok := b.Push(Frame{Sequence: 2, ArrivalInstant: now})
	assert.False(t, ok)
	assert.Equal(t, uint64(1), b.Stats().PacketsDuplicated)
	assert.Equal(t, uint64(0), b.Stats().PacketsLate, "a rejected duplicate must not evict the oldest frame")
	assert.Equal(t, 2, b.Size())
}

// Boundary case from spec §8: sequence wrap at 2^16.
func TestJitterSequenceWrapIsNotDuplicate(t *testing.T) {
	now := time.Now()
	b := New(testConfig(), nil)
	b.SetClock(func() time.Time { return now })

	b.Push(Frame{Sequence: 65535, ArrivalInstant: now})
	ok := b.Push(Frame{Sequence: 0, ArrivalInstant: now.Add(time.Millisecond)})
	assert.True(t, ok, "seq 0 after seq 65535 must be treated as the next packet, not a duplicate")
	assert.Equal(t, 2, b.Size())
}

// Invariant from spec §8: after N packets with distinct sequences pushed
// in arrival order into a buffer sized to never evict, pop order is
// sorted by sequence (mod 2^16).
func TestJitterPopOrderSortedProperty(t *testing.T) {
	rnd := rand.New(rand.NewSource(7))
	now := time.Now()
	clock := now
	cfg := testConfig()
	cfg.MaxPackets = 10000
	b := New(cfg, nil)
	b.SetClock(func() time.Time { return clock })

	const n = 500
	seqs := rnd.Perm(n)
	for _, s := range seqs {
		clock = clock.Add(time.Microsecond)
		require.True(t, b.Push(Frame{Sequence: uint16(s), ArrivalInstant: clock}))
	}

	clock = clock.Add(time.Second)
	var got []uint16
	for {
		f, ok := b.Pop()
		if !ok {
			break
		}
		got = append(got, f.Sequence)
	}
	require.Len(t, got, n)
	for i := 1; i < len(got); i++ {
		assert.Less(t, got[i-1], got[i])
	}
}

func TestAdaptiveDelayClampsToRange(t *testing.T) {
	cfg := testConfig()
	cfg.EnableAdaptive = true
	cfg.MinDelay = 10 * time.Millisecond
	cfg.MaxDelay = 50 * time.Millisecond
	now := time.Now()
	b := New(cfg, nil)
	b.SetClock(func() time.Time { return now })

	for i := 0; i < 20; i++ {
		now = now.Add(time.Duration(i*7) * time.Millisecond)
		b.Push(Frame{Sequence: uint16(i), ArrivalInstant: now})
	}
	st := b.Stats()
	assert.GreaterOrEqual(t, st.TargetDelay, cfg.MinDelay)
	assert.LessOrEqual(t, st.TargetDelay, cfg.MaxDelay)
}
