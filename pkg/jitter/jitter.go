// Package jitter implements the adaptive audio jitter buffer of spec
// §4.D: reorder by sequence, adaptive target delay, loss/jitter stats.
// Grounded on original_source/audio/src/jitter_buffer.cpp, restructured
// in the teacher's single-owning-handle-plus-mutex style
// (pkg/sfu/nacklist.go, pkg/sfu/buffer/buffer_base.go).
package jitter

import (
	"sync"
	"time"

	"github.com/mediaplane/sfu/pkg/logger"
)

// Frame is the stored unit, the "Jitter Frame" data model in spec §3.
type Frame struct {
	EncodedBytes   []byte
	RTPTimestamp   uint32
	Sequence       uint16
	ArrivalInstant time.Time
}

// Config are the tunables named in spec §4.D.
type Config struct {
	MaxPackets      int
	MinDelay        time.Duration
	MaxDelay        time.Duration
	EnableAdaptive  bool
	InitialDelay    time.Duration
}

// Stats mirrors the observable counters of spec §7.
type Stats struct {
	PacketsReceived   uint64
	PacketsLost       uint64
	PacketsLate       uint64
	PacketsDuplicated uint64
	CurrentSize       int
	JitterMs          float64
	TargetDelay       time.Duration
	LossRate          float64
}

// Buffer is the audio jitter buffer. now is injectable for deterministic
// tests; production callers pass time.Now.
type Buffer struct {
	logger logger.Logger
	cfg    Config
	now    func() time.Time

	mu sync.Mutex

	frames []Frame // kept sorted by signed sequence delta

	sequenceInitialized bool
	expectedSequence    uint16

	playoutStarted bool
	playoutStart   time.Time
	lastArrivalMs  int64
	jitterEstimate float64

	stats Stats
}

// New constructs a Buffer with now defaulting to time.Now.
func New(cfg Config, log logger.Logger) *Buffer {
	if log == nil {
		log = logger.GetLogger()
	}
	b := &Buffer{
		logger: log,
		cfg:    cfg,
		now:    time.Now,
	}
	b.stats.TargetDelay = cfg.InitialDelay
	if b.stats.TargetDelay == 0 {
		b.stats.TargetDelay = cfg.MinDelay
	}
	return b
}

// SetClock overrides the time source; used only in tests.
func (b *Buffer) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

// Push inserts frame in sequence order. Returns false if it was a
// duplicate sequence (rejected, counted) per spec §4.D.
func (b *Buffer) Push(frame Frame) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.sequenceInitialized {
		b.expectedSequence = frame.Sequence
		b.sequenceInitialized = true
	}

	for _, f := range b.frames {
		if f.Sequence == frame.Sequence {
			b.stats.PacketsDuplicated++
			return false
		}
	}

	// Only evict the oldest frame to make room once we know frame is not
	// itself a duplicate that would be rejected without being inserted.
	if len(b.frames) >= b.cfg.MaxPackets {
		b.frames = b.frames[1:]
		b.stats.PacketsLate++
	}

	b.updateJitter(frame.ArrivalInstant)
	b.adaptDelay()

	insertAt := len(b.frames)
	for i, f := range b.frames {
		if signedSeqDelta(frame.Sequence, f.Sequence) < 0 {
			insertAt = i
			break
		}
	}
	b.frames = append(b.frames, Frame{})
	copy(b.frames[insertAt+1:], b.frames[insertAt:])
	b.frames[insertAt] = frame

	b.stats.PacketsReceived++
	b.stats.CurrentSize = len(b.frames)
	return true
}

func (b *Buffer) updateJitter(arrival time.Time) {
	if !b.playoutStarted {
		b.playoutStart = arrival
		b.playoutStarted = true
		return
	}
	deltaMs := arrival.Sub(b.playoutStart).Milliseconds()
	diff := deltaMs - b.lastArrivalMs
	if diff < 0 {
		diff = -diff
	}
	// IETF RFC 3550 §6.4.1 jitter estimator variant: J += (|D| - J) / 16.
	b.jitterEstimate += (float64(diff) - b.jitterEstimate) / 16.0
	b.lastArrivalMs = deltaMs
	b.stats.JitterMs = b.jitterEstimate
}

func (b *Buffer) adaptDelay() {
	if !b.cfg.EnableAdaptive {
		return
	}
	newDelay := time.Duration(b.jitterEstimate*2+10) * time.Millisecond
	b.stats.TargetDelay = clampDuration(newDelay, b.cfg.MinDelay, b.cfg.MaxDelay)
}

// Pop returns the oldest frame if the playout delay has elapsed and
// playout has started; otherwise ok is false. Detects loss by comparing
// the popped sequence to the expected one.
func (b *Buffer) Pop() (frame Frame, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.frames) == 0 || !b.playoutStarted {
		return Frame{}, false
	}

	front := b.frames[0]
	if b.now().Sub(front.ArrivalInstant) < b.stats.TargetDelay {
		return Frame{}, false
	}

	b.frames = b.frames[1:]

	if front.Sequence != b.expectedSequence {
		diff := signedSeqDelta(front.Sequence, b.expectedSequence)
		if diff > 0 {
			b.stats.PacketsLost += uint64(diff)
		}
	}
	b.expectedSequence = front.Sequence + 1
	b.stats.CurrentSize = len(b.frames)

	if b.stats.PacketsReceived > 0 {
		b.stats.LossRate = float64(b.stats.PacketsLost) / float64(b.stats.PacketsLost+b.stats.PacketsReceived)
	}

	return front, true
}

// Peek returns the oldest frame without consuming it.
func (b *Buffer) Peek() (Frame, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.frames) == 0 {
		return Frame{}, false
	}
	return b.frames[0], true
}

// IsReady reports whether Pop would currently succeed.
func (b *Buffer) IsReady() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.frames) == 0 || !b.playoutStarted {
		return false
	}
	return b.now().Sub(b.frames[0].ArrivalInstant) >= b.stats.TargetDelay
}

// Size returns the current frame count.
func (b *Buffer) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.frames)
}

// Stats returns a snapshot of the counters.
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// Reset returns the buffer to the not-started state (spec §4.D states).
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.frames = nil
	b.sequenceInitialized = false
	b.playoutStarted = false
	b.jitterEstimate = 0
	b.lastArrivalMs = 0
	targetDelay := b.cfg.InitialDelay
	if targetDelay == 0 {
		targetDelay = b.cfg.MinDelay
	}
	b.stats = Stats{TargetDelay: targetDelay}
}

// SetTargetDelay overrides the adaptive delay, clamped to [min,max].
func (b *Buffer) SetTargetDelay(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stats.TargetDelay = clampDuration(d, b.cfg.MinDelay, b.cfg.MaxDelay)
}

// signedSeqDelta computes a-b using 16-bit wraparound arithmetic,
// matching spec §3/§8's "signed sequence delta" wrap handling.
func signedSeqDelta(a, b uint16) int32 {
	return int32(int16(a - b))
}

func clampDuration(v, lo, hi time.Duration) time.Duration {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
