package pacer

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnqueueRejectsWhenQueueFull(t *testing.T) {
	p := New(Config{Interval: time.Hour, TargetBitrate: 0, MaxQueueSize: 2}, nil)
	defer p.Stop()

	assert.True(t, p.Enqueue(&Packet{Priority: PriorityVideo, Payload: []byte{1}, Send: noopSend}))
	assert.True(t, p.Enqueue(&Packet{Priority: PriorityVideo, Payload: []byte{2}, Send: noopSend}))
	assert.False(t, p.Enqueue(&Packet{Priority: PriorityVideo, Payload: []byte{3}, Send: noopSend}))
	assert.Equal(t, uint64(1), p.Stats().Rejected)
}

func TestClearDropsQueuedPackets(t *testing.T) {
	p := New(Config{Interval: time.Hour, TargetBitrate: 0, MaxQueueSize: 10}, nil)
	defer p.Stop()

	p.Enqueue(&Packet{Priority: PriorityAudio, Payload: []byte{1}, Send: noopSend})
	p.Enqueue(&Packet{Priority: PriorityVideo, Payload: []byte{2}, Send: noopSend})
	assert.Equal(t, 2, p.QueueDepth())
	p.Clear()
	assert.Equal(t, 0, p.QueueDepth())
}

func TestSetTargetBitrateUpdatesConfig(t *testing.T) {
	p := New(Config{Interval: time.Hour, TargetBitrate: 1000, MaxQueueSize: 10}, nil)
	defer p.Stop()
	p.SetTargetBitrate(5000)
	assert.Equal(t, 5000, p.cfg.TargetBitrate)
}

// AudioBeforeVideoBeforeFEC verifies the priority drain order from spec
// §4.F: audio(10) > video(5) > FEC(1), at a bitrate generous enough to
// drain everything within one interval.
func TestAudioBeforeVideoBeforeFEC(t *testing.T) {
	p := New(Config{Interval: 5 * time.Millisecond, TargetBitrate: 10_000_000, MaxQueueSize: 100}, nil)
	defer p.Stop()

	var mu sync.Mutex
	var order []string
	record := func(name string) func([]byte) (int, error) {
		return func(b []byte) (int, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return len(b), nil
		}
	}

	p.Enqueue(&Packet{Priority: PriorityFEC, Payload: []byte{0}, Send: record("fec")})
	p.Enqueue(&Packet{Priority: PriorityVideo, Payload: []byte{0}, Send: record("video")})
	p.Enqueue(&Packet{Priority: PriorityAudio, Payload: []byte{0}, Send: record("audio")})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"audio", "video", "fec"}, order)
}

// TestZeroTargetBitrateNeverSends is the §8 boundary case "Pacer with
// zero target bitrate never sends" - it lets the send worker's timer
// actually fire (unlike the other zero-bitrate tests above, which use
// Interval: time.Hour and never tick during the test) and checks the
// enqueued packet is still sitting unsent.
func TestZeroTargetBitrateNeverSends(t *testing.T) {
	p := New(Config{Interval: time.Millisecond, TargetBitrate: 0, MaxQueueSize: 10}, nil)
	defer p.Stop()

	var sent int
	p.Enqueue(&Packet{Priority: PriorityVideo, Payload: []byte{1, 2, 3}, Send: func(b []byte) (int, error) {
		sent += len(b)
		return len(b), nil
	}})

	time.Sleep(30 * time.Millisecond) // many ticks at a 1ms interval
	assert.Equal(t, 0, sent)
	assert.Equal(t, uint64(0), p.Stats().Sent)
	assert.Equal(t, uint64(0), p.Stats().BytesSent)
	assert.Equal(t, 1, p.QueueDepth(), "the unsent packet must still be queued, not dropped")
}

func noopSend(b []byte) (int, error) { return len(b), nil }
