package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediaplane/sfu/pkg/bwe"
	"github.com/mediaplane/sfu/pkg/videoasm"
)

func testBitrateConfig() bwe.Config {
	return bwe.Config{
		StartBitrate:  1_000_000,
		MinBitrate:    100_000,
		MaxBitrate:    5_000_000,
		LossThreshold: 0.02,
		DecreaseRate:  0.85,
		IncreaseRate:  1.08,
		UpdateEvery:   25 * time.Millisecond,
	}
}

func TestVideoSendPipelineAdvancesTimestampBy90kHzStep(t *testing.T) {
	var gotTS []uint32

	p := NewVideoSendPipeline(
		VideoSendConfig{FPS: 30},
		testBitrateConfig(),
		func(frame []byte) ([]byte, bool, error) { return frame, false, nil },
		func(encoded []byte, ts uint32, seq uint16, isKeyframe bool) { gotTS = append(gotTS, ts) },
		nil,
	)

	require.NoError(t, p.OnCapturedFrame([]byte{0x01}))
	require.NoError(t, p.OnCapturedFrame([]byte{0x01}))

	assert.Equal(t, []uint32{0, 3000}, gotTS)
}

func TestVideoSendPipelinePropagatesKeyframeFlag(t *testing.T) {
	var gotKeyframe bool
	p := NewVideoSendPipeline(
		VideoSendConfig{FPS: 30},
		testBitrateConfig(),
		func(frame []byte) ([]byte, bool, error) { return frame, true, nil },
		func(encoded []byte, ts uint32, seq uint16, isKeyframe bool) { gotKeyframe = isKeyframe },
		nil,
	)
	require.NoError(t, p.OnCapturedFrame([]byte{0x01}))
	assert.True(t, gotKeyframe)
}

func TestVideoReceivePipelineTagsKeyframeFromNALHeader(t *testing.T) {
	p := NewVideoReceivePipeline(
		VideoReceiveConfig{Assembler: videoasm.Config{TargetDelay: 0, MaxDelay: time.Second, WaitForKeyframe: true}},
		func(payload []byte) ([]byte, error) { return payload, nil },
		func(decoded []byte) {},
		nil,
	)

	// NAL type 5 (IDR slice) at byte 0 of the payload.
	p.ReceivePacket([]byte{0x05, 0xAA}, 1, 1000, true)
	require.NoError(t, p.RunDecodeTick())

	stats := p.AssemblerStats()
	assert.Equal(t, 1, stats.FramesDecoded)
}

func TestVideoReceivePipelineRequestsKeyframeOnceUntilSatisfied(t *testing.T) {
	var requests int
	p := NewVideoReceivePipeline(
		VideoReceiveConfig{Assembler: videoasm.Config{TargetDelay: 0, MaxDelay: time.Second, WaitForKeyframe: false}},
		func(payload []byte) ([]byte, error) { return payload, nil },
		func(decoded []byte) {},
		nil,
	)
	p.SetKeyframeRequestFunc(func() { requests++ })

	// Non-keyframe packet before any keyframe has been seen triggers a
	// keyframe request.
	p.ReceivePacket([]byte{0x01, 0xBB}, 1, 1000, true)
	assert.Equal(t, 1, requests)

	// A second non-keyframe packet should not re-trigger until the
	// pending request is cleared by a successful decode tick.
	p.ReceivePacket([]byte{0x01, 0xCC}, 2, 2000, true)
	assert.Equal(t, 1, requests)
}
