// Package pipeline implements the stream pipelines of spec §4.L: the
// audio send/receive and video send/receive paths that wire capture,
// codec, jitter buffer / frame assembler, and bitrate controller
// callbacks together.
// Grounded on spec §4.L's path description and the capture/callback
// shape of original_source/audio/src/audio_capture.cpp and
// video/src/video_capture.cpp (both hardware stubs; the pipeline itself
// owns the orchestration those files leave as TODO), in the teacher's
// Impl+mutex+callback idiom.
package pipeline

import (
	"sync"
	"time"

	"github.com/mediaplane/sfu/pkg/jitter"
	"github.com/mediaplane/sfu/pkg/logger"
)

// AudioProcessFunc runs in-place processing (AEC/NS/AGC) on a capture
// buffer before encoding.
type AudioProcessFunc func(samples []int16)

// AudioEncodeFunc encodes samples and returns the encoded payload.
type AudioEncodeFunc func(samples []int16) ([]byte, error)

// AudioDecodeFunc decodes one payload into PCM samples.
type AudioDecodeFunc func(payload []byte) ([]int16, error)

// AudioSendFunc delivers one encoded audio packet downstream.
type AudioSendFunc func(encoded []byte, timestamp uint32, sequence uint16)

// AudioPlaybackFunc delivers one decoded frame to the playback device.
type AudioPlaybackFunc func(samples []int16)

// AudioSendConfig configures the audio send path.
type AudioSendConfig struct {
	SamplesPerFrame uint32
}

// AudioSendPipeline is the capture → process → encode → send path.
type AudioSendPipeline struct {
	logger logger.Logger
	cfg    AudioSendConfig

	mu       sync.Mutex
	process  AudioProcessFunc
	encode   AudioEncodeFunc
	send     AudioSendFunc
	timestamp uint32
	sequence  uint16
}

// NewAudioSendPipeline constructs an audio send path.
func NewAudioSendPipeline(cfg AudioSendConfig, encode AudioEncodeFunc, send AudioSendFunc, log logger.Logger) *AudioSendPipeline {
	if log == nil {
		log = logger.GetLogger()
	}
	return &AudioSendPipeline{logger: log, cfg: cfg, encode: encode, send: send}
}

// SetProcessFunc installs the optional in-place AEC/NS/AGC stage.
func (p *AudioSendPipeline) SetProcessFunc(fn AudioProcessFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.process = fn
}

// OnCapturedFrame runs one capture callback invocation through the send
// path: optional in-place processing, encode, send_callback, then
// advances ts/seq (spec §4.L audio send path).
func (p *AudioSendPipeline) OnCapturedFrame(samples []int16) error {
	p.mu.Lock()
	process := p.process
	encode := p.encode
	send := p.send
	ts := p.timestamp
	seq := p.sequence
	p.mu.Unlock()

	if process != nil {
		process(samples)
	}

	encoded, err := encode(samples)
	if err != nil {
		return err
	}

	if send != nil {
		send(encoded, ts, seq)
	}

	p.mu.Lock()
	p.timestamp += p.cfg.SamplesPerFrame
	p.sequence++
	p.mu.Unlock()
	return nil
}

// AudioReceiveConfig configures the audio receive path.
type AudioReceiveConfig struct {
	Jitter jitter.Config
}

// AudioReceivePipeline is the receive_packet → jitter buffer → playout
// decode path.
type AudioReceivePipeline struct {
	logger logger.Logger

	buffer *jitter.Buffer

	mu       sync.Mutex
	decode   AudioDecodeFunc
	playback AudioPlaybackFunc
	aecRender func(samples []int16)
	canPLC    bool
	plcDecode func() []int16
}

// NewAudioReceivePipeline constructs an audio receive path backed by a
// fresh jitter buffer.
func NewAudioReceivePipeline(cfg AudioReceiveConfig, decode AudioDecodeFunc, playback AudioPlaybackFunc, log logger.Logger) *AudioReceivePipeline {
	if log == nil {
		log = logger.GetLogger()
	}
	return &AudioReceivePipeline{
		logger:   log,
		buffer:   jitter.New(cfg.Jitter, log),
		decode:   decode,
		playback: playback,
	}
}

// SetAECRenderFunc installs the AEC render-side sink fed with decoded
// playout audio.
func (p *AudioReceivePipeline) SetAECRenderFunc(fn func(samples []int16)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.aecRender = fn
}

// SetPLC enables packet-loss concealment: when the playout loop finds no
// frame ready, decode is invoked instead.
func (p *AudioReceivePipeline) SetPLC(decode func() []int16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.canPLC = decode != nil
	p.plcDecode = decode
}

// ReceivePacket pushes an inbound RTP payload into the jitter buffer.
func (p *AudioReceivePipeline) ReceivePacket(payload []byte, sequence uint16, timestamp uint32) {
	p.buffer.Push(jitter.Frame{
		EncodedBytes:   payload,
		Sequence:       sequence,
		RTPTimestamp:   timestamp,
		ArrivalInstant: time.Now(),
	})
}

// RunPlayoutTick pops one frame (or emits PLC) and delivers decoded
// audio to the AEC render sink and the playback callback (spec §4.L
// audio receive path, one playout-loop tick).
func (p *AudioReceivePipeline) RunPlayoutTick() error {
	frame, ok := p.buffer.Pop()

	p.mu.Lock()
	decode := p.decode
	playback := p.playback
	aecRender := p.aecRender
	canPLC := p.canPLC
	plcDecode := p.plcDecode
	p.mu.Unlock()

	var samples []int16
	if ok {
		decoded, err := decode(frame.EncodedBytes)
		if err != nil {
			return err
		}
		samples = decoded
	} else if canPLC {
		samples = plcDecode()
	} else {
		return nil
	}

	if aecRender != nil {
		aecRender(samples)
	}
	if playback != nil {
		playback(samples)
	}
	return nil
}

// JitterStats exposes the underlying jitter buffer's counters.
func (p *AudioReceivePipeline) JitterStats() jitter.Stats {
	return p.buffer.Stats()
}
