package pipeline

import (
	"sync"

	"github.com/mediaplane/sfu/pkg/bwe"
	"github.com/mediaplane/sfu/pkg/logger"
	"github.com/mediaplane/sfu/pkg/videoasm"
)

// VideoEncodeFunc encodes one captured frame and reports whether it is
// a keyframe.
type VideoEncodeFunc func(frame []byte) (encoded []byte, isKeyframe bool, err error)

// VideoDecodeFunc decodes one assembled frame's payload.
type VideoDecodeFunc func(payload []byte) (decoded []byte, err error)

// VideoSendFunc delivers one encoded video packet downstream.
type VideoSendFunc func(encoded []byte, timestamp uint32, sequence uint16, isKeyframe bool)

// VideoRenderFunc delivers one decoded frame for rendering.
type VideoRenderFunc func(decoded []byte)

// KeyframeRequestFunc signals the remote publisher to send a keyframe.
type KeyframeRequestFunc func()

// VideoSendConfig configures the video send path's 90kHz clock.
type VideoSendConfig struct {
	FPS int
}

// VideoSendPipeline is the capture → encode → send path, with an
// embedded bitrate controller driving the encoder's target bitrate.
type VideoSendPipeline struct {
	logger logger.Logger
	cfg    VideoSendConfig

	bitrate *bwe.Controller

	mu              sync.Mutex
	encode          VideoEncodeFunc
	send            VideoSendFunc
	onBitrateChange func(bitrateBps uint64)
	timestamp       uint32
	sequence        uint16
}

// NewVideoSendPipeline constructs a video send path with its own
// bitrate controller.
func NewVideoSendPipeline(cfg VideoSendConfig, bitrateCfg bwe.Config, encode VideoEncodeFunc, send VideoSendFunc, log logger.Logger) *VideoSendPipeline {
	if log == nil {
		log = logger.GetLogger()
	}
	p := &VideoSendPipeline{
		logger:  log,
		cfg:     cfg,
		bitrate: bwe.New(bitrateCfg, log),
		encode:  encode,
		send:    send,
	}
	p.bitrate.SetCallback(func(bps uint64) {
		p.mu.Lock()
		cb := p.onBitrateChange
		p.mu.Unlock()
		if cb != nil {
			cb(bps)
		}
	})
	return p
}

// SetBitrateChangeFunc installs the sink invoked whenever the bitrate
// controller changes the encoder target (spec §4.L: "changes propagate
// to encoder bitrate").
func (p *VideoSendPipeline) SetBitrateChangeFunc(fn func(bitrateBps uint64)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onBitrateChange = fn
}

// BitrateController exposes the embedded controller for REMB/loss/RTT feeds.
func (p *VideoSendPipeline) BitrateController() *bwe.Controller {
	return p.bitrate
}

// OnCapturedFrame runs one capture callback invocation through the send
// path: encode, send_callback, advance the 90kHz timestamp by
// 90000/fps, run the bitrate controller (spec §4.L video send path).
func (p *VideoSendPipeline) OnCapturedFrame(frame []byte) error {
	p.mu.Lock()
	encode := p.encode
	send := p.send
	ts := p.timestamp
	seq := p.sequence
	p.mu.Unlock()

	encoded, isKeyframe, err := encode(frame)
	if err != nil {
		return err
	}
	if send != nil {
		send(encoded, ts, seq, isKeyframe)
	}

	p.mu.Lock()
	if p.cfg.FPS > 0 {
		p.timestamp += uint32(90000 / p.cfg.FPS)
	}
	p.sequence++
	p.mu.Unlock()

	p.bitrate.Process()
	return nil
}

// VideoReceiveConfig configures the video receive path.
type VideoReceiveConfig struct {
	Assembler videoasm.Config
}

// VideoReceivePipeline is the receive_packet → frame assembler → decode
// loop → render path.
type VideoReceivePipeline struct {
	logger logger.Logger

	assembler *videoasm.Buffer

	mu               sync.Mutex
	decode           VideoDecodeFunc
	render           VideoRenderFunc
	keyframeRequest  KeyframeRequestFunc
	requestedKeyframe bool
}

// NewVideoReceivePipeline constructs a video receive path backed by a
// fresh frame assembler.
func NewVideoReceivePipeline(cfg VideoReceiveConfig, decode VideoDecodeFunc, render VideoRenderFunc, log logger.Logger) *VideoReceivePipeline {
	if log == nil {
		log = logger.GetLogger()
	}
	return &VideoReceivePipeline{
		logger:    log,
		assembler: videoasm.New(cfg.Assembler, log),
		decode:    decode,
		render:    render,
	}
}

// SetKeyframeRequestFunc installs the sink invoked when the assembler
// needs a keyframe from the publisher.
func (p *VideoReceivePipeline) SetKeyframeRequestFunc(fn KeyframeRequestFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keyframeRequest = fn
}

// ReceivePacket tags the packet's keyframe-ness from its H.264 NAL
// header and inserts it into the frame assembler (spec §4.L video
// receive path).
func (p *VideoReceivePipeline) ReceivePacket(payload []byte, sequence uint16, timestamp uint32, marker bool) {
	isKeyframe := false
	if len(payload) > 0 {
		isKeyframe = videoasm.IsH264Keyframe(payload[0])
	}
	p.assembler.InsertPacket(payload, sequence, timestamp, marker, isKeyframe)

	if p.assembler.ShouldRequestKeyframe() {
		p.mu.Lock()
		already := p.requestedKeyframe
		p.requestedKeyframe = true
		cb := p.keyframeRequest
		p.mu.Unlock()
		if !already && cb != nil {
			cb()
		}
	}
}

// RunDecodeTick pops one complete assembled frame (if ready), decodes
// it, and invokes the render callback.
func (p *VideoReceivePipeline) RunDecodeTick() error {
	frame, ok := p.assembler.PopFrame()
	if !ok {
		return nil
	}

	p.mu.Lock()
	decode := p.decode
	render := p.render
	p.requestedKeyframe = false
	p.mu.Unlock()

	decoded, err := decode(frame.Data)
	if err != nil {
		return err
	}
	if render != nil {
		render(decoded)
	}
	return nil
}

// AssemblerStats exposes the underlying frame assembler's counters.
func (p *VideoReceivePipeline) AssemblerStats() videoasm.Stats {
	return p.assembler.Stats()
}
