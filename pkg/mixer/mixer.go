// Package mixer implements the audio mixer of spec §4.K, plus a
// supplemental video compositor for MCU-mode tile layout (SPEC_FULL.md
// supplemented features).
// Grounded on original_source/server/src/audio_mixer.cpp and
// video_compositor.cpp, translated from their PImpl+unordered_map idiom
// into Go's mutex-guarded struct idiom (pkg/sfu/audioobserver.go).
package mixer

import (
	"math"
	"sync"

	"github.com/mediaplane/sfu/pkg/logger"
)

type ParticipantID string

// silenceFloorDBFS is the level reported for an empty or silent buffer.
const silenceFloorDBFS = -96.0

// activeSpeakerThresholdDBFS is the minimum level to qualify as the
// active speaker (spec §4.K step 1).
const activeSpeakerThresholdDBFS = -40.0

// SourceConfig controls one source's mix contribution.
type SourceConfig struct {
	Volume float32 // linear gain, 1.0 = unity
	Pan    float32 // -1.0 (left) .. +1.0 (right), stereo only
	Muted  bool
}

// Config sizes the mixer's fixed frame buffers.
type Config struct {
	SampleRate     int
	FrameDuration  int // milliseconds
	Channels       int // 1 (mono) or 2 (stereo)
}

func (c Config) frameSize() int {
	return c.SampleRate * c.FrameDuration / 1000 * c.Channels
}

// MixedAudioFunc delivers recipient's mix (excluding their own samples).
type MixedAudioFunc func(recipient ParticipantID, samples []int16, timestamp uint32)

// ActiveSpeakerFunc fires when the loudest unmuted source changes.
type ActiveSpeakerFunc func(speaker ParticipantID, levelDBFS float32)

type source struct {
	cfg           SourceConfig
	buffer        []int16
	lastTimestamp uint32
	levelDBFS     float32
	hasData       bool
}

// Stats mirrors the observable counters of spec §7.
type Stats struct {
	ActiveSources int
	MixedFrames   uint64
}

// Mixer is the N-to-N audio mixer.
type Mixer struct {
	logger logger.Logger
	cfg    Config

	mu sync.Mutex

	sources       map[ParticipantID]*source
	mixedCallback MixedAudioFunc
	speakerCB     ActiveSpeakerFunc

	activeSpeaker ParticipantID
	stats         Stats

	mixBuffer    []int32
	outputBuffer []int16
}

// New constructs a Mixer sized for cfg's sample rate/frame duration/channels.
func New(cfg Config, log logger.Logger) *Mixer {
	if log == nil {
		log = logger.GetLogger()
	}
	frameSize := cfg.frameSize()
	return &Mixer{
		logger:       log,
		cfg:          cfg,
		sources:      make(map[ParticipantID]*source),
		mixBuffer:    make([]int32, frameSize),
		outputBuffer: make([]int16, frameSize),
	}
}

// SetMixedAudioCallback registers the sink for each recipient's mix.
func (m *Mixer) SetMixedAudioCallback(cb MixedAudioFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mixedCallback = cb
}

// SetActiveSpeakerCallback registers the handler for speaker changes.
func (m *Mixer) SetActiveSpeakerCallback(cb ActiveSpeakerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.speakerCB = cb
}

// AddSource registers id as a mixer participant.
func (m *Mixer) AddSource(id ParticipantID, cfg SourceConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sources[id] = &source{
		cfg:       cfg,
		buffer:    make([]int16, m.cfg.frameSize()),
		levelDBFS: silenceFloorDBFS,
	}
	m.stats.ActiveSources = len(m.sources)
}

// RemoveSource drops id from the mixer.
func (m *Mixer) RemoveSource(id ParticipantID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sources, id)
	m.stats.ActiveSources = len(m.sources)
	if m.activeSpeaker == id {
		m.activeSpeaker = ""
	}
}

// SetSourceConfig updates id's volume/pan/mute.
func (m *Mixer) SetSourceConfig(id ParticipantID, cfg SourceConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sources[id]; ok {
		s.cfg = cfg
	}
}

// calculateLevelDBFS computes RMS → dBFS per spec §4.K, floored at
// silenceFloorDBFS.
func calculateLevelDBFS(samples []int16) float32 {
	if len(samples) == 0 {
		return silenceFloorDBFS
	}
	var sumSquares int64
	for _, s := range samples {
		sumSquares += int64(s) * int64(s)
	}
	rms := math.Sqrt(float64(sumSquares) / float64(len(samples)))
	if rms < 1.0 {
		return silenceFloorDBFS
	}
	return float32(20.0 * math.Log10(rms/32768.0))
}

// PushAudio copies up to frame_size samples into id's buffer and
// recomputes its level estimate (spec §4.K push_audio).
func (m *Mixer) PushAudio(id ParticipantID, samples []int16, timestamp uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sources[id]
	if !ok {
		return
	}
	n := len(samples)
	if n > len(s.buffer) {
		n = len(s.buffer)
	}
	copy(s.buffer, samples[:n])
	for i := n; i < len(s.buffer); i++ {
		s.buffer[i] = 0
	}

	s.levelDBFS = calculateLevelDBFS(s.buffer[:n])
	s.lastTimestamp = timestamp
	s.hasData = true
}

func (m *Mixer) updateActiveSpeakerLocked() {
	highest := float32(silenceFloorDBFS)
	var loudest ParticipantID

	for id, s := range m.sources {
		if s.cfg.Muted {
			continue
		}
		if s.levelDBFS > highest {
			highest = s.levelDBFS
			loudest = id
		}
	}

	if highest > activeSpeakerThresholdDBFS && loudest != m.activeSpeaker {
		m.activeSpeaker = loudest
		if m.speakerCB != nil {
			m.speakerCB(loudest, highest)
		}
	}
}

func applyVolumeAndPan(left, right *int32, cfg SourceConfig, sample int16) {
	if cfg.Muted {
		return
	}
	leftGain := cfg.Volume * float32(math.Sqrt(float64((1.0-cfg.Pan)/2.0)))
	rightGain := cfg.Volume * float32(math.Sqrt(float64((1.0+cfg.Pan)/2.0)))
	*left += int32(float32(sample) * leftGain)
	*right += int32(float32(sample) * rightGain)
}

func saturate(v int32) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}

// Process computes one mix period: updates the active speaker, then for
// every recipient builds a mix of all other unmuted sources that pushed
// data this period and delivers it via the mixed-audio callback (spec
// §4.K process). The mix delivered to r never contains r's own samples.
func (m *Mixer) Process() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.sources) == 0 {
		return
	}

	m.updateActiveSpeakerLocked()

	for recipientID := range m.sources {
		for i := range m.mixBuffer {
			m.mixBuffer[i] = 0
		}

		for sourceID, s := range m.sources {
			if sourceID == recipientID || !s.hasData || s.cfg.Muted {
				continue
			}

			if m.cfg.Channels == 1 {
				for i := 0; i < len(s.buffer) && i < len(m.mixBuffer); i++ {
					m.mixBuffer[i] += int32(float32(s.buffer[i]) * s.cfg.Volume)
				}
			} else {
				for i := 0; i+1 < len(s.buffer) && i+1 < len(m.mixBuffer); i += 2 {
					var left, right int32
					applyVolumeAndPan(&left, &right, s.cfg, s.buffer[i])
					m.mixBuffer[i] += left
					applyVolumeAndPan(&left, &right, s.cfg, s.buffer[i+1])
					m.mixBuffer[i+1] += right
				}
			}
		}

		for i, v := range m.mixBuffer {
			m.outputBuffer[i] = saturate(v)
		}

		if m.mixedCallback != nil {
			var ts uint32
			if s, ok := m.sources[recipientID]; ok {
				ts = s.lastTimestamp
			}
			out := make([]int16, len(m.outputBuffer))
			copy(out, m.outputBuffer)
			m.mixedCallback(recipientID, out, ts)
		}
	}

	m.stats.MixedFrames++
	for _, s := range m.sources {
		s.hasData = false
	}
}

// ActiveSpeaker returns the current loudest unmuted participant.
func (m *Mixer) ActiveSpeaker() ParticipantID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeSpeaker
}

// SourceCount returns the number of registered sources.
func (m *Mixer) SourceCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sources)
}

// Stats returns a snapshot of the counters.
func (m *Mixer) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}
