// Package bwe implements the bitrate controller of spec §4.H: a
// loss/REMB/RTT-driven additive-increase/multiplicative-decrease
// estimator, plus simulcast default-layer and layer-selection helpers.
// Grounded on original_source/video/src/bitrate_controller.cpp,
// restructured in the teacher's mutex-guarded impl-with-callback style
// (pkg/sfu/bwe, pkg/sfu/streamallocator.go).
package bwe

import (
	"sync"
	"time"

	"github.com/mediaplane/sfu/pkg/logger"
)

// Config are the tunables named in spec §4.H.
type Config struct {
	StartBitrate  uint64
	MinBitrate    uint64
	MaxBitrate    uint64
	LossThreshold float32
	DecreaseRate  float32 // multiplicative decrease, applied on loss
	IncreaseRate  float32 // multiplicative increase, applied when healthy
	UpdateEvery   time.Duration
}

// Estimate is a snapshot of the controller's current state.
type Estimate struct {
	EstimatedBitrate uint64
	TargetBitrate    uint64
	PacketLoss       float32
	RTTMillis        float32
	IsOverusing      bool
	IsUnderusing     bool
}

// Callback is invoked whenever the estimated bitrate changes.
type Callback func(bitrateBps uint64)

// Controller is the adaptive bitrate estimator.
type Controller struct {
	logger logger.Logger

	mu sync.Mutex

	cfg      Config
	callback Callback

	currentBitrate uint64
	targetBitrate  uint64
	currentLoss    float32
	currentRTT     float32
	overusing      bool

	lastUpdate        time.Time
	bytesSinceUpdate  uint64
	now               func() time.Time
}

// New constructs a Controller seeded at Config.StartBitrate.
func New(cfg Config, log logger.Logger) *Controller {
	if log == nil {
		log = logger.GetLogger()
	}
	now := time.Now
	c := &Controller{
		logger:         log,
		cfg:            cfg,
		currentBitrate: cfg.StartBitrate,
		targetBitrate:  cfg.StartBitrate,
		now:            now,
		lastUpdate:     now(),
	}
	return c
}

// SetClock overrides the time source; used only in tests.
func (c *Controller) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
	c.lastUpdate = now()
}

// SetCallback registers the bitrate-change callback.
func (c *Controller) SetCallback(cb Callback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callback = cb
}

// OnREMB records a new REMB-reported receiver ceiling. Per spec §4.H the
// AIMD step only runs on the periodic Process() tick, not on arrival of
// feedback, so this only updates targetBitrate for the next tick to see.
func (c *Controller) OnREMB(bitrateBps uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.targetBitrate = bitrateBps
}

// OnPacketLoss records the latest observed fractional loss rate, in [0,1].
func (c *Controller) OnPacketLoss(lossRate float32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.currentLoss = lossRate
}

// OnRTT records the latest observed round-trip time.
func (c *Controller) OnRTT(rttMs float32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.currentRTT = rttMs
}

// OnPacketSent accumulates bytes sent toward the next periodic update.
func (c *Controller) OnPacketSent(sizeBytes int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bytesSinceUpdate += uint64(sizeBytes)
}

// Process re-evaluates the bitrate if Config.UpdateEvery has elapsed
// since the last update. Callers drive this from a periodic timer.
func (c *Controller) Process() {
	c.mu.Lock()
	defer c.mu.Unlock()

	elapsed := c.now().Sub(c.lastUpdate)
	if elapsed < c.cfg.UpdateEvery {
		return
	}
	c.updateBitrate()
	c.lastUpdate = c.now()
	c.bytesSinceUpdate = 0
}

// updateBitrate applies the loss/REMB-driven AIMD step. Caller holds c.mu.
func (c *Controller) updateBitrate() {
	newBitrate := c.targetBitrate

	// Loss has dropped back below the recovery floor: clear overuse before
	// picking a branch, so a tick that sees a clean loss report goes
	// straight to the increase branch instead of one more 1.02 step.
	if c.overusing && c.currentLoss < 0.005 {
		c.overusing = false
	}

	switch {
	case c.currentLoss > c.cfg.LossThreshold:
		// Loss above threshold: multiplicative decrease, enter overuse.
		newBitrate = uint64(float32(c.currentBitrate) * c.cfg.DecreaseRate)
		c.overusing = true
	case !c.overusing:
		// Healthy and not recovering: multiplicative increase.
		newBitrate = uint64(float32(c.currentBitrate) * c.cfg.IncreaseRate)
	default:
		// Recovery phase: loss has dropped but not below the floor yet.
		newBitrate = uint64(float32(c.currentBitrate) * 1.02)
	}

	newBitrate = clampU64(newBitrate, c.cfg.MinBitrate, c.cfg.MaxBitrate)
	// Never exceed the last REMB-reported ceiling.
	if newBitrate > c.targetBitrate {
		newBitrate = c.targetBitrate
	}

	if newBitrate != c.currentBitrate {
		c.currentBitrate = newBitrate
		if c.callback != nil {
			c.callback(c.currentBitrate)
		}
	}
}

// Estimate returns a snapshot of the controller's current state.
func (c *Controller) Estimate() Estimate {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Estimate{
		EstimatedBitrate: c.currentBitrate,
		TargetBitrate:    c.targetBitrate,
		PacketLoss:       c.currentLoss,
		RTTMillis:        c.currentRTT,
		IsOverusing:      c.overusing,
		IsUnderusing:     float32(c.currentBitrate) < float32(c.targetBitrate)*0.8,
	}
}

// TargetBitrate returns the current estimated send bitrate.
func (c *Controller) TargetBitrate() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentBitrate
}

// SetBitrate forces the current bitrate, clamped to [min,max]; used to
// seed or override the estimator outside the normal feedback loop.
func (c *Controller) SetBitrate(bitrateBps uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.currentBitrate = clampU64(bitrateBps, c.cfg.MinBitrate, c.cfg.MaxBitrate)
}

func clampU64(v, lo, hi uint64) uint64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// SimulcastLayer describes one simulcast encoding.
type SimulcastLayer struct {
	Width       int
	Height      int
	FPS         int
	BitrateKbps int
	Active      bool
}

// DefaultSimulcastLayers returns the standard high/mid/low layer split
// (60%/30%/10% of maxBitrateKbps) for a given source resolution.
func DefaultSimulcastLayers(width, height, maxBitrateKbps int) []SimulcastLayer {
	return []SimulcastLayer{
		{Width: width, Height: height, FPS: 30, BitrateKbps: maxBitrateKbps * 60 / 100, Active: true},
		{Width: width / 2, Height: height / 2, FPS: 30, BitrateKbps: maxBitrateKbps * 30 / 100, Active: true},
		{Width: width / 4, Height: height / 4, FPS: 15, BitrateKbps: maxBitrateKbps * 10 / 100, Active: true},
	}
}

// SelectLayers greedily activates layers (in the given order, normally
// high to low) that fit within availableBitrateKbps, always activating
// at least the lowest-quality layer if none otherwise fit.
func SelectLayers(layers []SimulcastLayer, availableBitrateKbps int) []SimulcastLayer {
	var active []SimulcastLayer
	remaining := availableBitrateKbps
	for _, layer := range layers {
		if layer.BitrateKbps <= remaining {
			active = append(active, layer)
			remaining -= layer.BitrateKbps
		}
	}
	if len(active) == 0 && len(layers) > 0 {
		active = append(active, layers[len(layers)-1])
	}
	return active
}
