// Package subscription implements the subscription manager of spec
// §4.J: tracks each subscriber's target/current simulcast layer per
// publisher stream and periodically recomputes the best layer that fits
// the subscriber's estimated bandwidth.
// Grounded on original_source/server/src/subscription_manager.cpp,
// translated from its key-struct map idiom into Go map-with-struct-key
// form, in the teacher's Impl+mutex+callback style.
package subscription

import (
	"sync"

	"github.com/mediaplane/sfu/pkg/logger"
)

type ParticipantID string
type StreamID string

// SimulcastLayerInfo describes one available encoding layer of a stream.
type SimulcastLayerInfo struct {
	LayerIndex  int
	BitrateKbps int
	IsActive    bool
}

// BandwidthInfo is a subscriber's latest estimated downlink capacity.
type BandwidthInfo struct {
	EstimatedBps uint64
}

// Subscription is one subscriber's view of a publisher's stream.
type Subscription struct {
	PublisherID  ParticipantID
	StreamID     StreamID
	TargetLayer  int // -1 means auto (bandwidth-driven)
	CurrentLayer int
	IsPaused     bool
}

// LayerSwitchFunc is invoked whenever Process changes a subscriber's
// current layer for a publisher.
type LayerSwitchFunc func(subscriber, publisher ParticipantID, oldLayer, newLayer int)

type subscriptionKey struct {
	subscriberID ParticipantID
	publisherID  ParticipantID
	streamID     StreamID
}

type streamKey struct {
	publisherID ParticipantID
	streamID    StreamID
}

// Manager is the subscription manager.
type Manager struct {
	logger logger.Logger

	mu sync.Mutex

	layerSwitchCallback LayerSwitchFunc

	subscriptions map[subscriptionKey]*Subscription
	streamLayers  map[streamKey][]SimulcastLayerInfo
	bandwidthInfo map[ParticipantID]BandwidthInfo
}

// New constructs an empty Manager.
func New(log logger.Logger) *Manager {
	if log == nil {
		log = logger.GetLogger()
	}
	return &Manager{
		logger:        log,
		subscriptions: make(map[subscriptionKey]*Subscription),
		streamLayers:  make(map[streamKey][]SimulcastLayerInfo),
		bandwidthInfo: make(map[ParticipantID]BandwidthInfo),
	}
}

// SetLayerSwitchCallback registers the handler invoked by Process.
func (m *Manager) SetLayerSwitchCallback(cb LayerSwitchFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.layerSwitchCallback = cb
}

// SetAvailableLayers records publisherID's stream's current simulcast
// layer table, as reported by pkg/bwe's DefaultSimulcastLayers or the
// encoder.
func (m *Manager) SetAvailableLayers(publisherID ParticipantID, streamID StreamID, layers []SimulcastLayerInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streamLayers[streamKey{publisherID, streamID}] = layers
}

// Subscribe creates or replaces subscriberID's subscription to
// publisherID's stream. targetLayer of -1 requests bandwidth-driven
// auto-selection; otherwise it pins the layer.
func (m *Manager) Subscribe(subscriberID, publisherID ParticipantID, streamID StreamID, targetLayer int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current := targetLayer
	if targetLayer < 0 {
		current = 2 // default to highest until the first Process() tick
	}
	m.subscriptions[subscriptionKey{subscriberID, publisherID, streamID}] = &Subscription{
		PublisherID:  publisherID,
		StreamID:     streamID,
		TargetLayer:  targetLayer,
		CurrentLayer: current,
		IsPaused:     false,
	}
}

// Unsubscribe removes subscriberID's subscription to publisherID's stream.
func (m *Manager) Unsubscribe(subscriberID, publisherID ParticipantID, streamID StreamID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subscriptions, subscriptionKey{subscriberID, publisherID, streamID})
}

// SetPaused pauses or resumes every subscription subscriberID holds on
// publisherID, across all of that publisher's streams.
func (m *Manager) SetPaused(subscriberID, publisherID ParticipantID, paused bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, sub := range m.subscriptions {
		if key.subscriberID == subscriberID && key.publisherID == publisherID {
			sub.IsPaused = paused
		}
	}
}

// SetTargetLayer pins (or, with layer -1, releases back to auto) the
// layer for every subscription subscriberID holds on publisherID.
func (m *Manager) SetTargetLayer(subscriberID, publisherID ParticipantID, layer int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, sub := range m.subscriptions {
		if key.subscriberID == subscriberID && key.publisherID == publisherID {
			sub.TargetLayer = layer
		}
	}
}

// UpdateBandwidth records subscriberID's latest estimated downlink
// bitrate, normally fed from that subscriber's pkg/bwe.Controller.
func (m *Manager) UpdateBandwidth(subscriberID ParticipantID, info BandwidthInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bandwidthInfo[subscriberID] = info
}

// selectBestLayer returns the highest active layer index that fits
// subscriberID's estimated bandwidth for the given stream. Caller holds
// m.mu.
func (m *Manager) selectBestLayerLocked(subscriberID ParticipantID, key streamKey) int {
	bw, ok := m.bandwidthInfo[subscriberID]
	if !ok {
		return 2 // no bandwidth estimate yet: default to highest
	}

	layers, ok := m.streamLayers[key]
	if !ok {
		return 0
	}

	best := 0
	for _, layer := range layers {
		if layer.IsActive && uint64(layer.BitrateKbps)*1000 <= bw.EstimatedBps {
			best = layer.LayerIndex
		}
	}
	return best
}

// Process recomputes the best layer for every non-paused, auto-selecting
// subscription and fires the layer-switch callback on change. Callers
// drive this from a periodic timer (spec §4.J).
func (m *Manager) Process() {
	m.mu.Lock()
	type switchEvent struct {
		subscriber, publisher ParticipantID
		oldLayer, newLayer    int
	}
	var events []switchEvent

	for key, sub := range m.subscriptions {
		if sub.IsPaused || sub.TargetLayer >= 0 {
			continue
		}
		best := m.selectBestLayerLocked(key.subscriberID, streamKey{key.publisherID, key.streamID})
		if best != sub.CurrentLayer {
			old := sub.CurrentLayer
			sub.CurrentLayer = best
			events = append(events, switchEvent{key.subscriberID, key.publisherID, old, best})
		}
	}
	cb := m.layerSwitchCallback
	m.mu.Unlock()

	if cb == nil {
		return
	}
	for _, e := range events {
		cb(e.subscriber, e.publisher, e.oldLayer, e.newLayer)
	}
}

// CurrentLayer returns subscriberID's current layer for publisherID, or
// -1 if no subscription exists.
func (m *Manager) CurrentLayer(subscriberID, publisherID ParticipantID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, sub := range m.subscriptions {
		if key.subscriberID == subscriberID && key.publisherID == publisherID {
			return sub.CurrentLayer
		}
	}
	return -1
}

// Subscriptions returns a snapshot of subscriberID's subscriptions.
func (m *Manager) Subscriptions(subscriberID ParticipantID) []Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Subscription
	for key, sub := range m.subscriptions {
		if key.subscriberID == subscriberID {
			out = append(out, *sub)
		}
	}
	return out
}

// Count returns the total number of active subscriptions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subscriptions)
}
