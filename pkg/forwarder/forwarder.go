// Package forwarder implements the RTP forwarder of spec §4.I: routes
// inbound publisher RTP packets to subscribed recipients, rewriting
// SSRC only when a subscription requires it (zero-copy pass-through
// otherwise), and filtering by simulcast layer preference.
// Grounded on original_source/server/src/rtp_forwarder.cpp, translated
// from its mutex-guarded maps into Go equivalents in the teacher's
// Impl+callback idiom (pkg/sfu/forwarder.go, pkg/sfu/sfu.go).
package forwarder

import (
	"net"
	"sync"

	"github.com/mediaplane/sfu/pkg/logger"
)

// ParticipantID and StreamID are opaque identifiers supplied by callers.
type ParticipantID string
type StreamID string

// StreamInfo describes one published RTP stream.
type StreamInfo struct {
	SSRC           uint32
	SimulcastLayer int // -1 if not simulcast
}

// ForwardingRule describes one publisher→subscriber forwarding path.
type ForwardingRule struct {
	SubscriberID            ParticipantID
	Destination             *net.UDPAddr
	RewrittenSSRC           uint32 // 0 means forward with the original SSRC
	PreferredSimulcastLayer int    // -1 means no preference
	IsActive                bool
}

// Stats mirrors the observable counters of spec §7.
type Stats struct {
	PacketsReceived   uint64
	BytesReceived     uint64
	PacketsForwarded  uint64
	BytesForwarded    uint64
	PacketsDropped    uint64
	ActivePublishers  int
	ActiveSubscribers int
}

// ForwardFunc delivers one forwarded packet to a subscriber.
type ForwardFunc func(subscriber ParticipantID, packet []byte, dest *net.UDPAddr)

type publisherStream struct {
	publisherID ParticipantID
	streamID    StreamID
	info        StreamInfo
	subscribers []ForwardingRule
}

// Forwarder routes publisher RTP packets to their subscribers.
type Forwarder struct {
	logger logger.Logger

	mu sync.Mutex

	forwardCallback ForwardFunc

	ssrcToStream   map[uint32]*publisherStream
	publisherSSRCs map[ParticipantID][]uint32

	stats Stats
}

// New constructs an empty Forwarder.
func New(log logger.Logger) *Forwarder {
	if log == nil {
		log = logger.GetLogger()
	}
	return &Forwarder{
		logger:         log,
		ssrcToStream:   make(map[uint32]*publisherStream),
		publisherSSRCs: make(map[ParticipantID][]uint32),
	}
}

// SetForwardCallback registers the sink invoked for each forwarded packet.
func (f *Forwarder) SetForwardCallback(cb ForwardFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forwardCallback = cb
}

// AddPublisher registers a new published stream under publisherID.
func (f *Forwarder) AddPublisher(publisherID ParticipantID, streamID StreamID, info StreamInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.ssrcToStream[info.SSRC] = &publisherStream{publisherID: publisherID, streamID: streamID, info: info}
	f.publisherSSRCs[publisherID] = append(f.publisherSSRCs[publisherID], info.SSRC)
	f.stats.ActivePublishers = len(f.publisherSSRCs)
}

// RemovePublisher drops all state for one of publisherID's streams.
func (f *Forwarder) RemovePublisher(publisherID ParticipantID, streamID StreamID) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ssrcs, ok := f.publisherSSRCs[publisherID]
	if !ok {
		return
	}

	kept := ssrcs[:0]
	for _, ssrc := range ssrcs {
		if stream, ok := f.ssrcToStream[ssrc]; ok && stream.streamID == streamID {
			delete(f.ssrcToStream, ssrc)
			continue
		}
		kept = append(kept, ssrc)
	}

	if len(kept) == 0 {
		delete(f.publisherSSRCs, publisherID)
	} else {
		f.publisherSSRCs[publisherID] = kept
	}
	f.stats.ActivePublishers = len(f.publisherSSRCs)
}

// AddSubscription adds rule to every stream published by publisherID.
func (f *Forwarder) AddSubscription(publisherID ParticipantID, subscriberID ParticipantID, rule ForwardingRule) {
	f.mu.Lock()
	defer f.mu.Unlock()

	rule.SubscriberID = subscriberID
	ssrcs, ok := f.publisherSSRCs[publisherID]
	if !ok {
		return
	}
	for _, ssrc := range ssrcs {
		if stream, ok := f.ssrcToStream[ssrc]; ok {
			stream.subscribers = append(stream.subscribers, rule)
		}
	}
	f.stats.ActiveSubscribers++
}

// RemoveSubscription removes subscriberID's rule from every stream
// published by publisherID.
func (f *Forwarder) RemoveSubscription(publisherID ParticipantID, subscriberID ParticipantID) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ssrcs, ok := f.publisherSSRCs[publisherID]
	if !ok {
		return
	}
	for _, ssrc := range ssrcs {
		stream, ok := f.ssrcToStream[ssrc]
		if !ok {
			continue
		}
		kept := stream.subscribers[:0]
		for _, r := range stream.subscribers {
			if r.SubscriberID != subscriberID {
				kept = append(kept, r)
			}
		}
		stream.subscribers = kept
	}
	f.stats.ActiveSubscribers--
}

// SetSimulcastLayer updates subscriberID's preferred layer across all of
// publisherID's streams, used by pkg/subscription's bandwidth-driven
// layer switches.
func (f *Forwarder) SetSimulcastLayer(publisherID ParticipantID, subscriberID ParticipantID, layer int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ssrcs, ok := f.publisherSSRCs[publisherID]
	if !ok {
		return
	}
	for _, ssrc := range ssrcs {
		stream, ok := f.ssrcToStream[ssrc]
		if !ok {
			continue
		}
		for i := range stream.subscribers {
			if stream.subscribers[i].SubscriberID == subscriberID {
				stream.subscribers[i].PreferredSimulcastLayer = layer
			}
		}
	}
}

// OnRTPPacket forwards an inbound publisher packet to its subscribers.
func (f *Forwarder) OnRTPPacket(ssrc uint32, packet []byte) {
	f.mu.Lock()
	f.stats.PacketsReceived++
	f.stats.BytesReceived += uint64(len(packet))

	stream, ok := f.ssrcToStream[ssrc]
	if !ok {
		f.stats.PacketsDropped++
		f.mu.Unlock()
		return
	}
	subscribers := make([]ForwardingRule, len(stream.subscribers))
	copy(subscribers, stream.subscribers)
	info := stream.info
	cb := f.forwardCallback
	f.mu.Unlock()

	if cb == nil {
		return
	}

	var forwarded int
	for _, rule := range subscribers {
		if !rule.IsActive {
			continue
		}
		if rule.PreferredSimulcastLayer >= 0 && info.SimulcastLayer >= 0 &&
			info.SimulcastLayer != rule.PreferredSimulcastLayer {
			continue
		}

		if rule.RewrittenSSRC != 0 && rule.RewrittenSSRC != info.SSRC {
			rewritten := rewriteSSRC(packet, rule.RewrittenSSRC)
			cb(rule.SubscriberID, rewritten, rule.Destination)
		} else {
			// Zero-copy: forward the original packet slice unmodified.
			cb(rule.SubscriberID, packet, rule.Destination)
		}
		forwarded++
	}

	if forwarded > 0 {
		f.mu.Lock()
		f.stats.PacketsForwarded += uint64(forwarded)
		f.stats.BytesForwarded += uint64(forwarded * len(packet))
		f.mu.Unlock()
	}
}

// rewriteSSRC copies packet into a fresh scratch buffer and overwrites
// the 4-byte SSRC field at RTP header offset 8 (spec §8 Scenario 4).
func rewriteSSRC(packet []byte, ssrc uint32) []byte {
	out := make([]byte, len(packet))
	copy(out, packet)
	if len(out) >= 12 {
		out[8] = byte(ssrc >> 24)
		out[9] = byte(ssrc >> 16)
		out[10] = byte(ssrc >> 8)
		out[11] = byte(ssrc)
	}
	return out
}

// Stats returns a snapshot of the counters.
func (f *Forwarder) Stats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

// Publishers returns the currently registered publisher IDs.
func (f *Forwarder) Publishers() []ParticipantID {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ParticipantID, 0, len(f.publisherSSRCs))
	for id := range f.publisherSSRCs {
		out = append(out, id)
	}
	return out
}

// Subscribers returns the distinct subscriber IDs across all of
// publisherID's streams.
func (f *Forwarder) Subscribers(publisherID ParticipantID) []ParticipantID {
	f.mu.Lock()
	defer f.mu.Unlock()

	seen := make(map[ParticipantID]bool)
	var out []ParticipantID
	for _, ssrc := range f.publisherSSRCs[publisherID] {
		stream, ok := f.ssrcToStream[ssrc]
		if !ok {
			continue
		}
		for _, rule := range stream.subscribers {
			if !seen[rule.SubscriberID] {
				seen[rule.SubscriberID] = true
				out = append(out, rule.SubscriberID)
			}
		}
	}
	return out
}
