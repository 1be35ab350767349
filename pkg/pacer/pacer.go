// Package pacer implements the token-bucket RTP pacer of spec §4.F:
// priority-ordered send queues that drain at a configured target
// bitrate, rejecting new packets once the queue is full.
// Grounded on pkg/sfu/pacer/leaky_bucket.go's interval-timer send worker
// and token/overage accounting, generalized to per-priority queues per
// spec §4.F.
package pacer

import (
	"sync"
	"time"

	"github.com/frostbyte73/core"
	"github.com/gammazero/deque"

	"github.com/mediaplane/sfu/pkg/logger"
)

// Priority orders packets within a send interval; higher drains first.
type Priority int

const (
	PriorityFEC   Priority = 1
	PriorityVideo Priority = 5
	PriorityAudio Priority = 10
)

// Packet is one pacer-queued unit of outbound RTP.
type Packet struct {
	Payload  []byte
	Priority Priority
	Send     func(payload []byte) (int, error)
}

// Config are the tunables named in spec §4.F.
type Config struct {
	Interval      time.Duration
	TargetBitrate int
	MaxQueueSize  int
}

// Stats mirrors the observable counters of spec §7.
type Stats struct {
	Enqueued   uint64
	Sent       uint64
	Rejected   uint64
	BytesSent  uint64
	QueueDepth int
}

const maxOvershootFactor = 2.0

// Pacer drains priority queues at Config.TargetBitrate, highest priority
// first, using a leaky-bucket token schedule.
type Pacer struct {
	logger logger.Logger

	mu       sync.Mutex
	cfg      Config
	queues   map[Priority]*deque.Deque[*Packet]
	priority []Priority // descending, stable order of active priority levels

	stats Stats

	stop core.Fuse
}

// New constructs a Pacer and starts its background send worker.
func New(cfg Config, log logger.Logger) *Pacer {
	if log == nil {
		log = logger.GetLogger()
	}
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = 1000
	}
	p := &Pacer{
		logger: log,
		cfg:    cfg,
		queues: map[Priority]*deque.Deque[*Packet]{
			PriorityAudio: newQueue(),
			PriorityVideo: newQueue(),
			PriorityFEC:   newQueue(),
		},
		priority: []Priority{PriorityAudio, PriorityVideo, PriorityFEC},
		stop:     core.NewFuse(),
	}
	go p.sendWorker()
	return p
}

func newQueue() *deque.Deque[*Packet] {
	q := &deque.Deque[*Packet]{}
	q.SetBaseCap(512)
	return q
}

// Enqueue appends a packet to its priority queue. Returns false, rejecting
// the packet, if that queue is already at Config.MaxQueueSize (spec §4.F's
// reject-at-enqueue-full policy, chosen over drop-oldest to preserve FIFO
// order for already-admitted packets).
func (p *Pacer) Enqueue(pkt *Packet) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	q, ok := p.queues[pkt.Priority]
	if !ok {
		q = newQueue()
		p.queues[pkt.Priority] = q
		p.insertPriority(pkt.Priority)
	}
	if q.Len() >= p.cfg.MaxQueueSize {
		p.stats.Rejected++
		return false
	}
	q.PushBack(pkt)
	p.stats.Enqueued++
	return true
}

// SetTargetBitrate updates the drain rate used by subsequent intervals.
func (p *Pacer) SetTargetBitrate(bps int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg.TargetBitrate = bps
}

// Clear drops all queued, not-yet-sent packets without sending them.
func (p *Pacer) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, q := range p.queues {
		q.Clear()
	}
}

// QueueDepth returns the total number of packets across all queues.
func (p *Pacer) QueueDepth() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := 0
	for _, q := range p.queues {
		total += q.Len()
	}
	return total
}

// Stats returns a snapshot of the counters.
func (p *Pacer) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats.QueueDepth = 0
	for _, q := range p.queues {
		p.stats.QueueDepth += q.Len()
	}
	return p.stats
}

// Stop halts the send worker. Queued packets are discarded.
func (p *Pacer) Stop() {
	p.stop.Break()
}

func (p *Pacer) sendWorker() {
	p.mu.Lock()
	interval := p.cfg.Interval
	p.mu.Unlock()
	if interval <= 0 {
		interval = 5 * time.Millisecond
	}

	timer := time.NewTimer(interval)
	overage := 0

	for {
		<-timer.C
		if p.stop.IsBroken() {
			return
		}

		p.mu.Lock()
		interval = p.cfg.Interval
		bitrate := p.cfg.TargetBitrate
		p.mu.Unlock()
		if interval <= 0 {
			interval = 5 * time.Millisecond
		}

		intervalBytes := int(interval.Seconds() * float64(bitrate) / 8.0)
		maxOvershootBytes := int(float64(intervalBytes) * maxOvershootFactor)
		toSendBytes := intervalBytes - overage
		if toSendBytes < 0 {
			overage = -toSendBytes
			timer.Reset(interval)
			continue
		}
		if toSendBytes > maxOvershootBytes {
			toSendBytes = maxOvershootBytes
		}

		for {
			if p.stop.IsBroken() {
				return
			}
			head := p.peekNextByPriority()
			if head == nil {
				overage = -toSendBytes
				timer.Reset(interval)
				break
			}
			if len(head.Payload) > toSendBytes {
				// Head doesn't fit in what's left of this interval's
				// budget (zero target bitrate means toSendBytes is
				// always 0, so nothing is ever sent). Per spec §4.F,
				// don't skip ahead to a smaller later packet of the
				// same priority - wait for the next interval's tokens.
				overage = -toSendBytes
				timer.Reset(interval)
				break
			}
			pkt := p.popNextByPriority()
			if pkt == nil {
				// Raced with a Clear() between peek and pop.
				overage = -toSendBytes
				timer.Reset(interval)
				break
			}
			written, _ := pkt.Send(pkt.Payload)
			p.mu.Lock()
			p.stats.Sent++
			p.stats.BytesSent += uint64(written)
			p.mu.Unlock()

			toSendBytes -= written
			if toSendBytes < 0 {
				overage = -toSendBytes
				timer.Reset(interval)
				break
			}
		}
	}
}

// insertPriority keeps p.priority sorted descending; caller holds p.mu.
func (p *Pacer) insertPriority(prio Priority) {
	idx := len(p.priority)
	for i, existing := range p.priority {
		if prio > existing {
			idx = i
			break
		}
	}
	p.priority = append(p.priority, 0)
	copy(p.priority[idx+1:], p.priority[idx:])
	p.priority[idx] = prio
}

// peekNextByPriority returns, without dequeuing, the front packet of the
// highest-priority non-empty queue, per spec §4.F's audio(10) > video(5)
// > FEC(1) order.
func (p *Pacer) peekNextByPriority() *Packet {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, prio := range p.priority {
		q, ok := p.queues[prio]
		if !ok || q.Len() == 0 {
			continue
		}
		return q.Front()
	}
	return nil
}

// popNextByPriority dequeues the front packet of the highest-priority
// non-empty queue, per spec §4.F's audio(10) > video(5) > FEC(1) order.
func (p *Pacer) popNextByPriority() *Packet {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, prio := range p.priority {
		q, ok := p.queues[prio]
		if !ok || q.Len() == 0 {
			continue
		}
		return q.PopFront()
	}
	return nil
}
