package ring

import (
	"sync/atomic"
)

// mpscNode is an intrusive queue node; Data is boxed as interface{} since
// this queue carries heterogeneous payloads (packets, callbacks).
type mpscNode struct {
	next atomic.Pointer[mpscNode]
	data interface{}
}

// MPSC is a multi-producer/single-consumer intrusive linked queue
// (Vyukov's algorithm): producers publish via an atomic exchange on
// head, then link the previous head's next pointer; the single consumer
// walks from a sentinel tail node and frees nodes as it advances.
type MPSC struct {
	head atomic.Pointer[mpscNode]
	tail *mpscNode
}

// NewMPSC allocates the queue with its sentinel node.
func NewMPSC() *MPSC {
	sentinel := &mpscNode{}
	q := &MPSC{tail: sentinel}
	q.head.Store(sentinel)
	return q
}

// Push enqueues a value; safe to call concurrently from any number of
// producer goroutines.
func (q *MPSC) Push(v interface{}) {
	n := &mpscNode{data: v}
	prev := q.head.Swap(n) // atomic_exchange on head
	prev.next.Store(n)     // release: publishes n to the consumer walk
}

// Pop removes and returns the oldest value. Only the designated consumer
// goroutine may call Pop. ok is false if the queue is empty or if a
// producer is mid-publish (the next pointer has not landed yet); the
// caller should retry.
func (q *MPSC) Pop() (v interface{}, ok bool) {
	next := q.tail.next.Load()
	if next == nil {
		return nil, false
	}
	v = next.data
	q.tail = next
	return v, true
}
