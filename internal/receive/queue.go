// ABOUTME: Lock-free jitter buffer between the network and audio threads
// ABOUTME: Fixed-capacity ring keyed by sequence number, drop-oldest on overflow
package receive

import (
	"sync/atomic"

	"github.com/haileys/bark/internal/protocol"
)

// DefaultQueueCapacity is the jitter buffer size in packets. At 160
// frames per packet this holds around 200ms of stream.
const DefaultQueueCapacity = 64

// Queue is a single-producer single-consumer packet ring. Slots are
// addressed by sequence number modulo capacity, so arrival order and
// duplicates never matter: a packet lands in its slot, displacing
// whatever older packet still occupied it. The network thread pushes,
// the audio thread pops; neither ever blocks.
type Queue struct {
	slots  []atomic.Pointer[protocol.AudioPacket]
	mask   uint64
	latest atomic.Uint64 // latest pushed seq + 1, zero when empty
	pushes atomic.Uint64
}

// NewQueue creates a queue. capacity is rounded up to a power of two.
func NewQueue(capacity int) *Queue {
	if capacity < 2 {
		capacity = 2
	}
	size := 2
	for size < capacity {
		size *= 2
	}
	return &Queue{
		slots: make([]atomic.Pointer[protocol.AudioPacket], size),
		mask:  uint64(size - 1),
	}
}

// Capacity returns the slot count.
func (q *Queue) Capacity() uint64 {
	return q.mask + 1
}

// Push stores a packet in its sequence slot and returns the packet it
// displaced, if any. Producer side only.
func (q *Queue) Push(p *protocol.AudioPacket) *protocol.AudioPacket {
	old := q.slots[p.Seq&q.mask].Swap(p)
	if latest := q.latest.Load(); latest == 0 || int64(p.Seq-(latest-1)) > 0 {
		q.latest.Store(p.Seq + 1)
	}
	q.pushes.Add(1)
	return old
}

// Pop removes and returns the packet in seq's slot. The result may be
// nil (not arrived, or already dropped) or a different sequence number
// entirely (the producer lapped the consumer). Consumer side only.
func (q *Queue) Pop(seq uint64) *protocol.AudioPacket {
	return q.slots[seq&q.mask].Swap(nil)
}

// Latest returns the highest sequence number pushed so far.
func (q *Queue) Latest() (uint64, bool) {
	latest := q.latest.Load()
	if latest == 0 {
		return 0, false
	}
	return latest - 1, true
}

// Pushes returns the total packets pushed, for fill tracking.
func (q *Queue) Pushes() uint64 {
	return q.pushes.Load()
}

// OldestBuffered scans for the smallest sequence number at or after
// floor that currently holds a packet. Consumer side only; used once
// when playback starts.
func (q *Queue) OldestBuffered(floor, latest uint64) (uint64, bool) {
	for seq := floor; int64(latest-seq) >= 0; seq++ {
		p := q.slots[seq&q.mask].Load()
		if p != nil && p.Seq == seq {
			return seq, true
		}
	}
	return 0, false
}

// Clear drops every buffered packet. Consumer side only, used at
// stream resets.
func (q *Queue) Clear() {
	for i := range q.slots {
		q.slots[i].Store(nil)
	}
}
