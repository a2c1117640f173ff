// ABOUTME: Tests for the jitter buffer ring
// ABOUTME: Covers slot displacement, reordering and the latest watermark
package receive

import (
	"testing"

	"github.com/haileys/bark/internal/protocol"
)

func seqPacket(seq uint64) *protocol.AudioPacket {
	return &protocol.AudioPacket{Seq: seq}
}

func TestQueueCapacityRounding(t *testing.T) {
	tests := []struct {
		in   int
		want uint64
	}{
		{0, 2},
		{1, 2},
		{2, 2},
		{3, 4},
		{5, 8},
		{64, 64},
	}
	for _, tt := range tests {
		if got := NewQueue(tt.in).Capacity(); got != tt.want {
			t.Errorf("NewQueue(%d).Capacity() = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestQueuePushPop(t *testing.T) {
	q := NewQueue(8)

	if _, ok := q.Latest(); ok {
		t.Fatal("Latest() reports a packet on an empty queue")
	}

	for seq := uint64(0); seq < 5; seq++ {
		if displaced := q.Push(seqPacket(seq)); displaced != nil {
			t.Errorf("Push(%d) displaced seq %d", seq, displaced.Seq)
		}
	}
	if latest, ok := q.Latest(); !ok || latest != 4 {
		t.Errorf("Latest() = %d, %v, want 4, true", latest, ok)
	}
	if got := q.Pushes(); got != 5 {
		t.Errorf("Pushes() = %d, want 5", got)
	}

	for seq := uint64(0); seq < 5; seq++ {
		p := q.Pop(seq)
		if p == nil || p.Seq != seq {
			t.Fatalf("Pop(%d) = %v, want packet %d", seq, p, seq)
		}
	}
	if p := q.Pop(2); p != nil {
		t.Errorf("second Pop(2) = packet %d, want nil", p.Seq)
	}
}

func TestQueueDisplacesOldest(t *testing.T) {
	q := NewQueue(4)
	for seq := uint64(0); seq < 4; seq++ {
		q.Push(seqPacket(seq))
	}

	displaced := q.Push(seqPacket(4))
	if displaced == nil || displaced.Seq != 0 {
		t.Fatalf("Push(4) displaced %v, want packet 0", displaced)
	}
	if latest, _ := q.Latest(); latest != 4 {
		t.Errorf("Latest() = %d, want 4", latest)
	}
	if p := q.Pop(4); p == nil || p.Seq != 4 {
		t.Errorf("Pop(4) = %v, want packet 4", p)
	}
}

func TestQueueReorderedArrival(t *testing.T) {
	q := NewQueue(8)
	q.Push(seqPacket(5))
	q.Push(seqPacket(3))

	if latest, _ := q.Latest(); latest != 5 {
		t.Errorf("Latest() = %d, want 5 after out-of-order push", latest)
	}
	if p := q.Pop(3); p == nil || p.Seq != 3 {
		t.Errorf("Pop(3) = %v, want packet 3", p)
	}
	if p := q.Pop(5); p == nil || p.Seq != 5 {
		t.Errorf("Pop(5) = %v, want packet 5", p)
	}
}

func TestQueueOldestBuffered(t *testing.T) {
	q := NewQueue(8)
	q.Push(seqPacket(10))
	q.Push(seqPacket(12))
	q.Push(seqPacket(13))

	latest, ok := q.Latest()
	if !ok || latest != 13 {
		t.Fatalf("Latest() = %d, %v, want 13, true", latest, ok)
	}
	seq, found := q.OldestBuffered(6, latest)
	if !found || seq != 10 {
		t.Errorf("OldestBuffered(6, 13) = %d, %v, want 10, true", seq, found)
	}

	// A floor past everything buffered finds nothing.
	if _, found := q.OldestBuffered(14, latest); found {
		t.Error("OldestBuffered(14, 13) found a packet")
	}
}

func TestQueueClear(t *testing.T) {
	q := NewQueue(4)
	for seq := uint64(0); seq < 4; seq++ {
		q.Push(seqPacket(seq))
	}
	q.Clear()

	for seq := uint64(0); seq < 4; seq++ {
		if p := q.Pop(seq); p != nil {
			t.Errorf("Pop(%d) after Clear = packet %d, want nil", seq, p.Seq)
		}
	}
	// The watermark survives so a restart can reject stale sequences.
	if latest, ok := q.Latest(); !ok || latest != 3 {
		t.Errorf("Latest() after Clear = %d, %v, want 3, true", latest, ok)
	}
}
