// ABOUTME: Tests for sample-count timestamp arithmetic
// ABOUTME: Covers micros conversions, wraparound deltas and duration math
package protocol

import (
	"testing"
	"time"
)

func TestTimestampMicrosRoundTrip(t *testing.T) {
	cases := []uint64{0, 1, 999, 1000, 20833, 1000000, 3600000000, 86400000000}

	for _, micros := range cases {
		ts := TimestampFromMicros(micros)
		back := ts.Micros()

		// one frame is ~20.8us, so round-tripping may lose at most
		// one frame's worth
		if back > micros || micros-back > 21 {
			t.Errorf("micros %d -> %d frames -> %d micros", micros, ts, back)
		}
	}
}

func TestTimestampFromMicrosExact(t *testing.T) {
	// 1 second = 48000 frames
	if got := TimestampFromMicros(1000000); got != 48000 {
		t.Errorf("1s = %d frames, want 48000", got)
	}
	if got := TimestampFromMicros(20000); got != 960 {
		t.Errorf("20ms = %d frames, want 960", got)
	}
}

func TestTimestampDeltaWraparound(t *testing.T) {
	near := Timestamp(10)
	wrapped := near.Add(SampleDuration(1) << 63).Add(SampleDuration(1) << 63) // full wrap

	if d := wrapped.Delta(near); d != 0 {
		t.Errorf("full wrap delta = %d, want 0", d)
	}

	// a counter just past wrap compares correctly against one just before
	before := Timestamp(0).Adjust(-5)
	after := Timestamp(3)
	if d := after.Delta(before); d != 8 {
		t.Errorf("delta across wrap = %d, want 8", d)
	}
	if d := before.Delta(after); d != -8 {
		t.Errorf("reverse delta across wrap = %d, want -8", d)
	}
}

func TestTimestampAdjust(t *testing.T) {
	ts := Timestamp(1000)
	if got := ts.Adjust(-250); got != 750 {
		t.Errorf("adjust -250 = %d, want 750", got)
	}
	if got := ts.Adjust(250); got != 1250 {
		t.Errorf("adjust +250 = %d, want 1250", got)
	}
}

func TestSaturatingDurationSince(t *testing.T) {
	a := Timestamp(100)
	b := Timestamp(300)

	if got := b.SaturatingDurationSince(a); got != 200 {
		t.Errorf("300 since 100 = %d, want 200", got)
	}
	if got := a.SaturatingDurationSince(b); got != 0 {
		t.Errorf("100 since 300 = %d, want 0", got)
	}
}

func TestSampleDurationConversions(t *testing.T) {
	d := DurationFromStd(20 * time.Millisecond)
	if d != 960 {
		t.Errorf("20ms = %d frames, want 960", d)
	}
	if got := d.Std(); got != 20*time.Millisecond {
		t.Errorf("960 frames = %v, want 20ms", got)
	}
	if got := d.BufferOffset(); got != 1920 {
		t.Errorf("960 frames = %d interleaved samples, want 1920", got)
	}
	if got := DurationFromBufferOffset(1920); got != 960 {
		t.Errorf("1920 samples = %d frames, want 960", got)
	}
}

func TestOnePacketDuration(t *testing.T) {
	if OnePacket != FramesPerPacket {
		t.Errorf("OnePacket = %d, want %d", OnePacket, FramesPerPacket)
	}
	// 160 frames at 48kHz is 3333us
	if got := OnePacket.Micros(); got != 3333 {
		t.Errorf("OnePacket = %dus, want 3333", got)
	}
}

func TestTimestampDeltaMicros(t *testing.T) {
	d := DeltaFromMicros(-20000)
	if d != -960 {
		t.Errorf("-20ms = %d frames, want -960", d)
	}
	if got := d.Micros(); got != -20000 {
		t.Errorf("-960 frames = %dus, want -20000", got)
	}
	if got := d.Abs(); got != 960 {
		t.Errorf("abs(-960) = %d, want 960", got)
	}
}
