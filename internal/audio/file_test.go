// ABOUTME: Tests for source normalization wrappers
// ABOUTME: Uses synthetic sources to cover mono upmix and rate conversion
package audio

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"
)

// rampSource emits an increasing sample ramp and EOF after limit
// samples.
type rampSource struct {
	next  int
	limit int
}

func (s *rampSource) Read(samples []float32) (int, error) {
	n := 0
	for n < len(samples) && s.next < s.limit {
		samples[n] = float32(s.next)
		s.next++
		n++
	}
	if s.next >= s.limit {
		return n, io.EOF
	}
	return n, nil
}

func (s *rampSource) Close() error { return nil }

func TestMonoSourceDuplicatesChannels(t *testing.T) {
	src := &monoSource{src: &rampSource{limit: 1000}}

	samples := make([]float32, 8)
	n, err := src.Read(samples)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if n != 8 {
		t.Fatalf("Read returned %d, want 8", n)
	}
	want := []float32{0, 0, 1, 1, 2, 2, 3, 3}
	for i := range want {
		if samples[i] != want[i] {
			t.Errorf("samples[%d] = %f, want %f", i, samples[i], want[i])
		}
	}
}

func TestResampledSourceDoublesRate(t *testing.T) {
	// A 24kHz source through the wrapper comes out at 48kHz with
	// interpolated midpoints.
	inner := &monoSource{src: &evenRamp{limit: 64}}
	src := newResampledSource(inner, 24000)

	samples := make([]float32, 16)
	n, err := src.Read(samples)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if n != 16 {
		t.Fatalf("Read returned %d, want 16", n)
	}
	for i := 0; i < n/2; i++ {
		if samples[i*2] != float32(i) {
			t.Errorf("frame %d = %f, want %d", i, samples[i*2], i)
		}
		if samples[i*2] != samples[i*2+1] {
			t.Errorf("frame %d channels differ", i)
		}
	}
}

// evenRamp emits 0, 2, 4, ... so midpoint interpolation yields odd
// integers.
type evenRamp struct {
	next  int
	limit int
}

func (s *evenRamp) Read(samples []float32) (int, error) {
	n := 0
	for n < len(samples) && s.next < s.limit {
		samples[n] = float32(2 * s.next)
		s.next++
		n++
	}
	if s.next >= s.limit {
		return n, io.EOF
	}
	return n, nil
}

func (s *evenRamp) Close() error { return nil }

func TestResampledSourceDrainsThenEOF(t *testing.T) {
	src := newResampledSource(&monoSource{src: &rampSource{limit: 10}}, 48000)

	total := 0
	samples := make([]float32, 6)
	for {
		n, err := src.Read(samples)
		total += n
		if err != nil {
			if err != io.EOF {
				t.Fatalf("Read: %v", err)
			}
			break
		}
		if n == 0 {
			t.Fatal("Read returned 0, nil")
		}
	}
	// Ten stereo frames in; unity rate holds the last one back as the
	// interpolation endpoint.
	if total != 18 {
		t.Errorf("drained %d samples, want 18", total)
	}
}

func TestRawSourceReadsS16LE(t *testing.T) {
	var buf bytes.Buffer
	for _, v := range []int16{0, 16384, -16384, 32767} {
		binary.Write(&buf, binary.LittleEndian, v)
	}

	src := newRawSource(&buf)
	samples := make([]float32, 4)
	n, err := src.Read(samples)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if n != 4 {
		t.Fatalf("Read returned %d, want 4", n)
	}
	want := []float32{0, 0.5, -0.5, 32767.0 / 32768.0}
	for i := range want {
		if samples[i] != want[i] {
			t.Errorf("samples[%d] = %f, want %f", i, samples[i], want[i])
		}
	}
}

func TestNewSourceRejectsUnknownInput(t *testing.T) {
	if _, err := NewSource("/does/not/exist.wav"); err == nil {
		t.Error("NewSource accepted a missing path")
	}
	if _, err := NewSource("tone:abc"); err == nil {
		t.Error("NewSource accepted a malformed tone frequency")
	}
}
