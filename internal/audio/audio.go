// ABOUTME: Audio backend abstractions and sample format helpers
// ABOUTME: Sources produce interleaved float32 frames, sinks consume them
package audio

import (
	"encoding/binary"
	"math"

	"github.com/haileys/bark/internal/protocol"
)

// Source produces interleaved float32 frames at the stream rate
// (48kHz stereo). Implementations resample internally if their native
// rate differs. Read fills samples and returns how many interleaved
// samples were written; it blocks until at least one frame is
// available or the source ends.
type Source interface {
	Read(samples []float32) (int, error)
	Close() error
}

// FillFunc runs on the output device's thread. It must fill out
// completely (silence where no data is available) and must not block
// or allocate.
type FillFunc func(out []float32)

// Sink drives playback by repeatedly calling fill from its device
// thread.
type Sink interface {
	// Start begins playback. fill is called until Close.
	Start(fill FillFunc) error
	// Latency is the device buffering between fill and the speaker.
	Latency() protocol.SampleDuration
	Close() error
}

// FloatsToS16LE packs float32 samples into little-endian int16 bytes.
// buf needs 2 bytes per sample.
func FloatsToS16LE(samples []float32, buf []byte) int {
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(SampleToInt16(s)))
	}
	return len(samples) * 2
}

// S16LEToFloats unpacks little-endian int16 bytes into float32 samples.
func S16LEToFloats(buf []byte, samples []float32) int {
	n := len(buf) / 2
	for i := 0; i < n; i++ {
		samples[i] = SampleFromInt16(int16(binary.LittleEndian.Uint16(buf[i*2:])))
	}
	return n
}

// FloatsToF32LE packs float32 samples into little-endian IEEE bytes.
// buf needs 4 bytes per sample.
func FloatsToF32LE(samples []float32, buf []byte) int {
	for i, s := range samples {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(s))
	}
	return len(samples) * 4
}

// F32LEToFloats unpacks little-endian IEEE bytes into float32 samples.
func F32LEToFloats(buf []byte, samples []float32) int {
	n := len(buf) / 4
	for i := 0; i < n; i++ {
		samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return n
}

// SampleToInt16 converts a float sample to 16-bit PCM with clamping.
func SampleToInt16(s float32) int16 {
	switch {
	case s >= 1.0:
		return math.MaxInt16
	case s <= -1.0:
		return math.MinInt16
	}
	return int16(s * 32767.0)
}

// SampleFromInt16 converts a 16-bit PCM sample to float.
func SampleFromInt16(s int16) float32 {
	return float32(s) / 32768.0
}
