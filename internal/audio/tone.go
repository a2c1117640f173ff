// ABOUTME: Sine wave test source
// ABOUTME: Generates a steady tone for end-to-end stream testing
package audio

import (
	"math"

	"github.com/haileys/bark/internal/protocol"
)

// ToneSource generates a sine wave at the stream rate. It never
// returns an error, so a stream fed from it runs until cancelled.
type ToneSource struct {
	frequency   float64
	sampleIndex uint64
}

// NewToneSource creates a tone generator. hz of 0 selects 440Hz.
func NewToneSource(hz float64) *ToneSource {
	if hz <= 0 {
		hz = 440.0
	}
	return &ToneSource{frequency: hz}
}

func (s *ToneSource) Read(samples []float32) (int, error) {
	frames := len(samples) / protocol.Channels
	for i := 0; i < frames; i++ {
		t := float64(s.sampleIndex+uint64(i)) / float64(protocol.SampleRate)
		v := float32(math.Sin(2*math.Pi*s.frequency*t) * 0.5)
		for ch := 0; ch < protocol.Channels; ch++ {
			samples[i*protocol.Channels+ch] = v
		}
	}
	s.sampleIndex += uint64(frames)
	return frames * protocol.Channels, nil
}

func (s *ToneSource) Close() error { return nil }
