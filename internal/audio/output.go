// ABOUTME: Speaker output backed by oto
// ABOUTME: The device read thread pulls frames through a fill callback
package audio

import (
	"fmt"
	"time"

	"github.com/ebitengine/oto/v3"

	"github.com/haileys/bark/internal/protocol"
)

// DefaultDeviceBuffer is the hardware buffering requested from oto.
// It is part of the end-to-end latency budget, so it stays small.
const DefaultDeviceBuffer = 20 * time.Millisecond

// OtoSink plays 48kHz stereo float32 through the default output
// device. oto allows one context per process, so at most one sink can
// be started.
type OtoSink struct {
	otoCtx  *oto.Context
	player  *oto.Player
	latency protocol.SampleDuration
}

// NewOtoSink creates a sink with the given device buffer. Zero selects
// DefaultDeviceBuffer.
func NewOtoSink(deviceBuffer time.Duration) *OtoSink {
	if deviceBuffer <= 0 {
		deviceBuffer = DefaultDeviceBuffer
	}
	return &OtoSink{latency: protocol.DurationFromStd(deviceBuffer)}
}

func (s *OtoSink) Start(fill FillFunc) error {
	op := &oto.NewContextOptions{
		SampleRate:   protocol.SampleRate,
		ChannelCount: protocol.Channels,
		Format:       oto.FormatFloat32LE,
		BufferSize:   s.latency.Std(),
	}

	otoCtx, readyChan, err := oto.NewContext(op)
	if err != nil {
		return fmt.Errorf("failed to create oto context: %w", err)
	}
	<-readyChan

	s.otoCtx = otoCtx
	s.player = otoCtx.NewPlayer(&fillReader{fill: fill})
	s.player.Play()
	return nil
}

// Latency is the device buffering between the fill callback and the
// speaker.
func (s *OtoSink) Latency() protocol.SampleDuration {
	return s.latency
}

func (s *OtoSink) Close() error {
	if s.player != nil {
		s.player.Close()
		s.player = nil
	}
	if s.otoCtx != nil {
		s.otoCtx.Suspend()
		s.otoCtx = nil
	}
	return nil
}

// fillReader adapts a FillFunc to the io.Reader that oto's playback
// thread pulls from.
type fillReader struct {
	fill    FillFunc
	scratch []float32
}

func (r *fillReader) Read(buf []byte) (int, error) {
	n := len(buf) / 4
	if n == 0 {
		return 0, nil
	}
	if cap(r.scratch) < n {
		r.scratch = make([]float32, n)
	}
	out := r.scratch[:n]
	r.fill(out)
	return FloatsToF32LE(out, buf), nil
}
