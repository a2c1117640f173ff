// ABOUTME: Lock-free receiver session counters and gauges
// ABOUTME: Written from the audio and network threads, snapshotted on demand
package stats

import (
	"math"
	"sync/atomic"

	"github.com/haileys/bark/internal/protocol"
)

// Receiver aggregates one session's timing gauges and packet counters.
// Every field is updated with plain atomic stores from whichever
// thread owns the fact, so snapshots never block the data path.
type Receiver struct {
	State atomic.Uint32

	AudioOffsetMicros    atomic.Int64
	BufferLengthMicros   atomic.Uint64
	OutputLatencyMicros  atomic.Uint64
	NetworkLatencyMicros atomic.Uint64
	PredictOffsetMicros  atomic.Int64
	SlewRateBits         atomic.Uint64

	PacketsReceived atomic.Uint64
	PacketsLost     atomic.Uint64
	PacketsLate     atomic.Uint64
	PacketsDropped  atomic.Uint64
	BufferUnderruns atomic.Uint64
	BufferOverruns  atomic.Uint64
	StreamResets    atomic.Uint64
}

// NewReceiver creates a counter set starting at unity playback rate.
func NewReceiver() *Receiver {
	r := &Receiver{}
	r.SetSlewRate(1.0)
	return r
}

// SetState records the engine state.
func (r *Receiver) SetState(s protocol.StreamState) {
	r.State.Store(uint32(s))
}

// SetSlewRate records the playback rate multiplier.
func (r *Receiver) SetSlewRate(rate float64) {
	r.SlewRateBits.Store(math.Float64bits(rate))
}

// Snapshot assembles a wire-format report from the current values.
func (r *Receiver) Snapshot() protocol.ReceiverReport {
	return protocol.ReceiverReport{
		State:                protocol.StreamState(r.State.Load()),
		AudioOffsetMicros:    r.AudioOffsetMicros.Load(),
		BufferLengthMicros:   r.BufferLengthMicros.Load(),
		OutputLatencyMicros:  r.OutputLatencyMicros.Load(),
		NetworkLatencyMicros: r.NetworkLatencyMicros.Load(),
		PredictOffsetMicros:  r.PredictOffsetMicros.Load(),
		SlewRate:             math.Float64frombits(r.SlewRateBits.Load()),
		PacketsReceived:      r.PacketsReceived.Load(),
		PacketsLost:          r.PacketsLost.Load(),
		PacketsLate:          r.PacketsLate.Load(),
		PacketsDropped:       r.PacketsDropped.Load(),
		BufferUnderruns:      r.BufferUnderruns.Load(),
		BufferOverruns:       r.BufferOverruns.Load(),
		StreamResets:         r.StreamResets.Load(),
	}
}
