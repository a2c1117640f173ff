// ABOUTME: Per-receiver clock offset and network delay estimation
// ABOUTME: Min-delay sample selection over a sliding window with EWMA smoothing
package timesync

import (
	"time"

	"github.com/haileys/bark/internal/protocol"
)

// Defaults tuned for a LAN with a 200ms probe interval.
const (
	DefaultWindow    = 16
	DefaultAlpha     = 0.1
	DefaultMaxRTT    = 100 * time.Millisecond
	DefaultFreshness = 1 * time.Second
)

// Options configures an Estimator. Zero values take the defaults.
type Options struct {
	// Window is how many recent samples are kept for selection.
	Window int
	// Alpha is the EWMA coefficient applied when the selected sample
	// changes. Smaller is smoother.
	Alpha float64
	// MaxRTT rejects exchanges whose round trip exceeds it.
	MaxRTT time.Duration
	// Freshness is how old the newest sample may be before the
	// estimate is reported stale.
	Freshness time.Duration
}

func (o Options) withDefaults() Options {
	if o.Window <= 0 {
		o.Window = DefaultWindow
	}
	if o.Alpha <= 0 {
		o.Alpha = DefaultAlpha
	}
	if o.MaxRTT <= 0 {
		o.MaxRTT = DefaultMaxRTT
	}
	if o.Freshness <= 0 {
		o.Freshness = DefaultFreshness
	}
	return o
}

// Sample is one completed probe/response exchange.
type Sample struct {
	// OffsetMicros is the source clock minus the local clock. Positive
	// means the source reads ahead of us.
	OffsetMicros int64
	// DelayMicros is the estimated one-way network transit time.
	DelayMicros int64
	// AtMicros is the local monotonic clock when the response arrived.
	AtMicros uint64
}

// SampleFromExchange derives offset and delay from the four exchange
// timestamps: t1 probe sent (local), t2 probe received (source), t3
// response sent (source), t4 response received (local).
//
//	offset = ((t2-t1)+(t3-t4))/2
//	delay  = ((t4-t1)-(t3-t2))/2
func SampleFromExchange(t1, t2, t3, t4 uint64) Sample {
	offset := (int64(t2)-int64(t1)+int64(t3)-int64(t4)) / 2
	delay := (int64(t4) - int64(t1) - (int64(t3) - int64(t2))) / 2
	return Sample{OffsetMicros: offset, DelayMicros: delay, AtMicros: t4}
}

// rtt is the network portion of the exchange's round trip.
func (s Sample) rtt() int64 {
	return 2 * s.DelayMicros
}

// Freshness grades an estimate for its consumer.
type Freshness int

const (
	// Unavailable means no exchange has completed yet.
	Unavailable Freshness = iota
	// Stale means the estimate exists but its newest sample is older
	// than the freshness window. Playback continues on it; it is not
	// trusted for starting new streams.
	Stale
	// Fresh means the estimate is current.
	Fresh
)

func (f Freshness) String() string {
	switch f {
	case Unavailable:
		return "unavailable"
	case Stale:
		return "stale"
	}
	return "fresh"
}

// Estimate is the smoothed clock relationship to the source.
type Estimate struct {
	// OffsetMicros is source clock minus local clock.
	OffsetMicros int64
	// DelayMicros is one-way network delay.
	DelayMicros int64
	// AtMicros is the local time of the newest contributing sample.
	AtMicros uint64
}

// SourceToLocal converts a source-domain frame timestamp to the local
// clock domain.
func (e Estimate) SourceToLocal(ts protocol.Timestamp) protocol.Timestamp {
	return ts.Adjust(protocol.DeltaFromMicros(-e.OffsetMicros))
}

// LocalToSource converts a local frame timestamp to the source domain.
func (e Estimate) LocalToSource(ts protocol.Timestamp) protocol.Timestamp {
	return ts.Adjust(protocol.DeltaFromMicros(e.OffsetMicros))
}

// PlayoutAt is the scheduling rule: a packet stamped pts plays at
//
//	local = pts - offset + delay + outputDelay
//
// where outputDelay is the receiver's configured device headroom.
func (e Estimate) PlayoutAt(pts protocol.Timestamp, outputDelay protocol.SampleDuration) protocol.Timestamp {
	local := pts.Adjust(protocol.DeltaFromMicros(e.DelayMicros - e.OffsetMicros))
	return local.Add(outputDelay)
}

// PredictOffset compares a packet's declared send position against
// where the clock model says it should be, in micros. The packet left
// the source at dts (source clock) and arrived here at arrivalMicros
// (local clock); transit should have taken DelayMicros. Large values
// mean the estimate or the stream configuration is wrong.
func (e Estimate) PredictOffset(dts protocol.Timestamp, arrivalMicros uint64) int64 {
	predicted := int64(arrivalMicros) + e.OffsetMicros - e.DelayMicros
	return int64(dts.Micros()) - predicted
}

// Estimator maintains the sliding sample window and the smoothed
// estimate for one receiver session. Not safe for concurrent use; the
// session's sync loop owns it and publishes snapshots.
type Estimator struct {
	opts Options

	samples []Sample
	head    int
	count   int

	offset      float64
	delay       float64
	initialized bool
	newestAt    uint64
}

// NewEstimator builds an estimator with the given options.
func NewEstimator(opts Options) *Estimator {
	opts = opts.withDefaults()
	return &Estimator{
		opts:    opts,
		samples: make([]Sample, opts.Window),
	}
}

// Observe records a completed exchange. It returns false if the sample
// was rejected (negative delay from clock glitches, or round trip above
// MaxRTT).
func (e *Estimator) Observe(s Sample) bool {
	if s.DelayMicros < 0 {
		return false
	}
	if s.rtt() > e.opts.MaxRTT.Microseconds() {
		return false
	}

	e.samples[e.head] = s
	e.head = (e.head + 1) % len(e.samples)
	if e.count < len(e.samples) {
		e.count++
	}
	e.newestAt = s.AtMicros

	// Select the minimum-delay sample in the window. Queueing jitter
	// only ever adds delay, so the smallest-delay exchange is the one
	// least distorted by it.
	best := e.window(0)
	for i := 1; i < e.count; i++ {
		if c := e.window(i); c.DelayMicros < best.DelayMicros {
			best = c
		}
	}

	if !e.initialized {
		e.offset = float64(best.OffsetMicros)
		e.delay = float64(best.DelayMicros)
		e.initialized = true
		return true
	}

	e.offset += e.opts.Alpha * (float64(best.OffsetMicros) - e.offset)
	e.delay += e.opts.Alpha * (float64(best.DelayMicros) - e.delay)
	return true
}

func (e *Estimator) window(i int) Sample {
	idx := (e.head - e.count + i + len(e.samples)) % len(e.samples)
	return e.samples[idx]
}

// Estimate returns the current estimate and its freshness at the given
// local time.
func (e *Estimator) Estimate(nowMicros uint64) (Estimate, Freshness) {
	if !e.initialized {
		return Estimate{}, Unavailable
	}
	est := Estimate{
		OffsetMicros: int64(e.offset),
		DelayMicros:  int64(e.delay),
		AtMicros:     e.newestAt,
	}
	if nowMicros > e.newestAt+uint64(e.opts.Freshness.Microseconds()) {
		return est, Stale
	}
	return est, Fresh
}

// Reset discards all state, for use across stream epochs.
func (e *Estimator) Reset() {
	e.head = 0
	e.count = 0
	e.initialized = false
	e.newestAt = 0
	e.offset = 0
	e.delay = 0
}
