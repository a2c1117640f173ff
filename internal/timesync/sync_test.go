// ABOUTME: Tests for the clock offset estimator
// ABOUTME: Exchange math, min-delay selection, convergence, freshness grading
package timesync

import (
	"testing"
	"time"

	"github.com/haileys/bark/internal/protocol"
)

// simExchange builds the four timestamps for a probe sent at t1 against
// a source whose clock reads ours+offset, with the given one-way
// transits and server turnaround.
func simExchange(t1 uint64, offset int64, outDelay, backDelay, proc uint64) (uint64, uint64, uint64, uint64) {
	t2 := uint64(int64(t1+outDelay) + offset)
	t3 := t2 + proc
	t4 := uint64(int64(t3)-offset) + backDelay
	return t1, t2, t3, t4
}

func TestSampleFromExchange(t *testing.T) {
	// symmetric transit recovers offset and delay exactly
	t1, t2, t3, t4 := simExchange(1000000, 5000, 2000, 2000, 300)
	s := SampleFromExchange(t1, t2, t3, t4)

	if s.OffsetMicros != 5000 {
		t.Errorf("offset = %d, want 5000", s.OffsetMicros)
	}
	if s.DelayMicros != 2000 {
		t.Errorf("delay = %d, want 2000", s.DelayMicros)
	}
	if s.AtMicros != t4 {
		t.Errorf("at = %d, want t4 %d", s.AtMicros, t4)
	}
}

func TestSampleNegativeOffset(t *testing.T) {
	// source clock behind ours
	t1, t2, t3, t4 := simExchange(9000000, -250000, 800, 800, 100)
	s := SampleFromExchange(t1, t2, t3, t4)

	if s.OffsetMicros != -250000 {
		t.Errorf("offset = %d, want -250000", s.OffsetMicros)
	}
	if s.DelayMicros != 800 {
		t.Errorf("delay = %d, want 800", s.DelayMicros)
	}
}

func TestObserveRejects(t *testing.T) {
	e := NewEstimator(Options{})

	if e.Observe(Sample{OffsetMicros: 1, DelayMicros: -5, AtMicros: 10}) {
		t.Error("accepted negative delay")
	}
	if e.Observe(Sample{OffsetMicros: 1, DelayMicros: 60000, AtMicros: 10}) {
		t.Error("accepted sample with rtt above MaxRTT")
	}
	if _, f := e.Estimate(10); f != Unavailable {
		t.Errorf("freshness = %v after only rejected samples, want unavailable", f)
	}
}

func TestEstimateFreshness(t *testing.T) {
	e := NewEstimator(Options{Freshness: time.Second})

	if _, f := e.Estimate(0); f != Unavailable {
		t.Fatalf("freshness = %v before any sample, want unavailable", f)
	}

	e.Observe(Sample{OffsetMicros: 100, DelayMicros: 500, AtMicros: 1000})

	if _, f := e.Estimate(2000); f != Fresh {
		t.Errorf("freshness just after sample = %v, want fresh", f)
	}
	est, f := e.Estimate(1000 + 1000001)
	if f != Stale {
		t.Errorf("freshness after window = %v, want stale", f)
	}
	if est.OffsetMicros != 100 {
		t.Errorf("stale estimate lost its value: offset = %d", est.OffsetMicros)
	}
}

func TestMinDelaySelection(t *testing.T) {
	e := NewEstimator(Options{Alpha: 0.5})

	// jittered samples carry a biased offset, the clean one is true
	e.Observe(Sample{OffsetMicros: 9000, DelayMicros: 20000, AtMicros: 1})
	e.Observe(Sample{OffsetMicros: 8000, DelayMicros: 15000, AtMicros: 2})
	e.Observe(Sample{OffsetMicros: 5000, DelayMicros: 1000, AtMicros: 3})

	est, _ := e.Estimate(3)
	// selection follows the min-delay sample; smoothing moves toward it
	if est.OffsetMicros < 5000 || est.OffsetMicros > 8000 {
		t.Errorf("offset = %d, want moving toward 5000", est.OffsetMicros)
	}

	for i := 0; i < 20; i++ {
		e.Observe(Sample{OffsetMicros: 5000, DelayMicros: 1000, AtMicros: uint64(4 + i)})
	}
	est, _ = e.Estimate(30)
	if est.OffsetMicros < 4950 || est.OffsetMicros > 5050 {
		t.Errorf("offset = %d after settling, want ~5000", est.OffsetMicros)
	}
	if est.DelayMicros < 950 || est.DelayMicros > 1050 {
		t.Errorf("delay = %d after settling, want ~1000", est.DelayMicros)
	}
}

func TestConvergenceUnderJitter(t *testing.T) {
	const (
		trueOffset = 5000
		trueDelay  = 2000
	)
	e := NewEstimator(Options{})

	// deterministic jitter, up to ~4ms of asymmetric queueing
	now := uint64(1000000)
	for i := 0; i < 60; i++ {
		j1 := uint64(i*7919) % 4000
		j2 := uint64(i*104729) % 4000
		t1, t2, t3, t4 := simExchange(now, trueOffset, trueDelay+j1, trueDelay+j2, 200)
		e.Observe(SampleFromExchange(t1, t2, t3, t4))
		now += 200000
	}

	est, f := e.Estimate(now)
	if f != Fresh {
		t.Fatalf("freshness = %v, want fresh", f)
	}
	// min-delay selection keeps the low-jitter exchanges, so the
	// converged error stays well under the jitter magnitude
	if diff := est.OffsetMicros - trueOffset; diff < -1000 || diff > 1000 {
		t.Errorf("offset = %d, want %d +-1000", est.OffsetMicros, trueOffset)
	}
	if est.DelayMicros < trueDelay || est.DelayMicros > trueDelay+2500 {
		t.Errorf("delay = %d, want [%d, %d]", est.DelayMicros, trueDelay, trueDelay+2500)
	}
}

func TestSmoothingNoDiscontinuousJump(t *testing.T) {
	e := NewEstimator(Options{})

	for i := 0; i < 10; i++ {
		e.Observe(Sample{OffsetMicros: 1000, DelayMicros: 500, AtMicros: uint64(i)})
	}
	before, _ := e.Estimate(10)

	// a wild outlier with low delay becomes the selected sample, but
	// smoothing bounds the step to alpha of the difference
	e.Observe(Sample{OffsetMicros: 41000, DelayMicros: 400, AtMicros: 11})
	after, _ := e.Estimate(11)

	step := after.OffsetMicros - before.OffsetMicros
	if step > 4100 {
		t.Errorf("offset stepped %dus on one outlier, want <= alpha * 40000", step)
	}
}

func TestEstimatorReset(t *testing.T) {
	e := NewEstimator(Options{})
	e.Observe(Sample{OffsetMicros: 1000, DelayMicros: 500, AtMicros: 5})
	e.Reset()

	if _, f := e.Estimate(6); f != Unavailable {
		t.Errorf("freshness after reset = %v, want unavailable", f)
	}
}

func TestPlayoutAtScenario(t *testing.T) {
	// packet PTS = 1000ms, offset +5ms, delay 2ms, output delay 20ms:
	// local play time = 1000 - 5 + 2 + 20 = 1017ms
	est := Estimate{OffsetMicros: 5000, DelayMicros: 2000}
	pts := protocol.TimestampFromMicros(1000000)
	out := protocol.DurationFromMicros(20000)

	got := est.PlayoutAt(pts, out)
	want := protocol.TimestampFromMicros(1017000)
	if got != want {
		t.Errorf("playout at %d frames, want %d", got, want)
	}
}

func TestDomainConversions(t *testing.T) {
	est := Estimate{OffsetMicros: 5000, DelayMicros: 2000}
	ts := protocol.TimestampFromMicros(500000)

	local := est.SourceToLocal(ts)
	if back := est.LocalToSource(local); back != ts {
		t.Errorf("round trip = %d, want %d", back, ts)
	}
	// source ahead by 5ms means source instants happen 5ms earlier locally
	if want := ts.Adjust(protocol.DeltaFromMicros(-5000)); local != want {
		t.Errorf("local = %d, want %d", local, want)
	}
}

func TestPredictOffset(t *testing.T) {
	est := Estimate{OffsetMicros: 5000, DelayMicros: 2000}

	// sent at source 1000000us, perfect transit: arrives at local
	// 1000000 + 2000 - 5000 = 997000
	dts := protocol.TimestampFromMicros(1000000)
	if got := est.PredictOffset(dts, 997000); got != 0 {
		t.Errorf("predict offset = %d on perfect transit, want 0", got)
	}
	// packet arriving 3ms later than the model predicts
	if got := est.PredictOffset(dts, 1000000); got != -3000 {
		t.Errorf("predict offset = %d, want -3000", got)
	}
}
