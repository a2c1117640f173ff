// ABOUTME: Playout engine deciding what every output tick emits
// ABOUTME: Aligns the jitter buffer to the source timeline and slews drift
package receive

import (
	"fmt"
	"log"
	"sync/atomic"

	"github.com/haileys/bark/internal/audio"
	"github.com/haileys/bark/internal/protocol"
	"github.com/haileys/bark/internal/stats"
	"github.com/haileys/bark/internal/timesync"
)

// DefaultMinFill is how many packets must be buffered before playback
// leaves Buffering.
const (
	DefaultMinFill = 2
	// DefaultMaxSeqGap is the longest run of missing packets bridged by
	// concealment before playback resyncs instead.
	DefaultMaxSeqGap = 12
)

// EngineConfig carries the playout tunables for one session.
type EngineConfig struct {
	// OutputDelayMicros is the scheduling headroom receivers add on
	// top of a packet's presentation time.
	OutputDelayMicros int64
	// DeviceLatencyMicros is the physical buffering of the output
	// device, reported by the sink.
	DeviceLatencyMicros int64
	// FreshnessMicros bounds how old a clock estimate may be before
	// playback refuses to start on it.
	FreshnessMicros uint64
	// MinFill is the packet count required to leave Buffering.
	MinFill int
	// MaxSeqGap is the longest missing-packet run to conceal before
	// resyncing through Buffering.
	MaxSeqGap int
	Slew      SlewConfig
}

func (c EngineConfig) withDefaults() EngineConfig {
	if c.FreshnessMicros == 0 {
		c.FreshnessMicros = uint64(timesync.DefaultFreshness.Microseconds())
	}
	if c.MinFill == 0 {
		c.MinFill = DefaultMinFill
	}
	if c.MaxSeqGap == 0 {
		c.MaxSeqGap = DefaultMaxSeqGap
	}
	return c
}

// Engine consumes the jitter buffer from the audio callback thread.
// Fill never blocks and never allocates: packets are decoded into a
// fixed staging buffer and resampled out at the slewed rate. All
// mutable fields below the state word are owned by the callback
// thread.
type Engine struct {
	cfg     EngineConfig
	tag     string
	queue   *Queue
	decoder audio.Decoder
	est     *atomic.Pointer[timesync.Estimate]
	recv    *stats.Receiver

	state atomic.Uint32

	rs           *audio.Resampler
	ra           *RateAdjust
	format       protocol.Format
	packetFrames int

	nextSeq  uint64
	position protocol.Timestamp
	pending  *protocol.AudioPacket
	stage    []float32
	stagePos int
	stageLen int
	fillBase uint64
}

// NewEngine builds the consumer side of a session. The estimate
// pointer is published by the session's sync loop; the queue is fed by
// its network loop.
func NewEngine(tag string, format protocol.Format, queue *Queue, est *atomic.Pointer[timesync.Estimate], recv *stats.Receiver, cfg EngineConfig) (*Engine, error) {
	decoder, err := audio.NewDecoder(format)
	if err != nil {
		return nil, fmt.Errorf("playout decoder: %w", err)
	}
	e := &Engine{
		cfg:          cfg.withDefaults(),
		tag:          tag,
		queue:        queue,
		decoder:      decoder,
		est:          est,
		recv:         recv,
		rs:           audio.NewResampler(protocol.SampleRate, protocol.SampleRate, protocol.Channels),
		ra:           NewRateAdjust(cfg.Slew),
		format:       format,
		packetFrames: audio.PacketFrames(format),
		stage:        make([]float32, protocol.SamplesPerPacket),
	}
	e.setState(protocol.StateBuffering)
	log.Printf("%s: buffering", tag)
	return e, nil
}

// State returns the engine state for stats and teardown decisions.
func (e *Engine) State() protocol.StreamState {
	return protocol.StreamState(e.state.Load())
}

func (e *Engine) setState(s protocol.StreamState) {
	e.state.Store(uint32(s))
	e.recv.SetState(s)
}

// Stall marks the session dead after a data timeout. Called from the
// session watchdog, not the audio thread.
func (e *Engine) Stall() {
	e.setState(protocol.StateStalled)
	log.Printf("%s: stalled", e.tag)
}

// Stop drains the engine to its terminal idle state.
func (e *Engine) Stop() {
	e.setState(protocol.StateUninitialized)
}

// Close releases the decoder. The sink must no longer be calling Fill.
func (e *Engine) Close() error {
	return e.decoder.Close()
}

type stageResult int

const (
	stageReady stageResult = iota
	stageWait
	stageResync
)

// Fill implements audio.FillFunc. It runs on the output device thread.
func (e *Engine) Fill(out []float32) {
	switch e.State() {
	case protocol.StateUninitialized, protocol.StateStalled:
		clear(out)
		return
	case protocol.StateBuffering, protocol.StateUnderrun:
		clear(out)
		e.tryStartPlaying()
		return
	}

	now := timesync.NowMicros()
	est := e.est.Load()

	// Slew against the position the first sample of this fill should
	// occupy. A stale estimate still steers; only a missing one is
	// unusable, and Playing is unreachable before the first estimate.
	offset := e.position.Delta(e.targetPosition(est, now)).Micros()
	elapsed := float64(len(out)/protocol.Channels) / protocol.SampleRate
	rate := e.ra.Update(offset, elapsed)
	e.rs.SetRate(rate)
	e.recv.AudioOffsetMicros.Store(offset)
	e.recv.SetSlewRate(rate)

	produced := 0
	for produced < len(out) {
		if e.stagePos == e.stageLen {
			switch e.refillStage() {
			case stageWait:
				clear(out[produced:])
				e.recv.BufferUnderruns.Add(1)
				e.setState(protocol.StateUnderrun)
				e.fillBase = e.queue.Pushes()
				log.Printf("%s: underrun", e.tag)
				return
			case stageResync:
				clear(out[produced:])
				e.reset()
				return
			}
		}
		consumed, got := e.rs.Resample(e.stage[e.stagePos:e.stageLen], out[produced:])
		e.stagePos += consumed
		e.position = e.position.Add(protocol.SampleDuration(consumed / protocol.Channels))
		produced += got
	}

	e.recv.BufferLengthMicros.Store(e.bufferedMicros())
}

// refillStage loads the next run of stream-domain samples into the
// staging buffer: packet data when due, silence across presentation
// gaps, concealment for lost packets.
func (e *Engine) refillStage() stageResult {
	e.stagePos = 0
	e.stageLen = 0
	for {
		if e.pending == nil {
			latest, ok := e.queue.Latest()
			if !ok || int64(latest-e.nextSeq) < 0 {
				return stageWait
			}
			if int64(latest-e.nextSeq) >= int64(e.queue.Capacity()) {
				// Everything between has already been displaced.
				log.Printf("%s: fell %d packets behind, resyncing", e.tag, latest-e.nextSeq)
				return stageResync
			}
			p := e.queue.Pop(e.nextSeq)
			if p == nil {
				// Lost or still in flight past its slot time. Short
				// runs are concealed; anything longer plays sooner by
				// resyncing than by bridging silence.
				next, found := e.queue.OldestBuffered(e.nextSeq+1, latest)
				if !found {
					return stageWait
				}
				if gap := next - e.nextSeq; gap > uint64(e.cfg.MaxSeqGap) {
					log.Printf("%s: %d packets missing, resyncing", e.tag, gap)
					return stageResync
				}
				e.recv.PacketsLost.Add(1)
				e.nextSeq++
				e.stageLen = e.concealPacket()
				return stageReady
			}
			if int64(p.Seq-e.nextSeq) < 0 {
				// Straggler from a sequence range already played.
				e.recv.PacketsLate.Add(1)
				continue
			}
			if p.Seq != e.nextSeq {
				log.Printf("%s: lapped at seq %d (found %d), resyncing", e.tag, e.nextSeq, p.Seq)
				return stageResync
			}
			e.nextSeq++
			e.pending = p
		}

		gap := e.pending.PTS.Delta(e.position)
		if gap > 0 {
			maxGap := protocol.TimestampDelta(e.queue.Capacity()) * protocol.TimestampDelta(e.packetFrames)
			if gap > maxGap {
				// The packet claims a presentation time far beyond
				// anything the buffer could bridge. Jump to it.
				log.Printf("%s: presentation jumped %dus ahead, skipping", e.tag, gap.Micros())
				e.position = e.pending.PTS
			} else {
				frames := int(gap)
				if frames > protocol.FramesPerPacket {
					frames = protocol.FramesPerPacket
				}
				e.stageLen = frames * protocol.Channels
				clear(e.stage[:e.stageLen])
				return stageReady
			}
		}

		p := e.pending
		e.pending = nil
		frames, err := e.decoder.Decode(p.Payload, e.stage)
		if err != nil {
			log.Printf("%s: decode failed at seq %d: %v", e.tag, p.Seq, err)
			e.recv.PacketsDropped.Add(1)
			e.stageLen = e.concealPacket()
			return stageReady
		}
		e.stageLen = frames * protocol.Channels

		if late := e.position.Delta(p.PTS); late > 0 {
			if int(late) >= frames {
				e.recv.PacketsLate.Add(1)
				e.stageLen = 0
				continue
			}
			e.stagePos = int(late) * protocol.Channels
		}
		return stageReady
	}
}

func (e *Engine) concealPacket() int {
	frames, err := e.decoder.Conceal(e.stage)
	if err != nil {
		frames = e.packetFrames
		clear(e.stage[:frames*protocol.Channels])
	}
	return frames * protocol.Channels
}

// targetPosition is the source-domain stream position whose scheduled
// playout instant coincides with what this fill will push out of the
// speaker. A packet stamped pts plays at local pts - offset + delay +
// outputDelay; samples written now emerge after the device latency.
// Solving for pts at emergence time gives the target.
func (e *Engine) targetPosition(est *timesync.Estimate, nowMicros uint64) protocol.Timestamp {
	t := int64(nowMicros) + est.OffsetMicros - est.DelayMicros +
		e.cfg.DeviceLatencyMicros - e.cfg.OutputDelayMicros
	if t < 0 {
		t = 0
	}
	return protocol.TimestampFromMicros(uint64(t))
}

// tryStartPlaying transitions Buffering or Underrun to Playing once a
// fresh clock estimate exists and enough packets are queued.
func (e *Engine) tryStartPlaying() {
	est := e.est.Load()
	if est == nil {
		return
	}
	now := timesync.NowMicros()
	if now-est.AtMicros > e.cfg.FreshnessMicros {
		return
	}
	if e.queue.Pushes()-e.fillBase < uint64(e.cfg.MinFill) {
		return
	}
	latest, ok := e.queue.Latest()
	if !ok {
		return
	}
	floor := uint64(0)
	if capacity := e.queue.Capacity(); latest >= capacity {
		floor = latest - capacity + 1
	}
	seq, found := e.queue.OldestBuffered(floor, latest)
	if !found {
		return
	}

	e.nextSeq = seq
	e.pending = nil
	e.stagePos = 0
	e.stageLen = 0
	e.position = e.targetPosition(est, now)
	e.ra.Reset()
	e.rs.Reset()
	e.setState(protocol.StatePlaying)
	log.Printf("%s: playing (%d packets buffered)", e.tag, e.queue.Pushes()-e.fillBase)
}

// reset returns to Buffering after the stream position was lost.
func (e *Engine) reset() {
	e.queue.Clear()
	e.pending = nil
	e.stagePos = 0
	e.stageLen = 0
	e.fillBase = e.queue.Pushes()
	e.ra.Reset()
	e.rs.Reset()
	e.recv.StreamResets.Add(1)
	e.setState(protocol.StateBuffering)
	log.Printf("%s: buffering", e.tag)
}

// bufferedMicros approximates the stream duration queued ahead of the
// play position.
func (e *Engine) bufferedMicros() uint64 {
	latest, ok := e.queue.Latest()
	if !ok {
		return 0
	}
	ahead := int64(latest + 1 - e.nextSeq)
	if ahead < 0 {
		ahead = 0
	}
	frames := ahead*int64(e.packetFrames) + int64((e.stageLen-e.stagePos)/protocol.Channels)
	return protocol.SampleDuration(frames).Micros()
}
