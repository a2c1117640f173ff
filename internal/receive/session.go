// ABOUTME: Receiver session owning one stream epoch's queue, clock and stats
// ABOUTME: Network-thread entry points feeding the playout engine
package receive

import (
	"fmt"
	"sync/atomic"

	"github.com/haileys/bark/internal/protocol"
	"github.com/haileys/bark/internal/stats"
	"github.com/haileys/bark/internal/timesync"
)

// SessionConfig carries per-session tunables.
type SessionConfig struct {
	QueueCapacity int
	Sync          timesync.Options
	Engine        EngineConfig
}

// Session binds one (stream epoch, receiver) pair: the jitter buffer,
// the clock estimator and the playout engine. The receiver dispatch
// goroutine owns the producer side; the audio callback owns Fill.
type Session struct {
	sid    protocol.SessionID
	format protocol.Format

	queue     *Queue
	estimator *timesync.Estimator
	est       atomic.Pointer[timesync.Estimate]
	recv      *stats.Receiver
	engine    *Engine

	lastData atomic.Uint64
}

// NewSession creates the session for a stream epoch, keyed by the
// format of its first packet.
func NewSession(sid protocol.SessionID, format protocol.Format, cfg SessionConfig) (*Session, error) {
	if !format.Valid() {
		return nil, fmt.Errorf("session format: %v not playable", format)
	}
	s := &Session{
		sid:       sid,
		format:    format,
		queue:     NewQueue(cfg.QueueCapacity),
		estimator: timesync.NewEstimator(cfg.Sync),
		recv:      stats.NewReceiver(),
	}
	s.recv.OutputLatencyMicros.Store(uint64(cfg.Engine.DeviceLatencyMicros))
	s.lastData.Store(timesync.NowMicros())

	engine, err := NewEngine(fmt.Sprintf("stream %d", sid), format, s.queue, &s.est, s.recv, cfg.Engine)
	if err != nil {
		return nil, err
	}
	s.engine = engine
	return s, nil
}

// SID returns the stream epoch this session follows.
func (s *Session) SID() protocol.SessionID {
	return s.sid
}

// Format returns the stream format locked in by the first packet.
func (s *Session) Format() protocol.Format {
	return s.format
}

// Stats exposes the session counters.
func (s *Session) Stats() *stats.Receiver {
	return s.recv
}

// Estimate returns the latest published clock estimate, nil before the
// first successful exchange.
func (s *Session) Estimate() *timesync.Estimate {
	return s.est.Load()
}

// Fill implements audio.FillFunc by delegating to the engine.
func (s *Session) Fill(out []float32) {
	s.engine.Fill(out)
}

// State reports the engine state.
func (s *Session) State() protocol.StreamState {
	return s.engine.State()
}

// LastDataMicros is the local arrival time of the newest audio packet.
func (s *Session) LastDataMicros() uint64 {
	return s.lastData.Load()
}

// HandleAudio ingests one validated audio packet. Dispatch goroutine
// only.
func (s *Session) HandleAudio(p *protocol.AudioPacket, arrivalMicros uint64) {
	if p.Format != s.format {
		// Format changes mid-epoch are not negotiated; a source that
		// wants a new format starts a new epoch.
		s.recv.PacketsDropped.Add(1)
		return
	}
	if displaced := s.queue.Push(p); displaced != nil {
		s.recv.BufferOverruns.Add(1)
	}
	s.recv.PacketsReceived.Add(1)
	s.lastData.Store(arrivalMicros)

	if est := s.est.Load(); est != nil {
		s.recv.PredictOffsetMicros.Store(est.PredictOffset(p.DTS, arrivalMicros))
	}
}

// HandleTimeResponse folds one completed probe exchange into the clock
// estimate. Dispatch goroutine only.
func (s *Session) HandleTimeResponse(tp *protocol.TimePacket, receivedMicros uint64) {
	sample := timesync.SampleFromExchange(tp.ClientSend, tp.ServerReceive, tp.ServerSend, receivedMicros)
	if !s.estimator.Observe(sample) {
		return
	}
	est, _ := s.estimator.Estimate(receivedMicros)
	s.est.Store(&est)
	s.recv.NetworkLatencyMicros.Store(uint64(est.DelayMicros))
}

// Stall marks the session dead after the data timeout.
func (s *Session) Stall() {
	s.engine.Stall()
}

// Stop ends playback, leaving the engine silent.
func (s *Session) Stop() {
	s.engine.Stop()
}

// Close releases session resources. The audio callback must already be
// detached or pointed elsewhere.
func (s *Session) Close() error {
	return s.engine.Close()
}
