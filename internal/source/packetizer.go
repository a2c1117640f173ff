// ABOUTME: Turns a stream of captured samples into stamped audio packets
// ABOUTME: Owns sequence numbers and the presentation timeline
package source

import (
	"fmt"

	"github.com/haileys/bark/internal/audio"
	"github.com/haileys/bark/internal/protocol"
	"github.com/haileys/bark/internal/timesync"
)

// Packetizer accumulates captured samples into encoder-sized packets.
// Presentation timestamps advance one packet length at a time from the
// stream epoch, so the timeline stays regular however the capture side
// chops its reads.
type Packetizer struct {
	sid     protocol.SessionID
	format  protocol.Format
	enc     audio.Encoder
	samples []float32
	fill    int
	payload []byte
	seq     uint64
	pts     protocol.Timestamp
}

// NewPacketizer creates a packetizer for one stream epoch. pts is the
// presentation stamp of the first captured frame.
func NewPacketizer(sid protocol.SessionID, format protocol.Format, pts protocol.Timestamp) (*Packetizer, error) {
	enc, err := audio.NewEncoder(format)
	if err != nil {
		return nil, fmt.Errorf("stream encoder: %w", err)
	}
	return &Packetizer{
		sid:     sid,
		format:  format,
		enc:     enc,
		samples: make([]float32, enc.FramesPerPacket()*protocol.Channels),
		payload: make([]byte, protocol.MaxPacketSize),
		seq:     1,
		pts:     pts,
	}, nil
}

// FramesPerPacket returns the capture granularity of this stream.
func (pk *Packetizer) FramesPerPacket() int {
	return pk.enc.FramesPerPacket()
}

// Feed consumes captured samples, calling emit once per completed
// packet. The packet and its payload are reused across calls; emit must
// finish with them before returning.
func (pk *Packetizer) Feed(samples []float32, emit func(*protocol.AudioPacket) error) error {
	for len(samples) > 0 {
		n := copy(pk.samples[pk.fill:], samples)
		pk.fill += n
		samples = samples[n:]
		if pk.fill < len(pk.samples) {
			return nil
		}
		pk.fill = 0

		size, err := pk.enc.Encode(pk.samples, pk.payload)
		if err != nil {
			return fmt.Errorf("encode packet %d: %w", pk.seq, err)
		}
		p := &protocol.AudioPacket{
			SID:     pk.sid,
			Seq:     pk.seq,
			PTS:     pk.pts,
			DTS:     protocol.TimestampFromMicros(timesync.NowMicros()),
			Format:  pk.format,
			Payload: pk.payload[:size],
		}
		pk.seq++
		pk.pts = pk.pts.Add(protocol.SampleDuration(pk.enc.FramesPerPacket()))
		if err := emit(p); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the encoder.
func (pk *Packetizer) Close() error {
	return pk.enc.Close()
}
