// ABOUTME: Stream codec layer turning float32 frames into wire payloads
// ABOUTME: PCM passthrough plus Opus via libopus with inband FEC
package audio

import (
	"fmt"

	"gopkg.in/hraban/opus.v2"

	"github.com/haileys/bark/internal/protocol"
)

// opusFrameCount is 2.5ms at 48kHz, the shortest frame libopus
// accepts. PCM packets carry protocol.FramesPerPacket instead; packet
// timing is driven by pts so the two sizes coexist on one stream.
const opusFrameCount = 120

// maxOpusPayload bounds one encoded packet. 2.5ms at the maximum
// bitrate is far below this.
const maxOpusPayload = 1024

// PacketFrames is the frame count carried by one packet of a format.
func PacketFrames(f protocol.Format) int {
	if f.Encoding == protocol.EncodingOpus {
		return opusFrameCount
	}
	return protocol.FramesPerPacket
}

// Encoder turns fixed-size blocks of interleaved float32 frames into
// packet payloads.
type Encoder interface {
	// FramesPerPacket is the exact frame count each Encode call consumes.
	FramesPerPacket() int
	// Encode writes the payload for one packet into buf and returns
	// its length. samples must hold FramesPerPacket interleaved frames.
	Encode(samples []float32, buf []byte) (int, error)
	Format() protocol.Format
	Close() error
}

// Decoder turns packet payloads back into interleaved float32 frames.
// Decoders are stateful for codecs with inter-frame prediction, so
// packets must be fed in stream order.
type Decoder interface {
	// Decode fills samples from one payload and returns the frame count.
	Decode(payload []byte, samples []float32) (int, error)
	// Conceal synthesizes frames in place of one lost packet.
	Conceal(samples []float32) (int, error)
	Close() error
}

// NewEncoder creates the encoder for a stream format.
func NewEncoder(format protocol.Format) (Encoder, error) {
	if !format.Valid() {
		return nil, fmt.Errorf("invalid stream format: %+v", format)
	}
	switch format.Encoding {
	case protocol.EncodingF32LE, protocol.EncodingS16LE:
		return &pcmEncoder{format: format}, nil
	case protocol.EncodingOpus:
		return newOpusEncoder(format)
	}
	return nil, fmt.Errorf("unsupported encoding: %v", format.Encoding)
}

// NewDecoder creates the decoder for a stream format.
func NewDecoder(format protocol.Format) (Decoder, error) {
	if !format.Valid() {
		return nil, fmt.Errorf("invalid stream format: %+v", format)
	}
	switch format.Encoding {
	case protocol.EncodingF32LE, protocol.EncodingS16LE:
		return &pcmDecoder{format: format}, nil
	case protocol.EncodingOpus:
		return newOpusDecoder(format)
	}
	return nil, fmt.Errorf("unsupported encoding: %v", format.Encoding)
}

type pcmEncoder struct {
	format protocol.Format
}

func (e *pcmEncoder) FramesPerPacket() int { return protocol.FramesPerPacket }

func (e *pcmEncoder) Encode(samples []float32, buf []byte) (int, error) {
	want := protocol.FramesPerPacket * int(e.format.Channels)
	if len(samples) != want {
		return 0, fmt.Errorf("pcm encode: got %d samples, want %d", len(samples), want)
	}
	switch e.format.Encoding {
	case protocol.EncodingS16LE:
		return FloatsToS16LE(samples, buf), nil
	default:
		return FloatsToF32LE(samples, buf), nil
	}
}

func (e *pcmEncoder) Format() protocol.Format { return e.format }
func (e *pcmEncoder) Close() error            { return nil }

type pcmDecoder struct {
	format protocol.Format
}

func (d *pcmDecoder) Decode(payload []byte, samples []float32) (int, error) {
	ch := int(d.format.Channels)
	switch d.format.Encoding {
	case protocol.EncodingS16LE:
		if len(payload)%(2*ch) != 0 {
			return 0, fmt.Errorf("pcm decode: payload length %d not frame aligned", len(payload))
		}
		n := S16LEToFloats(payload, samples)
		return n / ch, nil
	default:
		if len(payload)%(4*ch) != 0 {
			return 0, fmt.Errorf("pcm decode: payload length %d not frame aligned", len(payload))
		}
		n := F32LEToFloats(payload, samples)
		return n / ch, nil
	}
}

func (d *pcmDecoder) Conceal(samples []float32) (int, error) {
	n := protocol.FramesPerPacket * int(d.format.Channels)
	if n > len(samples) {
		n = len(samples)
	}
	clear(samples[:n])
	return n / int(d.format.Channels), nil
}

func (d *pcmDecoder) Close() error { return nil }

type opusEncoder struct {
	enc    *opus.Encoder
	format protocol.Format
}

func newOpusEncoder(format protocol.Format) (*opusEncoder, error) {
	enc, err := opus.NewEncoder(int(format.SampleRate), int(format.Channels), opus.AppAudio)
	if err != nil {
		return nil, fmt.Errorf("failed to create opus encoder: %w", err)
	}
	if err := enc.SetInBandFEC(true); err != nil {
		return nil, fmt.Errorf("failed to enable opus fec: %w", err)
	}
	if err := enc.SetPacketLossPerc(50); err != nil {
		return nil, fmt.Errorf("failed to set opus loss percentage: %w", err)
	}
	if err := enc.SetBitrateToMax(); err != nil {
		return nil, fmt.Errorf("failed to set opus bitrate: %w", err)
	}
	return &opusEncoder{enc: enc, format: format}, nil
}

func (e *opusEncoder) FramesPerPacket() int { return opusFrameCount }

func (e *opusEncoder) Encode(samples []float32, buf []byte) (int, error) {
	want := opusFrameCount * int(e.format.Channels)
	if len(samples) != want {
		return 0, fmt.Errorf("opus encode: got %d samples, want %d", len(samples), want)
	}
	n, err := e.enc.EncodeFloat32(samples, buf)
	if err != nil {
		return 0, fmt.Errorf("opus encode error: %w", err)
	}
	return n, nil
}

func (e *opusEncoder) Format() protocol.Format { return e.format }
func (e *opusEncoder) Close() error            { return nil }

type opusDecoder struct {
	dec    *opus.Decoder
	format protocol.Format
}

func newOpusDecoder(format protocol.Format) (*opusDecoder, error) {
	dec, err := opus.NewDecoder(int(format.SampleRate), int(format.Channels))
	if err != nil {
		return nil, fmt.Errorf("failed to create opus decoder: %w", err)
	}
	return &opusDecoder{dec: dec, format: format}, nil
}

func (d *opusDecoder) Decode(payload []byte, samples []float32) (int, error) {
	frames, err := d.dec.DecodeFloat32(payload, samples)
	if err != nil {
		return 0, fmt.Errorf("opus decode error: %w", err)
	}
	return frames, nil
}

// Conceal asks libopus for packet loss concealment, which extrapolates
// from the last decoded frame.
func (d *opusDecoder) Conceal(samples []float32) (int, error) {
	n := opusFrameCount * int(d.format.Channels)
	if n > len(samples) {
		n = len(samples)
	}
	if err := d.dec.DecodePLCFloat32(samples[:n]); err != nil {
		return 0, fmt.Errorf("opus conceal error: %w", err)
	}
	return n / int(d.format.Channels), nil
}

func (d *opusDecoder) Close() error { return nil }
