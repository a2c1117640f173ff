// ABOUTME: Core wire protocol types shared by every packet kind
// ABOUTME: Magic words, session and receiver identity, audio format descriptor
package protocol

import (
	"fmt"
	"math/rand/v2"
	"time"
)

// Stream constants. Every stream on the wire runs at this rate; sources
// with other native rates resample before packetizing.
const (
	SampleRate       = 48000
	Channels         = 2
	FramesPerPacket  = 160
	SamplesPerPacket = FramesPerPacket * Channels
)

// Magic identifies the packet kind. The low three bytes are a fixed
// protocol word, the top byte is the kind tag.
type Magic uint32

const (
	MagicAudio        Magic = 0x00a79ae2
	MagicTime         Magic = 0x01a79ae2
	MagicStatsRequest Magic = 0x02a79ae2
	MagicStatsReply   Magic = 0x03a79ae2
)

func (m Magic) valid() bool {
	switch m {
	case MagicAudio, MagicTime, MagicStatsRequest, MagicStatsReply:
		return true
	}
	return false
}

func (m Magic) String() string {
	switch m {
	case MagicAudio:
		return "audio"
	case MagicTime:
		return "time"
	case MagicStatsRequest:
		return "stats-request"
	case MagicStatsReply:
		return "stats-reply"
	}
	return fmt.Sprintf("unknown(%#08x)", uint32(m))
}

// SessionID identifies one stream epoch. Sources set it to the wall
// clock in micros at stream start, so a restarted source always wins
// comparisons against its previous incarnation.
type SessionID int64

// NewSessionID derives a fresh epoch identifier from the wall clock.
func NewSessionID() SessionID {
	return SessionID(time.Now().UnixMicro())
}

// After reports whether s is a newer epoch than other.
func (s SessionID) After(other SessionID) bool {
	return s > other
}

// ReceiverID identifies a receiver within the group. Zero addresses all
// receivers.
type ReceiverID uint64

// ReceiverBroadcast addresses every receiver on the group.
const ReceiverBroadcast ReceiverID = 0

// NewReceiverID picks a random non-zero receiver identity.
func NewReceiverID() ReceiverID {
	for {
		if id := ReceiverID(rand.Uint64()); id != ReceiverBroadcast {
			return id
		}
	}
}

// Matches reports whether a packet addressed to r applies to us.
func (r ReceiverID) Matches(us ReceiverID) bool {
	return r == ReceiverBroadcast || r == us
}

// Encoding names the payload sample encoding.
type Encoding uint8

const (
	EncodingF32LE Encoding = 1
	EncodingS16LE Encoding = 2
	EncodingOpus  Encoding = 3
)

func (e Encoding) String() string {
	switch e {
	case EncodingF32LE:
		return "f32le"
	case EncodingS16LE:
		return "s16le"
	case EncodingOpus:
		return "opus"
	}
	return fmt.Sprintf("unknown(%d)", uint8(e))
}

// ParseEncoding maps a config/flag string to an Encoding.
func ParseEncoding(s string) (Encoding, error) {
	switch s {
	case "f32le":
		return EncodingF32LE, nil
	case "s16le":
		return EncodingS16LE, nil
	case "opus":
		return EncodingOpus, nil
	}
	return 0, fmt.Errorf("unknown encoding %q (want f32le, s16le or opus)", s)
}

// Format describes the payload samples of an audio packet. It occupies
// eight bytes on the wire so the audio header stays pointer-aligned.
type Format struct {
	Encoding   Encoding
	Channels   uint8
	BitDepth   uint8
	SampleRate uint32
}

// StreamFormat builds the canonical stream format for an encoding.
func StreamFormat(e Encoding) Format {
	f := Format{Encoding: e, Channels: Channels, SampleRate: SampleRate}
	switch e {
	case EncodingF32LE:
		f.BitDepth = 32
	case EncodingS16LE:
		f.BitDepth = 16
	case EncodingOpus:
		f.BitDepth = 16
	}
	return f
}

// Valid reports whether the descriptor names a playable stream.
func (f Format) Valid() bool {
	switch f.Encoding {
	case EncodingF32LE, EncodingS16LE, EncodingOpus:
	default:
		return false
	}
	return f.Channels == Channels && f.SampleRate == SampleRate
}

func (f Format) String() string {
	return fmt.Sprintf("%s %dch %dHz %d-bit", f.Encoding, f.Channels, f.SampleRate, f.BitDepth)
}

func (f Format) encode() uint64 {
	return uint64(f.Encoding) |
		uint64(f.Channels)<<8 |
		uint64(f.BitDepth)<<16 |
		uint64(f.SampleRate)<<32
}

func decodeFormat(v uint64) Format {
	return Format{
		Encoding:   Encoding(v),
		Channels:   uint8(v >> 8),
		BitDepth:   uint8(v >> 16),
		SampleRate: uint32(v >> 32),
	}
}
