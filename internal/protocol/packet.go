// ABOUTME: Binary packet encoding and decoding for the multicast wire format
// ABOUTME: Audio, time sync and stats packets share an 8-byte magic+flags header
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// All multi-byte fields are little-endian.
const (
	headerSize      = 8
	audioHeaderSize = headerSize + 40
	timePacketSize  = headerSize + 40
	statsReplySize  = headerSize + 80 + receiverReportSize

	receiverReportSize = 112
	nodeNameSize       = 32
)

// MaxPacketSize is the wire size of a full audio packet. Time packets
// are padded up to it so every packet kind sees the same network
// treatment.
const MaxPacketSize = audioHeaderSize + SamplesPerPacket*4

var (
	ErrShortPacket = errors.New("packet too short")
	ErrBadMagic    = errors.New("bad packet magic")
	ErrBadFlags    = errors.New("bad packet flags")
)

// PeekMagic classifies a datagram without decoding it.
func PeekMagic(data []byte) (Magic, error) {
	if len(data) < headerSize {
		return 0, ErrShortPacket
	}
	magic := Magic(binary.LittleEndian.Uint32(data))
	if !magic.valid() {
		return 0, ErrBadMagic
	}
	return magic, nil
}

func putHeader(buf []byte, magic Magic, flags uint32) {
	binary.LittleEndian.PutUint32(buf, uint32(magic))
	binary.LittleEndian.PutUint32(buf[4:], flags)
}

func checkHeader(data []byte, want Magic) (flags uint32, err error) {
	magic, err := PeekMagic(data)
	if err != nil {
		return 0, err
	}
	if magic != want {
		return 0, fmt.Errorf("%w: got %s, want %s", ErrBadMagic, magic, want)
	}
	return binary.LittleEndian.Uint32(data[4:]), nil
}

// AudioPacket carries one packet's worth of encoded samples with its
// position on the stream timeline. Immutable once decoded.
type AudioPacket struct {
	SID SessionID
	Seq uint64
	// PTS is when the audio should play, DTS is when the packet left
	// the source. Both count sample frames on the source clock.
	PTS     Timestamp
	DTS     Timestamp
	Format  Format
	Payload []byte
}

// EncodeTo writes the packet into buf and returns the wire length.
func (p *AudioPacket) EncodeTo(buf []byte) (int, error) {
	n := audioHeaderSize + len(p.Payload)
	if n > MaxPacketSize {
		return 0, fmt.Errorf("audio payload %d bytes exceeds packet size", len(p.Payload))
	}
	if len(buf) < n {
		return 0, fmt.Errorf("audio encode: buffer %d bytes, need %d", len(buf), n)
	}
	putHeader(buf, MagicAudio, 0)
	binary.LittleEndian.PutUint64(buf[8:], uint64(p.SID))
	binary.LittleEndian.PutUint64(buf[16:], p.Seq)
	binary.LittleEndian.PutUint64(buf[24:], uint64(p.PTS))
	binary.LittleEndian.PutUint64(buf[32:], uint64(p.DTS))
	binary.LittleEndian.PutUint64(buf[40:], p.Format.encode())
	copy(buf[audioHeaderSize:], p.Payload)
	return n, nil
}

// Encode allocates and encodes the packet.
func (p *AudioPacket) Encode() ([]byte, error) {
	buf := make([]byte, audioHeaderSize+len(p.Payload))
	n, err := p.EncodeTo(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// DecodeAudio parses an audio datagram. The payload is copied out of
// data, so the caller may reuse its receive buffer.
func DecodeAudio(data []byte) (*AudioPacket, error) {
	flags, err := checkHeader(data, MagicAudio)
	if err != nil {
		return nil, err
	}
	if flags != 0 {
		return nil, ErrBadFlags
	}
	if len(data) < audioHeaderSize {
		return nil, ErrShortPacket
	}
	p := &AudioPacket{
		SID:     SessionID(binary.LittleEndian.Uint64(data[8:])),
		Seq:     binary.LittleEndian.Uint64(data[16:]),
		PTS:     Timestamp(binary.LittleEndian.Uint64(data[24:])),
		DTS:     Timestamp(binary.LittleEndian.Uint64(data[32:])),
		Format:  decodeFormat(binary.LittleEndian.Uint64(data[40:])),
		Payload: append([]byte(nil), data[audioHeaderSize:]...),
	}
	return p, nil
}

// TimeKind distinguishes the two halves of a sync exchange.
type TimeKind uint8

const (
	TimeProbe TimeKind = iota
	TimeResponse
)

const flagTimeResponse = 0x1

// TimePacket is one message of the probe/response clock exchange. The
// receiver stamps ClientSend when it probes; the source stamps
// ServerReceive and ServerSend into its response. All stamps are micros
// on the stamping machine's monotonic clock.
type TimePacket struct {
	Kind          TimeKind
	SID           SessionID
	RID           ReceiverID
	ClientSend    uint64
	ServerReceive uint64
	ServerSend    uint64
}

// EncodeTo writes the packet padded to MaxPacketSize, so time packets
// experience the same queueing as audio packets.
func (p *TimePacket) EncodeTo(buf []byte) (int, error) {
	if len(buf) < MaxPacketSize {
		return 0, fmt.Errorf("time encode: buffer %d bytes, need %d", len(buf), MaxPacketSize)
	}
	var flags uint32
	if p.Kind == TimeResponse {
		flags = flagTimeResponse
	}
	putHeader(buf, MagicTime, flags)
	binary.LittleEndian.PutUint64(buf[8:], uint64(p.SID))
	binary.LittleEndian.PutUint64(buf[16:], uint64(p.RID))
	binary.LittleEndian.PutUint64(buf[24:], p.ClientSend)
	binary.LittleEndian.PutUint64(buf[32:], p.ServerReceive)
	binary.LittleEndian.PutUint64(buf[40:], p.ServerSend)
	clear(buf[timePacketSize:MaxPacketSize])
	return MaxPacketSize, nil
}

// Encode allocates and encodes the packet.
func (p *TimePacket) Encode() ([]byte, error) {
	buf := make([]byte, MaxPacketSize)
	n, err := p.EncodeTo(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// DecodeTime parses a time datagram, padded or not.
func DecodeTime(data []byte) (*TimePacket, error) {
	flags, err := checkHeader(data, MagicTime)
	if err != nil {
		return nil, err
	}
	if flags&^uint32(flagTimeResponse) != 0 {
		return nil, ErrBadFlags
	}
	if len(data) < timePacketSize {
		return nil, ErrShortPacket
	}
	p := &TimePacket{
		Kind:          TimeProbe,
		SID:           SessionID(binary.LittleEndian.Uint64(data[8:])),
		RID:           ReceiverID(binary.LittleEndian.Uint64(data[16:])),
		ClientSend:    binary.LittleEndian.Uint64(data[24:]),
		ServerReceive: binary.LittleEndian.Uint64(data[32:]),
		ServerSend:    binary.LittleEndian.Uint64(data[40:]),
	}
	if flags&flagTimeResponse != 0 {
		p.Kind = TimeResponse
	}
	return p, nil
}

// EncodeStatsRequest builds the bare stats request datagram.
func EncodeStatsRequest() []byte {
	buf := make([]byte, headerSize)
	putHeader(buf, MagicStatsRequest, 0)
	return buf
}

// DecodeStatsRequest validates a stats request datagram.
func DecodeStatsRequest(data []byte) error {
	flags, err := checkHeader(data, MagicStatsRequest)
	if err != nil {
		return err
	}
	if flags != 0 {
		return ErrBadFlags
	}
	return nil
}

// StatsReplyFlags carries the responding node's roles.
type StatsReplyFlags uint32

const (
	StatsIsReceiver StatsReplyFlags = 0x01
	StatsIsStream   StatsReplyFlags = 0x02
	StatsHasClock   StatsReplyFlags = 0x04
)

// StreamState is the receiver engine's coarse position in its
// lifecycle. It crosses the wire in stats replies.
type StreamState uint8

const (
	StateUninitialized StreamState = iota
	StateBuffering
	StatePlaying
	StateUnderrun
	StateStalled
)

func (s StreamState) String() string {
	switch s {
	case StateUninitialized:
		return "uninit"
	case StateBuffering:
		return "buffer"
	case StatePlaying:
		return "play"
	case StateUnderrun:
		return "under"
	case StateStalled:
		return "stall"
	}
	return "?"
}

// NodeStats identifies the machine a stats reply came from.
type NodeStats struct {
	Hostname string
	Username string
}

// ReceiverReport is the timing block of a receiver's stats reply.
// Latency fields are micros; offsets are signed micros.
type ReceiverReport struct {
	State                StreamState
	AudioOffsetMicros    int64
	BufferLengthMicros   uint64
	OutputLatencyMicros  uint64
	NetworkLatencyMicros uint64
	PredictOffsetMicros  int64
	SlewRate             float64
	PacketsReceived      uint64
	PacketsLost          uint64
	PacketsLate          uint64
	PacketsDropped       uint64
	BufferUnderruns      uint64
	BufferOverruns       uint64
	StreamResets         uint64
}

// StatsReplyPacket answers a stats request. Receiver is meaningful only
// when Flags has StatsIsReceiver set.
type StatsReplyPacket struct {
	Flags    StatsReplyFlags
	SID      SessionID
	RID      ReceiverID
	Node     NodeStats
	Receiver ReceiverReport
}

func putNodeName(buf []byte, s string) {
	clear(buf[:nodeNameSize])
	copy(buf[:nodeNameSize], s)
}

func nodeName(buf []byte) string {
	for i, b := range buf[:nodeNameSize] {
		if b == 0 {
			return string(buf[:i])
		}
	}
	return string(buf[:nodeNameSize])
}

// Encode builds the stats reply datagram.
func (p *StatsReplyPacket) Encode() []byte {
	buf := make([]byte, statsReplySize)
	putHeader(buf, MagicStatsReply, uint32(p.Flags))
	binary.LittleEndian.PutUint64(buf[8:], uint64(p.SID))
	binary.LittleEndian.PutUint64(buf[16:], uint64(p.RID))
	putNodeName(buf[24:], p.Node.Hostname)
	putNodeName(buf[56:], p.Node.Username)

	r := &p.Receiver
	b := buf[88:]
	b[0] = byte(r.State)
	binary.LittleEndian.PutUint64(b[8:], uint64(r.AudioOffsetMicros))
	binary.LittleEndian.PutUint64(b[16:], r.BufferLengthMicros)
	binary.LittleEndian.PutUint64(b[24:], r.OutputLatencyMicros)
	binary.LittleEndian.PutUint64(b[32:], r.NetworkLatencyMicros)
	binary.LittleEndian.PutUint64(b[40:], uint64(r.PredictOffsetMicros))
	binary.LittleEndian.PutUint64(b[48:], math.Float64bits(r.SlewRate))
	binary.LittleEndian.PutUint64(b[56:], r.PacketsReceived)
	binary.LittleEndian.PutUint64(b[64:], r.PacketsLost)
	binary.LittleEndian.PutUint64(b[72:], r.PacketsLate)
	binary.LittleEndian.PutUint64(b[80:], r.PacketsDropped)
	binary.LittleEndian.PutUint64(b[88:], r.BufferUnderruns)
	binary.LittleEndian.PutUint64(b[96:], r.BufferOverruns)
	binary.LittleEndian.PutUint64(b[104:], r.StreamResets)
	return buf
}

// DecodeStatsReply parses a stats reply datagram.
func DecodeStatsReply(data []byte) (*StatsReplyPacket, error) {
	flags, err := checkHeader(data, MagicStatsReply)
	if err != nil {
		return nil, err
	}
	if len(data) < statsReplySize {
		return nil, ErrShortPacket
	}
	p := &StatsReplyPacket{
		Flags: StatsReplyFlags(flags),
		SID:   SessionID(binary.LittleEndian.Uint64(data[8:])),
		RID:   ReceiverID(binary.LittleEndian.Uint64(data[16:])),
		Node: NodeStats{
			Hostname: nodeName(data[24:]),
			Username: nodeName(data[56:]),
		},
	}
	b := data[88:]
	p.Receiver = ReceiverReport{
		State:                StreamState(b[0]),
		AudioOffsetMicros:    int64(binary.LittleEndian.Uint64(b[8:])),
		BufferLengthMicros:   binary.LittleEndian.Uint64(b[16:]),
		OutputLatencyMicros:  binary.LittleEndian.Uint64(b[24:]),
		NetworkLatencyMicros: binary.LittleEndian.Uint64(b[32:]),
		PredictOffsetMicros:  int64(binary.LittleEndian.Uint64(b[40:])),
		SlewRate:             math.Float64frombits(binary.LittleEndian.Uint64(b[48:])),
		PacketsReceived:      binary.LittleEndian.Uint64(b[56:]),
		PacketsLost:          binary.LittleEndian.Uint64(b[64:]),
		PacketsLate:          binary.LittleEndian.Uint64(b[72:]),
		PacketsDropped:       binary.LittleEndian.Uint64(b[80:]),
		BufferUnderruns:      binary.LittleEndian.Uint64(b[88:]),
		BufferOverruns:       binary.LittleEndian.Uint64(b[96:]),
		StreamResets:         binary.LittleEndian.Uint64(b[104:]),
	}
	return p, nil
}
