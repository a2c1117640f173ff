// ABOUTME: Stream source: captures audio, stamps packets, serves probes
// ABOUTME: Yields the group when a newer stream epoch appears
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/haileys/bark/internal/audio"
	"github.com/haileys/bark/internal/protocol"
	"github.com/haileys/bark/internal/socket"
	"github.com/haileys/bark/internal/timesync"
)

// ErrYielded reports that another source started a newer epoch on the
// group and this one stopped rather than fight for it.
var ErrYielded = errors.New("yielded to a newer stream")

// errInputDone unwinds the run group when the input ends. Run reports
// a finished input as success.
var errInputDone = errors.New("input done")

// DefaultOutputDelay is the presentation headroom stamped onto packets,
// giving receivers time to buffer before each packet is due.
const DefaultOutputDelay = 20 * time.Millisecond

// Config carries source-level settings.
type Config struct {
	// SID identifies this stream epoch; zero derives one from the
	// clock so newer epochs always compare newer.
	SID    protocol.SessionID
	Format protocol.Format
	// OutputDelay is added to capture time to form each packet's
	// presentation stamp.
	OutputDelay time.Duration
	// Node names this machine in stats replies.
	Node protocol.NodeStats
}

func (c Config) withDefaults() Config {
	if c.SID == 0 {
		c.SID = protocol.NewSessionID()
	}
	if c.OutputDelay == 0 {
		c.OutputDelay = DefaultOutputDelay
	}
	return c
}

// Source owns the send side of the group socket: one capture loop
// pacing audio onto the wire, one control loop answering probes and
// stats requests.
type Source struct {
	sock *socket.Socket
	cfg  Config
	sid  protocol.SessionID
}

// New creates a source on an open group socket. The source takes
// ownership of the socket and closes it when Run returns.
func New(sock *socket.Socket, cfg Config) (*Source, error) {
	cfg = cfg.withDefaults()
	if !cfg.Format.Valid() {
		return nil, fmt.Errorf("stream format %s not supported", cfg.Format)
	}
	s := &Source{sock: sock, cfg: cfg, sid: cfg.SID}
	log.Printf("stream %d (%s) on group %s", s.sid, cfg.Format, sock.Group())
	return s, nil
}

// SID returns the stream epoch this source sends under.
func (s *Source) SID() protocol.SessionID {
	return s.sid
}

// Run streams from in until it ends, ctx is cancelled, or a newer
// epoch takes the group (ErrYielded).
func (s *Source) Run(ctx context.Context, in audio.Source) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		s.sock.Close()
		return nil
	})
	g.Go(func() error { return s.captureLoop(ctx, in) })
	g.Go(func() error { return s.controlLoop(ctx) })
	err := g.Wait()
	if errors.Is(err, errInputDone) {
		return nil
	}
	return err
}

// captureLoop reads one packet of samples at a time, paced against the
// wall clock so file and tone inputs stream in real time. Live inputs
// pace themselves; the absolute schedule then never sleeps.
func (s *Source) captureLoop(ctx context.Context, in audio.Source) error {
	pk, err := NewPacketizer(s.sid, s.cfg.Format,
		protocol.TimestampFromMicros(timesync.NowMicros()).Add(protocol.DurationFromStd(s.cfg.OutputDelay)))
	if err != nil {
		return err
	}
	defer pk.Close()

	wire := make([]byte, protocol.MaxPacketSize)
	chunk := make([]float32, pk.FramesPerPacket()*protocol.Channels)
	packetLen := time.Duration(pk.FramesPerPacket()) * time.Second / protocol.SampleRate
	start := time.Now()
	sent := 0

	emit := func(p *protocol.AudioPacket) error {
		n, err := p.EncodeTo(wire)
		if err != nil {
			return err
		}
		if err := s.sock.Broadcast(wire[:n]); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// Fire and forget; the receivers conceal the hole.
			log.Printf("send seq %d: %v", p.Seq, err)
		}
		sent++
		return nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := in.Read(chunk)
		if n > 0 {
			if err := pk.Feed(chunk[:n], emit); err != nil {
				return err
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				log.Printf("input finished after %d packets", sent)
				return errInputDone
			}
			return fmt.Errorf("capture: %w", err)
		}
		if wait := time.Until(start.Add(time.Duration(sent) * packetLen)); wait > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}
	}
}

// controlLoop answers clock probes and stats requests, and yields when
// a newer epoch appears on the group.
func (s *Source) controlLoop(ctx context.Context) error {
	buf := make([]byte, protocol.MaxPacketSize)
	reply := make([]byte, protocol.MaxPacketSize)
	for {
		n, addr, err := s.sock.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("group read: %w", err)
		}
		now := timesync.NowMicros()

		magic, err := protocol.PeekMagic(buf[:n])
		if err != nil {
			continue
		}
		switch magic {
		case protocol.MagicAudio:
			p, err := protocol.DecodeAudio(buf[:n])
			if err != nil {
				continue
			}
			if p.SID.After(s.sid) {
				log.Printf("stream %d: yielding to newer stream %d", s.sid, p.SID)
				return ErrYielded
			}
		case protocol.MagicTime:
			tp, err := protocol.DecodeTime(buf[:n])
			if err != nil || tp.Kind != protocol.TimeProbe || tp.SID != s.sid {
				continue
			}
			resp := respondProbe(tp, now)
			resp.ServerSend = timesync.NowMicros()
			size, err := resp.EncodeTo(reply)
			if err != nil {
				return err
			}
			if err := s.sock.SendTo(reply[:size], addr); err != nil {
				log.Printf("probe response to %s: %v", addr, err)
			}
		case protocol.MagicStatsRequest:
			if protocol.DecodeStatsRequest(buf[:n]) != nil {
				continue
			}
			s.sendStatsReply(addr)
		case protocol.MagicStatsReply:
			// Addressed to stats collectors.
		}
	}
}

// respondProbe fills the source half of a clock exchange. ServerSend is
// stamped by the caller as close to the send as possible.
func respondProbe(tp *protocol.TimePacket, receivedMicros uint64) *protocol.TimePacket {
	return &protocol.TimePacket{
		Kind:          protocol.TimeResponse,
		SID:           tp.SID,
		RID:           tp.RID,
		ClientSend:    tp.ClientSend,
		ServerReceive: receivedMicros,
	}
}

func (s *Source) sendStatsReply(addr *net.UDPAddr) {
	reply := protocol.StatsReplyPacket{
		Flags: protocol.StatsIsStream,
		SID:   s.sid,
		Node:  s.cfg.Node,
	}
	if err := s.sock.SendTo(reply.Encode(), addr); err != nil {
		log.Printf("stats reply to %s: %v", addr, err)
	}
}
