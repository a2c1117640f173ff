// ABOUTME: Receiver wiring the socket to sessions, probes and teardown
// ABOUTME: Follows the newest stream epoch seen on the group
package receive

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/haileys/bark/internal/protocol"
	"github.com/haileys/bark/internal/socket"
	"github.com/haileys/bark/internal/timesync"
)

const (
	// DefaultProbeInterval is how often the clock is probed.
	DefaultProbeInterval = 200 * time.Millisecond
	// DefaultDataTimeout tears a session down when no audio arrives.
	DefaultDataTimeout = 5 * time.Second
)

// Config carries receiver-level settings.
type Config struct {
	// ReceiverID is this node's identity on the group; zero picks a
	// random one.
	ReceiverID    protocol.ReceiverID
	ProbeInterval time.Duration
	DataTimeout   time.Duration
	// Node names this machine in stats replies.
	Node    protocol.NodeStats
	Session SessionConfig
}

func (c Config) withDefaults() Config {
	if c.ReceiverID == protocol.ReceiverBroadcast {
		c.ReceiverID = protocol.NewReceiverID()
	}
	if c.ProbeInterval == 0 {
		c.ProbeInterval = DefaultProbeInterval
	}
	if c.DataTimeout == 0 {
		c.DataTimeout = DefaultDataTimeout
	}
	return c
}

// Receiver owns the group socket on the playback side. It dispatches
// datagrams to the current session, probes the source clock, answers
// stats requests and tears down dead sessions. The audio sink pulls
// from Fill, which follows whatever session is current.
type Receiver struct {
	sock    *socket.Socket
	cfg     Config
	id      protocol.ReceiverID
	session atomic.Pointer[Session]

	// lastSID is the newest epoch ever joined. Dispatch goroutine only.
	lastSID protocol.SessionID
}

// New creates a receiver on an open group socket. The receiver takes
// ownership of the socket and closes it when Run returns.
func New(sock *socket.Socket, cfg Config) *Receiver {
	cfg = cfg.withDefaults()
	r := &Receiver{sock: sock, cfg: cfg, id: cfg.ReceiverID}
	log.Printf("receiver %016x on group %s", uint64(r.id), sock.Group())
	return r
}

// ID returns this receiver's identity.
func (r *Receiver) ID() protocol.ReceiverID {
	return r.id
}

// Session returns the current session, nil between epochs.
func (r *Receiver) Session() *Session {
	return r.session.Load()
}

// Fill implements audio.FillFunc for the output sink. Between sessions
// it emits silence.
func (r *Receiver) Fill(out []float32) {
	if s := r.session.Load(); s != nil {
		s.Fill(out)
		return
	}
	clear(out)
}

// Run drives the receive, probe and watchdog loops until ctx ends.
func (r *Receiver) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		r.sock.Close()
		return nil
	})
	g.Go(func() error { return r.readLoop(ctx) })
	g.Go(func() error { return r.probeLoop(ctx) })
	g.Go(func() error { return r.watchdog(ctx) })
	err := g.Wait()
	if s := r.session.Swap(nil); s != nil {
		s.Stop()
		s.Close()
	}
	return err
}

func (r *Receiver) readLoop(ctx context.Context) error {
	buf := make([]byte, protocol.MaxPacketSize)
	for {
		n, addr, err := r.sock.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("group read: %w", err)
		}
		r.dispatch(buf[:n], addr, timesync.NowMicros())
	}
}

func (r *Receiver) dispatch(data []byte, addr *net.UDPAddr, now uint64) {
	magic, err := protocol.PeekMagic(data)
	if err != nil {
		r.countDropped()
		return
	}
	switch magic {
	case protocol.MagicAudio:
		p, err := protocol.DecodeAudio(data)
		if err != nil {
			r.countDropped()
			return
		}
		r.handleAudio(p, now)
	case protocol.MagicTime:
		tp, err := protocol.DecodeTime(data)
		if err != nil {
			r.countDropped()
			return
		}
		// Our own probes come back via multicast loopback.
		if tp.Kind != protocol.TimeResponse || tp.RID != r.id {
			return
		}
		sess := r.session.Load()
		if sess == nil || tp.SID != sess.SID() {
			return
		}
		sess.HandleTimeResponse(tp, now)
	case protocol.MagicStatsRequest:
		if protocol.DecodeStatsRequest(data) != nil {
			return
		}
		r.sendStatsReply(addr)
	case protocol.MagicStatsReply:
		// Addressed to stats collectors, not receivers.
	}
}

func (r *Receiver) handleAudio(p *protocol.AudioPacket, now uint64) {
	sess := r.session.Load()
	if sess != nil {
		if p.SID == sess.SID() {
			sess.HandleAudio(p, now)
			return
		}
		if !p.SID.After(sess.SID()) {
			sess.Stats().PacketsDropped.Add(1)
			return
		}
	} else if p.SID < r.lastSID {
		return
	}

	next, err := NewSession(p.SID, p.Format, r.cfg.Session)
	if err != nil {
		log.Printf("stream %d: cannot join: %v", p.SID, err)
		return
	}
	old := r.session.Swap(next)
	r.lastSID = p.SID
	if old != nil {
		log.Printf("stream %d superseded by %d", old.SID(), p.SID)
		old.Stop()
		old.Close()
	} else {
		log.Printf("joined stream %d (%s)", p.SID, p.Format)
	}
	next.HandleAudio(p, now)
}

// probeLoop sends one clock probe per interval to the group, where the
// stream source answers it by unicast.
func (r *Receiver) probeLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.ProbeInterval)
	defer ticker.Stop()
	buf := make([]byte, protocol.MaxPacketSize)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		sess := r.session.Load()
		if sess == nil || sess.State() == protocol.StateStalled {
			continue
		}
		tp := protocol.TimePacket{
			Kind:       protocol.TimeProbe,
			SID:        sess.SID(),
			RID:        r.id,
			ClientSend: timesync.NowMicros(),
		}
		n, err := tp.EncodeTo(buf)
		if err != nil {
			return err
		}
		if err := r.sock.Broadcast(buf[:n]); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("clock probe: %v", err)
		}
	}
}

// watchdog tears down sessions that stop receiving audio.
func (r *Receiver) watchdog(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		sess := r.session.Load()
		if sess == nil {
			continue
		}
		age := time.Duration(timesync.NowMicros()-sess.LastDataMicros()) * time.Microsecond
		if age < r.cfg.DataTimeout {
			continue
		}
		log.Printf("stream %d: no data for %v, tearing down", sess.SID(), age.Round(time.Second))
		sess.Stall()
		if r.session.CompareAndSwap(sess, nil) {
			sess.Close()
		}
	}
}

func (r *Receiver) sendStatsReply(addr *net.UDPAddr) {
	reply := protocol.StatsReplyPacket{
		Flags: protocol.StatsIsReceiver,
		RID:   r.id,
		Node:  r.cfg.Node,
	}
	if sess := r.session.Load(); sess != nil {
		reply.SID = sess.SID()
		reply.Receiver = sess.Stats().Snapshot()
		if sess.Estimate() != nil {
			reply.Flags |= protocol.StatsHasClock
		}
	}
	if err := r.sock.SendTo(reply.Encode(), addr); err != nil {
		log.Printf("stats reply to %s: %v", addr, err)
	}
}

func (r *Receiver) countDropped() {
	if sess := r.session.Load(); sess != nil {
		sess.Stats().PacketsDropped.Add(1)
	}
}
