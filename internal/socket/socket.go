// ABOUTME: Multicast UDP socket pair used by sources and receivers
// ABOUTME: Merges group traffic and unicast replies into one read stream
package socket

import (
	"fmt"
	"net"
	"sync"

	"golang.org/x/net/ipv4"
)

// tosExpeditedForwarding is the TOS byte for DSCP EF, the low-latency
// per-hop behaviour. Switches that honour it keep audio ahead of bulk
// traffic.
const tosExpeditedForwarding = 0xb8

// maxDatagram bounds one received datagram. Every packet in the
// protocol fits well inside this.
const maxDatagram = 2048

// Socket is one node's attachment to the multicast group. Reads see
// every datagram sent to the group (including our own, so a receiver
// can run beside its source) as well as unicast replies to our sends.
// Writes go to the group or unicast back to a peer.
type Socket struct {
	group *net.UDPAddr

	rx  *net.UDPConn
	tx  *net.UDPConn
	ptx *ipv4.PacketConn

	packets chan packet
	done    chan struct{}
	once    sync.Once
	readErr error
}

type packet struct {
	data []byte
	addr *net.UDPAddr
}

// ParseGroup validates a host:port string as a multicast group address.
func ParseGroup(s string) (*net.UDPAddr, error) {
	addr, err := net.ResolveUDPAddr("udp4", s)
	if err != nil {
		return nil, fmt.Errorf("resolve group %q: %w", s, err)
	}
	if !addr.IP.IsMulticast() {
		return nil, fmt.Errorf("group %q is not a multicast address", s)
	}
	return addr, nil
}

// Open joins the group on the named interface (empty for the system
// default) and prepares the send socket. Replies from peers arrive on
// the send socket's port, so both sockets feed Read.
func Open(group *net.UDPAddr, ifaceName string) (*Socket, error) {
	var iface *net.Interface
	if ifaceName != "" {
		var err error
		iface, err = net.InterfaceByName(ifaceName)
		if err != nil {
			return nil, fmt.Errorf("interface %q: %w", ifaceName, err)
		}
	}

	rx, err := net.ListenMulticastUDP("udp4", iface, group)
	if err != nil {
		return nil, fmt.Errorf("join group %s: %w", group, err)
	}

	tx, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		rx.Close()
		return nil, fmt.Errorf("open send socket: %w", err)
	}

	ptx := ipv4.NewPacketConn(tx)
	// best effort; some platforms refuse TOS without privileges
	_ = ptx.SetTOS(tosExpeditedForwarding)
	if iface != nil {
		if err := ptx.SetMulticastInterface(iface); err != nil {
			rx.Close()
			tx.Close()
			return nil, fmt.Errorf("set multicast interface: %w", err)
		}
	}
	// loopback on, so a receiver can run beside its source
	if err := ptx.SetMulticastLoopback(true); err != nil {
		rx.Close()
		tx.Close()
		return nil, fmt.Errorf("set multicast loopback: %w", err)
	}

	s := &Socket{
		group:   group,
		rx:      rx,
		tx:      tx,
		ptx:     ptx,
		packets: make(chan packet),
		done:    make(chan struct{}),
	}
	go s.readInto(rx)
	go s.readInto(tx)
	return s, nil
}

// Group returns the joined group address.
func (s *Socket) Group() *net.UDPAddr {
	return s.group
}

// Broadcast sends one datagram to the whole group.
func (s *Socket) Broadcast(data []byte) error {
	_, err := s.tx.WriteToUDP(data, s.group)
	return err
}

// SendTo sends one datagram to a single peer.
func (s *Socket) SendTo(data []byte, addr *net.UDPAddr) error {
	_, err := s.tx.WriteToUDP(data, addr)
	return err
}

// Read blocks for the next datagram, multicast or unicast. It returns
// the sender's address so unicast replies can find their way back.
func (s *Socket) Read(buf []byte) (int, *net.UDPAddr, error) {
	select {
	case p := <-s.packets:
		return copy(buf, p.data), p.addr, nil
	case <-s.done:
		return 0, nil, s.readErr
	}
}

// readInto pumps one conn into the shared read stream. The first read
// error ends all reads; after Close that is the normal shutdown path.
func (s *Socket) readInto(conn *net.UDPConn) {
	for {
		buf := make([]byte, maxDatagram)
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			s.fail(err)
			return
		}
		select {
		case s.packets <- packet{data: buf[:n], addr: addr}:
		case <-s.done:
			return
		}
	}
}

func (s *Socket) fail(err error) {
	s.once.Do(func() {
		s.readErr = err
		close(s.done)
	})
}

// Close shuts both sockets down, unblocking any pending Read.
func (s *Socket) Close() error {
	err := s.rx.Close()
	if terr := s.tx.Close(); err == nil {
		err = terr
	}
	return err
}
