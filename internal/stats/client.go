// ABOUTME: Stats collection over UDP for the stats command
// ABOUTME: Broadcasts requests on the group, gathers the unicast replies
package stats

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/haileys/bark/internal/protocol"
)

const (
	// DefaultRequestInterval is how often a watching poller re-asks
	// the group for stats.
	DefaultRequestInterval = 100 * time.Millisecond

	// DefaultEntryExpiry is how long a node stays in the table after
	// its last reply.
	DefaultEntryExpiry = time.Second
)

// Reply is one node's answer, tagged with where it came from.
type Reply struct {
	Addr   *net.UDPAddr
	Packet *protocol.StatsReplyPacket
}

// Key identifies the responding process across polls. The address
// alone is not enough: a source and a receiver on the same host share
// an IP, and replies carry which role answered.
func (r Reply) Key() string {
	return fmt.Sprintf("%x/%016x@%s", r.Packet.Flags, uint64(r.Packet.RID), r.Addr)
}

// IsSource reports whether the reply came from a stream source.
func (r Reply) IsSource() bool {
	return r.Packet.Flags&protocol.StatsIsStream != 0
}

// Poller asks every node on the group for stats. Requests go out as
// broadcasts; replies come back unicast to the poller's own socket,
// which is why it does not ride on the multicast receive path.
type Poller struct {
	group *net.UDPAddr
	conn  *net.UDPConn
}

// NewPoller opens the reply socket. The poller drives one Watch or
// Collect and is closed on the way out.
func NewPoller(group *net.UDPAddr) (*Poller, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return nil, fmt.Errorf("open stats socket: %w", err)
	}
	return &Poller{group: group, conn: conn}, nil
}

// Close releases the reply socket.
func (p *Poller) Close() error {
	return p.conn.Close()
}

// Watch broadcasts a request every interval and hands each decoded
// reply to fn until ctx ends. fn is called from a single goroutine.
func (p *Poller) Watch(ctx context.Context, interval time.Duration, fn func(Reply)) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-ctx.Done()
		p.conn.Close()
		return ctx.Err()
	})

	g.Go(func() error {
		request := protocol.EncodeStatsRequest()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			if _, err := p.conn.WriteToUDP(request, p.group); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				log.Printf("stats request: %v", err)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
		}
	})

	g.Go(func() error {
		buf := make([]byte, protocol.MaxPacketSize)
		for {
			n, addr, err := p.conn.ReadFromUDP(buf)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return fmt.Errorf("read stats reply: %w", err)
			}
			packet, err := protocol.DecodeStatsReply(buf[:n])
			if err != nil {
				// Anything can land on a UDP socket.
				continue
			}
			fn(Reply{Addr: addr, Packet: packet})
		}
	})

	return g.Wait()
}

// Collect polls for wait and returns the last reply from every node
// that answered, sources first.
func (p *Poller) Collect(ctx context.Context, wait time.Duration) ([]Reply, error) {
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	byNode := make(map[string]Reply)
	err := p.Watch(ctx, DefaultRequestInterval, func(r Reply) {
		byNode[r.Key()] = r
	})
	if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return nil, err
	}

	replies := make([]Reply, 0, len(byNode))
	for _, r := range byNode {
		replies = append(replies, r)
	}
	sortReplies(replies)
	return replies, nil
}

// sortReplies orders sources ahead of receivers, then by node label.
func sortReplies(replies []Reply) {
	sort.Slice(replies, func(i, j int) bool {
		a, b := replies[i], replies[j]
		if a.IsSource() != b.IsSource() {
			return a.IsSource()
		}
		al, bl := NodeLabel(a.Packet.Node), NodeLabel(b.Packet.Node)
		if al != bl {
			return al < bl
		}
		return a.Addr.String() < b.Addr.String()
	})
}
