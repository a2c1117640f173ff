// ABOUTME: Tests for group address parsing and the merged read stream
// ABOUTME: Network tests skip when the environment has no multicast support
package socket

import (
	"net"
	"testing"
	"time"
)

func TestParseGroup(t *testing.T) {
	tests := []struct {
		name    string
		addr    string
		wantErr bool
	}{
		{"valid group", "239.255.77.77:1530", false},
		{"all systems group", "224.0.0.1:9999", false},
		{"unicast address", "192.168.1.10:1530", true},
		{"loopback address", "127.0.0.1:1530", true},
		{"garbage", "not an address", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr, err := ParseGroup(tt.addr)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseGroup(%q) succeeded, want error", tt.addr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseGroup(%q): %v", tt.addr, err)
			}
			if !addr.IP.IsMulticast() {
				t.Errorf("ParseGroup(%q) returned non-multicast %v", tt.addr, addr.IP)
			}
		})
	}
}

func openTestSocket(t *testing.T) *Socket {
	t.Helper()
	group, err := ParseGroup("239.255.77.90:15391")
	if err != nil {
		t.Fatalf("ParseGroup: %v", err)
	}
	s, err := Open(group, "")
	if err != nil {
		t.Skipf("multicast unavailable: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUnicastReplyReachesRead(t *testing.T) {
	s := openTestSocket(t)

	peer, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("peer socket: %v", err)
	}
	defer peer.Close()

	if err := s.SendTo([]byte("ping"), peer.LocalAddr().(*net.UDPAddr)); err != nil {
		t.Fatalf("SendTo: %v", err)
	}

	buf := make([]byte, 16)
	peer.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, from, err := peer.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("peer read: %v", err)
	}
	if string(buf[:n]) != "ping" {
		t.Fatalf("peer got %q, want ping", buf[:n])
	}

	// The reply goes back to the send socket's port, not the group.
	if _, err := peer.WriteToUDP([]byte("pong"), from); err != nil {
		t.Fatalf("peer reply: %v", err)
	}

	type result struct {
		data string
		err  error
	}
	got := make(chan result, 1)
	go func() {
		buf := make([]byte, 16)
		n, _, err := s.Read(buf)
		got <- result{string(buf[:n]), err}
	}()
	select {
	case r := <-got:
		if r.err != nil {
			t.Fatalf("Read: %v", r.err)
		}
		if r.data != "pong" {
			t.Fatalf("Read got %q, want pong", r.data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("unicast reply never reached Read")
	}
}

func TestCloseUnblocksRead(t *testing.T) {
	s := openTestSocket(t)

	errs := make(chan error, 1)
	go func() {
		buf := make([]byte, 16)
		_, _, err := s.Read(buf)
		errs <- err
	}()

	time.Sleep(50 * time.Millisecond)
	s.Close()

	select {
	case err := <-errs:
		if err == nil {
			t.Fatal("Read returned nil after Close, want error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Read still blocked after Close")
	}
}
