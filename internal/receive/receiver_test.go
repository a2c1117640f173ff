// ABOUTME: Tests for receiver packet dispatch and epoch handling
// ABOUTME: Feeds wire datagrams straight into the dispatch path
package receive

import (
	"testing"

	"github.com/haileys/bark/internal/protocol"
)

func newTestReceiver(id protocol.ReceiverID) *Receiver {
	return &Receiver{cfg: Config{ReceiverID: id}.withDefaults(), id: id}
}

func TestReceiverJoinsFirstEpoch(t *testing.T) {
	r := newTestReceiver(5)
	if r.Session() != nil {
		t.Fatal("session exists before any packet")
	}

	p := pcmPacket(1, 0, 0.1)
	p.SID = 10
	r.handleAudio(p, 100)

	sess := r.Session()
	if sess == nil {
		t.Fatal("no session after first audio packet")
	}
	if got := sess.SID(); got != 10 {
		t.Errorf("SID() = %d, want 10", got)
	}
	if got := sess.Stats().PacketsReceived.Load(); got != 1 {
		t.Errorf("PacketsReceived = %d, want 1", got)
	}
}

func TestReceiverFollowsNewerEpoch(t *testing.T) {
	r := newTestReceiver(5)

	first := pcmPacket(1, 0, 0.1)
	first.SID = 10
	r.handleAudio(first, 100)

	second := pcmPacket(1, 0, 0.1)
	second.SID = 12
	r.handleAudio(second, 200)

	sess := r.Session()
	if got := sess.SID(); got != 12 {
		t.Fatalf("SID() = %d, want 12 after takeover", got)
	}
	if got := sess.Stats().PacketsReceived.Load(); got != 1 {
		t.Errorf("PacketsReceived = %d, want 1 on the new session", got)
	}
}

func TestReceiverDropsOlderEpoch(t *testing.T) {
	r := newTestReceiver(5)

	current := pcmPacket(1, 0, 0.1)
	current.SID = 12
	r.handleAudio(current, 100)

	stale := pcmPacket(2, 0, 0.1)
	stale.SID = 10
	r.handleAudio(stale, 200)

	sess := r.Session()
	if got := sess.SID(); got != 12 {
		t.Fatalf("SID() = %d, want 12", got)
	}
	if got := sess.Stats().PacketsDropped.Load(); got != 1 {
		t.Errorf("PacketsDropped = %d, want 1", got)
	}
}

func TestReceiverIgnoresStaleEpochBetweenSessions(t *testing.T) {
	r := newTestReceiver(5)
	r.lastSID = 20

	old := pcmPacket(1, 0, 0.1)
	old.SID = 15
	r.handleAudio(old, 100)
	if r.Session() != nil {
		t.Fatal("joined an epoch older than the last one seen")
	}

	// The same epoch resuming after a teardown is accepted.
	resumed := pcmPacket(1, 0, 0.1)
	resumed.SID = 20
	r.handleAudio(resumed, 200)
	sess := r.Session()
	if sess == nil {
		t.Fatal("did not rejoin the resumed epoch")
	}
	if got := sess.SID(); got != 20 {
		t.Errorf("SID() = %d, want 20", got)
	}
}

func TestReceiverDispatchesAudioDatagram(t *testing.T) {
	r := newTestReceiver(5)

	p := pcmPacket(1, 0, 0.1)
	p.SID = 9
	data, err := p.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	r.dispatch(data, nil, 100)

	sess := r.Session()
	if sess == nil || sess.SID() != 9 {
		t.Fatal("audio datagram did not create the session")
	}
}

func TestReceiverDispatchesTimeResponse(t *testing.T) {
	r := newTestReceiver(5)

	join := pcmPacket(1, 0, 0.1)
	join.SID = 9
	r.handleAudio(join, 100)

	const t1, transit, turnaround = 1_000_000, 200, 50
	tp := &protocol.TimePacket{
		Kind:          protocol.TimeResponse,
		SID:           9,
		RID:           5,
		ClientSend:    t1,
		ServerReceive: t1 + transit,
		ServerSend:    t1 + transit + turnaround,
	}
	data, err := tp.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	// A response addressed to some other receiver is not ours.
	other := *tp
	other.RID = 6
	otherData, _ := other.Encode()
	r.dispatch(otherData, nil, t1+2*transit+turnaround)
	if r.Session().Estimate() != nil {
		t.Fatal("consumed a response addressed elsewhere")
	}

	// Our own probe looping back is not a response.
	probe := *tp
	probe.Kind = protocol.TimeProbe
	probeData, _ := probe.Encode()
	r.dispatch(probeData, nil, t1+2*transit+turnaround)
	if r.Session().Estimate() != nil {
		t.Fatal("consumed a looped-back probe")
	}

	r.dispatch(data, nil, t1+2*transit+turnaround)
	est := r.Session().Estimate()
	if est == nil {
		t.Fatal("no estimate after a matching response")
	}
	if est.DelayMicros != transit {
		t.Errorf("DelayMicros = %d, want %d", est.DelayMicros, transit)
	}
}

func TestReceiverCountsMalformedDatagrams(t *testing.T) {
	r := newTestReceiver(5)

	// Garbage with no session attached is dropped silently.
	r.dispatch([]byte{1, 2, 3}, nil, 100)

	join := pcmPacket(1, 0, 0.1)
	join.SID = 9
	r.handleAudio(join, 100)

	r.dispatch([]byte{1, 2, 3}, nil, 200)
	if got := r.Session().Stats().PacketsDropped.Load(); got != 1 {
		t.Errorf("PacketsDropped = %d, want 1", got)
	}
}

func TestReceiverFillWithoutSession(t *testing.T) {
	r := newTestReceiver(5)

	out := make([]float32, protocol.SamplesPerPacket)
	for i := range out {
		out[i] = 0.5
	}
	r.Fill(out)
	for i, s := range out {
		if s != 0 {
			t.Fatalf("sample %d = %v with no session, want silence", i, s)
		}
	}
}
