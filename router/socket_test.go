package router

import (
	"net"
	"os"
	"testing"
	"time"

	"github.com/cvsouth/lokinet-go/link"
	"github.com/cvsouth/lokinet-go/path"
	"github.com/cvsouth/lokinet-go/rc"
	"github.com/cvsouth/lokinet-go/routing"
)

// testRouter builds a real Router bound to an ephemeral loopback UDP port,
// then re-signs its RC to advertise the port the OS actually picked (New
// signs the RC before the kernel assigns a port-0 listener its real port),
// so a peer dialing it reaches a live socket rather than port 0.
func testRouter(t *testing.T, tag string) *Router {
	t.Helper()
	dir, err := os.MkdirTemp("", "lokinet-router-socket-"+tag+"-")
	if err != nil {
		t.Fatalf("mkdtemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	cfg := Config{NetID: "testnet", StateDir: dir + "/state", NodeDBDir: dir + "/nodedb"}
	addr := rc.AddressInfo{IP: []byte{127, 0, 0, 1}, Port: 0}
	r, err := New(cfg, addr)
	if err != nil {
		t.Fatalf("new router %s: %v", tag, err)
	}
	t.Cleanup(r.Close)

	realPort := uint16(r.sock.LocalAddr().(*net.UDPAddr).Port)
	r.rcAddr.Port = realPort
	if err := r.refreshRC(time.Now()); err != nil {
		t.Fatalf("refresh rc %s: %v", tag, err)
	}
	return r
}

func waitUntilReady(t *testing.T, a, b *Router) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		now := time.Now()
		a.pollSocket(now)
		b.pollSocket(now)

		a.mu.Lock()
		sa, ok := a.sessions[b.RouterID()]
		a.mu.Unlock()
		b.mu.Lock()
		sb, okb := b.sessions[a.RouterID()]
		b.mu.Unlock()

		if ok && okb && sa.State() == link.StateReady && sb.State() == link.StateReady {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("sessions did not reach Ready in time")
}

// TestHandshakeCompletesOverRealSockets drives link.Socket's actual
// net.ListenUDP connection end to end: beginConnect sends a real LIM
// datagram, and each side's pollSocket/handleHandshake is what advances
// the session to Ready, not an in-memory shortcut.
func TestHandshakeCompletesOverRealSockets(t *testing.T) {
	a := testRouter(t, "a")
	b := testRouter(t, "b")

	a.beginConnect(b.rc, time.Now())
	waitUntilReady(t, a, b)
}

// TestBuildAndRelayRoundTripOverRealSockets drives a full single-hop path
// build (EnsurePaths's real link.Socket.SendBuild transmission and b's
// handleBuild/transit.ProcessBuild) followed by a steady-state
// RelayUpstream round trip (sendRoutingMessage's fragment/split path and
// b's handleFragment/handleRelayUpstream dispatch), exercising every piece
// the maintainer's review flagged as unwired.
func TestBuildAndRelayRoundTripOverRealSockets(t *testing.T) {
	a := testRouter(t, "a")
	b := testRouter(t, "b")

	a.beginConnect(b.rc, time.Now())
	waitUntilReady(t, a, b)

	hops := []path.HopInfo{{RouterID: b.RouterID(), SessionKey: b.linkPub}}
	if err := a.EnsurePaths([][]path.HopInfo{hops}, 1); err != nil {
		t.Fatalf("ensure paths: %v", err)
	}

	a.mu.Lock()
	var builtPathID path.ID
	for id := range a.paths {
		builtPathID = id
	}
	clientPath := a.paths[builtPathID]
	a.mu.Unlock()
	if clientPath == nil {
		t.Fatal("expected a locally-assembled path")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && b.transit.Count() == 0 {
		b.pollSocket(time.Now())
		time.Sleep(time.Millisecond)
	}
	if got := b.transit.Count(); got != 1 {
		t.Fatalf("expected b to hold 1 transit hop after build, got %d", got)
	}

	type recognized struct {
		pathID   path.ID
		relayCmd uint8
		streamID uint16
		data     []byte
	}
	recvCh := make(chan recognized, 1)
	b.OnRelayRecognized = func(pathID path.ID, relayCmd uint8, streamID uint16, data []byte) {
		recvCh <- recognized{pathID, relayCmd, streamID, data}
	}

	payload, err := clientPath.SendRelay(path.RelayData, 99, []byte("hello exit"))
	if err != nil {
		t.Fatalf("send relay: %v", err)
	}
	msg := &routing.RelayUpstream{PathID: builtPathID, X: payload}
	copy(msg.Y[:], "up-nonce-0123456789ab01")

	a.sendRoutingMessage(b.RouterID(), msg, time.Now())

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		b.pollSocket(time.Now())
		select {
		case got := <-recvCh:
			if got.relayCmd != path.RelayData {
				t.Fatalf("got relayCmd %d, want %d", got.relayCmd, path.RelayData)
			}
			if got.streamID != 99 {
				t.Fatalf("got streamID %d, want 99", got.streamID)
			}
			if string(got.data) != "hello exit" {
				t.Fatalf("got data %q, want %q", got.data, "hello exit")
			}
			return
		default:
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("exit never recognized the relay upstream message")
}

// TestHandleRelayUpstreamDropsDuplicateNonce builds a real transit hop via
// the full socket/build path, then delivers the same (pathid, Y, X) to
// transit.HandleForward twice, confirming the replay window handleRelayUpstream
// relies on rejects the second delivery as a duplicate.
func TestHandleRelayUpstreamDropsDuplicateNonce(t *testing.T) {
	a := testRouter(t, "a")
	b := testRouter(t, "b")

	a.beginConnect(b.rc, time.Now())
	waitUntilReady(t, a, b)

	hops := []path.HopInfo{{RouterID: b.RouterID(), SessionKey: b.linkPub}}
	if err := a.EnsurePaths([][]path.HopInfo{hops}, 1); err != nil {
		t.Fatalf("ensure paths: %v", err)
	}
	a.mu.Lock()
	var builtPathID path.ID
	for id := range a.paths {
		builtPathID = id
	}
	clientPath := a.paths[builtPathID]
	a.mu.Unlock()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && b.transit.Count() == 0 {
		b.pollSocket(time.Now())
		time.Sleep(time.Millisecond)
	}

	payload, err := clientPath.SendRelay(path.RelayData, 1, []byte("once"))
	if err != nil {
		t.Fatalf("send relay: %v", err)
	}
	var y [24]byte
	copy(y[:], "fixed-nonce-for-replay-t")

	// Deliver the same (pathid, Y, X) pair via the transit table directly
	// twice, mirroring what two identical inbound datagrams would do.
	first, err := b.transit.HandleForward(a.RouterID(), builtPathID, y, append([]byte(nil), payload...))
	if err != nil {
		t.Fatalf("first HandleForward: %v", err)
	}
	if first.Duplicate || !first.Recognized {
		t.Fatalf("expected first delivery to be recognized, not duplicate: %+v", first)
	}
	second, err := b.transit.HandleForward(a.RouterID(), builtPathID, y, append([]byte(nil), payload...))
	if err != nil {
		t.Fatalf("second HandleForward: %v", err)
	}
	if !second.Duplicate {
		t.Fatal("expected second delivery with the same nonce to be flagged as a duplicate")
	}
}
