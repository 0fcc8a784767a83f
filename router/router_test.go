package router

import (
	"crypto/ed25519"
	"os"
	"testing"
	"time"

	"github.com/cvsouth/lokinet-go/crypto"
	"github.com/cvsouth/lokinet-go/path"
	"github.com/cvsouth/lokinet-go/rc"
)

func newTestRouter(t *testing.T) *Router {
	t.Helper()
	dir, err := os.MkdirTemp("", "lokinet-router-")
	if err != nil {
		t.Fatalf("mkdtemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	cfg := Config{
		NetID:     "testnet",
		StateDir:  dir + "/state",
		NodeDBDir: dir + "/nodedb",
	}
	addr := rc.AddressInfo{IP: []byte{127, 0, 0, 1}, Port: 1090}
	r, err := New(cfg, addr)
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	t.Cleanup(r.Close)
	return r
}

func TestNewRouterPersistsRC(t *testing.T) {
	r := newTestRouter(t)
	if r.rc == nil {
		t.Fatal("expected router to hold a signed rc")
	}
	if r.rc.RouterID != r.RouterID() {
		t.Fatal("rc router id should match router identity")
	}

	loaded, ok := r.state.LoadRC()
	if !ok {
		t.Fatal("expected self.signed to have been persisted")
	}
	if loaded.RouterID != r.RouterID() {
		t.Fatal("persisted rc router id mismatch")
	}
}

func TestRouterStateReusedAcrossRestarts(t *testing.T) {
	dir, err := os.MkdirTemp("", "lokinet-router-restart-")
	if err != nil {
		t.Fatalf("mkdtemp: %v", err)
	}
	defer os.RemoveAll(dir)

	cfg := Config{NetID: "testnet", StateDir: dir + "/state", NodeDBDir: dir + "/nodedb"}
	addr := rc.AddressInfo{IP: []byte{127, 0, 0, 1}, Port: 1090}

	first, err := New(cfg, addr)
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	// A restart releases the first instance's UDP port before the second binds it.
	first.Close()
	second, err := New(cfg, addr)
	if err != nil {
		t.Fatalf("new router (restart): %v", err)
	}
	defer second.Close()
	if first.RouterID() != second.RouterID() {
		t.Fatal("expected signing identity to persist across restarts")
	}
}

func TestTickDoesNotPanicWithNoPeers(t *testing.T) {
	r := newTestRouter(t)
	defer r.Close()
	r.Tick(time.Now())
}

func TestMaintainConnectionsSkipsPenalizedPeers(t *testing.T) {
	r := newTestRouter(t)
	defer r.Close()

	otherPub, otherPriv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate peer key: %v", err)
	}
	var otherSignPub rc.RouterID
	copy(otherSignPub[:], otherPub)
	peer := &rc.RouterContact{
		RouterID:  otherSignPub,
		NetID:     "testnet",
		Addresses: []rc.AddressInfo{{IP: []byte{10, 0, 0, 1}, Port: 1090}},
		Published: time.Now(),
		Lifetime:  rc.DefaultLifetime,
	}
	// nodedb.GetRandom verifies every stored RC, so the peer's RC is signed
	// and stored for maintainConnections to find it as a candidate.
	if err := peer.Sign(otherPriv); err != nil {
		t.Fatalf("sign peer rc: %v", err)
	}
	if err := r.db.Put(peer); err != nil {
		t.Fatalf("store peer rc: %v", err)
	}

	now := time.Now()
	r.profile.RecordFailure(otherSignPub, now)
	if !r.profile.IsPenalized(otherSignPub, now) {
		t.Fatal("expected peer to be penalized immediately after a failure")
	}
	r.maintainConnections(now)
	r.mu.Lock()
	_, connected := r.sessions[otherSignPub]
	r.mu.Unlock()
	if connected {
		t.Fatal("expected maintainConnections to skip the penalized peer")
	}
}

func TestEnsurePathsBuildsUntilCount(t *testing.T) {
	r := newTestRouter(t)
	defer r.Close()

	chain := func() []path.HopInfo {
		var hops []path.HopInfo
		for i := 0; i < 3; i++ {
			_, pub, err := crypto.GenerateKeypair()
			if err != nil {
				t.Fatalf("generate keypair: %v", err)
			}
			var id rc.RouterID
			id[0] = byte(i + 1)
			hops = append(hops, path.HopInfo{RouterID: id, SessionKey: pub})
		}
		return hops
	}

	if err := r.EnsurePaths([][]path.HopInfo{chain(), chain()}, 2); err != nil {
		t.Fatalf("ensure paths: %v", err)
	}

	r.mu.Lock()
	count := len(r.paths)
	r.mu.Unlock()
	if count != 2 {
		t.Fatalf("expected 2 paths built, got %d", count)
	}
}
