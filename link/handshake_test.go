package link

import (
	"net"
	"testing"
	"time"

	"crypto/ed25519"

	"github.com/cvsouth/lokinet-go/crypto"
	"github.com/cvsouth/lokinet-go/rc"
)

func testContact(t *testing.T) (*rc.RouterContact, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("ed25519.GenerateKey: %v", err)
	}
	_, linkPublic, err := crypto.GenerateKeypair()
	if err != nil {
		t.Fatalf("crypto.GenerateKeypair: %v", err)
	}
	var id rc.RouterID
	copy(id[:], pub)
	contact := &rc.RouterContact{
		RouterID:  id,
		NetID:     "lokinet",
		Addresses: []rc.AddressInfo{{IP: net.IPv4(1, 2, 3, 4), Port: 1090, PubKey: linkPublic}},
		Published: time.Now(),
		Lifetime:  rc.DefaultLifetime,
	}
	if err := contact.Sign(priv); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return contact, priv
}

func TestLinkIntroRoundTripAndVerify(t *testing.T) {
	contact, priv := testContact(t)
	var nonce crypto.Nonce
	nonce[0] = 0x42

	lim, err := BuildLinkIntro(contact, nonce, ProtocolVersion, priv)
	if err != nil {
		t.Fatalf("BuildLinkIntro: %v", err)
	}
	if err := lim.Verify(); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	wire, err := lim.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := DecodeLinkIntro(wire)
	if err != nil {
		t.Fatalf("DecodeLinkIntro: %v", err)
	}
	if err := got.Verify(); err != nil {
		t.Fatalf("Verify decoded: %v", err)
	}
	if got.RC.RouterID != contact.RouterID || got.Nonce != nonce || got.Version != ProtocolVersion {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestLinkIntroVerifyRejectsTamperedNonce(t *testing.T) {
	contact, priv := testContact(t)
	var nonce crypto.Nonce
	lim, err := BuildLinkIntro(contact, nonce, ProtocolVersion, priv)
	if err != nil {
		t.Fatalf("BuildLinkIntro: %v", err)
	}
	lim.Nonce[0] ^= 0xFF
	if err := lim.Verify(); err == nil {
		t.Fatal("expected tampered nonce to fail verification")
	}
}

func TestNegotiateVersion(t *testing.T) {
	if _, ok := negotiateVersion(ProtocolVersion); !ok {
		t.Fatal("expected current protocol version to negotiate successfully")
	}
	if _, ok := negotiateVersion(9999); ok {
		t.Fatal("expected unknown version to fail negotiation")
	}
}
