package rc

import (
	"crypto/ed25519"
	"net"
	"testing"
	"time"

	"github.com/cvsouth/lokinet-go/crypto"
)

func newTestContact(t *testing.T, netID string, published time.Time) (*RouterContact, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate identity key: %v", err)
	}
	_, sessionPub, err := crypto.GenerateKeypair()
	if err != nil {
		t.Fatalf("generate session key: %v", err)
	}

	var routerID RouterID
	copy(routerID[:], pub)

	contact := &RouterContact{
		RouterID:  routerID,
		NetID:     netID,
		Published: published,
		Lifetime:  DefaultLifetime,
		Addresses: []AddressInfo{
			{IP: net.ParseIP("203.0.113.4"), Port: 1090, PubKey: sessionPub},
		},
	}
	if err := contact.Sign(priv); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return contact, priv
}

func TestSignVerifyRoundTrip(t *testing.T) {
	now := time.Now()
	contact, _ := newTestContact(t, "lokinet", now)
	if err := contact.Verify("lokinet", now); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestVerifyRejectsWrongNetID(t *testing.T) {
	now := time.Now()
	contact, _ := newTestContact(t, "lokinet", now)
	if err := contact.Verify("testnet", now); err == nil {
		t.Fatal("expected network id mismatch error")
	}
}

func TestVerifyRejectsExpired(t *testing.T) {
	past := time.Now().Add(-48 * time.Hour)
	contact, _ := newTestContact(t, "lokinet", past)
	if err := contact.Verify("lokinet", time.Now()); err == nil {
		t.Fatal("expected expiry error")
	}
}

func TestVerifyRejectsTamperedAddress(t *testing.T) {
	now := time.Now()
	contact, _ := newTestContact(t, "lokinet", now)
	contact.Addresses[0].Port = 9999
	if err := contact.Verify("lokinet", now); err == nil {
		t.Fatal("expected signature verification failure after tampering")
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	now := time.Now().Truncate(time.Second)
	contact, _ := newTestContact(t, "lokinet", now)

	data, err := contact.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decoded, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if err := decoded.Verify("lokinet", now); err != nil {
		t.Fatalf("Verify decoded: %v", err)
	}
	if decoded.RouterID != contact.RouterID {
		t.Fatal("router id mismatch after round trip")
	}
	if len(decoded.Addresses) != 1 || decoded.Addresses[0].Port != 1090 {
		t.Fatalf("address mismatch after round trip: %+v", decoded.Addresses)
	}
}
