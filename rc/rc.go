// Package rc implements the RouterContact: the self-signed, gossiped
// object a lokinet router publishes describing how to reach it (§3, §4.2).
package rc

import (
	"crypto/ed25519"
	"fmt"
	"net"
	"time"

	"github.com/cvsouth/lokinet-go/bencode"
	"github.com/cvsouth/lokinet-go/crypto"
)

// RouterID is a router's long-term Ed25519 public identity key.
type RouterID [32]byte

func (id RouterID) String() string {
	return fmt.Sprintf("%x", id[:8])
}

// DefaultLifetime is how long a RouterContact remains valid after signing.
const DefaultLifetime = 24 * time.Hour

// AddressInfo describes one reachable transport address for a router.
type AddressInfo struct {
	IP   net.IP
	Port uint16
	// PubKey is the router's X25519 session key advertised for this
	// address, used to bootstrap the link-layer handshake (§4.3).
	PubKey crypto.PublicKey
}

func (a AddressInfo) encode() *bencode.DictWriter {
	dw := bencode.NewDictWriter()
	ip4 := a.IP.To4()
	if ip4 == nil {
		ip4 = make(net.IP, 4)
	}
	dw.PutBytes("i", ip4)
	dw.PutInt("p", int64(a.Port))
	dw.PutBytes("k", a.PubKey[:])
	return dw
}

func decodeAddressInfo(dr *bencode.DictReader) (AddressInfo, error) {
	ipBytes, err := dr.Bytes("i")
	if err != nil {
		return AddressInfo{}, fmt.Errorf("address ip: %w", err)
	}
	port, err := dr.Int("p")
	if err != nil {
		return AddressInfo{}, fmt.Errorf("address port: %w", err)
	}
	keyBytes, err := dr.Bytes("k")
	if err != nil {
		return AddressInfo{}, fmt.Errorf("address pubkey: %w", err)
	}
	if len(keyBytes) != 32 {
		return AddressInfo{}, fmt.Errorf("address pubkey: want 32 bytes, got %d", len(keyBytes))
	}
	var a AddressInfo
	a.IP = net.IP(append([]byte(nil), ipBytes...))
	a.Port = uint16(port)
	copy(a.PubKey[:], keyBytes)
	return a, nil
}

// RouterContact is the self-signed descriptor a router publishes and
// gossips to peers, and that nodedb stores keyed by RouterID.
type RouterContact struct {
	RouterID   RouterID
	NetID      string // matches the network this router belongs to
	Addresses  []AddressInfo
	Published  time.Time
	Lifetime   time.Duration
	Signature  crypto.Signature
}

// signedBytes bencodes every field except the signature itself, per the
// "zero signed fields before hashing" helper (§9 Design Notes) generalized
// here to "omit, rather than zero, the signature field before signing".
func (rc *RouterContact) signedBytes() ([]byte, error) {
	dw := bencode.NewDictWriter()
	dw.PutBytes("r", rc.RouterID[:])
	dw.PutString("n", rc.NetID)
	dw.PutInt("t", rc.Published.Unix())
	dw.PutInt("l", int64(rc.Lifetime.Seconds()))
	return rc.encodeWithSignature(dw, false)
}

func (rc *RouterContact) encodeWithSignature(dw *bencode.DictWriter, includeSig bool) ([]byte, error) {
	var addrList []bencode.Value
	for _, a := range rc.Addresses {
		addrDict := a.encode()
		addrList = append(addrList, addrDict.AsValue())
	}
	dw.PutList("a", addrList)
	if includeSig {
		dw.PutBytes("s", rc.Signature[:])
	}
	return dw.Bytes()
}

// Sign computes and stores the RouterContact's signature over its
// canonical encoding (signature field absent from the signed payload).
func (rc *RouterContact) Sign(priv ed25519.PrivateKey) error {
	payload, err := rc.signedBytes()
	if err != nil {
		return fmt.Errorf("encode for signing: %w", err)
	}
	rc.Signature = crypto.Sign(priv, payload)
	return nil
}

// Verify checks the RouterContact's signature, network id, and lifetime.
// netID is the network this node belongs to (e.g. "lokinet"); now is
// injected so callers can test clock-skew handling deterministically.
func (rc *RouterContact) Verify(netID string, now time.Time) error {
	if rc.NetID != netID {
		return fmt.Errorf("router contact: network id mismatch: got %q want %q", rc.NetID, netID)
	}
	if rc.Lifetime <= 0 {
		return fmt.Errorf("router contact: non-positive lifetime")
	}
	if now.After(rc.Published.Add(rc.Lifetime)) {
		return fmt.Errorf("router contact: expired at %s", rc.Published.Add(rc.Lifetime))
	}
	if now.Before(rc.Published.Add(-5 * time.Minute)) {
		return fmt.Errorf("router contact: published in the future (%s)", rc.Published)
	}
	payload, err := rc.signedBytes()
	if err != nil {
		return fmt.Errorf("encode for verification: %w", err)
	}
	if !crypto.Verify(ed25519.PublicKey(rc.RouterID[:]), payload, rc.Signature) {
		return fmt.Errorf("router contact: signature verification failed")
	}
	return nil
}

// Encode renders the full signed RouterContact to canonical bencode bytes
// for gossip and nodedb persistence.
func (rc *RouterContact) Encode() ([]byte, error) {
	dw := bencode.NewDictWriter()
	dw.PutBytes("r", rc.RouterID[:])
	dw.PutString("n", rc.NetID)
	dw.PutInt("t", rc.Published.Unix())
	dw.PutInt("l", int64(rc.Lifetime.Seconds()))
	return rc.encodeWithSignature(dw, true)
}

// Decode parses a RouterContact previously produced by Encode. It does not
// verify the signature; call Verify separately once NetID and time are known.
func Decode(data []byte) (*RouterContact, error) {
	dr, err := bencode.NewDictReader(data)
	if err != nil {
		return nil, fmt.Errorf("decode router contact: %w", err)
	}
	var rc RouterContact

	idBytes, err := dr.Bytes("r")
	if err != nil || len(idBytes) != 32 {
		return nil, fmt.Errorf("decode router contact: router id: %w", err)
	}
	copy(rc.RouterID[:], idBytes)

	netID, err := dr.Bytes("n")
	if err != nil {
		return nil, fmt.Errorf("decode router contact: net id: %w", err)
	}
	rc.NetID = string(netID)

	published, err := dr.Int("t")
	if err != nil {
		return nil, fmt.Errorf("decode router contact: published: %w", err)
	}
	rc.Published = time.Unix(published, 0).UTC()

	lifetime, err := dr.Int("l")
	if err != nil {
		return nil, fmt.Errorf("decode router contact: lifetime: %w", err)
	}
	rc.Lifetime = time.Duration(lifetime) * time.Second

	addrList, err := dr.List("a")
	if err != nil {
		return nil, fmt.Errorf("decode router contact: addresses: %w", err)
	}
	for i, av := range addrList {
		raw, ok := av.(map[string]bencode.Value)
		if !ok {
			return nil, fmt.Errorf("decode router contact: address %d is not a dict", i)
		}
		addrReader := bencode.WrapDict(raw)
		addr, err := decodeAddressInfo(addrReader)
		if err != nil {
			return nil, fmt.Errorf("decode router contact: address %d: %w", i, err)
		}
		rc.Addresses = append(rc.Addresses, addr)
	}

	sigBytes, err := dr.Bytes("s")
	if err != nil || len(sigBytes) != 64 {
		return nil, fmt.Errorf("decode router contact: signature: %w", err)
	}
	copy(rc.Signature[:], sigBytes)

	return &rc, nil
}
