package link

import (
	"crypto/ed25519"
	"fmt"

	"github.com/cvsouth/lokinet-go/bencode"
	"github.com/cvsouth/lokinet-go/crypto"
	"github.com/cvsouth/lokinet-go/rc"
)

// ProtocolVersion is this build's link-layer protocol version tag (§4.3).
// negotiateVersion below keeps the teacher's map-based best-common-version
// idiom even though, for now, exactly one version exists to negotiate.
const ProtocolVersion uint16 = 1

// supportedVersions mirrors the teacher negotiateVersion's map of versions
// this side understands, generalized from Tor's link-protocol versions to
// lokinet's (currently singleton) version set.
var supportedVersions = map[uint16]bool{
	1: true,
}

// negotiateVersion reports whether peerVersion is one we can speak, and if
// so returns it unchanged (there is only ever one version both sides would
// agree on today, but the lookup-table shape leaves room for the teacher's
// best-common-version selection once a second version exists).
func negotiateVersion(peerVersion uint16) (uint16, bool) {
	if supportedVersions[peerVersion] {
		return peerVersion, true
	}
	return 0, false
}

// LinkIntroMessage (LIM) is the handshake message exchanged to open a link
// session (§4.3): a RouterContact, a session nonce, a version tag, and an
// Ed25519 signature over all three, signed with the same long-term identity
// key that signs the RouterContact itself.
type LinkIntroMessage struct {
	RC      *rc.RouterContact
	Nonce   crypto.Nonce
	Version uint16
	Sig     crypto.Signature
}

func (lim *LinkIntroMessage) signedBytes() ([]byte, error) {
	rcBytes, err := lim.RC.Encode()
	if err != nil {
		return nil, fmt.Errorf("encode rc: %w", err)
	}
	dw := bencode.NewDictWriter()
	dw.PutBytes("c", rcBytes)
	dw.PutBytes("n", lim.Nonce[:])
	dw.PutInt("v", int64(lim.Version))
	return dw.Bytes()
}

// BuildLinkIntro constructs and signs a LinkIntroMessage. signPriv is the
// Ed25519 private key matching ourRC.RouterID, the same key that signed
// ourRC itself.
func BuildLinkIntro(ourRC *rc.RouterContact, nonce crypto.Nonce, version uint16, signPriv ed25519.PrivateKey) (*LinkIntroMessage, error) {
	lim := &LinkIntroMessage{RC: ourRC, Nonce: nonce, Version: version}
	payload, err := lim.signedBytes()
	if err != nil {
		return nil, err
	}
	lim.Sig = crypto.Sign(signPriv, payload)
	return lim, nil
}

// Verify checks the LIM's own signature against the RouterID it carries.
// It does not verify the embedded RouterContact's own signature or
// lifetime; callers do that separately via RC.Verify, since doing so
// requires a netID and a clock the handshake layer should not assume.
func (lim *LinkIntroMessage) Verify() error {
	if lim.RC == nil {
		return fmt.Errorf("link intro: missing router contact")
	}
	payload, err := lim.signedBytes()
	if err != nil {
		return fmt.Errorf("link intro: %w", err)
	}
	if !crypto.Verify(ed25519.PublicKey(lim.RC.RouterID[:]), payload, lim.Sig) {
		return fmt.Errorf("link intro: signature verification failed")
	}
	return nil
}

// Encode renders a LinkIntroMessage to canonical bencode bytes for
// transmission in the first fragment of a handshake datagram.
func (lim *LinkIntroMessage) Encode() ([]byte, error) {
	rcBytes, err := lim.RC.Encode()
	if err != nil {
		return nil, fmt.Errorf("encode link intro: %w", err)
	}
	dw := bencode.NewDictWriter()
	dw.PutBytes("c", rcBytes)
	dw.PutBytes("n", lim.Nonce[:])
	dw.PutInt("v", int64(lim.Version))
	dw.PutBytes("z", lim.Sig[:])
	return dw.Bytes()
}

// DecodeLinkIntro parses a LinkIntroMessage previously produced by Encode.
// It does not verify the signature; call Verify separately.
func DecodeLinkIntro(data []byte) (*LinkIntroMessage, error) {
	dr, err := bencode.NewDictReader(data)
	if err != nil {
		return nil, fmt.Errorf("decode link intro: %w", err)
	}
	rcBytes, err := dr.Bytes("c")
	if err != nil {
		return nil, fmt.Errorf("decode link intro: router contact: %w", err)
	}
	contact, err := rc.Decode(rcBytes)
	if err != nil {
		return nil, fmt.Errorf("decode link intro: router contact: %w", err)
	}
	nonceBytes, err := dr.Bytes("n")
	if err != nil || len(nonceBytes) != len(crypto.Nonce{}) {
		return nil, fmt.Errorf("decode link intro: nonce: %w", err)
	}
	version, err := dr.Int("v")
	if err != nil {
		return nil, fmt.Errorf("decode link intro: version: %w", err)
	}
	sigBytes, err := dr.Bytes("z")
	if err != nil || len(sigBytes) != len(crypto.Signature{}) {
		return nil, fmt.Errorf("decode link intro: signature: %w", err)
	}

	lim := &LinkIntroMessage{RC: contact, Version: uint16(version)}
	copy(lim.Nonce[:], nonceBytes)
	copy(lim.Sig[:], sigBytes)
	return lim, nil
}
