package routing

import (
	"fmt"

	"github.com/cvsouth/lokinet-go/bencode"
	"github.com/cvsouth/lokinet-go/path"
	"github.com/cvsouth/lokinet-go/rc"
)

// RelayUpstream is the steady-state forward-direction (client toward
// endpoint) transit message (§4.5): X is the path's onion-wrapped relay
// payload, one layer of which this hop's TransitHop peels before
// forwarding; Y is a fresh outer nonce transit hops track in a per-
// direction replay window, dropping any duplicate silently rather than
// forwarding it twice. PathID is rewritten by every transiting hop to its
// own egress id before the message continues on to NextHop.
type RelayUpstream struct {
	PathID path.ID
	X      []byte
	Y      [24]byte
}

func (m *RelayUpstream) Kind() Kind { return KindRelayUpstream }
func (m *RelayUpstream) encodeFields(dw *bencode.DictWriter) {
	dw.PutBytes("p", m.PathID[:])
	dw.PutBytes("x", m.X)
	dw.PutBytes("y", m.Y[:])
}
func (m *RelayUpstream) decodeFields(dr *bencode.DictReader) error {
	p, err := dr.Bytes("p")
	if err != nil || len(p) != 16 {
		return fmt.Errorf("relay upstream: path id: %w", err)
	}
	x, err := dr.Bytes("x")
	if err != nil {
		return fmt.Errorf("relay upstream: x: %w", err)
	}
	y, err := dr.Bytes("y")
	if err != nil || len(y) != 24 {
		return fmt.Errorf("relay upstream: y: %w", err)
	}
	copy(m.PathID[:], p)
	m.X = x
	copy(m.Y[:], y)
	return nil
}

// RelayDownstream mirrors RelayUpstream for the backward direction
// (endpoint toward client): each transiting hop adds one onion layer to X
// rather than peeling one, and rewrites PathID to the id its prevHop
// addresses it by.
type RelayDownstream struct {
	PathID path.ID
	X      []byte
	Y      [24]byte
}

func (m *RelayDownstream) Kind() Kind { return KindRelayDownstream }
func (m *RelayDownstream) encodeFields(dw *bencode.DictWriter) {
	dw.PutBytes("p", m.PathID[:])
	dw.PutBytes("x", m.X)
	dw.PutBytes("y", m.Y[:])
}
func (m *RelayDownstream) decodeFields(dr *bencode.DictReader) error {
	p, err := dr.Bytes("p")
	if err != nil || len(p) != 16 {
		return fmt.Errorf("relay downstream: path id: %w", err)
	}
	x, err := dr.Bytes("x")
	if err != nil {
		return fmt.Errorf("relay downstream: x: %w", err)
	}
	y, err := dr.Bytes("y")
	if err != nil || len(y) != 24 {
		return fmt.Errorf("relay downstream: y: %w", err)
	}
	copy(m.PathID[:], p)
	m.X = x
	copy(m.Y[:], y)
	return nil
}

// PathTransfer carries application data end to end over an established
// path/convo session, addressed to a stream id the way circuit's
// RelayData/RelayBegin pair addresses a SOCKS stream.
type PathTransfer struct {
	StreamID uint16
	Data     []byte
}

func (m *PathTransfer) Kind() Kind { return KindPathTransfer }

func (m *PathTransfer) encodeFields(dw *bencode.DictWriter) {
	dw.PutInt("s", int64(m.StreamID))
	dw.PutBytes("d", m.Data)
}

func (m *PathTransfer) decodeFields(dr *bencode.DictReader) error {
	s, err := dr.Int("s")
	if err != nil {
		return err
	}
	d, err := dr.Bytes("d")
	if err != nil {
		return err
	}
	m.StreamID = uint16(s)
	m.Data = d
	return nil
}

// ProtocolFrame bootstraps or carries traffic over a hidden-service convo
// session (§4.8): an ML-KEM-768 ciphertext on the opening frame (nil on
// subsequent frames, once the session key is established), an XChaCha20
// nonce, and a BLAKE2s MAC over nonce||payload keyed by the session's
// derived key, generalizing the teacher's HsNtorClientHandshake /
// CompleteHandshake two-phase shape to a PQ-KEM bootstrap (§4.1).
type ProtocolFrame struct {
	KEMCiphertext []byte // present only on the session-opening frame
	Nonce         [24]byte
	MAC           [32]byte
	Payload       []byte
}

func (m *ProtocolFrame) Kind() Kind { return KindProtocolFrame }

func (m *ProtocolFrame) encodeFields(dw *bencode.DictWriter) {
	if len(m.KEMCiphertext) > 0 {
		dw.PutBytes("x", m.KEMCiphertext)
	}
	dw.PutBytes("n", m.Nonce[:])
	dw.PutBytes("m", m.MAC[:])
	dw.PutBytes("p", m.Payload)
}

func (m *ProtocolFrame) decodeFields(dr *bencode.DictReader) error {
	if dr.Has("x") {
		x, err := dr.Bytes("x")
		if err != nil {
			return err
		}
		m.KEMCiphertext = x
	}
	n, err := dr.Bytes("n")
	if err != nil || len(n) != 24 {
		return fmt.Errorf("protocol frame: nonce: %w", err)
	}
	copy(m.Nonce[:], n)
	mac, err := dr.Bytes("m")
	if err != nil || len(mac) != 32 {
		return fmt.Errorf("protocol frame: mac: %w", err)
	}
	copy(m.MAC[:], mac)
	p, err := dr.Bytes("p")
	if err != nil {
		return err
	}
	m.Payload = p
	return nil
}

// ObtainExit requests exit traffic permission from the terminal hop of a
// path (§7, Open Question (c)). This package only encodes and decodes it;
// the router core has no exit mode and does not act on it.
type ObtainExit struct {
	Flags     uint64
	Signature [64]byte
}

func (m *ObtainExit) Kind() Kind { return KindObtainExit }
func (m *ObtainExit) encodeFields(dw *bencode.DictWriter) {
	dw.PutInt("f", int64(m.Flags))
	dw.PutBytes("s", m.Signature[:])
}
func (m *ObtainExit) decodeFields(dr *bencode.DictReader) error {
	f, err := dr.Int("f")
	if err != nil {
		return err
	}
	s, err := dr.Bytes("s")
	if err != nil || len(s) != 64 {
		return fmt.Errorf("obtain exit: signature: %w", err)
	}
	m.Flags = uint64(f)
	copy(m.Signature[:], s)
	return nil
}

// GrantExit acknowledges a granted ObtainExit request.
type GrantExit struct {
	Signature [64]byte
}

func (m *GrantExit) Kind() Kind { return KindGrantExit }
func (m *GrantExit) encodeFields(dw *bencode.DictWriter) {
	dw.PutBytes("s", m.Signature[:])
}
func (m *GrantExit) decodeFields(dr *bencode.DictReader) error {
	s, err := dr.Bytes("s")
	if err != nil || len(s) != 64 {
		return fmt.Errorf("grant exit: signature: %w", err)
	}
	copy(m.Signature[:], s)
	return nil
}

// RejectExit refuses an ObtainExit request, carrying a human-readable
// reason for logging.
type RejectExit struct {
	Reason string
}

func (m *RejectExit) Kind() Kind { return KindRejectExit }
func (m *RejectExit) encodeFields(dw *bencode.DictWriter) {
	dw.PutString("r", m.Reason)
}
func (m *RejectExit) decodeFields(dr *bencode.DictReader) error {
	r, err := dr.Bytes("r")
	if err != nil {
		return err
	}
	m.Reason = string(r)
	return nil
}

// UpdateExit renews an already-granted exit session before it expires.
type UpdateExit struct {
	Signature [64]byte
}

func (m *UpdateExit) Kind() Kind { return KindUpdateExit }
func (m *UpdateExit) encodeFields(dw *bencode.DictWriter) {
	dw.PutBytes("s", m.Signature[:])
}
func (m *UpdateExit) decodeFields(dr *bencode.DictReader) error {
	s, err := dr.Bytes("s")
	if err != nil || len(s) != 64 {
		return fmt.Errorf("update exit: signature: %w", err)
	}
	copy(m.Signature[:], s)
	return nil
}

// CloseExit tears down a granted exit session.
type CloseExit struct {
	Signature [64]byte
}

func (m *CloseExit) Kind() Kind { return KindCloseExit }
func (m *CloseExit) encodeFields(dw *bencode.DictWriter) {
	dw.PutBytes("s", m.Signature[:])
}
func (m *CloseExit) decodeFields(dr *bencode.DictReader) error {
	s, err := dr.Bytes("s")
	if err != nil || len(s) != 64 {
		return fmt.Errorf("close exit: signature: %w", err)
	}
	copy(m.Signature[:], s)
	return nil
}

// TransferTraffic carries a raw IP packet over a granted exit session.
type TransferTraffic struct {
	Packet []byte
	Nonce  [24]byte
}

func (m *TransferTraffic) Kind() Kind { return KindTransferTraffic }
func (m *TransferTraffic) encodeFields(dw *bencode.DictWriter) {
	dw.PutBytes("d", m.Packet)
	dw.PutBytes("n", m.Nonce[:])
}
func (m *TransferTraffic) decodeFields(dr *bencode.DictReader) error {
	d, err := dr.Bytes("d")
	if err != nil {
		return err
	}
	n, err := dr.Bytes("n")
	if err != nil || len(n) != 24 {
		return fmt.Errorf("transfer traffic: nonce: %w", err)
	}
	m.Packet = d
	copy(m.Nonce[:], n)
	return nil
}

// DHTMessage carries a single DHT request or reply (§8): FindRouter/
// GotRouter, FindIntro/GotIntro, or PublishIntro, distinguished by op and
// decoded further by the dht package, which owns the transaction table
// this message's TxID keys into.
type DHTMessage struct {
	Op      string
	TxID    uint64
	Target  rc.RouterID
	Payload []byte
}

func (m *DHTMessage) Kind() Kind { return KindDHT }
func (m *DHTMessage) encodeFields(dw *bencode.DictWriter) {
	dw.PutString("o", m.Op)
	dw.PutInt("t", int64(m.TxID))
	dw.PutBytes("g", m.Target[:])
	dw.PutBytes("p", m.Payload)
}
func (m *DHTMessage) decodeFields(dr *bencode.DictReader) error {
	o, err := dr.Bytes("o")
	if err != nil {
		return err
	}
	t, err := dr.Int("t")
	if err != nil {
		return err
	}
	g, err := dr.Bytes("g")
	if err != nil || len(g) != 32 {
		return fmt.Errorf("dht message: target: %w", err)
	}
	p, err := dr.Bytes("p")
	if err != nil {
		return err
	}
	m.Op = string(o)
	m.TxID = uint64(t)
	copy(m.Target[:], g)
	m.Payload = p
	return nil
}

// DataDiscard tells the sender this router dropped a message it could not
// route — a queue was full, a path was unknown, or a peer was
// unreachable — without tearing down the path itself.
type DataDiscard struct {
	Reason uint8
}

const (
	DiscardQueueFull   uint8 = 1
	DiscardUnknownPath uint8 = 2
	DiscardUnreachable uint8 = 3
)

func (m *DataDiscard) Kind() Kind { return KindDataDiscard }
func (m *DataDiscard) encodeFields(dw *bencode.DictWriter) {
	dw.PutInt("r", int64(m.Reason))
}
func (m *DataDiscard) decodeFields(dr *bencode.DictReader) error {
	r, err := dr.Int("r")
	if err != nil {
		return err
	}
	m.Reason = uint8(r)
	return nil
}
