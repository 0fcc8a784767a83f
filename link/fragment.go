package link

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"github.com/cvsouth/lokinet-go/crypto"
)

// MaxFragmentPayload is the largest inner payload one fragment may carry,
// keeping a fragment's ciphertext plus header under 1024 bytes so the
// whole UDP datagram (header, outer nonce, MAC) stays within the 1280-byte
// budget §4.3 sets for link traffic.
const MaxFragmentPayload = 512

const fragmentInnerHeaderLen = 4 + 2 + 2 // msg id, offset, total length

// fragmentHeaderLen is the wire overhead before the encrypted inner body:
// a 32-byte keyed MAC followed by a 24-byte outer nonce, mirroring
// EncryptedFrame's [MAC][nonce][...] layout (path/frame.go) generalized
// from a one-shot onion envelope to a per-fragment link datagram.
const fragmentHeaderLen = 32 + 24

// EncodeFragment seals one reassembly fragment of message msgID: payload
// bytes [offset, offset+len(payload)) out of a total of totalLen bytes.
// Following SealFrame's convention (§4.5, generalized here to the link
// layer rather than re-derived), the sender encrypts with its own Kf and
// authenticates with its own Kb; the receiving side decrypts with its Kb
// and verifies with its Kf, the same raw key material the other way round.
func EncodeFragment(keys crypto.SessionKeys, msgID uint32, offset, totalLen uint16, payload []byte) ([]byte, error) {
	if len(payload) > MaxFragmentPayload {
		return nil, fmt.Errorf("link: fragment payload too large: %d > %d", len(payload), MaxFragmentPayload)
	}

	inner := make([]byte, fragmentInnerHeaderLen+len(payload))
	binary.BigEndian.PutUint32(inner[0:4], msgID)
	binary.BigEndian.PutUint16(inner[4:6], offset)
	binary.BigEndian.PutUint16(inner[6:8], totalLen)
	copy(inner[fragmentInnerHeaderLen:], payload)

	var nonce crypto.Nonce
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("link: generate fragment nonce: %w", err)
	}
	if err := crypto.XChaCha20(keys.Kf, nonce, 0, inner); err != nil {
		return nil, fmt.Errorf("link: encrypt fragment: %w", err)
	}

	mac, err := crypto.HMAC(keys.Kb[:], nonce[:], inner)
	if err != nil {
		return nil, fmt.Errorf("link: mac fragment: %w", err)
	}

	out := make([]byte, fragmentHeaderLen+len(inner))
	copy(out[0:32], mac[:])
	copy(out[32:56], nonce[:])
	copy(out[fragmentHeaderLen:], inner)
	return out, nil
}

// SplitMessage fragments payload into one or more sealed fragments under
// msgID, each carrying at most MaxFragmentPayload plaintext bytes, ready
// to hand individually to Socket.SendFragment. Any payload larger than a
// single fragment budget (e.g. a path.RelayPayloadLen-sized relay message)
// must be split this way rather than sent as one oversized fragment.
func SplitMessage(keys crypto.SessionKeys, msgID uint32, payload []byte) ([][]byte, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("link: cannot split an empty message")
	}
	if len(payload) > 1<<16-1 {
		return nil, fmt.Errorf("link: message too large to fragment: %d bytes", len(payload))
	}
	total := uint16(len(payload))
	var out [][]byte
	for offset := 0; offset < len(payload); {
		end := offset + MaxFragmentPayload
		if end > len(payload) {
			end = len(payload)
		}
		fragment, err := EncodeFragment(keys, msgID, uint16(offset), total, payload[offset:end])
		if err != nil {
			return nil, fmt.Errorf("link: split message: %w", err)
		}
		out = append(out, fragment)
		offset = end
	}
	return out, nil
}

// DecodeFragment opens a fragment produced by EncodeFragment on the
// sender's session, recovering the message id, this fragment's offset and
// the message's declared total length, and the fragment's payload bytes.
func DecodeFragment(keys crypto.SessionKeys, wire []byte) (msgID uint32, offset, totalLen uint16, payload []byte, err error) {
	if len(wire) < fragmentHeaderLen+fragmentInnerHeaderLen {
		return 0, 0, 0, nil, fmt.Errorf("link: fragment too short: %d bytes", len(wire))
	}
	var mac [32]byte
	copy(mac[:], wire[0:32])
	var nonce crypto.Nonce
	copy(nonce[:], wire[32:56])
	inner := append([]byte(nil), wire[fragmentHeaderLen:]...)

	if !crypto.VerifyHMAC(keys.Kf[:], mac, nonce[:], inner) {
		return 0, 0, 0, nil, fmt.Errorf("link: fragment mac verification failed")
	}
	if err := crypto.XChaCha20(keys.Kb, nonce, 0, inner); err != nil {
		return 0, 0, 0, nil, fmt.Errorf("link: decrypt fragment: %w", err)
	}

	msgID = binary.BigEndian.Uint32(inner[0:4])
	offset = binary.BigEndian.Uint16(inner[4:6])
	totalLen = binary.BigEndian.Uint16(inner[6:8])
	payload = append([]byte(nil), inner[fragmentInnerHeaderLen:]...)
	return msgID, offset, totalLen, payload, nil
}
