package path

import (
	"crypto/subtle"
	"encoding"
	"encoding/binary"
	"fmt"
)

// PeelForward removes this hop's one onion layer from a forward-direction
// (client-to-exit) relay payload in place, the operation a transit router
// performs on traffic physically passing through it. It reports whether
// the payload is now recognized as addressed to this hop — i.e. every
// enclosing hop's layer has already been peeled upstream and this is the
// terminal transit hop for the message — along with the decoded command,
// stream id and data when it is. A false, nil-error result means the
// (now one-layer-thinner) payload should be forwarded on to the next hop.
func (h *Hop) PeelForward(payload []byte) (recognizedHere bool, relayCmd uint8, streamID uint16, data []byte, err error) {
	if len(payload) != RelayPayloadLen {
		return false, 0, 0, nil, fmt.Errorf("relay payload has wrong length: %d", len(payload))
	}
	h.kb.XORKeyStream(payload, payload)

	recognized := binary.BigEndian.Uint16(payload[relayRecognizedOff:])
	if recognized != 0 {
		return false, 0, 0, nil, nil
	}

	var savedDigest [4]byte
	copy(savedDigest[:], payload[relayDigestOff:relayDigestOff+4])
	payload[relayDigestOff] = 0
	payload[relayDigestOff+1] = 0
	payload[relayDigestOff+2] = 0
	payload[relayDigestOff+3] = 0

	// The client tags forward traffic with the far hop's Df; by the
	// DHClient/DHServer swap (§2), this hop's own Db is the same raw
	// key material, so recognition here runs over db, not df.
	dbState, err := h.db.(encoding.BinaryMarshaler).MarshalBinary()
	if err != nil {
		return false, 0, 0, nil, fmt.Errorf("snapshot digest state: %w", err)
	}
	h.db.Write(payload)
	computed := h.db.Sum(nil)

	if subtle.ConstantTimeCompare(savedDigest[:], computed[:4]) != 1 {
		if err := h.db.(encoding.BinaryUnmarshaler).UnmarshalBinary(dbState); err != nil {
			return false, 0, 0, nil, fmt.Errorf("restore digest state: %w", err)
		}
		return false, 0, 0, nil, nil
	}

	relayCmd = payload[relayCommandOff]
	streamID = binary.BigEndian.Uint16(payload[relayStreamIDOff:])
	dataLen := binary.BigEndian.Uint16(payload[relayLengthOff:])
	if int(dataLen) > MaxRelayDataLen {
		return false, 0, 0, nil, fmt.Errorf("relay data length %d exceeds maximum %d", dataLen, MaxRelayDataLen)
	}
	data = make([]byte, dataLen)
	copy(data, payload[relayDataOff:relayDataOff+int(dataLen)])
	return true, relayCmd, streamID, data, nil
}

// SealBackward builds a backward-direction (exit-to-client) relay payload
// originating at this hop and adds this hop's onion layer, the mirror of
// PeelForward. A transit hop calls this to answer with an LR_Status or to
// relay an exit's response back toward the client; each hop further
// upstream then adds its own layer in turn via ForwardBackward as the
// payload physically transits it.
func (h *Hop) SealBackward(relayCmd uint8, streamID uint16, data []byte) ([]byte, error) {
	if len(data) > MaxRelayDataLen {
		return nil, fmt.Errorf("relay data too large: %d > %d", len(data), MaxRelayDataLen)
	}
	payload := make([]byte, RelayPayloadLen)
	payload[relayCommandOff] = relayCmd
	binary.BigEndian.PutUint16(payload[relayStreamIDOff:], streamID)
	binary.BigEndian.PutUint16(payload[relayLengthOff:], uint16(len(data)))
	copy(payload[relayDataOff:], data)

	// The client verifies backward traffic against its own Db; this
	// hop's Df is the same raw key material under the DHClient/DHServer
	// swap, so this hop tags with df, not db.
	h.df.Write(payload)
	digest := h.df.Sum(nil)
	copy(payload[relayDigestOff:relayDigestOff+4], digest[:4])

	h.kf.XORKeyStream(payload, payload)
	return payload, nil
}

// ForwardBackward adds this hop's onion layer to a backward-direction
// payload that originated further inward (closer to the exit) and is
// simply passing through this hop on its way to the client.
func (h *Hop) ForwardBackward(payload []byte) {
	h.kf.XORKeyStream(payload, payload)
}
