package path

import (
	"crypto/subtle"
	"encoding"
	"encoding/binary"
	"fmt"
)

// Relay message command constants carried in a relay payload's first byte,
// mirroring circuit.Relay*'s role but naming lokinet's routing-layer
// message kinds (§7) instead of Tor's RELAY_* commands.
const (
	RelayData    uint8 = 1
	RelayExit    uint8 = 2
	RelayControl uint8 = 3
)

// RelayPayloadLen is the fixed size of a relay message payload, matching
// lokinet's link-layer fragment budget (§4.4) rather than Tor's 509-byte
// fixed cell payload.
const RelayPayloadLen = 1024

// Relay header offsets within the payload, directly mirroring
// circuit.relay*Off's layout.
const (
	relayCommandOff    = 0 // 1 byte
	relayRecognizedOff = 1 // 2 bytes
	relayStreamIDOff   = 3 // 2 bytes
	relayDigestOff     = 5 // 4 bytes
	relayLengthOff     = 9 // 2 bytes
	relayDataOff       = 11
)

// MaxRelayDataLen is the maximum payload carried in a single relay message.
const MaxRelayDataLen = RelayPayloadLen - relayDataOff

// SendRelay builds and onion-encrypts a relay message for transmission
// down the path to the far hop, the client-side counterpart to
// circuit.EncryptRelay: it zero-pads a fixed-size payload, stamps a
// running-digest tag over it, and XChaCha20-encrypts it once per hop from
// the farthest hop inward.
func (p *Path) SendRelay(relayCmd uint8, streamID uint16, data []byte) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.Hops) == 0 {
		return nil, fmt.Errorf("path has no hops")
	}
	if len(data) > MaxRelayDataLen {
		return nil, fmt.Errorf("relay data too large: %d > %d", len(data), MaxRelayDataLen)
	}

	payload := make([]byte, RelayPayloadLen)
	payload[relayCommandOff] = relayCmd
	binary.BigEndian.PutUint16(payload[relayStreamIDOff:], streamID)
	binary.BigEndian.PutUint16(payload[relayLengthOff:], uint16(len(data)))
	copy(payload[relayDataOff:], data)

	farHop := p.Hops[len(p.Hops)-1]
	farHop.df.Write(payload)
	digest := farHop.df.Sum(nil)
	copy(payload[relayDigestOff:relayDigestOff+4], digest[:4])

	for i := len(p.Hops) - 1; i >= 0; i-- {
		p.Hops[i].kf.XORKeyStream(payload, payload)
	}
	return payload, nil
}

// ReceiveRelay peels one XChaCha20 layer per hop from the near hop outward
// looking for a recognized layer, the client-side counterpart to
// circuit.DecryptRelay. It snapshots each hop's running backward digest
// before testing it, restoring it on a false match the same way
// decryptRelayLocked protects against a coincidental recognized==0.
func (p *Path) ReceiveRelay(incoming []byte) (hopIdx int, relayCmd uint8, streamID uint16, data []byte, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.Hops) == 0 {
		return 0, 0, 0, nil, fmt.Errorf("path has no hops")
	}
	if len(incoming) != RelayPayloadLen {
		return 0, 0, 0, nil, fmt.Errorf("relay payload has wrong length: %d", len(incoming))
	}

	payload := make([]byte, RelayPayloadLen)
	copy(payload, incoming)

	for i, hop := range p.Hops {
		hop.kb.XORKeyStream(payload, payload)

		recognized := binary.BigEndian.Uint16(payload[relayRecognizedOff:])
		if recognized != 0 {
			continue
		}

		var savedDigest [4]byte
		copy(savedDigest[:], payload[relayDigestOff:relayDigestOff+4])
		payload[relayDigestOff] = 0
		payload[relayDigestOff+1] = 0
		payload[relayDigestOff+2] = 0
		payload[relayDigestOff+3] = 0

		dbState, err := hop.db.(encoding.BinaryMarshaler).MarshalBinary()
		if err != nil {
			return 0, 0, 0, nil, fmt.Errorf("snapshot digest state: %w", err)
		}

		hop.db.Write(payload)
		computedDigest := hop.db.Sum(nil)

		if subtle.ConstantTimeCompare(savedDigest[:], computedDigest[:4]) == 1 {
			relayCmd = payload[relayCommandOff]
			streamID = binary.BigEndian.Uint16(payload[relayStreamIDOff:])
			dataLen := binary.BigEndian.Uint16(payload[relayLengthOff:])
			if int(dataLen) > MaxRelayDataLen {
				return 0, 0, 0, nil, fmt.Errorf("relay data length %d exceeds maximum %d", dataLen, MaxRelayDataLen)
			}
			data = make([]byte, dataLen)
			copy(data, payload[relayDataOff:relayDataOff+int(dataLen)])
			return i, relayCmd, streamID, data, nil
		}

		if err := hop.db.(encoding.BinaryUnmarshaler).UnmarshalBinary(dbState); err != nil {
			return 0, 0, 0, nil, fmt.Errorf("restore digest state: %w", err)
		}
	}

	return 0, 0, 0, nil, fmt.Errorf("relay message not recognized at any hop")
}
