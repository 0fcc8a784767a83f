// Package routing implements lokinet's routing-layer messages (§7): the
// payloads carried inside a path's relay traffic once the onion layers
// have been peeled away, each a bencode dict tagged with a one-byte
// message kind. This generalizes the teacher's circuit relay-command
// constant block and switch-dispatched RelayBegin/RelayData/RelayEnd/...
// handling to lokinet's own tag space and message shapes.
package routing

import (
	"fmt"

	"github.com/cvsouth/lokinet-go/bencode"
)

// Kind identifies a routing-layer message's wire type, carried as the
// integer under key "k" in every encoded message's dict (mirroring circuit/relay.go's
// RelayData/RelayBegin/... command byte, generalized to lokinet's message
// set).
type Kind uint8

const (
	KindPathTransfer    Kind = 1
	KindProtocolFrame   Kind = 2
	KindObtainExit      Kind = 10
	KindGrantExit       Kind = 11
	KindRejectExit      Kind = 12
	KindUpdateExit      Kind = 13
	KindCloseExit       Kind = 14
	KindTransferTraffic Kind = 15
	KindRelayUpstream   Kind = 16
	KindRelayDownstream Kind = 17
	KindDHT             Kind = 20
	KindDataDiscard     Kind = 30
)

func (k Kind) String() string {
	switch k {
	case KindPathTransfer:
		return "path-transfer"
	case KindProtocolFrame:
		return "protocol-frame"
	case KindObtainExit:
		return "obtain-exit"
	case KindGrantExit:
		return "grant-exit"
	case KindRejectExit:
		return "reject-exit"
	case KindUpdateExit:
		return "update-exit"
	case KindCloseExit:
		return "close-exit"
	case KindTransferTraffic:
		return "transfer-traffic"
	case KindRelayUpstream:
		return "relay-upstream"
	case KindRelayDownstream:
		return "relay-downstream"
	case KindDHT:
		return "dht"
	case KindDataDiscard:
		return "data-discard"
	default:
		return "unknown"
	}
}

// Message is any routing-layer payload that can be encoded to and decoded
// from a tagged bencode dict.
type Message interface {
	Kind() Kind
	encodeFields(dw *bencode.DictWriter)
	decodeFields(dr *bencode.DictReader) error
}

// Encode wraps a Message's fields with its kind tag and renders the whole
// thing to canonical bencode bytes.
func Encode(m Message) ([]byte, error) {
	dw := bencode.NewDictWriter()
	dw.PutInt("k", int64(m.Kind()))
	m.encodeFields(dw)
	return dw.Bytes()
}

// Decode reads a kind tag from data and dispatches to the matching
// Message's decodeFields, the bencode-dict analogue of circuit/relay.go's
// switch-on-relayCmd dispatch.
func Decode(data []byte) (Message, error) {
	dr, err := bencode.NewDictReader(data)
	if err != nil {
		return nil, fmt.Errorf("routing: decode: %w", err)
	}
	kindInt, err := dr.Int("k")
	if err != nil {
		return nil, fmt.Errorf("routing: decode: %w", err)
	}

	var m Message
	switch Kind(kindInt) {
	case KindPathTransfer:
		m = &PathTransfer{}
	case KindProtocolFrame:
		m = &ProtocolFrame{}
	case KindObtainExit:
		m = &ObtainExit{}
	case KindGrantExit:
		m = &GrantExit{}
	case KindRejectExit:
		m = &RejectExit{}
	case KindUpdateExit:
		m = &UpdateExit{}
	case KindCloseExit:
		m = &CloseExit{}
	case KindTransferTraffic:
		m = &TransferTraffic{}
	case KindRelayUpstream:
		m = &RelayUpstream{}
	case KindRelayDownstream:
		m = &RelayDownstream{}
	case KindDHT:
		m = &DHTMessage{}
	case KindDataDiscard:
		m = &DataDiscard{}
	default:
		return nil, fmt.Errorf("routing: unknown message kind %d", kindInt)
	}
	if err := m.decodeFields(dr); err != nil {
		return nil, fmt.Errorf("routing: decode %s: %w", m.Kind(), err)
	}
	return m, nil
}
