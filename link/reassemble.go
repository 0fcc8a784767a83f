package link

import "sync"

// DefaultReassemblyWindow bounds how many in-flight messages a Reassembler
// tracks at once; the oldest incomplete message is dropped to admit a new
// one past this limit, the same bounded-admission idea socks.Server applies
// to connections (maxConns=256) generalized here to reassembly slots.
const DefaultReassemblyWindow = 64

type partialMessage struct {
	total    uint16
	received map[uint16][]byte
	got      int
}

// Reassembler reconstructs link messages from fragments, deduplicating on
// (message id, offset) and delivering a message once its received byte
// count reaches the total length declared in its first fragment.
type Reassembler struct {
	mu       sync.Mutex
	window   int
	order    []uint32
	messages map[uint32]*partialMessage
}

// NewReassembler creates a Reassembler holding at most window in-flight
// messages at once.
func NewReassembler(window int) *Reassembler {
	if window <= 0 {
		window = DefaultReassemblyWindow
	}
	return &Reassembler{
		window:   window,
		messages: make(map[uint32]*partialMessage),
	}
}

// Add feeds one decoded fragment into the reassembler. It returns the
// fully reassembled message and true once every fragment of msgID has
// arrived; otherwise it returns nil, false. Duplicate (msgID, offset)
// pairs are ignored.
func (r *Reassembler) Add(msgID uint32, offset, total uint16, payload []byte) ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pm, ok := r.messages[msgID]
	if !ok {
		if len(r.messages) >= r.window {
			r.evictOldestLocked()
		}
		pm = &partialMessage{total: total, received: make(map[uint16][]byte)}
		r.messages[msgID] = pm
		r.order = append(r.order, msgID)
	}

	if _, dup := pm.received[offset]; !dup {
		pm.received[offset] = payload
		pm.got += len(payload)
	}

	if pm.got < int(pm.total) {
		return nil, false
	}

	out := make([]byte, 0, pm.total)
	for off := uint16(0); int(off) < int(pm.total); {
		chunk, ok := pm.received[off]
		if !ok {
			return nil, false
		}
		out = append(out, chunk...)
		off += uint16(len(chunk))
	}

	delete(r.messages, msgID)
	r.removeFromOrderLocked(msgID)
	return out, true
}

// Pending reports how many messages are currently mid-reassembly.
func (r *Reassembler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

func (r *Reassembler) evictOldestLocked() {
	if len(r.order) == 0 {
		return
	}
	oldest := r.order[0]
	r.order = r.order[1:]
	delete(r.messages, oldest)
}

func (r *Reassembler) removeFromOrderLocked(msgID uint32) {
	for i, id := range r.order {
		if id == msgID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			return
		}
	}
}
