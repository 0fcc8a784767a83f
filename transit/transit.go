// Package transit implements the relay-side half of path build and relay
// traffic (§6) that the client-facing path package has no analogue for:
// per-hop state for traffic merely passing through this router, keyed by
// the (neighbor, direction) tuple a hop's ingress and egress sides are
// each addressed by, and the forward/backward peel-one-layer-and-forward
// state machine a transit router runs for every path it carries a hop of.
//
// The teacher's circuit package only ever plays the client role (tor-go is
// a Tor client, never a relay), so this package has no direct teacher
// analogue; it is grounded on the same relay cell digest/encrypt chain
// (circuit/relay.go) generalized to lokinet's onion layer primitives via
// path.Hop's exported PeelForward/SealBackward/ForwardBackward.
package transit

import (
	"fmt"
	"sync"
	"time"

	"github.com/cvsouth/lokinet-go/crypto"
	"github.com/cvsouth/lokinet-go/path"
	"github.com/cvsouth/lokinet-go/rc"
)

// Status is the outcome carried in an LR_Status message, lokinet's
// equivalent of Tor's EXTENDED2/DESTROY acknowledgement (§7).
type Status uint8

const (
	StatusOK             Status = 0
	StatusFailTimeout    Status = 1
	StatusFailCongestion Status = 2
	StatusFailDestHop    Status = 3
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusFailTimeout:
		return "timeout"
	case StatusFailCongestion:
		return "congestion"
	case StatusFailDestHop:
		return "dest-hop-failure"
	default:
		return "unknown"
	}
}

// neighborKey identifies one end of a TransitHop: the neighboring router
// that originates traffic under this id, and the id itself. A TransitHop
// is registered under its ingress neighborKey (prevHop, rxid) and, unless
// it is the path's terminus, also under its egress neighborKey (nextHop,
// txid) — the "PathID is unique per (neighbor, direction) tuple" property
// (§3) that lets the same 16-byte id be reused safely across different
// neighbors without colliding.
type neighborKey struct {
	neighbor rc.RouterID
	id       path.ID
}

// replayWindowSize bounds how many outer nonces a direction's replay
// window remembers, evicting the oldest once full the same way
// link.Reassembler bounds its in-flight message count.
const replayWindowSize = 128

// replayWindow is the "sliding-window decaying set of seen outer nonces"
// §4.5 requires per direction: submitting the same nonce twice results in
// exactly one forwarded message.
type replayWindow struct {
	seen  map[[24]byte]struct{}
	order [][24]byte
}

func newReplayWindow() *replayWindow {
	return &replayWindow{seen: make(map[[24]byte]struct{})}
}

// seenBefore reports whether nonce was already observed, recording it if
// this is the first time.
func (w *replayWindow) seenBefore(nonce [24]byte) bool {
	if _, ok := w.seen[nonce]; ok {
		return true
	}
	w.seen[nonce] = struct{}{}
	w.order = append(w.order, nonce)
	if len(w.order) > replayWindowSize {
		oldest := w.order[0]
		w.order = w.order[1:]
		delete(w.seen, oldest)
	}
	return false
}

// Hop is one path's transit-side state at this router: the rxid/txid
// tokens the build assigned it, which neighbor sits on either side, the
// onion layer keys this router derived for the path during build, and
// whether it is the path's terminal hop.
type Hop struct {
	RxID     path.ID
	TxID     path.ID // zero/unused when Terminal
	PrevHop  rc.RouterID
	NextHop  rc.RouterID // zero when Terminal
	Terminal bool

	hop          *path.Hop
	seenUp       *replayWindow
	seenDown     *replayWindow
	lastActivity time.Time
}

// IdleTimeout matches the path rebuild cadence: a transit hop that sees no
// traffic for this long is assumed abandoned and is eligible for removal
// (§4.9 maintenance tick).
const IdleTimeout = 10 * time.Minute

// Table tracks every transit hop currently carried by this router.
// ingress is authoritative — every Hop appears there exactly once, keyed
// by (prevHop, rxid) — while egress is a secondary index keyed by
// (nextHop, txid) for non-terminal hops, used to locate the same Hop from
// the opposite direction without it ever being double-counted.
type Table struct {
	mu      sync.RWMutex
	ingress map[neighborKey]*Hop
	egress  map[neighborKey]*Hop
}

// NewTable returns an empty transit hop table.
func NewTable() *Table {
	return &Table{
		ingress: make(map[neighborKey]*Hop),
		egress:  make(map[neighborKey]*Hop),
	}
}

// BuildOutcome is the result of processing an inbound LR_CommitMessage.
type BuildOutcome struct {
	RxID     path.ID
	Terminal bool
	// NextHop, TxID and Forward are set only when Terminal is false: the
	// address and egress id to relay Forward's onion-wrapped remainder to.
	NextHop rc.RouterID
	TxID    path.ID
	Forward *path.EncryptedFrame
}

// ProcessBuild peels this router's one onion layer from an inbound build
// frame using hopSecret (this router's long-term session private key),
// decodes the commit record, validates it, derives this hop's path keys
// from the record's commkey, and installs a TransitHop keyed by
// (prevHop, rxid) — prevHop being the neighbor the frame physically
// arrived from, per §4.5 step 3.
func (t *Table) ProcessBuild(prevHop rc.RouterID, hopSecret crypto.PrivateKey, frame *path.EncryptedFrame) (*BuildOutcome, error) {
	plaintext, _, err := path.OpenFrame(hopSecret, frame)
	if err != nil {
		return nil, fmt.Errorf("process build: %w", err)
	}
	record, consumed, err := path.DecodeCommitRecord(plaintext)
	if err != nil {
		return nil, fmt.Errorf("process build: %w", err)
	}

	if record.HasNext && record.TxID == record.RxID {
		return nil, fmt.Errorf("process build: txid equals rxid")
	}
	if record.Lifetime > path.MaxPathLifetime {
		return nil, fmt.Errorf("process build: lifetime %s exceeds cap %s", record.Lifetime, path.MaxPathLifetime)
	}

	hopKeys, err := crypto.DHServer(hopSecret, record.CommKey, frame.Nonce)
	if err != nil {
		return nil, fmt.Errorf("process build: derive commkey: %w", err)
	}
	h, err := path.NewHop(hopKeys)
	if err != nil {
		return nil, fmt.Errorf("process build: derive hop state: %w", err)
	}

	entry := &Hop{
		RxID:         record.RxID,
		TxID:         record.TxID,
		PrevHop:      prevHop,
		NextHop:      record.NextHop,
		Terminal:     !record.HasNext,
		hop:          h,
		seenUp:       newReplayWindow(),
		seenDown:     newReplayWindow(),
		lastActivity: time.Now(),
	}

	t.mu.Lock()
	t.ingress[neighborKey{prevHop, record.RxID}] = entry
	if !entry.Terminal {
		t.egress[neighborKey{record.NextHop, record.TxID}] = entry
	}
	t.mu.Unlock()

	outcome := &BuildOutcome{RxID: record.RxID, Terminal: entry.Terminal}
	if !entry.Terminal {
		remainder := plaintext[consumed:]
		nested, err := path.DecodeFrame(remainder)
		if err != nil {
			return nil, fmt.Errorf("process build: decode nested frame: %w", err)
		}
		outcome.NextHop = record.NextHop
		outcome.TxID = record.TxID
		outcome.Forward = nested
	}
	return outcome, nil
}

func (t *Table) getIngress(neighbor rc.RouterID, id path.ID) (*Hop, error) {
	t.mu.RLock()
	entry, ok := t.ingress[neighborKey{neighbor, id}]
	t.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("transit: no ingress state for (%x, %x)", neighbor, id)
	}
	return entry, nil
}

func (t *Table) getEgress(neighbor rc.RouterID, id path.ID) (*Hop, error) {
	t.mu.RLock()
	entry, ok := t.egress[neighborKey{neighbor, id}]
	t.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("transit: no egress state for (%x, %x)", neighbor, id)
	}
	return entry, nil
}

// ForwardOutcome is the result of HandleForward.
type ForwardOutcome struct {
	// Duplicate is set when the outer nonce was already seen; the caller
	// should silently drop the message rather than process or forward it.
	Duplicate bool
	// Recognized is set when this hop is the message's destination;
	// RelayCmd/StreamID/Data are only meaningful then.
	Recognized bool
	RelayCmd   uint8
	StreamID   uint16
	Data       []byte
	// NextHop/NextPathID are set when Recognized is false: the egress
	// neighbor and rewritten pathid to forward the (now one-layer-
	// thinner) payload to.
	NextHop    rc.RouterID
	NextPathID path.ID
}

// HandleForward peels this router's layer from a forward-direction
// (client toward exit) RelayUpstream payload addressed by (fromNeighbor,
// pathid) — the TransitHop's ingress key. x is mutated in place by the
// peel, so on a non-terminal result the caller forwards the same slice
// onward under NextHop/NextPathID, exactly as §4.5's "rewrites pathid to
// the egress id, and sends to the next hop" describes.
func (t *Table) HandleForward(fromNeighbor rc.RouterID, pathid path.ID, y [24]byte, x []byte) (*ForwardOutcome, error) {
	entry, err := t.getIngress(fromNeighbor, pathid)
	if err != nil {
		return nil, err
	}
	if entry.seenUp.seenBefore(y) {
		return &ForwardOutcome{Duplicate: true}, nil
	}
	entry.lastActivity = time.Now()

	recognized, relayCmd, streamID, data, err := entry.hop.PeelForward(x)
	if err != nil {
		return nil, err
	}
	if !recognized && entry.Terminal {
		return nil, fmt.Errorf("transit: forward message not recognized at terminal hop")
	}
	out := &ForwardOutcome{Recognized: recognized, RelayCmd: relayCmd, StreamID: streamID, Data: data}
	if !recognized {
		out.NextHop = entry.NextHop
		out.NextPathID = entry.TxID
	}
	return out, nil
}

// BackwardOutcome is the result of ForwardBackward.
type BackwardOutcome struct {
	Duplicate  bool
	PrevHop    rc.RouterID
	PrevPathID path.ID
}

// OriginateBackward builds a backward-direction payload at this
// (terminal) hop and adds this hop's own layer, for relaying an exit's
// answer — or an LR_Status record — back toward the client. neighbor and
// rxid identify the TransitHop via its ingress key, the same one
// HandleForward located it under.
func (t *Table) OriginateBackward(neighbor rc.RouterID, rxid path.ID, relayCmd uint8, streamID uint16, data []byte) ([]byte, rc.RouterID, error) {
	entry, err := t.getIngress(neighbor, rxid)
	if err != nil {
		return nil, rc.RouterID{}, err
	}
	entry.lastActivity = time.Now()
	payload, err := entry.hop.SealBackward(relayCmd, streamID, data)
	if err != nil {
		return nil, rc.RouterID{}, err
	}
	return payload, entry.PrevHop, nil
}

// ForwardBackward adds this router's layer to a backward-direction
// RelayDownstream payload that originated further inward and is merely
// transiting this hop on its way to the client. fromNeighbor and pathid
// identify the TransitHop via its egress key (nextHop, txid) — the id the
// hop further inward addresses this one by.
func (t *Table) ForwardBackward(fromNeighbor rc.RouterID, pathid path.ID, y [24]byte, payload []byte) (*BackwardOutcome, error) {
	entry, err := t.getEgress(fromNeighbor, pathid)
	if err != nil {
		return nil, err
	}
	if entry.seenDown.seenBefore(y) {
		return &BackwardOutcome{Duplicate: true}, nil
	}
	entry.lastActivity = time.Now()
	entry.hop.ForwardBackward(payload)
	return &BackwardOutcome{PrevHop: entry.PrevHop, PrevPathID: entry.RxID}, nil
}

// Remove drops a path's transit state, e.g. on receiving a teardown or
// expiring the path locally. neighbor/rxid is the hop's ingress key.
func (t *Table) Remove(neighbor rc.RouterID, rxid path.ID) {
	t.mu.Lock()
	key := neighborKey{neighbor, rxid}
	if entry, ok := t.ingress[key]; ok {
		delete(t.ingress, key)
		if !entry.Terminal {
			delete(t.egress, neighborKey{entry.NextHop, entry.TxID})
		}
	}
	t.mu.Unlock()
}

// Count returns the number of paths this router currently carries a hop
// of.
func (t *Table) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.ingress)
}

// SweepIdle removes every transit hop that has seen no traffic for longer
// than IdleTimeout, called periodically from the router's maintenance
// tick (§4.9).
func (t *Table) SweepIdle(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for key, entry := range t.ingress {
		if now.Sub(entry.lastActivity) > IdleTimeout {
			delete(t.ingress, key)
			if !entry.Terminal {
				delete(t.egress, neighborKey{entry.NextHop, entry.TxID})
			}
			removed++
		}
	}
	return removed
}
