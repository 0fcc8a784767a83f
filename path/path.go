// Package path implements onion path construction and relay traffic
// encryption/decryption from the client's point of view (§4.5): the
// LR_CommitMessage build handshake, per-hop EncryptedFrame envelopes, and
// the SendRelay/ReceiveRelay traffic path once a path is established.
// It generalizes the teacher's circuit package (CREATE2/EXTEND2/RELAY over
// Tor cells) to lokinet's single-frame LRCM build and XChaCha20/BLAKE2s hop
// state in place of AES-128-CTR/SHA-1.
package path

import (
	"crypto/rand"
	"fmt"
	"hash"
	"sync"
	"time"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/chacha20"

	"github.com/cvsouth/lokinet-go/crypto"
)

// ID is a path's 128-bit identifier (§3 Data Model).
type ID [16]byte

func NewID() (ID, error) {
	var id ID
	if _, err := rand.Read(id[:]); err != nil {
		return id, fmt.Errorf("generate path id: %w", err)
	}
	return id, nil
}

// State is a path's lifecycle stage (§4.5).
type State int

const (
	StateBuilding State = iota
	StateEstablished
	StateExpiring
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateBuilding:
		return "building"
	case StateEstablished:
		return "established"
	case StateExpiring:
		return "expiring"
	case StateExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Hop holds the per-hop symmetric crypto state for one onion layer,
// mirroring circuit.Hop's (kf, kb, df, db) shape with XChaCha20 streams
// and keyed-BLAKE2s running digests in place of AES-CTR and SHA-1.
type Hop struct {
	kf *chacha20.Cipher
	kb *chacha20.Cipher
	df hash.Hash
	db hash.Hash
}

// NewHop derives a Hop's crypto state from a completed DH handshake's
// session keys. Like the teacher's AES-CTR hops, the stream ciphers use a
// fixed (zero) nonce per hop because each hop gets freshly-derived keys
// and the stream state itself persists across frames.
func NewHop(keys crypto.SessionKeys) (*Hop, error) {
	var zeroNonce [24]byte
	kf, err := chacha20.NewUnauthenticatedCipher(keys.Kf[:], zeroNonce[:])
	if err != nil {
		return nil, fmt.Errorf("forward xchacha20 cipher: %w", err)
	}
	kb, err := chacha20.NewUnauthenticatedCipher(keys.Kb[:], zeroNonce[:])
	if err != nil {
		return nil, fmt.Errorf("backward xchacha20 cipher: %w", err)
	}

	df, err := blake2s.New256(keys.Df[:])
	if err != nil {
		return nil, fmt.Errorf("forward digest: %w", err)
	}
	db, err := blake2s.New256(keys.Db[:])
	if err != nil {
		return nil, fmt.Errorf("backward digest: %w", err)
	}

	return &Hop{kf: kf, kb: kb, df: df, db: db}, nil
}

// Path represents a client-established onion path: an ordered chain of
// hops plus its lifecycle state, mirroring circuit.Circuit's role but
// covering lokinet's full Building→Established→Expiring→Expired lifespan
// (the teacher has no equivalent of path expiry — a Tor circuit just lives
// until destroyed).
type Path struct {
	mu    sync.Mutex
	ID    ID
	Hops  []*Hop
	state State

	built   time.Time
	expires time.Time
}

// DefaultPathLifetime matches the numPaths=6/path-rotation cadence
// implied by §4.5's pathset sizing, giving paths roughly ten minutes of
// active life before rebuild.
const DefaultPathLifetime = 10 * time.Minute

// New wraps a completed hop chain into an Established path.
func New(id ID, hops []*Hop) *Path {
	now := time.Now()
	return &Path{
		ID:      id,
		Hops:    hops,
		state:   StateEstablished,
		built:   now,
		expires: now.Add(DefaultPathLifetime),
	}
}

// State returns the path's current lifecycle stage, advancing
// Established→Expiring→Expired based on elapsed time as a side effect,
// the way a maintenance tick would observe it (§4.9).
func (p *Path) State(now time.Time) State {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StateEstablished && now.After(p.expires.Add(-2*time.Minute)) {
		p.state = StateExpiring
	}
	if now.After(p.expires) {
		p.state = StateExpired
	}
	return p.state
}

// MarkExpired forces the path to Expired, e.g. after a LR_Status failure.
func (p *Path) MarkExpired() {
	p.mu.Lock()
	p.state = StateExpired
	p.mu.Unlock()
}
