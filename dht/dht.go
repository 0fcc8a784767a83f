// Package dht implements lokinet's XOR-metric routing layer (§4.7): two
// Kademlia-like buckets, one of recently-seen RouterContacts and one of
// recently-stored introsets, each ordered by XOR distance to a lookup's
// target when it is queried, plus the pending-transaction table that FindRouter/FindIntro/
// PublishIntro lookups and stores are tracked under.
//
// The teacher is a Tor client and has no DHT of its own. This package's
// selection logic generalizes onion/hsdir.go's hash-ring replica/spread
// selection (sort candidates by distance, walk forward picking distinct
// entries) into full bucket maintenance over an XOR rather than a SHA3
// hash-ring metric, and its Config/table/pending-transaction-map/timeout
// shape follows the same process structure as the other DHT
// implementations in the wider retrieval pack.
package dht

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cvsouth/lokinet-go/rc"
)

const (
	// DefaultFanout is the bucket fanout K from §8.
	DefaultFanout = 8
	// DefaultPublishSpread is S, the number of peers a PublishIntro stores to.
	DefaultPublishSpread = 4
	// DefaultFreshnessSkew is how far ahead a new introset's timestamp must
	// be of an existing one's before it replaces it.
	DefaultFreshnessSkew = 10 * time.Second
	// DefaultTxTimeout is how long a pending transaction waits before it
	// is swept and resolved to "not found".
	DefaultTxTimeout = 20 * time.Second
)

// Key is a 256-bit identifier in the DHT's XOR metric space: a RouterID
// for rc_nodes lookups, or a per-publish subkey of a signing key for
// introset_nodes lookups (§4.7, §4.1).
type Key [32]byte

func (k Key) String() string { return fmt.Sprintf("%x", k[:8]) }

// KeyFromRouterID views a RouterID as a DHT key; a RouterID is its own
// DHT key per §4.7.
func KeyFromRouterID(id rc.RouterID) Key { return Key(id) }

// Distance returns the XOR distance between two keys.
func Distance(a, b Key) Key {
	var d Key
	for i := range d {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// Closer reports whether a is strictly closer than b to target under the
// XOR metric.
func Closer(target, a, b Key) bool {
	da, db := Distance(target, a), Distance(target, b)
	return bytes.Compare(da[:], db[:]) < 0
}

type routerEntry struct {
	contact  *rc.RouterContact
	lastSeen time.Time
}

type introEntry struct {
	payload   []byte
	published time.Time
	expiresAt time.Time
}

// TxKind identifies which of the three DHT transactions a pending entry
// belongs to.
type TxKind uint8

const (
	TxFindRouter TxKind = iota + 1
	TxFindIntro
	TxPublishIntro
)

func (k TxKind) String() string {
	switch k {
	case TxFindRouter:
		return "find-router"
	case TxFindIntro:
		return "find-intro"
	case TxPublishIntro:
		return "publish-intro"
	default:
		return "unknown"
	}
}

type txKey struct {
	Asker rc.RouterID
	TxID  uint64
}

type pendingTx struct {
	kind    TxKind
	target  Key
	created time.Time
}

// ExpiredTx describes a transaction swept for exceeding its timeout.
type ExpiredTx struct {
	Asker  rc.RouterID
	TxID   uint64
	Kind   TxKind
	Target Key
}

// Config configures a Table. Zero-valued fields fall back to the §8
// defaults.
type Config struct {
	LocalKey      Key
	Fanout        int
	PublishSpread int
	FreshnessSkew time.Duration
	TxTimeout     time.Duration
}

// Table is a router's local DHT state: the rc_nodes and introset_nodes
// buckets and the pending-transaction map (§8).
type Table struct {
	mu sync.RWMutex

	localKey      Key
	fanout        int
	publishSpread int
	freshnessSkew time.Duration
	txTimeout     time.Duration

	rcNodes       map[rc.RouterID]*routerEntry
	introsetNodes map[Key]*introEntry
	pending       map[txKey]*pendingTx
}

// New builds an empty Table for the given configuration.
func New(cfg Config) *Table {
	fanout := cfg.Fanout
	if fanout <= 0 {
		fanout = DefaultFanout
	}
	spread := cfg.PublishSpread
	if spread <= 0 {
		spread = DefaultPublishSpread
	}
	skew := cfg.FreshnessSkew
	if skew <= 0 {
		skew = DefaultFreshnessSkew
	}
	timeout := cfg.TxTimeout
	if timeout <= 0 {
		timeout = DefaultTxTimeout
	}
	return &Table{
		localKey:      cfg.LocalKey,
		fanout:        fanout,
		publishSpread: spread,
		freshnessSkew: skew,
		txTimeout:     timeout,
		rcNodes:       make(map[rc.RouterID]*routerEntry),
		introsetNodes: make(map[Key]*introEntry),
		pending:       make(map[txKey]*pendingTx),
	}
}

// LocalKey returns the key this table is centered on.
func (t *Table) LocalKey() Key { return t.localKey }

// AddRouter inserts or refreshes a RouterContact in rc_nodes.
func (t *Table) AddRouter(contact *rc.RouterContact, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rcNodes[contact.RouterID] = &routerEntry{contact: contact, lastSeen: now}
}

// RemoveRouter drops a RouterContact from rc_nodes.
func (t *Table) RemoveRouter(id rc.RouterID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.rcNodes, id)
}

// Router looks up a RouterContact by id in rc_nodes.
func (t *Table) Router(id rc.RouterID) (*rc.RouterContact, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.rcNodes[id]
	if !ok {
		return nil, false
	}
	return e.contact, true
}

// RouterCount reports how many RouterContacts are currently held.
func (t *Table) RouterCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.rcNodes)
}

// ClosestRouters returns the known router ids sorted by ascending XOR
// distance from target, truncated to n (n<=0 means "all").
func (t *Table) ClosestRouters(target Key, n int) []rc.RouterID {
	t.mu.RLock()
	ids := make([]rc.RouterID, 0, len(t.rcNodes))
	for id := range t.rcNodes {
		ids = append(ids, id)
	}
	t.mu.RUnlock()

	sort.Slice(ids, func(i, j int) bool {
		return Closer(target, Key(ids[i]), Key(ids[j]))
	})
	if n > 0 && n < len(ids) {
		ids = ids[:n]
	}
	return ids
}

// RemoveStaleRouters evicts routers not seen within maxAge and reports
// how many were removed, for the router core's maintenance tick.
func (t *Table) RemoveStaleRouters(now time.Time, maxAge time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for id, e := range t.rcNodes {
		if now.Sub(e.lastSeen) > maxAge {
			delete(t.rcNodes, id)
			removed++
		}
	}
	return removed
}

// NextRecursiveHop returns the known router closest to target for
// recursive-form forwarding (§8), provided it is strictly closer than
// this table's own local key — once the local key is itself the closest
// known point, ok is false and the lookup must be answered locally
// rather than forwarded, which is what makes distance monotonicity hold:
// every hop this returns is strictly closer than the one before it.
func (t *Table) NextRecursiveHop(target Key, exclude map[rc.RouterID]bool) (rc.RouterID, bool) {
	for _, id := range t.ClosestRouters(target, 0) {
		if exclude != nil && exclude[id] {
			continue
		}
		if Closer(target, Key(id), t.localKey) {
			return id, true
		}
		break
	}
	return rc.RouterID{}, false
}

// Intro looks up a stored introset by key, reporting found=false once it
// has passed its expiry.
func (t *Table) Intro(key Key, now time.Time) (payload []byte, found bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.introsetNodes[key]
	if !ok || now.After(e.expiresAt) {
		return nil, false
	}
	return e.payload, true
}

// AddIntro stores an introset under key, applying the §8 freshness
// policy: a new entry replaces an existing one only if its published
// time is more than freshnessSkew ahead of the existing entry's. Reports
// whether the store took effect.
func (t *Table) AddIntro(key Key, payload []byte, published, expiresAt time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.introsetNodes[key]; ok {
		if !published.After(existing.published.Add(t.freshnessSkew)) {
			return false
		}
	}
	t.introsetNodes[key] = &introEntry{payload: payload, published: published, expiresAt: expiresAt}
	return true
}

// RemoveIntro drops a stored introset.
func (t *Table) RemoveIntro(key Key) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.introsetNodes, key)
}

// IntroCount reports how many introsets are currently held.
func (t *Table) IntroCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.introsetNodes)
}

// ExpireIntros drops every stored introset past its expiry and reports
// how many were removed, for the router core's maintenance tick.
func (t *Table) ExpireIntros(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for k, e := range t.introsetNodes {
		if now.After(e.expiresAt) {
			delete(t.introsetNodes, k)
			removed++
		}
	}
	return removed
}

// SelectPublishTargets picks up to s distinct routers to store an
// introset with, drawn from the fanout closest known routers to
// introKey, excluding the local key and any router already in exclude
// (the "already asked" set E), mirroring SelectHSDirs's
// sort-then-walk-forward-picking-distinct selection.
func (t *Table) SelectPublishTargets(introKey Key, s int, exclude map[rc.RouterID]bool) []rc.RouterID {
	closest := t.ClosestRouters(introKey, t.fanout)
	var targets []rc.RouterID
	for _, id := range closest {
		if Key(id) == t.localKey {
			continue
		}
		if exclude != nil && exclude[id] {
			continue
		}
		targets = append(targets, id)
		if len(targets) >= s {
			break
		}
	}
	return targets
}

// NewTxID returns a random 64-bit transaction id for a locally-originated
// lookup or publish.
func NewTxID() (uint64, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, fmt.Errorf("dht: generate txid: %w", err)
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}

// Begin registers a pending transaction keyed by (asker, txid), rejecting
// a duplicate id from the same asker per §8's "duplicate transaction IDs
// from the same asker are rejected".
func (t *Table) Begin(asker rc.RouterID, txid uint64, kind TxKind, target Key, now time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := txKey{Asker: asker, TxID: txid}
	if _, exists := t.pending[k]; exists {
		return fmt.Errorf("dht: duplicate transaction id %d from %s", txid, asker)
	}
	t.pending[k] = &pendingTx{kind: kind, target: target, created: now}
	return nil
}

// Complete removes and returns a pending transaction matching an
// incoming reply. ok is false when no matching entry exists, meaning the
// reply is stale or unsolicited and should be ignored.
func (t *Table) Complete(asker rc.RouterID, txid uint64) (kind TxKind, target Key, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := txKey{Asker: asker, TxID: txid}
	p, exists := t.pending[k]
	if !exists {
		return 0, Key{}, false
	}
	delete(t.pending, k)
	return p.kind, p.target, true
}

// PendingCount reports how many transactions are currently outstanding.
func (t *Table) PendingCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.pending)
}

// SweepExpired removes and returns every pending transaction older than
// the table's timeout (default 20s, §8), for the caller to resolve
// lookups to "not found" and forget publishes.
func (t *Table) SweepExpired(now time.Time) []ExpiredTx {
	t.mu.Lock()
	defer t.mu.Unlock()
	var expired []ExpiredTx
	for k, p := range t.pending {
		if now.Sub(p.created) > t.txTimeout {
			expired = append(expired, ExpiredTx{Asker: k.Asker, TxID: k.TxID, Kind: p.kind, Target: p.target})
			delete(t.pending, k)
		}
	}
	return expired
}
