package router

import (
	"sync"
	"time"

	"github.com/cvsouth/lokinet-go/crypto"
	"github.com/cvsouth/lokinet-go/rc"
)

// DefaultGossipMedianInterval is the median jittered interval between our
// own RC's gossip rounds (§4.9 step 4: "a long jittered interval (≈30 min
// median)").
const DefaultGossipMedianInterval = 30 * time.Minute

// recentReceiversBloom is a small counting-free bloom filter of peers our
// RC was recently gossiped to, so a peer never receives our RC twice
// within one decay window even though the neighbor set it's gossiped to
// is recomputed fresh each round. Sized for a few hundred peers at a
// conservative false-positive rate; a false positive only costs one
// missed gossip to that peer this round, never a correctness violation.
type recentReceiversBloom struct {
	mu      sync.Mutex
	bits    []bool
	addedAt time.Time
	window  time.Duration
}

func newRecentReceiversBloom(size int, window time.Duration) *recentReceiversBloom {
	return &recentReceiversBloom{bits: make([]bool, size), window: window}
}

func (b *recentReceiversBloom) slots(id rc.RouterID) (int, int, int) {
	h := crypto.ShortHashOf(id[:])
	n := len(b.bits)
	idx := func(off int) int {
		var v uint32
		for i := 0; i < 4; i++ {
			v = v<<8 | uint32(h[off+i])
		}
		return int(v) % n
	}
	return idx(0), idx(4), idx(8)
}

// mightContain reports whether id has probably been recorded since the
// filter was last reset.
func (b *recentReceiversBloom) mightContain(id rc.RouterID, now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resetIfStaleLocked(now)
	i, j, k := b.slots(id)
	return b.bits[i] && b.bits[j] && b.bits[k]
}

// add records id as a recent gossip receiver.
func (b *recentReceiversBloom) add(id rc.RouterID, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resetIfStaleLocked(now)
	i, j, k := b.slots(id)
	b.bits[i], b.bits[j], b.bits[k] = true, true, true
}

func (b *recentReceiversBloom) resetIfStaleLocked(now time.Time) {
	if b.addedAt.IsZero() {
		b.addedAt = now
		return
	}
	if now.Sub(b.addedAt) >= b.window {
		for i := range b.bits {
			b.bits[i] = false
		}
		b.addedAt = now
	}
}

// jitteredInterval returns median scaled by a pseudo-random factor in
// [0.5, 1.5), derived from seed so callers can produce a deterministic
// per-router jitter (e.g. keyed on RouterID) instead of depending on
// global randomness within the logic loop (§5: "the randomness source...
// treated as read-only services").
func jitteredInterval(median time.Duration, seed []byte) time.Duration {
	h := crypto.ShortHashOf(seed)
	var v uint32
	for i := 0; i < 4; i++ {
		v = v<<8 | uint32(h[i])
	}
	frac := float64(v) / (1 << 32) // [0,1)
	scale := 0.5 + frac
	return time.Duration(float64(median) * scale)
}
