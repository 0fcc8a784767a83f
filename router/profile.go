package router

import (
	"sync"
	"time"

	"github.com/cvsouth/lokinet-go/rc"
)

// profileEntry tracks one peer's recent connect outcomes, the per-peer
// success/failure counters of the profiling DB mentioned in §6. The tick
// loop consults them every cycle. ProfileStore keeps them in memory only;
// nothing loads them from or saves them to disk.
type profileEntry struct {
	failures     int
	lastFailure  time.Time
	lastSuccess  time.Time
}

// ProfileStore tracks connect-candidate suitability per peer so the
// connect-maintenance step can penalize routers with recent failures
// (§4.9 step 2: "pick candidates via §4.2 with a profiling filter that
// penalizes peers with recent connect failures").
type ProfileStore struct {
	mu      sync.Mutex
	entries map[rc.RouterID]*profileEntry
	// DecayWindow is how long a failure continues to penalize a peer.
	DecayWindow time.Duration
}

// NewProfileStore creates an empty store with the given failure decay window.
func NewProfileStore(decayWindow time.Duration) *ProfileStore {
	return &ProfileStore{
		entries:     make(map[rc.RouterID]*profileEntry),
		DecayWindow: decayWindow,
	}
}

// RecordSuccess clears a peer's failure count after a successful connect.
func (p *ProfileStore) RecordSuccess(id rc.RouterID, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e := p.entryLocked(id)
	e.failures = 0
	e.lastSuccess = now
}

// RecordFailure increments a peer's failure count after a failed connect.
func (p *ProfileStore) RecordFailure(id rc.RouterID, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e := p.entryLocked(id)
	e.failures++
	e.lastFailure = now
}

func (p *ProfileStore) entryLocked(id rc.RouterID) *profileEntry {
	e, ok := p.entries[id]
	if !ok {
		e = &profileEntry{}
		p.entries[id] = e
	}
	return e
}

// IsPenalized reports whether id has a recent failure within DecayWindow,
// disqualifying it as a connect candidate this tick.
func (p *ProfileStore) IsPenalized(id rc.RouterID, now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[id]
	if !ok || e.failures == 0 {
		return false
	}
	return now.Sub(e.lastFailure) < p.DecayWindow
}
