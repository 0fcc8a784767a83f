package path

import (
	"testing"
	"time"

	"github.com/cvsouth/lokinet-go/crypto"
)

func newTestSessionKeys(t *testing.T) crypto.SessionKeys {
	t.Helper()
	var keys crypto.SessionKeys
	for i := range keys.Df {
		keys.Df[i] = byte(i)
	}
	for i := range keys.Db {
		keys.Db[i] = byte(i + 32)
	}
	for i := range keys.Kf {
		keys.Kf[i] = byte(i + 64)
	}
	for i := range keys.Kb {
		keys.Kb[i] = byte(i + 96)
	}
	return keys
}

func TestNewIDIsRandomAndRightSize(t *testing.T) {
	id1, err := NewID()
	if err != nil {
		t.Fatalf("NewID: %v", err)
	}
	id2, err := NewID()
	if err != nil {
		t.Fatalf("NewID: %v", err)
	}
	if id1 == id2 {
		t.Fatal("two calls to NewID produced the same id")
	}
}

func TestNewPathStartsEstablished(t *testing.T) {
	hop, err := NewHop(newTestSessionKeys(t))
	if err != nil {
		t.Fatalf("NewHop: %v", err)
	}
	id, err := NewID()
	if err != nil {
		t.Fatalf("NewID: %v", err)
	}
	p := New(id, []*Hop{hop})
	if got := p.State(time.Now()); got != StateEstablished {
		t.Fatalf("State = %v, want %v", got, StateEstablished)
	}
}

func TestPathAdvancesToExpiringThenExpired(t *testing.T) {
	hop, err := NewHop(newTestSessionKeys(t))
	if err != nil {
		t.Fatalf("NewHop: %v", err)
	}
	id, err := NewID()
	if err != nil {
		t.Fatalf("NewID: %v", err)
	}
	p := New(id, []*Hop{hop})

	almostExpired := p.expires.Add(-time.Minute)
	if got := p.State(almostExpired); got != StateExpiring {
		t.Fatalf("State near expiry = %v, want %v", got, StateExpiring)
	}

	pastExpiry := p.expires.Add(time.Minute)
	if got := p.State(pastExpiry); got != StateExpired {
		t.Fatalf("State past expiry = %v, want %v", got, StateExpired)
	}
}

func TestMarkExpiredForcesState(t *testing.T) {
	hop, err := NewHop(newTestSessionKeys(t))
	if err != nil {
		t.Fatalf("NewHop: %v", err)
	}
	id, err := NewID()
	if err != nil {
		t.Fatalf("NewID: %v", err)
	}
	p := New(id, []*Hop{hop})
	p.MarkExpired()
	if got := p.State(time.Now()); got != StateExpired {
		t.Fatalf("State after MarkExpired = %v, want %v", got, StateExpired)
	}
}

func TestStateStringCoversAllValues(t *testing.T) {
	for _, s := range []State{StateBuilding, StateEstablished, StateExpiring, StateExpired} {
		if s.String() == "unknown" {
			t.Fatalf("State(%d).String() returned unknown", s)
		}
	}
}
