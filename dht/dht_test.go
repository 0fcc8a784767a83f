package dht

import (
	"crypto/rand"
	"math/big"
	"sort"
	"testing"
	"time"

	"github.com/cvsouth/lokinet-go/rc"
)

func randomKey(t *testing.T) Key {
	t.Helper()
	var k Key
	if _, err := rand.Read(k[:]); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}
	return k
}

func randomRouterID(t *testing.T) rc.RouterID {
	t.Helper()
	return rc.RouterID(randomKey(t))
}

func contactFor(id rc.RouterID) *rc.RouterContact {
	return &rc.RouterContact{RouterID: id}
}

func TestClosestRoutersSortedAscending(t *testing.T) {
	tbl := New(Config{LocalKey: randomKey(t)})
	now := time.Now()
	target := randomKey(t)
	for i := 0; i < 32; i++ {
		tbl.AddRouter(contactFor(randomRouterID(t)), now)
	}

	closest := tbl.ClosestRouters(target, 0)
	if len(closest) != 32 {
		t.Fatalf("got %d routers, want 32", len(closest))
	}
	for i := 1; i < len(closest); i++ {
		prevDist := Distance(target, Key(closest[i-1]))
		currDist := Distance(target, Key(closest[i]))
		if big.NewInt(0).SetBytes(currDist[:]).Cmp(big.NewInt(0).SetBytes(prevDist[:])) < 0 {
			t.Fatalf("closest routers not sorted ascending at index %d", i)
		}
	}
}

func TestClosestRoutersTruncatesToN(t *testing.T) {
	tbl := New(Config{LocalKey: randomKey(t)})
	now := time.Now()
	for i := 0; i < 20; i++ {
		tbl.AddRouter(contactFor(randomRouterID(t)), now)
	}
	closest := tbl.ClosestRouters(randomKey(t), 5)
	if len(closest) != 5 {
		t.Fatalf("got %d, want 5", len(closest))
	}
}

// TestDistanceMonotonicityProperty exercises §8's core invariant: every
// recursive FindRouter/FindIntro forward hop NextRecursiveHop returns is
// strictly closer by XOR to the target than the hop before it, so
// following the chain can never cycle.
func TestDistanceMonotonicityProperty(t *testing.T) {
	for trial := 0; trial < 50; trial++ {
		local := randomKey(t)
		now := time.Now()
		n := 40
		peers := make([]rc.RouterID, n)
		for i := range peers {
			peers[i] = randomRouterID(t)
		}
		target := randomKey(t)

		// Each hop consults its own table, keyed on that hop's own ID and
		// holding its own half of the peers, the way a recursive lookup is
		// forwarded from router to router.
		visited := map[rc.RouterID]bool{}
		prev := local
		for hops := 0; hops < n+1; hops++ {
			tbl := New(Config{LocalKey: prev})
			for i, id := range peers {
				if (i+hops)%2 == 0 {
					tbl.AddRouter(contactFor(id), now)
				}
			}
			next, ok := tbl.NextRecursiveHop(target, visited)
			if !ok {
				break
			}
			if visited[next] {
				t.Fatalf("trial %d: revisited hop %s, cycle detected", trial, next)
			}
			if !Closer(target, Key(next), prev) {
				t.Fatalf("trial %d: hop %s is not strictly closer to target than previous hop %s", trial, next, prev)
			}
			visited[next] = true
			prev = Key(next)
		}
	}
}

func TestAddIntroReplacesOnlyWhenSufficientlyFresher(t *testing.T) {
	tbl := New(Config{FreshnessSkew: 10 * time.Second})
	key := randomKey(t)
	base := time.Now()

	if !tbl.AddIntro(key, []byte("v1"), base, base.Add(time.Hour)) {
		t.Fatal("first insert should always succeed")
	}

	if tbl.AddIntro(key, []byte("v2"), base.Add(5*time.Second), base.Add(time.Hour)) {
		t.Fatal("insert within the freshness skew should be rejected")
	}
	payload, found := tbl.Intro(key, base)
	if !found || string(payload) != "v1" {
		t.Fatalf("expected v1 to remain stored, got %q found=%v", payload, found)
	}

	if !tbl.AddIntro(key, []byte("v3"), base.Add(11*time.Second), base.Add(time.Hour)) {
		t.Fatal("insert past the freshness skew should succeed")
	}
	payload, found = tbl.Intro(key, base)
	if !found || string(payload) != "v3" {
		t.Fatalf("expected v3 to replace v1, got %q found=%v", payload, found)
	}
}

func TestIntroExpiresAndIsDroppedByMaintenance(t *testing.T) {
	tbl := New(Config{})
	key := randomKey(t)
	now := time.Now()
	tbl.AddIntro(key, []byte("v1"), now, now.Add(time.Minute))

	if _, found := tbl.Intro(key, now.Add(2*time.Minute)); found {
		t.Fatal("expired introset should not be found")
	}

	removed := tbl.ExpireIntros(now.Add(2 * time.Minute))
	if removed != 1 {
		t.Fatalf("ExpireIntros removed %d, want 1", removed)
	}
	if tbl.IntroCount() != 0 {
		t.Fatalf("IntroCount = %d, want 0", tbl.IntroCount())
	}
}

// TestSelectPublishTargetsFanout mirrors §8 scenario 4: a local DHT with
// 32 simulated peers, PublishIntro with S=4 must pick exactly 4 distinct
// peers, all among the 8 closest to the introset key, none equal to the
// local key.
func TestSelectPublishTargetsFanout(t *testing.T) {
	local := randomKey(t)
	tbl := New(Config{LocalKey: local, Fanout: 8, PublishSpread: 4})
	now := time.Now()
	for i := 0; i < 32; i++ {
		tbl.AddRouter(contactFor(randomRouterID(t)), now)
	}
	// Make sure the local key itself would sort first if it were ever a
	// candidate, by also registering it as a router.
	tbl.AddRouter(contactFor(rc.RouterID(local)), now)

	introKey := randomKey(t)
	targets := tbl.SelectPublishTargets(introKey, 4, nil)
	if len(targets) != 4 {
		t.Fatalf("got %d targets, want 4", len(targets))
	}

	seen := map[rc.RouterID]bool{}
	for _, id := range targets {
		if seen[id] {
			t.Fatalf("duplicate target %s", id)
		}
		seen[id] = true
		if Key(id) == local {
			t.Fatal("local key must never be selected as a publish target")
		}
	}

	eight := tbl.ClosestRouters(introKey, 8)
	eightSet := map[rc.RouterID]bool{}
	for _, id := range eight {
		eightSet[id] = true
	}
	for _, id := range targets {
		if !eightSet[id] {
			t.Fatalf("target %s is not among the 8 closest to the introset key", id)
		}
	}
}

func TestSelectPublishTargetsExcludesAskedSet(t *testing.T) {
	local := randomKey(t)
	tbl := New(Config{LocalKey: local, Fanout: 8})
	now := time.Now()
	var ids []rc.RouterID
	for i := 0; i < 8; i++ {
		id := randomRouterID(t)
		ids = append(ids, id)
		tbl.AddRouter(contactFor(id), now)
	}
	excluded := map[rc.RouterID]bool{ids[0]: true, ids[1]: true}

	targets := tbl.SelectPublishTargets(randomKey(t), 4, excluded)
	for _, id := range targets {
		if excluded[id] {
			t.Fatalf("excluded router %s was selected", id)
		}
	}
}

func TestBeginRejectsDuplicateTransactionID(t *testing.T) {
	tbl := New(Config{})
	asker := randomRouterID(t)
	now := time.Now()

	if err := tbl.Begin(asker, 1, TxFindRouter, randomKey(t), now); err != nil {
		t.Fatalf("first Begin: %v", err)
	}
	if err := tbl.Begin(asker, 1, TxFindRouter, randomKey(t), now); err == nil {
		t.Fatal("expected duplicate transaction id from the same asker to be rejected")
	}
	// A different asker may reuse the same txid.
	if err := tbl.Begin(randomRouterID(t), 1, TxFindRouter, randomKey(t), now); err != nil {
		t.Fatalf("Begin for a different asker: %v", err)
	}
}

func TestCompleteRemovesPendingTransaction(t *testing.T) {
	tbl := New(Config{})
	asker := randomRouterID(t)
	target := randomKey(t)
	now := time.Now()

	if err := tbl.Begin(asker, 7, TxFindIntro, target, now); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	kind, gotTarget, ok := tbl.Complete(asker, 7)
	if !ok {
		t.Fatal("expected Complete to find the pending transaction")
	}
	if kind != TxFindIntro || gotTarget != target {
		t.Fatalf("got kind=%v target=%v", kind, gotTarget)
	}
	if tbl.PendingCount() != 0 {
		t.Fatalf("PendingCount = %d, want 0", tbl.PendingCount())
	}

	if _, _, ok := tbl.Complete(asker, 7); ok {
		t.Fatal("completing an already-completed transaction should fail")
	}
}

func TestSweepExpiredRemovesOnlyStaleTransactions(t *testing.T) {
	tbl := New(Config{TxTimeout: 20 * time.Second})
	now := time.Now()
	staleAsker := randomRouterID(t)
	freshAsker := randomRouterID(t)

	if err := tbl.Begin(staleAsker, 1, TxFindRouter, randomKey(t), now.Add(-30*time.Second)); err != nil {
		t.Fatalf("Begin stale: %v", err)
	}
	if err := tbl.Begin(freshAsker, 2, TxPublishIntro, randomKey(t), now.Add(-5*time.Second)); err != nil {
		t.Fatalf("Begin fresh: %v", err)
	}

	expired := tbl.SweepExpired(now)
	if len(expired) != 1 || expired[0].Asker != staleAsker {
		t.Fatalf("SweepExpired returned %+v, want exactly the stale entry", expired)
	}
	if tbl.PendingCount() != 1 {
		t.Fatalf("PendingCount = %d, want 1 (fresh entry remains)", tbl.PendingCount())
	}
}

func TestTxKindStringCoversKnownValues(t *testing.T) {
	for _, k := range []TxKind{TxFindRouter, TxFindIntro, TxPublishIntro} {
		if k.String() == "unknown" {
			t.Fatalf("TxKind(%d).String() returned unknown", k)
		}
	}
}

func TestClosestRoutersStableOrder(t *testing.T) {
	tbl := New(Config{})
	now := time.Now()
	var ids []rc.RouterID
	for i := 0; i < 10; i++ {
		id := randomRouterID(t)
		ids = append(ids, id)
		tbl.AddRouter(contactFor(id), now)
	}
	target := randomKey(t)
	a := tbl.ClosestRouters(target, 0)
	b := tbl.ClosestRouters(target, 0)
	if !sort.SliceIsSorted(a, func(i, j int) bool { return Closer(target, Key(a[i]), Key(a[j])) }) {
		t.Fatal("a is not sorted")
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatal("repeated calls to ClosestRouters should be deterministic for an unchanged table")
		}
	}
}
