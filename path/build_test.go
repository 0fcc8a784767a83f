package path

import (
	"bytes"
	"testing"

	"github.com/cvsouth/lokinet-go/crypto"
	"github.com/cvsouth/lokinet-go/rc"
)

type testHop struct {
	routerID rc.RouterID
	secret   crypto.PrivateKey
	public   crypto.PublicKey
}

func newTestHop(t *testing.T, tag byte) testHop {
	t.Helper()
	secret, public, err := crypto.GenerateKeypair()
	if err != nil {
		t.Fatalf("generate hop key: %v", err)
	}
	var id rc.RouterID
	id[0] = tag
	return testHop{routerID: id, secret: secret, public: public}
}

// walkBuildChain simulates each transit hop peeling its layer in turn,
// the way a real relay would call OpenFrame upon receiving a build request
// and forward the remaining ciphertext to the next hop named in the
// decoded commit record.
func walkBuildChain(t *testing.T, hops []testHop, outer *EncryptedFrame) []CommitRecord {
	t.Helper()
	var records []CommitRecord
	frame := outer
	for i, h := range hops {
		plaintext, _, err := OpenFrame(h.secret, frame)
		if err != nil {
			t.Fatalf("hop %d OpenFrame: %v", i, err)
		}
		rec, consumed, err := DecodeCommitRecord(plaintext)
		if err != nil {
			t.Fatalf("hop %d decode commit record: %v", i, err)
		}
		records = append(records, rec)

		remaining := plaintext[consumed:]
		if i == len(hops)-1 {
			if len(remaining) != 0 {
				t.Fatalf("hop %d: expected no nested frame, got %d trailing bytes", i, len(remaining))
			}
			break
		}
		if len(remaining) == 0 {
			t.Fatalf("hop %d: expected a nested frame for the next hop", i)
		}
		next, err := DecodeFrame(remaining)
		if err != nil {
			t.Fatalf("hop %d decode nested frame: %v", i, err)
		}
		frame = next
	}
	return records
}

func TestBuildThreeHopChain(t *testing.T) {
	hops := []testHop{newTestHop(t, 1), newTestHop(t, 2), newTestHop(t, 3)}
	infos := make([]HopInfo, len(hops))
	for i, h := range hops {
		infos[i] = HopInfo{RouterID: h.routerID, SessionKey: h.public}
	}

	req, pathID, keys, err := Build(infos)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if req.PathID != pathID {
		t.Fatal("build request path id mismatch")
	}
	if len(keys) != len(hops) {
		t.Fatalf("expected %d derived key sets, got %d", len(hops), len(keys))
	}

	records := walkBuildChain(t, hops, req.Frame)
	if len(records) != len(hops) {
		t.Fatalf("expected %d commit records, got %d", len(hops), len(records))
	}
	for i, rec := range records {
		if rec.PathID != pathID {
			t.Fatalf("hop %d: commit record path id mismatch", i)
		}
		if rec.TxID == rec.RxID {
			t.Fatalf("hop %d: txid must not equal rxid", i)
		}
		if rec.Lifetime > MaxPathLifetime {
			t.Fatalf("hop %d: lifetime %s exceeds cap %s", i, rec.Lifetime, MaxPathLifetime)
		}
		if i > 0 && rec.RxID != records[i-1].TxID {
			t.Fatalf("hop %d: rxid does not chain from hop %d's txid", i, i-1)
		}
		if i < len(hops)-1 {
			if !rec.HasNext || rec.NextHop != hops[i+1].routerID {
				t.Fatalf("hop %d: expected next hop %x, got %x (hasNext=%v)", i, hops[i+1].routerID, rec.NextHop, rec.HasNext)
			}
		} else if rec.HasNext {
			t.Fatalf("hop %d: last hop should have no next hop", i)
		}
	}
}

func TestBuildAssignsDistinctRxIDsPerHop(t *testing.T) {
	hops := []testHop{newTestHop(t, 1), newTestHop(t, 2), newTestHop(t, 3)}
	infos := make([]HopInfo, len(hops))
	for i, h := range hops {
		infos[i] = HopInfo{RouterID: h.routerID, SessionKey: h.public}
	}
	req, pathID, _, err := Build(infos)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	records := walkBuildChain(t, hops, req.Frame)
	if records[0].RxID != pathID {
		t.Fatal("hop 0's rxid should equal the returned path id")
	}
	seen := map[ID]bool{}
	for i, rec := range records {
		if seen[rec.RxID] {
			t.Fatalf("hop %d: rxid %x reused across hops", i, rec.RxID)
		}
		seen[rec.RxID] = true
	}
}

func TestBuildRejectsEmptyHopList(t *testing.T) {
	if _, _, _, err := Build(nil); err == nil {
		t.Fatal("expected error building a path with no hops")
	}
}

func TestAssembleProducesEstablishedPath(t *testing.T) {
	hops := []testHop{newTestHop(t, 1), newTestHop(t, 2)}
	infos := make([]HopInfo, len(hops))
	for i, h := range hops {
		infos[i] = HopInfo{RouterID: h.routerID, SessionKey: h.public}
	}
	_, pathID, keys, err := Build(infos)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	p, err := Assemble(pathID, keys)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if p.ID != pathID {
		t.Fatal("assembled path id mismatch")
	}
	if len(p.Hops) != len(hops) {
		t.Fatalf("expected %d hops, got %d", len(hops), len(p.Hops))
	}
}

func TestBuildProducesDistinctPathIDs(t *testing.T) {
	h := newTestHop(t, 1)
	infos := []HopInfo{{RouterID: h.routerID, SessionKey: h.public}}
	_, id1, _, err := Build(infos)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	_, id2, _, err := Build(infos)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if bytes.Equal(id1[:], id2[:]) {
		t.Fatal("expected distinct path ids across builds")
	}
}
