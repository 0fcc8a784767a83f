package path

import (
	"fmt"
	"time"

	"github.com/cvsouth/lokinet-go/bencode"
	"github.com/cvsouth/lokinet-go/crypto"
	"github.com/cvsouth/lokinet-go/rc"
)

// HopInfo is everything the builder needs to know about one hop before a
// path can be built through it: its RouterID (for the commit record) and
// its advertised session public key (for SealFrame's handshake).
type HopInfo struct {
	RouterID rc.RouterID
	SessionKey crypto.PublicKey
}

// MaxPathLifetime is the per-hop cap a transit router enforces on a
// commit record's declared Lifetime (§4.5 step 2: "path lifetime ≤ cap
// (10 min)"). It matches DefaultPathLifetime: a client has no reason to
// ask a hop to outlive the path it itself will stop using.
const MaxPathLifetime = DefaultPathLifetime

// CommitRecord is the per-hop payload inside a build frame (§4.5): the
// path id this hop's build was issued under (for client-side status
// correlation), the ephemeral commkey this hop derives its transit
// session keys from, the rxid/txid tokens identifying this hop's ingress
// and egress within the chain, how long the hop should keep this state,
// and — for all but the last hop — the next hop's address so it knows
// where to forward the nested frame.
//
// rxid is the token the previous hop (or, at hop 0, the client itself)
// uses to address this hop; txid is the token this hop uses when
// addressing the next hop. The client assigns them so that one hop's
// txid equals the next hop's rxid, chaining the path without any hop
// ever seeing the same identifier twice — the "PathID is unique per
// (neighbor, direction) tuple" property (§3) rather than one shared
// identifier riding unchanged through the whole path.
type CommitRecord struct {
	PathID   ID
	CommKey  crypto.PublicKey
	TxID     ID // zero/unused when HasNext is false
	RxID     ID
	Lifetime time.Duration
	NextHop  rc.RouterID // zero for the last hop
	HasNext  bool
}

func (c CommitRecord) encode() []byte {
	dw := bencode.NewDictWriter()
	dw.PutBytes("p", c.PathID[:])
	dw.PutBytes("c", c.CommKey[:])
	dw.PutBytes("r", c.RxID[:])
	dw.PutInt("l", int64(c.Lifetime/time.Second))
	if c.HasNext {
		dw.PutBytes("t", c.TxID[:])
		dw.PutBytes("n", c.NextHop[:])
	}
	b, _ := dw.Bytes() // canonical encode of fixed-size fields never fails
	return b
}

// DecodeCommitRecord decodes a CommitRecord from the front of data and
// reports how many bytes it consumed, so the caller can recover any
// trailing nested frame by slicing data[consumed:].
func DecodeCommitRecord(data []byte) (record CommitRecord, consumed int, err error) {
	v, rest, err := bencode.Unmarshal(data)
	if err != nil {
		return CommitRecord{}, 0, fmt.Errorf("decode commit record: %w", err)
	}
	fields, ok := v.(map[string]bencode.Value)
	if !ok {
		return CommitRecord{}, 0, fmt.Errorf("decode commit record: not a dict")
	}
	dr := bencode.WrapDict(fields)

	var c CommitRecord

	pidBytes, err := dr.Bytes("p")
	if err != nil || len(pidBytes) != 16 {
		return CommitRecord{}, 0, fmt.Errorf("commit record: path id: %w", err)
	}
	copy(c.PathID[:], pidBytes)

	commBytes, err := dr.Bytes("c")
	if err != nil || len(commBytes) != 32 {
		return CommitRecord{}, 0, fmt.Errorf("commit record: commkey: %w", err)
	}
	copy(c.CommKey[:], commBytes)

	rxBytes, err := dr.Bytes("r")
	if err != nil || len(rxBytes) != 16 {
		return CommitRecord{}, 0, fmt.Errorf("commit record: rxid: %w", err)
	}
	copy(c.RxID[:], rxBytes)

	lifetimeSecs, err := dr.Int("l")
	if err != nil {
		return CommitRecord{}, 0, fmt.Errorf("commit record: lifetime: %w", err)
	}
	c.Lifetime = time.Duration(lifetimeSecs) * time.Second

	if dr.Has("n") {
		txBytes, err := dr.Bytes("t")
		if err != nil || len(txBytes) != 16 {
			return CommitRecord{}, 0, fmt.Errorf("commit record: txid: %w", err)
		}
		copy(c.TxID[:], txBytes)
		nh, err := dr.Bytes("n")
		if err != nil || len(nh) != 32 {
			return CommitRecord{}, 0, fmt.Errorf("commit record: next hop: %w", err)
		}
		copy(c.NextHop[:], nh)
		c.HasNext = true
	}
	consumed = len(data) - len(rest)
	return c, consumed, nil
}

// BuildRequest is the LR_CommitMessage sent to the first hop: one onion-
// wrapped EncryptedFrame per hop, outermost first.
type BuildRequest struct {
	PathID ID
	Frame  *EncryptedFrame
}

// Build constructs the onion-wrapped LR_CommitMessage frame chain for a
// path through hops (client→...→exit order) and returns the request to
// send to hops[0], along with the per-hop session keys the client derives
// locally so it can assemble its own Path once every hop acknowledges.
//
// Each hop gets its own freshly-random rxid/txid pair rather than one
// shared path identifier: hop i's rxid equals hop i-1's txid (hop 0's
// rxid, ids[0], doubles as the returned path id the client itself tracks
// build status under), so no single token ever identifies more than one
// (neighbor, direction) tuple (§3).
//
// This collapses the teacher's hop-by-hop CREATE2-then-repeated-EXTEND2
// sequence (circuit.Create + circuit.Extend) into a single N-frame commit,
// per §4.5's LRCM design — lokinet builds a path in one round trip to the
// first hop rather than one round trip per hop.
func Build(hops []HopInfo) (*BuildRequest, ID, []crypto.SessionKeys, error) {
	n := len(hops)
	if n == 0 {
		return nil, ID{}, nil, fmt.Errorf("build: no hops given")
	}

	// ids[i] is hop i's rxid and hop i-1's txid; ids[n] is generated with
	// the rest but never used, since the last hop's record carries no txid.
	ids := make([]ID, n+1)
	for i := range ids {
		id, err := NewID()
		if err != nil {
			return nil, ID{}, nil, fmt.Errorf("build: %w", err)
		}
		ids[i] = id
	}
	pathID := ids[0]

	keys := make([]crypto.SessionKeys, n)

	// Wrap from the innermost (last) hop outward so each layer's
	// ciphertext is the previous layer's fully-sealed frame.
	var innerBytes []byte
	for i := n - 1; i >= 0; i-- {
		commSecret, commPub, err := crypto.GenerateKeypair()
		if err != nil {
			return nil, ID{}, nil, fmt.Errorf("build: hop %d commkey: %w", i, err)
		}

		rec := CommitRecord{
			PathID:   pathID,
			CommKey:  commPub,
			RxID:     ids[i],
			Lifetime: DefaultPathLifetime,
		}
		if i < n-1 {
			rec.NextHop = hops[i+1].RouterID
			rec.TxID = ids[i+1]
			rec.HasNext = true
		}
		recordBytes := rec.encode()

		var payload []byte
		if innerBytes == nil {
			payload = recordBytes
		} else {
			payload = append(append([]byte(nil), recordBytes...), innerBytes...)
		}

		frame, _, err := SealFrame(hops[i].SessionKey, payload)
		if err != nil {
			return nil, ID{}, nil, fmt.Errorf("build: seal hop %d: %w", i, err)
		}

		// The path's own symmetric hop state is derived from a second,
		// independent ECDH against the hop's commkey rather than the
		// frame-sealing handshake above: the frame's keys exist only to
		// get this record safely to H_i, while commkey's keys are what
		// H_i actually forwards and answers relay traffic under for the
		// path's lifetime. Reusing the frame's own nonce binds the two
		// handshakes to the same build exchange without adding a
		// redundant nonce field to the record.
		hopKeys, err := crypto.DHClient(commSecret, hops[i].SessionKey, frame.Nonce)
		if err != nil {
			return nil, ID{}, nil, fmt.Errorf("build: hop %d derive keys: %w", i, err)
		}
		keys[i] = hopKeys

		innerBytes = frame.Encode()
	}

	outerFrame, err := DecodeFrame(innerBytes)
	if err != nil {
		return nil, ID{}, nil, fmt.Errorf("build: decode outer frame: %w", err)
	}

	return &BuildRequest{PathID: pathID, Frame: outerFrame}, pathID, keys, nil
}

// Assemble turns a successful build's derived session keys into a ready
// Path, in hop order.
func Assemble(pathID ID, keys []crypto.SessionKeys) (*Path, error) {
	hops := make([]*Hop, len(keys))
	for i, k := range keys {
		h, err := NewHop(k)
		if err != nil {
			return nil, fmt.Errorf("assemble: hop %d: %w", i, err)
		}
		hops[i] = h
	}
	return New(pathID, hops), nil
}
