package service

import (
	"crypto/ed25519"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/cvsouth/lokinet-go/bencode"
	"github.com/cvsouth/lokinet-go/crypto"
	"github.com/cvsouth/lokinet-go/rc"
)

// MaxIntroSetBytes is the canonical-encoding size cap (§3, Open Question
// (b) resolved to 4KiB).
const MaxIntroSetBytes = 4096

// DefaultNumIntros is the default count of live introductions a hidden
// service advertises in a fresh IntroSet (§4.8 step 2).
const DefaultNumIntros = 4

// DefaultPublishInterval is how often a hidden service republishes its
// IntroSet under a fresh subkey absent any material path-set change
// (§4.8 step 3).
const DefaultPublishInterval = 5 * time.Minute

// Introduction is one reachable rendezvous point: send a frame to Router
// tagged PathID before ExpiresAt and it reaches the service (§3).
type Introduction struct {
	Router    rc.RouterID
	PathID    [16]byte
	ExpiresAt time.Time
	Latency   time.Duration
}

func (in Introduction) encode() bencode.Value {
	dw := bencode.NewDictWriter()
	dw.PutBytes("r", in.Router[:])
	dw.PutBytes("p", in.PathID[:])
	dw.PutInt("e", in.ExpiresAt.Unix())
	dw.PutInt("l", int64(in.Latency))
	return dw.AsValue()
}

func decodeIntroduction(v bencode.Value) (Introduction, error) {
	raw, ok := v.(map[string]bencode.Value)
	if !ok {
		return Introduction{}, fmt.Errorf("introduction: not a dict")
	}
	dr := bencode.WrapDict(raw)

	routerBytes, err := dr.Bytes("r")
	if err != nil || len(routerBytes) != 32 {
		return Introduction{}, fmt.Errorf("introduction: router: %w", err)
	}
	pathIDBytes, err := dr.Bytes("p")
	if err != nil || len(pathIDBytes) != 16 {
		return Introduction{}, fmt.Errorf("introduction: path id: %w", err)
	}
	expires, err := dr.Int("e")
	if err != nil {
		return Introduction{}, fmt.Errorf("introduction: expires: %w", err)
	}
	latency, err := dr.Int("l")
	if err != nil {
		return Introduction{}, fmt.Errorf("introduction: latency: %w", err)
	}

	var in Introduction
	copy(in.Router[:], routerBytes)
	copy(in.PathID[:], pathIDBytes)
	in.ExpiresAt = time.Unix(expires, 0).UTC()
	in.Latency = time.Duration(latency)
	return in, nil
}

// IsLive reports whether the introduction is still usable at now.
func (in Introduction) IsLive(now time.Time) bool {
	return now.Before(in.ExpiresAt)
}

// IntroSet is a hidden service's signed, published set of current
// reachable introductions (§3).
type IntroSet struct {
	Service   ServiceInfo
	Intros    []Introduction
	PQPub     []byte
	Tag       string
	Timestamp time.Time
	PoW       []byte
	Signature crypto.Signature
}

func (is *IntroSet) signedBytes(includeSig bool) ([]byte, error) {
	serviceBytes, err := is.Service.Bytes()
	if err != nil {
		return nil, fmt.Errorf("encode service info: %w", err)
	}
	var introValues []bencode.Value
	for _, in := range is.Intros {
		introValues = append(introValues, in.encode())
	}

	dw := bencode.NewDictWriter()
	dw.PutBytes("a", serviceBytes)
	dw.PutList("i", introValues)
	dw.PutBytes("k", is.PQPub)
	dw.PutString("g", is.Tag)
	dw.PutInt("t", is.Timestamp.Unix())
	if len(is.PoW) > 0 {
		dw.PutBytes("w", is.PoW)
	}
	if includeSig {
		dw.PutBytes("z", is.Signature[:])
	}
	return dw.Bytes()
}

// Build constructs and signs an IntroSet under a fresh per-publish subkey
// derived from the identity's signing key and publishLabel (e.g. the
// current 5-minute publish window), per §4.8 step 3 ("republish under a
// fresh subkey each window").
func Build(identity *Identity, intros []Introduction, pqPub []byte, tag string, now time.Time, pow []byte, publishLabel []byte) (*IntroSet, error) {
	is := &IntroSet{
		Service:   identity.Info(),
		Intros:    append([]Introduction(nil), intros...),
		PQPub:     append([]byte(nil), pqPub...),
		Tag:       tag,
		Timestamp: now,
		PoW:       pow,
	}

	sub, err := crypto.DeriveSubkeySecret(identity.SignPriv, publishLabel)
	if err != nil {
		return nil, fmt.Errorf("build introset: %w", err)
	}
	payload, err := is.signedBytes(false)
	if err != nil {
		return nil, fmt.Errorf("build introset: %w", err)
	}
	sig, err := crypto.SignWithSubkey(sub, payload)
	if err != nil {
		return nil, fmt.Errorf("build introset: %w", err)
	}
	is.Signature = sig

	if err := is.sizeCheck(); err != nil {
		return nil, err
	}
	return is, nil
}

func (is *IntroSet) sizeCheck() error {
	encoded, err := is.Encode()
	if err != nil {
		return fmt.Errorf("introset: %w", err)
	}
	if len(encoded) > MaxIntroSetBytes {
		return fmt.Errorf("introset: encoded size %d exceeds %d byte cap", len(encoded), MaxIntroSetBytes)
	}
	return nil
}

// Verify checks an IntroSet's signature (against the publish-period subkey
// derived from its own ServiceInfo's signing key and publishLabel), that
// every introduction is unexpired at now, and that its timestamp is not
// older than its newest intro's expiry minus the path lifetime (§3).
func (is *IntroSet) Verify(now time.Time, pathLifetime time.Duration, powDifficulty int, publishLabel []byte) error {
	payload, err := is.signedBytes(false)
	if err != nil {
		return fmt.Errorf("verify introset: %w", err)
	}
	subPub, err := crypto.DeriveSubkey(is.Service.SignKey, publishLabel)
	if err != nil {
		return fmt.Errorf("verify introset: %w", err)
	}
	if !ed25519.Verify(subPub, payload, is.Signature[:]) {
		return fmt.Errorf("verify introset: signature verification failed")
	}

	if len(is.PoW) > 0 {
		if !powMeetsDifficulty(payload, is.PoW, powDifficulty) {
			return fmt.Errorf("verify introset: proof of work does not meet difficulty %d", powDifficulty)
		}
	}

	if len(is.Intros) == 0 {
		return fmt.Errorf("verify introset: no introductions")
	}
	var newestExpiry time.Time
	for _, in := range is.Intros {
		if !in.IsLive(now) {
			return fmt.Errorf("verify introset: introduction to %s expired at %s", in.Router, in.ExpiresAt)
		}
		if in.ExpiresAt.After(newestExpiry) {
			newestExpiry = in.ExpiresAt
		}
	}
	if is.Timestamp.Before(newestExpiry.Add(-pathLifetime)) {
		return fmt.Errorf("verify introset: timestamp too old relative to newest introduction expiry")
	}

	if err := is.sizeCheck(); err != nil {
		return err
	}
	return nil
}

// Encode renders the full signed IntroSet to canonical bencode bytes.
func (is *IntroSet) Encode() ([]byte, error) {
	return is.signedBytes(true)
}

// Decode parses an IntroSet previously produced by Encode. It does not
// verify the signature, expiry, or size cap; call Verify separately.
func Decode(data []byte) (*IntroSet, error) {
	dr, err := bencode.NewDictReader(data)
	if err != nil {
		return nil, fmt.Errorf("decode introset: %w", err)
	}
	serviceBytes, err := dr.Bytes("a")
	if err != nil {
		return nil, fmt.Errorf("decode introset: service info: %w", err)
	}
	serviceDr, err := bencode.NewDictReader(serviceBytes)
	if err != nil {
		return nil, fmt.Errorf("decode introset: service info: %w", err)
	}
	service, err := decodeServiceInfo(serviceDr)
	if err != nil {
		return nil, fmt.Errorf("decode introset: %w", err)
	}

	introValues, err := dr.List("i")
	if err != nil {
		return nil, fmt.Errorf("decode introset: introductions: %w", err)
	}
	var intros []Introduction
	for i, v := range introValues {
		in, err := decodeIntroduction(v)
		if err != nil {
			return nil, fmt.Errorf("decode introset: introduction %d: %w", i, err)
		}
		intros = append(intros, in)
	}

	pqPub, err := dr.Bytes("k")
	if err != nil {
		return nil, fmt.Errorf("decode introset: pq pub: %w", err)
	}
	tag, err := dr.Bytes("g")
	if err != nil {
		return nil, fmt.Errorf("decode introset: tag: %w", err)
	}
	timestamp, err := dr.Int("t")
	if err != nil {
		return nil, fmt.Errorf("decode introset: timestamp: %w", err)
	}
	var pow []byte
	if dr.Has("w") {
		pow, err = dr.Bytes("w")
		if err != nil {
			return nil, fmt.Errorf("decode introset: pow: %w", err)
		}
	}
	sigBytes, err := dr.Bytes("z")
	if err != nil || len(sigBytes) != 64 {
		return nil, fmt.Errorf("decode introset: signature: %w", err)
	}

	is := &IntroSet{
		Service:   service,
		Intros:    intros,
		PQPub:     pqPub,
		Tag:       string(tag),
		Timestamp: time.Unix(timestamp, 0).UTC(),
		PoW:       pow,
	}
	copy(is.Signature[:], sigBytes)
	return is, nil
}

// powMeetsDifficulty reports whether pow is a valid proof of work over
// payload at the given difficulty: the BLAKE2b-256 hash of payload||pow
// must have at least difficulty leading zero bits. This is the IntroSet
// PoW gate Open Question (a) resolves to a configurable knob rather than
// a fixed network-wide constant.
func powMeetsDifficulty(payload, pow []byte, difficulty int) bool {
	if difficulty <= 0 {
		return true
	}
	h := crypto.ShortHashOf(append(append([]byte(nil), payload...), pow...))
	return leadingZeroBits(h[:]) >= difficulty
}

// SolvePoW searches for an 8-byte nonce such that
// powMeetsDifficulty(payload, nonce, difficulty) holds, for callers whose
// network configuration requires IntroSet publication to pay a proof-of-work
// cost (Open Question (a)). maxIters bounds the search; a difficulty high
// enough that no nonce under maxIters satisfies it returns an error.
func SolvePoW(payload []byte, difficulty, maxIters int) ([]byte, error) {
	if difficulty <= 0 {
		return nil, nil
	}
	nonce := make([]byte, 8)
	for i := 0; i < maxIters; i++ {
		binary.BigEndian.PutUint64(nonce, uint64(i))
		if powMeetsDifficulty(payload, nonce, difficulty) {
			return append([]byte(nil), nonce...), nil
		}
	}
	return nil, fmt.Errorf("solve pow: no solution found within %d iterations", maxIters)
}

func leadingZeroBits(data []byte) int {
	count := 0
	for _, b := range data {
		if b == 0 {
			count += 8
			continue
		}
		for mask := byte(0x80); mask != 0; mask >>= 1 {
			if b&mask != 0 {
				return count
			}
			count++
		}
	}
	return count
}
