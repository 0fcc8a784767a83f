package service

import (
	"testing"
	"time"

	"github.com/cvsouth/lokinet-go/rc"
)

func testIntroductions(now time.Time) []Introduction {
	var router rc.RouterID
	router[0] = 0xAB
	var pathID [16]byte
	pathID[0] = 0x01
	return []Introduction{
		{Router: router, PathID: pathID, ExpiresAt: now.Add(10 * time.Minute), Latency: 50 * time.Millisecond},
	}
}

func TestIntroSetBuildVerifyRoundTrip(t *testing.T) {
	id, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	now := time.Unix(1_700_000_000, 0).UTC()
	label := []byte("publish-window-1")

	is, err := Build(id, testIntroductions(now), []byte("pq-pub-key"), "tag", now, nil, label)
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	if err := is.Verify(now, time.Hour, 0, label); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestIntroSetEncodeDecodeRoundTrip(t *testing.T) {
	id, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	now := time.Unix(1_700_000_000, 0).UTC()
	label := []byte("publish-window-1")

	is, err := Build(id, testIntroductions(now), []byte("pq-pub-key"), "tag", now, nil, label)
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	encoded, err := is.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if err := decoded.Verify(now, time.Hour, 0, label); err != nil {
		t.Fatalf("verify decoded: %v", err)
	}
	if decoded.Tag != is.Tag {
		t.Fatalf("tag mismatch: got %q want %q", decoded.Tag, is.Tag)
	}
}

func TestIntroSetVerifyRejectsWrongLabel(t *testing.T) {
	id, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	now := time.Unix(1_700_000_000, 0).UTC()

	is, err := Build(id, testIntroductions(now), []byte("pq-pub-key"), "tag", now, nil, []byte("window-a"))
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	if err := is.Verify(now, time.Hour, 0, []byte("window-b")); err == nil {
		t.Fatal("expected verify to fail under a different publish label")
	}
}

func TestIntroSetVerifyRejectsExpiredIntroduction(t *testing.T) {
	id, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	now := time.Unix(1_700_000_000, 0).UTC()
	label := []byte("window")

	is, err := Build(id, testIntroductions(now), []byte("pq-pub-key"), "tag", now, nil, label)
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	later := now.Add(time.Hour)
	if err := is.Verify(later, time.Hour, 0, label); err == nil {
		t.Fatal("expected verify to fail once every introduction has expired")
	}
}

func TestSolvePoWAndVerify(t *testing.T) {
	payload := []byte("some introset payload bytes")
	difficulty := 4

	nonce, err := SolvePoW(payload, difficulty, 1<<20)
	if err != nil {
		t.Fatalf("solve pow: %v", err)
	}
	if !powMeetsDifficulty(payload, nonce, difficulty) {
		t.Fatal("solved nonce should meet difficulty")
	}
}

func TestLeadingZeroBits(t *testing.T) {
	cases := []struct {
		data []byte
		want int
	}{
		{[]byte{0x00, 0x00}, 16},
		{[]byte{0xFF}, 0},
		{[]byte{0x0F}, 4},
		{[]byte{0x01}, 7},
		{[]byte{0x00, 0x80}, 8},
	}
	for _, c := range cases {
		if got := leadingZeroBits(c.data); got != c.want {
			t.Errorf("leadingZeroBits(%x) = %d, want %d", c.data, got, c.want)
		}
	}
}
