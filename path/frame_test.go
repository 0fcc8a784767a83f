package path

import (
	"bytes"
	"testing"

	"github.com/cvsouth/lokinet-go/crypto"
)

func TestSealOpenFrameRoundTrip(t *testing.T) {
	hopSecret, hopPublic, err := crypto.GenerateKeypair()
	if err != nil {
		t.Fatalf("generate hop key: %v", err)
	}

	inner := []byte("hello onion layer")
	frame, sealerKeys, err := SealFrame(hopPublic, inner)
	if err != nil {
		t.Fatalf("SealFrame: %v", err)
	}

	plaintext, openerKeys, err := OpenFrame(hopSecret, frame)
	if err != nil {
		t.Fatalf("OpenFrame: %v", err)
	}
	if !bytes.Equal(plaintext, inner) {
		t.Fatalf("OpenFrame: got %q want %q", plaintext, inner)
	}
	if sealerKeys.Kf != openerKeys.Kb || sealerKeys.Kb != openerKeys.Kf {
		t.Fatal("sealer/opener session keys are not complementary")
	}
}

func TestOpenFrameRejectsTamperedCiphertext(t *testing.T) {
	hopSecret, hopPublic, err := crypto.GenerateKeypair()
	if err != nil {
		t.Fatalf("generate hop key: %v", err)
	}
	frame, _, err := SealFrame(hopPublic, []byte("payload"))
	if err != nil {
		t.Fatalf("SealFrame: %v", err)
	}
	frame.Ciphertext[0] ^= 0xff

	if _, _, err := OpenFrame(hopSecret, frame); err == nil {
		t.Fatal("expected mac verification failure on tampered ciphertext")
	}
}

func TestOpenFrameRejectsWrongHopSecret(t *testing.T) {
	_, hopPublic, err := crypto.GenerateKeypair()
	if err != nil {
		t.Fatalf("generate hop key: %v", err)
	}
	wrongSecret, _, err := crypto.GenerateKeypair()
	if err != nil {
		t.Fatalf("generate wrong key: %v", err)
	}
	frame, _, err := SealFrame(hopPublic, []byte("payload"))
	if err != nil {
		t.Fatalf("SealFrame: %v", err)
	}

	if _, _, err := OpenFrame(wrongSecret, frame); err == nil {
		t.Fatal("expected failure when opening with the wrong hop secret")
	}
}

func TestFrameEncodeDecodeRoundTrip(t *testing.T) {
	_, hopPublic, err := crypto.GenerateKeypair()
	if err != nil {
		t.Fatalf("generate hop key: %v", err)
	}
	frame, _, err := SealFrame(hopPublic, []byte("round trip me"))
	if err != nil {
		t.Fatalf("SealFrame: %v", err)
	}

	wire := frame.Encode()
	decoded, err := DecodeFrame(wire)
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if decoded.MAC != frame.MAC || decoded.Nonce != frame.Nonce || decoded.Ephemeral != frame.Ephemeral {
		t.Fatal("decoded frame header mismatch")
	}
	if !bytes.Equal(decoded.Ciphertext, frame.Ciphertext) {
		t.Fatal("decoded frame ciphertext mismatch")
	}
}

func TestDecodeFrameRejectsShortInput(t *testing.T) {
	if _, err := DecodeFrame(make([]byte, frameHeaderLen-1)); err == nil {
		t.Fatal("expected error decoding a too-short frame")
	}
}
