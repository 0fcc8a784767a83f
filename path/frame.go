package path

import (
	"crypto/rand"
	"fmt"

	"github.com/cvsouth/lokinet-go/crypto"
)

// EncryptedFrame is the per-hop envelope used throughout path build and
// transit (§4.5): [MAC(32)][nonce(24)][ephemeral pub(32)][ciphertext].
// A builder onion-wraps one EncryptedFrame per hop around the innermost
// commit record; each hop peels exactly one layer before forwarding.
type EncryptedFrame struct {
	MAC        [32]byte
	Nonce      crypto.Nonce
	Ephemeral  crypto.PublicKey
	Ciphertext []byte
}

const frameHeaderLen = 32 + 24 + 32

// Encode serializes the frame to its wire layout.
func (f *EncryptedFrame) Encode() []byte {
	out := make([]byte, frameHeaderLen+len(f.Ciphertext))
	copy(out[0:32], f.MAC[:])
	copy(out[32:56], f.Nonce[:])
	copy(out[56:88], f.Ephemeral[:])
	copy(out[88:], f.Ciphertext)
	return out
}

// DecodeFrame parses the wire layout produced by Encode.
func DecodeFrame(data []byte) (*EncryptedFrame, error) {
	if len(data) < frameHeaderLen {
		return nil, fmt.Errorf("encrypted frame too short: %d bytes", len(data))
	}
	f := &EncryptedFrame{}
	copy(f.MAC[:], data[0:32])
	copy(f.Nonce[:], data[32:56])
	copy(f.Ephemeral[:], data[56:88])
	f.Ciphertext = append([]byte(nil), data[88:]...)
	return f, nil
}

// SealFrame builds one hop's EncryptedFrame: it runs a fresh X25519
// handshake against the hop's long-term session key, derives a MAC key and
// encryption key from it, and encrypts inner under XChaCha20, authenticating
// the envelope with a keyed BLAKE2s MAC over nonce||ephemeral||ciphertext.
func SealFrame(hopKey crypto.PublicKey, inner []byte) (*EncryptedFrame, crypto.SessionKeys, error) {
	ephSecret, ephPublic, err := crypto.GenerateKeypair()
	if err != nil {
		return nil, crypto.SessionKeys{}, fmt.Errorf("generate ephemeral key: %w", err)
	}

	var nonce crypto.Nonce
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, crypto.SessionKeys{}, fmt.Errorf("generate frame nonce: %w", err)
	}

	keys, err := crypto.DHClient(ephSecret, hopKey, nonce)
	if err != nil {
		return nil, crypto.SessionKeys{}, fmt.Errorf("frame handshake: %w", err)
	}

	ciphertext := append([]byte(nil), inner...)
	if err := crypto.XChaCha20(keys.Kf, nonce, 0, ciphertext); err != nil {
		return nil, crypto.SessionKeys{}, fmt.Errorf("encrypt frame body: %w", err)
	}

	mac, err := crypto.HMAC(keys.Kb[:], nonce[:], ephPublic[:], ciphertext)
	if err != nil {
		return nil, crypto.SessionKeys{}, fmt.Errorf("compute frame mac: %w", err)
	}

	return &EncryptedFrame{
		MAC:        mac,
		Nonce:      nonce,
		Ephemeral:  ephPublic,
		Ciphertext: ciphertext,
	}, keys, nil
}

// OpenFrame is the transit-hop counterpart to SealFrame: given the hop's
// long-term session private key, it verifies the MAC, decrypts, and
// returns the inner bytes plus the derived session keys (needed by the
// transit layer to process onward relay traffic on this hop).
func OpenFrame(hopSecret crypto.PrivateKey, f *EncryptedFrame) ([]byte, crypto.SessionKeys, error) {
	keys, err := crypto.DHServer(hopSecret, f.Ephemeral, f.Nonce)
	if err != nil {
		return nil, crypto.SessionKeys{}, fmt.Errorf("frame handshake: %w", err)
	}

	// The sealer authenticated with its keys.Kb (from the client's
	// perspective); DHServer's asymmetric derivation makes that equal to
	// this hop's Kf, so verify against Kf here.
	if !crypto.VerifyHMAC(keys.Kf[:], f.MAC, f.Nonce[:], f.Ephemeral[:], f.Ciphertext) {
		return nil, crypto.SessionKeys{}, fmt.Errorf("encrypted frame: mac verification failed")
	}

	plaintext := append([]byte(nil), f.Ciphertext...)
	if err := crypto.XChaCha20(keys.Kb, f.Nonce, 0, plaintext); err != nil {
		return nil, crypto.SessionKeys{}, fmt.Errorf("decrypt frame body: %w", err)
	}
	return plaintext, keys, nil
}
