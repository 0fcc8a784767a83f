// Package crypto implements lokinet's primitive cryptographic operations:
// the X25519 session handshake, XChaCha20 stream cipher, BLAKE2-family
// hashing, Ed25519 signatures, a post-quantum KEM, and the subkey blinding
// used to derive per-publish IntroSet signing keys.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"hash"
	"io"

	"filippo.io/edwards25519"
	"github.com/cloudflare/circl/kem/mlkem/mlkem768"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/sha3"
)

const (
	protoID = "lokinet-x25519-blake2b-1"
	mExpand = protoID + ":key_expand"
)

// Fixed-size key and digest types (§3 Data Model).
type (
	PrivateKey   [32]byte
	PublicKey    [32]byte
	SymmetricKey [32]byte
	Nonce        [24]byte
	ShortHash    [32]byte
	Hash64       [64]byte
	Signature    [64]byte
)

// SessionKeys holds the forward/backward symmetric key and digest-seed
// pairs derived from one DH handshake, mirroring the ntor KeyMaterial
// shape but with XChaCha20/BLAKE2 primitives in place of AES-CTR/SHA-1.
type SessionKeys struct {
	Df ShortHash
	Db ShortHash
	Kf SymmetricKey
	Kb SymmetricKey
}

// Zero wipes all key material in place. Callers should defer this on
// every handshake-local SessionKeys value once hop state has been derived.
func (k *SessionKeys) Zero() {
	clear(k.Df[:])
	clear(k.Db[:])
	clear(k.Kf[:])
	clear(k.Kb[:])
}

func newBlake2b256() hash.Hash {
	h, _ := blake2b.New256(nil)
	return h
}

// GenerateKeypair produces a fresh X25519 keypair.
func GenerateKeypair() (PrivateKey, PublicKey, error) {
	var sk PrivateKey
	if _, err := rand.Read(sk[:]); err != nil {
		return sk, PublicKey{}, fmt.Errorf("generate private key: %w", err)
	}
	pk, err := PublicFromPrivate(sk)
	if err != nil {
		return sk, PublicKey{}, err
	}
	return sk, pk, nil
}

// PublicFromPrivate derives the X25519 public key for a private key
// loaded from persisted state (§6's encryption.private/transport.private),
// where only the 32-byte secret is stored on disk.
func PublicFromPrivate(sk PrivateKey) (PublicKey, error) {
	pubBytes, err := curve25519.X25519(sk[:], curve25519.Basepoint)
	if err != nil {
		return PublicKey{}, fmt.Errorf("derive public key: %w", err)
	}
	var pk PublicKey
	copy(pk[:], pubBytes)
	return pk, nil
}

// DHClient derives session keys as the handshake initiator: ourSecret is
// our ephemeral or static private key, theirPublic is the peer's public
// key, and nonce binds the derivation to this particular session so that
// repeated handshakes between the same two keys never reuse key material.
func DHClient(ourSecret PrivateKey, theirPublic PublicKey, nonce Nonce) (SessionKeys, error) {
	return deriveSessionKeys(ourSecret, theirPublic, nonce, false)
}

// DHServer derives session keys as the handshake responder. For the same
// (ourSecret, theirPublic, nonce) triple viewed from the opposite role,
// DHServer's forward key equals DHClient's backward key and vice versa —
// this is the asymmetry tested by the session-key-asymmetry property (§8).
func DHServer(ourSecret PrivateKey, theirPublic PublicKey, nonce Nonce) (SessionKeys, error) {
	return deriveSessionKeys(ourSecret, theirPublic, nonce, true)
}

func deriveSessionKeys(ourSecret PrivateKey, theirPublic PublicKey, nonce Nonce, swap bool) (SessionKeys, error) {
	raw, err := curve25519.X25519(ourSecret[:], theirPublic[:])
	if err != nil {
		return SessionKeys{}, fmt.Errorf("x25519: %w", err)
	}
	if isZero(raw) {
		return SessionKeys{}, fmt.Errorf("x25519 produced all-zeros point")
	}
	defer clear(raw)

	kdf := hkdf.New(newBlake2b256, raw, nonce[:], []byte(mExpand))
	buf := make([]byte, 32+32+32+32)
	if _, err := io.ReadFull(kdf, buf); err != nil {
		return SessionKeys{}, fmt.Errorf("hkdf expand: %w", err)
	}
	defer clear(buf)

	var keys SessionKeys
	if !swap {
		copy(keys.Df[:], buf[0:32])
		copy(keys.Db[:], buf[32:64])
		copy(keys.Kf[:], buf[64:96])
		copy(keys.Kb[:], buf[96:128])
	} else {
		copy(keys.Db[:], buf[0:32])
		copy(keys.Df[:], buf[32:64])
		copy(keys.Kb[:], buf[64:96])
		copy(keys.Kf[:], buf[96:128])
	}
	return keys, nil
}

// XChaCha20 xors data in place with the stream generated from key and
// nonce, using the given initial block counter. Used for link fragment
// encryption and per-hop onion layering (§4.1, §4.3, §4.5).
func XChaCha20(key SymmetricKey, nonce Nonce, counter uint32, data []byte) error {
	c, err := chacha20.NewUnauthenticatedCipher(key[:], nonce[:])
	if err != nil {
		return fmt.Errorf("new xchacha20 cipher: %w", err)
	}
	c.SetCounter(counter)
	c.XORKeyStream(data, data)
	return nil
}

// Hash computes the 64-byte BLAKE2b digest of data.
func Hash(data []byte) Hash64 {
	sum := blake2b.Sum512(data)
	return sum
}

// ShortHashOf computes the 32-byte BLAKE2b digest of data, used for the DHT
// XOR metric and path/convo tag derivation.
func ShortHashOf(data []byte) ShortHash {
	sum := blake2b.Sum256(data)
	return sum
}

// HMAC computes a keyed 32-byte BLAKE2s MAC, used for link fragment
// authentication and per-hop transit digests.
func HMAC(key []byte, data ...[]byte) ([32]byte, error) {
	h, err := blake2s.New256(key)
	if err != nil {
		return [32]byte{}, fmt.Errorf("new blake2s mac: %w", err)
	}
	for _, d := range data {
		h.Write(d)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out, nil
}

// VerifyHMAC recomputes the MAC and compares in constant time.
func VerifyHMAC(key []byte, tag [32]byte, data ...[]byte) bool {
	computed, err := HMAC(key, data...)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(computed[:], tag[:]) == 1
}

// Sign produces an Ed25519 signature over msg.
func Sign(priv ed25519.PrivateKey, msg []byte) Signature {
	var sig Signature
	copy(sig[:], ed25519.Sign(priv, msg))
	return sig
}

// Verify checks an Ed25519 signature.
func Verify(pub ed25519.PublicKey, msg []byte, sig Signature) bool {
	return ed25519.Verify(pub, msg, sig[:])
}

// PQKeyPair is a post-quantum ML-KEM-768 encapsulation keypair, folded
// into the convo session bootstrap alongside the X25519 handshake (§4.1,
// §4.8) so that recorded traffic is not retroactively readable with a
// future quantum computer.
type PQKeyPair struct {
	Public  *mlkem768.PublicKey
	Private *mlkem768.PrivateKey
}

// PQKeygen generates a fresh ML-KEM-768 keypair.
func PQKeygen() (*PQKeyPair, error) {
	pub, priv, err := mlkem768.GenerateKeyPair(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("mlkem768 keygen: %w", err)
	}
	return &PQKeyPair{Public: pub, Private: priv}, nil
}

// PQEncrypt encapsulates a fresh shared secret to pub, returning the
// ciphertext to send and the derived 32-byte secret.
func PQEncrypt(pub *mlkem768.PublicKey) (ciphertext []byte, secret [32]byte, err error) {
	ct := make([]byte, mlkem768.CiphertextSize)
	ss := make([]byte, mlkem768.SharedKeySize)
	pub.EncapsulateTo(ct, ss, nil) // nil seed means draw randomness internally
	copy(secret[:], ss[:32])
	return ct, secret, nil
}

// PQDecrypt decapsulates a ciphertext produced by PQEncrypt.
func PQDecrypt(priv *mlkem768.PrivateKey, ciphertext []byte) (secret [32]byte, err error) {
	ss := make([]byte, mlkem768.SharedKeySize)
	priv.DecapsulateTo(ss, ciphertext)
	copy(secret[:], ss[:32])
	return secret, nil
}

// edBasepoint is the Ed25519 basepoint as used by rend-spec-v3 style
// blinding, reused here for IntroSet subkey derivation.
var edBasepoint = []byte("(15112221349535400772501151409588531511454012693041857206046113283949847762202, 46316835694926478169428394003475163141307993866256225615783033603165251855960)")

// DeriveSubkey blinds an Ed25519 public signing key by a deterministic
// factor derived from label, producing a fresh-looking subkey for a given
// publish period without revealing the long-term identity key. Generalizes
// the HS-address time-period blinding of rend-spec-v3 to arbitrary labels
// (IntroSet publish period, in this module's use).
func DeriveSubkey(pub ed25519.PublicKey, label []byte) (ed25519.PublicKey, error) {
	if len(pub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("blind public key: want %d bytes, got %d", ed25519.PublicKeySize, len(pub))
	}
	h := sha3.New256()
	h.Write([]byte("lokinet-derive-subkey"))
	h.Write(pub)
	h.Write(edBasepoint)
	h.Write(label)
	hBytes := h.Sum(nil)

	hScalar, err := new(edwards25519.Scalar).SetBytesWithClamping(hBytes)
	if err != nil {
		return nil, fmt.Errorf("clamp blinding scalar: %w", err)
	}
	A, err := new(edwards25519.Point).SetBytes(pub)
	if err != nil {
		return nil, fmt.Errorf("decode public key point: %w", err)
	}
	blinded := new(edwards25519.Point).ScalarMult(hScalar, A)
	return ed25519.PublicKey(blinded.Bytes()), nil
}

func isZero(b []byte) bool {
	var acc byte
	for _, v := range b {
		acc |= v
	}
	return acc == 0
}
