package crypto

import (
	"crypto/ed25519"
	"crypto/sha512"
	"fmt"

	"filippo.io/edwards25519"
	"golang.org/x/crypto/sha3"
)

// expandSecret splits an Ed25519 private key into the RFC 8032 "expanded"
// form (scalar, nonce prefix) DeriveSubkeySecret needs to sign under a
// blinded key without ever materializing a 64-byte ed25519.PrivateKey for
// the blinded identity (there is no such seed — only a blinded point).
func expandSecret(priv ed25519.PrivateKey) (*edwards25519.Scalar, []byte, error) {
	seed := priv.Seed()
	h := sha512.Sum512(seed)
	h[0] &= 248
	h[31] &= 127
	h[31] |= 64
	scalar, err := edwards25519.NewScalar().SetBytesWithClamping(h[:32])
	if err != nil {
		return nil, nil, fmt.Errorf("clamp expanded secret scalar: %w", err)
	}
	prefix := append([]byte(nil), h[32:64]...)
	return scalar, prefix, nil
}

func hashToScalar(data ...[]byte) (*edwards25519.Scalar, error) {
	h := sha512.New()
	for _, d := range data {
		h.Write(d)
	}
	sum := h.Sum(nil)
	return edwards25519.NewScalar().SetUniformBytes(sum)
}

// SubkeySecret is the blinded scalar/nonce-prefix pair DeriveSubkeySecret
// derives: everything SignWithSubkey needs to sign as a one-time-looking
// subkey identity without exposing the long-term Ed25519 seed.
type SubkeySecret struct {
	scalar *edwards25519.Scalar
	prefix []byte
	Public ed25519.PublicKey
}

// DeriveSubkeySecret blinds both halves of an Ed25519 keypair by the same
// factor DeriveSubkey applies to the public half alone, so the IntroSet can
// be signed under a key that verifies against DeriveSubkey(pub, label)
// without ever revealing priv. This is the signing-side half of rend-spec-v3
// style time-period blinding that onion.BlindPublicKey (the teacher) only
// ever needed the verifying side of.
func DeriveSubkeySecret(priv ed25519.PrivateKey, label []byte) (*SubkeySecret, error) {
	pub := priv.Public().(ed25519.PublicKey)
	blindedPub, err := DeriveSubkey(pub, label)
	if err != nil {
		return nil, fmt.Errorf("derive subkey secret: %w", err)
	}

	hh := sha3.New256()
	hh.Write([]byte("lokinet-derive-subkey"))
	hh.Write(pub)
	hh.Write(edBasepoint)
	hh.Write(label)
	h := hh.Sum(nil)
	hScalar, err := edwards25519.NewScalar().SetBytesWithClamping(h)
	if err != nil {
		return nil, fmt.Errorf("clamp blinding scalar: %w", err)
	}

	a, prefix, err := expandSecret(priv)
	if err != nil {
		return nil, fmt.Errorf("expand secret: %w", err)
	}
	blindedScalar := edwards25519.NewScalar().Multiply(hScalar, a)

	blindedPrefix := sha512.Sum512(append(append([]byte(nil), prefix...), label...))

	return &SubkeySecret{
		scalar: blindedScalar,
		prefix: blindedPrefix[:32],
		Public: blindedPub,
	}, nil
}

// SignWithSubkey signs msg with a SubkeySecret derived by DeriveSubkeySecret,
// implementing RFC 8032 Ed25519 signing directly over the blinded scalar
// since no ed25519.PrivateKey seed exists for a blinded identity. The
// resulting signature verifies with the standard library's ed25519.Verify
// (or crypto.Verify) against SubkeySecret.Public / DeriveSubkey's output.
func SignWithSubkey(s *SubkeySecret, msg []byte) (Signature, error) {
	var sig Signature

	r, err := hashToScalar(s.prefix, msg)
	if err != nil {
		return sig, fmt.Errorf("derive nonce scalar: %w", err)
	}
	R := new(edwards25519.Point).ScalarBaseMult(r)

	k, err := hashToScalar(R.Bytes(), s.Public, msg)
	if err != nil {
		return sig, fmt.Errorf("derive challenge scalar: %w", err)
	}

	S := edwards25519.NewScalar().MultiplyAdd(k, s.scalar, r)

	copy(sig[0:32], R.Bytes())
	copy(sig[32:64], S.Bytes())
	return sig, nil
}
