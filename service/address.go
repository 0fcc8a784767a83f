package service

import (
	"crypto/ed25519"
	"encoding/base32"
	"fmt"
	"strings"

	"github.com/cvsouth/lokinet-go/bencode"
	"github.com/cvsouth/lokinet-go/crypto"
)

// addressSuffix and addressVersion match onion.DecodeOnion's v3 .onion
// shape (32-byte key, 2-byte checksum, 1-byte version, base32), with the
// SHA3-256 checksum swapped for BLAKE2b-256 per §4.1 and the suffix
// swapped to lokinet's own.
const (
	addressSuffix  = ".loki"
	addressVersion = 0x03
)

// Address is a hidden service's canonical 32-byte identifier: the BLAKE2b
// hash of its ServiceInfo's canonical encoding (§3).
type Address [32]byte

// ServiceInfo is a hidden service's public identity (§3).
type ServiceInfo struct {
	EncKey  crypto.PublicKey
	SignKey ed25519.PublicKey
	Vanity  [16]byte
	Version uint8
}

func (si ServiceInfo) encode() *bencode.DictWriter {
	dw := bencode.NewDictWriter()
	dw.PutBytes("e", si.EncKey[:])
	dw.PutBytes("s", si.SignKey)
	dw.PutBytes("v", si.Vanity[:])
	dw.PutInt("n", int64(si.Version))
	return dw
}

// Bytes renders the canonical encoding whose hash is this identity's address.
func (si ServiceInfo) Bytes() ([]byte, error) {
	return si.encode().Bytes()
}

// Address computes blake2b(bencode(ServiceInfo)) truncated to 32 bytes (§3).
func (si ServiceInfo) Address() Address {
	payload, err := si.Bytes()
	if err != nil {
		// ServiceInfo's fields are all fixed-size; encoding cannot fail.
		panic(fmt.Sprintf("service: encode service info: %v", err))
	}
	return Address(crypto.ShortHashOf(payload))
}

func decodeServiceInfo(dr *bencode.DictReader) (ServiceInfo, error) {
	encKeyBytes, err := dr.Bytes("e")
	if err != nil || len(encKeyBytes) != 32 {
		return ServiceInfo{}, fmt.Errorf("service info: enc key: %w", err)
	}
	signKeyBytes, err := dr.Bytes("s")
	if err != nil || len(signKeyBytes) != ed25519.PublicKeySize {
		return ServiceInfo{}, fmt.Errorf("service info: sign key: %w", err)
	}
	vanityBytes, err := dr.Bytes("v")
	if err != nil || len(vanityBytes) != 16 {
		return ServiceInfo{}, fmt.Errorf("service info: vanity: %w", err)
	}
	version, err := dr.Int("n")
	if err != nil {
		return ServiceInfo{}, fmt.Errorf("service info: version: %w", err)
	}

	var si ServiceInfo
	copy(si.EncKey[:], encKeyBytes)
	si.SignKey = ed25519.PublicKey(append([]byte(nil), signKeyBytes...))
	copy(si.Vanity[:], vanityBytes)
	si.Version = uint8(version)
	return si, nil
}

// String renders the address in the same checksum-then-version-then-base32
// shape onion.DecodeOnion parses, generalized to lokinet's suffix and hash.
func (a Address) String() string {
	checksum := addressChecksum(a)
	raw := make([]byte, 0, 35)
	raw = append(raw, a[:]...)
	raw = append(raw, checksum[:]...)
	raw = append(raw, addressVersion)
	encoded := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(raw)
	return strings.ToLower(encoded) + addressSuffix
}

func addressChecksum(a Address) [2]byte {
	h := crypto.ShortHashOf(append(append([]byte(".loki checksum"), a[:]...), addressVersion))
	var checksum [2]byte
	copy(checksum[:], h[:2])
	return checksum
}

// ParseAddress decodes a "...loki" address produced by Address.String.
func ParseAddress(s string) (Address, error) {
	var addr Address
	s = strings.TrimSuffix(strings.ToLower(s), addressSuffix)
	decoded, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(strings.ToUpper(s))
	if err != nil {
		return addr, fmt.Errorf("parse address: base32 decode: %w", err)
	}
	if len(decoded) != 35 {
		return addr, fmt.Errorf("parse address: decoded length %d, want 35", len(decoded))
	}
	copy(addr[:], decoded[:32])
	version := decoded[34]
	if version != addressVersion {
		return addr, fmt.Errorf("parse address: unsupported version %d", version)
	}
	checksum := addressChecksum(addr)
	if checksum[0] != decoded[32] || checksum[1] != decoded[33] {
		return addr, fmt.Errorf("parse address: checksum mismatch")
	}
	return addr, nil
}
