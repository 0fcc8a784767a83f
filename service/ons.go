package service

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/cvsouth/lokinet-go/crypto"
)

// DefaultNameCacheTTL is how long a resolved name is cached before being
// re-resolved, a positive-only cache (a miss is never cached, so a name
// that starts resolving after a prior failure is picked up immediately).
const DefaultNameCacheTTL = 5 * time.Minute

var nameRE = regexp.MustCompile(`^[a-z0-9](?:[a-z0-9-]{0,61}[a-z0-9])?\.loki$`)

// NameIsValid reports whether name is a syntactically valid ONS name: one
// lowercase alphanumeric/hyphen label of at most 63 characters, neither
// starting nor ending with a hyphen, followed by ".loki", mirroring the
// same shape restrictions onion.DecodeOnion applies to its own suffix. The
// reserved names "loki.loki" and "snode.loki" are not valid.
func NameIsValid(name string) bool {
	switch name {
	case "loki.loki", "snode.loki":
		return false
	}
	return nameRE.MatchString(name)
}

// NameKey derives the symmetric key an ONS record for name is encrypted
// under: every resolver who knows the name can decrypt the record, but
// the DHT nodes storing it cannot link it to a human-readable name
// without already knowing that name, the same privacy property rend-spec
// hidden-service descriptors get from blinding, generalized here to plain
// symmetric encryption since no one needs to independently verify a
// signature from the registrant without first knowing the name anyway.
func NameKey(name string) crypto.SymmetricKey {
	return crypto.SymmetricKey(crypto.ShortHashOf(append([]byte("lokinet-ons-name-key:"), name...)))
}

// OnsRecord is an encrypted binding from a human-readable ONS name to a
// hidden-service Address, published into the DHT under NameKey(name)'s
// hash the way an IntroSet is published under its own service address.
type OnsRecord struct {
	Name      string
	Address   Address
	Timestamp time.Time
	ciphertext []byte
}

// BuildOnsRecord encrypts addr under NameKey(name), producing the bytes a
// registrant publishes into the DHT.
func BuildOnsRecord(name string, addr Address, now time.Time) (*OnsRecord, error) {
	if !NameIsValid(name) {
		return nil, fmt.Errorf("build ons record: invalid name %q", name)
	}
	key := NameKey(name)

	var nonce crypto.Nonce
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("build ons record: %w", err)
	}

	plaintext := make([]byte, 32+8)
	copy(plaintext, addr[:])
	binary.BigEndian.PutUint64(plaintext[32:], uint64(now.Unix()))

	if err := crypto.XChaCha20(key, nonce, 0, plaintext); err != nil {
		return nil, fmt.Errorf("build ons record: %w", err)
	}

	ciphertext := make([]byte, 0, len(nonce)+len(plaintext))
	ciphertext = append(ciphertext, nonce[:]...)
	ciphertext = append(ciphertext, plaintext...)

	return &OnsRecord{
		Name:       name,
		Address:    addr,
		Timestamp:  now,
		ciphertext: ciphertext,
	}, nil
}

// Bytes returns the wire form of the record as published into the DHT.
func (r *OnsRecord) Bytes() []byte {
	return append([]byte(nil), r.ciphertext...)
}

// DecodeOnsRecord decrypts a record previously produced by BuildOnsRecord,
// given the name the caller is resolving (the only way to derive the key).
func DecodeOnsRecord(name string, data []byte) (*OnsRecord, error) {
	if !NameIsValid(name) {
		return nil, fmt.Errorf("decode ons record: invalid name %q", name)
	}
	if len(data) != 24+32+8 {
		return nil, fmt.Errorf("decode ons record: bad length %d", len(data))
	}
	key := NameKey(name)

	var nonce crypto.Nonce
	copy(nonce[:], data[:24])
	plaintext := append([]byte(nil), data[24:]...)
	if err := crypto.XChaCha20(key, nonce, 0, plaintext); err != nil {
		return nil, fmt.Errorf("decode ons record: %w", err)
	}

	if len(plaintext) < 40 {
		return nil, fmt.Errorf("decode ons record: truncated timestamp")
	}
	var addr Address
	copy(addr[:], plaintext[:32])
	timestamp := int64(binary.BigEndian.Uint64(plaintext[32:40]))

	return &OnsRecord{
		Name:       name,
		Address:    addr,
		Timestamp:  time.Unix(timestamp, 0).UTC(),
		ciphertext: append([]byte(nil), data...),
	}, nil
}

type cachedName struct {
	addr     Address
	cachedAt time.Time
}

// NameCache is a positive-only TTL cache of resolved ONS names: failed
// resolutions are never cached, so a name that starts resolving (e.g.
// after its registrant republishes) is picked up on the very next lookup.
type NameCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]cachedName
}

// NewNameCache creates an empty cache with the given TTL.
func NewNameCache(ttl time.Duration) *NameCache {
	return &NameCache{
		ttl:     ttl,
		entries: make(map[string]cachedName),
	}
}

// Get returns a cached address for name if present and not yet expired.
func (c *NameCache) Get(name string, now time.Time) (Address, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[name]
	if !ok || now.Sub(entry.cachedAt) >= c.ttl {
		return Address{}, false
	}
	return entry.addr, true
}

// Put records a freshly resolved address for name.
func (c *NameCache) Put(name string, addr Address, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[name] = cachedName{addr: addr, cachedAt: now}
}

// Resolver looks up the DHT-published OnsRecord bytes for a name, keyed
// the same way the rest of the DHT layer keys lookups: by the BLAKE2b
// hash of an opaque key material (here NameKey(name)), not the name itself.
type Resolver func(name string) ([]byte, error)

// ResolveName resolves name to an Address, consulting cache first and
// falling back to fetch, caching the result on success.
func ResolveName(cache *NameCache, fetch Resolver, name string, now time.Time) (Address, error) {
	if addr, ok := cache.Get(name, now); ok {
		return addr, nil
	}
	data, err := fetch(name)
	if err != nil {
		return Address{}, fmt.Errorf("resolve name: %w", err)
	}
	record, err := DecodeOnsRecord(name, data)
	if err != nil {
		return Address{}, fmt.Errorf("resolve name: %w", err)
	}
	cache.Put(name, record.Address, now)
	return record.Address, nil
}
