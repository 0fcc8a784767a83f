// Package service implements the lokinet hidden-service endpoint (§4.8):
// a persistent identity, the IntroSet it publishes into the DHT, the
// per-conversation convo state machine, and ONS name resolution.
package service

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cvsouth/lokinet-go/crypto"
)

// Identity is a hidden service's persistent keypair set: an X25519
// encryption key and an Ed25519 signing key, plus a vanity nonce mixed
// into the address the way teacher vanity-address generators mix a nonce
// to hunt for a desired prefix (this module does not hunt for a prefix,
// but keeps the field so a future vanity search can reuse ServiceInfo
// unchanged).
type Identity struct {
	EncSecret crypto.PrivateKey
	EncPublic crypto.PublicKey
	SignPub   ed25519.PublicKey
	SignPriv  ed25519.PrivateKey
	Vanity    [16]byte
}

// GenerateIdentity creates a fresh random Identity.
func GenerateIdentity() (*Identity, error) {
	encSecret, encPublic, err := crypto.GenerateKeypair()
	if err != nil {
		return nil, fmt.Errorf("generate identity: %w", err)
	}
	signPub, signPriv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, fmt.Errorf("generate identity: %w", err)
	}
	var vanity [16]byte
	if _, err := rand.Read(vanity[:]); err != nil {
		return nil, fmt.Errorf("generate identity: %w", err)
	}
	return &Identity{
		EncSecret: encSecret,
		EncPublic: encPublic,
		SignPub:   signPub,
		SignPriv:  signPriv,
		Vanity:    vanity,
	}, nil
}

// Info renders the public half of the identity as a ServiceInfo, the
// structure whose canonical encoding's hash is the service's address.
func (id *Identity) Info() ServiceInfo {
	return ServiceInfo{
		EncKey:  id.EncPublic,
		SignKey: id.SignPub,
		Vanity:  id.Vanity,
		Version: 3,
	}
}

// Address returns this identity's canonical address (§3).
func (id *Identity) Address() Address {
	return id.Info().Address()
}

// onDiskIdentity is Identity's JSON persistence shape, mirroring
// directory.Cache's cachedRelay pattern of marshaling fixed-size key
// arrays directly rather than through a richer serialization framework.
type onDiskIdentity struct {
	EncSecret [32]byte `json:"enc_secret"`
	EncPublic [32]byte `json:"enc_public"`
	SignPub   [32]byte `json:"sign_pub"`
	SignPriv  []byte   `json:"sign_priv"`
	Vanity    [16]byte `json:"vanity"`
}

// IdentityCache loads and persists a hidden service's identity to disk,
// the same load-or-generate-then-cache role directory.Cache plays for
// consensus/microdescriptor data, generalized from network-fetched state
// to a locally-generated identity.
type IdentityCache struct {
	Dir string
}

func (c *IdentityCache) path() string {
	return filepath.Join(c.Dir, "identity.json")
}

// Load reads a previously-saved Identity, reporting false if none exists.
func (c *IdentityCache) Load() (*Identity, bool) {
	if c.Dir == "" {
		return nil, false
	}
	data, err := os.ReadFile(c.path())
	if err != nil {
		return nil, false
	}
	var onDisk onDiskIdentity
	if err := json.Unmarshal(data, &onDisk); err != nil {
		return nil, false
	}
	return &Identity{
		EncSecret: crypto.PrivateKey(onDisk.EncSecret),
		EncPublic: crypto.PublicKey(onDisk.EncPublic),
		SignPub:   ed25519.PublicKey(append([]byte(nil), onDisk.SignPub[:]...)),
		SignPriv:  ed25519.PrivateKey(append([]byte(nil), onDisk.SignPriv...)),
		Vanity:    onDisk.Vanity,
	}, true
}

// Save persists an Identity to disk.
func (c *IdentityCache) Save(id *Identity) error {
	if c.Dir == "" {
		return fmt.Errorf("identity cache: directory not set")
	}
	if err := os.MkdirAll(c.Dir, 0700); err != nil {
		return fmt.Errorf("identity cache: create dir: %w", err)
	}
	onDisk := onDiskIdentity{
		EncSecret: [32]byte(id.EncSecret),
		EncPublic: [32]byte(id.EncPublic),
		SignPriv:  append([]byte(nil), id.SignPriv...),
		Vanity:    id.Vanity,
	}
	copy(onDisk.SignPub[:], id.SignPub)
	data, err := json.Marshal(onDisk)
	if err != nil {
		return fmt.Errorf("identity cache: marshal: %w", err)
	}
	return os.WriteFile(c.path(), data, 0600)
}

// LoadOrGenerate loads a cached identity, or generates and saves a fresh
// one if none is cached yet — the §4.8 lifecycle step 0 "persistent
// identity loaded from disk or freshly generated on first run".
func (c *IdentityCache) LoadOrGenerate() (*Identity, error) {
	if id, ok := c.Load(); ok {
		return id, nil
	}
	id, err := GenerateIdentity()
	if err != nil {
		return nil, err
	}
	if err := c.Save(id); err != nil {
		return nil, err
	}
	return id, nil
}
