package router

import (
	"crypto/ed25519"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cvsouth/lokinet-go/crypto"
	"github.com/cvsouth/lokinet-go/rc"
)

// StateDir manages the persisted files §6 names: our current RC
// (self.signed), our signing key (identity.private), our link encryption
// key (encryption.private), and our transport key (transport.private).
// This mirrors directory.Cache's "read if present, else the caller
// generates and we save" role, generalized from network-fetched consensus
// state to locally-generated router identity state (the same role
// service.IdentityCache plays for hidden-service identities).
type StateDir struct {
	Dir string
}

func (s *StateDir) path(name string) string {
	return filepath.Join(s.Dir, name)
}

// LoadOrGenerateSigningKey loads identity.private, or generates and saves
// a fresh Ed25519 keypair if none exists.
func (s *StateDir) LoadOrGenerateSigningKey() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	data, err := os.ReadFile(s.path("identity.private"))
	if err == nil && len(data) == ed25519.PrivateKeySize {
		priv := ed25519.PrivateKey(data)
		return priv.Public().(ed25519.PublicKey), priv, nil
	}
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, nil, fmt.Errorf("generate signing key: %w", err)
	}
	if err := s.save("identity.private", priv); err != nil {
		return nil, nil, err
	}
	return pub, priv, nil
}

// LoadOrGenerateLinkKey loads encryption.private, or generates and saves a
// fresh X25519 keypair if none exists.
func (s *StateDir) LoadOrGenerateLinkKey() (crypto.PrivateKey, crypto.PublicKey, error) {
	return s.loadOrGenerateX25519("encryption.private")
}

// LoadOrGenerateTransportKey loads transport.private, or generates and
// saves a fresh X25519 keypair if none exists.
func (s *StateDir) LoadOrGenerateTransportKey() (crypto.PrivateKey, crypto.PublicKey, error) {
	return s.loadOrGenerateX25519("transport.private")
}

func (s *StateDir) loadOrGenerateX25519(name string) (crypto.PrivateKey, crypto.PublicKey, error) {
	data, err := os.ReadFile(s.path(name))
	if err == nil && len(data) == 32 {
		var priv crypto.PrivateKey
		copy(priv[:], data)
		pub, err := crypto.PublicFromPrivate(priv)
		if err != nil {
			return crypto.PrivateKey{}, crypto.PublicKey{}, err
		}
		return priv, pub, nil
	}
	priv, pub, err := crypto.GenerateKeypair()
	if err != nil {
		return crypto.PrivateKey{}, crypto.PublicKey{}, fmt.Errorf("generate %s: %w", name, err)
	}
	if err := s.save(name, priv[:]); err != nil {
		return crypto.PrivateKey{}, crypto.PublicKey{}, err
	}
	return priv, pub, nil
}

// SaveRC persists our current RC to self.signed, re-emitted on every key
// or address change (§6).
func (s *StateDir) SaveRC(contact *rc.RouterContact) error {
	data, err := contact.Encode()
	if err != nil {
		return fmt.Errorf("encode rc: %w", err)
	}
	return s.save("self.signed", data)
}

// LoadRC reads a previously saved self.signed, if present.
func (s *StateDir) LoadRC() (*rc.RouterContact, bool) {
	data, err := os.ReadFile(s.path("self.signed"))
	if err != nil {
		return nil, false
	}
	contact, err := rc.Decode(data)
	if err != nil {
		return nil, false
	}
	return contact, true
}

// LoadBootstrap reads the optional bootstrap.signed RC used at cold start
// to learn other peers (§6).
func (s *StateDir) LoadBootstrap() (*rc.RouterContact, bool) {
	data, err := os.ReadFile(s.path("bootstrap.signed"))
	if err != nil {
		return nil, false
	}
	contact, err := rc.Decode(data)
	if err != nil {
		return nil, false
	}
	return contact, true
}

func (s *StateDir) save(name string, data []byte) error {
	if err := os.MkdirAll(s.Dir, 0700); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	return os.WriteFile(s.path(name), data, 0600)
}
