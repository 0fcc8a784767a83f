// Package nodedb persists RouterContacts to disk in a two-level hex
// skiplist, the way the teacher's directory.Cache persists consensus and
// microdescriptor state, but durable and atomically written since a
// RouterContact, unlike a disposable consensus cache entry, is load-bearing
// state a relay depends on across restarts (§4.2).
package nodedb

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cvsouth/lokinet-go/rc"
)

// DB is an on-disk, in-memory-cached store of RouterContacts keyed by
// RouterID, laid out as <dir>/<first two hex chars>/<full hex id>.signed.
type DB struct {
	mu    sync.RWMutex
	dir   string
	netID string
	cache map[rc.RouterID]*rc.RouterContact
}

// New opens (without yet loading) a node database rooted at dir.
func New(dir, netID string) (*DB, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create nodedb dir: %w", err)
	}
	return &DB{dir: dir, netID: netID, cache: make(map[rc.RouterID]*rc.RouterContact)}, nil
}

func (db *DB) pathFor(id rc.RouterID) string {
	hex := fmt.Sprintf("%x", id[:])
	return filepath.Join(db.dir, hex[:2], hex+".signed")
}

// Get returns a cached RouterContact, loading it from disk on a cache miss.
func (db *DB) Get(id rc.RouterID) (*rc.RouterContact, bool) {
	db.mu.RLock()
	if c, ok := db.cache[id]; ok {
		db.mu.RUnlock()
		return c, true
	}
	db.mu.RUnlock()

	data, err := os.ReadFile(db.pathFor(id))
	if err != nil {
		return nil, false
	}
	contact, err := rc.Decode(data)
	if err != nil {
		return nil, false
	}
	if err := contact.Verify(db.netID, time.Now()); err != nil {
		return nil, false
	}

	db.mu.Lock()
	db.cache[id] = contact
	db.mu.Unlock()
	return contact, true
}

// Put verifies and stores a RouterContact, replacing any prior entry for
// the same RouterID. Writes are atomic (temp file + rename) so a crash
// mid-write never leaves a corrupt entry on disk.
func (db *DB) Put(contact *rc.RouterContact) error {
	if err := contact.Verify(db.netID, time.Now()); err != nil {
		return fmt.Errorf("put router contact: %w", err)
	}

	data, err := contact.Encode()
	if err != nil {
		return fmt.Errorf("encode router contact: %w", err)
	}

	path := db.pathFor(contact.RouterID)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create skiplist bucket: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("atomic rename: %w", err)
	}

	db.mu.Lock()
	db.cache[contact.RouterID] = contact
	db.mu.Unlock()
	return nil
}

// Remove deletes a RouterContact from disk and the in-memory cache.
func (db *DB) Remove(id rc.RouterID) error {
	db.mu.Lock()
	delete(db.cache, id)
	db.mu.Unlock()

	if err := os.Remove(db.pathFor(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove router contact: %w", err)
	}
	return nil
}

// Predicate filters candidate RouterContacts for GetRandom.
type Predicate func(*rc.RouterContact) bool

// GetRandom returns a uniformly-random RouterContact satisfying predicate,
// loading the full skiplist from disk. Unlike pathselect's bandwidth-weighted
// exit/guard/middle selection, RC selection here carries no consensus-weight
// bias — every entry on disk is equally likely.
func (db *DB) GetRandom(predicate Predicate) (*rc.RouterContact, error) {
	candidates, err := db.all()
	if err != nil {
		return nil, fmt.Errorf("load candidates: %w", err)
	}
	var filtered []*rc.RouterContact
	for _, c := range candidates {
		if predicate == nil || predicate(c) {
			filtered = append(filtered, c)
		}
	}
	if len(filtered) == 0 {
		return nil, fmt.Errorf("no router contacts match predicate")
	}
	idx, err := rand.Int(rand.Reader, big.NewInt(int64(len(filtered))))
	if err != nil {
		return nil, fmt.Errorf("crypto/rand: %w", err)
	}
	return filtered[idx.Int64()], nil
}

func (db *DB) all() ([]*rc.RouterContact, error) {
	buckets, err := os.ReadDir(db.dir)
	if err != nil {
		return nil, fmt.Errorf("read nodedb dir: %w", err)
	}
	var out []*rc.RouterContact
	now := time.Now()
	for _, bucket := range buckets {
		if !bucket.IsDir() {
			continue
		}
		entries, err := os.ReadDir(filepath.Join(db.dir, bucket.Name()))
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".signed") {
				continue
			}
			data, err := os.ReadFile(filepath.Join(db.dir, bucket.Name(), entry.Name()))
			if err != nil {
				continue
			}
			contact, err := rc.Decode(data)
			if err != nil {
				continue
			}
			if err := contact.Verify(db.netID, now); err != nil {
				continue
			}
			out = append(out, contact)
		}
	}
	return out, nil
}

// Count returns the number of valid entries currently on disk.
func (db *DB) Count() (int, error) {
	all, err := db.all()
	if err != nil {
		return 0, err
	}
	return len(all), nil
}
