// Package metadb is the MetaDb collaborator: a bbolt-backed ClockStore and
// KeyStore sharing one database file per repo. All I/O runs on the
// caller's goroutine — bbolt's own transaction locking is what keeps the
// single-threaded dispatcher from needing to know about it (see Design
// Notes on suspension points).
package metadb

import (
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/robbynshaw/hypermerge/clock"
	"github.com/robbynshaw/hypermerge/ids"
)

var (
	clocksBucket = []byte("clocks")
	keysBucket   = []byte("keys")
)

// DB wraps a bbolt.DB opened at the file path given to Open (RepoBackend
// passes <path>/hypermerge.db, or a scratch file it creates and removes
// itself when Memory is requested) and exposes it as both a clock.Store and
// a keypair store (GetKey/SetKey).
type DB struct {
	bolt *bbolt.DB
}

// Open opens or creates the database at path, creating the clocks/keys
// buckets if this is a fresh file.
func Open(path string) (*DB, error) {
	bdb, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("metadb: open %s: %w", path, err)
	}
	if err := bdb.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(clocksBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(keysBucket)
		return err
	}); err != nil {
		bdb.Close()
		return nil, fmt.Errorf("metadb: init buckets: %w", err)
	}
	return &DB{bolt: bdb}, nil
}

// Close releases the underlying database file.
func (d *DB) Close() error { return d.bolt.Close() }

func clockKey(peer ids.PeerId, doc ids.DocId) []byte {
	key := make([]byte, 0, len(peer)+len(doc))
	key = append(key, peer[:]...)
	key = append(key, doc[:]...)
	return key
}

// Update merges incoming into the stored clock for (peer, doc), persists
// the canonicalized result, and reports whether it actually advanced.
func (d *DB) Update(peer ids.PeerId, doc ids.DocId, incoming clock.Clock) (clock.Clock, bool) {
	var merged clock.Clock
	var changed bool
	err := d.bolt.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(clocksBucket)
		existing := d.readLocked(b, peer, doc)
		merged = existing.Merge(incoming)
		changed = !merged.Equal(existing)
		if !changed {
			return nil
		}
		canon, _ := merged.Canonicalize()
		merged = canon
		raw, err := json.Marshal(canon)
		if err != nil {
			return err
		}
		return b.Put(clockKey(peer, doc), raw)
	})
	if err != nil {
		// A bbolt write failure here means the on-disk baseline didn't
		// advance; the in-memory merge result is still returned so the
		// caller's in-flight decision isn't blocked, but changed is forced
		// false to avoid claiming a persisted update that didn't happen.
		return merged, false
	}
	return merged, changed
}

func (d *DB) readLocked(b *bbolt.Bucket, peer ids.PeerId, doc ids.DocId) clock.Clock {
	raw := b.Get(clockKey(peer, doc))
	if raw == nil {
		return clock.New()
	}
	var c clock.Clock
	if err := json.Unmarshal(raw, &c); err != nil {
		return clock.New()
	}
	return c
}

// Get returns the stored clock for (peer, doc).
func (d *DB) Get(peer ids.PeerId, doc ids.DocId) (clock.Clock, bool) {
	var c clock.Clock
	var ok bool
	d.bolt.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(clocksBucket).Get(clockKey(peer, doc))
		if raw == nil {
			return nil
		}
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil
		}
		ok = true
		return nil
	})
	return c, ok
}

// Has reports whether a clock is stored for (peer, doc).
func (d *DB) Has(peer ids.PeerId, doc ids.DocId) bool {
	_, ok := d.Get(peer, doc)
	return ok
}

// GetMaximumSatisfiedClock returns the stored clock for (self, doc) if it
// is <= target.
func (d *DB) GetMaximumSatisfiedClock(self ids.PeerId, doc ids.DocId, target clock.Clock) (clock.Clock, bool) {
	stored, ok := d.Get(self, doc)
	if !ok || !stored.LessOrEqual(target) {
		return nil, false
	}
	return stored, true
}

// SelfRepoKey is the reserved name for the repo identity keypair.
const SelfRepoKey = "self.repo"

type storedKeyPair struct {
	Public []byte
	Secret []byte `json:"Secret,omitempty"`
}

// GetKey returns the stored keypair under name, if any.
func (d *DB) GetKey(name string) (ids.KeyPair, bool) {
	var out ids.KeyPair
	var ok bool
	d.bolt.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(keysBucket).Get([]byte(name))
		if raw == nil {
			return nil
		}
		var stored storedKeyPair
		if err := json.Unmarshal(raw, &stored); err != nil {
			return nil
		}
		copy(out.Public[:], stored.Public)
		if len(stored.Secret) == 64 {
			var secret [64]byte
			copy(secret[:], stored.Secret)
			out.Secret = &secret
		}
		ok = true
		return nil
	})
	return out, ok
}

// SetKey persists kp under name.
func (d *DB) SetKey(name string, kp ids.KeyPair) error {
	stored := storedKeyPair{Public: kp.Public[:]}
	if kp.Secret != nil {
		stored.Secret = kp.Secret[:]
	}
	raw, err := json.Marshal(stored)
	if err != nil {
		return err
	}
	return d.bolt.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(keysBucket).Put([]byte(name), raw)
	})
}
