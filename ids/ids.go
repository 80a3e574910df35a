// Package ids defines the identifier types shared across the repo backend:
// base58-encoded 32-byte public keys for actors, documents, peers, and
// discovery topics.
package ids

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"github.com/mr-tron/base58"
)

// KeySize is the width of a raw actor/peer public or secret key component.
const KeySize = 32

// ActorId identifies one append-only feed by its signing public key.
type ActorId [KeySize]byte

// DocId identifies a document by the public key of its root actor. A DocId
// and an ActorId share representation: the root actor's ActorId, reinterpreted.
type DocId = ActorId

// PeerId identifies a connected remote process by its public key.
type PeerId [KeySize]byte

// DiscoveryId is the swarm rendezvous topic derived from an actor's public key.
type DiscoveryId [KeySize]byte

func (a ActorId) String() string { return base58.Encode(a[:]) }
func (p PeerId) String() string  { return base58.Encode(p[:]) }
func (d DiscoveryId) String() string { return base58.Encode(d[:]) }

// IsZero reports whether the id has never been assigned.
func (a ActorId) IsZero() bool { return a == ActorId{} }

// Less gives ActorId a deterministic total order, used to canonicalize
// clocks and actor sets for stable serialization.
func (a ActorId) Less(b ActorId) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// ParseActorId decodes a base58 string into an ActorId.
func ParseActorId(s string) (ActorId, error) {
	raw, err := base58.Decode(s)
	if err != nil {
		return ActorId{}, fmt.Errorf("ids: decode actor id %q: %w", s, err)
	}
	if len(raw) != KeySize {
		return ActorId{}, fmt.Errorf("ids: actor id %q has %d bytes, want %d", s, len(raw), KeySize)
	}
	var a ActorId
	copy(a[:], raw)
	return a, nil
}

// ParsePeerId decodes a base58 string into a PeerId.
func ParsePeerId(s string) (PeerId, error) {
	raw, err := base58.Decode(s)
	if err != nil {
		return PeerId{}, fmt.Errorf("ids: decode peer id %q: %w", s, err)
	}
	if len(raw) != KeySize {
		return PeerId{}, fmt.Errorf("ids: peer id %q has %d bytes, want %d", s, len(raw), KeySize)
	}
	var p PeerId
	copy(p[:], raw)
	return p, nil
}

// DiscoveryIdFor hashes an actor's public key down to its swarm topic.
func DiscoveryIdFor(actor ActorId) DiscoveryId {
	return DiscoveryId(sha256.Sum256(actor[:]))
}

// KeyPair is a signing keypair for one actor. Secret is nil for a read-only
// (remote, non-writable) actor.
type KeyPair struct {
	Public ActorId
	Secret *[64]byte
}

// Writable reports whether this process holds the secret half of the pair.
func (k KeyPair) Writable() bool { return k.Secret != nil }

// GenerateKeyPair mints a fresh ed25519 signing keypair for a new actor.
// The 32-byte public half becomes the ActorId; the 64-byte private half is
// kept as the writable secret.
func GenerateKeyPair() (KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, fmt.Errorf("ids: generate keypair: %w", err)
	}
	var kp KeyPair
	copy(kp.Public[:], pub)
	var secret [64]byte
	copy(secret[:], priv)
	kp.Secret = &secret
	return kp, nil
}
