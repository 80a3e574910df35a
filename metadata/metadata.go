// Package metadata is the Metadata collaborator: authoritative per-document
// actor sets, head clocks, and document-vs-file classification. It never
// talks to the swarm directly — it holds injected join/leave callbacks, the
// way the teacher's Hub never imports transport.
package metadata

import (
	"fmt"
	"sync"

	"github.com/robbynshaw/hypermerge/clock"
	"github.com/robbynshaw/hypermerge/ids"
)

// FileHeader describes a file-classified document's payload.
type FileHeader struct {
	Type  string
	Bytes uint64
}

// Block is the per-document authoritative record.
type Block struct {
	Actors     map[ids.ActorId]struct{}
	Writable   map[ids.ActorId]bool
	Merge      clock.Clock
	IsFile     bool
	FileHeader *FileHeader
}

func newBlock() *Block {
	return &Block{
		Actors:   make(map[ids.ActorId]struct{}),
		Writable: make(map[ids.ActorId]bool),
		Merge:    clock.New(),
	}
}

func (b *Block) clone() *Block {
	cp := newBlock()
	for a := range b.Actors {
		cp.Actors[a] = struct{}{}
	}
	for a, w := range b.Writable {
		cp.Writable[a] = w
	}
	cp.Merge = b.Merge.Clone()
	cp.IsFile = b.IsFile
	cp.FileHeader = b.FileHeader
	return cp
}

// PublicBlock is the frontend-facing snapshot of a Block.
type PublicBlock struct {
	Actors []ids.ActorId
	IsFile bool
}

// JoinFunc is invoked the first time an actor is seen for any document —
// it is how the repo tells the swarm to start looking for that feed.
type JoinFunc func(actor ids.ActorId)

// LeaveFunc is invoked when an actor becomes wholly unreferenced (on
// Destroy), so the repo can tell the swarm to stop looking for it.
type LeaveFunc func(actor ids.ActorId)

// Store is the Metadata collaborator.
type Store struct {
	mu      sync.RWMutex
	blocks  map[ids.DocId]*Block
	forDoc  map[ids.ActorId]map[ids.DocId]struct{} // reverse index
	joined  map[ids.ActorId]struct{}               // actors we've already called JoinFunc for
	onJoin  JoinFunc
	onLeave LeaveFunc

	ready   map[ids.DocId][]func([]ids.ActorId) // ActorsAsync callbacks awaiting a first AddActor
}

// New returns an empty Metadata store. onJoin/onLeave may be nil.
func New(onJoin JoinFunc, onLeave LeaveFunc) *Store {
	if onJoin == nil {
		onJoin = func(ids.ActorId) {}
	}
	if onLeave == nil {
		onLeave = func(ids.ActorId) {}
	}
	return &Store{
		blocks:  make(map[ids.DocId]*Block),
		forDoc:  make(map[ids.ActorId]map[ids.DocId]struct{}),
		joined:  make(map[ids.ActorId]struct{}),
		onJoin:  onJoin,
		onLeave: onLeave,
		ready:   make(map[ids.DocId][]func([]ids.ActorId)),
	}
}

func (s *Store) blockFor(doc ids.DocId) *Block {
	b, ok := s.blocks[doc]
	if !ok {
		b = newBlock()
		s.blocks[doc] = b
	}
	return b
}

// AddActor inserts actor into doc's actor set. Idempotent; fires JoinFunc
// the first time this actor is seen across any document.
func (s *Store) AddActor(doc ids.DocId, actor ids.ActorId) {
	s.mu.Lock()
	b := s.blockFor(doc)
	_, existed := b.Actors[actor]
	b.Actors[actor] = struct{}{}

	if s.forDoc[actor] == nil {
		s.forDoc[actor] = make(map[ids.DocId]struct{})
	}
	s.forDoc[actor][doc] = struct{}{}

	var fireJoin bool
	if _, alreadyJoined := s.joined[actor]; !alreadyJoined {
		s.joined[actor] = struct{}{}
		fireJoin = true
	}

	var callbacks []func([]ids.ActorId)
	var snapshot []ids.ActorId
	if !existed {
		callbacks = s.ready[doc]
		delete(s.ready, doc)
		snapshot = actorSlice(b.Actors)
	}
	s.mu.Unlock()

	if fireJoin {
		s.onJoin(actor)
	}
	for _, cb := range callbacks {
		cb(snapshot)
	}
}

// AddBlocks applies remote metadata: unions actor sets, pointwise-maxes
// merge clocks, keeps writable bits as already known locally (callers are
// expected to have run router.SanitizeRemoteMetadata first).
func (s *Store) AddBlocks(remote map[ids.DocId]*Block) {
	for doc, rb := range remote {
		for actor := range rb.Actors {
			s.AddActor(doc, actor)
		}
		s.mu.Lock()
		b := s.blockFor(doc)
		b.Merge = b.Merge.Merge(rb.Merge)
		if rb.IsFile {
			b.IsFile = true
		}
		if rb.FileHeader != nil && b.FileHeader == nil {
			b.FileHeader = rb.FileHeader
		}
		s.mu.Unlock()
	}
}

// SetWritable records writability for actor, as learned from the feed
// layer (never from remote gossip — see router.SanitizeRemoteMetadata).
func (s *Store) SetWritable(doc ids.DocId, actor ids.ActorId, writable bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.blockFor(doc)
	b.Writable[actor] = writable
}

// SetFile marks doc as file-classified with the given header.
func (s *Store) SetFile(doc ids.DocId, header FileHeader) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.blockFor(doc)
	b.IsFile = true
	b.FileHeader = &header
}

// LocalActorId returns the single writable actor known for doc, if any.
// More than one writable actor for a single document is a contract
// violation — it cannot happen through SetWritable's own call sites, so
// finding it here means an invariant was already broken elsewhere.
func (s *Store) LocalActorId(doc ids.DocId) (ids.ActorId, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blocks[doc]
	if !ok {
		return ids.ActorId{}, false
	}
	var found ids.ActorId
	var count int
	for actor, writable := range b.Writable {
		if writable {
			found = actor
			count++
		}
	}
	if count > 1 {
		panic(fmt.Sprintf("metadata: doc %s has %d writable actors, invariant I4 violated", doc, count))
	}
	return found, count == 1
}

// Merge performs an explicit client-initiated merge: unions c's actors
// into doc's actor set and unions c into the merge clock.
func (s *Store) Merge(doc ids.DocId, c clock.Clock) {
	for actor := range c {
		s.AddActor(doc, actor)
	}
	s.mu.Lock()
	b := s.blockFor(doc)
	b.Merge = b.Merge.Merge(c)
	s.mu.Unlock()
}

// ClockAt returns how far into actor's feed doc has requested to read.
func (s *Store) ClockAt(doc ids.DocId, actor ids.ActorId) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blocks[doc]
	if !ok {
		return 0
	}
	return b.Merge.Get(actor)
}

// Actors returns doc's actor set right now (possibly empty).
func (s *Store) Actors(doc ids.DocId) []ids.ActorId {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blocks[doc]
	if !ok {
		return nil
	}
	return actorSlice(b.Actors)
}

// ActorsAsync defers cb until doc has at least one actor, then calls it
// with the current actor set. If doc already has actors, cb runs inline.
func (s *Store) ActorsAsync(doc ids.DocId, cb func([]ids.ActorId)) {
	s.mu.Lock()
	if b, ok := s.blocks[doc]; ok && len(b.Actors) > 0 {
		snapshot := actorSlice(b.Actors)
		s.mu.Unlock()
		cb(snapshot)
		return
	}
	s.ready[doc] = append(s.ready[doc], cb)
	s.mu.Unlock()
}

// ForActor returns the documents actor is part of.
func (s *Store) ForActor(actor ids.ActorId) []ids.DocId {
	s.mu.RLock()
	defer s.mu.RUnlock()
	docs := s.forDoc[actor]
	out := make([]ids.DocId, 0, len(docs))
	for d := range docs {
		out = append(out, d)
	}
	return out
}

// DocsWith is an alias for ForActor kept for readability at call sites
// that read as "documents with this actor".
func (s *Store) DocsWith(actor ids.ActorId) []ids.DocId { return s.ForActor(actor) }

// PublicMetadata emits a frontend-safe snapshot for doc.
func (s *Store) PublicMetadata(doc ids.DocId) (PublicBlock, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blocks[doc]
	if !ok {
		return PublicBlock{}, false
	}
	return PublicBlock{Actors: actorSlice(b.Actors), IsFile: b.IsFile}, true
}

// ForGossip returns a deep-copied snapshot of every block known locally,
// suitable for handing to MessageRouter as outbound RemoteMetadata.
func (s *Store) ForGossip() map[ids.DocId]*Block {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[ids.DocId]*Block, len(s.blocks))
	for doc, b := range s.blocks {
		out[doc] = b.clone()
	}
	return out
}

// Purge removes doc's block and drops actor back-references that no
// longer point at any document, firing LeaveFunc for each. Called by
// RepoBackend.Destroy.
func (s *Store) Purge(doc ids.DocId) {
	s.mu.Lock()
	b, ok := s.blocks[doc]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.blocks, doc)

	var orphaned []ids.ActorId
	for actor := range b.Actors {
		docs := s.forDoc[actor]
		delete(docs, doc)
		if len(docs) == 0 {
			delete(s.forDoc, actor)
			delete(s.joined, actor)
			orphaned = append(orphaned, actor)
		}
	}
	s.mu.Unlock()

	for _, actor := range orphaned {
		s.onLeave(actor)
	}
}

func actorSlice(set map[ids.ActorId]struct{}) []ids.ActorId {
	out := make([]ids.ActorId, 0, len(set))
	for a := range set {
		out = append(out, a)
	}
	return out
}
