// Package actor is the Actor collaborator: the per-feed state machine
// (Creating -> Ready(Unknown) -> Ready(Automerge|File) -> Closed) that owns
// one append-only log, classifies its contents lazily, and exposes
// WriteChange/WriteFile/ReadFile. It knows nothing about documents,
// metadata, or peers beyond the events it emits — RepoBackend wires those
// together.
package actor

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/robbynshaw/hypermerge/crdt"
	"github.com/robbynshaw/hypermerge/deferred"
	"github.com/robbynshaw/hypermerge/feed"
	"github.com/robbynshaw/hypermerge/hmerror"
	"github.com/robbynshaw/hypermerge/ids"
	"github.com/robbynshaw/hypermerge/metadata"
	"github.com/robbynshaw/hypermerge/swarm"
)

// Classification is what kind of payload an actor's feed turns out to
// carry, discovered lazily from block 0.
type Classification int

const (
	Unknown Classification = iota
	Automerge
	File
)

const fileChunkSize = 1 << 20 // 1 MiB

// Event is something an Actor reports to its owning RepoBackend. All
// variants implement the unexported marker method.
type Event interface{ isActorEvent() }

// FeedReady fires once the feed is open, writability has been determined,
// and any pre-existing blocks have been classified and loaded.
type FeedReady struct {
	ActorId    ids.ActorId
	Writable   bool
	Class      Classification
	FileHeader *metadata.FileHeader
}

func (FeedReady) isActorEvent() {}

// Initialized fires for a brand new, empty feed (no payload push needed).
type Initialized struct{ ActorId ids.ActorId }

func (Initialized) isActorEvent() {}

// Synced fires every time the feed catches up with the remote replica.
type Synced struct{ ActorId ids.ActorId }

func (Synced) isActorEvent() {}

// Downloaded fires once per block arriving from a peer.
type Downloaded struct {
	ActorId ids.ActorId
	Index   int
	Size    int
	Time    time.Time
}

func (Downloaded) isActorEvent() {}

// PeerAttached fires when a peer connection starts replicating this actor's
// feed, so the repo can push this actor's current metadata to it.
type PeerAttached struct {
	ActorId ids.ActorId
	Peer    *swarm.Peer
}

func (PeerAttached) isActorEvent() {}

// Closed fires once, when the actor's feed closes.
type Closed struct{ ActorId ids.ActorId }

func (Closed) isActorEvent() {}

// Actor owns one append-only feed and its lazily-discovered classification.
type Actor struct {
	id      ids.ActorId
	keypair ids.KeyPair
	log     *feed.Log
	events  chan Event

	watch        <-chan int
	cancelWatch  func()
	startedEmpty bool // log had no blocks at the moment New ingested it

	q     *deferred.Queue[struct{}] // deferred until ready
	syncQ *deferred.Queue[struct{}] // deferred until first sync

	mu         sync.Mutex
	class      Classification
	changes    []crdt.Change
	fileHeader *metadata.FileHeader
	fileData   [][]byte
	closed     bool
}

// New constructs an actor over log and begins its Creating -> Ready
// transition. Any blocks the feed already holds (a reopened local feed, or
// one a peer had already replicated in) are classified synchronously here,
// before run starts, so a caller inspecting Len/Changes/Classification
// right after New returns sees the true reopened state rather than a race
// against Actor.run's own goroutine. The feed's watch channel is registered
// before that ingest so no block appended concurrently with it is missed.
// events must be buffered or drained promptly; RepoBackend.run is expected
// to be the sole consumer.
func New(id ids.ActorId, keypair ids.KeyPair, log *feed.Log, events chan Event) *Actor {
	watch, cancel := log.Watch()
	a := &Actor{
		id:          id,
		keypair:     keypair,
		log:         log,
		events:      events,
		watch:       watch,
		cancelWatch: cancel,
		q:           deferred.New[struct{}](),
		syncQ:       deferred.New[struct{}](),
	}
	a.startedEmpty = a.log.Len() == 0
	a.ingestUpTo(a.log.Len(), false)
	go a.run()
	return a
}

// ID returns the actor's identifier.
func (a *Actor) ID() ids.ActorId { return a.id }

// Writable reports whether this process holds the actor's secret key.
func (a *Actor) Writable() bool { return a.keypair.Writable() }

// Classification returns the actor's current classification.
func (a *Actor) Classification() Classification {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.class
}

// Changes returns a copy of the parsed change history (Automerge actors).
func (a *Actor) Changes() []crdt.Change {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]crdt.Change, len(a.changes))
	copy(out, a.changes)
	return out
}

// Len reports the number of parsed changes currently known.
func (a *Actor) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.changes)
}

func (a *Actor) run() {
	defer a.cancelWatch()

	a.mu.Lock()
	class := a.class
	header := a.fileHeader
	a.mu.Unlock()

	writable := a.Writable()
	a.emit(FeedReady{ActorId: a.id, Writable: writable, Class: class, FileHeader: header})
	a.q.Open(struct{}{})

	// A feed that already had content the moment New ingested it (a locally
	// reopened feed, or one replicated in before this actor even existed)
	// needs its own Synced here: the watch loop below only ever reports
	// blocks appended after New's initial ingest, so without this there
	// would be no event at all telling RepoBackend to sync it into a doc.
	firstSync := a.startedEmpty
	if !firstSync {
		a.syncQ.Open(struct{}{})
		a.emit(Synced{ActorId: a.id})
	} else {
		a.emit(Initialized{ActorId: a.id})
	}

	for n := range a.watch {
		for _, d := range a.ingestUpTo(n, true) {
			a.emit(Downloaded{ActorId: a.id, Index: d.index, Size: d.size, Time: time.Now()})
		}
		if firstSync {
			firstSync = false
			a.syncQ.Open(struct{}{})
		}
		a.emit(Synced{ActorId: a.id})
	}
}

type downloadedBlock struct {
	index int
	size  int
}

// ingestUpTo classifies and absorbs every block up to (exclusive) n that
// hasn't been ingested yet. report controls whether each newly ingested
// block is returned for a Downloaded event: false for New's synchronous
// initial ingest (those blocks were already on the feed, not downloaded),
// true for everything the watch loop sees arrive afterward.
func (a *Actor) ingestUpTo(n int, report bool) []downloadedBlock {
	a.mu.Lock()
	defer a.mu.Unlock()
	start := len(a.changes) + len(a.fileData)
	if a.fileHeader != nil {
		start++
	}
	var downloaded []downloadedBlock
	for i := start; i < n; i++ {
		block, ok := a.log.Block(i)
		if !ok {
			break
		}
		a.ingestBlockLocked(i, block)
		if report {
			downloaded = append(downloaded, downloadedBlock{index: i, size: len(block)})
		}
	}
	return downloaded
}

func (a *Actor) ingestBlockLocked(index int, block []byte) {
	if index == 0 && a.class == Unknown {
		var probe struct {
			Type *string `json:"Type"`
		}
		if err := json.Unmarshal(block, &probe); err == nil && probe.Type != nil {
			var header metadata.FileHeader
			if err := json.Unmarshal(block, &header); err == nil {
				a.class = File
				a.fileHeader = &header
				return
			}
		}
		a.class = Automerge
	}

	switch a.class {
	case File:
		a.fileData = append(a.fileData, block)
	default:
		var ch crdt.Change
		if err := json.Unmarshal(block, &ch); err == nil {
			a.changes = append(a.changes, ch)
		}
	}
}

// emit delivers ev to the owning RepoBackend's dispatch loop. It blocks if
// that loop has fallen behind; events is expected to be drained promptly by
// a single dedicated consumer (RepoBackend.run). Events are dropped once
// Close has run.
func (a *Actor) emit(ev Event) {
	a.mu.Lock()
	closed := a.closed
	a.mu.Unlock()
	if closed {
		return
	}
	a.events <- ev
}

// OnReady defers fn until the actor's first feed-ready transition.
func (a *Actor) OnReady(fn func()) {
	a.q.Do(func(struct{}) { fn() })
}

// OnSync defers fn until the actor's first sync. Note that once the feed
// has already synced once, fn runs inline on the caller's goroutine; before
// that, it runs later on Actor.run's goroutine when the first sync lands —
// callers that must stay on a single dispatcher goroutine should check
// IsSynced first and rely on the Synced event otherwise.
func (a *Actor) OnSync(fn func()) {
	a.syncQ.Do(func(struct{}) { fn() })
}

// IsSynced reports whether the feed has synced at least once.
func (a *Actor) IsSynced() bool { return a.syncQ.IsOpen() }

// AttachPeer notifies the actor that a peer now replicates its feed; the
// actor just reports the attachment as an event, leaving the gossip send
// itself to RepoBackend (which owns Metadata and MessageRouter).
func (a *Actor) AttachPeer(peer *swarm.Peer) {
	a.emit(PeerAttached{ActorId: a.id, Peer: peer})
}

// WriteChange appends change to the feed. change.Seq must equal the
// current change count + 1 (invariant I1); any other value returns
// hmerror.SequenceSkip without mutating state.
func (a *Actor) WriteChange(change crdt.Change) error {
	a.mu.Lock()
	want := uint64(len(a.changes)) + 1
	if change.Seq != want {
		a.mu.Unlock()
		return &hmerror.SequenceSkip{Actor: a.id.String(), Want: want, Got: change.Seq}
	}
	a.mu.Unlock()

	raw, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("actor: marshal change: %w", err)
	}
	idx, err := a.log.Append(raw)
	if err != nil {
		return &hmerror.FeedAppendError{Actor: a.id.String(), Err: err}
	}

	a.mu.Lock()
	a.class = Automerge
	// The watch loop may already have ingested the new block.
	if len(a.changes) <= idx {
		a.changes = append(a.changes, change)
	}
	a.mu.Unlock()
	return nil
}

// WriteFile writes header as block 0 followed by bytes chunked at 1 MiB.
// Only legal on a feed with no existing blocks.
func (a *Actor) WriteFile(header metadata.FileHeader, data []byte) error {
	if a.log.Len() != 0 {
		return &hmerror.FileRewrite{Actor: a.id.String()}
	}
	raw, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("actor: marshal file header: %w", err)
	}
	if _, err := a.log.Append(raw); err != nil {
		return &hmerror.FeedAppendError{Actor: a.id.String(), Err: err}
	}

	for off := 0; off < len(data); off += fileChunkSize {
		end := off + fileChunkSize
		if end > len(data) {
			end = len(data)
		}
		if _, err := a.log.Append(data[off:end]); err != nil {
			return &hmerror.FeedAppendError{Actor: a.id.String(), Err: err}
		}
	}

	a.mu.Lock()
	a.class = File
	a.fileHeader = &header
	a.mu.Unlock()
	return nil
}

// ReadFile defers until the feed is synced, then concatenates the data
// blocks and validates their total length against the header.
func (a *Actor) ReadFile(cb func([]byte, error)) {
	a.OnSync(func() {
		a.mu.Lock()
		header := a.fileHeader
		parts := make([][]byte, len(a.fileData))
		copy(parts, a.fileData)
		a.mu.Unlock()

		var total int
		for _, p := range parts {
			total += len(p)
		}
		if header == nil {
			cb(nil, fmt.Errorf("actor: %s has no file header", a.id))
			return
		}
		if uint64(total) != header.Bytes {
			cb(nil, &hmerror.FileSizeMismatch{Actor: a.id.String(), Want: header.Bytes, Got: uint64(total)})
			return
		}
		out := make([]byte, 0, total)
		for _, p := range parts {
			out = append(out, p...)
		}
		cb(out, nil)
	})
}

// Close marks the actor closed. The underlying feed.Log has no teardown of
// its own (it is owned by the feed.Backend), so Close just stops emitting
// further events and reports Closed once.
func (a *Actor) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()
	a.events <- Closed{ActorId: a.id}
	return nil
}
