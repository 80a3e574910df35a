// Package docbackend is the DocBackend collaborator: owns one document's
// CRDT state, applies local and remote changes, and emits the four
// notification types RepoBackend relays to the frontend once the
// satisfied-clock predicate has been checked.
package docbackend

import (
	"github.com/robbynshaw/hypermerge/crdt"
	"github.com/robbynshaw/hypermerge/deferred"
	"github.com/robbynshaw/hypermerge/ids"
)

// Notification is the closed set of events a DocBackend emits.
type Notification interface{ isDocNotification() }

// Ready fires once the initial materialization (Init) has completed.
type Ready struct {
	Doc     ids.DocId
	History []crdt.Change
	Patch   crdt.Patch
}

func (Ready) isDocNotification() {}

// ActorAssigned fires when a writable local actor is assigned, either at
// Init time or later via InitActor.
type ActorAssigned struct {
	Doc     ids.DocId
	ActorId ids.ActorId
}

func (ActorAssigned) isDocNotification() {}

// RemotePatch fires whenever remote changes are merged in.
type RemotePatch struct {
	Doc     ids.DocId
	Patch   crdt.Patch
	History []crdt.Change
}

func (RemotePatch) isDocNotification() {}

// LocalPatch fires whenever a local change is generated. The change must
// still be written to the owning actor's feed by the caller — DocBackend
// itself never touches a feed.
type LocalPatch struct {
	Doc     ids.DocId
	Change  crdt.Change
	Patch   crdt.Patch
	History []crdt.Change
}

func (LocalPatch) isDocNotification() {}

// DocBackend is one document's CRDT state plus its pending-change queue.
type DocBackend struct {
	doc     ids.DocId
	state   *crdt.State
	actorId *ids.ActorId
	events  chan Notification

	ready *deferred.Queue[struct{}]

	// changes tracks, per actor, how many of that actor's feed changes
	// have been applied here — the per-(doc,actor) counter RepoBackend's
	// syncChanges algorithm advances.
	changes map[ids.ActorId]uint64
}

// New constructs an empty, not-yet-initialized DocBackend. events must be
// drained by a single consumer (RepoBackend.run).
func New(doc ids.DocId, events chan Notification) *DocBackend {
	return &DocBackend{
		doc:     doc,
		state:   crdt.NewState(),
		events:  events,
		ready:   deferred.New[struct{}](),
		changes: make(map[ids.ActorId]uint64),
	}
}

// Doc returns the document id this backend owns.
func (d *DocBackend) Doc() ids.DocId { return d.doc }

// LocalActorId returns the writable actor assigned to this document, if
// any.
func (d *DocBackend) LocalActorId() (ids.ActorId, bool) {
	if d.actorId == nil {
		return ids.ActorId{}, false
	}
	return *d.actorId, true
}

// ChangesFor returns how many of actor's changes have been applied here.
func (d *DocBackend) ChangesFor(actor ids.ActorId) uint64 { return d.changes[actor] }

// SetChangesFor records how many of actor's changes have been applied
// here, used by syncChanges bookkeeping in RepoBackend.
func (d *DocBackend) SetChangesFor(actor ids.ActorId, n uint64) { d.changes[actor] = n }

// Init loads the CRDT from a concatenated, causally-ordered change list. If
// actorId is non-nil the document becomes locally writable under it.
func (d *DocBackend) Init(changes []crdt.Change, actorId *ids.ActorId) {
	patch := d.state.LoadHistory(changes)
	for _, ch := range changes {
		if n := ch.Seq; n > d.changes[ch.Actor] {
			d.changes[ch.Actor] = n
		}
	}
	d.actorId = actorId
	d.ready.Open(struct{}{})

	d.events <- Ready{Doc: d.doc, History: d.state.History(), Patch: patch}
	if actorId != nil {
		d.events <- ActorAssigned{Doc: d.doc, ActorId: *actorId}
	}
}

// InitActor assigns a writable actor after the fact (e.g. NeedsActorIdMsg).
func (d *DocBackend) InitActor(actorId ids.ActorId) {
	d.actorId = &actorId
	d.events <- ActorAssigned{Doc: d.doc, ActorId: actorId}
}

// ApplyLocalChange forwards req to the CRDT engine under the assigned
// writable actor and emits LocalPatch. It is an error to call this before
// a writable actor has been assigned.
func (d *DocBackend) ApplyLocalChange(req crdt.ChangeRequest) (crdt.Change, error) {
	nextSeq := d.changes[*d.actorId] + 1
	change, patch, err := d.state.ApplyLocalChange(*d.actorId, nextSeq, req)
	if err != nil {
		return crdt.Change{}, err
	}
	d.changes[*d.actorId] = nextSeq
	d.events <- LocalPatch{Doc: d.doc, Change: change, Patch: patch, History: d.state.History()}
	return change, nil
}

// ApplyRemoteChanges merges changes into the CRDT and emits RemotePatch.
func (d *DocBackend) ApplyRemoteChanges(changes []crdt.Change) {
	if len(changes) == 0 {
		return
	}
	patch := d.state.ApplyRemoteChanges(changes)
	for _, ch := range changes {
		if ch.Seq > d.changes[ch.Actor] {
			d.changes[ch.Actor] = ch.Seq
		}
	}
	d.events <- RemotePatch{Doc: d.doc, Patch: patch, History: d.state.History()}
}

// OnReady defers fn until Init has run.
func (d *DocBackend) OnReady(fn func()) {
	d.ready.Do(func(struct{}) { fn() })
}

// Materialize returns the current linearized document text.
func (d *DocBackend) Materialize() string { return d.state.Text() }

// HistoryPrefix serves MaterializeMsg queries against an explicit history
// length rather than reaching into the CRDT engine's internal state.
func (d *DocBackend) HistoryPrefix(n uint64) []crdt.Change { return d.state.HistoryPrefix(n) }

// Clock returns the document's current per-actor change counters as a
// snapshot map, used by RepoBackend to consult and update ClockStore.
func (d *DocBackend) Clock() map[ids.ActorId]uint64 {
	out := make(map[ids.ActorId]uint64, len(d.changes))
	for a, n := range d.changes {
		out[a] = n
	}
	return out
}
