// Package crdt is the CrdtEngine collaborator: an ordered-change-sequence-in,
// patch-out CRDT for collaborative plain text, built as a Replicated Growable
// Array (RGA). The repo backend treats this package as an opaque library —
// it never reaches into State's internals — but it needs a concrete,
// convergent implementation to exercise and test against.
package crdt

import "github.com/robbynshaw/hypermerge/ids"

// NodeID globally identifies one inserted character: a per-actor sequence
// number plus the actor that created it. The zero value is the sentinel
// "beginning of document" position.
type NodeID struct {
	Seq   uint64
	Actor ids.ActorId
}

// Greater gives NodeID the total order RGA uses to resolve concurrent
// inserts at the same position: higher Seq wins, Actor breaks ties.
func (a NodeID) Greater(b NodeID) bool {
	if a.Seq != b.Seq {
		return a.Seq > b.Seq
	}
	return b.Actor.Less(a.Actor)
}

// OpKind distinguishes the two operations a Change can carry.
type OpKind int

const (
	OpInsert OpKind = iota
	OpDelete
)

// Op is one CRDT operation: insert a character after a position, or delete
// a previously-inserted character.
type Op struct {
	Kind  OpKind
	ID    NodeID // the node this op creates (Insert) or targets (Delete)
	After NodeID // Insert only: the node to insert after
	Char  rune   // Insert only
}

// Change is a single CRDT operation with a monotone Seq per actor — the
// unit Actor.WriteChange appends to a feed and DocBackend replays.
type Change struct {
	Actor ids.ActorId
	Seq   uint64
	Op    Op
}

// ChangeRequest is what a local edit asks the engine to do, before the
// engine has resolved it against the current document and assigned it an
// actor and sequence number.
type ChangeRequest struct {
	Kind OpKind
	Pos  int  // Insert: visible-offset to insert after (0 = beginning). Delete: visible-offset of the character to remove.
	Char rune // Insert only.
}

// Patch is the incremental description of a state change, emitted to the
// frontend alongside every Ready/Local/Remote message.
type Patch struct {
	Ops []Op
}
