package crdt

import (
	"fmt"

	"github.com/robbynshaw/hypermerge/ids"
)

// State is one document's CRDT state: the RGA plus the full ordered change
// history applied to it so far. DocBackend owns exactly one State per
// document.
type State struct {
	rga     *rga
	history []Change
}

// NewState returns an empty document.
func NewState() *State {
	return &State{rga: newRGA()}
}

// Text returns the linearized, tombstone-filtered document content.
func (s *State) Text() string { return s.rga.text() }

// Len returns the number of changes recorded in this state's history.
func (s *State) Len() int { return len(s.history) }

// History returns the full ordered change history.
func (s *State) History() []Change {
	out := make([]Change, len(s.history))
	copy(out, s.history)
	return out
}

// HistoryPrefix returns the first n changes, rather than reaching into any
// opaque internal representation.
func (s *State) HistoryPrefix(n uint64) []Change {
	if n > uint64(len(s.history)) {
		n = uint64(len(s.history))
	}
	out := make([]Change, n)
	copy(out, s.history[:n])
	return out
}

// LoadHistory replays changes (already ordered: per-actor contiguous
// prefixes concatenated in actor order, per the document loading algorithm)
// into a fresh state and returns the resulting patch.
func (s *State) LoadHistory(changes []Change) Patch {
	return s.ApplyRemoteChanges(changes)
}

// ApplyLocalChange turns a local edit request into a Change assigned to
// actor at nextSeq, applies it, and returns both the Change (for the caller
// to write to its feed) and the resulting Patch.
func (s *State) ApplyLocalChange(actor ids.ActorId, nextSeq uint64, req ChangeRequest) (Change, Patch, error) {
	var op Op
	op.Kind = req.Kind
	op.Char = req.Char

	switch req.Kind {
	case OpInsert:
		after := s.rga.nthVisible(req.Pos)
		id := NodeID{Seq: nextSeq, Actor: actor}
		s.rga.insert(id, after, op.Char, false)
		op.ID = id
		op.After = after
	case OpDelete:
		target, ok := s.rga.nthNodeAtVisibleIndex(req.Pos)
		if !ok {
			return Change{}, Patch{}, fmt.Errorf("crdt: delete position %d out of range", req.Pos)
		}
		s.rga.delete(target)
		op.ID = target
	default:
		return Change{}, Patch{}, fmt.Errorf("crdt: unknown op kind %d", req.Kind)
	}

	change := Change{Actor: actor, Seq: nextSeq, Op: op}
	s.history = append(s.history, change)
	return change, Patch{Ops: []Op{op}}, nil
}

// ApplyRemoteChanges merges a contiguous batch of remote changes and
// returns the resulting patch.
func (s *State) ApplyRemoteChanges(changes []Change) Patch {
	var patch Patch
	for _, ch := range changes {
		s.applyOne(ch)
		patch.Ops = append(patch.Ops, ch.Op)
	}
	return patch
}

func (s *State) applyOne(ch Change) {
	switch ch.Op.Kind {
	case OpInsert:
		s.rga.insert(ch.Op.ID, ch.Op.After, ch.Op.Char, false)
	case OpDelete:
		s.rga.delete(ch.Op.ID)
	}
	s.history = append(s.history, ch)
}
