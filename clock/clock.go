// Package clock implements vector clocks over actor ids: the causality
// tracking primitive every document's merge clock and every stored
// per-peer baseline is built from.
package clock

import (
	"sort"

	"github.com/robbynshaw/hypermerge/ids"
)

// Clock is a finite mapping ActorId -> highest-observed sequence number.
// A missing entry means 0. Clock is immutable from the caller's point of
// view: every mutating method returns a new Clock.
type Clock map[ids.ActorId]uint64

// New returns an empty clock.
func New() Clock { return make(Clock) }

// Get returns the observed sequence for actor, or 0 if unknown.
func (c Clock) Get(actor ids.ActorId) uint64 { return c[actor] }

// Clone makes a deep copy.
func (c Clock) Clone() Clock {
	out := make(Clock, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// WithSeq returns a copy of c with actor's entry raised to seq, if seq is
// greater than what's already recorded.
func (c Clock) WithSeq(actor ids.ActorId, seq uint64) Clock {
	out := c.Clone()
	if seq > out[actor] {
		out[actor] = seq
	}
	return out
}

// LessOrEqual reports whether c <= other pointwise: for every actor, c's
// sequence is no greater than other's (missing entries count as 0).
func (c Clock) LessOrEqual(other Clock) bool {
	for actor, seq := range c {
		if other[actor] < seq {
			return false
		}
	}
	return true
}

// Equal reports whether c and other agree on every actor's sequence,
// ignoring zero-valued entries.
func (c Clock) Equal(other Clock) bool {
	return c.LessOrEqual(other) && other.LessOrEqual(c)
}

// Merge returns the pointwise maximum of c and other.
func (c Clock) Merge(other Clock) Clock {
	out := c.Clone()
	for actor, seq := range other {
		if seq > out[actor] {
			out[actor] = seq
		}
	}
	return out
}

// Canonicalize drops zero entries and returns the actor ids in
// deterministic (lexicographically sorted) order, for stable serialization.
func (c Clock) Canonicalize() (Clock, []ids.ActorId) {
	out := make(Clock, len(c))
	actors := make([]ids.ActorId, 0, len(c))
	for actor, seq := range c {
		if seq == 0 {
			continue
		}
		out[actor] = seq
		actors = append(actors, actor)
	}
	sort.Slice(actors, func(i, j int) bool { return actors[i].Less(actors[j]) })
	return out, actors
}

// Actors returns the set of actors with a nonzero entry.
func (c Clock) Actors() []ids.ActorId {
	_, actors := c.Canonicalize()
	return actors
}
