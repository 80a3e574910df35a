package metadata

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/robbynshaw/hypermerge/clock"
	"github.com/robbynshaw/hypermerge/ids"
)

func mkActor(b byte) ids.ActorId {
	var a ids.ActorId
	a[0] = b
	return a
}

func TestAddActorFiresJoinOnce(t *testing.T) {
	var joined []ids.ActorId
	s := New(func(a ids.ActorId) { joined = append(joined, a) }, nil)

	doc := mkActor(1)
	a := mkActor(2)
	s.AddActor(doc, a)
	s.AddActor(doc, a) // idempotent, no second join

	require.Len(t, joined, 1)
	require.Equal(t, a, joined[0])
	require.ElementsMatch(t, []ids.ActorId{a}, s.Actors(doc))
}

func TestLocalActorIdPanicsOnTwoWritable(t *testing.T) {
	s := New(nil, nil)
	doc := mkActor(1)
	a1, a2 := mkActor(2), mkActor(3)
	s.AddActor(doc, a1)
	s.AddActor(doc, a2)
	s.SetWritable(doc, a1, true)
	s.SetWritable(doc, a2, true)

	require.Panics(t, func() { s.LocalActorId(doc) })
}

func TestLocalActorIdReturnsTheOneWritable(t *testing.T) {
	s := New(nil, nil)
	doc := mkActor(1)
	a := mkActor(2)
	s.AddActor(doc, a)
	s.SetWritable(doc, a, true)

	got, ok := s.LocalActorId(doc)
	require.True(t, ok)
	require.Equal(t, a, got)
}

func TestMergeUnionsActorsAndClock(t *testing.T) {
	s := New(nil, nil)
	doc := mkActor(1)
	a := mkActor(2)

	c := clock.New().WithSeq(a, 5)
	s.Merge(doc, c)

	require.Equal(t, uint64(5), s.ClockAt(doc, a))
	require.Contains(t, s.Actors(doc), a)
}

func TestActorsAsyncFiresOnFirstActor(t *testing.T) {
	s := New(nil, nil)
	doc := mkActor(1)
	done := make(chan []ids.ActorId, 1)
	s.ActorsAsync(doc, func(actors []ids.ActorId) { done <- actors })

	select {
	case <-done:
		t.Fatal("callback fired before any actor was added")
	default:
	}

	a := mkActor(2)
	s.AddActor(doc, a)

	select {
	case got := <-done:
		require.Equal(t, []ids.ActorId{a}, got)
	default:
		t.Fatal("callback did not fire after AddActor")
	}
}

func TestPurgeFiresLeaveForOrphanedActors(t *testing.T) {
	var left []ids.ActorId
	s := New(nil, func(a ids.ActorId) { left = append(left, a) })

	doc := mkActor(1)
	a := mkActor(2)
	s.AddActor(doc, a)
	s.Purge(doc)

	require.Equal(t, []ids.ActorId{a}, left)
	_, ok := s.PublicMetadata(doc)
	require.False(t, ok)
}

func TestPurgeKeepsActorSharedByAnotherDoc(t *testing.T) {
	var left []ids.ActorId
	s := New(nil, func(a ids.ActorId) { left = append(left, a) })

	docA, docB := mkActor(1), mkActor(10)
	a := mkActor(2)
	s.AddActor(docA, a)
	s.AddActor(docB, a)
	s.Purge(docA)

	require.Empty(t, left)
	require.Contains(t, s.Actors(docB), a)
}
