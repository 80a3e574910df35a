package crdt

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/robbynshaw/hypermerge/ids"
)

func mkActor(b byte) ids.ActorId {
	var a ids.ActorId
	a[0] = b
	return a
}

func TestApplyLocalChangeInsertAndDelete(t *testing.T) {
	s := NewState()
	a := mkActor(1)

	_, _, err := s.ApplyLocalChange(a, 1, ChangeRequest{Kind: OpInsert, Pos: 0, Char: 'h'})
	require.NoError(t, err)
	_, _, err = s.ApplyLocalChange(a, 2, ChangeRequest{Kind: OpInsert, Pos: 1, Char: 'i'})
	require.NoError(t, err)
	require.Equal(t, "hi", s.Text())

	_, _, err = s.ApplyLocalChange(a, 3, ChangeRequest{Kind: OpDelete, Pos: 0})
	require.NoError(t, err)
	require.Equal(t, "i", s.Text())
}

func TestHistoryPrefix(t *testing.T) {
	s := NewState()
	a := mkActor(1)
	s.ApplyLocalChange(a, 1, ChangeRequest{Kind: OpInsert, Pos: 0, Char: 'a'})
	s.ApplyLocalChange(a, 2, ChangeRequest{Kind: OpInsert, Pos: 1, Char: 'b'})
	s.ApplyLocalChange(a, 3, ChangeRequest{Kind: OpInsert, Pos: 2, Char: 'c'})

	require.Len(t, s.HistoryPrefix(2), 2)
	require.Len(t, s.HistoryPrefix(100), 3)
}

// TestConvergesAcrossReplicas mirrors the retrieval pack's peer-simulation
// test: two replicas that each make one local edit and exchange full
// histories converge to the same visible text regardless of the order the
// remote changes are merged in.
func TestConvergesAcrossReplicas(t *testing.T) {
	a, b := mkActor(1), mkActor(2)

	left := NewState()
	leftChange, _, err := left.ApplyLocalChange(a, 1, ChangeRequest{Kind: OpInsert, Pos: 0, Char: 'X'})
	require.NoError(t, err)

	right := NewState()
	rightChange, _, err := right.ApplyLocalChange(b, 1, ChangeRequest{Kind: OpInsert, Pos: 0, Char: 'Y'})
	require.NoError(t, err)

	left.ApplyRemoteChanges([]Change{rightChange})
	right.ApplyRemoteChanges([]Change{leftChange})

	require.Equal(t, left.Text(), right.Text())
	require.Len(t, left.Text(), 2)
}

func TestLoadHistoryReplaysOrphanBuffering(t *testing.T) {
	a := mkActor(1)
	s := NewState()
	first, _, _ := s.ApplyLocalChange(a, 1, ChangeRequest{Kind: OpInsert, Pos: 0, Char: 'a'})
	second, _, _ := s.ApplyLocalChange(a, 2, ChangeRequest{Kind: OpInsert, Pos: 1, Char: 'b'})

	// Replay out of causal order: second before first. The RGA must buffer
	// second as an orphan until first's node is integrated.
	fresh := NewState()
	fresh.LoadHistory([]Change{second, first})
	require.Equal(t, "ab", fresh.Text())
}
