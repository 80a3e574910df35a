package docbackend

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/robbynshaw/hypermerge/crdt"
	"github.com/robbynshaw/hypermerge/ids"
)

func mkActorId(b byte) ids.ActorId {
	var a ids.ActorId
	a[0] = b
	return a
}

func TestInitEmitsReadyAndActorAssigned(t *testing.T) {
	events := make(chan Notification, 4)
	doc := mkActorId(1)
	actor := mkActorId(1)
	d := New(doc, events)

	d.Init(nil, &actor)

	ready := (<-events).(Ready)
	require.Equal(t, doc, ready.Doc)
	assigned := (<-events).(ActorAssigned)
	require.Equal(t, actor, assigned.ActorId)

	got, ok := d.LocalActorId()
	require.True(t, ok)
	require.Equal(t, actor, got)
}

func TestApplyLocalChangeEmitsLocalPatch(t *testing.T) {
	events := make(chan Notification, 4)
	doc := mkActorId(1)
	d := New(doc, events)
	d.Init(nil, &doc)
	<-events // Ready
	<-events // ActorAssigned

	change, err := d.ApplyLocalChange(crdt.ChangeRequest{Kind: crdt.OpInsert, Pos: 0, Char: 'a'})
	require.NoError(t, err)
	require.Equal(t, uint64(1), change.Seq)

	patch := (<-events).(LocalPatch)
	require.Equal(t, "a", d.Materialize())
	require.Len(t, patch.Patch.Ops, 1)
}

func TestApplyRemoteChangesEmitsRemotePatch(t *testing.T) {
	events := make(chan Notification, 4)
	doc := mkActorId(1)
	d := New(doc, events)
	d.Init(nil, nil)
	<-events // Ready

	other := mkActorId(2)
	d.ApplyRemoteChanges([]crdt.Change{{Actor: other, Seq: 1, Op: crdt.Op{Kind: crdt.OpInsert, Char: 'z'}}})

	patch := (<-events).(RemotePatch)
	require.Equal(t, "z", d.Materialize())
	require.Equal(t, uint64(1), d.ChangesFor(other))
	require.Len(t, patch.History, 1)
}

func TestOnReadyDefersUntilInit(t *testing.T) {
	events := make(chan Notification, 4)
	doc := mkActorId(1)
	d := New(doc, events)

	fired := false
	d.OnReady(func() { fired = true })
	require.False(t, fired)

	d.Init(nil, nil)
	<-events // Ready
	require.True(t, fired)
}
