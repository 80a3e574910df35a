package router

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/robbynshaw/hypermerge/clock"
	"github.com/robbynshaw/hypermerge/ids"
	"github.com/robbynshaw/hypermerge/swarm"
)

func mkActorId(b byte) ids.ActorId {
	var a ids.ActorId
	a[0] = b
	return a
}

func mkPeerId(b byte) ids.PeerId {
	var p ids.PeerId
	p[0] = b
	return p
}

func connectedPeers() (*swarm.Peer, *swarm.Peer) {
	ab := make(chan []byte, 8)
	ba := make(chan []byte, 8)
	left := &swarm.Peer{ID: mkPeerId(1), Send: ab, Recv: ba, Topics: map[ids.DiscoveryId]struct{}{}}
	right := &swarm.Peer{ID: mkPeerId(2), Send: ba, Recv: ab, Topics: map[ids.DiscoveryId]struct{}{}}
	return left, right
}

func TestRemoteMetadataRoundTrip(t *testing.T) {
	left, right := connectedPeers()
	r := New(nil)
	r.ListenTo(right)

	doc := mkActorId(1)
	actor := mkActorId(2)
	msg := RemoteMetadata{
		Blocks: []WireBlock{{Doc: doc, Actors: []ids.ActorId{actor}, Merge: clock.New().WithSeq(actor, 3)}},
		Clocks: map[ids.DocId]clock.Clock{doc: clock.New().WithSeq(actor, 3)},
	}
	require.NoError(t, r.SendToPeer(left, msg))

	select {
	case routed := <-r.InboxQ():
		require.Equal(t, mkPeerId(1), routed.Sender)
		got, ok := routed.Msg.(RemoteMetadata)
		require.True(t, ok)
		require.Len(t, got.Blocks, 1)
		require.Equal(t, doc, got.Blocks[0].Doc)
	case <-time.After(time.Second):
		t.Fatal("expected a routed message")
	}
}

func TestSanitizeRemoteMetadataStripsWritable(t *testing.T) {
	doc := mkActorId(1)
	actor := mkActorId(2)
	msg := RemoteMetadata{Blocks: []WireBlock{{Doc: doc, Writable: map[ids.ActorId]bool{actor: true}}}}

	clean := SanitizeRemoteMetadata(msg)
	require.Len(t, clean.Blocks, 1)
	require.Nil(t, clean.Blocks[0].Writable)
}

func TestDecodeRejectsUnknownTag(t *testing.T) {
	_, err := decode([]byte(`{"tag":"not-hypermerge","kind":"RemoteMetadata","body":{}}`))
	require.Error(t, err)
}
