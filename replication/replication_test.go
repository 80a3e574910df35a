package replication

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

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

func TestOnPeerRaisesDiscoveryForSharedFeed(t *testing.T) {
	feedID := mkActorId(1)
	topic := ids.DiscoveryIdFor(feedID)

	m := New()
	m.AddFeedIds([]ids.ActorId{feedID})

	peer := &swarm.Peer{ID: mkPeerId(9), Topics: map[ids.DiscoveryId]struct{}{topic: {}}}
	m.OnPeer(peer)

	select {
	case d := <-m.DiscoveryQ():
		require.Equal(t, feedID, d.FeedId)
		require.Equal(t, peer, d.Peer)
	case <-time.After(time.Second):
		t.Fatal("expected a discovery event")
	}
}

func TestDiscoveryIsRaisedOncePerPeerFeed(t *testing.T) {
	feedID := mkActorId(1)
	topic := ids.DiscoveryIdFor(feedID)

	m := New()
	m.AddFeedIds([]ids.ActorId{feedID})
	peer := &swarm.Peer{ID: mkPeerId(9), Topics: map[ids.DiscoveryId]struct{}{topic: {}}}

	m.OnPeer(peer)
	<-m.DiscoveryQ()

	// Re-adding the same feed id must not raise a second discovery for a
	// peer we've already announced to.
	m.AddFeedIds([]ids.ActorId{feedID})

	select {
	case d := <-m.DiscoveryQ():
		t.Fatalf("unexpected second discovery: %+v", d)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestGetPeersWithMatchesAnyTopic(t *testing.T) {
	topicA := ids.DiscoveryId{1}
	topicB := ids.DiscoveryId{2}
	topicC := ids.DiscoveryId{3}

	m := New()
	peerA := &swarm.Peer{ID: mkPeerId(1), Topics: map[ids.DiscoveryId]struct{}{topicA: {}}}
	peerB := &swarm.Peer{ID: mkPeerId(2), Topics: map[ids.DiscoveryId]struct{}{topicB: {}}}
	m.OnPeer(peerA)
	m.OnPeer(peerB)

	got := m.GetPeersWith([]ids.DiscoveryId{topicA, topicC})
	require.Len(t, got, 1)
	require.Equal(t, peerA, got[0])
}

func TestRemovePeerDropsBookkeeping(t *testing.T) {
	m := New()
	peer := &swarm.Peer{ID: mkPeerId(1), Topics: map[ids.DiscoveryId]struct{}{}}
	m.OnPeer(peer)
	m.RemovePeer(peer.ID)

	got := m.GetPeersWith([]ids.DiscoveryId{{1}})
	require.Empty(t, got)
}
