package swarm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/robbynshaw/hypermerge/feed"
	"github.com/robbynshaw/hypermerge/ids"
)

func mkPeerId(b byte) ids.PeerId {
	var p ids.PeerId
	p[0] = b
	return p
}

func TestJoinSameTopicConnectsPeers(t *testing.T) {
	net := NewNetwork()
	var gotA, gotB *Peer

	a := New(net, mkPeerId(1), feed.NewMemBackend(), func(p *Peer) { gotA = p })
	b := New(net, mkPeerId(2), feed.NewMemBackend(), func(p *Peer) { gotB = p })

	topic := ids.DiscoveryId{9}
	a.Join(topic)
	b.Join(topic)

	require.Eventually(t, func() bool { return gotA != nil && gotB != nil }, time.Second, time.Millisecond)
	require.Equal(t, mkPeerId(2), gotA.ID)
	require.Equal(t, mkPeerId(1), gotB.ID)
	require.True(t, gotA.HasTopic(topic))
	require.NotNil(t, gotA.RemoteFeeds)
}

func TestDifferentTopicsDoNotConnect(t *testing.T) {
	net := NewNetwork()
	connected := make(chan struct{}, 2)

	a := New(net, mkPeerId(1), feed.NewMemBackend(), func(*Peer) { connected <- struct{}{} })
	b := New(net, mkPeerId(2), feed.NewMemBackend(), func(*Peer) { connected <- struct{}{} })

	a.Join(ids.DiscoveryId{1})
	b.Join(ids.DiscoveryId{2})

	select {
	case <-connected:
		t.Fatal("peers on disjoint topics should not connect")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPeersExchangeBytes(t *testing.T) {
	net := NewNetwork()
	aPeerCh := make(chan *Peer, 1)
	bPeerCh := make(chan *Peer, 1)

	a := New(net, mkPeerId(1), feed.NewMemBackend(), func(p *Peer) { aPeerCh <- p })
	b := New(net, mkPeerId(2), feed.NewMemBackend(), func(p *Peer) { bPeerCh <- p })

	topic := ids.DiscoveryId{5}
	a.Join(topic)
	b.Join(topic)

	aSideOfB := <-aPeerCh
	bSideOfA := <-bPeerCh

	aSideOfB.Send <- []byte("hello")
	msg := <-bSideOfA.Recv
	require.Equal(t, "hello", string(msg))
}
