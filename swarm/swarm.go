// Package swarm is the Swarm collaborator: peer discovery and transport by
// topic. The real wire/DHT protocol is explicitly out of scope; this gives
// RepoBackend concrete peer-connected events and a byte-stream abstraction
// to multiplex MessageRouter and feed replication over, plus an in-memory
// Network so tests can connect two or more repos without touching a socket.
package swarm

import (
	"sync"

	"github.com/robbynshaw/hypermerge/feed"
	"github.com/robbynshaw/hypermerge/ids"
)

// Peer is one connected remote endpoint: a bidirectional message stream
// plus the remote's feed backend, so ReplicationManager-driven feed
// replication can pull blocks without a separate wire protocol (see
// feed.MemBackend.ReplicateFrom).
type Peer struct {
	ID          ids.PeerId
	Send        chan<- []byte
	Recv        <-chan []byte
	Topics      map[ids.DiscoveryId]struct{}
	RemoteFeeds feed.Backend

	mu sync.Mutex
}

// HasTopic reports whether peer has announced interest in topic.
func (p *Peer) HasTopic(topic ids.DiscoveryId) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.Topics[topic]
	return ok
}

func (p *Peer) addTopic(topic ids.DiscoveryId) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Topics[topic] = struct{}{}
}

// Network is a shared in-memory rendezvous: every Swarm instance attached
// to the same Network can discover and connect to peers that join the
// same topic. This stands in for a real hyperswarm/DHT implementation,
// which the spec places out of scope.
type Network struct {
	mu       sync.Mutex
	swarms   map[ids.PeerId]*Swarm
	interest map[ids.DiscoveryId]map[ids.PeerId]struct{}
}

// NewNetwork returns an empty shared rendezvous.
func NewNetwork() *Network {
	return &Network{
		swarms:   make(map[ids.PeerId]*Swarm),
		interest: make(map[ids.DiscoveryId]map[ids.PeerId]struct{}),
	}
}

func (n *Network) register(s *Swarm) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.swarms[s.self] = s
}

func (n *Network) unregister(s *Swarm) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.swarms, s.self)
	for topic, peers := range n.interest {
		delete(peers, s.self)
		if len(peers) == 0 {
			delete(n.interest, topic)
		}
	}
}

// join announces s's interest in topic and connects s to every other
// swarm already interested in it (a full-mesh rendezvous, adequate for an
// in-process test network).
func (n *Network) join(s *Swarm, topic ids.DiscoveryId) {
	n.mu.Lock()
	if n.interest[topic] == nil {
		n.interest[topic] = make(map[ids.PeerId]struct{})
	}
	_, already := n.interest[topic][s.self]
	n.interest[topic][s.self] = struct{}{}
	var others []*Swarm
	if !already {
		for peerID := range n.interest[topic] {
			if peerID == s.self {
				continue
			}
			if other, ok := n.swarms[peerID]; ok {
				others = append(others, other)
			}
		}
	}
	n.mu.Unlock()

	for _, other := range others {
		connectPair(s, other, topic)
	}
	s.announceTopic(topic)
}

// Swarm is one process's view of the discovery network.
type Swarm struct {
	self    ids.PeerId
	network *Network
	feeds   feed.Backend

	mu     sync.Mutex
	peers  map[ids.PeerId]*Peer
	topics map[ids.DiscoveryId]struct{}
	onPeer func(*Peer)
	closed bool
}

// New returns a Swarm identified as self, attached to network, offering
// feeds as the local feed backend new peers can replicate from. onPeer is
// invoked (on its own goroutine) every time a new peer connection forms.
func New(network *Network, self ids.PeerId, feeds feed.Backend, onPeer func(*Peer)) *Swarm {
	if onPeer == nil {
		onPeer = func(*Peer) {}
	}
	s := &Swarm{
		self:    self,
		network: network,
		feeds:   feeds,
		peers:   make(map[ids.PeerId]*Peer),
		topics:  make(map[ids.DiscoveryId]struct{}),
		onPeer:  onPeer,
	}
	network.register(s)
	return s
}

// Join announces self's interest in discovering peers for topic (an
// actor's DiscoveryId) and connects to any already-present peers.
func (s *Swarm) Join(topic ids.DiscoveryId) {
	s.mu.Lock()
	s.topics[topic] = struct{}{}
	s.mu.Unlock()
	s.network.join(s, topic)
}

// Leave withdraws interest in topic. Existing connections are left open;
// a real swarm would eventually prune them, which is out of scope here.
func (s *Swarm) Leave(topic ids.DiscoveryId) {
	s.mu.Lock()
	delete(s.topics, topic)
	s.mu.Unlock()
	s.network.mu.Lock()
	delete(s.network.interest[topic], s.self)
	s.network.mu.Unlock()
}

// Peers returns the currently connected peers.
func (s *Swarm) Peers() []*Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Peer, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, p)
	}
	return out
}

func (s *Swarm) announceTopic(topic ids.DiscoveryId) {
	s.mu.Lock()
	peers := make([]*Peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()
	for _, p := range peers {
		p.addTopic(topic)
	}
}

func (s *Swarm) addPeer(p *Peer) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.peers[p.ID] = p
	s.mu.Unlock()
	go s.onPeer(p)
}

// Close detaches this swarm from its network. Connected peer channels are
// left for the garbage collector; there is no live wire to tear down.
func (s *Swarm) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.network.unregister(s)
	return nil
}

// connectPair wires a and b together over a fresh pair of in-memory
// channels and delivers a Peer handle to each side's onPeer.
func connectPair(a, b *Swarm, topic ids.DiscoveryId) {
	abChan := make(chan []byte, 64)
	baChan := make(chan []byte, 64)

	peerForA := &Peer{ID: b.self, Send: abChan, Recv: baChan, Topics: map[ids.DiscoveryId]struct{}{topic: {}}, RemoteFeeds: b.feeds}
	peerForB := &Peer{ID: a.self, Send: baChan, Recv: abChan, Topics: map[ids.DiscoveryId]struct{}{topic: {}}, RemoteFeeds: a.feeds}

	a.addPeer(peerForA)
	b.addPeer(peerForB)
}
