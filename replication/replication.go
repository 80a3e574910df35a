// Package replication is the ReplicationManager collaborator: it maps
// connected peers to the feeds they can mutually replicate and raises a
// Discovery event the moment that intersection is nonempty for a feed,
// which is what drives RepoBackend's "send this peer our metadata" path.
package replication

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/robbynshaw/hypermerge/ids"
	"github.com/robbynshaw/hypermerge/swarm"
)

var (
	connectedPeers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hypermerge_replication_connected_peers",
		Help: "Number of peers currently connected to the replication manager.",
	})
	feedInterestTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hypermerge_replication_feed_interest_total",
		Help: "Total number of peer/feed interest intersections discovered.",
	})
)

// Discovery is emitted whenever a connected peer becomes able to replicate
// FeedId (treated as an ActorId, per the spec's naming).
type Discovery struct {
	FeedId ids.ActorId
	Peer   *swarm.Peer
}

// Manager tracks locally known feeds and connected peers' advertised
// interests, and reports every new (peer, feed) intersection once.
type Manager struct {
	mu        sync.Mutex
	feedIds   map[ids.ActorId]struct{}
	peers     map[ids.PeerId]*swarm.Peer
	announced map[ids.PeerId]map[ids.ActorId]struct{} // already raised a Discovery for this (peer, feed)
	discoveryQ chan Discovery
}

// New returns an empty Manager. discoveryQ should be drained by exactly one
// consumer (RepoBackend.run); it is buffered generously but callers should
// not let it fill.
func New() *Manager {
	return &Manager{
		feedIds:    make(map[ids.ActorId]struct{}),
		peers:      make(map[ids.PeerId]*swarm.Peer),
		announced:  make(map[ids.PeerId]map[ids.ActorId]struct{}),
		discoveryQ: make(chan Discovery, 256),
	}
}

// DiscoveryQ returns the channel of peer/feed interest intersections.
func (m *Manager) DiscoveryQ() <-chan Discovery { return m.discoveryQ }

// AddFeedIds registers additional feeds the local process wants to
// replicate, re-checking every already-connected peer against the new set.
func (m *Manager) AddFeedIds(newIds []ids.ActorId) {
	m.mu.Lock()
	for _, id := range newIds {
		m.feedIds[id] = struct{}{}
	}
	peers := make([]*swarm.Peer, 0, len(m.peers))
	for _, p := range m.peers {
		peers = append(peers, p)
	}
	m.mu.Unlock()

	for _, p := range peers {
		m.intersect(p)
	}
}

// OnPeer registers a newly connected peer and raises Discovery for every
// feed it already shares interest in.
func (m *Manager) OnPeer(peer *swarm.Peer) {
	m.mu.Lock()
	m.peers[peer.ID] = peer
	if m.announced[peer.ID] == nil {
		m.announced[peer.ID] = make(map[ids.ActorId]struct{})
	}
	m.mu.Unlock()
	connectedPeers.Inc()

	m.intersect(peer)
}

// RemovePeer drops a disconnected peer's bookkeeping.
func (m *Manager) RemovePeer(peer ids.PeerId) {
	m.mu.Lock()
	if _, ok := m.peers[peer]; ok {
		delete(m.peers, peer)
		delete(m.announced, peer)
		m.mu.Unlock()
		connectedPeers.Dec()
		return
	}
	m.mu.Unlock()
}

func (m *Manager) intersect(peer *swarm.Peer) {
	m.mu.Lock()
	var fresh []ids.ActorId
	for feedID := range m.feedIds {
		topic := ids.DiscoveryIdFor(feedID)
		if !peer.HasTopic(topic) {
			continue
		}
		if _, done := m.announced[peer.ID][feedID]; done {
			continue
		}
		m.announced[peer.ID][feedID] = struct{}{}
		fresh = append(fresh, feedID)
	}
	m.mu.Unlock()

	for _, feedID := range fresh {
		feedInterestTotal.Inc()
		m.discoveryQ <- Discovery{FeedId: feedID, Peer: peer}
	}
}

// GetPeersWith returns the currently connected peers advertising at least
// one of the given discovery ids.
func (m *Manager) GetPeersWith(topics []ids.DiscoveryId) []*swarm.Peer {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*swarm.Peer
	for _, p := range m.peers {
		for _, topic := range topics {
			if p.HasTopic(topic) {
				out = append(out, p)
				break
			}
		}
	}
	return out
}
