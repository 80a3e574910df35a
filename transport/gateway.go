package transport

import (
	"sync"
	"sync/atomic"

	"github.com/robbynshaw/hypermerge/ids"
	"github.com/robbynshaw/hypermerge/repo"
)

// Gateway is the single reader of a RepoBackend's frontend channel, fanning
// its notifications out to whichever WebSocket session (or fileserver
// request) is waiting for them. A RepoBackend's ToFrontend channel, like
// its docEvents/actorEvents channels internally, only tolerates one
// consumer; Gateway is that consumer, playing the same role at the process
// boundary that the teacher's Hub plays between Document and Session.
type Gateway struct {
	rb *repo.RepoBackend

	nextQueryID uint64

	mu      sync.Mutex
	pending map[uint64]chan repo.Reply
	subs    map[ids.DocId]map[int]chan repo.ToFrontend
	nextSub int
	global  map[int]chan repo.ToFrontend
}

// NewGateway starts pumping rb's frontend channel in the background.
func NewGateway(rb *repo.RepoBackend) *Gateway {
	g := &Gateway{
		rb:      rb,
		pending: make(map[uint64]chan repo.Reply),
		subs:    make(map[ids.DocId]map[int]chan repo.ToFrontend),
		global:  make(map[int]chan repo.ToFrontend),
	}
	go g.pump()
	return g
}

// NextQueryID hands out a process-unique id for a request/reply exchange
// (Query, DebugMsg, WriteFileMsg, ReadFileMsg all carry one).
func (g *Gateway) NextQueryID() uint64 {
	return atomic.AddUint64(&g.nextQueryID, 1)
}

// AwaitReply registers interest in the Reply that will eventually carry
// queryID, returning the channel it will arrive on (closed, without a
// value, if the repo shuts down first).
func (g *Gateway) AwaitReply(queryID uint64) <-chan repo.Reply {
	ch := make(chan repo.Reply, 1)
	g.mu.Lock()
	g.pending[queryID] = ch
	g.mu.Unlock()
	return ch
}

// Subscribe registers ch to receive every doc-scoped notification
// (ReadyMsg, PatchMsg, ActorIdMsg, DocumentMessageOut,
// ActorBlockDownloadedMsg) for doc until Unsubscribe is called.
func (g *Gateway) Subscribe(doc ids.DocId, ch chan repo.ToFrontend) (id int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	id = g.nextSub
	g.nextSub++
	set, ok := g.subs[doc]
	if !ok {
		set = make(map[int]chan repo.ToFrontend)
		g.subs[doc] = set
	}
	set[id] = ch
	return id
}

// Unsubscribe removes a subscription registered with Subscribe.
func (g *Gateway) Unsubscribe(doc ids.DocId, id int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if set, ok := g.subs[doc]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(g.subs, doc)
		}
	}
}

// SubscribeGlobal registers ch to receive notifications with no doc of
// their own, namely FileServerReadyMsg.
func (g *Gateway) SubscribeGlobal(ch chan repo.ToFrontend) (id int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	id = g.nextSub
	g.nextSub++
	g.global[id] = ch
	return id
}

// InjectGlobal delivers msg to every global subscriber directly, without
// routing it through the repo backend first. The file server is not part
// of RepoBackend's dispatch loop (it is named an external collaborator),
// so FileServerReadyMsg has no RepoBackend-side producer to originate from;
// this is the one message Gateway itself originates rather than relays.
func (g *Gateway) InjectGlobal(msg repo.ToFrontend) {
	g.fanoutGlobal(msg)
}

// UnsubscribeGlobal removes a subscription registered with SubscribeGlobal.
func (g *Gateway) UnsubscribeGlobal(id int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.global, id)
}

func (g *Gateway) pump() {
	for msg := range g.rb.Frontend() {
		switch m := msg.(type) {
		case repo.Reply:
			g.mu.Lock()
			ch, ok := g.pending[m.Id]
			if ok {
				delete(g.pending, m.Id)
			}
			g.mu.Unlock()
			if ok {
				ch <- m
				close(ch)
			}
		case repo.ReadyMsg:
			g.fanout(m.Id, msg)
		case repo.PatchMsg:
			g.fanout(m.Id, msg)
		case repo.ActorIdMsg:
			g.fanout(m.Id, msg)
		case repo.DocumentMessageOut:
			g.fanout(m.Id, msg)
		case repo.ActorBlockDownloadedMsg:
			g.fanout(m.Id, msg)
		default:
			g.fanoutGlobal(msg)
		}
	}
	g.closeAll()
}

func (g *Gateway) fanout(doc ids.DocId, msg repo.ToFrontend) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, ch := range g.subs[doc] {
		select {
		case ch <- msg:
		default:
		}
	}
}

func (g *Gateway) fanoutGlobal(msg repo.ToFrontend) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, ch := range g.global {
		select {
		case ch <- msg:
		default:
		}
	}
}

func (g *Gateway) closeAll() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, ch := range g.pending {
		close(ch)
	}
	g.pending = nil
	for _, set := range g.subs {
		for _, ch := range set {
			close(ch)
		}
	}
	g.subs = nil
	for _, ch := range g.global {
		close(ch)
	}
	g.global = nil
}
