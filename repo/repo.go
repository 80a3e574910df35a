// Package repo is the RepoBackend collaborator: the single coordinator
// that owns every actor, every document, and the collaborator instances
// (Metadata, ClockStore, ReplicationManager, MessageRouter, Swarm, FeedStore)
// they're built from. Everything funnels through one dispatch loop so the
// rest of the system never has to reason about concurrent mutation of the
// actor/document tables.
package repo

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/robbynshaw/hypermerge/actor"
	"github.com/robbynshaw/hypermerge/clock"
	"github.com/robbynshaw/hypermerge/crdt"
	"github.com/robbynshaw/hypermerge/docbackend"
	"github.com/robbynshaw/hypermerge/feed"
	"github.com/robbynshaw/hypermerge/hmerror"
	"github.com/robbynshaw/hypermerge/ids"
	"github.com/robbynshaw/hypermerge/metadata"
	"github.com/robbynshaw/hypermerge/metadb"
	"github.com/robbynshaw/hypermerge/replication"
	"github.com/robbynshaw/hypermerge/router"
	"github.com/robbynshaw/hypermerge/swarm"
)

// RepoBackend is the stateful coordinator described in the package doc.
type RepoBackend struct {
	cfg Config
	log *zap.SugaredLogger

	self       ids.KeyPair
	selfPeerID ids.PeerId

	db       *metadb.DB
	tempPath string // non-empty when Memory requested a scratch file to clean up on Close

	feeds   *feed.MemBackend
	network *swarm.Network
	sw      *swarm.Swarm
	replMgr *replication.Manager
	rtr     *router.Router
	meta    *metadata.Store
	clocks  clock.Store

	actors map[ids.ActorId]*actor.Actor
	docs   map[ids.DocId]*docbackend.DocBackend

	actorEvents   chan actor.Event
	docEvents     chan docbackend.Notification
	peerConnected chan *swarm.Peer
	fileReads     chan fileReadResult

	inbox      chan ToBackend
	toFrontend chan ToFrontend

	closed atomic.Bool
	wg     sync.WaitGroup
}

// New opens (or creates) a repo backend according to opts.
func New(opts ...Option) (*RepoBackend, error) {
	cfg := NewConfig(opts...)

	db, tempPath, err := openDB(cfg)
	if err != nil {
		return nil, err
	}

	self, err := selfKeyPair(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	var selfPeerID ids.PeerId
	copy(selfPeerID[:], self.Public[:])

	network := cfg.Network
	if network == nil {
		network = swarm.NewNetwork()
	}
	feeds := cfg.Feeds
	if feeds == nil {
		feeds = feed.NewMemBackend()
	}

	rb := &RepoBackend{
		cfg:           cfg,
		log:           cfg.Logger,
		self:          self,
		selfPeerID:    selfPeerID,
		db:            db,
		tempPath:      tempPath,
		feeds:         feeds,
		network:       network,
		replMgr:       replication.New(),
		rtr:           router.New(cfg.Logger),
		clocks:        db,
		actors:        make(map[ids.ActorId]*actor.Actor),
		docs:          make(map[ids.DocId]*docbackend.DocBackend),
		actorEvents:   make(chan actor.Event, 256),
		docEvents:     make(chan docbackend.Notification, 4),
		peerConnected: make(chan *swarm.Peer, 64),
		fileReads:     make(chan fileReadResult, 16),
		inbox:         make(chan ToBackend, 64),
		toFrontend:    make(chan ToFrontend, 256),
	}
	rb.meta = metadata.New(rb.onActorJoin, rb.onActorLeave)
	rb.sw = swarm.New(network, selfPeerID, rb.feeds, rb.onPeer)

	rb.wg.Add(1)
	go rb.run()
	return rb, nil
}

func openDB(cfg Config) (*metadb.DB, string, error) {
	if cfg.Memory {
		f, err := os.CreateTemp("", "hypermerge-*.db")
		if err != nil {
			return nil, "", fmt.Errorf("repo: create scratch db file: %w", err)
		}
		path := f.Name()
		f.Close()
		db, err := metadb.Open(path)
		if err != nil {
			os.Remove(path)
			return nil, "", err
		}
		return db, path, nil
	}

	if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
		return nil, "", fmt.Errorf("repo: create repo directory %s: %w", cfg.Path, err)
	}
	db, err := metadb.Open(filepath.Join(cfg.Path, "hypermerge.db"))
	if err != nil {
		return nil, "", err
	}
	return db, "", nil
}

func selfKeyPair(db *metadb.DB) (ids.KeyPair, error) {
	if kp, ok := db.GetKey(metadb.SelfRepoKey); ok {
		return kp, nil
	}
	kp, err := ids.GenerateKeyPair()
	if err != nil {
		return ids.KeyPair{}, err
	}
	if err := db.SetKey(metadb.SelfRepoKey, kp); err != nil {
		return ids.KeyPair{}, fmt.Errorf("repo: persist self keypair: %w", err)
	}
	return kp, nil
}

// Frontend returns the channel of notifications a frontend should drain.
func (rb *RepoBackend) Frontend() <-chan ToFrontend { return rb.toFrontend }

// Receive enqueues msg for processing by the dispatch loop. Safe to call
// from any goroutine.
func (rb *RepoBackend) Receive(msg ToBackend) {
	if rb.closed.Load() {
		return
	}
	rb.inbox <- msg
}

func (rb *RepoBackend) onPeer(p *swarm.Peer) {
	if rb.closed.Load() {
		return
	}
	rb.peerConnected <- p
}

func (rb *RepoBackend) onActorJoin(actorID ids.ActorId) {
	rb.sw.Join(ids.DiscoveryIdFor(actorID))
	rb.replMgr.AddFeedIds([]ids.ActorId{actorID})
}

func (rb *RepoBackend) onActorLeave(actorID ids.ActorId) {
	rb.sw.Leave(ids.DiscoveryIdFor(actorID))
	if a, ok := rb.actors[actorID]; ok {
		a.Close()
		delete(rb.actors, actorID)
	}
}

// run is the single dispatch loop: every mutation of actors/docs/routing
// flows through here, one event at a time.
func (rb *RepoBackend) run() {
	defer rb.wg.Done()
	for {
		select {
		case msg := <-rb.inbox:
			if _, ok := msg.(CloseMsg); ok {
				rb.teardown()
				return
			}
			rb.dispatchToBackend(msg)
		case ev := <-rb.actorEvents:
			rb.handleActorEvent(ev)
		case p := <-rb.peerConnected:
			rb.handlePeerConnected(p)
		case d := <-rb.replMgr.DiscoveryQ():
			rb.handleDiscovery(d)
		case routed := <-rb.rtr.InboxQ():
			rb.handleRouted(routed)
		case fr := <-rb.fileReads:
			rb.toFrontend <- Reply{Id: fr.queryID, Payload: fr.payload()}
		}
	}
}

func (rb *RepoBackend) dispatchToBackend(msg ToBackend) {
	switch m := msg.(type) {
	case CreateMsg:
		rb.handleCreate(m)
	case OpenMsg:
		rb.handleOpen(m)
	case DestroyMsg:
		rb.handleDestroy(m)
	case DebugMsg:
		rb.handleDebug(m)
	case NeedsActorIdMsg:
		rb.handleNeedsActorId(m)
	case RequestMsg:
		rb.handleRequest(m)
	case MergeMsg:
		rb.handleMerge(m)
	case DocumentMessage:
		rb.handleDocumentMessage(m)
	case WriteFileMsg:
		rb.handleWriteFile(m)
	case ReadFileMsg:
		rb.handleReadFile(m)
	case Query:
		rb.handleQuery(m)
	default:
		rb.log.Warnw("unhandled frontend message", "type", fmt.Sprintf("%T", msg))
	}
}

// Close stops the dispatch loop and tears down every collaborator,
// bounded by ctx.
func (rb *RepoBackend) Close(ctx context.Context) error {
	if !rb.closed.CompareAndSwap(false, true) {
		return nil
	}
	go func() { rb.inbox <- CloseMsg{} }()

	waitCh := make(chan struct{})
	go func() {
		rb.wg.Wait()
		close(waitCh)
	}()
	select {
	case <-waitCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (rb *RepoBackend) teardown() {
	eg, _ := errgroup.WithContext(context.Background())
	for _, a := range rb.actors {
		a := a
		eg.Go(func() error { return a.Close() })
	}
	eg.Go(func() error { return rb.sw.Close() })
	eg.Go(func() error { return rb.db.Close() })
	if err := eg.Wait(); err != nil {
		rb.log.Warnw("error during repo teardown", "err", err)
	}
	if rb.tempPath != "" {
		os.Remove(rb.tempPath)
	}
	close(rb.toFrontend)
}

// --- DocBackend helpers -----------------------------------------------

// drainDocInit reads the Ready (and, if hadActor, ActorAssigned)
// notifications Init synchronously produced and turns them into frontend
// messages. Safe because DocBackend methods are only ever invoked by this
// single goroutine, so no other writer can interleave on docEvents.
func (rb *RepoBackend) drainDocInit(doc *docbackend.DocBackend, hadActor bool) {
	ready := (<-rb.docEvents).(docbackend.Ready)
	rb.emitReadyMsg(doc, ready)
	if hadActor {
		assigned := (<-rb.docEvents).(docbackend.ActorAssigned)
		rb.toFrontend <- ActorIdMsg{Id: assigned.Doc, ActorId: assigned.ActorId}
	}
}

func (rb *RepoBackend) emitReadyMsg(doc *docbackend.DocBackend, ready docbackend.Ready) {
	var actorID *ids.ActorId
	if a, ok := doc.LocalActorId(); ok {
		actorID = &a
	}
	good := rb.getGoodClock(doc)
	rb.toFrontend <- ReadyMsg{
		Id:                    ready.Doc,
		ActorId:               actorID,
		MinimumClockSatisfied: good != nil,
		History:               ready.History,
		Patch:                 ready.Patch,
	}
	if good != nil {
		rb.clocks.Update(rb.selfPeerID, ready.Doc, *good)
	}
}

// getGoodClock implements the satisfied-clock predicate: if ClockStore
// already has a baseline for (self, doc), the document's current clock
// counts as satisfied outright; otherwise fall back to the largest stored
// clock that is <= the current clock.
func (rb *RepoBackend) getGoodClock(doc *docbackend.DocBackend) *clock.Clock {
	current := clock.Clock(doc.Clock())
	if rb.clocks.Has(rb.selfPeerID, doc.Doc()) {
		return &current
	}
	if c, ok := rb.clocks.GetMaximumSatisfiedClock(rb.selfPeerID, doc.Doc(), current); ok {
		return &c
	}
	return nil
}

func currentClockOf(doc *docbackend.DocBackend) clock.Clock {
	return clock.Clock(doc.Clock())
}

// --- actor/feed minting -------------------------------------------------

func (rb *RepoBackend) openActor(kp ids.KeyPair) *actor.Actor {
	if a, ok := rb.actors[kp.Public]; ok {
		return a
	}
	log := rb.feeds.Open(kp.Public)
	a := actor.New(kp.Public, kp, log, rb.actorEvents)
	rb.actors[kp.Public] = a
	return a
}

// initActorFeed mints a brand new writable actor, persists its keypair
// under doc so a later bare OpenMsg can restore writability without the
// frontend resupplying the secret, and registers it as belonging to doc.
func (rb *RepoBackend) initActorFeed(doc ids.DocId) (ids.ActorId, error) {
	kp, err := ids.GenerateKeyPair()
	if err != nil {
		return ids.ActorId{}, err
	}
	if err := rb.db.SetKey(doc.String(), kp); err != nil {
		return ids.ActorId{}, fmt.Errorf("repo: persist actor keypair: %w", err)
	}
	rb.openActor(kp)
	rb.meta.AddActor(doc, kp.Public)
	rb.meta.SetWritable(doc, kp.Public, true)
	return kp.Public, nil
}

// --- request handlers ---------------------------------------------------

func (rb *RepoBackend) handleCreate(m CreateMsg) {
	pair := ids.KeyPair{Public: m.PublicKey, Secret: m.SecretKey}
	doc := m.PublicKey

	// Persisting the keypair before openDoc means a later plain OpenMsg
	// for this same doc (no secret resupplied) still restores writability
	// via openDoc's own lookup — Create and a first-time reopen share one
	// restoration path.
	if pair.Writable() {
		if err := rb.db.SetKey(doc.String(), pair); err != nil {
			rb.log.Warnw("failed to persist actor keypair", "doc", doc, "err", err)
		}
	}

	rb.openDoc(doc)
}

func (rb *RepoBackend) handleOpen(m OpenMsg) {
	if b, ok := rb.meta.PublicMetadata(m.Id); ok && b.IsFile {
		rb.log.Warnw("rejecting open of file-classified document", "doc", m.Id, "err", &hmerror.OpenAsFile{Doc: m.Id.String()})
		return
	}
	rb.openDoc(m.Id)
}

// openDoc runs the document loading algorithm: construct a DocBackend,
// register the root actor, restore a previously known writable actor for
// doc if this process has ever held its secret, then asynchronously (once
// at least one actor is known) load the per-actor change slices the merge
// clock requests.
func (rb *RepoBackend) openDoc(doc ids.DocId) {
	if _, exists := rb.docs[doc]; exists {
		return
	}
	db := docbackend.New(doc, rb.docEvents)
	rb.docs[doc] = db
	rb.meta.AddActor(doc, doc) // root actor id == doc id (invariant I5)

	if kp, ok := rb.db.GetKey(doc.String()); ok {
		rb.restoreActor(doc, kp)
	}

	rb.meta.ActorsAsync(doc, func(actors []ids.ActorId) {
		rb.loadDoc(db, actors)
	})
}

// restoreActor reopens a writable actor this process previously held the
// secret for. Actor.New ingests whatever the feed already holds
// synchronously, so a.Len() here is already accurate: this is what makes
// reopening a document (same feed storage, same persisted keypair) replay
// its full history instead of loading empty. The same clock bump also
// happens on every later write, in handleRequest.
func (rb *RepoBackend) restoreActor(doc ids.DocId, kp ids.KeyPair) {
	a := rb.openActor(kp)
	rb.meta.AddActor(doc, kp.Public)
	rb.meta.SetWritable(doc, kp.Public, kp.Writable())
	if n := uint64(a.Len()); n > 0 {
		rb.meta.Merge(doc, clock.New().WithSeq(kp.Public, n))
	}
}

func (rb *RepoBackend) loadDoc(db *docbackend.DocBackend, knownActors []ids.ActorId) {
	doc := db.Doc()
	var changes []crdt.Change
	for _, actorID := range knownActors {
		a, ok := rb.actors[actorID]
		if !ok {
			continue
		}
		max := rb.meta.ClockAt(doc, actorID)
		full := a.Changes()
		if max > uint64(len(full)) {
			max = uint64(len(full))
		}
		changes = append(changes, full[:max]...)
	}

	var actorID *ids.ActorId
	if existing, ok := rb.meta.LocalActorId(doc); ok {
		actorID = &existing
	}

	db.Init(changes, actorID)
	rb.drainDocInit(db, actorID != nil)
}

func (rb *RepoBackend) handleNeedsActorId(m NeedsActorIdMsg) {
	db, ok := rb.docs[m.Id]
	if !ok {
		rb.log.Warnw("NeedsActorIdMsg for unknown document", "err", &hmerror.MissingDocOnReceive{Doc: m.Id.String()})
		return
	}
	if _, has := db.LocalActorId(); has {
		return
	}
	actorID, err := rb.initActorFeed(m.Id)
	if err != nil {
		rb.log.Warnw("failed to mint actor", "doc", m.Id, "err", err)
		return
	}
	db.InitActor(actorID)
	assigned := (<-rb.docEvents).(docbackend.ActorAssigned)
	rb.toFrontend <- ActorIdMsg{Id: assigned.Doc, ActorId: assigned.ActorId}
}

func (rb *RepoBackend) handleRequest(m RequestMsg) {
	db, ok := rb.docs[m.Id]
	if !ok {
		rb.log.Warnw("RequestMsg for unknown document", "err", &hmerror.MissingDocOnReceive{Doc: m.Id.String()})
		return
	}
	actorID, has := db.LocalActorId()
	if !has {
		rb.log.Warnw("RequestMsg before a writable actor was assigned", "doc", m.Id)
		return
	}
	change, err := db.ApplyLocalChange(m.Request)
	if err != nil {
		rb.log.Warnw("local change rejected", "doc", m.Id, "err", err)
		return
	}
	patch := (<-rb.docEvents).(docbackend.LocalPatch)

	a := rb.actors[actorID]
	if err := a.WriteChange(change); err != nil {
		rb.log.Errorw("failed to persist local change to feed", "actor", actorID, "err", err)
		return
	}

	// The document's merge clock is the authoritative record of how much of
	// each actor's feed has been folded in; advance it for our own writes
	// too, or a reopen (loadDoc) or a gossip to a peer would see seq 0 here
	// forever.
	rb.meta.Merge(m.Id, clock.New().WithSeq(actorID, change.Seq))

	// Eager self-confirmation: a process can always trust its own
	// just-appended write, so the baseline for (self, doc) advances here
	// rather than waiting on any remote acknowledgement.
	rb.clocks.Update(rb.selfPeerID, m.Id, currentClockOf(db))

	good := rb.getGoodClock(db)
	rb.toFrontend <- PatchMsg{
		Id:                    m.Id,
		MinimumClockSatisfied: good != nil,
		History:               patch.History,
		Patch:                 patch.Patch,
	}
}

func (rb *RepoBackend) handleMerge(m MergeMsg) {
	if _, ok := rb.docs[m.Id]; !ok {
		rb.log.Warnw("MergeMsg for unknown document", "err", &hmerror.MissingDocOnReceive{Doc: m.Id.String()})
		return
	}
	c := clock.New()
	for a, seq := range m.Actors {
		c = c.WithSeq(a, seq)
	}
	rb.meta.Merge(m.Id, c)
	rb.syncReadyActors(m.Actors)
}

func (rb *RepoBackend) handleDocumentMessage(m DocumentMessage) {
	var topics []ids.DiscoveryId
	for _, actorID := range rb.meta.Actors(m.Id) {
		topics = append(topics, ids.DiscoveryIdFor(actorID))
	}
	peers := dedupePeers(rb.replMgr.GetPeersWith(topics))
	rb.rtr.SendToPeers(peers, router.DocumentMessage{Id: m.Id, Contents: m.Contents})
}

func (rb *RepoBackend) handleDestroy(m DestroyMsg) {
	delete(rb.docs, m.Id)
	rb.meta.Purge(m.Id)
}

func (rb *RepoBackend) handleDebug(m DebugMsg) {
	db, ok := rb.docs[m.Id]
	if !ok {
		rb.toFrontend <- Reply{Id: m.QueryId, Payload: &hmerror.MissingDocOnReceive{Doc: m.Id.String()}}
		return
	}
	var localActor *ids.ActorId
	if a, ok := db.LocalActorId(); ok {
		localActor = &a
	}
	good := rb.getGoodClock(db)
	rb.toFrontend <- Reply{Id: m.QueryId, Payload: DebugSnapshot{
		Doc:         m.Id,
		Actors:      rb.meta.Actors(m.Id),
		LocalActor:  localActor,
		Clock:       currentClockOf(db),
		GoodClock:   good,
		PendingSync: rb.pendingSyncCount(db),
	}}
}

// pendingSyncCount sums, across every actor known to doc, the feed changes
// that have arrived locally but not yet been folded into the document.
func (rb *RepoBackend) pendingSyncCount(db *docbackend.DocBackend) int {
	var pending int
	for _, actorID := range rb.meta.Actors(db.Doc()) {
		a, ok := rb.actors[actorID]
		if !ok {
			continue
		}
		if n := a.Len(); uint64(n) > db.ChangesFor(actorID) {
			pending += n - int(db.ChangesFor(actorID))
		}
	}
	return pending
}

func (rb *RepoBackend) handleQuery(m Query) {
	switch {
	case m.Metadata != nil:
		block, _ := rb.meta.PublicMetadata(m.Metadata.Id)
		rb.toFrontend <- Reply{Id: m.Id, Payload: block}
	case m.Materialize != nil:
		db, ok := rb.docs[m.Materialize.Id]
		if !ok {
			rb.toFrontend <- Reply{Id: m.Id, Payload: &hmerror.MissingDocOnReceive{Doc: m.Materialize.Id.String()}}
			return
		}
		rb.toFrontend <- Reply{Id: m.Id, Payload: db.HistoryPrefix(m.Materialize.History)}
	}
}

func (rb *RepoBackend) handleWriteFile(m WriteFileMsg) {
	a, ok := rb.actors[m.Id]
	if !ok {
		rb.toFrontend <- Reply{Id: m.QueryId, Payload: &hmerror.MissingDocOnReceive{Doc: m.Id.String()}}
		return
	}
	header := metadata.FileHeader{Type: m.Header.Type, Bytes: m.Header.Bytes}
	if err := a.WriteFile(header, m.Bytes); err != nil {
		rb.toFrontend <- Reply{Id: m.QueryId, Payload: err}
		return
	}
	rb.meta.SetFile(m.Id, header)
	rb.toFrontend <- Reply{Id: m.QueryId, Payload: struct{}{}}
}

func (rb *RepoBackend) handleReadFile(m ReadFileMsg) {
	a, ok := rb.actors[m.Id]
	if !ok {
		rb.toFrontend <- Reply{Id: m.QueryId, Payload: &hmerror.MissingDocOnReceive{Doc: m.Id.String()}}
		return
	}
	queryID := m.QueryId
	a.ReadFile(func(data []byte, err error) {
		rb.fileReads <- fileReadResult{queryID: queryID, data: data, err: err}
	})
}

// fileReadResult carries a completed Actor.ReadFile callback (which may run
// on the actor's own goroutine, a genuine suspension point per the
// concurrency model) back onto the single dispatch loop, so toFrontend
// only ever has one writer: RepoBackend.run itself.
type fileReadResult struct {
	queryID uint64
	data    []byte
	err     error
}

func (fr fileReadResult) payload() any {
	if fr.err != nil {
		return fr.err
	}
	return fr.data
}

// --- actor lifecycle -----------------------------------------------------

func (rb *RepoBackend) handleActorEvent(ev actor.Event) {
	switch e := ev.(type) {
	case actor.FeedReady:
		for _, doc := range rb.meta.ForActor(e.ActorId) {
			rb.meta.SetWritable(doc, e.ActorId, e.Writable)
		}
		rb.gossipActorMetadata(e.ActorId)
		rb.sw.Join(ids.DiscoveryIdFor(e.ActorId))
	case actor.Initialized:
		rb.sw.Join(ids.DiscoveryIdFor(e.ActorId))
	case actor.Synced:
		rb.syncChanges(e.ActorId)
	case actor.Downloaded:
		for _, doc := range rb.meta.ForActor(e.ActorId) {
			rb.toFrontend <- ActorBlockDownloadedMsg{Id: doc, ActorId: e.ActorId, Index: e.Index, Size: e.Size, Time: e.Time}
		}
	case actor.PeerAttached:
		rb.gossipActorMetadataTo(e.ActorId, e.Peer)
	case actor.Closed:
		// The actor is already unregistered by onActorLeave, or this fires
		// during teardown after the map has already been drained.
	}
}

// gossipActorMetadata re-sends this process's metadata blocks and clocks
// for every document containing actorID to every peer interested in any
// actor that belongs to one of those documents.
func (rb *RepoBackend) gossipActorMetadata(actorID ids.ActorId) {
	docs := rb.meta.ForActor(actorID)
	seen := make(map[ids.ActorId]struct{})
	var topics []ids.DiscoveryId
	for _, doc := range docs {
		for _, a := range rb.meta.Actors(doc) {
			if _, ok := seen[a]; ok {
				continue
			}
			seen[a] = struct{}{}
			topics = append(topics, ids.DiscoveryIdFor(a))
		}
	}
	peers := dedupePeers(rb.replMgr.GetPeersWith(topics))
	if len(peers) == 0 {
		return
	}
	rb.rtr.SendToPeers(peers, rb.buildGossip(docs))
}

func (rb *RepoBackend) gossipActorMetadataTo(actorID ids.ActorId, peer *swarm.Peer) {
	rb.rtr.SendToPeer(peer, rb.buildGossip(rb.meta.ForActor(actorID)))
}

func (rb *RepoBackend) buildGossip(docs []ids.DocId) router.RemoteMetadata {
	snapshot := rb.meta.ForGossip()
	filtered := make(map[ids.DocId]*metadata.Block, len(docs))
	clocks := make(map[ids.DocId]clock.Clock, len(docs))
	for _, doc := range docs {
		if b, ok := snapshot[doc]; ok {
			filtered[doc] = b
		}
		if d, ok := rb.docs[doc]; ok {
			clocks[doc] = currentClockOf(d)
		}
	}
	return router.RemoteMetadata{Blocks: router.BlocksFromMetadata(filtered), Clocks: clocks}
}

// syncChanges propagates any newly arrived feed changes for actorID into
// every DocBackend that contains it.
func (rb *RepoBackend) syncChanges(actorID ids.ActorId) {
	a, ok := rb.actors[actorID]
	if !ok {
		return
	}
	for _, doc := range rb.meta.ForActor(actorID) {
		db, ok := rb.docs[doc]
		if !ok {
			continue
		}
		db.OnReady(func() {
			rb.applySyncedChanges(db, a, actorID)
		})
	}
}

func (rb *RepoBackend) applySyncedChanges(db *docbackend.DocBackend, a *actor.Actor, actorID ids.ActorId) {
	doc := db.Doc()
	max := rb.meta.ClockAt(doc, actorID)
	min := db.ChangesFor(actorID)
	full := a.Changes()

	var collected []crdt.Change
	idx := min
	for idx < max && idx < uint64(len(full)) {
		collected = append(collected, full[idx])
		idx++
	}
	db.SetChangesFor(actorID, idx)
	if len(collected) == 0 {
		return
	}
	db.ApplyRemoteChanges(collected)
	patch := (<-rb.docEvents).(docbackend.RemotePatch)

	good := rb.getGoodClock(db)
	rb.toFrontend <- PatchMsg{
		Id:                    doc,
		MinimumClockSatisfied: good != nil,
		History:               patch.History,
		Patch:                 patch.Patch,
	}
	if good != nil {
		rb.clocks.Update(rb.selfPeerID, doc, *good)
	}
}

// syncReadyActors runs syncChanges immediately for every actor in actorSeqs
// that has already synced at least once (mirrors the repo's reaction to
// inbound RemoteMetadata and to an explicit MergeMsg). Actors that haven't
// synced yet need no action here: their eventual actor.Synced event already
// drives syncChanges through the ordinary dispatch path, and deferring onto
// Actor.OnSync instead would risk running on the actor's own goroutine
// rather than this dispatcher.
func (rb *RepoBackend) syncReadyActors(actorSeqs map[ids.ActorId]uint64) {
	for actorID := range actorSeqs {
		if a, ok := rb.actors[actorID]; ok && a.IsSynced() {
			rb.syncChanges(actorID)
		}
	}
}

// --- peer & discovery handling -------------------------------------------

func (rb *RepoBackend) handlePeerConnected(p *swarm.Peer) {
	rb.rtr.ListenTo(p)
	rb.replMgr.OnPeer(p)
}

// handleDiscovery reacts to a connected peer showing interest in FeedId:
// it starts (or continues) replicating that feed locally, makes sure a
// local Actor exists to watch the resulting log, and pushes this
// process's metadata for every document containing the feed to the peer.
func (rb *RepoBackend) handleDiscovery(d replication.Discovery) {
	if d.Peer.RemoteFeeds != nil {
		rb.feeds.ReplicateFrom(d.Peer.RemoteFeeds, d.FeedId)
	}
	a, ok := rb.actors[d.FeedId]
	if !ok {
		a = rb.openActor(ids.KeyPair{Public: d.FeedId})
	}
	a.AttachPeer(d.Peer)
}

func (rb *RepoBackend) handleRouted(routed router.Routed) {
	switch m := routed.Msg.(type) {
	case router.RemoteMetadata:
		clean := router.SanitizeRemoteMetadata(m)
		for doc, c := range clean.Clocks {
			rb.clocks.Update(routed.Sender, doc, c)
		}
		rb.meta.AddBlocks(router.BlocksToMetadata(clean.Blocks))

		touched := map[ids.ActorId]uint64{}
		for _, b := range clean.Blocks {
			for _, a := range b.Actors {
				touched[a] = 0
			}
			for a := range b.Merge {
				touched[a] = 0
			}
		}
		rb.syncReadyActors(touched)
	case router.DocumentMessage:
		rb.toFrontend <- DocumentMessageOut{Id: m.Id, Contents: m.Contents}
	default:
		rb.log.Warnw("dropping unrecognized routed message", "err", &hmerror.UnknownMessageType{Tag: fmt.Sprintf("%T", m)})
	}
}

func dedupePeers(peers []*swarm.Peer) []*swarm.Peer {
	seen := make(map[ids.PeerId]struct{}, len(peers))
	out := make([]*swarm.Peer, 0, len(peers))
	for _, p := range peers {
		if _, ok := seen[p.ID]; ok {
			continue
		}
		seen[p.ID] = struct{}{}
		out = append(out, p)
	}
	return out
}
