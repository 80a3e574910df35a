package repo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/robbynshaw/hypermerge/crdt"
	"github.com/robbynshaw/hypermerge/feed"
	"github.com/robbynshaw/hypermerge/ids"
	"github.com/robbynshaw/hypermerge/metadata"
	"github.com/robbynshaw/hypermerge/swarm"
)

const testTimeout = 2 * time.Second

func mustKeyPair(t *testing.T) ids.KeyPair {
	t.Helper()
	kp, err := ids.GenerateKeyPair()
	require.NoError(t, err)
	return kp
}

func insertReq(ch rune, pos int) crdt.ChangeRequest {
	return crdt.ChangeRequest{Kind: crdt.OpInsert, Pos: pos, Char: ch}
}

// recv waits for the next frontend message and requires it to be of type T.
func recv[T ToFrontend](t *testing.T, rb *RepoBackend) T {
	t.Helper()
	select {
	case msg := <-rb.Frontend():
		v, ok := msg.(T)
		require.Truef(t, ok, "got %T, want %T (%+v)", msg, *new(T), msg)
		return v
	case <-time.After(testTimeout):
		t.Fatalf("timed out waiting for %T", *new(T))
	}
	panic("unreachable")
}

func closeRepo(t *testing.T, rb *RepoBackend) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	require.NoError(t, rb.Close(ctx))
}

func materialize(t *testing.T, rb *RepoBackend, doc ids.DocId) string {
	t.Helper()
	rb.Receive(Query{Id: 1, Materialize: &MaterializeQuery{Id: doc, History: ^uint64(0)}})
	reply := recv[Reply](t, rb)
	changes, ok := reply.Payload.([]crdt.Change)
	require.True(t, ok, "materialize reply payload was %T", reply.Payload)
	st := crdt.NewState()
	st.LoadHistory(changes)
	return st.Text()
}

// Scenario 1: create-apply-observe.
func TestCreateApplyObserve(t *testing.T) {
	rb, err := New(WithMemory(true))
	require.NoError(t, err)
	defer closeRepo(t, rb)

	kp := mustKeyPair(t)
	doc := kp.Public

	rb.Receive(CreateMsg{PublicKey: kp.Public, SecretKey: kp.Secret})

	ready := recv[ReadyMsg](t, rb)
	require.Equal(t, doc, ready.Id)
	require.NotNil(t, ready.ActorId)
	require.Equal(t, doc, *ready.ActorId)
	require.False(t, ready.MinimumClockSatisfied)

	assigned := recv[ActorIdMsg](t, rb)
	require.Equal(t, doc, assigned.Id)
	require.Equal(t, doc, assigned.ActorId)

	rb.Receive(RequestMsg{Id: doc, Request: insertReq('x', 0)})
	patch := recv[PatchMsg](t, rb)
	require.Equal(t, doc, patch.Id)
	require.True(t, patch.MinimumClockSatisfied)
}

// Scenario 2: reopening via a bare OpenMsg (no secret resupplied) restores
// writability and reports the clock as already satisfied.
func TestReopenPersistsSatisfiedClock(t *testing.T) {
	dir := t.TempDir()
	feeds := feed.NewMemBackend()
	kp := mustKeyPair(t)
	doc := kp.Public

	rb1, err := New(WithPath(dir), WithFeeds(feeds))
	require.NoError(t, err)

	rb1.Receive(CreateMsg{PublicKey: kp.Public, SecretKey: kp.Secret})
	recv[ReadyMsg](t, rb1)
	recv[ActorIdMsg](t, rb1)

	rb1.Receive(RequestMsg{Id: doc, Request: insertReq('h', 0)})
	recv[PatchMsg](t, rb1)
	rb1.Receive(RequestMsg{Id: doc, Request: insertReq('i', 1)})
	recv[PatchMsg](t, rb1)

	closeRepo(t, rb1)

	rb2, err := New(WithPath(dir), WithFeeds(feeds))
	require.NoError(t, err)
	defer closeRepo(t, rb2)

	rb2.Receive(OpenMsg{Id: doc})
	ready := recv[ReadyMsg](t, rb2)
	require.Equal(t, doc, ready.Id)
	require.True(t, ready.MinimumClockSatisfied)
	require.NotNil(t, ready.ActorId)
	require.Equal(t, doc, *ready.ActorId)
	require.Len(t, ready.History, 2)

	assigned := recv[ActorIdMsg](t, rb2)
	require.Equal(t, doc, assigned.ActorId)

	require.Equal(t, "hi", materialize(t, rb2, doc))
}

// Scenario 3: a producer and a consumer connected over an in-memory swarm
// converge on the same materialized text.
func TestPeerSync(t *testing.T) {
	net := swarm.NewNetwork()

	r1, err := New(WithMemory(true), WithNetwork(net))
	require.NoError(t, err)
	defer closeRepo(t, r1)

	r2, err := New(WithMemory(true), WithNetwork(net))
	require.NoError(t, err)
	defer closeRepo(t, r2)

	kp := mustKeyPair(t)
	doc := kp.Public

	r1.Receive(CreateMsg{PublicKey: kp.Public, SecretKey: kp.Secret})
	recv[ReadyMsg](t, r1)
	recv[ActorIdMsg](t, r1)

	r1.Receive(RequestMsg{Id: doc, Request: insertReq('h', 0)})
	recv[PatchMsg](t, r1)
	r1.Receive(RequestMsg{Id: doc, Request: insertReq('i', 1)})
	recv[PatchMsg](t, r1)

	r2.Receive(OpenMsg{Id: doc})
	ready := recv[ReadyMsg](t, r2)
	require.Equal(t, doc, ready.Id)
	require.False(t, ready.MinimumClockSatisfied)
	require.Nil(t, ready.ActorId)

	recv[PatchMsg](t, r2)

	require.Equal(t, materialize(t, r1, doc), materialize(t, r2, doc))
	require.Equal(t, "hi", materialize(t, r2, doc))
}

// Scenario 4: an actor that joins a document after it was already open
// still gets folded in once its feed syncs.
func TestLateArrivingActor(t *testing.T) {
	net := swarm.NewNetwork()

	r1, err := New(WithMemory(true), WithNetwork(net))
	require.NoError(t, err)
	defer closeRepo(t, r1)

	r2, err := New(WithMemory(true), WithNetwork(net))
	require.NoError(t, err)
	defer closeRepo(t, r2)

	kp := mustKeyPair(t)
	doc := kp.Public

	r1.Receive(CreateMsg{PublicKey: kp.Public, SecretKey: kp.Secret})
	recv[ReadyMsg](t, r1)
	recv[ActorIdMsg](t, r1)

	r2.Receive(OpenMsg{Id: doc})
	ready := recv[ReadyMsg](t, r2)
	require.False(t, ready.MinimumClockSatisfied)
	require.Empty(t, ready.History)

	// Only after r2 has already opened the (so far empty) document does
	// r1 write its first change; r2 must still converge on it.
	r1.Receive(RequestMsg{Id: doc, Request: insertReq('y', 0)})
	recv[PatchMsg](t, r1)

	recv[PatchMsg](t, r2)
	require.Equal(t, "y", materialize(t, r2, doc))
}

// Scenario 5: destroying a document purges actors no other document
// references.
func TestDestroyPurgesOrphans(t *testing.T) {
	rb, err := New(WithMemory(true))
	require.NoError(t, err)
	defer closeRepo(t, rb)

	kp := mustKeyPair(t)
	doc := kp.Public

	rb.Receive(CreateMsg{PublicKey: kp.Public, SecretKey: kp.Secret})
	recv[ReadyMsg](t, rb)
	recv[ActorIdMsg](t, rb)

	rb.Receive(DestroyMsg{Id: doc})

	rb.Receive(Query{Id: 2, Metadata: &MetadataQuery{Id: doc}})
	reply := recv[Reply](t, rb)
	block, ok := reply.Payload.(metadata.PublicBlock)
	require.True(t, ok)
	require.Empty(t, block.Actors)
}

// Scenario 6: an explicit MergeMsg naming a change that ordinary sync has
// already applied leaves the document's text unchanged.
func TestExplicitMerge(t *testing.T) {
	net := swarm.NewNetwork()

	r1, err := New(WithMemory(true), WithNetwork(net))
	require.NoError(t, err)
	defer closeRepo(t, r1)

	r2, err := New(WithMemory(true), WithNetwork(net))
	require.NoError(t, err)
	defer closeRepo(t, r2)

	kp := mustKeyPair(t)
	doc := kp.Public

	r1.Receive(CreateMsg{PublicKey: kp.Public, SecretKey: kp.Secret})
	recv[ReadyMsg](t, r1)
	recv[ActorIdMsg](t, r1)
	r1.Receive(RequestMsg{Id: doc, Request: insertReq('z', 0)})
	recv[PatchMsg](t, r1)

	r2.Receive(OpenMsg{Id: doc})
	recv[ReadyMsg](t, r2)
	recv[PatchMsg](t, r2) // ordinary sync already converges r2 on the one change

	r2.Receive(MergeMsg{Id: doc, Actors: map[ids.ActorId]uint64{doc: 1}})

	require.Equal(t, "z", materialize(t, r2, doc))
}
