package metadb

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/robbynshaw/hypermerge/clock"
	"github.com/robbynshaw/hypermerge/ids"
)

func open(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hypermerge.db")
	db, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func mkPeer(b byte) ids.PeerId {
	var p ids.PeerId
	p[0] = b
	return p
}

func mkDoc(b byte) ids.DocId {
	var d ids.DocId
	d[1] = b
	return d
}

func TestUpdateIsMonotoneAndPersists(t *testing.T) {
	db := open(t)
	self := mkPeer(1)
	doc := mkDoc(1)
	actor := mkDoc(2)

	merged, changed := db.Update(self, doc, clock.New().WithSeq(actor, 3))
	require.True(t, changed)
	require.Equal(t, uint64(3), merged.Get(actor))

	_, changed = db.Update(self, doc, clock.New().WithSeq(actor, 1))
	require.False(t, changed, "dominated update must be a no-op")

	stored, ok := db.Get(self, doc)
	require.True(t, ok)
	require.Equal(t, uint64(3), stored.Get(actor))
}

func TestGetMaximumSatisfiedClock(t *testing.T) {
	db := open(t)
	self := mkPeer(1)
	doc := mkDoc(1)
	actor := mkDoc(2)

	_, ok := db.GetMaximumSatisfiedClock(self, doc, clock.New().WithSeq(actor, 5))
	require.False(t, ok)

	db.Update(self, doc, clock.New().WithSeq(actor, 2))

	c, ok := db.GetMaximumSatisfiedClock(self, doc, clock.New().WithSeq(actor, 5))
	require.True(t, ok)
	require.Equal(t, uint64(2), c.Get(actor))

	_, ok = db.GetMaximumSatisfiedClock(self, doc, clock.New().WithSeq(actor, 1))
	require.False(t, ok, "stored clock not <= a smaller target")
}

func TestKeyStoreRoundTrip(t *testing.T) {
	db := open(t)
	var secret [64]byte
	secret[0] = 7
	kp := ids.KeyPair{Public: mkDoc(9), Secret: &secret}

	require.NoError(t, db.SetKey(SelfRepoKey, kp))

	got, ok := db.GetKey(SelfRepoKey)
	require.True(t, ok)
	require.Equal(t, kp.Public, got.Public)
	require.True(t, got.Writable())
	require.Equal(t, secret, *got.Secret)

	_, ok = db.GetKey("missing")
	require.False(t, ok)
}
