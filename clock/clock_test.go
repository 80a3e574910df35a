package clock

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/robbynshaw/hypermerge/ids"
)

func actor(b byte) ids.ActorId {
	var a ids.ActorId
	a[0] = b
	return a
}

func TestMergeIsPointwiseMax(t *testing.T) {
	a, b := actor(1), actor(2)
	c1 := Clock{a: 3, b: 1}
	c2 := Clock{a: 1, b: 5}

	merged := c1.Merge(c2)
	require.Equal(t, uint64(3), merged.Get(a))
	require.Equal(t, uint64(5), merged.Get(b))
}

func TestLessOrEqualMissingIsZero(t *testing.T) {
	a, b := actor(1), actor(2)
	c1 := Clock{a: 1}
	c2 := Clock{a: 1, b: 1}
	require.True(t, c1.LessOrEqual(c2))
	require.False(t, c2.LessOrEqual(c1))
}

func TestCanonicalizeDropsZeroesAndSorts(t *testing.T) {
	a, b, c := actor(1), actor(2), actor(0)
	clk := Clock{a: 1, b: 0, c: 4}
	canon, order := clk.Canonicalize()
	require.Len(t, canon, 2)
	require.NotContains(t, canon, b)
	require.True(t, order[0].Less(order[1]))
}

func TestStoreUpdateMonotone(t *testing.T) {
	store := NewMemStore()
	self := ids.PeerId{9}
	doc := ids.DocId{1}
	a := actor(1)

	merged, changed := store.Update(self, doc, Clock{a: 1})
	require.True(t, changed)
	require.Equal(t, uint64(1), merged.Get(a))

	merged, changed = store.Update(self, doc, Clock{a: 1})
	require.False(t, changed, "dominated update is a no-op")
	require.Equal(t, uint64(1), merged.Get(a))

	merged, changed = store.Update(self, doc, Clock{a: 5})
	require.True(t, changed)
	require.Equal(t, uint64(5), merged.Get(a))

	stored, ok := store.Get(self, doc)
	require.True(t, ok)
	require.True(t, stored.LessOrEqual(merged) && merged.LessOrEqual(stored))
}

func TestGetMaximumSatisfiedClock(t *testing.T) {
	store := NewMemStore()
	self := ids.PeerId{1}
	doc := ids.DocId{1}
	a := actor(1)

	_, ok := store.GetMaximumSatisfiedClock(self, doc, Clock{a: 10})
	require.False(t, ok, "nothing stored yet")

	store.Update(self, doc, Clock{a: 3})

	got, ok := store.GetMaximumSatisfiedClock(self, doc, Clock{a: 10})
	require.True(t, ok)
	require.Equal(t, uint64(3), got.Get(a))

	_, ok = store.GetMaximumSatisfiedClock(self, doc, Clock{a: 1})
	require.False(t, ok, "stored clock is not <= target")
}
