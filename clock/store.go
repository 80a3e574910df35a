package clock

import (
	"sync"

	"github.com/robbynshaw/hypermerge/ids"
)

// Store is the persistent mapping (PeerId, DocId) -> Clock. Implementations
// must be monotone: Update never moves a stored clock backward (invariant
// I6). The repo backend's self identity is just another PeerId for the
// purposes of this store.
type Store interface {
	// Update merges incoming into the stored clock for (peer, doc) and
	// returns the merged clock plus whether the merge actually advanced it.
	Update(peer ids.PeerId, doc ids.DocId, incoming Clock) (merged Clock, changed bool)

	// Get returns the stored clock for (peer, doc), or ok=false if none.
	Get(peer ids.PeerId, doc ids.DocId) (c Clock, ok bool)

	// Has reports whether a clock is stored for (peer, doc).
	Has(peer ids.PeerId, doc ids.DocId) bool

	// GetMaximumSatisfiedClock returns the stored clock for (self, doc) if
	// it is <= target, else ok=false.
	GetMaximumSatisfiedClock(self ids.PeerId, doc ids.DocId, target Clock) (c Clock, ok bool)
}

type storeKey struct {
	peer ids.PeerId
	doc  ids.DocId
}

// MemStore is an in-memory Store, used by tests. A repo's clock store is
// always a metadb.DB, also when it is opened with Memory: true.
type MemStore struct {
	mu      sync.RWMutex
	clocks  map[storeKey]Clock
}

// NewMemStore returns an empty in-memory clock store.
func NewMemStore() *MemStore {
	return &MemStore{clocks: make(map[storeKey]Clock)}
}

func (s *MemStore) Update(peer ids.PeerId, doc ids.DocId, incoming Clock) (Clock, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	updatesTotal.Inc()

	key := storeKey{peer, doc}
	existing := s.clocks[key]
	merged := existing.Merge(incoming)
	changed := !merged.Equal(existing)
	if changed {
		canon, _ := merged.Canonicalize()
		s.clocks[key] = canon
		mergeChangedTotal.Inc()
	}
	return s.clocks[key], changed
}

func (s *MemStore) Get(peer ids.PeerId, doc ids.DocId) (Clock, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.clocks[storeKey{peer, doc}]
	return c, ok
}

func (s *MemStore) Has(peer ids.PeerId, doc ids.DocId) bool {
	_, ok := s.Get(peer, doc)
	return ok
}

func (s *MemStore) GetMaximumSatisfiedClock(self ids.PeerId, doc ids.DocId, target Clock) (Clock, bool) {
	stored, ok := s.Get(self, doc)
	if !ok {
		return nil, false
	}
	if stored.LessOrEqual(target) {
		return stored, true
	}
	return nil, false
}
