// Package feed is the FeedStore collaborator: hypercore-style append-only
// signed logs with random block access. The real wire/signature protocol is
// explicitly out of scope (spec §1 non-goals); this package gives Actor a
// concrete, in-memory log to drive its state machine against, plus enough
// of a "replication" primitive that two separate Backends can be made to
// converge, the way two hypercore feeds converge once peers replicate them.
package feed

import (
	"fmt"
	"sync"

	"github.com/robbynshaw/hypermerge/ids"
)

// Backend is the storage object behind every actor's feed. One Backend
// instance is opened per repo (in-memory or, in a real deployment, rooted
// at <path>/<actorId>/ — directory persistence is left to a real hypercore
// library and is not reproduced here).
type Backend interface {
	// Open returns the log for actor, creating it empty if this is the
	// first time it's been seen locally.
	Open(actor ids.ActorId) *Log
}

// Log is one actor's append-only block sequence.
type Log struct {
	mu        sync.Mutex
	actor     ids.ActorId
	blocks    [][]byte
	watchers  []chan int // notified (with the new length) after each Append
}

// Append adds block at the next index and returns that index.
func (l *Log) Append(block []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	idx := len(l.blocks)
	cp := make([]byte, len(block))
	copy(cp, block)
	l.blocks = append(l.blocks, cp)
	l.notifyLocked()
	return idx, nil
}

// Block returns the block at index, if present.
func (l *Log) Block(index int) ([]byte, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if index < 0 || index >= len(l.blocks) {
		return nil, false
	}
	return l.blocks[index], true
}

// Len returns the number of blocks currently stored.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.blocks)
}

// Watch registers a channel that receives the log's new length after every
// Append (including appends absorbed via ReplicateFrom). The returned
// cancel function unregisters it.
func (l *Log) Watch() (ch <-chan int, cancel func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c := make(chan int, 64)
	l.watchers = append(l.watchers, c)
	return c, func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		for i, w := range l.watchers {
			if w == c {
				l.watchers = append(l.watchers[:i], l.watchers[i+1:]...)
				close(c)
				return
			}
		}
	}
}

func (l *Log) notifyLocked() {
	n := len(l.blocks)
	for _, w := range l.watchers {
		select {
		case w <- n:
		default:
		}
	}
}

// absorb is used by ReplicateFrom to pull in blocks this log doesn't yet
// have, preserving index order.
func (l *Log) absorb(blocks [][]byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	before := len(l.blocks)
	for i := len(l.blocks); i < len(blocks); i++ {
		cp := make([]byte, len(blocks[i]))
		copy(cp, blocks[i])
		l.blocks = append(l.blocks, cp)
	}
	if len(l.blocks) > before {
		l.notifyLocked()
	}
}

func (l *Log) snapshot() [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([][]byte, len(l.blocks))
	copy(out, l.blocks)
	return out
}

// MemBackend is an in-memory Backend, used both when a repo is opened with
// Memory: true and as the default test backend.
type MemBackend struct {
	mu   sync.Mutex
	logs map[ids.ActorId]*Log
}

// NewMemBackend returns an empty in-memory feed backend.
func NewMemBackend() *MemBackend {
	return &MemBackend{logs: make(map[ids.ActorId]*Log)}
}

func (b *MemBackend) Open(actor ids.ActorId) *Log {
	b.mu.Lock()
	defer b.mu.Unlock()
	if l, ok := b.logs[actor]; ok {
		return l
	}
	l := &Log{actor: actor}
	b.logs[actor] = l
	return l
}

// ReplicateFrom copies actor's current blocks from remote into this
// backend's local log for actor, and keeps pulling as remote grows, until
// the returned stop function is called. This models what a real hypercore
// replication stream does once the repo decides two peers should replicate
// a feed (see replication.Manager and RepoBackend's discovery handling).
func (b *MemBackend) ReplicateFrom(remote Backend, actor ids.ActorId) (stop func()) {
	local := b.Open(actor)
	remoteLog := remote.Open(actor)

	local.absorb(remoteLog.snapshot())

	ch, cancelWatch := remoteLog.Watch()
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ch:
				local.absorb(remoteLog.snapshot())
			case <-done:
				return
			}
		}
	}()
	return func() {
		cancelWatch()
		close(done)
	}
}

func (l *Log) String() string {
	return fmt.Sprintf("feed.Log{actor=%s len=%d}", l.actor, l.Len())
}
