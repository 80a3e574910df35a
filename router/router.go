// Package router is the MessageRouter collaborator: it multiplexes typed
// gossip messages over each peer's transport stream under a single
// extension tag, the way a hypercore replication stream multiplexes an
// extension channel alongside the block-replication protocol.
package router

import (
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/robbynshaw/hypermerge/clock"
	"github.com/robbynshaw/hypermerge/hmerror"
	"github.com/robbynshaw/hypermerge/ids"
	"github.com/robbynshaw/hypermerge/metadata"
	"github.com/robbynshaw/hypermerge/swarm"
)

// ExtensionTag is the fixed identifier every gossip message is wrapped
// under on the wire.
const ExtensionTag = "hypermerge.2"

// WireBlock is the serializable projection of a metadata.Block, gossiped
// between peers.
type WireBlock struct {
	Doc        ids.DocId
	Actors     []ids.ActorId
	Writable   map[ids.ActorId]bool
	Merge      clock.Clock
	IsFile     bool
	FileHeader *metadata.FileHeader
}

// PeerMsg is the closed set of gossip message variants.
type PeerMsg interface{ isPeerMsg() }

// RemoteMetadata gossips everything the sender knows.
type RemoteMetadata struct {
	Blocks []WireBlock
	Clocks map[ids.DocId]clock.Clock
}

func (RemoteMetadata) isPeerMsg() {}

// DocumentMessage is an application-level passthrough to peers interested
// in a document.
type DocumentMessage struct {
	Id       ids.DocId
	Contents json.RawMessage
}

func (DocumentMessage) isPeerMsg() {}

type envelope struct {
	Tag  string          `json:"tag"`
	Kind string          `json:"kind"`
	Body json.RawMessage `json:"body"`
}

// Routed pairs an inbound message with the peer it arrived from.
type Routed struct {
	Sender ids.PeerId
	Msg    PeerMsg
}

// Router decodes inbound peer bytes into typed messages and encodes
// outbound ones.
type Router struct {
	log    *zap.SugaredLogger
	inboxQ chan Routed
}

// New returns a Router. log may be nil (defaults to a no-op logger).
func New(log *zap.SugaredLogger) *Router {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Router{log: log, inboxQ: make(chan Routed, 256)}
}

// InboxQ returns the channel of decoded inbound messages.
func (r *Router) InboxQ() <-chan Routed { return r.inboxQ }

// ListenTo begins decoding inbound bytes from peer on its own goroutine
// until peer.Recv closes.
func (r *Router) ListenTo(peer *swarm.Peer) {
	go func() {
		for raw := range peer.Recv {
			msg, err := decode(raw)
			if err != nil {
				r.log.Warnw("dropping malformed gossip message", "peer", peer.ID, "err", err)
				continue
			}
			r.inboxQ <- Routed{Sender: peer.ID, Msg: msg}
		}
	}()
}

// SendToPeer encodes and transmits msg to peer.
func (r *Router) SendToPeer(peer *swarm.Peer, msg PeerMsg) error {
	raw, err := encode(msg)
	if err != nil {
		return err
	}
	peer.Send <- raw
	return nil
}

// SendToPeers encodes msg once and transmits it to every peer in peers. An
// encode failure is logged (not returned) and nothing is sent.
func (r *Router) SendToPeers(peers []*swarm.Peer, msg PeerMsg) {
	raw, err := encode(msg)
	if err != nil {
		r.log.Warnw("failed to encode outbound gossip message", "err", err)
		return
	}
	for _, p := range peers {
		p.Send <- raw
	}
}

func encode(msg PeerMsg) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("router: encode body: %w", err)
	}
	kind := kindOf(msg)
	env := envelope{Tag: ExtensionTag, Kind: kind, Body: body}
	return json.Marshal(env)
}

func kindOf(msg PeerMsg) string {
	switch msg.(type) {
	case RemoteMetadata:
		return "RemoteMetadata"
	case DocumentMessage:
		return "DocumentMessage"
	default:
		return fmt.Sprintf("%T", msg)
	}
}

func decode(raw []byte) (PeerMsg, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("router: decode envelope: %w", err)
	}
	if env.Tag != ExtensionTag {
		return nil, &hmerror.UnknownMessageType{Tag: env.Tag}
	}
	switch env.Kind {
	case "RemoteMetadata":
		var m RemoteMetadata
		if err := json.Unmarshal(env.Body, &m); err != nil {
			return nil, fmt.Errorf("router: decode RemoteMetadata: %w", err)
		}
		return m, nil
	case "DocumentMessage":
		var m DocumentMessage
		if err := json.Unmarshal(env.Body, &m); err != nil {
			return nil, fmt.Errorf("router: decode DocumentMessage: %w", err)
		}
		return m, nil
	default:
		return nil, &hmerror.UnknownMessageType{Tag: env.Kind}
	}
}

// SanitizeRemoteMetadata strips writable bits (a peer is only authoritative
// about its own writability, which is learned locally from the feed layer)
// and drops any block with a zero DocId.
func SanitizeRemoteMetadata(m RemoteMetadata) RemoteMetadata {
	out := RemoteMetadata{Clocks: m.Clocks}
	for _, b := range m.Blocks {
		if b.Doc.IsZero() {
			continue
		}
		clean := b
		clean.Writable = nil
		out.Blocks = append(out.Blocks, clean)
	}
	return out
}

// BlocksFromMetadata flattens a metadata.Store snapshot into wire form.
func BlocksFromMetadata(snapshot map[ids.DocId]*metadata.Block) []WireBlock {
	out := make([]WireBlock, 0, len(snapshot))
	for doc, b := range snapshot {
		actors := make([]ids.ActorId, 0, len(b.Actors))
		for a := range b.Actors {
			actors = append(actors, a)
		}
		writable := make(map[ids.ActorId]bool, len(b.Writable))
		for a, w := range b.Writable {
			writable[a] = w
		}
		out = append(out, WireBlock{
			Doc:        doc,
			Actors:     actors,
			Writable:   writable,
			Merge:      b.Merge,
			IsFile:     b.IsFile,
			FileHeader: b.FileHeader,
		})
	}
	return out
}

// BlocksToMetadata converts wire blocks back into the shape
// metadata.Store.AddBlocks expects.
func BlocksToMetadata(blocks []WireBlock) map[ids.DocId]*metadata.Block {
	out := make(map[ids.DocId]*metadata.Block, len(blocks))
	for _, wb := range blocks {
		b := &metadata.Block{
			Actors:     make(map[ids.ActorId]struct{}, len(wb.Actors)),
			Writable:   make(map[ids.ActorId]bool, len(wb.Writable)),
			Merge:      wb.Merge,
			IsFile:     wb.IsFile,
			FileHeader: wb.FileHeader,
		}
		for _, a := range wb.Actors {
			b.Actors[a] = struct{}{}
		}
		for a, w := range wb.Writable {
			b.Writable[a] = w
		}
		out[wb.Doc] = b
	}
	return out
}
