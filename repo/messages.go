package repo

import (
	"encoding/json"
	"time"

	"github.com/robbynshaw/hypermerge/clock"
	"github.com/robbynshaw/hypermerge/crdt"
	"github.com/robbynshaw/hypermerge/ids"
)

// ToBackend is the frontend -> backend request union.
type ToBackend interface{ isToBackend() }

type CreateMsg struct {
	PublicKey ids.ActorId
	SecretKey *[64]byte
}

func (CreateMsg) isToBackend() {}

type OpenMsg struct{ Id ids.DocId }

func (OpenMsg) isToBackend() {}

type DestroyMsg struct{ Id ids.DocId }

func (DestroyMsg) isToBackend() {}

type DebugMsg struct {
	Id      ids.DocId
	QueryId uint64
}

func (DebugMsg) isToBackend() {}

type NeedsActorIdMsg struct{ Id ids.DocId }

func (NeedsActorIdMsg) isToBackend() {}

type RequestMsg struct {
	Id      ids.DocId
	Request crdt.ChangeRequest
}

func (RequestMsg) isToBackend() {}

type MergeMsg struct {
	Id     ids.DocId
	Actors map[ids.ActorId]uint64
}

func (MergeMsg) isToBackend() {}

type DocumentMessage struct {
	Id       ids.DocId
	Contents json.RawMessage
}

func (DocumentMessage) isToBackend() {}

type WriteFileMsg struct {
	Id      ids.ActorId
	Bytes   []byte
	Header  FileHeader
	QueryId uint64
}

func (WriteFileMsg) isToBackend() {}

type ReadFileMsg struct {
	Id      ids.ActorId
	QueryId uint64
}

func (ReadFileMsg) isToBackend() {}

// FileHeader mirrors metadata.FileHeader at the frontend boundary.
type FileHeader struct {
	Type  string
	Bytes uint64
}

type MetadataQuery struct{ Id ids.DocId }
type MaterializeQuery struct {
	Id      ids.DocId
	History uint64
}

type Query struct {
	Id       uint64
	Metadata *MetadataQuery
	Materialize *MaterializeQuery
}

func (Query) isToBackend() {}

type CloseMsg struct{}

func (CloseMsg) isToBackend() {}

// ToFrontend is the backend -> frontend notification union.
type ToFrontend interface{ isToFrontend() }

type ReadyMsg struct {
	Id                    ids.DocId
	ActorId               *ids.ActorId
	MinimumClockSatisfied bool
	History               []crdt.Change
	Patch                 crdt.Patch
}

func (ReadyMsg) isToFrontend() {}

type ActorIdMsg struct {
	Id      ids.DocId
	ActorId ids.ActorId
}

func (ActorIdMsg) isToFrontend() {}

type PatchMsg struct {
	Id                    ids.DocId
	MinimumClockSatisfied bool
	History               []crdt.Change
	Patch                 crdt.Patch
}

func (PatchMsg) isToFrontend() {}

type Reply struct {
	Id      uint64
	Payload any
}

func (Reply) isToFrontend() {}

type DocumentMessageOut struct {
	Id       ids.DocId
	Contents json.RawMessage
}

func (DocumentMessageOut) isToFrontend() {}

type ActorBlockDownloadedMsg struct {
	Id      ids.DocId
	ActorId ids.ActorId
	Index   int
	Size    int
	Time    time.Time
}

func (ActorBlockDownloadedMsg) isToFrontend() {}

type FileServerReadyMsg struct{ Path string }

func (FileServerReadyMsg) isToFrontend() {}

// DebugSnapshot is the Reply payload for a DebugMsg query.
type DebugSnapshot struct {
	Doc         ids.DocId
	Actors      []ids.ActorId
	LocalActor  *ids.ActorId
	Clock       clock.Clock
	GoodClock   *clock.Clock
	PendingSync int
}
