package transport

import (
	"encoding/json"
	"fmt"

	"github.com/robbynshaw/hypermerge/hmerror"
	"github.com/robbynshaw/hypermerge/repo"
)

// wireTag mirrors router.ExtensionTag's role at the frontend boundary: a
// fixed identifier distinguishing this connection's JSON envelopes from
// anything else that might share the socket.
const wireTag = "hypermerge.frontend.1"

type envelope struct {
	Tag  string          `json:"tag"`
	Kind string          `json:"kind"`
	Body json.RawMessage `json:"body"`
}

// encodeToFrontend wraps a repo.ToFrontend notification for the wire, the
// same tagged-envelope shape router.go uses for peer gossip.
func encodeToFrontend(msg repo.ToFrontend) ([]byte, error) {
	kind := fmt.Sprintf("%T", msg)
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("transport: encode %s: %w", kind, err)
	}
	return json.Marshal(envelope{Tag: wireTag, Kind: kind, Body: body})
}

// decodeToBackend unwraps one inbound client frame into the concrete
// repo.ToBackend request it names in Kind.
func decodeToBackend(raw []byte) (repo.ToBackend, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("transport: decode envelope: %w", err)
	}
	if env.Tag != wireTag {
		return nil, &hmerror.UnknownMessageType{Tag: env.Tag}
	}
	switch env.Kind {
	case "repo.CreateMsg":
		var m repo.CreateMsg
		return m, json.Unmarshal(env.Body, &m)
	case "repo.OpenMsg":
		var m repo.OpenMsg
		return m, json.Unmarshal(env.Body, &m)
	case "repo.DestroyMsg":
		var m repo.DestroyMsg
		return m, json.Unmarshal(env.Body, &m)
	case "repo.DebugMsg":
		var m repo.DebugMsg
		return m, json.Unmarshal(env.Body, &m)
	case "repo.NeedsActorIdMsg":
		var m repo.NeedsActorIdMsg
		return m, json.Unmarshal(env.Body, &m)
	case "repo.RequestMsg":
		var m repo.RequestMsg
		return m, json.Unmarshal(env.Body, &m)
	case "repo.MergeMsg":
		var m repo.MergeMsg
		return m, json.Unmarshal(env.Body, &m)
	case "repo.DocumentMessage":
		var m repo.DocumentMessage
		return m, json.Unmarshal(env.Body, &m)
	case "repo.Query":
		var m repo.Query
		return m, json.Unmarshal(env.Body, &m)
	default:
		return nil, &hmerror.UnknownMessageType{Tag: env.Kind}
	}
}
