package sheetsync

import (
	"encoding/json"
	"fmt"
	"time"
)

// Revision is an ordered batch of document commands exchanged during
// collaborative editing. The relay imposes a single total order: a revision
// is only accepted if its base is the relay's current head.
type Revision struct {
	Id         Id         `json:"id"`
	BaseId     Id         `json:"base_id"`
	ClientId   Id         `json:"client_id"`
	Commands   []*Command `json:"commands"`
	CreateTime time.Time  `json:"create_time"`
}

func NewRevision(clientId Id, baseId Id, commands []*Command) *Revision {
	return &Revision{
		Id:         NewId(),
		BaseId:     baseId,
		ClientId:   clientId,
		Commands:   commands,
		CreateTime: time.Now().UTC(),
	}
}

type RevisionAck struct {
	RevisionId Id   `json:"revision_id"`
	Accepted   bool `json:"accepted"`
	// the relay head at ack time. on rejection this is the base the client
	// must catch up to before resending.
	CurrentRevisionId Id `json:"current_revision_id"`
}

type JoinResult struct {
	Snapshot       []byte `json:"snapshot,omitempty"`
	LastRevisionId Id     `json:"last_revision_id"`
}

// relay wire frames (websocket transport). one frame type per message,
// dispatched on the type tag.

const (
	frameTypeJoin            = "join"
	frameTypeJoinResult      = "join_result"
	frameTypeRevision        = "revision"
	frameTypeAck             = "ack"
	frameTypeRemoteRevision  = "remote_revision"
	frameTypeRevisionsSince  = "revisions_since"
	frameTypeRevisionHistory = "revision_history"
	frameTypeError           = "error"
)

type relayFrame struct {
	Type string `json:"type"`

	// request correlation for frames that expect a reply
	RequestId Id `json:"request_id,omitempty"`

	DocumentId Id          `json:"document_id,omitempty"`
	Revision   *Revision   `json:"revision,omitempty"`
	Ack        *RevisionAck `json:"ack,omitempty"`
	Join       *JoinResult `json:"join,omitempty"`
	SinceId    Id          `json:"since_id,omitempty"`
	Revisions  []*Revision `json:"revisions,omitempty"`
	Message    string      `json:"message,omitempty"`
}

func encodeRelayFrame(frame *relayFrame) ([]byte, error) {
	if frame.Type == "" {
		return nil, fmt.Errorf("relay frame requires a type")
	}
	return json.Marshal(frame)
}

func decodeRelayFrame(frameBytes []byte) (*relayFrame, error) {
	frame := &relayFrame{}
	if err := json.Unmarshal(frameBytes, frame); err != nil {
		return nil, err
	}
	if frame.Type == "" {
		return nil, fmt.Errorf("relay frame missing type")
	}
	return frame, nil
}
