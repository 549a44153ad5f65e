package collab

import (
	"encoding/json"
	"fmt"
)

// one physical connection multiplexes many rooms.
// every envelope carries the document id so the receiver can route it.

const (
	EventJoinDocument    = "join_document"
	EventLeaveDocument   = "leave_document"
	EventJoinedDocument  = "joined-document"
	EventError           = "error"
	EventSync            = "yjs:sync"
	EventAwareness       = "yjs:awareness"
	EventUpdateAck       = "update_ack"
	EventPostAdded       = "scrap_post_added"
	EventPostUpdated     = "scrap_post_updated"
	EventPostDeleted     = "scrap_post_deleted"
	EventUserCountUpdate = "user_count_update"
	EventUserJoined      = "user_joined"
	EventUserLeft        = "user_left"
)

// sync payload types. "Update" carries new document content, "SyncDone" is
// the server's explicit signal that the initial replay is complete.
const (
	SyncTypeUpdate   = "Update"
	SyncTypeSyncDone = "SyncDone"
)

type Envelope struct {
	Event      string          `json:"event"`
	DocumentId string          `json:"document_id,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

type JoinDocument struct {
	ShareToken string `json:"shareToken,omitempty"`
	AuthToken  string `json:"auth_token,omitempty"`
}

type LeaveDocument struct{}

type JoinedDocument struct{}

type RoomError struct {
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

type SyncMessage struct {
	Type string `json:"type"`
	// identifies the update for acknowledgment
	UpdateId Id     `json:"update_id"`
	Update   []byte `json:"update,omitempty"`
}

type AwarenessMessage struct {
	// opaque to the transport, interpreted by `Awareness`
	State []byte `json:"state"`
}

type UpdateAck struct {
	UpdateId Id `json:"update_id"`
}

type PostDeleted struct {
	PostId string `json:"postId"`
}

type UserCountUpdate struct {
	Count int `json:"count"`
}

type UserJoined struct {
	ClientId string `json:"client_id,omitempty"`
}

type UserLeft struct {
	ClientId string `json:"client_id,omitempty"`
}

func ToEnvelope(documentId string, message any) (*Envelope, error) {
	var event string
	switch v := message.(type) {
	case *JoinDocument:
		event = EventJoinDocument
	case *LeaveDocument:
		event = EventLeaveDocument
	case *JoinedDocument:
		event = EventJoinedDocument
	case *RoomError:
		event = EventError
	case *SyncMessage:
		event = EventSync
	case *AwarenessMessage:
		event = EventAwareness
	case *UpdateAck:
		event = EventUpdateAck
	case *ScrapPost:
		event = EventPostAdded
	case *PostDeleted:
		event = EventPostDeleted
	case *UserCountUpdate:
		event = EventUserCountUpdate
	case *UserJoined:
		event = EventUserJoined
	case *UserLeft:
		event = EventUserLeft
	default:
		return nil, fmt.Errorf("unknown message type: %T", v)
	}
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Event:      event,
		DocumentId: documentId,
		Payload:    payload,
	}, nil
}

// a `ScrapPost` maps to `scrap_post_added` in `ToEnvelope`.
// updates reuse the same payload shape with a different event name.
func PostUpdatedEnvelope(documentId string, post *ScrapPost) (*Envelope, error) {
	envelope, err := ToEnvelope(documentId, post)
	if err != nil {
		return nil, err
	}
	envelope.Event = EventPostUpdated
	return envelope, nil
}

func FromEnvelope(envelope *Envelope) (any, error) {
	var message any
	switch envelope.Event {
	case EventJoinDocument:
		message = &JoinDocument{}
	case EventLeaveDocument:
		message = &LeaveDocument{}
	case EventJoinedDocument:
		message = &JoinedDocument{}
	case EventError:
		message = &RoomError{}
	case EventSync:
		message = &SyncMessage{}
	case EventAwareness:
		message = &AwarenessMessage{}
	case EventUpdateAck:
		message = &UpdateAck{}
	case EventPostAdded, EventPostUpdated:
		message = &ScrapPost{}
	case EventPostDeleted:
		message = &PostDeleted{}
	case EventUserCountUpdate:
		message = &UserCountUpdate{}
	case EventUserJoined:
		message = &UserJoined{}
	case EventUserLeft:
		message = &UserLeft{}
	default:
		return nil, fmt.Errorf("unknown event: %s", envelope.Event)
	}
	if len(envelope.Payload) == 0 {
		return message, nil
	}
	err := json.Unmarshal(envelope.Payload, message)
	if err != nil {
		return nil, err
	}
	return message, nil
}

func EncodeEnvelope(envelope *Envelope) ([]byte, error) {
	return json.Marshal(envelope)
}

func DecodeEnvelope(b []byte) (*Envelope, error) {
	envelope := &Envelope{}
	err := json.Unmarshal(b, envelope)
	if err != nil {
		return nil, err
	}
	return envelope, nil
}
