package room

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind enumerates everything a room can tell its subscribers.
type Kind string

const (
	SessionJoined   Kind = "session_joined"
	SessionLeft     Kind = "session_left"
	SessionUpdated  Kind = "session_updated"
	CommentPosted   Kind = "comment_posted"
	CommentResolved Kind = "comment_resolved"
)

// Event is one room mutation. Payload stays a JSON-safe map so the same
// event can travel the in-process hub, the NATS relay and the websocket
// without re-encoding; consumers decode it with tools/decode.
type Event struct {
	Kind       Kind           `json:"kind"`
	DocumentID string         `json:"document_id"`
	SessionID  string         `json:"session_id,omitempty"` // originator session
	Origin     string         `json:"origin,omitempty"`     // gateway node id
	Payload    map[string]any `json:"payload,omitempty"`
	SentAtMS   int64          `json:"sent_at_ms"`
}

func NewEvent(kind Kind, documentID, sessionID string, payload map[string]any) *Event {
	return &Event{
		Kind:       kind,
		DocumentID: documentID,
		SessionID:  sessionID,
		Payload:    payload,
		SentAtMS:   time.Now().UnixMilli(),
	}
}

func EncodeEvent(ev *Event) ([]byte, error) {
	if ev == nil {
		return nil, fmt.Errorf("EncodeEvent: event is nil")
	}
	return json.Marshal(ev)
}

func DecodeEvent(data []byte) (*Event, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("DecodeEvent: data is empty")
	}
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}
