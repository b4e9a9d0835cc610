package gateway

import (
	"encoding/base64"
	"encoding/json"

	"github.com/montereylabs/duet/backend/internal/presence"
)

// EventType labels a websocket envelope.
type EventType string

// Client-originated events.
const (
	EventJoin        EventType = "join"
	EventLeave       EventType = "leave"
	EventDocUpdate   EventType = "doc-update"
	EventAwareness   EventType = "awareness"
	EventRequestSync EventType = "request-sync"
	EventSendMessage EventType = "send-message"
)

// Server-originated events. EventDocUpdate and EventAwareness are relayed
// in both directions under the same name.
const (
	EventDocState        EventType = "doc-state"
	EventUserJoined      EventType = "user-joined"
	EventUserLeft        EventType = "user-left"
	EventChatMessage     EventType = "chat-message"
	EventSessionNotFound EventType = "session-not-found"
)

// ChatPayload is the relayed chat message with its server-assigned
// identifier and timestamp.
type ChatPayload struct {
	MessageID     string `json:"messageId"`
	UserID        string `json:"userId"`
	UserName      string `json:"userName"`
	Body          string `json:"body"`
	SentAtSeconds int64  `json:"sentAtS"`
}

// Envelope is the JSON frame exchanged over the websocket. Binary CRDT and
// awareness payloads travel base64-encoded in PayloadB64 and are treated as
// opaque byte strings everywhere outside the document engine.
type Envelope struct {
	Type       EventType      `json:"type"`
	SessionID  string         `json:"sessionId,omitempty"`
	PayloadB64 string         `json:"payload,omitempty"`
	User       *presence.User `json:"user,omitempty"`
	UserID     string         `json:"userId,omitempty"`
	Text       string         `json:"text,omitempty"`
	Message    *ChatPayload   `json:"message,omitempty"`
}

// Payload decodes the envelope's base64 payload. Undecodable input yields
// nil, which the caller treats like an empty payload.
func (e Envelope) Payload() []byte {
	if e.PayloadB64 == "" {
		return nil
	}
	raw, err := base64.StdEncoding.DecodeString(e.PayloadB64)
	if err != nil {
		return nil
	}
	return raw
}

func encodeEnvelope(envelope Envelope) []byte {
	raw, err := json.Marshal(envelope)
	if err != nil {
		return nil
	}
	return raw
}

func binaryEnvelope(eventType EventType, sessionID string, payload []byte) []byte {
	return encodeEnvelope(Envelope{
		Type:       eventType,
		SessionID:  sessionID,
		PayloadB64: base64.StdEncoding.EncodeToString(payload),
	})
}
