// Package protocol defines the wire types exchanged between chat clients and
// the server: the REST resource models and the WebSocket event envelope. All
// WebSocket traffic is JSON with a named event and a payload, so both sides
// can route on the event name before decoding the payload.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Client -> server event names.
const (
	EventJoinConversation  = "join_conversation"
	EventLeaveConversation = "leave_conversation"
	EventSendMessage       = "send_message"
	EventTyping            = "typing"
	EventMessageRead       = "message_read"
)

// Server -> client event names.
const (
	EventJoinedConversation = "joined_conversation"
	EventNewMessage         = "new_message"
	EventUserTyping         = "user_typing"
	EventMessageReadUpdate  = "message_read_update"
	EventError              = "error"
)

// Envelope carries one event over the socket. Data is kept raw so the payload
// can be decoded after routing on Event.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// NewEnvelope encodes an event with its payload into wire bytes.
func NewEnvelope(event string, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal %s payload: %w", event, err)
	}
	return json.Marshal(Envelope{Event: event, Data: data})
}

// ParseEnvelope decodes wire bytes into an Envelope. The payload stays raw.
func ParseEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("protocol: parse envelope: %w", err)
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("protocol: envelope missing event name")
	}
	return env, nil
}

// Client -> server payloads.

type JoinConversation struct {
	ConversationID int `json:"conversation_id"`
}

type LeaveConversation struct {
	ConversationID int `json:"conversation_id"`
}

type SendMessage struct {
	ConversationID int     `json:"conversation_id"`
	Content        string  `json:"content"`
	Attachment     *string `json:"attachment"`
}

type Typing struct {
	ConversationID int  `json:"conversation_id"`
	IsTyping       bool `json:"isTyping"`
}

type MessageRead struct {
	MessageID int `json:"message_id"`
}

// Server -> client payloads.

type JoinedConversation struct {
	ConversationID int `json:"conversation_id"`
}

type NewMessage struct {
	Message Message `json:"message"`
}

type UserTyping struct {
	UserID   int    `json:"userId"`
	UserName string `json:"userName"`
	IsTyping bool   `json:"isTyping"`
}

type MessageReadUpdate struct {
	MessageID int  `json:"message_id"`
	Read      bool `json:"read"`
}

type ErrorEvent struct {
	Message string `json:"message"`
}
