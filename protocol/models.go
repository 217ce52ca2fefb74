package protocol

import "time"

// User is a participant in a conversation. Resolved once per session and
// immutable afterwards.
type User struct {
	ID     int     `json:"id"`
	Name   string  `json:"name"`
	Avatar *string `json:"avatar,omitempty"`
}

// Message belongs to exactly one conversation. At least one of Content and
// Attachment is present on a sendable message.
type Message struct {
	ID             int       `json:"id"`
	ConversationID int       `json:"conversation_id"`
	UserID         int       `json:"user_id"`
	Content        string    `json:"content"`
	Attachment     *string   `json:"attachment"`
	Read           bool      `json:"read"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Conversation is a two-party channel. The initiator is the user who started
// the conversation, the responder the one who was contacted.
type Conversation struct {
	ID          int       `json:"id"`
	InitiatorID int       `json:"initiator_id"`
	ResponderID int       `json:"responder_id"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
	Initiator   User      `json:"initiator"`
	Responder   User      `json:"responder"`

	// Messages holds the most recent messages when the conversation was
	// fetched through the list endpoint. May be nil.
	Messages []Message `json:"messages,omitempty"`
}

// Participants returns both participant records in initiator, responder order.
func (c *Conversation) Participants() [2]User {
	return [2]User{c.Initiator, c.Responder}
}
