package protocol

import (
	"encoding/json"
	"testing"
)

func TestParseEnvelope(t *testing.T) {
	raw := []byte(`{"event":"new_message","data":{"message":{"id":7}}}`)

	env, err := ParseEnvelope(raw)
	if err != nil {
		t.Fatalf("ParseEnvelope failed: %v", err)
	}
	if env.Event != EventNewMessage {
		t.Errorf("event = %q, want %q", env.Event, EventNewMessage)
	}

	var payload NewMessage
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		t.Fatalf("unmarshal data: %v", err)
	}
	if payload.Message.ID != 7 {
		t.Errorf("message id = %d, want 7", payload.Message.ID)
	}
}

func TestParseEnvelopeRejectsMissingEvent(t *testing.T) {
	if _, err := ParseEnvelope([]byte(`{"data":{}}`)); err == nil {
		t.Error("expected error for envelope without event")
	}
}

func TestParseEnvelopeRejectsMalformedJSON(t *testing.T) {
	if _, err := ParseEnvelope([]byte(`{"event":`)); err == nil {
		t.Error("expected error for malformed frame")
	}
}

func TestNewEnvelopeRoundTrip(t *testing.T) {
	data, err := NewEnvelope(EventTyping, Typing{ConversationID: 42, IsTyping: true})
	if err != nil {
		t.Fatalf("NewEnvelope failed: %v", err)
	}

	env, err := ParseEnvelope(data)
	if err != nil {
		t.Fatalf("ParseEnvelope failed: %v", err)
	}
	var payload Typing
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		t.Fatalf("unmarshal data: %v", err)
	}
	if payload.ConversationID != 42 || !payload.IsTyping {
		t.Errorf("payload = %+v, want conversation 42 typing", payload)
	}
}

func TestEnvelopeWithoutPayload(t *testing.T) {
	data, err := NewEnvelope(EventLeaveConversation, nil)
	if err != nil {
		t.Fatalf("NewEnvelope failed: %v", err)
	}
	if _, err := ParseEnvelope(data); err != nil {
		t.Fatalf("ParseEnvelope failed: %v", err)
	}
}
