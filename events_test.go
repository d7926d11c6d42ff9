package chatsync

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDecodeEvent(t *testing.T) {
	t.Run("new message", func(t *testing.T) {
		env := Envelope{
			Type:    EventNewMessage,
			Channel: "conversation.c1",
			Payload: json.RawMessage(`{"message":{"id":"m1","conversationId":"c1","senderId":"u1","body":"hi","createdAt":"2026-03-01T10:00:00Z","correlationId":"local-x"}}`),
		}
		ev, err := DecodeEvent(env)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		nm, ok := ev.(NewMessage)
		if !ok {
			t.Fatalf("expected NewMessage, got %T", ev)
		}
		if nm.Message.ID != "m1" || nm.Message.Body != "hi" || nm.Message.CorrelationID != "local-x" {
			t.Fatalf("unexpected message: %+v", nm.Message)
		}
		if !nm.Message.CreatedAt.Equal(t0) {
			t.Fatalf("expected createdAt %v, got %v", t0, nm.Message.CreatedAt)
		}
		if nm.Message.Kind != KindConfirmed {
			t.Fatalf("expected confirmed kind, got %s", nm.Message.Kind)
		}
	})

	t.Run("deletions", func(t *testing.T) {
		ev, err := DecodeEvent(Envelope{Type: EventMessageDeleted, Payload: json.RawMessage(`{"messageId":"m1"}`)})
		if err != nil || ev.(MessageDeleted).MessageID != "m1" {
			t.Fatalf("unexpected result: %v %v", ev, err)
		}
		ev, err = DecodeEvent(Envelope{Type: EventMessagesDeleted, Payload: json.RawMessage(`{"messageIds":["m1"," ","m2"]}`)})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got := ev.(MessagesDeleted).MessageIDs; len(got) != 2 || got[0] != "m1" || got[1] != "m2" {
			t.Fatalf("expected blank ids filtered, got %v", got)
		}
	})

	t.Run("handshake", func(t *testing.T) {
		ev, err := DecodeEvent(Envelope{Type: EventSubscriptionAck, Channel: "room.r1"})
		if err != nil || ev.(SubscriptionAck).Channel != "room.r1" {
			t.Fatalf("unexpected ack: %v %v", ev, err)
		}
		ev, err = DecodeEvent(Envelope{Type: EventSubscriptionError, Channel: "room.r1", Payload: json.RawMessage(`{"status":403,"reason":"not a member"}`)})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		se := ev.(SubscriptionError)
		if se.Status != 403 || !errors.Is(se, ErrSubscription) {
			t.Fatalf("unexpected subscription error: %+v", se)
		}
		// A bare error frame is still a rejection.
		if _, err := DecodeEvent(Envelope{Type: EventSubscriptionError, Channel: "room.r1"}); err != nil {
			t.Fatalf("unexpected error for bare frame: %v", err)
		}
	})

	malformed := []struct {
		name string
		env  Envelope
	}{
		{"unknown type", Envelope{Type: "typing.start", Payload: json.RawMessage(`{}`)}},
		{"missing payload", Envelope{Type: EventNewMessage}},
		{"not json", Envelope{Type: EventNewMessage, Payload: json.RawMessage(`not json`)}},
		{"missing message", Envelope{Type: EventNewMessage, Payload: json.RawMessage(`{}`)}},
		{"missing id", Envelope{Type: EventNewMessage, Payload: json.RawMessage(`{"message":{"body":"x","createdAt":"2026-03-01T10:00:00Z"}}`)}},
		{"ephemeral id", Envelope{Type: EventNewMessage, Payload: json.RawMessage(`{"message":{"id":"local-1","createdAt":"2026-03-01T10:00:00Z"}}`)}},
		{"bad timestamp", Envelope{Type: EventNewMessage, Payload: json.RawMessage(`{"message":{"id":"m1","createdAt":"yesterday"}}`)}},
		{"blank delete", Envelope{Type: EventMessageDeleted, Payload: json.RawMessage(`{"messageId":""}`)}},
		{"empty batch", Envelope{Type: EventMessagesDeleted, Payload: json.RawMessage(`{"messageIds":[]}`)}},
	}
	for _, tt := range malformed {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeEvent(tt.env); !errors.Is(err, ErrMalformedEvent) {
				t.Fatalf("expected ErrMalformedEvent, got %v", err)
			}
		})
	}
}

func TestEncodeEvent(t *testing.T) {
	msg := confirmed("m1", "c1", "u1", "hi", t0)
	env, err := EncodeEvent("conversation.c1", NewMessage{Message: msg})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if env.Type != EventNewMessage || env.Channel != "conversation.c1" {
		t.Fatalf("unexpected envelope: %+v", env)
	}
	ev, err := DecodeEvent(env)
	if err != nil {
		t.Fatalf("decode encoded event: %v", err)
	}
	if got := ev.(NewMessage).Message; got.ID != "m1" || !got.CreatedAt.Equal(t0) {
		t.Fatalf("unexpected message: %+v", got)
	}

	ack, err := EncodeEvent("room.r1", SubscriptionAck{Channel: "room.r1"})
	if err != nil || ack.Payload != nil {
		t.Fatalf("expected ack without payload, got %+v %v", ack, err)
	}
}
