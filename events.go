package chatsync

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Wire event names.
const (
	EventNewMessage        = "new-message"
	EventMessageDeleted    = "message-deleted"
	EventMessagesDeleted   = "messages-deleted"
	EventSubscriptionAck   = "subscription.ack"
	EventSubscriptionError = "subscription.error"
)

// ChannelEvents lists every event a subscription binds.
var ChannelEvents = []string{
	EventNewMessage,
	EventMessageDeleted,
	EventMessagesDeleted,
	EventSubscriptionAck,
	EventSubscriptionError,
}

// Envelope is the wire format of every push frame.
type Envelope struct {
	Type    string          `json:"type"`
	Channel string          `json:"channel,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Event is one of NewMessage, MessageDeleted, MessagesDeleted,
// SubscriptionAck or SubscriptionError. The set is closed.
type Event interface {
	EventName() string
	isEvent()
}

// NewMessage carries a confirmed message.
type NewMessage struct {
	Message Message
}

// MessageDeleted removes one message.
type MessageDeleted struct {
	MessageID string
}

// MessagesDeleted removes a batch of messages.
type MessagesDeleted struct {
	MessageIDs []string
}

// SubscriptionAck confirms a channel subscription.
type SubscriptionAck struct {
	Channel string
}

// SubscriptionError rejects a channel subscription.
type SubscriptionError struct {
	Channel string
	Status  int
	Reason  string
}

func (NewMessage) EventName() string        { return EventNewMessage }
func (MessageDeleted) EventName() string    { return EventMessageDeleted }
func (MessagesDeleted) EventName() string   { return EventMessagesDeleted }
func (SubscriptionAck) EventName() string   { return EventSubscriptionAck }
func (SubscriptionError) EventName() string { return EventSubscriptionError }

func (NewMessage) isEvent()        {}
func (MessageDeleted) isEvent()    {}
func (MessagesDeleted) isEvent()   {}
func (SubscriptionAck) isEvent()   {}
func (SubscriptionError) isEvent() {}

// Error makes a rejected handshake usable as an error value.
func (e SubscriptionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("subscribe %s: status %d: %s", e.Channel, e.Status, e.Reason)
	}
	return fmt.Sprintf("subscribe %s: status %d", e.Channel, e.Status)
}

func (e SubscriptionError) Unwrap() error { return ErrSubscription }

// ErrMalformedEvent is returned by DecodeEvent for frames that cannot be narrowed.
var ErrMalformedEvent = errors.New("malformed event")

// DecodeEvent narrows a raw envelope into the closed Event set. Unknown types
// and incomplete payloads are rejected so nothing downstream sees them.
func DecodeEvent(env Envelope) (Event, error) {
	switch env.Type {
	case EventNewMessage:
		var p struct {
			Message *wireMessage `json:"message"`
		}
		if err := unmarshalPayload(env.Payload, &p); err != nil {
			return nil, err
		}
		if p.Message == nil {
			return nil, malformed(env.Type, "missing message")
		}
		msg, ok := p.Message.toMessage()
		if !ok {
			return nil, malformed(env.Type, "message needs a server id and createdAt")
		}
		return NewMessage{Message: msg}, nil

	case EventMessageDeleted:
		var p struct {
			MessageID string `json:"messageId"`
		}
		if err := unmarshalPayload(env.Payload, &p); err != nil {
			return nil, err
		}
		if strings.TrimSpace(p.MessageID) == "" {
			return nil, malformed(env.Type, "missing messageId")
		}
		return MessageDeleted{MessageID: p.MessageID}, nil

	case EventMessagesDeleted:
		var p struct {
			MessageIDs []string `json:"messageIds"`
		}
		if err := unmarshalPayload(env.Payload, &p); err != nil {
			return nil, err
		}
		ids := make([]string, 0, len(p.MessageIDs))
		for _, id := range p.MessageIDs {
			if strings.TrimSpace(id) != "" {
				ids = append(ids, id)
			}
		}
		if len(ids) == 0 {
			return nil, malformed(env.Type, "missing messageIds")
		}
		return MessagesDeleted{MessageIDs: ids}, nil

	case EventSubscriptionAck:
		return SubscriptionAck{Channel: env.Channel}, nil

	case EventSubscriptionError:
		var p struct {
			Status int    `json:"status"`
			Reason string `json:"reason"`
		}
		// A bare error frame is still a rejection.
		_ = unmarshalPayload(env.Payload, &p)
		return SubscriptionError{Channel: env.Channel, Status: p.Status, Reason: p.Reason}, nil
	}
	return nil, malformed(env.Type, "unknown event type")
}

// EncodeEvent is the inverse of DecodeEvent. It is used by servers and tests.
func EncodeEvent(channel string, ev Event) (Envelope, error) {
	var payload any
	switch e := ev.(type) {
	case NewMessage:
		payload = map[string]any{"message": toWire(e.Message)}
	case MessageDeleted:
		payload = map[string]string{"messageId": e.MessageID}
	case MessagesDeleted:
		payload = map[string][]string{"messageIds": e.MessageIDs}
	case SubscriptionAck:
		payload = nil
	case SubscriptionError:
		payload = map[string]any{"status": e.Status, "reason": e.Reason}
	default:
		return Envelope{}, fmt.Errorf("encode event: unsupported type %T", ev)
	}
	env := Envelope{Type: ev.EventName(), Channel: channel}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("encode event: %w", err)
		}
		env.Payload = data
	}
	return env, nil
}

func unmarshalPayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: empty payload", ErrMalformedEvent)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return nil
}

func malformed(eventType, reason string) error {
	return fmt.Errorf("%w: %s: %s", ErrMalformedEvent, eventType, reason)
}
