package chatsync

import (
	"encoding/json"
	"strings"
	"time"
)

// ============================================================================
// Messages
// ============================================================================

// MessageKind distinguishes locally created placeholders from server-confirmed messages.
type MessageKind int

const (
	KindConfirmed MessageKind = iota
	KindPlaceholder
)

func (k MessageKind) String() string {
	if k == KindPlaceholder {
		return "placeholder"
	}
	return "confirmed"
}

// EphemeralPrefix tags ids generated on the client. Server ids never carry it.
const EphemeralPrefix = "local-"

// Attachment is a reference to an uploaded file.
type Attachment struct {
	URL  string `json:"url"`
	Path string `json:"path,omitempty"`
}

// Message is one entry of a conversation log.
//
// A placeholder carries its ephemeral id both as ID and EphemeralID until the
// send resolves. Confirmed messages are immutable except for removal.
type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversationId"`
	SenderID       string      `json:"senderId"`
	Body           string      `json:"body,omitempty"`
	Attachment     *Attachment `json:"attachment,omitempty"`
	CreatedAt      time.Time   `json:"createdAt"`
	Kind           MessageKind `json:"-"`
	EphemeralID    string      `json:"-"`
	CorrelationID  string      `json:"correlationId,omitempty"`
}

// IsPlaceholder reports whether m is an unresolved optimistic message.
func (m Message) IsPlaceholder() bool { return m.Kind == KindPlaceholder }

// Summary returns a short preview used for conversation lists.
func (m Message) Summary() MessageSummary {
	text := m.Body
	if text == "" && m.Attachment != nil {
		text = "[attachment]"
	}
	return MessageSummary{ID: m.ID, SenderID: m.SenderID, Text: text, CreatedAt: m.CreatedAt}
}

// wireMessage is the JSON shape used by the REST API and push events.
type wireMessage struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversationId"`
	SenderID       string      `json:"senderId"`
	Body           string      `json:"body,omitempty"`
	Attachment     *Attachment `json:"attachment,omitempty"`
	CreatedAt      string      `json:"createdAt"`
	CorrelationID  string      `json:"correlationId,omitempty"`
}

func (w wireMessage) toMessage() (Message, bool) {
	if strings.TrimSpace(w.ID) == "" || strings.HasPrefix(w.ID, EphemeralPrefix) {
		return Message{}, false
	}
	created, err := time.Parse(time.RFC3339Nano, w.CreatedAt)
	if err != nil {
		return Message{}, false
	}
	return Message{
		ID:             w.ID,
		ConversationID: w.ConversationID,
		SenderID:       w.SenderID,
		Body:           w.Body,
		Attachment:     w.Attachment,
		CreatedAt:      created,
		Kind:           KindConfirmed,
		CorrelationID:  w.CorrelationID,
	}, true
}

func toWire(m Message) wireMessage {
	return wireMessage{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Body:           m.Body,
		Attachment:     m.Attachment,
		CreatedAt:      m.CreatedAt.UTC().Format(time.RFC3339Nano),
		CorrelationID:  m.CorrelationID,
	}
}

// ============================================================================
// Conversations
// ============================================================================

// ConversationStatus is the lifecycle state of a conversation.
type ConversationStatus string

const (
	StatusActive   ConversationStatus = "active"
	StatusClosed   ConversationStatus = "closed"
	StatusArchived ConversationStatus = "archived"
)

// MessageSummary is the last-message preview of a conversation.
type MessageSummary struct {
	ID        string    `json:"id"`
	SenderID  string    `json:"senderId"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}

// Conversation is a conversation list entry.
type Conversation struct {
	ID           string             `json:"id"`
	Participants []string           `json:"participants"`
	LastMessage  *MessageSummary    `json:"lastMessage,omitempty"`
	UnreadCount  int                `json:"unreadCount"`
	Status       ConversationStatus `json:"status"`
}

// StatusUpdate closes or archives a conversation.
type StatusUpdate struct {
	State  ConversationStatus `json:"state"`
	Reason string             `json:"reason,omitempty"`
}

// Profile is the public part of a user record.
type Profile struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

// ============================================================================
// Drafts
// ============================================================================

// File is an attachment that still has to go through the upload service.
type File struct {
	Name     string
	MimeType string
	Data     []byte
}

// Draft is a message the user asked to send.
type Draft struct {
	ConversationID string
	Body           string
	Attachment     *Attachment
	File           *File
}

// normalize trims the body and checks that the draft carries something to send.
func (d Draft) normalize() (Draft, error) {
	d.ConversationID = strings.TrimSpace(d.ConversationID)
	d.Body = strings.TrimSpace(d.Body)
	if d.ConversationID == "" {
		return d, invalidDraft("conversation id is required")
	}
	if d.Body == "" && d.Attachment == nil && d.File == nil {
		return d, invalidDraft("message must contain either body or attachment")
	}
	if d.File != nil && (d.File.Name == "" || len(d.File.Data) == 0) {
		return d, invalidDraft("file needs a name and content")
	}
	return d, nil
}

// CreateMessageInput is the body of a create-message request.
type CreateMessageInput struct {
	Body          string      `json:"body,omitempty"`
	Attachment    *Attachment `json:"attachment,omitempty"`
	CorrelationID string      `json:"correlationId,omitempty"`
}

// ============================================================================
// API envelope
// ============================================================================

// apiResult is the envelope every REST response is wrapped in.
type apiResult struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

func (r *apiResult) decode(v any) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}
