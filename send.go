package chatsync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// MessageCreator is the write side of the persistence API.
type MessageCreator interface {
	CreateMessage(ctx context.Context, conversationID string, in CreateMessageInput) (Message, error)
}

// Uploader turns a local file into an attachment reference.
type Uploader interface {
	Upload(ctx context.Context, f File) (Attachment, error)
}

// StoreAccess runs fn against the Store of conversationID if that conversation
// is still the active one, and reports whether it ran.
type StoreAccess func(conversationID string, fn func(*Store)) bool

// SingleStore is a StoreAccess bound to one store that never goes stale.
func SingleStore(s *Store) StoreAccess {
	return func(conversationID string, fn func(*Store)) bool {
		if conversationID != s.ConversationID() {
			return false
		}
		fn(s)
		return true
	}
}

// SendFailure is reported when a send is rolled back. Draft is what the user
// typed, ready to be put back into the input.
type SendFailure struct {
	Draft Draft
	Err   error
}

// SendPipeline performs optimistic sends. Sends are independent: each one has
// its own ephemeral id and none holds a lock across the network.
type SendPipeline struct {
	creator  MessageCreator
	uploader Uploader
	access   StoreAccess
	selfID   string
	now      func() time.Time
	logger   *slog.Logger
	metrics  *Metrics
	failed   *emitter[SendFailure]
}

// NewSendPipeline creates a pipeline that writes through creator and keeps the
// stores reached through access in sync. uploader may be nil when drafts never
// carry files.
func NewSendPipeline(creator MessageCreator, uploader Uploader, access StoreAccess, selfID string, logger *slog.Logger, metrics *Metrics) *SendPipeline {
	if logger == nil {
		logger = discardLogger()
	}
	return &SendPipeline{
		creator:  creator,
		uploader: uploader,
		access:   access,
		selfID:   selfID,
		now:      time.Now,
		logger:   logger,
		metrics:  metrics,
		failed:   newEmitter[SendFailure]("send-failed", logger),
	}
}

// OnFailed registers fn for rolled-back sends.
func (p *SendPipeline) OnFailed(fn func(SendFailure)) { p.failed.on(fn) }

// NewEphemeralID returns a client-side id that can never collide with a server id.
func NewEphemeralID() string {
	return EphemeralPrefix + uuid.NewString()
}

// Send shows a placeholder for d immediately, then writes it. On success the
// placeholder is swapped for the authoritative message; on failure it is
// removed, the draft is handed back through OnFailed and the error returned.
func (p *SendPipeline) Send(ctx context.Context, d Draft) (Message, error) {
	original := d
	d, err := d.normalize()
	if err != nil {
		p.metrics.send(outcomeOf(err))
		return Message{}, err
	}

	eid := NewEphemeralID()
	placeholder := Message{
		ID:             eid,
		ConversationID: d.ConversationID,
		SenderID:       p.selfID,
		Body:           d.Body,
		Attachment:     d.Attachment,
		CreatedAt:      p.now(),
		Kind:           KindPlaceholder,
		EphemeralID:    eid,
	}
	if placeholder.Attachment == nil && d.File != nil {
		placeholder.Attachment = &Attachment{Path: d.File.Name}
	}
	if !p.access(d.ConversationID, func(s *Store) { s.Upsert(placeholder) }) {
		p.metrics.send(outcomeOf(ErrStale))
		return Message{}, fmt.Errorf("send to %s: %w", d.ConversationID, ErrStale)
	}

	msg, err := p.write(ctx, d, eid)
	if err != nil {
		p.access(d.ConversationID, func(s *Store) { s.Remove(eid) })
		p.metrics.send(outcomeOf(err))
		p.logger.Warn("send failed", "conversation", d.ConversationID, "ephemeral_id", eid, "error", err)
		p.failed.emit(SendFailure{Draft: original, Err: err})
		return Message{}, err
	}

	applied := p.access(d.ConversationID, func(s *Store) {
		s.Remove(eid)
		s.Upsert(msg)
	})
	if !applied {
		p.logger.Debug("send confirmed after conversation switch", "conversation", d.ConversationID, "message", msg.ID)
	}
	p.metrics.send("ok")
	return msg, nil
}

func (p *SendPipeline) write(ctx context.Context, d Draft, eid string) (Message, error) {
	attachment := d.Attachment
	if d.File != nil && attachment == nil {
		if p.uploader == nil {
			return Message{}, invalidDraft("file attachments are not supported")
		}
		a, err := p.uploader.Upload(ctx, *d.File)
		if err != nil {
			return Message{}, fmt.Errorf("upload %s: %w", d.File.Name, err)
		}
		attachment = &a
	}

	msg, err := p.creator.CreateMessage(ctx, d.ConversationID, CreateMessageInput{
		Body:          d.Body,
		Attachment:    attachment,
		CorrelationID: eid,
	})
	if err != nil {
		return Message{}, fmt.Errorf("create message: %w", err)
	}
	if msg.ID == "" {
		return Message{}, fmt.Errorf("create message: %w", &APIError{Status: 502, Code: "BAD_RESPONSE", Message: "response carries no message id"})
	}
	msg.Kind = KindConfirmed
	msg.EphemeralID = ""
	if msg.ConversationID == "" {
		msg.ConversationID = d.ConversationID
	}
	if msg.SenderID == "" {
		msg.SenderID = p.selfID
	}
	return msg, nil
}
