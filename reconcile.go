package chatsync

import (
	"log/slog"
	"time"
)

// DefaultMatchWindow bounds how far apart a placeholder and a pushed message may
// be for the content fallback to pair them.
const DefaultMatchWindow = 15 * time.Second

// Placeholder is the pending side of a reconciliation.
type Placeholder struct {
	EphemeralID string
	SenderID    string
	Body        string
	CreatedAt   time.Time
}

// Candidate is a confirmed message that may correspond to a placeholder.
type Candidate struct {
	ID            string
	CorrelationID string
	SenderID      string
	Body          string
	CreatedAt     time.Time
}

// Resolution is the outcome of comparing a placeholder with a candidate.
type Resolution int

const (
	NoMatch Resolution = iota
	MatchByCorrelation
	MatchByContent
)

func (r Resolution) String() string {
	switch r {
	case MatchByCorrelation:
		return "correlation"
	case MatchByContent:
		return "content"
	}
	return "none"
}

// Reconcile decides whether c is the confirmed form of p. An explicit
// correlation id wins; without one, same sender and same body within window
// is accepted.
func Reconcile(p Placeholder, c Candidate, window time.Duration) Resolution {
	if c.CorrelationID != "" {
		if c.CorrelationID == p.EphemeralID {
			return MatchByCorrelation
		}
		return NoMatch
	}
	if p.SenderID == "" || p.SenderID != c.SenderID || p.Body != c.Body {
		return NoMatch
	}
	delta := c.CreatedAt.Sub(p.CreatedAt)
	if delta < 0 {
		delta = -delta
	}
	if delta > window {
		return NoMatch
	}
	return MatchByContent
}

func placeholderOf(m Message) Placeholder {
	return Placeholder{EphemeralID: m.EphemeralID, SenderID: m.SenderID, Body: m.Body, CreatedAt: m.CreatedAt}
}

func candidateOf(m Message) Candidate {
	return Candidate{ID: m.ID, CorrelationID: m.CorrelationID, SenderID: m.SenderID, Body: m.Body, CreatedAt: m.CreatedAt}
}

// Outcome reports what applying an event did to the store.
type Outcome int

const (
	OutcomeIgnored Outcome = iota
	OutcomeInserted
	OutcomeReplaced
	OutcomeRemoved
	OutcomeDuplicate
)

func (o Outcome) String() string {
	switch o {
	case OutcomeInserted:
		return "inserted"
	case OutcomeReplaced:
		return "replaced"
	case OutcomeRemoved:
		return "removed"
	case OutcomeDuplicate:
		return "duplicate"
	}
	return "ignored"
}

// Reconciler merges push events into a Store.
type Reconciler struct {
	selfID string
	window time.Duration
	logger *slog.Logger
}

// NewReconciler creates a reconciler for the session user selfID.
func NewReconciler(selfID string, window time.Duration, logger *slog.Logger) *Reconciler {
	if window <= 0 {
		window = DefaultMatchWindow
	}
	if logger == nil {
		logger = discardLogger()
	}
	return &Reconciler{selfID: selfID, window: window, logger: logger}
}

// Apply merges ev into store. It never panics across the event boundary; a
// nil store or an event for another conversation is ignored.
func (r *Reconciler) Apply(store *Store, ev Event) (out Outcome) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("reconcile panic", "event", ev.EventName(), "panic", rec)
			out = OutcomeIgnored
		}
	}()
	if store == nil || ev == nil {
		return OutcomeIgnored
	}

	switch e := ev.(type) {
	case NewMessage:
		return r.applyNew(store, e.Message)
	case MessageDeleted:
		if store.Remove(e.MessageID) {
			return OutcomeRemoved
		}
		return OutcomeIgnored
	case MessagesDeleted:
		if store.RemoveMany(e.MessageIDs) > 0 {
			return OutcomeRemoved
		}
		return OutcomeIgnored
	}
	return OutcomeIgnored
}

func (r *Reconciler) applyNew(store *Store, msg Message) Outcome {
	if msg.ID == "" {
		return OutcomeIgnored
	}
	if msg.ConversationID != "" && msg.ConversationID != store.ConversationID() {
		return OutcomeIgnored
	}
	if store.Has(msg.ID) {
		return OutcomeDuplicate
	}
	msg.Kind = KindConfirmed
	msg.EphemeralID = ""
	if msg.ConversationID == "" {
		msg.ConversationID = store.ConversationID()
	}

	if match, how := r.findPlaceholder(store, msg); how != NoMatch {
		store.Remove(match.ID)
		store.Upsert(msg)
		r.logger.Debug("placeholder replaced by push", "conversation", store.ConversationID(),
			"placeholder", match.ID, "message", msg.ID, "match", how.String())
		return OutcomeReplaced
	}

	store.Upsert(msg)
	return OutcomeInserted
}

// findPlaceholder looks for the pending message that msg confirms. Only
// placeholders authored by this session are considered.
func (r *Reconciler) findPlaceholder(store *Store, msg Message) (Message, Resolution) {
	if r.selfID == "" || msg.SenderID != r.selfID {
		return Message{}, NoMatch
	}
	pending := store.Placeholders()
	cand := candidateOf(msg)

	if cand.CorrelationID != "" {
		for _, p := range pending {
			if Reconcile(placeholderOf(p), cand, r.window) == MatchByCorrelation {
				return p, MatchByCorrelation
			}
		}
		// The correlation id points at a send this surface no longer tracks.
		return Message{}, NoMatch
	}

	// Most recent first.
	for i := len(pending) - 1; i >= 0; i-- {
		if Reconcile(placeholderOf(pending[i]), cand, r.window) == MatchByContent {
			return pending[i], MatchByContent
		}
	}
	return Message{}, NoMatch
}
