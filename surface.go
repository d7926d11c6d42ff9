package chatsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// SurfaceKind selects how a surface names its push channel.
type SurfaceKind string

const (
	// SurfaceConsole is the operator console: one conversation channel at a time.
	SurfaceConsole SurfaceKind = "console"
	// SurfaceInbox is the direct-message inbox: one identity channel for all conversations.
	SurfaceInbox SurfaceKind = "inbox"
	// SurfaceRoom is a group room chat: one room channel at a time.
	SurfaceRoom SurfaceKind = "room"
)

// ParseSurfaceKind accepts the names above.
func ParseSurfaceKind(s string) (SurfaceKind, error) {
	switch k := SurfaceKind(strings.ToLower(strings.TrimSpace(s))); k {
	case SurfaceConsole, SurfaceInbox, SurfaceRoom:
		return k, nil
	}
	return "", fmt.Errorf("unknown surface kind %q", s)
}

// Backend is the persistence API a surface needs.
type Backend interface {
	MessageLister
	MessageCreator
	ListConversations(ctx context.Context) ([]Conversation, error)
	UpdateConversationStatus(ctx context.Context, conversationID string, update StatusUpdate) (Conversation, error)
	DeleteMessage(ctx context.Context, messageID string) error
}

// Options tunes a Surface. The zero value is usable.
type Options struct {
	HistoryLimit int
	MatchWindow  time.Duration
	// Uploader overrides the backend's own upload support.
	Uploader Uploader
	Logger   *slog.Logger
	Metrics  *Metrics
}

func (o *Options) defaults() {
	if o.HistoryLimit <= 0 {
		o.HistoryLimit = DefaultHistoryLimit
	}
	if o.MatchWindow <= 0 {
		o.MatchWindow = DefaultMatchWindow
	}
	if o.Logger == nil {
		o.Logger = discardLogger()
	}
}

// MessagesUpdate is a full snapshot of the active conversation. Version grows
// with every change so listeners can drop snapshots that arrive out of order.
type MessagesUpdate struct {
	ConversationID string
	Messages       []Message
	Version        uint64
}

// LoadFailure reports a history load that left the store untouched.
type LoadFailure struct {
	ConversationID string
	Err            error
}

// Surface is one chat view: a conversation list, at most one active
// conversation, and the subscription feeding it.
//
// Every store mutation runs under the surface lock; network calls never do.
// Independent surfaces need independent transports.
type Surface struct {
	kind      SurfaceKind
	session   *Session
	backend   Backend
	transport PushTransport
	opts      Options
	logger    *slog.Logger

	tracker    *ConnectionTracker
	history    *HistoryLoader
	subs       *SubscriptionManager
	reconciler *Reconciler
	sender     *SendPipeline

	gen      atomic.Uint64
	resyncMu sync.Mutex

	mu            sync.Mutex
	active        string
	store         *Store
	loadErr       error
	version       uint64
	conversations []Conversation

	messages   *emitter[MessagesUpdate]
	loadFailed *emitter[LoadFailure]
	convs      *emitter[[]Conversation]
}

type stateNotifier interface {
	OnStateChange(func(ConnState))
}

// NewSurface wires a surface of the given kind. When transport reports its
// state changes (RealtimeClient does), the surface tracks them and refetches
// history after a reconnect.
func NewSurface(kind SurfaceKind, session *Session, backend Backend, transport PushTransport, opts Options) *Surface {
	opts.defaults()
	logger := opts.Logger.With("surface", string(kind))

	s := &Surface{
		kind:       kind,
		session:    session,
		backend:    backend,
		transport:  transport,
		opts:       opts,
		logger:     logger,
		tracker:    NewConnectionTracker(logger),
		history:    NewHistoryLoader(backend, logger, opts.Metrics),
		reconciler: NewReconciler(session.UserID, opts.MatchWindow, logger),
		messages:   newEmitter[MessagesUpdate]("messages", logger),
		loadFailed: newEmitter[LoadFailure]("load-failed", logger),
		convs:      newEmitter[[]Conversation]("conversations", logger),
	}
	s.subs = NewSubscriptionManager(transport, s.handleEvent, logger, opts.Metrics)

	uploader := opts.Uploader
	if uploader == nil {
		uploader, _ = backend.(Uploader)
	}
	s.sender = NewSendPipeline(backend, uploader, s.withStore, session.UserID, logger, opts.Metrics)

	if n, ok := transport.(stateNotifier); ok {
		n.OnStateChange(s.tracker.Set)
	}
	s.tracker.Set(transport.ConnState())
	s.tracker.OnReconnect(func() { go s.resync(true) })
	s.tracker.OnChange(func(st ConnState) {
		if st == ConnConnected && s.subs.State() == SubIdle {
			go s.resync(false)
		}
	})
	return s
}

// Kind returns the surface kind.
func (s *Surface) Kind() SurfaceKind { return s.kind }

// Connection returns the tracker used for UI gating.
func (s *Surface) Connection() *ConnectionTracker { return s.tracker }

// SubscriptionState returns the state of the surface's channel subscription.
func (s *Surface) SubscriptionState() SubscriptionState { return s.subs.State() }

// Active returns the selected conversation, or "".
func (s *Surface) Active() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Messages returns the ordered log of the active conversation.
func (s *Surface) Messages() []Message {
	s.mu.Lock()
	store := s.store
	s.mu.Unlock()
	if store == nil {
		return nil
	}
	return store.List()
}

// LoadError returns the error of the last history load of the active
// conversation, or nil.
func (s *Surface) LoadError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadErr
}

// OnMessages registers fn for every change of the active conversation.
func (s *Surface) OnMessages(fn func(MessagesUpdate)) { s.messages.on(fn) }

// OnSendFailed registers fn for rolled-back sends; the draft is returned to it.
func (s *Surface) OnSendFailed(fn func(SendFailure)) { s.sender.OnFailed(fn) }

// OnLoadFailed registers fn for failed history loads.
func (s *Surface) OnLoadFailed(fn func(LoadFailure)) { s.loadFailed.on(fn) }

// OnConnection registers fn for transport state changes.
func (s *Surface) OnConnection(fn func(ConnState)) { s.tracker.OnChange(fn) }

// OnConversations registers fn for conversation list changes.
func (s *Surface) OnConversations(fn func([]Conversation)) { s.convs.on(fn) }

// channelFor names the channel that carries conversationID's events.
func (s *Surface) channelFor(conversationID string) string {
	switch s.kind {
	case SurfaceInbox:
		return InboxChannel(s.session.UserID)
	case SurfaceRoom:
		return RoomChannel(conversationID)
	}
	return ConversationChannel(conversationID)
}

func (s *Surface) isCurrent(gen uint64) func() bool {
	return func() bool { return s.gen.Load() == gen }
}

// ============================================================================
// Selection
// ============================================================================

// Select makes conversationID the active conversation: the previous
// subscription is torn down, history is loaded into a fresh store, then the
// channel is opened. A result that arrives after another Select is discarded
// with ErrStale. A history failure leaves the store empty, is recorded in
// LoadError and skips the subscription. A subscription failure is returned but
// the loaded history stays; sends keep working over REST.
func (s *Surface) Select(ctx context.Context, conversationID string) error {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return fmt.Errorf("select: %w", ErrNotFound)
	}

	s.mu.Lock()
	gen := s.gen.Add(1)
	if s.store != nil {
		s.store.Reset()
	}
	s.active = conversationID
	s.store = NewStore(conversationID)
	s.loadErr = nil
	s.markReadLocked(conversationID)
	update := s.snapshotLocked()
	s.mu.Unlock()
	s.messages.emit(update)

	if s.kind != SurfaceInbox {
		s.subs.Close()
	}

	if err := s.load(ctx, gen, conversationID, false); err != nil {
		return err
	}

	err := s.subs.open(ctx, s.channelFor(conversationID), s.isCurrent(gen))
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrSuperseded):
		return fmt.Errorf("select %s: %w", conversationID, ErrStale)
	}
	s.logger.Warn("subscription failed, live updates degraded", "conversation", conversationID, "error", err)
	return err
}

// Leave closes the active conversation and drops its store.
func (s *Surface) Leave() {
	s.mu.Lock()
	s.gen.Add(1)
	if s.store != nil {
		s.store.Reset()
	}
	s.active = ""
	s.store = nil
	s.loadErr = nil
	update := s.snapshotLocked()
	s.mu.Unlock()

	s.subs.Close()
	s.messages.emit(update)
}

// Close leaves the active conversation and drops every listener.
func (s *Surface) Close() {
	s.Leave()
	s.messages.removeAll()
	s.loadFailed.removeAll()
	s.convs.removeAll()
}

// load fetches history for conversationID and applies it if gen is still
// current. refresh selects the reconnect merge that also drops deletions
// missed while disconnected.
func (s *Surface) load(ctx context.Context, gen uint64, conversationID string, refresh bool) error {
	msgs, err := s.history.Fetch(ctx, conversationID, s.opts.HistoryLimit)

	s.mu.Lock()
	if s.gen.Load() != gen || s.active != conversationID {
		s.mu.Unlock()
		s.logger.Debug("discarding stale history", "conversation", conversationID)
		return fmt.Errorf("load %s: %w", conversationID, ErrStale)
	}
	if err != nil {
		s.loadErr = err
		s.mu.Unlock()
		s.loadFailed.emit(LoadFailure{ConversationID: conversationID, Err: err})
		return err
	}
	if refresh {
		s.store.Refresh(msgs)
	} else {
		s.store.Merge(msgs)
	}
	s.loadErr = nil
	update := s.snapshotLocked()
	s.mu.Unlock()

	s.messages.emit(update)
	return nil
}

// resync repairs the active conversation after the transport came back:
// refetch history when refetch is set, then reopen the channel if it is not
// subscribed.
func (s *Surface) resync(refetch bool) {
	s.resyncMu.Lock()
	defer s.resyncMu.Unlock()

	s.mu.Lock()
	conversationID := s.active
	s.mu.Unlock()
	if conversationID == "" {
		return
	}
	gen := s.gen.Load()
	ctx := context.Background()

	if refetch {
		if err := s.load(ctx, gen, conversationID, true); err != nil {
			s.logger.Warn("history refetch after reconnect failed", "conversation", conversationID, "error", err)
			return
		}
	}
	if s.subs.State() == SubSubscribed && s.subs.Channel() == s.channelFor(conversationID) {
		return
	}
	if err := s.subs.open(ctx, s.channelFor(conversationID), s.isCurrent(gen)); err != nil && !errors.Is(err, ErrSuperseded) {
		s.logger.Warn("resubscribe after reconnect failed", "conversation", conversationID, "error", err)
	}
}

// ============================================================================
// Events
// ============================================================================

// handleEvent runs on the transport's goroutine for every data event of the
// current subscription.
func (s *Surface) handleEvent(channel string, ev Event) {
	s.mu.Lock()
	var (
		update   MessagesUpdate
		changed  bool
		listDiff bool
	)
	switch e := ev.(type) {
	case NewMessage:
		msg := e.Message
		if msg.ConversationID == "" && s.kind != SurfaceInbox {
			msg.ConversationID = s.active
			ev = NewMessage{Message: msg}
		}
		if s.store != nil && msg.ConversationID == s.active {
			out := s.reconciler.Apply(s.store, ev)
			s.opts.Metrics.event(ev.EventName(), out.String())
			changed = out != OutcomeIgnored && out != OutcomeDuplicate
			listDiff = s.noteMessageLocked(msg, false)
		} else {
			s.opts.Metrics.event(ev.EventName(), "background")
			listDiff = s.noteMessageLocked(msg, msg.SenderID != s.session.UserID)
		}
	case MessageDeleted, MessagesDeleted:
		if s.store != nil {
			out := s.reconciler.Apply(s.store, ev)
			s.opts.Metrics.event(ev.EventName(), out.String())
			changed = out == OutcomeRemoved
		}
	}
	if changed {
		update = s.snapshotLocked()
	}
	var convs []Conversation
	if listDiff {
		convs = s.conversationsLocked()
	}
	s.mu.Unlock()

	if changed {
		s.messages.emit(update)
	}
	if listDiff {
		s.convs.emit(convs)
	}
	s.logger.Debug("event applied", "channel", channel, "event", ev.EventName(), "changed", changed)
}

// ============================================================================
// Sending and message actions
// ============================================================================

// Send posts d optimistically. An empty ConversationID means the active
// conversation.
func (s *Surface) Send(ctx context.Context, d Draft) (Message, error) {
	if strings.TrimSpace(d.ConversationID) == "" {
		d.ConversationID = s.Active()
	}
	msg, err := s.sender.Send(ctx, d)
	if err != nil {
		return Message{}, err
	}
	s.mu.Lock()
	listDiff := s.noteMessageLocked(msg, false)
	convs := s.conversationsLocked()
	s.mu.Unlock()
	if listDiff {
		s.convs.emit(convs)
	}
	return msg, nil
}

// DeleteMessage deletes a confirmed message on the server and removes it
// locally. Other users' messages need the DeleteMessages permission.
func (s *Surface) DeleteMessage(ctx context.Context, messageID string) error {
	if strings.HasPrefix(messageID, EphemeralPrefix) {
		return fmt.Errorf("delete %s: %w", messageID, invalidDraft("message is still being sent"))
	}
	s.mu.Lock()
	var (
		msg   Message
		found bool
	)
	if s.store != nil {
		msg, found = s.store.Get(messageID)
	}
	s.mu.Unlock()
	if found && msg.SenderID != s.session.UserID && !s.session.Permissions().DeleteMessages {
		return fmt.Errorf("delete %s: %w", messageID, ErrForbidden)
	}

	if err := s.backend.DeleteMessage(ctx, messageID); err != nil {
		return err
	}
	s.withStore(s.Active(), func(st *Store) { st.Remove(messageID) })
	return nil
}

// withStore is the StoreAccess of the send pipeline.
func (s *Surface) withStore(conversationID string, fn func(*Store)) bool {
	s.mu.Lock()
	if s.store == nil || conversationID == "" || s.active != conversationID {
		s.mu.Unlock()
		return false
	}
	fn(s.store)
	update := s.snapshotLocked()
	s.mu.Unlock()

	s.messages.emit(update)
	return true
}

func (s *Surface) snapshotLocked() MessagesUpdate {
	s.version++
	u := MessagesUpdate{ConversationID: s.active, Version: s.version}
	if s.store != nil {
		u.Messages = s.store.List()
	}
	return u
}

// ============================================================================
// Conversation list
// ============================================================================

// Conversations returns the cached conversation list.
func (s *Surface) Conversations() []Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationsLocked()
}

// RefreshConversations reloads the conversation list from the API.
func (s *Surface) RefreshConversations(ctx context.Context) ([]Conversation, error) {
	list, err := s.backend.ListConversations(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.conversations = list
	if s.active != "" {
		s.markReadLocked(s.active)
	}
	out := s.conversationsLocked()
	s.mu.Unlock()

	s.convs.emit(out)
	return out, nil
}

// CloseConversation marks a conversation closed. Needs CloseConversations.
func (s *Surface) CloseConversation(ctx context.Context, conversationID, reason string) (Conversation, error) {
	if !s.session.Permissions().CloseConversations {
		return Conversation{}, fmt.Errorf("close %s: %w", conversationID, ErrForbidden)
	}
	return s.updateStatus(ctx, conversationID, StatusUpdate{State: StatusClosed, Reason: reason})
}

// ArchiveConversation archives a conversation. Needs ArchiveConversations.
func (s *Surface) ArchiveConversation(ctx context.Context, conversationID, reason string) (Conversation, error) {
	if !s.session.Permissions().ArchiveConversations {
		return Conversation{}, fmt.Errorf("archive %s: %w", conversationID, ErrForbidden)
	}
	return s.updateStatus(ctx, conversationID, StatusUpdate{State: StatusArchived, Reason: reason})
}

func (s *Surface) updateStatus(ctx context.Context, conversationID string, update StatusUpdate) (Conversation, error) {
	conv, err := s.backend.UpdateConversationStatus(ctx, conversationID, update)
	if err != nil {
		return Conversation{}, err
	}
	if conv.ID == "" {
		conv.ID = conversationID
	}
	if conv.Status == "" {
		conv.Status = update.State
	}

	s.mu.Lock()
	if c := s.findLocked(conversationID); c != nil {
		c.Status = conv.Status
	} else {
		s.conversations = append(s.conversations, conv)
	}
	out := s.conversationsLocked()
	s.mu.Unlock()

	s.convs.emit(out)
	return conv, nil
}

// noteMessageLocked moves msg into its conversation's summary and reports
// whether the list changed.
func (s *Surface) noteMessageLocked(msg Message, unread bool) bool {
	c := s.findLocked(msg.ConversationID)
	if c == nil {
		return false
	}
	if c.LastMessage != nil && (c.LastMessage.ID == msg.ID || c.LastMessage.CreatedAt.After(msg.CreatedAt)) {
		return false
	}
	sum := msg.Summary()
	c.LastMessage = &sum
	if unread {
		c.UnreadCount++
	}
	return true
}

func (s *Surface) markReadLocked(conversationID string) {
	if c := s.findLocked(conversationID); c != nil {
		c.UnreadCount = 0
	}
}

func (s *Surface) findLocked(conversationID string) *Conversation {
	for i := range s.conversations {
		if s.conversations[i].ID == conversationID {
			return &s.conversations[i]
		}
	}
	return nil
}

func (s *Surface) conversationsLocked() []Conversation {
	out := make([]Conversation, len(s.conversations))
	for i, c := range s.conversations {
		if c.LastMessage != nil {
			sum := *c.LastMessage
			c.LastMessage = &sum
		}
		c.Participants = append([]string(nil), c.Participants...)
		out[i] = c
	}
	return out
}
