package chatsync

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

// ============================================================================
// Test Helpers
// ============================================================================

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func at(minutes int) time.Time { return t0.Add(time.Duration(minutes) * time.Minute) }

func confirmed(id, conv, sender, body string, ts time.Time) Message {
	return Message{ID: id, ConversationID: conv, SenderID: sender, Body: body, CreatedAt: ts}
}

func ids(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func assertIDs(t *testing.T, got []Message, want ...string) {
	t.Helper()
	g := ids(got)
	if len(g) != len(want) {
		t.Fatalf("expected ids %v, got %v", want, g)
	}
	for i := range want {
		if g[i] != want[i] {
			t.Fatalf("expected ids %v, got %v", want, g)
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// ============================================================================
// fakeBackend
// ============================================================================

type fakeBackend struct {
	mu            sync.Mutex
	history       map[string][]Message
	historyErr    error
	listCalls     int
	listGate      map[string]chan struct{}
	createGate    chan struct{}
	createErr     error
	createFn      func(conversationID string, in CreateMessageInput) Message
	created       []CreateMessageInput
	deleted       []string
	conversations []Conversation
	statusUpdates []StatusUpdate
	uploads       []File
	nextID        int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{history: make(map[string][]Message), listGate: make(map[string]chan struct{})}
}

func (b *fakeBackend) ListMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	b.mu.Lock()
	b.listCalls++
	gate := b.listGate[conversationID]
	b.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.historyErr != nil {
		return nil, b.historyErr
	}
	return append([]Message(nil), b.history[conversationID]...), nil
}

func (b *fakeBackend) CreateMessage(ctx context.Context, conversationID string, in CreateMessageInput) (Message, error) {
	b.mu.Lock()
	gate := b.createGate
	b.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return Message{}, ctx.Err()
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.created = append(b.created, in)
	if b.createErr != nil {
		return Message{}, b.createErr
	}
	if b.createFn != nil {
		return b.createFn(conversationID, in), nil
	}
	b.nextID++
	return Message{
		ID:             fmt.Sprintf("srv-%d", b.nextID),
		ConversationID: conversationID,
		Body:           in.Body,
		Attachment:     in.Attachment,
		CreatedAt:      time.Now(),
		CorrelationID:  in.CorrelationID,
	}, nil
}

func (b *fakeBackend) ListConversations(ctx context.Context) ([]Conversation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Conversation(nil), b.conversations...), nil
}

func (b *fakeBackend) UpdateConversationStatus(ctx context.Context, conversationID string, update StatusUpdate) (Conversation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.statusUpdates = append(b.statusUpdates, update)
	return Conversation{ID: conversationID, Status: update.State}, nil
}

func (b *fakeBackend) DeleteMessage(ctx context.Context, messageID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deleted = append(b.deleted, messageID)
	return nil
}

func (b *fakeBackend) Upload(ctx context.Context, f File) (Attachment, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.uploads = append(b.uploads, f)
	return Attachment{URL: "https://cdn.example.com/" + f.Name, Path: "uploads/" + f.Name}, nil
}

func (b *fakeBackend) setHistory(conversationID string, msgs ...Message) {
	b.mu.Lock()
	b.history[conversationID] = msgs
	b.mu.Unlock()
}

func (b *fakeBackend) gate(conversationID string) chan struct{} {
	ch := make(chan struct{})
	b.mu.Lock()
	b.listGate[conversationID] = ch
	b.mu.Unlock()
	return ch
}

// ============================================================================
// fakeTransport
// ============================================================================

type fakeTransport struct {
	mu           sync.Mutex
	state        ConnState
	subscribeErr error
	// ack controls the handshake: "ack", "error" or "" (never answer).
	ack       string
	handles   []*fakeHandle
	listeners []func(ConnState)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{state: ConnConnected, ack: "ack"}
}

func (f *fakeTransport) Subscribe(ctx context.Context, channel string) (ChannelHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subscribeErr != nil {
		return nil, f.subscribeErr
	}
	h := &fakeHandle{channel: channel, handlers: make(map[string][]func(Event))}
	switch f.ack {
	case "ack":
		h.handshake = SubscriptionAck{Channel: channel}
	case "error":
		h.handshake = SubscriptionError{Channel: channel, Status: 403, Reason: "forbidden"}
	}
	f.handles = append(f.handles, h)
	return h, nil
}

func (f *fakeTransport) ConnState() ConnState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeTransport) OnStateChange(fn func(ConnState)) {
	f.mu.Lock()
	f.listeners = append(f.listeners, fn)
	f.mu.Unlock()
}

func (f *fakeTransport) setState(s ConnState) {
	f.mu.Lock()
	f.state = s
	ls := append([]func(ConnState){}, f.listeners...)
	f.mu.Unlock()
	for _, fn := range ls {
		fn(s)
	}
}

func (f *fakeTransport) last() *fakeHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.handles) == 0 {
		return nil
	}
	return f.handles[len(f.handles)-1]
}

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handles)
}

// live returns the handles that still have handlers bound.
func (f *fakeTransport) live() []*fakeHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*fakeHandle
	for _, h := range f.handles {
		if h.bound() {
			out = append(out, h)
		}
	}
	return out
}

type fakeHandle struct {
	channel string

	mu             sync.Mutex
	handlers       map[string][]func(Event)
	handshake      Event
	unbound        bool
	unsubscribed   bool
	released       bool
	unsubscribeErr error
	unsubscribeLag time.Duration
	panicOnUnbind  bool
}

func (h *fakeHandle) Channel() string { return h.channel }

func (h *fakeHandle) Bind(event string, fn func(Event)) {
	h.mu.Lock()
	h.handlers[event] = append(h.handlers[event], fn)
	replay := h.handshake
	h.mu.Unlock()
	if replay != nil && replay.EventName() == event {
		fn(replay)
	}
}

func (h *fakeHandle) UnbindAll() {
	h.mu.Lock()
	p := h.panicOnUnbind
	h.handlers = make(map[string][]func(Event))
	h.unbound = true
	h.mu.Unlock()
	if p {
		panic("transport already torn down")
	}
}

func (h *fakeHandle) Unsubscribe() error {
	h.mu.Lock()
	lag := h.unsubscribeLag
	h.mu.Unlock()
	time.Sleep(lag)

	h.mu.Lock()
	defer h.mu.Unlock()
	h.unsubscribed = true
	return h.unsubscribeErr
}

func (h *fakeHandle) Release() {
	h.mu.Lock()
	h.released = true
	h.mu.Unlock()
}

func (h *fakeHandle) wasReleased() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.released
}

func (h *fakeHandle) bound() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, fns := range h.handlers {
		n += len(fns)
	}
	return n > 0
}

func (h *fakeHandle) emit(ev Event) {
	h.mu.Lock()
	fns := append([]func(Event){}, h.handlers[ev.EventName()]...)
	h.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func (h *fakeHandle) wasUnsubscribed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.unsubscribed
}

func (h *fakeHandle) wasUnbound() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.unbound
}
