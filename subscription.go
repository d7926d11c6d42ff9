package chatsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
)

// ChannelHandle is one subscription on the push transport.
type ChannelHandle interface {
	Channel() string
	Bind(event string, fn func(Event))
	UnbindAll()
	Unsubscribe() error
	// Release forgets the channel locally without telling the server.
	Release()
}

// PushTransport is the push channel service as seen by the subscription manager.
type PushTransport interface {
	Subscribe(ctx context.Context, channel string) (ChannelHandle, error)
	ConnState() ConnState
}

// InboxChannel is the identity-scoped channel of a user.
func InboxChannel(userID string) string { return "inbox." + userID }

// ConversationChannel is the channel of one conversation.
func ConversationChannel(conversationID string) string { return "conversation." + conversationID }

// RoomChannel is the channel of a group room.
func RoomChannel(roomID string) string { return "room." + roomID }

// SubscriptionState is the lifecycle state of a channel subscription.
type SubscriptionState int

const (
	SubIdle SubscriptionState = iota
	SubConnecting
	SubSubscribed
	SubUnsubscribing
)

func (s SubscriptionState) String() string {
	switch s {
	case SubConnecting:
		return "connecting"
	case SubSubscribed:
		return "subscribed"
	case SubUnsubscribing:
		return "unsubscribing"
	}
	return "idle"
}

// transitions is the complete set of legal moves. Anything else is refused.
var transitions = map[SubscriptionState][]SubscriptionState{
	SubIdle:          {SubConnecting},
	SubConnecting:    {SubSubscribed, SubIdle, SubUnsubscribing},
	SubSubscribed:    {SubUnsubscribing},
	SubUnsubscribing: {SubIdle},
}

var errIllegalTransition = errors.New("illegal subscription transition")

// SubscriptionManager owns the single subscription of one chat surface.
//
// Opening a channel first drives the current subscription through
// Unsubscribing to Idle, so two channels are never live at once. Events from a
// subscription that is no longer current are dropped.
type SubscriptionManager struct {
	transport PushTransport
	onEvent   func(channel string, ev Event)
	logger    *slog.Logger
	metrics   *Metrics

	mu      sync.Mutex
	state   SubscriptionState
	channel string
	handle  ChannelHandle
	gen     uint64
	pending chan error
}

// NewSubscriptionManager creates an idle manager. onEvent receives the data
// events of the current subscription.
func NewSubscriptionManager(transport PushTransport, onEvent func(channel string, ev Event), logger *slog.Logger, metrics *Metrics) *SubscriptionManager {
	if logger == nil {
		logger = discardLogger()
	}
	if onEvent == nil {
		onEvent = func(string, Event) {}
	}
	return &SubscriptionManager{transport: transport, onEvent: onEvent, logger: logger, metrics: metrics}
}

// State returns the current lifecycle state.
func (m *SubscriptionManager) State() SubscriptionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Channel returns the channel being opened or held, or "" when idle.
func (m *SubscriptionManager) Channel() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.channel
}

// Open subscribes to channel and waits for the handshake. Re-opening the
// channel that is already subscribed is a no-op. A failed handshake leaves the
// manager Idle and is not retried. ErrSuperseded is returned when a later Open
// or Close interrupts this one.
func (m *SubscriptionManager) Open(ctx context.Context, channel string) error {
	return m.open(ctx, channel, nil)
}

// open is Open with a guard checked under the lifecycle lock before anything
// is torn down. A failing guard returns ErrSuperseded and changes nothing.
func (m *SubscriptionManager) open(ctx context.Context, channel string, current func() bool) error {
	m.mu.Lock()
	if current != nil && !current() {
		m.mu.Unlock()
		return ErrSuperseded
	}
	if m.channel == channel && m.state == SubSubscribed {
		m.mu.Unlock()
		return nil
	}
	old := m.closeLocked()
	if err := m.transition(SubConnecting); err != nil {
		m.mu.Unlock()
		m.teardown(old)
		return err
	}
	m.gen++
	gen := m.gen
	m.channel = channel
	result := make(chan error, 1)
	m.pending = result
	m.mu.Unlock()

	// The previous channel is gone from the wire before the next is requested.
	m.teardown(old)

	h, err := m.transport.Subscribe(ctx, channel)

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		m.teardown(h)
		return ErrSuperseded
	}
	if err != nil {
		m.abortLocked()
		m.mu.Unlock()
		m.logger.Warn("subscribe failed", "channel", channel, "error", err)
		return fmt.Errorf("%w: %s: %w", ErrSubscription, channel, err)
	}
	m.handle = h
	m.mu.Unlock()

	// Binding happens outside the lock: a handle may replay an early
	// handshake into the new handler synchronously.
	for _, name := range ChannelEvents {
		h.Bind(name, m.dispatcher(gen, channel, result))
	}
	m.mu.Lock()
	superseded := m.gen != gen
	m.mu.Unlock()
	if superseded {
		// Torn down while binding; drop what was bound after the teardown.
		m.teardown(h)
		return ErrSuperseded
	}

	select {
	case err := <-result:
		m.mu.Lock()
		if m.gen != gen {
			m.mu.Unlock()
			return ErrSuperseded
		}
		m.pending = nil
		if err != nil {
			dead := m.abortLocked()
			m.mu.Unlock()
			m.teardown(dead)
			m.logger.Warn("subscription rejected", "channel", channel, "error", err)
			return fmt.Errorf("subscribe %s: %w", channel, err)
		}
		err = m.transition(SubSubscribed)
		m.mu.Unlock()
		if err != nil {
			return err
		}
		m.logger.Debug("subscribed", "channel", channel)
		return nil

	case <-ctx.Done():
		m.mu.Lock()
		if m.gen != gen {
			m.mu.Unlock()
			return ErrSuperseded
		}
		m.pending = nil
		dead := m.abortLocked()
		m.mu.Unlock()
		m.teardown(dead)
		return fmt.Errorf("%w: %s: %w", ErrSubscription, channel, ctx.Err())
	}
}

// Close tears down the current subscription. It never fails; teardown errors
// are logged. The manager is Idle before the unsubscribe command is written.
func (m *SubscriptionManager) Close() {
	m.mu.Lock()
	h := m.closeLocked()
	m.mu.Unlock()
	m.teardown(h)
}

// closeLocked detaches the current handle and moves to Idle. The caller tears
// the returned handle down after releasing the lock.
func (m *SubscriptionManager) closeLocked() ChannelHandle {
	if m.pending != nil {
		select {
		case m.pending <- ErrSuperseded:
		default:
		}
		m.pending = nil
	}
	if m.state == SubIdle {
		return nil
	}
	m.gen++
	_ = m.transition(SubUnsubscribing)
	h := m.handle
	m.handle = nil
	m.channel = ""
	_ = m.transition(SubIdle)
	return h
}

// abortLocked returns a Connecting subscription to Idle and detaches its handle.
func (m *SubscriptionManager) abortLocked() ChannelHandle {
	m.gen++
	h := m.handle
	m.handle = nil
	m.channel = ""
	_ = m.transition(SubIdle)
	return h
}

func (m *SubscriptionManager) transition(to SubscriptionState) error {
	from := m.state
	if !slices.Contains(transitions[from], to) {
		m.logger.Error("refused subscription transition", "from", from.String(), "to", to.String())
		return fmt.Errorf("%w: %s -> %s", errIllegalTransition, from, to)
	}
	m.state = to
	m.metrics.transition(from, to)
	return nil
}

// teardown unbinds every handler, then unsubscribes if the transport can still
// carry the command, or releases the channel locally if it cannot. Nothing
// escapes it. It must not be called with m.mu held.
func (m *SubscriptionManager) teardown(h ChannelHandle) {
	if h == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.metrics.teardownError()
			m.logger.Warn("teardown panic", "channel", h.Channel(), "error", ErrTeardown, "panic", r)
		}
	}()

	// Deferred so a panicking unbind still releases the channel; a channel
	// left registered is resubscribed after the next reconnect.
	defer h.Release()
	h.UnbindAll()

	switch state := m.transport.ConnState(); state {
	case ConnConnected, ConnConnecting:
		if err := h.Unsubscribe(); err != nil {
			m.metrics.teardownError()
			m.logger.Warn("unsubscribe failed", "channel", h.Channel(), "error", fmt.Errorf("%w: %w", ErrTeardown, err))
		}
	default:
		m.logger.Debug("transport down, skipping unsubscribe", "channel", h.Channel(), "state", string(state))
	}
}

// dispatcher routes events of one subscription generation. Handshake events
// resolve the pending Open; data events go to onEvent while the generation is
// current.
func (m *SubscriptionManager) dispatcher(gen uint64, channel string, result chan error) func(Event) {
	return func(ev Event) {
		m.mu.Lock()
		current := m.gen == gen
		waiting := current && m.pending == result
		m.mu.Unlock()

		switch e := ev.(type) {
		case SubscriptionAck:
			if waiting {
				select {
				case result <- nil:
				default:
				}
			}
			return
		case SubscriptionError:
			if waiting {
				select {
				case result <- e:
				default:
				}
				return
			}
			if current {
				m.logger.Warn("subscription error on live channel", "channel", channel, "error", e)
			}
			return
		}

		if !current {
			m.logger.Debug("dropping event from stale subscription", "channel", channel, "event", ev.EventName())
			return
		}
		m.onEvent(channel, ev)
	}
}
