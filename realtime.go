package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"nhooyr.io/websocket"
)

// Transport-level frame types. Channel events are listed in events.go.
const (
	frameAuthenticated = "authenticated"
	framePing          = "ping"
	framePong          = "pong"
	frameSubscribe     = "subscribe"
	frameUnsubscribe   = "unsubscribe"
)

// RealtimeCommand is a client-to-server frame.
type RealtimeCommand struct {
	Type      string `json:"type"`
	Channel   string `json:"channel,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

// PongPayload is the response to a ping command.
type PongPayload struct {
	RequestID string `json:"requestId"`
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the push client.
type RealtimeConfig struct {
	Token                string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	PingTimeout          time.Duration
	WriteTimeout         time.Duration
	// HTTPClient is used for the handshake. It must not set a Timeout.
	HTTPClient *http.Client
	Logger     *slog.Logger
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.PingTimeout == 0 {
		c.PingTimeout = 10 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = discardLogger()
	}
}

// ============================================================================
// RealtimeClient
// ============================================================================

// RealtimeClient is a websocket push client with channel subscriptions,
// heartbeat and auto-reconnect. Live subscriptions are re-sent after every
// reconnect; missed events are not replayed.
type RealtimeClient struct {
	url    string
	config RealtimeConfig
	logger *slog.Logger

	mu               sync.Mutex
	conn             *websocket.Conn
	state            ConnState
	intentionalClose bool
	cancelFn         context.CancelFunc
	channels         map[string]*channelHandle

	pendingMu    sync.Mutex
	pendingPings map[string]chan PongPayload

	stateChange *emitter[ConnState]
}

// NewRealtimeClient creates a client for the websocket endpoint wsURL.
func NewRealtimeClient(wsURL string, config RealtimeConfig) *RealtimeClient {
	config.defaults()
	return &RealtimeClient{
		url:          wsURL,
		config:       config,
		logger:       config.Logger,
		state:        ConnDisconnected,
		channels:     make(map[string]*channelHandle),
		pendingPings: make(map[string]chan PongPayload),
		stateChange:  newEmitter[ConnState]("realtime-state", config.Logger),
	}
}

// ConnState returns the current connection state.
func (c *RealtimeClient) ConnState() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnStateChange registers fn for every connection state transition.
func (c *RealtimeClient) OnStateChange(fn func(ConnState)) { c.stateChange.on(fn) }

func (c *RealtimeClient) setState(s ConnState) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()
	if prev != s {
		c.stateChange.emit(s)
	}
}

// Connect dials the endpoint and waits for the server's authenticated frame.
func (c *RealtimeClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == ConnConnected || c.state == ConnConnecting {
		c.mu.Unlock()
		return nil
	}
	c.intentionalClose = false
	c.mu.Unlock()
	c.setState(ConnConnecting)

	var opts *websocket.DialOptions
	if c.config.HTTPClient != nil {
		opts = &websocket.DialOptions{HTTPClient: c.config.HTTPClient}
	}
	conn, _, err := websocket.Dial(ctx, c.url, opts)
	if err != nil {
		c.setState(ConnDisconnected)
		return fmt.Errorf("websocket dial: %w: %w", ErrTransient, err)
	}

	// First frame must be "authenticated"
	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		c.setState(ConnDisconnected)
		return fmt.Errorf("read auth message: %w: %w", ErrTransient, err)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != frameAuthenticated {
		conn.Close(websocket.StatusPolicyViolation, "")
		c.setState(ConnDisconnected)
		return fmt.Errorf("expected %q, got %q: %w", frameAuthenticated, env.Type, ErrUnauthorized)
	}

	connCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.mu.Lock()
	if c.intentionalClose {
		// Disconnect raced the handshake.
		c.mu.Unlock()
		cancel()
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
		c.setState(ConnDisconnected)
		return fmt.Errorf("connect: %w", ErrNotConnected)
	}
	c.conn = conn
	c.cancelFn = cancel
	c.mu.Unlock()

	go c.readLoop(connCtx, cancel, conn)
	go c.heartbeatLoop(connCtx, conn)

	c.setState(ConnConnected)
	c.resubscribe(connCtx)
	c.logger.Info("realtime connected", "url", redactToken(c.url))
	return nil
}

// Disconnect closes the connection and stops reconnecting.
func (c *RealtimeClient) Disconnect() error {
	c.mu.Lock()
	c.intentionalClose = true
	cancel := c.cancelFn
	c.cancelFn = nil
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	c.clearPendingPings()

	var err error
	if conn != nil {
		err = conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	if cancel != nil {
		cancel()
	}
	c.setState(ConnDisconnected)
	return err
}

// Subscribe registers channel and asks the server for it. The handshake result
// arrives as a SubscriptionAck or SubscriptionError event on the handle.
func (c *RealtimeClient) Subscribe(ctx context.Context, channel string) (ChannelHandle, error) {
	c.mu.Lock()
	if c.state != ConnConnected {
		c.mu.Unlock()
		return nil, fmt.Errorf("subscribe %s: %w", channel, ErrNotConnected)
	}
	h := &channelHandle{client: c, channel: channel, handlers: make(map[string][]func(Event))}
	c.channels[channel] = h
	c.mu.Unlock()

	if err := c.Send(ctx, &RealtimeCommand{Type: frameSubscribe, Channel: channel}); err != nil {
		c.release(h)
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}
	return h, nil
}

// Send writes a raw command.
func (c *RealtimeClient) Send(ctx context.Context, cmd *RealtimeCommand) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, c.config.WriteTimeout)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, data)
}

// Ping sends a ping and waits for the pong.
func (c *RealtimeClient) Ping(ctx context.Context) (*PongPayload, error) {
	requestID := "ping-" + uuid.NewString()

	ch := make(chan PongPayload, 1)
	c.pendingMu.Lock()
	c.pendingPings[requestID] = ch
	c.pendingMu.Unlock()

	forget := func() {
		c.pendingMu.Lock()
		delete(c.pendingPings, requestID)
		c.pendingMu.Unlock()
	}

	if err := c.Send(ctx, &RealtimeCommand{Type: framePing, RequestID: requestID}); err != nil {
		forget()
		return nil, err
	}

	timer := time.NewTimer(c.config.PingTimeout)
	defer timer.Stop()
	select {
	case pong, ok := <-ch:
		if !ok {
			return nil, ErrNotConnected
		}
		return &pong, nil
	case <-timer.C:
		forget()
		return nil, errors.New("ping timeout")
	case <-ctx.Done():
		forget()
		return nil, ctx.Err()
	}
}

func (c *RealtimeClient) readLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			// Stops the heartbeat of this connection.
			cancel()
			c.mu.Lock()
			intentional := c.intentionalClose
			if c.conn == conn {
				c.conn = nil
			}
			c.mu.Unlock()
			if intentional {
				return
			}

			c.logger.Warn("realtime connection lost", "error", err)
			c.clearPendingPings()
			c.setState(ConnDisconnected)

			if c.config.AutoReconnect {
				c.reconnect()
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Warn("undecodable frame dropped", "error", err)
			continue
		}
		c.route(env)
	}
}

func (c *RealtimeClient) route(env Envelope) {
	switch env.Type {
	case framePong:
		var p PongPayload
		if json.Unmarshal(env.Payload, &p) == nil && p.RequestID != "" {
			c.pendingMu.Lock()
			ch, ok := c.pendingPings[p.RequestID]
			if ok {
				delete(c.pendingPings, p.RequestID)
			}
			c.pendingMu.Unlock()
			if ok {
				ch <- p
			}
		}
		return
	case frameAuthenticated:
		return
	}

	ev, err := DecodeEvent(env)
	if err != nil {
		c.logger.Warn("malformed event dropped", "channel", env.Channel, "type", env.Type, "error", err)
		return
	}

	c.mu.Lock()
	h := c.channels[env.Channel]
	c.mu.Unlock()
	if h == nil {
		c.logger.Debug("event for unknown channel", "channel", env.Channel, "type", env.Type)
		return
	}
	h.deliver(ev)
}

func (c *RealtimeClient) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.ConnState() != ConnConnected {
				return
			}
			if _, err := c.Ping(ctx); err != nil {
				// Heartbeat failed, force close so the read loop reconnects.
				c.logger.Warn("heartbeat failed", "error", err)
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

// reconnect retries Connect with exponential backoff until it succeeds, the
// attempt budget runs out, or Disconnect is called.
func (c *RealtimeClient) reconnect() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c.mu.Lock()
	if c.intentionalClose {
		c.mu.Unlock()
		return
	}
	c.cancelFn = cancel
	c.mu.Unlock()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.config.ReconnectBaseDelay
	b.MaxInterval = c.config.ReconnectMaxDelay

	opts := []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithNotify(func(err error, delay time.Duration) {
			c.logger.Info("realtime reconnecting", "error", err, "delay", delay)
		}),
	}
	if c.config.MaxReconnectAttempts > 0 {
		opts = append(opts, backoff.WithMaxTries(uint(c.config.MaxReconnectAttempts)))
	}

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		c.mu.Lock()
		stop := c.intentionalClose
		c.mu.Unlock()
		if stop {
			return struct{}{}, backoff.Permanent(ErrNotConnected)
		}
		return struct{}{}, c.Connect(ctx)
	}, opts...)
	if err != nil {
		c.logger.Warn("realtime reconnect gave up", "error", err)
		c.setState(ConnDisconnected)
	}
}

// resubscribe re-sends subscribe for every live channel after a (re)connect.
func (c *RealtimeClient) resubscribe(ctx context.Context) {
	c.mu.Lock()
	live := make([]string, 0, len(c.channels))
	for name := range c.channels {
		live = append(live, name)
	}
	c.mu.Unlock()
	slices.Sort(live)

	for _, name := range live {
		if err := c.Send(ctx, &RealtimeCommand{Type: frameSubscribe, Channel: name}); err != nil {
			c.logger.Warn("resubscribe failed", "channel", name, "error", err)
		}
	}
}

func (c *RealtimeClient) release(h *channelHandle) {
	c.mu.Lock()
	if c.channels[h.channel] == h {
		delete(c.channels, h.channel)
	}
	c.mu.Unlock()
}

func (c *RealtimeClient) clearPendingPings() {
	c.pendingMu.Lock()
	for k, ch := range c.pendingPings {
		close(ch)
		delete(c.pendingPings, k)
	}
	c.pendingMu.Unlock()
}

// ============================================================================
// channelHandle
// ============================================================================

// channelHandle is the client side of one channel subscription. The latest
// handshake event is kept and replayed to handlers bound after it arrived.
type channelHandle struct {
	client  *RealtimeClient
	channel string

	mu        sync.Mutex
	handlers  map[string][]func(Event)
	handshake Event
	closed    bool
}

func (h *channelHandle) Channel() string { return h.channel }

func (h *channelHandle) Bind(event string, fn func(Event)) {
	h.mu.Lock()
	if h.closed || fn == nil {
		h.mu.Unlock()
		return
	}
	h.handlers[event] = append(h.handlers[event], fn)
	var replay Event
	if h.handshake != nil && h.handshake.EventName() == event {
		replay = h.handshake
	}
	h.mu.Unlock()

	if replay != nil {
		h.call(fn, replay)
	}
}

func (h *channelHandle) UnbindAll() {
	h.mu.Lock()
	h.handlers = make(map[string][]func(Event))
	h.mu.Unlock()
}

func (h *channelHandle) Unsubscribe() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.handlers = make(map[string][]func(Event))
	h.mu.Unlock()

	h.client.release(h)
	return h.client.Send(context.Background(), &RealtimeCommand{Type: frameUnsubscribe, Channel: h.channel})
}

// Release closes the handle and drops it from the client without sending
// unsubscribe. Used when the connection is down; the server forgets the
// channel with the connection.
func (h *channelHandle) Release() {
	h.mu.Lock()
	h.closed = true
	h.handlers = make(map[string][]func(Event))
	h.mu.Unlock()
	h.client.release(h)
}

func (h *channelHandle) deliver(ev Event) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	switch ev.(type) {
	case SubscriptionAck, SubscriptionError:
		h.handshake = ev
	}
	fns := slices.Clone(h.handlers[ev.EventName()])
	h.mu.Unlock()

	for _, fn := range fns {
		h.call(fn, ev)
	}
}

func (h *channelHandle) call(fn func(Event), ev Event) {
	defer func() {
		if r := recover(); r != nil {
			h.client.logger.Error("channel handler panic", "channel", h.channel, "event", ev.EventName(), "panic", r)
		}
	}()
	fn(ev)
}

func redactToken(u string) string {
	base, _, _ := strings.Cut(u, "?")
	return base
}
