package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Test Helpers
// ============================================================================

// pushServer is a scripted websocket endpoint.
type pushServer struct {
	t   *testing.T
	srv *httptest.Server

	authFrame string
	autoAck   bool
	autoPong  bool

	commands chan RealtimeCommand
	accepted chan struct{}

	mu   sync.Mutex
	conn *websocket.Conn
}

func newPushServer(t *testing.T) *pushServer {
	t.Helper()
	s := &pushServer{
		t:         t,
		authFrame: frameAuthenticated,
		autoAck:   true,
		autoPong:  true,
		commands:  make(chan RealtimeCommand, 64),
		accepted:  make(chan struct{}, 8),
	}
	s.srv = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *pushServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/ws?token=secret"
}

func (s *pushServer) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.t.Errorf("accept: %v", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "handler exit")
	ctx := r.Context()

	if err := s.write(ctx, conn, Envelope{Type: s.authFrame}); err != nil {
		return
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	s.accepted <- struct{}{}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var cmd RealtimeCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			s.t.Errorf("bad command %s: %v", data, err)
			continue
		}
		s.commands <- cmd
		switch {
		case cmd.Type == frameSubscribe && s.autoAck:
			_ = s.write(ctx, conn, Envelope{Type: EventSubscriptionAck, Channel: cmd.Channel})
		case cmd.Type == framePing && s.autoPong:
			payload, _ := json.Marshal(PongPayload{RequestID: cmd.RequestID})
			_ = s.write(ctx, conn, Envelope{Type: framePong, Payload: payload})
		}
	}
}

func (s *pushServer) write(ctx context.Context, conn *websocket.Conn, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// push sends a raw frame on the current connection.
func (s *pushServer) push(raw string) {
	s.t.Helper()
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		s.t.Fatal("no connection to push on")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte(raw)); err != nil {
		s.t.Fatalf("push: %v", err)
	}
}

func (s *pushServer) pushEvent(channel string, ev Event) {
	s.t.Helper()
	env, err := EncodeEvent(channel, ev)
	if err != nil {
		s.t.Fatalf("encode: %v", err)
	}
	data, _ := json.Marshal(env)
	s.push(string(data))
}

// drop closes the current connection from the server side.
func (s *pushServer) drop() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn != nil {
		conn.Close(websocket.StatusGoingAway, "restart")
	}
}

func (s *pushServer) expect(typ, channel string) RealtimeCommand {
	s.t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case cmd := <-s.commands:
			if cmd.Type == typ && cmd.Channel == channel {
				return cmd
			}
		case <-deadline:
			s.t.Fatalf("timed out waiting for %s %s", typ, channel)
			return RealtimeCommand{}
		}
	}
}

func connectClient(t *testing.T, s *pushServer, cfg RealtimeConfig) *RealtimeClient {
	t.Helper()
	c := NewRealtimeClient(s.url(), cfg)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = c.Disconnect() })
	return c
}

// ============================================================================
// Tests
// ============================================================================

func TestRealtimeConnect(t *testing.T) {
	t.Run("authenticated frame required", func(t *testing.T) {
		s := newPushServer(t)
		s.authFrame = "error"
		c := NewRealtimeClient(s.url(), RealtimeConfig{})
		err := c.Connect(context.Background())
		if !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("expected ErrUnauthorized, got %v", err)
		}
		if c.ConnState() != ConnDisconnected {
			t.Fatalf("expected disconnected, got %s", c.ConnState())
		}
	})

	t.Run("dial failure is transient", func(t *testing.T) {
		c := NewRealtimeClient("ws://127.0.0.1:1/ws", RealtimeConfig{})
		if err := c.Connect(context.Background()); !errors.Is(err, ErrTransient) {
			t.Fatalf("expected ErrTransient, got %v", err)
		}
	})

	t.Run("states are reported", func(t *testing.T) {
		s := newPushServer(t)
		c := NewRealtimeClient(s.url(), RealtimeConfig{})
		var mu sync.Mutex
		var seen []ConnState
		c.OnStateChange(func(st ConnState) {
			mu.Lock()
			seen = append(seen, st)
			mu.Unlock()
		})
		if err := c.Connect(context.Background()); err != nil {
			t.Fatalf("connect: %v", err)
		}
		_ = c.Disconnect()
		mu.Lock()
		defer mu.Unlock()
		want := []ConnState{ConnConnecting, ConnConnected, ConnDisconnected}
		if len(seen) != len(want) {
			t.Fatalf("expected %v, got %v", want, seen)
		}
		for i := range want {
			if seen[i] != want[i] {
				t.Fatalf("expected %v, got %v", want, seen)
			}
		}
	})

	t.Run("subscribe needs a connection", func(t *testing.T) {
		c := NewRealtimeClient("ws://127.0.0.1:1/ws", RealtimeConfig{})
		if _, err := c.Subscribe(context.Background(), "inbox.me"); !errors.Is(err, ErrNotConnected) {
			t.Fatalf("expected ErrNotConnected, got %v", err)
		}
	})
}

func TestRealtimeSubscription(t *testing.T) {
	ctx := context.Background()
	s := newPushServer(t)
	c := connectClient(t, s, RealtimeConfig{})

	log := &eventLog{}
	m := NewSubscriptionManager(c, log.record, nil, nil)
	if err := m.Open(ctx, "conversation.c1"); err != nil {
		t.Fatalf("open: %v", err)
	}
	s.expect(frameSubscribe, "conversation.c1")

	// Incomplete and unknown frames never reach handlers.
	s.push(`{"type":"new-message","channel":"conversation.c1","payload":{}}`)
	s.push(`{"type":"typing","channel":"conversation.c1","payload":{"userId":"u1"}}`)
	s.push(`not json`)
	s.pushEvent("conversation.other", NewMessage{Message: confirmed("m0", "other", "u1", "x", t0)})
	s.pushEvent("conversation.c1", NewMessage{Message: confirmed("m1", "c1", "u1", "hello", t0)})
	waitFor(t, "event", func() bool { return log.len() == 1 })

	log.mu.Lock()
	got, ok := log.events[0].(NewMessage)
	log.mu.Unlock()
	if !ok || got.Message.ID != "m1" || got.Message.Body != "hello" || !got.Message.CreatedAt.Equal(t0) {
		t.Fatalf("unexpected event %+v", log.events[0])
	}

	m.Close()
	s.expect(frameUnsubscribe, "conversation.c1")

	// Nothing is delivered after teardown.
	s.pushEvent("conversation.c1", NewMessage{Message: confirmed("m2", "c1", "u1", "late", t0)})
	if _, err := c.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if log.len() != 1 {
		t.Fatalf("expected no events after close, got %d", log.len())
	}
}

func TestRealtimeRejectedSubscription(t *testing.T) {
	ctx := context.Background()
	s := newPushServer(t)
	s.autoAck = false
	c := connectClient(t, s, RealtimeConfig{})

	m := NewSubscriptionManager(c, nil, nil, nil)
	errc := make(chan error, 1)
	go func() { errc <- m.Open(ctx, "room.r1") }()
	s.expect(frameSubscribe, "room.r1")
	s.pushEvent("room.r1", SubscriptionError{Channel: "room.r1", Status: 403, Reason: "not a member"})

	err := <-errc
	var subErr SubscriptionError
	if !errors.As(err, &subErr) || subErr.Status != 403 {
		t.Fatalf("expected 403 subscription error, got %v", err)
	}
	if m.State() != SubIdle {
		t.Fatalf("expected idle, got %s", m.State())
	}
}

func TestRealtimePing(t *testing.T) {
	ctx := context.Background()

	t.Run("pong resolves", func(t *testing.T) {
		s := newPushServer(t)
		c := connectClient(t, s, RealtimeConfig{})
		pong, err := c.Ping(ctx)
		if err != nil {
			t.Fatalf("ping: %v", err)
		}
		if !strings.HasPrefix(pong.RequestID, "ping-") {
			t.Fatalf("unexpected request id %q", pong.RequestID)
		}
	})

	t.Run("missing pong times out", func(t *testing.T) {
		s := newPushServer(t)
		s.autoPong = false
		c := connectClient(t, s, RealtimeConfig{PingTimeout: 50 * time.Millisecond})
		if _, err := c.Ping(ctx); err == nil {
			t.Fatal("expected ping timeout")
		}
	})
}

func TestRealtimeReconnect(t *testing.T) {
	ctx := context.Background()
	s := newPushServer(t)
	c := connectClient(t, s, RealtimeConfig{
		AutoReconnect:      true,
		ReconnectBaseDelay: 10 * time.Millisecond,
		ReconnectMaxDelay:  50 * time.Millisecond,
	})
	<-s.accepted

	tracker := NewConnectionTracker(nil)
	tracker.Set(c.ConnState())
	c.OnStateChange(tracker.Set)
	reconnected := make(chan struct{}, 1)
	tracker.OnReconnect(func() { reconnected <- struct{}{} })

	log := &eventLog{}
	m := NewSubscriptionManager(c, log.record, nil, nil)
	if err := m.Open(ctx, "inbox.me"); err != nil {
		t.Fatalf("open: %v", err)
	}
	s.expect(frameSubscribe, "inbox.me")

	s.drop()
	select {
	case <-reconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reconnect")
	}
	<-s.accepted

	// The live channel is re-requested on the new connection.
	s.expect(frameSubscribe, "inbox.me")
	s.pushEvent("inbox.me", NewMessage{Message: confirmed("m1", "c9", "u1", "after restart", t0)})
	waitFor(t, "event after reconnect", func() bool { return log.len() == 1 })
}

func TestRealtimeTeardownWhileDisconnected(t *testing.T) {
	ctx := context.Background()
	s := newPushServer(t)
	c := connectClient(t, s, RealtimeConfig{})
	<-s.accepted

	m := NewSubscriptionManager(c, nil, nil, nil)
	if err := m.Open(ctx, "conversation.x"); err != nil {
		t.Fatalf("open: %v", err)
	}
	s.expect(frameSubscribe, "conversation.x")

	s.drop()
	waitFor(t, "disconnect", func() bool { return c.ConnState() == ConnDisconnected })
	m.Close()

	c.mu.Lock()
	left := len(c.channels)
	c.mu.Unlock()
	if left != 0 {
		t.Fatalf("expected no registered channels after teardown, got %d", left)
	}

	if err := c.Connect(ctx); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	<-s.accepted
	if _, err := c.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}

	// Resubscribe frames are written before Connect returns, so every command
	// ahead of the ping belongs to the reconnect.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case cmd := <-s.commands:
			if cmd.Type == frameSubscribe {
				t.Fatalf("torn-down channel %s subscribed again after reconnect", cmd.Channel)
			}
			if cmd.Type == framePing {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for ping")
		}
	}
}

func TestRedactToken(t *testing.T) {
	if got := redactToken("wss://chat.example.com/ws?token=secret"); got != "wss://chat.example.com/ws" {
		t.Fatalf("unexpected redaction %q", got)
	}
}
