package chatsync

import (
	"log/slog"
	"sync"
)

// ConnState is the connectivity of the push transport.
type ConnState string

const (
	ConnConnecting   ConnState = "connecting"
	ConnConnected    ConnState = "connected"
	ConnDisconnected ConnState = "disconnected"
)

// ConnectionTracker records transport transitions for UI gating.
//
// It never synthesizes or replays events. When the transport comes back after a
// disconnect, reconnect hooks run so the owner can refetch history.
type ConnectionTracker struct {
	logger *slog.Logger

	mu        sync.Mutex
	state     ConnState
	wasDown   bool
	onChange  *emitter[ConnState]
	reconnect *emitter[struct{}]
}

// NewConnectionTracker starts in the disconnected state.
func NewConnectionTracker(logger *slog.Logger) *ConnectionTracker {
	if logger == nil {
		logger = discardLogger()
	}
	return &ConnectionTracker{
		logger:    logger,
		state:     ConnDisconnected,
		onChange:  newEmitter[ConnState]("connection", logger),
		reconnect: newEmitter[struct{}]("reconnect", logger),
	}
}

// Set records a transition. Repeated states are ignored.
func (t *ConnectionTracker) Set(s ConnState) {
	t.mu.Lock()
	if s == t.state {
		t.mu.Unlock()
		return
	}
	prev := t.state
	t.state = s
	recovered := false
	switch s {
	case ConnDisconnected:
		// Only a connection that was once up can be "re"-connected.
		if prev == ConnConnected {
			t.wasDown = true
		}
	case ConnConnected:
		recovered = t.wasDown
		t.wasDown = false
	}
	t.mu.Unlock()

	t.logger.Info("connection state", "from", string(prev), "state", string(s))
	t.onChange.emit(s)
	if recovered {
		t.reconnect.emit(struct{}{})
	}
}

// State returns the last recorded state.
func (t *ConnectionTracker) State() ConnState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Degraded reports whether the UI should show a connecting/offline banner.
// Sends still go through REST while degraded.
func (t *ConnectionTracker) Degraded() bool {
	return t.State() != ConnConnected
}

// OnChange registers fn for every transition.
func (t *ConnectionTracker) OnChange(fn func(ConnState)) { t.onChange.on(fn) }

// OnReconnect registers fn for disconnected-to-connected recoveries.
func (t *ConnectionTracker) OnReconnect(fn func()) {
	if fn == nil {
		return
	}
	t.reconnect.on(func(struct{}) { fn() })
}
