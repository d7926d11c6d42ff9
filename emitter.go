package chatsync

import (
	"io"
	"log/slog"
	"sync"
)

// emitter fans a value out to registered listeners. A panicking listener is
// logged and does not stop the others.
type emitter[T any] struct {
	name   string
	logger *slog.Logger

	mu        sync.RWMutex
	listeners []func(T)
}

func newEmitter[T any](name string, logger *slog.Logger) *emitter[T] {
	return &emitter[T]{name: name, logger: logger}
}

func (e *emitter[T]) on(fn func(T)) {
	if fn == nil {
		return
	}
	e.mu.Lock()
	e.listeners = append(e.listeners, fn)
	e.mu.Unlock()
}

func (e *emitter[T]) emit(v T) {
	e.mu.RLock()
	handlers := append([]func(T){}, e.listeners...)
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.logger.Error("listener panic", "listener", e.name, "panic", r)
				}
			}()
			h(v)
		}()
	}
}

func (e *emitter[T]) removeAll() {
	e.mu.Lock()
	e.listeners = nil
	e.mu.Unlock()
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
