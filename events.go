package chatsync

import (
	"io"
	"log/slog"
	"sync"
)

// Change events emitted by the engines. The payload is the channel id for
// message and typing changes, nil for presence changes and *Profile for
// profile loads.
const (
	EventMessagesChanged = "messages.changed"
	EventPresenceChanged = "presence.changed"
	EventTypingChanged   = "typing.changed"
	EventProfileLoaded   = "profile.loaded"
)

// EventHandler receives engine change notifications.
type EventHandler func(event string, payload any)

type emitter struct {
	mu        sync.RWMutex
	listeners map[string][]EventHandler
}

// On registers a handler for event. Handlers run synchronously on the
// goroutine that applied the change, after the engine lock is released.
func (e *emitter) On(event string, handler EventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.listeners == nil {
		e.listeners = make(map[string][]EventHandler)
	}
	e.listeners[event] = append(e.listeners[event], handler)
}

func (e *emitter) emit(event string, payload any) {
	e.mu.RLock()
	handlers := e.listeners[event]
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() { recover() }() // swallow panics in user callbacks
			h(event, payload)
		}()
	}
}

func (e *emitter) removeAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
