package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
)

var (
	// ErrClosed is returned by operations on an unsubscribed Subscription.
	ErrClosed = errors.New("chatsync: subscription closed")
	// ErrNotConnected is returned when the transport has no live connection.
	ErrNotConnected = errors.New("chatsync: not connected")
)

// Topic and event names.
const (
	PresenceTopic = "presence"

	eventNewMessage    = "new_message"
	eventEditMessage   = "edit_message"
	eventDeleteMessage = "delete_message"
	eventTypingStart   = "typing_start"
)

// ChannelTopic returns the topic carrying message events for a channel.
func ChannelTopic(channelID string) string { return "channel:" + channelID }

// TypingTopic returns the topic carrying typing signals for a channel.
func TypingTopic(channelID string) string { return "typing:" + channelID }

// ============================================================================
// Transport contract
// ============================================================================

// Transport is a publish/subscribe transport with per-topic broadcast and
// presence tracking. Delivery is at-most-once and unordered across topics.
type Transport interface {
	Subscribe(ctx context.Context, topic string, opts ...SubscribeOption) (Subscription, error)
}

// Subscription is a joined topic. Handlers registered after events have
// been delivered do not see those events.
type Subscription interface {
	Topic() string
	// Send broadcasts payload to the other subscribers of the topic.
	Send(ctx context.Context, event string, payload any) error
	OnBroadcast(event string, h func(payload json.RawMessage))
	// Track replaces this subscription's presence payload. Every subscriber
	// of the topic then receives a full presence snapshot.
	Track(ctx context.Context, payload any) error
	OnPresenceSync(h func(state PresenceState))
	// Unsubscribe leaves the topic. No handler starts after it returns, and
	// it is safe to call from inside a handler.
	Unsubscribe() error
}

// SubscribeConfig holds subscription settings.
type SubscribeConfig struct {
	PresenceKey string
}

// SubscribeOption configures a subscription.
type SubscribeOption func(*SubscribeConfig)

// WithPresenceKey sets the key this subscription's presence is tracked under.
func WithPresenceKey(key string) SubscribeOption {
	return func(c *SubscribeConfig) { c.PresenceKey = key }
}

func newSubscribeConfig(opts []SubscribeOption) SubscribeConfig {
	var cfg SubscribeConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// ============================================================================
// Handler registry
// ============================================================================

// handlerSet is the per-subscription handler registry shared by the
// transports. Delivery is synchronous so one topic's events reach the
// engine in arrival order.
type handlerSet struct {
	mu        sync.RWMutex
	closed    bool
	broadcast map[string][]func(json.RawMessage)
	catchAll  func(event string, payload json.RawMessage)
	onSync    []func(PresenceState)
}

func (hs *handlerSet) onBroadcast(event string, h func(json.RawMessage)) {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	if hs.broadcast == nil {
		hs.broadcast = make(map[string][]func(json.RawMessage))
	}
	hs.broadcast[event] = append(hs.broadcast[event], h)
}

// setCatchAll installs a handler that sees every broadcast event.
func (hs *handlerSet) setCatchAll(h func(event string, payload json.RawMessage)) {
	hs.mu.Lock()
	hs.catchAll = h
	hs.mu.Unlock()
}

func (hs *handlerSet) onPresenceSync(h func(PresenceState)) {
	hs.mu.Lock()
	hs.onSync = append(hs.onSync, h)
	hs.mu.Unlock()
}

// dispatchBroadcast runs the handlers without holding hs.mu, so a handler
// may unsubscribe. Handlers are skipped once the subscription is closed.
func (hs *handlerSet) dispatchBroadcast(event string, payload json.RawMessage) {
	hs.mu.RLock()
	if hs.closed {
		hs.mu.RUnlock()
		return
	}
	catchAll := hs.catchAll
	handlers := append([]func(json.RawMessage){}, hs.broadcast[event]...)
	hs.mu.RUnlock()

	if catchAll != nil {
		catchAll(event, payload)
	}
	for _, h := range handlers {
		if hs.isClosed() {
			return
		}
		h(payload)
	}
}

func (hs *handlerSet) dispatchSync(state PresenceState) {
	hs.mu.RLock()
	if hs.closed {
		hs.mu.RUnlock()
		return
	}
	handlers := append([]func(PresenceState){}, hs.onSync...)
	hs.mu.RUnlock()

	for _, h := range handlers {
		if hs.isClosed() {
			return
		}
		h(state)
	}
}

// close marks the set closed and reports whether this call closed it. No
// handler starts after close returns; one already running is not waited for.
func (hs *handlerSet) close() bool {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	if hs.closed {
		return false
	}
	hs.closed = true
	return true
}

func (hs *handlerSet) isClosed() bool {
	hs.mu.RLock()
	defer hs.mu.RUnlock()
	return hs.closed
}

func copyState(state PresenceState) PresenceState {
	out := make(PresenceState, len(state))
	for k, v := range state {
		out[k] = append([]json.RawMessage(nil), v...)
	}
	return out
}
