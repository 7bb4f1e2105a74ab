package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net/url"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Wire Format
// ============================================================================

// Frame types exchanged with the relay.
const (
	FrameSubscribe    = "subscribe"
	FrameUnsubscribe  = "unsubscribe"
	FrameBroadcast    = "broadcast"
	FrameTrack        = "track"
	FramePing         = "ping"
	FrameWelcome      = "welcome"
	FramePresenceSync = "presence_sync"
	FramePong         = "pong"
	FrameError        = "error"
)

// Frame is the wire format for all relay traffic, in both directions.
type Frame struct {
	Type      string          `json:"type"`
	Topic     string          `json:"topic,omitempty"`
	Event     string          `json:"event,omitempty"`
	Key       string          `json:"key,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	State     PresenceState   `json:"state,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
	Message   string          `json:"message,omitempty"`
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the WebSocket transport.
type RealtimeConfig struct {
	Token                string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	Logger               *slog.Logger
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
	if c.Logger == nil {
		c.Logger = discardLogger()
	}
}

// RealtimeState represents the connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

// ============================================================================
// Connection Events
// ============================================================================

type connEvents struct {
	mu             sync.RWMutex
	onConnected    []func()
	onDisconnected []func(reason string)
	onReconnecting []func(attempt int, delay time.Duration)
}

func (d *connEvents) emitConnected() {
	d.mu.RLock()
	handlers := append([]func(){}, d.onConnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h()
	}
}

func (d *connEvents) emitDisconnected(reason string) {
	d.mu.RLock()
	handlers := append([]func(string){}, d.onDisconnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h(reason)
	}
}

func (d *connEvents) emitReconnecting(attempt int, delay time.Duration) {
	d.mu.RLock()
	handlers := append([]func(int, time.Duration){}, d.onReconnecting...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h(attempt, delay)
	}
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// WSTransport
// ============================================================================

// WSTransport is a Transport over a WebSocket connection to a Relay, with
// auto-reconnect and heartbeat. After a reconnect every live subscription
// is re-joined and its last presence payload tracked again.
type WSTransport struct {
	url    string
	config *RealtimeConfig
	logger *slog.Logger
	events connEvents
	recon  *reconnector

	mu               sync.Mutex
	conn             *websocket.Conn
	connID           string
	state            RealtimeState
	intentionalClose bool
	cancelFn         context.CancelFunc
	pingCounter      int
	subs             map[string]*wsSub

	pendingMu    sync.Mutex
	pendingPings map[string]chan struct{}
}

// NewWSTransport creates a transport for the relay at rawURL. http and
// https URLs are rewritten to ws and wss.
func NewWSTransport(rawURL string, config *RealtimeConfig) *WSTransport {
	if config == nil {
		config = &RealtimeConfig{}
	}
	config.defaults()
	return &WSTransport{
		url:          rawURL,
		config:       config,
		logger:       config.Logger,
		recon:        newReconnector(config),
		state:        StateDisconnected,
		subs:         make(map[string]*wsSub),
		pendingPings: make(map[string]chan struct{}),
	}
}

// OnConnected registers a handler for the connected meta-event.
func (t *WSTransport) OnConnected(h func()) {
	t.events.mu.Lock()
	t.events.onConnected = append(t.events.onConnected, h)
	t.events.mu.Unlock()
}

// OnDisconnected registers a handler for the disconnected meta-event.
func (t *WSTransport) OnDisconnected(h func(reason string)) {
	t.events.mu.Lock()
	t.events.onDisconnected = append(t.events.onDisconnected, h)
	t.events.mu.Unlock()
}

// OnReconnecting registers a handler for the reconnecting meta-event.
func (t *WSTransport) OnReconnecting(h func(attempt int, delay time.Duration)) {
	t.events.mu.Lock()
	t.events.onReconnecting = append(t.events.onReconnecting, h)
	t.events.mu.Unlock()
}

// State returns the current connection state.
func (t *WSTransport) State() RealtimeState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// ConnectionID returns the id the relay assigned in its welcome frame.
func (t *WSTransport) ConnectionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connID
}

func (t *WSTransport) dialURL() (string, error) {
	wsURL := strings.Replace(t.url, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	u, err := url.Parse(wsURL)
	if err != nil {
		return "", fmt.Errorf("parse relay url: %w", err)
	}
	if t.config.Token != "" {
		q := u.Query()
		q.Set("token", t.config.Token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Connect establishes the WebSocket connection and waits for the relay's
// welcome frame.
func (t *WSTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.state == StateConnected || t.state == StateConnecting {
		t.mu.Unlock()
		return nil
	}
	t.state = StateConnecting
	t.intentionalClose = false
	t.mu.Unlock()

	fail := func(err error) error {
		t.mu.Lock()
		t.state = StateDisconnected
		t.mu.Unlock()
		return err
	}

	wsURL, err := t.dialURL()
	if err != nil {
		return fail(err)
	}
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return fail(fmt.Errorf("websocket dial: %w", err))
	}
	conn.SetReadLimit(1 << 20)

	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return fail(fmt.Errorf("read welcome: %w", err))
	}
	var welcome Frame
	if err := json.Unmarshal(data, &welcome); err != nil || welcome.Type != FrameWelcome {
		conn.Close(websocket.StatusNormalClosure, "")
		return fail(fmt.Errorf("expected %q frame, got %q", FrameWelcome, welcome.Type))
	}

	// The connection outlives the dial context.
	connCtx, cancel := context.WithCancel(context.Background())
	t.mu.Lock()
	t.conn = conn
	t.connID = welcome.Message
	t.state = StateConnected
	t.cancelFn = cancel
	t.mu.Unlock()
	t.recon.markConnected()

	go t.readLoop(connCtx, conn)
	go t.heartbeatLoop(connCtx)

	t.resubscribe(ctx)
	t.events.emitConnected()
	t.logger.Debug("realtime connected", "url", t.url, "conn_id", welcome.Message)
	return nil
}

// Close gracefully closes the connection. Subscriptions stay registered
// and are re-joined by a later Connect.
func (t *WSTransport) Close() error {
	t.mu.Lock()
	t.intentionalClose = true
	if t.cancelFn != nil {
		t.cancelFn()
		t.cancelFn = nil
	}
	conn := t.conn
	t.conn = nil
	t.state = StateDisconnected
	t.mu.Unlock()

	t.clearPendingPings()
	t.events.emitDisconnected("client disconnect")

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

func (t *WSTransport) write(ctx context.Context, f Frame) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// resubscribe re-joins every live topic on a fresh connection.
func (t *WSTransport) resubscribe(ctx context.Context) {
	t.mu.Lock()
	subs := make([]*wsSub, 0, len(t.subs))
	for _, s := range t.subs {
		subs = append(subs, s)
	}
	t.mu.Unlock()

	for _, s := range subs {
		if err := t.write(ctx, Frame{Type: FrameSubscribe, Topic: s.topic, Key: s.key}); err != nil {
			t.logger.Warn("resubscribe failed", "topic", s.topic, "error", err)
			continue
		}
		if tracked := s.lastTracked(); tracked != nil {
			if err := t.write(ctx, Frame{Type: FrameTrack, Topic: s.topic, Payload: tracked}); err != nil {
				t.logger.Warn("re-track failed", "topic", s.topic, "error", err)
			}
		}
	}
}

// Ping sends a ping and waits for the pong.
func (t *WSTransport) Ping(ctx context.Context) error {
	t.mu.Lock()
	t.pingCounter++
	requestID := fmt.Sprintf("ping-%d", t.pingCounter)
	t.mu.Unlock()

	ch := make(chan struct{}, 1)
	t.pendingMu.Lock()
	t.pendingPings[requestID] = ch
	t.pendingMu.Unlock()

	forget := func() {
		t.pendingMu.Lock()
		delete(t.pendingPings, requestID)
		t.pendingMu.Unlock()
	}

	if err := t.write(ctx, Frame{Type: FramePing, RequestID: requestID}); err != nil {
		forget()
		return err
	}

	select {
	case _, ok := <-ch:
		if !ok {
			return ErrNotConnected
		}
		return nil
	case <-time.After(10 * time.Second):
		forget()
		return fmt.Errorf("ping timeout")
	case <-ctx.Done():
		forget()
		return ctx.Err()
	}
}

func (t *WSTransport) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.mu.Lock()
			intentional := t.intentionalClose
			if !intentional {
				t.state = StateDisconnected
				t.conn = nil
				if t.cancelFn != nil {
					t.cancelFn()
					t.cancelFn = nil
				}
			}
			t.mu.Unlock()
			if intentional {
				return
			}

			t.clearPendingPings()
			t.events.emitDisconnected(err.Error())
			t.logger.Warn("realtime connection lost", "error", err)

			if t.config.AutoReconnect && t.recon.shouldReconnect() {
				t.scheduleReconnect()
			}
			return
		}

		var f Frame
		if json.Unmarshal(data, &f) != nil {
			continue
		}
		t.dispatch(f)
	}
}

func (t *WSTransport) dispatch(f Frame) {
	switch f.Type {
	case FramePong:
		t.pendingMu.Lock()
		ch, ok := t.pendingPings[f.RequestID]
		if ok {
			delete(t.pendingPings, f.RequestID)
		}
		t.pendingMu.Unlock()
		if ok {
			ch <- struct{}{}
		}
	case FrameBroadcast:
		if s := t.sub(f.Topic); s != nil {
			s.dispatchBroadcast(f.Event, f.Payload)
		}
	case FramePresenceSync:
		if s := t.sub(f.Topic); s != nil {
			state := f.State
			if state == nil {
				state = PresenceState{}
			}
			s.dispatchSync(state)
		}
	case FrameError:
		t.logger.Warn("relay error", "topic", f.Topic, "message", f.Message)
	}
}

func (t *WSTransport) sub(topic string) *wsSub {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.subs[topic]
}

func (t *WSTransport) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(t.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if t.State() != StateConnected {
				return
			}
			if err := t.Ping(ctx); err != nil {
				// Heartbeat failed, force close so readLoop reconnects.
				t.mu.Lock()
				conn := t.conn
				t.mu.Unlock()
				if conn != nil {
					conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}

func (t *WSTransport) scheduleReconnect() {
	for {
		delay := t.recon.nextDelay()
		t.mu.Lock()
		t.state = StateReconnecting
		t.mu.Unlock()

		t.events.emitReconnecting(t.recon.attempt, delay)
		time.Sleep(delay)

		t.mu.Lock()
		if t.intentionalClose {
			t.state = StateDisconnected
			t.mu.Unlock()
			return
		}
		t.state = StateDisconnected
		t.mu.Unlock()

		err := t.Connect(context.Background())
		if err == nil {
			return
		}
		t.logger.Warn("reconnect failed", "attempt", t.recon.attempt, "error", err)
		if !t.config.AutoReconnect || !t.recon.shouldReconnect() {
			return
		}
	}
}

func (t *WSTransport) clearPendingPings() {
	t.pendingMu.Lock()
	for k, ch := range t.pendingPings {
		close(ch)
		delete(t.pendingPings, k)
	}
	t.pendingMu.Unlock()
}

// Subscribe joins topic on the relay. A transport holds at most one
// subscription per topic. While disconnected with AutoReconnect set, the
// join is deferred to the next connection.
func (t *WSTransport) Subscribe(ctx context.Context, topic string, opts ...SubscribeOption) (Subscription, error) {
	cfg := newSubscribeConfig(opts)
	s := &wsSub{t: t, topic: topic, key: cfg.PresenceKey}

	t.mu.Lock()
	if _, exists := t.subs[topic]; exists {
		t.mu.Unlock()
		return nil, fmt.Errorf("chatsync: topic %q already subscribed", topic)
	}
	t.subs[topic] = s
	t.mu.Unlock()

	err := t.write(ctx, Frame{Type: FrameSubscribe, Topic: topic, Key: s.key})
	if err == ErrNotConnected && t.config.AutoReconnect {
		return s, nil
	}
	if err != nil {
		t.forget(s)
		return nil, err
	}
	return s, nil
}

func (t *WSTransport) forget(s *wsSub) {
	t.mu.Lock()
	if t.subs[s.topic] == s {
		delete(t.subs, s.topic)
	}
	t.mu.Unlock()
}

type wsSub struct {
	handlerSet
	t     *WSTransport
	topic string
	key   string

	trackMu sync.Mutex
	tracked json.RawMessage
}

func (s *wsSub) Topic() string { return s.topic }

func (s *wsSub) lastTracked() json.RawMessage {
	s.trackMu.Lock()
	defer s.trackMu.Unlock()
	return s.tracked
}

func (s *wsSub) Send(ctx context.Context, event string, payload any) error {
	if s.isClosed() {
		return ErrClosed
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal broadcast: %w", err)
	}
	return s.t.write(ctx, Frame{Type: FrameBroadcast, Topic: s.topic, Event: event, Payload: data})
}

func (s *wsSub) OnBroadcast(event string, h func(json.RawMessage)) {
	s.onBroadcast(event, h)
}

func (s *wsSub) Track(ctx context.Context, payload any) error {
	if s.isClosed() {
		return ErrClosed
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal presence: %w", err)
	}
	s.trackMu.Lock()
	s.tracked = data
	s.trackMu.Unlock()

	err = s.t.write(ctx, Frame{Type: FrameTrack, Topic: s.topic, Payload: data})
	if err == ErrNotConnected && s.t.config.AutoReconnect {
		// Re-tracked after reconnect.
		return nil
	}
	return err
}

func (s *wsSub) OnPresenceSync(h func(PresenceState)) {
	s.onPresenceSync(h)
}

func (s *wsSub) Unsubscribe() error {
	if !s.close() {
		return nil
	}
	s.t.forget(s)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.t.write(ctx, Frame{Type: FrameUnsubscribe, Topic: s.topic})
	if err == ErrNotConnected {
		return nil
	}
	return err
}
