package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
)

const (
	relayWriteWait  = 10 * time.Second
	relaySendBuffer = 128
)

// Relay is an http.Handler that bridges WebSocket clients onto a MemoryHub,
// so WSTransport clients and in-process engines share the same topics.
type Relay struct {
	hub    *MemoryHub
	token  string
	logger *slog.Logger

	mu    sync.Mutex
	conns map[string]*relayConn
}

// RelayOption configures a Relay.
type RelayOption func(*Relay)

// WithRelayToken requires clients to present token as the token query
// parameter.
func WithRelayToken(token string) RelayOption {
	return func(r *Relay) { r.token = token }
}

// WithRelayLogger sets the relay's logger.
func WithRelayLogger(l *slog.Logger) RelayOption {
	return func(r *Relay) { r.logger = l }
}

// NewRelay creates a relay over hub.
func NewRelay(hub *MemoryHub, opts ...RelayOption) *Relay {
	r := &Relay{hub: hub, conns: make(map[string]*relayConn)}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = discardLogger()
	}
	return r
}

// Connections returns the number of connected clients.
func (r *Relay) Connections() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if r.token != "" && req.URL.Query().Get("token") != r.token {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	ws, err := websocket.Accept(w, req, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		r.logger.Warn("websocket accept failed", "error", err)
		return
	}
	ws.SetReadLimit(1 << 20)

	c := &relayConn{
		id:     uuid.NewString(),
		relay:  r,
		ws:     ws,
		send:   make(chan []byte, relaySendBuffer),
		closed: make(chan struct{}),
		subs:   make(map[string]*memorySub),
	}
	r.mu.Lock()
	r.conns[c.id] = c
	r.mu.Unlock()
	r.logger.Debug("relay client connected", "conn_id", c.id, "remote", req.RemoteAddr)

	ctx, cancel := context.WithCancel(req.Context())
	defer cancel()
	go c.writeLoop(ctx)

	c.enqueue(Frame{Type: FrameWelcome, Message: c.id})
	err = c.readLoop(ctx)
	c.cleanup()

	r.mu.Lock()
	delete(r.conns, c.id)
	r.mu.Unlock()

	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		r.logger.Debug("relay client disconnected", "conn_id", c.id)
	default:
		r.logger.Debug("relay client dropped", "conn_id", c.id, "error", err)
	}
}

// relayConn coordinates one client's outbound writes through a buffered
// channel. A client that lets the buffer fill is disconnected.
type relayConn struct {
	id    string
	relay *Relay
	ws    *websocket.Conn

	send      chan []byte
	closeOnce sync.Once
	closed    chan struct{}

	mu   sync.Mutex
	subs map[string]*memorySub
}

func (c *relayConn) enqueue(f Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		c.relay.logger.Warn("marshal relay frame", "error", err)
		return
	}
	select {
	case <-c.closed:
	case c.send <- data:
	default:
		// Close blocks on the handshake; enqueue runs under hub dispatch.
		go c.close(websocket.StatusPolicyViolation, "send buffer full")
	}
}

func (c *relayConn) close(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.ws.Close(code, reason)
	})
}

func (c *relayConn) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		case data := <-c.send:
			wctx, cancel := context.WithTimeout(ctx, relayWriteWait)
			err := c.ws.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				c.close(websocket.StatusInternalError, "write failed")
				return
			}
		}
	}
}

func (c *relayConn) readLoop(ctx context.Context) error {
	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			return err
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.enqueue(Frame{Type: FrameError, Message: "malformed frame"})
			continue
		}
		if err := c.handle(ctx, f); err != nil {
			c.enqueue(Frame{Type: FrameError, Topic: f.Topic, Message: err.Error()})
		}
	}
}

var errRelayNotSubscribed = errors.New("not subscribed to topic")

func (c *relayConn) handle(ctx context.Context, f Frame) error {
	switch f.Type {
	case FramePing:
		c.enqueue(Frame{Type: FramePong, RequestID: f.RequestID})
		return nil
	case FrameSubscribe:
		return c.subscribe(ctx, f.Topic, f.Key)
	case FrameUnsubscribe:
		c.mu.Lock()
		sub := c.subs[f.Topic]
		delete(c.subs, f.Topic)
		c.mu.Unlock()
		if sub == nil {
			return nil
		}
		return sub.Unsubscribe()
	case FrameBroadcast, FrameTrack:
		c.mu.Lock()
		sub := c.subs[f.Topic]
		c.mu.Unlock()
		if sub == nil {
			return errRelayNotSubscribed
		}
		if f.Type == FrameTrack {
			return sub.Track(ctx, f.Payload)
		}
		return sub.Send(ctx, f.Event, f.Payload)
	default:
		return errors.New("unknown frame type " + f.Type)
	}
}

func (c *relayConn) subscribe(ctx context.Context, topic, key string) error {
	if topic == "" {
		return errors.New("missing topic")
	}
	c.mu.Lock()
	if _, ok := c.subs[topic]; ok {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	sub, err := c.relay.hub.subscribe(ctx, topic, WithPresenceKey(key))
	if err != nil {
		return err
	}
	sub.setCatchAll(func(event string, payload json.RawMessage) {
		c.enqueue(Frame{Type: FrameBroadcast, Topic: topic, Event: event, Payload: payload})
	})
	sub.OnPresenceSync(func(state PresenceState) {
		c.enqueue(Frame{Type: FramePresenceSync, Topic: topic, State: state})
	})

	c.mu.Lock()
	if _, ok := c.subs[topic]; ok {
		c.mu.Unlock()
		return sub.Unsubscribe()
	}
	c.subs[topic] = sub
	c.mu.Unlock()
	return nil
}

// cleanup drops every subscription, re-syncing presence for peers.
func (c *relayConn) cleanup() {
	c.mu.Lock()
	subs := c.subs
	c.subs = make(map[string]*memorySub)
	c.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
	c.close(websocket.StatusNormalClosure, "")
}
