package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"

	"golang.org/x/time/rate"
)

// TypingEngine tracks who is typing in each joined channel and sends the
// local user's throttled typing signals. Entries expire on a periodic sweep.
type TypingEngine struct {
	emitter
	transport Transport
	cfg       engineConfig

	mu       sync.Mutex
	userID   string
	nickname string
	channels map[string]*typingChannel
	sweeper  Timer
}

type typingChannel struct {
	sub     Subscription
	limiter *rate.Limiter
	users   map[string]TypingUser
}

// NewTypingEngine creates a typing engine for the local user.
func NewTypingEngine(transport Transport, userID, nickname string, opts ...Option) *TypingEngine {
	return &TypingEngine{
		transport: transport,
		cfg:       newEngineConfig(opts),
		userID:    userID,
		nickname:  nickname,
		channels:  make(map[string]*typingChannel),
	}
}

// SetNickname changes the display name sent with outbound signals.
func (e *TypingEngine) SetNickname(nickname string) {
	e.mu.Lock()
	e.nickname = nickname
	e.mu.Unlock()
}

// Join subscribes to the channel's typing topic. The expiry sweep starts
// with the first joined channel.
func (e *TypingEngine) Join(ctx context.Context, channelID string) error {
	e.mu.Lock()
	if _, ok := e.channels[channelID]; ok {
		e.mu.Unlock()
		return nil
	}
	tc := &typingChannel{
		limiter: rate.NewLimiter(rate.Every(e.cfg.typingThrottle), 1),
		users:   make(map[string]TypingUser),
	}
	e.channels[channelID] = tc
	e.mu.Unlock()

	sub, err := e.transport.Subscribe(ctx, TypingTopic(channelID))
	if err != nil {
		e.mu.Lock()
		if e.channels[channelID] == tc {
			delete(e.channels, channelID)
		}
		e.mu.Unlock()
		return err
	}
	sub.OnBroadcast(eventTypingStart, func(payload json.RawMessage) {
		e.receive(channelID, tc, payload)
	})

	e.mu.Lock()
	if e.channels[channelID] != tc {
		e.mu.Unlock()
		return sub.Unsubscribe()
	}
	tc.sub = sub
	if e.sweeper == nil {
		e.sweeper = e.cfg.clock.Every(e.cfg.typingSweep, e.sweep)
	}
	e.mu.Unlock()
	return nil
}

// Leave unsubscribes from the channel and forgets its typing entries. The
// sweep stops once no channel is joined.
func (e *TypingEngine) Leave(channelID string) error {
	e.mu.Lock()
	tc, ok := e.channels[channelID]
	if !ok {
		e.mu.Unlock()
		return nil
	}
	delete(e.channels, channelID)
	var sweeper Timer
	if len(e.channels) == 0 {
		sweeper, e.sweeper = e.sweeper, nil
	}
	hadUsers := len(tc.users) > 0
	sub := tc.sub
	e.mu.Unlock()

	if sweeper != nil {
		sweeper.Stop()
	}
	if hadUsers {
		e.emit(EventTypingChanged, channelID)
	}
	if sub == nil {
		return nil
	}
	return sub.Unsubscribe()
}

// Close leaves every channel.
func (e *TypingEngine) Close() error {
	e.mu.Lock()
	ids := make([]string, 0, len(e.channels))
	for id := range e.channels {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := e.Leave(id); err != nil {
			errs = append(errs, err)
		}
	}
	e.removeAll()
	return errors.Join(errs...)
}

// SendTyping signals that the local user is typing. At most one signal per
// throttle window goes out; extra calls are dropped, not queued.
func (e *TypingEngine) SendTyping(ctx context.Context, channelID string) error {
	e.mu.Lock()
	tc, ok := e.channels[channelID]
	if !ok || tc.sub == nil {
		e.mu.Unlock()
		return ErrNotJoined
	}
	if !tc.limiter.AllowN(e.cfg.clock.Now(), 1) {
		e.mu.Unlock()
		return nil
	}
	sub := tc.sub
	sig := typingSignal{UserID: e.userID, Nickname: e.nickname}
	e.mu.Unlock()

	if err := sub.Send(ctx, eventTypingStart, sig); err != nil {
		e.cfg.logger.Warn("typing signal failed", "channel_id", channelID, "error", err)
	}
	return nil
}

func (e *TypingEngine) receive(channelID string, tc *typingChannel, payload json.RawMessage) {
	var sig typingSignal
	if err := json.Unmarshal(payload, &sig); err != nil || sig.UserID == "" {
		e.cfg.logger.Debug("dropping malformed typing signal", "channel_id", channelID, "error", err)
		return
	}

	e.mu.Lock()
	if sig.UserID == e.userID || e.channels[channelID] != tc {
		e.mu.Unlock()
		return
	}
	prev, seen := tc.users[sig.UserID]
	tc.users[sig.UserID] = TypingUser{
		UserID:     sig.UserID,
		Nickname:   sig.Nickname,
		LastSignal: e.cfg.clock.Now(),
	}
	e.mu.Unlock()

	if !seen || prev.Nickname != sig.Nickname {
		e.emit(EventTypingChanged, channelID)
	}
}

// sweep drops entries whose last signal is older than the typing timeout.
func (e *TypingEngine) sweep() {
	now := e.cfg.clock.Now()
	var changed []string

	e.mu.Lock()
	for channelID, tc := range e.channels {
		expired := false
		for id, u := range tc.users {
			if now.Sub(u.LastSignal) > e.cfg.typingTimeout {
				delete(tc.users, id)
				expired = true
			}
		}
		if expired {
			changed = append(changed, channelID)
		}
	}
	e.mu.Unlock()

	sort.Strings(changed)
	for _, channelID := range changed {
		e.emit(EventTypingChanged, channelID)
	}
}

// Typing returns the users currently typing in the channel, sorted by id.
func (e *TypingEngine) Typing(channelID string) []TypingUser {
	e.mu.Lock()
	defer e.mu.Unlock()
	tc, ok := e.channels[channelID]
	if !ok {
		return nil
	}
	out := make([]TypingUser, 0, len(tc.users))
	for _, u := range tc.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}
