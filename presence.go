package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"
)

// ErrNoSession is returned by presence actions before InitSession.
var ErrNoSession = errors.New("chatsync: no presence session")

// IdleState is the state of the local idle-detection machine.
type IdleState int

const (
	// IdleActive means no idle timer is running: either a manual status is
	// set or there is no session.
	IdleActive IdleState = iota
	// IdleArmed means the idle timer is counting down.
	IdleArmed
	// IdleAway means the timer fired and the local user was marked away.
	IdleAway
)

func (s IdleState) String() string {
	switch s {
	case IdleArmed:
		return "idle-timer-armed"
	case IdleAway:
		return "away"
	default:
		return "active"
	}
}

// PresenceEngine maintains the cluster-wide presence map from the
// transport's snapshots and tracks the local user's own presence,
// including automatic away after a period of inactivity.
type PresenceEngine struct {
	emitter
	transport Transport
	cfg       engineConfig

	mu         sync.Mutex
	users      map[string]PresenceUser
	session    *presenceSession
	sessionGen uint64
}

type presenceSession struct {
	userID string
	sub    Subscription
	self   PresenceUser

	// manual is the user's explicit status choice. While set, the idle
	// machine makes no transitions.
	manual *Status

	idle         IdleState
	timer        Timer
	timerGen     uint64
	lastActivity time.Time
}

// NewPresenceEngine creates a presence engine on transport.
func NewPresenceEngine(transport Transport, opts ...Option) *PresenceEngine {
	return &PresenceEngine{
		transport: transport,
		cfg:       newEngineConfig(opts),
		users:     make(map[string]PresenceUser),
	}
}

// InitSession joins the presence topic as userID and tracks its presence.
// An initial StatusOffline is kept as a manual choice so an invisible user
// stays invisible; any other value starts the session online.
//
// Calling InitSession again for the same user only refreshes the custom
// status and re-tracks. A different user ends the previous session first.
func (e *PresenceEngine) InitSession(ctx context.Context, userID string, status Status, text, emoji *string) error {
	e.mu.Lock()
	if s := e.session; s != nil && s.userID == userID {
		s.self.CustomStatusText = text
		s.self.CustomStatusEmoji = emoji
		sub, payload := s.sub, s.self
		e.mu.Unlock()
		e.track(ctx, sub, payload)
		return nil
	}
	old := e.session
	e.session = nil
	e.sessionGen++
	if old != nil {
		e.users = make(map[string]PresenceUser)
	}
	gen := e.sessionGen
	e.mu.Unlock()

	if old != nil {
		if err := e.teardown(old); err != nil {
			e.cfg.logger.Warn("ending previous presence session failed", "user_id", old.userID, "error", err)
		}
	}

	sub, err := e.transport.Subscribe(ctx, PresenceTopic, WithPresenceKey(userID))
	if err != nil {
		return err
	}

	s := &presenceSession{
		userID: userID,
		sub:    sub,
		self: PresenceUser{
			UserID:            userID,
			Status:            StatusOnline,
			CustomStatusText:  text,
			CustomStatusEmoji: emoji,
		},
	}
	if status == StatusOffline {
		invisible := StatusOffline
		s.manual = &invisible
		s.self.Status = StatusOffline
	}

	e.mu.Lock()
	if e.sessionGen != gen {
		// Superseded while subscribing.
		e.mu.Unlock()
		return sub.Unsubscribe()
	}
	e.session = s
	if s.manual == nil {
		e.armLocked(s)
	}
	payload := s.self
	e.mu.Unlock()

	sub.OnPresenceSync(func(state PresenceState) { e.handleSync(s, state) })
	e.track(ctx, sub, payload)
	e.persist(ctx, userID, payload.Status)
	e.cfg.logger.Debug("presence session started", "user_id", userID, "status", payload.Status)
	return nil
}

func (e *PresenceEngine) handleSync(s *presenceSession, state PresenceState) {
	users := decodePresence(state)
	e.mu.Lock()
	if e.session != s {
		e.mu.Unlock()
		return
	}
	e.users = users
	e.mu.Unlock()
	e.emit(EventPresenceChanged, nil)
}

// decodePresence flattens a snapshot into one entry per user. When a key
// carries more than one payload the last one wins.
func decodePresence(state PresenceState) map[string]PresenceUser {
	users := make(map[string]PresenceUser, len(state))
	for key, metas := range state {
		for _, raw := range metas {
			var u PresenceUser
			if err := json.Unmarshal(raw, &u); err != nil {
				continue
			}
			if u.UserID == "" {
				u.UserID = key
			}
			u.Status = NormalizeStatus(string(u.Status))
			users[u.UserID] = u
		}
	}
	return users
}

// UpdatePresence tracks a new status and custom status for the local user.
// With manual set the status becomes sticky and idle detection backs off
// until Cleanup.
func (e *PresenceEngine) UpdatePresence(ctx context.Context, status Status, text, emoji *string, manual bool) error {
	e.mu.Lock()
	s := e.session
	if s == nil {
		e.mu.Unlock()
		return ErrNoSession
	}
	s.self.Status = NormalizeStatus(string(status))
	s.self.CustomStatusText = text
	s.self.CustomStatusEmoji = emoji
	if manual {
		chosen := s.self.Status
		s.manual = &chosen
		e.disarmLocked(s)
	}
	sub, payload := s.sub, s.self
	e.mu.Unlock()

	e.track(ctx, sub, payload)
	e.persist(ctx, payload.UserID, payload.Status)
	return nil
}

// Activity records local input. It returns an away user to online and
// restarts the idle countdown. It does nothing while a manual status is set.
func (e *PresenceEngine) Activity(ctx context.Context) {
	e.mu.Lock()
	s := e.session
	if s == nil || s.manual != nil {
		e.mu.Unlock()
		return
	}
	s.lastActivity = e.cfg.clock.Now()
	if s.idle != IdleAway {
		if s.timer == nil {
			e.armLocked(s)
		}
		e.mu.Unlock()
		return
	}
	e.armLocked(s)
	s.self.Status = StatusOnline
	sub, payload := s.sub, s.self
	e.mu.Unlock()

	e.cfg.logger.Debug("activity after idle", "user_id", payload.UserID)
	e.track(ctx, sub, payload)
	e.persist(ctx, payload.UserID, StatusOnline)
}

// armLocked starts a fresh idle countdown.
func (e *PresenceEngine) armLocked(s *presenceSession) {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timerGen++
	s.idle = IdleArmed
	s.lastActivity = e.cfg.clock.Now()
	e.scheduleLocked(s, e.cfg.idleTimeout)
}

func (e *PresenceEngine) scheduleLocked(s *presenceSession, d time.Duration) {
	gen := s.timerGen
	s.timer = e.cfg.clock.AfterFunc(d, func() { e.idleFired(s, gen) })
}

func (e *PresenceEngine) disarmLocked(s *presenceSession) {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.timerGen++
	s.idle = IdleActive
}

// idleFired runs on the clock's goroutine. Session, generation and manual
// intent are all re-read since any of them may have changed while waiting.
func (e *PresenceEngine) idleFired(s *presenceSession, gen uint64) {
	e.mu.Lock()
	if e.session != s || s.timerGen != gen {
		e.mu.Unlock()
		return
	}
	if s.manual != nil {
		s.timer = nil
		s.idle = IdleActive
		e.mu.Unlock()
		return
	}
	if elapsed := e.cfg.clock.Now().Sub(s.lastActivity); elapsed < e.cfg.idleTimeout {
		e.scheduleLocked(s, e.cfg.idleTimeout-elapsed)
		e.mu.Unlock()
		return
	}
	s.timer = nil
	s.idle = IdleAway
	s.self.Status = StatusAway
	sub, payload := s.sub, s.self
	e.mu.Unlock()

	e.cfg.logger.Debug("idle timeout, marking away", "user_id", payload.UserID)
	ctx := context.Background()
	e.track(ctx, sub, payload)
	e.persist(ctx, payload.UserID, StatusAway)
}

// Cleanup ends the session: it leaves the presence topic, clears the map
// and forgets any manual status. The persisted status is left as is so the
// next session can honour an invisible choice.
func (e *PresenceEngine) Cleanup() error {
	e.mu.Lock()
	s := e.session
	e.session = nil
	e.sessionGen++
	e.users = make(map[string]PresenceUser)
	e.mu.Unlock()

	if s == nil {
		return nil
	}
	err := e.teardown(s)
	e.emit(EventPresenceChanged, nil)
	return err
}

func (e *PresenceEngine) teardown(s *presenceSession) error {
	e.mu.Lock()
	e.disarmLocked(s)
	s.manual = nil
	e.mu.Unlock()
	return s.sub.Unsubscribe()
}

func (e *PresenceEngine) track(ctx context.Context, sub Subscription, payload PresenceUser) {
	if err := sub.Track(ctx, payload); err != nil {
		e.cfg.logger.Warn("presence track failed", "user_id", payload.UserID, "error", err)
	}
}

func (e *PresenceEngine) persist(ctx context.Context, userID string, status Status) {
	if e.cfg.statusStore == nil {
		return
	}
	if err := e.cfg.statusStore.SetStatus(ctx, userID, status); err != nil {
		e.cfg.logger.Warn("persist status failed", "user_id", userID, "status", status, "error", err)
	}
}

// ============================================================================
// Snapshots
// ============================================================================

// Users returns a copy of the presence map.
func (e *PresenceEngine) Users() map[string]PresenceUser {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]PresenceUser, len(e.users))
	for id, u := range e.users {
		out[id] = u
	}
	return out
}

// User returns one presence entry. A missing entry means the user has not
// been seen, not that they are offline.
func (e *PresenceEngine) User(id string) (PresenceUser, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	u, ok := e.users[id]
	return u, ok
}

// Self returns the payload last tracked for the local user.
func (e *PresenceEngine) Self() (PresenceUser, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return PresenceUser{}, false
	}
	return e.session.self, true
}

// Status returns the local user's current status, StatusOffline without a
// session.
func (e *PresenceEngine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return StatusOffline
	}
	return e.session.self.Status
}

// ManualStatus returns the sticky status chosen by the user, if any.
func (e *PresenceEngine) ManualStatus() (Status, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil || e.session.manual == nil {
		return "", false
	}
	return *e.session.manual, true
}

// IdleState returns the state of the idle-detection machine.
func (e *PresenceEngine) IdleState() IdleState {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return IdleActive
	}
	return e.session.idle
}
