package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// MemoryHub
// ============================================================================

// MemoryHub is an in-process Transport. Broadcasts are not echoed back to
// the sending subscription; presence snapshots go to every subscriber of
// the topic, the tracker included. It also backs the WebSocket Relay.
type MemoryHub struct {
	mu     sync.Mutex
	topics map[string]map[*memorySub]struct{}
}

// NewMemoryHub creates an empty hub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{topics: make(map[string]map[*memorySub]struct{})}
}

type memorySub struct {
	handlerSet
	hub     *MemoryHub
	id      string
	topic   string
	key     string
	tracked json.RawMessage // guarded by hub.mu
}

// Subscribe joins topic.
func (h *MemoryHub) Subscribe(ctx context.Context, topic string, opts ...SubscribeOption) (Subscription, error) {
	return h.subscribe(ctx, topic, opts...)
}

func (h *MemoryHub) subscribe(ctx context.Context, topic string, opts ...SubscribeOption) (*memorySub, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cfg := newSubscribeConfig(opts)
	s := &memorySub{hub: h, id: uuid.NewString(), topic: topic, key: cfg.PresenceKey}
	if s.key == "" {
		s.key = s.id
	}
	h.mu.Lock()
	subs := h.topics[topic]
	if subs == nil {
		subs = make(map[*memorySub]struct{})
		h.topics[topic] = subs
	}
	subs[s] = struct{}{}
	h.mu.Unlock()
	return s, nil
}

// Subscribers returns the number of live subscriptions on topic.
func (h *MemoryHub) Subscribers(topic string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.topics[topic])
}

// snapshotLocked builds the presence state of topic. Caller holds h.mu.
func (h *MemoryHub) snapshotLocked(topic string) (PresenceState, []*memorySub) {
	state := PresenceState{}
	var subs []*memorySub
	for s := range h.topics[topic] {
		subs = append(subs, s)
		if s.tracked != nil {
			state[s.key] = append(state[s.key], s.tracked)
		}
	}
	return state, subs
}

func (s *memorySub) Topic() string { return s.topic }

func (s *memorySub) Send(ctx context.Context, event string, payload any) error {
	if s.isClosed() {
		return ErrClosed
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal broadcast: %w", err)
	}
	s.hub.mu.Lock()
	var peers []*memorySub
	for peer := range s.hub.topics[s.topic] {
		if peer != s {
			peers = append(peers, peer)
		}
	}
	s.hub.mu.Unlock()

	for _, peer := range peers {
		peer.dispatchBroadcast(event, data)
	}
	return nil
}

func (s *memorySub) OnBroadcast(event string, h func(json.RawMessage)) {
	s.onBroadcast(event, h)
}

func (s *memorySub) Track(ctx context.Context, payload any) error {
	if s.isClosed() {
		return ErrClosed
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal presence: %w", err)
	}
	s.hub.mu.Lock()
	s.tracked = data
	state, subs := s.hub.snapshotLocked(s.topic)
	s.hub.mu.Unlock()

	for _, sub := range subs {
		sub.dispatchSync(copyState(state))
	}
	return nil
}

// OnPresenceSync registers h and immediately delivers the current snapshot
// to it when the topic has tracked presence.
func (s *memorySub) OnPresenceSync(h func(PresenceState)) {
	s.onPresenceSync(h)
	s.hub.mu.Lock()
	state, _ := s.hub.snapshotLocked(s.topic)
	s.hub.mu.Unlock()
	if len(state) > 0 && !s.isClosed() {
		h(state)
	}
}

func (s *memorySub) Unsubscribe() error {
	if !s.close() {
		return nil
	}
	s.hub.mu.Lock()
	subs := s.hub.topics[s.topic]
	delete(subs, s)
	if len(subs) == 0 {
		delete(s.hub.topics, s.topic)
	}
	hadPresence := s.tracked != nil
	state, peers := s.hub.snapshotLocked(s.topic)
	s.hub.mu.Unlock()

	if hadPresence {
		for _, peer := range peers {
			peer.dispatchSync(copyState(state))
		}
	}
	return nil
}

// ============================================================================
// MemoryStore
// ============================================================================

// MemoryStore is a goroutine-safe in-memory Store.
type MemoryStore struct {
	mu       sync.RWMutex
	messages map[string]*Message
	profiles map[string]*Profile
	now      func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages: make(map[string]*Message),
		profiles: make(map[string]*Profile),
		now:      time.Now,
	}
}

// FetchRecent returns up to limit undeleted messages of the channel,
// newest first.
func (s *MemoryStore) FetchRecent(ctx context.Context, channelID string, limit int) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []Message
	for _, m := range s.messages {
		if m.ChannelID == channelID && !m.Deleted {
			result = append(result, *m.clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return messageLess(&result[j], &result[i]) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *MemoryStore) Insert(ctx context.Context, msg *Message) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := msg.clone()
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	if _, exists := s.messages[row.ID]; exists {
		return nil, &APIError{Code: "conflict", Message: "duplicate key value violates unique constraint"}
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = s.now().UTC()
	}
	if row.Type == "" {
		row.Type = MessageText
	}
	if row.Attachments == nil {
		row.Attachments = []Attachment{}
	}
	s.messages[row.ID] = row
	return row.clone(), nil
}

func (s *MemoryStore) Update(ctx context.Context, id string, patch MessagePatch) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.messages[id]
	if !ok {
		return nil, &APIError{Code: "not_found", Message: "message not found"}
	}
	if patch.Content != nil {
		c := *patch.Content
		row.Content = &c
	}
	if patch.EditedAt != nil {
		t := *patch.EditedAt
		row.EditedAt = &t
	}
	if patch.Deleted != nil {
		row.Deleted = *patch.Deleted
	}
	return row.clone(), nil
}

func (s *MemoryStore) SoftDelete(ctx context.Context, id string) error {
	deleted := true
	_, err := s.Update(ctx, id, MessagePatch{Deleted: &deleted})
	return err
}

func (s *MemoryStore) FetchProfiles(ctx context.Context, ids []string) ([]Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Profile
	for _, id := range ids {
		if p, ok := s.profiles[id]; ok {
			out = append(out, *p)
		}
	}
	return out, nil
}

// SetStatus persists a profile status.
func (s *MemoryStore) SetStatus(ctx context.Context, userID string, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[userID]
	if !ok {
		return &APIError{Code: "not_found", Message: "profile not found"}
	}
	p.Status = status
	p.UpdatedAt = s.now().UTC()
	return nil
}

// PutProfile inserts or replaces a profile.
func (s *MemoryStore) PutProfile(p Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.ID] = &p
}

// Message returns the stored row for id, deleted rows included.
func (s *MemoryStore) Message(id string) (*Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, false
	}
	return m.clone(), true
}

// Profile returns the stored profile for id.
func (s *MemoryStore) Profile(id string) (Profile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[id]
	if !ok {
		return Profile{}, false
	}
	return *p, true
}
