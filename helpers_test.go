package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"
)

var errSocketClosed = errors.New("socket closed")

func testTime(sec int) time.Time {
	return time.Date(2026, 1, 1, 12, 0, sec, 0, time.UTC)
}

func testMessage(id, channelID string, sec int, text string) *Message {
	return &Message{
		ID:          id,
		ChannelID:   channelID,
		AuthorID:    "u-" + id,
		Content:     strPtr(text),
		Type:        MessageText,
		Attachments: []Attachment{},
		CreatedAt:   testTime(sec),
	}
}

func messageIDs(msgs []Message) []string {
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	return ids
}

// ============================================================================
// Transport wrappers
// ============================================================================

// recordingTransport wraps a hub and records outbound traffic.
type recordingTransport struct {
	hub      *MemoryHub
	sendErr  error
	unsubErr error

	mu     sync.Mutex
	sent   []string // event names
	tracks []PresenceUser
}

func newRecordingTransport(hub *MemoryHub) *recordingTransport {
	return &recordingTransport{hub: hub}
}

func (r *recordingTransport) Subscribe(ctx context.Context, topic string, opts ...SubscribeOption) (Subscription, error) {
	sub, err := r.hub.Subscribe(ctx, topic, opts...)
	if err != nil {
		return nil, err
	}
	return &recordingSub{Subscription: sub, r: r}, nil
}

func (r *recordingTransport) Sent() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.sent...)
}

func (r *recordingTransport) Tracks() []PresenceUser {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]PresenceUser(nil), r.tracks...)
}

func (r *recordingTransport) TrackedStatuses() []Status {
	var out []Status
	for _, u := range r.Tracks() {
		out = append(out, u.Status)
	}
	return out
}

type recordingSub struct {
	Subscription
	r *recordingTransport
}

func (s *recordingSub) Send(ctx context.Context, event string, payload any) error {
	s.r.mu.Lock()
	s.r.sent = append(s.r.sent, event)
	err := s.r.sendErr
	s.r.mu.Unlock()
	if err != nil {
		return err
	}
	return s.Subscription.Send(ctx, event, payload)
}

func (s *recordingSub) Track(ctx context.Context, payload any) error {
	if u, ok := payload.(PresenceUser); ok {
		s.r.mu.Lock()
		s.r.tracks = append(s.r.tracks, u)
		s.r.mu.Unlock()
	}
	return s.Subscription.Track(ctx, payload)
}

// Unsubscribe leaves the topic and then reports unsubErr.
func (s *recordingSub) Unsubscribe() error {
	if err := s.Subscription.Unsubscribe(); err != nil {
		return err
	}
	s.r.mu.Lock()
	defer s.r.mu.Unlock()
	return s.r.unsubErr
}

// ============================================================================
// Store wrappers
// ============================================================================

// gatedStore blocks FetchRecent until release is closed.
type gatedStore struct {
	*MemoryStore
	started chan struct{}
	release chan struct{}
}

func newGatedStore(s *MemoryStore) *gatedStore {
	return &gatedStore{MemoryStore: s, started: make(chan struct{}, 8), release: make(chan struct{})}
}

func (g *gatedStore) FetchRecent(ctx context.Context, channelID string, limit int) ([]Message, error) {
	rows, err := g.MemoryStore.FetchRecent(ctx, channelID, limit)
	g.started <- struct{}{}
	<-g.release
	return rows, err
}

// failingStore rejects every write with err.
type failingStore struct {
	*MemoryStore
	err error
}

func (f *failingStore) Insert(context.Context, *Message) (*Message, error) { return nil, f.err }

func (f *failingStore) Update(context.Context, string, MessagePatch) (*Message, error) {
	return nil, f.err
}

func (f *failingStore) SoftDelete(context.Context, string) error { return f.err }

// rawSend publishes payload on topic from an anonymous subscriber.
func rawSend(hub *MemoryHub, topic, event string, payload any) {
	sub, _ := hub.Subscribe(context.Background(), topic)
	defer sub.Unsubscribe()
	_ = sub.Send(context.Background(), event, payload)
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
