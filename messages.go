package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// ErrNotJoined is returned by actions on a channel the engine has not joined.
var ErrNotJoined = errors.New("chatsync: channel not joined")

// MessageEngine keeps one ordered, de-duplicated message list per channel.
// Local sends and broadcast events are folded in as idempotent upserts
// keyed by message id; deletes are terminal for the session.
type MessageEngine struct {
	emitter
	store     Store
	transport Transport
	profiles  *ProfileCache
	cfg       engineConfig

	mu       sync.Mutex
	channels map[string]*channelLog
}

type channelLog struct {
	byID       map[string]*Message
	order      []string // ids sorted by (CreatedAt, ID)
	tombstones map[string]struct{}

	loading  int
	fetchGen uint64
	touched  map[string]struct{} // ids applied while any fetch was in flight

	joined bool
	sub    Subscription
}

// Draft is a message about to be persisted.
type Draft struct {
	ChannelID   string
	SessionID   string
	AuthorID    string
	Content     string
	Attachments []Attachment
	Type        MessageType
}

// NewMessageEngine creates a message engine.
func NewMessageEngine(store Store, transport Transport, opts ...Option) *MessageEngine {
	cfg := newEngineConfig(opts)
	profiles := cfg.profiles
	if profiles == nil {
		profiles = NewProfileCache(store, cfg.logger)
	}
	return &MessageEngine{
		store:     store,
		transport: transport,
		profiles:  profiles,
		cfg:       cfg,
		channels:  make(map[string]*channelLog),
	}
}

func messageLess(a, b *Message) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.ID < b.ID
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

func (e *MessageEngine) channelLocked(channelID string) *channelLog {
	cl, ok := e.channels[channelID]
	if !ok {
		cl = &channelLog{
			byID:       make(map[string]*Message),
			tombstones: make(map[string]struct{}),
		}
		e.channels[channelID] = cl
	}
	return cl
}

// ============================================================================
// Subscription lifecycle
// ============================================================================

// Join subscribes to the channel's topic and loads its history. Joining a
// channel that is already joined is a no-op. If the history load fails the
// subscription is dropped and the error returned, so Join can be retried.
func (e *MessageEngine) Join(ctx context.Context, channelID string) error {
	e.mu.Lock()
	cl := e.channelLocked(channelID)
	if cl.joined {
		e.mu.Unlock()
		return nil
	}
	cl.joined = true
	e.mu.Unlock()

	sub, err := e.transport.Subscribe(ctx, ChannelTopic(channelID))
	if err != nil {
		e.mu.Lock()
		cl.joined = false
		e.mu.Unlock()
		return err
	}

	sub.OnBroadcast(eventNewMessage, func(payload json.RawMessage) {
		if m, ok := e.decodeMessage(channelID, payload); ok {
			e.ApplyRemoteNew(channelID, m)
		}
	})
	sub.OnBroadcast(eventEditMessage, func(payload json.RawMessage) {
		if m, ok := e.decodeMessage(channelID, payload); ok {
			e.ApplyRemoteEdit(channelID, m)
		}
	})
	sub.OnBroadcast(eventDeleteMessage, func(payload json.RawMessage) {
		var ev deleteEvent
		if err := json.Unmarshal(payload, &ev); err != nil || ev.ID == "" {
			e.cfg.logger.Debug("dropping malformed delete event", "channel_id", channelID, "error", err)
			return
		}
		e.ApplyRemoteDelete(channelID, ev.ID)
	})

	e.mu.Lock()
	if !cl.joined || e.channels[channelID] != cl {
		// Left while subscribing.
		e.mu.Unlock()
		return sub.Unsubscribe()
	}
	cl.sub = sub
	e.mu.Unlock()

	if _, err := e.FetchInitial(ctx, channelID); err != nil {
		// Undo the join so a retry subscribes and fetches again.
		e.mu.Lock()
		owned := cl.sub == sub
		if owned {
			cl.sub = nil
			cl.joined = false
		}
		e.mu.Unlock()
		if owned {
			if uerr := sub.Unsubscribe(); uerr != nil {
				e.cfg.logger.Warn("unsubscribe after failed join", "channel_id", channelID, "error", uerr)
			}
		}
		return err
	}
	return nil
}

// Leave unsubscribes from the channel's topic. The local list is kept.
func (e *MessageEngine) Leave(channelID string) error {
	e.mu.Lock()
	cl, ok := e.channels[channelID]
	if !ok {
		e.mu.Unlock()
		return nil
	}
	sub := cl.sub
	cl.sub = nil
	cl.joined = false
	e.mu.Unlock()

	if sub == nil {
		return nil
	}
	return sub.Unsubscribe()
}

// Close leaves every channel and drops all listeners.
func (e *MessageEngine) Close() error {
	e.mu.Lock()
	var subs []Subscription
	for _, cl := range e.channels {
		if cl.sub != nil {
			subs = append(subs, cl.sub)
		}
		cl.sub = nil
		cl.joined = false
	}
	e.mu.Unlock()

	var errs []error
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			errs = append(errs, err)
		}
	}
	e.removeAll()
	return errors.Join(errs...)
}

func (e *MessageEngine) decodeMessage(channelID string, payload json.RawMessage) (*Message, bool) {
	var m Message
	if err := json.Unmarshal(payload, &m); err != nil || m.ID == "" {
		e.cfg.logger.Debug("dropping malformed message event", "channel_id", channelID, "error", err)
		return nil, false
	}
	if m.ChannelID == "" {
		m.ChannelID = channelID
	}
	return &m, true
}

// ============================================================================
// Initial load
// ============================================================================

// FetchInitial replaces the channel's list with the most recent messages
// from the store. Events applied while the query is in flight survive the
// replacement, and a fetch superseded by a newer one is discarded.
func (e *MessageEngine) FetchInitial(ctx context.Context, channelID string) ([]Message, error) {
	e.mu.Lock()
	cl := e.channelLocked(channelID)
	cl.loading++
	cl.fetchGen++
	gen := cl.fetchGen
	if cl.touched == nil {
		cl.touched = make(map[string]struct{})
	}
	e.mu.Unlock()
	e.emit(EventMessagesChanged, channelID)

	rows, err := e.store.FetchRecent(ctx, channelID, e.cfg.historyLimit)

	e.mu.Lock()
	cl.loading--
	if err != nil || gen != cl.fetchGen || e.channels[channelID] != cl {
		if cl.loading == 0 {
			cl.touched = nil
		}
		snapshot := snapshotLocked(cl)
		e.mu.Unlock()
		e.emit(EventMessagesChanged, channelID)
		if err != nil {
			return nil, err
		}
		return snapshot, nil
	}

	byID := make(map[string]*Message, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		row := &rows[i]
		if row.Deleted {
			cl.tombstones[row.ID] = struct{}{}
			continue
		}
		if _, dead := cl.tombstones[row.ID]; dead {
			continue
		}
		byID[row.ID] = row.clone()
	}
	for id := range cl.touched {
		if current, ok := cl.byID[id]; ok {
			byID[id] = current
		} else {
			delete(byID, id)
		}
	}
	for id := range cl.tombstones {
		delete(byID, id)
	}

	order := make([]string, 0, len(byID))
	for id := range byID {
		order = append(order, id)
	}
	sort.Slice(order, func(i, j int) bool { return messageLess(byID[order[i]], byID[order[j]]) })

	cl.byID = byID
	cl.order = order
	if cl.loading == 0 {
		cl.touched = nil
	}
	snapshot := snapshotLocked(cl)
	e.mu.Unlock()

	e.emit(EventMessagesChanged, channelID)
	e.primeAuthors(snapshot)
	return snapshot, nil
}

func (e *MessageEngine) primeAuthors(msgs []Message) {
	for i := range msgs {
		e.profiles.Get(msgs[i].AuthorID)
	}
}

// ============================================================================
// Event folding
// ============================================================================

// ApplyLocalSend inserts a message the local client just persisted. It is a
// no-op if the id is already present or was deleted this session.
func (e *MessageEngine) ApplyLocalSend(channelID string, m *Message) bool {
	return e.apply(channelID, func(cl *channelLog) bool { return insertLocked(cl, m) })
}

// ApplyRemoteNew inserts a message delivered by the transport with the same
// idempotent contract as ApplyLocalSend.
func (e *MessageEngine) ApplyRemoteNew(channelID string, m *Message) bool {
	changed := e.apply(channelID, func(cl *channelLog) bool { return insertLocked(cl, m) })
	if changed {
		e.profiles.Get(m.AuthorID)
	}
	return changed
}

// ApplyRemoteEdit overwrites the stored message with the same id. Edits for
// unknown or deleted ids are dropped.
func (e *MessageEngine) ApplyRemoteEdit(channelID string, m *Message) bool {
	if m == nil {
		return false
	}
	changed := e.apply(channelID, func(cl *channelLog) bool { return editLocked(cl, m) })
	if !changed {
		e.cfg.logger.Debug("dropping edit for unknown message", "channel_id", channelID, "message_id", m.ID)
	}
	return changed
}

// ApplyRemoteDelete hides the message from the visible list and makes the
// id terminal for the session.
func (e *MessageEngine) ApplyRemoteDelete(channelID, messageID string) bool {
	return e.apply(channelID, func(cl *channelLog) bool { return deleteLocked(cl, messageID) })
}

func (e *MessageEngine) apply(channelID string, fn func(cl *channelLog) bool) bool {
	e.mu.Lock()
	cl := e.channelLocked(channelID)
	changed := fn(cl)
	e.mu.Unlock()
	if changed {
		e.emit(EventMessagesChanged, channelID)
	}
	return changed
}

func (cl *channelLog) touch(id string) {
	if cl.touched != nil {
		cl.touched[id] = struct{}{}
	}
}

func insertLocked(cl *channelLog, m *Message) bool {
	if m == nil || m.ID == "" || m.Deleted {
		return false
	}
	if _, dead := cl.tombstones[m.ID]; dead {
		return false
	}
	if _, exists := cl.byID[m.ID]; exists {
		return false
	}
	row := m.clone()
	i := sort.Search(len(cl.order), func(i int) bool { return messageLess(row, cl.byID[cl.order[i]]) })
	cl.order = append(cl.order, "")
	copy(cl.order[i+1:], cl.order[i:])
	cl.order[i] = row.ID
	cl.byID[row.ID] = row
	cl.touch(row.ID)
	return true
}

func editLocked(cl *channelLog, m *Message) bool {
	if m == nil {
		return false
	}
	existing, ok := cl.byID[m.ID]
	if !ok {
		return false
	}
	if m.Deleted {
		return deleteLocked(cl, m.ID)
	}
	row := m.clone()
	// Creation time is immutable, so the entry keeps its position.
	row.CreatedAt = existing.CreatedAt
	if row.ChannelID == "" {
		row.ChannelID = existing.ChannelID
	}
	cl.byID[m.ID] = row
	cl.touch(m.ID)
	return true
}

func deleteLocked(cl *channelLog, id string) bool {
	cl.tombstones[id] = struct{}{}
	existing, ok := cl.byID[id]
	if !ok {
		return false
	}
	i := sort.Search(len(cl.order), func(i int) bool { return !messageLess(cl.byID[cl.order[i]], existing) })
	if i < len(cl.order) && cl.order[i] == id {
		cl.order = append(cl.order[:i], cl.order[i+1:]...)
	}
	delete(cl.byID, id)
	cl.touch(id)
	return true
}

// ============================================================================
// Actions
// ============================================================================

// Send persists a text message, shows it locally and broadcasts it.
func (e *MessageEngine) Send(ctx context.Context, channelID, sessionID, authorID, content string) (*Message, error) {
	return e.Post(ctx, Draft{
		ChannelID: channelID,
		SessionID: sessionID,
		AuthorID:  authorID,
		Content:   content,
		Type:      MessageText,
	})
}

// Post persists d, then applies and broadcasts the stored row. Nothing is
// applied locally when the store rejects the insert.
func (e *MessageEngine) Post(ctx context.Context, d Draft) (*Message, error) {
	kind := d.Type
	if kind == "" {
		kind = MessageText
	}
	attachments := d.Attachments
	if attachments == nil {
		attachments = []Attachment{}
	}
	msg := &Message{
		ID:          uuid.NewString(),
		ChannelID:   d.ChannelID,
		SessionID:   d.SessionID,
		AuthorID:    d.AuthorID,
		Content:     strPtr(d.Content),
		Attachments: attachments,
		Type:        kind,
		CreatedAt:   e.cfg.clock.Now().UTC(),
	}

	row, err := e.store.Insert(ctx, msg)
	if err != nil {
		return nil, err
	}
	e.ApplyLocalSend(d.ChannelID, row)
	e.broadcast(ctx, d.ChannelID, eventNewMessage, row)
	return row.clone(), nil
}

// Edit persists new content for a message, then applies and broadcasts it.
func (e *MessageEngine) Edit(ctx context.Context, channelID, messageID, content string) (*Message, error) {
	now := e.cfg.clock.Now().UTC()
	row, err := e.store.Update(ctx, messageID, MessagePatch{Content: &content, EditedAt: &now})
	if err != nil {
		return nil, err
	}
	e.ApplyRemoteEdit(channelID, row)
	e.broadcast(ctx, channelID, eventEditMessage, row)
	return row.clone(), nil
}

// Delete soft-deletes a message, then removes and broadcasts it.
func (e *MessageEngine) Delete(ctx context.Context, channelID, messageID string) error {
	if err := e.store.SoftDelete(ctx, messageID); err != nil {
		return err
	}
	e.ApplyRemoteDelete(channelID, messageID)
	e.broadcast(ctx, channelID, eventDeleteMessage, deleteEvent{ID: messageID})
	return nil
}

// broadcast failures are logged only: peers simply miss the event.
func (e *MessageEngine) broadcast(ctx context.Context, channelID, event string, payload any) {
	e.mu.Lock()
	var sub Subscription
	if cl, ok := e.channels[channelID]; ok {
		sub = cl.sub
	}
	e.mu.Unlock()

	if sub == nil {
		e.cfg.logger.Debug("channel not joined, skipping broadcast", "channel_id", channelID, "event", event)
		return
	}
	if err := sub.Send(ctx, event, payload); err != nil {
		e.cfg.logger.Warn("broadcast failed", "channel_id", channelID, "event", event, "error", err)
	}
}

// ============================================================================
// Snapshots
// ============================================================================

// Messages returns a copy of the channel's visible list, oldest first.
func (e *MessageEngine) Messages(channelID string) []Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	cl, ok := e.channels[channelID]
	if !ok {
		return nil
	}
	return snapshotLocked(cl)
}

// Message returns a copy of one visible message.
func (e *MessageEngine) Message(channelID, messageID string) (*Message, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cl, ok := e.channels[channelID]
	if !ok {
		return nil, false
	}
	m, ok := cl.byID[messageID]
	if !ok {
		return nil, false
	}
	return m.clone(), true
}

// Loading reports whether a FetchInitial is in flight for the channel.
func (e *MessageEngine) Loading(channelID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	cl, ok := e.channels[channelID]
	return ok && cl.loading > 0
}

// Joined reports whether the engine is subscribed to the channel.
func (e *MessageEngine) Joined(channelID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	cl, ok := e.channels[channelID]
	return ok && cl.sub != nil
}

// Author resolves a message author from the profile cache. A miss returns
// nil and schedules a background fetch.
func (e *MessageEngine) Author(m *Message) *Profile {
	if m == nil {
		return nil
	}
	return e.profiles.Get(m.AuthorID)
}

// Profiles returns the engine's profile cache.
func (e *MessageEngine) Profiles() *ProfileCache { return e.profiles }

// Clear empties the channel's visible list. Deleted ids stay terminal.
func (e *MessageEngine) Clear(channelID string) {
	e.mu.Lock()
	cl, ok := e.channels[channelID]
	if ok {
		cl.byID = make(map[string]*Message)
		cl.order = nil
	}
	e.mu.Unlock()
	if ok {
		e.emit(EventMessagesChanged, channelID)
	}
}

func snapshotLocked(cl *channelLog) []Message {
	out := make([]Message, 0, len(cl.order))
	for _, id := range cl.order {
		out = append(out, *cl.byID[id].clone())
	}
	return out
}
