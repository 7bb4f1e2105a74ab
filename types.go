package chatsync

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError is the {code, message} error shape returned by the backing store.
type APIError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}

// Status is a presence status.
type Status string

const (
	StatusOnline  Status = "online"
	StatusAway    Status = "away"
	StatusOffline Status = "offline"
)

// NormalizeStatus maps unknown or empty values to StatusOnline.
func NormalizeStatus(s string) Status {
	switch Status(s) {
	case StatusAway:
		return StatusAway
	case StatusOffline:
		return StatusOffline
	default:
		return StatusOnline
	}
}

// ============================================================================
// Messages
// ============================================================================

// MessageType is the kind of a message row.
type MessageType string

const (
	MessageText   MessageType = "text"
	MessageGIF    MessageType = "gif"
	MessageMedia  MessageType = "media"
	MessageSystem MessageType = "system"
)

// Attachment is one uploaded object referenced by a message.
type Attachment struct {
	URL      string `json:"url"`
	Type     string `json:"type"` // image, video, gif or file
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
	Spoiler  bool   `json:"spoiler"`
}

// Message is a chat message row.
type Message struct {
	ID          string       `json:"id"`
	ChannelID   string       `json:"channel_id"`
	SessionID   string       `json:"session_id"`
	AuthorID    string       `json:"author_id"`
	Content     *string      `json:"content"`
	Attachments []Attachment `json:"attachments"`
	Type        MessageType  `json:"type"`
	EditedAt    *time.Time   `json:"edited_at"`
	Deleted     bool         `json:"deleted"`
	CreatedAt   time.Time    `json:"created_at"`
}

// Text returns the message content or "" when it has none.
func (m *Message) Text() string {
	if m.Content == nil {
		return ""
	}
	return *m.Content
}

func (m *Message) clone() *Message {
	c := *m
	if m.Content != nil {
		s := *m.Content
		c.Content = &s
	}
	if m.EditedAt != nil {
		t := *m.EditedAt
		c.EditedAt = &t
	}
	if m.Attachments != nil {
		c.Attachments = make([]Attachment, len(m.Attachments))
		copy(c.Attachments, m.Attachments)
	}
	return &c
}

// MessagePatch is a partial update for Store.Update. Nil fields are untouched.
type MessagePatch struct {
	Content  *string    `json:"content,omitempty"`
	EditedAt *time.Time `json:"edited_at,omitempty"`
	Deleted  *bool      `json:"deleted,omitempty"`
}

// deleteEvent is the delete_message broadcast payload.
type deleteEvent struct {
	ID string `json:"id"`
}

// ============================================================================
// Profiles & Presence
// ============================================================================

// Profile is a user profile row.
type Profile struct {
	ID                string    `json:"id"`
	Nickname          string    `json:"nickname"`
	AvatarURL         *string   `json:"avatar_url"`
	ProfileMessage    *string   `json:"profile_message"`
	Status            Status    `json:"status"`
	CustomStatusText  *string   `json:"custom_status_text"`
	CustomStatusEmoji *string   `json:"custom_status_emoji"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// PresenceUser is one entry of the presence map and the payload tracked on
// the presence topic.
type PresenceUser struct {
	UserID            string  `json:"user_id"`
	Status            Status  `json:"status"`
	CustomStatusText  *string `json:"custom_status_text"`
	CustomStatusEmoji *string `json:"custom_status_emoji"`
}

// TypingUser is a peer currently typing in a channel.
type TypingUser struct {
	UserID     string    `json:"user_id"`
	Nickname   string    `json:"nickname"`
	LastSignal time.Time `json:"-"`
}

// typingSignal is the typing_start broadcast payload.
type typingSignal struct {
	UserID   string `json:"user_id"`
	Nickname string `json:"nickname"`
}

// PresenceState is a full presence snapshot for a topic: presence key to
// the payloads currently tracked under that key.
type PresenceState map[string][]json.RawMessage

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
