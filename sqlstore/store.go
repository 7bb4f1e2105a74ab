// Package sqlstore is a SQLite-backed chatsync.Store for local mode.
package sqlstore

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	chatsync "github.com/kabojnk/ff14-tools"
)

//go:embed schema.sql
var schemaSQL string

// timeLayout is fixed-width so text ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store persists messages and profiles in SQLite.
// Uses WAL mode for concurrent reads alongside the single writer.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var (
	_ chatsync.Store       = (*Store)(nil)
	_ chatsync.StatusStore = (*Store)(nil)
)

// Open creates or opens a SQLite database at path and applies the schema.
// Safe to call on an existing database.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) (time.Time, error) { return time.Parse(timeLayout, s) }

func nullString(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

// ============================================================================
// Messages
// ============================================================================

const messageColumns = `id, channel_id, session_id, author_id, content, attachments, type, edited_at, deleted, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*chatsync.Message, error) {
	var (
		m           chatsync.Message
		content     sql.NullString
		attachments string
		editedAt    sql.NullString
		createdAt   string
	)
	if err := row.Scan(&m.ID, &m.ChannelID, &m.SessionID, &m.AuthorID, &content,
		&attachments, &m.Type, &editedAt, &m.Deleted, &createdAt); err != nil {
		return nil, err
	}
	m.Content = stringPtr(content)
	if err := json.Unmarshal([]byte(attachments), &m.Attachments); err != nil {
		return nil, fmt.Errorf("decode attachments of %s: %w", m.ID, err)
	}
	t, err := parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at of %s: %w", m.ID, err)
	}
	m.CreatedAt = t
	if editedAt.Valid {
		t, err := parseTime(editedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse edited_at of %s: %w", m.ID, err)
		}
		m.EditedAt = &t
	}
	return &m, nil
}

// FetchRecent returns up to limit undeleted messages, newest first.
func (s *Store) FetchRecent(ctx context.Context, channelID string, limit int) ([]chatsync.Message, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE channel_id = ? AND deleted = 0
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, channelID, limit)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []chatsync.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// Insert stores msg, assigning an id and creation time when missing.
// A duplicate id yields a conflict *chatsync.APIError.
func (s *Store) Insert(ctx context.Context, msg *chatsync.Message) (*chatsync.Message, error) {
	m := *msg
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now()
	}
	m.CreatedAt = m.CreatedAt.UTC()
	if m.Type == "" {
		m.Type = chatsync.MessageText
	}
	if m.Attachments == nil {
		m.Attachments = []chatsync.Attachment{}
	}
	attachments, err := json.Marshal(m.Attachments)
	if err != nil {
		return nil, fmt.Errorf("encode attachments: %w", err)
	}
	var editedAt sql.NullString
	if m.EditedAt != nil {
		editedAt = sql.NullString{String: formatTime(*m.EditedAt), Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ChannelID, m.SessionID, m.AuthorID, nullString(m.Content),
		string(attachments), m.Type, editedAt, m.Deleted, formatTime(m.CreatedAt))
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return nil, &chatsync.APIError{Code: "conflict", Message: sqliteErr.Error()}
		}
		return nil, fmt.Errorf("insert message: %w", err)
	}
	return s.message(ctx, m.ID)
}

func (s *Store) message(ctx context.Context, id string) (*chatsync.Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &chatsync.APIError{Code: "not_found", Message: "message not found"}
	}
	return m, err
}

// Update applies patch to the message and returns the stored row.
func (s *Store) Update(ctx context.Context, id string, patch chatsync.MessagePatch) (*chatsync.Message, error) {
	var (
		sets []string
		args []any
	)
	if patch.Content != nil {
		sets = append(sets, "content = ?")
		args = append(args, *patch.Content)
	}
	if patch.EditedAt != nil {
		sets = append(sets, "edited_at = ?")
		args = append(args, formatTime(*patch.EditedAt))
	}
	if patch.Deleted != nil {
		sets = append(sets, "deleted = ?")
		args = append(args, *patch.Deleted)
	}
	if len(sets) == 0 {
		return s.message(ctx, id)
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx, `UPDATE messages SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("update message: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, &chatsync.APIError{Code: "not_found", Message: "message not found"}
	}
	return s.message(ctx, id)
}

// SoftDelete marks the message deleted. The row is kept.
func (s *Store) SoftDelete(ctx context.Context, id string) error {
	deleted := true
	_, err := s.Update(ctx, id, chatsync.MessagePatch{Deleted: &deleted})
	return err
}

// ============================================================================
// Profiles
// ============================================================================

const profileColumns = `id, nickname, avatar_url, profile_message, status, custom_status_text, custom_status_emoji, created_at, updated_at`

// FetchProfiles returns the profiles that exist among ids.
func (s *Store) FetchProfiles(ctx context.Context, ids []string) ([]chatsync.Profile, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+profileColumns+` FROM profiles WHERE id IN (`+placeholders+`) ORDER BY id`, args...)
	if err != nil {
		return nil, fmt.Errorf("query profiles: %w", err)
	}
	defer rows.Close()

	var out []chatsync.Profile
	for rows.Next() {
		var (
			p                    chatsync.Profile
			avatar, profileMsg   sql.NullString
			statusText, emoji    sql.NullString
			createdAt, updatedAt string
		)
		if err := rows.Scan(&p.ID, &p.Nickname, &avatar, &profileMsg, &p.Status,
			&statusText, &emoji, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		p.AvatarURL = stringPtr(avatar)
		p.ProfileMessage = stringPtr(profileMsg)
		p.CustomStatusText = stringPtr(statusText)
		p.CustomStatusEmoji = stringPtr(emoji)
		p.Status = chatsync.NormalizeStatus(string(p.Status))
		if p.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parse created_at of %s: %w", p.ID, err)
		}
		if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, fmt.Errorf("parse updated_at of %s: %w", p.ID, err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// PutProfile inserts or replaces a profile.
func (s *Store) PutProfile(ctx context.Context, p chatsync.Profile) error {
	now := s.now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = now
	}
	if p.Status == "" {
		p.Status = chatsync.StatusOnline
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO profiles (`+profileColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			nickname = excluded.nickname,
			avatar_url = excluded.avatar_url,
			profile_message = excluded.profile_message,
			status = excluded.status,
			custom_status_text = excluded.custom_status_text,
			custom_status_emoji = excluded.custom_status_emoji,
			updated_at = excluded.updated_at`,
		p.ID, p.Nickname, nullString(p.AvatarURL), nullString(p.ProfileMessage), p.Status,
		nullString(p.CustomStatusText), nullString(p.CustomStatusEmoji),
		formatTime(p.CreatedAt), formatTime(p.UpdatedAt))
	if err != nil {
		return fmt.Errorf("put profile: %w", err)
	}
	return nil
}

// SetStatus persists a profile status.
func (s *Store) SetStatus(ctx context.Context, userID string, status chatsync.Status) error {
	res, err := s.db.ExecContext(ctx, `UPDATE profiles SET status = ?, updated_at = ? WHERE id = ?`,
		status, formatTime(s.now()), userID)
	if err != nil {
		return fmt.Errorf("set status: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return &chatsync.APIError{Code: "not_found", Message: "profile not found"}
	}
	return nil
}
