package sqlstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	chatsync "github.com/kabojnk/ff14-tools"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "chat.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func msg(id, channel string, sec int, text string) *chatsync.Message {
	return &chatsync.Message{
		ID:        id,
		ChannelID: channel,
		AuthorID:  "alice",
		Content:   &text,
		Type:      chatsync.MessageText,
		CreatedAt: time.Date(2026, 1, 1, 12, 0, sec, 0, time.UTC),
	}
}

func ids(rows []chatsync.Message) []string {
	out := make([]string, len(rows))
	for i, m := range rows {
		out[i] = m.ID
	}
	return out
}

func equalIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func apiCode(err error) string {
	var apiErr *chatsync.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return ""
}

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chat.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chat.db")

	for i := 0; i < 3; i++ {
		s, err := Open(path)
		if err != nil {
			t.Fatalf("Open() iteration %d failed: %v", i, err)
		}
		s.Close()
	}

	s, err := Open(path)
	if err != nil {
		t.Fatalf("final Open() failed: %v", err)
	}
	defer s.Close()

	for _, table := range []string{"messages", "profiles"} {
		var name string
		err := s.db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?",
			table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %q not found after idempotent opens: %v", table, err)
		}
	}
}

func TestOpen_InvalidPath(t *testing.T) {
	if _, err := Open("/nonexistent/dir/chat.db"); err == nil {
		t.Error("expected error for invalid path, got nil")
	}
}

func TestStore_FetchRecent(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	// Same second for b and c, so ordering falls back to id.
	for _, m := range []*chatsync.Message{
		msg("a", "general", 1, "first"),
		msg("c", "general", 2, "third"),
		msg("b", "general", 2, "second"),
		msg("d", "general", 3, "fourth"),
		msg("x", "random", 9, "elsewhere"),
	} {
		if _, err := s.Insert(ctx, m); err != nil {
			t.Fatalf("Insert(%s) failed: %v", m.ID, err)
		}
	}
	if err := s.SoftDelete(ctx, "d"); err != nil {
		t.Fatalf("SoftDelete() failed: %v", err)
	}

	rows, err := s.FetchRecent(ctx, "general", 0)
	if err != nil {
		t.Fatalf("FetchRecent() failed: %v", err)
	}
	if want := []string{"c", "b", "a"}; !equalIDs(ids(rows), want) {
		t.Errorf("FetchRecent() = %v, want %v", ids(rows), want)
	}

	rows, err = s.FetchRecent(ctx, "general", 1)
	if err != nil {
		t.Fatalf("FetchRecent(limit 1) failed: %v", err)
	}
	if want := []string{"c"}; !equalIDs(ids(rows), want) {
		t.Errorf("FetchRecent(limit 1) = %v, want %v", ids(rows), want)
	}

	rows, err = s.FetchRecent(ctx, "empty", 10)
	if err != nil || len(rows) != 0 {
		t.Errorf("FetchRecent(empty) = %v, %v", rows, err)
	}
}

func TestStore_Insert(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	fixed := time.Date(2026, 3, 1, 9, 30, 0, 123456789, time.UTC)
	s.now = func() time.Time { return fixed }

	row, err := s.Insert(ctx, &chatsync.Message{
		ChannelID:   "general",
		AuthorID:    "alice",
		Type:        chatsync.MessageMedia,
		Attachments: []chatsync.Attachment{{URL: "https://cdn.example.com/a.png", Type: "image", Filename: "a.png", Size: 42}},
	})
	if err != nil {
		t.Fatalf("Insert() failed: %v", err)
	}
	if row.ID == "" {
		t.Error("expected generated id")
	}
	if !row.CreatedAt.Equal(fixed) {
		t.Errorf("CreatedAt = %v, want %v", row.CreatedAt, fixed)
	}
	if row.Content != nil {
		t.Errorf("Content = %q, want nil", *row.Content)
	}
	if len(row.Attachments) != 1 || row.Attachments[0].Size != 42 {
		t.Errorf("Attachments = %+v", row.Attachments)
	}

	if _, err := s.Insert(ctx, row); apiCode(err) != "conflict" {
		t.Errorf("duplicate Insert() error = %v, want conflict", err)
	}
}

func TestStore_Update(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	if _, err := s.Insert(ctx, msg("a", "general", 1, "hello")); err != nil {
		t.Fatalf("Insert() failed: %v", err)
	}

	text := "hello, edited"
	edited := time.Date(2026, 1, 1, 12, 5, 0, 0, time.UTC)
	row, err := s.Update(ctx, "a", chatsync.MessagePatch{Content: &text, EditedAt: &edited})
	if err != nil {
		t.Fatalf("Update() failed: %v", err)
	}
	if row.Text() != text {
		t.Errorf("Text() = %q, want %q", row.Text(), text)
	}
	if row.EditedAt == nil || !row.EditedAt.Equal(edited) {
		t.Errorf("EditedAt = %v, want %v", row.EditedAt, edited)
	}
	if !row.CreatedAt.Equal(time.Date(2026, 1, 1, 12, 0, 1, 0, time.UTC)) {
		t.Errorf("CreatedAt changed to %v", row.CreatedAt)
	}

	row, err = s.Update(ctx, "a", chatsync.MessagePatch{})
	if err != nil || row.Text() != text {
		t.Errorf("empty Update() = %v, %v", row, err)
	}

	if _, err := s.Update(ctx, "missing", chatsync.MessagePatch{Content: &text}); apiCode(err) != "not_found" {
		t.Errorf("Update(missing) error = %v, want not_found", err)
	}
	if err := s.SoftDelete(ctx, "missing"); apiCode(err) != "not_found" {
		t.Errorf("SoftDelete(missing) error = %v, want not_found", err)
	}
}

func TestStore_SoftDeleteKeepsRow(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	if _, err := s.Insert(ctx, msg("a", "general", 1, "hello")); err != nil {
		t.Fatalf("Insert() failed: %v", err)
	}
	if err := s.SoftDelete(ctx, "a"); err != nil {
		t.Fatalf("SoftDelete() failed: %v", err)
	}

	row, err := s.message(ctx, "a")
	if err != nil {
		t.Fatalf("message() failed: %v", err)
	}
	if !row.Deleted {
		t.Error("expected row to be marked deleted")
	}
}

func TestStore_Profiles(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	emoji := "🌙"
	for _, p := range []chatsync.Profile{
		{ID: "alice", Nickname: "Alice"},
		{ID: "bob", Nickname: "Bob", Status: chatsync.StatusAway, CustomStatusEmoji: &emoji},
	} {
		if err := s.PutProfile(ctx, p); err != nil {
			t.Fatalf("PutProfile(%s) failed: %v", p.ID, err)
		}
	}

	got, err := s.FetchProfiles(ctx, []string{"bob", "ghost", "alice"})
	if err != nil {
		t.Fatalf("FetchProfiles() failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("FetchProfiles() returned %d profiles, want 2", len(got))
	}
	if got[0].ID != "alice" || got[0].Status != chatsync.StatusOnline {
		t.Errorf("first profile = %+v", got[0])
	}
	if got[1].CustomStatusEmoji == nil || *got[1].CustomStatusEmoji != emoji {
		t.Errorf("bob emoji = %v", got[1].CustomStatusEmoji)
	}

	if err := s.SetStatus(ctx, "alice", chatsync.StatusOffline); err != nil {
		t.Fatalf("SetStatus() failed: %v", err)
	}
	got, _ = s.FetchProfiles(ctx, []string{"alice"})
	if len(got) != 1 || got[0].Status != chatsync.StatusOffline {
		t.Errorf("status after SetStatus = %+v", got)
	}
	if err := s.SetStatus(ctx, "ghost", chatsync.StatusAway); apiCode(err) != "not_found" {
		t.Errorf("SetStatus(ghost) error = %v, want not_found", err)
	}

	if got, err := s.FetchProfiles(ctx, nil); err != nil || got != nil {
		t.Errorf("FetchProfiles(nil) = %v, %v", got, err)
	}
}

func TestStore_BacksMessageEngine(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	hub := chatsync.NewMemoryHub()

	alice := chatsync.NewMessageEngine(s, hub)
	defer alice.Close()
	if err := alice.Join(ctx, "general"); err != nil {
		t.Fatalf("Join() failed: %v", err)
	}
	if _, err := alice.Send(ctx, "general", "sess", "alice", "persisted"); err != nil {
		t.Fatalf("Send() failed: %v", err)
	}

	bob := chatsync.NewMessageEngine(s, hub)
	defer bob.Close()
	if err := bob.Join(ctx, "general"); err != nil {
		t.Fatalf("Join() failed: %v", err)
	}
	msgs := bob.Messages("general")
	if len(msgs) != 1 || msgs[0].Text() != "persisted" {
		t.Errorf("bob history = %+v", msgs)
	}
}
