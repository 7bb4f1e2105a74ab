package chatsync

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryHub(t *testing.T) {
	ctx := context.Background()

	t.Run("broadcast reaches peers but not the sender", func(t *testing.T) {
		hub := NewMemoryHub()
		a, err := hub.Subscribe(ctx, "room")
		require.NoError(t, err)
		b, err := hub.Subscribe(ctx, "room")
		require.NoError(t, err)
		other, err := hub.Subscribe(ctx, "elsewhere")
		require.NoError(t, err)

		var gotA, gotB, gotOther []string
		a.OnBroadcast("ping", func(p json.RawMessage) { gotA = append(gotA, string(p)) })
		b.OnBroadcast("ping", func(p json.RawMessage) { gotB = append(gotB, string(p)) })
		other.OnBroadcast("ping", func(p json.RawMessage) { gotOther = append(gotOther, string(p)) })

		require.NoError(t, a.Send(ctx, "ping", map[string]int{"n": 1}))
		assert.Empty(t, gotA)
		assert.Equal(t, []string{`{"n":1}`}, gotB)
		assert.Empty(t, gotOther)
		assert.Equal(t, "room", a.Topic())
	})

	t.Run("handlers are per event", func(t *testing.T) {
		hub := NewMemoryHub()
		a, _ := hub.Subscribe(ctx, "room")
		b, _ := hub.Subscribe(ctx, "room")
		n := 0
		b.OnBroadcast("one", func(json.RawMessage) { n++ })
		require.NoError(t, a.Send(ctx, "two", nil))
		assert.Zero(t, n)
	})

	t.Run("track syncs every subscriber", func(t *testing.T) {
		hub := NewMemoryHub()
		a, _ := hub.Subscribe(ctx, PresenceTopic, WithPresenceKey("alice"))
		b, _ := hub.Subscribe(ctx, PresenceTopic, WithPresenceKey("bob"))

		var lastA, lastB PresenceState
		a.OnPresenceSync(func(s PresenceState) { lastA = s })
		b.OnPresenceSync(func(s PresenceState) { lastB = s })

		require.NoError(t, a.Track(ctx, PresenceUser{UserID: "alice", Status: StatusOnline}))
		require.NoError(t, b.Track(ctx, PresenceUser{UserID: "bob", Status: StatusAway}))
		assert.Len(t, lastA, 2)
		assert.Len(t, lastB, 2)
		assert.Contains(t, lastA, "bob")

		require.NoError(t, b.Unsubscribe())
		assert.Len(t, lastA, 1)
		assert.NotContains(t, lastA, "bob")
	})

	t.Run("late handler gets the current snapshot", func(t *testing.T) {
		hub := NewMemoryHub()
		a, _ := hub.Subscribe(ctx, PresenceTopic, WithPresenceKey("alice"))
		require.NoError(t, a.Track(ctx, PresenceUser{UserID: "alice"}))

		b, _ := hub.Subscribe(ctx, PresenceTopic)
		var got PresenceState
		b.OnPresenceSync(func(s PresenceState) { got = s })
		assert.Contains(t, got, "alice")
	})

	t.Run("untracked subscribers do not appear", func(t *testing.T) {
		hub := NewMemoryHub()
		a, _ := hub.Subscribe(ctx, PresenceTopic)
		calls := 0
		a.OnPresenceSync(func(PresenceState) { calls++ })
		assert.Zero(t, calls)

		b, _ := hub.Subscribe(ctx, PresenceTopic)
		require.NoError(t, b.Unsubscribe())
		assert.Zero(t, calls)
	})

	t.Run("closed subscription", func(t *testing.T) {
		hub := NewMemoryHub()
		a, _ := hub.Subscribe(ctx, "room")
		b, _ := hub.Subscribe(ctx, "room")
		n := 0
		b.OnBroadcast("ping", func(json.RawMessage) { n++ })

		require.NoError(t, b.Unsubscribe())
		require.NoError(t, b.Unsubscribe())
		require.NoError(t, a.Send(ctx, "ping", nil))
		assert.Zero(t, n)
		assert.ErrorIs(t, b.Send(ctx, "ping", nil), ErrClosed)
		assert.ErrorIs(t, b.Track(ctx, nil), ErrClosed)
		assert.Equal(t, 1, hub.Subscribers("room"))

		require.NoError(t, a.Unsubscribe())
		assert.Zero(t, hub.Subscribers("room"))
	})

	t.Run("handler may unsubscribe", func(t *testing.T) {
		hub := NewMemoryHub()
		a, _ := hub.Subscribe(ctx, "room")
		b, _ := hub.Subscribe(ctx, "room")
		var calls []string
		b.OnBroadcast("ping", func(json.RawMessage) {
			calls = append(calls, "first")
			assert.NoError(t, b.Unsubscribe())
		})
		b.OnBroadcast("ping", func(json.RawMessage) { calls = append(calls, "second") })

		require.NoError(t, a.Send(ctx, "ping", nil))
		require.NoError(t, a.Send(ctx, "ping", nil))
		assert.Equal(t, []string{"first"}, calls)
		assert.Equal(t, 1, hub.Subscribers("room"))

		p, _ := hub.Subscribe(ctx, PresenceTopic, WithPresenceKey("alice"))
		syncs := 0
		p.OnPresenceSync(func(PresenceState) {
			syncs++
			assert.NoError(t, p.Unsubscribe())
		})
		require.NoError(t, p.Track(ctx, PresenceUser{UserID: "alice"}))
		assert.Equal(t, 1, syncs)
		assert.Zero(t, hub.Subscribers(PresenceTopic))
	})

	t.Run("canceled context", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := NewMemoryHub().Subscribe(cctx, "room")
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("unencodable payload", func(t *testing.T) {
		hub := NewMemoryHub()
		a, _ := hub.Subscribe(ctx, "room")
		assert.Error(t, a.Send(ctx, "ping", make(chan int)))
	})
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()

	t.Run("fetch returns newest first without deleted rows", func(t *testing.T) {
		s := NewMemoryStore()
		for i, id := range []string{"a", "b", "c", "d"} {
			_, err := s.Insert(ctx, testMessage(id, "general", i, id))
			require.NoError(t, err)
		}
		_, err := s.Insert(ctx, testMessage("x", "random", 9, "x"))
		require.NoError(t, err)
		require.NoError(t, s.SoftDelete(ctx, "c"))

		rows, err := s.FetchRecent(ctx, "general", 0)
		require.NoError(t, err)
		assert.Equal(t, []string{"d", "b", "a"}, messageIDs(rows))

		rows, err = s.FetchRecent(ctx, "general", 2)
		require.NoError(t, err)
		assert.Equal(t, []string{"d", "b"}, messageIDs(rows))

		stored, ok := s.Message("c")
		require.True(t, ok)
		assert.True(t, stored.Deleted)
	})

	t.Run("insert fills defaults and rejects duplicates", func(t *testing.T) {
		s := NewMemoryStore()
		row, err := s.Insert(ctx, &Message{ChannelID: "general", AuthorID: "alice", Content: strPtr("hi")})
		require.NoError(t, err)
		assert.NotEmpty(t, row.ID)
		assert.False(t, row.CreatedAt.IsZero())
		assert.Equal(t, MessageText, row.Type)
		assert.NotNil(t, row.Attachments)

		_, err = s.Insert(ctx, row)
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, "conflict", apiErr.Code)
	})

	t.Run("returned rows are copies", func(t *testing.T) {
		s := NewMemoryStore()
		in := testMessage("a", "general", 1, "hello")
		row, err := s.Insert(ctx, in)
		require.NoError(t, err)
		*in.Content = "changed"
		*row.Content = "changed too"

		stored, _ := s.Message("a")
		assert.Equal(t, "hello", stored.Text())
	})

	t.Run("update and not found", func(t *testing.T) {
		s := NewMemoryStore()
		_, err := s.Insert(ctx, testMessage("a", "general", 1, "hello"))
		require.NoError(t, err)

		edited := testTime(30)
		row, err := s.Update(ctx, "a", MessagePatch{Content: strPtr("bye"), EditedAt: &edited})
		require.NoError(t, err)
		assert.Equal(t, "bye", row.Text())
		assert.Equal(t, edited, *row.EditedAt)
		assert.Equal(t, testTime(1), row.CreatedAt)

		_, err = s.Update(ctx, "missing", MessagePatch{})
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, "not_found", apiErr.Code)
		assert.Error(t, s.SoftDelete(ctx, "missing"))
	})

	t.Run("profiles", func(t *testing.T) {
		s := NewMemoryStore()
		s.PutProfile(Profile{ID: "alice", Nickname: "Alice", Status: StatusOnline})
		s.PutProfile(Profile{ID: "bob", Nickname: "Bob", Status: StatusOnline})

		got, err := s.FetchProfiles(ctx, []string{"bob", "nobody", "alice"})
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "Bob", got[0].Nickname)

		require.NoError(t, s.SetStatus(ctx, "alice", StatusAway))
		p, _ := s.Profile("alice")
		assert.Equal(t, StatusAway, p.Status)
		assert.Error(t, s.SetStatus(ctx, "nobody", StatusAway))
	})
}
