package chatsync

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helpers
// ============================================================================

func newTestAPI(t *testing.T, store Store) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(NewAPIHandler(store, nil))
	t.Cleanup(srv.Close)
	return NewClient("test-token", WithBaseURL(srv.URL+"/"), WithTimeout(5*time.Second)), srv
}

// storeOnly hides MemoryStore's StatusStore methods.
type storeOnly struct{ Store }

// ============================================================================
// Client against APIHandler
// ============================================================================

func TestClient_Messages(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryStore()
	c, srv := newTestAPI(t, mem)
	assert.Equal(t, srv.URL, c.BaseURL())

	t.Run("insert and fetch", func(t *testing.T) {
		for i, id := range []string{"a", "b", "c"} {
			row, err := c.Insert(ctx, testMessage(id, "general", i, "msg "+id))
			require.NoError(t, err)
			assert.Equal(t, id, row.ID)
			assert.Equal(t, testTime(i), row.CreatedAt)
		}

		rows, err := c.FetchRecent(ctx, "general", 2)
		require.NoError(t, err)
		assert.Equal(t, []string{"c", "b"}, messageIDs(rows))

		rows, err = c.FetchRecent(ctx, "empty", 0)
		require.NoError(t, err)
		assert.Empty(t, rows)
	})

	t.Run("duplicate insert is a conflict", func(t *testing.T) {
		_, err := c.Insert(ctx, testMessage("a", "general", 0, "again"))
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, "conflict", apiErr.Code)
	})

	t.Run("missing channel is rejected", func(t *testing.T) {
		_, err := c.Insert(ctx, &Message{Content: strPtr("x")})
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, "invalid_message", apiErr.Code)
	})

	t.Run("update and delete", func(t *testing.T) {
		edited := testTime(40)
		row, err := c.Update(ctx, "b", MessagePatch{Content: strPtr("edited"), EditedAt: &edited})
		require.NoError(t, err)
		assert.Equal(t, "edited", row.Text())
		require.NotNil(t, row.EditedAt)
		assert.True(t, edited.Equal(*row.EditedAt))

		require.NoError(t, c.SoftDelete(ctx, "b"))
		stored, _ := mem.Message("b")
		assert.True(t, stored.Deleted)

		rows, err := c.FetchRecent(ctx, "general", 0)
		require.NoError(t, err)
		assert.Equal(t, []string{"c", "a"}, messageIDs(rows))
	})

	t.Run("not found", func(t *testing.T) {
		_, err := c.Update(ctx, "missing", MessagePatch{Content: strPtr("x")})
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, "not_found", apiErr.Code)
		assert.Error(t, c.SoftDelete(ctx, "missing"))
	})

	t.Run("bad limit", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/api/channels/general/messages?limit=abc")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestClient_Profiles(t *testing.T) {
	ctx := context.Background()

	t.Run("fetch and set status", func(t *testing.T) {
		mem := NewMemoryStore()
		mem.PutProfile(Profile{ID: "alice", Nickname: "Alice", Status: StatusOnline})
		mem.PutProfile(Profile{ID: "bob", Nickname: "Bob", Status: StatusOnline})
		c, _ := newTestAPI(t, mem)

		profiles, err := c.FetchProfiles(ctx, []string{"alice", "ghost", "bob"})
		require.NoError(t, err)
		require.Len(t, profiles, 2)
		assert.Equal(t, "Alice", profiles[0].Nickname)

		none, err := c.FetchProfiles(ctx, nil)
		require.NoError(t, err)
		assert.Empty(t, none)

		require.NoError(t, c.SetStatus(ctx, "alice", StatusAway))
		p, _ := mem.Profile("alice")
		assert.Equal(t, StatusAway, p.Status)

		var apiErr *APIError
		require.ErrorAs(t, c.SetStatus(ctx, "ghost", StatusAway), &apiErr)
		assert.Equal(t, "not_found", apiErr.Code)
	})

	t.Run("status unsupported by store", func(t *testing.T) {
		c, _ := newTestAPI(t, storeOnly{NewMemoryStore()})
		var apiErr *APIError
		require.ErrorAs(t, c.SetStatus(ctx, "alice", StatusAway), &apiErr)
		assert.Equal(t, "not_implemented", apiErr.Code)
	})
}

// ============================================================================
// Request plumbing
// ============================================================================

func TestClient_Request(t *testing.T) {
	ctx := context.Background()

	t.Run("sends bearer token", func(t *testing.T) {
		var auth string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth = r.Header.Get("Authorization")
			w.Write([]byte("[]"))
		}))
		defer srv.Close()

		c := NewClient("tok-1", WithBaseURL(srv.URL))
		_, err := c.FetchRecent(ctx, "general", 10)
		require.NoError(t, err)
		assert.Equal(t, "Bearer tok-1", auth)

		c.SetToken("")
		_, err = c.FetchRecent(ctx, "general", 10)
		require.NoError(t, err)
		assert.Empty(t, auth)
	})

	t.Run("non-JSON error body", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "upstream down", http.StatusBadGateway)
		}))
		defer srv.Close()

		_, err := NewClient("", WithBaseURL(srv.URL)).FetchRecent(ctx, "general", 0)
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, "502", apiErr.Code)
		assert.Equal(t, "Bad Gateway", apiErr.Message)
	})

	t.Run("malformed success body", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("{not json"))
		}))
		defer srv.Close()

		_, err := NewClient("", WithBaseURL(srv.URL)).FetchRecent(ctx, "general", 0)
		require.Error(t, err)
		assert.True(t, strings.Contains(err.Error(), "unmarshal"))
	})

	t.Run("escapes path segments", func(t *testing.T) {
		var path string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			path = r.URL.EscapedPath()
			w.WriteHeader(http.StatusNoContent)
		}))
		defer srv.Close()

		require.NoError(t, NewClient("", WithBaseURL(srv.URL)).SoftDelete(ctx, "a/b"))
		assert.Equal(t, "/api/messages/a%2Fb", path)
	})
}
