// Package chatsync is the realtime state layer of a team chat client.
//
// Three independent engines keep a local view consistent with events from
// other clients arriving over a publish/subscribe Transport:
//
//	hub := chatsync.NewMemoryHub() // or chatsync.NewWSTransport(url, cfg)
//	store := chatsync.NewClient(token, chatsync.WithBaseURL(apiURL))
//
//	msgs := chatsync.NewMessageEngine(store, hub)
//	msgs.Join(ctx, "general")
//	msgs.Send(ctx, "general", sessionID, userID, "hello")
//
//	presence := chatsync.NewPresenceEngine(hub, chatsync.WithStatusStore(store))
//	presence.InitSession(ctx, userID, chatsync.StatusOnline, nil, nil)
//
//	typing := chatsync.NewTypingEngine(hub, userID, "Alice")
//	typing.Join(ctx, "general")
//	typing.SendTyping(ctx, "general")
//
// Every engine exposes copy-on-read snapshots and change notifications via On.
package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "http://localhost:8787"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client is a REST Store backed by the chat API. It also implements
// StatusStore.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// NewClient creates a REST client. token is optional.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken sets or updates the bearer token.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the API root the client talks to.
func (c *Client) BaseURL() string { return c.baseURL }

// ============================================================================
// Internal request helper
// ============================================================================

// doRequest returns the response body for 2xx responses. Anything else is
// decoded into an *APIError.
func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query url.Values) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{}
		if json.Unmarshal(data, apiErr) != nil || apiErr.Message == "" {
			apiErr.Code = strconv.Itoa(resp.StatusCode)
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return nil, apiErr
	}
	return data, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Store
// ============================================================================

func (c *Client) FetchRecent(ctx context.Context, channelID string, limit int) ([]Message, error) {
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	data, err := c.doRequest(ctx, http.MethodGet, "/api/channels/"+url.PathEscape(channelID)+"/messages", nil, query)
	if err != nil {
		return nil, err
	}
	rows, err := decodeJSON[[]Message](data)
	if err != nil {
		return nil, err
	}
	return *rows, nil
}

func (c *Client) Insert(ctx context.Context, msg *Message) (*Message, error) {
	data, err := c.doRequest(ctx, http.MethodPost, "/api/messages", msg, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Message](data)
}

func (c *Client) Update(ctx context.Context, id string, patch MessagePatch) (*Message, error) {
	data, err := c.doRequest(ctx, http.MethodPatch, "/api/messages/"+url.PathEscape(id), patch, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Message](data)
}

func (c *Client) SoftDelete(ctx context.Context, id string) error {
	_, err := c.doRequest(ctx, http.MethodDelete, "/api/messages/"+url.PathEscape(id), nil, nil)
	return err
}

func (c *Client) FetchProfiles(ctx context.Context, ids []string) ([]Profile, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := url.Values{"ids": {strings.Join(ids, ",")}}
	data, err := c.doRequest(ctx, http.MethodGet, "/api/profiles", nil, query)
	if err != nil {
		return nil, err
	}
	profiles, err := decodeJSON[[]Profile](data)
	if err != nil {
		return nil, err
	}
	return *profiles, nil
}

// SetStatus persists the profile status column.
func (c *Client) SetStatus(ctx context.Context, userID string, status Status) error {
	body := map[string]Status{"status": status}
	_, err := c.doRequest(ctx, http.MethodPatch, "/api/profiles/"+url.PathEscape(userID), body, nil)
	return err
}
